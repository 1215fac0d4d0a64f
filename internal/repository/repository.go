// Package repository declares the persistence and locking primitives used by
// the registration engine. Implementations live in the postgres and sqlite
// subpackages; no business rules live here.
package repository

import (
	"context"
	"errors"
	"time"

	"github.com/Shivanand-hulikatti/event-reg-payments/internal/model"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// ErrConflict is returned when a write violates a uniqueness constraint.
var ErrConflict = errors.New("conflict")

// OwnerKind tells which table references a payment intent.
type OwnerKind int

const (
	OwnerRegistration OwnerKind = iota + 1
	OwnerGuest
)

// IntentOwner is the single record that references a payment intent.
// Registration is always set; Guest is set when Kind is OwnerGuest, in which
// case Registration is the guest's owning registration.
type IntentOwner struct {
	Kind         OwnerKind
	Registration *model.Registration
	Guest        *model.GuestRegistration
}

// EventID returns the event the owning record belongs to.
func (o *IntentOwner) EventID() string {
	return o.Registration.EventID
}

// Tx is a unit of work. Reads suffixed ForUpdate hold a row lock until the
// transaction ends.
type Tx interface {
	// GetForUpdate returns the registration for (event, person) or ErrNotFound.
	GetForUpdate(ctx context.Context, eventID, personID string) (*model.Registration, error)
	GetRegistrationForUpdate(ctx context.Context, id string) (*model.Registration, error)
	GetGuestForUpdate(ctx context.Context, id string) (*model.GuestRegistration, error)
	GetGuestBySubmissionForUpdate(ctx context.Context, registrationID, submissionID string) (*model.GuestRegistration, error)
	ListGuestsForUpdate(ctx context.Context, registrationID string) ([]model.GuestRegistration, error)
	// FindByIntentForUpdate resolves the record referencing intentID or
	// returns ErrNotFound.
	FindByIntentForUpdate(ctx context.Context, intentID string) (*IntentOwner, error)

	// CountOccupiedSlots is a live aggregate over non-canceled registrations
	// (1 + guest_slots each) and their non-canceled guest registrations.
	CountOccupiedSlots(ctx context.Context, eventID string) (int, error)

	SaveRegistration(ctx context.Context, reg *model.Registration) error
	SaveGuest(ctx context.Context, guest *model.GuestRegistration) error
	// DeleteRegistration removes a registration together with its guests.
	DeleteRegistration(ctx context.Context, id string) error
	DeleteGuest(ctx context.Context, id string) error

	EnqueueOutbox(ctx context.Context, kind model.NotificationKind, recordID string) error
}

// Store is the durable registration store.
type Store interface {
	// WithEventLock runs fn in a transaction holding a lock scoped to the
	// event. fn receives the event as read under that lock. Returns
	// ErrNotFound when the event does not exist.
	WithEventLock(ctx context.Context, eventID string, fn func(tx Tx, event *model.Event) error) error
	// InTx runs fn in a transaction without any event-wide lock.
	InTx(ctx context.Context, fn func(tx Tx) error) error

	CreateEvent(ctx context.Context, event *model.Event) error
	GetEvent(ctx context.Context, id string) (*model.Event, error)
	ListEvents(ctx context.Context) ([]model.Event, error)
	CountOccupiedSlots(ctx context.Context, eventID string) (int, error)

	GetRegistration(ctx context.Context, id string) (*model.Registration, error)
	GetGuest(ctx context.Context, id string) (*model.GuestRegistration, error)
	ListRegistrations(ctx context.Context, eventID string) ([]model.Registration, error)
	ListGuests(ctx context.Context, registrationID string) ([]model.GuestRegistration, error)

	// ClaimOutbox leases up to limit undispatched entries for lease and
	// returns them. An entry is not handed out again until its lease
	// expires or, once MarkOutboxDispatched succeeds, ever.
	ClaimOutbox(ctx context.Context, limit int, lease time.Duration) ([]model.OutboxEntry, error)
	MarkOutboxDispatched(ctx context.Context, id string) error

	Close() error
}
