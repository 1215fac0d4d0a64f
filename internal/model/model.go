// Package model defines the core domain types for the registration engine.
package model

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Status is the local lifecycle state shared by registrations and guest
// registrations.
type Status string

const (
	StatusAwaitingPayment Status = "awaiting_payment"
	StatusConfirmed       Status = "confirmed"
	StatusCanceled        Status = "canceled"
)

// Active reports whether the status occupies capacity.
func (s Status) Active() bool {
	return s == StatusAwaitingPayment || s == StatusConfirmed
}

// PaymentMode identifies one of the supported payment backends.
type PaymentMode string

const (
	ModeCard         PaymentMode = "card"
	ModeBankTransfer PaymentMode = "bank_transfer"
	ModeWallet       PaymentMode = "wallet"
)

// ErrInvalidPaymentMode is wrapped by ParsePaymentMode.
var ErrInvalidPaymentMode = errors.New("unsupported payment mode")

// ParsePaymentMode validates a raw mode identifier.
func ParsePaymentMode(raw string) (PaymentMode, error) {
	switch m := PaymentMode(strings.ToLower(strings.TrimSpace(raw))); m {
	case ModeCard, ModeBankTransfer, ModeWallet:
		return m, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidPaymentMode, raw)
	}
}

// Event is the capacity and pricing view of a bookable event.
type Event struct {
	ID                 string     `json:"id"`
	Name               string     `json:"name"`
	Description        string     `json:"description"`
	MaxParticipants    *int       `json:"max_participants,omitempty"`
	AllowGuests        bool       `json:"allow_guests"`
	GuestForm          bool       `json:"guest_form"`
	IsFree             bool       `json:"is_free"`
	Price              int64      `json:"price"`
	RequiresSubmission bool       `json:"requires_submission"`
	EndsAt             *time.Time `json:"ends_at,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
}

// Unlimited returns true when the event has no participant cap.
func (e *Event) Unlimited() bool {
	return e.MaxParticipants == nil
}

// Finished returns true once the event end time has passed.
func (e *Event) Finished(now time.Time) bool {
	return e.EndsAt != nil && !now.Before(*e.EndsAt)
}

// Registration is one person's claim on an event's capacity.
type Registration struct {
	ID              string       `json:"id"`
	EventID         string       `json:"event_id"`
	PersonID        string       `json:"person_id"`
	Status          Status       `json:"status"`
	GuestSlots      int          `json:"guest_slots"`
	PaymentIntentID *string      `json:"payment_intent_id,omitempty"`
	PaymentMode     *PaymentMode `json:"payment_mode,omitempty"`
	SubmissionRef   *string      `json:"submission_ref,omitempty"`
	CreatedAt       time.Time    `json:"created_at"`
	UpdatedAt       time.Time    `json:"updated_at"`
}

// Slots returns the number of capacity slots the registration consumes
// directly.
func (r *Registration) Slots() int {
	return 1 + r.GuestSlots
}

// HasPaymentHistory reports whether a payment was ever attempted.
func (r *Registration) HasPaymentHistory() bool {
	return r.PaymentIntentID != nil
}

// GuestRegistration is an additional attendee identified through its own
// sub-form, with an independent payment lifecycle.
type GuestRegistration struct {
	ID              string       `json:"id"`
	RegistrationID  string       `json:"registration_id"`
	SubmissionID    string       `json:"submission_id"`
	Status          Status       `json:"status"`
	PaymentIntentID *string      `json:"payment_intent_id,omitempty"`
	PaymentMode     *PaymentMode `json:"payment_mode,omitempty"`
	CreatedAt       time.Time    `json:"created_at"`
	UpdatedAt       time.Time    `json:"updated_at"`
}

// PaymentIntent is the local reference to a gateway charge attempt.
type PaymentIntent struct {
	ID     string      `json:"id"`
	Amount int64       `json:"amount"`
	Mode   PaymentMode `json:"mode"`
}

// GatewayStatus is the authoritative intent status reported by the gateway.
type GatewayStatus string

const (
	GatewayWaiting   GatewayStatus = "waiting"
	GatewayCompleted GatewayStatus = "completed"
	GatewayCanceled  GatewayStatus = "canceled"
	GatewayRefunded  GatewayStatus = "refunded"
)

// LocalStatus maps a gateway status onto the local state machine.
func (s GatewayStatus) LocalStatus() (Status, bool) {
	switch GatewayStatus(strings.ToLower(string(s))) {
	case GatewayCompleted:
		return StatusConfirmed, true
	case GatewayCanceled, GatewayRefunded:
		return StatusCanceled, true
	case GatewayWaiting:
		return StatusAwaitingPayment, true
	default:
		return "", false
	}
}

// PaymentNotification is one status update delivered by the gateway.
type PaymentNotification struct {
	IntentID string        `json:"intent_id"`
	Status   GatewayStatus `json:"status"`
	Amount   int64         `json:"amount"`
}

// NotificationKind names a post-commit side effect.
type NotificationKind string

const (
	KindRegistrationConfirmed NotificationKind = "registration_confirmed"
	KindGuestConfirmed        NotificationKind = "guest_confirmed"
)

// OutboxEntry is a pending notification written alongside a state change.
type OutboxEntry struct {
	ID        string           `json:"id"`
	Kind      NotificationKind `json:"kind"`
	RecordID  string           `json:"record_id"`
	CreatedAt time.Time        `json:"created_at"`
}

// CreateEventRequest is the payload for creating a new event.
type CreateEventRequest struct {
	Name               string     `json:"name" validate:"required"`
	Description        string     `json:"description"`
	MaxParticipants    *int       `json:"max_participants" validate:"omitempty,gt=0,lte=100000"`
	AllowGuests        bool       `json:"allow_guests"`
	GuestForm          bool       `json:"guest_form"`
	IsFree             bool       `json:"is_free"`
	Price              int64      `json:"price" validate:"required_unless=IsFree true,gte=0"`
	RequiresSubmission bool       `json:"requires_submission"`
	EndsAt             *time.Time `json:"ends_at"`
}

// RegisterRequest is the payload for registering a person for an event.
type RegisterRequest struct {
	PersonID      string `json:"person_id" validate:"required"`
	GuestSlots    int    `json:"guest_slots" validate:"gte=0,lte=100000"`
	SubmissionRef string `json:"submission_ref"`
	PaymentMode   string `json:"payment_mode"`
}

// AddGuestRequest is the payload for adding a guest sub-registration.
type AddGuestRequest struct {
	SubmissionRef string `json:"submission_ref"`
	PaymentMode   string `json:"payment_mode"`
}

// GuestSlotsRequest is the payload for changing a registration's guest count.
type GuestSlotsRequest struct {
	Count int `json:"count" validate:"gte=0,lte=100000"`
}

// PaymentRequest is the payload for retrying or switching a payment.
type PaymentRequest struct {
	PaymentMode string `json:"payment_mode"`
}

// EventSummary is an event together with its live occupancy.
type EventSummary struct {
	Event
	Occupied  int  `json:"occupied"`
	Remaining *int `json:"remaining,omitempty"`
}

// ErrorResponse is a standard JSON error envelope.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}
