package service

import (
	"context"

	"github.com/Shivanand-hulikatti/event-reg-payments/internal/model"
	"github.com/Shivanand-hulikatti/event-reg-payments/internal/repository"
)

// CapacityGuard decides whether additional slots fit into an event. It must
// be called with a transaction obtained from Store.WithEventLock so the count
// it reads cannot change before the caller writes.
type CapacityGuard struct{}

// Reserve returns ErrEventFull when occupied + additional exceeds the event's
// maximum. Unlimited events always fit. The comparison is done against the
// free room so a huge additional cannot wrap around.
func (CapacityGuard) Reserve(ctx context.Context, tx repository.Tx, event *model.Event, additional int) error {
	if event.Unlimited() || additional <= 0 {
		return nil
	}
	occupied, err := tx.CountOccupiedSlots(ctx, event.ID)
	if err != nil {
		return err
	}
	if additional > *event.MaxParticipants-occupied {
		return ErrEventFull
	}
	return nil
}
