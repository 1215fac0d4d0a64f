package service

import (
	"context"

	"github.com/Shivanand-hulikatti/event-reg-payments/internal/model"
)

// PaymentGateway is the external payment provider. It is the sole authority
// on intent status.
type PaymentGateway interface {
	CreateIntent(ctx context.Context, amount int64, mode model.PaymentMode, metadata map[string]string) (string, error)
	// CancelIntent returns false when the gateway refuses to cancel.
	CancelIntent(ctx context.Context, intentID string) (bool, error)
	// IsRetryable reports whether the intent can still be paid as is.
	IsRetryable(ctx context.Context, intentID string) (bool, error)
}

// NotificationDispatcher delivers fire-and-forget messages.
type NotificationDispatcher interface {
	Enqueue(ctx context.Context, kind model.NotificationKind, recordID string) error
}

// PricingContext describes what is being priced.
type PricingContext struct {
	GuestSlots int
	Guest      bool
}

// Pricer computes the amount due. It must be a pure function of its inputs.
type Pricer interface {
	Price(event *model.Event, pc PricingContext) int64
}

// FlatPricer charges the event price per occupied slot.
type FlatPricer struct{}

// Price implements Pricer.
func (FlatPricer) Price(event *model.Event, pc PricingContext) int64 {
	if event.IsFree {
		return 0
	}
	if pc.Guest {
		return event.Price
	}
	return event.Price * int64(1+pc.GuestSlots)
}
