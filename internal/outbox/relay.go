// Package outbox relays committed confirmation notifications from the
// outbox table to a dispatcher.
package outbox

import (
	"context"
	"time"

	"github.com/Shivanand-hulikatti/event-reg-payments/internal/model"
	"github.com/rs/zerolog"
)

// Claimer leases pending outbox entries and records successful dispatches.
type Claimer interface {
	ClaimOutbox(ctx context.Context, limit int, lease time.Duration) ([]model.OutboxEntry, error)
	MarkOutboxDispatched(ctx context.Context, id string) error
}

// Dispatcher receives claimed entries.
type Dispatcher interface {
	Enqueue(ctx context.Context, kind model.NotificationKind, recordID string) error
}

// Relay polls the outbox and forwards entries. An entry is marked dispatched
// only after the dispatcher accepts it; a failed entry is picked up again
// once its lease expires.
type Relay struct {
	claimer    Claimer
	dispatcher Dispatcher
	interval   time.Duration
	batch      int
	lease      time.Duration
	log        zerolog.Logger
}

// NewRelay builds a Relay.
func NewRelay(claimer Claimer, dispatcher Dispatcher, interval time.Duration, batch int, lease time.Duration, log zerolog.Logger) *Relay {
	return &Relay{
		claimer:    claimer,
		dispatcher: dispatcher,
		interval:   interval,
		batch:      batch,
		lease:      lease,
		log:        log.With().Str("component", "outbox_relay").Logger(),
	}
}

// Run polls until ctx is canceled.
func (r *Relay) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.log.Info().Dur("interval", r.interval).Int("batch", r.batch).Msg("outbox relay started")
	for {
		if _, err := r.Flush(ctx); err != nil && ctx.Err() == nil {
			r.log.Error().Err(err).Msg("outbox flush failed")
		}
		select {
		case <-ctx.Done():
			r.log.Info().Msg("outbox relay stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// Flush drains the outbox batch by batch and returns how many entries were
// handed to the dispatcher.
func (r *Relay) Flush(ctx context.Context) (int, error) {
	total := 0
	for {
		entries, err := r.claimer.ClaimOutbox(ctx, r.batch, r.lease)
		if err != nil {
			return total, err
		}
		for _, e := range entries {
			logger := r.log.With().Str("outbox_id", e.ID).Str("kind", string(e.Kind)).
				Str("record_id", e.RecordID).Logger()
			if err := r.dispatcher.Enqueue(ctx, e.Kind, e.RecordID); err != nil {
				logger.Error().Err(err).Dur("retry_in", r.lease).Msg("dispatch failed")
				continue
			}
			total++
			if err := r.claimer.MarkOutboxDispatched(ctx, e.ID); err != nil {
				// The entry goes out again when its lease expires.
				logger.Error().Err(err).Msg("mark outbox entry dispatched failed")
			}
		}
		if len(entries) < r.batch {
			return total, nil
		}
	}
}
