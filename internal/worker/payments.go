// Package worker runs background consumers.
package worker

import (
	"context"
	"encoding/json"

	"github.com/Shivanand-hulikatti/event-reg-payments/internal/model"
	"github.com/rs/zerolog"
)

// Reconciler applies one gateway notification.
type Reconciler interface {
	HandlePaymentNotification(ctx context.Context, n model.PaymentNotification) error
}

// Source delivers raw messages from a queue. A nil handler result
// acknowledges the message; an error requeues it.
type Source interface {
	Consume(ctx context.Context, queue string, handler func(context.Context, []byte) error) error
}

// PaymentConsumer feeds gateway notifications from a queue into the
// reconciler.
type PaymentConsumer struct {
	source     Source
	queue      string
	reconciler Reconciler
	log        zerolog.Logger
}

// NewPaymentConsumer builds a PaymentConsumer.
func NewPaymentConsumer(source Source, queue string, reconciler Reconciler, log zerolog.Logger) *PaymentConsumer {
	return &PaymentConsumer{
		source:     source,
		queue:      queue,
		reconciler: reconciler,
		log:        log.With().Str("component", "payment_consumer").Str("queue", queue).Logger(),
	}
}

// Run consumes until ctx is canceled.
func (c *PaymentConsumer) Run(ctx context.Context) error {
	c.log.Info().Msg("payment consumer started")
	defer c.log.Info().Msg("payment consumer stopped")
	return c.source.Consume(ctx, c.queue, c.handle)
}

// handle only returns an error for failures worth redelivering.
func (c *PaymentConsumer) handle(ctx context.Context, body []byte) error {
	var n model.PaymentNotification
	if err := json.Unmarshal(body, &n); err != nil {
		c.log.Error().Err(err).Str("body", string(body)).Msg("dropping undecodable notification")
		return nil
	}

	c.log.Debug().Str("intent_id", n.IntentID).Str("status", string(n.Status)).Msg("payment notification received")
	if err := c.reconciler.HandlePaymentNotification(ctx, n); err != nil {
		c.log.Error().Err(err).Str("intent_id", n.IntentID).Msg("reconciliation failed")
		return err
	}
	return nil
}
