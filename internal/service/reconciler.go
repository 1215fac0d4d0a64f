package service

import (
	"context"
	"errors"

	"github.com/Shivanand-hulikatti/event-reg-payments/internal/model"
	"github.com/Shivanand-hulikatti/event-reg-payments/internal/repository"
	"github.com/rs/zerolog"
)

// PaymentReconciler applies gateway status notifications to local records.
//
// Notifications may arrive late, twice, or for intents nobody references
// anymore. Applying the same status twice is a no-op, and the only errors
// returned are storage failures so the delivery mechanism can redeliver.
type PaymentReconciler struct {
	store   repository.Store
	gateway PaymentGateway
	guard   CapacityGuard
	log     zerolog.Logger
}

// NewPaymentReconciler constructs a PaymentReconciler.
func NewPaymentReconciler(store repository.Store, gateway PaymentGateway, log zerolog.Logger) *PaymentReconciler {
	return &PaymentReconciler{
		store:   store,
		gateway: gateway,
		log:     log.With().Str("component", "payment_reconciler").Logger(),
	}
}

type reconcileOutcome struct {
	kind     repository.OwnerKind
	recordID string
	eventID  string
	from     model.Status
	to       model.Status
	applied  bool
	// needsEventLock is set when the transition leaves canceled and has to be
	// repeated under the event lock with a capacity check.
	needsEventLock bool
	rejected       string
	cancel         []string
}

// HandlePaymentNotification reconciles one gateway notification.
func (r *PaymentReconciler) HandlePaymentNotification(ctx context.Context, n model.PaymentNotification) error {
	logger := r.log.With().Str("intent_id", n.IntentID).Str("gateway_status", string(n.Status)).Logger()

	target, ok := n.Status.LocalStatus()
	if !ok {
		logger.Warn().Msg("unknown gateway status, ignoring notification")
		return nil
	}
	if n.IntentID == "" {
		logger.Warn().Msg("notification without intent id, ignoring")
		return nil
	}

	var out reconcileOutcome
	err := r.store.InTx(ctx, func(tx repository.Tx) error {
		var err error
		out, err = r.apply(ctx, tx, n.IntentID, target, nil)
		return err
	})
	if err == nil && out.needsEventLock {
		err = r.store.WithEventLock(ctx, out.eventID, func(tx repository.Tx, event *model.Event) error {
			var err error
			out, err = r.apply(ctx, tx, n.IntentID, target, event)
			return err
		})
	}
	if err != nil {
		if errors.Is(err, ErrUnknownIntent) || errors.Is(err, repository.ErrNotFound) {
			logger.Warn().Msg("no record references this intent, ignoring notification")
			return nil
		}
		return transient("reconcile payment", err)
	}

	logger = logger.With().Str("record_id", out.recordID).Str("from", string(out.from)).Str("to", string(out.to)).Logger()
	switch {
	case out.rejected != "":
		logger.Warn().Str("reason", out.rejected).Msg("transition rejected, payment needs manual follow-up")
	case out.applied:
		if out.from == model.StatusConfirmed && out.to == model.StatusAwaitingPayment {
			logger.Warn().Msg("confirmed record moved back to awaiting payment")
		} else {
			logger.Info().Msg("payment status applied")
		}
	default:
		logger.Debug().Msg("status already applied")
	}

	cancelIntents(ctx, r.gateway, logger, out.cancel)
	return nil
}

// apply resolves the record behind intentID and moves it to target. event is
// nil on the first pass; a pass that would revive a canceled record returns
// needsEventLock instead of writing.
func (r *PaymentReconciler) apply(
	ctx context.Context,
	tx repository.Tx,
	intentID string,
	target model.Status,
	event *model.Event,
) (reconcileOutcome, error) {
	owner, err := tx.FindByIntentForUpdate(ctx, intentID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return reconcileOutcome{}, ErrUnknownIntent
		}
		return reconcileOutcome{}, err
	}

	out := reconcileOutcome{kind: owner.Kind, eventID: owner.EventID(), to: target}
	switch owner.Kind {
	case repository.OwnerGuest:
		return r.applyGuest(ctx, tx, owner, target, event, out)
	default:
		return r.applyRegistration(ctx, tx, owner.Registration, intentID, target, event, out)
	}
}

func (r *PaymentReconciler) applyRegistration(
	ctx context.Context,
	tx repository.Tx,
	reg *model.Registration,
	intentID string,
	target model.Status,
	event *model.Event,
	out reconcileOutcome,
) (reconcileOutcome, error) {
	out.recordID = reg.ID
	out.from = reg.Status
	if reg.Status == target {
		return out, nil
	}

	if reg.Status == model.StatusCanceled {
		if event == nil {
			out.needsEventLock = true
			return out, nil
		}
		if err := r.guard.Reserve(ctx, tx, event, reg.Slots()); err != nil {
			if errors.Is(err, ErrEventFull) {
				out.rejected = "event is full"
				return out, nil
			}
			return out, err
		}
	}

	if target == model.StatusCanceled {
		intents, err := cancelRegistrationTx(ctx, tx, reg)
		if err != nil {
			return out, err
		}
		for _, id := range intents {
			if id != intentID {
				out.cancel = append(out.cancel, id)
			}
		}
		out.applied = true
		return out, nil
	}

	reg.Status = target
	if err := tx.SaveRegistration(ctx, reg); err != nil {
		return out, err
	}
	if target == model.StatusConfirmed {
		if err := tx.EnqueueOutbox(ctx, model.KindRegistrationConfirmed, reg.ID); err != nil {
			return out, err
		}
	}
	out.applied = true
	return out, nil
}

func (r *PaymentReconciler) applyGuest(
	ctx context.Context,
	tx repository.Tx,
	owner *repository.IntentOwner,
	target model.Status,
	event *model.Event,
	out reconcileOutcome,
) (reconcileOutcome, error) {
	guest := owner.Guest
	out.recordID = guest.ID
	out.from = guest.Status
	if guest.Status == target {
		return out, nil
	}

	if guest.Status == model.StatusCanceled {
		if !owner.Registration.Status.Active() {
			out.rejected = "owning registration is canceled"
			return out, nil
		}
		if event == nil {
			out.needsEventLock = true
			return out, nil
		}
		if err := r.guard.Reserve(ctx, tx, event, 1); err != nil {
			if errors.Is(err, ErrEventFull) {
				out.rejected = "event is full"
				return out, nil
			}
			return out, err
		}
	}

	guest.Status = target
	if err := tx.SaveGuest(ctx, guest); err != nil {
		return out, err
	}
	if target == model.StatusConfirmed {
		if err := tx.EnqueueOutbox(ctx, model.KindGuestConfirmed, guest.ID); err != nil {
			return out, err
		}
	}
	out.applied = true
	return out, nil
}
