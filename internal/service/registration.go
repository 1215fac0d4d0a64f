package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Shivanand-hulikatti/event-reg-payments/internal/model"
	"github.com/Shivanand-hulikatti/event-reg-payments/internal/repository"
	"github.com/Shivanand-hulikatti/event-reg-payments/internal/validator"
	"github.com/rs/zerolog"
)

// compensationTimeout bounds the cleanup transaction that runs after the
// caller's context may already be gone.
const compensationTimeout = 10 * time.Second

var errPaymentChanged = errors.New("payment was changed concurrently")

// RegistrationService orchestrates the public registration operations and
// drives the registration and guest state machines.
//
// Every operation that can change the occupied-slot count runs its
// read-then-write inside Store.WithEventLock. Gateway calls always happen
// outside that lock: the record is committed first, the intent is created
// afterwards and attached in a second short transaction, and a failed intent
// creation is compensated by rolling the record back.
type RegistrationService struct {
	store   repository.Store
	gateway PaymentGateway
	pricer  Pricer
	guard   CapacityGuard
	log     zerolog.Logger
	now     func() time.Time
}

// NewRegistrationService constructs a RegistrationService.
func NewRegistrationService(store repository.Store, gateway PaymentGateway, pricer Pricer, log zerolog.Logger) *RegistrationService {
	if pricer == nil {
		pricer = FlatPricer{}
	}
	return &RegistrationService{
		store:   store,
		gateway: gateway,
		pricer:  pricer,
		log:     log.With().Str("component", "registration_service").Logger(),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// RegisterParams are the inputs of Register. Mode is required for paid
// events and ignored for free ones.
type RegisterParams struct {
	EventID       string            `json:"event_id"`
	PersonID      string            `json:"person_id" validate:"required"`
	GuestSlots    int               `json:"guest_slots" validate:"gte=0,lte=100000"`
	SubmissionRef string            `json:"submission_ref"`
	Mode          model.PaymentMode `json:"payment_mode"`
}

// Register claims 1 + GuestSlots slots of an event for a person.
//
// Free events are confirmed synchronously. Paid events leave the
// registration awaiting payment with a freshly created intent attached.
func (s *RegistrationService) Register(ctx context.Context, p RegisterParams) (*model.Registration, error) {
	p.PersonID = strings.TrimSpace(p.PersonID)
	if err := validator.Validate(ctx, p); err != nil {
		return nil, invalidInput(err)
	}
	personID := p.PersonID
	submission := strings.TrimSpace(p.SubmissionRef)

	var (
		reg   *model.Registration
		prev  *model.Registration
		event *model.Event
	)
	err := s.store.WithEventLock(ctx, p.EventID, func(tx repository.Tx, ev *model.Event) error {
		event = ev
		if ev.Finished(s.now()) {
			return ErrEventFinished
		}
		if ev.RequiresSubmission && submission == "" {
			return ErrSubmissionRequired
		}
		if p.GuestSlots > 0 && (!ev.AllowGuests || ev.GuestForm) {
			return ErrGuestsNotAllowed
		}
		mode := p.Mode
		if !ev.IsFree {
			parsed, err := model.ParsePaymentMode(string(p.Mode))
			if err != nil {
				return ErrInvalidPaymentMode
			}
			mode = parsed
		}

		existing, err := tx.GetForUpdate(ctx, ev.ID, personID)
		switch {
		case err == nil && existing.Status.Active():
			return ErrAlreadyRegistered
		case err != nil && !errors.Is(err, repository.ErrNotFound):
			return err
		}

		if err := s.guard.Reserve(ctx, tx, ev, 1+p.GuestSlots); err != nil {
			return err
		}

		if existing != nil {
			snapshot := *existing
			prev = &snapshot
			reg = existing
		} else {
			reg = &model.Registration{EventID: ev.ID, PersonID: personID}
		}
		reg.GuestSlots = p.GuestSlots
		reg.SubmissionRef = optional(submission)
		// A revived registration must not keep answering to its old intent.
		reg.PaymentIntentID = nil
		if ev.IsFree {
			reg.Status = model.StatusConfirmed
			reg.PaymentMode = nil
		} else {
			reg.Status = model.StatusAwaitingPayment
			reg.PaymentMode = &mode
		}

		if err := tx.SaveRegistration(ctx, reg); err != nil {
			if errors.Is(err, repository.ErrConflict) {
				return ErrAlreadyRegistered
			}
			return err
		}
		if reg.Status == model.StatusConfirmed {
			return tx.EnqueueOutbox(ctx, model.KindRegistrationConfirmed, reg.ID)
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrEventNotFound
		}
		return nil, transient("register", err)
	}

	logger := s.log.With().Str("registration_id", reg.ID).Str("event_id", reg.EventID).Logger()
	if event.IsFree {
		logger.Info().Msg("registration confirmed")
		return reg, nil
	}

	amount := s.pricer.Price(event, PricingContext{GuestSlots: reg.GuestSlots})
	intentID, err := s.gateway.CreateIntent(ctx, amount, *reg.PaymentMode, map[string]string{
		"registration_id": reg.ID,
		"event_id":        reg.EventID,
		"person_id":       reg.PersonID,
	})
	if err != nil {
		logger.Warn().Err(err).Msg("create payment intent failed, rolling back registration")
		s.compensateRegistration(ctx, reg.ID, prev)
		return nil, transient("create payment intent", err)
	}

	attached, err := s.attachRegistrationIntent(ctx, reg.ID, intentID)
	if err != nil {
		evt := logger.Error()
		if errors.Is(err, errPaymentChanged) {
			evt = logger.Warn()
		}
		evt.Err(err).Str("intent_id", intentID).Msg("attach payment intent failed, rolling back registration")
		s.cancelIntents(ctx, []string{intentID})
		s.compensateRegistration(ctx, reg.ID, prev)
		return nil, transient("attach payment intent", err)
	}
	logger.Info().Str("intent_id", intentID).Int64("amount", amount).Msg("registration awaiting payment")
	return attached, nil
}

// attachRegistrationIntent stores intentID on a registration that is still
// awaiting its first intent. If the registration moved on in the meantime it
// returns errPaymentChanged and the caller owns the orphaned intent.
func (s *RegistrationService) attachRegistrationIntent(ctx context.Context, id, intentID string) (*model.Registration, error) {
	var reg *model.Registration
	err := s.store.InTx(ctx, func(tx repository.Tx) error {
		cur, err := tx.GetRegistrationForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if cur.Status != model.StatusAwaitingPayment || cur.PaymentIntentID != nil {
			return errPaymentChanged
		}
		cur.PaymentIntentID = &intentID
		reg = cur
		return tx.SaveRegistration(ctx, cur)
	})
	if err != nil {
		return nil, err
	}
	return reg, nil
}

// compensateRegistration undoes the record written by Register: a new row is
// deleted, a revived row gets its previous state back.
func (s *RegistrationService) compensateRegistration(ctx context.Context, id string, prev *model.Registration) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), compensationTimeout)
	defer cancel()

	err := s.store.InTx(ctx, func(tx repository.Tx) error {
		cur, err := tx.GetRegistrationForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if cur.Status != model.StatusAwaitingPayment || cur.PaymentIntentID != nil {
			return nil
		}
		if prev == nil {
			return tx.DeleteRegistration(ctx, id)
		}
		restored := *prev
		return tx.SaveRegistration(ctx, &restored)
	})
	if err != nil && !errors.Is(err, repository.ErrNotFound) {
		s.log.Error().Err(err).Str("registration_id", id).Msg("registration compensation failed")
	}
}

// RetryOrSwitchPayment returns a payable intent for a registration. When the
// current intent uses mode and the gateway still accepts it, it is returned
// unchanged. Otherwise the current intent is canceled at the gateway first; a
// refusal fails the call without touching local state.
func (s *RegistrationService) RetryOrSwitchPayment(ctx context.Context, registrationID string, mode model.PaymentMode) (*model.PaymentIntent, error) {
	mode, err := model.ParsePaymentMode(string(mode))
	if err != nil {
		return nil, ErrInvalidPaymentMode
	}
	reg, err := s.store.GetRegistration(ctx, registrationID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrNotRegistered
		}
		return nil, transient("load registration", err)
	}
	if !reg.Status.Active() {
		return nil, ErrNotRegistered
	}
	event, err := s.store.GetEvent(ctx, reg.EventID)
	if err != nil {
		return nil, transient("load event", err)
	}
	if event.IsFree {
		return nil, ErrPaymentNotRequired
	}

	amount := s.pricer.Price(event, PricingContext{GuestSlots: reg.GuestSlots})
	intentID, reused, err := s.switchIntent(ctx, reg.PaymentIntentID, reg.PaymentMode, mode, amount, map[string]string{
		"registration_id": reg.ID,
		"event_id":        reg.EventID,
		"person_id":       reg.PersonID,
	})
	if err != nil {
		return nil, err
	}
	intent := &model.PaymentIntent{ID: intentID, Amount: amount, Mode: mode}
	if reused {
		return intent, nil
	}

	observed := reg.PaymentIntentID
	err = s.store.InTx(ctx, func(tx repository.Tx) error {
		cur, err := tx.GetRegistrationForUpdate(ctx, registrationID)
		if err != nil {
			return err
		}
		if !cur.Status.Active() {
			return ErrNotRegistered
		}
		if !samePtr(cur.PaymentIntentID, observed) {
			return errPaymentChanged
		}
		cur.PaymentIntentID = &intentID
		cur.PaymentMode = &mode
		cur.Status = model.StatusAwaitingPayment
		return tx.SaveRegistration(ctx, cur)
	})
	if err != nil {
		s.cancelIntents(ctx, []string{intentID})
		return nil, transient("switch payment", err)
	}
	s.log.Info().Str("registration_id", registrationID).Str("intent_id", intentID).
		Str("mode", string(mode)).Msg("payment switched")
	return intent, nil
}

// switchIntent implements the gateway half of a retry or mode switch.
func (s *RegistrationService) switchIntent(
	ctx context.Context,
	current *string,
	currentMode *model.PaymentMode,
	mode model.PaymentMode,
	amount int64,
	metadata map[string]string,
) (intentID string, reused bool, err error) {
	if current != nil && currentMode != nil && *currentMode == mode {
		retryable, err := s.gateway.IsRetryable(ctx, *current)
		if err != nil {
			return "", false, transient("check payment intent", err)
		}
		if retryable {
			return *current, true, nil
		}
	}
	if current != nil {
		canceled, err := s.gateway.CancelIntent(ctx, *current)
		if err != nil {
			return "", false, transient("cancel payment intent", err)
		}
		if !canceled {
			return "", false, ErrPaymentModeNotCancelable
		}
	}
	intentID, err = s.gateway.CreateIntent(ctx, amount, mode, metadata)
	if err != nil {
		return "", false, transient("create payment intent", err)
	}
	return intentID, false, nil
}

// AddGuest registers one identified guest under an active registration.
func (s *RegistrationService) AddGuest(ctx context.Context, registrationID, submissionRef string, mode model.PaymentMode) (*model.GuestRegistration, error) {
	submission := strings.TrimSpace(submissionRef)
	if submission == "" {
		return nil, ErrSubmissionRequired
	}
	owner, err := s.store.GetRegistration(ctx, registrationID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrNotRegistered
		}
		return nil, transient("load registration", err)
	}

	var (
		guest *model.GuestRegistration
		prev  *model.GuestRegistration
		event *model.Event
	)
	err = s.store.WithEventLock(ctx, owner.EventID, func(tx repository.Tx, ev *model.Event) error {
		event = ev
		if !ev.AllowGuests || !ev.GuestForm {
			return ErrGuestsNotAllowed
		}
		if ev.Finished(s.now()) {
			return ErrEventFinished
		}
		if !ev.IsFree {
			parsed, err := model.ParsePaymentMode(string(mode))
			if err != nil {
				return ErrInvalidPaymentMode
			}
			mode = parsed
		}
		reg, err := tx.GetRegistrationForUpdate(ctx, registrationID)
		if err != nil {
			return err
		}
		if !reg.Status.Active() {
			return ErrNotRegistered
		}

		existing, err := tx.GetGuestBySubmissionForUpdate(ctx, registrationID, submission)
		switch {
		case err == nil && existing.Status.Active():
			return ErrAlreadyRegistered
		case err != nil && !errors.Is(err, repository.ErrNotFound):
			return err
		}

		if err := s.guard.Reserve(ctx, tx, ev, 1); err != nil {
			return err
		}

		if existing != nil {
			snapshot := *existing
			prev = &snapshot
			guest = existing
		} else {
			guest = &model.GuestRegistration{RegistrationID: registrationID, SubmissionID: submission}
		}
		guest.PaymentIntentID = nil
		if ev.IsFree {
			guest.Status = model.StatusConfirmed
			guest.PaymentMode = nil
		} else {
			m := mode
			guest.Status = model.StatusAwaitingPayment
			guest.PaymentMode = &m
		}
		if err := tx.SaveGuest(ctx, guest); err != nil {
			if errors.Is(err, repository.ErrConflict) {
				return ErrAlreadyRegistered
			}
			return err
		}
		if guest.Status == model.StatusConfirmed {
			return tx.EnqueueOutbox(ctx, model.KindGuestConfirmed, guest.ID)
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrNotRegistered
		}
		return nil, transient("add guest", err)
	}

	logger := s.log.With().Str("guest_id", guest.ID).Str("registration_id", registrationID).Logger()
	if event.IsFree {
		logger.Info().Msg("guest confirmed")
		return guest, nil
	}

	amount := s.pricer.Price(event, PricingContext{Guest: true})
	intentID, err := s.gateway.CreateIntent(ctx, amount, mode, map[string]string{
		"guest_registration_id": guest.ID,
		"registration_id":       registrationID,
		"event_id":              event.ID,
	})
	if err != nil {
		logger.Warn().Err(err).Msg("create guest payment intent failed, rolling back guest")
		s.compensateGuest(ctx, guest.ID, prev)
		return nil, transient("create payment intent", err)
	}
	attached, err := s.attachGuestIntent(ctx, guest.ID, intentID)
	if err != nil {
		evt := logger.Error()
		if errors.Is(err, errPaymentChanged) {
			evt = logger.Warn()
		}
		evt.Err(err).Str("intent_id", intentID).Msg("attach guest payment intent failed, rolling back guest")
		s.cancelIntents(ctx, []string{intentID})
		s.compensateGuest(ctx, guest.ID, prev)
		return nil, transient("attach payment intent", err)
	}
	logger.Info().Str("intent_id", intentID).Int64("amount", amount).Msg("guest awaiting payment")
	return attached, nil
}

func (s *RegistrationService) attachGuestIntent(ctx context.Context, id, intentID string) (*model.GuestRegistration, error) {
	var guest *model.GuestRegistration
	err := s.store.InTx(ctx, func(tx repository.Tx) error {
		cur, err := tx.GetGuestForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if cur.Status != model.StatusAwaitingPayment || cur.PaymentIntentID != nil {
			return errPaymentChanged
		}
		cur.PaymentIntentID = &intentID
		guest = cur
		return tx.SaveGuest(ctx, cur)
	})
	if err != nil {
		return nil, err
	}
	return guest, nil
}

func (s *RegistrationService) compensateGuest(ctx context.Context, id string, prev *model.GuestRegistration) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), compensationTimeout)
	defer cancel()

	err := s.store.InTx(ctx, func(tx repository.Tx) error {
		cur, err := tx.GetGuestForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if cur.Status != model.StatusAwaitingPayment || cur.PaymentIntentID != nil {
			return nil
		}
		if prev == nil {
			return tx.DeleteGuest(ctx, id)
		}
		restored := *prev
		return tx.SaveGuest(ctx, &restored)
	})
	if err != nil && !errors.Is(err, repository.ErrNotFound) {
		s.log.Error().Err(err).Str("guest_id", id).Msg("guest compensation failed")
	}
}

// RetryOrSwitchGuestPayment is RetryOrSwitchPayment for a guest registration.
func (s *RegistrationService) RetryOrSwitchGuestPayment(ctx context.Context, guestID string, mode model.PaymentMode) (*model.PaymentIntent, error) {
	mode, err := model.ParsePaymentMode(string(mode))
	if err != nil {
		return nil, ErrInvalidPaymentMode
	}
	guest, err := s.store.GetGuest(ctx, guestID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrNotRegistered
		}
		return nil, transient("load guest", err)
	}
	if !guest.Status.Active() {
		return nil, ErrNotRegistered
	}
	owner, err := s.store.GetRegistration(ctx, guest.RegistrationID)
	if err != nil {
		return nil, transient("load registration", err)
	}
	event, err := s.store.GetEvent(ctx, owner.EventID)
	if err != nil {
		return nil, transient("load event", err)
	}
	if event.IsFree {
		return nil, ErrPaymentNotRequired
	}

	amount := s.pricer.Price(event, PricingContext{Guest: true})
	intentID, reused, err := s.switchIntent(ctx, guest.PaymentIntentID, guest.PaymentMode, mode, amount, map[string]string{
		"guest_registration_id": guest.ID,
		"registration_id":       guest.RegistrationID,
		"event_id":              event.ID,
	})
	if err != nil {
		return nil, err
	}
	intent := &model.PaymentIntent{ID: intentID, Amount: amount, Mode: mode}
	if reused {
		return intent, nil
	}

	observed := guest.PaymentIntentID
	err = s.store.InTx(ctx, func(tx repository.Tx) error {
		cur, err := tx.GetGuestForUpdate(ctx, guestID)
		if err != nil {
			return err
		}
		if !cur.Status.Active() {
			return ErrNotRegistered
		}
		if !samePtr(cur.PaymentIntentID, observed) {
			return errPaymentChanged
		}
		cur.PaymentIntentID = &intentID
		cur.PaymentMode = &mode
		cur.Status = model.StatusAwaitingPayment
		return tx.SaveGuest(ctx, cur)
	})
	if err != nil {
		s.cancelIntents(ctx, []string{intentID})
		return nil, transient("switch guest payment", err)
	}
	return intent, nil
}

// SetGuestSlotCount changes the number of anonymous guest slots held directly
// on a registration. Only an increase is checked against capacity, and only
// for the delta.
func (s *RegistrationService) SetGuestSlotCount(ctx context.Context, registrationID string, count int) (*model.Registration, error) {
	if err := validator.Validate(ctx, model.GuestSlotsRequest{Count: count}); err != nil {
		return nil, invalidInput(err)
	}
	owner, err := s.store.GetRegistration(ctx, registrationID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrNotRegistered
		}
		return nil, transient("load registration", err)
	}

	var reg *model.Registration
	err = s.store.WithEventLock(ctx, owner.EventID, func(tx repository.Tx, ev *model.Event) error {
		if !ev.AllowGuests || ev.GuestForm {
			return ErrGuestsNotAllowed
		}
		cur, err := tx.GetRegistrationForUpdate(ctx, registrationID)
		if err != nil {
			return err
		}
		if !cur.Status.Active() {
			return ErrNotRegistered
		}
		reg = cur
		delta := count - cur.GuestSlots
		if delta == 0 {
			return nil
		}
		if err := s.guard.Reserve(ctx, tx, ev, delta); err != nil {
			return err
		}
		cur.GuestSlots = count
		return tx.SaveRegistration(ctx, cur)
	})
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrNotRegistered
		}
		return nil, transient("set guest slots", err)
	}
	return reg, nil
}

// Cancel moves a registration and its guests to canceled. The local
// transition commits first; active intents are then canceled at the gateway on
// a best-effort basis.
func (s *RegistrationService) Cancel(ctx context.Context, registrationID string) (*model.Registration, error) {
	var (
		reg     *model.Registration
		intents []string
	)
	err := s.store.InTx(ctx, func(tx repository.Tx) error {
		cur, err := tx.GetRegistrationForUpdate(ctx, registrationID)
		if err != nil {
			return err
		}
		reg = cur
		if cur.Status == model.StatusCanceled {
			return nil
		}
		intents, err = cancelRegistrationTx(ctx, tx, cur)
		return err
	})
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrNotRegistered
		}
		return nil, transient("cancel registration", err)
	}
	s.cancelIntents(ctx, intents)
	s.log.Info().Str("registration_id", registrationID).Msg("registration canceled")
	return reg, nil
}

// CancelGuest moves one guest registration to canceled.
func (s *RegistrationService) CancelGuest(ctx context.Context, guestID string) (*model.GuestRegistration, error) {
	var (
		guest  *model.GuestRegistration
		intent *string
	)
	err := s.store.InTx(ctx, func(tx repository.Tx) error {
		cur, err := tx.GetGuestForUpdate(ctx, guestID)
		if err != nil {
			return err
		}
		guest = cur
		if cur.Status == model.StatusCanceled {
			return nil
		}
		if cur.Status == model.StatusAwaitingPayment {
			intent = cur.PaymentIntentID
		}
		cur.Status = model.StatusCanceled
		return tx.SaveGuest(ctx, cur)
	})
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrNotRegistered
		}
		return nil, transient("cancel guest", err)
	}
	if intent != nil {
		s.cancelIntents(ctx, []string{*intent})
	}
	return guest, nil
}

// Withdraw removes a registration outright when the event is free and no
// payment was ever attempted for it or its guests. Anything else is kept for
// audit and canceled instead. deleted reports which of the two happened.
func (s *RegistrationService) Withdraw(ctx context.Context, registrationID string) (deleted bool, err error) {
	reg, err := s.store.GetRegistration(ctx, registrationID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return false, ErrNotRegistered
		}
		return false, transient("load registration", err)
	}
	event, err := s.store.GetEvent(ctx, reg.EventID)
	if err != nil {
		return false, transient("load event", err)
	}
	if !event.IsFree {
		_, err := s.Cancel(ctx, registrationID)
		return false, err
	}

	err = s.store.InTx(ctx, func(tx repository.Tx) error {
		cur, err := tx.GetRegistrationForUpdate(ctx, registrationID)
		if err != nil {
			return err
		}
		if cur.HasPaymentHistory() {
			return nil
		}
		guests, err := tx.ListGuestsForUpdate(ctx, registrationID)
		if err != nil {
			return err
		}
		for _, g := range guests {
			if g.PaymentIntentID != nil {
				return nil
			}
		}
		deleted = true
		return tx.DeleteRegistration(ctx, registrationID)
	})
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return false, ErrNotRegistered
		}
		return false, transient("withdraw registration", err)
	}
	if !deleted {
		_, err := s.Cancel(ctx, registrationID)
		return false, err
	}
	s.log.Info().Str("registration_id", registrationID).Msg("registration withdrawn")
	return true, nil
}

// GetRegistration returns a registration by id.
func (s *RegistrationService) GetRegistration(ctx context.Context, id string) (*model.Registration, error) {
	reg, err := s.store.GetRegistration(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrNotRegistered
		}
		return nil, transient("load registration", err)
	}
	return reg, nil
}

// ListRegistrations returns all registrations for an event.
func (s *RegistrationService) ListRegistrations(ctx context.Context, eventID string) ([]model.Registration, error) {
	if _, err := s.store.GetEvent(ctx, eventID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrEventNotFound
		}
		return nil, transient("load event", err)
	}
	regs, err := s.store.ListRegistrations(ctx, eventID)
	if err != nil {
		return nil, transient("list registrations", err)
	}
	return regs, nil
}

// ListGuests returns the guest registrations of a registration.
func (s *RegistrationService) ListGuests(ctx context.Context, registrationID string) ([]model.GuestRegistration, error) {
	if _, err := s.GetRegistration(ctx, registrationID); err != nil {
		return nil, err
	}
	guests, err := s.store.ListGuests(ctx, registrationID)
	if err != nil {
		return nil, transient("list guests", err)
	}
	return guests, nil
}

func (s *RegistrationService) cancelIntents(ctx context.Context, ids []string) {
	cancelIntents(ctx, s.gateway, s.log, ids)
}

// cancelRegistrationTx cancels reg and its active guests inside tx and
// returns the intents that were still awaiting payment.
func cancelRegistrationTx(ctx context.Context, tx repository.Tx, reg *model.Registration) ([]string, error) {
	var intents []string
	if reg.Status == model.StatusAwaitingPayment && reg.PaymentIntentID != nil {
		intents = append(intents, *reg.PaymentIntentID)
	}
	reg.Status = model.StatusCanceled
	if err := tx.SaveRegistration(ctx, reg); err != nil {
		return nil, err
	}

	guests, err := tx.ListGuestsForUpdate(ctx, reg.ID)
	if err != nil {
		return nil, err
	}
	for i := range guests {
		g := &guests[i]
		if !g.Status.Active() {
			continue
		}
		if g.Status == model.StatusAwaitingPayment && g.PaymentIntentID != nil {
			intents = append(intents, *g.PaymentIntentID)
		}
		g.Status = model.StatusCanceled
		if err := tx.SaveGuest(ctx, g); err != nil {
			return nil, fmt.Errorf("cancel guest %s: %w", g.ID, err)
		}
	}
	return intents, nil
}

// cancelIntents asks the gateway to cancel each intent and only logs
// failures; the local state has already moved on.
func cancelIntents(ctx context.Context, gateway PaymentGateway, log zerolog.Logger, ids []string) {
	if len(ids) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), compensationTimeout)
	defer cancel()
	for _, id := range ids {
		ok, err := gateway.CancelIntent(ctx, id)
		switch {
		case err != nil:
			log.Warn().Err(err).Str("intent_id", id).Msg("gateway cancel failed")
		case !ok:
			log.Warn().Str("intent_id", id).Msg("gateway refused to cancel intent")
		}
	}
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func samePtr(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
