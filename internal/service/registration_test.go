package service

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/Shivanand-hulikatti/event-reg-payments/internal/model"
	"github.com/Shivanand-hulikatti/event-reg-payments/internal/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterFreeEventConfirms(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	event := f.createEvent(t, model.CreateEventRequest{MaxParticipants: intPtr(10), IsFree: true})

	reg, err := f.svc.Register(ctx, RegisterParams{EventID: event.ID, PersonID: "alice"})
	require.NoError(t, err)
	assert.Equal(t, model.StatusConfirmed, reg.Status)
	assert.Nil(t, reg.PaymentIntentID)
	assert.Empty(t, f.gateway.createdIntents())
	assert.Equal(t, 1, f.occupied(t, event.ID))

	entries := f.drainOutbox(t)
	require.Len(t, entries, 1)
	assert.Equal(t, model.KindRegistrationConfirmed, entries[0].Kind)
	assert.Equal(t, reg.ID, entries[0].RecordID)
}

func TestRegisterTwiceReturnsAlreadyRegistered(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	event := f.createEvent(t, model.CreateEventRequest{IsFree: true})

	_, err := f.svc.Register(ctx, RegisterParams{EventID: event.ID, PersonID: "alice"})
	require.NoError(t, err)
	_, err = f.svc.Register(ctx, RegisterParams{EventID: event.ID, PersonID: "alice"})
	assert.ErrorIs(t, err, ErrAlreadyRegistered)

	regs, err := f.svc.ListRegistrations(ctx, event.ID)
	require.NoError(t, err)
	assert.Len(t, regs, 1)
}

func TestRegisterConcurrentNeverOversells(t *testing.T) {
	const (
		capacity  = 3
		attendees = 12
	)
	f := newFixture(t)
	event := f.createEvent(t, model.CreateEventRequest{MaxParticipants: intPtr(capacity), IsFree: true})

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
		full      int
		other     []error
	)
	for i := 0; i < attendees; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := f.svc.Register(context.Background(), RegisterParams{
				EventID:  event.ID,
				PersonID: fmt.Sprintf("person-%d", i),
			})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				succeeded++
			case errors.Is(err, ErrEventFull):
				full++
			default:
				other = append(other, err)
			}
		}(i)
	}
	wg.Wait()

	assert.Empty(t, other)
	assert.Equal(t, capacity, succeeded)
	assert.Equal(t, attendees-capacity, full)
	assert.Equal(t, capacity, f.occupied(t, event.ID))
}

func TestRegisterValidation(t *testing.T) {
	past := time.Now().Add(-time.Hour)

	tests := []struct {
		name   string
		event  model.CreateEventRequest
		params RegisterParams
		want   error
	}{
		{
			name:   "finished event",
			event:  model.CreateEventRequest{IsFree: true, EndsAt: &past},
			params: RegisterParams{PersonID: "alice"},
			want:   ErrEventFinished,
		},
		{
			name:   "missing submission",
			event:  model.CreateEventRequest{IsFree: true, RequiresSubmission: true},
			params: RegisterParams{PersonID: "alice"},
			want:   ErrSubmissionRequired,
		},
		{
			name:   "guest slots on event without guests",
			event:  model.CreateEventRequest{IsFree: true},
			params: RegisterParams{PersonID: "alice", GuestSlots: 1},
			want:   ErrGuestsNotAllowed,
		},
		{
			name:   "guest slots on guest form event",
			event:  model.CreateEventRequest{IsFree: true, AllowGuests: true, GuestForm: true},
			params: RegisterParams{PersonID: "alice", GuestSlots: 1},
			want:   ErrGuestsNotAllowed,
		},
		{
			name:   "paid event without mode",
			event:  model.CreateEventRequest{Price: 500},
			params: RegisterParams{PersonID: "alice"},
			want:   ErrInvalidPaymentMode,
		},
		{
			name:   "guest slots exceed capacity",
			event:  model.CreateEventRequest{IsFree: true, AllowGuests: true, MaxParticipants: intPtr(2)},
			params: RegisterParams{PersonID: "alice", GuestSlots: 2},
			want:   ErrEventFull,
		},
		{
			name:   "guest slots beyond any capacity",
			event:  model.CreateEventRequest{IsFree: true, AllowGuests: true, MaxParticipants: intPtr(5)},
			params: RegisterParams{PersonID: "alice", GuestSlots: math.MaxInt},
			want:   ErrInvalidInput,
		},
		{
			name:   "negative guest slots",
			event:  model.CreateEventRequest{IsFree: true, AllowGuests: true},
			params: RegisterParams{PersonID: "alice", GuestSlots: -1},
			want:   ErrInvalidInput,
		},
		{
			name:   "blank person",
			event:  model.CreateEventRequest{IsFree: true},
			params: RegisterParams{PersonID: "  "},
			want:   ErrInvalidInput,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			event := f.createEvent(t, tt.event)
			tt.params.EventID = event.ID

			_, err := f.svc.Register(context.Background(), tt.params)
			assert.ErrorIs(t, err, tt.want)

			regs, err := f.svc.ListRegistrations(context.Background(), event.ID)
			require.NoError(t, err)
			assert.Empty(t, regs)
			assert.Empty(t, f.drainOutbox(t))
		})
	}
}

func TestRegisterUnknownEvent(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Register(context.Background(), RegisterParams{EventID: "missing", PersonID: "alice"})
	assert.ErrorIs(t, err, ErrEventNotFound)
}

func TestRegisterPaidEventAttachesIntent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	event := f.createEvent(t, model.CreateEventRequest{Price: 1000, AllowGuests: true, MaxParticipants: intPtr(5)})

	reg, err := f.svc.Register(ctx, RegisterParams{
		EventID:    event.ID,
		PersonID:   "alice",
		GuestSlots: 1,
		Mode:       model.ModeCard,
	})
	require.NoError(t, err)
	assert.Equal(t, model.StatusAwaitingPayment, reg.Status)
	require.NotNil(t, reg.PaymentIntentID)

	created := f.gateway.createdIntents()
	require.Len(t, created, 1)
	assert.Equal(t, *reg.PaymentIntentID, created[0].ID)
	assert.Equal(t, int64(2000), created[0].Amount)
	assert.Equal(t, model.ModeCard, created[0].Mode)
	assert.Equal(t, reg.ID, created[0].Metadata["registration_id"])

	stored := f.registration(t, reg.ID)
	assert.Equal(t, reg.PaymentIntentID, stored.PaymentIntentID)
	assert.Equal(t, 2, f.occupied(t, event.ID))
	assert.Empty(t, f.drainOutbox(t))
}

func TestRegisterPaidRollsBackWhenGatewayFails(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	event := f.createEvent(t, model.CreateEventRequest{Price: 1000, MaxParticipants: intPtr(1)})

	f.gateway.setCreateErr(errGatewayDown)
	_, err := f.svc.Register(ctx, RegisterParams{EventID: event.ID, PersonID: "alice", Mode: model.ModeCard})
	var te *TransientError
	require.ErrorAs(t, err, &te)
	assert.ErrorIs(t, err, errGatewayDown)

	regs, err := f.svc.ListRegistrations(ctx, event.ID)
	require.NoError(t, err)
	assert.Empty(t, regs)
	assert.Equal(t, 0, f.occupied(t, event.ID))

	f.gateway.setCreateErr(nil)
	reg, err := f.svc.Register(ctx, RegisterParams{EventID: event.ID, PersonID: "alice", Mode: model.ModeCard})
	require.NoError(t, err)
	assert.Equal(t, model.StatusAwaitingPayment, reg.Status)
}

func TestRegisterRevivalRollsBackToCanceledSnapshot(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	event := f.createEvent(t, model.CreateEventRequest{Price: 1000})

	reg, err := f.svc.Register(ctx, RegisterParams{EventID: event.ID, PersonID: "alice", Mode: model.ModeCard})
	require.NoError(t, err)
	_, err = f.svc.Cancel(ctx, reg.ID)
	require.NoError(t, err)

	f.gateway.setCreateErr(errGatewayDown)
	_, err = f.svc.Register(ctx, RegisterParams{EventID: event.ID, PersonID: "alice", Mode: model.ModeWallet})
	require.Error(t, err)

	stored := f.registration(t, reg.ID)
	assert.Equal(t, model.StatusCanceled, stored.Status)
	assert.Equal(t, reg.PaymentIntentID, stored.PaymentIntentID)
	assert.Equal(t, model.ModeCard, *stored.PaymentMode)
}

func TestRegisterDoesNotHoldEventLockAcrossGateway(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	event := f.createEvent(t, model.CreateEventRequest{Price: 1000, MaxParticipants: intPtr(5)})

	var innerErr error
	f.gateway.beforeCreate = func(ctx context.Context) {
		_, innerErr = f.svc.Register(ctx, RegisterParams{EventID: event.ID, PersonID: "bob", Mode: model.ModeCard})
	}

	_, err := f.svc.Register(ctx, RegisterParams{EventID: event.ID, PersonID: "alice", Mode: model.ModeCard})
	require.NoError(t, err)
	require.NoError(t, innerErr)
	assert.Equal(t, 2, f.occupied(t, event.ID))
}

func TestRegisterFailsWhenRecordChangesBeforeIntentIsAttached(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	event := f.createEvent(t, model.CreateEventRequest{Price: 1000})

	f.gateway.beforeCreate = func(ctx context.Context) {
		regs, err := f.store.ListRegistrations(ctx, event.ID)
		if err != nil || len(regs) != 1 {
			return
		}
		_, _ = f.svc.Cancel(ctx, regs[0].ID)
	}

	reg, err := f.svc.Register(ctx, RegisterParams{EventID: event.ID, PersonID: "alice", Mode: model.ModeCard})
	assert.Nil(t, reg)
	var te *TransientError
	require.ErrorAs(t, err, &te)
	assert.ErrorIs(t, err, errPaymentChanged)

	created := f.gateway.createdIntents()
	require.Len(t, created, 1)
	assert.Equal(t, []string{created[0].ID}, f.gateway.canceledIntents())

	regs, err := f.svc.ListRegistrations(ctx, event.ID)
	require.NoError(t, err)
	require.Len(t, regs, 1)
	assert.Equal(t, model.StatusCanceled, regs[0].Status)
	assert.Nil(t, regs[0].PaymentIntentID)
}

func TestFreeEventEndToEnd(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	event := f.createEvent(t, model.CreateEventRequest{MaxParticipants: intPtr(1), IsFree: true})

	p1, err := f.svc.Register(ctx, RegisterParams{EventID: event.ID, PersonID: "p1"})
	require.NoError(t, err)
	assert.Equal(t, model.StatusConfirmed, p1.Status)

	_, err = f.svc.Register(ctx, RegisterParams{EventID: event.ID, PersonID: "p2"})
	assert.ErrorIs(t, err, ErrEventFull)

	canceled, err := f.svc.Cancel(ctx, p1.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCanceled, canceled.Status)

	p2, err := f.svc.Register(ctx, RegisterParams{EventID: event.ID, PersonID: "p2"})
	require.NoError(t, err)
	assert.Equal(t, model.StatusConfirmed, p2.Status)
	assert.Equal(t, 1, f.occupied(t, event.ID))
}

func TestReRegisterAfterCancelReusesRecord(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	event := f.createEvent(t, model.CreateEventRequest{IsFree: true})

	first, err := f.svc.Register(ctx, RegisterParams{EventID: event.ID, PersonID: "alice"})
	require.NoError(t, err)
	_, err = f.svc.Cancel(ctx, first.ID)
	require.NoError(t, err)

	second, err := f.svc.Register(ctx, RegisterParams{EventID: event.ID, PersonID: "alice"})
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, model.StatusConfirmed, second.Status)
	assert.Len(t, f.drainOutbox(t), 2)
}

func TestRetryOrSwitchPayment(t *testing.T) {
	ctx := context.Background()

	setup := func(t *testing.T) (*fixture, *model.Registration) {
		f := newFixture(t)
		event := f.createEvent(t, model.CreateEventRequest{Price: 1000})
		reg, err := f.svc.Register(ctx, RegisterParams{EventID: event.ID, PersonID: "alice", Mode: model.ModeCard})
		require.NoError(t, err)
		return f, reg
	}

	t.Run("same mode reuses retryable intent", func(t *testing.T) {
		f, reg := setup(t)
		intent, err := f.svc.RetryOrSwitchPayment(ctx, reg.ID, model.ModeCard)
		require.NoError(t, err)
		assert.Equal(t, *reg.PaymentIntentID, intent.ID)
		assert.Len(t, f.gateway.createdIntents(), 1)
		assert.Empty(t, f.gateway.canceledIntents())
	})

	t.Run("same mode replaces dead intent", func(t *testing.T) {
		f, reg := setup(t)
		f.gateway.mu.Lock()
		f.gateway.retryable[*reg.PaymentIntentID] = false
		f.gateway.mu.Unlock()

		intent, err := f.svc.RetryOrSwitchPayment(ctx, reg.ID, model.ModeCard)
		require.NoError(t, err)
		assert.NotEqual(t, *reg.PaymentIntentID, intent.ID)
		assert.Equal(t, []string{*reg.PaymentIntentID}, f.gateway.canceledIntents())
	})

	t.Run("switch mode cancels then creates", func(t *testing.T) {
		f, reg := setup(t)
		intent, err := f.svc.RetryOrSwitchPayment(ctx, reg.ID, model.ModeWallet)
		require.NoError(t, err)
		assert.Equal(t, model.ModeWallet, intent.Mode)
		assert.Equal(t, int64(1000), intent.Amount)
		assert.Equal(t, []string{*reg.PaymentIntentID}, f.gateway.canceledIntents())

		stored := f.registration(t, reg.ID)
		assert.Equal(t, intent.ID, *stored.PaymentIntentID)
		assert.Equal(t, model.ModeWallet, *stored.PaymentMode)
		assert.Equal(t, model.StatusAwaitingPayment, stored.Status)
	})

	t.Run("refused cancel leaves state untouched", func(t *testing.T) {
		f, reg := setup(t)
		f.gateway.mu.Lock()
		f.gateway.refuseCancel[*reg.PaymentIntentID] = true
		f.gateway.mu.Unlock()

		_, err := f.svc.RetryOrSwitchPayment(ctx, reg.ID, model.ModeBankTransfer)
		assert.ErrorIs(t, err, ErrPaymentModeNotCancelable)
		assert.Len(t, f.gateway.createdIntents(), 1)

		stored := f.registration(t, reg.ID)
		assert.Equal(t, reg.PaymentIntentID, stored.PaymentIntentID)
		assert.Equal(t, model.ModeCard, *stored.PaymentMode)
	})

	t.Run("canceled registration", func(t *testing.T) {
		f, reg := setup(t)
		_, err := f.svc.Cancel(ctx, reg.ID)
		require.NoError(t, err)
		_, err = f.svc.RetryOrSwitchPayment(ctx, reg.ID, model.ModeCard)
		assert.ErrorIs(t, err, ErrNotRegistered)
	})

	t.Run("invalid mode", func(t *testing.T) {
		f, reg := setup(t)
		_, err := f.svc.RetryOrSwitchPayment(ctx, reg.ID, model.PaymentMode("cash"))
		assert.ErrorIs(t, err, ErrInvalidPaymentMode)
	})

	t.Run("free event", func(t *testing.T) {
		f := newFixture(t)
		event := f.createEvent(t, model.CreateEventRequest{IsFree: true})
		reg, err := f.svc.Register(ctx, RegisterParams{EventID: event.ID, PersonID: "alice"})
		require.NoError(t, err)
		_, err = f.svc.RetryOrSwitchPayment(ctx, reg.ID, model.ModeCard)
		assert.ErrorIs(t, err, ErrPaymentNotRequired)
	})
}

func TestAddGuestRespectsCapacity(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	event := f.createEvent(t, model.CreateEventRequest{
		MaxParticipants: intPtr(2),
		IsFree:          true,
		AllowGuests:     true,
		GuestForm:       true,
	})

	reg, err := f.svc.Register(ctx, RegisterParams{EventID: event.ID, PersonID: "alice"})
	require.NoError(t, err)

	guest, err := f.svc.AddGuest(ctx, reg.ID, "sub-1", "")
	require.NoError(t, err)
	assert.Equal(t, model.StatusConfirmed, guest.Status)
	assert.Equal(t, 2, f.occupied(t, event.ID))

	_, err = f.svc.AddGuest(ctx, reg.ID, "sub-2", "")
	assert.ErrorIs(t, err, ErrEventFull)

	_, err = f.svc.AddGuest(ctx, reg.ID, "sub-1", "")
	assert.ErrorIs(t, err, ErrAlreadyRegistered)

	guests, err := f.svc.ListGuests(ctx, reg.ID)
	require.NoError(t, err)
	assert.Len(t, guests, 1)
}

func TestAddGuestValidation(t *testing.T) {
	ctx := context.Background()

	t.Run("missing submission", func(t *testing.T) {
		f := newFixture(t)
		event := f.createEvent(t, model.CreateEventRequest{IsFree: true, AllowGuests: true, GuestForm: true})
		reg, err := f.svc.Register(ctx, RegisterParams{EventID: event.ID, PersonID: "alice"})
		require.NoError(t, err)
		_, err = f.svc.AddGuest(ctx, reg.ID, " ", "")
		assert.ErrorIs(t, err, ErrSubmissionRequired)
	})

	t.Run("event counts guests as slots", func(t *testing.T) {
		f := newFixture(t)
		event := f.createEvent(t, model.CreateEventRequest{IsFree: true, AllowGuests: true})
		reg, err := f.svc.Register(ctx, RegisterParams{EventID: event.ID, PersonID: "alice"})
		require.NoError(t, err)
		_, err = f.svc.AddGuest(ctx, reg.ID, "sub-1", "")
		assert.ErrorIs(t, err, ErrGuestsNotAllowed)
	})

	t.Run("owner canceled", func(t *testing.T) {
		f := newFixture(t)
		event := f.createEvent(t, model.CreateEventRequest{IsFree: true, AllowGuests: true, GuestForm: true})
		reg, err := f.svc.Register(ctx, RegisterParams{EventID: event.ID, PersonID: "alice"})
		require.NoError(t, err)
		_, err = f.svc.Cancel(ctx, reg.ID)
		require.NoError(t, err)
		_, err = f.svc.AddGuest(ctx, reg.ID, "sub-1", "")
		assert.ErrorIs(t, err, ErrNotRegistered)
	})

	t.Run("unknown registration", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.svc.AddGuest(ctx, "missing", "sub-1", "")
		assert.ErrorIs(t, err, ErrNotRegistered)
	})
}

func TestAddGuestPaidCreatesOwnIntent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	event := f.createEvent(t, model.CreateEventRequest{Price: 700, AllowGuests: true, GuestForm: true})

	reg, err := f.svc.Register(ctx, RegisterParams{EventID: event.ID, PersonID: "alice", Mode: model.ModeCard})
	require.NoError(t, err)
	guest, err := f.svc.AddGuest(ctx, reg.ID, "sub-1", model.ModeWallet)
	require.NoError(t, err)

	assert.Equal(t, model.StatusAwaitingPayment, guest.Status)
	require.NotNil(t, guest.PaymentIntentID)
	created := f.gateway.createdIntents()
	require.Len(t, created, 2)
	assert.Equal(t, int64(700), created[1].Amount)
	assert.Equal(t, model.ModeWallet, created[1].Mode)
	assert.Equal(t, guest.ID, created[1].Metadata["guest_registration_id"])
}

func TestRetryOrSwitchGuestPayment(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	event := f.createEvent(t, model.CreateEventRequest{Price: 700, AllowGuests: true, GuestForm: true})

	reg, err := f.svc.Register(ctx, RegisterParams{EventID: event.ID, PersonID: "alice", Mode: model.ModeCard})
	require.NoError(t, err)
	guest, err := f.svc.AddGuest(ctx, reg.ID, "sub-1", model.ModeCard)
	require.NoError(t, err)
	oldIntent := *guest.PaymentIntentID

	intent, err := f.svc.RetryOrSwitchGuestPayment(ctx, guest.ID, model.ModeWallet)
	require.NoError(t, err)
	assert.NotEqual(t, oldIntent, intent.ID)
	assert.Equal(t, int64(700), intent.Amount)
	assert.Equal(t, []string{oldIntent}, f.gateway.canceledIntents())

	got := f.guest(t, guest.ID)
	require.NotNil(t, got.PaymentIntentID)
	assert.Equal(t, intent.ID, *got.PaymentIntentID)
	require.NotNil(t, got.PaymentMode)
	assert.Equal(t, model.ModeWallet, *got.PaymentMode)
	assert.Equal(t, model.StatusAwaitingPayment, got.Status)

	_, err = f.svc.RetryOrSwitchGuestPayment(ctx, "missing", model.ModeCard)
	assert.ErrorIs(t, err, ErrNotRegistered)
}

func TestSetGuestSlotCountChecksOnlyTheIncrease(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	event := f.createEvent(t, model.CreateEventRequest{MaxParticipants: intPtr(4), IsFree: true, AllowGuests: true})

	reg, err := f.svc.Register(ctx, RegisterParams{EventID: event.ID, PersonID: "alice", GuestSlots: 1})
	require.NoError(t, err)
	assert.Equal(t, 2, f.occupied(t, event.ID))

	updated, err := f.svc.SetGuestSlotCount(ctx, reg.ID, 3)
	require.NoError(t, err)
	assert.Equal(t, 3, updated.GuestSlots)
	assert.Equal(t, 4, f.occupied(t, event.ID))

	_, err = f.svc.SetGuestSlotCount(ctx, reg.ID, 4)
	assert.ErrorIs(t, err, ErrEventFull)
	assert.Equal(t, 4, f.occupied(t, event.ID))

	_, err = f.svc.SetGuestSlotCount(ctx, reg.ID, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, f.occupied(t, event.ID))

	_, err = f.svc.SetGuestSlotCount(ctx, reg.ID, -1)
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestHugeGuestCountsLeaveCapacityIntact(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	event := f.createEvent(t, model.CreateEventRequest{MaxParticipants: intPtr(5), IsFree: true, AllowGuests: true})

	_, err := f.svc.Register(ctx, RegisterParams{EventID: event.ID, PersonID: "mallory", GuestSlots: math.MaxInt})
	assert.ErrorIs(t, err, ErrInvalidInput)

	reg, err := f.svc.Register(ctx, RegisterParams{EventID: event.ID, PersonID: "alice"})
	require.NoError(t, err)

	_, err = f.svc.SetGuestSlotCount(ctx, reg.ID, math.MaxInt)
	assert.ErrorIs(t, err, ErrInvalidInput)

	// Within the validated range but past this event's limit.
	_, err = f.svc.SetGuestSlotCount(ctx, reg.ID, 100_000)
	assert.ErrorIs(t, err, ErrEventFull)

	assert.Equal(t, 1, f.occupied(t, event.ID))
	_, err = f.svc.Register(ctx, RegisterParams{EventID: event.ID, PersonID: "carol", GuestSlots: 3})
	require.NoError(t, err)
	assert.Equal(t, 5, f.occupied(t, event.ID))
}

func TestReserveComparesAgainstFreeRoom(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	event := f.createEvent(t, model.CreateEventRequest{MaxParticipants: intPtr(5), IsFree: true})
	_, err := f.svc.Register(ctx, RegisterParams{EventID: event.ID, PersonID: "alice"})
	require.NoError(t, err)

	tests := []struct {
		name       string
		additional int
		want       error
	}{
		{name: "fits exactly", additional: 4},
		{name: "one too many", additional: 5, want: ErrEventFull},
		{name: "would wrap around", additional: math.MaxInt, want: ErrEventFull},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := f.store.WithEventLock(ctx, event.ID, func(tx repository.Tx, ev *model.Event) error {
				return CapacityGuard{}.Reserve(ctx, tx, ev, tt.additional)
			})
			if tt.want == nil {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, tt.want)
			}
		})
	}
}

func TestSetGuestSlotCountRejectsGuestFormEvents(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	event := f.createEvent(t, model.CreateEventRequest{IsFree: true, AllowGuests: true, GuestForm: true})

	reg, err := f.svc.Register(ctx, RegisterParams{EventID: event.ID, PersonID: "alice"})
	require.NoError(t, err)
	_, err = f.svc.SetGuestSlotCount(ctx, reg.ID, 1)
	assert.ErrorIs(t, err, ErrGuestsNotAllowed)
}

func TestCancelIsBestEffortTowardsGateway(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	event := f.createEvent(t, model.CreateEventRequest{Price: 1000, MaxParticipants: intPtr(1)})

	reg, err := f.svc.Register(ctx, RegisterParams{EventID: event.ID, PersonID: "alice", Mode: model.ModeCard})
	require.NoError(t, err)

	f.gateway.setCancelErr(errGatewayDown)
	canceled, err := f.svc.Cancel(ctx, reg.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCanceled, canceled.Status)
	assert.Equal(t, 0, f.occupied(t, event.ID))

	// A second cancel is a no-op.
	_, err = f.svc.Cancel(ctx, reg.ID)
	require.NoError(t, err)
}

func TestCancelCascadesToGuests(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	event := f.createEvent(t, model.CreateEventRequest{Price: 1000, AllowGuests: true, GuestForm: true})

	reg, err := f.svc.Register(ctx, RegisterParams{EventID: event.ID, PersonID: "alice", Mode: model.ModeCard})
	require.NoError(t, err)
	guest, err := f.svc.AddGuest(ctx, reg.ID, "sub-1", model.ModeCard)
	require.NoError(t, err)
	assert.Equal(t, 2, f.occupied(t, event.ID))

	_, err = f.svc.Cancel(ctx, reg.ID)
	require.NoError(t, err)

	assert.Equal(t, model.StatusCanceled, f.guest(t, guest.ID).Status)
	assert.ElementsMatch(t, []string{*reg.PaymentIntentID, *guest.PaymentIntentID}, f.gateway.canceledIntents())
	assert.Equal(t, 0, f.occupied(t, event.ID))
}

func TestCancelGuestFreesOneSlot(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	event := f.createEvent(t, model.CreateEventRequest{IsFree: true, AllowGuests: true, GuestForm: true})

	reg, err := f.svc.Register(ctx, RegisterParams{EventID: event.ID, PersonID: "alice"})
	require.NoError(t, err)
	guest, err := f.svc.AddGuest(ctx, reg.ID, "sub-1", "")
	require.NoError(t, err)

	canceled, err := f.svc.CancelGuest(ctx, guest.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCanceled, canceled.Status)
	assert.Equal(t, 1, f.occupied(t, event.ID))
	assert.Equal(t, model.StatusConfirmed, f.registration(t, reg.ID).Status)
}

func TestWithdraw(t *testing.T) {
	ctx := context.Background()

	t.Run("free event deletes", func(t *testing.T) {
		f := newFixture(t)
		event := f.createEvent(t, model.CreateEventRequest{IsFree: true})
		reg, err := f.svc.Register(ctx, RegisterParams{EventID: event.ID, PersonID: "alice"})
		require.NoError(t, err)

		deleted, err := f.svc.Withdraw(ctx, reg.ID)
		require.NoError(t, err)
		assert.True(t, deleted)
		_, err = f.svc.GetRegistration(ctx, reg.ID)
		assert.ErrorIs(t, err, ErrNotRegistered)
	})

	t.Run("paid event cancels", func(t *testing.T) {
		f := newFixture(t)
		event := f.createEvent(t, model.CreateEventRequest{Price: 1000})
		reg, err := f.svc.Register(ctx, RegisterParams{EventID: event.ID, PersonID: "alice", Mode: model.ModeCard})
		require.NoError(t, err)

		deleted, err := f.svc.Withdraw(ctx, reg.ID)
		require.NoError(t, err)
		assert.False(t, deleted)
		assert.Equal(t, model.StatusCanceled, f.registration(t, reg.ID).Status)
	})
}
