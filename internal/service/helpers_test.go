package service

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/Shivanand-hulikatti/event-reg-payments/internal/database"
	"github.com/Shivanand-hulikatti/event-reg-payments/internal/model"
	"github.com/Shivanand-hulikatti/event-reg-payments/internal/repository/sqlite"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

var errGatewayDown = errors.New("gateway unavailable")

type createdIntent struct {
	ID       string
	Amount   int64
	Mode     model.PaymentMode
	Metadata map[string]string
}

// fakeGateway records every call and lets tests script failures.
type fakeGateway struct {
	mu           sync.Mutex
	seq          int
	created      []createdIntent
	canceled     []string
	createErr    error
	cancelErr    error
	refuseCancel map[string]bool
	retryable    map[string]bool
	// beforeCreate runs once, outside the gateway's own mutex, on the next
	// CreateIntent call.
	beforeCreate func(ctx context.Context)
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		refuseCancel: map[string]bool{},
		retryable:    map[string]bool{},
	}
}

func (g *fakeGateway) CreateIntent(ctx context.Context, amount int64, mode model.PaymentMode, metadata map[string]string) (string, error) {
	g.mu.Lock()
	hook := g.beforeCreate
	g.beforeCreate = nil
	g.mu.Unlock()
	if hook != nil {
		hook(ctx)
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.createErr != nil {
		return "", g.createErr
	}
	g.seq++
	id := fmt.Sprintf("pi_%d", g.seq)
	g.created = append(g.created, createdIntent{ID: id, Amount: amount, Mode: mode, Metadata: metadata})
	g.retryable[id] = true
	return id, nil
}

func (g *fakeGateway) CancelIntent(_ context.Context, intentID string) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.cancelErr != nil {
		return false, g.cancelErr
	}
	if g.refuseCancel[intentID] {
		return false, nil
	}
	g.canceled = append(g.canceled, intentID)
	g.retryable[intentID] = false
	return true, nil
}

func (g *fakeGateway) IsRetryable(_ context.Context, intentID string) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.retryable[intentID], nil
}

func (g *fakeGateway) setCreateErr(err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.createErr = err
}

func (g *fakeGateway) setCancelErr(err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.cancelErr = err
}

func (g *fakeGateway) createdIntents() []createdIntent {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]createdIntent(nil), g.created...)
}

func (g *fakeGateway) canceledIntents() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.canceled...)
}

type fixture struct {
	store      *sqlite.Store
	gateway    *fakeGateway
	events     *EventService
	svc        *RegistrationService
	reconciler *PaymentReconciler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := database.OpenSQLite(filepath.Join(t.TempDir(), "registrations.db"))
	require.NoError(t, err)
	store := sqlite.New(db)
	t.Cleanup(func() { _ = store.Close() })

	gw := newFakeGateway()
	return &fixture{
		store:      store,
		gateway:    gw,
		events:     NewEventService(store),
		svc:        NewRegistrationService(store, gw, FlatPricer{}, zerolog.Nop()),
		reconciler: NewPaymentReconciler(store, gw, zerolog.Nop()),
	}
}

func (f *fixture) createEvent(t *testing.T, req model.CreateEventRequest) *model.Event {
	t.Helper()
	if req.Name == "" {
		req.Name = "Conference"
	}
	if !req.IsFree && req.Price == 0 {
		req.Price = 1000
	}
	event, err := f.events.CreateEvent(context.Background(), req)
	require.NoError(t, err)
	return event
}

func (f *fixture) occupied(t *testing.T, eventID string) int {
	t.Helper()
	n, err := f.store.CountOccupiedSlots(context.Background(), eventID)
	require.NoError(t, err)
	return n
}

func (f *fixture) drainOutbox(t *testing.T) []model.OutboxEntry {
	t.Helper()
	entries, err := f.store.ClaimOutbox(context.Background(), 100, time.Hour)
	require.NoError(t, err)
	return entries
}

func (f *fixture) notify(t *testing.T, intentID string, status model.GatewayStatus) {
	t.Helper()
	require.NoError(t, f.reconciler.HandlePaymentNotification(context.Background(), model.PaymentNotification{
		IntentID: intentID,
		Status:   status,
	}))
}

func (f *fixture) registration(t *testing.T, id string) *model.Registration {
	t.Helper()
	reg, err := f.store.GetRegistration(context.Background(), id)
	require.NoError(t, err)
	return reg
}

func (f *fixture) guest(t *testing.T, id string) *model.GuestRegistration {
	t.Helper()
	g, err := f.store.GetGuest(context.Background(), id)
	require.NoError(t, err)
	return g
}

func intPtr(v int) *int { return &v }
