package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"

	"github.com/Shivanand-hulikatti/event-reg-payments/internal/database"
	"github.com/Shivanand-hulikatti/event-reg-payments/internal/model"
	"github.com/Shivanand-hulikatti/event-reg-payments/internal/repository/sqlite"
	"github.com/Shivanand-hulikatti/event-reg-payments/internal/service"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubGateway struct {
	mu   sync.Mutex
	seq  int
	down bool
}

func (g *stubGateway) CreateIntent(context.Context, int64, model.PaymentMode, map[string]string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.down {
		return "", errors.New("gateway down")
	}
	g.seq++
	return fmt.Sprintf("pi_%d", g.seq), nil
}

func (g *stubGateway) CancelIntent(context.Context, string) (bool, error) { return true, nil }

func (g *stubGateway) IsRetryable(context.Context, string) (bool, error) { return true, nil }

type testServer struct {
	srv     *httptest.Server
	gateway *stubGateway
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	db, err := database.OpenSQLite(filepath.Join(t.TempDir(), "api.db"))
	require.NoError(t, err)
	store := sqlite.New(db)
	t.Cleanup(func() { _ = store.Close() })

	gw := &stubGateway{}
	log := zerolog.Nop()
	h := New(
		service.NewEventService(store),
		service.NewRegistrationService(store, gw, service.FlatPricer{}, log),
		service.NewPaymentReconciler(store, gw, log),
		log,
	)
	srv := httptest.NewServer(NewRouter(h, log))
	t.Cleanup(srv.Close)
	return &testServer{srv: srv, gateway: gw}
}

func (s *testServer) do(t *testing.T, method, path string, body any, out any) int {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if raw, ok := body.(string); ok {
			buf.WriteString(raw)
		} else {
			require.NoError(t, json.NewEncoder(&buf).Encode(body))
		}
	}
	req, err := http.NewRequest(method, s.srv.URL+path, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func (s *testServer) createEvent(t *testing.T, req model.CreateEventRequest) model.Event {
	t.Helper()
	var event model.Event
	require.Equal(t, http.StatusCreated, s.do(t, http.MethodPost, "/events", req, &event))
	return event
}

func TestFreeEventRegistrationFlow(t *testing.T) {
	s := newTestServer(t)
	capacity := 1
	event := s.createEvent(t, model.CreateEventRequest{Name: "Talk", MaxParticipants: &capacity, IsFree: true})

	var p1 model.Registration
	status := s.do(t, http.MethodPost, "/events/"+event.ID+"/registrations", model.RegisterRequest{PersonID: "p1"}, &p1)
	require.Equal(t, http.StatusCreated, status)
	assert.Equal(t, model.StatusConfirmed, p1.Status)

	var errResp model.ErrorResponse
	status = s.do(t, http.MethodPost, "/events/"+event.ID+"/registrations", model.RegisterRequest{PersonID: "p2"}, &errResp)
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, "event_full", errResp.Code)

	var summary model.EventSummary
	require.Equal(t, http.StatusOK, s.do(t, http.MethodGet, "/events/"+event.ID, nil, &summary))
	assert.Equal(t, 1, summary.Occupied)
	require.NotNil(t, summary.Remaining)
	assert.Equal(t, 0, *summary.Remaining)

	var canceled model.Registration
	require.Equal(t, http.StatusOK, s.do(t, http.MethodDelete, "/registrations/"+p1.ID, nil, &canceled))
	assert.Equal(t, model.StatusCanceled, canceled.Status)

	var p2 model.Registration
	require.Equal(t, http.StatusCreated, s.do(t, http.MethodPost, "/events/"+event.ID+"/registrations", model.RegisterRequest{PersonID: "p2"}, &p2))
	assert.Equal(t, model.StatusConfirmed, p2.Status)

	var regs []model.Registration
	require.Equal(t, http.StatusOK, s.do(t, http.MethodGet, "/events/"+event.ID+"/registrations", nil, &regs))
	assert.Len(t, regs, 2)
}

func TestErrorStatuses(t *testing.T) {
	s := newTestServer(t)
	paid := s.createEvent(t, model.CreateEventRequest{Name: "Paid", Price: 900})

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		want   int
	}{
		{name: "unknown registration", method: http.MethodGet, path: "/registrations/missing", want: http.StatusNotFound},
		{name: "unknown event", method: http.MethodGet, path: "/events/missing", want: http.StatusNotFound},
		{name: "malformed body", method: http.MethodPost, path: "/events", body: `{"name":`, want: http.StatusBadRequest},
		{name: "unknown field", method: http.MethodPost, path: "/events", body: `{"name":"x","capacity":3}`, want: http.StatusBadRequest},
		{name: "invalid event", method: http.MethodPost, path: "/events", body: model.CreateEventRequest{}, want: http.StatusUnprocessableEntity},
		{
			name:   "missing person",
			method: http.MethodPost,
			path:   "/events/" + paid.ID + "/registrations",
			body:   model.RegisterRequest{PaymentMode: "card"},
			want:   http.StatusUnprocessableEntity,
		},
		{
			name:   "negative guest slots",
			method: http.MethodPost,
			path:   "/events/" + paid.ID + "/registrations",
			body:   model.RegisterRequest{PersonID: "alice", GuestSlots: -1, PaymentMode: "card"},
			want:   http.StatusUnprocessableEntity,
		},
		{
			name:   "guest slots beyond any capacity",
			method: http.MethodPost,
			path:   "/events/" + paid.ID + "/registrations",
			body:   model.RegisterRequest{PersonID: "alice", GuestSlots: math.MaxInt, PaymentMode: "card"},
			want:   http.StatusUnprocessableEntity,
		},
		{
			name:   "guest slot count beyond any capacity",
			method: http.MethodPut,
			path:   "/registrations/missing/guest-slots",
			body:   model.GuestSlotsRequest{Count: math.MaxInt},
			want:   http.StatusUnprocessableEntity,
		},
		{
			name:   "paid without mode",
			method: http.MethodPost,
			path:   "/events/" + paid.ID + "/registrations",
			body:   model.RegisterRequest{PersonID: "alice"},
			want:   http.StatusUnprocessableEntity,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, s.do(t, tt.method, tt.path, tt.body, nil))
		})
	}
}

func TestGatewayOutageIsServiceUnavailable(t *testing.T) {
	s := newTestServer(t)
	event := s.createEvent(t, model.CreateEventRequest{Name: "Paid", Price: 900})

	s.gateway.mu.Lock()
	s.gateway.down = true
	s.gateway.mu.Unlock()

	var errResp model.ErrorResponse
	status := s.do(t, http.MethodPost, "/events/"+event.ID+"/registrations",
		model.RegisterRequest{PersonID: "alice", PaymentMode: "card"}, &errResp)
	assert.Equal(t, http.StatusServiceUnavailable, status)
	assert.Equal(t, "unavailable", errResp.Code)
}

func TestPaymentWebhook(t *testing.T) {
	s := newTestServer(t)
	event := s.createEvent(t, model.CreateEventRequest{Name: "Paid", Price: 900})

	var reg model.Registration
	require.Equal(t, http.StatusCreated, s.do(t, http.MethodPost, "/events/"+event.ID+"/registrations",
		model.RegisterRequest{PersonID: "alice", PaymentMode: "card"}, &reg))
	require.NotNil(t, reg.PaymentIntentID)
	assert.Equal(t, model.StatusAwaitingPayment, reg.Status)

	notification := map[string]any{"intent_id": *reg.PaymentIntentID, "status": "completed", "amount": 900, "extra": true}
	assert.Equal(t, http.StatusOK, s.do(t, http.MethodPost, "/payments/notifications", notification, nil))

	var got model.Registration
	require.Equal(t, http.StatusOK, s.do(t, http.MethodGet, "/registrations/"+reg.ID, nil, &got))
	assert.Equal(t, model.StatusConfirmed, got.Status)

	unknown := model.PaymentNotification{IntentID: "pi_nobody", Status: model.GatewayCompleted}
	assert.Equal(t, http.StatusOK, s.do(t, http.MethodPost, "/payments/notifications", unknown, nil))
	assert.Equal(t, http.StatusBadRequest, s.do(t, http.MethodPost, "/payments/notifications", "nope", nil))
}

func TestGuestEndpoints(t *testing.T) {
	s := newTestServer(t)
	event := s.createEvent(t, model.CreateEventRequest{Name: "Dinner", IsFree: true, AllowGuests: true, GuestForm: true})

	var reg model.Registration
	require.Equal(t, http.StatusCreated, s.do(t, http.MethodPost, "/events/"+event.ID+"/registrations",
		model.RegisterRequest{PersonID: "alice"}, &reg))

	var guest model.GuestRegistration
	require.Equal(t, http.StatusCreated, s.do(t, http.MethodPost, "/registrations/"+reg.ID+"/guests",
		model.AddGuestRequest{SubmissionRef: "form-1"}, &guest))
	assert.Equal(t, model.StatusConfirmed, guest.Status)

	var guests []model.GuestRegistration
	require.Equal(t, http.StatusOK, s.do(t, http.MethodGet, "/registrations/"+reg.ID+"/guests", nil, &guests))
	assert.Len(t, guests, 1)

	var canceled model.GuestRegistration
	require.Equal(t, http.StatusOK, s.do(t, http.MethodDelete, "/guests/"+guest.ID, nil, &canceled))
	assert.Equal(t, model.StatusCanceled, canceled.Status)

	assert.Equal(t, http.StatusUnprocessableEntity, s.do(t, http.MethodPut, "/registrations/"+reg.ID+"/guest-slots",
		model.GuestSlotsRequest{Count: 2}, nil))
}

func TestHealthCheck(t *testing.T) {
	s := newTestServer(t)
	var body map[string]string
	require.Equal(t, http.StatusOK, s.do(t, http.MethodGet, "/health", nil, &body))
	assert.Equal(t, "ok", body["status"])
}

func TestCORSAllowsAnyOrigin(t *testing.T) {
	s := newTestServer(t)

	req, err := http.NewRequest(http.MethodGet, s.srv.URL+"/health", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "https://tickets.example.com")
	resp, err := s.srv.Client().Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))

	preflight, err := http.NewRequest(http.MethodOptions, s.srv.URL+"/events", nil)
	require.NoError(t, err)
	preflight.Header.Set("Origin", "https://tickets.example.com")
	preflight.Header.Set("Access-Control-Request-Method", http.MethodPost)
	resp, err = s.srv.Client().Do(preflight)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
	assert.Contains(t, resp.Header.Get("Access-Control-Allow-Methods"), http.MethodPost)
}
