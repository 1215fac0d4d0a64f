// Package handler contains chi HTTP handlers that translate HTTP
// requests/responses to and from the service layer.
package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/Shivanand-hulikatti/event-reg-payments/internal/model"
	"github.com/Shivanand-hulikatti/event-reg-payments/internal/service"
	"github.com/Shivanand-hulikatti/event-reg-payments/internal/validator"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
)

// Handler holds all HTTP handlers for the registration API.
type Handler struct {
	events     *service.EventService
	regs       *service.RegistrationService
	reconciler *service.PaymentReconciler
	log        zerolog.Logger
}

// New constructs a Handler.
func New(
	events *service.EventService,
	regs *service.RegistrationService,
	reconciler *service.PaymentReconciler,
	log zerolog.Logger,
) *Handler {
	return &Handler{events: events, regs: regs, reconciler: reconciler, log: log}
}

// ─── Helper utilities ─────────────────────────────────────────────────────────

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, model.ErrorResponse{Error: msg})
}

func decodeJSON(r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(nil, r.Body, 1<<20) // 1 MB limit
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

// decodeValid decodes the body into dst and checks its validate tags. It
// writes the error response itself and reports whether the handler may go on.
func decodeValid(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := decodeJSON(r, dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return false
	}
	if err := validator.Validate(r.Context(), dst); err != nil {
		writeJSON(w, http.StatusUnprocessableEntity, model.ErrorResponse{Error: err.Error(), Code: service.ErrInvalidInput.Code})
		return false
	}
	return true
}

// writeServiceError maps service errors onto HTTP statuses.
func (h *Handler) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		verr *service.ValidationError
		terr *service.TransientError
	)
	switch {
	case errors.As(err, &verr):
		status := http.StatusUnprocessableEntity
		switch verr.Code {
		case service.ErrEventFull.Code, service.ErrAlreadyRegistered.Code:
			status = http.StatusConflict
		case service.ErrNotRegistered.Code, service.ErrEventNotFound.Code:
			status = http.StatusNotFound
		}
		writeJSON(w, status, model.ErrorResponse{Error: verr.Message, Code: verr.Code})
	case errors.As(err, &terr):
		h.log.Error().Err(err).Str("path", r.URL.Path).Msg("transient failure")
		writeJSON(w, http.StatusServiceUnavailable, model.ErrorResponse{Error: "temporarily unavailable, please retry", Code: "unavailable"})
	default:
		h.log.Error().Err(err).Str("path", r.URL.Path).Msg("unexpected failure")
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

// ─── Events ───────────────────────────────────────────────────────────────────

// CreateEvent handles POST /events
func (h *Handler) CreateEvent(w http.ResponseWriter, r *http.Request) {
	var req model.CreateEventRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	event, err := h.events.CreateEvent(r.Context(), req)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, event)
}

// ListEvents handles GET /events
func (h *Handler) ListEvents(w http.ResponseWriter, r *http.Request) {
	events, err := h.events.ListEvents(r.Context())
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	// Return an empty array rather than null for better client compatibility.
	if events == nil {
		events = []model.Event{}
	}

	writeJSON(w, http.StatusOK, events)
}

// GetEvent handles GET /events/{id}
// Returns the event with its live occupancy.
func (h *Handler) GetEvent(w http.ResponseWriter, r *http.Request) {
	summary, err := h.events.GetEvent(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, summary)
}

// ─── Registrations ────────────────────────────────────────────────────────────

// Register handles POST /events/{id}/registrations
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req model.RegisterRequest
	if !decodeValid(w, r, &req) {
		return
	}

	reg, err := h.regs.Register(r.Context(), service.RegisterParams{
		EventID:       chi.URLParam(r, "id"),
		PersonID:      req.PersonID,
		GuestSlots:    req.GuestSlots,
		SubmissionRef: req.SubmissionRef,
		Mode:          model.PaymentMode(req.PaymentMode),
	})
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, reg)
}

// ListRegistrations handles GET /events/{id}/registrations
func (h *Handler) ListRegistrations(w http.ResponseWriter, r *http.Request) {
	regs, err := h.regs.ListRegistrations(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	if regs == nil {
		regs = []model.Registration{}
	}

	writeJSON(w, http.StatusOK, regs)
}

// GetRegistration handles GET /registrations/{id}
func (h *Handler) GetRegistration(w http.ResponseWriter, r *http.Request) {
	reg, err := h.regs.GetRegistration(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, reg)
}

// CancelRegistration handles DELETE /registrations/{id}
func (h *Handler) CancelRegistration(w http.ResponseWriter, r *http.Request) {
	reg, err := h.regs.Cancel(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, reg)
}

// Withdraw handles POST /registrations/{id}/withdraw
func (h *Handler) Withdraw(w http.ResponseWriter, r *http.Request) {
	deleted, err := h.regs.Withdraw(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"deleted": deleted})
}

// SetGuestSlots handles PUT /registrations/{id}/guest-slots
func (h *Handler) SetGuestSlots(w http.ResponseWriter, r *http.Request) {
	var req model.GuestSlotsRequest
	if !decodeValid(w, r, &req) {
		return
	}

	reg, err := h.regs.SetGuestSlotCount(r.Context(), chi.URLParam(r, "id"), req.Count)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, reg)
}

// RetryPayment handles POST /registrations/{id}/payment
func (h *Handler) RetryPayment(w http.ResponseWriter, r *http.Request) {
	var req model.PaymentRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	intent, err := h.regs.RetryOrSwitchPayment(r.Context(), chi.URLParam(r, "id"), model.PaymentMode(req.PaymentMode))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, intent)
}

// ─── Guests ───────────────────────────────────────────────────────────────────

// AddGuest handles POST /registrations/{id}/guests
func (h *Handler) AddGuest(w http.ResponseWriter, r *http.Request) {
	var req model.AddGuestRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	guest, err := h.regs.AddGuest(r.Context(), chi.URLParam(r, "id"), req.SubmissionRef, model.PaymentMode(req.PaymentMode))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, guest)
}

// ListGuests handles GET /registrations/{id}/guests
func (h *Handler) ListGuests(w http.ResponseWriter, r *http.Request) {
	guests, err := h.regs.ListGuests(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	if guests == nil {
		guests = []model.GuestRegistration{}
	}
	writeJSON(w, http.StatusOK, guests)
}

// CancelGuest handles DELETE /guests/{id}
func (h *Handler) CancelGuest(w http.ResponseWriter, r *http.Request) {
	guest, err := h.regs.CancelGuest(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, guest)
}

// RetryGuestPayment handles POST /guests/{id}/payment
func (h *Handler) RetryGuestPayment(w http.ResponseWriter, r *http.Request) {
	var req model.PaymentRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	intent, err := h.regs.RetryOrSwitchGuestPayment(r.Context(), chi.URLParam(r, "id"), model.PaymentMode(req.PaymentMode))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, intent)
}

// ─── Gateway webhook ──────────────────────────────────────────────────────────

// PaymentNotification handles POST /payments/notifications
// Unknown intents and statuses are acknowledged; only storage failures ask
// the gateway to redeliver.
func (h *Handler) PaymentNotification(w http.ResponseWriter, r *http.Request) {
	var n model.PaymentNotification
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	if err := json.NewDecoder(r.Body).Decode(&n); err != nil {
		writeError(w, http.StatusBadRequest, "invalid notification body: "+err.Error())
		return
	}

	if err := h.reconciler.HandlePaymentNotification(r.Context(), n); err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "accepted"})
}

// ─── Health check ─────────────────────────────────────────────────────────────

// HealthCheck handles GET /health
func HealthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
