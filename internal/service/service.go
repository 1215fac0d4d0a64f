// Package service implements business logic, validation, and orchestration
// between transports and the repository layer.
package service

import (
	"context"
	"errors"
	"strings"

	"github.com/Shivanand-hulikatti/event-reg-payments/internal/model"
	"github.com/Shivanand-hulikatti/event-reg-payments/internal/repository"
	"github.com/Shivanand-hulikatti/event-reg-payments/internal/validator"
)

// EventService orchestrates event catalog operations.
type EventService struct {
	store repository.Store
}

// NewEventService constructs an EventService with its dependencies.
func NewEventService(store repository.Store) *EventService {
	return &EventService{store: store}
}

// CreateEvent validates the request and delegates to the repository.
func (s *EventService) CreateEvent(ctx context.Context, req model.CreateEventRequest) (*model.Event, error) {
	req.Name = strings.TrimSpace(req.Name)
	if err := validator.Validate(ctx, req); err != nil {
		return nil, invalidInput(err)
	}
	if req.GuestForm && !req.AllowGuests {
		return nil, &ValidationError{Code: ErrInvalidInput.Code, Message: "guest_form requires allow_guests"}
	}

	event := &model.Event{
		Name:               req.Name,
		Description:        strings.TrimSpace(req.Description),
		MaxParticipants:    req.MaxParticipants,
		AllowGuests:        req.AllowGuests,
		GuestForm:          req.GuestForm,
		IsFree:             req.IsFree,
		Price:              req.Price,
		RequiresSubmission: req.RequiresSubmission,
		EndsAt:             req.EndsAt,
	}
	if event.IsFree {
		event.Price = 0
	}
	if err := s.store.CreateEvent(ctx, event); err != nil {
		return nil, transient("create event", err)
	}
	return event, nil
}

// ListEvents returns all events.
func (s *EventService) ListEvents(ctx context.Context) ([]model.Event, error) {
	events, err := s.store.ListEvents(ctx)
	if err != nil {
		return nil, transient("list events", err)
	}
	return events, nil
}

// GetEvent returns a single event together with its live occupancy.
func (s *EventService) GetEvent(ctx context.Context, id string) (*model.EventSummary, error) {
	if id == "" {
		return nil, ErrEventNotFound
	}
	event, err := s.store.GetEvent(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrEventNotFound
		}
		return nil, transient("get event", err)
	}
	occupied, err := s.store.CountOccupiedSlots(ctx, id)
	if err != nil {
		return nil, transient("count occupied slots", err)
	}

	summary := &model.EventSummary{Event: *event, Occupied: occupied}
	if !event.Unlimited() {
		remaining := max(*event.MaxParticipants-occupied, 0)
		summary.Remaining = &remaining
	}
	return summary, nil
}
