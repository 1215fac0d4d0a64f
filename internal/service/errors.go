package service

import (
	"errors"
	"fmt"
)

// ValidationError is a synchronous, user-facing rejection. Operations that
// return one have not changed any state.
type ValidationError struct {
	Code    string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

// Is matches any ValidationError with the same code, so a field-specific
// invalid_input error still satisfies errors.Is(err, ErrInvalidInput).
func (e *ValidationError) Is(target error) bool {
	t, ok := target.(*ValidationError)
	return ok && t.Code == e.Code
}

// invalidInput turns a payload validation failure into an invalid_input
// ValidationError carrying the field message.
func invalidInput(err error) error {
	if err == nil {
		return nil
	}
	return &ValidationError{Code: ErrInvalidInput.Code, Message: err.Error()}
}

var (
	ErrAlreadyRegistered        = &ValidationError{Code: "already_registered", Message: "already registered for this event"}
	ErrEventFull                = &ValidationError{Code: "event_full", Message: "event is fully booked"}
	ErrEventFinished            = &ValidationError{Code: "event_finished", Message: "event has already finished"}
	ErrGuestsNotAllowed         = &ValidationError{Code: "guests_not_allowed", Message: "event does not allow guests this way"}
	ErrNotRegistered            = &ValidationError{Code: "not_registered", Message: "no active registration"}
	ErrSubmissionRequired       = &ValidationError{Code: "submission_required", Message: "a form submission is required"}
	ErrPaymentModeNotCancelable = &ValidationError{Code: "payment_mode_not_cancelable", Message: "the current payment can no longer be canceled"}
	ErrInvalidPaymentMode       = &ValidationError{Code: "invalid_payment_mode", Message: "unsupported payment mode"}
	ErrPaymentNotRequired       = &ValidationError{Code: "payment_not_required", Message: "event is free"}
	ErrEventNotFound            = &ValidationError{Code: "event_not_found", Message: "event not found"}
	ErrInvalidInput             = &ValidationError{Code: "invalid_input", Message: "invalid input"}
)

// IsValidation reports whether err is (or wraps) a ValidationError.
func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

// TransientError wraps a storage or gateway I/O failure. The operation left
// either the fully-old or the fully-new state and may be retried.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

func transient(op string, err error) error {
	if err == nil {
		return nil
	}
	var v *ValidationError
	if errors.As(err, &v) {
		return err
	}
	var t *TransientError
	if errors.As(err, &t) {
		return err
	}
	return &TransientError{Op: op, Err: err}
}

// ErrUnknownIntent is logged and swallowed by the reconciler.
var ErrUnknownIntent = errors.New("no registration references this payment intent")
