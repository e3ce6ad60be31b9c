package store

import (
	"errors"
	"fmt"

	"clinicqms/queue-service/internal/models"
)

type Kind string

const (
	KindNotFound             Kind = "not_found"
	KindInvalidTransition    Kind = "invalid_transition"
	KindAlreadyAssigned      Kind = "already_assigned"
	KindContention           Kind = "contention"
	KindValidation           Kind = "validation_error"
	KindPartialFailureDenied Kind = "partial_failure_denied"
)

// Error is a business-rule failure. errors.Is matches a bare kind sentinel
// (no message) against any Error of the same kind.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = string(e.Kind)
	}
	if e.Err != nil {
		return msg + ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Message == "" && t.Err == nil {
		return t.Kind == e.Kind
	}
	return t == e
}

var (
	ErrNotFound             = &Error{Kind: KindNotFound}
	ErrInvalidTransition    = &Error{Kind: KindInvalidTransition}
	ErrAlreadyAssigned      = &Error{Kind: KindAlreadyAssigned}
	ErrContention           = &Error{Kind: KindContention}
	ErrValidation           = &Error{Kind: KindValidation}
	ErrPartialFailureDenied = &Error{Kind: KindPartialFailureDenied}
)

var (
	ErrEntryNotFound       = &Error{Kind: KindNotFound, Message: "queue entry not found"}
	ErrServiceNotFound     = &Error{Kind: KindNotFound, Message: "service not found"}
	ErrStationNotFound     = &Error{Kind: KindNotFound, Message: "station not found"}
	ErrAppointmentNotFound = &Error{Kind: KindNotFound, Message: "appointment not found"}
	ErrPatientNotFound     = &Error{Kind: KindNotFound, Message: "patient not found"}
	ErrEmployeeNotFound    = &Error{Kind: KindNotFound, Message: "employee not found"}
	ErrQueueEmpty          = &Error{Kind: KindNotFound, Message: "no waiting entry for station"}
	ErrStationOccupied     = &Error{Kind: KindAlreadyAssigned, Message: "station already has an entry in progress"}
	ErrEntryNotWaiting     = &Error{Kind: KindInvalidTransition, Message: "entry is no longer waiting"}
	ErrStationInactive     = &Error{Kind: KindValidation, Message: "station is inactive"}
	ErrServiceInactive     = &Error{Kind: KindValidation, Message: "service is inactive"}
	ErrStationIncompatible = &Error{Kind: KindValidation, Message: "station does not serve this service"}
	ErrDuplicateEntry      = &Error{Kind: KindValidation, Message: "patient already has an active entry for this service"}
	ErrLockTimeout         = &Error{Kind: KindContention, Message: "timed out waiting for queue lock"}
	ErrNumberContention    = &Error{Kind: KindContention, Message: "queue number could not be issued atomically"}
	ErrBatchChanged        = &Error{Kind: KindPartialFailureDenied, Message: "appointment entries changed concurrently; nothing was cancelled"}
)

func Validation(format string, args ...interface{}) error {
	return &Error{Kind: KindValidation, Message: fmt.Sprintf(format, args...)}
}

func InvalidTransition(event Event, from models.Status) error {
	return &Error{Kind: KindInvalidTransition, Message: fmt.Sprintf("cannot %s an entry in status %s", event, from)}
}

func Contention(err error) error {
	return &Error{Kind: KindContention, Message: "concurrent update lost the race", Err: err}
}

// KindOf returns the business kind of err, or "" for internal failures.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

func IsRetryable(err error) bool {
	return KindOf(err) == KindContention
}
