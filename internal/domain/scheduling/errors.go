package scheduling

import (
	"fmt"
	"net/http"
)

type Kind string

const (
	KindValidation  Kind = "ValidationError"
	KindConflict    Kind = "ConflictError"
	KindState       Kind = "StateError"
	KindNotFound    Kind = "NotFoundError"
	KindPersistence Kind = "PersistenceFailure"
	KindPartial     Kind = "PartialFailure"
)

type Code string

const (
	CodeInvalidInput       Code = "InvalidInput"
	CodeInvalidRange       Code = "InvalidRange"
	CodeSlotUnavailable    Code = "SlotUnavailable"
	CodeNoChangeRequested  Code = "NoChangeRequested"
	CodeInvalidOrderStatus Code = "InvalidOrderStatus"
	CodeOrderNotFound      Code = "OrderNotFound"
	CodeNotFound           Code = "NotFound"
	CodePersistenceFailure Code = "PersistenceFailure"
	CodePartialFailure     Code = "PartialFailure"
	CodeServerConfig       Code = "ServerConfig"
)

func (c Code) Kind() Kind {
	switch c {
	case CodeInvalidInput, CodeInvalidRange:
		return KindValidation
	case CodeSlotUnavailable, CodeNoChangeRequested:
		return KindConflict
	case CodeInvalidOrderStatus:
		return KindState
	case CodeOrderNotFound, CodeNotFound:
		return KindNotFound
	case CodePartialFailure:
		return KindPartial
	default:
		return KindPersistence
	}
}

// Names of the steps reported by a PartialFailure.
const (
	StepAppointmentDeleted   = "appointment_deleted"
	StepAppointmentCompleted = "appointment_completed"
	StepOrderStatusUpdate    = "order_status_update"
)

// Error is returned by every scheduling operation. Message is written for the
// operator and names the slot, date or order involved.
type Error struct {
	Code    Code
	Message string
	Err     error

	// Conflicts lists the slots that blocked a booking or move.
	Conflicts []string

	// RollbackFailed is set when a compensating delete did not succeed; the
	// rollback's own error is in RollbackErr.
	RollbackFailed bool
	RollbackErr    error

	// Completed and Failed name the steps of a PartialFailure.
	Completed []string
	Failed    []string
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = string(e.Code)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	if e.RollbackErr != nil {
		msg += " (rollback failed: " + e.RollbackErr.Error() + ")"
	}
	return msg
}

func (e *Error) Unwrap() []error {
	var errs []error
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	if e.RollbackErr != nil {
		errs = append(errs, e.RollbackErr)
	}
	return errs
}

// Is matches on Code so the sentinels below work with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

func (e *Error) Kind() Kind { return e.Code.Kind() }

// HTTPStatus maps the error kind to a response status.
func (e *Error) HTTPStatus() int {
	switch e.Kind() {
	case KindValidation:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindState:
		return http.StatusUnprocessableEntity
	case KindPartial:
		return http.StatusMultiStatus
	default:
		return http.StatusInternalServerError
	}
}

var (
	ErrInvalidInput       = &Error{Code: CodeInvalidInput}
	ErrInvalidRange       = &Error{Code: CodeInvalidRange}
	ErrSlotUnavailable    = &Error{Code: CodeSlotUnavailable}
	ErrNoChangeRequested  = &Error{Code: CodeNoChangeRequested}
	ErrInvalidOrderStatus = &Error{Code: CodeInvalidOrderStatus}
	ErrOrderNotFound      = &Error{Code: CodeOrderNotFound}
	ErrNotFound           = &Error{Code: CodeNotFound}
	ErrPersistence        = &Error{Code: CodePersistenceFailure}
	ErrPartialFailure     = &Error{Code: CodePartialFailure}
	ErrServerConfig       = &Error{Code: CodeServerConfig}
)

func newError(code Code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

func wrapError(code Code, err error, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Err: err}
}
