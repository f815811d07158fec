// Package domainerrors defines the typed failures returned by services.
//
// Stores report infrastructure facts through pkg/platform/sentinel; services
// translate those facts into a Code so callers can branch on the kind of
// failure without inspecting messages:
//
//	if dErrors.HasCode(err, dErrors.CodeNotFound) { ... }
package domainerrors

import (
	"errors"
	"fmt"
)

// Code identifies the kind of a domain failure.
type Code string

const (
	// CodeConflict: the name or id is already used (AlreadyExists).
	CodeConflict Code = "conflict"
	// CodeForbidden: an ACL check failed or the actor may not allocate ids (NotAuthorized).
	CodeForbidden Code = "forbidden"
	// CodeNotFound: no record for an id/name, or no value at a requested data path (ObjectNotFound).
	CodeNotFound Code = "not_found"
	// CodePartNotAccessible: a data path descends into a value that is not a container.
	CodePartNotAccessible Code = "part_not_accessible"
	// CodeInvalidUpdate: structurally invalid input to a mutation.
	CodeInvalidUpdate Code = "invalid_update"
	// CodeConfiguration: missing or malformed configuration at construction time.
	CodeConfiguration Code = "configuration"
	// CodeNotEditable: the record's state does not permit the requested change.
	CodeNotEditable Code = "not_editable"
	// CodeNotSubmittable: the record failed validation on submit.
	CodeNotSubmittable Code = "not_submittable"
	// CodeInvalidState: a workflow callback arrived for a record in the wrong state.
	CodeInvalidState Code = "invalid_state"
	// CodeUnavailable: an external collaborator could not be reached or refused the call.
	CodeUnavailable Code = "unavailable"

	CodeValidation         Code = "validation_error"
	CodeBadRequest         Code = "bad_request"
	CodeUnauthorized       Code = "unauthorized"
	CodeInvariantViolation Code = "invariant_violation"
	CodeTimeout            Code = "timeout"
	CodeInternal           Code = "internal_error"
)

// Error is a coded domain failure. Err, when set, is the underlying cause.
type Error struct {
	Code    Code
	Message string
	Details []string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// WithDetails attaches itemized reasons, e.g. the failed validation checks.
func (e *Error) WithDetails(details ...string) *Error {
	e.Details = append(e.Details, details...)
	return e
}

// New creates a coded error without a cause.
func New(code Code, msg string) *Error {
	return &Error{Code: code, Message: msg}
}

// Newf is New with a formatted message.
func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a code and message to an underlying error.
func Wrap(err error, code Code, msg string) *Error {
	return &Error{Code: code, Message: msg, Err: err}
}

// HasCode reports whether any error in err's chain is a domain error with code.
func HasCode(err error, code Code) bool {
	var de *Error
	if !errors.As(err, &de) {
		return false
	}
	return de.Code == code
}

// Is is an alias of HasCode that reads better in assertions.
func Is(err error, code Code) bool {
	return HasCode(err, code)
}

// CodeOf returns the code of the first domain error in err's chain, or
// CodeInternal for untyped errors. A nil error has no code.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var de *Error
	if errors.As(err, &de) {
		return de.Code
	}
	return CodeInternal
}
