// Package apperr defines the machine-readable error codes returned by the
// verification pipeline and their HTTP mapping.
package apperr

import (
	"errors"
	"net/http"
)

// Code is a stable machine-readable error identifier.
type Code string

const (
	CodeAdmissionDenied      Code = "admission_denied"
	CodeNetworkUnauthorized  Code = "network_unauthorized"
	CodeLocationImplausible  Code = "location_implausible"
	CodeCredentialInvalid    Code = "credential_invalid"
	CodeFaceMismatch         Code = "face_mismatch"
	CodeDuplicateAttendance  Code = "duplicate_attendance"
	CodeTokenExpired         Code = "token_expired"
	CodeTokenAlreadyUsed     Code = "token_already_used"
	CodeTokenInvalid         Code = "token_invalid"
	CodeConflictingRequest   Code = "conflicting_request"
	CodeReEnrollmentRequired Code = "re_enrollment_required"
	CodeInvalidRequest       Code = "invalid_request"
	CodeNotFound             Code = "not_found"
	CodeUnauthorized         Code = "unauthorized"
	CodeForbidden            Code = "forbidden"
	CodeInternal             Code = "internal"
)

// Error carries a code, a human message and an optional cause.
type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches sentinel errors (no cause) by code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok || t.Err != nil {
		return false
	}
	return t.Code == e.Code
}

// New returns an error with the given code and message.
func New(code Code, msg string) *Error {
	return &Error{Code: code, Message: msg}
}

// Wrap attaches a code and message to a cause.
func Wrap(code Code, msg string, err error) *Error {
	return &Error{Code: code, Message: msg, Err: err}
}

var (
	ErrAdmissionDenied     = New(CodeAdmissionDenied, "too many requests")
	ErrNetworkUnauthorized = New(CodeNetworkUnauthorized, "request does not originate from an authorized network")
	ErrLocationImplausible = New(CodeLocationImplausible, "reported location is not plausible")
	ErrCredentialInvalid   = New(CodeCredentialInvalid, "credential verification failed")
	ErrFaceMismatch        = New(CodeFaceMismatch, "face verification failed")
	ErrDuplicateAttendance = New(CodeDuplicateAttendance, "attendance already recorded")
	ErrTokenExpired        = New(CodeTokenExpired, "Token expired")
	ErrTokenAlreadyUsed    = New(CodeTokenAlreadyUsed, "token_already_used")
	ErrTokenInvalid        = New(CodeTokenInvalid, "invalid token")
	ErrConflictingRequest  = New(CodeConflictingRequest, "a request is already outstanding")
	ErrNotFound            = New(CodeNotFound, "not found")
	ErrInternal            = New(CodeInternal, "temporary server error, retry later")
)

// CodeOf returns the code of the first *Error in the chain, or CodeInternal.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

// MessageOf returns the human message of the first *Error in the chain.
func MessageOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Message
	}
	return ErrInternal.Message
}

// HTTPStatus maps a code to the status a handler should answer with.
func HTTPStatus(code Code) int {
	switch code {
	case CodeAdmissionDenied:
		return http.StatusTooManyRequests
	case CodeNetworkUnauthorized, CodeLocationImplausible, CodeForbidden, CodeReEnrollmentRequired:
		return http.StatusForbidden
	case CodeCredentialInvalid, CodeFaceMismatch, CodeUnauthorized:
		return http.StatusUnauthorized
	case CodeDuplicateAttendance, CodeTokenAlreadyUsed, CodeConflictingRequest:
		return http.StatusConflict
	case CodeTokenExpired:
		return http.StatusGone
	case CodeTokenInvalid, CodeInvalidRequest:
		return http.StatusBadRequest
	case CodeNotFound:
		return http.StatusNotFound
	default:
		return http.StatusServiceUnavailable
	}
}

// Retryable reports whether the caller may retry the same request unchanged.
func Retryable(code Code) bool {
	return code == CodeInternal
}
