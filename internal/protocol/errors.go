package protocol

import (
	"errors"
	"fmt"
)

const (
	// Envelope level.
	CodeMalformed  = "E_MALFORMED"
	CodeIncomplete = "E_INCOMPLETE"

	// Request pipeline.
	CodeUnknownType  = "E_UNKNOWN_TYPE"
	CodeUnauthorized = "E_UNAUTHORIZED"
	CodeIllegalState = "E_ILLEGAL_STATE"
	CodeDomain       = "E_DOMAIN"

	// Transport/session.
	CodeProtoBadRequest = "E_PROTO_BAD_REQUEST"
	CodeRateLimit       = "E_RATE_LIMIT"
	CodeInternal        = "E_INTERNAL"
)

var knownCodes = map[string]struct{}{
	CodeMalformed:       {},
	CodeIncomplete:      {},
	CodeUnknownType:     {},
	CodeUnauthorized:    {},
	CodeIllegalState:    {},
	CodeDomain:          {},
	CodeProtoBadRequest: {},
	CodeRateLimit:       {},
	CodeInternal:        {},
}

func IsKnownCode(code string) bool {
	if code == "" {
		return true
	}
	_, ok := knownCodes[code]
	return ok
}

// Error is a classified failure. Reason is an opaque diagnostic meant for
// the offending client only.
type Error struct {
	Code   string
	Reason string
	Err    error
}

func (e *Error) Error() string {
	switch {
	case e.Reason != "" && e.Err != nil:
		return e.Code + ": " + e.Reason + ": " + e.Err.Error()
	case e.Reason != "":
		return e.Code + ": " + e.Reason
	case e.Err != nil:
		return e.Code + ": " + e.Err.Error()
	}
	return e.Code
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error carrying the same code, so the sentinels below work
// with errors.Is regardless of reason.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

var (
	ErrMalformed    = &Error{Code: CodeMalformed}
	ErrIncomplete   = &Error{Code: CodeIncomplete}
	ErrUnknownType  = &Error{Code: CodeUnknownType}
	ErrUnauthorized = &Error{Code: CodeUnauthorized}
	ErrIllegalState = &Error{Code: CodeIllegalState}
	ErrDomain       = &Error{Code: CodeDomain}
	ErrRateLimit    = &Error{Code: CodeRateLimit}
)

func Reject(code, format string, args ...any) *Error {
	return &Error{Code: code, Reason: fmt.Sprintf(format, args...)}
}

func Malformed(err error) *Error {
	return &Error{Code: CodeMalformed, Err: err}
}

// CodeOf extracts the protocol code of err, defaulting to CodeInternal.
func CodeOf(err error) string {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) && e.Code != "" {
		return e.Code
	}
	return CodeInternal
}

// ReasonOf returns the client-facing reason of err.
func ReasonOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		if e.Reason != "" {
			return e.Reason
		}
		if e.Err != nil {
			return e.Err.Error()
		}
		return e.Code
	}
	if err == nil {
		return ""
	}
	return err.Error()
}
