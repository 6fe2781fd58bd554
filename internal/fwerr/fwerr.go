package fwerr

import (
	"errors"
	"fmt"
)

// Error codes shared by the pipeline and the HTTP layer.
const (
	SourceAuthFailed    = "source_auth_failed"
	SourceForbidden     = "source_forbidden"
	SourceNotFound      = "source_not_found"
	SourceRemoteError   = "source_remote_error"
	SourceMalformed     = "source_malformed"
	SourceConnectFailed = "source_connect_failed"
	SourceTimeout       = "source_timeout"
	SourceRejected      = "source_rejected"

	SampleNotFound    = "sample_not_found"
	SampleMalformed   = "sample_malformed"
	SampleUnavailable = "sample_unavailable"

	StoreError       = "store_error"
	StoreUnavailable = "store_unavailable"

	InvalidID  = "invalid_id"
	NotFound   = "not_found"
	BadRequest = "bad_request"
)

// Error is a typed error that can be surfaced to API clients as a code plus message.
type Error struct {
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
}

// Unwrap exposes the underlying error for errors.Is/As.
func (e *Error) Unwrap() error {
	return e.Err
}

// New constructs a typed error.
func New(code, message string, err error) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

// CodeOf returns the code of the first *Error in err's chain, or "".
func CodeOf(err error) string {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Code
	}
	return ""
}

// Is reports whether err carries the given code.
func Is(err error, code string) bool {
	return err != nil && CodeOf(err) == code
}

// IsSource reports whether err is one of the recoverable remote source failures.
func IsSource(err error) bool {
	switch CodeOf(err) {
	case SourceAuthFailed, SourceForbidden, SourceNotFound, SourceRemoteError,
		SourceMalformed, SourceConnectFailed, SourceTimeout, SourceRejected:
		return true
	}
	return false
}
