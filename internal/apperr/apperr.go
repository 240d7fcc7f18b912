// Package apperr defines the error values that cross the API boundary.
// Internal plumbing wraps with fmt.Errorf; anything surfaced to a client is
// an *Error carrying a stable code.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Code is a stable, machine-readable error code.
type Code string

const (
	CodeInvalidRequest       Code = "INVALID_REQUEST"
	CodeWorkingDirInvalid    Code = "WORKING_DIR_INVALID"
	CodeSessionNotFound      Code = "SESSION_NOT_FOUND"
	CodeAgentSpawnFailed     Code = "AGENT_SPAWN_FAILED"
	CodeFileParse            Code = "FILE_PARSE_ERROR"
	CodeProcessCommunication Code = "PROCESS_COMMUNICATION_ERROR"
	CodeInternal             Code = "INTERNAL_ERROR"
)

// Error is an error with a stable code and an HTTP status mapping.
type Error struct {
	Code    Code
	Message string
}

func (e *Error) Error() string {
	return e.Message
}

// Status returns the HTTP status for the error's code.
func (e *Error) Status() int {
	switch e.Code {
	case CodeInvalidRequest, CodeWorkingDirInvalid, CodeFileParse:
		return http.StatusBadRequest
	case CodeSessionNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// InvalidRequest reports a request that fails validation.
func InvalidRequest(format string, args ...any) *Error {
	return newf(CodeInvalidRequest, format, args...)
}

// WorkingDirInvalid reports a missing or non-directory working directory.
func WorkingDirInvalid(format string, args ...any) *Error {
	return newf(CodeWorkingDirInvalid, format, args...)
}

// SessionNotFound reports a session id with no live or on-disk counterpart.
func SessionNotFound(id string) *Error {
	return newf(CodeSessionNotFound, "session not found: %s", id)
}

// SpawnFailed reports a missing binary or a failed spawn syscall.
func SpawnFailed(format string, args ...any) *Error {
	return newf(CodeAgentSpawnFailed, format, args...)
}

// FileParse reports an unreadable or malformed transcript file.
func FileParse(format string, args ...any) *Error {
	return newf(CodeFileParse, format, args...)
}

// ProcessCommunication reports a handshake or pipe failure with the child.
func ProcessCommunication(format string, args ...any) *Error {
	return newf(CodeProcessCommunication, format, args...)
}

// Internal reports an unexpected failure.
func Internal(format string, args ...any) *Error {
	return newf(CodeInternal, format, args...)
}

// From converts any error into an *Error, passing typed errors through and
// wrapping everything else as INTERNAL_ERROR.
func From(err error) *Error {
	var ae *Error
	if errors.As(err, &ae) {
		return ae
	}
	return &Error{Code: CodeInternal, Message: err.Error()}
}
