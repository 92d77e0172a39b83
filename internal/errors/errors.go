// Package errors defines the unified error type shared by every component.
// Each failure is classified by a Code; attributes attached to the code drive
// HTTP status mapping, audit severity and retry hints at the boundary.
package errors

import (
	stdErrors "errors"
	"fmt"
	"sync"
)

// Code is the machine-readable error kind surfaced to callers.
type Code string

const (
	CodeUnknown               Code = "UNKNOWN"
	CodeInvalidArgument       Code = "INVALID_ARGUMENT"
	CodeUnknownPlugin         Code = "UNKNOWN_PLUGIN"
	CodeCapabilityUnsupported Code = "CAPABILITY_NOT_SUPPORTED"
	CodeServiceAlreadyRunning Code = "SERVICE_ALREADY_RUNNING"
	CodeProcessSpawnFailed    Code = "PROCESS_SPAWN_FAILED"
	CodeInvalidDestination    Code = "INVALID_DESTINATION"
	CodeDownloadFailed        Code = "DOWNLOAD_FAILED"
	CodeInitializationFailure Code = "INITIALIZATION_FAILURE"
	CodeStorageFailure        Code = "STORAGE_FAILURE"
)

// Severity describes how serious a failure is for audit records.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Attributes provide the default behaviour for an error code.
type Attributes struct {
	Message   string
	Severity  Severity
	Retryable bool
}

var (
	registryMu sync.RWMutex
	registry   = map[Code]Attributes{
		CodeUnknown:               {Message: "unknown error", Severity: SeverityCritical},
		CodeInvalidArgument:       {Message: "invalid argument", Severity: SeverityInfo},
		CodeUnknownPlugin:         {Message: "plugin not registered", Severity: SeverityInfo},
		CodeCapabilityUnsupported: {Message: "capability not supported", Severity: SeverityInfo},
		CodeServiceAlreadyRunning: {Message: "service already running", Severity: SeverityInfo},
		CodeProcessSpawnFailed:    {Message: "failed to spawn process", Severity: SeverityWarning, Retryable: true},
		CodeInvalidDestination:    {Message: "destination escapes download directory", Severity: SeverityWarning},
		CodeDownloadFailed:        {Message: "download failed", Severity: SeverityWarning, Retryable: true},
		CodeInitializationFailure: {Message: "component not initialized", Severity: SeverityWarning, Retryable: true},
		CodeStorageFailure:        {Message: "storage failure", Severity: SeverityCritical, Retryable: true},
	}
)

// Register lets a component add or override code attributes at init time.
func Register(code Code, attr Attributes) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[code] = attr
}

// AttributesOf returns the attributes registered for a code, falling back to
// the attributes of CodeUnknown.
func AttributesOf(code Code) Attributes {
	registryMu.RLock()
	defer registryMu.RUnlock()
	if attr, ok := registry[code]; ok {
		return attr
	}
	return registry[CodeUnknown]
}

// Error is the concrete error value produced at component boundaries.
type Error struct {
	code    Code
	message string
	cause   error
}

// New creates an error with the given code. An empty message falls back to
// the registered default for the code.
func New(code Code, message string) *Error {
	if message == "" {
		message = AttributesOf(code).Message
	}
	return &Error{code: code, message: message}
}

// Newf creates an error with a formatted message.
func Newf(code Code, format string, args ...any) *Error {
	return New(code, fmt.Sprintf(format, args...))
}

// Wrap attaches a cause to a new error.
func Wrap(code Code, cause error, message string) *Error {
	e := New(code, message)
	e.cause = cause
	return e
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.code, e.message, e.cause)
	}
	return fmt.Sprintf("[%s] %s", e.code, e.message)
}

// Unwrap exposes the cause for errors.Is / errors.As.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}

// Is matches two errors by code so callers can compare against sentinel
// values created with New(code, "").
func (e *Error) Is(target error) bool {
	if e == nil || target == nil {
		return false
	}
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.code == t.code
}

// Code returns the error code.
func (e *Error) Code() Code {
	if e == nil {
		return CodeUnknown
	}
	return e.code
}

// Message returns the human-readable message without the cause chain.
func (e *Error) Message() string {
	if e == nil {
		return ""
	}
	return e.message
}

// From extracts the unified error type from an arbitrary error.
func From(err error) (*Error, bool) {
	if err == nil {
		return nil, false
	}
	var target *Error
	if stdErrors.As(err, &target) {
		return target, true
	}
	return nil, false
}

// CodeOf returns the code carried by err, or CodeUnknown.
func CodeOf(err error) Code {
	if e, ok := From(err); ok {
		return e.Code()
	}
	return CodeUnknown
}

// Retryable reports whether the caller may retry the failed request.
func Retryable(err error) bool {
	if e, ok := From(err); ok {
		return AttributesOf(e.Code()).Retryable
	}
	return false
}

// SeverityOf returns the audit severity for err.
func SeverityOf(err error) Severity {
	if e, ok := From(err); ok {
		return AttributesOf(e.Code()).Severity
	}
	return AttributesOf(CodeUnknown).Severity
}
