// Package errors provides structured error handling for Pulse.
// It implements coded errors with context, cause chains, and stack traces.
package errors

import (
	"errors"
	"fmt"
	"runtime"
	"sort"
	"strings"
)

// Code identifies an error class for programmatic handling.
type Code string

const (
	// Consent and session errors (1xx)
	CodeConsentDenied  Code = "P101"
	CodeConsentMissing Code = "P102"
	CodeDoNotTrack     Code = "P103"
	CodeSessionExpired Code = "P104"

	// Identity errors (2xx)
	CodeFingerprintTimeout Code = "P201"
	CodeFingerprintFailed  Code = "P202"
	CodeStorageFailed      Code = "P203"

	// Admission errors (3xx)
	CodeRateLimited  Code = "P301"
	CodeQueueFull    Code = "P302"
	CodeEventStale   Code = "P303"
	CodeInvalidEvent Code = "P304"

	// Transport errors (4xx)
	CodeConnClosed      Code = "P401"
	CodeSendFailed      Code = "P402"
	CodePayloadTooLarge Code = "P403"
	CodeEncodeFailed    Code = "P404"
	CodeAckTimeout      Code = "P405"

	// System errors (5xx)
	CodeContextCanceled Code = "P501"
	CodeTimeout         Code = "P502"
	CodeShuttingDown    Code = "P503"
	CodePanic           Code = "P504"
	CodeConfigInvalid   Code = "P505"

	// Unknown
	CodeUnknown Code = "P999"
)

// PulseError is the base error type for all Pulse errors.
type PulseError struct {
	Code       Code
	Message    string
	Cause      error
	Context    map[string]interface{}
	StackTrace []Frame
}

// Frame represents a stack frame.
type Frame struct {
	Function string
	File     string
	Line     int
}

// Error implements the error interface. Context keys are rendered in
// sorted order so the message is stable.
func (e *PulseError) Error() string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("[%s] %s", e.Code, e.Message))

	if len(e.Context) > 0 {
		keys := make([]string, 0, len(e.Context))
		for k := range e.Context {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		sb.WriteString(" (")
		for i, k := range keys {
			if i > 0 {
				sb.WriteString(", ")
			}
			sb.WriteString(fmt.Sprintf("%s=%v", k, e.Context[k]))
		}
		sb.WriteString(")")
	}

	if e.Cause != nil {
		sb.WriteString(": ")
		sb.WriteString(e.Cause.Error())
	}

	return sb.String()
}

// Unwrap returns the underlying cause.
func (e *PulseError) Unwrap() error {
	return e.Cause
}

// Is checks if this error matches a target error.
func (e *PulseError) Is(target error) bool {
	if t, ok := target.(*PulseError); ok {
		return e.Code == t.Code
	}
	return false
}

// WithContext adds context to the error.
func (e *PulseError) WithContext(key string, value interface{}) *PulseError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// New creates a new PulseError.
func New(code Code, message string) *PulseError {
	return &PulseError{
		Code:       code,
		Message:    message,
		StackTrace: captureStack(2),
	}
}

// Wrap wraps an existing error with additional context.
func Wrap(err error, code Code, message string) *PulseError {
	if err == nil {
		return nil
	}

	return &PulseError{
		Code:       code,
		Message:    message,
		Cause:      err,
		StackTrace: captureStack(2),
	}
}

// Wrapf wraps an error with a formatted message.
func Wrapf(err error, code Code, format string, args ...interface{}) *PulseError {
	return Wrap(err, code, fmt.Sprintf(format, args...))
}

// captureStack captures the current stack trace.
func captureStack(skip int) []Frame {
	var frames []Frame
	pcs := make([]uintptr, 32)
	n := runtime.Callers(skip+1, pcs)
	pcs = pcs[:n]

	cf := runtime.CallersFrames(pcs)
	for {
		frame, more := cf.Next()
		frames = append(frames, Frame{
			Function: frame.Function,
			File:     frame.File,
			Line:     frame.Line,
		})
		if !more || len(frames) >= 10 {
			break
		}
	}
	return frames
}

// FormatStack returns a formatted stack trace.
func (e *PulseError) FormatStack() string {
	var sb strings.Builder
	for _, f := range e.StackTrace {
		sb.WriteString(fmt.Sprintf("  at %s\n    %s:%d\n", f.Function, f.File, f.Line))
	}
	return sb.String()
}

// --- Convenience constructors ---

// ConsentDenied creates an error for an event blocked by consent.
func ConsentDenied(kind string) *PulseError {
	return New(CodeConsentDenied, "tracking consent not granted").
		WithContext("kind", kind)
}

// RateLimited creates an error for an event dropped by the governor.
func RateLimited(kind, window string) *PulseError {
	return New(CodeRateLimited, "rate limit exceeded").
		WithContext("kind", kind).
		WithContext("window", window)
}

// QueueFull creates an error for an event rejected by a full queue.
func QueueFull(capacity int) *PulseError {
	return New(CodeQueueFull, "event queue at capacity").
		WithContext("capacity", capacity)
}

// PayloadTooLarge creates an error for a batch exceeding the wire limit.
func PayloadTooLarge(size, limit int) *PulseError {
	return New(CodePayloadTooLarge, "payload exceeds size limit").
		WithContext("size", size).
		WithContext("limit", limit)
}

// FingerprintTimeout creates an error for identity resolution running
// past its deadline.
func FingerprintTimeout(timeout string) *PulseError {
	return New(CodeFingerprintTimeout, "fingerprint resolution timed out").
		WithContext("timeout", timeout)
}

// ContextCanceled creates a cancellation error.
func ContextCanceled(operation string) *PulseError {
	return New(CodeContextCanceled, "operation canceled").
		WithContext("operation", operation)
}

// --- Error checking utilities ---

// IsCode checks if an error has a specific code.
func IsCode(err error, code Code) bool {
	var pErr *PulseError
	if errors.As(err, &pErr) {
		return pErr.Code == code
	}
	return false
}

// GetCode extracts the error code from an error.
func GetCode(err error) Code {
	var pErr *PulseError
	if errors.As(err, &pErr) {
		return pErr.Code
	}
	return CodeUnknown
}

// IsRetryable returns true if the operation may succeed on retry.
func IsRetryable(err error) bool {
	switch GetCode(err) {
	case CodeConnClosed, CodeSendFailed, CodeAckTimeout, CodeTimeout:
		return true
	default:
		return false
	}
}

// IsSilent returns true for errors that are expected policy outcomes
// and must not surface to the host application.
func IsSilent(err error) bool {
	switch GetCode(err) {
	case CodeConsentDenied, CodeConsentMissing, CodeDoNotTrack, CodeRateLimited:
		return true
	default:
		return false
	}
}

// IsFatal returns true if the error is unrecoverable.
func IsFatal(err error) bool {
	switch GetCode(err) {
	case CodePanic, CodeShuttingDown:
		return true
	default:
		return false
	}
}

// MultiError collects multiple errors.
type MultiError struct {
	Errors []error
}

// Error implements the error interface.
func (m *MultiError) Error() string {
	if len(m.Errors) == 0 {
		return "no errors"
	}
	if len(m.Errors) == 1 {
		return m.Errors[0].Error()
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%d errors occurred:\n", len(m.Errors)))
	for i, err := range m.Errors {
		sb.WriteString(fmt.Sprintf("  %d. %s\n", i+1, err.Error()))
	}
	return sb.String()
}

// Add adds an error to the collection.
func (m *MultiError) Add(err error) {
	if err != nil {
		m.Errors = append(m.Errors, err)
	}
}

// HasErrors returns true if any errors were collected.
func (m *MultiError) HasErrors() bool {
	return len(m.Errors) > 0
}

// Combined returns nil if no errors, the single error if one, or the MultiError.
func (m *MultiError) Combined() error {
	switch len(m.Errors) {
	case 0:
		return nil
	case 1:
		return m.Errors[0]
	default:
		return m
	}
}
