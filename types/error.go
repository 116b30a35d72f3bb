package types

import (
	"errors"
	"fmt"
)

// ErrorCode represents a unified error code across knowmesh.
type ErrorCode string

// Federation error codes
const (
	ErrValidation         ErrorCode = "VALIDATION"
	ErrNodeNotFound       ErrorCode = "NODE_NOT_FOUND"
	ErrTransport          ErrorCode = "TRANSPORT"
	ErrNoReachableNodes   ErrorCode = "NO_REACHABLE_NODES"
	ErrRegistryCorruption ErrorCode = "REGISTRY_CORRUPTION"
	ErrIntegrityViolation ErrorCode = "INTEGRITY_VIOLATION"
	ErrUntrustedNode      ErrorCode = "UNTRUSTED_NODE"
	ErrCycleInProgress    ErrorCode = "CYCLE_IN_PROGRESS"
	ErrInternal           ErrorCode = "INTERNAL_ERROR"
)

// Error represents a structured error with code, message, and metadata.
type Error struct {
	Code      ErrorCode `json:"code"`
	Message   string    `json:"message"`
	Retryable bool      `json:"retryable"`
	NodeID    string    `json:"node_id,omitempty"`
	Cause     error     `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	prefix := fmt.Sprintf("[%s]", e.Code)
	if e.NodeID != "" {
		prefix = fmt.Sprintf("[%s node=%s]", e.Code, e.NodeID)
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s %s: %v", prefix, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s %s", prefix, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target is an *Error carrying the same code. This lets
// callers match with errors.Is(err, types.Sentinel(types.ErrTransport)).
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Message == "" && t.Code == e.Code
}

// NewError creates a new Error with the given code and message.
func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Errorf creates a new Error with a formatted message.
func Errorf(code ErrorCode, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithCause adds a cause to the error.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// WithRetryable marks the error as retryable.
func (e *Error) WithRetryable(retryable bool) *Error {
	e.Retryable = retryable
	return e
}

// WithNode attaches the node the failure belongs to.
func (e *Error) WithNode(nodeID string) *Error {
	e.NodeID = nodeID
	return e
}

// Sentinel returns a bare error for code, usable as an errors.Is target.
func Sentinel(code ErrorCode) error {
	return &Error{Code: code}
}

// IsRetryable checks if an error is retryable.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable
	}
	return false
}

// GetErrorCode extracts the error code from an error.
func GetErrorCode(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsErrorCode reports whether err carries the given code anywhere in its chain.
func IsErrorCode(err error, code ErrorCode) bool {
	return errors.Is(err, Sentinel(code))
}

// Common constructors

func NewValidationError(format string, args ...any) *Error {
	return Errorf(ErrValidation, format, args...)
}

func NewNodeNotFoundError(nodeID string) *Error {
	return NewError(ErrNodeNotFound, "node not registered").WithNode(nodeID)
}

func NewTransportError(nodeID string, cause error) *Error {
	return NewError(ErrTransport, "artifact source unreachable").
		WithNode(nodeID).
		WithCause(cause).
		WithRetryable(true)
}

func NewRegistryCorruptionError(message string, cause error) *Error {
	return NewError(ErrRegistryCorruption, message).WithCause(cause)
}

func NewUntrustedNodeError(nodeID string, score, floor float64) *Error {
	return Errorf(ErrUntrustedNode, "trust score %.3f below floor %.3f", score, floor).WithNode(nodeID)
}
