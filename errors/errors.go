// Package errors provides the structured error type shared by the mailbox
// client, the blob store and the transports.
package errors

import (
	"errors"
	"fmt"
)

// ErrorCode represents the type of error that occurred
type ErrorCode string

const (
	ErrCodeNetworkFailure    ErrorCode = "NETWORK_FAILURE"
	ErrCodeStorageFailure    ErrorCode = "STORAGE_FAILURE"
	ErrCodeProtocolFailure   ErrorCode = "PROTOCOL_FAILURE"
	ErrCodeValidationFailure ErrorCode = "VALIDATION_FAILURE"
)

// Operation names the step that failed
type Operation string

const (
	OpSync      Operation = "sync"
	OpFetch     Operation = "fetch"
	OpPublish   Operation = "publish"
	OpStore     Operation = "store"
	OpLoad      Operation = "load"
	OpCleanup   Operation = "cleanup"
	OpRebuild   Operation = "rebuild"
	OpDecode    Operation = "decode"
	OpTransport Operation = "transport"
	OpClose     Operation = "close"
)

// MailboxError represents an error raised while storing, serving or
// reconciling logs
type MailboxError struct {
	// Operation during which the error occurred
	Op Operation

	// Component that generated the error (e.g., "blobstore", "transport")
	Component string

	// Underlying error
	Err error

	// Whether the operation can be retried
	Retryable bool

	// Error code for the error type
	Code ErrorCode

	// Metadata for additional context
	Metadata map[string]any
}

func (e *MailboxError) Error() string {
	var msg string
	if e.Component != "" {
		msg = fmt.Sprintf("%s operation failed in %s component", e.Op, e.Component)
	} else {
		msg = fmt.Sprintf("%s operation failed", e.Op)
	}

	if e.Code != "" {
		msg += fmt.Sprintf(" [%s]", e.Code)
	}

	return msg + fmt.Sprintf(": %v", e.Err)
}

func (e *MailboxError) Unwrap() error {
	return e.Err
}

// WithMetadata attaches a key/value pair and returns the same error.
func (e *MailboxError) WithMetadata(key string, value any) *MailboxError {
	if e.Metadata == nil {
		e.Metadata = make(map[string]any)
	}
	e.Metadata[key] = value
	return e
}

// NewStorageError creates a new storage-related MailboxError
func NewStorageError(op Operation, cause error) *MailboxError {
	return &MailboxError{
		Code:      ErrCodeStorageFailure,
		Op:        op,
		Component: "store",
		Err:       cause,
		Retryable: true,
	}
}

// NewProtocolError reports a peer that answered with something we cannot use:
// an unexpected status, an undecodable body or an undecodable item.
func NewProtocolError(op Operation, cause error) *MailboxError {
	return &MailboxError{
		Code:      ErrCodeProtocolFailure,
		Op:        op,
		Component: "transport",
		Err:       cause,
		Retryable: false,
	}
}

// NewValidationError creates a new validation-related MailboxError
func NewValidationError(op Operation, cause error) *MailboxError {
	return &MailboxError{
		Code:      ErrCodeValidationFailure,
		Op:        op,
		Err:       cause,
		Retryable: false,
	}
}

// NewNetworkError creates a new network-related MailboxError
func NewNetworkError(op Operation, cause error) *MailboxError {
	return &MailboxError{
		Code:      ErrCodeNetworkFailure,
		Op:        op,
		Component: "transport",
		Err:       cause,
		Retryable: true,
	}
}

// NewWithComponent creates a new MailboxError with component information
func NewWithComponent(op Operation, component string, err error) *MailboxError {
	return &MailboxError{
		Op:        op,
		Component: component,
		Err:       err,
	}
}

// IsRetryable checks if an error is a retryable MailboxError
func IsRetryable(err error) bool {
	var mbErr *MailboxError
	if errors.As(err, &mbErr) {
		return mbErr.Retryable
	}
	return false
}

// Is, As and Unwrap mirror the standard library so callers need only one
// errors import.
func Is(err, target error) bool     { return errors.Is(err, target) }
func As(err error, target any) bool { return errors.As(err, target) }
func Unwrap(err error) error        { return errors.Unwrap(err) }
