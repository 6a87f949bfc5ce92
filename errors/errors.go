// Package errors provides standardized error handling for pitwall components.
// It includes error classification, the sentinel errors shared across the
// entity store, coordinator and ingress pipeline, and helpers for consistent
// wrapping and for carrying failures across the message bus.
package errors

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrorClass represents the classification of errors for handling purposes
type ErrorClass int

const (
	// ErrorTransient represents temporary errors that may be retried
	ErrorTransient ErrorClass = iota
	// ErrorInvalid represents errors due to invalid input or configuration
	ErrorInvalid
	// ErrorFatal represents unrecoverable errors that should stop processing
	ErrorFatal
)

// String returns the string representation of ErrorClass
func (ec ErrorClass) String() string {
	switch ec {
	case ErrorTransient:
		return "transient"
	case ErrorInvalid:
		return "invalid"
	case ErrorFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Standard error variables for common conditions
var (
	// Component lifecycle errors
	ErrAlreadyStarted = errors.New("component already started")
	ErrNotStarted     = errors.New("component not started")
	ErrAlreadyStopped = errors.New("component already stopped")
	ErrShuttingDown   = errors.New("component is shutting down")

	// Connection and networking errors
	ErrNoConnection       = errors.New("no connection available")
	ErrConnectionLost     = errors.New("connection lost")
	ErrConnectionTimeout  = errors.New("connection timeout")
	ErrSubscriptionFailed = errors.New("subscription failed")

	// Data processing errors
	ErrInvalidData   = errors.New("invalid data format")
	ErrDataCorrupted = errors.New("data corrupted")
	ErrParsingFailed = errors.New("parsing failed")

	// Storage and persistence errors
	ErrStorageUnavailable = errors.New("storage unavailable")
	ErrKeyNotFound        = errors.New("key not found")
	ErrSequenceConflict   = errors.New("journal sequence conflict")

	// Configuration errors
	ErrInvalidConfig = errors.New("invalid configuration")
	ErrMissingConfig = errors.New("missing required configuration")

	// Resource errors
	ErrResourceExhausted = errors.New("resource exhausted")
	ErrRateLimited       = errors.New("rate limited")

	// Circuit breaker and retry errors
	ErrCircuitOpen        = errors.New("circuit breaker open")
	ErrMaxRetriesExceeded = errors.New("maximum retries exceeded")
)

// Entity store, coordinator and pipeline errors.
var (
	// ErrUnroutable rejects a message that carries no entity key.
	ErrUnroutable = errors.New("message has no routable entity key")
	// ErrKeyMismatch is returned when an update addresses an entity other than the receiver.
	ErrKeyMismatch = errors.New("key not found in shard")
	// ErrNotInitialized is returned for any non-create message before the entity exists.
	ErrNotInitialized = errors.New("entity not initialized")
	// ErrAskTimeout marks a request whose reply did not arrive in time.
	ErrAskTimeout = errors.New("ask timed out")
	// ErrMailboxFull is returned when an entity cannot accept more queued messages.
	ErrMailboxFull = errors.New("entity mailbox full")
	// ErrRecoveryFailed is returned when an entity could not rebuild its state.
	ErrRecoveryFailed = errors.New("entity recovery failed")
	// ErrQueueClosed is returned when offering to a pipeline that is not accepting input.
	ErrQueueClosed = errors.New("ingress queue closed")
	// ErrUnknownMessage rejects message types the receiver does not handle.
	ErrUnknownMessage = errors.New("unknown message type")
)

// ClassifiedError wraps an error with its classification
type ClassifiedError struct {
	Class     ErrorClass
	Err       error
	Message   string
	Component string
	Operation string
}

// Error implements the error interface
func (ce *ClassifiedError) Error() string {
	if ce.Message != "" {
		return ce.Message
	}
	return ce.Err.Error()
}

// Unwrap returns the underlying error
func (ce *ClassifiedError) Unwrap() error {
	return ce.Err
}

// IsTransient checks if an error is transient and should be retried
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class == ErrorTransient
	}

	if errors.Is(err, ErrConnectionTimeout) ||
		errors.Is(err, ErrConnectionLost) ||
		errors.Is(err, ErrStorageUnavailable) ||
		errors.Is(err, ErrRateLimited) ||
		errors.Is(err, ErrCircuitOpen) ||
		errors.Is(err, ErrAskTimeout) ||
		errors.Is(err, ErrMailboxFull) ||
		errors.Is(err, ErrRecoveryFailed) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, context.Canceled) {
		return true
	}

	errStr := strings.ToLower(err.Error())
	transientPatterns := []string{
		"timeout",
		"connection",
		"network",
		"temporary",
		"unavailable",
		"busy",
		"retry",
	}

	for _, pattern := range transientPatterns {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}

	return false
}

// IsFatal checks if an error is fatal and should stop processing
func IsFatal(err error) bool {
	if err == nil {
		return false
	}

	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class == ErrorFatal
	}

	if errors.Is(err, ErrInvalidConfig) ||
		errors.Is(err, ErrMissingConfig) ||
		errors.Is(err, ErrDataCorrupted) ||
		errors.Is(err, ErrResourceExhausted) {
		return true
	}

	errStr := strings.ToLower(err.Error())
	fatalPatterns := []string{
		"fatal",
		"panic",
		"corrupted",
		"invalid config",
		"missing config",
		"out of memory",
		"disk full",
	}

	for _, pattern := range fatalPatterns {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}

	return false
}

// IsInvalid checks if an error is due to invalid input
func IsInvalid(err error) bool {
	if err == nil {
		return false
	}

	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class == ErrorInvalid
	}

	return errors.Is(err, ErrInvalidData) ||
		errors.Is(err, ErrParsingFailed) ||
		errors.Is(err, ErrUnroutable) ||
		errors.Is(err, ErrKeyMismatch) ||
		errors.Is(err, ErrNotInitialized) ||
		errors.Is(err, ErrUnknownMessage)
}

// Classify returns the error class for an error
func Classify(err error) ErrorClass {
	if err == nil {
		return ErrorTransient
	}

	if IsInvalid(err) {
		return ErrorInvalid
	}
	if IsTransient(err) {
		return ErrorTransient
	}
	if IsFatal(err) {
		return ErrorFatal
	}

	// Unknown errors default to transient so callers may retry
	return ErrorTransient
}

// newClassified creates a new classified error.
// Use WrapTransient(), WrapFatal(), or WrapInvalid() instead.
func newClassified(class ErrorClass, err error, component, operation, message string) *ClassifiedError {
	return &ClassifiedError{
		Class:     class,
		Err:       err,
		Message:   message,
		Component: component,
		Operation: operation,
	}
}

// Wrap creates a standardized error with context following the pattern:
// "component.method: action failed: %w"
func Wrap(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s.%s: %s failed: %w", component, method, action, err)
}

// WrapTransient wraps an error as transient with context
func WrapTransient(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	wrappedErr := Wrap(err, component, method, action)
	return newClassified(ErrorTransient, wrappedErr, component, method, wrappedErr.Error())
}

// WrapFatal wraps an error as fatal with context
func WrapFatal(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	wrappedErr := Wrap(err, component, method, action)
	return newClassified(ErrorFatal, wrappedErr, component, method, wrappedErr.Error())
}

// WrapInvalid wraps an error as invalid with context
func WrapInvalid(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	wrappedErr := Wrap(err, component, method, action)
	return newClassified(ErrorInvalid, wrappedErr, component, method, wrappedErr.Error())
}

// wire codes for sentinels that must survive a trip across the bus
var codes = map[string]error{
	"unroutable":      ErrUnroutable,
	"key_mismatch":    ErrKeyMismatch,
	"not_initialized": ErrNotInitialized,
	"ask_timeout":     ErrAskTimeout,
	"mailbox_full":    ErrMailboxFull,
	"recovery_failed": ErrRecoveryFailed,
	"queue_closed":    ErrQueueClosed,
	"unknown_message": ErrUnknownMessage,
	"invalid_data":    ErrInvalidData,
}

// Code returns a stable wire code for err, or "internal" when err does not
// match any known sentinel.
func Code(err error) string {
	if err == nil {
		return ""
	}
	for code, sentinel := range codes {
		if errors.Is(err, sentinel) {
			return code
		}
	}
	return "internal"
}

// FromCode rebuilds an error received from a remote peer. The sentinel for
// code stays reachable through errors.Is and the class matches the sentinel's.
func FromCode(code, message string) error {
	if code == "" {
		return nil
	}
	sentinel, ok := codes[code]
	if !ok {
		return fmt.Errorf("remote: %s", message)
	}
	remote := fmt.Errorf("remote: %s: %w", message, sentinel)
	if IsInvalid(sentinel) {
		return newClassified(ErrorInvalid, remote, "remote", code, remote.Error())
	}
	return newClassified(ErrorTransient, remote, "remote", code, remote.Error())
}
