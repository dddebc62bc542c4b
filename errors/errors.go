// Package errors provides the classified error handling used across the tracking daemon.
// Errors are tagged transient, invalid or fatal so callers can decide whether to retry,
// drop the offending input or stop the service.
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
	// Lifecycle
	ErrAlreadyStarted = errors.New("already started")
	ErrNotStarted     = errors.New("not started")
	ErrAlreadyStopped = errors.New("already stopped")
	ErrShuttingDown   = errors.New("shutting down")

	// Transport
	ErrListenFailed      = errors.New("listen failed")
	ErrConnectionLost    = errors.New("connection lost")
	ErrConnectionTimeout = errors.New("connection timeout")
	ErrNoTransport       = errors.New("session has no transport")

	// Wire data
	ErrInvalidData     = errors.New("invalid data format")
	ErrInvalidSentence = errors.New("invalid sentence")
	ErrChecksumFailed  = errors.New("checksum validation failed")
	ErrUnsupported     = errors.New("unsupported message")

	// Devices and sessions
	ErrNotLoggedIn        = errors.New("device not logged in")
	ErrLoginRefused       = errors.New("login refused by backend")
	ErrDeviceNotFound     = errors.New("device not found")
	ErrDuplicateDevice    = errors.New("duplicate device identifier")
	ErrCommandRefused     = errors.New("command refused by adapter")
	ErrQueueFull          = errors.New("command queue full")
	ErrStorageUnavailable = errors.New("storage unavailable")

	// Configuration
	ErrInvalidConfig  = errors.New("invalid configuration")
	ErrMissingConfig  = errors.New("missing required configuration")
	ErrUnknownAdapter = errors.New("unknown adapter")
	ErrUnknownBackend = errors.New("unknown backend")
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

// classOf reports the class recorded in err's chain, if any.
func classOf(err error) (ErrorClass, bool) {
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class, true
	}
	return 0, false
}

func isAny(err error, targets ...error) bool {
	for _, t := range targets {
		if errors.Is(err, t) {
			return true
		}
	}
	return false
}

// IsTransient reports whether err is worth retrying. Unclassified errors are
// matched against the transport sentinels and then by message.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if class, ok := classOf(err); ok {
		return class == ErrorTransient
	}
	if isAny(err, ErrConnectionTimeout, ErrConnectionLost, ErrStorageUnavailable, ErrQueueFull,
		context.DeadlineExceeded, context.Canceled) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, pattern := range []string{"timeout", "connection", "network", "temporary", "unavailable"} {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}

// IsFatal reports whether err must stop the service.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	if class, ok := classOf(err); ok {
		return class == ErrorFatal
	}
	return isAny(err, ErrInvalidConfig, ErrMissingConfig, ErrListenFailed, ErrDuplicateDevice,
		ErrUnknownAdapter, ErrUnknownBackend)
}

// IsInvalid reports whether err comes from bad input that should be dropped.
func IsInvalid(err error) bool {
	if err == nil {
		return false
	}
	if class, ok := classOf(err); ok {
		return class == ErrorInvalid
	}
	return isAny(err, ErrInvalidData, ErrInvalidSentence, ErrChecksumFailed, ErrUnsupported)
}

// Classify returns the class of err. Unknown errors count as transient.
func Classify(err error) ErrorClass {
	switch {
	case IsFatal(err):
		return ErrorFatal
	case IsInvalid(err):
		return ErrorInvalid
	default:
		return ErrorTransient
	}
}

// Wrap adds context in the form "component.method: action failed: err".
func Wrap(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s.%s: %s failed: %w", component, method, action, err)
}

func wrapAs(class ErrorClass, err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	wrapped := Wrap(err, component, method, action)
	return &ClassifiedError{
		Class:     class,
		Err:       wrapped,
		Message:   wrapped.Error(),
		Component: component,
		Operation: method,
	}
}

// WrapTransient wraps err as retryable.
func WrapTransient(err error, component, method, action string) error {
	return wrapAs(ErrorTransient, err, component, method, action)
}

// WrapFatal wraps err as unrecoverable.
func WrapFatal(err error, component, method, action string) error {
	return wrapAs(ErrorFatal, err, component, method, action)
}

// WrapInvalid wraps err as caused by bad input.
func WrapInvalid(err error, component, method, action string) error {
	return wrapAs(ErrorInvalid, err, component, method, action)
}
