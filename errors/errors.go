// Package errors provides standardized error handling for the openfilter
// runtime. It classifies failures into the handling categories the runtime
// acts on: configuration errors are fatal at startup and never retried,
// transport errors get a bounded local retry, backpressure timeouts are
// logged and optionally force an advance, and process crashes escalate to a
// whole-group shutdown.
package errors

import (
	"errors"
	"fmt"
)

// ErrorClass represents the classification of errors for handling purposes
type ErrorClass int

const (
	// ErrorConfig represents malformed connection strings, topic mappings,
	// or pipeline configuration. Fatal at startup, never retried.
	ErrorConfig ErrorClass = iota
	// ErrorTransport represents socket failures during send or receive.
	// Retried a bounded number of times before the channel is faulted.
	ErrorTransport
	// ErrorBackpressure represents a client failing to request within the
	// configured grace period. Logged; may force an advance.
	ErrorBackpressure
	// ErrorCrash represents a child stage exiting outside the orchestrated
	// shutdown path. Escalated to a full-group forced shutdown.
	ErrorCrash
)

// String returns the string representation of ErrorClass
func (ec ErrorClass) String() string {
	switch ec {
	case ErrorConfig:
		return "config"
	case ErrorTransport:
		return "transport"
	case ErrorBackpressure:
		return "backpressure"
	case ErrorCrash:
		return "crash"
	default:
		return "unknown"
	}
}

// Standard error variables for common conditions
var (
	// Connection spec and configuration errors
	ErrUnknownScheme    = errors.New("unknown connection scheme")
	ErrMalformedMapping = errors.New("malformed topic mapping")
	ErrDuplicateTopic   = errors.New("duplicate local topic")
	ErrUnknownOption    = errors.New("unknown endpoint option")
	ErrInvalidConfig    = errors.New("invalid configuration")

	// Transport errors
	ErrChannelFaulted  = errors.New("channel faulted")
	ErrChannelClosed   = errors.New("channel closed")
	ErrSendInterrupted = errors.New("send interrupted")

	// Flow control errors
	ErrGraceExpired = errors.New("backpressure grace period expired")

	// Lifecycle errors
	ErrAlreadyStarted = errors.New("stage already started")
	ErrNotRunning     = errors.New("stage not running")
	ErrSetupFailed    = errors.New("stage setup failed")
	ErrChildCrashed   = errors.New("child process crashed")
)

// ClassifiedError wraps an error with its classification
type ClassifiedError struct {
	Class     ErrorClass
	Err       error
	Component string
	Operation string
}

// Error implements the error interface
func (ce *ClassifiedError) Error() string {
	return ce.Err.Error()
}

// Unwrap returns the underlying error
func (ce *ClassifiedError) Unwrap() error {
	return ce.Err
}

// Classify returns the error class for an error. Unclassified errors default
// to ErrorTransport so the caller's bounded retry gets a chance.
func Classify(err error) ErrorClass {
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class
	}
	switch {
	case errors.Is(err, ErrUnknownScheme),
		errors.Is(err, ErrMalformedMapping),
		errors.Is(err, ErrDuplicateTopic),
		errors.Is(err, ErrUnknownOption),
		errors.Is(err, ErrInvalidConfig):
		return ErrorConfig
	case errors.Is(err, ErrGraceExpired):
		return ErrorBackpressure
	case errors.Is(err, ErrChildCrashed):
		return ErrorCrash
	default:
		return ErrorTransport
	}
}

// IsConfig checks whether an error is a configuration error
func IsConfig(err error) bool {
	return err != nil && Classify(err) == ErrorConfig
}

// IsTransport checks whether an error is a transport error
func IsTransport(err error) bool {
	return err != nil && Classify(err) == ErrorTransport
}

// IsBackpressure checks whether an error is a backpressure timeout
func IsBackpressure(err error) bool {
	return err != nil && Classify(err) == ErrorBackpressure
}

// IsCrash checks whether an error is an unexpected child crash
func IsCrash(err error) bool {
	return err != nil && Classify(err) == ErrorCrash
}

// Wrap creates a standardized error with context following the pattern:
// "component.method: action failed: %w"
func Wrap(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s.%s: %s failed: %w", component, method, action, err)
}

// newClassified creates a new classified error.
// Internal helper - use WrapConfig(), WrapTransport(), etc. instead.
func newClassified(class ErrorClass, err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	return &ClassifiedError{
		Class:     class,
		Err:       Wrap(err, component, method, action),
		Component: component,
		Operation: method,
	}
}

// WrapConfig wraps an error as a configuration error with context
func WrapConfig(err error, component, method, action string) error {
	return newClassified(ErrorConfig, err, component, method, action)
}

// WrapTransport wraps an error as a transport error with context
func WrapTransport(err error, component, method, action string) error {
	return newClassified(ErrorTransport, err, component, method, action)
}

// WrapBackpressure wraps an error as a backpressure timeout with context
func WrapBackpressure(err error, component, method, action string) error {
	return newClassified(ErrorBackpressure, err, component, method, action)
}

// WrapCrash wraps an error as an unexpected crash with context
func WrapCrash(err error, component, method, action string) error {
	return newClassified(ErrorCrash, err, component, method, action)
}
