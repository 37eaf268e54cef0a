// Package errors provides error classification and wrapping for protogate
// components. Every error that crosses a component boundary is wrapped with
// the component and operation that produced it and tagged with a class that
// tells the caller whether to retry, reject, or give up.
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

// Gateway error kinds. Callers match them with errors.Is.
var (
	// ErrConfiguration means a tenant config is missing, disabled or lacks a
	// required field. Never retried.
	ErrConfiguration = errors.New("configuration error")
	// ErrTransportConnect means a connect attempt failed or timed out.
	ErrTransportConnect = errors.New("transport connect failed")
	// ErrTransportLost means an established connection dropped.
	ErrTransportLost = errors.New("transport connection lost")
	// ErrRouting means an inbound address matched no product key.
	ErrRouting = errors.New("unresolvable address")
	// ErrStage means a pipeline stage failed for one frame.
	ErrStage = errors.New("stage failed")
	// ErrDownstream means a collaborator (codec, directory, sink) failed.
	ErrDownstream = errors.New("downstream failure")
)

// Lifecycle and resource errors shared by the runtime packages.
var (
	ErrAlreadyStarted = errors.New("component already started")
	ErrNotStarted     = errors.New("component not started")
	ErrShuttingDown   = errors.New("component is shutting down")

	ErrNoConnection  = errors.New("no connection available")
	ErrNotConnected  = errors.New("tenant not connected")
	ErrUnknownTenant = errors.New("unknown tenant")

	ErrInvalidData    = errors.New("invalid data format")
	ErrParsingFailed  = errors.New("parsing failed")
	ErrInvalidConfig  = errors.New("invalid configuration")
	ErrConfigNotFound = errors.New("configuration not found")

	ErrRateLimited        = errors.New("rate limited")
	ErrMaxRetriesExceeded = errors.New("maximum retries exceeded")
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

	if errors.Is(err, ErrTransportConnect) ||
		errors.Is(err, ErrTransportLost) ||
		errors.Is(err, ErrDownstream) ||
		errors.Is(err, ErrRateLimited) ||
		errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	errStr := strings.ToLower(err.Error())
	for _, pattern := range []string{"timeout", "connection", "network", "temporary", "unavailable"} {
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
	return false
}

// IsInvalid checks if an error is due to invalid input or configuration
func IsInvalid(err error) bool {
	if err == nil {
		return false
	}

	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class == ErrorInvalid
	}

	return errors.Is(err, ErrConfiguration) ||
		errors.Is(err, ErrInvalidConfig) ||
		errors.Is(err, ErrInvalidData) ||
		errors.Is(err, ErrParsingFailed) ||
		errors.Is(err, ErrRouting)
}

// Classify returns the error class for an error. Unknown errors are
// treated as transient.
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

// Wrap creates a standardized error with context following the pattern:
// "component.method: action failed: %w"
func Wrap(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s.%s: %s failed: %w", component, method, action, err)
}

func wrapClassified(class ErrorClass, err error, component, method, action string) error {
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

// WrapTransient wraps an error as transient with context
func WrapTransient(err error, component, method, action string) error {
	return wrapClassified(ErrorTransient, err, component, method, action)
}

// WrapFatal wraps an error as fatal with context
func WrapFatal(err error, component, method, action string) error {
	return wrapClassified(ErrorFatal, err, component, method, action)
}

// WrapInvalid wraps an error as invalid with context
func WrapInvalid(err error, component, method, action string) error {
	return wrapClassified(ErrorInvalid, err, component, method, action)
}

// Configuration returns an invalid-class error for a tenant whose
// config cannot be used.
func Configuration(tenantID, reason string) error {
	return WrapInvalid(fmt.Errorf("%w: tenant %s: %s", ErrConfiguration, tenantID, reason),
		"Lifecycle", "Start", "load tenant config")
}

// Stage returns a frame-local error attributed to the named pipeline stage.
func Stage(stage string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrStage) {
		return err
	}
	return fmt.Errorf("%w: %s: %w", ErrStage, stage, err)
}

// Is, As, New and Join re-export the standard library helpers so callers
// need only one errors import.
func Is(err, target error) bool { return errors.Is(err, target) }

// As reports whether any error in err's tree matches target.
func As(err error, target any) bool { return errors.As(err, target) }

// New returns an error with the supplied text.
func New(text string) error { return errors.New(text) }

// Join returns an error that wraps the given errors.
func Join(errs ...error) error { return errors.Join(errs...) }
