package commbus

import (
	"errors"
	"fmt"
	"time"
)

// =============================================================================
// ERRORS
// =============================================================================

// Sentinels for errors.Is. Every typed error below matches one of them.
var (
	ErrNoHandler         = errors.New("no handler registered")
	ErrHandlerRegistered = errors.New("handler already registered")
	ErrQueryTimeout      = errors.New("query timed out")
	ErrSubscriberPanic   = errors.New("subscriber panicked")
	ErrCircuitOpen       = errors.New("circuit open")
)

// NoHandlerError is returned by QuerySync when nothing handles the query type.
type NoHandlerError struct {
	MessageType string
}

func (e *NoHandlerError) Error() string {
	return fmt.Sprintf("no handler registered for %s", e.MessageType)
}

func (e *NoHandlerError) Is(target error) bool { return target == ErrNoHandler }

// NewNoHandlerError creates a NoHandlerError.
func NewNoHandlerError(messageType string) *NoHandlerError {
	return &NoHandlerError{MessageType: messageType}
}

// HandlerAlreadyRegisteredError is returned by RegisterHandler for a taken type.
type HandlerAlreadyRegisteredError struct {
	MessageType string
}

func (e *HandlerAlreadyRegisteredError) Error() string {
	return fmt.Sprintf("handler already registered for %s", e.MessageType)
}

func (e *HandlerAlreadyRegisteredError) Is(target error) bool { return target == ErrHandlerRegistered }

// NewHandlerAlreadyRegisteredError creates a HandlerAlreadyRegisteredError.
func NewHandlerAlreadyRegisteredError(messageType string) *HandlerAlreadyRegisteredError {
	return &HandlerAlreadyRegisteredError{MessageType: messageType}
}

// QueryTimeoutError is returned when a handler outlives the bus query timeout.
type QueryTimeoutError struct {
	MessageType string
	Timeout     time.Duration
}

func (e *QueryTimeoutError) Error() string {
	return fmt.Sprintf("query %s timed out after %s", e.MessageType, e.Timeout)
}

func (e *QueryTimeoutError) Is(target error) bool { return target == ErrQueryTimeout }

// NewQueryTimeoutError creates a QueryTimeoutError.
func NewQueryTimeoutError(messageType string, timeout time.Duration) *QueryTimeoutError {
	return &QueryTimeoutError{MessageType: messageType, Timeout: timeout}
}

// SubscriberPanicError records a subscriber that panicked during Publish.
type SubscriberPanicError struct {
	EventType string
	Value     any
}

func (e *SubscriberPanicError) Error() string {
	return fmt.Sprintf("subscriber for %s panicked: %v", e.EventType, e.Value)
}

func (e *SubscriberPanicError) Is(target error) bool { return target == ErrSubscriberPanic }

// NewSubscriberPanicError creates a SubscriberPanicError.
func NewSubscriberPanicError(eventType string, value any) *SubscriberPanicError {
	return &SubscriberPanicError{EventType: eventType, Value: value}
}

// CircuitOpenError is returned while a message type's breaker is open.
type CircuitOpenError struct {
	MessageType string
	RetryAfter  time.Duration
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit open for %s, retry after %s", e.MessageType, e.RetryAfter)
}

func (e *CircuitOpenError) Is(target error) bool { return target == ErrCircuitOpen }
