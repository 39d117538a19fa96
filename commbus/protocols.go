// Package commbus is the in-process bus between the orchestrator and the
// rest of the service. Events (turn completed, role handoff, escalation
// rejected, manual follow-up) fan out to subscribers; queries such as
// session snapshots and health checks have exactly one handler.
package commbus

import (
	"context"
)

// Message is anything carried by the bus. Category is "event", "query" or
// "command".
type Message interface {
	Category() string
}

// Query is a Message answered by a single handler through QuerySync.
type Query interface {
	Message
	IsQuery()
}

// TypedMessage names its own routing type instead of relying on the Go
// type name.
type TypedMessage interface {
	Message
	MessageType() string
}

// HandlerFunc handles one message. Subscribers' results are discarded.
type HandlerFunc func(ctx context.Context, message Message) (any, error)

// Middleware wraps every dispatch. Before may replace the message, return
// nil to drop it, or fail it; After sees the handler result and error and
// runs in reverse registration order.
type Middleware interface {
	Before(ctx context.Context, message Message) (Message, error)
	After(ctx context.Context, message Message, result any, err error) (any, error)
}

// Publisher is all the orchestrator needs to emit domain events.
type Publisher interface {
	Publish(ctx context.Context, event Message) error
}

// CommBus is the full bus: events, commands, queries and registration.
type CommBus interface {
	Publisher

	// Send delivers a command to its handler, if one is registered.
	Send(ctx context.Context, command Message) error
	// QuerySync waits for the query handler, bounded by the bus timeout.
	QuerySync(ctx context.Context, query Query) (any, error)

	// Subscribe adds an event subscriber and returns its unsubscribe func.
	Subscribe(eventType string, handler HandlerFunc) func()
	// RegisterHandler claims a message type; a second claim fails.
	RegisterHandler(messageType string, handler HandlerFunc) error
	AddMiddleware(middleware Middleware)
}
