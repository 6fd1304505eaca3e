// Package commbus provides the in-process communication bus that carries
// debugging-run lifecycle events between the workflow and its observers
// (streaming surfaces, logging, the active-run registry).
//
// Message patterns:
//   - Publish(event): fan-out to every subscriber of the event type
//   - QuerySync(query): request-response with a single registered handler
package commbus

import (
	"context"
)

// =============================================================================
// BUS CONTRACTS
// =============================================================================

// Message is anything the bus can route.
type Message interface {
	// Category is "event" for published messages and "query" for queries.
	Category() string
}

// Query is a Message answered by exactly one handler.
type Query interface {
	Message
	IsQuery()
}

// HandlerFunc handles one message. Event subscribers return a nil result;
// query handlers return the answer.
type HandlerFunc func(ctx context.Context, message Message) (any, error)

// Middleware wraps every dispatch. A nil message from Before drops the
// message; After sees the handler outcome and may replace the result.
type Middleware interface {
	Before(ctx context.Context, message Message) (Message, error)
	After(ctx context.Context, message Message, result any, err error) (any, error)
}

// Publisher is the narrow view the workflow needs.
type Publisher interface {
	Publish(ctx context.Context, event Message) error
}

// CommBus routes events to subscribers and queries to their handler.
type CommBus interface {
	Publisher

	// QuerySync blocks until the handler answers, ctx is done or the bus
	// query timeout elapses.
	QuerySync(ctx context.Context, query Query) (any, error)

	// Subscribe adds handler for eventType and returns its unsubscribe func.
	Subscribe(eventType string, handler HandlerFunc) func()

	// RegisterHandler fails with ErrHandlerExists on a second registration.
	RegisterHandler(messageType string, handler HandlerFunc) error

	// AddMiddleware appends middleware; Before hooks run in order.
	AddMiddleware(middleware Middleware)

	HasHandler(messageType string) bool
	SubscriberCount(eventType string) int

	// Clear drops handlers, subscribers and middleware.
	Clear()
}
