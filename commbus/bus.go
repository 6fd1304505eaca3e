package commbus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jeeves-cluster-organization/codedebugger/coreengine/logging"
)

// subscription pairs a handler with the id its unsubscribe func removes.
type subscription struct {
	id      uint64
	handler HandlerFunc
}

// InMemoryCommBus is an in-memory implementation of CommBus.
//
// Publish fans an event out to every subscriber concurrently and returns once
// all of them have finished, so a single publisher observes its events
// delivered in order.
//
// Usage:
//
//	bus := NewInMemoryCommBus(5*time.Second, logger)
//	unsubscribe := bus.Subscribe(TypeTraceAppended, streamHandler)
//	defer unsubscribe()
//	bus.Publish(ctx, &TraceAppended{RunID: id, Step: "Parser: ..."})
type InMemoryCommBus struct {
	handlers     map[string]HandlerFunc
	subscribers  map[string][]subscription
	middleware   []Middleware
	queryTimeout time.Duration
	nextID       uint64
	logger       logging.Logger
	mu           sync.RWMutex
}

// NewInMemoryCommBus returns an empty bus. queryTimeout bounds every QuerySync.
func NewInMemoryCommBus(queryTimeout time.Duration, logger logging.Logger) *InMemoryCommBus {
	if logger == nil {
		logger = logging.Nop()
	}
	return &InMemoryCommBus{
		handlers:     make(map[string]HandlerFunc),
		subscribers:  make(map[string][]subscription),
		middleware:   make([]Middleware, 0),
		queryTimeout: queryTimeout,
		logger:       logger.Bind("component", "commbus"),
	}
}

// =============================================================================
// MESSAGING
// =============================================================================

// Publish delivers event to every subscriber of its type and waits for all
// of them. A failing or panicking subscriber is logged and never reaches the
// publisher.
func (b *InMemoryCommBus) Publish(ctx context.Context, event Message) error {
	eventType := GetMessageType(event)

	processedEvent, err := b.runMiddlewareBefore(ctx, event)
	if err != nil {
		return err
	}
	if processedEvent == nil {
		b.logger.Debug("event_aborted_by_middleware", "event_type", eventType)
		return nil
	}

	b.mu.RLock()
	subs := make([]subscription, len(b.subscribers[eventType]))
	copy(subs, b.subscribers[eventType])
	b.mu.RUnlock()

	if len(subs) == 0 {
		_, _ = b.runMiddlewareAfter(ctx, event, nil, nil)
		return nil
	}

	var wg sync.WaitGroup
	errs := make([]error, len(subs))
	for i, sub := range subs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = b.deliver(ctx, sub.handler, processedEvent)
			if errs[i] != nil {
				b.logger.Warn("subscriber_failed",
					"event_type", eventType, "subscription", sub.id, "error", errs[i].Error())
			}
		}()
	}
	wg.Wait()

	// Middleware sees every subscriber failure; the publisher sees none.
	_, _ = b.runMiddlewareAfter(ctx, event, nil, errors.Join(errs...))
	return nil
}

// deliver runs one subscriber, converting a panic into a BusError.
func (b *InMemoryCommBus) deliver(ctx context.Context, h HandlerFunc, event Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &BusError{Message: "subscriber panicked", Cause: fmt.Errorf("%v", r)}
		}
	}()
	_, err = h(ctx, event)
	return err
}

// QuerySync runs the handler registered for the query type under the bus
// query timeout. A query without a handler fails with ErrNoHandler.
func (b *InMemoryCommBus) QuerySync(ctx context.Context, query Query) (any, error) {
	messageType := GetMessageType(query)

	processed, err := b.runMiddlewareBefore(ctx, query)
	if err != nil {
		return nil, err
	}
	if processed == nil {
		return nil, &HandlerError{MessageType: messageType, Err: ErrNoHandler}
	}

	b.mu.RLock()
	handler, exists := b.handlers[messageType]
	b.mu.RUnlock()

	if !exists {
		return nil, &HandlerError{MessageType: messageType, Err: ErrNoHandler}
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, b.queryTimeout)
	defer cancel()

	type result struct {
		value any
		err   error
	}
	resultCh := make(chan result, 1)

	go func() {
		v, e := handler(timeoutCtx, processed)
		resultCh <- result{value: v, err: e}
	}()

	select {
	case <-timeoutCtx.Done():
		err := b.queryDeadline(ctx, messageType)
		_, _ = b.runMiddlewareAfter(ctx, query, nil, err)
		return nil, err
	case res := <-resultCh:
		// A handler that gave up on the bus deadline reports the timeout.
		if res.err != nil && timeoutCtx.Err() != nil {
			res.err = b.queryDeadline(ctx, messageType)
		}
		finalResult, middlewareErr := b.runMiddlewareAfter(ctx, query, res.value, res.err)
		if middlewareErr != nil {
			return finalResult, middlewareErr
		}
		return finalResult, res.err
	}
}

// queryDeadline is the error for a query cut short: the caller's own
// context error, or a QueryTimeoutError when the bus timeout fired.
func (b *InMemoryCommBus) queryDeadline(ctx context.Context, messageType string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return &QueryTimeoutError{MessageType: messageType, Timeout: b.queryTimeout}
}

// =============================================================================
// REGISTRATION
// =============================================================================

// Subscribe registers handler for eventType. The returned func removes it and
// may be called more than once.
func (b *InMemoryCommBus) Subscribe(eventType string, handler HandlerFunc) func() {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subscribers[eventType] = append(b.subscribers[eventType], subscription{id: id, handler: handler})
	b.mu.Unlock()

	b.logger.Debug("subscribed", "event_type", eventType, "subscription", id)

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()

			subs := b.subscribers[eventType]
			for i, s := range subs {
				if s.id == id {
					b.subscribers[eventType] = append(subs[:i:i], subs[i+1:]...)
					break
				}
			}
			if len(b.subscribers[eventType]) == 0 {
				delete(b.subscribers, eventType)
			}
		})
	}
}

// RegisterHandler installs the query handler for messageType.
func (b *InMemoryCommBus) RegisterHandler(messageType string, handler HandlerFunc) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.handlers[messageType]; exists {
		return &HandlerError{MessageType: messageType, Err: ErrHandlerExists}
	}

	b.handlers[messageType] = handler
	b.logger.Debug("handler_registered", "message_type", messageType)
	return nil
}

// AddMiddleware appends middleware to the chain.
func (b *InMemoryCommBus) AddMiddleware(middleware Middleware) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.middleware = append(b.middleware, middleware)
}

// =============================================================================
// INTROSPECTION
// =============================================================================

func (b *InMemoryCommBus) HasHandler(messageType string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()

	_, exists := b.handlers[messageType]
	return exists
}

func (b *InMemoryCommBus) SubscriberCount(eventType string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	return len(b.subscribers[eventType])
}

// =============================================================================
// LIFECYCLE
// =============================================================================

// Clear resets the bus to its freshly built state.
func (b *InMemoryCommBus) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.handlers = make(map[string]HandlerFunc)
	b.subscribers = make(map[string][]subscription)
	b.middleware = make([]Middleware, 0)
}

// =============================================================================
// INTERNAL HELPERS
// =============================================================================

func (b *InMemoryCommBus) middlewareSnapshot() []Middleware {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]Middleware, len(b.middleware))
	copy(out, b.middleware)
	return out
}

// runMiddlewareBefore threads message through each Before hook. A nil
// message means a hook dropped it.
func (b *InMemoryCommBus) runMiddlewareBefore(ctx context.Context, message Message) (Message, error) {
	current := message
	for _, mw := range b.middlewareSnapshot() {
		result, err := mw.Before(ctx, current)
		if err != nil {
			return nil, err
		}
		if result == nil {
			return nil, nil
		}
		current = result
	}
	return current, nil
}

// runMiddlewareAfter runs the After hooks innermost first.
func (b *InMemoryCommBus) runMiddlewareAfter(ctx context.Context, message Message, result any, err error) (any, error) {
	chain := b.middlewareSnapshot()
	currentResult := result
	for i := len(chain) - 1; i >= 0; i-- {
		afterResult, afterErr := chain[i].After(ctx, message, currentResult, err)
		if afterErr != nil {
			err = afterErr
		}
		if afterResult != nil {
			currentResult = afterResult
		}
	}
	return currentResult, err
}

var _ CommBus = (*InMemoryCommBus)(nil)
