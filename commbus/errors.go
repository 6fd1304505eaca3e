package commbus

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNoHandler is matched by errors for queries nobody answers.
	ErrNoHandler = errors.New("no handler registered")
	// ErrHandlerExists is matched when a query type already has a handler.
	ErrHandlerExists = errors.New("handler already registered")
	// ErrQueryTimeout is matched by QueryTimeoutError.
	ErrQueryTimeout = errors.New("query timed out")
)

// BusError wraps a failure raised while delivering a message.
type BusError struct {
	Message string
	Cause   error
}

func (e *BusError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *BusError) Unwrap() error {
	return e.Cause
}

// HandlerError reports a handler lookup or registration failure for one
// message type. Err is ErrNoHandler or ErrHandlerExists.
type HandlerError struct {
	MessageType string
	Err         error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("%s for %s", e.Err, e.MessageType)
}

func (e *HandlerError) Unwrap() error {
	return e.Err
}

// QueryTimeoutError reports a query whose handler outlived the bus timeout.
type QueryTimeoutError struct {
	MessageType string
	Timeout     time.Duration
}

func (e *QueryTimeoutError) Error() string {
	return fmt.Sprintf("query %s timed out after %s", e.MessageType, e.Timeout)
}

// Is makes errors.Is(err, ErrQueryTimeout) hold.
func (e *QueryTimeoutError) Is(target error) bool {
	return target == ErrQueryTimeout
}
