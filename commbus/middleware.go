package commbus

import (
	"context"

	"github.com/jeeves-cluster-organization/codedebugger/coreengine/logging"
)

// =============================================================================
// LOGGING MIDDLEWARE
// =============================================================================

// LoggingMiddleware logs all message traffic at debug level; failures at warn.
type LoggingMiddleware struct {
	logger logging.Logger
}

// NewLoggingMiddleware creates a new LoggingMiddleware.
func NewLoggingMiddleware(logger logging.Logger) *LoggingMiddleware {
	if logger == nil {
		logger = logging.Nop()
	}
	return &LoggingMiddleware{logger: logger}
}

// Before logs message receipt.
func (m *LoggingMiddleware) Before(ctx context.Context, message Message) (Message, error) {
	m.logger.Debug("commbus_message",
		"category", message.Category(),
		"message_type", GetMessageType(message),
		"run_id", RunIDOf(message))
	return message, nil
}

// After logs message completion.
func (m *LoggingMiddleware) After(ctx context.Context, message Message, result any, err error) (any, error) {
	if err != nil {
		m.logger.Warn("commbus_message_failed",
			"message_type", GetMessageType(message),
			"run_id", RunIDOf(message),
			"error", err.Error())
	}
	return result, nil
}

// Ensure LoggingMiddleware implements Middleware interface.
var _ Middleware = (*LoggingMiddleware)(nil)
