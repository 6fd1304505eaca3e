package grpc

import (
	"context"
	"errors"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/jeeves-cluster-organization/codedebugger/coreengine/kernel"
	"github.com/jeeves-cluster-organization/codedebugger/coreengine/logging"
	"github.com/jeeves-cluster-organization/codedebugger/coreengine/observability"
)

// =============================================================================
// LOGGING AND METRICS INTERCEPTORS
// =============================================================================

func observe(logger logging.Logger, event, method string, start time.Time, err error) {
	duration := time.Since(start)
	code := status.Code(err)
	observability.RecordGRPCRequest(method, code.String(), int(duration.Milliseconds()))

	if err != nil {
		logger.Warn(event+"_failed",
			"method", method,
			"duration_ms", duration.Milliseconds(),
			"code", code.String(),
			"error", err.Error(),
		)
		return
	}
	logger.Debug(event+"_completed",
		"method", method,
		"duration_ms", duration.Milliseconds(),
	)
}

// LoggingInterceptor logs and counts every unary call.
func LoggingInterceptor(logger logging.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		logger.Debug("grpc_request_started", "method", info.FullMethod)

		resp, err := handler(ctx, req)
		observe(logger, "grpc_request", info.FullMethod, start, err)
		return resp, err
	}
}

// StreamLoggingInterceptor logs and counts every streaming call.
func StreamLoggingInterceptor(logger logging.Logger) grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		start := time.Now()
		logger.Debug("grpc_stream_started",
			"method", info.FullMethod,
			"server_stream", info.IsServerStream,
		)

		err := handler(srv, ss)
		observe(logger, "grpc_stream", info.FullMethod, start, err)
		return err
	}
}

// =============================================================================
// RECOVERY INTERCEPTOR
// =============================================================================

// RecoveryHandler converts a recovered panic into the error returned to the client.
type RecoveryHandler func(p any) error

// DefaultRecoveryHandler returns an Internal status.
func DefaultRecoveryHandler(p any) error {
	return status.Errorf(codes.Internal, "panic recovered: %v", p)
}

// RecoveryInterceptor turns handler panics into errors.
func RecoveryInterceptor(logger logging.Logger, handler RecoveryHandler) grpc.UnaryServerInterceptor {
	if handler == nil {
		handler = DefaultRecoveryHandler
	}
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, next grpc.UnaryHandler) (any, error) {
		resp, err := kernel.SafeExecuteWithResult(logger, info.FullMethod, func() (any, error) {
			return next(ctx, req)
		})
		var perr *kernel.PanicError
		if errors.As(err, &perr) {
			return nil, handler(perr.Value)
		}
		return resp, err
	}
}

// StreamRecoveryInterceptor is RecoveryInterceptor for streaming calls.
func StreamRecoveryInterceptor(logger logging.Logger, handler RecoveryHandler) grpc.StreamServerInterceptor {
	if handler == nil {
		handler = DefaultRecoveryHandler
	}
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, next grpc.StreamHandler) error {
		err := kernel.SafeExecute(logger, info.FullMethod, func() error {
			return next(srv, ss)
		})
		var perr *kernel.PanicError
		if errors.As(err, &perr) {
			return handler(perr.Value)
		}
		return err
	}
}

// =============================================================================
// SERVER OPTIONS BUILDER
// =============================================================================

// ServerOptions returns the standard interceptor chain. Recovery runs
// innermost so a panic is still logged and counted as Internal.
func ServerOptions(logger logging.Logger) []grpc.ServerOption {
	return []grpc.ServerOption{
		grpc.ChainUnaryInterceptor(
			LoggingInterceptor(logger),
			RecoveryInterceptor(logger, nil),
		),
		grpc.ChainStreamInterceptor(
			StreamLoggingInterceptor(logger),
			StreamRecoveryInterceptor(logger, nil),
		),
	}
}
