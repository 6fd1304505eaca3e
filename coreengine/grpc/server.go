// Package grpc exposes the debugging workflow as codedebugger.v1.DebugService.
package grpc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/peer"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/jeeves-cluster-organization/codedebugger/coreengine/envelope"
	"github.com/jeeves-cluster-organization/codedebugger/coreengine/kernel"
	"github.com/jeeves-cluster-organization/codedebugger/coreengine/logging"
	"github.com/jeeves-cluster-organization/codedebugger/coreengine/runtime"
	"github.com/jeeves-cluster-organization/codedebugger/coreengine/typeutil"
)

// Debugger runs debugging requests. *runtime.Workflow implements it.
type Debugger interface {
	Run(ctx context.Context, req runtime.Request) (*envelope.DebugState, error)
	RunWithStream(ctx context.Context, req runtime.Request) (<-chan runtime.Event, error)
}

const surface = "grpc"

// DebugServer implements DebugServiceServer.
type DebugServer struct {
	debugger   Debugger
	admission  *kernel.Admission
	logger     logging.Logger
	runTimeout time.Duration
}

// NewDebugServer creates a DebugServer. A nil admission admits everything.
func NewDebugServer(debugger Debugger, admission *kernel.Admission, logger logging.Logger) *DebugServer {
	if logger == nil {
		logger = logging.Nop()
	}
	if admission == nil {
		admission = kernel.NewAdmission(kernel.AdmissionConfig{}, logger)
	}
	return &DebugServer{
		debugger:  debugger,
		admission: admission,
		logger:    logger,
	}
}

// WithRunTimeout bounds every run by d. Zero leaves runs bounded only by the
// call's own deadline.
func (s *DebugServer) WithRunTimeout(d time.Duration) *DebugServer {
	s.runTimeout = d
	return s
}

func (s *DebugServer) runContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.runTimeout > 0 {
		return context.WithTimeout(ctx, s.runTimeout)
	}
	return context.WithCancel(ctx)
}

func clientID(ctx context.Context) string {
	p, ok := peer.FromContext(ctx)
	if !ok || p.Addr == nil {
		return "unknown"
	}
	if host, _, err := net.SplitHostPort(p.Addr.String()); err == nil {
		return host
	}
	return p.Addr.String()
}

// Debug runs a request to completion. Stage failures come back as a result
// with success false; only bad input, admission and transport problems are
// gRPC errors.
func (s *DebugServer) Debug(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	req, err := decodeRequest(in)
	if err != nil {
		return nil, err
	}

	release, err := s.admission.Admit(ctx, surface, clientID(ctx))
	if err != nil {
		return nil, toStatus(err)
	}
	defer release()

	ctx, cancel := s.runContext(ctx)
	defer cancel()

	st, err := s.debugger.Run(ctx, req)
	if runtime.IsInvalidRequest(err) {
		return nil, toStatus(err)
	}
	if err != nil {
		s.logger.Warn("grpc_debug_residual_error", "error", err.Error())
	}

	out, err := typeutil.ToStruct(runtime.ResultOf(st, err))
	if err != nil {
		return nil, Internal("encode result", err)
	}
	return out, nil
}

// DebugStream sends one message per trace line followed by the result.
func (s *DebugServer) DebugStream(in *structpb.Struct, stream grpc.ServerStreamingServer[structpb.Struct]) error {
	ctx := stream.Context()
	req, err := decodeRequest(in)
	if err != nil {
		return err
	}

	release, err := s.admission.Admit(ctx, surface, clientID(ctx))
	if err != nil {
		return toStatus(err)
	}
	defer release()

	ctx, cancel := s.runContext(ctx)
	defer cancel()

	events, err := s.debugger.RunWithStream(ctx, req)
	if err != nil {
		return toStatus(err)
	}

	var sendErr error
	for ev := range events {
		if sendErr != nil {
			continue // drain so the producer can finish
		}
		msg, err := typeutil.ToStruct(ev)
		if err != nil {
			sendErr = Internal("encode event", err)
			continue
		}
		if err := stream.Send(msg); err != nil {
			sendErr = err
		}
	}
	return sendErr
}

// =============================================================================
// Graceful Server
// =============================================================================

// GracefulServer wraps a grpc.Server carrying the debug and health services.
type GracefulServer struct {
	grpcServer *grpc.Server
	health     *health.Server
	logger     logging.Logger
	shutdownMu sync.Mutex
	isShutdown bool
}

// NewGracefulServer builds the server. Without opts the standard
// interceptors are installed; the otelgrpc stats handler is always added.
func NewGracefulServer(debug *DebugServer, opts ...grpc.ServerOption) *GracefulServer {
	if len(opts) == 0 {
		opts = ServerOptions(debug.logger)
	}
	opts = append(opts, grpc.StatsHandler(otelgrpc.NewServerHandler()))

	grpcServer := grpc.NewServer(opts...)
	RegisterDebugServiceServer(grpcServer, debug)

	hs := health.NewServer()
	hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	hs.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(grpcServer, hs)

	return &GracefulServer{
		grpcServer: grpcServer,
		health:     hs,
		logger:     debug.logger,
	}
}

// Serve serves on lis until ctx is done.
func (s *GracefulServer) Serve(ctx context.Context, lis net.Listener) error {
	s.logger.Info("grpc_server_started", "address", lis.Addr().String())

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.grpcServer.Serve(lis)
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("grpc_graceful_shutdown_initiated", "reason", ctx.Err().Error())
		s.GracefulStop()
		<-errCh
		return nil
	case err := <-errCh:
		// A stop that lands before Serve reports ErrServerStopped.
		if err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	}
}

// GracefulStop marks the services NOT_SERVING and waits for in-flight calls.
func (s *GracefulServer) GracefulStop() {
	s.shutdownMu.Lock()
	defer s.shutdownMu.Unlock()

	if s.isShutdown {
		return
	}
	s.isShutdown = true

	s.health.Shutdown()
	s.logger.Info("grpc_graceful_stop_started")
	s.grpcServer.GracefulStop()
	s.logger.Info("grpc_graceful_stop_completed")
}

// ShutdownWithTimeout stops gracefully, forcing an immediate stop when
// in-flight calls outlast timeout.
func (s *GracefulServer) ShutdownWithTimeout(timeout time.Duration) {
	done := make(chan struct{})
	go func() {
		s.GracefulStop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(timeout):
		s.logger.Warn("grpc_graceful_shutdown_timeout", "timeout_ms", timeout.Milliseconds())
		s.grpcServer.Stop()
		<-done
	}
}
