package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/jeeves-cluster-organization/codedebugger/coreengine/api"
	"github.com/jeeves-cluster-organization/codedebugger/coreengine/config"
	debuggrpc "github.com/jeeves-cluster-organization/codedebugger/coreengine/grpc"
	"github.com/jeeves-cluster-organization/codedebugger/coreengine/kernel"
	"github.com/jeeves-cluster-organization/codedebugger/coreengine/logging"
	"github.com/jeeves-cluster-organization/codedebugger/coreengine/observability"
)

func newServeCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API, the dashboard and the gRPC service",
		Long: `Serve the JSON API, the SSE stream and the dashboard over HTTP, and
codedebugger.v1.DebugService over gRPC. An empty address disables that
listener. SIGINT or SIGTERM drains in-flight runs before exiting.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.loadConfig()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("http-addr") {
				cfg.Server.HTTPAddr, _ = cmd.Flags().GetString("http-addr")
			}
			if cmd.Flags().Changed("grpc-addr") {
				cfg.Server.GRPCAddr, _ = cmd.Flags().GetString("grpc-addr")
			}
			if cfg.Server.HTTPAddr == "" && cfg.Server.GRPCAddr == "" {
				return errors.New("at least one of --http-addr and --grpc-addr is required")
			}

			logger, flush, err := a.newLogger(cfg)
			if err != nil {
				return err
			}
			defer flush()
			return a.serve(cmd.Context(), cfg, logger)
		},
	}
	defaults := config.DefaultCoreConfig().Server
	cmd.Flags().String("http-addr", defaults.HTTPAddr, "HTTP listen address")
	cmd.Flags().String("grpc-addr", defaults.GRPCAddr, "gRPC listen address")
	return cmd
}

// serve runs both listeners until ctx is done or one of them fails.
func (a *app) serve(ctx context.Context, cfg *config.CoreConfig, logger logging.Logger) error {
	shutdownTracer, err := observability.InitTracer(ctx, observability.TracerConfig{
		ServiceName:    cfg.Tracing.ServiceName,
		ServiceVersion: api.Version,
		Environment:    cfg.Tracing.Environment,
		Endpoint:       cfg.Tracing.Endpoint,
		SampleRatio:    cfg.Tracing.SampleRatio,
		Insecure:       cfg.Tracing.Insecure,
	})
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := shutdownTracer(sctx); err != nil {
			logger.Warn("tracer_shutdown_failed", "error", err.Error())
		}
	}()

	wf, err := a.newWorkflow(cfg, logger)
	if err != nil {
		return err
	}

	admission := kernel.NewAdmission(kernel.AdmissionConfig{
		RateLimit: kernel.RateLimitConfig{
			RequestsPerMinute: cfg.Limits.RequestsPerMinute,
			RequestsPerHour:   cfg.Limits.RequestsPerHour,
		},
		MaxConcurrent: cfg.Limits.MaxConcurrentRuns,
		Wait:          cfg.Limits.AdmissionWait,
	}, logger)
	stopCleanup := admission.StartCleanupLoop()
	defer stopCleanup()

	var httpServer *http.Server
	if cfg.Server.HTTPAddr != "" {
		srv, err := api.NewServer(wf, admission, cfg, logger)
		if err != nil {
			return err
		}
		httpServer = srv.HTTPServer()
	}
	var grpcServer *debuggrpc.GracefulServer
	if cfg.Server.GRPCAddr != "" {
		debug := debuggrpc.NewDebugServer(wf, admission, logger).WithRunTimeout(cfg.Limits.RunTimeout)
		grpcServer = debuggrpc.NewGracefulServer(debug, debuggrpc.ServerOptions(logger)...)
	}

	httpLis, grpcLis, err := listen(cfg.Server.HTTPAddr, cfg.Server.GRPCAddr)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	var stops []func(context.Context) error

	if httpLis != nil {
		logger.Info("http_server_started", "address", httpLis.Addr().String())
		g.Go(func() error {
			if err := httpServer.Serve(httpLis); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http server: %w", err)
			}
			return nil
		})
		stops = append(stops, httpServer.Shutdown)
	}
	if grpcLis != nil {
		// Stopped through stops below so the shutdown timeout applies.
		g.Go(func() error { return grpcServer.Serve(context.WithoutCancel(gctx), grpcLis) })
		stops = append(stops, func(context.Context) error {
			grpcServer.ShutdownWithTimeout(cfg.Server.ShutdownTimeout)
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutdown_started", "timeout_ms", cfg.Server.ShutdownTimeout.Milliseconds())
		sctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		var errs []error
		for _, stop := range stops {
			errs = append(errs, stop(sctx))
		}
		return errors.Join(errs...)
	})

	err = g.Wait()
	logger.Info("server_stopped", "active_runs", wf.Registry().Len())
	return err
}

// listen opens the configured listeners. An empty address yields nil.
func listen(httpAddr, grpcAddr string) (httpLis, grpcLis net.Listener, err error) {
	if httpAddr != "" {
		if httpLis, err = net.Listen("tcp", httpAddr); err != nil {
			return nil, nil, fmt.Errorf("listen http: %w", err)
		}
	}
	if grpcAddr != "" {
		if grpcLis, err = net.Listen("tcp", grpcAddr); err != nil {
			if httpLis != nil {
				_ = httpLis.Close()
			}
			return nil, nil, fmt.Errorf("listen grpc: %w", err)
		}
	}
	return httpLis, grpcLis, nil
}
