// Package api serves the debugging workflow over HTTP: a JSON endpoint, an
// SSE streaming endpoint and the HTML dashboard.
package api

import (
	"context"
	"fmt"
	"html/template"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/jeeves-cluster-organization/codedebugger/commbus"
	"github.com/jeeves-cluster-organization/codedebugger/coreengine/config"
	"github.com/jeeves-cluster-organization/codedebugger/coreengine/envelope"
	"github.com/jeeves-cluster-organization/codedebugger/coreengine/kernel"
	"github.com/jeeves-cluster-organization/codedebugger/coreengine/logging"
	"github.com/jeeves-cluster-organization/codedebugger/coreengine/runtime"
)

// Version is reported by GET /.
const Version = "1.0.0"

// Debugger runs debugging requests. *runtime.Workflow implements it.
type Debugger interface {
	Run(ctx context.Context, req runtime.Request) (*envelope.DebugState, error)
	RunWithStream(ctx context.Context, req runtime.Request) (<-chan runtime.Event, error)
	ActiveRuns(ctx context.Context) ([]commbus.ActiveRun, error)
}

// Server owns the gin router and its dependencies.
type Server struct {
	debugger  Debugger
	admission *kernel.Admission
	cfg       *config.CoreConfig
	logger    logging.Logger
	dashboard *template.Template
	router    *gin.Engine
}

// NewServer builds the router. A nil admission admits everything; a nil
// cfg uses config.GetCoreConfig().
func NewServer(debugger Debugger, admission *kernel.Admission, cfg *config.CoreConfig, logger logging.Logger) (*Server, error) {
	if debugger == nil {
		return nil, fmt.Errorf("debugger is required")
	}
	if cfg == nil {
		cfg = config.GetCoreConfig()
	}
	if logger == nil {
		logger = logging.Nop()
	}
	if admission == nil {
		admission = kernel.NewAdmission(kernel.AdmissionConfig{}, logger)
	}

	s := &Server{
		debugger:  debugger,
		admission: admission,
		cfg:       cfg,
		logger:    logger,
	}
	if cfg.Dashboard.Enabled {
		tmpl, err := parseDashboard()
		if err != nil {
			return nil, err
		}
		s.dashboard = tmpl
	}
	s.router = s.routes()
	return s, nil
}

func (s *Server) routes() *gin.Engine {
	r := gin.New()
	r.Use(
		requestLogger(s.logger),
		recovery(s.logger),
		cors(s.cfg.Server.CORSOrigins),
	)
	if s.cfg.Tracing.ServiceName != "" {
		r.Use(otelgin.Middleware(s.cfg.Tracing.ServiceName))
	}

	r.GET("/", s.handleRoot)
	r.GET("/health", s.handleHealth)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.GET("/runs", s.handleActiveRuns)

	limited := r.Group("/", bodyLimit(s.cfg.Limits.MaxBodyBytes))
	limited.POST("/debug", s.admit("http"), s.handleDebug)
	limited.POST("/debug/stream", s.admit("http"), s.handleDebugStream)

	if s.dashboard != nil {
		r.GET("/dashboard", s.handleDashboardForm)
		limited.POST("/dashboard", s.admit("dashboard"), s.handleDashboardRun)
	}
	return r
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// HTTPServer returns an http.Server for the configured address and timeouts.
func (s *Server) HTTPServer() *http.Server {
	return &http.Server{
		Addr:              s.cfg.Server.HTTPAddr,
		Handler:           s.router,
		ReadHeaderTimeout: s.cfg.Server.ReadTimeout,
		ReadTimeout:       s.cfg.Server.ReadTimeout,
		WriteTimeout:      s.cfg.Server.WriteTimeout,
	}
}

// runContext bounds a run by the configured run timeout.
func (s *Server) runContext(c *gin.Context) (context.Context, context.CancelFunc) {
	if s.cfg.Limits.RunTimeout > 0 {
		return context.WithTimeout(c.Request.Context(), s.cfg.Limits.RunTimeout)
	}
	return context.WithCancel(c.Request.Context())
}
