package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"

	"github.com/jeeves-cluster-organization/codedebugger/coreengine/envelope"
	"github.com/jeeves-cluster-organization/codedebugger/coreengine/runtime"
)

// DebugRequest is the body of POST /debug and POST /debug/stream.
type DebugRequest struct {
	Code     string `json:"code" binding:"required"`
	ErrorLog string `json:"error_log" binding:"required"`
	// MaxIterations defaults to 3 when omitted. The upper bound is the
	// workflow's configured limit.
	MaxIterations *int   `json:"max_iterations" binding:"omitempty,min=1"`
	APIKey        string `json:"api_key" binding:"required"`
	Model         string `json:"model"`
}

func (r DebugRequest) toRuntime() runtime.Request {
	req := runtime.Request{
		Code:     r.Code,
		ErrorLog: r.ErrorLog,
		APIKey:   r.APIKey,
		Model:    r.Model,
	}
	if r.MaxIterations != nil {
		req.MaxIterations = *r.MaxIterations
	}
	return req
}

var jsonFieldNames = map[string]string{
	"Code":          "code",
	"ErrorLog":      "error_log",
	"MaxIterations": "max_iterations",
	"APIKey":        "api_key",
	"Model":         "model",
}

// describeBindError renders binding failures in terms of the JSON fields.
func describeBindError(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return fmt.Sprintf("request body exceeds %d bytes", maxErr.Limit)
		}
		return "invalid JSON body: " + err.Error()
	}

	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		name := jsonFieldNames[fe.Field()]
		if name == "" {
			name = fe.Field()
		}
		switch fe.Tag() {
		case "required":
			msgs = append(msgs, name+" is required")
		case "min":
			msgs = append(msgs, fmt.Sprintf("%s must be at least %s", name, fe.Param()))
		default:
			msgs = append(msgs, fmt.Sprintf("%s failed %s", name, fe.Tag()))
		}
	}
	return strings.Join(msgs, "; ")
}

func (s *Server) bind(c *gin.Context) (runtime.Request, bool) {
	var body DebugRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		msg := describeBindError(err)
		s.logger.Debug("http_request_invalid", "error", msg)
		c.JSON(http.StatusBadRequest, envelope.FailureResult(msg))
		return runtime.Request{}, false
	}
	return body.toRuntime(), true
}

// =============================================================================
// Handlers
// =============================================================================

func (s *Server) handleRoot(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"message": "AI Code Debugger API", "version": Version})
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "healthy"})
}

// handleActiveRuns lists the runs currently executing.
func (s *Server) handleActiveRuns(c *gin.Context) {
	runs, err := s.debugger.ActiveRuns(c.Request.Context())
	if err != nil {
		s.logger.Warn("http_active_runs_failed", "error", err.Error())
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"runs": runs, "count": len(runs)})
}

// handleDebug runs a request to completion. Stage failures and residual
// errors are reported in the body with status 200.
func (s *Server) handleDebug(c *gin.Context) {
	req, ok := s.bind(c)
	if !ok {
		return
	}

	ctx, cancel := s.runContext(c)
	defer cancel()

	st, err := s.debugger.Run(ctx, req)
	if runtime.IsInvalidRequest(err) {
		c.JSON(http.StatusBadRequest, envelope.FailureResult(err.Error()))
		return
	}
	if err != nil {
		s.logger.Warn("http_debug_residual_error", "error", err.Error())
	}
	c.JSON(http.StatusOK, runtime.ResultOf(st, err))
}

// handleDebugStream streams "trace" events followed by one "result" event.
func (s *Server) handleDebugStream(c *gin.Context) {
	req, ok := s.bind(c)
	if !ok {
		return
	}

	ctx, cancel := s.runContext(c)
	defer cancel()

	events, err := s.debugger.RunWithStream(ctx, req)
	if err != nil {
		code := http.StatusOK
		if runtime.IsInvalidRequest(err) {
			code = http.StatusBadRequest
		}
		c.JSON(code, envelope.FailureResult(err.Error()))
		return
	}

	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	// A departed client cancels the request context, which stops the
	// producer and closes events.
	for ev := range events {
		c.SSEvent(string(ev.Kind), ev)
		c.Writer.Flush()
	}
}
