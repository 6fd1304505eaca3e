package api

import (
	"errors"
	"math"
	"net/http"
	"slices"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/jeeves-cluster-organization/codedebugger/coreengine/envelope"
	"github.com/jeeves-cluster-organization/codedebugger/coreengine/kernel"
	"github.com/jeeves-cluster-organization/codedebugger/coreengine/logging"
	"github.com/jeeves-cluster-organization/codedebugger/coreengine/observability"
)

// =============================================================================
// Logging
// =============================================================================

func requestLogger(logger logging.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		duration := time.Since(start)
		code := c.Writer.Status()
		observability.RecordHTTPRequest(c.Request.Method, route, code, int(duration.Milliseconds()))

		fields := []any{
			"method", c.Request.Method,
			"route", route,
			"status", code,
			"duration_ms", duration.Milliseconds(),
			"client_ip", c.ClientIP(),
		}
		if code >= http.StatusInternalServerError {
			logger.Warn("http_request_failed", fields...)
			return
		}
		logger.Debug("http_request", fields...)
	}
}

// =============================================================================
// Recovery
// =============================================================================

// recovery turns a handler panic into a structured failure body.
func recovery(logger logging.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		err := kernel.SafeExecute(logger, "http "+c.Request.Method+" "+c.FullPath(), func() error {
			c.Next()
			return nil
		})
		var perr *kernel.PanicError
		if !errors.As(err, &perr) {
			return
		}
		if c.Writer.Written() {
			c.Abort()
			return
		}
		c.AbortWithStatusJSON(http.StatusOK, envelope.FailureResult("internal error: "+perr.Error()))
	}
}

// =============================================================================
// CORS
// =============================================================================

// cors answers preflight requests and echoes allowed origins. "*" allows any.
func cors(origins []string) gin.HandlerFunc {
	allowAll := slices.Contains(origins, "*")
	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		if origin != "" && (allowAll || slices.Contains(origins, origin)) {
			h := c.Writer.Header()
			h.Set("Access-Control-Allow-Origin", origin)
			h.Set("Access-Control-Allow-Credentials", "true")
			h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			h.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, Accept")
			h.Add("Vary", "Origin")
		}
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// =============================================================================
// Limits
// =============================================================================

func bodyLimit(maxBytes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		if maxBytes > 0 {
			c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)
		}
		c.Next()
	}
}

// admit charges the client against the rate limiter and holds a run slot
// for the rest of the chain.
func (s *Server) admit(surface string) gin.HandlerFunc {
	return func(c *gin.Context) {
		release, err := s.admission.Admit(c.Request.Context(), surface, c.ClientIP())
		if err != nil {
			rejectAdmission(c, err)
			return
		}
		defer release()
		c.Next()
	}
}

func rejectAdmission(c *gin.Context, err error) {
	code := http.StatusServiceUnavailable
	var rle *kernel.RateLimitError
	if errors.As(err, &rle) {
		code = http.StatusTooManyRequests
		secs := int(math.Ceil(rle.Result.RetryAfter.Seconds()))
		c.Header("Retry-After", strconv.Itoa(max(secs, 1)))
	}
	c.AbortWithStatusJSON(code, envelope.FailureResult(err.Error()))
}
