package api

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeeves-cluster-organization/codedebugger/commbus"
	"github.com/jeeves-cluster-organization/codedebugger/coreengine/config"
	"github.com/jeeves-cluster-organization/codedebugger/coreengine/envelope"
	"github.com/jeeves-cluster-organization/codedebugger/coreengine/kernel"
	"github.com/jeeves-cluster-organization/codedebugger/coreengine/oracle"
	"github.com/jeeves-cluster-organization/codedebugger/coreengine/runtime"
	"github.com/jeeves-cluster-organization/codedebugger/coreengine/testutil"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// =============================================================================
// Test Helpers
// =============================================================================

const (
	brokenCode = "def add(a, b): return a + b"
	errorLog   = "TypeError: unsupported operand"
	fixedCode  = "def add(a, b): return int(a) + int(b)"
)

func scripted(valid bool) *testutil.ScriptedOracle {
	return testutil.NewScriptedOracle().
		Respond(oracle.AnalysisSchema.Name, testutil.AnalysisJSON("TypeError", "line 1")).
		Respond(oracle.FixSchema.Name, testutil.FixJSON(fixedCode, 0.9)).
		Respond(oracle.ReviewSchema.Name, testutil.ReviewJSON(valid, "checked"))
}

func workflowFor(t *testing.T, factory oracle.Factory) *runtime.Workflow {
	t.Helper()
	w, err := runtime.NewWorkflow(runtime.DefaultConfig(), factory, nil, nil)
	require.NoError(t, err)
	return w
}

func newTestServer(t *testing.T, debugger Debugger, mutate func(*config.CoreConfig)) (*Server, *testutil.MockLogger) {
	t.Helper()
	cfg := config.DefaultCoreConfig()
	cfg.Tracing.ServiceName = ""
	if mutate != nil {
		mutate(cfg)
	}
	logger := testutil.NewMockLogger()
	admission := kernel.NewAdmission(kernel.AdmissionConfig{
		RateLimit:     kernel.RateLimitConfig{RequestsPerMinute: cfg.Limits.RequestsPerMinute},
		MaxConcurrent: cfg.Limits.MaxConcurrentRuns,
		Wait:          cfg.Limits.AdmissionWait,
	}, logger)
	s, err := NewServer(debugger, admission, cfg, logger)
	require.NoError(t, err)
	return s, logger
}

func do(s *Server, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	return w
}

func decodeResult(t *testing.T, w *httptest.ResponseRecorder) envelope.Result {
	t.Helper()
	var res envelope.Result
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res), w.Body.String())
	return res
}

func debugBody(fields map[string]any) string {
	body := map[string]any{"code": brokenCode, "error_log": errorLog, "api_key": "sk-test"}
	for k, v := range fields {
		if v == nil {
			delete(body, k)
			continue
		}
		body[k] = v
	}
	data, _ := json.Marshal(body)
	return string(data)
}

// =============================================================================
// Static Routes
// =============================================================================

func TestRoot(t *testing.T) {
	s, _ := newTestServer(t, workflowFor(t, scripted(true).Factory()), nil)

	w := do(s, http.MethodGet, "/", "")

	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"message":"AI Code Debugger API","version":"1.0.0"}`, w.Body.String())
}

func TestHealth(t *testing.T) {
	s, _ := newTestServer(t, workflowFor(t, scripted(true).Factory()), nil)

	w := do(s, http.MethodGet, "/health", "")

	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"healthy"}`, w.Body.String())
}

func TestMetricsEndpoint(t *testing.T) {
	s, _ := newTestServer(t, workflowFor(t, scripted(true).Factory()), nil)
	do(s, http.MethodGet, "/health", "")

	w := do(s, http.MethodGet, "/metrics", "")

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "debugger_http_requests_total")
}

func TestActiveRuns(t *testing.T) {
	s, _ := newTestServer(t, workflowFor(t, scripted(true).Factory()), nil)

	w := do(s, http.MethodGet, "/runs", "")

	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"runs":[],"count":0}`, w.Body.String())
}

func TestActiveRunsDuringRun(t *testing.T) {
	var s *Server
	var listed string

	o := scripted(true)
	o.GenerateFunc = func(ctx context.Context, model string, prompt oracle.Prompt, schema oracle.Schema) (string, error) {
		switch schema.Name {
		case oracle.AnalysisSchema.Name:
			listed = do(s, http.MethodGet, "/runs", "").Body.String()
			return testutil.AnalysisJSON("TypeError", "line 1"), nil
		case oracle.FixSchema.Name:
			return testutil.FixJSON(fixedCode, 0.9), nil
		default:
			return testutil.ReviewJSON(true, "checked"), nil
		}
	}
	s, _ = newTestServer(t, workflowFor(t, o.Factory()), nil)

	w := do(s, http.MethodPost, "/debug", debugBody(nil))
	require.Equal(t, http.StatusOK, w.Code)
	res := decodeResult(t, w)

	var body struct {
		Runs  []commbus.ActiveRun `json:"runs"`
		Count int                 `json:"count"`
	}
	require.NoError(t, json.Unmarshal([]byte(listed), &body), listed)
	assert.Equal(t, 1, body.Count)
	require.Len(t, body.Runs, 1)
	assert.Equal(t, res.RunID, body.Runs[0].RunID)
}

func TestActiveRunsUnavailable(t *testing.T) {
	s, logger := newTestServer(t, panicking{}, nil)

	w := do(s, http.MethodGet, "/runs", "")

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.True(t, logger.HasLog("warn", "http_active_runs_failed"))
}

func TestNewServerRequiresDebugger(t *testing.T) {
	_, err := NewServer(nil, nil, nil, nil)
	assert.Error(t, err)
}

// =============================================================================
// POST /debug
// =============================================================================

func TestDebugAccepted(t *testing.T) {
	s, _ := newTestServer(t, workflowFor(t, scripted(true).Factory()), nil)

	w := do(s, http.MethodPost, "/debug", debugBody(map[string]any{"max_iterations": 3}))

	require.Equal(t, http.StatusOK, w.Code)
	res := decodeResult(t, w)
	assert.True(t, res.Success)
	assert.True(t, res.IsFixed)
	assert.Equal(t, fixedCode, res.FixedCode)
	assert.Equal(t, 0, res.IterationCount)
	assert.Len(t, res.IdentifiedIssues, 1)
	assert.Nil(t, res.ErrorMessage)
	assert.Equal(t, envelope.StatusCompleted, res.Status)
}

func TestDebugDefaultsToThreeIterations(t *testing.T) {
	s, _ := newTestServer(t, workflowFor(t, scripted(false).Factory()), nil)

	w := do(s, http.MethodPost, "/debug", debugBody(nil))

	require.Equal(t, http.StatusOK, w.Code)
	res := decodeResult(t, w)
	// The run ended normally; the fix was just never approved.
	assert.True(t, res.Success)
	assert.False(t, res.IsFixed)
	assert.Equal(t, 3, res.IterationCount)
	require.NotNil(t, res.ErrorMessage)
	assert.Equal(t, "Reviewer: Max iterations reached", *res.ErrorMessage)
}

func TestDebugValidation(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"missing code", debugBody(map[string]any{"code": nil}), "code is required"},
		{"missing error log", debugBody(map[string]any{"error_log": nil}), "error_log is required"},
		{"missing api key", debugBody(map[string]any{"api_key": nil}), "api_key is required"},
		{"zero iterations", debugBody(map[string]any{"max_iterations": 0}), "max_iterations must be at least 1"},
		{"too many iterations", debugBody(map[string]any{"max_iterations": 11}), "max_iterations exceeds the configured limit"},
		{"malformed json", `{"code": `, "invalid JSON body"},
		{"wrong type", debugBody(map[string]any{"max_iterations": "three"}), "invalid JSON body"},
	}

	o := scripted(true)
	s, _ := newTestServer(t, workflowFor(t, o.Factory()), nil)

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(s, http.MethodPost, "/debug", tt.body)

			assert.Equal(t, http.StatusBadRequest, w.Code)
			res := decodeResult(t, w)
			assert.False(t, res.Success)
			require.NotNil(t, res.ErrorMessage)
			assert.Contains(t, *res.ErrorMessage, tt.want)
			assert.Equal(t, []string{}, res.ReasoningSteps)
		})
	}
	assert.Equal(t, 0, o.CallCount())
}

func TestDebugWorkflowLimitIsBadRequest(t *testing.T) {
	cfg := runtime.DefaultConfig()
	cfg.MaxIterationsLimit = 4
	w, err := runtime.NewWorkflow(cfg, scripted(true).Factory(), nil, nil)
	require.NoError(t, err)
	s, _ := newTestServer(t, w, nil)

	resp := do(s, http.MethodPost, "/debug", debugBody(map[string]any{"max_iterations": 5}))

	assert.Equal(t, http.StatusBadRequest, resp.Code)
	assert.Contains(t, *decodeResult(t, resp).ErrorMessage, "exceeds")
}

func TestDebugRaisedWorkflowLimit(t *testing.T) {
	cfg := runtime.DefaultConfig()
	cfg.MaxIterationsLimit = 12
	w, err := runtime.NewWorkflow(cfg, scripted(false).Factory(), nil, nil)
	require.NoError(t, err)
	s, _ := newTestServer(t, w, nil)

	resp := do(s, http.MethodPost, "/debug", debugBody(map[string]any{"max_iterations": 12}))

	require.Equal(t, http.StatusOK, resp.Code)
	res := decodeResult(t, resp)
	assert.True(t, res.Success)
	assert.Equal(t, 12, res.IterationCount)
}

func TestDebugResidualErrorKeepsShape(t *testing.T) {
	factory := func(string) (oracle.Oracle, error) { return nil, oracle.ErrMissingCredential }
	s, logger := newTestServer(t, workflowFor(t, factory), nil)

	w := do(s, http.MethodPost, "/debug", debugBody(nil))

	require.Equal(t, http.StatusOK, w.Code)
	res := decodeResult(t, w)
	assert.False(t, res.Success)
	assert.Empty(t, res.FixedCode)
	assert.Equal(t, 0, res.IterationCount)
	require.NotNil(t, res.ErrorMessage)
	assert.Contains(t, *res.ErrorMessage, oracle.ErrMissingCredential.Error())
	assert.True(t, logger.HasLog("warn", "http_debug_residual_error"))
}

type panicking struct{}

func (panicking) Run(context.Context, runtime.Request) (*envelope.DebugState, error) {
	panic("state corrupted")
}

func (panicking) RunWithStream(context.Context, runtime.Request) (<-chan runtime.Event, error) {
	panic("state corrupted")
}

func (panicking) ActiveRuns(context.Context) ([]commbus.ActiveRun, error) {
	return nil, commbus.ErrNoHandler
}

func TestDebugPanicIsStructuredFailure(t *testing.T) {
	s, logger := newTestServer(t, panicking{}, nil)

	w := do(s, http.MethodPost, "/debug", debugBody(nil))

	assert.Equal(t, http.StatusOK, w.Code)
	res := decodeResult(t, w)
	assert.False(t, res.Success)
	require.NotNil(t, res.ErrorMessage)
	assert.Contains(t, *res.ErrorMessage, "state corrupted")
	assert.True(t, logger.HasLog("error", "panic_recovered"))
}

func TestDebugRateLimited(t *testing.T) {
	s, logger := newTestServer(t, workflowFor(t, scripted(true).Factory()), func(c *config.CoreConfig) {
		c.Limits.RequestsPerMinute = 1
	})

	first := do(s, http.MethodPost, "/debug", debugBody(nil))
	require.Equal(t, http.StatusOK, first.Code)

	second := do(s, http.MethodPost, "/debug", debugBody(nil))
	assert.Equal(t, http.StatusTooManyRequests, second.Code)
	assert.NotEmpty(t, second.Header().Get("Retry-After"))
	assert.Contains(t, *decodeResult(t, second).ErrorMessage, "rate limit exceeded")
	assert.True(t, logger.HasLog("warn", "admission_rate_limited"))
}

func TestDebugBodyLimit(t *testing.T) {
	s, _ := newTestServer(t, workflowFor(t, scripted(true).Factory()), func(c *config.CoreConfig) {
		c.Limits.MaxBodyBytes = 64
	})

	w := do(s, http.MethodPost, "/debug", debugBody(map[string]any{"code": strings.Repeat("x", 200)}))

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, *decodeResult(t, w).ErrorMessage, "exceeds 64 bytes")
}

// =============================================================================
// Middleware
// =============================================================================

func TestCORSPreflight(t *testing.T) {
	s, _ := newTestServer(t, workflowFor(t, scripted(true).Factory()), nil)

	req := httptest.NewRequest(http.MethodOptions, "/debug", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	req.Header.Set("Access-Control-Request-Method", "POST")
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)

	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "http://localhost:3000", w.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, w.Header().Get("Access-Control-Allow-Methods"), "POST")
}

func TestCORSRestrictedOrigins(t *testing.T) {
	s, _ := newTestServer(t, workflowFor(t, scripted(true).Factory()), func(c *config.CoreConfig) {
		c.Server.CORSOrigins = []string{"https://debugger.example"}
	})

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("Origin", "https://evil.example")
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))
}

func TestRequestLogging(t *testing.T) {
	s, logger := newTestServer(t, workflowFor(t, scripted(true).Factory()), nil)

	do(s, http.MethodGet, "/nowhere", "")

	var found bool
	for _, entry := range logger.GetLogs() {
		if entry.Message == "http_request" && entry.Fields["route"] == "unmatched" {
			found = true
			assert.Equal(t, http.StatusNotFound, entry.Fields["status"])
		}
	}
	assert.True(t, found)
}

// =============================================================================
// POST /debug/stream
// =============================================================================

type sseEvent struct {
	name string
	data string
}

func parseSSE(t *testing.T, body string) []sseEvent {
	t.Helper()
	var events []sseEvent
	var cur sseEvent
	scanner := bufio.NewScanner(strings.NewReader(body))
	scanner.Buffer(make([]byte, 1<<20), 1<<20)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event:"):
			cur.name = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			cur.data = strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		case line == "" && cur.name != "":
			events = append(events, cur)
			cur = sseEvent{}
		}
	}
	if cur.name != "" {
		events = append(events, cur)
	}
	return events
}

func TestDebugStream(t *testing.T) {
	s, _ := newTestServer(t, workflowFor(t, scripted(true).Factory()), nil)

	w := do(s, http.MethodPost, "/debug/stream", debugBody(nil))

	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Header().Get("Content-Type"), "text/event-stream")

	events := parseSSE(t, w.Body.String())
	require.Len(t, events, 5)
	for _, ev := range events[:4] {
		assert.Equal(t, "trace", ev.name)
	}
	last := events[4]
	assert.Equal(t, "result", last.name)

	var ev runtime.Event
	require.NoError(t, json.Unmarshal([]byte(last.data), &ev))
	require.NotNil(t, ev.Result)
	assert.True(t, ev.Result.IsFixed)
	assert.Len(t, ev.Result.ReasoningSteps, 4)
}

func TestDebugStreamValidation(t *testing.T) {
	s, _ := newTestServer(t, workflowFor(t, scripted(true).Factory()), nil)

	w := do(s, http.MethodPost, "/debug/stream", debugBody(map[string]any{"error_log": nil}))

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, *decodeResult(t, w).ErrorMessage, "error_log is required")
}
