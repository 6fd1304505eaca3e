package api

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeeves-cluster-organization/codedebugger/coreengine/config"
	"github.com/jeeves-cluster-organization/codedebugger/coreengine/envelope"
	"github.com/jeeves-cluster-organization/codedebugger/coreengine/oracle"
	"github.com/jeeves-cluster-organization/codedebugger/coreengine/testutil"
)

func withCredential(c *config.CoreConfig) {
	c.Oracle.APIKey = "sk-env"
}

func postForm(s *Server, values url.Values) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/dashboard", strings.NewReader(values.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	return w
}

func formValues(code, log, model, iterations string) url.Values {
	return url.Values{
		"code":           {code},
		"error_log":      {log},
		"model":          {model},
		"max_iterations": {iterations},
	}
}

func TestDashboardForm(t *testing.T) {
	s, _ := newTestServer(t, workflowFor(t, scripted(true).Factory()), withCredential)

	w := do(s, http.MethodGet, "/dashboard", "")

	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Header().Get("Content-Type"), "text/html")
	body := w.Body.String()
	assert.Contains(t, body, "API key loaded from environment")
	for _, model := range []string{"gpt-4", "gpt-4o-mini", "gpt-3.5-turbo"} {
		assert.Contains(t, body, `<option value="`+model+`"`)
	}
	assert.Contains(t, body, `<option value="3" selected>3</option>`)
	assert.Contains(t, body, `<option value="5">5</option>`)
	assert.NotContains(t, body, `<option value="6">`)
}

func TestDashboardFormWithoutCredential(t *testing.T) {
	s, _ := newTestServer(t, workflowFor(t, scripted(true).Factory()), nil)

	w := do(s, http.MethodGet, "/dashboard", "")

	assert.Contains(t, w.Body.String(), "No API key found")
}

func TestDashboardRun(t *testing.T) {
	o := scripted(true)
	s, _ := newTestServer(t, workflowFor(t, o.Factory()), withCredential)

	w := postForm(s, formValues(brokenCode, errorLog, "gpt-4o-mini", "2"))

	require.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()
	assert.Contains(t, body, "Debugging completed successfully.")
	assert.Contains(t, body, "Iterations: 0 / 2")
	assert.Contains(t, body, "return int(a) &#43; int(b)")
	assert.Contains(t, body, "Confidence Score: 90.0%")
	assert.Contains(t, body, "TypeError")
	assert.Contains(t, body, "Reviewer: Fix approved")
	assert.Contains(t, body, "Attempt 1 (90.0%)")
	assert.Contains(t, body, "<td>"+envelope.StageAnalyze+"</td>")
	assert.Contains(t, body, "<td>success</td>")

	// The process credential and the chosen model reach the oracle.
	calls := o.Calls()
	require.NotEmpty(t, calls)
	assert.Equal(t, "gpt-4o-mini", calls[0].Model)
}

func TestDashboardRunFailed(t *testing.T) {
	s, _ := newTestServer(t, workflowFor(t, scripted(false).Factory()), withCredential)

	w := postForm(s, formValues(brokenCode, errorLog, "gpt-4", "1"))

	body := w.Body.String()
	assert.Contains(t, body, "Debugging failed.")
	assert.Contains(t, body, "No final fix was generated.")
	assert.Contains(t, body, "Reviewer: Max iterations reached")
}

func TestDashboardRunRejectsInput(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*config.CoreConfig)
		values url.Values
		want   string
	}{
		{"no credential", nil, formValues(brokenCode, errorLog, "gpt-4", "3"), "No API key found"},
		{"empty code", withCredential, formValues("  ", errorLog, "gpt-4", "3"), "Please provide both code and error log."},
		{"empty log", withCredential, formValues(brokenCode, "", "gpt-4", "3"), "Please provide both code and error log."},
		{"unknown model", withCredential, formValues(brokenCode, errorLog, "gpt-5", "3"), "Unknown model"},
		{"budget too high", withCredential, formValues(brokenCode, errorLog, "gpt-4", "6"), "Max iterations must be between 1 and 5."},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := scripted(true)
			s, _ := newTestServer(t, workflowFor(t, o.Factory()), tt.mutate)

			w := postForm(s, tt.values)

			require.Equal(t, http.StatusOK, w.Code)
			assert.Contains(t, w.Body.String(), tt.want)
			assert.Contains(t, w.Body.String(), "<form")
			assert.Equal(t, 0, o.CallCount())
		})
	}
}

func TestDashboardEscapesInput(t *testing.T) {
	s, _ := newTestServer(t, workflowFor(t, scripted(true).Factory()), withCredential)

	w := postForm(s, formValues("<script>alert(1)</script>", "", "gpt-4", "3"))

	body := w.Body.String()
	assert.NotContains(t, body, "<script>alert(1)</script>")
	assert.Contains(t, body, "&lt;script&gt;")
}

func TestDashboardStageMetrics(t *testing.T) {
	o := testutil.NewScriptedOracle().
		Respond(oracle.AnalysisSchema.Name, testutil.AnalysisJSON("TypeError", "line 1")).
		Fail(oracle.FixSchema.Name, assert.AnError)
	s, _ := newTestServer(t, workflowFor(t, o.Factory()), withCredential)

	w := postForm(s, formValues(brokenCode, errorLog, "gpt-4", "3"))

	body := w.Body.String()
	assert.Contains(t, body, "<td>"+envelope.StageFix+"</td>")
	assert.Contains(t, body, "<td>failed</td>")
	assert.Contains(t, body, string(envelope.TerminalReasonOracleFailure))
}

func TestDashboardDisabled(t *testing.T) {
	s, _ := newTestServer(t, workflowFor(t, scripted(true).Factory()), func(c *config.CoreConfig) {
		c.Dashboard.Enabled = false
	})

	w := do(s, http.MethodGet, "/dashboard", "")

	assert.Equal(t, http.StatusNotFound, w.Code)
}
