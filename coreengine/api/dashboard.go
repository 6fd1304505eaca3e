package api

import (
	"embed"
	"fmt"
	"html/template"
	"net/http"
	"slices"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/jeeves-cluster-organization/codedebugger/coreengine/envelope"
	"github.com/jeeves-cluster-organization/codedebugger/coreengine/runtime"
)

//go:embed templates/dashboard.html
var dashboardFS embed.FS

func parseDashboard() (*template.Template, error) {
	tmpl, err := template.New("dashboard.html").Funcs(template.FuncMap{
		"percent": func(f float64) string { return fmt.Sprintf("%.1f%%", f*100) },
		"add1":    func(i int) int { return i + 1 },
	}).ParseFS(dashboardFS, "templates/dashboard.html")
	if err != nil {
		return nil, fmt.Errorf("parse dashboard template: %w", err)
	}
	return tmpl, nil
}

type dashboardView struct {
	Models           []string
	Model            string
	Iterations       []int
	MaxIterations    int
	Code             string
	ErrorLog         string
	CredentialLoaded bool
	Error            string
	Run              *dashboardRun
}

type dashboardRun struct {
	State     *envelope.DebugState
	Completed bool
	Stages    []stageMetric
}

type stageMetric struct {
	Stage      string
	Attempt    int
	DurationMS int
	Outcome    string
	Error      string
}

func (s *Server) newDashboardView() dashboardView {
	d := s.cfg.Dashboard
	iterations := make([]int, 0, d.MaxIterations)
	for i := 1; i <= d.MaxIterations; i++ {
		iterations = append(iterations, i)
	}
	model := s.cfg.Oracle.DefaultModel
	if !slices.Contains(d.Models, model) && len(d.Models) > 0 {
		model = d.Models[0]
	}
	return dashboardView{
		Models:           d.Models,
		Model:            model,
		Iterations:       iterations,
		MaxIterations:    d.DefaultMaxIterations,
		CredentialLoaded: s.cfg.Oracle.APIKey != "",
	}
}

func (s *Server) renderDashboard(c *gin.Context, view dashboardView) {
	c.Header("Content-Type", "text/html; charset=utf-8")
	c.Status(http.StatusOK)
	if err := s.dashboard.Execute(c.Writer, view); err != nil {
		s.logger.Error("dashboard_render_failed", "error", err.Error())
	}
}

func (s *Server) handleDashboardForm(c *gin.Context) {
	view := s.newDashboardView()
	if !view.CredentialLoaded {
		view.Error = "No API key found. Set OPENAI_API_KEY in the environment and restart the server."
	}
	s.renderDashboard(c, view)
}

// handleDashboardRun runs the form submission with the process credential.
func (s *Server) handleDashboardRun(c *gin.Context) {
	view := s.newDashboardView()
	view.Code = c.PostForm("code")
	view.ErrorLog = c.PostForm("error_log")
	if m := c.PostForm("model"); m != "" {
		view.Model = m
	}
	if n, err := strconv.Atoi(c.PostForm("max_iterations")); err == nil {
		view.MaxIterations = n
	}

	switch {
	case !view.CredentialLoaded:
		view.Error = "No API key found. Set OPENAI_API_KEY in the environment and restart the server."
	case strings.TrimSpace(view.Code) == "" || strings.TrimSpace(view.ErrorLog) == "":
		view.Error = "Please provide both code and error log."
	case !slices.Contains(view.Models, view.Model):
		view.Error = fmt.Sprintf("Unknown model %q.", view.Model)
	case view.MaxIterations < 1 || view.MaxIterations > s.cfg.Dashboard.MaxIterations:
		view.Error = fmt.Sprintf("Max iterations must be between 1 and %d.", s.cfg.Dashboard.MaxIterations)
	}
	if view.Error != "" {
		s.renderDashboard(c, view)
		return
	}

	ctx, cancel := s.runContext(c)
	defer cancel()

	st, err := s.debugger.Run(ctx, runtime.Request{
		Code:          view.Code,
		ErrorLog:      view.ErrorLog,
		MaxIterations: view.MaxIterations,
		APIKey:        s.cfg.Oracle.APIKey,
		Model:         view.Model,
	})
	if err != nil {
		s.logger.Warn("dashboard_run_error", "error", err.Error())
		view.Error = "An error occurred during debugging: " + err.Error()
	}
	if st != nil {
		view.Run = newDashboardRun(st)
	}
	s.renderDashboard(c, view)
}

func newDashboardRun(st *envelope.DebugState) *dashboardRun {
	run := &dashboardRun{
		State:     st,
		Completed: st.Status == envelope.StatusCompleted,
		Stages:    make([]stageMetric, 0, len(st.StageHistory)),
	}
	for _, r := range st.StageHistory {
		m := stageMetric{
			Stage:      r.Stage,
			Attempt:    r.Attempt,
			DurationMS: r.DurationMS,
			Outcome:    r.Outcome,
		}
		if r.Error != nil {
			m.Error = *r.Error
		}
		run.Stages = append(run.Stages, m)
	}
	return run
}
