// Package runtime provides the Workflow controller that drives a DebugState
// through Error-Analysis, Fix-Generation and Fix-Review until it reaches a
// terminal status.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jeeves-cluster-organization/codedebugger/commbus"
	"github.com/jeeves-cluster-organization/codedebugger/coreengine/agents"
	"github.com/jeeves-cluster-organization/codedebugger/coreengine/envelope"
	"github.com/jeeves-cluster-organization/codedebugger/coreengine/logging"
	"github.com/jeeves-cluster-organization/codedebugger/coreengine/observability"
	"github.com/jeeves-cluster-organization/codedebugger/coreengine/oracle"
)

var tracer = otel.Tracer("codedebugger/runtime")

var (
	// ErrInvalidTransition is returned when the controller observes a status
	// outside the documented state machine, or the stage hop bound is hit.
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrEmptyInput is returned when code or error log is empty.
	ErrEmptyInput = errors.New("code and error_log are required")
	// ErrMaxIterationsTooLarge is returned when a request exceeds Config.MaxIterationsLimit.
	ErrMaxIterationsTooLarge = errors.New("max_iterations exceeds the configured limit")
)

// IsInvalidRequest reports whether err was caused by the request itself
// rather than by the oracle or the controller.
func IsInvalidRequest(err error) bool {
	return errors.Is(err, ErrEmptyInput) ||
		errors.Is(err, ErrMaxIterationsTooLarge) ||
		errors.Is(err, envelope.ErrInvalidMaxIterations)
}

// Request is one debugging run as submitted by a surface.
type Request struct {
	Code     string `json:"code"`
	ErrorLog string `json:"error_log"`
	// MaxIterations of zero means Config.DefaultMaxIterations.
	MaxIterations int `json:"max_iterations,omitempty"`
	// APIKey is the per-request oracle credential.
	APIKey string `json:"api_key,omitempty"`
	// Model of "" means Config.DefaultModel.
	Model string `json:"model,omitempty"`
}

// Config holds controller defaults and per-stage oracle parameters.
// Stage Model fields are filled from the request at run time.
type Config struct {
	DefaultModel         string
	DefaultMaxIterations int
	// MaxIterationsLimit caps Request.MaxIterations. Zero disables the cap.
	MaxIterationsLimit int

	Analyze agents.StageConfig
	Fix     agents.StageConfig
	Review  agents.StageConfig
}

// DefaultConfig returns the controller defaults.
func DefaultConfig() Config {
	return Config{
		DefaultModel:         "gpt-4",
		DefaultMaxIterations: 3,
		MaxIterationsLimit:   10,
		Analyze:              agents.StageConfig{Temperature: 0.1, Timeout: 60 * time.Second},
		Fix:                  agents.StageConfig{Temperature: 0.2, Timeout: 60 * time.Second},
		Review:               agents.StageConfig{Temperature: 0.1, Timeout: 60 * time.Second},
	}
}

// Stages is the set of stages one run executes.
type Stages struct {
	Analyze agents.Stage
	Fix     agents.Stage
	Review  agents.Stage
}

// StageBuilder creates the stages for one run.
type StageBuilder func(cfg Config, model string, deps agents.Deps) Stages

// DefaultStages builds the three oracle-backed stages.
func DefaultStages(cfg Config, model string, deps agents.Deps) Stages {
	analyze, fix, review := cfg.Analyze, cfg.Fix, cfg.Review
	analyze.Model, fix.Model, review.Model = model, model, model
	return Stages{
		Analyze: agents.NewErrorAnalyzer(analyze, deps),
		Fix:     agents.NewFixGenerator(fix, deps),
		Review:  agents.NewFixReviewer(review, deps),
	}
}

// Option configures a Workflow.
type Option func(*Workflow)

// WithStageBuilder replaces the stage constructor.
func WithStageBuilder(b StageBuilder) Option {
	return func(w *Workflow) { w.build = b }
}

// WithPrompts replaces the built-in prompt set.
func WithPrompts(p *agents.Prompts) Option {
	return func(w *Workflow) { w.prompts = p }
}

// Workflow is the debugging controller. It is stateless between runs and
// safe for concurrent use; every Run owns its own DebugState.
type Workflow struct {
	cfg      Config
	factory  oracle.Factory
	build    StageBuilder
	prompts  *agents.Prompts
	logger   logging.Logger
	bus      commbus.CommBus
	registry *Registry
}

// defaultQueryTimeout bounds queries on the private bus of a Workflow built
// without one.
const defaultQueryTimeout = 5 * time.Second

// NewWorkflow creates a Workflow. Lifecycle events are published to bus and
// the active-run registry answers GetActiveRuns on it. A nil bus is replaced
// by a private in-memory bus.
func NewWorkflow(cfg Config, factory oracle.Factory, bus commbus.CommBus, logger logging.Logger, opts ...Option) (*Workflow, error) {
	if factory == nil {
		return nil, errors.New("oracle factory is required")
	}
	if cfg.DefaultMaxIterations < 1 {
		return nil, fmt.Errorf("default max_iterations must be >= 1, got %d", cfg.DefaultMaxIterations)
	}
	if logger == nil {
		logger = logging.Nop()
	}
	if bus == nil {
		bus = commbus.NewInMemoryCommBus(defaultQueryTimeout, logger)
	}

	w := &Workflow{
		cfg:      cfg,
		factory:  factory,
		build:    DefaultStages,
		logger:   logger.Bind("component", "workflow"),
		bus:      bus,
		registry: NewRegistry(),
	}
	for _, opt := range opts {
		opt(w)
	}

	if !bus.HasHandler(commbus.TypeGetActiveRuns) {
		if err := bus.RegisterHandler(commbus.TypeGetActiveRuns, w.registry.Handle); err != nil {
			return nil, fmt.Errorf("register active runs handler: %w", err)
		}
	}
	return w, nil
}

// Registry returns the active-run registry.
func (w *Workflow) Registry() *Registry { return w.registry }

// ActiveRuns asks the bus which runs are executing, oldest first. On a bus
// shared by several workflows the first one registered answers for all.
func (w *Workflow) ActiveRuns(ctx context.Context) ([]commbus.ActiveRun, error) {
	res, err := w.bus.QuerySync(ctx, &commbus.GetActiveRuns{})
	if err != nil {
		return nil, fmt.Errorf("query active runs: %w", err)
	}
	resp, ok := res.(*commbus.ActiveRunsResponse)
	if !ok {
		return nil, fmt.Errorf("unexpected active runs response %T", res)
	}
	return resp.Runs, nil
}

// =============================================================================
// STATE MACHINE
// =============================================================================

type step int

const (
	stepAnalyze step = iota
	stepFix
	stepReview
	stepDone
)

// next maps the current status to the stage that runs next.
func next(status envelope.Status) (step, error) {
	switch status {
	case envelope.StatusParsing:
		return stepAnalyze, nil
	case envelope.StatusFixing:
		return stepFix, nil
	case envelope.StatusReviewing:
		return stepReview, nil
	case envelope.StatusCompleted, envelope.StatusFailed:
		return stepDone, nil
	default:
		return stepDone, fmt.Errorf("%w: status %q", ErrInvalidTransition, status)
	}
}

func (s Stages) stage(st step) agents.Stage {
	switch st {
	case stepAnalyze:
		return s.Analyze
	case stepFix:
		return s.Fix
	case stepReview:
		return s.Review
	}
	return nil
}

// hopLimit bounds stage executions: one analysis plus one fix and one
// review per iteration, with one spare.
func hopLimit(maxIterations int) int {
	return 2 + 2*maxIterations
}

// =============================================================================
// EXECUTION
// =============================================================================

// Run executes one debugging run to a terminal status.
//
// Stage failures are reported through the returned state, not the error.
// The error is non-nil for invalid requests (nil state), cancellation
// (state failed with reason cancelled) and invalid transitions.
func (w *Workflow) Run(ctx context.Context, req Request) (*envelope.DebugState, error) {
	st, stages, err := w.prepare(req)
	if err != nil {
		return nil, err
	}
	return w.execute(ctx, st, stages)
}

// ResultOf converts the outcome of Run into the response shape. A nil
// state (the run never started) becomes a FailureResult carrying err.
func ResultOf(st *envelope.DebugState, err error) envelope.Result {
	if st == nil {
		msg := "run failed"
		if err != nil {
			msg = err.Error()
		}
		return envelope.FailureResult(msg)
	}
	res := st.Result()
	// A cancelled or aborted run is terminal but not a success.
	if err != nil {
		res.Success = false
	}
	return res
}

// execute drives a prepared run to a terminal status, publishing every new
// trace line to the bus as it appears.
func (w *Workflow) execute(ctx context.Context, st *envelope.DebugState, stages Stages) (*envelope.DebugState, error) {
	ctx, span := tracer.Start(ctx, "workflow.run",
		trace.WithAttributes(
			attribute.String("debugger.run.id", st.RunID),
			attribute.String("debugger.model", st.Model),
			attribute.Int("debugger.max_iterations", st.MaxIterations),
		),
	)
	defer span.End()

	log := w.logger.Bind("run_id", st.RunID)
	start := time.Now()
	observability.RunStarted()
	defer observability.RunFinished()
	w.registry.add(st)
	defer w.registry.remove(st.RunID)

	log.Info("workflow_started", "model", st.Model, "max_iterations", st.MaxIterations)
	w.publish(ctx, log, &commbus.RunStarted{
		RunID: st.RunID, Model: st.Model, MaxIterations: st.MaxIterations, StartedAt: st.CreatedAt,
	})

	seen := 0
	flush := func() {
		for ; seen < len(st.ReasoningSteps); seen++ {
			w.publish(ctx, log, &commbus.TraceAppended{
				RunID: st.RunID, Index: seen, Step: st.ReasoningSteps[seen],
				Status: string(st.Status), Iteration: st.IterationCount,
			})
		}
		w.registry.update(st)
	}

	runErr := w.loop(ctx, log, st, stages, flush)
	flush()

	durationMS := int(time.Since(start).Milliseconds())
	reason := ""
	if st.TerminalReason != nil {
		reason = string(*st.TerminalReason)
	}
	observability.RecordWorkflowRun(string(st.Status), reason, st.IterationCount, durationMS)
	span.SetAttributes(
		attribute.String("debugger.status", string(st.Status)),
		attribute.String("debugger.terminal_reason", reason),
		attribute.Int("debugger.iteration_count", st.IterationCount),
	)
	if st.Status == envelope.StatusFailed {
		span.SetStatus(codes.Error, st.LastStep())
	} else {
		span.SetStatus(codes.Ok, reason)
	}

	log.Info("workflow_completed",
		"status", st.Status,
		"terminal_reason", reason,
		"iteration_count", st.IterationCount,
		"fix_attempts", len(st.ProposedFixes),
		"duration_ms", durationMS,
	)
	w.publish(ctx, log, &commbus.RunCompleted{
		RunID: st.RunID, Status: string(st.Status), TerminalReason: reason,
		IterationCount: st.IterationCount, DurationMS: durationMS,
	})

	return st, runErr
}

// prepare validates the request, builds the initial state and the stages.
func (w *Workflow) prepare(req Request) (*envelope.DebugState, Stages, error) {
	if err := w.validate(req); err != nil {
		w.logger.Warn("workflow_rejected", "error", err.Error())
		return nil, Stages{}, err
	}
	maxIterations := req.MaxIterations
	if maxIterations == 0 {
		maxIterations = w.cfg.DefaultMaxIterations
	}
	st, err := envelope.New(req.Code, req.ErrorLog, maxIterations)
	if err != nil {
		return nil, Stages{}, err
	}
	st.Model = req.Model
	if st.Model == "" {
		st.Model = w.cfg.DefaultModel
	}

	o, err := w.factory(req.APIKey)
	if err != nil {
		return nil, Stages{}, fmt.Errorf("build oracle: %w", err)
	}
	stages := w.build(w.cfg, st.Model, agents.Deps{
		Oracle:  o,
		Prompts: w.prompts,
		Logger:  w.logger.Bind("run_id", st.RunID),
		Events:  w.bus,
	})
	return st, stages, nil
}

// loop drives st until a terminal status. after is called after every stage.
func (w *Workflow) loop(ctx context.Context, log logging.Logger, st *envelope.DebugState, stages Stages, after func()) error {
	limit := hopLimit(st.MaxIterations)
	for hops := 0; ; hops++ {
		upcoming, err := next(st.Status)
		if err != nil {
			log.Error("workflow_invalid_transition", "status", st.Status)
			st.Fail(envelope.TerminalReasonInvalidTransition, fmt.Sprintf("Workflow: invalid status %q", st.Status))
			return err
		}
		if upcoming == stepDone {
			return nil
		}
		if hops >= limit {
			log.Error("workflow_hop_limit_exceeded", "hops", hops, "limit", limit)
			st.Fail(envelope.TerminalReasonInvalidTransition, fmt.Sprintf("Workflow: stage hop limit %d exceeded", limit))
			return fmt.Errorf("%w: hop limit %d exceeded", ErrInvalidTransition, limit)
		}
		if err := ctx.Err(); err != nil {
			return w.cancel(log, st, err)
		}

		stages.stage(upcoming).Process(ctx, st)
		// A stage failing because the caller went away is a cancellation.
		if err := ctx.Err(); err != nil && st.Status == envelope.StatusFailed {
			after()
			return w.cancel(log, st, err)
		}
		after()
	}
}

func (w *Workflow) cancel(log logging.Logger, st *envelope.DebugState, err error) error {
	log.Info("workflow_cancelled", "status", st.Status, "reason", err.Error())
	st.Fail(envelope.TerminalReasonCancelled, "Workflow: cancelled - "+err.Error())
	return err
}

func (w *Workflow) publish(ctx context.Context, log logging.Logger, event commbus.Message) {
	// Lifecycle events outlive a cancelled request context.
	if err := w.bus.Publish(context.WithoutCancel(ctx), event); err != nil {
		log.Warn("event_publish_failed", "event_type", commbus.GetMessageType(event), "error", err.Error())
	}
}
