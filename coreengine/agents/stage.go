// Package agents provides the three debugging stages (Error-Analysis,
// Fix-Generation, Fix-Review) and the instrumentation they share.
//
// A stage never returns an error: every failure is recorded on the
// DebugState as status failed plus a trace line naming the stage and cause.
package agents

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jeeves-cluster-organization/codedebugger/commbus"
	"github.com/jeeves-cluster-organization/codedebugger/coreengine/envelope"
	"github.com/jeeves-cluster-organization/codedebugger/coreengine/logging"
	"github.com/jeeves-cluster-organization/codedebugger/coreengine/observability"
	"github.com/jeeves-cluster-organization/codedebugger/coreengine/oracle"
)

var tracer = otel.Tracer("codedebugger/agents")

// Stage is one transformation step applied to the debugging state.
type Stage interface {
	// Name returns the stage name used in traces, metrics and events.
	Name() string
	// Process mutates st in place. It never panics on oracle failure and
	// never returns an error; failure is encoded in st.
	Process(ctx context.Context, st *envelope.DebugState)
}

// StageConfig holds per-stage oracle parameters.
type StageConfig struct {
	Model       string
	Temperature float32
	MaxTokens   int
	// Timeout bounds a single oracle call; exceeding it is an oracle failure.
	Timeout time.Duration
}

// Deps are the collaborators shared by every stage of one run.
type Deps struct {
	Oracle  oracle.Oracle
	Prompts *Prompts
	Logger  logging.Logger
	Events  commbus.Publisher
}

// base carries what every stage needs and implements the instrumentation
// wrapper around the stage body.
type base struct {
	name    string
	cfg     StageConfig
	oracle  oracle.Oracle
	prompts *Prompts
	logger  logging.Logger
	events  commbus.Publisher
}

func newBase(name string, cfg StageConfig, deps Deps) base {
	logger := deps.Logger
	if logger == nil {
		logger = logging.Nop()
	}
	prompts := deps.Prompts
	if prompts == nil {
		prompts = DefaultPrompts()
	}
	return base{
		name:    name,
		cfg:     cfg,
		oracle:  deps.Oracle,
		prompts: prompts,
		logger:  logger.Bind("stage", name),
		events:  deps.Events,
	}
}

// Name implements Stage.
func (b *base) Name() string { return b.name }

// instrument runs body inside an OTel span and records a StageRecord,
// stage metrics, a log line and StageStarted/StageCompleted events.
// The outcome is "failed" iff body left the state failed.
func (b *base) instrument(ctx context.Context, st *envelope.DebugState, body func(ctx context.Context)) {
	ctx, span := tracer.Start(ctx, "stage.process",
		trace.WithAttributes(
			attribute.String("debugger.stage.name", b.name),
			attribute.String("debugger.run.id", st.RunID),
			attribute.Int("debugger.iteration", st.IterationCount),
		),
	)
	defer span.End()

	start := time.Now()
	st.RecordStageStart(b.name)
	b.publish(ctx, &commbus.StageStarted{RunID: st.RunID, Stage: b.name, Attempt: st.StageCount(b.name)})
	b.logger.Info(b.name+"_started", "run_id", st.RunID, "iteration", st.IterationCount)

	body(ctx)

	durationMS := int(time.Since(start).Milliseconds())
	span.SetAttributes(
		attribute.Int("duration_ms", durationMS),
		attribute.String("debugger.next_status", string(st.Status)),
	)

	if st.Status == envelope.StatusFailed {
		reason := st.LastStep()
		observability.RecordStageExecution(b.name, "failed", durationMS)
		span.SetStatus(codes.Error, reason)
		b.logger.Warn(b.name+"_failed", "run_id", st.RunID, "duration_ms", durationMS, "reason", reason)
		st.RecordStageComplete(b.name, "failed", &reason)
		b.publish(ctx, &commbus.StageCompleted{
			RunID: st.RunID, Stage: b.name, Status: "failed",
			NextStatus: string(st.Status), DurationMS: durationMS, Error: &reason,
		})
		return
	}

	observability.RecordStageExecution(b.name, "success", durationMS)
	span.SetStatus(codes.Ok, "success")
	b.logger.Info(b.name+"_completed", "run_id", st.RunID, "duration_ms", durationMS, "next_status", st.Status)
	st.RecordStageComplete(b.name, "success", nil)
	b.publish(ctx, &commbus.StageCompleted{
		RunID: st.RunID, Stage: b.name, Status: "success",
		NextStatus: string(st.Status), DurationMS: durationMS,
	})
}

func (b *base) publish(ctx context.Context, event commbus.Message) {
	if b.events == nil {
		return
	}
	if err := b.events.Publish(ctx, event); err != nil {
		b.logger.Warn("event_publish_failed", "event_type", commbus.GetMessageType(event), "error", err.Error())
	}
}

func (b *base) options() oracle.Options {
	return oracle.Options{Temperature: b.cfg.Temperature, MaxTokens: b.cfg.MaxTokens}
}

// callContext applies the per-call oracle timeout.
func (b *base) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if b.cfg.Timeout > 0 {
		return context.WithTimeout(ctx, b.cfg.Timeout)
	}
	return context.WithCancel(ctx)
}

// invoke performs one structured oracle call under the stage's timeout.
func invoke[T any](ctx context.Context, b *base, prompt oracle.Prompt, schema oracle.Schema) (T, error) {
	callCtx, cancel := b.callContext(ctx)
	defer cancel()
	return oracle.Invoke[T](callCtx, b.oracle, b.cfg.Model, prompt, schema, b.options())
}
