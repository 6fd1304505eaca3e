package runtime

import (
	"context"
	"fmt"

	"github.com/jeeves-cluster-organization/codedebugger/commbus"
	"github.com/jeeves-cluster-organization/codedebugger/coreengine/envelope"
)

// EventKind distinguishes stream events.
type EventKind string

const (
	// EventTrace carries one new reasoning step.
	EventTrace EventKind = "trace"
	// EventResult carries the final result and is always the last event.
	EventResult EventKind = "result"
)

// Event is one item of a streamed run.
type Event struct {
	Kind      EventKind        `json:"kind"`
	RunID     string           `json:"run_id,omitempty"`
	Index     int              `json:"index"`
	Step      string           `json:"step,omitempty"`
	Status    string           `json:"status,omitempty"`
	Iteration int              `json:"iteration"`
	Result    *envelope.Result `json:"result,omitempty"`
}

// streamBuffer covers a full default-budget run without blocking the loop.
const streamBuffer = 32

// RunWithStream starts a run and streams its trace lines followed by the
// final result. The channel is closed after the result event. Trace events
// come from the run's TraceAppended events on the bus.
//
// An invalid request returns an error and no channel. Any other failure to
// start the run is reported by a lone result event. If ctx is cancelled the
// consumer may stop reading; pending events are then dropped and the channel
// still closes.
func (w *Workflow) RunWithStream(ctx context.Context, req Request) (<-chan Event, error) {
	st, stages, err := w.prepare(req)
	if IsInvalidRequest(err) {
		return nil, err
	}

	events := make(chan Event, streamBuffer)
	send := func(ev Event) {
		select {
		case events <- ev:
		case <-ctx.Done():
		}
	}

	go func() {
		defer close(events)

		runErr := err
		if st != nil {
			unsubscribe := w.bus.Subscribe(commbus.TypeTraceAppended, traceForwarder(st.RunID, send))
			st, runErr = w.execute(ctx, st, stages)
			unsubscribe()
		}

		result := ResultOf(st, runErr)
		send(Event{
			Kind:      EventResult,
			RunID:     result.RunID,
			Index:     len(result.ReasoningSteps),
			Status:    string(result.Status),
			Iteration: result.IterationCount,
			Result:    &result,
		})
	}()

	return events, nil
}

// traceForwarder turns the TraceAppended events of one run into trace events.
// Publish waits for subscribers, so events arrive in trace order.
func traceForwarder(runID string, send func(Event)) commbus.HandlerFunc {
	return func(_ context.Context, msg commbus.Message) (any, error) {
		ev, ok := msg.(*commbus.TraceAppended)
		if !ok || ev.RunID != runID {
			return nil, nil
		}
		send(Event{
			Kind:      EventTrace,
			RunID:     ev.RunID,
			Index:     ev.Index,
			Step:      ev.Step,
			Status:    ev.Status,
			Iteration: ev.Iteration,
		})
		return nil, nil
	}
}

// validate runs the request checks of prepare without building anything.
func (w *Workflow) validate(req Request) error {
	if req.Code == "" || req.ErrorLog == "" {
		return ErrEmptyInput
	}
	maxIterations := req.MaxIterations
	if maxIterations == 0 {
		maxIterations = w.cfg.DefaultMaxIterations
	}
	if maxIterations < 1 {
		return fmt.Errorf("%w: got %d", envelope.ErrInvalidMaxIterations, maxIterations)
	}
	if w.cfg.MaxIterationsLimit > 0 && maxIterations > w.cfg.MaxIterationsLimit {
		return fmt.Errorf("%w: %d > %d", ErrMaxIterationsTooLarge, maxIterations, w.cfg.MaxIterationsLimit)
	}
	return nil
}
