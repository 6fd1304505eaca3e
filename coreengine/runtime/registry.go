package runtime

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/jeeves-cluster-organization/codedebugger/commbus"
	"github.com/jeeves-cluster-organization/codedebugger/coreengine/envelope"
)

// Registry tracks the runs currently executing. It holds snapshots only;
// the DebugState itself stays owned by its run.
type Registry struct {
	mu   sync.RWMutex
	runs map[string]commbus.ActiveRun
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{runs: make(map[string]commbus.ActiveRun)}
}

func (r *Registry) add(st *envelope.DebugState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs[st.RunID] = snapshot(st)
}

func (r *Registry) update(st *envelope.DebugState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.runs[st.RunID]; ok {
		r.runs[st.RunID] = snapshot(st)
	}
}

func (r *Registry) remove(runID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.runs, runID)
}

func snapshot(st *envelope.DebugState) commbus.ActiveRun {
	return commbus.ActiveRun{
		RunID:     st.RunID,
		Status:    string(st.Status),
		Iteration: st.IterationCount,
		Steps:     len(st.ReasoningSteps),
		StartedAt: st.CreatedAt,
	}
}

// Active returns the executing runs, oldest first.
func (r *Registry) Active() []commbus.ActiveRun {
	r.mu.RLock()
	out := make([]commbus.ActiveRun, 0, len(r.runs))
	for _, run := range r.runs {
		out = append(out, run)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].RunID < out[j].RunID
		}
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}

// Len returns the number of executing runs.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.runs)
}

// Handle answers commbus.GetActiveRuns queries.
func (r *Registry) Handle(_ context.Context, msg commbus.Message) (any, error) {
	if _, ok := msg.(*commbus.GetActiveRuns); !ok {
		return nil, fmt.Errorf("unexpected query %T", msg)
	}
	return &commbus.ActiveRunsResponse{Runs: r.Active()}, nil
}
