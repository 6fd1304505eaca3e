package agents

import (
	"context"

	"github.com/jeeves-cluster-organization/codedebugger/coreengine/envelope"
	"github.com/jeeves-cluster-organization/codedebugger/coreengine/oracle"
)

// FixReviewer judges the current fix and decides accept, retry or give up.
type FixReviewer struct {
	base
}

// NewFixReviewer creates the Fix-Review stage.
func NewFixReviewer(cfg StageConfig, deps Deps) *FixReviewer {
	return &FixReviewer{base: newBase(envelope.StageReview, cfg, deps)}
}

// Process records the verdict. Accept completes the run; reject consumes one
// iteration and either loops back to fixing or fails on an exhausted budget.
// Without a current fix or analysis it fails without calling the oracle.
func (r *FixReviewer) Process(ctx context.Context, st *envelope.DebugState) {
	r.instrument(ctx, st, func(ctx context.Context) {
		if st.CurrentFix == nil || st.ErrorAnalysis == nil {
			st.Fail(envelope.TerminalReasonMissingPrecondition, "Reviewer: Missing fix or error analysis")
			return
		}

		prompt, err := r.prompts.Review(st)
		if err != nil {
			st.Fail(envelope.TerminalReasonOracleFailure, "Reviewer: Failed to review fix - "+err.Error())
			return
		}

		out, err := invoke[oracle.ReviewOutput](ctx, &r.base, prompt, oracle.ReviewSchema)
		if err != nil {
			st.Fail(envelope.TerminalReasonOracleFailure, "Reviewer: Failed to review fix - "+err.Error())
			return
		}

		st.RecordReview(envelope.Review{
			IsFixValid:      out.IsFixValid,
			ReviewFeedback:  out.ReviewFeedback,
			ConfidenceScore: out.ConfidenceScore,
			Suggestions:     out.Suggestions,
		})

		if out.IsFixValid {
			st.AddStep("Reviewer: Approved fix")
			st.Complete(*st.CurrentFix)
			st.AddStep("Reviewer: Fix approved - debugging complete")
			return
		}

		st.AddStep("Reviewer: Rejected fix")
		st.IterationCount++
		if st.IterationCount >= st.MaxIterations {
			st.Fail(envelope.TerminalReasonMaxIterationsExceeded, "Reviewer: Max iterations reached")
			return
		}
		st.Status = envelope.StatusFixing
		st.AddStepf("Reviewer: Fix rejected, iteration %d", st.IterationCount)
		st.AddStep("Feedback: " + out.ReviewFeedback)
	})
}
