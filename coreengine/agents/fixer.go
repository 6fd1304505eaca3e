package agents

import (
	"context"

	"github.com/jeeves-cluster-organization/codedebugger/coreengine/envelope"
	"github.com/jeeves-cluster-organization/codedebugger/coreengine/oracle"
)

// FixGenerator drafts a candidate fix from the error analysis.
type FixGenerator struct {
	base
}

// NewFixGenerator creates the Fix-Generation stage.
func NewFixGenerator(cfg StageConfig, deps Deps) *FixGenerator {
	return &FixGenerator{base: newBase(envelope.StageFix, cfg, deps)}
}

// Process appends a CodeFix and moves the state to reviewing.
// Without an ErrorAnalysis it fails without calling the oracle.
func (f *FixGenerator) Process(ctx context.Context, st *envelope.DebugState) {
	f.instrument(ctx, st, func(ctx context.Context) {
		if st.ErrorAnalysis == nil {
			st.Fail(envelope.TerminalReasonMissingPrecondition, "Fixer: No error analysis available")
			return
		}

		prompt, err := f.prompts.Fix(st)
		if err != nil {
			st.Fail(envelope.TerminalReasonOracleFailure, "Fixer: Failed to generate fix - "+err.Error())
			return
		}

		out, err := invoke[oracle.FixOutput](ctx, &f.base, prompt, oracle.FixSchema)
		if err != nil {
			st.Fail(envelope.TerminalReasonOracleFailure, "Fixer: Failed to generate fix - "+err.Error())
			return
		}

		st.RecordFix(envelope.CodeFix{
			OriginalCode:    st.OriginalCode,
			FixedCode:       out.FixedCode,
			Explanation:     out.Explanation,
			ConfidenceScore: out.ConfidenceScore,
			ChangesSummary:  out.ChangesSummary,
		})
		st.Status = envelope.StatusReviewing
		st.AddStepf("Fixer: Generated fix with %.2f confidence", out.ConfidenceScore)
	})
}
