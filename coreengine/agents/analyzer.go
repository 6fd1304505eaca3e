package agents

import (
	"context"

	"github.com/jeeves-cluster-organization/codedebugger/coreengine/envelope"
	"github.com/jeeves-cluster-organization/codedebugger/coreengine/oracle"
)

// ErrorAnalyzer classifies the error in the submitted code.
type ErrorAnalyzer struct {
	base
}

// NewErrorAnalyzer creates the Error-Analysis stage.
func NewErrorAnalyzer(cfg StageConfig, deps Deps) *ErrorAnalyzer {
	return &ErrorAnalyzer{base: newBase(envelope.StageAnalyze, cfg, deps)}
}

// Process populates ErrorAnalysis and moves the state to fixing.
func (a *ErrorAnalyzer) Process(ctx context.Context, st *envelope.DebugState) {
	a.instrument(ctx, st, func(ctx context.Context) {
		prompt, err := a.prompts.Analysis(st)
		if err != nil {
			st.Fail(envelope.TerminalReasonOracleFailure, "Parser: Failed to parse error - "+err.Error())
			return
		}

		out, err := invoke[oracle.AnalysisOutput](ctx, &a.base, prompt, oracle.AnalysisSchema)
		if err != nil {
			st.Fail(envelope.TerminalReasonOracleFailure, "Parser: Failed to parse error - "+err.Error())
			return
		}

		lines := out.AffectedLines
		if lines == nil {
			lines = []int{}
		}
		st.ErrorAnalysis = &envelope.ErrorAnalysis{
			ErrorType:     out.ErrorType,
			ErrorLocation: out.ErrorLocation,
			RootCause:     out.RootCause,
			Severity:      envelope.Severity(out.Severity),
			AffectedLines: lines,
		}
		st.Status = envelope.StatusFixing
		st.AddStepf("Parser: Identified %s at %s", out.ErrorType, out.ErrorLocation)
	})
}
