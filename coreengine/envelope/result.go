package envelope

// Result is the caller-facing view of a finished (or aborted) run. The HTTP,
// gRPC and CLI surfaces all serialize this shape.
type Result struct {
	Success          bool            `json:"success"`
	FixedCode        string          `json:"fixed_code"`
	Explanation      string          `json:"explanation"`
	IsFixed          bool            `json:"is_fixed"`
	IterationCount   int             `json:"iteration_count"`
	IdentifiedIssues []ErrorAnalysis `json:"identified_issues"`
	ErrorMessage     *string         `json:"error_message,omitempty"`

	RunID          string   `json:"run_id,omitempty"`
	Status         Status   `json:"status,omitempty"`
	TerminalReason string   `json:"terminal_reason,omitempty"`
	ReasoningSteps []string `json:"reasoning_steps"`
}

// Result builds the response view of the state.
//
// FixedCode is the accepted fix when there is one, otherwise the latest
// candidate (the original code if no fix was produced). ErrorMessage is set
// for failed runs and carries the last trace line.
func (s *DebugState) Result() Result {
	r := Result{
		Success:          s.IsTerminal(),
		FixedCode:        s.CurrentCode,
		IsFixed:          s.Status == StatusCompleted,
		IterationCount:   s.IterationCount,
		IdentifiedIssues: []ErrorAnalysis{},
		RunID:            s.RunID,
		Status:           s.Status,
		ReasoningSteps:   append([]string{}, s.ReasoningSteps...),
	}

	switch {
	case s.FinalResult != nil:
		r.FixedCode = s.FinalResult.FixedCode
		r.Explanation = s.FinalResult.Explanation
	case s.CurrentFix != nil:
		r.Explanation = s.CurrentFix.Explanation
	}

	if s.ErrorAnalysis != nil {
		issue := *s.ErrorAnalysis
		issue.AffectedLines = append([]int{}, s.ErrorAnalysis.AffectedLines...)
		r.IdentifiedIssues = append(r.IdentifiedIssues, issue)
	}
	if s.TerminalReason != nil {
		r.TerminalReason = string(*s.TerminalReason)
	}
	if s.Status == StatusFailed {
		msg := s.LastStep()
		r.ErrorMessage = &msg
	}
	return r
}

// FailureResult is the structured body returned when a run could not be
// executed at all (invalid request, residual error, recovered panic).
func FailureResult(message string) Result {
	return Result{
		Success:          false,
		IdentifiedIssues: []ErrorAnalysis{},
		ReasoningSteps:   []string{},
		ErrorMessage:     &message,
	}
}
