package envelope

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrInvalidMaxIterations is returned by New when the budget is below one.
var ErrInvalidMaxIterations = errors.New("max_iterations must be at least 1")

// ErrorAnalysis is the Error-Analysis stage's classification of an error.
// Immutable once constructed.
type ErrorAnalysis struct {
	ErrorType     string   `json:"error_type"`
	ErrorLocation string   `json:"error_location"`
	RootCause     string   `json:"root_cause"`
	Severity      Severity `json:"severity"`
	AffectedLines []int    `json:"affected_lines"`
}

// CodeFix is one candidate fix produced by Fix-Generation.
// Immutable once constructed.
type CodeFix struct {
	OriginalCode    string  `json:"original_code"`
	FixedCode       string  `json:"fixed_code"`
	Explanation     string  `json:"explanation"`
	ConfidenceScore float64 `json:"confidence_score"`
	ChangesSummary  string  `json:"changes_summary"`
}

// Review is one verdict returned by Fix-Review.
type Review struct {
	IsFixValid      bool    `json:"is_fix_valid"`
	ReviewFeedback  string  `json:"review_feedback"`
	ConfidenceScore float64 `json:"confidence_score"`
	Suggestions     string  `json:"suggestions"`
}

// StageRecord represents a record of a single stage execution.
type StageRecord struct {
	Stage       string     `json:"stage"`
	Attempt     int        `json:"attempt"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	DurationMS  int        `json:"duration_ms"`
	Outcome     string     `json:"outcome"` // "running", "success", "failed"
	Error       *string    `json:"error,omitempty"`
}

// DebugState is the record threaded through every stage of one debugging run.
//
// A DebugState is owned by exactly one run; the stage currently executing
// has exclusive access and mutates it in place. Slices are append-only.
type DebugState struct {
	RunID string `json:"run_id"`
	Model string `json:"model,omitempty"`

	// Input
	OriginalCode string `json:"original_code"`
	ErrorLog     string `json:"error_log"`

	// Working state
	CurrentCode    string         `json:"current_code"`
	ErrorAnalysis  *ErrorAnalysis `json:"error_analysis,omitempty"`
	ProposedFixes  []CodeFix      `json:"proposed_fixes"`
	CurrentFix     *CodeFix       `json:"current_fix,omitempty"`
	ReviewFeedback *string        `json:"review_feedback,omitempty"`
	Reviews        []Review       `json:"reviews"`

	// State machine
	Status         Status          `json:"status"`
	IterationCount int             `json:"iteration_count"`
	MaxIterations  int             `json:"max_iterations"`
	TerminalReason *TerminalReason `json:"terminal_reason,omitempty"`

	// Audit trail
	ReasoningSteps []string      `json:"reasoning_steps"`
	StageHistory   []StageRecord `json:"stage_history"`

	FinalResult *CodeFix `json:"final_result,omitempty"`

	// Timing
	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// New creates the initial state for a run: status parsing, iteration 0,
// current code equal to the original.
func New(code, errorLog string, maxIterations int) (*DebugState, error) {
	if maxIterations < 1 {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidMaxIterations, maxIterations)
	}
	return &DebugState{
		RunID:          "run_" + uuid.New().String()[:16],
		OriginalCode:   code,
		ErrorLog:       errorLog,
		CurrentCode:    code,
		ProposedFixes:  []CodeFix{},
		Reviews:        []Review{},
		Status:         StatusParsing,
		IterationCount: 0,
		MaxIterations:  maxIterations,
		ReasoningSteps: []string{},
		StageHistory:   []StageRecord{},
		CreatedAt:      time.Now().UTC(),
	}, nil
}

// =============================================================================
// Trace
// =============================================================================

// AddStep appends a human-readable line to the trace.
func (s *DebugState) AddStep(step string) {
	s.ReasoningSteps = append(s.ReasoningSteps, step)
}

// AddStepf appends a formatted line to the trace.
func (s *DebugState) AddStepf(format string, args ...any) {
	s.AddStep(fmt.Sprintf(format, args...))
}

// LastStep returns the most recent trace line, or "" if there is none.
func (s *DebugState) LastStep() string {
	if len(s.ReasoningSteps) == 0 {
		return ""
	}
	return s.ReasoningSteps[len(s.ReasoningSteps)-1]
}

// =============================================================================
// Transitions
// =============================================================================

// Fail moves the state to failed, records the reason and appends a trace line.
func (s *DebugState) Fail(reason TerminalReason, step string) {
	s.Status = StatusFailed
	s.TerminalReason = &reason
	if step != "" {
		s.AddStep(step)
	}
	s.markCompleted()
}

// Complete accepts fix as the final result. This is terminal.
func (s *DebugState) Complete(fix CodeFix) {
	s.Status = StatusCompleted
	s.FinalResult = &fix
	reason := TerminalReasonFixAccepted
	s.TerminalReason = &reason
	s.markCompleted()
}

// RecordFix appends fix to the history and makes it the current candidate.
func (s *DebugState) RecordFix(fix CodeFix) {
	s.ProposedFixes = append(s.ProposedFixes, fix)
	current := fix
	s.CurrentFix = &current
	s.CurrentCode = fix.FixedCode
}

// RecordReview stores a review verdict and overwrites the latest feedback.
func (s *DebugState) RecordReview(r Review) {
	s.Reviews = append(s.Reviews, r)
	feedback := r.ReviewFeedback
	s.ReviewFeedback = &feedback
}

// IsTerminal reports whether the run has finished.
func (s *DebugState) IsTerminal() bool {
	return s.Status.IsTerminal()
}

// LastReview returns the most recent review, if any.
func (s *DebugState) LastReview() *Review {
	if len(s.Reviews) == 0 {
		return nil
	}
	r := s.Reviews[len(s.Reviews)-1]
	return &r
}

func (s *DebugState) markCompleted() {
	now := time.Now().UTC()
	s.CompletedAt = &now
}

// =============================================================================
// Stage History
// =============================================================================

// RecordStageStart records the start of a stage execution.
func (s *DebugState) RecordStageStart(stage string) {
	attempt := 1
	for _, r := range s.StageHistory {
		if r.Stage == stage {
			attempt++
		}
	}
	s.StageHistory = append(s.StageHistory, StageRecord{
		Stage:     stage,
		Attempt:   attempt,
		StartedAt: time.Now().UTC(),
		Outcome:   "running",
	})
}

// RecordStageComplete closes the latest running record for stage.
func (s *DebugState) RecordStageComplete(stage, outcome string, errMsg *string) {
	for i := len(s.StageHistory) - 1; i >= 0; i-- {
		rec := &s.StageHistory[i]
		if rec.Stage == stage && rec.Outcome == "running" {
			now := time.Now().UTC()
			rec.CompletedAt = &now
			rec.Outcome = outcome
			rec.Error = errMsg
			rec.DurationMS = int(now.Sub(rec.StartedAt).Milliseconds())
			return
		}
	}
}

// StageCount returns how many times stage has been entered.
func (s *DebugState) StageCount(stage string) int {
	n := 0
	for _, r := range s.StageHistory {
		if r.Stage == stage {
			n++
		}
	}
	return n
}

// TotalStageTimeMS sums the durations recorded for every stage execution.
func (s *DebugState) TotalStageTimeMS() int {
	total := 0
	for _, r := range s.StageHistory {
		total += r.DurationMS
	}
	return total
}

// =============================================================================
// Invariants
// =============================================================================

// CheckInvariants returns an error describing the first violated invariant.
func (s *DebugState) CheckInvariants() error {
	if !s.Status.IsValid() {
		return fmt.Errorf("unknown status %q", s.Status)
	}
	if s.MaxIterations < 1 {
		return fmt.Errorf("max_iterations %d < 1", s.MaxIterations)
	}
	if s.IterationCount < 0 {
		return fmt.Errorf("iteration_count %d < 0", s.IterationCount)
	}
	if !s.IsTerminal() && s.IterationCount > s.MaxIterations {
		return fmt.Errorf("iteration_count %d exceeds max_iterations %d while %s",
			s.IterationCount, s.MaxIterations, s.Status)
	}
	if (s.FinalResult != nil) != (s.Status == StatusCompleted) {
		return fmt.Errorf("final_result presence does not match status %s", s.Status)
	}
	if s.CurrentFix != nil && len(s.ProposedFixes) == 0 {
		return errors.New("current_fix set without any proposed fix")
	}
	return nil
}

// =============================================================================
// Clone
// =============================================================================

// Clone creates a deep copy of the state.
func (s *DebugState) Clone() *DebugState {
	clone := &DebugState{
		RunID:          s.RunID,
		Model:          s.Model,
		OriginalCode:   s.OriginalCode,
		ErrorLog:       s.ErrorLog,
		CurrentCode:    s.CurrentCode,
		Status:         s.Status,
		IterationCount: s.IterationCount,
		MaxIterations:  s.MaxIterations,
		CreatedAt:      s.CreatedAt,
	}

	clone.ProposedFixes = append([]CodeFix{}, s.ProposedFixes...)
	clone.Reviews = append([]Review{}, s.Reviews...)
	clone.ReasoningSteps = append([]string{}, s.ReasoningSteps...)
	clone.StageHistory = copyStageHistory(s.StageHistory)

	if s.ErrorAnalysis != nil {
		a := *s.ErrorAnalysis
		a.AffectedLines = append([]int{}, s.ErrorAnalysis.AffectedLines...)
		clone.ErrorAnalysis = &a
	}
	if s.CurrentFix != nil {
		f := *s.CurrentFix
		clone.CurrentFix = &f
	}
	if s.FinalResult != nil {
		f := *s.FinalResult
		clone.FinalResult = &f
	}
	if s.ReviewFeedback != nil {
		fb := *s.ReviewFeedback
		clone.ReviewFeedback = &fb
	}
	if s.TerminalReason != nil {
		r := *s.TerminalReason
		clone.TerminalReason = &r
	}
	if s.CompletedAt != nil {
		t := *s.CompletedAt
		clone.CompletedAt = &t
	}
	return clone
}

func copyStageHistory(h []StageRecord) []StageRecord {
	out := make([]StageRecord, len(h))
	for i, r := range h {
		out[i] = r
		if r.CompletedAt != nil {
			t := *r.CompletedAt
			out[i].CompletedAt = &t
		}
		if r.Error != nil {
			e := *r.Error
			out[i].Error = &e
		}
	}
	return out
}
