// Package envelope provides the DebugState record threaded through the
// debugging workflow, and the enums that drive its state machine.
package envelope

import (
	"fmt"
	"strings"
)

// Status is the workflow status carried by a DebugState.
//
// PARSING -> FIXING -> REVIEWING -> {COMPLETED | FAILED}, with the back-edge
// REVIEWING -> FIXING taken on a rejected review while budget remains.
type Status string

const (
	// StatusParsing is the initial status; Error-Analysis runs next.
	StatusParsing Status = "parsing"
	// StatusFixing means Fix-Generation runs next.
	StatusFixing Status = "fixing"
	// StatusReviewing means Fix-Review runs next.
	StatusReviewing Status = "reviewing"
	// StatusCompleted is terminal: a fix was accepted.
	StatusCompleted Status = "completed"
	// StatusFailed is terminal: oracle failure, missing precondition, or budget exhausted.
	StatusFailed Status = "failed"
)

// IsTerminal reports whether no further stage runs from this status.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// IsValid reports whether s is one of the documented statuses.
func (s Status) IsValid() bool {
	switch s {
	case StatusParsing, StatusFixing, StatusReviewing, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// ParseStatus parses a status string.
func ParseStatus(value string) (Status, error) {
	s := Status(strings.ToLower(strings.TrimSpace(value)))
	if !s.IsValid() {
		return "", fmt.Errorf("invalid status '%s'. Must be one of: parsing, fixing, reviewing, completed, failed", value)
	}
	return s, nil
}

// TerminalReason records why a run stopped - exactly one per finished run.
type TerminalReason string

const (
	// TerminalReasonFixAccepted indicates the reviewer approved a fix.
	TerminalReasonFixAccepted TerminalReason = "fix_accepted"
	// TerminalReasonOracleFailure indicates an oracle call failed or returned malformed output.
	TerminalReasonOracleFailure TerminalReason = "oracle_failure"
	// TerminalReasonMissingPrecondition indicates a stage ran without the state it requires.
	TerminalReasonMissingPrecondition TerminalReason = "missing_precondition"
	// TerminalReasonMaxIterationsExceeded indicates the review budget was exhausted.
	TerminalReasonMaxIterationsExceeded TerminalReason = "max_iterations_exceeded"
	// TerminalReasonCancelled indicates the caller's context was cancelled.
	TerminalReasonCancelled TerminalReason = "cancelled"
	// TerminalReasonInvalidTransition indicates the controller observed an undocumented status.
	TerminalReasonInvalidTransition TerminalReason = "invalid_transition"
)

// Severity is the oracle-reported error severity. Free-form in practice.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Known reports whether the severity is one of low, medium, high, critical.
func (s Severity) Known() bool {
	switch Severity(strings.ToLower(string(s))) {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return true
	}
	return false
}

// Stage names used in trace records, metrics and events.
const (
	StageAnalyze = "parser"
	StageFix     = "fixer"
	StageReview  = "reviewer"
)
