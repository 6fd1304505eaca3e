// Package testutil provides shared test doubles for the debugger packages.
//
// All doubles in this package are safe for concurrent use and require no
// external services.
package testutil

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/jeeves-cluster-organization/codedebugger/commbus"
	"github.com/jeeves-cluster-organization/codedebugger/coreengine/envelope"
	"github.com/jeeves-cluster-organization/codedebugger/coreengine/logging"
	"github.com/jeeves-cluster-organization/codedebugger/coreengine/oracle"
)

// =============================================================================
// SCRIPTED ORACLE
// =============================================================================

// Reply is one scripted oracle answer: raw content or an error.
type Reply struct {
	Content string
	Err     error
}

// ScriptedOracle implements oracle.Oracle with per-schema reply queues.
//
// Replies for a schema are consumed in order; the last reply is sticky and
// answers every further call for that schema.
type ScriptedOracle struct {
	// Delay simulates oracle latency. Honors context cancellation.
	Delay time.Duration

	// GenerateFunc, if set, is called instead of the scripted replies.
	GenerateFunc func(ctx context.Context, model string, prompt oracle.Prompt, schema oracle.Schema) (string, error)

	scripts map[string][]Reply
	calls   []OracleCall
	mu      sync.Mutex
}

// OracleCall records a single oracle call for assertion.
type OracleCall struct {
	Model   string
	Schema  string
	Prompt  oracle.Prompt
	Options oracle.Options
}

// NewScriptedOracle creates an oracle with no scripts.
func NewScriptedOracle() *ScriptedOracle {
	return &ScriptedOracle{scripts: make(map[string][]Reply)}
}

// On appends replies for the named schema.
func (s *ScriptedOracle) On(schema string, replies ...Reply) *ScriptedOracle {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scripts[schema] = append(s.scripts[schema], replies...)
	return s
}

// Respond appends content replies for the named schema.
func (s *ScriptedOracle) Respond(schema string, contents ...string) *ScriptedOracle {
	replies := make([]Reply, len(contents))
	for i, c := range contents {
		replies[i] = Reply{Content: c}
	}
	return s.On(schema, replies...)
}

// Fail appends an error reply for the named schema.
func (s *ScriptedOracle) Fail(schema string, err error) *ScriptedOracle {
	return s.On(schema, Reply{Err: err})
}

// WithDelay adds latency simulation.
func (s *ScriptedOracle) WithDelay(d time.Duration) *ScriptedOracle {
	s.Delay = d
	return s
}

// Generate implements oracle.Oracle.
func (s *ScriptedOracle) Generate(ctx context.Context, model string, prompt oracle.Prompt, schema oracle.Schema, opts oracle.Options) (string, error) {
	s.mu.Lock()
	s.calls = append(s.calls, OracleCall{Model: model, Schema: schema.Name, Prompt: prompt, Options: opts})
	fn := s.GenerateFunc
	s.mu.Unlock()

	if s.Delay > 0 {
		select {
		case <-time.After(s.Delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}

	if fn != nil {
		return fn(ctx, model, prompt, schema)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	queue := s.scripts[schema.Name]
	if len(queue) == 0 {
		return "", fmt.Errorf("no scripted reply for schema %q", schema.Name)
	}
	reply := queue[0]
	if len(queue) > 1 {
		s.scripts[schema.Name] = queue[1:]
	}
	return reply.Content, reply.Err
}

// CallCount returns the total number of calls.
func (s *ScriptedOracle) CallCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

// CallsFor returns the number of calls made for the named schema.
func (s *ScriptedOracle) CallsFor(schema string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.calls {
		if c.Schema == schema {
			n++
		}
	}
	return n
}

// Calls returns a copy of the recorded calls.
func (s *ScriptedOracle) Calls() []OracleCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]OracleCall, len(s.calls))
	copy(out, s.calls)
	return out
}

// Factory returns an oracle.Factory that ignores the credential and hands
// out this oracle.
func (s *ScriptedOracle) Factory() oracle.Factory {
	return oracle.Static(s)
}

// =============================================================================
// REPLY BUILDERS
// =============================================================================

// AnalysisJSON renders a valid Error-Analysis answer.
func AnalysisJSON(errorType, location string) string {
	return mustJSON(oracle.AnalysisOutput{
		ErrorType:     errorType,
		ErrorLocation: location,
		RootCause:     "root cause of " + errorType,
		Severity:      string(envelope.SeverityMedium),
		AffectedLines: []int{1},
	})
}

// FixJSON renders a valid Fix-Generation answer.
func FixJSON(code string, confidence float64) string {
	return mustJSON(oracle.FixOutput{
		FixedCode:       code,
		Explanation:     "explanation for " + code,
		ConfidenceScore: confidence,
		ChangesSummary:  "summary",
	})
}

// ReviewJSON renders a valid Fix-Review answer.
func ReviewJSON(valid bool, feedback string) string {
	return mustJSON(oracle.ReviewOutput{
		IsFixValid:      valid,
		ReviewFeedback:  feedback,
		ConfidenceScore: 0.8,
		Suggestions:     "suggestions: " + feedback,
	})
}

func mustJSON(v any) string {
	raw, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return string(raw)
}

// =============================================================================
// RECORDING PUBLISHER
// =============================================================================

// RecordingPublisher implements commbus.Publisher and keeps every event.
type RecordingPublisher struct {
	// Err causes Publish to return this error after recording.
	Err error

	events []commbus.Message
	mu     sync.Mutex
}

// NewRecordingPublisher creates an empty RecordingPublisher.
func NewRecordingPublisher() *RecordingPublisher {
	return &RecordingPublisher{}
}

// Publish implements commbus.Publisher.
func (p *RecordingPublisher) Publish(_ context.Context, event commbus.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return p.Err
}

// Events returns a copy of the recorded events.
func (p *RecordingPublisher) Events() []commbus.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]commbus.Message, len(p.events))
	copy(out, p.events)
	return out
}

// Types returns the message types of the recorded events in order.
func (p *RecordingPublisher) Types() []string {
	events := p.Events()
	out := make([]string, len(events))
	for i, e := range events {
		out[i] = commbus.GetMessageType(e)
	}
	return out
}

// =============================================================================
// MOCK LOGGER
// =============================================================================

// MockLogger implements logging.Logger for testing.
type MockLogger struct {
	// Logs captures all log entries.
	Logs []LogEntry

	fields []any
	root   *MockLogger
	mu     sync.Mutex
}

// LogEntry represents a captured log entry.
type LogEntry struct {
	Level   string
	Message string
	Fields  map[string]any
}

// NewMockLogger creates a MockLogger.
func NewMockLogger() *MockLogger {
	return &MockLogger{
		Logs: make([]LogEntry, 0),
	}
}

func (m *MockLogger) Debug(msg string, keysAndValues ...any) {
	m.log("debug", msg, keysAndValues...)
}

func (m *MockLogger) Info(msg string, keysAndValues ...any) {
	m.log("info", msg, keysAndValues...)
}

func (m *MockLogger) Warn(msg string, keysAndValues ...any) {
	m.log("warn", msg, keysAndValues...)
}

func (m *MockLogger) Error(msg string, keysAndValues ...any) {
	m.log("error", msg, keysAndValues...)
}

// Bind returns a child logger whose entries land in the same capture and
// carry the bound fields.
func (m *MockLogger) Bind(fields ...any) logging.Logger {
	bound := append(append([]any{}, m.fields...), fields...)
	return &MockLogger{fields: bound, root: m.sink()}
}

func (m *MockLogger) sink() *MockLogger {
	if m.root != nil {
		return m.root
	}
	return m
}

func (m *MockLogger) log(level, msg string, keysAndValues ...any) {
	all := append(append([]any{}, m.fields...), keysAndValues...)
	fields := make(map[string]any)
	for i := 0; i < len(all)-1; i += 2 {
		if key, ok := all[i].(string); ok {
			fields[key] = all[i+1]
		}
	}

	root := m.sink()
	root.mu.Lock()
	defer root.mu.Unlock()
	root.Logs = append(root.Logs, LogEntry{
		Level:   level,
		Message: msg,
		Fields:  fields,
	})
}

// GetLogs returns captured logs (thread-safe).
func (m *MockLogger) GetLogs() []LogEntry {
	root := m.sink()
	root.mu.Lock()
	defer root.mu.Unlock()

	copied := make([]LogEntry, len(root.Logs))
	copy(copied, root.Logs)
	return copied
}

// HasLog checks if a log message exists at the given level.
func (m *MockLogger) HasLog(level, message string) bool {
	for _, entry := range m.GetLogs() {
		if entry.Level == level && entry.Message == message {
			return true
		}
	}
	return false
}

// Clear removes all captured logs.
func (m *MockLogger) Clear() {
	root := m.sink()
	root.mu.Lock()
	defer root.mu.Unlock()
	root.Logs = nil
}

// =============================================================================
// STATE HELPERS
// =============================================================================

// NewTestState creates a parsing-status DebugState with test defaults.
func NewTestState(maxIterations int) *envelope.DebugState {
	st, err := envelope.New("print(x)", "NameError: name 'x' is not defined", maxIterations)
	if err != nil {
		panic(err)
	}
	return st
}

// AssertCompleted checks that a run ended with an accepted fix.
func AssertCompleted(st *envelope.DebugState) error {
	if st.Status != envelope.StatusCompleted {
		return fmt.Errorf("expected status 'completed', got '%s'", st.Status)
	}
	if st.FinalResult == nil {
		return fmt.Errorf("completed state has no final result")
	}
	return st.CheckInvariants()
}

// AssertFailed checks that a run failed for the given reason.
func AssertFailed(st *envelope.DebugState, reason envelope.TerminalReason) error {
	if st.Status != envelope.StatusFailed {
		return fmt.Errorf("expected status 'failed', got '%s'", st.Status)
	}
	if st.TerminalReason == nil || *st.TerminalReason != reason {
		return fmt.Errorf("expected terminal reason '%s', got %v", reason, st.TerminalReason)
	}
	return st.CheckInvariants()
}
