package agents

import (
	"embed"
	"fmt"
	"io/fs"
	"strconv"
	"strings"
	"text/template"

	"github.com/jeeves-cluster-organization/codedebugger/coreengine/envelope"
	"github.com/jeeves-cluster-organization/codedebugger/coreengine/oracle"
)

//go:embed prompts/*.tmpl
var promptFS embed.FS

// Template names under prompts/.
const (
	tmplAnalyzeSystem = "analyze_system.tmpl"
	tmplAnalyzeUser   = "analyze_user.tmpl"
	tmplFixSystem     = "fix_system.tmpl"
	tmplFixUser       = "fix_user.tmpl"
	tmplReviewSystem  = "review_system.tmpl"
	tmplReviewUser    = "review_user.tmpl"
)

// Prompts renders the role-tagged prompt each stage sends to the oracle.
type Prompts struct {
	t *template.Template
}

var templateNames = []string{
	tmplAnalyzeSystem, tmplAnalyzeUser,
	tmplFixSystem, tmplFixUser,
	tmplReviewSystem, tmplReviewUser,
}

var defaultPrompts = mustParsePrompts()

// DefaultPrompts returns the built-in prompt set.
func DefaultPrompts() *Prompts { return defaultPrompts }

func mustParsePrompts() *Prompts {
	sub, err := fs.Sub(promptFS, "prompts")
	if err != nil {
		panic(err)
	}
	p, err := ParsePrompts(sub)
	if err != nil {
		panic(err)
	}
	return p
}

// ParsePrompts parses a prompt set from the *.tmpl files at the root of
// fsys. All six stage templates must be present; the "lines" function
// renders affected line numbers.
func ParsePrompts(fsys fs.FS) (*Prompts, error) {
	t, err := template.New("prompts").
		Funcs(template.FuncMap{"lines": formatLines}).
		ParseFS(fsys, "*.tmpl")
	if err != nil {
		return nil, fmt.Errorf("parse prompts: %w", err)
	}
	var missing []string
	for _, name := range templateNames {
		if t.Lookup(name) == nil {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("parse prompts: missing %s", strings.Join(missing, ", "))
	}
	return &Prompts{t: t}, nil
}

// formatLines renders affected lines as "[1, 2, 3]".
func formatLines(lines []int) string {
	parts := make([]string, len(lines))
	for i, l := range lines {
		parts[i] = strconv.Itoa(l)
	}
	return "[" + strings.Join(parts, ", ") + "]"
}

type analysisData struct {
	Code     string
	ErrorLog string
}

type previousAttempt struct {
	Attempt     int
	Code        string
	Feedback    string
	Suggestions string
}

type fixData struct {
	Code     string
	Analysis envelope.ErrorAnalysis
	Previous *previousAttempt
}

type reviewData struct {
	Code     string
	ErrorLog string
	Fix      envelope.CodeFix
	Analysis envelope.ErrorAnalysis
}

// Analysis builds the Error-Analysis prompt.
func (p *Prompts) Analysis(st *envelope.DebugState) (oracle.Prompt, error) {
	return p.render(tmplAnalyzeSystem, tmplAnalyzeUser, analysisData{
		Code:     st.OriginalCode,
		ErrorLog: st.ErrorLog,
	})
}

// Fix builds the Fix-Generation prompt. After a rejected review the prompt
// also carries the rejected code and the reviewer's feedback.
func (p *Prompts) Fix(st *envelope.DebugState) (oracle.Prompt, error) {
	data := fixData{Code: st.OriginalCode, Analysis: *st.ErrorAnalysis}
	if last := st.LastReview(); last != nil && !last.IsFixValid && st.CurrentFix != nil {
		data.Previous = &previousAttempt{
			Attempt:     len(st.ProposedFixes),
			Code:        st.CurrentFix.FixedCode,
			Feedback:    last.ReviewFeedback,
			Suggestions: last.Suggestions,
		}
	}
	return p.render(tmplFixSystem, tmplFixUser, data)
}

// Review builds the Fix-Review prompt.
func (p *Prompts) Review(st *envelope.DebugState) (oracle.Prompt, error) {
	return p.render(tmplReviewSystem, tmplReviewUser, reviewData{
		Code:     st.CurrentFix.OriginalCode,
		ErrorLog: st.ErrorLog,
		Fix:      *st.CurrentFix,
		Analysis: *st.ErrorAnalysis,
	})
}

func (p *Prompts) render(systemName, userName string, data any) (oracle.Prompt, error) {
	var system, user strings.Builder
	if err := p.t.ExecuteTemplate(&system, systemName, data); err != nil {
		return oracle.Prompt{}, fmt.Errorf("render %s: %w", systemName, err)
	}
	if err := p.t.ExecuteTemplate(&user, userName, data); err != nil {
		return oracle.Prompt{}, fmt.Errorf("render %s: %w", userName, err)
	}
	return oracle.NewPrompt(strings.TrimSpace(system.String()), strings.TrimSpace(user.String())), nil
}
