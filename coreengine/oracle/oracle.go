// Package oracle provides the reasoning-oracle capability consumed by the
// debugging stages: role-tagged prompts, requested output schemas and
// structured decoding of the oracle's answer.
package oracle

import (
	"context"
	"fmt"
	"strings"

	"github.com/sashabaranov/go-openai/jsonschema"
)

// Role tags a prompt message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one role-tagged prompt message.
type Message struct {
	Role    Role
	Content string
}

// Prompt is an ordered list of role-tagged messages.
type Prompt struct {
	Messages []Message
}

// NewPrompt builds the usual system-instructions + user-content prompt.
func NewPrompt(system, user string) Prompt {
	return Prompt{Messages: []Message{
		{Role: RoleSystem, Content: system},
		{Role: RoleUser, Content: user},
	}}
}

// Content returns the concatenated content of every message with the given role.
func (p Prompt) Content(role Role) string {
	var parts []string
	for _, m := range p.Messages {
		if m.Role == role {
			parts = append(parts, m.Content)
		}
	}
	return strings.Join(parts, "\n")
}

// Schema names and describes the structured answer a stage requests.
type Schema struct {
	Name        string
	Description string
	Definition  jsonschema.Definition
}

// SchemaFor generates a Schema from the json tags of T.
func SchemaFor[T any](name, description string) (Schema, error) {
	var zero T
	def, err := jsonschema.GenerateSchemaForType(zero)
	if err != nil {
		return Schema{}, fmt.Errorf("generate schema %s: %w", name, err)
	}
	return Schema{Name: name, Description: description, Definition: *def}, nil
}

// MustSchemaFor is SchemaFor for package-level schema variables.
func MustSchemaFor[T any](name, description string) Schema {
	s, err := SchemaFor[T](name, description)
	if err != nil {
		panic(err)
	}
	return s
}

// FormatInstructions renders the schema as text appended to prompts, so that
// providers without native structured output still know the expected shape.
func (s Schema) FormatInstructions() string {
	raw, err := s.Definition.MarshalJSON()
	if err != nil {
		return ""
	}
	return "Respond with a single JSON object that conforms to this JSON schema:\n" + string(raw)
}

// Options are per-call generation parameters.
type Options struct {
	Temperature float32
	MaxTokens   int
}

// Oracle is the external reasoning service.
//
// Generate returns the raw answer text; callers decode it with Invoke.
type Oracle interface {
	Generate(ctx context.Context, model string, prompt Prompt, schema Schema, opts Options) (string, error)
}

// Func adapts an ordinary function to Oracle.
type Func func(ctx context.Context, model string, prompt Prompt, schema Schema, opts Options) (string, error)

// Generate implements Oracle.
func (f Func) Generate(ctx context.Context, model string, prompt Prompt, schema Schema, opts Options) (string, error) {
	return f(ctx, model, prompt, schema, opts)
}

// Invoke calls the oracle and decodes its answer into T. Any schema mismatch
// is reported as *StructuredOutputError.
func Invoke[T any](ctx context.Context, o Oracle, model string, prompt Prompt, schema Schema, opts Options) (T, error) {
	var zero T
	raw, err := o.Generate(ctx, model, prompt, schema, opts)
	if err != nil {
		return zero, err
	}
	return Decode[T](raw, schema)
}
