package oracle

import (
	"bytes"
	"encoding/json"
	"errors"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

// validate checks decoded answers against their struct tags.
var validate *validator.Validate

func init() {
	validate = validator.New(validator.WithRequiredStructEnabled())
	validate.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
}

// Decode parses raw oracle text into T.
//
// The answer must contain a JSON object carrying every key the schema marks
// required, and the decoded value must pass its validate tags. There is no
// partial recovery: any mismatch is a *StructuredOutputError.
func Decode[T any](raw string, schema Schema) (T, error) {
	var out T

	obj, err := extractJSONObject(raw)
	if err != nil {
		return out, &StructuredOutputError{Schema: schema.Name, Reason: "no JSON object", Raw: raw, Cause: err}
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(obj, &fields); err != nil {
		return out, &StructuredOutputError{Schema: schema.Name, Reason: "malformed JSON", Raw: raw, Cause: err}
	}
	for _, key := range schema.Definition.Required {
		v, ok := fields[key]
		if !ok || string(v) == "null" {
			return out, &StructuredOutputError{Schema: schema.Name, Reason: "missing field " + key, Raw: raw}
		}
	}

	if err := json.Unmarshal(obj, &out); err != nil {
		return out, &StructuredOutputError{Schema: schema.Name, Reason: "field type mismatch", Raw: raw, Cause: err}
	}
	if err := validate.Struct(out); err != nil {
		var verrs validator.ValidationErrors
		reason := "validation failed"
		if errors.As(err, &verrs) && len(verrs) > 0 {
			reason = "field " + verrs[0].Field() + " failed " + verrs[0].Tag()
		}
		return out, &StructuredOutputError{Schema: schema.Name, Reason: reason, Raw: raw, Cause: err}
	}
	return out, nil
}

// extractJSONObject finds the answer object in free-form text: the whole
// text, a fenced ```json block, or the first balanced {...} that parses.
func extractJSONObject(text string) ([]byte, error) {
	trimmed := bytes.TrimSpace([]byte(text))
	if len(trimmed) == 0 {
		return nil, ErrEmptyResponse
	}
	if json.Valid(trimmed) && trimmed[0] == '{' {
		return trimmed, nil
	}

	if block, ok := fencedBlock(text); ok && json.Valid([]byte(block)) {
		return []byte(block), nil
	}

	// Scan for a balanced object, ignoring braces inside strings.
	start := -1
	depth := 0
	inString := false
	escaped := false
	for i := 0; i < len(text); i++ {
		c := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			if start != -1 {
				inString = true
			}
		case '{':
			if start == -1 {
				start = i
			}
			depth++
		case '}':
			if depth == 0 {
				continue
			}
			depth--
			if depth == 0 && start != -1 {
				candidate := []byte(text[start : i+1])
				if json.Valid(candidate) {
					return candidate, nil
				}
				start = -1
			}
		}
	}
	return nil, errors.New("no valid JSON object found in response")
}

func fencedBlock(text string) (string, bool) {
	open := strings.Index(text, "```")
	if open == -1 {
		return "", false
	}
	rest := text[open+3:]
	if nl := strings.IndexByte(rest, '\n'); nl != -1 {
		rest = rest[nl+1:]
	}
	end := strings.Index(rest, "```")
	if end == -1 {
		return "", false
	}
	return strings.TrimSpace(rest[:end]), true
}
