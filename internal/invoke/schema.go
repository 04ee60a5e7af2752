package invoke

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Schema is a compiled JSON schema for a stage's output.
type Schema struct {
	Name     string
	Raw      json.RawMessage
	compiled *jsonschema.Schema
}

// CompileSchema compiles doc, which may be JSON bytes, a JSON string, or a
// decoded document such as a map read from YAML.
func CompileSchema(name string, doc any) (*Schema, error) {
	var raw []byte
	switch d := doc.(type) {
	case []byte:
		raw = d
	case json.RawMessage:
		raw = d
	case string:
		raw = []byte(d)
	default:
		b, err := json.Marshal(d)
		if err != nil {
			return nil, eris.Wrapf(err, "invoke: marshal schema %s", name)
		}
		raw = b
	}

	url := name + ".json"
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(url, bytes.NewReader(raw)); err != nil {
		return nil, eris.Wrapf(err, "invoke: add schema %s", name)
	}
	compiled, err := compiler.Compile(url)
	if err != nil {
		return nil, eris.Wrapf(err, "invoke: compile schema %s", name)
	}
	return &Schema{Name: name, Raw: json.RawMessage(raw), compiled: compiled}, nil
}

// MustCompileSchema is CompileSchema for built-in schemas.
func MustCompileSchema(name string, doc any) *Schema {
	s, err := CompileSchema(name, doc)
	if err != nil {
		panic(err)
	}
	return s
}

// Validate checks data against the schema.
func (s *Schema) Validate(data []byte) error {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return eris.Wrap(err, "invoke: output is not JSON")
	}
	if err := s.compiled.Validate(v); err != nil {
		return eris.Wrap(err, "invoke: output does not match schema")
	}
	return nil
}

// Reminder is appended to the prompt when retrying after a violation.
func (s *Schema) Reminder(detail string) string {
	var sb strings.Builder
	sb.WriteString("Your previous response did not match the required output format")
	if detail != "" {
		sb.WriteString(" (")
		sb.WriteString(firstLine(detail))
		sb.WriteString(")")
	}
	sb.WriteString(". Respond with ONLY a JSON object that validates against this JSON Schema:\n")
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, s.Raw, "", "  "); err != nil {
		sb.Write(s.Raw)
	} else {
		sb.Write(pretty.Bytes())
	}
	return sb.String()
}

// CleanJSON strips markdown fences and surrounding prose from model output.
func CleanJSON(text string) string {
	text = strings.TrimSpace(text)

	if strings.HasPrefix(text, "```json") {
		text = strings.TrimPrefix(text, "```json")
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
	} else if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```")
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
	}

	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start >= 0 && end > start {
		text = text[start : end+1]
	}

	return strings.TrimSpace(text)
}

// conform cleans text and validates it, returning the JSON or a
// SchemaViolation.
func conform(modelID string, text string, schema *Schema) (json.RawMessage, error) {
	cleaned := CleanJSON(text)
	if schema == nil {
		if !json.Valid([]byte(cleaned)) {
			return nil, &SchemaViolation{Model: modelID, Detail: "output is not valid JSON", Raw: text}
		}
		return json.RawMessage(cleaned), nil
	}
	if err := schema.Validate([]byte(cleaned)); err != nil {
		return nil, &SchemaViolation{Model: modelID, Detail: err.Error(), Raw: text}
	}
	return json.RawMessage(cleaned), nil
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
