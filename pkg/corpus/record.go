package corpus

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Record is one line of a JSONL training corpus. Which fields are required
// depends on RecordType; see shapes.
type Record struct {
	ID          string `json:"id,omitempty"`
	RecordType  string `json:"record_type,omitempty"`
	Text        string `json:"text,omitempty"`
	Question    string `json:"question,omitempty"`
	Answer      string `json:"answer,omitempty"`
	Input       string `json:"input,omitempty"`
	Output      string `json:"output,omitempty"`
	Instruction string `json:"instruction,omitempty"`
	Context     string `json:"context,omitempty"`
	Response    string `json:"response,omitempty"`
}

// TypeText is the kind of a record that carries no record_type.
const TypeText = "text"

// docField is one line of a rendered training document.
type docField struct {
	name     string
	label    string
	optional bool
	get      func(Record) string
}

var (
	textField        = docField{name: "text", get: func(r Record) string { return r.Text }}
	questionField    = docField{name: "question", label: "Question: ", get: func(r Record) string { return r.Question }}
	answerField      = docField{name: "answer", label: "Answer: ", get: func(r Record) string { return r.Answer }}
	inputField       = docField{name: "input", label: "User: ", get: func(r Record) string { return r.Input }}
	outputField      = docField{name: "output", label: "Assistant: ", get: func(r Record) string { return r.Output }}
	instructionField = docField{name: "instruction", label: "Instruction: ", get: func(r Record) string { return r.Instruction }}
	contextField     = docField{name: "context", label: "Context: ", optional: true, get: func(r Record) string { return r.Context }}
	responseField    = docField{name: "response", label: "Response: ", get: func(r Record) string { return r.Response }}
)

// shapes maps each record_type to the fields of its document, in order.
// "instruction" is the databricks-dolly layout.
var shapes = map[string][]docField{
	TypeText:      {textField},
	"knowledge":   {textField},
	"story":       {textField},
	"qa":          {questionField, answerField},
	"chat":        {inputField, outputField},
	"instruction": {instructionField, contextField, responseField},
}

// Kind is the normalized record_type, TypeText when absent.
func (rec Record) Kind() string {
	if k := strings.ToLower(strings.TrimSpace(rec.RecordType)); k != "" {
		return k
	}
	return TypeText
}

// Doc returns the training document of the record, one labelled line per
// field. Every non-optional field of the shape must be non-blank.
func (rec Record) Doc() (string, error) {
	kind := rec.Kind()
	fields, ok := shapes[kind]
	if !ok {
		return "", fmt.Errorf("unsupported record_type %q", kind)
	}
	lines := make([]string, 0, len(fields))
	var missing []string
	for _, f := range fields {
		v := strings.TrimSpace(f.get(rec))
		switch {
		case v != "":
			lines = append(lines, f.label+v)
		case !f.optional:
			missing = append(missing, f.name)
		}
	}
	if len(missing) > 0 {
		return "", fmt.Errorf("%s record missing %s", kind, strings.Join(missing, ", "))
	}
	return strings.Join(lines, "\n"), nil
}

// ParseLine decodes one JSONL line and renders its document. lineNo is
// 1-based and only used in error messages.
func ParseLine(line string, lineNo int) (Record, string, error) {
	var rec Record
	if err := json.Unmarshal([]byte(line), &rec); err != nil {
		return Record{}, "", fmt.Errorf("invalid JSON at line %d: %w", lineNo, err)
	}
	doc, err := rec.Doc()
	if err != nil {
		if rec.ID != "" {
			return Record{}, "", fmt.Errorf("line %d (id=%s): %w", lineNo, rec.ID, err)
		}
		return Record{}, "", fmt.Errorf("line %d: %w", lineNo, err)
	}
	return rec, doc, nil
}
