package ceasdk

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Parameter is one row of a tool's parameter schema.
type Parameter struct {
	Name     string  `json:"name"`
	Type     string  `json:"type"`
	Value    any     `json:"value"`
	Choices  Choices `json:"choices,omitempty"`
	Help     string  `json:"help,omitempty"`
	Label    string  `json:"label,omitempty"`
	Required bool    `json:"required,omitempty"`
	Nullable bool    `json:"nullable,omitempty"`
}

// ToolSchema is the payload of GET /api/tools/{tool}.
type ToolSchema struct {
	Category              string                 `json:"category"`
	Label                 string                 `json:"label"`
	Parameters            []Parameter            `json:"parameters"`
	CategoricalParameters map[string][]Parameter `json:"categorical_parameters,omitempty"`
	// Scenario is the scenario-bound value when the backend reports it
	// explicitly. Older backends only carry it as a ScenarioParameter row.
	Scenario *string `json:"scenario,omitempty"`
}

// Choice is one label -> value option of a choice parameter.
type Choice struct {
	Label string
	Value any
}

// Choices keeps the backend's option order. It decodes from either a JSON
// object (label -> value) or a JSON array of plain values.
type Choices []Choice

func (c *Choices) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*c = nil
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	var out Choices
	switch tok {
	case json.Delim('{'):
		for dec.More() {
			key, err := dec.Token()
			if err != nil {
				return err
			}
			label, ok := key.(string)
			if !ok {
				return fmt.Errorf("choices: unexpected key %v", key)
			}
			var v any
			if err := dec.Decode(&v); err != nil {
				return fmt.Errorf("choices: value for %q: %w", label, err)
			}
			out = append(out, Choice{Label: label, Value: normalizeNumber(v)})
		}
	case json.Delim('['):
		for dec.More() {
			var v any
			if err := dec.Decode(&v); err != nil {
				return fmt.Errorf("choices: %w", err)
			}
			v = normalizeNumber(v)
			out = append(out, Choice{Label: fmt.Sprint(v), Value: v})
		}
	default:
		return fmt.Errorf("choices: expected object or array, got %v", tok)
	}
	*c = out
	return nil
}

func (c Choices) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, ch := range c {
		if i > 0 {
			buf.WriteByte(',')
		}
		k, err := json.Marshal(ch.Label)
		if err != nil {
			return nil, err
		}
		v, err := json.Marshal(ch.Value)
		if err != nil {
			return nil, err
		}
		buf.Write(k)
		buf.WriteByte(':')
		buf.Write(v)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// Lookup returns the value mapped to label.
func (c Choices) Lookup(label string) (any, bool) {
	for _, ch := range c {
		if ch.Label == label {
			return ch.Value, true
		}
	}
	return nil, false
}

// Labels lists option labels in backend order.
func (c Choices) Labels() []string {
	out := make([]string, 0, len(c))
	for _, ch := range c {
		out = append(out, ch.Label)
	}
	return out
}

func normalizeNumber(v any) any {
	n, ok := v.(json.Number)
	if !ok {
		return v
	}
	if f, err := n.Float64(); err == nil {
		return f
	}
	return n.String()
}

// JobRequest is the body of POST /server/jobs/new.
type JobRequest struct {
	Script     string         `json:"script"`
	Parameters map[string]any `json:"parameters"`
}

// Job is the job queue's record, referenced here only by id.
type Job struct {
	ID         string         `json:"id"`
	Script     string         `json:"script,omitempty"`
	Parameters map[string]any `json:"parameters,omitempty"`
	State      string         `json:"state,omitempty"`
}

// GlossaryVariable documents one column of an input or output file.
type GlossaryVariable struct {
	Variable      string `json:"VARIABLE"`
	Unit          string `json:"UNIT"`
	Description   string `json:"DESCRIPTION"`
	FileName      string `json:"FILE_NAME"`
	LocatorMethod string `json:"LOCATOR_METHOD"`
}

// GlossaryCategory groups variables by the script that reads or writes them.
type GlossaryCategory struct {
	Script    string             `json:"script"`
	Variables []GlossaryVariable `json:"variables"`
}

// Project describes the backend's currently open project.
type Project struct {
	Name      string   `json:"name"`
	Path      string   `json:"path"`
	Scenario  string   `json:"scenario"`
	Scenarios []string `json:"scenarios"`
}

// NewScenario is the body of POST /api/project/scenario/.
type NewScenario struct {
	Name          string `json:"name"`
	DatabasesPath any    `json:"databases-path"`
	InputData     string `json:"input-data"`
}
