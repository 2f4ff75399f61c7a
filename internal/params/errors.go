package params

import (
	"fmt"
	"sort"
	"strings"
)

// SchemaFetchError means a tool's parameter schema could not be loaded.
type SchemaFetchError struct {
	Tool string
	Err  error
}

func (e *SchemaFetchError) Error() string {
	return fmt.Sprintf("fetch parameters for %s: %v", e.Tool, e.Err)
}

func (e *SchemaFetchError) Unwrap() error { return e.Err }

// ValidationError is a single field's failed rule.
type ValidationError struct {
	Field  string
	Kind   string
	Input  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

// FieldErrors collects every field blocking submission, ordered by name.
type FieldErrors []*ValidationError

func (fe FieldErrors) Error() string {
	parts := make([]string, 0, len(fe))
	for _, e := range fe {
		parts = append(parts, e.Error())
	}
	return "invalid parameters: " + strings.Join(parts, "; ")
}

// Fields lists the names of the offending fields.
func (fe FieldErrors) Fields() []string {
	out := make([]string, 0, len(fe))
	for _, e := range fe {
		out = append(out, e.Field)
	}
	return out
}

func (fe FieldErrors) sort() {
	sort.Slice(fe, func(i, j int) bool { return fe[i].Field < fe[j].Field })
}
