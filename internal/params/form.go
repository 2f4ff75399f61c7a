package params

import (
	"context"
	"errors"
	"fmt"
	"sort"

	ceasdk "ceatool/sdk/go"
)

const (
	// CreateDatabaseLabel is offered by every database-path parameter.
	CreateDatabaseLabel = "Create your own database later"
	// CreateDatabaseValue is the sentinel sent when it is picked.
	CreateDatabaseValue = "create"
)

// ErrUnknownField is returned for edits to a name the schema lacks.
var ErrUnknownField = errors.New("unknown parameter")

type binding struct {
	param ceasdk.Parameter
	kind  Kind
}

// Form is the editable working copy of one tool's parameter values. It is
// owned by a single open tool and must not be shared between goroutines.
type Form struct {
	tool    string
	schema  ceasdk.ToolSchema
	fields  map[string]*binding
	order   []string
	values  map[string]any
	invalid map[string]*ValidationError
}

// NewForm binds a fetched schema. Values are copied from the descriptors;
// scenario-bound descriptors are carried but get no form value.
func NewForm(tool string, schema ceasdk.ToolSchema) (*Form, error) {
	f := &Form{
		tool:    tool,
		schema:  cloneSchema(schema),
		fields:  make(map[string]*binding),
		values:  make(map[string]any),
		invalid: make(map[string]*ValidationError),
	}
	add := func(p *ceasdk.Parameter) error {
		if p.Name == "" {
			return fmt.Errorf("parameter without a name in %s", tool)
		}
		if _, dup := f.fields[p.Name]; dup {
			return fmt.Errorf("duplicate parameter %q in %s", p.Name, tool)
		}
		kind := KindOf(p.Type)
		if _, ok := kind.(DatabasePath); ok {
			addCreateChoice(p)
		}
		f.fields[p.Name] = &binding{param: *p, kind: kind}
		f.order = append(f.order, p.Name)
		if _, ok := kind.(Scenario); !ok {
			f.values[p.Name] = p.Value
		}
		return nil
	}
	for i := range f.schema.Parameters {
		if err := add(&f.schema.Parameters[i]); err != nil {
			return nil, err
		}
	}
	for _, group := range f.Groups() {
		ps := f.schema.CategoricalParameters[group]
		for i := range ps {
			if err := add(&ps[i]); err != nil {
				return nil, err
			}
		}
	}
	return f, nil
}

func addCreateChoice(p *ceasdk.Parameter) {
	if _, ok := p.Choices.Lookup(CreateDatabaseLabel); ok {
		return
	}
	p.Choices = append(p.Choices, ceasdk.Choice{Label: CreateDatabaseLabel, Value: CreateDatabaseValue})
}

func cloneSchema(s ceasdk.ToolSchema) ceasdk.ToolSchema {
	out := s
	out.Parameters = cloneParams(s.Parameters)
	if s.CategoricalParameters != nil {
		out.CategoricalParameters = make(map[string][]ceasdk.Parameter, len(s.CategoricalParameters))
		for k, v := range s.CategoricalParameters {
			out.CategoricalParameters[k] = cloneParams(v)
		}
	}
	return out
}

func cloneParams(ps []ceasdk.Parameter) []ceasdk.Parameter {
	if ps == nil {
		return nil
	}
	out := make([]ceasdk.Parameter, len(ps))
	for i, p := range ps {
		p.Choices = append(ceasdk.Choices(nil), p.Choices...)
		out[i] = p
	}
	return out
}

// Tool is the script name the form was opened for.
func (f *Form) Tool() string { return f.tool }

// Schema returns the bound schema, including injected choices.
func (f *Form) Schema() ceasdk.ToolSchema { return f.schema }

// Groups returns categorical group names in sorted order.
func (f *Form) Groups() []string {
	out := make([]string, 0, len(f.schema.CategoricalParameters))
	for k := range f.schema.CategoricalParameters {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Kind reports the kind of a named parameter.
func (f *Form) Kind(name string) (Kind, bool) {
	b, ok := f.fields[name]
	if !ok {
		return nil, false
	}
	return b.kind, true
}

// Scenario returns the scenario-bound value. An explicit scenario on the
// schema wins over a ScenarioParameter row. Empty values count as unset.
func (f *Form) Scenario() (string, bool) {
	if f.explicitScenario() {
		return *f.schema.Scenario, true
	}
	for _, name := range f.order {
		b := f.fields[name]
		if _, ok := b.kind.(Scenario); ok && !isEmpty(b.param.Value) {
			return fmt.Sprint(b.param.Value), true
		}
	}
	return "", false
}

func (f *Form) explicitScenario() bool {
	return f.schema.Scenario != nil && *f.schema.Scenario != ""
}

// NeedsScenario reports whether the schema has a scenario-bound parameter
// that still lacks a value.
func (f *Form) NeedsScenario() bool {
	if f.explicitScenario() {
		return false
	}
	for _, b := range f.fields {
		if _, ok := b.kind.(Scenario); ok && isEmpty(b.param.Value) {
			return true
		}
	}
	return false
}

// BindScenario sets the scenario-bound value from application context,
// replacing whatever the schema carried.
func (f *Form) BindScenario(scenario string) {
	f.schema.Scenario = &scenario
}

// Clone returns an independent copy of the form, including recorded edit
// errors and any bound scenario.
func (f *Form) Clone() *Form {
	out := &Form{
		tool:    f.tool,
		schema:  cloneSchema(f.schema),
		fields:  make(map[string]*binding, len(f.fields)),
		order:   append([]string(nil), f.order...),
		values:  f.Values(),
		invalid: make(map[string]*ValidationError, len(f.invalid)),
	}
	if f.schema.Scenario != nil {
		scenario := *f.schema.Scenario
		out.schema.Scenario = &scenario
	}
	for name, b := range f.fields {
		c := *b
		out.fields[name] = &c
	}
	for name, verr := range f.invalid {
		out.invalid[name] = verr
	}
	return out
}

// Value returns the current value of one field.
func (f *Form) Value(name string) (any, bool) {
	v, ok := f.values[name]
	return v, ok
}

// Values returns a copy of all field values, keyed by parameter name.
func (f *Form) Values() map[string]any {
	out := make(map[string]any, len(f.values))
	for k, v := range f.values {
		out[k] = v
	}
	return out
}

// Set applies one edit. Input that fails the field's rule is kept as typed
// and recorded as that field's error; other fields are untouched.
func (f *Form) Set(name, input string) error {
	b, ok := f.fields[name]
	if !ok {
		return fmt.Errorf("%w %q", ErrUnknownField, name)
	}
	if _, ok := b.kind.(Scenario); ok {
		_, err := b.kind.parse(b.param, input)
		return &ValidationError{Field: name, Kind: b.kind.String(), Input: input, Reason: err.Error()}
	}
	v, err := b.kind.parse(b.param, input)
	if err != nil {
		verr := &ValidationError{Field: name, Kind: b.kind.String(), Input: input, Reason: err.Error()}
		f.values[name] = input
		f.invalid[name] = verr
		return verr
	}
	f.values[name] = v
	delete(f.invalid, name)
	return nil
}

// FieldError returns the recorded error for a field, if any.
func (f *Form) FieldError(name string) *ValidationError {
	return f.invalid[name]
}

// Validate reports every field that blocks submission: recorded edit errors
// and required fields left empty.
func (f *Form) Validate() error {
	var errs FieldErrors
	for _, name := range f.order {
		b := f.fields[name]
		if verr, ok := f.invalid[name]; ok {
			errs = append(errs, verr)
			continue
		}
		if !b.param.Required {
			continue
		}
		if _, ok := b.kind.(Scenario); ok {
			if _, ok := f.Scenario(); !ok {
				errs = append(errs, &ValidationError{Field: name, Kind: b.kind.String(), Reason: "no scenario is open"})
			}
			continue
		}
		if isEmpty(f.values[name]) {
			errs = append(errs, &ValidationError{Field: name, Kind: b.kind.String(), Reason: "value is required"})
		}
	}
	if len(errs) == 0 {
		return nil
	}
	errs.sort()
	return errs
}

func isEmpty(v any) bool {
	if v == nil {
		return true
	}
	s, ok := v.(string)
	return ok && s == ""
}

// DialogRequest describes a path to ask the user for.
type DialogRequest struct {
	Field   string
	Title   string
	Current string
}

// FileDialog asks the user for a filesystem path. An empty path means the
// user cancelled.
type FileDialog interface {
	OpenPath(ctx context.Context, req DialogRequest) (string, error)
}

// Browse runs the file dialog for a file-path field and writes the chosen
// path back. It reports whether a path was chosen.
func (f *Form) Browse(ctx context.Context, name string, dialog FileDialog) (bool, error) {
	b, ok := f.fields[name]
	if !ok {
		return false, fmt.Errorf("%w %q", ErrUnknownField, name)
	}
	if _, ok := b.kind.(FilePath); !ok {
		return false, fmt.Errorf("parameter %q is a %s, not a path", name, b.kind)
	}
	title := b.param.Label
	if title == "" {
		title = name
	}
	current, _ := f.values[name].(string)
	path, err := dialog.OpenPath(ctx, DialogRequest{Field: name, Title: title, Current: current})
	if err != nil {
		return false, err
	}
	if path == "" {
		return false, nil
	}
	return true, f.Set(name, path)
}
