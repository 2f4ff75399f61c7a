package params

import (
	"reflect"

	ceasdk "ceatool/sdk/go"
)

// ViewState says which of the mutually exclusive outputs a View carries.
type ViewState int

const (
	ViewLoading ViewState = iota
	ViewError
	// ViewEmpty is "nothing to show yet": the schema had no label.
	ViewEmpty
	ViewReady
)

func (s ViewState) String() string {
	switch s {
	case ViewLoading:
		return "loading"
	case ViewError:
		return "error"
	case ViewEmpty:
		return "empty"
	case ViewReady:
		return "ready"
	default:
		return "unknown"
	}
}

// Field is the presentation of one editable parameter.
type Field struct {
	Name     string   `json:"name"`
	Label    string   `json:"label"`
	Help     string   `json:"help,omitempty"`
	Kind     string   `json:"kind"`
	Widget   Widget   `json:"widget"`
	Value    any      `json:"value"`
	Options  []string `json:"options,omitempty"`
	Required bool     `json:"required,omitempty"`
	Error    string   `json:"error,omitempty"`
}

// Group is a collapsible set of categorical parameters.
type Group struct {
	Name   string  `json:"name"`
	Fields []Field `json:"fields"`
}

// View is everything a presentation layer needs to draw a tool form.
type View struct {
	State    ViewState `json:"-"`
	Err      error     `json:"-"`
	Category string    `json:"category,omitempty"`
	Label    string    `json:"label,omitempty"`
	Fields   []Field   `json:"fields,omitempty"`
	Groups   []Group   `json:"groups,omitempty"`
}

// LoadingView is shown while a schema request is in flight.
func LoadingView() View { return View{State: ViewLoading} }

// ErrorView replaces the whole form when the schema could not be fetched.
func ErrorView(err error) View { return View{State: ViewError, Err: err} }

// Render builds the view of a bound form. Scenario-bound parameters are
// left out; every other parameter appears exactly once.
func Render(f *Form) View {
	if f == nil {
		return LoadingView()
	}
	if f.schema.Label == "" {
		return View{State: ViewEmpty}
	}
	v := View{
		State:    ViewReady,
		Category: f.schema.Category,
		Label:    f.schema.Label,
	}
	for _, p := range f.schema.Parameters {
		if fld, ok := f.field(p.Name); ok {
			v.Fields = append(v.Fields, fld)
		}
	}
	for _, name := range f.Groups() {
		g := Group{Name: name}
		for _, p := range f.schema.CategoricalParameters[name] {
			if fld, ok := f.field(p.Name); ok {
				g.Fields = append(g.Fields, fld)
			}
		}
		if len(g.Fields) > 0 {
			v.Groups = append(v.Groups, g)
		}
	}
	return v
}

func (f *Form) field(name string) (Field, bool) {
	b := f.fields[name]
	if _, hidden := b.kind.(Scenario); hidden {
		return Field{}, false
	}
	fld := Field{
		Name:     name,
		Label:    b.param.Label,
		Help:     b.param.Help,
		Kind:     b.kind.String(),
		Widget:   b.kind.Widget(),
		Value:    f.values[name],
		Required: b.param.Required,
	}
	if fld.Label == "" {
		fld.Label = name
	}
	switch b.kind.(type) {
	case Choice, DatabasePath:
		fld.Options = b.param.Choices.Labels()
		fld.Value = labelFor(b.param.Choices, fld.Value)
	}
	if verr := f.invalid[name]; verr != nil {
		fld.Error = verr.Reason
	}
	return fld, true
}

// labelFor shows a selected value by its label when one maps to it.
func labelFor(choices ceasdk.Choices, v any) any {
	for _, ch := range choices {
		if reflect.DeepEqual(ch.Value, v) {
			return ch.Label
		}
	}
	return v
}
