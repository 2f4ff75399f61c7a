package params

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	ceasdk "ceatool/sdk/go"
)

// Widget is the kind of input control a field is presented with.
type Widget string

const (
	WidgetHidden Widget = "hidden"
	WidgetPath   Widget = "path"
	WidgetSelect Widget = "select"
	WidgetNumber Widget = "number"
	WidgetText   Widget = "text"
	WidgetToggle Widget = "toggle"
)

// Kind is the closed set of parameter kinds. Every variant owns the rule
// that turns user input into a value; the set cannot be extended outside
// this package.
type Kind interface {
	fmt.Stringer
	Widget() Widget
	parse(p ceasdk.Parameter, input string) (any, error)
	sealed()
}

// FilePath is a filesystem path, editable as text or picked with a dialog.
type FilePath struct{}

// Choice selects one of the parameter's labelled options.
type Choice struct{}

// DatabasePath is a Choice over known databases that also offers a
// "create later" option.
type DatabasePath struct{}

// Scenario is bound to the application's current scenario. It is never
// shown and never edited; its value is injected on submission.
type Scenario struct{}

// Numeric accepts real numbers, or only integers when Integer is set.
type Numeric struct{ Integer bool }

// Text accepts any input.
type Text struct{}

// Boolean is a two-state toggle.
type Boolean struct{}

// KindOf maps the backend's parameter type tag to a Kind. Tags this client
// does not know are edited as plain text.
func KindOf(typ string) Kind {
	switch typ {
	case "ScenarioParameter":
		return Scenario{}
	case "PathParameter", "FileParameter", "InputFileParameter", "DirectoryParameter":
		return FilePath{}
	case "ChoiceParameter":
		return Choice{}
	case "DatabasePathParameter":
		return DatabasePath{}
	case "IntegerParameter":
		return Numeric{Integer: true}
	case "RealParameter":
		return Numeric{}
	case "BooleanParameter":
		return Boolean{}
	default:
		return Text{}
	}
}

func (FilePath) String() string     { return "file-path" }
func (Choice) String() string       { return "choice" }
func (DatabasePath) String() string { return "database-path" }
func (Scenario) String() string     { return "scenario" }
func (Text) String() string         { return "string" }
func (Boolean) String() string      { return "boolean" }
func (n Numeric) String() string {
	if n.Integer {
		return "integer"
	}
	return "numeric"
}

func (FilePath) Widget() Widget     { return WidgetPath }
func (Choice) Widget() Widget       { return WidgetSelect }
func (DatabasePath) Widget() Widget { return WidgetSelect }
func (Scenario) Widget() Widget     { return WidgetHidden }
func (Numeric) Widget() Widget      { return WidgetNumber }
func (Text) Widget() Widget         { return WidgetText }
func (Boolean) Widget() Widget      { return WidgetToggle }

func (FilePath) sealed()     {}
func (Choice) sealed()       {}
func (DatabasePath) sealed() {}
func (Scenario) sealed()     {}
func (Numeric) sealed()      {}
func (Text) sealed()         {}
func (Boolean) sealed()      {}

func (FilePath) parse(_ ceasdk.Parameter, input string) (any, error) {
	return strings.TrimSpace(input), nil
}

func (Choice) parse(p ceasdk.Parameter, input string) (any, error) {
	return pickChoice(p.Choices, input)
}

func (DatabasePath) parse(p ceasdk.Parameter, input string) (any, error) {
	return pickChoice(p.Choices, input)
}

func (Scenario) parse(_ ceasdk.Parameter, _ string) (any, error) {
	return nil, fmt.Errorf("scenario is taken from the open project and cannot be edited")
}

func (n Numeric) parse(_ ceasdk.Parameter, input string) (any, error) {
	s := strings.TrimSpace(input)
	if s == "" {
		return nil, nil
	}
	if n.Integer {
		v, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%q is not an integer", input)
		}
		return v, nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil, fmt.Errorf("%q is not a number", input)
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return nil, fmt.Errorf("%q is not a finite number", input)
	}
	return v, nil
}

func (Text) parse(_ ceasdk.Parameter, input string) (any, error) {
	return input, nil
}

func (Boolean) parse(_ ceasdk.Parameter, input string) (any, error) {
	switch strings.ToLower(strings.TrimSpace(input)) {
	case "true", "t", "1", "yes", "y", "on":
		return true, nil
	case "false", "f", "0", "no", "n", "off":
		return false, nil
	}
	return nil, fmt.Errorf("%q is not true or false", input)
}

// pickChoice resolves a label to its value. The underlying value itself is
// accepted too, so saved configs round-trip.
func pickChoice(choices ceasdk.Choices, input string) (any, error) {
	if input == "" {
		return nil, nil
	}
	if v, ok := choices.Lookup(input); ok {
		return v, nil
	}
	for _, ch := range choices {
		if fmt.Sprint(ch.Value) == input {
			return ch.Value, nil
		}
	}
	return nil, fmt.Errorf("%q is not one of %s", input, strings.Join(choices.Labels(), ", "))
}
