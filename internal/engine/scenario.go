package engine

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"ceatool/internal/domain"
	"ceatool/internal/params"
	ceasdk "ceatool/sdk/go"
)

// DataInitializer is the tool whose schema carries the database choice
// offered when creating a scenario.
const DataInitializer = "data-initializer"

// Ways of populating a new scenario's input folder.
const (
	InputGenerate = "generate"
	InputCopy     = "copy"
	InputImport   = "import"
)

// ScenarioOptions describe a scenario to create.
type ScenarioOptions struct {
	Name string
	// Database is a choice label or value of the database-path parameter.
	// Empty keeps the parameter's current value.
	Database  string
	InputData string
}

// ScenarioResult is what CreateScenario did.
type ScenarioResult struct {
	Name string `json:"name"`
	// DatabasesLater is set when the "create" choice was picked and the
	// databases still need to be set up.
	DatabasesLater bool           `json:"databases_later"`
	Response       map[string]any `json:"response,omitempty"`
}

// DatabaseParameter returns the database-path parameter of the data
// initializer, with the create-later choice added.
func (e Engine) DatabaseParameter(ctx context.Context) (*params.Form, string, error) {
	schema, err := e.Backend.ToolSchema(ctx, DataInitializer)
	if err != nil {
		return nil, "", &params.SchemaFetchError{Tool: DataInitializer, Err: err}
	}
	form, err := params.NewForm(DataInitializer, schema)
	if err != nil {
		return nil, "", err
	}
	for _, p := range form.Schema().Parameters {
		if k, _ := form.Kind(p.Name); isDatabasePath(k) {
			return form, p.Name, nil
		}
	}
	return nil, "", fmt.Errorf("%s has no database path parameter", DataInitializer)
}

// CreateScenario creates a scenario in the backend's current project.
func (e Engine) CreateScenario(ctx context.Context, opts ScenarioOptions) (ScenarioResult, error) {
	name := strings.TrimSpace(opts.Name)
	if name == "" {
		return ScenarioResult{}, errors.New("scenario name is required")
	}
	if opts.InputData == "" {
		opts.InputData = InputGenerate
	}
	project, err := e.Backend.Project(ctx)
	if err != nil {
		return ScenarioResult{}, fmt.Errorf("read current project: %w", err)
	}
	if slices.Contains(project.Scenarios, name) {
		return ScenarioResult{}, fmt.Errorf("scenario %q already exists in project", name)
	}
	switch opts.InputData {
	case InputGenerate, InputImport:
	case InputCopy:
		if len(project.Scenarios) == 0 {
			return ScenarioResult{}, errors.New("no scenario to copy input data from")
		}
	default:
		return ScenarioResult{}, fmt.Errorf("unknown input data mode %q", opts.InputData)
	}

	form, field, err := e.DatabaseParameter(ctx)
	if err != nil {
		return ScenarioResult{}, err
	}
	if opts.Database != "" {
		if err := form.Set(field, opts.Database); err != nil {
			return ScenarioResult{}, err
		}
	}
	db, _ := form.Value(field)
	if db == nil || db == "" {
		return ScenarioResult{}, &params.ValidationError{Field: field, Kind: params.DatabasePath{}.String(), Reason: "value is required"}
	}

	resp, err := e.Backend.CreateScenario(ctx, ceasdk.NewScenario{Name: name, DatabasesPath: db, InputData: opts.InputData})
	if err != nil {
		return ScenarioResult{}, fmt.Errorf("create scenario %s: %w", name, err)
	}
	later := db == params.CreateDatabaseValue
	e.record(ctx, domain.Event{
		Type:     domain.EventScenarioNew,
		Scenario: name,
		Payload:  map[string]any{"databases-path": db, "input-data": opts.InputData},
	})
	e.logger().WithField("scenario", name).WithField("databases_later", later).Info("scenario created")
	res := ScenarioResult{Name: name, DatabasesLater: later, Response: resp}
	// A scenario waiting for its databases is not opened yet.
	if later {
		return res, nil
	}
	if err := e.OpenScenario(ctx, name); err != nil {
		return res, err
	}
	return res, nil
}

// OpenScenario makes name the current scenario of the backend's project.
func (e Engine) OpenScenario(ctx context.Context, name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("scenario name is required")
	}
	if err := e.Backend.OpenScenario(ctx, name); err != nil {
		return fmt.Errorf("open scenario %s: %w", name, err)
	}
	e.record(ctx, domain.Event{Type: domain.EventScenarioOpened, Scenario: name})
	e.logger().WithField("scenario", name).Info("scenario opened")
	return nil
}

// DeleteScenario removes a scenario from the backend's project.
func (e Engine) DeleteScenario(ctx context.Context, name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("scenario name is required")
	}
	if err := e.Backend.DeleteScenario(ctx, name); err != nil {
		return fmt.Errorf("delete scenario %s: %w", name, err)
	}
	e.record(ctx, domain.Event{Type: domain.EventScenarioDeleted, Scenario: name})
	e.logger().WithField("scenario", name).Info("scenario deleted")
	return nil
}

func isDatabasePath(k params.Kind) bool {
	_, ok := k.(params.DatabasePath)
	return ok
}
