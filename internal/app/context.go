package app

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"ceatool/internal/params"
	ceasdk "ceatool/sdk/go"
)

// ErrNoScenario means neither the caller, the schema nor the open project
// names a scenario.
var ErrNoScenario = errors.New("no scenario currently selected")

// ProjectSource reports the backend's open project.
type ProjectSource interface {
	Project(ctx context.Context) (ceasdk.Project, error)
}

// ResolveScenario picks the scenario a form's job runs against and binds
// it to the form. It prefers the override, then the value carried by the
// schema, then the project's current scenario.
func ResolveScenario(ctx context.Context, override string, form *params.Form, projects ProjectSource) (string, error) {
	if override = strings.TrimSpace(override); override != "" {
		form.BindScenario(override)
		return override, nil
	}
	if s, ok := form.Scenario(); ok && s != "" {
		return s, nil
	}
	if projects == nil {
		return "", ErrNoScenario
	}
	p, err := projects.Project(ctx)
	if err != nil {
		return "", fmt.Errorf("read current project: %w", err)
	}
	if p.Scenario == "" {
		return "", ErrNoScenario
	}
	scenario := p.Scenario
	if p.Path != "" {
		scenario = filepath.Join(p.Path, p.Scenario)
	}
	form.BindScenario(scenario)
	return scenario, nil
}
