package app

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"ceatool/internal/params"
	ceasdk "ceatool/sdk/go"
)

type staticProject struct {
	p     ceasdk.Project
	err   error
	calls int
}

func (s *staticProject) Project(context.Context) (ceasdk.Project, error) {
	s.calls++
	return s.p, s.err
}

func form(t *testing.T, withScenario bool) *params.Form {
	t.Helper()
	ps := []ceasdk.Parameter{{Name: "year", Type: "IntegerParameter", Value: float64(2020)}}
	if withScenario {
		ps = append(ps, ceasdk.Parameter{Name: "scenario", Type: "ScenarioParameter", Value: "/from/schema"})
	}
	f, err := params.NewForm("t", ceasdk.ToolSchema{Label: "T", Parameters: ps})
	if err != nil {
		t.Fatal(err)
	}
	return f
}

func TestResolveScenarioOrder(t *testing.T) {
	ctx := context.Background()
	src := &staticProject{p: ceasdk.Project{Path: "/projects/zurich", Scenario: "baseline"}}

	f := form(t, true)
	got, err := ResolveScenario(ctx, "/override", f, src)
	if err != nil || got != "/override" {
		t.Fatalf("override: %q %v", got, err)
	}
	if s, _ := f.Scenario(); s != "/override" {
		t.Fatalf("override not bound: %q", s)
	}

	got, err = ResolveScenario(ctx, "", form(t, true), src)
	if err != nil || got != "/from/schema" {
		t.Fatalf("schema: %q %v", got, err)
	}
	if src.calls != 0 {
		t.Fatalf("project should not be consulted")
	}

	f = form(t, false)
	got, err = ResolveScenario(ctx, "", f, src)
	want := filepath.Join("/projects/zurich", "baseline")
	if err != nil || got != want {
		t.Fatalf("project: %q %v", got, err)
	}
	if s, _ := f.Scenario(); s != want {
		t.Fatalf("project scenario not bound: %q", s)
	}
}

func TestResolveScenarioNone(t *testing.T) {
	_, err := ResolveScenario(context.Background(), "", form(t, false), &staticProject{})
	if !errors.Is(err, ErrNoScenario) {
		t.Fatalf("expected ErrNoScenario, got %v", err)
	}
}
