package engine_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"

	"ceatool/internal/db"
	"ceatool/internal/domain"
	"ceatool/internal/engine"
	"ceatool/internal/events"
	"ceatool/internal/jobs"
	"ceatool/internal/migrate"
	"ceatool/internal/params"
	ceasdk "ceatool/sdk/go"
)

type fakeBackend struct {
	schemas    map[string]ceasdk.ToolSchema
	schemaErr  error
	saveErr    error
	saved      []map[string]any
	resets     int
	project    ceasdk.Project
	projectErr error
	createErr  error
	openErr    error
	requests   []ceasdk.JobRequest
	started    []string
	created    []ceasdk.NewScenario
	opened     []string
	deleted    []string
	glossary   []ceasdk.GlossaryCategory
}

func (f *fakeBackend) ToolSchema(_ context.Context, tool string) (ceasdk.ToolSchema, error) {
	if f.schemaErr != nil {
		return ceasdk.ToolSchema{}, f.schemaErr
	}
	s, ok := f.schemas[tool]
	if !ok {
		return ceasdk.ToolSchema{}, &ceasdk.APIError{StatusCode: 404, Body: "not found"}
	}
	return s, nil
}

func (f *fakeBackend) SaveToolParams(_ context.Context, _ string, values map[string]any) error {
	if f.saveErr != nil {
		return f.saveErr
	}
	f.saved = append(f.saved, values)
	return nil
}

func (f *fakeBackend) ResetToolParams(context.Context, string) error {
	f.resets++
	return nil
}

func (f *fakeBackend) CreateScenario(_ context.Context, s ceasdk.NewScenario) (map[string]any, error) {
	f.created = append(f.created, s)
	return map[string]any{"name": s.Name}, nil
}

func (f *fakeBackend) OpenScenario(_ context.Context, name string) error {
	if f.openErr != nil {
		return f.openErr
	}
	f.opened = append(f.opened, name)
	return nil
}

func (f *fakeBackend) DeleteScenario(_ context.Context, name string) error {
	f.deleted = append(f.deleted, name)
	return nil
}

func (f *fakeBackend) CreateJob(_ context.Context, req ceasdk.JobRequest) (ceasdk.Job, error) {
	f.requests = append(f.requests, req)
	if f.createErr != nil {
		return ceasdk.Job{}, f.createErr
	}
	return ceasdk.Job{ID: "job-1", Script: req.Script, State: "created"}, nil
}

func (f *fakeBackend) StartJob(_ context.Context, id string) error {
	f.started = append(f.started, id)
	return nil
}

func (f *fakeBackend) Project(context.Context) (ceasdk.Project, error) {
	if f.projectErr != nil {
		return ceasdk.Project{}, f.projectErr
	}
	return f.project, nil
}

func (f *fakeBackend) Glossary(context.Context) ([]ceasdk.GlossaryCategory, error) {
	return f.glossary, nil
}

type testEnv struct {
	Engine  engine.Engine
	Backend *fakeBackend
	Journal *events.Writer
	Ctx     context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if _, err := migrate.Migrate(context.Background(), conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	backend := &fakeBackend{
		schemas: map[string]ceasdk.ToolSchema{
			"demand": {
				Category: "Demand forecasting",
				Label:    "Building energy demand",
				Parameters: []ceasdk.Parameter{
					{Name: "scenario", Type: "ScenarioParameter", Required: true},
					{Name: "multiprocessing", Type: "BooleanParameter", Value: true},
					{Name: "buildings", Type: "ListParameter", Value: ""},
				},
				CategoricalParameters: map[string][]ceasdk.Parameter{
					"Advanced": {{Name: "resolution", Type: "IntegerParameter", Value: float64(2)}},
				},
			},
			engine.DataInitializer: {
				Label: "Data initializer",
				Parameters: []ceasdk.Parameter{
					{Name: "scenario", Type: "ScenarioParameter"},
					{Name: "databases-path", Type: "DatabasePathParameter", Value: "CH", Choices: ceasdk.Choices{
						{Label: "CH", Value: "CH"},
						{Label: "SG", Value: "SG"},
					}},
				},
			},
		},
		project: ceasdk.Project{Name: "zurich", Path: "/projects/zurich", Scenario: "baseline", Scenarios: []string{"baseline"}},
		glossary: []ceasdk.GlossaryCategory{{Script: "demand", Variables: []ceasdk.GlossaryVariable{
			{Variable: "GRID_kWh", Unit: "[kWh]"},
		}}},
	}
	now := func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	journal := &events.Writer{DB: conn, Now: now}
	log, _ := test.NewNullLogger()
	eng := engine.New(backend, journal, log)
	eng.Now = now
	return testEnv{Engine: eng, Backend: backend, Journal: journal, Ctx: context.Background()}
}

func (env testEnv) eventTypes(t *testing.T) []string {
	t.Helper()
	evts, err := env.Journal.Tail(env.Ctx, 50, "")
	if err != nil {
		t.Fatalf("tail: %v", err)
	}
	var out []string
	for i := len(evts) - 1; i >= 0; i-- {
		out = append(out, evts[i].Type)
	}
	return out
}

func TestOpenFailureShowsErrorView(t *testing.T) {
	env := newTestEnv(t)
	env.Backend.schemaErr = &ceasdk.APIError{StatusCode: 500, Body: "boom"}
	s, err := env.Engine.Open(env.Ctx, "demand")
	var ferr *params.SchemaFetchError
	if !errors.As(err, &ferr) || ferr.Tool != "demand" {
		t.Fatalf("expected schema fetch error, got %v", err)
	}
	if v := s.View(); v.State != params.ViewError || v.Err == nil {
		t.Fatalf("expected error view, got %+v", v)
	}
	if s.Form() != nil {
		t.Fatalf("no form should be bound")
	}
	if _, err := s.Submit(env.Ctx, ""); !errors.As(err, &ferr) {
		t.Fatalf("submit on failed session: %v", err)
	}

	env.Backend.schemaErr = nil
	if err := s.Refresh(env.Ctx); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if v := s.View(); v.State != params.ViewReady {
		t.Fatalf("expected ready view after refresh, got %v", v.State)
	}
}

func TestSaveWritesValuesAndJournal(t *testing.T) {
	env := newTestEnv(t)
	s, err := env.Engine.Open(env.Ctx, "demand")
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Form().Set("resolution", "4"); err != nil {
		t.Fatal(err)
	}
	s.Form().BindScenario("/projects/zurich/baseline")
	if err := s.Save(env.Ctx); err != nil {
		t.Fatalf("save: %v", err)
	}
	want := []map[string]any{{
		"multiprocessing": true,
		"buildings":       "",
		"resolution":      int64(4),
		"scenario":        "/projects/zurich/baseline",
	}}
	if diff := cmp.Diff(want, env.Backend.saved); diff != "" {
		t.Fatalf("saved (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{domain.EventParamsSaved}, env.eventTypes(t)); diff != "" {
		t.Fatalf("journal (-want +got):\n%s", diff)
	}
}

func TestSaveFailureKeepsForm(t *testing.T) {
	env := newTestEnv(t)
	env.Backend.saveErr = errors.New("disk full")
	s, err := env.Engine.Open(env.Ctx, "demand")
	if err != nil {
		t.Fatal(err)
	}
	form := s.Form()
	if err := form.Set("multiprocessing", "off"); err != nil {
		t.Fatal(err)
	}
	form.BindScenario("/p/s")
	err = s.Save(env.Ctx)
	var perr *engine.PersistError
	if !errors.As(err, &perr) || perr.Op != "save" {
		t.Fatalf("expected persist error, got %v", err)
	}
	if v, _ := s.Form().Value("multiprocessing"); v != false {
		t.Fatalf("edit lost after failed save: %v", v)
	}
	if diff := cmp.Diff([]string{domain.EventPersistError}, env.eventTypes(t)); diff != "" {
		t.Fatalf("journal (-want +got):\n%s", diff)
	}
}

func TestSaveRejectsInvalidForm(t *testing.T) {
	env := newTestEnv(t)
	s, err := env.Engine.Open(env.Ctx, "demand")
	if err != nil {
		t.Fatal(err)
	}
	_ = s.Form().Set("resolution", "two")
	var ferrs params.FieldErrors
	if err := s.Save(env.Ctx); !errors.As(err, &ferrs) {
		t.Fatalf("expected field errors, got %v", err)
	}
	if len(env.Backend.saved) != 0 {
		t.Fatalf("invalid form was saved")
	}
}

func TestResetReloadsForm(t *testing.T) {
	env := newTestEnv(t)
	s, err := env.Engine.Open(env.Ctx, "demand")
	if err != nil {
		t.Fatal(err)
	}
	_ = s.Form().Set("resolution", "9")
	if err := s.Reset(env.Ctx); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if env.Backend.resets != 1 {
		t.Fatalf("resets = %d", env.Backend.resets)
	}
	if v, _ := s.Form().Value("resolution"); v != float64(2) {
		t.Fatalf("expected default restored, got %v", v)
	}
}

func TestSubmitResolvesScenarioFromProject(t *testing.T) {
	env := newTestEnv(t)
	s, err := env.Engine.Open(env.Ctx, "demand")
	if err != nil {
		t.Fatal(err)
	}
	job, err := s.Submit(env.Ctx, "")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if job.ID != "job-1" || len(env.Backend.started) != 1 || env.Backend.started[0] != "job-1" {
		t.Fatalf("unexpected job %+v started=%v", job, env.Backend.started)
	}
	if got := env.Backend.requests[0].Parameters["scenario"]; got != "/projects/zurich/baseline" {
		t.Fatalf("scenario = %v", got)
	}
	if diff := cmp.Diff([]string{domain.EventJobCreated, domain.EventJobStarted}, env.eventTypes(t)); diff != "" {
		t.Fatalf("journal (-want +got):\n%s", diff)
	}
	evts, _ := env.Journal.Tail(env.Ctx, 1, "demand")
	if evts[0].JobID != "job-1" || evts[0].Scenario != "/projects/zurich/baseline" {
		t.Fatalf("unexpected event %+v", evts[0])
	}
}

func TestSubmitOverrideScenario(t *testing.T) {
	env := newTestEnv(t)
	s, err := env.Engine.Open(env.Ctx, "demand")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Submit(env.Ctx, "/elsewhere/s2"); err != nil {
		t.Fatal(err)
	}
	if got := env.Backend.requests[0].Parameters["scenario"]; got != "/elsewhere/s2" {
		t.Fatalf("scenario = %v", got)
	}
}

func TestSubmitWithoutOpenScenario(t *testing.T) {
	env := newTestEnv(t)
	env.Backend.project.Scenario = ""
	s, err := env.Engine.Open(env.Ctx, "demand")
	if err != nil {
		t.Fatal(err)
	}
	_, err = s.Submit(env.Ctx, "")
	var ferrs params.FieldErrors
	if !errors.As(err, &ferrs) {
		t.Fatalf("expected field errors, got %v", err)
	}
	if diff := cmp.Diff([]string{"scenario"}, ferrs.Fields()); diff != "" {
		t.Fatalf("blocking fields (-want +got):\n%s", diff)
	}
	if len(env.Backend.requests) != 0 {
		t.Fatalf("no job should be created: %+v", env.Backend.requests)
	}
}

func TestSubmitProjectFailure(t *testing.T) {
	env := newTestEnv(t)
	env.Backend.projectErr = &ceasdk.APIError{StatusCode: 502, Body: "bad gateway"}
	s, err := env.Engine.Open(env.Ctx, "demand")
	if err != nil {
		t.Fatal(err)
	}
	_, err = s.Submit(env.Ctx, "")
	var serr *jobs.SubmissionError
	if !errors.As(err, &serr) || serr.Stage != jobs.StageResolve || serr.Script != "demand" {
		t.Fatalf("expected resolve-stage submission error, got %v", err)
	}
	var apiErr *ceasdk.APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != 502 {
		t.Fatalf("cause lost: %v", err)
	}
	if len(env.Backend.requests) != 0 {
		t.Fatalf("no job should be created: %+v", env.Backend.requests)
	}
	if diff := cmp.Diff([]string{domain.EventJobFailed}, env.eventTypes(t)); diff != "" {
		t.Fatalf("journal (-want +got):\n%s", diff)
	}
	evts, _ := env.Journal.Tail(env.Ctx, 1, "demand")
	if evts[0].Payload["stage"] != string(jobs.StageResolve) {
		t.Fatalf("unexpected payload %+v", evts[0].Payload)
	}
}

func TestSubmitOverrideDoesNotStick(t *testing.T) {
	env := newTestEnv(t)
	s, err := env.Engine.Open(env.Ctx, "demand")
	if err != nil {
		t.Fatal(err)
	}
	env.Backend.createErr = errors.New("queue down")
	var serr *jobs.SubmissionError
	if _, err := s.Submit(env.Ctx, "/elsewhere/s2"); !errors.As(err, &serr) || serr.Stage != jobs.StageCreate {
		t.Fatalf("expected create failure, got %v", err)
	}
	if _, ok := s.Form().Scenario(); ok {
		t.Fatal("override stayed bound to the session form")
	}

	env.Backend.createErr = nil
	if _, err := s.Submit(env.Ctx, ""); err != nil {
		t.Fatalf("retry: %v", err)
	}
	var got []any
	for _, req := range env.Backend.requests {
		got = append(got, req.Parameters["scenario"])
	}
	if diff := cmp.Diff([]any{"/elsewhere/s2", "/projects/zurich/baseline"}, got); diff != "" {
		t.Fatalf("scenarios sent (-want +got):\n%s", diff)
	}
}

func TestCreateScenario(t *testing.T) {
	env := newTestEnv(t)
	res, err := env.Engine.CreateScenario(env.Ctx, engine.ScenarioOptions{Name: "future", Database: params.CreateDatabaseLabel})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if !res.DatabasesLater {
		t.Fatalf("create choice should defer databases")
	}
	want := []ceasdk.NewScenario{{Name: "future", DatabasesPath: params.CreateDatabaseValue, InputData: engine.InputGenerate}}
	if diff := cmp.Diff(want, env.Backend.created); diff != "" {
		t.Fatalf("request (-want +got):\n%s", diff)
	}

	res, err = env.Engine.CreateScenario(env.Ctx, engine.ScenarioOptions{Name: "sg", Database: "SG", InputData: engine.InputCopy})
	if err != nil || res.DatabasesLater {
		t.Fatalf("create sg: %+v %v", res, err)
	}
	if env.Backend.created[1].DatabasesPath != "SG" {
		t.Fatalf("databases-path = %v", env.Backend.created[1].DatabasesPath)
	}
	if diff := cmp.Diff([]string{"sg"}, env.Backend.opened); diff != "" {
		t.Fatalf("opened (-want +got):\n%s", diff)
	}
	journal := []string{domain.EventScenarioNew, domain.EventScenarioNew, domain.EventScenarioOpened}
	if diff := cmp.Diff(journal, env.eventTypes(t)); diff != "" {
		t.Fatalf("journal (-want +got):\n%s", diff)
	}
}

func TestCreateScenarioOpenFailure(t *testing.T) {
	env := newTestEnv(t)
	env.Backend.openErr = &ceasdk.APIError{StatusCode: 500, Body: "locked"}
	res, err := env.Engine.CreateScenario(env.Ctx, engine.ScenarioOptions{Name: "sg", Database: "SG"})
	var apiErr *ceasdk.APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected open error, got %v", err)
	}
	if res.Name != "sg" || len(env.Backend.created) != 1 {
		t.Fatalf("scenario should still be created: %+v", res)
	}
}

func TestOpenAndDeleteScenario(t *testing.T) {
	env := newTestEnv(t)
	if err := env.Engine.OpenScenario(env.Ctx, " retrofit "); err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := env.Engine.DeleteScenario(env.Ctx, "baseline"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := env.Engine.OpenScenario(env.Ctx, ""); err == nil {
		t.Fatal("expected error for blank name")
	}
	if err := env.Engine.DeleteScenario(env.Ctx, " "); err == nil {
		t.Fatal("expected error for blank name")
	}
	if diff := cmp.Diff([]string{"retrofit"}, env.Backend.opened); diff != "" {
		t.Fatalf("opened (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"baseline"}, env.Backend.deleted); diff != "" {
		t.Fatalf("deleted (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{domain.EventScenarioOpened, domain.EventScenarioDeleted}, env.eventTypes(t)); diff != "" {
		t.Fatalf("journal (-want +got):\n%s", diff)
	}
}

func TestCreateScenarioRejects(t *testing.T) {
	env := newTestEnv(t)
	cases := []engine.ScenarioOptions{
		{Name: "  "},
		{Name: "baseline"},
		{Name: "new", InputData: "download"},
		{Name: "new", Database: "Mars"},
	}
	for _, opts := range cases {
		if _, err := env.Engine.CreateScenario(env.Ctx, opts); err == nil {
			t.Fatalf("expected error for %+v", opts)
		}
	}
	if len(env.Backend.created) != 0 {
		t.Fatalf("nothing should have been created: %+v", env.Backend.created)
	}
}

func TestSearchGlossary(t *testing.T) {
	env := newTestEnv(t)
	got, err := env.Engine.SearchGlossary(env.Ctx, "grid")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].Variables[0].Variable != "GRID_kWh" {
		t.Fatalf("unexpected %+v", got)
	}
}

func TestGlossaryColumns(t *testing.T) {
	env := newTestEnv(t)
	got, err := env.Engine.GlossaryColumns(env.Ctx, []string{"Name", "GRID_kWh"})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].Script != "demand" || got[0].Unit != "[kWh]" {
		t.Fatalf("unexpected %+v", got)
	}
}

func TestJournalDisabled(t *testing.T) {
	env := newTestEnv(t)
	eng := engine.New(env.Backend, nil, logrus.New())
	s, err := eng.Open(env.Ctx, "demand")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Submit(env.Ctx, "/p/s"); err != nil {
		t.Fatalf("submit without journal: %v", err)
	}
	if got := env.eventTypes(t); len(got) != 0 {
		t.Fatalf("journal should be untouched, got %v", got)
	}
}
