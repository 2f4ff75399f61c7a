package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"ceatool/internal/app"
	"ceatool/internal/domain"
	"ceatool/internal/events"
	"ceatool/internal/glossary"
	"ceatool/internal/jobs"
	"ceatool/internal/params"
	ceasdk "ceatool/sdk/go"
)

// ErrBusy is returned when a fetch or save is requested while the same
// session still has one pending.
var ErrBusy = errors.New("tool session is busy")

// Backend is everything the engine needs from the CEA server.
type Backend interface {
	ToolSchema(ctx context.Context, tool string) (ceasdk.ToolSchema, error)
	SaveToolParams(ctx context.Context, tool string, values map[string]any) error
	ResetToolParams(ctx context.Context, tool string) error
	CreateScenario(ctx context.Context, s ceasdk.NewScenario) (map[string]any, error)
	OpenScenario(ctx context.Context, name string) error
	DeleteScenario(ctx context.Context, name string) error
	jobs.Queue
	app.ProjectSource
	glossary.Source
}

// PersistError reports a failed save-config or reset-to-default call.
// The local form is left as it was.
type PersistError struct {
	Op   string
	Tool string
	Err  error
}

func (e *PersistError) Error() string {
	return fmt.Sprintf("%s parameters of %s: %v", e.Op, e.Tool, e.Err)
}

func (e *PersistError) Unwrap() error { return e.Err }

type Engine struct {
	Backend Backend
	// Journal is nil when the local activity journal is disabled.
	Journal *events.Writer
	Log     logrus.FieldLogger
	Now     func() time.Time
}

func New(b Backend, journal *events.Writer, log logrus.FieldLogger) Engine {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return Engine{Backend: b, Journal: journal, Log: log, Now: time.Now}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) logger() logrus.FieldLogger {
	if e.Log == nil {
		return logrus.StandardLogger()
	}
	return e.Log
}

// record appends to the journal. Journal failures never fail the caller.
func (e Engine) record(ctx context.Context, evt domain.Event) {
	if e.Journal == nil {
		return
	}
	if evt.TS == "" {
		evt.TS = e.now().UTC().Format(time.RFC3339)
	}
	if err := e.Journal.Append(ctx, evt); err != nil {
		e.logger().WithError(err).WithField("type", evt.Type).Warn("journal append failed")
	}
}

// Session is one open tool: its schema, the form bound to it and the
// submitter that turns it into jobs. The form must only be edited from
// the goroutine that owns the session.
type Session struct {
	engine    Engine
	tool      string
	submitter *jobs.Submitter

	mu       sync.Mutex
	form     *params.Form
	fetchErr error
	fetching bool
	saving   bool
}

// Open fetches the tool's schema and binds a form to it. A fetch failure
// still yields a session whose view is the error state, along with a
// *params.SchemaFetchError.
func (e Engine) Open(ctx context.Context, tool string) (*Session, error) {
	s := &Session{engine: e, tool: tool}
	s.submitter = jobs.New(e.Backend, e.logger().WithField("tool", tool))
	s.submitter.Recorder = journalRecorder{engine: e}
	return s, s.Refresh(ctx)
}

// Tool is the script name of the session.
func (s *Session) Tool() string { return s.tool }

// Form returns the bound form, or nil while loading or after a failed fetch.
func (s *Session) Form() *params.Form {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.form
}

// View renders the session's current state.
func (s *Session) View() params.View {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.fetchErr != nil:
		return params.ErrorView(s.fetchErr)
	case s.form == nil:
		return params.LoadingView()
	}
	return params.Render(s.form)
}

// Refresh refetches the schema and replaces the form. Unsaved edits are
// discarded.
func (s *Session) Refresh(ctx context.Context) error {
	if !s.begin(&s.fetching) {
		return ErrBusy
	}
	defer s.end(&s.fetching)

	log := s.engine.logger().WithField("tool", s.tool)
	schema, err := s.engine.Backend.ToolSchema(ctx, s.tool)
	var form *params.Form
	if err == nil {
		form, err = params.NewForm(s.tool, schema)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		ferr := &params.SchemaFetchError{Tool: s.tool, Err: err}
		log.WithError(err).Warn("load tool schema")
		s.form, s.fetchErr = nil, ferr
		return ferr
	}
	log.WithField("parameters", len(form.Values())).Debug("tool schema loaded")
	s.form, s.fetchErr = form, nil
	return nil
}

// Save validates the form and writes its values to the scenario config.
func (s *Session) Save(ctx context.Context) error {
	form, err := s.ready()
	if err != nil {
		return err
	}
	if err := form.Validate(); err != nil {
		return err
	}
	if !s.begin(&s.saving) {
		return ErrBusy
	}
	defer s.end(&s.saving)

	values := jobs.Request(s.tool, form).Parameters
	if err := s.engine.Backend.SaveToolParams(ctx, s.tool, values); err != nil {
		return s.persistFailed(ctx, "save", err)
	}
	scenario, _ := form.Scenario()
	s.engine.record(ctx, domain.Event{Type: domain.EventParamsSaved, Tool: s.tool, Scenario: scenario, Payload: values})
	s.engine.logger().WithField("tool", s.tool).Info("parameters saved")
	return nil
}

// Reset restores the backend defaults and reloads the form from them.
func (s *Session) Reset(ctx context.Context) error {
	if !s.begin(&s.saving) {
		return ErrBusy
	}
	err := s.engine.Backend.ResetToolParams(ctx, s.tool)
	s.end(&s.saving)
	if err != nil {
		return s.persistFailed(ctx, "reset", err)
	}
	s.engine.record(ctx, domain.Event{Type: domain.EventParamsReset, Tool: s.tool})
	return s.Refresh(ctx)
}

// Submit creates and starts a job from the form. When scenario is set, or
// the schema needs one it does not carry, the scenario is resolved into a
// copy of the form, so an override only applies to this submission. With
// no scenario open anywhere, validation reports the blocking field.
func (s *Session) Submit(ctx context.Context, scenario string) (ceasdk.Job, error) {
	form, err := s.ready()
	if err != nil {
		return ceasdk.Job{}, err
	}
	if scenario != "" || form.NeedsScenario() {
		form = form.Clone()
		_, err := app.ResolveScenario(ctx, scenario, form, s.engine.Backend)
		if err != nil && !errors.Is(err, app.ErrNoScenario) {
			serr := &jobs.SubmissionError{Stage: jobs.StageResolve, Script: s.tool, Err: err}
			s.engine.logger().WithError(err).WithField("tool", s.tool).Warn("resolve scenario failed")
			if rerr := s.submitter.Recorder.JobFailed(ctx, s.tool, serr); rerr != nil {
				s.engine.logger().WithError(rerr).Warn("record job failure")
			}
			return ceasdk.Job{}, serr
		}
	}
	return s.submitter.Submit(ctx, s.tool, form)
}

func (s *Session) ready() (*params.Form, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fetchErr != nil {
		return nil, s.fetchErr
	}
	if s.form == nil || s.fetching {
		return nil, ErrBusy
	}
	return s.form, nil
}

func (s *Session) persistFailed(ctx context.Context, op string, err error) error {
	perr := &PersistError{Op: op, Tool: s.tool, Err: err}
	s.engine.logger().WithError(err).WithField("tool", s.tool).Warnf("%s parameters failed", op)
	s.engine.record(ctx, domain.Event{Type: domain.EventPersistError, Tool: s.tool, Payload: map[string]any{"op": op, "error": err.Error()}})
	return perr
}

func (s *Session) begin(flag *bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if *flag {
		return false
	}
	*flag = true
	return true
}

func (s *Session) end(flag *bool) {
	s.mu.Lock()
	*flag = false
	s.mu.Unlock()
}

// journalRecorder writes job lifecycle steps to the local journal.
type journalRecorder struct {
	engine Engine
}

func (r journalRecorder) JobCreated(ctx context.Context, job ceasdk.Job) error {
	r.engine.record(ctx, jobEvent(domain.EventJobCreated, job))
	return nil
}

func (r journalRecorder) JobStarted(ctx context.Context, job ceasdk.Job) error {
	r.engine.record(ctx, jobEvent(domain.EventJobStarted, job))
	return nil
}

func (r journalRecorder) JobFailed(ctx context.Context, script string, serr *jobs.SubmissionError) error {
	r.engine.record(ctx, domain.Event{
		Type:    domain.EventJobFailed,
		Tool:    script,
		JobID:   serr.JobID,
		Payload: map[string]any{"stage": string(serr.Stage), "error": serr.Err.Error()},
	})
	return nil
}

func jobEvent(typ string, job ceasdk.Job) domain.Event {
	scenario, _ := job.Parameters[jobs.ScenarioKey].(string)
	return domain.Event{Type: typ, Tool: job.Script, JobID: job.ID, Scenario: scenario, Payload: job.Parameters}
}

// SearchGlossary fetches the glossary and filters it by variable name.
func (e Engine) SearchGlossary(ctx context.Context, query string) ([]glossary.Match, error) {
	categories, err := e.Backend.Glossary(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch glossary: %w", err)
	}
	return glossary.Search(categories, query), nil
}

// GlossaryColumns looks up the glossary entries for table column headers.
func (e Engine) GlossaryColumns(ctx context.Context, headers []string) ([]glossary.Column, error) {
	categories, err := e.Backend.Glossary(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch glossary: %w", err)
	}
	return glossary.Columns(categories, headers), nil
}
