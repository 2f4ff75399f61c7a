package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	ceasdk "ceatool/sdk/go"
)

// Job states kept by the development job queue.
const (
	JobCreated = "created"
	JobStarted = "started"
)

var (
	errNotFound = errors.New("not found")
	errConflict = errors.New("conflict")
)

// store is the mutable state behind the development backend. Saved
// parameter values, jobs and scenarios live in memory only.
type store struct {
	mu       sync.Mutex
	defaults map[string]ceasdk.ToolSchema
	tools    map[string]ceasdk.ToolSchema
	glossary []ceasdk.GlossaryCategory
	project  ceasdk.Project
	jobs     map[string]*jobRecord
	now      func() time.Time
}

type jobRecord struct {
	ceasdk.Job
	CreatedAt string `json:"created_at"`
	StartedAt string `json:"started_at,omitempty"`
}

func newStore(c *Catalog, now func() time.Time) (*store, error) {
	if now == nil {
		now = time.Now
	}
	s := &store{
		defaults: make(map[string]ceasdk.ToolSchema, len(c.Tools)),
		tools:    make(map[string]ceasdk.ToolSchema, len(c.Tools)),
		glossary: c.Glossary,
		project:  c.Project,
		jobs:     make(map[string]*jobRecord),
		now:      now,
	}
	for name, tool := range c.Tools {
		d, err := deepCopy(tool)
		if err != nil {
			return nil, fmt.Errorf("tool %s: %w", name, err)
		}
		s.defaults[name] = d
		s.tools[name] = tool
	}
	return s, nil
}

// deepCopy round-trips a schema through JSON so edits to the live copy
// never reach the defaults.
func deepCopy(t ceasdk.ToolSchema) (ceasdk.ToolSchema, error) {
	data, err := json.Marshal(t)
	if err != nil {
		return ceasdk.ToolSchema{}, err
	}
	var out ceasdk.ToolSchema
	err = json.Unmarshal(data, &out)
	return out, err
}

func (s *store) tool(name string) (ceasdk.ToolSchema, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tools[name]
	if !ok {
		return ceasdk.ToolSchema{}, fmt.Errorf("tool %s %w", name, errNotFound)
	}
	return deepCopy(t)
}

func (s *store) toolNames() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.tools))
	for name := range s.tools {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// saveValues writes values onto the matching parameters. Keys the tool
// does not declare are ignored.
func (s *store) saveValues(name string, values map[string]any) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tools[name]
	if !ok {
		return 0, fmt.Errorf("tool %s %w", name, errNotFound)
	}
	n := 0
	for _, p := range allParameters(t) {
		if v, ok := values[p.Name]; ok {
			p.Value = v
			n++
		}
	}
	return n, nil
}

func (s *store) resetValues(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.defaults[name]
	if !ok {
		return fmt.Errorf("tool %s %w", name, errNotFound)
	}
	fresh, err := deepCopy(d)
	if err != nil {
		return err
	}
	s.tools[name] = fresh
	return nil
}

func (s *store) createJob(req ceasdk.JobRequest) (ceasdk.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tools[req.Script]; !ok {
		return ceasdk.Job{}, fmt.Errorf("script %s %w", req.Script, errNotFound)
	}
	rec := &jobRecord{
		Job: ceasdk.Job{
			ID:         uuid.NewString(),
			Script:     req.Script,
			Parameters: req.Parameters,
			State:      JobCreated,
		},
		CreatedAt: s.now().UTC().Format(time.RFC3339),
	}
	s.jobs[rec.ID] = rec
	return rec.Job, nil
}

func (s *store) startJob(id string) (ceasdk.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.jobs[id]
	if !ok {
		return ceasdk.Job{}, fmt.Errorf("job %s %w", id, errNotFound)
	}
	if rec.State != JobCreated {
		return ceasdk.Job{}, fmt.Errorf("job %s already %s: %w", id, rec.State, errConflict)
	}
	rec.State = JobStarted
	rec.StartedAt = s.now().UTC().Format(time.RFC3339)
	return rec.Job, nil
}

func (s *store) job(id string) (jobRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.jobs[id]
	if !ok {
		return jobRecord{}, fmt.Errorf("job %s %w", id, errNotFound)
	}
	return *rec, nil
}

func (s *store) currentProject() ceasdk.Project {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.projectLocked()
}

// createScenario adds a scenario to the project. Opening it is a separate
// call.
func (s *store) createScenario(req ceasdk.NewScenario) (ceasdk.Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if req.Name == "" {
		return ceasdk.Project{}, errors.New("name is required")
	}
	if slices.Contains(s.project.Scenarios, req.Name) {
		return ceasdk.Project{}, fmt.Errorf("scenario %s already exists: %w", req.Name, errConflict)
	}
	s.project.Scenarios = append(s.project.Scenarios, req.Name)
	return s.projectLocked(), nil
}

func (s *store) openScenario(name string) (ceasdk.Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if name == "" {
		return ceasdk.Project{}, errors.New("scenario is required")
	}
	if !slices.Contains(s.project.Scenarios, name) {
		return ceasdk.Project{}, fmt.Errorf("scenario %s %w", name, errNotFound)
	}
	s.project.Scenario = name
	return s.projectLocked(), nil
}

// deleteScenario removes a scenario. Deleting the open one leaves no
// scenario open.
func (s *store) deleteScenario(name string) (ceasdk.Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := slices.Index(s.project.Scenarios, name)
	if i < 0 {
		return ceasdk.Project{}, fmt.Errorf("scenario %s %w", name, errNotFound)
	}
	s.project.Scenarios = slices.Delete(s.project.Scenarios, i, i+1)
	if s.project.Scenario == name {
		s.project.Scenario = ""
	}
	return s.projectLocked(), nil
}

func (s *store) projectLocked() ceasdk.Project {
	p := s.project
	p.Scenarios = slices.Clone(s.project.Scenarios)
	return p
}
