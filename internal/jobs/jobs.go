package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"ceatool/internal/params"
	ceasdk "ceatool/sdk/go"
)

// ScenarioKey is the parameter the scenario-bound value is sent under.
const ScenarioKey = "scenario"

// Stage names the step of a submission that failed.
type Stage string

const (
	// StageResolve is reported when the open project could not be read
	// to find the scenario.
	StageResolve  Stage = "resolve"
	StageValidate Stage = "validate"
	StageCreate   Stage = "create"
	StageStart    Stage = "start"
)

// ErrSubmissionInFlight is returned when Submit is called while another
// submission from the same Submitter has not finished.
var ErrSubmissionInFlight = errors.New("a submission is already in progress")

// SubmissionError reports a failed scenario lookup, create-job or start-job
// call. JobID is set when the job was created but could not be started.
type SubmissionError struct {
	Stage  Stage
	Script string
	JobID  string
	Err    error
}

func (e *SubmissionError) Error() string {
	if e.JobID != "" {
		return fmt.Sprintf("%s job %s for %s: %v", e.Stage, e.JobID, e.Script, e.Err)
	}
	return fmt.Sprintf("%s job for %s: %v", e.Stage, e.Script, e.Err)
}

func (e *SubmissionError) Unwrap() error { return e.Err }

// Queue is the remote job queue.
type Queue interface {
	CreateJob(ctx context.Context, req ceasdk.JobRequest) (ceasdk.Job, error)
	StartJob(ctx context.Context, id string) error
}

// Recorder is told about every job lifecycle step this client drives.
type Recorder interface {
	JobCreated(ctx context.Context, job ceasdk.Job) error
	JobStarted(ctx context.Context, job ceasdk.Job) error
	JobFailed(ctx context.Context, script string, err *SubmissionError) error
}

// Submitter turns a validated form into a started job.
type Submitter struct {
	Queue    Queue
	Recorder Recorder
	Log      logrus.FieldLogger

	mu       sync.Mutex
	inFlight bool
}

// New returns a Submitter posting to q.
func New(q Queue, log logrus.FieldLogger) *Submitter {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Submitter{Queue: q, Log: log}
}

// Request builds the job request for a form: its values plus the injected
// scenario. The form is not modified.
func Request(script string, form *params.Form) ceasdk.JobRequest {
	values := form.Values()
	if scenario, ok := form.Scenario(); ok {
		if _, set := values[ScenarioKey]; !set {
			values[ScenarioKey] = scenario
		}
	}
	return ceasdk.JobRequest{Script: script, Parameters: values}
}

// Submit validates the form, creates a job and starts it. Start is only
// attempted with the id returned by a successful create. Nothing is
// retried and the form is left as it was, whatever the outcome. Success
// means the job was accepted and asked to start, not that it finished.
func (s *Submitter) Submit(ctx context.Context, script string, form *params.Form) (ceasdk.Job, error) {
	if err := form.Validate(); err != nil {
		return ceasdk.Job{}, err
	}
	if !s.acquire() {
		return ceasdk.Job{}, ErrSubmissionInFlight
	}
	defer s.release()

	log := s.logger().WithField("script", script)
	req := Request(script, form)
	job, err := s.Queue.CreateJob(ctx, req)
	if err == nil && job.ID == "" {
		err = errors.New("job queue returned no job id")
	}
	if err != nil {
		serr := &SubmissionError{Stage: StageCreate, Script: script, Err: err}
		log.WithError(err).Warn("create job failed")
		s.recordFailure(ctx, script, serr)
		return ceasdk.Job{}, serr
	}
	if job.Script == "" {
		job.Script = script
	}
	if job.Parameters == nil {
		job.Parameters = req.Parameters
	}
	log = log.WithField("job_id", job.ID)
	if s.Recorder != nil {
		if rerr := s.Recorder.JobCreated(ctx, job); rerr != nil {
			log.WithError(rerr).Warn("record job creation")
		}
	}
	if err := s.Queue.StartJob(ctx, job.ID); err != nil {
		serr := &SubmissionError{Stage: StageStart, Script: script, JobID: job.ID, Err: err}
		log.WithError(err).Warn("start job failed")
		s.recordFailure(ctx, script, serr)
		return job, serr
	}
	if s.Recorder != nil {
		if rerr := s.Recorder.JobStarted(ctx, job); rerr != nil {
			log.WithError(rerr).Warn("record job start")
		}
	}
	log.Info("job started")
	return job, nil
}

func (s *Submitter) recordFailure(ctx context.Context, script string, serr *SubmissionError) {
	if s.Recorder == nil {
		return
	}
	if err := s.Recorder.JobFailed(ctx, script, serr); err != nil {
		s.logger().WithError(err).Warn("record job failure")
	}
}

func (s *Submitter) acquire() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inFlight {
		return false
	}
	s.inFlight = true
	return true
}

func (s *Submitter) release() {
	s.mu.Lock()
	s.inFlight = false
	s.mu.Unlock()
}

func (s *Submitter) logger() logrus.FieldLogger {
	if s.Log == nil {
		return logrus.StandardLogger()
	}
	return s.Log
}
