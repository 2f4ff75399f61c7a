package domain

// Event is one entry of the local activity journal.
type Event struct {
	ID       int64          `json:"id"`
	TS       string         `json:"ts" format:"date-time"`
	Type     string         `json:"type"`
	Tool     string         `json:"tool,omitempty"`
	JobID    string         `json:"job_id,omitempty"`
	Scenario string         `json:"scenario,omitempty"`
	Payload  map[string]any `json:"payload,omitempty"`
}

// Journal event types.
const (
	EventParamsSaved     = "tool.params_saved"
	EventParamsReset     = "tool.params_reset"
	EventPersistError    = "tool.persist_failed"
	EventJobCreated      = "job.created"
	EventJobStarted      = "job.started"
	EventJobFailed       = "job.failed"
	EventScenarioNew     = "scenario.created"
	EventScenarioOpened  = "scenario.opened"
	EventScenarioDeleted = "scenario.deleted"
)
