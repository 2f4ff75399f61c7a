package server

import (
	ceasdk "ceatool/sdk/go"
)

// Request inputs

type toolPath struct {
	Tool string `path:"tool" doc:"Script name of the tool"`
}

type saveConfigInput struct {
	Tool string         `path:"tool"`
	Body map[string]any `json:"body"`
}

type createJobInput struct {
	Body ceasdk.JobRequest `json:"body"`
}

type jobPath struct {
	ID string `path:"id"`
}

type createScenarioInput struct {
	Body ceasdk.NewScenario `json:"body"`
}

type openScenarioInput struct {
	Body struct {
		Scenario string `json:"scenario" doc:"Name of the scenario to open"`
	} `json:"body"`
}

type scenarioPath struct {
	Name string `path:"name" doc:"Scenario name"`
}

// Response outputs

type toolSchemaOutput struct {
	Body ceasdk.ToolSchema `json:"body"`
}

type toolListOutput struct {
	Body []string `json:"body"`
}

type savedOutput struct {
	Body SavedResponse `json:"body"`
}

type jobOutput struct {
	Body ceasdk.Job `json:"body"`
}

type jobRecordOutput struct {
	Body jobRecord `json:"body"`
}

type glossaryOutput struct {
	Body []ceasdk.GlossaryCategory `json:"body"`
}

type projectOutput struct {
	Body ceasdk.Project `json:"body"`
}

// SavedResponse acknowledges a save-config or default call.
type SavedResponse struct {
	Tool    string `json:"tool"`
	Updated int    `json:"updated"`
}
