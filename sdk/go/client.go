package ceasdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// DefaultBaseURL is where the backend listens when nothing is configured.
const DefaultBaseURL = "http://localhost:5050"

// Client is a minimal HTTP client for the CEA backend.
type Client struct {
	BaseURL     string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{
		BaseURL: baseURL,
		Timeout: 30 * time.Second,
	}
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// ToolSchema fetches the parameter schema of a tool.
func (c *Client) ToolSchema(ctx context.Context, tool string) (ToolSchema, error) {
	var resp ToolSchema
	err := c.do(ctx, http.MethodGet, "api/tools/"+url.PathEscape(tool), nil, &resp)
	return resp, err
}

// Tools lists the tool names the backend knows.
func (c *Client) Tools(ctx context.Context) ([]string, error) {
	var resp []string
	err := c.do(ctx, http.MethodGet, "api/tools/", nil, &resp)
	return resp, err
}

// SaveToolParams persists parameter values to the scenario config.
func (c *Client) SaveToolParams(ctx context.Context, tool string, values map[string]any) error {
	endpoint := fmt.Sprintf("api/tools/%s/save-config", url.PathEscape(tool))
	return c.do(ctx, http.MethodPost, endpoint, values, nil)
}

// ResetToolParams restores a tool's parameters to their defaults.
func (c *Client) ResetToolParams(ctx context.Context, tool string) error {
	endpoint := fmt.Sprintf("api/tools/%s/default", url.PathEscape(tool))
	return c.do(ctx, http.MethodPost, endpoint, nil, nil)
}

// CreateJob queues a new job. It does not start it.
func (c *Client) CreateJob(ctx context.Context, req JobRequest) (Job, error) {
	var resp Job
	err := c.do(ctx, http.MethodPost, "server/jobs/new", req, &resp)
	return resp, err
}

// StartJob asks the queue to begin executing a created job.
func (c *Client) StartJob(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, "tools/start/"+url.PathEscape(id), nil, nil)
}

// Glossary returns the variable glossary grouped by script.
func (c *Client) Glossary(ctx context.Context) ([]GlossaryCategory, error) {
	var resp []GlossaryCategory
	err := c.do(ctx, http.MethodGet, "api/glossary", nil, &resp)
	return resp, err
}

// Project returns the currently open project.
func (c *Client) Project(ctx context.Context) (Project, error) {
	var resp Project
	err := c.do(ctx, http.MethodGet, "api/project/", nil, &resp)
	return resp, err
}

// CreateScenario creates a scenario in the current project.
func (c *Client) CreateScenario(ctx context.Context, s NewScenario) (map[string]any, error) {
	var resp map[string]any
	err := c.do(ctx, http.MethodPost, "api/project/scenario/", s, &resp)
	return resp, err
}

// OpenScenario makes name the current scenario of the project.
func (c *Client) OpenScenario(ctx context.Context, name string) error {
	return c.do(ctx, http.MethodPut, "api/project/", map[string]string{"scenario": name}, nil)
}

// DeleteScenario removes a scenario from the current project.
func (c *Client) DeleteScenario(ctx context.Context, name string) error {
	return c.do(ctx, http.MethodDelete, "api/project/scenario/"+url.PathEscape(name), nil, nil)
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
