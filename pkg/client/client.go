// Package client is the shared HTTP client for Rivet's orchestrator API,
// used by both the runner's poll loop and the rivetctl CLI.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rivet-ci/rivet/internal/orchestrator"
)

// Client is a thin wrapper over net/http configured with the orchestrator's
// base URL and a request timeout.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// Config configures a Client.
type Config struct {
	BaseURL string
	Timeout time.Duration
}

// New returns a Client using cfg, defaulting Timeout to 30s when unset.
func New(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL:    cfg.BaseURL,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// APIError is returned for any non-2xx orchestrator response; callers that
// need to distinguish 409 (conflict) from other failures can inspect
// StatusCode.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("orchestrator returned %d: %s", e.StatusCode, e.Body)
}

func (c *Client) Health(ctx context.Context) error {
	_, err := c.get(ctx, "/api/health")
	return err
}

// --- Runner-facing ---

func (c *Client) RegisterRunner(ctx context.Context, runnerID string, tags map[string]string) error {
	body := registerRunnerRequest{RunnerID: runnerID}
	for k, v := range tags {
		body.Capabilities = append(body.Capabilities, kv{Key: k, Value: v})
	}
	_, err := c.post(ctx, "/api/runners/register", body)
	return err
}

func (c *Client) Heartbeat(ctx context.Context, runnerID string) error {
	_, err := c.post(ctx, fmt.Sprintf("/api/runners/%s/heartbeat", runnerID), nil)
	return err
}

func (c *Client) ScheduledJobs(ctx context.Context, runnerID string) ([]*orchestrator.Job, error) {
	resp, err := c.get(ctx, "/api/jobs/scheduled?runner_id="+runnerID)
	if err != nil {
		return nil, err
	}
	var jobs []*orchestrator.Job
	if err := json.Unmarshal(resp, &jobs); err != nil {
		return nil, fmt.Errorf("decoding scheduled jobs: %w", err)
	}
	return jobs, nil
}

// ClaimResult is the body of a successful POST /api/jobs/{id}/claim.
type ClaimResult struct {
	JobID          string            `json:"job_id"`
	PipelineID     string            `json:"pipeline_id"`
	PipelineSource string            `json:"pipeline_source"`
	Parameters     map[string]string `json:"parameters"`
}

func (c *Client) ClaimJob(ctx context.Context, jobID, runnerID string) (*ClaimResult, error) {
	resp, err := c.post(ctx, fmt.Sprintf("/api/jobs/%s/claim", jobID), map[string]string{"runner_id": runnerID})
	if err != nil {
		return nil, err
	}
	var result ClaimResult
	if err := json.Unmarshal(resp, &result); err != nil {
		return nil, fmt.Errorf("decoding claim result: %w", err)
	}
	return &result, nil
}

func (c *Client) UpdateJobStatus(ctx context.Context, jobID string, status orchestrator.JobStatus) error {
	_, err := c.request(ctx, "PUT", fmt.Sprintf("/api/jobs/%s/status", jobID), map[string]string{"status": string(status)})
	return err
}

func (c *Client) CompleteJob(ctx context.Context, jobID string, result orchestrator.JobResult) error {
	_, err := c.post(ctx, fmt.Sprintf("/api/jobs/%s/complete", jobID), map[string]orchestrator.JobResult{"result": result})
	return err
}

func (c *Client) SendLogs(ctx context.Context, jobID string, entries []orchestrator.LogEntry) error {
	_, err := c.post(ctx, fmt.Sprintf("/api/jobs/%s/logs", jobID), map[string][]orchestrator.LogEntry{"entries": entries})
	return err
}

func (c *Client) ReadLogs(ctx context.Context, jobID string) ([]orchestrator.LogEntry, error) {
	resp, err := c.get(ctx, fmt.Sprintf("/api/jobs/%s/logs", jobID))
	if err != nil {
		return nil, err
	}
	var entries []orchestrator.LogEntry
	if err := json.Unmarshal(resp, &entries); err != nil {
		return nil, fmt.Errorf("decoding logs: %w", err)
	}
	return entries, nil
}

func (c *Client) GetJob(ctx context.Context, jobID string) (*orchestrator.Job, error) {
	resp, err := c.get(ctx, "/api/jobs/"+jobID)
	if err != nil {
		return nil, err
	}
	var job orchestrator.Job
	if err := json.Unmarshal(resp, &job); err != nil {
		return nil, fmt.Errorf("decoding job: %w", err)
	}
	return &job, nil
}

func (c *Client) ListJobsByPipeline(ctx context.Context, pipelineID string) ([]*orchestrator.Job, error) {
	resp, err := c.get(ctx, "/api/jobs/pipeline/"+pipelineID)
	if err != nil {
		return nil, err
	}
	var jobs []*orchestrator.Job
	if err := json.Unmarshal(resp, &jobs); err != nil {
		return nil, fmt.Errorf("decoding jobs: %w", err)
	}
	return jobs, nil
}

// --- CLI-facing ---

func (c *Client) CreatePipeline(ctx context.Context, name, source string) (*orchestrator.Pipeline, error) {
	resp, err := c.post(ctx, "/api/pipeline/create", map[string]string{"name": name, "source": source})
	if err != nil {
		return nil, err
	}
	var p orchestrator.Pipeline
	if err := json.Unmarshal(resp, &p); err != nil {
		return nil, fmt.Errorf("decoding pipeline: %w", err)
	}
	return &p, nil
}

func (c *Client) LaunchJob(ctx context.Context, pipelineIDOrName string, parameters map[string]string) (*orchestrator.Job, error) {
	resp, err := c.post(ctx, "/api/pipeline/launch", map[string]interface{}{
		"pipeline_id": pipelineIDOrName,
		"parameters":  parameters,
	})
	if err != nil {
		return nil, err
	}
	var job orchestrator.Job
	if err := json.Unmarshal(resp, &job); err != nil {
		return nil, fmt.Errorf("decoding job: %w", err)
	}
	return &job, nil
}

func (c *Client) ListPipelines(ctx context.Context) ([]*orchestrator.Pipeline, error) {
	resp, err := c.get(ctx, "/api/pipeline/list")
	if err != nil {
		return nil, err
	}
	var out []*orchestrator.Pipeline
	if err := json.Unmarshal(resp, &out); err != nil {
		return nil, fmt.Errorf("decoding pipelines: %w", err)
	}
	return out, nil
}

func (c *Client) GetPipeline(ctx context.Context, id string) (*orchestrator.Pipeline, error) {
	resp, err := c.get(ctx, "/api/pipeline/"+id)
	if err != nil {
		return nil, err
	}
	var p orchestrator.Pipeline
	if err := json.Unmarshal(resp, &p); err != nil {
		return nil, fmt.Errorf("decoding pipeline: %w", err)
	}
	return &p, nil
}

func (c *Client) DeletePipeline(ctx context.Context, id string) error {
	_, err := c.request(ctx, "DELETE", "/api/pipeline/"+id, nil)
	return err
}

type registerRunnerRequest struct {
	RunnerID     string `json:"runner_id"`
	Capabilities []kv   `json:"capabilities"`
}

type kv struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

func (c *Client) get(ctx context.Context, path string) ([]byte, error) {
	return c.request(ctx, "GET", path, nil)
}

func (c *Client) post(ctx context.Context, path string, body interface{}) ([]byte, error) {
	return c.request(ctx, "POST", path, body)
}

func (c *Client) request(ctx context.Context, method, path string, body interface{}) ([]byte, error) {
	var bodyReader io.Reader
	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshaling request: %w", err)
		}
		bodyReader = bytes.NewReader(jsonBody)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &orchestrator.TransientError{Reason: err.Error()}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode >= 500 {
		return nil, &orchestrator.TransientError{Reason: string(respBody)}
	}
	if resp.StatusCode >= 400 {
		return nil, &APIError{StatusCode: resp.StatusCode, Body: string(respBody)}
	}
	return respBody, nil
}
