package runner

import (
	"context"

	"github.com/rivet-ci/rivet/internal/orchestrator"
	"github.com/rivet-ci/rivet/pkg/client"
)

// clientAdapter narrows *client.Client down to pollClient, translating
// client.ClaimResult into this package's own claimResult so the runner
// package doesn't need to import pkg/client's types directly in its
// interfaces.
type clientAdapter struct {
	c *client.Client
}

// NewClientAdapter wraps c for use as a Worker's pollClient.
func NewClientAdapter(c *client.Client) *clientAdapter {
	return &clientAdapter{c: c}
}

func (a *clientAdapter) SendLogs(ctx context.Context, jobID string, entries []orchestrator.LogEntry) error {
	return a.c.SendLogs(ctx, jobID, entries)
}

func (a *clientAdapter) UpdateJobStatus(ctx context.Context, jobID string, status orchestrator.JobStatus) error {
	return a.c.UpdateJobStatus(ctx, jobID, status)
}

func (a *clientAdapter) CompleteJob(ctx context.Context, jobID string, result orchestrator.JobResult) error {
	return a.c.CompleteJob(ctx, jobID, result)
}

func (a *clientAdapter) GetJob(ctx context.Context, jobID string) (*orchestrator.Job, error) {
	return a.c.GetJob(ctx, jobID)
}

func (a *clientAdapter) RegisterRunner(ctx context.Context, runnerID string, tags map[string]string) error {
	return a.c.RegisterRunner(ctx, runnerID, tags)
}

func (a *clientAdapter) Heartbeat(ctx context.Context, runnerID string) error {
	return a.c.Heartbeat(ctx, runnerID)
}

func (a *clientAdapter) ScheduledJobs(ctx context.Context, runnerID string) ([]*orchestrator.Job, error) {
	return a.c.ScheduledJobs(ctx, runnerID)
}

func (a *clientAdapter) ClaimJob(ctx context.Context, jobID, runnerID string) (*claimResult, error) {
	res, err := a.c.ClaimJob(ctx, jobID, runnerID)
	if err != nil {
		return nil, err
	}
	return &claimResult{
		JobID:          res.JobID,
		PipelineID:     res.PipelineID,
		PipelineSource: res.PipelineSource,
		Parameters:     res.Parameters,
	}, nil
}
