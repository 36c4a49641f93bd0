package orchestrator

import (
	"context"
	"time"
)

// Store is the persistence contract for pipelines, jobs, runners, and logs.
// The relational engine behind a given implementation is an external
// collaborator; this interface is the whole of what the scheduling core
// depends on. MemStore is the canonical implementation used by every test
// in this module; pgstore.Store is the pluggable production backend.
type Store interface {
	// Pipelines
	CreatePipeline(ctx context.Context, p *Pipeline) error
	GetPipeline(ctx context.Context, id string) (*Pipeline, error)
	GetPipelineByName(ctx context.Context, name string) (*Pipeline, error)
	ListPipelines(ctx context.Context) ([]*Pipeline, error)
	DeletePipeline(ctx context.Context, id string) error

	// Jobs
	CreateJob(ctx context.Context, j *Job) error
	GetJob(ctx context.Context, id string) (*Job, error)
	ListJobsByPipeline(ctx context.Context, pipelineID string) ([]*Job, error)
	ScheduledJobs(ctx context.Context, runnerTags map[string]string, limit int) ([]*Job, error)
	ClaimJob(ctx context.Context, jobID, runnerID string, deadline time.Time) (*Job, error)
	UpdateJobStatus(ctx context.Context, jobID string, next JobStatus) (*Job, error)
	CompleteJob(ctx context.Context, jobID string, result JobResult, terminal JobStatus) (*Job, error)
	ReapStaleClaims(ctx context.Context, now time.Time, heartbeatTTL time.Duration) (int, error)

	// Runners
	RegisterRunner(ctx context.Context, r *Runner) error
	Heartbeat(ctx context.Context, runnerID string, at time.Time) error
	GetRunner(ctx context.Context, runnerID string) (*Runner, error)

	// Logs
	AppendLogs(ctx context.Context, jobID string, entries []LogEntry) ([]LogEntry, error)
	ReadLogs(ctx context.Context, jobID string, sinceSequence uint64) ([]LogEntry, error)
}
