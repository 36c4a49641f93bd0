// Package runner implements Rivet's runner process: it polls the
// orchestrator for scheduled jobs, claims and executes them against a
// container engine, and streams logs and results back.
package runner

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/rivet-ci/rivet/internal/containerstack"
	"github.com/rivet-ci/rivet/internal/orchestrator"
)

// pollClient is the orchestrator-facing surface the poll loop itself
// needs, beyond what an executionTask needs per job.
type pollClient interface {
	jobClient
	RegisterRunner(ctx context.Context, runnerID string, tags map[string]string) error
	Heartbeat(ctx context.Context, runnerID string) error
	ScheduledJobs(ctx context.Context, runnerID string) ([]*orchestrator.Job, error)
	ClaimJob(ctx context.Context, jobID, runnerID string) (*claimResult, error)
}

// claimResult mirrors pkg/client.ClaimResult so the pollClient interface
// doesn't depend on pkg/client; clientAdapter (client_adapter.go)
// converts between the two.
type claimResult struct {
	JobID          string
	PipelineID     string
	PipelineSource string
	Parameters     map[string]string
}

// Config configures a Worker.
type Config struct {
	RunnerID        string
	Tags            map[string]string
	MaxParallelJobs int64
	PollInterval    time.Duration
	HeartbeatEvery  time.Duration
	DefaultImage    string
	WorkspaceRoot   string
	LogSendInterval time.Duration
	LogBatchMax     int
	EnvSubset       map[string]string
}

// Worker is the runner's poll-claim-execute loop described in §4.4. A
// registration failure is logged and retried with a capped backoff
// (500ms doubling up to 30s) before polling starts; a heartbeat failure is
// logged and retried only at the next heartbeat tick, with no backoff, and
// never stops polling. Neither aborts the process, since a transient
// orchestrator outage should not kill an otherwise-healthy runner.
type Worker struct {
	cfg    Config
	client pollClient
	engine containerstack.Engine
	logger *slog.Logger
	sem    *semaphore.Weighted

	wg sync.WaitGroup
}

// NewWorker returns a Worker that claims jobs through client and executes
// them through engine.
func NewWorker(cfg Config, client pollClient, engine containerstack.Engine, logger *slog.Logger) *Worker {
	max := cfg.MaxParallelJobs
	if max <= 0 {
		max = 1
	}
	return &Worker{
		cfg:    cfg,
		client: client,
		engine: engine,
		logger: logger,
		sem:    semaphore.NewWeighted(max),
	}
}

// Run blocks until ctx is cancelled, registering once, then polling for
// scheduled jobs and heartbeating on their own tickers. Every claimed job
// runs in its own goroutine, gated by the worker's semaphore so no more
// than MaxParallelJobs execute concurrently.
func (w *Worker) Run(ctx context.Context) {
	w.registerWithRetry(ctx)

	var hbWG sync.WaitGroup
	hbWG.Add(1)
	go func() {
		defer hbWG.Done()
		w.heartbeatLoop(ctx)
	}()

	pollTicker := time.NewTicker(w.cfg.PollInterval)
	defer pollTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.wg.Wait()
			hbWG.Wait()
			return
		case <-pollTicker.C:
			w.pollOnce(ctx)
		}
	}
}

func (w *Worker) registerWithRetry(ctx context.Context) {
	backoff := 500 * time.Millisecond
	const maxBackoff = 30 * time.Second
	for {
		if err := w.client.RegisterRunner(ctx, w.cfg.RunnerID, w.cfg.Tags); err != nil {
			w.logger.Warn("runner registration failed, retrying", "runner_id", w.cfg.RunnerID, "error", err, "backoff", backoff)
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		return
	}
}

func (w *Worker) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.HeartbeatEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.client.Heartbeat(ctx, w.cfg.RunnerID); err != nil {
				w.logger.Warn("heartbeat failed", "runner_id", w.cfg.RunnerID, "error", err)
			}
		}
	}
}

// pollOnce lists scheduled jobs and attempts to claim and run as many as
// the semaphore currently has capacity for. A claim that loses the race
// (409) is logged at debug and skipped without treating it as an error,
// since another runner winning the claim is expected, routine behavior.
func (w *Worker) pollOnce(ctx context.Context) {
	jobs, err := w.client.ScheduledJobs(ctx, w.cfg.RunnerID)
	if err != nil {
		w.logger.Warn("listing scheduled jobs failed", "error", err)
		return
	}

	for _, j := range jobs {
		if !w.sem.TryAcquire(1) {
			return
		}
		job := j
		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			defer w.sem.Release(1)
			w.claimAndRun(ctx, job.ID)
		}()
	}
}

func (w *Worker) claimAndRun(ctx context.Context, jobID string) {
	claimed, err := w.client.ClaimJob(ctx, jobID, w.cfg.RunnerID)
	if err != nil {
		w.logger.Debug("claim did not win", "job_id", jobID, "error", err)
		return
	}

	job := &client0Job{
		ID:             claimed.JobID,
		PipelineSource: claimed.PipelineSource,
		Parameters:     claimed.Parameters,
		EnvSubset:      w.buildEnvSubset(claimed.Parameters),
	}

	task := newExecutionTask(job, w.client, w.engine, w.cfg.DefaultImage, w.cfg.WorkspaceRoot, w.cfg.LogSendInterval, w.cfg.LogBatchMax, w.logger)
	result := task.Run(ctx)
	w.logger.Info("job finished", "job_id", jobID, "outcome", result.Outcome)
}

// buildEnvSubset assembles the `env` module's view for one job: the
// runner's configured passthrough values with the job's own parameters
// overlaid, so a pipeline can rely on `env.get` for either without the
// two ever exposing raw process environment.
func (w *Worker) buildEnvSubset(parameters map[string]string) map[string]string {
	subset := make(map[string]string, len(w.cfg.EnvSubset)+len(parameters))
	for k, v := range w.cfg.EnvSubset {
		subset[k] = v
	}
	for k, v := range parameters {
		subset[k] = v
	}
	return subset
}
