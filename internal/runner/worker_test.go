package runner

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rivet-ci/rivet/internal/orchestrator"
)

// fakePollClient is an in-memory pollClient used to drive Worker without a
// real HTTP round trip.
type fakePollClient struct {
	fakeJobClient

	mu        sync.Mutex
	jobs      []*orchestrator.Job
	claimed   map[string]bool
	registerN int32
	heartbeatN int32
	// inFlight counts jobs claimed but not yet completed; maxInFlight is
	// the highest value it reached.
	inFlight    int
	maxInFlight int
}

func newFakePollClient(jobs []*orchestrator.Job) *fakePollClient {
	return &fakePollClient{
		fakeJobClient: fakeJobClient{jobStatus: orchestrator.JobClaimed},
		jobs:          jobs,
		claimed:       make(map[string]bool),
	}
}

func (f *fakePollClient) RegisterRunner(ctx context.Context, runnerID string, tags map[string]string) error {
	atomic.AddInt32(&f.registerN, 1)
	return nil
}

func (f *fakePollClient) Heartbeat(ctx context.Context, runnerID string) error {
	atomic.AddInt32(&f.heartbeatN, 1)
	return nil
}

func (f *fakePollClient) ScheduledJobs(ctx context.Context, runnerID string) ([]*orchestrator.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*orchestrator.Job
	for _, j := range f.jobs {
		if !f.claimed[j.ID] {
			out = append(out, j)
		}
	}
	return out, nil
}

func (f *fakePollClient) ClaimJob(ctx context.Context, jobID, runnerID string) (*claimResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.claimed[jobID] {
		return nil, &orchestrator.ConflictError{Reason: "already claimed"}
	}
	f.claimed[jobID] = true
	for _, j := range f.jobs {
		if j.ID == jobID {
			f.inFlight++
			if f.inFlight > f.maxInFlight {
				f.maxInFlight = f.inFlight
			}
			return &claimResult{JobID: j.ID, PipelineSource: j.PipelineSource, Parameters: j.Parameters}, nil
		}
	}
	return nil, &orchestrator.NotFoundError{Kind: "job", ID: jobID}
}

func (f *fakePollClient) CompleteJob(ctx context.Context, jobID string, result orchestrator.JobResult) error {
	f.mu.Lock()
	f.inFlight--
	f.mu.Unlock()
	return f.fakeJobClient.CompleteJob(ctx, jobID, result)
}

func TestWorker_ClaimsAndRunsScheduledJobs(t *testing.T) {
	jobs := []*orchestrator.Job{
		{ID: "job-a", PipelineSource: singleStageScript, Parameters: map[string]string{}},
		{ID: "job-b", PipelineSource: singleStageScript, Parameters: map[string]string{}},
	}
	fc := newFakePollClient(jobs)

	cfg := Config{
		RunnerID:        "runner-1",
		MaxParallelJobs: 2,
		PollInterval:    5 * time.Millisecond,
		HeartbeatEvery:  20 * time.Millisecond,
		DefaultImage:    "alpine:latest",
		WorkspaceRoot:   t.TempDir(),
		LogSendInterval: 5 * time.Millisecond,
		LogBatchMax:     100,
	}
	w := NewWorker(cfg, fc, newFakeEngine(), testLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	w.Run(ctx)

	fc.mu.Lock()
	defer fc.mu.Unlock()
	if len(fc.claimed) != 2 {
		t.Fatalf("expected both jobs claimed, got %d", len(fc.claimed))
	}
	if atomic.LoadInt32(&fc.registerN) != 1 {
		t.Fatalf("expected exactly one registration, got %d", fc.registerN)
	}
}

func TestWorker_SemaphoreLimitsConcurrency(t *testing.T) {
	jobs := make([]*orchestrator.Job, 5)
	for i := range jobs {
		jobs[i] = &orchestrator.Job{ID: string(rune('a' + i)), PipelineSource: singleStageScript, Parameters: map[string]string{}}
	}
	fc := newFakePollClient(jobs)

	cfg := Config{
		RunnerID:        "runner-2",
		MaxParallelJobs: 1,
		PollInterval:    5 * time.Millisecond,
		HeartbeatEvery:  50 * time.Millisecond,
		DefaultImage:    "alpine:latest",
		WorkspaceRoot:   t.TempDir(),
		LogSendInterval: 5 * time.Millisecond,
		LogBatchMax:     100,
	}
	w := NewWorker(cfg, fc, newFakeEngine(), testLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	w.Run(ctx)

	fc.mu.Lock()
	defer fc.mu.Unlock()
	if len(fc.claimed) == 0 {
		t.Fatal("expected at least one job claimed despite MaxParallelJobs=1")
	}
	if fc.maxInFlight > 1 {
		t.Fatalf("expected at most one job in flight with MaxParallelJobs=1, got %d", fc.maxInFlight)
	}
}

func TestWorker_BuildEnvSubsetOverlaysParameters(t *testing.T) {
	w := &Worker{cfg: Config{EnvSubset: map[string]string{"region": "us-east-1", "stage": "passthrough"}}}
	subset := w.buildEnvSubset(map[string]string{"stage": "overridden"})

	if subset["region"] != "us-east-1" {
		t.Fatalf("passthrough value should survive, got %+v", subset)
	}
	if subset["stage"] != "overridden" {
		t.Fatalf("job parameter should override passthrough, got %+v", subset)
	}
}
