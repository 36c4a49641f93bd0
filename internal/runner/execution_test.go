package runner

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/rivet-ci/rivet/internal/containerstack"
	"github.com/rivet-ci/rivet/internal/orchestrator"
)

// fakeEngine is an in-memory containerstack.Engine, mirroring the one in
// internal/containerstack/stack_test.go, kept local since this package
// cannot import a non-exported test helper from another package.
type fakeEngine struct {
	mu      sync.Mutex
	nextID  int
	running map[string]string
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{running: make(map[string]string)}
}

func (f *fakeEngine) Start(ctx context.Context, image, workspaceHostPath, mountPath string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	id := image + string(rune('0'+f.nextID))
	f.running[id] = image
	return id, nil
}

func (f *fakeEngine) Exec(ctx context.Context, containerID string, cmd []string, opts containerstack.ExecOptions) error {
	if opts.Stdout != nil {
		_, _ = opts.Stdout.Write([]byte("ok\n"))
	}
	return nil
}

func (f *fakeEngine) Destroy(ctx context.Context, containerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.running, containerID)
	return nil
}

// fakeJobClient stands in for the orchestrator HTTP API, recording log
// sends and completions for assertions.
type fakeJobClient struct {
	mu         sync.Mutex
	logs       []orchestrator.LogEntry
	statuses   []orchestrator.JobStatus
	completed  *orchestrator.JobResult
	jobStatus  orchestrator.JobStatus
	failSend   bool
}

func newFakeJobClient() *fakeJobClient {
	return &fakeJobClient{jobStatus: orchestrator.JobClaimed}
}

func (f *fakeJobClient) SendLogs(ctx context.Context, jobID string, entries []orchestrator.LogEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failSend {
		return &orchestrator.TransientError{Reason: "boom"}
	}
	f.logs = append(f.logs, entries...)
	return nil
}

func (f *fakeJobClient) UpdateJobStatus(ctx context.Context, jobID string, status orchestrator.JobStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.jobStatus == orchestrator.JobCancelled {
		// Like the orchestrator, refuse to move a cancelled job.
		return &orchestrator.ConflictError{Reason: "job is cancelled"}
	}
	f.statuses = append(f.statuses, status)
	f.jobStatus = status
	return nil
}

func (f *fakeJobClient) CompleteJob(ctx context.Context, jobID string, result orchestrator.JobResult) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	r := result
	f.completed = &r
	return nil
}

func (f *fakeJobClient) GetJob(ctx context.Context, jobID string) (*orchestrator.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return &orchestrator.Job{ID: jobID, Status: f.jobStatus}, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

const singleStageScript = `
return pipeline.define({
	name = "single-stage",
	stages = {
		pipeline.stage("build", function()
			log.info("building")
			output.set("image", "built:latest")
		end),
	},
})`

func TestExecutionTask_RunSucceeds(t *testing.T) {
	job := &client0Job{ID: "job-1", PipelineSource: singleStageScript, Parameters: map[string]string{}}
	c := newFakeJobClient()
	task := newExecutionTask(job, c, newFakeEngine(), "alpine:latest", t.TempDir(), 10*time.Millisecond, 100, testLogger())

	result := task.Run(context.Background())

	if result.Outcome != orchestrator.OutcomeOK {
		t.Fatalf("Outcome = %v, want OutcomeOK (message: %s)", result.Outcome, result.Message)
	}
	if result.Outputs["image"] != "built:latest" {
		t.Fatalf("Outputs[image] = %q, want built:latest", result.Outputs["image"])
	}
	if c.completed == nil || c.completed.Outcome != orchestrator.OutcomeOK {
		t.Fatalf("CompleteJob was not called with a successful result")
	}
}

const failingStageScript = `
return pipeline.define({
	name = "failing-stage",
	stages = {
		pipeline.stage("build", function()
			error("deliberate failure")
		end),
	},
})`

func TestExecutionTask_RunReportsStageFailure(t *testing.T) {
	job := &client0Job{ID: "job-2", PipelineSource: failingStageScript, Parameters: map[string]string{}}
	c := newFakeJobClient()
	task := newExecutionTask(job, c, newFakeEngine(), "alpine:latest", t.TempDir(), 10*time.Millisecond, 100, testLogger())

	result := task.Run(context.Background())

	if result.Outcome != orchestrator.OutcomeError {
		t.Fatalf("Outcome = %v, want OutcomeError", result.Outcome)
	}
	if c.completed == nil || c.completed.Outcome != orchestrator.OutcomeError {
		t.Fatalf("CompleteJob was not called with a failing result")
	}
}

const conditionalStageScript = `
return pipeline.define({
	name = "conditional",
	stages = {
		pipeline.stage("skip_me", {condition = function() return false end}, function()
			log.info("should not run")
		end),
		pipeline.stage("run_me", function()
			output.set("ran", "true")
		end),
	},
})`

func TestExecutionTask_SkipsStageWithFalseCondition(t *testing.T) {
	job := &client0Job{ID: "job-3", PipelineSource: conditionalStageScript, Parameters: map[string]string{}}
	c := newFakeJobClient()
	task := newExecutionTask(job, c, newFakeEngine(), "alpine:latest", t.TempDir(), 10*time.Millisecond, 100, testLogger())

	result := task.Run(context.Background())

	if result.Outcome != orchestrator.OutcomeOK {
		t.Fatalf("Outcome = %v, want OutcomeOK (message: %s)", result.Outcome, result.Message)
	}
	if result.Outputs["ran"] != "true" {
		t.Fatalf("second stage should have run, outputs = %+v", result.Outputs)
	}
}

func TestExecutionTask_RunCancelledMidway(t *testing.T) {
	job := &client0Job{ID: "job-4", PipelineSource: singleStageScript, Parameters: map[string]string{}}
	c := newFakeJobClient()
	c.jobStatus = orchestrator.JobCancelled
	task := newExecutionTask(job, c, newFakeEngine(), "alpine:latest", t.TempDir(), 10*time.Millisecond, 100, testLogger())

	result := task.Run(context.Background())

	if result.Outcome != orchestrator.OutcomeError {
		t.Fatalf("Outcome = %v, want OutcomeError for a cancelled job", result.Outcome)
	}
	if c.completed != nil {
		t.Fatalf("a cancelled job must not call CompleteJob again, already terminal on the server")
	}
}
