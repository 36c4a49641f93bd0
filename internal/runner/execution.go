package runner

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/rivet-ci/rivet/internal/bridge"
	"github.com/rivet-ci/rivet/internal/containerstack"
	"github.com/rivet-ci/rivet/internal/orchestrator"
	"github.com/rivet-ci/rivet/internal/script"
)

// jobClient is the orchestrator-facing surface an execution task needs.
// Narrower than the full *client.Client so tests can supply a fake.
type jobClient interface {
	logSender
	UpdateJobStatus(ctx context.Context, jobID string, status orchestrator.JobStatus) error
	CompleteJob(ctx context.Context, jobID string, result orchestrator.JobResult) error
	GetJob(ctx context.Context, jobID string) (*orchestrator.Job, error)
}

// executionTask runs one claimed job end to end: workspace, container
// stack, script evaluation, stage iteration, and guaranteed cleanup. It
// implements §4.4's "Execution task" algorithm.
type executionTask struct {
	job            *client0Job
	client         jobClient
	engine         containerstack.Engine
	defaultImage   string
	workspaceRoot  string
	logSendInterval time.Duration
	logBatchMax    int
	logger         *slog.Logger
}

// client0Job is the minimal job shape an execution task needs to run,
// decoupled from orchestrator.Job so the runner package doesn't need the
// orchestrator package's full Job lifecycle, only what claim returned.
type client0Job struct {
	ID             string
	PipelineSource string
	Parameters     map[string]string
	EnvSubset      map[string]string
}

func newExecutionTask(job *client0Job, c jobClient, engine containerstack.Engine, defaultImage, workspaceRoot string, logSendInterval time.Duration, logBatchMax int, logger *slog.Logger) *executionTask {
	return &executionTask{
		job:             job,
		client:          c,
		engine:          engine,
		defaultImage:    defaultImage,
		workspaceRoot:   workspaceRoot,
		logSendInterval: logSendInterval,
		logBatchMax:     logBatchMax,
		logger:          logger,
	}
}

// Run executes the job and returns the JobResult it reported (also
// returned for tests; the orchestrator-facing report already happened by
// the time Run returns). A job found Cancelled at a stage boundary is not
// reported, since the orchestrator already holds it in a terminal state.
func (t *executionTask) Run(ctx context.Context) orchestrator.JobResult {
	ws, err := newWorkspace(t.workspaceRoot, t.job.ID)
	if err != nil {
		return t.fail(ctx, fmt.Sprintf("allocating workspace: %s", err))
	}
	defer func() {
		if cerr := ws.Cleanup(); cerr != nil {
			t.logger.Warn("workspace cleanup failed", "job_id", t.job.ID, "error", cerr)
		}
	}()

	stack := containerstack.NewStack(t.engine, ws.Root, containerstack.WorkspaceMountPath)
	if err := stack.Push(ctx, t.defaultImage); err != nil {
		return t.fail(ctx, fmt.Sprintf("starting default container: %s", err))
	}
	defer func() {
		if derr := stack.DrainAll(context.Background()); derr != nil {
			t.logger.Warn("container stack drain failed", "job_id", t.job.ID, "error", derr)
		}
	}()

	pump := newLogPump(t.job.ID, t.client, t.logSendInterval, t.logBatchMax, t.logger)
	pumpCtx, cancelPump := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		pump.Run(pumpCtx)
	}()
	// stopPump delivers every buffered log line; it runs before the result
	// is reported and at most once.
	pumpStopped := false
	stopPump := func() {
		if pumpStopped {
			return
		}
		pumpStopped = true
		cancelPump()
		wg.Wait()
		pump.FinalFlush(context.Background())
	}
	defer stopPump()

	caps := bridge.Capabilities{
		Log:       pump,
		Input:     bridge.MapProvider(t.job.Parameters),
		Output:    bridge.NewMapOutputStore(),
		Env:       bridge.MapProvider(t.job.EnvSubset),
		Process:   &bridge.StackProcessDriver{Stack: stack, Sink: pump},
		Container: &bridge.StackContainerDriver{Stack: stack},
	}

	ev, err := script.NewEvaluator(t.job.PipelineSource, bridge.Builder(ctx, caps))
	if err != nil {
		stopPump()
		return t.fail(ctx, fmt.Sprintf("evaluating pipeline: %s", err))
	}
	defer ev.Close()

	if err := t.client.UpdateJobStatus(ctx, t.job.ID, orchestrator.JobRunning); err != nil {
		t.logger.Warn("failed to report Running status", "job_id", t.job.ID, "error", err)
	}

	outputs := caps.Output.(*bridge.MapOutputStore)

	for _, stage := range ev.Declared().Stages {
		if t.isCancelled(ctx) {
			return t.cancelled(ctx, outputs)
		}

		should, err := ev.CallCondition(stage.Name)
		if err != nil {
			stopPump()
			return t.fail(ctx, err.Error())
		}
		if !should {
			pump.Log(bridge.LevelDebug, fmt.Sprintf("skipping stage %q (condition was false)", stage.Name), time.Now())
			continue
		}

		var bodyErr error
		if stage.Container != "" {
			bodyErr = stack.With(ctx, stage.Container, func() error {
				return ev.CallBody(stage.Name)
			})
		} else {
			bodyErr = ev.CallBody(stage.Name)
		}
		if bodyErr != nil {
			stopPump()
			return t.fail(ctx, bodyErr.Error())
		}

		pump.flushNow()

		if t.isCancelled(ctx) {
			return t.cancelled(ctx, outputs)
		}
	}

	stopPump()
	result := orchestrator.JobResult{Outcome: orchestrator.OutcomeOK, Outputs: outputs.All()}
	if err := t.client.CompleteJob(ctx, t.job.ID, result); err != nil {
		t.logger.Error("failed to report job completion", "job_id", t.job.ID, "error", err)
	}
	return result
}

func (t *executionTask) isCancelled(ctx context.Context) bool {
	j, err := t.client.GetJob(ctx, t.job.ID)
	if err != nil {
		return false
	}
	return j.Status == orchestrator.JobCancelled
}

func (t *executionTask) cancelled(ctx context.Context, outputs *bridge.MapOutputStore) orchestrator.JobResult {
	result := orchestrator.JobResult{Outcome: orchestrator.OutcomeError, Message: "job cancelled", Outputs: outputs.All()}
	return result
}

func (t *executionTask) fail(ctx context.Context, message string) orchestrator.JobResult {
	result := orchestrator.JobResult{Outcome: orchestrator.OutcomeError, Message: message}
	if err := t.client.CompleteJob(ctx, t.job.ID, result); err != nil {
		t.logger.Error("failed to report job failure", "job_id", t.job.ID, "error", err)
	}
	return result
}
