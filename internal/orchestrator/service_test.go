package orchestrator

import (
	"context"
	"testing"
	"time"
)

const threeStagePipeline = `
return pipeline.define({
	name = "three-stage",
	inputs = {
		environment = pipeline.input("environment", {type = "string", required = true, options = {"staging", "production"}}),
		replicas = pipeline.input("replicas", {type = "number", default = "1"}),
		dry_run = pipeline.input("dry_run", {type = "bool", default = "false"}),
	},
	stages = {
		pipeline.stage("plan", function() log.info("planning") end),
		pipeline.stage("apply", function() log.info("applying") end),
		pipeline.stage("verify", function() log.info("verifying") end),
	},
})`

func newTestService() *Service {
	return NewService(NewMemStore(), 5*time.Minute)
}

func TestService_CreateAndLaunch_ThreeStagePipeline(t *testing.T) {
	ctx := context.Background()
	svc := newTestService()

	p, err := svc.CreatePipeline(ctx, "", threeStagePipeline)
	if err != nil {
		t.Fatalf("CreatePipeline: %v", err)
	}
	if p.Name != "three-stage" || len(p.Declared.Stages) != 3 {
		t.Fatalf("unexpected pipeline: %+v", p)
	}

	job, err := svc.LaunchJob(ctx, p.ID, map[string]string{"environment": "staging"})
	if err != nil {
		t.Fatalf("LaunchJob: %v", err)
	}
	if job.Status != JobPending {
		t.Fatalf("new job should be Pending, got %s", job.Status)
	}
	if job.Parameters["replicas"] != "1" || job.Parameters["dry_run"] != "false" {
		t.Fatalf("defaults should be filled in, got %+v", job.Parameters)
	}
}

func TestService_LaunchJob_RequiredInputMissing(t *testing.T) {
	ctx := context.Background()
	svc := newTestService()
	p, _ := svc.CreatePipeline(ctx, "", threeStagePipeline)

	_, err := svc.LaunchJob(ctx, p.ID, map[string]string{})
	if err == nil {
		t.Fatal("expected a required-parameter error")
	}
	ve, ok := err.(*ValidationError)
	if !ok {
		t.Fatalf("expected *ValidationError, got %T", err)
	}
	if ve.Path != "parameters.environment" {
		t.Fatalf("unexpected path: %s", ve.Path)
	}
}

func TestService_LaunchJob_OptionViolation(t *testing.T) {
	ctx := context.Background()
	svc := newTestService()
	p, _ := svc.CreatePipeline(ctx, "", threeStagePipeline)

	_, err := svc.LaunchJob(ctx, p.ID, map[string]string{"environment": "qa"})
	if err == nil {
		t.Fatal("expected an options-violation error")
	}
	if _, ok := err.(*ValidationError); !ok {
		t.Fatalf("expected *ValidationError, got %T", err)
	}
}

func TestService_LaunchJob_NumberAndBoolParsing(t *testing.T) {
	ctx := context.Background()
	svc := newTestService()
	p, _ := svc.CreatePipeline(ctx, "", threeStagePipeline)

	_, err := svc.LaunchJob(ctx, p.ID, map[string]string{
		"environment": "production",
		"replicas":    "not-a-number",
	})
	if err == nil {
		t.Fatal("expected a type error for replicas")
	}

	job, err := svc.LaunchJob(ctx, p.ID, map[string]string{
		"environment": "production",
		"replicas":    "3",
		"dry_run":     "YES",
	})
	if err != nil {
		t.Fatalf("LaunchJob with valid bool casing: %v", err)
	}
	if job.Parameters["dry_run"] != "YES" {
		t.Fatalf("supplied value should be preserved verbatim, got %q", job.Parameters["dry_run"])
	}
}

func TestService_CreatePipeline_NameCollision(t *testing.T) {
	ctx := context.Background()
	svc := newTestService()
	if _, err := svc.CreatePipeline(ctx, "dup", threeStagePipeline); err != nil {
		t.Fatalf("first create: %v", err)
	}
	if _, err := svc.CreatePipeline(ctx, "dup", threeStagePipeline); err == nil {
		t.Fatal("expected a name collision conflict")
	} else if _, ok := err.(*ConflictError); !ok {
		t.Fatalf("expected *ConflictError, got %T", err)
	}
}

func TestService_ScheduledJobsHonorsTagSubset(t *testing.T) {
	ctx := context.Background()
	svc := newTestService()

	src := `
return pipeline.define({
	name = "gpu-only",
	tags = { pipeline.tag("gpu", "true") },
	stages = { pipeline.stage("run", function() end) },
})`
	p, err := svc.CreatePipeline(ctx, "", src)
	if err != nil {
		t.Fatalf("CreatePipeline: %v", err)
	}
	if _, err := svc.LaunchJob(ctx, p.ID, nil); err != nil {
		t.Fatalf("LaunchJob: %v", err)
	}

	out, err := svc.ScheduledJobs(ctx, map[string]string{}, 10)
	if err != nil {
		t.Fatalf("ScheduledJobs: %v", err)
	}
	if len(out) != 0 {
		t.Fatalf("runner without gpu tag should not see the job, got %+v", out)
	}

	out, err = svc.ScheduledJobs(ctx, map[string]string{"gpu": "true"}, 10)
	if err != nil {
		t.Fatalf("ScheduledJobs: %v", err)
	}
	if len(out) != 1 {
		t.Fatalf("runner with gpu tag should see the job, got %+v", out)
	}
}

func TestService_FullJobLifecycle(t *testing.T) {
	ctx := context.Background()
	svc := newTestService()
	p, _ := svc.CreatePipeline(ctx, "", threeStagePipeline)
	job, err := svc.LaunchJob(ctx, p.ID, map[string]string{"environment": "staging"})
	if err != nil {
		t.Fatalf("LaunchJob: %v", err)
	}

	if err := svc.RegisterRunner(ctx, "runner-1", nil); err != nil {
		t.Fatalf("RegisterRunner: %v", err)
	}
	claimed, err := svc.Claim(ctx, job.ID, "runner-1")
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if claimed.Status != JobClaimed {
		t.Fatalf("expected Claimed, got %s", claimed.Status)
	}

	if _, err := svc.UpdateStatus(ctx, job.ID, JobRunning); err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}

	entries := []LogEntry{{Level: LogInfo, Message: "plan applied"}}
	if _, err := svc.IngestLogs(ctx, job.ID, entries); err != nil {
		t.Fatalf("IngestLogs: %v", err)
	}

	final, err := svc.Complete(ctx, job.ID, JobResult{Outcome: OutcomeOK, Outputs: map[string]string{"applied": "true"}})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if final.Status != JobSucceeded {
		t.Fatalf("expected Succeeded, got %s", final.Status)
	}

	logs, err := svc.ReadLogs(ctx, job.ID, 0)
	if err != nil {
		t.Fatalf("ReadLogs: %v", err)
	}
	if len(logs) != 1 || logs[0].Message != "plan applied" {
		t.Fatalf("unexpected logs: %+v", logs)
	}
}

func TestService_ConditionalStageDeclaration(t *testing.T) {
	ctx := context.Background()
	svc := newTestService()

	src := `
return pipeline.define({
	name = "conditional",
	stages = {
		pipeline.stage("maybe", { condition = function() return false end }, function() error("should not run") end),
		pipeline.stage("always", function() end),
	},
})`
	p, err := svc.CreatePipeline(ctx, "", src)
	if err != nil {
		t.Fatalf("CreatePipeline: %v", err)
	}
	if !p.Declared.Stages[0].HasCondition {
		t.Fatal("expected the first stage to report HasCondition")
	}
}
