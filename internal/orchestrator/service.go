package orchestrator

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/rivet-ci/rivet/internal/script"
)

// Service wires a Store to the script package's metadata-mode evaluator,
// implementing the algorithms of spec §4.5: pipeline creation, job launch
// with full parameter type-validation, the scheduled-jobs/claim/status/
// complete job lifecycle, and log ingest/read.
type Service struct {
	store    Store
	claimTTL time.Duration
}

// NewService returns a Service backed by store, using claimTTL for every
// ClaimJob call it performs.
func NewService(store Store, claimTTL time.Duration) *Service {
	return &Service{store: store, claimTTL: claimTTL}
}

// CreatePipeline runs the metadata-sandbox evaluator over source and, on
// success, stores the resulting Pipeline. A script that fails to evaluate
// or declares a malformed structure surfaces whatever *script.ValidationError
// ExtractDeclared produced; a name collision surfaces ConflictError.
func (s *Service) CreatePipeline(ctx context.Context, name, source string) (*Pipeline, error) {
	declared, err := script.ExtractDeclared(source)
	if err != nil {
		return nil, err
	}
	if name == "" {
		name = declared.Name
	}

	p := &Pipeline{
		ID:          uuid.NewString(),
		Name:        name,
		Description: declared.Description,
		Source:      source,
		Declared:    declared,
		CreatedAt:   time.Now(),
	}
	if err := s.store.CreatePipeline(ctx, p); err != nil {
		return nil, err
	}
	return p, nil
}

// GetPipeline, ListPipelines, and DeletePipeline pass straight through to
// the store; they carry no additional business logic.
func (s *Service) GetPipeline(ctx context.Context, id string) (*Pipeline, error) {
	return s.store.GetPipeline(ctx, id)
}

func (s *Service) GetPipelineByName(ctx context.Context, name string) (*Pipeline, error) {
	return s.store.GetPipelineByName(ctx, name)
}

func (s *Service) ListPipelines(ctx context.Context) ([]*Pipeline, error) {
	return s.store.ListPipelines(ctx)
}

func (s *Service) DeletePipeline(ctx context.Context, id string) error {
	return s.store.DeletePipeline(ctx, id)
}

// resolvePipeline looks a pipeline up by ID first, falling back to name --
// the launch endpoint accepts either per spec §4.5 ("pipeline_id or name").
func (s *Service) resolvePipeline(ctx context.Context, idOrName string) (*Pipeline, error) {
	if p, err := s.store.GetPipeline(ctx, idOrName); err == nil {
		return p, nil
	}
	return s.store.GetPipelineByName(ctx, idOrName)
}

// LaunchJob type-validates parameters against the pipeline's declared
// inputs per spec §4.5 and, on success, creates a Pending job with the
// pipeline source denormalized and runner_tags copied.
func (s *Service) LaunchJob(ctx context.Context, pipelineIDOrName string, parameters map[string]string) (*Job, error) {
	p, err := s.resolvePipeline(ctx, pipelineIDOrName)
	if err != nil {
		return nil, err
	}

	resolved, err := validateParameters(p.Declared, parameters)
	if err != nil {
		return nil, err
	}

	j := &Job{
		ID:             uuid.NewString(),
		PipelineID:     p.ID,
		PipelineSource: p.Source,
		Parameters:     resolved,
		RunnerTags:     p.Declared.RunnerTags,
		Status:         JobPending,
		CreatedAt:      time.Now(),
		UpdatedAt:      time.Now(),
	}
	if err := s.store.CreateJob(ctx, j); err != nil {
		return nil, err
	}
	return j, nil
}

// validateParameters implements spec §4.5's type-validation rules and
// returns the fully resolved parameter set (declared defaults filled in
// for anything the caller omitted).
func validateParameters(decl script.DeclaredPipeline, supplied map[string]string) (map[string]string, error) {
	out := make(map[string]string, len(decl.Inputs))

	for name, def := range decl.Inputs {
		value, present := supplied[name]
		if !present {
			if def.Default != nil {
				value = *def.Default
				present = true
			} else if def.Required {
				return nil, &ValidationError{Path: "parameters." + name, Reason: "required parameter is missing"}
			} else {
				continue
			}
		}

		if err := validateTypedValue(name, def, value); err != nil {
			return nil, err
		}
		out[name] = value
	}

	for name := range supplied {
		if _, declared := decl.Inputs[name]; !declared {
			return nil, &ValidationError{Path: "parameters." + name, Reason: "parameter is not declared by this pipeline"}
		}
	}

	return out, nil
}

func validateTypedValue(name string, def script.InputDefinition, value string) error {
	switch def.Type {
	case script.InputNumber:
		n, err := strconv.ParseFloat(value, 64)
		if err != nil || math.IsNaN(n) || math.IsInf(n, 0) {
			return &ValidationError{Path: "parameters." + name, Reason: "value is not a finite number"}
		}
	case script.InputBool:
		if !isValidBool(value) {
			return &ValidationError{Path: "parameters." + name, Reason: "value is not a recognized boolean"}
		}
	case script.InputString, "":
		// raw string, nothing further to validate beyond the options set.
	default:
		return &ValidationError{Path: "parameters." + name, Reason: fmt.Sprintf("unknown declared type %q", def.Type)}
	}

	if len(def.Options) > 0 {
		found := false
		for _, opt := range def.Options {
			if opt == value {
				found = true
				break
			}
		}
		if !found {
			return &ValidationError{Path: "parameters." + name, Reason: "value is not among the declared options"}
		}
	}
	return nil
}

var validBools = map[string]bool{
	"true": true, "false": true, "1": true, "0": true, "yes": true, "no": true,
}

func isValidBool(v string) bool {
	return validBools[strings.ToLower(v)]
}

func (s *Service) GetJob(ctx context.Context, id string) (*Job, error) {
	return s.store.GetJob(ctx, id)
}

func (s *Service) ListJobsByPipeline(ctx context.Context, pipelineID string) ([]*Job, error) {
	return s.store.ListJobsByPipeline(ctx, pipelineID)
}

// ScheduledJobs lists the Pending jobs a runner with runnerTags is eligible
// to claim, FIFO, at most pageSize of them.
func (s *Service) ScheduledJobs(ctx context.Context, runnerTags map[string]string, pageSize int) ([]*Job, error) {
	return s.store.ScheduledJobs(ctx, runnerTags, pageSize)
}

// Claim attempts the Pending -> Claimed compare-and-set for runnerID and
// returns the job's pipeline source and parameters, or ConflictError if
// another runner won the race or the job was not Pending.
func (s *Service) Claim(ctx context.Context, jobID, runnerID string) (*Job, error) {
	return s.store.ClaimJob(ctx, jobID, runnerID, time.Now().Add(s.claimTTL))
}

// UpdateStatus performs one of the allowed Claimed->Running or
// {Claimed,Running}->Cancelled transitions.
func (s *Service) UpdateStatus(ctx context.Context, jobID string, next JobStatus) (*Job, error) {
	return s.store.UpdateJobStatus(ctx, jobID, next)
}

// Complete performs the terminal transition to Succeeded or Failed,
// deriving the terminal status from result.Outcome.
func (s *Service) Complete(ctx context.Context, jobID string, result JobResult) (*Job, error) {
	terminal := JobSucceeded
	if result.Outcome == OutcomeError {
		terminal = JobFailed
	}
	return s.store.CompleteJob(ctx, jobID, result, terminal)
}

// IngestLogs appends entries atomically and returns them with assigned
// sequence numbers.
func (s *Service) IngestLogs(ctx context.Context, jobID string, entries []LogEntry) ([]LogEntry, error) {
	return s.store.AppendLogs(ctx, jobID, entries)
}

func (s *Service) ReadLogs(ctx context.Context, jobID string, sinceSequence uint64) ([]LogEntry, error) {
	return s.store.ReadLogs(ctx, jobID, sinceSequence)
}

// RegisterRunner records a runner's id and tags, setting its initial
// heartbeat to now so it is immediately Alive.
func (s *Service) RegisterRunner(ctx context.Context, runnerID string, tags map[string]string) error {
	return s.store.RegisterRunner(ctx, &Runner{ID: runnerID, Tags: tags, LastHeartbeat: time.Now()})
}

func (s *Service) Heartbeat(ctx context.Context, runnerID string) error {
	return s.store.Heartbeat(ctx, runnerID, time.Now())
}

func (s *Service) GetRunner(ctx context.Context, runnerID string) (*Runner, error) {
	return s.store.GetRunner(ctx, runnerID)
}

// ReapStaleClaims is exposed so the reaper control loop (reaper.go) can
// drive it on an interval without reaching into the Store directly.
func (s *Service) ReapStaleClaims(ctx context.Context, heartbeatTTL time.Duration) (int, error) {
	return s.store.ReapStaleClaims(ctx, time.Now(), heartbeatTTL)
}
