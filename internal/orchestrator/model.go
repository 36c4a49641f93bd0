// Package orchestrator implements Rivet's scheduling core: the authoritative
// store of pipelines and jobs, matchmaking between pending jobs and polling
// runners, and the per-job state machine.
package orchestrator

import (
	"time"

	"github.com/rivet-ci/rivet/internal/script"
)

// Pipeline is immutable after creation.
type Pipeline struct {
	ID          string                  `json:"id"`
	Name        string                  `json:"name"`
	Description string                  `json:"description,omitempty"`
	Source      string                  `json:"source"`
	Declared    script.DeclaredPipeline `json:"declared"`
	CreatedAt   time.Time               `json:"created_at"`
}

// JobStatus is the job state machine's set of states.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobClaimed   JobStatus = "claimed"
	JobRunning   JobStatus = "running"
	JobSucceeded JobStatus = "succeeded"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
)

// IsTerminal reports whether status is one a job never leaves.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobSucceeded, JobFailed, JobCancelled:
		return true
	default:
		return false
	}
}

// JobOutcome is the outcome carried by a terminal JobResult.
type JobOutcome string

const (
	OutcomeOK    JobOutcome = "ok"
	OutcomeError JobOutcome = "error"
)

// JobResult is the terminal payload a runner reports back to the
// orchestrator.
type JobResult struct {
	Outcome JobOutcome        `json:"outcome"`
	Message string            `json:"message,omitempty"`
	Outputs map[string]string `json:"outputs"`
}

// Job is one execution attempt of a pipeline with concrete parameters.
type Job struct {
	ID             string            `json:"id"`
	PipelineID     string            `json:"pipeline_id"`
	PipelineSource string            `json:"pipeline_source"`
	Parameters     map[string]string `json:"parameters"`
	RunnerTags     map[string]string `json:"runner_tags,omitempty"`
	Status         JobStatus         `json:"status"`
	ClaimedBy      string            `json:"claimed_by,omitempty"`
	ClaimDeadline  *time.Time        `json:"claim_deadline,omitempty"`
	Result         *JobResult        `json:"result,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at"`
}

// LogLevel is the closed set of log-entry severities.
type LogLevel string

const (
	LogDebug   LogLevel = "debug"
	LogInfo    LogLevel = "info"
	LogWarning LogLevel = "warning"
	LogError   LogLevel = "error"
)

// LogEntry is one append-only job log line.
type LogEntry struct {
	JobID     string    `json:"job_id"`
	Level     LogLevel  `json:"level"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
	Sequence  uint64    `json:"sequence"`
	BatchID   string    `json:"batch_id,omitempty"`
}

// RunnerState reflects heartbeat liveness.
type RunnerState string

const (
	RunnerAlive RunnerState = "alive"
	RunnerDead  RunnerState = "dead"
)

// Runner is a registered worker process.
type Runner struct {
	ID            string            `json:"id"`
	Tags          map[string]string `json:"tags"`
	LastHeartbeat time.Time         `json:"last_heartbeat"`
}

// State derives liveness from the last heartbeat relative to now and ttl.
func (r Runner) State(now time.Time, ttl time.Duration) RunnerState {
	if now.Sub(r.LastHeartbeat) <= ttl {
		return RunnerAlive
	}
	return RunnerDead
}

// TagsSubset reports whether every (key,value) pair in want is present in have.
func TagsSubset(want, have map[string]string) bool {
	for k, v := range want {
		if have[k] != v {
			return false
		}
	}
	return true
}

// legalTransitions enumerates the job state machine's allowed explicit
// transitions. Claiming a pending job and completing a claimed/running job
// into a terminal state go through ClaimJob/CompleteJob instead, so they
// are not listed here.
var legalTransitions = map[JobStatus]map[JobStatus]bool{
	JobClaimed: {JobRunning: true, JobCancelled: true},
	JobRunning: {JobCancelled: true},
}

// LegalTransition reports whether UpdateJobStatus may move a job directly
// from one status to another.
func LegalTransition(from, to JobStatus) bool {
	return legalTransitions[from][to]
}
