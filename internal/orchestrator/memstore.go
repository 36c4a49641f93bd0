package orchestrator

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemStore is an in-memory Store guarded by a single mutex. It is the
// canonical implementation: every testable property in spec §8 is checked
// against it, and its single-lock design is what makes the claim-race
// property correct — exactly one of N concurrent ClaimJob calls on the same
// job observes it as Pending under the lock.
type MemStore struct {
	mu sync.Mutex

	pipelines     map[string]*Pipeline
	pipelineNames map[string]string // name -> id

	jobs    map[string]*Job
	logs    map[string][]LogEntry
	batches map[string]map[string]bool // jobID -> seen batch ids

	runners map[string]*Runner
}

// NewMemStore builds an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		pipelines:     make(map[string]*Pipeline),
		pipelineNames: make(map[string]string),
		jobs:          make(map[string]*Job),
		logs:          make(map[string][]LogEntry),
		batches:       make(map[string]map[string]bool),
		runners:       make(map[string]*Runner),
	}
}

func clonePipeline(p *Pipeline) *Pipeline {
	cp := *p
	return &cp
}

func cloneJob(j *Job) *Job {
	cp := *j
	if j.Parameters != nil {
		cp.Parameters = make(map[string]string, len(j.Parameters))
		for k, v := range j.Parameters {
			cp.Parameters[k] = v
		}
	}
	if j.RunnerTags != nil {
		cp.RunnerTags = make(map[string]string, len(j.RunnerTags))
		for k, v := range j.RunnerTags {
			cp.RunnerTags[k] = v
		}
	}
	if j.Result != nil {
		r := *j.Result
		cp.Result = &r
	}
	if j.ClaimDeadline != nil {
		d := *j.ClaimDeadline
		cp.ClaimDeadline = &d
	}
	return &cp
}

// CreatePipeline stores p, failing with ConflictError on a name collision.
func (s *MemStore) CreatePipeline(ctx context.Context, p *Pipeline) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.pipelineNames[p.Name]; exists {
		return &ConflictError{Reason: "pipeline name already exists: " + p.Name}
	}
	s.pipelines[p.ID] = clonePipeline(p)
	s.pipelineNames[p.Name] = p.ID
	return nil
}

func (s *MemStore) GetPipeline(ctx context.Context, id string) (*Pipeline, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.pipelines[id]
	if !ok {
		return nil, &NotFoundError{Kind: "pipeline", ID: id}
	}
	return clonePipeline(p), nil
}

func (s *MemStore) GetPipelineByName(ctx context.Context, name string) (*Pipeline, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.pipelineNames[name]
	if !ok {
		return nil, &NotFoundError{Kind: "pipeline", ID: name}
	}
	return clonePipeline(s.pipelines[id]), nil
}

func (s *MemStore) ListPipelines(ctx context.Context) ([]*Pipeline, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*Pipeline, 0, len(s.pipelines))
	for _, p := range s.pipelines {
		out = append(out, clonePipeline(p))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemStore) DeletePipeline(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.pipelines[id]
	if !ok {
		return &NotFoundError{Kind: "pipeline", ID: id}
	}
	delete(s.pipelines, id)
	delete(s.pipelineNames, p.Name)
	return nil
}

func (s *MemStore) CreateJob(ctx context.Context, j *Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.jobs[j.ID] = cloneJob(j)
	return nil
}

func (s *MemStore) GetJob(ctx context.Context, id string) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return nil, &NotFoundError{Kind: "job", ID: id}
	}
	return cloneJob(j), nil
}

func (s *MemStore) ListJobsByPipeline(ctx context.Context, pipelineID string) ([]*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*Job
	for _, j := range s.jobs {
		if j.PipelineID == pipelineID {
			out = append(out, cloneJob(j))
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].CreatedAt.Before(out[k].CreatedAt) })
	return out, nil
}

// ScheduledJobs lists Pending jobs whose runner tags are a subset of
// runnerTags, FIFO by CreatedAt, bounded to limit.
func (s *MemStore) ScheduledJobs(ctx context.Context, runnerTags map[string]string, limit int) ([]*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*Job
	for _, j := range s.jobs {
		if j.Status != JobPending {
			continue
		}
		if !TagsSubset(j.RunnerTags, runnerTags) {
			continue
		}
		out = append(out, cloneJob(j))
	}
	sort.Slice(out, func(i, k int) bool { return out[i].CreatedAt.Before(out[k].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ClaimJob is the compare-and-set Pending -> Claimed transition. Exactly one
// concurrent caller on the same job succeeds; all others receive
// ConflictError, since the check-then-set happens under s.mu.
func (s *MemStore) ClaimJob(ctx context.Context, jobID, runnerID string, deadline time.Time) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[jobID]
	if !ok {
		return nil, &NotFoundError{Kind: "job", ID: jobID}
	}
	if j.Status != JobPending {
		return nil, &ConflictError{Reason: "job is not pending"}
	}
	j.Status = JobClaimed
	j.ClaimedBy = runnerID
	d := deadline
	j.ClaimDeadline = &d
	j.UpdatedAt = time.Now()
	return cloneJob(j), nil
}

// UpdateJobStatus performs one of the allowed Claimed->Running or
// {Claimed,Running}->Cancelled transitions.
func (s *MemStore) UpdateJobStatus(ctx context.Context, jobID string, next JobStatus) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[jobID]
	if !ok {
		return nil, &NotFoundError{Kind: "job", ID: jobID}
	}
	if !LegalTransition(j.Status, next) {
		return nil, &ConflictError{Reason: "illegal transition " + string(j.Status) + " -> " + string(next)}
	}
	j.Status = next
	if next == JobCancelled {
		j.ClaimedBy = ""
		j.ClaimDeadline = nil
	}
	j.UpdatedAt = time.Now()
	return cloneJob(j), nil
}

// CompleteJob transitions {Claimed,Running} -> terminal, carrying result.
// Idempotent on an exact repeat (same terminal status and outcome);
// ConflictError on a conflicting repeat. The first write always wins.
func (s *MemStore) CompleteJob(ctx context.Context, jobID string, result JobResult, terminal JobStatus) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[jobID]
	if !ok {
		return nil, &NotFoundError{Kind: "job", ID: jobID}
	}

	if j.Status.IsTerminal() {
		if j.Status == terminal && j.Result != nil && j.Result.Outcome == result.Outcome {
			return cloneJob(j), nil
		}
		return nil, &ConflictError{Reason: "job already completed with a different outcome"}
	}
	if j.Status != JobClaimed && j.Status != JobRunning {
		return nil, &ConflictError{Reason: "job is not claimed or running"}
	}

	j.Status = terminal
	j.ClaimedBy = ""
	j.ClaimDeadline = nil
	r := result
	j.Result = &r
	j.UpdatedAt = time.Now()
	return cloneJob(j), nil
}

// ReapStaleClaims transitions Claimed/Running jobs with an expired
// claim_deadline back to Pending, but only when the owning runner is Dead.
func (s *MemStore) ReapStaleClaims(ctx context.Context, now time.Time, heartbeatTTL time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, j := range s.jobs {
		if j.Status != JobClaimed && j.Status != JobRunning {
			continue
		}
		if j.ClaimDeadline == nil || !j.ClaimDeadline.Before(now) {
			continue
		}
		r, ok := s.runners[j.ClaimedBy]
		if ok && r.State(now, heartbeatTTL) == RunnerAlive {
			continue
		}
		j.Status = JobPending
		j.ClaimedBy = ""
		j.ClaimDeadline = nil
		j.UpdatedAt = now
		n++
	}
	return n, nil
}

func (s *MemStore) RegisterRunner(ctx context.Context, r *Runner) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *r
	if cp.Tags == nil {
		cp.Tags = map[string]string{}
	}
	s.runners[r.ID] = &cp
	return nil
}

func (s *MemStore) Heartbeat(ctx context.Context, runnerID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.runners[runnerID]
	if !ok {
		return &NotFoundError{Kind: "runner", ID: runnerID}
	}
	r.LastHeartbeat = at
	return nil
}

func (s *MemStore) GetRunner(ctx context.Context, runnerID string) (*Runner, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.runners[runnerID]
	if !ok {
		return nil, &NotFoundError{Kind: "runner", ID: runnerID}
	}
	cp := *r
	return &cp, nil
}

// AppendLogs appends entries atomically, assigning a strictly increasing
// per-job sequence. If an entry carries a BatchID already seen for this job,
// the whole batch is treated as a duplicate and the existing entries are
// returned unchanged (idempotent ingest).
func (s *MemStore) AppendLogs(ctx context.Context, jobID string, entries []LogEntry) ([]LogEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(entries) == 0 {
		return nil, nil
	}

	batchID := entries[0].BatchID
	if batchID != "" {
		seen := s.batches[jobID]
		if seen != nil && seen[batchID] {
			return append([]LogEntry(nil), s.logs[jobID]...), nil
		}
	}

	next := uint64(len(s.logs[jobID])) + 1
	appended := make([]LogEntry, 0, len(entries))
	for _, e := range entries {
		e.JobID = jobID
		e.Sequence = next
		next++
		s.logs[jobID] = append(s.logs[jobID], e)
		appended = append(appended, e)
	}

	if batchID != "" {
		if s.batches[jobID] == nil {
			s.batches[jobID] = make(map[string]bool)
		}
		s.batches[jobID][batchID] = true
	}

	return appended, nil
}

func (s *MemStore) ReadLogs(ctx context.Context, jobID string, sinceSequence uint64) ([]LogEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	all := s.logs[jobID]
	out := make([]LogEntry, 0, len(all))
	for _, e := range all {
		if e.Sequence > sinceSequence {
			out = append(out, e)
		}
	}
	return out, nil
}
