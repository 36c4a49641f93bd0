package pgstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/rivet-ci/rivet/internal/orchestrator"
)

// Store is the production orchestrator.Store backed by Postgres.
type Store struct {
	db *sql.DB
}

// New wraps an already-connected, already-migrated db (see Connect).
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

func (s *Store) CreatePipeline(ctx context.Context, p *orchestrator.Pipeline) error {
	declared, err := json.Marshal(p.Declared)
	if err != nil {
		return fmt.Errorf("marshaling declared pipeline: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO pipelines (id, name, description, source, declared, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, p.ID, p.Name, p.Description, p.Source, declared, p.CreatedAt)
	if isUniqueViolation(err) {
		return &orchestrator.ConflictError{Reason: "pipeline name already exists: " + p.Name}
	}
	if err != nil {
		return fmt.Errorf("inserting pipeline: %w", err)
	}
	return nil
}

func (s *Store) scanPipeline(row *sql.Row) (*orchestrator.Pipeline, error) {
	var p orchestrator.Pipeline
	var declared []byte
	if err := row.Scan(&p.ID, &p.Name, &p.Description, &p.Source, &declared, &p.CreatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(declared, &p.Declared); err != nil {
		return nil, fmt.Errorf("unmarshaling declared pipeline: %w", err)
	}
	return &p, nil
}

func (s *Store) GetPipeline(ctx context.Context, id string) (*orchestrator.Pipeline, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, description, source, declared, created_at FROM pipelines WHERE id = $1
	`, id)
	p, err := s.scanPipeline(row)
	if err == sql.ErrNoRows {
		return nil, &orchestrator.NotFoundError{Kind: "pipeline", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("fetching pipeline: %w", err)
	}
	return p, nil
}

func (s *Store) GetPipelineByName(ctx context.Context, name string) (*orchestrator.Pipeline, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, description, source, declared, created_at FROM pipelines WHERE name = $1
	`, name)
	p, err := s.scanPipeline(row)
	if err == sql.ErrNoRows {
		return nil, &orchestrator.NotFoundError{Kind: "pipeline", ID: name}
	}
	if err != nil {
		return nil, fmt.Errorf("fetching pipeline: %w", err)
	}
	return p, nil
}

func (s *Store) ListPipelines(ctx context.Context) ([]*orchestrator.Pipeline, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, description, source, declared, created_at
		FROM pipelines ORDER BY created_at ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("listing pipelines: %w", err)
	}
	defer rows.Close()

	var out []*orchestrator.Pipeline
	for rows.Next() {
		var p orchestrator.Pipeline
		var declared []byte
		if err := rows.Scan(&p.ID, &p.Name, &p.Description, &p.Source, &declared, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning pipeline row: %w", err)
		}
		if err := json.Unmarshal(declared, &p.Declared); err != nil {
			return nil, fmt.Errorf("unmarshaling declared pipeline: %w", err)
		}
		out = append(out, &p)
	}
	return out, rows.Err()
}

func (s *Store) DeletePipeline(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM pipelines WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("deleting pipeline: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return &orchestrator.NotFoundError{Kind: "pipeline", ID: id}
	}
	return nil
}

func (s *Store) CreateJob(ctx context.Context, j *orchestrator.Job) error {
	parameters, err := json.Marshal(j.Parameters)
	if err != nil {
		return fmt.Errorf("marshaling parameters: %w", err)
	}
	tags, err := json.Marshal(j.RunnerTags)
	if err != nil {
		return fmt.Errorf("marshaling runner tags: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO jobs (id, pipeline_id, pipeline_source, parameters, runner_tags, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, j.ID, j.PipelineID, j.PipelineSource, parameters, tags, j.Status, j.CreatedAt, j.UpdatedAt)
	if err != nil {
		return fmt.Errorf("inserting job: %w", err)
	}
	return nil
}

func scanJob(scan func(dest ...interface{}) error) (*orchestrator.Job, error) {
	var j orchestrator.Job
	var parameters, tags, result []byte
	var claimDeadline sql.NullTime
	if err := scan(&j.ID, &j.PipelineID, &j.PipelineSource, &parameters, &tags,
		&j.Status, &j.ClaimedBy, &claimDeadline, &result, &j.CreatedAt, &j.UpdatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(parameters, &j.Parameters); err != nil {
		return nil, fmt.Errorf("unmarshaling parameters: %w", err)
	}
	if err := json.Unmarshal(tags, &j.RunnerTags); err != nil {
		return nil, fmt.Errorf("unmarshaling runner tags: %w", err)
	}
	if claimDeadline.Valid {
		j.ClaimDeadline = &claimDeadline.Time
	}
	if result != nil {
		var r orchestrator.JobResult
		if err := json.Unmarshal(result, &r); err != nil {
			return nil, fmt.Errorf("unmarshaling result: %w", err)
		}
		j.Result = &r
	}
	return &j, nil
}

const jobColumns = `id, pipeline_id, pipeline_source, parameters, runner_tags, status, claimed_by, claim_deadline, result, created_at, updated_at`

func (s *Store) GetJob(ctx context.Context, id string) (*orchestrator.Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
	j, err := scanJob(row.Scan)
	if err == sql.ErrNoRows {
		return nil, &orchestrator.NotFoundError{Kind: "job", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("fetching job: %w", err)
	}
	return j, nil
}

func (s *Store) ListJobsByPipeline(ctx context.Context, pipelineID string) ([]*orchestrator.Job, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+jobColumns+` FROM jobs WHERE pipeline_id = $1 ORDER BY created_at ASC
	`, pipelineID)
	if err != nil {
		return nil, fmt.Errorf("listing jobs: %w", err)
	}
	defer rows.Close()
	return scanJobRows(rows)
}

func scanJobRows(rows *sql.Rows) ([]*orchestrator.Job, error) {
	var out []*orchestrator.Job
	for rows.Next() {
		j, err := scanJob(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scanning job row: %w", err)
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

// ScheduledJobs lists Pending jobs whose runner_tags is a subset of
// runnerTags, FIFO, bounded by limit. The subset check is evaluated in Go
// rather than as a JSONB containment query so the semantics stay identical
// to MemStore's TagsSubset, including empty-tags-always-matches.
func (s *Store) ScheduledJobs(ctx context.Context, runnerTags map[string]string, limit int) ([]*orchestrator.Job, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+jobColumns+` FROM jobs WHERE status = $1 ORDER BY created_at ASC
	`, orchestrator.JobPending)
	if err != nil {
		return nil, fmt.Errorf("listing scheduled jobs: %w", err)
	}
	defer rows.Close()

	all, err := scanJobRows(rows)
	if err != nil {
		return nil, err
	}

	out := make([]*orchestrator.Job, 0, len(all))
	for _, j := range all {
		if orchestrator.TagsSubset(j.RunnerTags, runnerTags) {
			out = append(out, j)
		}
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// ClaimJob performs the Pending -> Claimed compare-and-set as a single
// UPDATE ... WHERE status = 'pending', relying on Postgres row-level
// locking to guarantee exactly one winner among concurrent claimants,
// mirroring MemStore's mutex-guarded check-then-set.
func (s *Store) ClaimJob(ctx context.Context, jobID, runnerID string, deadline time.Time) (*orchestrator.Job, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET status = $1, claimed_by = $2, claim_deadline = $3, updated_at = now()
		WHERE id = $4 AND status = $5
	`, orchestrator.JobClaimed, runnerID, deadline, jobID, orchestrator.JobPending)
	if err != nil {
		return nil, fmt.Errorf("claiming job: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		if _, err := s.GetJob(ctx, jobID); err != nil {
			return nil, err
		}
		return nil, &orchestrator.ConflictError{Reason: "job is not pending"}
	}
	return s.GetJob(ctx, jobID)
}

func (s *Store) UpdateJobStatus(ctx context.Context, jobID string, next orchestrator.JobStatus) (*orchestrator.Job, error) {
	current, err := s.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if !orchestrator.LegalTransition(current.Status, next) {
		return nil, &orchestrator.ConflictError{Reason: "illegal transition " + string(current.Status) + " -> " + string(next)}
	}

	if next == orchestrator.JobCancelled {
		_, err = s.db.ExecContext(ctx, `
			UPDATE jobs SET status = $1, claimed_by = '', claim_deadline = NULL, updated_at = now()
			WHERE id = $2 AND status = $3
		`, next, jobID, current.Status)
	} else {
		_, err = s.db.ExecContext(ctx, `
			UPDATE jobs SET status = $1, updated_at = now() WHERE id = $2 AND status = $3
		`, next, jobID, current.Status)
	}
	if err != nil {
		return nil, fmt.Errorf("updating job status: %w", err)
	}
	return s.GetJob(ctx, jobID)
}

func (s *Store) CompleteJob(ctx context.Context, jobID string, result orchestrator.JobResult, terminal orchestrator.JobStatus) (*orchestrator.Job, error) {
	current, err := s.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if current.Status.IsTerminal() {
		if current.Status == terminal && current.Result != nil && current.Result.Outcome == result.Outcome {
			return current, nil
		}
		return nil, &orchestrator.ConflictError{Reason: "job already completed with a different outcome"}
	}
	if current.Status != orchestrator.JobClaimed && current.Status != orchestrator.JobRunning {
		return nil, &orchestrator.ConflictError{Reason: "job is not claimed or running"}
	}

	resultJSON, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("marshaling result: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		UPDATE jobs SET status = $1, claimed_by = '', claim_deadline = NULL, result = $2, updated_at = now()
		WHERE id = $3 AND status = $4
	`, terminal, resultJSON, jobID, current.Status)
	if err != nil {
		return nil, fmt.Errorf("completing job: %w", err)
	}
	return s.GetJob(ctx, jobID)
}

func (s *Store) ReapStaleClaims(ctx context.Context, now time.Time, heartbeatTTL time.Duration) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET status = $1, claimed_by = '', claim_deadline = NULL, updated_at = $2
		WHERE status IN ($3, $4)
		  AND claim_deadline IS NOT NULL AND claim_deadline < $2
		  AND claimed_by NOT IN (
		      SELECT id FROM runners WHERE last_heartbeat >= $2 - $5::interval
		  )
	`, orchestrator.JobPending, now, orchestrator.JobClaimed, orchestrator.JobRunning, fmt.Sprintf("%d seconds", int(heartbeatTTL.Seconds())))
	if err != nil {
		return 0, fmt.Errorf("reaping stale claims: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *Store) RegisterRunner(ctx context.Context, r *orchestrator.Runner) error {
	tags, err := json.Marshal(r.Tags)
	if err != nil {
		return fmt.Errorf("marshaling runner tags: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO runners (id, tags, last_heartbeat) VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET tags = EXCLUDED.tags, last_heartbeat = EXCLUDED.last_heartbeat
	`, r.ID, tags, r.LastHeartbeat)
	if err != nil {
		return fmt.Errorf("registering runner: %w", err)
	}
	return nil
}

func (s *Store) Heartbeat(ctx context.Context, runnerID string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `UPDATE runners SET last_heartbeat = $1 WHERE id = $2`, at, runnerID)
	if err != nil {
		return fmt.Errorf("recording heartbeat: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return &orchestrator.NotFoundError{Kind: "runner", ID: runnerID}
	}
	return nil
}

func (s *Store) GetRunner(ctx context.Context, runnerID string) (*orchestrator.Runner, error) {
	var r orchestrator.Runner
	var tags []byte
	err := s.db.QueryRowContext(ctx, `SELECT id, tags, last_heartbeat FROM runners WHERE id = $1`, runnerID).
		Scan(&r.ID, &tags, &r.LastHeartbeat)
	if err == sql.ErrNoRows {
		return nil, &orchestrator.NotFoundError{Kind: "runner", ID: runnerID}
	}
	if err != nil {
		return nil, fmt.Errorf("fetching runner: %w", err)
	}
	if err := json.Unmarshal(tags, &r.Tags); err != nil {
		return nil, fmt.Errorf("unmarshaling runner tags: %w", err)
	}
	return &r, nil
}

// AppendLogs appends entries inside one transaction, assigning a strictly
// increasing per-job sequence, and treats a repeat of an already-seen
// batch_id as an idempotent no-op, returning the job's full log instead.
func (s *Store) AppendLogs(ctx context.Context, jobID string, entries []orchestrator.LogEntry) ([]orchestrator.LogEntry, error) {
	if len(entries) == 0 {
		return nil, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	batchID := entries[0].BatchID
	if batchID != "" {
		var exists bool
		err := tx.QueryRowContext(ctx, `
			SELECT EXISTS(SELECT 1 FROM job_log_batches WHERE job_id = $1 AND batch_id = $2)
		`, jobID, batchID).Scan(&exists)
		if err != nil {
			return nil, fmt.Errorf("checking batch idempotency: %w", err)
		}
		if exists {
			return s.ReadLogs(ctx, jobID, 0)
		}
	}

	var next uint64
	if err := tx.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(sequence), 0) + 1 FROM job_logs WHERE job_id = $1
	`, jobID).Scan(&next); err != nil {
		return nil, fmt.Errorf("computing next sequence: %w", err)
	}

	appended := make([]orchestrator.LogEntry, 0, len(entries))
	for _, e := range entries {
		e.JobID = jobID
		e.Sequence = next
		next++
		_, err := tx.ExecContext(ctx, `
			INSERT INTO job_logs (job_id, sequence, level, message, timestamp, batch_id)
			VALUES ($1, $2, $3, $4, $5, $6)
		`, jobID, e.Sequence, e.Level, e.Message, e.Timestamp, e.BatchID)
		if err != nil {
			return nil, fmt.Errorf("inserting log entry: %w", err)
		}
		appended = append(appended, e)
	}

	if batchID != "" {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO job_log_batches (job_id, batch_id) VALUES ($1, $2)
		`, jobID, batchID); err != nil {
			return nil, fmt.Errorf("recording batch id: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing log append: %w", err)
	}
	return appended, nil
}

func (s *Store) ReadLogs(ctx context.Context, jobID string, sinceSequence uint64) ([]orchestrator.LogEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT job_id, sequence, level, message, timestamp, batch_id
		FROM job_logs WHERE job_id = $1 AND sequence > $2 ORDER BY sequence ASC
	`, jobID, sinceSequence)
	if err != nil {
		return nil, fmt.Errorf("reading logs: %w", err)
	}
	defer rows.Close()

	var out []orchestrator.LogEntry
	for rows.Next() {
		var e orchestrator.LogEntry
		if err := rows.Scan(&e.JobID, &e.Sequence, &e.Level, &e.Message, &e.Timestamp, &e.BatchID); err != nil {
			return nil, fmt.Errorf("scanning log row: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func isUniqueViolation(err error) bool {
	pqErr, ok := err.(*pq.Error)
	return ok && pqErr.Code == "23505"
}
