package runner

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rivet-ci/rivet/internal/bridge"
	"github.com/rivet-ci/rivet/internal/orchestrator"
)

// logSender is the orchestrator-facing subset of *client.Client a log pump
// needs; kept narrow so tests can supply a fake without pulling in the
// whole HTTP client.
type logSender interface {
	SendLogs(ctx context.Context, jobID string, entries []orchestrator.LogEntry) error
}

// logPump is the dedicated task described in §4.4: it consumes a job's log
// buffer and flushes to the orchestrator on LogSendInterval or when the
// buffer reaches LogBatchMax, retaining and retrying a batch on failure
// rather than dropping it.
type logPump struct {
	jobID    string
	sender   logSender
	interval time.Duration
	batchMax int
	logger   *slog.Logger

	mu      sync.Mutex
	pending []orchestrator.LogEntry

	flush chan struct{}
	done  chan struct{}
}

func newLogPump(jobID string, sender logSender, interval time.Duration, batchMax int, logger *slog.Logger) *logPump {
	return &logPump{
		jobID:    jobID,
		sender:   sender,
		interval: interval,
		batchMax: batchMax,
		logger:   logger,
		flush:    make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
}

// Log implements bridge.LogSink so a logPump can be installed directly
// as the execution sandbox's `log` module backing.
func (p *logPump) Log(level bridge.LogLevel, message string, timestamp time.Time) {
	p.mu.Lock()
	p.pending = append(p.pending, orchestrator.LogEntry{
		JobID:     p.jobID,
		Level:     orchestrator.LogLevel(level),
		Message:   message,
		Timestamp: timestamp,
	})
	full := len(p.pending) >= p.batchMax
	p.mu.Unlock()

	if full {
		p.flushNow()
	}
}

// flushNow signals the pump's Run loop to flush at its next opportunity,
// without blocking if a signal is already pending.
func (p *logPump) flushNow() {
	select {
	case p.flush <- struct{}{}:
	default:
	}
}

// Run drains the pump on interval or on-demand flush signals until ctx is
// cancelled, at which point it performs one last flush before returning.
// The caller launches this as its own goroutine and must wait for it to
// return (e.g. via a WaitGroup) before considering the execution task
// fully stopped -- this is the "always aborted on execution-task exit, no
// leaks" requirement of §4.4.
func (p *logPump) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.flushOnce(context.Background())
			return
		case <-ticker.C:
			p.flushOnce(ctx)
		case <-p.flush:
			p.flushOnce(ctx)
		}
	}
}

// drainBatch pops up to batchMax pending entries, stamping them all with a
// shared batch id for the orchestrator's idempotent-ingest dedup.
func (p *logPump) drainBatch() []orchestrator.LogEntry {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.pending) == 0 {
		return nil
	}
	n := len(p.pending)
	if n > p.batchMax {
		n = p.batchMax
	}
	batch := append([]orchestrator.LogEntry(nil), p.pending[:n]...)
	p.pending = p.pending[n:]

	batchID := uuid.NewString()
	for i := range batch {
		batch[i].BatchID = batchID
	}
	return batch
}

// requeue puts a failed batch back at the front of the pending queue so a
// retry preserves order and nothing is lost.
func (p *logPump) requeue(batch []orchestrator.LogEntry) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pending = append(batch, p.pending...)
}

func (p *logPump) flushOnce(ctx context.Context) {
	for {
		batch := p.drainBatch()
		if batch == nil {
			return
		}
		if err := p.sender.SendLogs(ctx, p.jobID, batch); err != nil {
			p.logger.Warn("log batch send failed, will retry", "job_id", p.jobID, "entries", len(batch), "error", err)
			p.requeue(batch)
			return
		}
	}
}

// FinalFlush synchronously drains and sends every remaining entry,
// retrying with a bounded backoff so a slow network hiccup at job
// completion doesn't silently drop the tail of the log (§4.4: "drain the
// log buffer synchronously (final flush)").
func (p *logPump) FinalFlush(ctx context.Context) {
	backoff := 200 * time.Millisecond
	const maxBackoff = 5 * time.Second

	for {
		batch := p.drainBatch()
		if batch == nil {
			return
		}
		err := p.sender.SendLogs(ctx, p.jobID, batch)
		if err == nil {
			backoff = 200 * time.Millisecond
			continue
		}
		p.requeue(batch)
		p.logger.Warn("final log flush retrying", "job_id", p.jobID, "error", err, "backoff", backoff)
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}
