// Package syncq replays locally queued operations against the remote system.
// Enqueue is purely local and always works; draining happens only while the
// server is reachable, preserves per-kind causal order, and bounds retries.
package syncq

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/NYCip/pdc-pos-offline-sub001/internal/connectivity"
	"github.com/NYCip/pdc-pos-offline-sub001/internal/logging"
	"github.com/NYCip/pdc-pos-offline-sub001/internal/remote"
	"github.com/NYCip/pdc-pos-offline-sub001/internal/store"
)

// Backoff schedule bounds. A transiently failed operation waits
// min(baseBackoff * 2^(attempts-1), maxBackoff) before becoming eligible
// again.
const (
	baseBackoff = 5 * time.Second
	maxBackoff  = time.Hour
)

// Submitter is the remote surface the engine drains against.
type Submitter interface {
	Submit(ctx context.Context, kind string, batch []remote.Submission) ([]remote.SubmissionResult, error)
}

// Config controls queue bounds and retry policy.
type Config struct {
	// MaxAttempts is the retry ceiling; an operation that fails transiently
	// this many times is quarantined, never silently dropped.
	MaxAttempts int
	// DrainInterval is the periodic drain cadence while online.
	DrainInterval time.Duration
	// QueueCap and QueueKeep bound the pending queue: past QueueCap the
	// oldest rows are archived down to QueueKeep.
	QueueCap  int
	QueueKeep int
	// CompletedRetention is how long synced audit rows are kept.
	CompletedRetention time.Duration
	// AuditKinds are kinds whose rows are retained (payload dropped) after a
	// successful sync instead of being deleted.
	AuditKinds []string
}

// Engine owns the durable sync queue.
type Engine struct {
	store      *store.Store
	submitter  Submitter
	monitor    *connectivity.Monitor
	cfg        Config
	auditKinds map[string]bool

	// draining enforces single-flight: overlapping drain triggers collapse
	// into one pass.
	draining sync.Mutex

	stopCh chan struct{}
	doneCh chan struct{}

	now func() time.Time
}

// New returns an Engine. monitor may be nil when the caller drives drains
// explicitly (CLI one-shot mode).
func New(st *store.Store, sub Submitter, mon *connectivity.Monitor, cfg Config) *Engine {
	audit := make(map[string]bool, len(cfg.AuditKinds))
	for _, k := range cfg.AuditKinds {
		audit[k] = true
	}
	return &Engine{
		store:      st,
		submitter:  sub,
		monitor:    mon,
		cfg:        cfg,
		auditKinds: audit,
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
		now:        time.Now,
	}
}

// Enqueue durably appends an operation. It never touches the network and
// never blocks on connectivity; the operation becomes visible to the next
// drain. The assigned idempotency key makes replay after an ambiguous
// transport failure safe.
func (e *Engine) Enqueue(ctx context.Context, kind string, payload json.RawMessage) (*store.QueuedOperation, error) {
	op := &store.QueuedOperation{
		ID:             uuid.NewString(),
		Kind:           kind,
		Payload:        payload,
		IdempotencyKey: uuid.NewString(),
		CreatedAt:      e.now().UTC(),
	}
	if err := e.store.AppendOperation(ctx, op); err != nil {
		return nil, fmt.Errorf("syncq: enqueue %s: %w", kind, err)
	}
	logging.SyncDebug("enqueued %s %s", kind, op.ID)

	if e.cfg.QueueCap > 0 {
		archived, err := e.store.ArchiveOverflow(ctx, e.cfg.QueueCap, e.cfg.QueueKeep)
		if err != nil {
			logging.Sync("overflow check failed: %v", err)
		} else if archived > 0 {
			logging.Sync("queue overflow: archived %d oldest pending operation(s)", archived)
		}
	}
	return op, nil
}

// DrainResult summarizes one drain pass.
type DrainResult struct {
	Synced      int
	Retried     int
	Quarantined int
	Rejected    int
	// Aborted is set when the pass stopped early on a transport failure.
	Aborted bool
}

// Drain replays eligible pending operations, oldest first. Consecutive runs
// of the same kind go out as one batch. Draining is idempotent: operations
// leave the queue only on remote confirmation, so a crash mid-drain at worst
// re-submits, which the idempotency key absorbs.
//
// Concurrent calls collapse: a second Drain while one is in flight returns
// immediately with a zero result.
func (e *Engine) Drain(ctx context.Context) (DrainResult, error) {
	if !e.draining.TryLock() {
		logging.SyncDebug("drain already in flight, skipping")
		return DrainResult{}, nil
	}
	defer e.draining.Unlock()

	var res DrainResult

	pending, err := e.store.PendingOperations(ctx, e.now().UTC())
	if err != nil {
		return res, fmt.Errorf("syncq: load pending: %w", err)
	}
	if len(pending) == 0 {
		return res, nil
	}

	timer := logging.StartTimer(logging.CategorySync, "Drain")
	defer timer.Stop()
	logging.Sync("draining %d pending operation(s)", len(pending))

	for _, batch := range batchByKind(pending) {
		if err := ctx.Err(); err != nil {
			res.Aborted = true
			return res, err
		}
		if aborted := e.submitBatch(ctx, batch, &res); aborted {
			res.Aborted = true
			break
		}
	}

	logging.Audit(logging.AuditSyncDrain, 0, fmt.Sprintf(
		"synced=%d retried=%d quarantined=%d rejected=%d aborted=%v",
		res.Synced, res.Retried, res.Quarantined, res.Rejected, res.Aborted))
	return res, nil
}

// batchByKind groups consecutive same-kind operations, preserving creation
// order within and across batches.
func batchByKind(ops []store.QueuedOperation) [][]store.QueuedOperation {
	var batches [][]store.QueuedOperation
	for _, op := range ops {
		n := len(batches)
		if n > 0 && batches[n-1][0].Kind == op.Kind {
			batches[n-1] = append(batches[n-1], op)
			continue
		}
		batches = append(batches, []store.QueuedOperation{op})
	}
	return batches
}

// submitBatch sends one same-kind batch and applies per-item outcomes.
// Returns true when the drain should stop (transport-level failure: the
// server is likely unreachable and later batches would fail the same way).
func (e *Engine) submitBatch(ctx context.Context, batch []store.QueuedOperation, res *DrainResult) bool {
	subs := make([]remote.Submission, len(batch))
	for i, op := range batch {
		subs[i] = remote.Submission{
			ID:             op.ID,
			IdempotencyKey: op.IdempotencyKey,
			Payload:        op.Payload,
		}
	}

	results, err := e.submitter.Submit(ctx, batch[0].Kind, subs)
	if err != nil {
		if remote.IsRejected(err) {
			// The whole batch was refused as structurally invalid.
			for _, op := range batch {
				e.reject(ctx, op, err.Error(), res)
			}
			return false
		}
		logging.Sync("batch of %d %s failed in transit: %v", len(batch), batch[0].Kind, err)
		for _, op := range batch {
			e.recordTransient(ctx, op, err.Error(), res)
		}
		return true
	}

	for i, r := range results {
		op := batch[i]
		switch r.Status {
		case remote.SubmissionOK, remote.SubmissionDuplicate:
			e.complete(ctx, op, res)
		case remote.SubmissionRejected:
			e.reject(ctx, op, r.Error, res)
		default:
			e.recordTransient(ctx, op, r.Error, res)
		}
	}
	return false
}

// complete removes a confirmed operation, or for audit kinds marks it synced
// with the payload dropped.
func (e *Engine) complete(ctx context.Context, op store.QueuedOperation, res *DrainResult) {
	var err error
	if e.auditKinds[op.Kind] {
		err = e.store.MarkSynced(ctx, op.ID, e.now().UTC())
	} else {
		err = e.store.DeleteOperation(ctx, op.ID)
	}
	if err != nil {
		// The remote accepted it; next drain re-submits and the idempotency
		// key collapses it to a duplicate.
		logging.Sync("completion bookkeeping for %s failed: %v", op.ID, err)
		return
	}
	res.Synced++
	logging.SyncDebug("synced %s %s", op.Kind, op.ID)
}

// recordTransient bumps the attempt counter with exponential backoff, or
// quarantines the operation once the ceiling is reached.
func (e *Engine) recordTransient(ctx context.Context, op store.QueuedOperation, errMsg string, res *DrainResult) {
	attempts := op.AttemptCount + 1
	if attempts >= e.cfg.MaxAttempts {
		e.quarantine(ctx, op, errMsg, res)
		return
	}

	now := e.now().UTC()
	next := now.Add(backoffDelay(attempts))
	if err := e.store.RecordAttempt(ctx, op.ID, errMsg, now, next); err != nil {
		logging.Sync("recording attempt for %s failed: %v", op.ID, err)
		return
	}
	res.Retried++
	logging.SyncDebug("%s %s attempt %d, next at %s", op.Kind, op.ID, attempts, next.Format(time.RFC3339))
}

// quarantine permanently fails an operation. The payload and last error stay
// in the row for inspection; nothing is silently dropped.
func (e *Engine) quarantine(ctx context.Context, op store.QueuedOperation, errMsg string, res *DrainResult) {
	if err := e.store.MarkFailed(ctx, op.ID, errMsg, e.now().UTC()); err != nil {
		logging.Sync("quarantine of %s failed: %v", op.ID, err)
		return
	}
	res.Quarantined++
	logging.Audit(logging.AuditSyncQuarantine, 0,
		fmt.Sprintf("kind=%s id=%s attempts=%d err=%s", op.Kind, op.ID, op.AttemptCount+1, errMsg))
}

// reject permanently fails a structurally invalid operation on its first
// refusal. Retrying a payload the remote system cannot parse never succeeds.
func (e *Engine) reject(ctx context.Context, op store.QueuedOperation, errMsg string, res *DrainResult) {
	if err := e.store.MarkFailed(ctx, op.ID, errMsg, e.now().UTC()); err != nil {
		logging.Sync("rejection bookkeeping for %s failed: %v", op.ID, err)
		return
	}
	res.Rejected++
	logging.Audit(logging.AuditSyncRejected, 0,
		fmt.Sprintf("kind=%s id=%s err=%s", op.Kind, op.ID, errMsg))
}

// backoffDelay returns the wait before the next retry after the given number
// of completed attempts.
func backoffDelay(attempts int) time.Duration {
	d := baseBackoff << uint(attempts-1)
	if d <= 0 || d > maxBackoff {
		return maxBackoff
	}
	return d
}

// Run drains on server-reachable transitions and on a periodic ticker while
// online, until Stop is called or ctx is cancelled. Call in its own
// goroutine.
func (e *Engine) Run(ctx context.Context) {
	defer close(e.doneCh)

	var events <-chan connectivity.Event
	var subID int
	if e.monitor != nil {
		subID, events = e.monitor.Subscribe()
		defer e.monitor.Unsubscribe(subID)
	}

	ticker := time.NewTicker(e.cfg.DrainInterval)
	defer ticker.Stop()

	cleanupTicker := time.NewTicker(e.cfg.DrainInterval * 10)
	defer cleanupTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-e.stopCh:
			return
		case ev := <-events:
			if ev.Kind == connectivity.EventServerReachable {
				logging.Sync("server reachable, draining queue")
				if _, err := e.Drain(ctx); err != nil {
					logging.Sync("drain after reconnect failed: %v", err)
				}
			}
		case <-ticker.C:
			if !e.online() {
				continue
			}
			if _, err := e.Drain(ctx); err != nil {
				logging.Sync("periodic drain failed: %v", err)
			}
		case <-cleanupTicker.C:
			e.cleanup(ctx)
		}
	}
}

// Stop halts the Run loop and waits for it to exit.
func (e *Engine) Stop() {
	close(e.stopCh)
	<-e.doneCh
}

func (e *Engine) online() bool {
	return e.monitor != nil && e.monitor.State().State == connectivity.StateOnline
}

// cleanup prunes synced audit rows past the retention window.
func (e *Engine) cleanup(ctx context.Context) {
	if e.cfg.CompletedRetention <= 0 {
		return
	}
	cutoff := e.now().UTC().Add(-e.cfg.CompletedRetention)
	n, err := e.store.CleanupSynced(ctx, cutoff)
	if err != nil {
		logging.Sync("synced-row cleanup failed: %v", err)
		return
	}
	if n > 0 {
		logging.Sync("pruned %d synced row(s) past retention", n)
	}
}

// Stats reports queue counts by status.
func (e *Engine) Stats(ctx context.Context) (*store.QueueStats, error) {
	return e.store.GetQueueStats(ctx, e.cfg.QueueCap)
}

// Failed lists quarantined operations for inspection.
func (e *Engine) Failed(ctx context.Context) ([]store.QueuedOperation, error) {
	return e.store.FailedOperations(ctx)
}

// Requeue resets a quarantined or archived operation to pending so the next
// drain retries it. The attempt counter starts over.
func (e *Engine) Requeue(ctx context.Context, id string) error {
	op, err := e.store.GetOperation(ctx, id)
	if err != nil {
		return fmt.Errorf("syncq: requeue %s: %w", id, err)
	}
	if op == nil {
		return fmt.Errorf("syncq: requeue %s: not found", id)
	}
	if op.Status != store.StatusFailed && op.Status != store.StatusArchived {
		return fmt.Errorf("syncq: requeue %s: status %s", id, op.Status)
	}
	if err := e.store.RequeueOperation(ctx, id); err != nil {
		return fmt.Errorf("syncq: requeue %s: %w", id, err)
	}
	logging.Sync("requeued %s %s", op.Kind, id)
	return nil
}
