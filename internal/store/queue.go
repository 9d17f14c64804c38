package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/NYCip/pdc-pos-offline-sub001/internal/logging"
)

// Queue operation statuses.
const (
	StatusPending  = "pending"  // awaiting sync
	StatusSynced   = "synced"   // confirmed by the remote system, row retained for audit
	StatusFailed   = "failed"   // permanently failed, payload retained for inspection
	StatusArchived = "archived" // displaced by queue overflow, never silently dropped
)

// QueuedOperation is a locally durable record of work to be replayed against
// the remote system.
type QueuedOperation struct {
	ID             string
	Kind           string
	Payload        json.RawMessage
	IdempotencyKey string
	Status         string
	AttemptCount   int
	LastError      string
	CreatedAt      time.Time
	LastAttemptAt  *time.Time
	NextAttemptAt  *time.Time
	SyncedAt       *time.Time
	ArchivedAt     *time.Time
}

// QueueStats summarizes the queue by status.
type QueueStats struct {
	Total    int
	Pending  int
	Synced   int
	Failed   int
	Archived int
	Overflow bool
}

// AppendOperation durably appends a pending operation. Never touches the
// network; always succeeds locally unless the store itself is broken.
func (s *Store) AppendOperation(ctx context.Context, op *QueuedOperation) error {
	return s.Execute(ctx, "AppendOperation", func(tx *sql.Tx) error {
		createdAt := op.CreatedAt
		if createdAt.IsZero() {
			createdAt = time.Now()
		}
		_, err := tx.Exec(
			`INSERT INTO queue (id, kind, payload, idempotency_key, status, attempt_count, created_at)
			 VALUES (?, ?, ?, ?, ?, 0, ?)`,
			op.ID, op.Kind, string(op.Payload), op.IdempotencyKey, StatusPending, createdAt.UTC(),
		)
		return err
	})
}

// PendingOperations returns pending operations eligible at now (their backoff
// window has elapsed), oldest first. Creation order is the causal order the
// drain must preserve.
func (s *Store) PendingOperations(ctx context.Context, now time.Time) ([]QueuedOperation, error) {
	rows, err := s.query(ctx,
		`SELECT id, kind, payload, idempotency_key, status, attempt_count, last_error,
		        created_at, last_attempt_at, next_attempt_at
		 FROM queue
		 WHERE status = ? AND (next_attempt_at IS NULL OR next_attempt_at <= ?)
		 ORDER BY created_at ASC, id ASC`,
		StatusPending, now.UTC(),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanOperations(rows)
}

// FailedOperations returns permanently failed operations for manual
// inspection, oldest first.
func (s *Store) FailedOperations(ctx context.Context) ([]QueuedOperation, error) {
	rows, err := s.query(ctx,
		`SELECT id, kind, payload, idempotency_key, status, attempt_count, last_error,
		        created_at, last_attempt_at, next_attempt_at
		 FROM queue WHERE status = ? ORDER BY created_at ASC, id ASC`,
		StatusFailed,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanOperations(rows)
}

// GetOperation returns one operation by id, or nil if absent.
func (s *Store) GetOperation(ctx context.Context, id string) (*QueuedOperation, error) {
	rows, err := s.query(ctx,
		`SELECT id, kind, payload, idempotency_key, status, attempt_count, last_error,
		        created_at, last_attempt_at, next_attempt_at
		 FROM queue WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ops, err := scanOperations(rows)
	if err != nil {
		return nil, err
	}
	if len(ops) == 0 {
		return nil, nil
	}
	return &ops[0], nil
}

func scanOperations(rows *sql.Rows) ([]QueuedOperation, error) {
	var ops []QueuedOperation
	for rows.Next() {
		var op QueuedOperation
		var payload string
		var lastAttempt, nextAttempt sql.NullTime
		if err := rows.Scan(&op.ID, &op.Kind, &payload, &op.IdempotencyKey, &op.Status,
			&op.AttemptCount, &op.LastError, &op.CreatedAt, &lastAttempt, &nextAttempt); err != nil {
			return nil, err
		}
		if payload != "" {
			op.Payload = json.RawMessage(payload)
		}
		if lastAttempt.Valid {
			t := lastAttempt.Time
			op.LastAttemptAt = &t
		}
		if nextAttempt.Valid {
			t := nextAttempt.Time
			op.NextAttemptAt = &t
		}
		ops = append(ops, op)
	}
	return ops, rows.Err()
}

// DeleteOperation removes an operation after confirmed remote acknowledgment.
func (s *Store) DeleteOperation(ctx context.Context, id string) error {
	return s.Execute(ctx, "DeleteOperation", func(tx *sql.Tx) error {
		_, err := tx.Exec("DELETE FROM queue WHERE id = ?", id)
		return err
	})
}

// MarkSynced marks an operation as successfully synced, retaining the row as
// an audit record. The payload is dropped; only the metadata survives.
func (s *Store) MarkSynced(ctx context.Context, id string, at time.Time) error {
	return s.Execute(ctx, "MarkSynced", func(tx *sql.Tx) error {
		_, err := tx.Exec(
			`UPDATE queue SET status = ?, payload = '', synced_at = ?,
			 attempt_count = attempt_count + 1, last_attempt_at = ?
			 WHERE id = ?`,
			StatusSynced, at.UTC(), at.UTC(), id,
		)
		return err
	})
}

// RecordAttempt records a transient failure: the attempt counter is bumped
// and the next eligible time is set per the backoff schedule. attemptCount is
// monotonically non-decreasing; this is the only mutation path for it on a
// still-pending operation.
func (s *Store) RecordAttempt(ctx context.Context, id string, errMsg string, at, nextAttempt time.Time) error {
	return s.Execute(ctx, "RecordAttempt", func(tx *sql.Tx) error {
		_, err := tx.Exec(
			`UPDATE queue SET attempt_count = attempt_count + 1, last_error = ?,
			 last_attempt_at = ?, next_attempt_at = ?
			 WHERE id = ?`,
			errMsg, at.UTC(), nextAttempt.UTC(), id,
		)
		return err
	})
}

// MarkFailed marks an operation permanently failed. The payload is retained
// so the failure can be inspected and replayed manually; the operation is
// never retried automatically again.
func (s *Store) MarkFailed(ctx context.Context, id string, errMsg string, at time.Time) error {
	err := s.Execute(ctx, "MarkFailed", func(tx *sql.Tx) error {
		_, err := tx.Exec(
			`UPDATE queue SET status = ?, attempt_count = attempt_count + 1,
			 last_error = ?, last_attempt_at = ?
			 WHERE id = ?`,
			StatusFailed, errMsg, at.UTC(), id,
		)
		return err
	})
	if err == nil {
		logging.Get(logging.CategorySync).Error("operation %s quarantined: %s", id, errMsg)
	}
	return err
}

// RequeueOperation resets a failed or archived operation to pending with a
// fresh attempt counter, making it eligible for the next drain.
func (s *Store) RequeueOperation(ctx context.Context, id string) error {
	return s.Execute(ctx, "RequeueOperation", func(tx *sql.Tx) error {
		_, err := tx.Exec(
			`UPDATE queue SET status = ?, attempt_count = 0, last_error = '',
			 next_attempt_at = NULL, archived_at = NULL
			 WHERE id = ?`,
			StatusPending, id,
		)
		return err
	})
}

// ArchiveOverflow archives the oldest pending operations beyond keep when the
// pending count exceeds capacity. Returns how many were archived. Archived
// rows keep their payload; they are displaced, not dropped.
func (s *Store) ArchiveOverflow(ctx context.Context, capacity, keep int) (int, error) {
	var pending int
	if err := s.queryRow(ctx,
		"SELECT COUNT(*) FROM queue WHERE status = ?", StatusPending).Scan(&pending); err != nil {
		return 0, err
	}
	if pending <= capacity {
		return 0, nil
	}

	toArchive := pending - keep
	var archived int
	err := s.Execute(ctx, "ArchiveOverflow", func(tx *sql.Tx) error {
		res, err := tx.Exec(
			`UPDATE queue SET status = ?, archived_at = ?
			 WHERE id IN (
			   SELECT id FROM queue WHERE status = ?
			   ORDER BY created_at ASC, id ASC LIMIT ?
			 )`,
			StatusArchived, time.Now().UTC(), StatusPending, toArchive,
		)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		archived = int(n)
		return nil
	})
	if err != nil {
		return 0, err
	}
	logging.Get(logging.CategorySync).Warn("queue overflow: archived %d oldest pending operations (cap %d, keep %d)",
		archived, capacity, keep)
	return archived, nil
}

// CleanupSynced deletes synced audit rows older than cutoff. Returns how many
// rows were removed.
func (s *Store) CleanupSynced(ctx context.Context, cutoff time.Time) (int, error) {
	var removed int
	err := s.Execute(ctx, "CleanupSynced", func(tx *sql.Tx) error {
		res, err := tx.Exec(
			"DELETE FROM queue WHERE status = ? AND synced_at < ?",
			StatusSynced, cutoff.UTC(),
		)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		removed = int(n)
		return nil
	})
	if err != nil {
		return 0, err
	}
	if removed > 0 {
		logging.Sync("cleaned up %d synced queue row(s)", removed)
	}
	return removed, nil
}

// GetQueueStats returns counts by status.
func (s *Store) GetQueueStats(ctx context.Context, overflowCap int) (*QueueStats, error) {
	rows, err := s.query(ctx, "SELECT status, COUNT(*) FROM queue GROUP BY status")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	stats := &QueueStats{}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		stats.Total += count
		switch status {
		case StatusPending:
			stats.Pending = count
		case StatusSynced:
			stats.Synced = count
		case StatusFailed:
			stats.Failed = count
		case StatusArchived:
			stats.Archived = count
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	stats.Overflow = overflowCap > 0 && stats.Pending > overflowCap
	return stats, nil
}
