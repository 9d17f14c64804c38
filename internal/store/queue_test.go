package store

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"
)

func appendTestOp(t *testing.T, s *Store, id, kind string, createdAt time.Time) {
	t.Helper()
	err := s.AppendOperation(context.Background(), &QueuedOperation{
		ID:             id,
		Kind:           kind,
		Payload:        json.RawMessage(`{"n":1}`),
		IdempotencyKey: "key-" + id,
		CreatedAt:      createdAt,
	})
	if err != nil {
		t.Fatalf("AppendOperation(%s) failed: %v", id, err)
	}
}

func TestPendingOperationsOrder(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	base := time.Now().UTC().Truncate(time.Second)
	appendTestOp(t, s, "op-3", "order", base.Add(2*time.Second))
	appendTestOp(t, s, "op-1", "order", base)
	appendTestOp(t, s, "op-2", "payment", base.Add(time.Second))

	ops, err := s.PendingOperations(ctx, time.Now())
	if err != nil {
		t.Fatalf("PendingOperations failed: %v", err)
	}
	if len(ops) != 3 {
		t.Fatalf("expected 3 pending, got %d", len(ops))
	}
	for i, want := range []string{"op-1", "op-2", "op-3"} {
		if ops[i].ID != want {
			t.Errorf("position %d: got %s, want %s", i, ops[i].ID, want)
		}
	}
}

func TestPendingOperationsRespectBackoff(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Second)
	appendTestOp(t, s, "op-waiting", "order", now.Add(-time.Minute))
	appendTestOp(t, s, "op-ready", "order", now.Add(-time.Minute))

	// op-waiting failed recently and backs off into the future.
	if err := s.RecordAttempt(ctx, "op-waiting", "timeout", now, now.Add(time.Hour)); err != nil {
		t.Fatalf("RecordAttempt failed: %v", err)
	}

	ops, err := s.PendingOperations(ctx, now)
	if err != nil {
		t.Fatalf("PendingOperations failed: %v", err)
	}
	if len(ops) != 1 || ops[0].ID != "op-ready" {
		t.Fatalf("expected only op-ready eligible, got %+v", ops)
	}

	// Once the backoff window passes, the operation is eligible again.
	ops, err = s.PendingOperations(ctx, now.Add(2*time.Hour))
	if err != nil {
		t.Fatalf("PendingOperations failed: %v", err)
	}
	if len(ops) != 2 {
		t.Errorf("expected both eligible after backoff, got %d", len(ops))
	}
}

func TestMarkSyncedDropsPayload(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Second)
	appendTestOp(t, s, "op-1", "payment", now)

	if err := s.MarkSynced(ctx, "op-1", now); err != nil {
		t.Fatalf("MarkSynced failed: %v", err)
	}

	op, err := s.GetOperation(ctx, "op-1")
	if err != nil {
		t.Fatalf("GetOperation failed: %v", err)
	}
	if op == nil {
		t.Fatal("synced audit row was deleted")
	}
	if op.Status != StatusSynced {
		t.Errorf("status = %s, want %s", op.Status, StatusSynced)
	}
	if len(op.Payload) != 0 {
		t.Errorf("payload retained after sync: %s", op.Payload)
	}
	if op.AttemptCount != 1 {
		t.Errorf("attempt count = %d, want 1", op.AttemptCount)
	}
}

func TestMarkFailedKeepsPayload(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Second)
	appendTestOp(t, s, "op-1", "order", now)

	if err := s.MarkFailed(ctx, "op-1", "schema mismatch", now); err != nil {
		t.Fatalf("MarkFailed failed: %v", err)
	}

	op, err := s.GetOperation(ctx, "op-1")
	if err != nil {
		t.Fatalf("GetOperation failed: %v", err)
	}
	if op.Status != StatusFailed {
		t.Errorf("status = %s, want %s", op.Status, StatusFailed)
	}
	if len(op.Payload) == 0 {
		t.Error("failed operation lost its payload")
	}
	if op.LastError != "schema mismatch" {
		t.Errorf("last error = %q", op.LastError)
	}

	failed, err := s.FailedOperations(ctx)
	if err != nil {
		t.Fatalf("FailedOperations failed: %v", err)
	}
	if len(failed) != 1 {
		t.Errorf("expected 1 failed operation, got %d", len(failed))
	}
}

func TestRequeueOperation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Second)
	appendTestOp(t, s, "op-1", "order", now)
	if err := s.MarkFailed(ctx, "op-1", "bad batch", now); err != nil {
		t.Fatalf("MarkFailed failed: %v", err)
	}

	if err := s.RequeueOperation(ctx, "op-1"); err != nil {
		t.Fatalf("RequeueOperation failed: %v", err)
	}

	op, err := s.GetOperation(ctx, "op-1")
	if err != nil {
		t.Fatalf("GetOperation failed: %v", err)
	}
	if op.Status != StatusPending {
		t.Errorf("status = %s, want %s", op.Status, StatusPending)
	}
	if op.AttemptCount != 0 {
		t.Errorf("attempt count = %d, want 0 after requeue", op.AttemptCount)
	}
	if op.LastError != "" {
		t.Errorf("last error not cleared: %q", op.LastError)
	}
}

func TestArchiveOverflow(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	base := time.Now().UTC().Truncate(time.Second)
	for i := 0; i < 10; i++ {
		appendTestOp(t, s, fmt.Sprintf("op-%02d", i), "order", base.Add(time.Duration(i)*time.Second))
	}

	archived, err := s.ArchiveOverflow(ctx, 8, 5)
	if err != nil {
		t.Fatalf("ArchiveOverflow failed: %v", err)
	}
	if archived != 5 {
		t.Errorf("archived %d, want 5", archived)
	}

	ops, err := s.PendingOperations(ctx, time.Now())
	if err != nil {
		t.Fatalf("PendingOperations failed: %v", err)
	}
	if len(ops) != 5 {
		t.Fatalf("expected 5 pending after archival, got %d", len(ops))
	}
	// The newest operations survive; the oldest are displaced.
	if ops[0].ID != "op-05" {
		t.Errorf("oldest surviving operation = %s, want op-05", ops[0].ID)
	}

	stats, err := s.GetQueueStats(ctx, 8)
	if err != nil {
		t.Fatalf("GetQueueStats failed: %v", err)
	}
	if stats.Archived != 5 || stats.Pending != 5 || stats.Total != 10 {
		t.Errorf("stats = %+v", stats)
	}

	// Below capacity nothing happens.
	archived, err = s.ArchiveOverflow(ctx, 8, 5)
	if err != nil {
		t.Fatalf("ArchiveOverflow failed: %v", err)
	}
	if archived != 0 {
		t.Errorf("archived %d below capacity, want 0", archived)
	}
}

func TestCleanupSynced(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Second)
	appendTestOp(t, s, "op-old", "payment", now.Add(-10*24*time.Hour))
	appendTestOp(t, s, "op-new", "payment", now)

	if err := s.MarkSynced(ctx, "op-old", now.Add(-9*24*time.Hour)); err != nil {
		t.Fatalf("MarkSynced failed: %v", err)
	}
	if err := s.MarkSynced(ctx, "op-new", now); err != nil {
		t.Fatalf("MarkSynced failed: %v", err)
	}

	removed, err := s.CleanupSynced(ctx, now.Add(-7*24*time.Hour))
	if err != nil {
		t.Fatalf("CleanupSynced failed: %v", err)
	}
	if removed != 1 {
		t.Errorf("removed %d, want 1", removed)
	}

	op, err := s.GetOperation(ctx, "op-new")
	if err != nil {
		t.Fatalf("GetOperation failed: %v", err)
	}
	if op == nil {
		t.Error("recently synced row removed by cleanup")
	}
}

func TestDuplicateIdempotencyKeyRejected(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	now := time.Now().UTC()
	appendTestOp(t, s, "op-1", "order", now)

	err := s.AppendOperation(ctx, &QueuedOperation{
		ID:             "op-2",
		Kind:           "order",
		Payload:        json.RawMessage(`{}`),
		IdempotencyKey: "key-op-1",
		CreatedAt:      now,
	})
	if err == nil {
		t.Error("duplicate idempotency key accepted")
	}
}
