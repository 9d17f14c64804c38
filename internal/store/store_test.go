package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	sqlite3 "github.com/mattn/go-sqlite3"
)

// newTestStore opens a store in a fresh temp directory.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "test.db"), time.Second)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// shrinkRetryDelays makes the retry schedule near-instant for the duration of
// a test. The schedule length, which fixes the attempt budget, is unchanged.
func shrinkRetryDelays(t *testing.T) {
	t.Helper()
	saved := retryDelays
	retryDelays = []time.Duration{
		time.Millisecond, time.Millisecond, time.Millisecond,
		time.Millisecond, time.Millisecond,
	}
	t.Cleanup(func() { retryDelays = saved })
}

func TestExecuteRetriesTransientThenSucceeds(t *testing.T) {
	shrinkRetryDelays(t)
	s := newTestStore(t)

	calls := 0
	err := s.Execute(context.Background(), "flaky", func(tx *sql.Tx) error {
		calls++
		if calls <= 2 {
			return sqlite3.Error{Code: sqlite3.ErrBusy}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if calls != 3 {
		t.Errorf("expected 3 attempts, got %d", calls)
	}
}

func TestExecuteExhaustsRetryBudget(t *testing.T) {
	shrinkRetryDelays(t)
	s := newTestStore(t)

	calls := 0
	err := s.Execute(context.Background(), "always-busy", func(tx *sql.Tx) error {
		calls++
		return sqlite3.Error{Code: sqlite3.ErrBusy}
	})
	if err == nil {
		t.Fatal("expected error after exhausting retries")
	}
	if !IsFatal(err) {
		t.Errorf("exhausted retries should surface as fatal, got %v", err)
	}

	wantCalls := len(retryDelays) + 1
	if calls != wantCalls {
		t.Errorf("expected %d attempts, got %d", wantCalls, calls)
	}

	var se *StoreError
	if !errors.As(err, &se) {
		t.Fatalf("expected StoreError, got %T", err)
	}
	if se.Attempts != wantCalls {
		t.Errorf("StoreError.Attempts = %d, want %d", se.Attempts, wantCalls)
	}
	if se.Op != "always-busy" {
		t.Errorf("StoreError.Op = %q", se.Op)
	}
}

func TestExecuteDoesNotRetryFatal(t *testing.T) {
	shrinkRetryDelays(t)
	s := newTestStore(t)

	calls := 0
	err := s.Execute(context.Background(), "broken", func(tx *sql.Tx) error {
		calls++
		return fmt.Errorf("constraint violated")
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Errorf("non-transient failure retried: %d attempts", calls)
	}
	if !IsFatal(err) {
		t.Errorf("expected fatal error, got %v", err)
	}
}

func TestExecuteStopsOnContextCancel(t *testing.T) {
	s := newTestStore(t)

	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := s.Execute(ctx, "cancelled", func(tx *sql.Tx) error {
		calls++
		cancel()
		return sqlite3.Error{Code: sqlite3.ErrBusy}
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Errorf("expected the cancelled retry loop to stop, got %d attempts", calls)
	}
}

func TestClassify(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want ErrorKind
	}{
		{"busy", sqlite3.Error{Code: sqlite3.ErrBusy}, KindAborted},
		{"locked", sqlite3.Error{Code: sqlite3.ErrLocked}, KindAborted},
		{"interrupt", sqlite3.Error{Code: sqlite3.ErrInterrupt}, KindAborted},
		{"full", sqlite3.Error{Code: sqlite3.ErrFull}, KindQuotaExceeded},
		{"too big", sqlite3.Error{Code: sqlite3.ErrTooBig}, KindQuotaExceeded},
		{"constraint", sqlite3.Error{Code: sqlite3.ErrConstraint}, KindFatal},
		{"plain error", errors.New("boom"), KindFatal},
		{"context cancel", context.Canceled, KindFatal},
		{"deadline", context.DeadlineExceeded, KindFatal},
		{"wrapped busy", fmt.Errorf("tx: %w", sqlite3.Error{Code: sqlite3.ErrBusy}), KindAborted},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := classify(tc.err); got != tc.want {
				t.Errorf("classify(%v) = %s, want %s", tc.err, got, tc.want)
			}
		})
	}
}

func TestMigrationsAreIdempotent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.db")

	s, err := Open(path, time.Second)
	if err != nil {
		t.Fatalf("first open failed: %v", err)
	}

	if v := s.SchemaVersion(); v != CurrentSchemaVersion {
		t.Errorf("schema version = %d, want %d", v, CurrentSchemaVersion)
	}
	s.Close()

	// Reopening runs migrate again over an up-to-date schema.
	s, err = Open(path, time.Second)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer s.Close()

	if v := s.SchemaVersion(); v != CurrentSchemaVersion {
		t.Errorf("schema version after reopen = %d, want %d", v, CurrentSchemaVersion)
	}
}

func TestMigrationsCreateTables(t *testing.T) {
	s := newTestStore(t)

	for _, table := range []string{"schema_version", "sessions", "users", "lockouts", "queue", "reference_data"} {
		if !tableExists(s.db, table) {
			t.Errorf("table %s missing after migration", table)
		}
	}

	for _, col := range []string{"next_attempt_at", "archived_at"} {
		if !columnExists(s.db, "queue", col) {
			t.Errorf("queue column %s missing after migration", col)
		}
	}
}
