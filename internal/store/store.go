// Package store implements the terminal's durable local store on SQLite.
// Every persisted entity the engine owns lives here: sessions, cached users,
// lockout state, the sync queue and cached reference data. All mutation goes
// through Execute, a retrying transaction wrapper that absorbs transient
// aborts instead of leaking them to every call site.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/NYCip/pdc-pos-offline-sub001/internal/logging"

	_ "github.com/mattn/go-sqlite3"
)

// retryDelays is the backoff schedule for transient transaction failures:
// one delay before each retry, after the initial attempt fails. The fixed
// schedule bounds the worst case of one Execute call at ~3.8s of waiting on
// a pathologically busy store.
var retryDelays = []time.Duration{
	100 * time.Millisecond,
	200 * time.Millisecond,
	500 * time.Millisecond,
	1 * time.Second,
	2 * time.Second,
}

// Store is the SQLite-backed local store.
type Store struct {
	db     *sql.DB
	mu     sync.RWMutex
	dbPath string
}

// Open opens (creating if needed) the database at the given path and brings
// its schema up to the current version.
func Open(path string, busyTimeout time.Duration) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	if busyTimeout <= 0 {
		busyTimeout = 5 * time.Second
	}
	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_busy_timeout=%d&_foreign_keys=on",
		path, busyTimeout.Milliseconds())

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// A single writer connection sidesteps SQLITE_BUSY between our own
	// connections; concurrent callers serialize in the pool instead.
	db.SetMaxOpenConns(1)

	s := &Store{db: db, dbPath: path}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.dbPath
}

// Execute runs work inside a transaction, retrying transient failures with
// the documented delay schedule. The operation name is carried into logs and
// errors. Work must be safe to re-run from scratch: on a transient abort the
// transaction is rolled back and work is invoked again.
func (s *Store) Execute(ctx context.Context, op string, work func(tx *sql.Tx) error) error {
	timer := logging.StartTimer(logging.CategoryStore, op)
	defer timer.StopWithThreshold(time.Second)

	var lastErr error
	var lastKind ErrorKind

	// Initial attempt plus one retry per scheduled delay.
	for attempt := 0; attempt <= len(retryDelays); attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(retryDelays[attempt-1]):
			case <-ctx.Done():
				return &StoreError{Kind: KindFatal, Op: op, Attempts: attempt, Err: ctx.Err()}
			}
		}

		err := s.runOnce(ctx, work)
		if err == nil {
			if attempt > 0 {
				logging.Store("%s succeeded on retry %d", op, attempt)
			}
			return nil
		}

		kind := classify(err)
		if !isTransient(kind) {
			logging.Get(logging.CategoryStore).Error("%s failed: %v", op, err)
			return &StoreError{Kind: KindFatal, Op: op, Attempts: attempt + 1, Err: err}
		}

		lastErr = err
		lastKind = kind
		logging.StoreDebug("%s attempt %d aborted (%s): %v", op, attempt+1, kind, err)
	}

	logging.Get(logging.CategoryStore).Error("%s exhausted %d retries (last: %s): %v",
		op, len(retryDelays), lastKind, lastErr)
	return &StoreError{Kind: KindFatal, Op: op, Attempts: len(retryDelays) + 1, Err: lastErr}
}

// runOnce executes work in a single transaction attempt.
func (s *Store) runOnce(ctx context.Context, work func(tx *sql.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}

	if err := work(tx); err != nil {
		_ = tx.Rollback()
		return err
	}

	return tx.Commit()
}

// query runs a read-only statement outside the retry wrapper. Reads are
// non-mutating; a transient failure simply surfaces to the caller, who reads
// again on the next tick.
func (s *Store) query(ctx context.Context, q string, args ...interface{}) (*sql.Rows, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.db.QueryContext(ctx, q, args...)
}

// queryRow runs a single-row read.
func (s *Store) queryRow(ctx context.Context, q string, args ...interface{}) *sql.Row {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.db.QueryRowContext(ctx, q, args...)
}
