package store

import (
	"context"
	"errors"
	"fmt"

	sqlite3 "github.com/mattn/go-sqlite3"
)

// ErrorKind classifies store failures. Retry decisions are made on the kind,
// never on error message text, so they survive driver upgrades.
type ErrorKind int

const (
	// KindAborted is a transient abort: lock contention, a busy database
	// during a lifecycle transition, or an interrupted transaction.
	KindAborted ErrorKind = iota
	// KindQuotaExceeded means the database hit a size or disk limit. Treated
	// as transient because space may be reclaimed between attempts.
	KindQuotaExceeded
	// KindFatal is any non-transient failure, including transient kinds that
	// exhausted their retry budget.
	KindFatal
)

func (k ErrorKind) String() string {
	switch k {
	case KindAborted:
		return "aborted"
	case KindQuotaExceeded:
		return "quota_exceeded"
	case KindFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// StoreError wraps a storage failure with its classification and the logical
// operation that produced it.
type StoreError struct {
	Kind     ErrorKind
	Op       string
	Attempts int
	Err      error
}

func (e *StoreError) Error() string {
	if e.Attempts > 1 {
		return fmt.Sprintf("store: %s failed (%s after %d attempts): %v", e.Op, e.Kind, e.Attempts, e.Err)
	}
	return fmt.Sprintf("store: %s failed (%s): %v", e.Op, e.Kind, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

// IsFatal reports whether err is a StoreError with KindFatal.
func IsFatal(err error) bool {
	var se *StoreError
	return errors.As(err, &se) && se.Kind == KindFatal
}

// classify maps a raw error to an ErrorKind using driver error codes.
func classify(err error) ErrorKind {
	if err == nil {
		return KindFatal
	}

	// Context cancellation is the caller's decision, never retried.
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return KindFatal
	}

	var serr sqlite3.Error
	if errors.As(err, &serr) {
		switch serr.Code {
		case sqlite3.ErrBusy, sqlite3.ErrLocked, sqlite3.ErrInterrupt:
			return KindAborted
		case sqlite3.ErrFull, sqlite3.ErrTooBig:
			return KindQuotaExceeded
		}
	}
	return KindFatal
}

// isTransient reports whether the kind is worth retrying.
func isTransient(kind ErrorKind) bool {
	return kind == KindAborted || kind == KindQuotaExceeded
}
