package store

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// LockoutState tracks failed offline authentication attempts per user.
type LockoutState struct {
	UserID         int64
	FailedAttempts int
	LockedUntil    *time.Time
}

// GetLockout returns the lockout state for a user. A user with no recorded
// failures gets a zero-valued state.
func (s *Store) GetLockout(ctx context.Context, userID int64) (*LockoutState, error) {
	row := s.queryRow(ctx,
		"SELECT user_id, failed_attempts, locked_until FROM lockouts WHERE user_id = ?", userID)

	st := &LockoutState{}
	var lockedUntil sql.NullTime
	err := row.Scan(&st.UserID, &st.FailedAttempts, &lockedUntil)
	if errors.Is(err, sql.ErrNoRows) {
		return &LockoutState{UserID: userID}, nil
	}
	if err != nil {
		return nil, err
	}
	if lockedUntil.Valid {
		t := lockedUntil.Time
		st.LockedUntil = &t
	}
	return st, nil
}

// PutLockout persists a lockout state.
func (s *Store) PutLockout(ctx context.Context, st *LockoutState) error {
	return s.Execute(ctx, "PutLockout", func(tx *sql.Tx) error {
		var lockedUntil interface{}
		if st.LockedUntil != nil {
			lockedUntil = st.LockedUntil.UTC()
		}
		_, err := tx.Exec(
			`INSERT INTO lockouts (user_id, failed_attempts, locked_until) VALUES (?, ?, ?)
			 ON CONFLICT(user_id) DO UPDATE SET
			 failed_attempts = excluded.failed_attempts,
			 locked_until = excluded.locked_until`,
			st.UserID, st.FailedAttempts, lockedUntil,
		)
		return err
	})
}

// ResetLockout clears the failure counter and any lock for a user.
func (s *Store) ResetLockout(ctx context.Context, userID int64) error {
	return s.Execute(ctx, "ResetLockout", func(tx *sql.Tx) error {
		_, err := tx.Exec("DELETE FROM lockouts WHERE user_id = ?", userID)
		return err
	})
}
