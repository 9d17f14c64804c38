package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/NYCip/pdc-pos-offline-sub001/internal/logging"
)

// CachedUser is a user record cached from the remote system for offline
// authentication. PINHash is the Argon2id-encoded digest, never a plaintext
// credential. Written only while online; read-only while offline.
type CachedUser struct {
	UserID   int64
	Login    string
	PINHash  string
	CachedAt time.Time
}

// ReplaceUsers atomically replaces the cached user set.
func (s *Store) ReplaceUsers(ctx context.Context, users []CachedUser) error {
	return s.Execute(ctx, "ReplaceUsers", func(tx *sql.Tx) error {
		if _, err := tx.Exec("DELETE FROM users"); err != nil {
			return err
		}
		stmt, err := tx.Prepare(
			"INSERT INTO users (user_id, login, pin_hash, cached_at) VALUES (?, ?, ?, ?)")
		if err != nil {
			return err
		}
		defer stmt.Close()

		for _, u := range users {
			cachedAt := u.CachedAt
			if cachedAt.IsZero() {
				cachedAt = time.Now()
			}
			if _, err := stmt.Exec(u.UserID, u.Login, u.PINHash, cachedAt.UTC()); err != nil {
				return err
			}
		}
		return nil
	})
}

// GetUser returns a cached user, or nil if the user is not cached.
func (s *Store) GetUser(ctx context.Context, userID int64) (*CachedUser, error) {
	row := s.queryRow(ctx,
		"SELECT user_id, login, pin_hash, cached_at FROM users WHERE user_id = ?", userID)

	u := &CachedUser{}
	err := row.Scan(&u.UserID, &u.Login, &u.PINHash, &u.CachedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return u, nil
}

// UpsertUser inserts or updates a single cached user. Used by the admin PIN
// path and by verify-time rehashing.
func (s *Store) UpsertUser(ctx context.Context, u CachedUser) error {
	return s.Execute(ctx, "UpsertUser", func(tx *sql.Tx) error {
		cachedAt := u.CachedAt
		if cachedAt.IsZero() {
			cachedAt = time.Now()
		}
		_, err := tx.Exec(
			`INSERT INTO users (user_id, login, pin_hash, cached_at) VALUES (?, ?, ?, ?)
			 ON CONFLICT(user_id) DO UPDATE SET
			 login = excluded.login,
			 pin_hash = excluded.pin_hash,
			 cached_at = excluded.cached_at`,
			u.UserID, u.Login, u.PINHash, cachedAt.UTC(),
		)
		return err
	})
}

// UserCount returns the number of cached users.
func (s *Store) UserCount(ctx context.Context) (int, error) {
	var count int
	err := s.queryRow(ctx, "SELECT COUNT(*) FROM users").Scan(&count)
	if err != nil {
		return 0, err
	}
	logging.StoreDebug("cached users: %d", count)
	return count, nil
}
