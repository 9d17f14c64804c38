package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/NYCip/pdc-pos-offline-sub001/internal/logging"
)

// Session origins. A session minted against a cached PIN is never equivalent
// to one granted by the remote system; callers gate sensitive operations on
// this field.
const (
	OriginOnline  = "online"
	OriginOffline = "offline"
)

// StoredSession is the persisted form of an authenticated session.
type StoredSession struct {
	ID             string
	UserID         int64
	Token          string
	Origin         string
	CreatedAt      time.Time
	LastAccessedAt time.Time
	ExpiresAt      time.Time
}

// SaveSession persists a session as the single active session: any previously
// stored sessions are removed in the same transaction.
func (s *Store) SaveSession(ctx context.Context, sess *StoredSession) error {
	return s.Execute(ctx, "SaveSession", func(tx *sql.Tx) error {
		if _, err := tx.Exec("DELETE FROM sessions WHERE id != ?", sess.ID); err != nil {
			return err
		}
		_, err := tx.Exec(
			`INSERT OR REPLACE INTO sessions
			 (id, user_id, token, origin, created_at, last_accessed_at, expires_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			sess.ID, sess.UserID, sess.Token, sess.Origin,
			sess.CreatedAt.UTC(), sess.LastAccessedAt.UTC(), sess.ExpiresAt.UTC(),
		)
		return err
	})
}

// LatestSession returns the most recently accessed session, or nil if none
// is stored. Expiry policy belongs to the session manager; the store returns
// whatever is persisted.
func (s *Store) LatestSession(ctx context.Context) (*StoredSession, error) {
	row := s.queryRow(ctx,
		`SELECT id, user_id, token, origin, created_at, last_accessed_at, expires_at
		 FROM sessions ORDER BY last_accessed_at DESC LIMIT 1`)

	sess := &StoredSession{}
	err := row.Scan(&sess.ID, &sess.UserID, &sess.Token, &sess.Origin,
		&sess.CreatedAt, &sess.LastAccessedAt, &sess.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return sess, nil
}

// TouchSession bumps last_accessed_at for a session.
func (s *Store) TouchSession(ctx context.Context, id string, at time.Time) error {
	return s.Execute(ctx, "TouchSession", func(tx *sql.Tx) error {
		_, err := tx.Exec(
			"UPDATE sessions SET last_accessed_at = ? WHERE id = ?", at.UTC(), id)
		return err
	})
}

// DeleteSession removes a session (explicit logout).
func (s *Store) DeleteSession(ctx context.Context, id string) error {
	return s.Execute(ctx, "DeleteSession", func(tx *sql.Tx) error {
		_, err := tx.Exec("DELETE FROM sessions WHERE id = ?", id)
		return err
	})
}

// PurgeSessionsIdleSince removes sessions whose last access predates cutoff.
// Returns the number of sessions removed.
func (s *Store) PurgeSessionsIdleSince(ctx context.Context, cutoff time.Time) (int, error) {
	var purged int
	err := s.Execute(ctx, "PurgeSessionsIdleSince", func(tx *sql.Tx) error {
		res, err := tx.Exec("DELETE FROM sessions WHERE last_accessed_at < ?", cutoff.UTC())
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		purged = int(n)
		return nil
	})
	if err != nil {
		return 0, err
	}
	if purged > 0 {
		logging.Session("purged %d expired session(s)", purged)
	}
	return purged, nil
}
