// Package session manages the terminal's single authenticated session:
// creation, durable persistence, restore across restarts, and expiry.
package session

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/NYCip/pdc-pos-offline-sub001/internal/logging"
	"github.com/NYCip/pdc-pos-offline-sub001/internal/store"
)

// secretFile holds the HMAC key for session tokens, created on first boot.
const secretFile = "session.key"

var (
	// ErrNoSession means no session is persisted.
	ErrNoSession = errors.New("session: no stored session")
	// ErrSessionExpired means the stored session exceeded the idle limit or
	// its token expired; it has been purged.
	ErrSessionExpired = errors.New("session: session expired")
	// ErrInvalidToken means the stored token failed verification.
	ErrInvalidToken = errors.New("session: invalid token")
)

// Config controls session lifetime.
type Config struct {
	// MaxIdle is the longest a session may sit untouched and still restore.
	MaxIdle time.Duration
	// TokenTTL bounds the session token itself.
	TokenTTL time.Duration
}

// Manager creates, persists, and restores sessions. Tokens are HMAC-signed
// with a per-terminal key so a copied database file alone cannot mint one.
type Manager struct {
	store  *store.Store
	cfg    Config
	secret []byte

	now func() time.Time
}

// NewManager loads (or creates) the terminal's signing key under dataDir and
// returns a Manager.
func NewManager(st *store.Store, dataDir string, cfg Config) (*Manager, error) {
	secret, err := loadOrCreateSecret(filepath.Join(dataDir, secretFile))
	if err != nil {
		return nil, fmt.Errorf("session: signing key: %w", err)
	}
	return &Manager{store: st, cfg: cfg, secret: secret, now: time.Now}, nil
}

func loadOrCreateSecret(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		key, derr := hex.DecodeString(string(data))
		if derr != nil || len(key) < 32 {
			return nil, fmt.Errorf("corrupt key file %s", path)
		}
		return key, nil
	}
	if !os.IsNotExist(err) {
		return nil, err
	}

	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, []byte(hex.EncodeToString(key)), 0600); err != nil {
		return nil, err
	}
	logging.Session("created session signing key at %s", path)
	return key, nil
}

// Create mints a new session for a user, persists it as the single active
// session, and returns it.
func (m *Manager) Create(ctx context.Context, userID int64, origin string) (*store.StoredSession, error) {
	now := m.now().UTC()
	id := uuid.NewString()

	token, err := m.signToken(id, userID, now)
	if err != nil {
		return nil, fmt.Errorf("session: sign token: %w", err)
	}

	sess := &store.StoredSession{
		ID:             id,
		UserID:         userID,
		Token:          token,
		Origin:         origin,
		CreatedAt:      now,
		LastAccessedAt: now,
		ExpiresAt:      now.Add(m.cfg.TokenTTL),
	}
	if err := m.store.SaveSession(ctx, sess); err != nil {
		return nil, fmt.Errorf("session: persist: %w", err)
	}

	logging.Audit(logging.AuditSessionCreate, userID, "origin="+origin)
	return sess, nil
}

// Restore returns the persisted session if it is still valid. A session idle
// longer than MaxIdle, or whose token no longer verifies, is purged and
// ErrSessionExpired (or ErrInvalidToken) is returned.
func (m *Manager) Restore(ctx context.Context) (*store.StoredSession, error) {
	sess, err := m.store.LatestSession(ctx)
	if err != nil {
		return nil, fmt.Errorf("session: load: %w", err)
	}
	if sess == nil {
		return nil, ErrNoSession
	}

	now := m.now().UTC()

	if now.Sub(sess.LastAccessedAt) > m.cfg.MaxIdle || now.After(sess.ExpiresAt) {
		if derr := m.store.DeleteSession(ctx, sess.ID); derr != nil {
			logging.Session("purge of expired session %s failed: %v", sess.ID, derr)
		}
		logging.Audit(logging.AuditSessionExpired, sess.UserID,
			fmt.Sprintf("idle since %s", sess.LastAccessedAt.Format(time.RFC3339)))
		return nil, ErrSessionExpired
	}

	if err := m.verifyToken(sess); err != nil {
		if derr := m.store.DeleteSession(ctx, sess.ID); derr != nil {
			logging.Session("purge of invalid session %s failed: %v", sess.ID, derr)
		}
		logging.Session("stored token rejected: %v", err)
		return nil, ErrInvalidToken
	}

	if err := m.store.TouchSession(ctx, sess.ID, now); err != nil {
		return nil, fmt.Errorf("session: touch: %w", err)
	}
	sess.LastAccessedAt = now

	logging.Audit(logging.AuditSessionRestore, sess.UserID, "origin="+sess.Origin)
	return sess, nil
}

// Touch records activity on a session, extending its idle window.
func (m *Manager) Touch(ctx context.Context, id string) error {
	return m.store.TouchSession(ctx, id, m.now().UTC())
}

// SaveAsync persists the session's last-accessed time without blocking the
// caller. Used on lifecycle signals (shutdown, page hide) where the write
// must not stall the handler; failures are logged, never surfaced.
func (m *Manager) SaveAsync(sess *store.StoredSession) {
	id := sess.ID
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := m.store.TouchSession(ctx, id, m.now().UTC()); err != nil {
			logging.Session("async session save failed: %v", err)
		}
	}()
}

// Logout removes a session.
func (m *Manager) Logout(ctx context.Context, id string, userID int64) error {
	if err := m.store.DeleteSession(ctx, id); err != nil {
		return fmt.Errorf("session: logout: %w", err)
	}
	logging.Audit(logging.AuditSessionLogout, userID, "explicit logout")
	return nil
}

// SweepExpired purges sessions idle longer than MaxIdle. Returns how many
// were removed.
func (m *Manager) SweepExpired(ctx context.Context) (int, error) {
	cutoff := m.now().UTC().Add(-m.cfg.MaxIdle)
	n, err := m.store.PurgeSessionsIdleSince(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("session: sweep: %w", err)
	}
	if n > 0 {
		logging.Session("swept %d expired session(s)", n)
	}
	return n, nil
}

func (m *Manager) signToken(id string, userID int64, now time.Time) (string, error) {
	claims := jwt.RegisteredClaims{
		Subject:   strconv.FormatInt(userID, 10),
		ID:        id,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(m.cfg.TokenTTL)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
}

func (m *Manager) verifyToken(sess *store.StoredSession) error {
	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(sess.Token, claims,
		func(t *jwt.Token) (interface{}, error) { return m.secret, nil },
		jwt.WithValidMethods([]string{"HS256"}),
		jwt.WithTimeFunc(m.now),
	)
	if err != nil {
		return err
	}
	if claims.ID != sess.ID {
		return fmt.Errorf("token session id mismatch")
	}
	if claims.Subject != strconv.FormatInt(sess.UserID, 10) {
		return fmt.Errorf("token subject mismatch")
	}
	return nil
}
