// Package auth implements offline PIN authentication against the cached user
// set, with per-user lockout after repeated failures.
package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/NYCip/pdc-pos-offline-sub001/internal/logging"
	"github.com/NYCip/pdc-pos-offline-sub001/internal/store"
	"github.com/NYCip/pdc-pos-offline-sub001/pkg/pin"
)

// Config controls PIN format and lockout policy.
type Config struct {
	PINLength         int
	MaxFailedAttempts int
	LockoutDuration   time.Duration
}

// Authenticator verifies PINs against the local cache. It never touches the
// network; credential refresh happens elsewhere, while online.
type Authenticator struct {
	store  *store.Store
	cfg    Config
	params *pin.Params

	// now is swappable for tests.
	now func() time.Time
}

// New returns an Authenticator over the given store.
func New(st *store.Store, cfg Config) *Authenticator {
	return &Authenticator{
		store:  st,
		cfg:    cfg,
		params: pin.DefaultParams(),
		now:    time.Now,
	}
}

// Authenticate verifies a PIN for a cached user. On success the failure
// counter is cleared and the cached user record is returned. Failures are
// typed: callers distinguish a malformed PIN, a wrong credential, and an
// active lockout via AsAuthError.
//
// A malformed PIN is rejected before the lockout state is consulted and does
// not count as a failed attempt.
func (a *Authenticator) Authenticate(ctx context.Context, userID int64, rawPIN string) (*store.CachedUser, error) {
	if err := pin.ValidateFormat(rawPIN, a.cfg.PINLength); err != nil {
		logging.Audit(logging.AuditAuthMalformed, userID, err.Error())
		return nil, &AuthError{Kind: KindMalformed}
	}

	now := a.now().UTC()

	lock, err := a.store.GetLockout(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("auth: load lockout: %w", err)
	}
	if lock.LockedUntil != nil {
		if now.Before(*lock.LockedUntil) {
			logging.Audit(logging.AuditAuthLockout, userID,
				fmt.Sprintf("locked until %s", lock.LockedUntil.Format(time.RFC3339)))
			return nil, &AuthError{Kind: KindLockedOut, Until: *lock.LockedUntil}
		}
		// Lock expired: the counter starts over.
		lock.FailedAttempts = 0
		lock.LockedUntil = nil
	}

	user, err := a.store.GetUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("auth: load user: %w", err)
	}
	if user == nil {
		// Unknown users pay the same lockout cost as wrong PINs so the
		// responses do not reveal which user IDs exist in the cache.
		return nil, a.recordFailure(ctx, userID, lock, now)
	}

	ok, err := pin.Verify(rawPIN, user.PINHash)
	if err != nil {
		logging.Auth("corrupt PIN hash for user %d: %v", userID, err)
		return nil, a.recordFailure(ctx, userID, lock, now)
	}
	if !ok {
		return nil, a.recordFailure(ctx, userID, lock, now)
	}

	if lock.FailedAttempts > 0 || lock.LockedUntil != nil {
		if err := a.store.ResetLockout(ctx, userID); err != nil {
			return nil, fmt.Errorf("auth: reset lockout: %w", err)
		}
	}

	a.rehashIfStale(ctx, user, rawPIN)

	logging.Audit(logging.AuditAuthSuccess, userID, "offline PIN verified")
	return user, nil
}

// recordFailure bumps the failure counter, engaging the lockout once the
// threshold is reached, and returns the error to surface to the caller.
func (a *Authenticator) recordFailure(ctx context.Context, userID int64, lock *store.LockoutState, now time.Time) error {
	lock.UserID = userID
	lock.FailedAttempts++

	if lock.FailedAttempts >= a.cfg.MaxFailedAttempts {
		until := now.Add(a.cfg.LockoutDuration)
		lock.LockedUntil = &until
	}
	if err := a.store.PutLockout(ctx, lock); err != nil {
		return fmt.Errorf("auth: record failure: %w", err)
	}

	if lock.LockedUntil != nil {
		logging.Audit(logging.AuditAuthLockout, userID,
			fmt.Sprintf("attempt %d engaged lockout until %s",
				lock.FailedAttempts, lock.LockedUntil.Format(time.RFC3339)))
		return &AuthError{Kind: KindLockedOut, Until: *lock.LockedUntil}
	}

	remaining := a.cfg.MaxFailedAttempts - lock.FailedAttempts
	logging.Audit(logging.AuditAuthFailure, userID,
		fmt.Sprintf("attempt %d, %d remaining", lock.FailedAttempts, remaining))
	return &AuthError{Kind: KindInvalidCredential, AttemptsRemaining: remaining}
}

// rehashIfStale upgrades the stored digest when the hashing parameters have
// changed since it was written. Best-effort: a failure here never blocks a
// successful login.
func (a *Authenticator) rehashIfStale(ctx context.Context, user *store.CachedUser, rawPIN string) {
	stale, err := pin.NeedsRehash(user.PINHash, a.params)
	if err != nil || !stale {
		return
	}
	newHash, err := pin.Hash(rawPIN, a.params)
	if err != nil {
		logging.Auth("rehash for user %d failed: %v", user.UserID, err)
		return
	}
	updated := *user
	updated.PINHash = newHash
	updated.CachedAt = a.now().UTC()
	if err := a.store.UpsertUser(ctx, updated); err != nil {
		logging.Auth("rehash persist for user %d failed: %v", user.UserID, err)
		return
	}
	logging.AuthDebug("rehashed PIN digest for user %d", user.UserID)
}

// SetPIN validates, hashes, and stores a PIN for a user. Used by the admin
// path; the normal path receives digests from the remote system.
func (a *Authenticator) SetPIN(ctx context.Context, userID int64, login, rawPIN string) error {
	if err := pin.ValidateFormat(rawPIN, a.cfg.PINLength); err != nil {
		return &AuthError{Kind: KindMalformed}
	}
	hash, err := pin.Hash(rawPIN, a.params)
	if err != nil {
		return fmt.Errorf("auth: hash PIN: %w", err)
	}
	err = a.store.UpsertUser(ctx, store.CachedUser{
		UserID:   userID,
		Login:    login,
		PINHash:  hash,
		CachedAt: a.now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("auth: store PIN: %w", err)
	}
	logging.Audit(logging.AuditPINSet, userID, "PIN digest replaced")
	return nil
}
