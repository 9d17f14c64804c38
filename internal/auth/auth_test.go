package auth

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NYCip/pdc-pos-offline-sub001/internal/store"
	"github.com/NYCip/pdc-pos-offline-sub001/pkg/pin"
)

func testConfig() Config {
	return Config{
		PINLength:         4,
		MaxFailedAttempts: 5,
		LockoutDuration:   15 * time.Minute,
	}
}

// newTestAuth returns an Authenticator over a fresh store with one cached
// user (id 1, PIN 1234) and a controllable clock.
func newTestAuth(t *testing.T) (*Authenticator, *store.Store, *time.Time) {
	t.Helper()

	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"), time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	hash, err := pin.Hash("1234", pin.DefaultParams())
	require.NoError(t, err)
	require.NoError(t, st.UpsertUser(context.Background(), store.CachedUser{
		UserID: 1, Login: "alice", PINHash: hash, CachedAt: time.Now(),
	}))

	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	a := New(st, testConfig())
	a.now = func() time.Time { return now }
	return a, st, &now
}

func TestAuthenticateSuccess(t *testing.T) {
	a, _, _ := newTestAuth(t)

	user, err := a.Authenticate(context.Background(), 1, "1234")
	require.NoError(t, err)
	assert.Equal(t, int64(1), user.UserID)
	assert.Equal(t, "alice", user.Login)
}

func TestAuthenticateWrongPIN(t *testing.T) {
	a, _, _ := newTestAuth(t)

	_, err := a.Authenticate(context.Background(), 1, "9999")
	require.Error(t, err)

	ae, ok := AsAuthError(err)
	require.True(t, ok)
	assert.Equal(t, KindInvalidCredential, ae.Kind)
	assert.Equal(t, 4, ae.AttemptsRemaining)
}

func TestMalformedPINCostsNoAttempt(t *testing.T) {
	a, st, _ := newTestAuth(t)
	ctx := context.Background()

	for _, bad := range []string{"", "12", "12345", "abcd"} {
		_, err := a.Authenticate(ctx, 1, bad)
		require.Error(t, err)
		ae, ok := AsAuthError(err)
		require.True(t, ok)
		assert.Equal(t, KindMalformed, ae.Kind, "pin %q", bad)
	}

	lock, err := st.GetLockout(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 0, lock.FailedAttempts, "malformed input must not count toward lockout")
}

func TestLockoutEngagesAtThreshold(t *testing.T) {
	a, _, now := newTestAuth(t)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		_, err := a.Authenticate(ctx, 1, "0000")
		require.Error(t, err)
		ae, _ := AsAuthError(err)
		assert.Equal(t, KindInvalidCredential, ae.Kind)
	}

	// The fifth failure locks the account.
	_, err := a.Authenticate(ctx, 1, "0000")
	require.Error(t, err)
	ae, ok := AsAuthError(err)
	require.True(t, ok)
	assert.Equal(t, KindLockedOut, ae.Kind)
	assert.Equal(t, now.Add(15*time.Minute), ae.Until)

	// Even the correct PIN is refused while locked, and the lockout window
	// does not extend on further attempts.
	_, err = a.Authenticate(ctx, 1, "1234")
	require.Error(t, err)
	ae2, ok := AsAuthError(err)
	require.True(t, ok)
	assert.Equal(t, KindLockedOut, ae2.Kind)
	assert.Equal(t, ae.Until, ae2.Until, "lockout expiry must not move on repeated attempts")
}

func TestLockoutExpiresAndCounterResets(t *testing.T) {
	a, _, now := newTestAuth(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		a.Authenticate(ctx, 1, "0000")
	}
	_, err := a.Authenticate(ctx, 1, "1234")
	ae, _ := AsAuthError(err)
	require.Equal(t, KindLockedOut, ae.Kind)

	// Past expiry the counter starts fresh: one new failure is just a failure.
	*now = now.Add(16 * time.Minute)
	_, err = a.Authenticate(ctx, 1, "0000")
	ae, ok := AsAuthError(err)
	require.True(t, ok)
	assert.Equal(t, KindInvalidCredential, ae.Kind)
	assert.Equal(t, 4, ae.AttemptsRemaining)

	// And the correct PIN works again.
	user, err := a.Authenticate(ctx, 1, "1234")
	require.NoError(t, err)
	assert.Equal(t, int64(1), user.UserID)
}

func TestSuccessResetsCounter(t *testing.T) {
	a, st, _ := newTestAuth(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		a.Authenticate(ctx, 1, "0000")
	}
	_, err := a.Authenticate(ctx, 1, "1234")
	require.NoError(t, err)

	lock, err := st.GetLockout(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 0, lock.FailedAttempts)

	// Full budget available again.
	_, err = a.Authenticate(ctx, 1, "0000")
	ae, _ := AsAuthError(err)
	assert.Equal(t, 4, ae.AttemptsRemaining)
}

func TestUnknownUserLooksLikeWrongPIN(t *testing.T) {
	a, _, _ := newTestAuth(t)

	_, err := a.Authenticate(context.Background(), 404, "1234")
	require.Error(t, err)
	ae, ok := AsAuthError(err)
	require.True(t, ok)
	assert.Equal(t, KindInvalidCredential, ae.Kind)
}

func TestRehashOnVerify(t *testing.T) {
	a, st, _ := newTestAuth(t)
	ctx := context.Background()

	weak := &pin.Params{Memory: 16 * 1024, Iterations: 1, Parallelism: 1, SaltLength: 16, KeyLength: 32}
	hash, err := pin.Hash("4321", weak)
	require.NoError(t, err)
	require.NoError(t, st.UpsertUser(ctx, store.CachedUser{
		UserID: 2, Login: "bob", PINHash: hash, CachedAt: time.Now(),
	}))

	_, err = a.Authenticate(ctx, 2, "4321")
	require.NoError(t, err)

	u, err := st.GetUser(ctx, 2)
	require.NoError(t, err)
	assert.NotEqual(t, hash, u.PINHash, "stale digest not upgraded on verify")

	ok, err := pin.Verify("4321", u.PINHash)
	require.NoError(t, err)
	assert.True(t, ok, "upgraded digest must still verify")
}

func TestSetPIN(t *testing.T) {
	a, st, _ := newTestAuth(t)
	ctx := context.Background()

	require.NoError(t, a.SetPIN(ctx, 3, "carol", "5678"))

	u, err := st.GetUser(ctx, 3)
	require.NoError(t, err)
	require.NotNil(t, u)
	assert.Equal(t, "carol", u.Login)

	user, err := a.Authenticate(ctx, 3, "5678")
	require.NoError(t, err)
	assert.Equal(t, int64(3), user.UserID)

	err = a.SetPIN(ctx, 3, "carol", "12ab")
	ae, ok := AsAuthError(err)
	require.True(t, ok)
	assert.Equal(t, KindMalformed, ae.Kind)
}
