package session

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NYCip/pdc-pos-offline-sub001/internal/store"
)

func newTestManager(t *testing.T) (*Manager, *store.Store, *time.Time) {
	t.Helper()

	dir := t.TempDir()
	st, err := store.Open(filepath.Join(dir, "test.db"), time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	m, err := NewManager(st, dir, Config{
		MaxIdle:  24 * time.Hour,
		TokenTTL: 24 * time.Hour,
	})
	require.NoError(t, err)

	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return now }
	return m, st, &now
}

func TestCreateAndRestore(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	created, err := m.Create(ctx, 7, store.OriginOffline)
	require.NoError(t, err)
	assert.NotEmpty(t, created.ID)
	assert.NotEmpty(t, created.Token)

	restored, err := m.Restore(ctx)
	require.NoError(t, err)
	assert.Equal(t, created.ID, restored.ID)
	assert.Equal(t, int64(7), restored.UserID)
	assert.Equal(t, store.OriginOffline, restored.Origin)
}

func TestRestoreSurvivesRestart(t *testing.T) {
	dir := t.TempDir()
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	st, err := store.Open(filepath.Join(dir, "test.db"), time.Second)
	require.NoError(t, err)
	m, err := NewManager(st, dir, Config{MaxIdle: 24 * time.Hour, TokenTTL: 24 * time.Hour})
	require.NoError(t, err)
	m.now = func() time.Time { return now }

	created, err := m.Create(context.Background(), 7, store.OriginOnline)
	require.NoError(t, err)
	require.NoError(t, st.Close())

	// New store and manager over the same files, as after a process restart.
	st, err = store.Open(filepath.Join(dir, "test.db"), time.Second)
	require.NoError(t, err)
	defer st.Close()
	m, err = NewManager(st, dir, Config{MaxIdle: 24 * time.Hour, TokenTTL: 24 * time.Hour})
	require.NoError(t, err)
	m.now = func() time.Time { return now.Add(time.Hour) }

	restored, err := m.Restore(context.Background())
	require.NoError(t, err)
	assert.Equal(t, created.ID, restored.ID)
	assert.Equal(t, store.OriginOnline, restored.Origin)
}

func TestRestoreNoSession(t *testing.T) {
	m, _, _ := newTestManager(t)

	_, err := m.Restore(context.Background())
	assert.ErrorIs(t, err, ErrNoSession)
}

func TestRestoreRejectsIdleSession(t *testing.T) {
	m, st, now := newTestManager(t)
	ctx := context.Background()

	_, err := m.Create(ctx, 7, store.OriginOffline)
	require.NoError(t, err)

	*now = now.Add(25 * time.Hour)
	_, err = m.Restore(ctx)
	assert.ErrorIs(t, err, ErrSessionExpired)

	// The expired session is purged, not left behind.
	sess, err := st.LatestSession(ctx)
	require.NoError(t, err)
	assert.Nil(t, sess)
}

func TestTouchExtendsIdleWindow(t *testing.T) {
	dir := t.TempDir()
	st, err := store.Open(filepath.Join(dir, "test.db"), time.Second)
	require.NoError(t, err)
	defer st.Close()

	// The token outlives the idle limit here so only idleness is under test.
	m, err := NewManager(st, dir, Config{MaxIdle: 24 * time.Hour, TokenTTL: 7 * 24 * time.Hour})
	require.NoError(t, err)
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return now }

	ctx := context.Background()
	created, err := m.Create(ctx, 7, store.OriginOffline)
	require.NoError(t, err)

	// Activity at hour 20 pushes the idle horizon past the original one.
	now = now.Add(20 * time.Hour)
	require.NoError(t, m.Touch(ctx, created.ID))

	now = now.Add(20 * time.Hour)
	restored, err := m.Restore(ctx)
	require.NoError(t, err)
	assert.Equal(t, created.ID, restored.ID)
}

func TestRestoreRejectsTamperedToken(t *testing.T) {
	m, st, _ := newTestManager(t)
	ctx := context.Background()

	created, err := m.Create(ctx, 7, store.OriginOffline)
	require.NoError(t, err)

	tampered := *created
	tampered.Token = created.Token + "x"
	require.NoError(t, st.SaveSession(ctx, &tampered))

	_, err = m.Restore(ctx)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestRestoreRejectsForeignKey(t *testing.T) {
	dir := t.TempDir()
	st, err := store.Open(filepath.Join(dir, "test.db"), time.Second)
	require.NoError(t, err)
	defer st.Close()

	m1, err := NewManager(st, dir, Config{MaxIdle: 24 * time.Hour, TokenTTL: 24 * time.Hour})
	require.NoError(t, err)
	_, err = m1.Create(context.Background(), 7, store.OriginOffline)
	require.NoError(t, err)

	// A manager with a different signing key must not accept the token.
	require.NoError(t, os.Remove(filepath.Join(dir, secretFile)))
	m2, err := NewManager(st, dir, Config{MaxIdle: 24 * time.Hour, TokenTTL: 24 * time.Hour})
	require.NoError(t, err)

	_, err = m2.Restore(context.Background())
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestLogout(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	created, err := m.Create(ctx, 7, store.OriginOffline)
	require.NoError(t, err)
	require.NoError(t, m.Logout(ctx, created.ID, created.UserID))

	_, err = m.Restore(ctx)
	assert.ErrorIs(t, err, ErrNoSession)
}

func TestSweepExpired(t *testing.T) {
	m, _, now := newTestManager(t)
	ctx := context.Background()

	_, err := m.Create(ctx, 7, store.OriginOffline)
	require.NoError(t, err)

	*now = now.Add(25 * time.Hour)
	n, err := m.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = m.Restore(ctx)
	assert.ErrorIs(t, err, ErrNoSession)
}
