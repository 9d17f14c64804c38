// Package engine wires the store, connectivity monitor, authenticator,
// session manager, and sync queue into the single facade the CLI talks to.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/NYCip/pdc-pos-offline-sub001/internal/auth"
	"github.com/NYCip/pdc-pos-offline-sub001/internal/config"
	"github.com/NYCip/pdc-pos-offline-sub001/internal/connectivity"
	"github.com/NYCip/pdc-pos-offline-sub001/internal/logging"
	"github.com/NYCip/pdc-pos-offline-sub001/internal/remote"
	"github.com/NYCip/pdc-pos-offline-sub001/internal/session"
	"github.com/NYCip/pdc-pos-offline-sub001/internal/store"
	"github.com/NYCip/pdc-pos-offline-sub001/internal/syncq"
)

// Engine is the top-level offline engine.
type Engine struct {
	cfg *config.Config

	store     *store.Store
	remote    *remote.Client
	monitor   *connectivity.Monitor
	auth      *auth.Authenticator
	sessions  *session.Manager
	queue     *syncq.Engine
	refresher *refresher

	started bool
}

// New builds an Engine from configuration. The data directory and local
// database are created if missing.
func New(cfg *config.Config) (*Engine, error) {
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("engine: data dir: %w", err)
	}

	st, err := store.Open(cfg.DatabasePath(), config.Duration(cfg.Store.BusyTimeout, 5*time.Second))
	if err != nil {
		return nil, fmt.Errorf("engine: open store: %w", err)
	}

	client := remote.NewClient(cfg.Remote.BaseURL, cfg.TerminalID,
		config.Duration(cfg.Remote.RequestTimeout, 30*time.Second))

	monitor := connectivity.NewMonitor(client, nil, connectivity.Options{
		ProbeInterval:    config.Duration(cfg.Connectivity.ProbeInterval, 10*time.Second),
		ProbeTimeout:     config.Duration(cfg.Connectivity.ProbeTimeout, 2*time.Second),
		FailureThreshold: cfg.Connectivity.FailureThreshold,
	})

	authn := auth.New(st, auth.Config{
		PINLength:         cfg.Auth.PINLength,
		MaxFailedAttempts: cfg.Auth.MaxFailedAttempts,
		LockoutDuration:   config.Duration(cfg.Auth.LockoutDuration, 15*time.Minute),
	})

	sessions, err := session.NewManager(st, cfg.DataDir, session.Config{
		MaxIdle:  config.Duration(cfg.Session.MaxIdle, 24*time.Hour),
		TokenTTL: config.Duration(cfg.Session.TokenTTL, 24*time.Hour),
	})
	if err != nil {
		st.Close()
		return nil, err
	}

	queue := syncq.New(st, client, monitor, syncq.Config{
		MaxAttempts:        cfg.Sync.MaxAttempts,
		DrainInterval:      config.Duration(cfg.Sync.DrainInterval, 30*time.Second),
		QueueCap:           cfg.Sync.QueueCap,
		QueueKeep:          cfg.Sync.QueueKeep,
		CompletedRetention: config.Duration(cfg.Sync.CompletedRetention, 7*24*time.Hour),
		AuditKinds:         cfg.Sync.AuditKinds,
	})

	return &Engine{
		cfg:       cfg,
		store:     st,
		remote:    client,
		monitor:   monitor,
		auth:      authn,
		sessions:  sessions,
		queue:     queue,
		refresher: newRefresher(st, client, monitor),
	}, nil
}

// Start launches the monitor, the sync loop, and the cache refresher.
func (e *Engine) Start(ctx context.Context) {
	if e.started {
		return
	}
	e.started = true

	e.monitor.Start(ctx)
	go e.queue.Run(ctx)
	go e.refresher.run(ctx)

	logging.Boot("engine started, terminal %s, db %s", e.cfg.TerminalID, e.store.Path())
}

// Stop shuts everything down in dependency order and closes the store.
func (e *Engine) Stop() {
	if e.started {
		e.refresher.stop()
		e.queue.Stop()
		e.monitor.Stop()
		e.started = false
	}
	if err := e.store.Close(); err != nil {
		logging.Boot("store close: %v", err)
	}
	logging.Boot("engine stopped")
}

// Authenticate verifies a cashier credential and opens a session. While the
// remote system is reachable the credential check happens there; offline, or
// when the online check fails in transit, it falls back to the local cache.
func (e *Engine) Authenticate(ctx context.Context, userID int64, pin string) (*store.StoredSession, error) {
	if e.monitor.State().State == connectivity.StateOnline {
		result, err := e.remote.Authenticate(ctx, userID, pin)
		switch {
		case err == nil:
			logging.Audit(logging.AuditAuthSuccess, userID, "online credential check")
			return e.sessions.Create(ctx, result.UserID, store.OriginOnline)
		case remote.IsRejected(err):
			logging.Audit(logging.AuditAuthFailure, userID, "online credential rejected")
			return nil, &auth.AuthError{Kind: auth.KindInvalidCredential}
		default:
			// Transport trouble mid-request: behave as offline rather than
			// failing a login the cache can still answer.
			logging.Auth("online check failed in transit, falling back to cache: %v", err)
		}
	}

	user, err := e.auth.Authenticate(ctx, userID, pin)
	if err != nil {
		return nil, err
	}
	return e.sessions.Create(ctx, user.UserID, store.OriginOffline)
}

// RestoreSession returns the persisted session if still valid.
func (e *Engine) RestoreSession(ctx context.Context) (*store.StoredSession, error) {
	return e.sessions.Restore(ctx)
}

// Logout ends the given session.
func (e *Engine) Logout(ctx context.Context, sess *store.StoredSession) error {
	return e.sessions.Logout(ctx, sess.ID, sess.UserID)
}

// PersistSessionAsync records session activity without blocking; used from
// shutdown paths.
func (e *Engine) PersistSessionAsync(sess *store.StoredSession) {
	e.sessions.SaveAsync(sess)
}

// Enqueue durably queues an operation for replay. Purely local.
func (e *Engine) Enqueue(ctx context.Context, kind string, payload json.RawMessage) (*store.QueuedOperation, error) {
	return e.queue.Enqueue(ctx, kind, payload)
}

// Drain runs one drain pass now, regardless of the periodic schedule.
func (e *Engine) Drain(ctx context.Context) (syncq.DrainResult, error) {
	return e.queue.Drain(ctx)
}

// ConnectivityState returns the current composed connectivity snapshot.
func (e *Engine) ConnectivityState() connectivity.Snapshot {
	return e.monitor.State()
}

// SubscribeConnectivity returns a subscription to connectivity events.
func (e *Engine) SubscribeConnectivity() (int, <-chan connectivity.Event) {
	return e.monitor.Subscribe()
}

// UnsubscribeConnectivity cancels a subscription.
func (e *Engine) UnsubscribeConnectivity(id int) {
	e.monitor.Unsubscribe(id)
}

// CheckConnectivityNow forces an immediate connectivity check.
func (e *Engine) CheckConnectivityNow(ctx context.Context) {
	e.monitor.CheckNow(ctx)
}

// QueueStats reports sync queue counts by status.
func (e *Engine) QueueStats(ctx context.Context) (*store.QueueStats, error) {
	return e.queue.Stats(ctx)
}

// FailedOperations lists quarantined operations.
func (e *Engine) FailedOperations(ctx context.Context) ([]store.QueuedOperation, error) {
	return e.queue.Failed(ctx)
}

// RequeueOperation puts a quarantined operation back in the pending queue.
func (e *Engine) RequeueOperation(ctx context.Context, id string) error {
	return e.queue.Requeue(ctx, id)
}

// SetPIN hashes and stores a PIN for a cached user. Admin path.
func (e *Engine) SetPIN(ctx context.Context, userID int64, login, pin string) error {
	return e.auth.SetPIN(ctx, userID, login, pin)
}

// SweepSessions purges sessions past the idle limit.
func (e *Engine) SweepSessions(ctx context.Context) (int, error) {
	return e.sessions.SweepExpired(ctx)
}

// RefreshCaches fetches users and reference data immediately. Requires the
// remote system to be reachable.
func (e *Engine) RefreshCaches(ctx context.Context) error {
	return e.refresher.refresh(ctx)
}

// ReferenceCollection returns a cached reference collection.
func (e *Engine) ReferenceCollection(ctx context.Context, collection string) ([]store.RefRecord, error) {
	return e.store.GetCollection(ctx, collection)
}

// DataPath returns the resolved database location, for diagnostics.
func (e *Engine) DataPath() string {
	return filepath.Dir(e.store.Path())
}
