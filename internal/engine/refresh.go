package engine

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/NYCip/pdc-pos-offline-sub001/internal/connectivity"
	"github.com/NYCip/pdc-pos-offline-sub001/internal/logging"
	"github.com/NYCip/pdc-pos-offline-sub001/internal/remote"
	"github.com/NYCip/pdc-pos-offline-sub001/internal/store"
)

// refreshInterval is the cadence of periodic cache refreshes while online, on
// top of the refresh that fires on every reconnect.
const refreshInterval = 15 * time.Minute

// refresher keeps the offline caches warm: the user/PIN-digest set and the
// reference collections are re-fetched whenever the server becomes reachable
// and periodically thereafter. A stale cache still works offline; a missing
// one does not, so refresh failures are logged and retried, never fatal.
type refresher struct {
	store   *store.Store
	remote  *remote.Client
	monitor *connectivity.Monitor

	stopCh chan struct{}
	doneCh chan struct{}
}

func newRefresher(st *store.Store, client *remote.Client, mon *connectivity.Monitor) *refresher {
	return &refresher{
		store:   st,
		remote:  client,
		monitor: mon,
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
}

func (r *refresher) run(ctx context.Context) {
	defer close(r.doneCh)

	subID, events := r.monitor.Subscribe()
	defer r.monitor.Unsubscribe(subID)

	ticker := time.NewTicker(refreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stopCh:
			return
		case ev := <-events:
			if ev.Kind != connectivity.EventServerReachable {
				continue
			}
			if err := r.refresh(ctx); err != nil {
				logging.Remote("cache refresh after reconnect failed: %v", err)
			}
		case <-ticker.C:
			if r.monitor.State().State != connectivity.StateOnline {
				continue
			}
			if err := r.refresh(ctx); err != nil {
				logging.Remote("periodic cache refresh failed: %v", err)
			}
		}
	}
}

func (r *refresher) stop() {
	close(r.stopCh)
	<-r.doneCh
}

// refresh fetches the user set and every reference collection concurrently
// and replaces the local caches. Each cache replacement is atomic on its own;
// a partial refresh leaves the untouched caches at their previous snapshot.
func (r *refresher) refresh(ctx context.Context) error {
	timer := logging.StartTimer(logging.CategoryRemote, "refresh")
	defer timer.Stop()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		fetched, err := r.remote.FetchUsers(gctx)
		if err != nil {
			return fmt.Errorf("users: %w", err)
		}
		now := time.Now().UTC()
		users := make([]store.CachedUser, len(fetched))
		for i, u := range fetched {
			users[i] = store.CachedUser{
				UserID:   u.UserID,
				Login:    u.Login,
				PINHash:  u.PINHash,
				CachedAt: now,
			}
		}
		if err := r.store.ReplaceUsers(gctx, users); err != nil {
			return fmt.Errorf("users: %w", err)
		}
		logging.RemoteDebug("cached %d user(s)", len(users))
		return nil
	})

	for _, collection := range store.ReferenceCollections {
		collection := collection
		g.Go(func() error {
			fetched, err := r.remote.FetchReferenceData(gctx, collection)
			if err != nil {
				return fmt.Errorf("%s: %w", collection, err)
			}
			records := make([]store.RefRecord, len(fetched))
			for i, rec := range fetched {
				records[i] = store.RefRecord{Key: rec.Key, Payload: rec.Payload}
			}
			if err := r.store.ReplaceCollection(gctx, collection, records); err != nil {
				return fmt.Errorf("%s: %w", collection, err)
			}
			logging.RemoteDebug("cached %d %s record(s)", len(records), collection)
			return nil
		})
	}

	return g.Wait()
}
