// Package connectivity decides whether the terminal should behave as online
// or offline. It composes two independent signals: device-level network
// presence and remote reachability probes. The composed state drives the sync
// engine and the choice of authentication path.
package connectivity

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/NYCip/pdc-pos-offline-sub001/internal/logging"
)

// Prober performs one reachability round trip against the remote system.
// Implementations must honor the context deadline.
type Prober interface {
	Probe(ctx context.Context) error
}

// NetworkSignal reports device-level network presence.
type NetworkSignal interface {
	NetworkPresent() bool
}

// Options configures the monitor.
type Options struct {
	// ProbeInterval is the cadence of scheduled checks.
	ProbeInterval time.Duration
	// ProbeTimeout bounds a single probe. A probe that exceeds it is
	// abandoned; a fresh probe is issued on the next scheduled check.
	ProbeTimeout time.Duration
	// FailureThreshold is how many consecutive non-timeout probe failures
	// force Offline while the device still has network presence.
	FailureThreshold int
}

// Monitor is the connectivity state machine. It is the single writer of the
// published state; subscribers receive typed events and read snapshots.
type Monitor struct {
	prober  Prober
	signal  NetworkSignal
	opts    Options

	mu               sync.RWMutex
	state            State
	netPresent       bool
	netKnown         bool
	lastTransitionAt time.Time

	// probe streak tracking, only touched by the check loop
	successStreak int
	failStreak    int

	subs   map[int]chan Event
	nextID int

	stopCh  chan struct{}
	doneCh  chan struct{}
	running bool
}

// NewMonitor creates a Monitor. Nil signal defaults to the interface-based
// device probe.
func NewMonitor(prober Prober, signal NetworkSignal, opts Options) *Monitor {
	if signal == nil {
		signal = &InterfaceSignal{}
	}
	if opts.ProbeInterval <= 0 {
		opts.ProbeInterval = 10 * time.Second
	}
	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = 2 * time.Second
	}
	if opts.FailureThreshold <= 0 {
		opts.FailureThreshold = 3
	}

	return &Monitor{
		prober: prober,
		signal: signal,
		opts:   opts,
		state:  StateUnknown,
		subs:   make(map[int]chan Event),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Start begins the scheduled check loop. Non-blocking. An immediate check
// runs first so the state leaves Unknown as soon as evidence allows.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	m.running = true
	m.mu.Unlock()

	logging.Connectivity("monitor started: interval=%v timeout=%v threshold=%d",
		m.opts.ProbeInterval, m.opts.ProbeTimeout, m.opts.FailureThreshold)

	go m.run(ctx)
}

func (m *Monitor) run(ctx context.Context) {
	defer close(m.doneCh)

	ticker := time.NewTicker(m.opts.ProbeInterval)
	defer ticker.Stop()

	m.CheckNow(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.CheckNow(ctx)
		}
	}
}

// Stop tears the monitor down, cancelling its timer and waiting for the
// check loop to exit. Safe to call once.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	m.mu.Unlock()

	close(m.stopCh)
	<-m.doneCh
	logging.Connectivity("monitor stopped")
}

// CheckNow runs one observation cycle: read the device signal, probe if
// possible, and apply the transition rules. Exposed so callers (and tests)
// can force an opportunistic check between scheduled ones.
func (m *Monitor) CheckNow(ctx context.Context) {
	present := m.signal.NetworkPresent()
	m.updateNetworkPresence(present)

	if !present {
		// No device network: remote is unreachable by definition.
		m.successStreak = 0
		m.failStreak = 0
		m.transitionTo(StateOffline, "device network absent")
		return
	}

	probeCtx, cancel := context.WithTimeout(ctx, m.opts.ProbeTimeout)
	err := m.prober.Probe(probeCtx)
	cancel()

	switch {
	case err == nil:
		m.failStreak = 0
		m.successStreak++
		logging.ConnectivityDebug("probe ok (streak %d)", m.successStreak)
		// Debounce: a state is only published once confirmed by a probe
		// beyond the first observation.
		if m.successStreak >= 2 || m.currentState() == StateOnline {
			m.transitionTo(StateOnline, "probe confirmed")
		}

	case errors.Is(err, context.DeadlineExceeded):
		// A probe exceeding the timeout threshold forces Offline on its own.
		// The timeout is absorbed here; it never surfaces as an error.
		m.successStreak = 0
		m.failStreak++
		logging.Connectivity("probe timed out after %v", m.opts.ProbeTimeout)
		m.transitionTo(StateOffline, "probe timeout")

	default:
		m.successStreak = 0
		m.failStreak++
		logging.ConnectivityDebug("probe failed (streak %d): %v", m.failStreak, err)
		if m.failStreak >= m.opts.FailureThreshold {
			m.transitionTo(StateOffline, "consecutive probe failures")
		}
	}
}

// updateNetworkPresence publishes device-axis events on presence changes.
func (m *Monitor) updateNetworkPresence(present bool) {
	m.mu.Lock()
	changed := !m.netKnown || m.netPresent != present
	wasKnown := m.netKnown
	m.netPresent = present
	m.netKnown = true
	m.mu.Unlock()

	if !changed || !wasKnown {
		return
	}
	if present {
		logging.Connectivity("device network restored")
		m.emit(EventConnectionRestored)
	} else {
		logging.Connectivity("device network lost")
		m.emit(EventConnectionLost)
	}
}

func (m *Monitor) currentState() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// transitionTo publishes a state change and its remote-axis event. A repeat
// of the current state is a no-op.
func (m *Monitor) transitionTo(next State, reason string) {
	m.mu.Lock()
	if m.state == next {
		m.mu.Unlock()
		return
	}
	prev := m.state
	m.state = next
	m.lastTransitionAt = time.Now()
	m.mu.Unlock()

	logging.Connectivity("state %s -> %s (%s)", prev, next, reason)

	switch next {
	case StateOnline:
		m.emit(EventServerReachable)
	case StateOffline:
		m.emit(EventServerUnreachable)
	}
}

// State returns a snapshot of the current state.
func (m *Monitor) State() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Snapshot{
		State:            m.state,
		NetworkPresent:   m.netPresent,
		RemoteReachable:  m.state == StateOnline,
		LastTransitionAt: m.lastTransitionAt,
	}
}

// Subscribe registers an event channel. The returned id is used to
// unsubscribe. Events are delivered best-effort: a subscriber that stops
// draining its channel loses events rather than blocking the monitor.
func (m *Monitor) Subscribe() (int, <-chan Event) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.nextID
	m.nextID++
	ch := make(chan Event, 16)
	m.subs[id] = ch
	return id, ch
}

// Unsubscribe removes and closes a subscriber channel.
func (m *Monitor) Unsubscribe(id int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if ch, ok := m.subs[id]; ok {
		delete(m.subs, id)
		close(ch)
	}
}

func (m *Monitor) emit(kind EventKind) {
	ev := Event{Kind: kind, At: time.Now()}

	m.mu.RLock()
	defer m.mu.RUnlock()
	for id, ch := range m.subs {
		select {
		case ch <- ev:
		default:
			logging.Get(logging.CategoryConnectivity).Warn(
				"subscriber %d is not draining, dropped %s", id, kind)
		}
	}
}
