package connectivity

import "time"

// State is the monitor's published state.
type State int

const (
	// StateUnknown is the initial state before the first confirmed probe.
	StateUnknown State = iota
	// StateOnline means the remote system is confirmed reachable.
	StateOnline
	// StateOffline means the device has no network or the remote system is
	// not responding.
	StateOffline
)

func (s State) String() string {
	switch s {
	case StateOnline:
		return "online"
	case StateOffline:
		return "offline"
	default:
		return "unknown"
	}
}

// EventKind is a typed connectivity event. Device network presence and remote
// reachability are independent axes: a terminal behind a captive portal has
// network presence without a reachable remote, and subscribers that only care
// about one axis must not be woken by the other.
type EventKind int

const (
	// EventServerReachable: the remote system answered a confirmed probe.
	EventServerReachable EventKind = iota
	// EventServerUnreachable: probes are failing or timing out.
	EventServerUnreachable
	// EventConnectionRestored: the device regained network presence.
	EventConnectionRestored
	// EventConnectionLost: the device lost network presence.
	EventConnectionLost
)

func (k EventKind) String() string {
	switch k {
	case EventServerReachable:
		return "server-reachable"
	case EventServerUnreachable:
		return "server-unreachable"
	case EventConnectionRestored:
		return "connection-restored"
	case EventConnectionLost:
		return "connection-lost"
	default:
		return "unknown"
	}
}

// Event is one published connectivity transition.
type Event struct {
	Kind EventKind
	At   time.Time
}

// Snapshot is a point-in-time view of the monitor's state. The monitor is the
// single writer; everyone else reads snapshots.
type Snapshot struct {
	State            State
	NetworkPresent   bool
	RemoteReachable  bool
	LastTransitionAt time.Time
}
