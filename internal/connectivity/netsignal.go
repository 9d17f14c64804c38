package connectivity

import "net"

// InterfaceSignal reports network presence from the device's interface table:
// present when at least one non-loopback interface is up with an address.
// This is the binary device-level signal; it says nothing about whether the
// remote system is reachable through that interface.
type InterfaceSignal struct{}

// NetworkPresent implements NetworkSignal.
func (*InterfaceSignal) NetworkPresent() bool {
	ifaces, err := net.Interfaces()
	if err != nil {
		// Can't enumerate interfaces: assume present and let the probes
		// decide. The probe path degrades gracefully; a false negative here
		// would pin the terminal offline.
		return true
	}

	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil || len(addrs) == 0 {
			continue
		}
		return true
	}
	return false
}

// StaticSignal is a fixed-value NetworkSignal for wiring and tests.
type StaticSignal bool

// NetworkPresent implements NetworkSignal.
func (s StaticSignal) NetworkPresent() bool { return bool(s) }
