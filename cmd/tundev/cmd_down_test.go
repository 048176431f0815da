package main

import (
	"net"
	"testing"
)

func TestAttachConfigCarriesLiveMTU(t *testing.T) {
	t.Parallel()

	ifaces, err := net.Interfaces()
	if err != nil || len(ifaces) == 0 {
		t.Skip("no network interfaces available")
	}
	iface := ifaces[0]

	// Attaching must not reconfigure the interface, so the config carries
	// its current MTU for Open to re-apply.
	cfg := attachConfig(iface.Name)
	if cfg.Name != iface.Name {
		t.Errorf("Name = %q, want %q", cfg.Name, iface.Name)
	}
	if cfg.MTU != iface.MTU {
		t.Errorf("MTU = %d, want live MTU %d", cfg.MTU, iface.MTU)
	}
}

func TestAttachConfigUnknownInterface(t *testing.T) {
	t.Parallel()

	// No live interface to read from: leave the MTU zero and let Open
	// apply its default.
	cfg := attachConfig("nosuchif0")
	if cfg.MTU != 0 {
		t.Errorf("MTU = %d, want 0", cfg.MTU)
	}
}
