//go:build linux

package tun

import (
	"net/netip"
	"os"
	"testing"
)

// requireRoot skips tests that create real interfaces, which needs
// CAP_NET_ADMIN.
func requireRoot(t *testing.T) {
	t.Helper()
	if os.Geteuid() != 0 {
		t.Skip("requires root")
	}
}

func TestOpen_Lifecycle(t *testing.T) {
	requireRoot(t)

	dev, err := Open(Config{
		Name:    "tuntest0",
		Address: "10.77.0.1/24",
		MTU:     1400,
		Up:      true,
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer dev.Close()

	if dev.Name() != "tuntest0" {
		t.Errorf("Name = %q, want tuntest0", dev.Name())
	}
	if dev.MTU() != 1400 {
		t.Errorf("MTU = %d, want 1400", dev.MTU())
	}
	if want := netip.MustParsePrefix("10.77.0.1/24"); dev.Addr() != want {
		t.Errorf("Addr = %v, want %v", dev.Addr(), want)
	}

	if err := dev.SetMTU(1300); err != nil {
		t.Errorf("SetMTU: %v", err)
	}
	if err := dev.SetAddress(netip.MustParsePrefix("10.78.0.1/24")); err != nil {
		t.Errorf("SetAddress: %v", err)
	}
	if err := dev.Down(); err != nil {
		t.Errorf("Down: %v", err)
	}
	if err := dev.Up(); err != nil {
		t.Errorf("Up: %v", err)
	}
}

func TestOpen_KernelAssignedName(t *testing.T) {
	requireRoot(t)

	dev, err := Open(Config{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer dev.Close()

	if dev.Name() == "" {
		t.Error("kernel-assigned name is empty")
	}
}

func TestDevice_WritePing(t *testing.T) {
	requireRoot(t)

	dev, err := Open(Config{Address: "10.79.0.1/24", Up: true})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer dev.Close()

	// A minimal IPv4 header destined for the interface's own subnet. The
	// kernel drops it, but the write path itself must accept it.
	pkt := make([]byte, 20)
	pkt[0] = 0x45
	pkt[2] = 0
	pkt[3] = 20
	pkt[8] = 64 // TTL
	pkt[9] = 0xfd
	copy(pkt[12:16], []byte{10, 79, 0, 1})
	copy(pkt[16:20], []byte{10, 79, 0, 2})

	n, err := dev.Write(pkt)
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if n != len(pkt) {
		t.Errorf("Write n = %d, want %d", n, len(pkt))
	}
}

func TestReadScratchTracksMTU(t *testing.T) {
	t.Parallel()

	d := &device{packetInfo: true}
	d.mtu.Store(1500)
	d.rscratch = make([]byte, packetInfoLen+1500)

	// Raising the MTU must grow the read buffer, or a packet larger than
	// the old MTU would be truncated by the kernel without an error.
	d.mtu.Store(9000)
	if got := len(d.readScratch()); got < packetInfoLen+9000 {
		t.Errorf("readScratch after raising MTU = %d bytes, want >= %d", got, packetInfoLen+9000)
	}

	// Lowering the MTU keeps the larger buffer; only growth matters.
	d.mtu.Store(1400)
	if got := len(d.readScratch()); got < packetInfoLen+9000 {
		t.Errorf("readScratch after lowering MTU = %d bytes, want >= %d", got, packetInfoLen+9000)
	}
}

func TestPacketInfoHeader(t *testing.T) {
	t.Parallel()

	v4 := []byte{0x45, 0, 0, 20}
	v6 := []byte{0x60, 0, 0, 0}

	if got := etherType(v4); got != 0x0800 {
		t.Errorf("etherType(v4) = %#04x, want 0x0800", got)
	}
	if got := etherType(v6); got != 0x86dd {
		t.Errorf("etherType(v6) = %#04x, want 0x86dd", got)
	}
	if got := etherType([]byte{0x00}); got != 0 {
		t.Errorf("etherType(unknown) = %#04x, want 0", got)
	}
	if got := etherType(nil); got != 0 {
		t.Errorf("etherType(nil) = %#04x, want 0", got)
	}
}
