package wgcompat

import (
	"bytes"
	"testing"

	wgtun "golang.zx2c4.com/wireguard/tun"

	"github.com/kuuji/tundev/pkg/tun"
)

func newAdapter(t *testing.T) (*Adapter, *tun.Mem) {
	t.Helper()
	local, peer, err := tun.NewPipe(tun.Config{Name: "wg0", MTU: 1420})
	if err != nil {
		t.Fatalf("NewPipe: %v", err)
	}
	t.Cleanup(func() { peer.Close() })
	return New(local), peer
}

func TestAdapter_Identity(t *testing.T) {
	t.Parallel()

	a, _ := newAdapter(t)
	defer a.Close()

	name, err := a.Name()
	if err != nil || name != "wg0" {
		t.Errorf("Name() = %q, %v; want wg0, nil", name, err)
	}
	mtu, err := a.MTU()
	if err != nil || mtu != 1420 {
		t.Errorf("MTU() = %d, %v; want 1420, nil", mtu, err)
	}
	if a.BatchSize() != 1 {
		t.Errorf("BatchSize() = %d, want 1", a.BatchSize())
	}
}

func TestAdapter_InitialUpEvent(t *testing.T) {
	t.Parallel()

	a, _ := newAdapter(t)
	defer a.Close()

	select {
	case ev := <-a.Events():
		if ev != wgtun.EventUp {
			t.Errorf("first event = %v, want EventUp", ev)
		}
	default:
		t.Fatal("no initial event queued")
	}
}

func TestAdapter_ReadWriteOffset(t *testing.T) {
	t.Parallel()

	const offset = 16 // wireguard-go reserves headroom in its buffers
	a, peer := newAdapter(t)
	defer a.Close()

	pkt := []byte{0x45, 0, 0, 20, 1, 2, 3, 4}

	// Peer -> adapter read.
	if _, err := peer.Write(pkt); err != nil {
		t.Fatalf("peer Write: %v", err)
	}
	bufs := [][]byte{make([]byte, offset+1420)}
	sizes := make([]int, 1)
	n, err := a.Read(bufs, sizes, offset)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if n != 1 {
		t.Fatalf("Read packet count = %d, want 1", n)
	}
	if sizes[0] != len(pkt) {
		t.Errorf("sizes[0] = %d, want %d", sizes[0], len(pkt))
	}
	if !bytes.Equal(bufs[0][offset:offset+sizes[0]], pkt) {
		t.Error("read payload differs after offset")
	}

	// Adapter write -> peer.
	out := make([]byte, offset+len(pkt))
	copy(out[offset:], pkt)
	n, err = a.Write([][]byte{out}, offset)
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if n != 1 {
		t.Fatalf("Write packet count = %d, want 1", n)
	}
	got := make([]byte, 1420)
	gn, err := peer.Read(got)
	if err != nil {
		t.Fatalf("peer Read: %v", err)
	}
	if !bytes.Equal(got[:gn], pkt) {
		t.Error("peer received payload differs")
	}
}

func TestAdapter_SetMTUEvent(t *testing.T) {
	t.Parallel()

	a, _ := newAdapter(t)
	defer a.Close()
	<-a.Events() // drain EventUp

	if err := a.SetMTU(1280); err != nil {
		t.Fatalf("SetMTU: %v", err)
	}
	mtu, _ := a.MTU()
	if mtu != 1280 {
		t.Errorf("MTU after SetMTU = %d, want 1280", mtu)
	}
	select {
	case ev := <-a.Events():
		if ev != wgtun.EventMTUUpdate {
			t.Errorf("event = %v, want EventMTUUpdate", ev)
		}
	default:
		t.Error("no EventMTUUpdate queued")
	}
}

func TestAdapter_Close(t *testing.T) {
	t.Parallel()

	a, _ := newAdapter(t)
	if err := a.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := a.Read([][]byte{make([]byte, 64)}, make([]int, 1), 0); err == nil {
		t.Error("Read after Close did not fail")
	}
}
