// Package wgcompat adapts a tun.Device to the interface wireguard-go
// expects, so a device opened by this module (or a Mem device in tests)
// can back a WireGuard data plane directly.
package wgcompat

import (
	"os"

	wgtun "golang.zx2c4.com/wireguard/tun"

	"github.com/kuuji/tundev/pkg/tun"
)

// Adapter implements wireguard-go's tun.Device on top of a tun.Device.
// Reads and writes translate between wireguard-go's batched, offset-based
// buffers and the one-datagram-per-call contract of tun.Device. The batch
// size is fixed at 1 since the underlying device has no vectored I/O.
type Adapter struct {
	dev    tun.Device
	events chan wgtun.Event
}

var _ wgtun.Device = (*Adapter)(nil)

// New wraps dev for wireguard-go. The adapter takes ownership of dev:
// closing the adapter closes it.
func New(dev tun.Device) *Adapter {
	events := make(chan wgtun.Event, 4)
	events <- wgtun.EventUp
	return &Adapter{dev: dev, events: events}
}

// File returns nil: the underlying descriptor is not exposed.
func (a *Adapter) File() *os.File { return nil }

func (a *Adapter) Name() (string, error) { return a.dev.Name(), nil }

func (a *Adapter) MTU() (int, error) { return a.dev.MTU(), nil }

func (a *Adapter) BatchSize() int { return 1 }

func (a *Adapter) Events() <-chan wgtun.Event { return a.events }

// Read fills bufs[0] starting at offset with the next packet and records
// its length in sizes[0]. It returns the number of packets read, which is
// at most 1.
func (a *Adapter) Read(bufs [][]byte, sizes []int, offset int) (int, error) {
	if len(bufs) == 0 {
		return 0, nil
	}
	n, err := a.dev.Read(bufs[0][offset:])
	if err != nil {
		return 0, err
	}
	sizes[0] = n
	return 1, nil
}

// Write transmits each buffer's packet, skipping the offset prefix.
func (a *Adapter) Write(bufs [][]byte, offset int) (int, error) {
	for i, buf := range bufs {
		if _, err := a.dev.Write(buf[offset:]); err != nil {
			return i, err
		}
	}
	return len(bufs), nil
}

// SetMTU changes the underlying device MTU and notifies wireguard-go.
func (a *Adapter) SetMTU(mtu int) error {
	if err := a.dev.SetMTU(mtu); err != nil {
		return err
	}
	select {
	case a.events <- wgtun.EventMTUUpdate:
	default:
	}
	return nil
}

func (a *Adapter) Close() error {
	err := a.dev.Close()
	select {
	case a.events <- wgtun.EventDown:
	default:
	}
	return err
}
