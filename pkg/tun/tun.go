// Package tun creates and configures virtual Layer-3 tunnel devices and
// exchanges raw IP packets with the kernel through them.
//
// The Device contract is implemented by one backend per platform (netlink
// configuration on Linux, ioctl configuration on FreeBSD) and by Mem, an
// in-process queue-backed device for tests and userspace stacks. After Open
// returns, the device is immediately usable for packet I/O; configuration
// mutators may be called at any time afterwards and take effect atomically
// with respect to subsequent I/O calls.
//
// Each successful Read or Write transfers exactly one whole IP datagram.
// Read and Write on the same device may run concurrently (full duplex);
// configuration mutators are not internally locked against each other and
// should be serialized by the caller.
package tun

import (
	"fmt"
	"net/netip"
)

// Device is a virtual Layer-3 tunnel device.
type Device interface {
	// Read copies the next packet into buf and returns its length. It
	// blocks until a packet is available unless the device is in
	// non-blocking mode, in which case it returns ErrWouldBlock.
	Read(buf []byte) (int, error)

	// Write transmits buf as one packet. Packets larger than the MTU
	// fail with ErrPacketTooLarge.
	Write(buf []byte) (int, error)

	// Name returns the resolved interface name.
	Name() string

	// MTU returns the device MTU.
	MTU() int

	// Addr returns the currently assigned address, or the zero Prefix
	// when none is assigned.
	Addr() netip.Prefix

	// Up brings the link up.
	Up() error

	// Down takes the link down.
	Down() error

	// SetMTU changes the device MTU.
	SetMTU(mtu int) error

	// SetAddress assigns (or replaces) the device address.
	SetAddress(p netip.Prefix) error

	// Close releases the underlying descriptor. It is idempotent;
	// operations after Close fail with ErrClosed.
	Close() error
}

// Persister is implemented by devices whose platform can toggle interface
// persistence after open (Linux TUNSETPERSIST). Callers type-assert a
// Device against it; platforms without the capability simply don't
// implement it.
type Persister interface {
	// SetPersist controls whether the interface outlives the descriptor.
	SetPersist(on bool) error
}

// Open creates and configures a tunnel device on the running platform.
// Configuration is applied in order: device creation, MTU, address, link
// state. A step failure is reported with its step sentinel
// (ErrInterfaceCreate, ErrAddressAssign, ErrLinkState) and leaves the
// device in the state the last successful step produced: if the device
// file was already obtained, the partially configured Device is returned
// alongside the error so the caller can retry the failed step or Close it.
// Nothing is rolled back automatically.
func Open(cfg Config) (Device, error) {
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInterfaceCreate, err)
	}
	return openPlatform(cfg)
}
