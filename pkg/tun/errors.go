package tun

import (
	"errors"
	"os"
)

// Configuration step failures. Open and the post-open mutators wrap the
// underlying cause together with one of these sentinels, so callers can
// tell which step failed with errors.Is while still reaching the platform
// error code (a unix.Errno on Linux) deeper in the chain. A failed step is
// never rolled back: the device descriptor stays valid and the caller may
// retry the step, reconfigure, or close.
var (
	// ErrInterfaceCreate reports that the tunnel device file could not be
	// opened or attached, or that the created interface could not be found.
	ErrInterfaceCreate = errors.New("tun: interface create failed")

	// ErrAddressAssign reports that assigning the address/netmask failed.
	ErrAddressAssign = errors.New("tun: address assign failed")

	// ErrLinkState reports that changing link state or MTU failed.
	ErrLinkState = errors.New("tun: link state change failed")
)

// Packet I/O failures.
var (
	// ErrWouldBlock is returned by Read and Write on a device in
	// non-blocking mode when the operation cannot complete immediately.
	// It is an expected, recoverable signal, not a failure.
	ErrWouldBlock = errors.New("tun: operation would block")

	// ErrBufferTooSmall is returned by Read when the caller's buffer
	// cannot hold the next packet. Whether the packet remains readable
	// is implementation-specific; Mem keeps it queued. Kernel devices
	// can only report it when the read goes through an internal scratch
	// buffer (packet info enabled): on the bare descriptor path the
	// kernel truncates to the caller's buffer without an error, so size
	// buffers to the MTU.
	ErrBufferTooSmall = errors.New("tun: buffer too small for packet")

	// ErrPacketTooLarge is returned by Write when the packet exceeds the
	// device MTU.
	ErrPacketTooLarge = errors.New("tun: packet exceeds device MTU")

	// ErrClosed is returned by any operation on a closed device.
	ErrClosed = os.ErrClosed
)
