//go:build linux

package tun

import (
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"os"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"

	"github.com/kuuji/tundev/internal/netlink"
)

const clonePath = "/dev/net/tun"

// packetInfoLen is the length of the optional packet-information header the
// kernel frames packets with when IFF_NO_PI is not set: 2 bytes of flags
// (native endian) followed by a big-endian EtherType.
const packetInfoLen = 4

// device is the Linux tunnel device: a file descriptor on the TUN clone
// device for packet I/O plus a netlink Conn for interface configuration.
// The fd and the Conn are owned exclusively by this device.
type device struct {
	f     *os.File
	name  string
	index int32
	nl    *netlink.Conn
	log   *slog.Logger

	nonblock   bool
	packetInfo bool

	mtu  atomic.Int32
	mu   sync.Mutex // guards addr
	addr netip.Prefix

	readMu   sync.Mutex // guards rscratch
	writeMu  sync.Mutex // guards wscratch
	rscratch []byte
	wscratch []byte

	closeOnce sync.Once
	closeErr  error
}

// openPlatform creates the TUN interface and applies the configuration in
// order: device attach, persistence, MTU, address, link state. The device
// file always exists before the first netlink call that names it.
func openPlatform(cfg Config) (Device, error) {
	fd, err := unix.Open(clonePath, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("%w: opening %s: %w", ErrInterfaceCreate, clonePath, err)
	}

	flags := uint16(unix.IFF_TUN)
	if !cfg.PacketInfo {
		flags |= unix.IFF_NO_PI
	}

	ifr, err := unix.NewIfreq(cfg.Name)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("%w: interface name %q: %w", ErrInterfaceCreate, cfg.Name, err)
	}
	ifr.SetUint16(flags)

	// TUNSETIFF attaches (creating if needed) the interface on this fd.
	// The kernel writes the resolved name back into the ifreq, which is
	// how an empty Name gets its platform-assigned "tun%d".
	if err := unix.IoctlIfreq(fd, unix.TUNSETIFF, ifr); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("%w: TUNSETIFF %q: %w", ErrInterfaceCreate, cfg.Name, err)
	}
	name := ifr.Name()

	if cfg.Persist {
		if err := unix.IoctlSetInt(fd, unix.TUNSETPERSIST, 1); err != nil {
			unix.Close(fd)
			return nil, fmt.Errorf("%w: TUNSETPERSIST on %s: %w", ErrInterfaceCreate, name, err)
		}
	}

	// Non-blocking fd + os.File gives the runtime poller ownership of
	// blocking, so Close wakes pending readers instead of leaving them
	// stuck in a read syscall.
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("%w: setting %s non-blocking: %w", ErrInterfaceCreate, name, err)
	}

	nl, err := netlink.Dial(cfg.Timeout)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("%w: %w", ErrInterfaceCreate, err)
	}

	dev := &device{
		f:          os.NewFile(uintptr(fd), clonePath),
		name:       name,
		nl:         nl,
		log:        cfg.Logger,
		nonblock:   cfg.NonBlocking,
		packetInfo: cfg.PacketInfo,
	}
	dev.mtu.Store(int32(cfg.MTU))
	if cfg.PacketInfo {
		dev.rscratch = make([]byte, packetInfoLen+cfg.MTU)
		dev.wscratch = make([]byte, packetInfoLen+cfg.MTU)
	}

	li, err := dev.link()
	if err != nil {
		dev.Close()
		return nil, fmt.Errorf("%w: resolving interface %s: %w", ErrInterfaceCreate, name, err)
	}
	dev.index = li.index
	dev.log.Debug("tun interface attached", "name", name, "index", li.index, "persist", cfg.Persist)

	if err := dev.SetMTU(cfg.MTU); err != nil {
		return dev, err
	}

	if cfg.Address != "" {
		p, err := cfg.prefix()
		if err != nil {
			return dev, fmt.Errorf("%w: %w", ErrAddressAssign, err)
		}
		if err := dev.setAddress(p, false); err != nil {
			return dev, err
		}
	}

	if cfg.Up {
		if err := dev.Up(); err != nil {
			return dev, err
		}
	}

	return dev, nil
}

func (d *device) Name() string { return d.name }

func (d *device) MTU() int { return int(d.mtu.Load()) }

func (d *device) Addr() netip.Prefix {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.addr
}

// SetPersist toggles whether the interface outlives the descriptor.
func (d *device) SetPersist(on bool) error {
	v := 0
	if on {
		v = 1
	}
	rc, err := d.f.SyscallConn()
	if err != nil {
		return d.ioError("persist", err)
	}
	var ioctlErr error
	err = rc.Control(func(fd uintptr) {
		ioctlErr = unix.IoctlSetInt(int(fd), unix.TUNSETPERSIST, v)
	})
	if err != nil {
		return d.ioError("persist", err)
	}
	if ioctlErr != nil {
		return fmt.Errorf("%w: TUNSETPERSIST on %s: %w", ErrLinkState, d.name, ioctlErr)
	}
	return nil
}

// link fetches the interface's current kernel state by name.
func (d *device) link() (linkInfo, error) {
	msg, err := getLinkMsg(d.name)
	if err != nil {
		return linkInfo{}, err
	}
	replies, err := d.nl.Execute(msg)
	if err != nil {
		return linkInfo{}, err
	}
	return parseLinkReply(replies)
}

func (d *device) Up() error {
	if _, err := d.nl.Execute(newLinkFlagsMsg(d.index, unix.IFF_UP, unix.IFF_UP)); err != nil {
		return fmt.Errorf("%w: setting %s up: %w", ErrLinkState, d.name, err)
	}
	d.log.Debug("link up", "name", d.name)
	return nil
}

func (d *device) Down() error {
	if _, err := d.nl.Execute(newLinkFlagsMsg(d.index, 0, unix.IFF_UP)); err != nil {
		return fmt.Errorf("%w: setting %s down: %w", ErrLinkState, d.name, err)
	}
	d.log.Debug("link down", "name", d.name)
	return nil
}

func (d *device) SetMTU(mtu int) error {
	if mtu <= 0 {
		return fmt.Errorf("%w: invalid MTU %d", ErrLinkState, mtu)
	}
	msg, err := newLinkMTUMsg(d.index, mtu)
	if err != nil {
		return fmt.Errorf("%w: setting MTU on %s: %w", ErrLinkState, d.name, err)
	}
	if _, err := d.nl.Execute(msg); err != nil {
		return fmt.Errorf("%w: setting MTU %d on %s: %w", ErrLinkState, mtu, d.name, err)
	}
	d.mtu.Store(int32(mtu))
	d.log.Debug("mtu set", "name", d.name, "mtu", mtu)
	return nil
}

func (d *device) SetAddress(p netip.Prefix) error {
	return d.setAddress(p, true)
}

func (d *device) setAddress(p netip.Prefix, replace bool) error {
	if !p.IsValid() {
		return fmt.Errorf("%w: invalid prefix", ErrAddressAssign)
	}
	msg, err := newAddrMsg(d.index, p, replace)
	if err != nil {
		return fmt.Errorf("%w: assigning %s to %s: %w", ErrAddressAssign, p, d.name, err)
	}
	if _, err := d.nl.Execute(msg); err != nil {
		return fmt.Errorf("%w: assigning %s to %s: %w", ErrAddressAssign, p, d.name, err)
	}
	d.mu.Lock()
	d.addr = p
	d.mu.Unlock()
	d.log.Debug("address assigned", "name", d.name, "addr", p)
	return nil
}

// Read copies the next packet into buf. With packet info enabled the
// kernel's 4-byte header is stripped; buf receives the bare IP datagram.
// Without packet info the read goes straight to the descriptor, and the
// kernel truncates packets larger than buf without an error; size buf to
// the MTU.
func (d *device) Read(buf []byte) (int, error) {
	if !d.packetInfo {
		n, err := d.read(buf)
		if err != nil {
			return 0, err
		}
		return n, nil
	}

	d.readMu.Lock()
	defer d.readMu.Unlock()
	scratch := d.readScratch()
	n, err := d.read(scratch)
	if err != nil {
		return 0, err
	}
	if n < packetInfoLen {
		return 0, fmt.Errorf("tun: short read of %d bytes", n)
	}
	if n-packetInfoLen > len(buf) {
		return 0, ErrBufferTooSmall
	}
	return copy(buf, scratch[packetInfoLen:n]), nil
}

// readScratch returns the packet-info read buffer sized for the current
// MTU. SetMTU can raise the MTU after open; a scratch sized from the old
// MTU would let the kernel truncate larger packets without an error.
// Caller holds readMu.
func (d *device) readScratch() []byte {
	if want := packetInfoLen + d.MTU(); want > len(d.rscratch) {
		d.rscratch = make([]byte, want)
	}
	return d.rscratch
}

// Write transmits buf as one packet. With packet info enabled a header is
// prepended, with the EtherType derived from the IP version nibble.
func (d *device) Write(buf []byte) (int, error) {
	if len(buf) > d.MTU() {
		return 0, fmt.Errorf("%w: %d bytes, MTU %d", ErrPacketTooLarge, len(buf), d.MTU())
	}

	if !d.packetInfo {
		return d.write(buf)
	}

	d.writeMu.Lock()
	defer d.writeMu.Unlock()
	if packetInfoLen+len(buf) > len(d.wscratch) {
		d.wscratch = make([]byte, packetInfoLen+len(buf))
	}
	proto := etherType(buf)
	d.wscratch[0] = 0
	d.wscratch[1] = 0
	d.wscratch[2] = byte(proto >> 8)
	d.wscratch[3] = byte(proto)
	n := copy(d.wscratch[packetInfoLen:], buf)

	if _, err := d.write(d.wscratch[:packetInfoLen+n]); err != nil {
		return 0, err
	}
	return n, nil
}

// etherType maps the IP version nibble of a packet to the EtherType
// carried in the packet-information header. Unknown versions map to zero.
func etherType(buf []byte) uint16 {
	if len(buf) == 0 {
		return 0
	}
	switch buf[0] >> 4 {
	case 4:
		return unix.ETH_P_IP
	case 6:
		return unix.ETH_P_IPV6
	}
	return 0
}

func (d *device) read(buf []byte) (int, error) {
	if d.nonblock {
		rc, err := d.f.SyscallConn()
		if err != nil {
			return 0, d.ioError("reading packet", err)
		}
		var n int
		var rerr error
		// The control function returns true so the runtime does not
		// park the goroutine: a one-shot non-blocking read.
		cerr := rc.Read(func(fd uintptr) bool {
			n, rerr = unix.Read(int(fd), buf)
			return true
		})
		if cerr != nil {
			return 0, d.ioError("reading packet", cerr)
		}
		if rerr != nil {
			if errors.Is(rerr, unix.EAGAIN) || errors.Is(rerr, unix.EWOULDBLOCK) {
				return 0, ErrWouldBlock
			}
			return 0, d.ioError("reading packet", rerr)
		}
		return n, nil
	}

	n, err := d.f.Read(buf)
	if err != nil {
		return 0, d.ioError("reading packet", err)
	}
	return n, nil
}

func (d *device) write(buf []byte) (int, error) {
	if d.nonblock {
		rc, err := d.f.SyscallConn()
		if err != nil {
			return 0, d.ioError("writing packet", err)
		}
		var n int
		var werr error
		cerr := rc.Write(func(fd uintptr) bool {
			n, werr = unix.Write(int(fd), buf)
			return true
		})
		if cerr != nil {
			return 0, d.ioError("writing packet", cerr)
		}
		if werr != nil {
			if errors.Is(werr, unix.EAGAIN) || errors.Is(werr, unix.EWOULDBLOCK) {
				return 0, ErrWouldBlock
			}
			return 0, d.ioError("writing packet", werr)
		}
		return n, nil
	}

	n, err := d.f.Write(buf)
	if err != nil {
		return 0, d.ioError("writing packet", err)
	}
	return n, nil
}

// ioError normalizes lower-level I/O failures: closed-file errors collapse
// to ErrClosed, everything else is wrapped with the operation.
func (d *device) ioError(op string, err error) error {
	if errors.Is(err, os.ErrClosed) {
		return ErrClosed
	}
	return fmt.Errorf("tun: %s on %s: %w", op, d.name, err)
}

// Close releases the device fd and the netlink socket. Unless the device
// was opened with Persist, the kernel removes the interface when the last
// descriptor closes.
func (d *device) Close() error {
	d.closeOnce.Do(func() {
		ferr := d.f.Close()
		nerr := d.nl.Close()
		if ferr != nil {
			d.closeErr = ferr
		} else {
			d.closeErr = nerr
		}
		d.log.Debug("tun device closed", "name", d.name)
	})
	return d.closeErr
}
