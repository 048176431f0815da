//go:build freebsd

package tun

import (
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"os"
	"sync"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

// FreeBSD configures interfaces through ioctls on an AF_INET control
// socket rather than a routing socket, so there is no netlink equivalent
// here: each configuration step is one device-control call.

const devDir = "/dev/"

// afHeaderLen is the length of the address-family header tun(4) frames
// packets with in multi-af mode (TUNSIFHEAD): one uint32 address family
// in network byte order.
const afHeaderLen = 4

// in_aliasreq, from netinet/in_var.h, for SIOCAIFADDR.
type inAliasReq struct {
	Name      [unix.IFNAMSIZ]byte
	Addr      unix.RawSockaddrInet4
	Broadaddr unix.RawSockaddrInet4
	Mask      unix.RawSockaddrInet4
	Vhid      int32
}

// ifreq with the sockaddr-sized data union, for SIOCSIFFLAGS/SIOCSIFMTU.
type ifReq struct {
	Name [unix.IFNAMSIZ]byte
	Data [16]byte
}

// fiodgname_arg, from sys/filio.h, for FIODGNAME.
type fiodgnameArg struct {
	Len int32
	_   [4]byte
	Buf unsafe.Pointer
}

type device struct {
	f    *os.File
	name string
	log  *slog.Logger

	nonblock   bool
	packetInfo bool

	mtu  atomic.Int32
	mu   sync.Mutex
	addr netip.Prefix

	readMu   sync.Mutex
	writeMu  sync.Mutex
	rscratch []byte
	wscratch []byte

	closeOnce sync.Once
	closeErr  error
}

func ioctlPtr(fd int, req uint, arg unsafe.Pointer) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), uintptr(req), uintptr(arg))
	if errno != 0 {
		return errno
	}
	return nil
}

// openPlatform opens the tun clone device (or a specific /dev/tunN when a
// name is given), resolves the interface name, and applies configuration
// through ioctls in the same order as the Linux backend.
func openPlatform(cfg Config) (Device, error) {
	path := devDir + "tun"
	if cfg.Name != "" {
		path = devDir + cfg.Name
	}

	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("%w: opening %s: %w", ErrInterfaceCreate, path, err)
	}

	name := cfg.Name
	if name == "" {
		// The clone device picked a unit for us; ask the fd which one.
		buf := make([]byte, unix.IFNAMSIZ)
		arg := fiodgnameArg{Len: int32(len(buf)), Buf: unsafe.Pointer(&buf[0])}
		if err := ioctlPtr(fd, unix.FIODGNAME, unsafe.Pointer(&arg)); err != nil {
			unix.Close(fd)
			return nil, fmt.Errorf("%w: FIODGNAME: %w", ErrInterfaceCreate, err)
		}
		for i, b := range buf {
			if b == 0 {
				name = string(buf[:i])
				break
			}
		}
	}

	if cfg.PacketInfo {
		on := int32(1)
		if err := ioctlPtr(fd, unix.TUNSIFHEAD, unsafe.Pointer(&on)); err != nil {
			unix.Close(fd)
			return nil, fmt.Errorf("%w: TUNSIFHEAD on %s: %w", ErrInterfaceCreate, name, err)
		}
	}

	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("%w: setting %s non-blocking: %w", ErrInterfaceCreate, name, err)
	}

	dev := &device{
		f:          os.NewFile(uintptr(fd), path),
		name:       name,
		log:        cfg.Logger,
		nonblock:   cfg.NonBlocking,
		packetInfo: cfg.PacketInfo,
	}
	dev.mtu.Store(int32(cfg.MTU))
	if cfg.PacketInfo {
		dev.rscratch = make([]byte, afHeaderLen+cfg.MTU)
		dev.wscratch = make([]byte, afHeaderLen+cfg.MTU)
	}
	dev.log.Debug("tun interface attached", "name", name)

	if err := dev.SetMTU(cfg.MTU); err != nil {
		return dev, err
	}

	if cfg.Address != "" {
		p, err := cfg.prefix()
		if err != nil {
			return dev, fmt.Errorf("%w: %w", ErrAddressAssign, err)
		}
		if err := dev.SetAddress(p); err != nil {
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

// ctlSocket opens the AF_INET datagram socket interface ioctls are issued on.
func ctlSocket() (int, error) {
	return unix.Socket(unix.AF_INET, unix.SOCK_DGRAM|unix.SOCK_CLOEXEC, 0)
}

func (d *device) ifName() (name [unix.IFNAMSIZ]byte) {
	copy(name[:], d.name)
	return name
}

func (d *device) setFlags(set bool, flag uint16) error {
	sfd, err := ctlSocket()
	if err != nil {
		return err
	}
	defer unix.Close(sfd)

	req := ifReq{Name: d.ifName()}
	if err := ioctlPtr(sfd, unix.SIOCGIFFLAGS, unsafe.Pointer(&req)); err != nil {
		return err
	}
	flags := (*uint16)(unsafe.Pointer(&req.Data[0]))
	if set {
		*flags |= flag
	} else {
		*flags &^= flag
	}
	return ioctlPtr(sfd, unix.SIOCSIFFLAGS, unsafe.Pointer(&req))
}

func (d *device) Up() error {
	if err := d.setFlags(true, unix.IFF_UP); err != nil {
		return fmt.Errorf("%w: setting %s up: %w", ErrLinkState, d.name, err)
	}
	d.log.Debug("link up", "name", d.name)
	return nil
}

func (d *device) Down() error {
	if err := d.setFlags(false, unix.IFF_UP); err != nil {
		return fmt.Errorf("%w: setting %s down: %w", ErrLinkState, d.name, err)
	}
	d.log.Debug("link down", "name", d.name)
	return nil
}

func (d *device) SetMTU(mtu int) error {
	if mtu <= 0 {
		return fmt.Errorf("%w: invalid MTU %d", ErrLinkState, mtu)
	}

	sfd, err := ctlSocket()
	if err != nil {
		return fmt.Errorf("%w: setting MTU on %s: %w", ErrLinkState, d.name, err)
	}
	defer unix.Close(sfd)

	req := ifReq{Name: d.ifName()}
	*(*int32)(unsafe.Pointer(&req.Data[0])) = int32(mtu)
	if err := ioctlPtr(sfd, unix.SIOCSIFMTU, unsafe.Pointer(&req)); err != nil {
		return fmt.Errorf("%w: setting MTU %d on %s: %w", ErrLinkState, mtu, d.name, err)
	}
	d.mtu.Store(int32(mtu))
	d.log.Debug("mtu set", "name", d.name, "mtu", mtu)
	return nil
}

// SetAddress assigns an IPv4 address with SIOCAIFADDR. IPv6 assignment
// needs the in6_aliasreq variant and is not implemented.
func (d *device) SetAddress(p netip.Prefix) error {
	if !p.IsValid() {
		return fmt.Errorf("%w: invalid prefix", ErrAddressAssign)
	}
	if !p.Addr().Is4() {
		return fmt.Errorf("%w: IPv6 on FreeBSD: %w", ErrAddressAssign, errors.ErrUnsupported)
	}

	sfd, err := ctlSocket()
	if err != nil {
		return fmt.Errorf("%w: assigning %s to %s: %w", ErrAddressAssign, p, d.name, err)
	}
	defer unix.Close(sfd)

	ip := p.Addr().As4()
	var mask [4]byte
	for i := 0; i < p.Bits(); i++ {
		mask[i/8] |= 1 << (7 - i%8)
	}
	var bcast [4]byte
	for i := range bcast {
		bcast[i] = ip[i] | ^mask[i]
	}

	sin := func(a [4]byte) unix.RawSockaddrInet4 {
		return unix.RawSockaddrInet4{
			Len:    unix.SizeofSockaddrInet4,
			Family: unix.AF_INET,
			Addr:   a,
		}
	}
	req := inAliasReq{
		Name:      d.ifName(),
		Addr:      sin(ip),
		Broadaddr: sin(bcast),
		Mask:      sin(mask),
	}
	if err := ioctlPtr(sfd, unix.SIOCAIFADDR, unsafe.Pointer(&req)); err != nil {
		return fmt.Errorf("%w: assigning %s to %s: %w", ErrAddressAssign, p, d.name, err)
	}

	d.mu.Lock()
	d.addr = p
	d.mu.Unlock()
	d.log.Debug("address assigned", "name", d.name, "addr", p)
	return nil
}

// Read copies the next packet into buf, stripping the address-family
// header when multi-af mode is on. Without it the read goes straight to
// the descriptor, and the kernel truncates packets larger than buf
// without an error; size buf to the MTU.
func (d *device) Read(buf []byte) (int, error) {
	if !d.packetInfo {
		return d.read(buf)
	}

	d.readMu.Lock()
	defer d.readMu.Unlock()
	scratch := d.readScratch()
	n, err := d.read(scratch)
	if err != nil {
		return 0, err
	}
	if n < afHeaderLen {
		return 0, fmt.Errorf("tun: short read of %d bytes", n)
	}
	if n-afHeaderLen > len(buf) {
		return 0, ErrBufferTooSmall
	}
	return copy(buf, scratch[afHeaderLen:n]), nil
}

// readScratch returns the multi-af read buffer sized for the current
// MTU, growing it if SetMTU raised the MTU after open. Caller holds
// readMu.
func (d *device) readScratch() []byte {
	if want := afHeaderLen + d.MTU(); want > len(d.rscratch) {
		d.rscratch = make([]byte, want)
	}
	return d.rscratch
}

// Write transmits buf as one packet, prepending the address family in
// multi-af mode.
func (d *device) Write(buf []byte) (int, error) {
	if len(buf) > d.MTU() {
		return 0, fmt.Errorf("%w: %d bytes, MTU %d", ErrPacketTooLarge, len(buf), d.MTU())
	}

	if !d.packetInfo {
		return d.write(buf)
	}

	d.writeMu.Lock()
	defer d.writeMu.Unlock()
	if afHeaderLen+len(buf) > len(d.wscratch) {
		d.wscratch = make([]byte, afHeaderLen+len(buf))
	}
	af := uint32(unix.AF_INET)
	if len(buf) > 0 && buf[0]>>4 == 6 {
		af = unix.AF_INET6
	}
	d.wscratch[0] = byte(af >> 24)
	d.wscratch[1] = byte(af >> 16)
	d.wscratch[2] = byte(af >> 8)
	d.wscratch[3] = byte(af)
	n := copy(d.wscratch[afHeaderLen:], buf)

	if _, err := d.write(d.wscratch[:afHeaderLen+n]); err != nil {
		return 0, err
	}
	return n, nil
}

func (d *device) read(buf []byte) (int, error) {
	if d.nonblock {
		rc, err := d.f.SyscallConn()
		if err != nil {
			return 0, d.ioError("reading packet", err)
		}
		var n int
		var rerr error
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

func (d *device) ioError(op string, err error) error {
	if errors.Is(err, os.ErrClosed) {
		return ErrClosed
	}
	return fmt.Errorf("tun: %s on %s: %w", op, d.name, err)
}

// Close releases the device fd. The interface itself persists until
// destroyed with ifconfig; FreeBSD tun devices are not removed on close.
func (d *device) Close() error {
	d.closeOnce.Do(func() {
		d.closeErr = d.f.Close()
		d.log.Debug("tun device closed", "name", d.name)
	})
	return d.closeErr
}
