package tun

import (
	"fmt"
	"log/slog"
	"net/netip"
	"strconv"
	"strings"
	"time"
)

const (
	// DefaultMTU is used when the config leaves MTU unset.
	DefaultMTU = 1500

	// ifNameSize is the kernel's IFNAMSIZ: interface names hold at most
	// 15 bytes plus the trailing NUL.
	ifNameSize = 16
)

// Config describes the tunnel device to create. It is read once by Open;
// later changes go through the mutators on the open Device.
type Config struct {
	// Name is the interface name. Optional: when empty the platform
	// assigns one (Linux: "tun%d").
	Name string

	// Address is the interface address, either a bare IP literal
	// ("10.0.0.1", "fd00::1") combined with Netmask, or CIDR notation
	// ("10.0.0.1/24") in which case Netmask is ignored. Empty means no
	// address is assigned at open.
	Address string

	// Netmask is either a dotted-quad mask ("255.255.255.0") or a
	// decimal prefix length ("24"). Used only when Address has no
	// prefix of its own.
	Netmask string

	// MTU is the interface MTU. Zero selects DefaultMTU.
	MTU int

	// Up brings the link up as the final configuration step.
	Up bool

	// PacketInfo prepends the platform's 4-byte packet-information
	// header (2 bytes flags, 2 bytes EtherType) to packets on the
	// device file. Most callers leave this off.
	PacketInfo bool

	// NonBlocking makes Read and Write fail with ErrWouldBlock instead
	// of blocking, for integration with an external poll loop.
	NonBlocking bool

	// Persist keeps the interface after the descriptor is closed
	// (Linux TUNSETPERSIST). When false the interface is ephemeral and
	// the kernel removes it on close, which is the platform default.
	Persist bool

	// Timeout bounds each netlink configuration round trip. Zero means
	// no bound.
	Timeout time.Duration

	// Logger receives debug logging for configuration steps. Nil uses
	// slog.Default().
	Logger *slog.Logger
}

// withDefaults returns a copy with MTU and Logger defaults applied.
func (c Config) withDefaults() Config {
	if c.MTU == 0 {
		c.MTU = DefaultMTU
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// validate rejects values the backends cannot represent. Address syntax
// beyond parseability is left to the OS.
func (c Config) validate() error {
	if c.MTU < 0 {
		return fmt.Errorf("invalid MTU %d", c.MTU)
	}
	if len(c.Name) >= ifNameSize {
		return fmt.Errorf("interface name %q too long: %d bytes, max %d", c.Name, len(c.Name), ifNameSize-1)
	}
	if strings.ContainsRune(c.Name, 0) {
		return fmt.Errorf("interface name %q contains a NUL byte", c.Name)
	}
	if c.Address != "" {
		if _, err := c.prefix(); err != nil {
			return err
		}
	}
	return nil
}

// prefix resolves Address and Netmask into a single netip.Prefix.
func (c Config) prefix() (netip.Prefix, error) {
	if strings.Contains(c.Address, "/") {
		p, err := netip.ParsePrefix(c.Address)
		if err != nil {
			return netip.Prefix{}, fmt.Errorf("parsing address %q: %w", c.Address, err)
		}
		return p, nil
	}

	addr, err := netip.ParseAddr(c.Address)
	if err != nil {
		return netip.Prefix{}, fmt.Errorf("parsing address %q: %w", c.Address, err)
	}

	bits := addr.BitLen() // host route when no netmask is given
	if c.Netmask != "" {
		bits, err = netmaskBits(c.Netmask, addr.Is4())
		if err != nil {
			return netip.Prefix{}, err
		}
	}

	if bits > addr.BitLen() {
		return netip.Prefix{}, fmt.Errorf("prefix length %d too large for address %q", bits, c.Address)
	}
	// keep the host address, not the masked network address
	return netip.PrefixFrom(addr, bits), nil
}

// netmaskBits converts a netmask string into a prefix length. It accepts a
// decimal length ("24") for either family or a dotted-quad mask
// ("255.255.255.0") for IPv4. The dotted form must be contiguous.
func netmaskBits(mask string, is4 bool) (int, error) {
	if !strings.Contains(mask, ".") {
		bits, err := strconv.Atoi(mask)
		if err != nil {
			return 0, fmt.Errorf("parsing netmask %q: %w", mask, err)
		}
		max := 128
		if is4 {
			max = 32
		}
		if bits < 0 || bits > max {
			return 0, fmt.Errorf("prefix length %d out of range 0-%d", bits, max)
		}
		return bits, nil
	}

	if !is4 {
		return 0, fmt.Errorf("dotted netmask %q is not valid for an IPv6 address", mask)
	}
	m, err := netip.ParseAddr(mask)
	if err != nil || !m.Is4() {
		return 0, fmt.Errorf("parsing netmask %q: not a dotted-quad mask", mask)
	}
	v := m.As4()
	u := uint32(v[0])<<24 | uint32(v[1])<<16 | uint32(v[2])<<8 | uint32(v[3])
	bits := 0
	for u&0x8000_0000 != 0 {
		bits++
		u <<= 1
	}
	if u != 0 {
		return 0, fmt.Errorf("netmask %q is not contiguous", mask)
	}
	return bits, nil
}
