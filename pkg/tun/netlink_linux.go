//go:build linux

package tun

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"net/netip"

	"golang.org/x/sys/unix"

	"github.com/kuuji/tundev/internal/netlink"
)

// rtnetlink payload sizes. Message layout is:
//
//	ifinfomsg/ifaddrmsg | attributes (nla...)
//
// with the nlmsghdr supplied by the netlink Conn.
const (
	ifInfomsgLen = 16 // sizeof(ifinfomsg)
	ifAddrmsgLen = 8  // sizeof(ifaddrmsg)
)

// newLinkFlagsMsg builds an RTM_NEWLINK request that sets the link flags
// covered by the change mask, leaving all others untouched.
func newLinkFlagsMsg(index int32, flags, change uint32) netlink.Message {
	data := make([]byte, ifInfomsgLen)
	data[0] = unix.AF_UNSPEC                                // ifi_family
	binary.LittleEndian.PutUint32(data[4:8], uint32(index)) // ifi_index
	binary.LittleEndian.PutUint32(data[8:12], flags)        // ifi_flags
	binary.LittleEndian.PutUint32(data[12:16], change)      // ifi_change

	return netlink.Message{
		Type:  unix.RTM_NEWLINK,
		Flags: unix.NLM_F_REQUEST | unix.NLM_F_ACK,
		Data:  data,
	}
}

// newLinkMTUMsg builds an RTM_NEWLINK request carrying an IFLA_MTU
// attribute. Link flags are untouched (ifi_change is zero).
func newLinkMTUMsg(index int32, mtu int) (netlink.Message, error) {
	data := make([]byte, ifInfomsgLen)
	data[0] = unix.AF_UNSPEC
	binary.LittleEndian.PutUint32(data[4:8], uint32(index))

	var e netlink.AttrEncoder
	e.Uint32(unix.IFLA_MTU, uint32(mtu))
	attrs, err := e.Encode()
	if err != nil {
		return netlink.Message{}, err
	}

	return netlink.Message{
		Type:  unix.RTM_NEWLINK,
		Flags: unix.NLM_F_REQUEST | unix.NLM_F_ACK,
		Data:  append(data, attrs...),
	}, nil
}

// newAddrMsg builds an RTM_NEWADDR request assigning p to the interface.
// The address appears as both IFA_LOCAL and IFA_ADDRESS: for a non
// point-to-point interface the kernel treats them as the same thing.
// The replace flag selects NLM_F_REPLACE (reassignment through the
// SetAddress mutator) over NLM_F_EXCL (initial assignment at open).
func newAddrMsg(index int32, p netip.Prefix, replace bool) (netlink.Message, error) {
	family := uint8(unix.AF_INET)
	if p.Addr().Is6() {
		family = unix.AF_INET6
	}

	data := make([]byte, ifAddrmsgLen)
	data[0] = family                                        // ifa_family
	data[1] = uint8(p.Bits())                               // ifa_prefixlen
	data[2] = unix.IFA_F_PERMANENT                          // ifa_flags
	data[3] = unix.RT_SCOPE_UNIVERSE                        // ifa_scope
	binary.LittleEndian.PutUint32(data[4:8], uint32(index)) // ifa_index

	addr := p.Addr().AsSlice()
	var e netlink.AttrEncoder
	e.Bytes(unix.IFA_LOCAL, addr)
	e.Bytes(unix.IFA_ADDRESS, addr)
	attrs, err := e.Encode()
	if err != nil {
		return netlink.Message{}, err
	}

	flags := uint16(unix.NLM_F_REQUEST | unix.NLM_F_ACK | unix.NLM_F_CREATE | unix.NLM_F_EXCL)
	if replace {
		flags = unix.NLM_F_REQUEST | unix.NLM_F_ACK | unix.NLM_F_CREATE | unix.NLM_F_REPLACE
	}

	return netlink.Message{
		Type:  unix.RTM_NEWADDR,
		Flags: flags,
		Data:  append(data, attrs...),
	}, nil
}

// getLinkMsg builds an RTM_GETLINK request looking up one interface by name.
func getLinkMsg(name string) (netlink.Message, error) {
	data := make([]byte, ifInfomsgLen)
	data[0] = unix.AF_UNSPEC

	var e netlink.AttrEncoder
	e.String(unix.IFLA_IFNAME, name)
	attrs, err := e.Encode()
	if err != nil {
		return netlink.Message{}, err
	}

	return netlink.Message{
		Type:  unix.RTM_GETLINK,
		Flags: unix.NLM_F_REQUEST,
		Data:  append(data, attrs...),
	}, nil
}

// linkInfo is the subset of an RTM_NEWLINK data reply the backend needs.
type linkInfo struct {
	index int32
	mtu   int
	flags uint32
	name  string
}

// parseLinkReply decodes the ifinfomsg and attributes of an RTM_GETLINK
// data reply.
func parseLinkReply(msgs []netlink.Message) (linkInfo, error) {
	if len(msgs) == 0 {
		return linkInfo{}, fmt.Errorf("empty link reply")
	}
	m := msgs[0]
	if m.Type != unix.RTM_NEWLINK {
		return linkInfo{}, fmt.Errorf("unexpected link reply type %d", m.Type)
	}
	if len(m.Data) < ifInfomsgLen {
		return linkInfo{}, fmt.Errorf("truncated ifinfomsg: %d bytes", len(m.Data))
	}

	li := linkInfo{
		index: int32(binary.LittleEndian.Uint32(m.Data[4:8])),
		flags: binary.LittleEndian.Uint32(m.Data[8:12]),
	}

	attrs, err := netlink.ParseAttrs(m.Data[ifInfomsgLen:])
	if err != nil {
		return linkInfo{}, err
	}
	for _, a := range attrs {
		switch a.Type {
		case unix.IFLA_MTU:
			if len(a.Data) >= 4 {
				li.mtu = int(binary.LittleEndian.Uint32(a.Data))
			}
		case unix.IFLA_IFNAME:
			li.name = string(bytes.TrimRight(a.Data, "\x00"))
		}
	}
	return li, nil
}
