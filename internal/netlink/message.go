//go:build linux

package netlink

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"golang.org/x/sys/unix"
)

// Wire-format sizes. The netlink header and every attribute header are
// fixed-size; attribute payloads are padded to 4-byte boundaries (NLA_ALIGN).
const (
	// HeaderLen is the length of an nlmsghdr.
	HeaderLen = 16

	// AttrHeaderLen is the length of an nlattr/rtattr header.
	AttrHeaderLen = 4
)

// ErrAttributeTooLarge is returned when an attribute payload exceeds the
// 16-bit length field of the attribute header.
var ErrAttributeTooLarge = errors.New("netlink: attribute payload too large")

// Message is a single netlink message: the nlmsghdr fields plus the
// type-specific payload (fixed struct followed by attributes).
//
// On send, Seq and PID are assigned by the Conn; any values set by the
// caller are overwritten.
type Message struct {
	Type  uint16
	Flags uint16
	Seq   uint32
	PID   uint32
	Data  []byte
}

// multipart reports whether this message is part of a multipart reply.
func (m Message) multipart() bool {
	return m.Flags&unix.NLM_F_MULTI != 0
}

// marshal encodes the message into wire format: a 16-byte little-endian
// nlmsghdr followed by the payload.
func (m Message) marshal() []byte {
	buf := make([]byte, HeaderLen+len(m.Data))
	binary.LittleEndian.PutUint32(buf[0:4], uint32(HeaderLen+len(m.Data))) // nlmsg_len
	binary.LittleEndian.PutUint16(buf[4:6], m.Type)                        // nlmsg_type
	binary.LittleEndian.PutUint16(buf[6:8], m.Flags)                       // nlmsg_flags
	binary.LittleEndian.PutUint32(buf[8:12], m.Seq)                        // nlmsg_seq
	binary.LittleEndian.PutUint32(buf[12:16], m.PID)                       // nlmsg_pid
	copy(buf[HeaderLen:], m.Data)
	return buf
}

// parseMessages walks one received datagram, which may carry several
// netlink messages back to back (each aligned to 4 bytes). A header or
// payload that runs past the end of the datagram is a protocol error.
func parseMessages(buf []byte) ([]Message, error) {
	var msgs []Message
	for len(buf) > 0 {
		if len(buf) < HeaderLen {
			return nil, fmt.Errorf("netlink: truncated header: %d bytes", len(buf))
		}
		length := binary.LittleEndian.Uint32(buf[0:4])
		if int(length) < HeaderLen || int(length) > len(buf) {
			return nil, fmt.Errorf("netlink: bad message length %d (datagram has %d bytes)", length, len(buf))
		}
		msgs = append(msgs, Message{
			Type:  binary.LittleEndian.Uint16(buf[4:6]),
			Flags: binary.LittleEndian.Uint16(buf[6:8]),
			Seq:   binary.LittleEndian.Uint32(buf[8:12]),
			PID:   binary.LittleEndian.Uint32(buf[12:16]),
			Data:  buf[HeaderLen:length],
		})
		buf = buf[nlaAlignLen(int(length)):]
	}
	return msgs, nil
}

// decodeError decodes an NLMSG_ERROR payload. A code of zero is an
// acknowledgement; a negative code is a negated errno from the kernel,
// returned as unix.Errno so callers can match it with errors.Is.
func decodeError(data []byte) error {
	if len(data) < 4 {
		return errors.New("netlink: truncated NLMSG_ERROR payload")
	}
	code := int32(binary.LittleEndian.Uint32(data[0:4]))
	if code == 0 {
		return nil
	}
	return unix.Errno(-code)
}

// nlaAlignLen rounds a length up to the nearest 4-byte boundary (NLA_ALIGN).
func nlaAlignLen(n int) int {
	return (n + 3) &^ 3
}

// Attr is a single decoded netlink attribute.
type Attr struct {
	Type uint16
	Data []byte
}

// ParseAttrs decodes a sequence of type-length-value attributes, stopping
// at the end of buf. Attribute payloads alias buf.
func ParseAttrs(buf []byte) ([]Attr, error) {
	var attrs []Attr
	for len(buf) > 0 {
		if len(buf) < AttrHeaderLen {
			return nil, fmt.Errorf("netlink: truncated attribute header: %d bytes", len(buf))
		}
		length := binary.LittleEndian.Uint16(buf[0:2])
		if int(length) < AttrHeaderLen || int(length) > len(buf) {
			return nil, fmt.Errorf("netlink: bad attribute length %d (%d bytes left)", length, len(buf))
		}
		attrs = append(attrs, Attr{
			Type: binary.LittleEndian.Uint16(buf[2:4]) &^ (unix.NLA_F_NESTED | unix.NLA_F_NET_BYTEORDER),
			Data: buf[AttrHeaderLen:length],
		})
		next := nlaAlignLen(int(length))
		if next > len(buf) {
			next = len(buf)
		}
		buf = buf[next:]
	}
	return attrs, nil
}

// AttrEncoder builds a packed attribute sequence with NLA_ALIGN padding
// between attributes. Errors are latched and reported by Encode so call
// sites can chain appends without per-call checks.
type AttrEncoder struct {
	buf []byte
	err error
}

// Bytes appends a raw byte attribute.
func (e *AttrEncoder) Bytes(typ uint16, data []byte) {
	if e.err != nil {
		return
	}
	if AttrHeaderLen+len(data) > math.MaxUint16 {
		e.err = fmt.Errorf("%w: type %d carries %d bytes", ErrAttributeTooLarge, typ, len(data))
		return
	}
	hdr := make([]byte, AttrHeaderLen)
	binary.LittleEndian.PutUint16(hdr[0:2], uint16(AttrHeaderLen+len(data))) // nla_len
	binary.LittleEndian.PutUint16(hdr[2:4], typ)                             // nla_type
	e.buf = append(e.buf, hdr...)
	e.buf = append(e.buf, data...)
	// pad to the next 4-byte boundary
	for len(e.buf)%4 != 0 {
		e.buf = append(e.buf, 0)
	}
}

// Uint32 appends a native-endian uint32 attribute.
func (e *AttrEncoder) Uint32(typ uint16, v uint32) {
	data := make([]byte, 4)
	binary.LittleEndian.PutUint32(data, v)
	e.Bytes(typ, data)
}

// Uint16 appends a native-endian uint16 attribute.
func (e *AttrEncoder) Uint16(typ uint16, v uint16) {
	data := make([]byte, 2)
	binary.LittleEndian.PutUint16(data, v)
	e.Bytes(typ, data)
}

// String appends a NUL-terminated string attribute (the kernel's NLA_STRING).
func (e *AttrEncoder) String(typ uint16, s string) {
	e.Bytes(typ, append([]byte(s), 0))
}

// Encode returns the packed attributes, or the first error encountered.
func (e *AttrEncoder) Encode() ([]byte, error) {
	if e.err != nil {
		return nil, e.err
	}
	return e.buf, nil
}
