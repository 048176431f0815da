//go:build linux

package netlink

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"

	"golang.org/x/sys/unix"
)

func TestMessageMarshal(t *testing.T) {
	t.Parallel()

	m := Message{
		Type:  unix.RTM_NEWADDR,
		Flags: unix.NLM_F_REQUEST | unix.NLM_F_ACK,
		Seq:   42,
		PID:   7,
		Data:  []byte{1, 2, 3, 4, 5, 6, 7, 8},
	}
	buf := m.marshal()

	if got := binary.LittleEndian.Uint32(buf[0:4]); int(got) != len(buf) {
		t.Errorf("nlmsg_len = %d, want %d", got, len(buf))
	}
	if got := binary.LittleEndian.Uint16(buf[4:6]); got != unix.RTM_NEWADDR {
		t.Errorf("nlmsg_type = %d, want RTM_NEWADDR (%d)", got, unix.RTM_NEWADDR)
	}
	if got := binary.LittleEndian.Uint16(buf[6:8]); got != unix.NLM_F_REQUEST|unix.NLM_F_ACK {
		t.Errorf("nlmsg_flags = 0x%x, want 0x%x", got, unix.NLM_F_REQUEST|unix.NLM_F_ACK)
	}
	if got := binary.LittleEndian.Uint32(buf[8:12]); got != 42 {
		t.Errorf("nlmsg_seq = %d, want 42", got)
	}
	if got := binary.LittleEndian.Uint32(buf[12:16]); got != 7 {
		t.Errorf("nlmsg_pid = %d, want 7", got)
	}
	if !bytes.Equal(buf[HeaderLen:], m.Data) {
		t.Errorf("payload = %v, want %v", buf[HeaderLen:], m.Data)
	}
}

func TestParseMessages_Combined(t *testing.T) {
	t.Parallel()

	// Two messages in one datagram, as the kernel produces for multipart
	// replies.
	a := Message{Type: unix.RTM_NEWLINK, Flags: unix.NLM_F_MULTI, Seq: 1, PID: 9, Data: []byte{0xaa, 0xbb}}
	b := Message{Type: unix.NLMSG_DONE, Seq: 1, PID: 9}

	datagram := a.marshal()
	// messages are aligned to 4 bytes
	for len(datagram)%4 != 0 {
		datagram = append(datagram, 0)
	}
	datagram = append(datagram, b.marshal()...)

	msgs, err := parseMessages(datagram)
	if err != nil {
		t.Fatalf("parseMessages: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("parsed %d messages, want 2", len(msgs))
	}
	if msgs[0].Type != unix.RTM_NEWLINK || !msgs[0].multipart() {
		t.Errorf("first message = %+v, want multipart RTM_NEWLINK", msgs[0])
	}
	if !bytes.Equal(msgs[0].Data, []byte{0xaa, 0xbb}) {
		t.Errorf("first payload = %v, want [aa bb]", msgs[0].Data)
	}
	if msgs[1].Type != unix.NLMSG_DONE {
		t.Errorf("second message type = %d, want NLMSG_DONE", msgs[1].Type)
	}
}

func TestParseMessages_Truncated(t *testing.T) {
	t.Parallel()

	m := Message{Type: unix.RTM_NEWADDR, Seq: 1, Data: []byte{1, 2, 3, 4}}
	buf := m.marshal()

	if _, err := parseMessages(buf[:10]); err == nil {
		t.Error("truncated header did not fail")
	}

	// Header claims more payload than the datagram holds.
	binary.LittleEndian.PutUint32(buf[0:4], uint32(len(buf)+8))
	if _, err := parseMessages(buf); err == nil {
		t.Error("overlong nlmsg_len did not fail")
	}
}

func TestDecodeError(t *testing.T) {
	t.Parallel()

	ack := make([]byte, 4+HeaderLen)
	if err := decodeError(ack); err != nil {
		t.Errorf("ack decoded as error: %v", err)
	}

	eperm := make([]byte, 4+HeaderLen)
	code := -int32(unix.EPERM)
	binary.LittleEndian.PutUint32(eperm[0:4], uint32(code))
	err := decodeError(eperm)
	if !errors.Is(err, unix.EPERM) {
		t.Errorf("decoded error = %v, want EPERM", err)
	}

	if err := decodeError([]byte{0, 0}); err == nil {
		t.Error("truncated NLMSG_ERROR payload did not fail")
	}
}

func TestAttrEncoder_Layout(t *testing.T) {
	t.Parallel()

	var e AttrEncoder
	e.Uint32(unix.IFLA_MTU, 1500)
	e.String(unix.IFLA_IFNAME, "tun0")
	buf, err := e.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	// IFLA_MTU: 4-byte header + 4-byte value, already aligned.
	if got := binary.LittleEndian.Uint16(buf[0:2]); got != AttrHeaderLen+4 {
		t.Errorf("nla_len = %d, want %d", got, AttrHeaderLen+4)
	}
	if got := binary.LittleEndian.Uint16(buf[2:4]); got != unix.IFLA_MTU {
		t.Errorf("nla_type = %d, want IFLA_MTU (%d)", got, unix.IFLA_MTU)
	}
	if got := binary.LittleEndian.Uint32(buf[4:8]); got != 1500 {
		t.Errorf("IFLA_MTU value = %d, want 1500", got)
	}

	// IFLA_IFNAME: "tun0" + NUL = 5 bytes, padded to 8.
	off := 8
	if got := binary.LittleEndian.Uint16(buf[off : off+2]); got != AttrHeaderLen+5 {
		t.Errorf("nla_len = %d, want %d", got, AttrHeaderLen+5)
	}
	if got := binary.LittleEndian.Uint16(buf[off+2 : off+4]); got != unix.IFLA_IFNAME {
		t.Errorf("nla_type = %d, want IFLA_IFNAME (%d)", got, unix.IFLA_IFNAME)
	}
	if got := string(buf[off+4 : off+9]); got != "tun0\x00" {
		t.Errorf("IFLA_IFNAME value = %q, want %q", got, "tun0\x00")
	}
	if len(buf) != off+12 {
		t.Errorf("encoded length = %d, want %d (padded)", len(buf), off+12)
	}
}

func TestAttrEncoder_TooLarge(t *testing.T) {
	t.Parallel()

	var e AttrEncoder
	e.Bytes(unix.IFLA_IFNAME, make([]byte, 70000))
	if _, err := e.Encode(); !errors.Is(err, ErrAttributeTooLarge) {
		t.Errorf("Encode err = %v, want ErrAttributeTooLarge", err)
	}
}

func TestAttrEncoder_RoundTrip(t *testing.T) {
	t.Parallel()

	var e AttrEncoder
	e.Uint32(unix.IFLA_MTU, 1420)
	e.Bytes(unix.IFA_ADDRESS, []byte{10, 0, 0, 1})
	e.Uint16(unix.IFA_FLAGS, unix.IFA_F_PERMANENT)
	buf, err := e.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	attrs, err := ParseAttrs(buf)
	if err != nil {
		t.Fatalf("ParseAttrs: %v", err)
	}
	if len(attrs) != 3 {
		t.Fatalf("parsed %d attrs, want 3", len(attrs))
	}
	if attrs[0].Type != unix.IFLA_MTU || binary.LittleEndian.Uint32(attrs[0].Data) != 1420 {
		t.Errorf("attr 0 = %+v, want IFLA_MTU 1420", attrs[0])
	}
	if attrs[1].Type != unix.IFA_ADDRESS || !bytes.Equal(attrs[1].Data, []byte{10, 0, 0, 1}) {
		t.Errorf("attr 1 = %+v, want IFA_ADDRESS 10.0.0.1", attrs[1])
	}
	if attrs[2].Type != unix.IFA_FLAGS {
		t.Errorf("attr 2 type = %d, want IFA_FLAGS", attrs[2].Type)
	}
}

func TestParseAttrs_Truncated(t *testing.T) {
	t.Parallel()

	if _, err := ParseAttrs([]byte{4}); err == nil {
		t.Error("truncated attribute header did not fail")
	}

	bad := make([]byte, 8)
	binary.LittleEndian.PutUint16(bad[0:2], 32) // claims 32 bytes, only 8 present
	if _, err := ParseAttrs(bad); err == nil {
		t.Error("overlong nla_len did not fail")
	}
}

func TestNlaAlignLen(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in, want int
	}{
		{0, 0},
		{1, 4},
		{4, 4},
		{5, 8},
		{17, 20},
	}
	for _, tt := range tests {
		if got := nlaAlignLen(tt.in); got != tt.want {
			t.Errorf("nlaAlignLen(%d) = %d, want %d", tt.in, got, tt.want)
		}
	}
}
