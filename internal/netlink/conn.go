//go:build linux

// Package netlink is a minimal client for the kernel's NETLINK_ROUTE
// configuration protocol: message and attribute encoding, sequence-numbered
// request/response correlation, and kernel error decoding. It implements
// just what interface configuration needs; rtnetlink payloads (ifinfomsg,
// ifaddrmsg) are built by the caller.
package netlink

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"
)

// ErrTimeout is returned by Execute when the Conn's receive timeout expires
// before the kernel's terminal reply arrives.
var ErrTimeout = errors.New("netlink: receive timeout")

// errSeqExhausted should never happen in practice: it would require 2^32
// requests on a single socket.
var errSeqExhausted = errors.New("netlink: sequence number space exhausted")

// transport is the socket surface Conn needs. The narrow interface lets
// tests drive Execute with synthetic kernel replies.
type transport interface {
	Send(b []byte) error
	Recv(b []byte) (int, error)
	Close() error
}

// socketTransport is the real transport over an AF_NETLINK socket.
type socketTransport struct {
	fd int
}

func (s *socketTransport) Send(b []byte) error {
	return unix.Sendto(s.fd, b, 0, &unix.SockaddrNetlink{Family: unix.AF_NETLINK})
}

func (s *socketTransport) Recv(b []byte) (int, error) {
	n, _, err := unix.Recvfrom(s.fd, b, 0)
	return n, err
}

func (s *socketTransport) Close() error {
	return unix.Close(s.fd)
}

// Conn is a request/response client for the kernel's NETLINK_ROUTE
// subsystem. Each Conn owns one socket; replies are correlated to requests
// through a pending-request table keyed by sequence number, so interleaved
// Execute calls on the same Conn each receive only their own replies even
// when the kernel mixes them (or unrelated multicast traffic) on the wire.
//
// A Conn belongs to the backend that dialed it and is closed with it.
type Conn struct {
	t         transport
	pid       uint32
	seq       atomic.Uint32
	exhausted atomic.Bool // latched once seq wraps; every Execute fails after

	sendMu sync.Mutex // serializes datagram writes
	recvMu sync.Mutex // at most one goroutine reads the socket at a time

	mu      sync.Mutex
	pending map[uint32]*pendingReq
}

// pendingReq accumulates the reply set for one in-flight request.
type pendingReq struct {
	msgs []Message
	err  error
	done chan struct{}
}

func (p *pendingReq) complete(err error) {
	p.err = err
	close(p.done)
}

// Dial opens a NETLINK_ROUTE socket, binds it, and reads back the
// kernel-assigned port id used to match replies. A non-zero timeout bounds
// every receive on the socket; zero means block indefinitely.
func Dial(timeout time.Duration) (*Conn, error) {
	fd, err := unix.Socket(unix.AF_NETLINK, unix.SOCK_RAW|unix.SOCK_CLOEXEC, unix.NETLINK_ROUTE)
	if err != nil {
		return nil, fmt.Errorf("creating netlink socket: %w", err)
	}

	if err := unix.Bind(fd, &unix.SockaddrNetlink{Family: unix.AF_NETLINK}); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("binding netlink socket: %w", err)
	}

	sa, err := unix.Getsockname(fd)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("reading netlink socket address: %w", err)
	}
	nlsa, ok := sa.(*unix.SockaddrNetlink)
	if !ok {
		unix.Close(fd)
		return nil, fmt.Errorf("unexpected socket address type %T", sa)
	}

	if timeout > 0 {
		tv := unix.NsecToTimeval(timeout.Nanoseconds())
		if err := unix.SetsockoptTimeval(fd, unix.SOL_SOCKET, unix.SO_RCVTIMEO, &tv); err != nil {
			unix.Close(fd)
			return nil, fmt.Errorf("setting netlink receive timeout: %w", err)
		}
	}

	return newConn(&socketTransport{fd: fd}, nlsa.Pid), nil
}

func newConn(t transport, pid uint32) *Conn {
	return &Conn{
		t:       t,
		pid:     pid,
		pending: make(map[uint32]*pendingReq),
	}
}

// Close releases the underlying socket. In-flight Execute calls fail with
// the socket's close error.
func (c *Conn) Close() error {
	return c.t.Close()
}

// Execute performs one request/response exchange: it assigns a fresh
// sequence number, sends the message, and blocks until the terminal reply
// for that sequence number arrives. Data replies (including multipart sets)
// are returned in order; an acknowledgement returns an empty slice; a
// kernel error reply is returned as unix.Errno. Nothing is retried.
//
// NLM_F_REQUEST is always set. Callers that want an explicit
// acknowledgement for a state-changing request set NLM_F_ACK themselves.
func (c *Conn) Execute(msg Message) ([]Message, error) {
	if c.exhausted.Load() {
		return nil, errSeqExhausted
	}
	seq := c.seq.Add(1)
	if seq == 0 {
		// Latch rather than wrap: reusing sequence numbers would let a
		// late reply to an old request complete a new one.
		c.exhausted.Store(true)
		return nil, errSeqExhausted
	}
	msg.Seq = seq
	msg.PID = 0 // addressed to the kernel
	msg.Flags |= unix.NLM_F_REQUEST

	p := &pendingReq{done: make(chan struct{})}
	c.mu.Lock()
	c.pending[seq] = p
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, seq)
		c.mu.Unlock()
	}()

	c.sendMu.Lock()
	err := c.t.Send(msg.marshal())
	c.sendMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("sending netlink request: %w", err)
	}

	buf := make([]byte, 64*1024)
	for {
		select {
		case <-p.done:
			return p.msgs, p.err
		default:
		}

		// One goroutine at a time reads the socket and routes whatever
		// arrives; another pending Execute may have drained our reply
		// while we waited for the lock.
		c.recvMu.Lock()
		select {
		case <-p.done:
			c.recvMu.Unlock()
			return p.msgs, p.err
		default:
		}

		n, err := c.t.Recv(buf)
		if err != nil {
			c.recvMu.Unlock()
			if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK) {
				return nil, ErrTimeout
			}
			return nil, fmt.Errorf("receiving netlink response: %w", err)
		}

		msgs, perr := parseMessages(buf[:n])
		if perr != nil {
			c.recvMu.Unlock()
			return nil, perr
		}
		for _, m := range msgs {
			c.route(m)
		}
		c.recvMu.Unlock()
	}
}

// route delivers one received message to the pending request it answers.
// Messages that match no pending sequence number, or that were not
// addressed to this socket's port id, are unrelated traffic (for example
// multicast group notifications) and are skipped, not treated as errors.
func (c *Conn) route(m Message) {
	if m.PID != c.pid {
		return
	}

	c.mu.Lock()
	p, ok := c.pending[m.Seq]
	c.mu.Unlock()
	if !ok {
		return
	}

	select {
	case <-p.done:
		return // already terminal; stray duplicate
	default:
	}

	switch {
	case m.Type == unix.NLMSG_ERROR:
		p.complete(decodeError(m.Data))
	case m.Type == unix.NLMSG_DONE:
		p.complete(nil)
	case m.Type == unix.NLMSG_NOOP:
		// skip
	default:
		p.msgs = append(p.msgs, m)
		if !m.multipart() {
			p.complete(nil)
		}
	}
}
