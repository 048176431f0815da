package tun

import (
	"fmt"
	"net/netip"
	"sync"
)

// memQueueDepth bounds the number of packets a Mem device buffers before
// Write blocks (or fails with ErrWouldBlock in non-blocking mode).
const memQueueDepth = 64

// Mem is an in-process, queue-backed implementation of the Device
// contract, for tests and for wiring userspace network stacks together
// without kernel involvement. Write enqueues one packet; Read dequeues
// one, blocking until a packet arrives or the device is closed.
//
// A Mem opened with OpenMem is looped back on itself: everything written
// is read back. NewPipe returns a cross-wired pair instead.
type Mem struct {
	name     string
	nonblock bool

	// out is the queue writes go to; in is the queue reads come from.
	// For a loopback device they are the same channel.
	out chan []byte
	in  chan []byte

	done     chan struct{}
	doneOnce sync.Once

	mu      sync.Mutex // guards mtu, addr, up, pending
	mtu     int
	addr    netip.Prefix
	up      bool
	pending []byte // head-of-queue packet a too-small Read left behind
}

// OpenMem creates a loopback Mem device from cfg. Packets written to it
// are read back from it, byte-identical.
func OpenMem(cfg Config) (*Mem, error) {
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInterfaceCreate, err)
	}

	q := make(chan []byte, memQueueDepth)
	m := &Mem{
		name:     cfg.Name,
		nonblock: cfg.NonBlocking,
		out:      q,
		in:       q,
		done:     make(chan struct{}),
		mtu:      cfg.MTU,
		up:       cfg.Up,
	}
	if m.name == "" {
		m.name = "mem0"
	}
	if cfg.Address != "" {
		p, err := cfg.prefix()
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrAddressAssign, err)
		}
		m.addr = p
	}
	return m, nil
}

// NewPipe creates two Mem devices wired back to back: packets written on
// one end are read from the other, like the two ends of a routed tunnel.
// Both ends share cfg.
func NewPipe(cfg Config) (*Mem, *Mem, error) {
	a, err := OpenMem(cfg)
	if err != nil {
		return nil, nil, err
	}
	b, err := OpenMem(cfg)
	if err != nil {
		return nil, nil, err
	}
	a.out, b.out = b.in, a.in
	return a, b, nil
}

func (m *Mem) Name() string { return m.name }

func (m *Mem) MTU() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mtu
}

func (m *Mem) Addr() netip.Prefix {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.addr
}

// IsUp reports the simulated link state.
func (m *Mem) IsUp() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.up
}

func (m *Mem) Up() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed() {
		return ErrClosed
	}
	m.up = true
	return nil
}

func (m *Mem) Down() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed() {
		return ErrClosed
	}
	m.up = false
	return nil
}

func (m *Mem) SetMTU(mtu int) error {
	if mtu <= 0 {
		return fmt.Errorf("%w: invalid MTU %d", ErrLinkState, mtu)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed() {
		return ErrClosed
	}
	m.mtu = mtu
	return nil
}

func (m *Mem) SetAddress(p netip.Prefix) error {
	if !p.IsValid() {
		return fmt.Errorf("%w: invalid prefix", ErrAddressAssign)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed() {
		return ErrClosed
	}
	m.addr = p
	return nil
}

// Read dequeues one packet into buf. A buffer too small for the next
// packet fails with ErrBufferTooSmall and leaves the packet queued.
// Remaining queued packets stay readable after Close until drained.
func (m *Mem) Read(buf []byte) (int, error) {
	m.mu.Lock()
	pkt := m.pending
	m.pending = nil
	m.mu.Unlock()

	if pkt == nil {
		var ok bool
		pkt, ok = m.dequeue()
		if !ok {
			return 0, ErrClosed
		}
		if pkt == nil {
			return 0, ErrWouldBlock
		}
	}

	if len(buf) < len(pkt) {
		m.mu.Lock()
		m.pending = pkt
		m.mu.Unlock()
		return 0, ErrBufferTooSmall
	}
	return copy(buf, pkt), nil
}

// dequeue takes the next packet off the receive queue. It returns
// (nil, true) in non-blocking mode when the queue is empty, and
// (nil, false) when the device is closed and drained.
func (m *Mem) dequeue() ([]byte, bool) {
	if m.nonblock {
		select {
		case pkt := <-m.in:
			return pkt, true
		case <-m.done:
			// drain what was queued before the close
			select {
			case pkt := <-m.in:
				return pkt, true
			default:
				return nil, false
			}
		default:
			return nil, true
		}
	}

	select {
	case pkt := <-m.in:
		return pkt, true
	case <-m.done:
		select {
		case pkt := <-m.in:
			return pkt, true
		default:
			return nil, false
		}
	}
}

// Write enqueues buf as one packet. The bytes are copied, so the caller
// may reuse buf immediately.
func (m *Mem) Write(buf []byte) (int, error) {
	m.mu.Lock()
	mtu := m.mtu
	closed := m.closed()
	m.mu.Unlock()

	if closed {
		return 0, ErrClosed
	}
	if len(buf) > mtu {
		return 0, fmt.Errorf("%w: %d bytes, MTU %d", ErrPacketTooLarge, len(buf), mtu)
	}

	pkt := make([]byte, len(buf))
	copy(pkt, buf)

	if m.nonblock {
		select {
		case m.out <- pkt:
			return len(buf), nil
		case <-m.done:
			return 0, ErrClosed
		default:
			return 0, ErrWouldBlock
		}
	}

	select {
	case m.out <- pkt:
		return len(buf), nil
	case <-m.done:
		return 0, ErrClosed
	}
}

// Close marks the device closed and wakes blocked readers and writers.
// It is idempotent; the second and later calls are no-ops.
func (m *Mem) Close() error {
	m.doneOnce.Do(func() { close(m.done) })
	return nil
}

func (m *Mem) closed() bool {
	select {
	case <-m.done:
		return true
	default:
		return false
	}
}

var _ Device = (*Mem)(nil)
