// Package framebuffer implements the bounded transmit queue that sits
// between the application and a MAC: it accepts frames from the upper
// layer (optionally rewriting the destination via an ARP lookup and
// recomputing the CRC), and hands them out on demand to whichever MAC is
// currently selected on the output side.
package framebuffer

import (
	"log"
	"sync"

	"github.com/cwsl/sdrmac/internal/arp"
	"github.com/cwsl/sdrmac/internal/macframe"
	"github.com/cwsl/sdrmac/internal/macmetrics"
)

// NoPort is the "no MAC selected, drop requests" port selection.
const NoPort = -1

// NumPorts is the number of demand-driven output ports (0, 1, 2).
const NumPorts = 3

// ipDestOffset is the payload offset of the embedded IPv4 destination
// address used for ARP rewriting: 24 bytes past the end of the 24-byte MAC
// header.
const ipDestOffset = 48

// Buffer is a bounded FIFO of frames awaiting transmission.
type Buffer struct {
	mu       sync.Mutex
	capacity int
	q        []macframe.Frame
	selected int

	arpEnabled bool
	arpPath    string

	out [NumPorts]chan macframe.Frame

	logger  *log.Logger
	metrics *macmetrics.MAC
	macTag  string // "mac" label for metrics; empty disables metrics
}

// Option configures an optional behavior of a Buffer at construction time.
type Option func(*Buffer)

// WithARP enables ARP-table destination rewriting, reading the cache from path.
func WithARP(path string) Option {
	return func(b *Buffer) {
		b.arpEnabled = true
		b.arpPath = path
	}
}

// WithLogger attaches a logger for overflow/ARP-miss diagnostics.
func WithLogger(l *log.Logger) Option {
	return func(b *Buffer) { b.logger = l }
}

// WithMetrics registers buffer depth/overflow counters under macTag.
func WithMetrics(m *macmetrics.MAC, macTag string) Option {
	return func(b *Buffer) {
		b.metrics = m
		b.macTag = macTag
	}
}

// New creates a Buffer with the given capacity, initially selecting no port.
func New(capacity int, opts ...Option) *Buffer {
	b := &Buffer{capacity: capacity, selected: NoPort}
	for i := range b.out {
		b.out[i] = make(chan macframe.Frame, capacity+1)
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Out returns the output channel for a given port id (0..NumPorts-1).
func (b *Buffer) Out(portID int) <-chan macframe.Frame {
	return b.out[portID]
}

// SelectPort sets which output port (NoPort, 0, 1 or 2) will receive frames
// on the next Request calls.
func (b *Buffer) SelectPort(id int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.selected = id
}

// Enqueue appends a frame arriving from the application. If ARP rewriting is
// enabled, the destination MAC is resolved from the embedded IPv4 address
// and the CRC is recomputed; on an ARP miss, the frame is enqueued unchanged.
// If the buffer is already at capacity, the push still happens (oldest
// entry is evicted) and the overflow is logged/counted.
func (b *Buffer) Enqueue(f macframe.Frame) {
	if b.arpEnabled {
		f = b.applyARP(f)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.q) >= b.capacity {
		b.logf("buffer full, evicting oldest frame")
		b.countOverflow()
		if len(b.q) > 0 {
			b.q = b.q[1:]
		}
	}
	b.q = append(b.q, f)
	b.gaugeDepth()
}

// BypassEnqueue pushes a frame to the front of the queue, used for
// broadcast/metrics frames that must jump ahead of normal traffic.
func (b *Buffer) BypassEnqueue(f macframe.Frame) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.q = append([]macframe.Frame{f}, b.q...)
	b.gaugeDepth()
}

// Request pops the oldest frame and delivers it on the output channel for
// portID, but only if portID is currently selected and the queue is
// non-empty. Otherwise it is a no-op.
func (b *Buffer) Request(portID int) {
	b.mu.Lock()
	if b.selected != portID || len(b.q) == 0 {
		b.mu.Unlock()
		return
	}
	f := b.q[0]
	b.q = b.q[1:]
	b.gaugeDepth()
	b.mu.Unlock()

	b.out[portID] <- f
}

func (b *Buffer) applyARP(f macframe.Frame) macframe.Frame {
	if len(f.Payload) < ipDestOffset+4 {
		return f
	}
	tbl, err := arp.Load(b.arpPath)
	if err != nil {
		b.logf("arp table unavailable: %v", err)
		return f
	}
	var dstIP [4]byte
	copy(dstIP[:], f.Payload[ipDestOffset:ipDestOffset+4])

	mac, ok := tbl.Lookup(dstIP)
	if !ok {
		b.logf("arp miss for %d.%d.%d.%d, enqueuing unchanged", dstIP[0], dstIP[1], dstIP[2], dstIP[3])
		return f
	}

	rewritten := macframe.RewriteDestination(f.Payload, mac)
	return macframe.Frame{Payload: rewritten}.WithCRCIncluded()
}

func (b *Buffer) logf(format string, args ...any) {
	if b.logger != nil {
		b.logger.Printf(format, args...)
	}
}

func (b *Buffer) countOverflow() {
	if b.metrics != nil && b.macTag != "" {
		b.metrics.BufferOverflows.WithLabelValues(b.macTag, "buffer").Inc()
	}
}

func (b *Buffer) gaugeDepth() {
	if b.metrics != nil && b.macTag != "" {
		b.metrics.BufferDepth.WithLabelValues(b.macTag, "buffer").Set(float64(len(b.q)))
	}
}
