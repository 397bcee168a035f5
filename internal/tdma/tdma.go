// Package tdma implements the coordinator-driven time-division MAC: one
// station is the coordinator, broadcasting SYNC beacons and ALLOC slot
// maps; every other station is a follower that requests a slot with REQ
// and transmits DATA only once an ALLOC has assigned it a slot. A follower
// with a slot sends its queued frames straight away; it does not time them
// to the slot's offset within the communication interval. It is the
// alternative to internal/csmaca behind the frame buffer and port switch.
package tdma

import (
	"context"
	"log"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cwsl/sdrmac/internal/framebuffer"
	"github.com/cwsl/sdrmac/internal/macframe"
	"github.com/cwsl/sdrmac/internal/macmetrics"
	"github.com/cwsl/sdrmac/internal/protoversion"
	"github.com/cwsl/sdrmac/internal/telemetry"
	"github.com/prometheus/client_golang/prometheus"
)

// MaxRetries is the TDMA variant's in-slot retry budget. It is larger than
// CSMA/CA's because a missed slot costs a full superframe to recover from,
// favoring persistence over backing off.
const MaxRetries = 10

// MaxActiveNodes bounds the coordinator's active/allocation station tables,
// matching the original implementation's MAX_NUM_NODES.
const MaxActiveNodes = 64

// protocolAdvertInterval is how often a PROTOCOL frame advertising this
// node's version is broadcast. A package variable rather than a const so
// tests can shrink it.
var protocolAdvertInterval = 5 * time.Second

// Role distinguishes the single coordinator from every follower station.
type Role int

const (
	Follower Role = iota
	Coordinator
)

// Config holds the per-instance parameters a TDMA MAC is built with.
type Config struct {
	SrcAddr macframe.Addr
	Role    Role

	SlotTime      time.Duration
	SyncInterval  time.Duration
	AllocInterval time.Duration
	CommInterval  time.Duration
	GuardTime     time.Duration
	Alpha         float64

	ThresholdDBm float64

	// PHYDelay pads the coordinator's superframe sleep to absorb radio
	// front-end latency, as the slower of the two original variants does.
	PHYDelay time.Duration

	ProtocolVersion string

	// Telemetry, if set, receives a lifecycle event for every transmit,
	// ack, drop and (coordinator-side) station join. Nil disables publishing.
	Telemetry *telemetry.Publisher

	Logger *log.Logger
}

// MAC is one TDMA instance bound to a frame buffer port and the PHY-facing
// channels it is wired to by the caller.
type MAC struct {
	cfg     Config
	buf     *framebuffer.Buffer
	port    int
	cs      CarrierSense
	metrics *macmetrics.MAC

	toPHY   chan<- macframe.Frame
	fromPHY <-chan macframe.Frame
	toApp   chan<- macframe.Frame

	mu    sync.Mutex
	queue []macframe.Frame

	acked atomic.Bool
	seq   atomic.Uint32

	// Follower state.
	mySlot atomic.Int32 // -1 until assigned

	// Coordinator state. activeAddrs is every station heard sending DATA,
	// REQ or SKIP since the last SYNC (the full roll call); allocAddrs is
	// the subset that actually requested a slot via REQ, in arrival order,
	// which becomes the next ALLOC's slot map.
	stMu        sync.Mutex
	activeAddrs []macframe.Addr
	allocAddrs  []macframe.Addr

	ackedTotal   atomic.Uint64
	droppedTotal atomic.Uint64

	logger *log.Logger
}

// Stats is a point-in-time snapshot of this MAC's counters, used by
// cmd/sdrmacd's status-panel broadcast loop.
type Stats struct {
	FramesAcked   int
	FramesDropped int
}

// Stats returns the current lifetime acked/dropped counts. Safe to call
// from any goroutine.
func (m *MAC) Stats() Stats {
	return Stats{
		FramesAcked:   int(m.ackedTotal.Load()),
		FramesDropped: int(m.droppedTotal.Load()),
	}
}

// CarrierSense is the subset of internal/carriersense.CarrierSense used to
// avoid colliding with an in-progress transmission inside our own slot.
type CarrierSense interface {
	Request(window time.Duration)
	Result() <-chan float64
}

// New builds a TDMA MAC.
func New(cfg Config, buf *framebuffer.Buffer, port int, cs CarrierSense, metrics *macmetrics.MAC,
	toPHY chan<- macframe.Frame, fromPHY <-chan macframe.Frame, toApp chan<- macframe.Frame) *MAC {

	if cfg.ProtocolVersion == "" {
		cfg.ProtocolVersion = protoversion.Current
	}
	m := &MAC{
		cfg:     cfg,
		buf:     buf,
		port:    port,
		cs:      cs,
		metrics: metrics,
		toPHY:   toPHY,
		fromPHY: fromPHY,
		toApp:   toApp,
		logger:  cfg.Logger,
	}
	m.mySlot.Store(-1)
	return m
}

// Run starts the MAC's goroutines. It stops when ctx is canceled.
func (m *MAC) Run(ctx context.Context) {
	go m.pump(ctx)
	go m.intake(ctx)
	go m.rxLoop(ctx)
	go m.advertiseProtocol(ctx)
	if m.cfg.Role == Coordinator {
		go m.syncLoop(ctx)
	} else {
		go m.senderLoop(ctx)
	}
}

// advertiseProtocol periodically broadcasts this node's protocol version in
// a PROTOCOL frame, so a peer's handleRX ControlProtocol case has something
// to check compatibility against.
func (m *MAC) advertiseProtocol(ctx context.Context) {
	ticker := time.NewTicker(protocolAdvertInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.emit(ctx, macframe.Generate(macframe.ControlProtocol, 0, m.cfg.SrcAddr, macframe.Broadcast, []byte(m.cfg.ProtocolVersion)))
		case <-ctx.Done():
			return
		}
	}
}

func (m *MAC) pump(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		m.buf.Request(m.port)
		sleepCtx(ctx, m.cfg.SlotTime)
	}
}

func (m *MAC) intake(ctx context.Context) {
	out := m.buf.Out(m.port)
	for {
		select {
		case f := <-out:
			m.mu.Lock()
			m.queue = append(m.queue, f)
			m.mu.Unlock()
		case <-ctx.Done():
			return
		}
	}
}

// syncLoop is the coordinator-only superframe driver: broadcast SYNC with
// the previous interval's active-station roll call, wait out the allocation
// interval while followers REQ/SKIP in response, then broadcast an ALLOC
// granting each requester a slot before sleeping through the communication
// interval.
func (m *MAC) syncLoop(ctx context.Context) {
	seq := 0
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		m.stMu.Lock()
		prevActive := append([]macframe.Addr(nil), m.activeAddrs...)
		m.activeAddrs = nil
		m.allocAddrs = nil
		m.stMu.Unlock()

		beacon := macframe.Generate(macframe.ControlSync, uint16(seq), m.cfg.SrcAddr, macframe.Broadcast, encodeOrder(prevActive))
		m.emit(ctx, beacon)

		sleepCtx(ctx, m.cfg.SyncInterval+m.cfg.AllocInterval)

		m.stMu.Lock()
		order := append([]macframe.Addr(nil), m.allocAddrs...)
		m.stMu.Unlock()

		alloc := macframe.Generate(macframe.ControlAlloc, uint16(seq), m.cfg.SrcAddr, macframe.Broadcast, encodeOrder(order))
		m.emit(ctx, alloc)

		seq++
		sleepCtx(ctx, m.cfg.CommInterval+m.cfg.PHYDelay)
	}
}

// respondToSync runs the follower's SYNC-triggered REQ/SKIP handshake: the
// SYNC payload carries the coordinator's active-station order from the
// previous superframe (§4.5); our position in it (or its length, if we were
// absent) sets our allocation-slot index, which staggers how long we wait
// before announcing ourselves so simultaneous followers don't collide. We
// send REQ if a frame is queued, SKIP otherwise.
func (m *MAC) respondToSync(ctx context.Context, order []macframe.Addr) {
	idx := findSlot(order, m.cfg.SrcAddr)
	if idx < 0 {
		idx = int32(len(order))
	} else {
		idx++
	}

	allocSlot := 2 * m.cfg.SlotTime
	sleepCtx(ctx, time.Duration(idx)*allocSlot)
	if ctx.Err() != nil {
		return
	}

	seq := uint16(m.seq.Add(1))
	if _, ok := m.nextFrame(); ok {
		m.emit(ctx, macframe.Generate(macframe.ControlReq, seq, m.cfg.SrcAddr, macframe.Broadcast, nil))
	} else {
		m.emit(ctx, macframe.Generate(macframe.ControlSkip, seq, m.cfg.SrcAddr, macframe.Broadcast, nil))
	}
}

// senderLoop is the follower-only transmit driver: wait until an ALLOC has
// assigned us a slot, then run a bounded ACK retry loop like CSMA/CA's
// send_frame. There is no random backoff: a busy channel check costs one
// attempt and a GuardTime wait.
// Slot assignment itself is driven entirely by the SYNC/ALLOC handshake in
// handleRX/respondToSync, not by this loop.
func (m *MAC) senderLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if m.mySlot.Load() < 0 {
			sleepCtx(ctx, m.cfg.SlotTime)
			continue
		}

		f, ok := m.nextFrame()
		if !ok {
			sleepCtx(ctx, m.cfg.SlotTime)
			continue
		}
		m.transmitInSlot(ctx, f)
	}
}

func (m *MAC) nextFrame() (macframe.Frame, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.queue) == 0 {
		return macframe.Frame{}, false
	}
	return m.queue[0], true
}

func (m *MAC) popHead() {
	m.mu.Lock()
	if len(m.queue) > 0 {
		m.queue = m.queue[1:]
	}
	m.mu.Unlock()
}

func (m *MAC) transmitInSlot(ctx context.Context, f macframe.Frame) {
	h, err := macframe.ParseHeader(f.Payload)
	if err != nil {
		m.logf("dropping malformed outgoing frame: %v", err)
		m.popHead()
		return
	}
	broadcast := h.Addr1.IsBroadcast()

	m.acked.Store(false)
	for attempt := 0; attempt < MaxRetries && !m.acked.Load(); attempt++ {
		if m.channelBusy(ctx, m.cfg.GuardTime) {
			m.count(m.metrics.CarrierBusy)
			sleepCtx(ctx, m.cfg.GuardTime)
			continue
		}
		m.emit(ctx, f)
		m.count(m.metrics.FramesTransmitted)
		m.publish("transmitted", strconv.Itoa(int(h.SeqNr)))
		if attempt > 0 {
			m.count(m.metrics.Retransmits)
		}
		if broadcast {
			m.acked.Store(true)
			break
		}
		sleepCtx(ctx, m.cfg.SlotTime)
	}

	if m.acked.Load() {
		m.count(m.metrics.FramesAcked)
		m.ackedTotal.Add(1)
		m.publish("acked", strconv.Itoa(int(h.SeqNr)))
	} else {
		m.count(m.metrics.FramesDropped)
		m.droppedTotal.Add(1)
		m.publish("dropped", strconv.Itoa(int(h.SeqNr)))
	}
	m.popHead()
}

func (m *MAC) channelBusy(ctx context.Context, window time.Duration) bool {
	if m.cs == nil {
		return false
	}
	m.cs.Request(window)
	select {
	case p := <-m.cs.Result():
		return p >= m.cfg.ThresholdDBm
	case <-ctx.Done():
		return false
	}
}

func (m *MAC) rxLoop(ctx context.Context) {
	for {
		select {
		case f := <-m.fromPHY:
			m.handleRX(ctx, f)
		case <-ctx.Done():
			return
		}
	}
}

func (m *MAC) handleRX(ctx context.Context, f macframe.Frame) {
	h, err := macframe.ParseHeader(f.Payload)
	if err != nil {
		m.logf("dropping malformed incoming frame: %v", err)
		return
	}
	if !macframe.VerifyCRC(f.Payload) {
		m.logf("dropping frame with bad checksum")
		return
	}

	mine := h.Addr1 == m.cfg.SrcAddr
	broadcast := h.Addr1.IsBroadcast()
	if !mine && !broadcast {
		return
	}

	switch h.FrameControl {
	case macframe.ControlData:
		if mine {
			m.sendAck(h)
		}
		if m.cfg.Role == Coordinator && h.Addr2 != m.cfg.SrcAddr {
			m.registerActive(h.Addr2)
		}
		m.deliver(f)
	case macframe.ControlSync:
		if m.cfg.Role == Follower {
			order := decodeOrder(macframe.MSDU(f.Payload))
			go m.respondToSync(ctx, order)
		}
	case macframe.ControlAlloc:
		if m.cfg.Role == Follower {
			m.mySlot.Store(findSlot(decodeOrder(macframe.MSDU(f.Payload)), m.cfg.SrcAddr))
		}
	case macframe.ControlReq:
		if m.cfg.Role == Coordinator {
			m.registerActive(h.Addr2)
			m.registerAlloc(h.Addr2)
		}
	case macframe.ControlSkip:
		if m.cfg.Role == Coordinator {
			m.registerActive(h.Addr2)
		}
	case macframe.ControlAck:
		if mine {
			m.mu.Lock()
			var headSeq uint16
			haveHead := len(m.queue) > 0
			if haveHead {
				if hh, err := macframe.ParseHeader(m.queue[0].Payload); err == nil {
					headSeq = hh.SeqNr
				}
			}
			m.mu.Unlock()
			if haveHead && h.SeqNr == headSeq {
				m.acked.Store(true)
			}
		}
	case macframe.ControlProtocol:
		if ok, err := protoversion.Compatible(m.cfg.ProtocolVersion, string(macframe.MSDU(f.Payload))); err != nil {
			m.logf("protocol version frame unparsable: %v", err)
		} else if !ok {
			m.logf("peer protocol version incompatible with %s", m.cfg.ProtocolVersion)
		}
	default:
		m.logf("unknown frame control 0x%04x", uint16(h.FrameControl))
	}
}

func (m *MAC) deliver(f macframe.Frame) {
	select {
	case m.toApp <- f:
	default:
		m.logf("app channel full, dropping delivered frame")
	}
}

func (m *MAC) sendAck(reqHeader macframe.Header) {
	ack := macframe.GenerateAck(reqHeader, m.cfg.SrcAddr)
	select {
	case m.toPHY <- ack:
	default:
		m.logf("PHY channel full, dropping ack")
	}
}

func (m *MAC) emit(ctx context.Context, f macframe.Frame) {
	select {
	case m.toPHY <- f:
	case <-ctx.Done():
	}
}

// registerActive records addr as heard from in the current superframe
// (DATA, REQ or SKIP all count), feeding the next SYNC's roll call.
func (m *MAC) registerActive(addr macframe.Addr) {
	m.stMu.Lock()
	defer m.stMu.Unlock()
	for _, s := range m.activeAddrs {
		if s == addr {
			return
		}
	}
	if len(m.activeAddrs) >= MaxActiveNodes {
		m.logf("active station table full, dropping %s", addr)
		return
	}
	m.activeAddrs = append(m.activeAddrs, addr)
}

// registerAlloc records addr as having requested a slot via REQ this
// allocation interval, feeding the next ALLOC's slot map in arrival order.
func (m *MAC) registerAlloc(addr macframe.Addr) {
	m.stMu.Lock()
	for _, s := range m.allocAddrs {
		if s == addr {
			m.stMu.Unlock()
			return
		}
	}
	joined := len(m.allocAddrs) < MaxActiveNodes
	if joined {
		m.allocAddrs = append(m.allocAddrs, addr)
	} else {
		m.logf("allocation table full, dropping request from %s", addr)
	}
	m.stMu.Unlock()

	if joined {
		m.publish("station_joined", addr.String())
	}
}

func (m *MAC) count(c *prometheus.CounterVec) {
	c.WithLabelValues(m.cfg.SrcAddr.String(), "tdma").Inc()
}

func (m *MAC) publish(kind, detail string) {
	if m.cfg.Telemetry == nil {
		return
	}
	m.cfg.Telemetry.Publish("tdma", m.cfg.SrcAddr.String(), kind, detail)
}

func (m *MAC) logf(format string, args ...any) {
	if m.logger != nil {
		m.logger.Printf(format, args...)
	}
}

func encodeOrder(stations []macframe.Addr) []byte {
	b := make([]byte, 6*len(stations))
	for i, s := range stations {
		copy(b[i*6:], s[:])
	}
	return b
}

func decodeOrder(b []byte) []macframe.Addr {
	n := len(b) / 6
	out := make([]macframe.Addr, n)
	for i := 0; i < n; i++ {
		copy(out[i][:], b[i*6:i*6+6])
	}
	return out
}

func findSlot(order []macframe.Addr, addr macframe.Addr) int32 {
	for i, a := range order {
		if a == addr {
			return int32(i)
		}
	}
	return -1
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}
