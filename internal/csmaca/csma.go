// Package csmaca implements the CSMA/CA channel-access protocol: carrier
// sense multiple access with collision avoidance, binary exponential
// backoff and stop-and-wait ARQ. It is one of the two interchangeable MAC
// protocols that can sit behind the frame buffer and port switch; the other
// is internal/tdma.
package csmaca

import (
	"context"
	"log"
	"math/rand"
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

// Tunables matching the original block's defaults. aCWmin/aCWmax are the
// 802.11-style contention window bounds; MaxRetries is the CSMA/CA variant's
// retry budget (the TDMA protocol uses a different value, see internal/tdma).
const (
	MaxLocalBuff  = 3
	MaxRetries    = 5
	ACWMin        = 16
	ACWMax        = 1024
	AvgBlockDelay = time.Millisecond
)

// protocolAdvertInterval is how often a PROTOCOL frame advertising this
// node's version is broadcast. A package variable rather than a const so
// tests can shrink it.
var protocolAdvertInterval = 5 * time.Second

// Config holds the per-instance parameters a CSMA/CA MAC is built with.
type Config struct {
	SrcAddr macframe.Addr

	// SlotTime, SIFS and DIFS are scaled by Alpha to model a channel running
	// slower or faster than real time, matching the original block's alpha
	// parameter used to make simulation-time runs tractable.
	SlotTime time.Duration
	SIFS     time.Duration
	DIFS     time.Duration
	Alpha    float64

	// ThresholdDBm is the power level above which the medium is considered busy.
	ThresholdDBm float64

	// ProtocolVersion is advertised in outgoing PROTOCOL frames and checked
	// against incoming ones. Defaults to protoversion.Current if empty.
	ProtocolVersion string

	// Telemetry, if set, receives a lifecycle event for every transmit,
	// ack and drop. Nil disables publishing.
	Telemetry *telemetry.Publisher

	Logger *log.Logger
}

// MAC is one CSMA/CA instance bound to a frame buffer port, a carrier sense
// block and the PHY-facing channels it is wired to by the caller.
type MAC struct {
	cfg  Config
	slot time.Duration
	sifs time.Duration
	difs time.Duration

	buf     *framebuffer.Buffer
	port    int
	cs      CarrierSense
	metrics *macmetrics.MAC

	toPHY   chan<- macframe.Frame
	fromPHY <-chan macframe.Frame
	toApp   chan<- macframe.Frame

	mu     sync.Mutex
	queue  []macframe.Frame
	notify chan struct{}

	acked atomic.Bool
	cw    atomic.Int32 // read by Stats() as well as written by the sender goroutine

	ackedTotal   atomic.Uint64
	droppedTotal atomic.Uint64

	logger *log.Logger
}

// Stats is a point-in-time snapshot of this MAC's counters, used by
// cmd/sdrmacd's status-panel broadcast loop.
type Stats struct {
	ContentionWindow int
	FramesAcked      int
	FramesDropped    int
}

// Stats returns the current contention window and lifetime acked/dropped
// counts. Safe to call from any goroutine.
func (m *MAC) Stats() Stats {
	return Stats{
		ContentionWindow: int(m.cw.Load()),
		FramesAcked:      int(m.ackedTotal.Load()),
		FramesDropped:    int(m.droppedTotal.Load()),
	}
}

// CarrierSense is the subset of internal/carriersense.CarrierSense the MAC
// depends on, so tests can supply a fake.
type CarrierSense interface {
	Request(window time.Duration)
	Result() <-chan float64
}

// New builds a CSMA/CA MAC. buf is the frame buffer it pulls outgoing
// traffic from on port; cs is the carrier-sense block it polls before every
// transmission; toPHY/fromPHY are the raw-frame channels to and from the
// radio front end; toApp receives successfully-received DATA frames.
func New(cfg Config, buf *framebuffer.Buffer, port int, cs CarrierSense, metrics *macmetrics.MAC,
	toPHY chan<- macframe.Frame, fromPHY <-chan macframe.Frame, toApp chan<- macframe.Frame) *MAC {

	if cfg.ProtocolVersion == "" {
		cfg.ProtocolVersion = protoversion.Current
	}
	m := &MAC{
		cfg:     cfg,
		slot:    scale(cfg.SlotTime, cfg.Alpha),
		sifs:    scale(cfg.SIFS, cfg.Alpha),
		difs:    scale(cfg.DIFS, cfg.Alpha),
		buf:     buf,
		port:    port,
		cs:      cs,
		metrics: metrics,
		toPHY:   toPHY,
		fromPHY: fromPHY,
		toApp:   toApp,
		notify:  make(chan struct{}, 1),
		logger:  cfg.Logger,
	}
	m.cw.Store(ACWMin)
	return m
}

func scale(d time.Duration, alpha float64) time.Duration {
	if alpha <= 0 {
		return d
	}
	return time.Duration(float64(d) * alpha)
}

// Run starts the MAC's goroutines: it returns immediately and stops when ctx
// is canceled.
func (m *MAC) Run(ctx context.Context) {
	go m.pump(ctx)
	go m.intake(ctx)
	go m.sender(ctx)
	go m.rxLoop(ctx)
	go m.advertiseProtocol(ctx)
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
			f := macframe.Generate(macframe.ControlProtocol, 0, m.cfg.SrcAddr, macframe.Broadcast, []byte(m.cfg.ProtocolVersion))
			select {
			case m.toPHY <- f:
			case <-ctx.Done():
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// pump periodically asks the frame buffer for the next frame on our port,
// mirroring check_buff()'s poll loop in the original source.
func (m *MAC) pump(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		m.mu.Lock()
		room := len(m.queue) < MaxLocalBuff
		m.mu.Unlock()

		if room {
			m.buf.Request(m.port)
			sleepCtx(ctx, AvgBlockDelay)
		} else {
			sleepCtx(ctx, m.slot+m.sifs+m.difs)
		}
	}
}

// intake drains frames the frame buffer handed us and appends them to the
// local send queue.
func (m *MAC) intake(ctx context.Context) {
	out := m.buf.Out(m.port)
	for {
		select {
		case f := <-out:
			m.mu.Lock()
			if len(m.queue) < MaxLocalBuff {
				m.queue = append(m.queue, f)
			} else {
				m.logf("local send queue full, dropping frame")
			}
			m.mu.Unlock()
			select {
			case m.notify <- struct{}{}:
			default:
			}
		case <-ctx.Done():
			return
		}
	}
}

// sender implements send_frame(): for each queued frame in turn, sense the
// channel, transmit, wait for an ACK (unless broadcast), back off on
// collision, and give up after MaxRetries attempts.
func (m *MAC) sender(ctx context.Context) {
	for {
		f, ok := m.waitForHead(ctx)
		if !ok {
			return
		}
		m.transmit(ctx, f)
		m.popHead()
	}
}

func (m *MAC) waitForHead(ctx context.Context) (macframe.Frame, bool) {
	for {
		m.mu.Lock()
		if len(m.queue) > 0 {
			f := m.queue[0]
			m.mu.Unlock()
			return f, true
		}
		m.mu.Unlock()
		select {
		case <-m.notify:
		case <-ctx.Done():
			return macframe.Frame{}, false
		}
	}
}

func (m *MAC) popHead() {
	m.mu.Lock()
	if len(m.queue) > 0 {
		m.queue = m.queue[1:]
	}
	m.mu.Unlock()
}

func (m *MAC) transmit(ctx context.Context, f macframe.Frame) {
	h, err := macframe.ParseHeader(f.Payload)
	if err != nil {
		m.logf("dropping malformed outgoing frame: %v", err)
		return
	}
	broadcast := h.Addr1.IsBroadcast()

	m.acked.Store(false)
	sensingTime := m.difs
	attempts := 0
	total := 0

	for attempts < MaxRetries && total < MaxRetries && !m.acked.Load() {
		busy := m.isChannelBusy(ctx, sensingTime)
		if ctx.Err() != nil {
			return
		}

		if !busy {
			select {
			case m.toPHY <- f:
			case <-ctx.Done():
				return
			}
			attempts++
			m.count(m.metrics.FramesTransmitted)
			m.publish("transmitted", strconv.Itoa(int(h.SeqNr)))
			if attempts > 1 {
				m.count(m.metrics.Retransmits)
			}
			if broadcast {
				m.acked.Store(true)
			} else {
				sleepCtx(ctx, m.sifs+m.slot+scale(time.Microsecond, m.cfg.Alpha))
			}
			sensingTime = m.difs
		} else {
			m.count(m.metrics.CarrierBusy)
			cw := int(m.cw.Load())
			backoff := rand.Intn(cw)
			m.cw.Store(int32(min(cw*2, ACWMax)))
			m.gaugeCW()
			sensingTime = time.Duration(backoff) * m.slot
		}

		if !broadcast {
			total++
		}
	}

	if m.acked.Load() {
		m.cw.Store(ACWMin)
		m.gaugeCW()
		m.count(m.metrics.FramesAcked)
		m.ackedTotal.Add(1)
		m.publish("acked", strconv.Itoa(int(h.SeqNr)))
	} else {
		m.count(m.metrics.FramesDropped)
		m.droppedTotal.Add(1)
		m.publish("dropped", strconv.Itoa(int(h.SeqNr)))
	}
}

func (m *MAC) isChannelBusy(ctx context.Context, window time.Duration) bool {
	m.cs.Request(window)
	select {
	case p := <-m.cs.Result():
		return p >= m.cfg.ThresholdDBm
	case <-ctx.Done():
		return false
	}
}

// rxLoop dispatches incoming PHY frames, mirroring frame_from_phy()'s switch
// on frame_control.
func (m *MAC) rxLoop(ctx context.Context) {
	for {
		select {
		case f := <-m.fromPHY:
			m.handleRX(f)
		case <-ctx.Done():
			return
		}
	}
}

func (m *MAC) handleRX(f macframe.Frame) {
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
		select {
		case m.toApp <- f:
		default:
			m.logf("app channel full, dropping delivered frame")
		}
	case macframe.ControlMetrics:
		if mine {
			m.sendAck(h)
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

func (m *MAC) sendAck(reqHeader macframe.Header) {
	ack := macframe.GenerateAck(reqHeader, m.cfg.SrcAddr)
	select {
	case m.toPHY <- ack:
	default:
		m.logf("PHY channel full, dropping ACK")
	}
}

func (m *MAC) count(c *prometheus.CounterVec) {
	c.WithLabelValues(m.cfg.SrcAddr.String(), "csma").Inc()
}

func (m *MAC) gaugeCW() {
	m.metrics.ContentionWindow.WithLabelValues(m.cfg.SrcAddr.String(), "csma").Set(float64(m.cw.Load()))
}

func (m *MAC) publish(kind, detail string) {
	if m.cfg.Telemetry == nil {
		return
	}
	m.cfg.Telemetry.Publish("csma", m.cfg.SrcAddr.String(), kind, detail)
}

func (m *MAC) logf(format string, args ...any) {
	if m.logger != nil {
		m.logger.Printf(format, args...)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}
