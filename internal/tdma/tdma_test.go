package tdma

import (
	"context"
	"testing"
	"time"

	"github.com/cwsl/sdrmac/internal/framebuffer"
	"github.com/cwsl/sdrmac/internal/macframe"
	"github.com/cwsl/sdrmac/internal/macmetrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCoordinatorBroadcastsSyncThenAlloc(t *testing.T) {
	buf := framebuffer.New(4)
	buf.SelectPort(0)

	toPHY := make(chan macframe.Frame, 4)
	fromPHY := make(chan macframe.Frame)
	toApp := make(chan macframe.Frame, 4)
	metrics := macmetrics.New(prometheus.NewRegistry())

	cfg := Config{
		SrcAddr:       macframe.Addr{0, 0, 0, 0, 0, 1},
		Role:          Coordinator,
		SlotTime:      time.Millisecond,
		SyncInterval:  time.Millisecond,
		AllocInterval: time.Millisecond,
		CommInterval:  50 * time.Millisecond,
		ThresholdDBm:  -50,
	}
	m := New(cfg, buf, 0, nil, metrics, toPHY, fromPHY, toApp)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.Run(ctx)

	var kinds []macframe.Control
	for i := 0; i < 2; i++ {
		select {
		case f := <-toPHY:
			h, err := macframe.ParseHeader(f.Payload)
			require.NoError(t, err)
			kinds = append(kinds, h.FrameControl)
		case <-time.After(time.Second):
			t.Fatal("expected SYNC then ALLOC")
		}
	}
	assert.Equal(t, []macframe.Control{macframe.ControlSync, macframe.ControlAlloc}, kinds)
}

func TestFollowerWaitsForAllocBeforeSending(t *testing.T) {
	buf := framebuffer.New(4)
	buf.SelectPort(0)

	toPHY := make(chan macframe.Frame, 4)
	fromPHY := make(chan macframe.Frame, 4)
	toApp := make(chan macframe.Frame, 4)
	metrics := macmetrics.New(prometheus.NewRegistry())

	self := macframe.Addr{0, 0, 0, 0, 0, 2}
	cfg := Config{
		SrcAddr:      self,
		Role:         Follower,
		SlotTime:     time.Millisecond,
		GuardTime:    time.Millisecond,
		ThresholdDBm: -50,
	}
	m := New(cfg, buf, 0, nil, metrics, toPHY, fromPHY, toApp)

	dst := macframe.Addr{0, 0, 0, 0, 0, 9}
	h := macframe.Header{FrameControl: macframe.ControlData, Addr1: dst, Addr2: self, Addr3: macframe.Broadcast, SeqNr: 1}
	buf.Enqueue(macframe.NewFrame(h, []byte("queued")))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.Run(ctx)

	// With no ALLOC yet, nothing should reach the PHY.
	select {
	case <-toPHY:
		t.Fatal("sent before receiving an allocation")
	case <-time.After(50 * time.Millisecond):
	}

	alloc := macframe.Generate(macframe.ControlAlloc, 0, macframe.Addr{0, 0, 0, 0, 0, 1}, macframe.Broadcast, encodeOrder([]macframe.Addr{self}))
	fromPHY <- alloc

	select {
	case f := <-toPHY:
		gotH, err := macframe.ParseHeader(f.Payload)
		require.NoError(t, err)
		assert.Equal(t, macframe.ControlData, gotH.FrameControl)
	case <-time.After(time.Second):
		t.Fatal("follower never transmitted after its allocation arrived")
	}
}

func TestCoordinatorRegistersRequestingStations(t *testing.T) {
	buf := framebuffer.New(4)
	toPHY := make(chan macframe.Frame, 4)
	fromPHY := make(chan macframe.Frame, 4)
	toApp := make(chan macframe.Frame, 4)
	metrics := macmetrics.New(prometheus.NewRegistry())

	cfg := Config{SrcAddr: macframe.Addr{0, 0, 0, 0, 0, 1}, Role: Coordinator}
	m := New(cfg, buf, 0, nil, metrics, toPHY, fromPHY, toApp)

	station := macframe.Addr{0, 0, 0, 0, 0, 5}
	req := macframe.Generate(macframe.ControlReq, 1, station, macframe.Broadcast, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.handleRX(ctx, req)

	m.stMu.Lock()
	defer m.stMu.Unlock()
	require.Len(t, m.allocAddrs, 1)
	assert.Equal(t, station, m.allocAddrs[0])
	require.Len(t, m.activeAddrs, 1)
	assert.Equal(t, station, m.activeAddrs[0])
}

func TestFollowerRespondsToSyncWithReqWhenQueued(t *testing.T) {
	buf := framebuffer.New(4)
	buf.SelectPort(0)

	toPHY := make(chan macframe.Frame, 4)
	fromPHY := make(chan macframe.Frame, 4)
	toApp := make(chan macframe.Frame, 4)
	metrics := macmetrics.New(prometheus.NewRegistry())

	self := macframe.Addr{0, 0, 0, 0, 0, 2}
	cfg := Config{
		SrcAddr:      self,
		Role:         Follower,
		SlotTime:     time.Millisecond,
		GuardTime:    time.Millisecond,
		ThresholdDBm: -50,
	}
	m := New(cfg, buf, 0, nil, metrics, toPHY, fromPHY, toApp)

	dst := macframe.Addr{0, 0, 0, 0, 0, 9}
	h := macframe.Header{FrameControl: macframe.ControlData, Addr1: dst, Addr2: self, Addr3: macframe.Broadcast, SeqNr: 1}
	buf.Enqueue(macframe.NewFrame(h, []byte("queued")))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.Run(ctx)

	sync := macframe.Generate(macframe.ControlSync, 0, macframe.Addr{0, 0, 0, 0, 0, 1}, macframe.Broadcast, encodeOrder([]macframe.Addr{self}))
	fromPHY <- sync

	select {
	case f := <-toPHY:
		gotH, err := macframe.ParseHeader(f.Payload)
		require.NoError(t, err)
		assert.Equal(t, macframe.ControlReq, gotH.FrameControl)
	case <-time.After(time.Second):
		t.Fatal("follower never sent REQ after SYNC")
	}
}

func TestFollowerRespondsToSyncWithSkipWhenEmpty(t *testing.T) {
	buf := framebuffer.New(4)
	buf.SelectPort(0)

	toPHY := make(chan macframe.Frame, 4)
	fromPHY := make(chan macframe.Frame, 4)
	toApp := make(chan macframe.Frame, 4)
	metrics := macmetrics.New(prometheus.NewRegistry())

	self := macframe.Addr{0, 0, 0, 0, 0, 3}
	cfg := Config{
		SrcAddr:      self,
		Role:         Follower,
		SlotTime:     time.Millisecond,
		GuardTime:    time.Millisecond,
		ThresholdDBm: -50,
	}
	m := New(cfg, buf, 0, nil, metrics, toPHY, fromPHY, toApp)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.Run(ctx)

	sync := macframe.Generate(macframe.ControlSync, 0, macframe.Addr{0, 0, 0, 0, 0, 1}, macframe.Broadcast, nil)
	fromPHY <- sync

	select {
	case f := <-toPHY:
		gotH, err := macframe.ParseHeader(f.Payload)
		require.NoError(t, err)
		assert.Equal(t, macframe.ControlSkip, gotH.FrameControl)
	case <-time.After(time.Second):
		t.Fatal("follower never sent SKIP after SYNC with nothing queued")
	}
}

func TestProtocolAdvertisement(t *testing.T) {
	orig := protocolAdvertInterval
	protocolAdvertInterval = 10 * time.Millisecond
	defer func() { protocolAdvertInterval = orig }()

	buf := framebuffer.New(4)
	buf.SelectPort(0)

	toPHY := make(chan macframe.Frame, 4)
	fromPHY := make(chan macframe.Frame, 4)
	toApp := make(chan macframe.Frame, 4)
	metrics := macmetrics.New(prometheus.NewRegistry())

	cfg := Config{SrcAddr: macframe.Addr{0, 0, 0, 0, 0, 1}, Role: Follower, SlotTime: time.Millisecond, ThresholdDBm: -50}
	m := New(cfg, buf, 0, nil, metrics, toPHY, fromPHY, toApp)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.Run(ctx)

	for {
		select {
		case f := <-toPHY:
			h, err := macframe.ParseHeader(f.Payload)
			require.NoError(t, err)
			if h.FrameControl == macframe.ControlProtocol {
				return
			}
		case <-time.After(time.Second):
			t.Fatal("never advertised protocol version")
		}
	}
}
