package framebuffer

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cwsl/sdrmac/internal/macframe"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func frameWithSeq(seq uint16) macframe.Frame {
	h := macframe.Header{FrameControl: macframe.ControlData, Addr3: macframe.Broadcast, SeqNr: seq}
	return macframe.NewFrame(h, []byte("x"))
}

func TestEnqueuePopFIFO(t *testing.T) {
	b := New(4)
	b.SelectPort(0)

	for i := uint16(0); i < 3; i++ {
		b.Enqueue(frameWithSeq(i))
	}

	for i := uint16(0); i < 3; i++ {
		b.Request(0)
		select {
		case f := <-b.Out(0):
			h, err := macframe.ParseHeader(f.Payload)
			require.NoError(t, err)
			assert.Equal(t, i, h.SeqNr)
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for frame")
		}
	}
}

func TestRequestIgnoresWrongPort(t *testing.T) {
	b := New(4)
	b.SelectPort(1)
	b.Enqueue(frameWithSeq(0))

	b.Request(0)
	select {
	case <-b.Out(0):
		t.Fatal("should not have delivered on unselected port")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestRequestOnEmptyIsNoop(t *testing.T) {
	b := New(4)
	b.SelectPort(0)
	b.Request(0) // must not panic or block
}

func TestOverflowEvictsOldest(t *testing.T) {
	b := New(2)
	b.SelectPort(0)
	b.Enqueue(frameWithSeq(1))
	b.Enqueue(frameWithSeq(2))
	b.Enqueue(frameWithSeq(3)) // over capacity: 1 should be evicted

	var seqs []uint16
	for i := 0; i < 2; i++ {
		b.Request(0)
		f := <-b.Out(0)
		h, _ := macframe.ParseHeader(f.Payload)
		seqs = append(seqs, h.SeqNr)
	}
	assert.Equal(t, []uint16{2, 3}, seqs)
}

func TestBypassEnqueueJumpsQueue(t *testing.T) {
	b := New(4)
	b.SelectPort(0)
	b.Enqueue(frameWithSeq(1))
	b.BypassEnqueue(frameWithSeq(99))

	b.Request(0)
	f := <-b.Out(0)
	h, _ := macframe.ParseHeader(f.Payload)
	assert.Equal(t, uint16(99), h.SeqNr)
}

func TestARPRewriteOnHit(t *testing.T) {
	dir := t.TempDir()
	cachePath := filepath.Join(dir, "arp")
	require.NoError(t, os.WriteFile(cachePath, []byte(
		"IP address HW type Flags HW address Mask Device\n"+
			"10.0.0.5 0x1 0x2 02:00:00:00:00:09 * wlan0\n"), 0o644))

	b := New(4, WithARP(cachePath))
	b.SelectPort(0)

	payload := make([]byte, 52)
	copy(payload[48:52], []byte{10, 0, 0, 5})
	f := macframe.Frame{Payload: payload}

	b.Enqueue(f)
	b.Request(0)
	got := <-b.Out(0)

	assert.True(t, got.CRCIncluded())
	assert.True(t, macframe.VerifyCRC(got.Payload))
	var mac macframe.Addr
	copy(mac[:], got.Payload[4:10])
	assert.Equal(t, "02:00:00:00:00:09", mac.String())
}

func TestARPMissKeepsOriginal(t *testing.T) {
	dir := t.TempDir()
	cachePath := filepath.Join(dir, "arp")
	require.NoError(t, os.WriteFile(cachePath, []byte("header\n"), 0o644))

	b := New(4, WithARP(cachePath))
	b.SelectPort(0)

	payload := make([]byte, 52)
	copy(payload[48:52], []byte{192, 168, 0, 1})
	f := macframe.Frame{Payload: payload}

	b.Enqueue(f)
	b.Request(0)
	got := <-b.Out(0)
	assert.Equal(t, payload, got.Payload)
}
