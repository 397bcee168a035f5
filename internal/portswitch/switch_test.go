package portswitch

import (
	"testing"
	"time"

	"github.com/cwsl/sdrmac/internal/macframe"
	"github.com/stretchr/testify/assert"
)

func TestSwitchDropsWhenNoneSelected(t *testing.T) {
	s := New()
	defer s.Close()

	s.In(2) <- macframe.Frame{Payload: []byte("x")}
	select {
	case <-s.Out(2):
		t.Fatal("expected drop with no port selected")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSwitchForwardsSelectedPortOnly(t *testing.T) {
	s := New()
	defer s.Close()

	s.Select(1)
	s.In(1) <- macframe.Frame{Payload: []byte("one")}
	s.In(0) <- macframe.Frame{Payload: []byte("zero")}

	select {
	case f := <-s.Out(1):
		assert.Equal(t, []byte("one"), f.Payload)
	case <-time.After(time.Second):
		t.Fatal("timed out")
	}

	select {
	case <-s.Out(0):
		t.Fatal("port 0 should have been dropped")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSwitchSelectedAccessor(t *testing.T) {
	s := New()
	defer s.Close()
	assert.Equal(t, None, s.Selected())
	s.Select(3)
	assert.Equal(t, 3, s.Selected())
}
