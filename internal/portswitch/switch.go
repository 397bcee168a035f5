// Package portswitch implements the N-port frame multiplexer that decides
// which MAC's traffic goes on: a single control selection decides which
// input port's traffic reaches its matching output. cmd/sdrmacd feeds each
// MAC's PHY-bound frames into its own input port, so the switch sits
// between the MACs and the PHY, not between the frame buffer and a MAC.
package portswitch

import (
	"sync/atomic"

	"github.com/cwsl/sdrmac/internal/macframe"
)

// NumPorts is the number of input/output port pairs the switch exposes.
const NumPorts = 5

// None means "drop everything", the initial state.
const None = -1

// Switch fans each input port K to output port K iff K is currently selected.
type Switch struct {
	selected atomic.Int32
	in       [NumPorts]chan macframe.Frame
	out      [NumPorts]chan macframe.Frame
	done     chan struct{}
}

// New creates a Switch with no port selected and starts its forwarding loops.
func New() *Switch {
	s := &Switch{done: make(chan struct{})}
	s.selected.Store(None)
	for i := range s.in {
		s.in[i] = make(chan macframe.Frame, 16)
		s.out[i] = make(chan macframe.Frame, 16)
	}
	for i := 0; i < NumPorts; i++ {
		go s.forward(i)
	}
	return s
}

func (s *Switch) forward(port int) {
	for {
		select {
		case f := <-s.in[port]:
			if int(s.selected.Load()) == port {
				s.out[port] <- f
			}
		case <-s.done:
			return
		}
	}
}

// In returns the send side of input port i.
func (s *Switch) In(i int) chan<- macframe.Frame { return s.in[i] }

// Out returns the receive side of output port i.
func (s *Switch) Out(i int) <-chan macframe.Frame { return s.out[i] }

// Select sets the active port. Valid values are None and 0..NumPorts-1.
func (s *Switch) Select(id int) {
	s.selected.Store(int32(id))
}

// Selected returns the currently active port id.
func (s *Switch) Selected() int {
	return int(s.selected.Load())
}

// Close stops the switch's forwarding goroutines.
func (s *Switch) Close() {
	close(s.done)
}
