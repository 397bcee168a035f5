// Package carriersense implements the streaming energy detector used by
// both MACs to decide whether the medium is currently busy. It consumes a
// stream of complex baseband samples and, on request, measures the maximum
// per-sample power observed over a requested window.
//
// Resolved open question (spec leaves both variants in the original source):
// the reply carries the raw measured power, not a "busy"/"idle" symbol. Both
// CSMA/CA and TDMA's channel-busy check compare this value against their own
// threshold, matching the newer of the two source variants.
package carriersense

import (
	"math"
	"math/cmplx"
	"sync"
	"time"
)

// blockSize is the number of samples processed between wall-clock checks.
const blockSize = 8

// negInf is the sentinel "lower than any real power" starting value for a
// fresh measurement window.
const negInf = -10000

// CarrierSense measures the maximum received power over a requested window.
type CarrierSense struct {
	numSamples int
	gainDB     float64

	mu       sync.Mutex
	active   bool
	start    time.Time
	window   time.Duration
	maxPower float64

	result chan float64
}

// New creates a CarrierSense with the given sample-count normalization and
// receiver gain, both baked into the power formula at construction time.
func New(numSamples int, gainDB float64) *CarrierSense {
	return &CarrierSense{
		numSamples: numSamples,
		gainDB:     gainDB,
		result:     make(chan float64, 1),
	}
}

// Result is the channel on which a single power measurement is delivered
// once a requested window elapses.
func (cs *CarrierSense) Result() <-chan float64 { return cs.result }

// Request starts one measurement window of the given duration. The
// component is single-shot per request: while a measurement is already in
// progress, additional requests are ignored.
func (cs *CarrierSense) Request(window time.Duration) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if cs.active {
		return
	}
	cs.active = true
	cs.start = time.Now()
	cs.window = window
	cs.maxPower = negInf
}

// Feed processes a chunk of complex baseband samples. It is a no-op unless a
// measurement window is currently active. Power is computed in blocks of 8
// samples between wall-clock checks; once the window has elapsed, the
// maximum observed power is published on Result and the window closes.
func (cs *CarrierSense) Feed(samples []complex64) {
	cs.mu.Lock()
	if !cs.active {
		cs.mu.Unlock()
		return
	}

	elapsed := false
	for i := 0; i < len(samples); {
		end := i + blockSize
		if end > len(samples) {
			end = len(samples)
		}
		for ; i < end; i++ {
			p := samplePower(samples[i], cs.numSamples, cs.gainDB)
			if p > cs.maxPower {
				cs.maxPower = p
			}
		}
		if time.Since(cs.start) >= cs.window {
			elapsed = true
			break
		}
	}

	var power float64
	if elapsed {
		power = cs.maxPower
		cs.active = false
	}
	cs.mu.Unlock()

	if elapsed {
		cs.result <- power
	}
}

func samplePower(z complex64, numSamples int, gainDB float64) float64 {
	mag := cmplx.Abs(complex128(z))
	return 20*math.Log10(mag/float64(numSamples)) + 10 - gainDB
}
