package graph

import (
	"sync"

	"github.com/lokutor-ai/voicechat/pkg/audio"
)

// Analyser keeps the most recent fixed-size window of samples. Writers and
// readers may run on different goroutines; reads never mutate.
type Analyser struct {
	mu   sync.RWMutex
	ring []float32
	pos  int
}

// NewAnalyser creates a tap holding size samples.
func NewAnalyser(size int) *Analyser {
	if size <= 0 {
		size = 2048
	}
	return &Analyser{ring: make([]float32, size)}
}

// Size is the window length in samples.
func (a *Analyser) Size() int { return len(a.ring) }

// Write appends samples, overwriting the oldest.
func (a *Analyser) Write(buf []float32) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, s := range buf {
		a.ring[a.pos] = s
		a.pos++
		if a.pos == len(a.ring) {
			a.pos = 0
		}
	}
}

// Window copies the current window, oldest first, into dst (grown as needed).
// Before the ring has filled the unwritten part reads as silence.
func (a *Analyser) Window(dst []float32) []float32 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if cap(dst) < len(a.ring) {
		dst = make([]float32, len(a.ring))
	}
	dst = dst[:len(a.ring)]
	n := copy(dst, a.ring[a.pos:])
	copy(dst[n:], a.ring[:a.pos])
	return dst
}

// RMS computes the RMS of the current window.
func (a *Analyser) RMS() float64 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return audio.FloatRMS(a.ring)
}
