// Package graph implements the microphone processing chain:
//
//	mic → high-pass → low-pass → pre-gain → compressor ─┬→ analyser tap
//	                                                     └→ gate → recording sink
//
// The analyser sees the signal before the gate so that voice detection keeps
// working while the gate is closed. A Graph is built once per session and
// closed as a unit.
package graph

import (
	"errors"
	"sync"
	"time"
)

// Pre-gain limits.
const (
	MinPreGain = 0.5
	MaxPreGain = 3.0
)

// ErrInvalidSampleRate is returned by New for a non-positive sample rate.
var ErrInvalidSampleRate = errors.New("graph: sample rate must be positive")

// Config describes the fixed topology's parameters.
type Config struct {
	SampleRate   int
	HighPassHz   float64
	LowPassHz    float64
	Q            float64
	PreGain      float64
	PreGainRamp  time.Duration
	Compressor   CompressorConfig
	AnalyserSize int

	GateOpenLevel   float64
	GateClosedLevel float64
	GateAttack      time.Duration
	GateRelease     time.Duration
}

// DefaultConfig returns the speech-band defaults for sampleRate.
func DefaultConfig(sampleRate int) Config {
	return Config{
		SampleRate:  sampleRate,
		HighPassHz:  120,
		LowPassHz:   4000,
		Q:           0.707,
		PreGain:     1.0,
		PreGainRamp: 50 * time.Millisecond,
		Compressor: CompressorConfig{
			ThresholdDB: -24,
			KneeDB:      30,
			Ratio:       12,
			Attack:      3 * time.Millisecond,
			Release:     250 * time.Millisecond,
		},
		AnalyserSize:    1024,
		GateOpenLevel:   1.0,
		GateClosedLevel: 0.04,
		GateAttack:      15 * time.Millisecond,
		GateRelease:     80 * time.Millisecond,
	}
}

// Graph owns every node of one session's processing chain.
type Graph struct {
	mu         sync.Mutex
	cfg        Config
	chain      []Node
	preGain    *Gain
	compressor *Compressor
	analyser   *Analyser
	gate       *Gate
	sink       func([]float32)
	closed     bool
}

// New builds the graph. The gate starts closed.
func New(cfg Config) (*Graph, error) {
	if cfg.SampleRate <= 0 {
		return nil, ErrInvalidSampleRate
	}
	sr := cfg.SampleRate

	// The low-pass cutoff must stay below Nyquist.
	if nyquist := float64(sr) / 2; cfg.LowPassHz >= nyquist {
		cfg.LowPassHz = nyquist * 0.9
	}

	g := &Graph{
		cfg:        cfg,
		preGain:    &Gain{Param: NewParam(clampPreGain(cfg.PreGain), sr)},
		compressor: NewCompressor(cfg.Compressor, sr),
		analyser:   NewAnalyser(cfg.AnalyserSize),
		gate: &Gate{
			Param:       NewParam(cfg.GateClosedLevel, sr),
			OpenLevel:   cfg.GateOpenLevel,
			ClosedLevel: cfg.GateClosedLevel,
			Attack:      cfg.GateAttack,
			Release:     cfg.GateRelease,
		},
	}
	g.chain = []Node{
		NewBiquad(HighPass, cfg.HighPassHz, cfg.Q, sr),
		NewBiquad(LowPass, cfg.LowPassHz, cfg.Q, sr),
		g.preGain,
		g.compressor,
	}
	return g, nil
}

func clampPreGain(v float64) float64 {
	switch {
	case v < MinPreGain:
		return MinPreGain
	case v > MaxPreGain:
		return MaxPreGain
	}
	return v
}

// SetSink installs the consumer of gated audio (the recorder). nil detaches it.
func (g *Graph) SetSink(sink func([]float32)) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return
	}
	g.sink = sink
}

// Process runs one block of raw microphone samples through the chain. The
// input slice is not modified.
func (g *Graph) Process(in []float32) {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return
	}
	buf := make([]float32, len(in))
	copy(buf, in)
	for _, n := range g.chain {
		n.Process(buf)
	}
	g.analyser.Write(buf)
	g.gate.Process(buf)
	sink := g.sink
	g.mu.Unlock()

	if sink != nil {
		sink(buf)
	}
}

// Analyser returns the ungated analysis tap.
func (g *Graph) Analyser() *Analyser { return g.analyser }

// SetPreGain ramps the pre-gain to v, clamped to [MinPreGain, MaxPreGain].
func (g *Graph) SetPreGain(v float64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return
	}
	g.preGain.Param.SetTargetAtTime(clampPreGain(v), g.cfg.PreGainRamp)
}

// PreGain is the pre-gain target.
func (g *Graph) PreGain() float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.preGain.Param.Target()
}

// SetGateOpen retargets the noise gate.
func (g *Graph) SetGateOpen(open bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return
	}
	g.gate.SetOpen(open)
}

// GateLevel is the gate's current smoothed gain.
func (g *Graph) GateLevel() float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.gate.Param.Value()
}

// CompressorReductionDB reports the compressor's current gain reduction.
func (g *Graph) CompressorReductionDB() float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.compressor.ReductionDB()
}

// Close detaches the sink and drops every node. Further calls are no-ops.
func (g *Graph) Close() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.closed = true
	g.sink = nil
	g.chain = nil
}

// Closed reports whether Close has been called.
func (g *Graph) Closed() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.closed
}
