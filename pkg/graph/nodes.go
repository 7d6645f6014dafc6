package graph

import (
	"math"
	"time"
)

// Node transforms a block of mono samples in place.
type Node interface {
	Process(buf []float32)
}

// FilterType selects the biquad response.
type FilterType int

const (
	HighPass FilterType = iota
	LowPass
)

// Biquad is a second-order IIR filter (RBJ cookbook coefficients, transposed
// direct form II).
type Biquad struct {
	b0, b1, b2, a1, a2 float64
	z1, z2             float64
}

// NewBiquad designs a high- or low-pass filter at cutoff Hz.
func NewBiquad(kind FilterType, cutoff, q float64, sampleRate int) *Biquad {
	w0 := 2 * math.Pi * cutoff / float64(sampleRate)
	cosw := math.Cos(w0)
	alpha := math.Sin(w0) / (2 * q)
	a0 := 1 + alpha

	f := &Biquad{
		a1: -2 * cosw / a0,
		a2: (1 - alpha) / a0,
	}
	switch kind {
	case HighPass:
		f.b0 = (1 + cosw) / 2 / a0
		f.b1 = -(1 + cosw) / a0
		f.b2 = (1 + cosw) / 2 / a0
	default:
		f.b0 = (1 - cosw) / 2 / a0
		f.b1 = (1 - cosw) / a0
		f.b2 = (1 - cosw) / 2 / a0
	}
	return f
}

func (f *Biquad) Process(buf []float32) {
	for i, s := range buf {
		x := float64(s)
		y := f.b0*x + f.z1
		f.z1 = f.b1*x - f.a1*y + f.z2
		f.z2 = f.b2*x - f.a2*y
		buf[i] = float32(y)
	}
}

// Gain multiplies by a smoothed factor.
type Gain struct {
	Param *Param
}

func (g *Gain) Process(buf []float32) {
	for i, s := range buf {
		buf[i] = s * float32(g.Param.Next())
	}
}

// CompressorConfig mirrors the usual dynamics-compressor controls.
type CompressorConfig struct {
	ThresholdDB float64
	KneeDB      float64
	Ratio       float64
	Attack      time.Duration
	Release     time.Duration
}

// Compressor is a feed-forward, soft-knee peak compressor.
type Compressor struct {
	cfg          CompressorConfig
	attackCoeff  float64
	releaseCoeff float64
	reductionDB  float64
}

// NewCompressor creates a compressor running at sampleRate.
func NewCompressor(cfg CompressorConfig, sampleRate int) *Compressor {
	if cfg.Ratio < 1 {
		cfg.Ratio = 1
	}
	return &Compressor{
		cfg:          cfg,
		attackCoeff:  smoothingCoeff(cfg.Attack, sampleRate),
		releaseCoeff: smoothingCoeff(cfg.Release, sampleRate),
	}
}

func smoothingCoeff(d time.Duration, sampleRate int) float64 {
	if d <= 0 {
		return 0
	}
	return math.Exp(-1 / (d.Seconds() * float64(sampleRate)))
}

// staticCurve returns the output level in dB for an input level in dB.
func (c *Compressor) staticCurve(in float64) float64 {
	t, w, r := c.cfg.ThresholdDB, c.cfg.KneeDB, c.cfg.Ratio
	over := in - t
	switch {
	case 2*over < -w:
		return in
	case w > 0 && 2*math.Abs(over) <= w:
		k := over + w/2
		return in + (1/r-1)*k*k/(2*w)
	default:
		return t + over/r
	}
}

func (c *Compressor) Process(buf []float32) {
	for i, s := range buf {
		level := math.Abs(float64(s))
		target := 0.0
		if level > 1e-9 {
			in := 20 * math.Log10(level)
			target = c.staticCurve(in) - in
		}
		coeff := c.releaseCoeff
		if target < c.reductionDB {
			coeff = c.attackCoeff
		}
		c.reductionDB = coeff*c.reductionDB + (1-coeff)*target
		buf[i] = s * float32(math.Pow(10, c.reductionDB/20))
	}
}

// ReductionDB is the current gain reduction (<= 0).
func (c *Compressor) ReductionDB() float64 { return c.reductionDB }

// Gate attenuates towards a floor when closed. Opening is fast, closing
// slow, so speech onsets are not clipped and tails fade out.
type Gate struct {
	Param       *Param
	OpenLevel   float64
	ClosedLevel float64
	Attack      time.Duration
	Release     time.Duration
	open        bool
}

// SetOpen retargets the gate. Calls that do not change state are ignored so
// an in-flight ramp is not restarted every tick.
func (g *Gate) SetOpen(open bool) {
	if open == g.open {
		return
	}
	g.open = open
	if open {
		g.Param.SetTargetAtTime(g.OpenLevel, g.Attack)
	} else {
		g.Param.SetTargetAtTime(g.ClosedLevel, g.Release)
	}
}

// IsOpen reports the last requested state.
func (g *Gate) IsOpen() bool { return g.open }

func (g *Gate) Process(buf []float32) {
	for i, s := range buf {
		buf[i] = s * float32(g.Param.Next())
	}
}
