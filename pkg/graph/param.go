package graph

import (
	"math"
	"time"
)

// Param is a per-sample smoothed control value. Targets are approached
// exponentially with a time constant, like an audio-rate setTargetAtTime,
// so that gain changes never produce clicks.
type Param struct {
	value      float64
	target     float64
	coeff      float64
	sampleRate float64
}

// NewParam creates a param resting at v.
func NewParam(v float64, sampleRate int) *Param {
	return &Param{value: v, target: v, coeff: 1, sampleRate: float64(sampleRate)}
}

// SetTargetAtTime starts an exponential approach to target. A non-positive
// time constant jumps on the next sample.
func (p *Param) SetTargetAtTime(target float64, timeConstant time.Duration) {
	p.target = target
	if timeConstant <= 0 || p.sampleRate <= 0 {
		p.coeff = 1
		return
	}
	p.coeff = 1 - math.Exp(-1/(timeConstant.Seconds()*p.sampleRate))
}

// SetValue jumps immediately.
func (p *Param) SetValue(v float64) {
	p.value = v
	p.target = v
	p.coeff = 1
}

// Next advances one sample and returns the new value.
func (p *Param) Next() float64 {
	p.value += (p.target - p.value) * p.coeff
	return p.value
}

// Value is the current (smoothed) value.
func (p *Param) Value() float64 { return p.value }

// Target is the value being approached.
func (p *Param) Target() float64 { return p.target }
