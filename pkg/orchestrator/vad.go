package orchestrator

import (
	"time"
)

type VADEventType string

const (
	VADSpeechStart VADEventType = "SPEECH_START"
	VADSpeechEnd   VADEventType = "SPEECH_END"
)

type VADEvent struct {
	Type      VADEventType
	Timestamp time.Time
	RMS       float64
}

// VADConfig holds the adaptive detector's tunables. The defaults were found
// empirically; none of them is a hard contract.
type VADConfig struct {
	InitialNoiseFloor float64
	// Alpha is the noise floor's smoothing factor per tick (closer to 1 is slower).
	Alpha       float64
	BaseMargin  float64
	ScaleFactor float64
	// OffRatio scales the margin for the stay-speaking threshold; must be < 1.
	OffRatio float64
}

func DefaultVADConfig() VADConfig {
	return VADConfig{
		InitialNoiseFloor: 0.01,
		Alpha:             0.98,
		BaseMargin:        0.02,
		ScaleFactor:       0.06,
		OffRatio:          0.5,
	}
}

// AdaptiveVAD decides voice/silence from one RMS value per tick. It tracks
// the ambient noise floor while quiet and uses two thresholds above it so
// that levels near the boundary do not chatter.
//
// An AdaptiveVAD is driven by a single goroutine.
type AdaptiveVAD struct {
	cfg          VADConfig
	threshold    float64
	silenceLimit time.Duration

	noiseFloor float64
	isSpeaking bool
	voiceNow   bool
	lastVoice  time.Time
	lastRMS    float64
}

// NewAdaptiveVAD creates a detector. threshold is the user sensitivity in
// [0, 1]; higher values need louder speech.
func NewAdaptiveVAD(cfg VADConfig, threshold float64, silenceLimit time.Duration) *AdaptiveVAD {
	if cfg.OffRatio <= 0 || cfg.OffRatio >= 1 {
		cfg.OffRatio = 0.5
	}
	v := &AdaptiveVAD{cfg: cfg, silenceLimit: silenceLimit}
	v.SetThreshold(threshold)
	v.Reset()
	return v
}

// SetThreshold updates the sensitivity, clamped to [0, 1].
func (v *AdaptiveVAD) SetThreshold(threshold float64) {
	switch {
	case threshold < 0:
		threshold = 0
	case threshold > 1:
		threshold = 1
	}
	v.threshold = threshold
}

// Margin is the distance of the start threshold above the noise floor. A
// zero threshold still leaves the base margin.
func (v *AdaptiveVAD) Margin() float64 {
	return v.cfg.BaseMargin + v.cfg.ScaleFactor*v.threshold
}

// Thresholds returns the levels needed to start and to keep speaking.
func (v *AdaptiveVAD) Thresholds() (on, off float64) {
	m := v.Margin()
	return v.noiseFloor + m, v.noiseFloor + m*v.cfg.OffRatio
}

// NoiseFloor returns the current ambient estimate.
func (v *AdaptiveVAD) NoiseFloor() float64 { return v.noiseFloor }

// IsSpeaking returns true while an utterance is in progress
func (v *AdaptiveVAD) IsSpeaking() bool { return v.isSpeaking }

// VoiceNow reports whether the last tick was above the active threshold. It
// drives the gate; IsSpeaking also covers the silence hangover.
func (v *AdaptiveVAD) VoiceNow() bool { return v.voiceNow }

// LastRMS returns the RMS of the last tick
func (v *AdaptiveVAD) LastRMS() float64 { return v.lastRMS }

// Process consumes one tick and returns a speech start or end event, or nil.
func (v *AdaptiveVAD) Process(rms float64, now time.Time) *VADEvent {
	v.lastRMS = rms

	// The floor only follows the signal while quiet, so it cannot creep up
	// during speech and swallow the end of an utterance.
	if !v.isSpeaking {
		v.noiseFloor = v.noiseFloor*v.cfg.Alpha + rms*(1-v.cfg.Alpha)
	}

	on, off := v.Thresholds()
	if v.isSpeaking {
		v.voiceNow = rms > off
	} else {
		v.voiceNow = rms > on
	}

	switch {
	case !v.isSpeaking && v.voiceNow:
		v.isSpeaking = true
		v.lastVoice = now
		return &VADEvent{Type: VADSpeechStart, Timestamp: now, RMS: rms}
	case v.isSpeaking && v.voiceNow:
		v.lastVoice = now
	case v.isSpeaking && now.Sub(v.lastVoice) >= v.silenceLimit:
		v.isSpeaking = false
		return &VADEvent{Type: VADSpeechEnd, Timestamp: now, RMS: rms}
	}
	return nil
}

// Reset restores the initial floor and voice state.
func (v *AdaptiveVAD) Reset() {
	v.noiseFloor = v.cfg.InitialNoiseFloor
	v.isSpeaking = false
	v.voiceNow = false
	v.lastVoice = time.Time{}
	v.lastRMS = 0
}
