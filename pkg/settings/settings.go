// Package settings holds the user-facing configuration snapshot, the
// personality catalog and a file-backed store with change notification.
package settings

import (
	"errors"
	"fmt"
	"time"
)

// TTS provider identifiers understood by the pipeline endpoint.
const (
	ProviderPiper  = "piper"
	ProviderCoqui  = "coqui"
	ProviderOpenAI = "openai"
)

// Tuning holds the provider-specific synthesis knobs.
type Tuning struct {
	Speed       float64 `yaml:"speed" json:"speed"`
	Pitch       float64 `yaml:"pitch" json:"pitch"`
	Temperature float64 `yaml:"temperature" json:"temperature"`
}

// Settings is one configuration snapshot. A session reads it once at start
// and again only on an explicit restart.
type Settings struct {
	SystemPrompt      string  `yaml:"systemPrompt" json:"systemPrompt"`
	Greeting          string  `yaml:"greeting" json:"greeting"`
	Volume            float64 `yaml:"volume" json:"volume"`
	Voice             string  `yaml:"voice" json:"voice"`
	VADThreshold      float64 `yaml:"vadThreshold" json:"vadThreshold"`
	SilenceDurationMs int     `yaml:"silenceDurationMs" json:"silenceDurationMs"`
	Temperature       float64 `yaml:"temperature" json:"temperature"`
	AILanguage        string  `yaml:"aiLanguage" json:"aiLanguage"`
	MicGain           float64 `yaml:"micGain" json:"micGain"`
	TTSProvider       string  `yaml:"ttsProvider" json:"ttsProvider"`
	TTSModel          string  `yaml:"ttsModel" json:"ttsModel"`
	PersonalityID     string  `yaml:"personalityId,omitempty" json:"personalityId,omitempty"`

	Piper  Tuning `yaml:"piper" json:"piper"`
	Coqui  Tuning `yaml:"coqui" json:"coqui"`
	OpenAI Tuning `yaml:"openai" json:"openai"`
}

// Default returns the settings used when no file exists yet.
func Default() Settings {
	return Settings{
		SystemPrompt:      "You are a helpful voice assistant. Keep answers short and conversational.",
		Volume:            1.0,
		Voice:             "alloy",
		VADThreshold:      0.5,
		SilenceDurationMs: 800,
		Temperature:       0.7,
		AILanguage:        "en",
		MicGain:           1.0,
		TTSProvider:       ProviderPiper,
		Piper:             Tuning{Speed: 1.0, Pitch: 1.0, Temperature: 0.667},
		Coqui:             Tuning{Speed: 1.0, Pitch: 1.0, Temperature: 0.75},
		OpenAI:            Tuning{Speed: 1.0, Pitch: 1.0, Temperature: 1.0},
	}
}

// ProviderTuning returns the knobs of the active TTS provider.
func (s Settings) ProviderTuning() Tuning {
	switch s.TTSProvider {
	case ProviderCoqui:
		return s.Coqui
	case ProviderOpenAI:
		return s.OpenAI
	default:
		return s.Piper
	}
}

// SilenceDuration is SilenceDurationMs as a duration.
func (s Settings) SilenceDuration() time.Duration {
	return time.Duration(s.SilenceDurationMs) * time.Millisecond
}

// Validate reports every out-of-range field.
func (s Settings) Validate() error {
	var errs []error
	if s.Volume < 0 || s.Volume > 2 {
		errs = append(errs, fmt.Errorf("volume %v must be within [0, 2]", s.Volume))
	}
	if s.MicGain < 0.5 || s.MicGain > 3 {
		errs = append(errs, fmt.Errorf("micGain %v must be within [0.5, 3]", s.MicGain))
	}
	if s.VADThreshold < 0 || s.VADThreshold > 1 {
		errs = append(errs, fmt.Errorf("vadThreshold %v must be within [0, 1]", s.VADThreshold))
	}
	if s.SilenceDurationMs <= 0 {
		errs = append(errs, fmt.Errorf("silenceDurationMs %d must be positive", s.SilenceDurationMs))
	}
	if s.Temperature < 0 || s.Temperature > 2 {
		errs = append(errs, fmt.Errorf("temperature %v must be within [0, 2]", s.Temperature))
	}
	switch s.TTSProvider {
	case "", ProviderPiper, ProviderCoqui, ProviderOpenAI:
	default:
		errs = append(errs, fmt.Errorf("ttsProvider %q is not one of piper, coqui, openai", s.TTSProvider))
	}
	return errors.Join(errs...)
}
