package orchestrator

import (
	"context"
	"time"

	"github.com/lokutor-ai/voicechat/pkg/audio"
	"github.com/lokutor-ai/voicechat/pkg/pipeline"
)

type Logger interface {
	Debug(msg string, args ...interface{})

	Info(msg string, args ...interface{})

	Warn(msg string, args ...interface{})

	Error(msg string, args ...interface{})
}

type NoOpLogger struct{}

func (n *NoOpLogger) Debug(msg string, args ...interface{}) {}
func (n *NoOpLogger) Info(msg string, args ...interface{})  {}
func (n *NoOpLogger) Warn(msg string, args ...interface{})  {}
func (n *NoOpLogger) Error(msg string, args ...interface{}) {}

// Metrics receives session telemetry. All methods must be cheap and
// non-blocking.
type Metrics interface {
	SetState(s State)
	ObserveVAD(speaking bool)
	ObserveUtterance(bytes int, d time.Duration)
	ObservePipeline(elapsed time.Duration, t pipeline.Timings, err error)
	ObservePlayback(res PlaybackResult, err error)
}

type NoOpMetrics struct{}

func (NoOpMetrics) SetState(State)                                         {}
func (NoOpMetrics) ObserveVAD(bool)                                        {}
func (NoOpMetrics) ObserveUtterance(int, time.Duration)                    {}
func (NoOpMetrics) ObservePipeline(time.Duration, pipeline.Timings, error) {}
func (NoOpMetrics) ObservePlayback(PlaybackResult, error)                  {}

// State is the session's externally visible state.
type State string

const (
	StateIdle       State = "idle"
	StateConnecting State = "connecting"
	StateListening  State = "listening"
	StateSpeaking   State = "speaking"
	StateError      State = "error"
)

type EventType string

const (
	StateChanged      EventType = "STATE_CHANGED"
	UserSpeaking      EventType = "USER_SPEAKING"
	UserStopped       EventType = "USER_STOPPED"
	UtteranceCaptured EventType = "UTTERANCE_CAPTURED"
	TranscriptFinal   EventType = "TRANSCRIPT_FINAL"
	// BotResponse carries the assistant's textual response (payload is string)
	BotResponse      EventType = "BOT_RESPONSE"
	BotSpeaking      EventType = "BOT_SPEAKING"
	PlaybackFinished EventType = "PLAYBACK_FINISHED"
	TimingsReported  EventType = "TIMINGS"
	ErrorEvent       EventType = "ERROR"
	ErrorCleared     EventType = "ERROR_CLEARED"
)

type OrchestratorEvent struct {
	Type      EventType   `json:"type"`
	SessionID string      `json:"session_id"`
	Data      interface{} `json:"data,omitempty"`
}

// ErrorInfo is the payload of an ErrorEvent.
type ErrorInfo struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

// CaptureConstraints are requested from the capture device. Automatic gain
// control stays off because the processing graph does its own gain staging.
type CaptureConstraints struct {
	SampleRate       int
	Channels         int
	EchoCancellation bool
	NoiseSuppression bool
	AutoGainControl  bool
}

func DefaultCaptureConstraints(sampleRate int) CaptureConstraints {
	return CaptureConstraints{
		SampleRate:       sampleRate,
		Channels:         1,
		EchoCancellation: true,
		NoiseSuppression: true,
		AutoGainControl:  false,
	}
}

// Microphone hands out capture tracks. onFrame receives mono samples in
// [-1, 1] and must not retain the slice.
type Microphone interface {
	Acquire(ctx context.Context, c CaptureConstraints, onFrame func([]float32)) (MicTrack, error)
}

type MicTrack interface {
	Stop() error
}

// Processor runs one pipeline request. *pipeline.Client implements it.
type Processor interface {
	Process(ctx context.Context, req pipeline.Request) (*pipeline.Response, error)
}

// VolumeControl is implemented by outputs whose level can change live.
type VolumeControl interface {
	SetVolume(v float64)
}

// Config holds the session timing and format parameters.
type Config struct {
	SampleRate          int
	RecordingFormat     string
	VADTick             time.Duration
	LevelTick           time.Duration
	RestartDebounce     time.Duration
	ErrorDisplayTimeout time.Duration
	QueueSize           int
	VAD                 VADConfig
}

func DefaultConfig() Config {
	return Config{
		SampleRate:          16000,
		RecordingFormat:     audio.FormatWav,
		VADTick:             50 * time.Millisecond,
		LevelTick:           33 * time.Millisecond,
		RestartDebounce:     120 * time.Millisecond,
		ErrorDisplayTimeout: 5 * time.Second,
		QueueSize:           4,
		VAD:                 DefaultVADConfig(),
	}
}
