package orchestrator

import (
	"fmt"
	"sync"
	"time"

	"github.com/lokutor-ai/voicechat/pkg/audio"
	"github.com/lokutor-ai/voicechat/pkg/pipeline"
)

type RecorderState int

const (
	RecorderIdle RecorderState = iota
	RecorderRecording
	RecorderStopping
)

func (s RecorderState) String() string {
	switch s {
	case RecorderRecording:
		return "recording"
	case RecorderStopping:
		return "stopping"
	}
	return "idle"
}

// UtteranceRecorder encodes the gated stream between Start and Stop into one
// payload. Write is installed as the graph's sink and may run on the audio
// goroutine.
type UtteranceRecorder struct {
	format     string
	sampleRate int

	mu      sync.Mutex
	state   RecorderState
	enc     audio.Encoder
	samples int
	err     error
}

func NewUtteranceRecorder(format string, sampleRate int) *UtteranceRecorder {
	return &UtteranceRecorder{format: format, sampleRate: sampleRate}
}

// Start begins a new utterance. It returns false without error when a
// recording is running or the previous one is still being finalized.
func (r *UtteranceRecorder) Start() (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != RecorderIdle {
		return false, nil
	}
	enc, err := audio.NewEncoder(r.format, r.sampleRate, 1)
	if err != nil {
		return false, fmt.Errorf("recorder: %w", err)
	}
	r.enc = enc
	r.samples = 0
	r.err = nil
	r.state = RecorderRecording
	return true, nil
}

// Write appends gated samples while recording.
func (r *UtteranceRecorder) Write(buf []float32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != RecorderRecording || r.err != nil {
		return
	}
	if err := r.enc.Write(audio.Float32ToPCM16(buf)); err != nil {
		r.err = err
		return
	}
	r.samples += len(buf)
}

// Stop finalizes the utterance. A recording without audio yields a nil
// payload and no error. Calling Stop while idle is a no-op.
func (r *UtteranceRecorder) Stop() (*pipeline.UtterancePayload, error) {
	r.mu.Lock()
	if r.state != RecorderRecording {
		r.mu.Unlock()
		return nil, nil
	}
	r.state = RecorderStopping
	enc, samples, werr := r.enc, r.samples, r.err
	r.enc = nil
	r.mu.Unlock()

	// Encoding can take a while for long utterances; Start is refused until
	// it has finished.
	data, err := enc.Close()

	r.mu.Lock()
	r.state = RecorderIdle
	r.mu.Unlock()

	if werr != nil {
		return nil, fmt.Errorf("recorder: encode: %w", werr)
	}
	if err != nil {
		return nil, fmt.Errorf("recorder: finalize: %w", err)
	}
	if samples == 0 || len(data) == 0 {
		return nil, nil
	}
	return &pipeline.UtterancePayload{
		Data:      data,
		MimeType:  enc.MimeType(),
		Extension: enc.Extension(),
		Duration:  time.Duration(samples) * time.Second / time.Duration(r.sampleRate),
	}, nil
}

// Abort drops the current recording.
func (r *UtteranceRecorder) Abort() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state == RecorderRecording {
		r.enc = nil
		r.state = RecorderIdle
	}
}

func (r *UtteranceRecorder) State() RecorderState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}
