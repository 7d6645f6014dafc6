package device

import (
	"errors"
	"fmt"
	"math"
	"mime"
	"strconv"
	"strings"
	"sync"

	"github.com/gen2brain/malgo"

	"github.com/lokutor-ai/voicechat/pkg/audio"
	"github.com/lokutor-ai/voicechat/pkg/orchestrator"
)

// ErrStreamClosed is returned by Append after Abort or a failure.
var ErrStreamClosed = errors.New("device: stream closed")

// output is an opened playback device.
type output interface {
	Close()
}

// openFunc starts a device for f. pull fills out with PCM and is called from
// the device thread.
type openFunc func(f audio.WavFormat, pull func(out []byte)) (output, error)

// Speaker plays 16-bit PCM incrementally. It implements
// orchestrator.StreamSink and orchestrator.VolumeControl.
type Speaker struct {
	open openFunc

	mu     sync.Mutex
	volume float64
}

func NewSpeaker(ctx *Context) *Speaker {
	return &Speaker{open: malgoOutput(ctx), volume: 1}
}

func malgoOutput(ctx *Context) openFunc {
	return func(f audio.WavFormat, pull func([]byte)) (output, error) {
		cfg := malgo.DefaultDeviceConfig(malgo.Playback)
		cfg.Playback.Format = malgo.FormatS16
		cfg.Playback.Channels = uint32(f.Channels)
		cfg.SampleRate = uint32(f.SampleRate)
		cfg.Alsa.NoMMap = 1

		dev, err := malgo.InitDevice(ctx.mctx.Context, cfg, malgo.DeviceCallbacks{
			Data: func(out, _ []byte, _ uint32) { pull(out) },
		})
		if err != nil {
			return nil, classify(err)
		}
		if err := dev.Start(); err != nil {
			dev.Uninit()
			return nil, classify(err)
		}
		return malgoDevice{dev}, nil
	}
}

type malgoDevice struct{ dev *malgo.Device }

func (d malgoDevice) Close() { d.dev.Uninit() }

// SetVolume sets the output gain, clamped to [0, 2].
func (s *Speaker) SetVolume(v float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.volume = math.Max(0, math.Min(2, v))
}

func (s *Speaker) Volume() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.volume
}

// Supports reports whether contentType can be decoded incrementally:
// 16-bit WAV, or raw PCM that names its rate.
func (s *Speaker) Supports(contentType string) bool {
	_, _, err := parseContentType(contentType)
	return err == nil
}

func (s *Speaker) Open(contentType string) (orchestrator.StreamBuffer, error) {
	raw, format, err := parseContentType(contentType)
	if err != nil {
		return nil, err
	}
	if raw {
		return s.openPCM(format), nil
	}
	st := newStream(s)
	st.decoder = &audio.WavStreamDecoder{}
	return st, nil
}

// openPCM opens a stream for headerless 16-bit PCM in format f.
func (s *Speaker) openPCM(f audio.WavFormat) *stream {
	st := newStream(s)
	st.format = f
	st.known = true
	return st
}

func newStream(s *Speaker) *stream {
	return &stream{
		spk:     s,
		started: make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// parseContentType accepts audio/wav and its aliases, and
// audio/pcm;rate=N[;channels=M] (also audio/L16).
func parseContentType(ct string) (raw bool, f audio.WavFormat, err error) {
	mt, params, err := mime.ParseMediaType(ct)
	if err != nil {
		return false, f, fmt.Errorf("device: content type %q: %w", ct, err)
	}
	switch strings.ToLower(mt) {
	case "audio/wav", "audio/wave", "audio/x-wav", "audio/vnd.wave":
		return false, f, nil
	case "audio/pcm", "audio/l16":
		rate, err := strconv.Atoi(params["rate"])
		if err != nil || rate <= 0 {
			return false, f, fmt.Errorf("device: %s without a sample rate", mt)
		}
		channels := 1
		if c, err := strconv.Atoi(params["channels"]); err == nil && c > 0 {
			channels = c
		}
		return true, audio.WavFormat{SampleRate: rate, Channels: channels, BitsPerSample: 16}, nil
	}
	return false, f, fmt.Errorf("device: cannot stream %s", mt)
}

// stream is one response being played. Output starts with the first block
// of PCM and finishes once EndOfStream was called and the queue drained.
type stream struct {
	spk     *Speaker
	decoder *audio.WavStreamDecoder

	mu      sync.Mutex
	format  audio.WavFormat
	known   bool
	out     output
	pending []byte
	// partial holds the bytes of an incomplete raw frame.
	partial []byte
	ended   bool
	closed  bool
	err     error

	started   chan struct{}
	done      chan struct{}
	startOnce sync.Once
}

func (st *stream) Append(chunk []byte) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.closed {
		return ErrStreamClosed
	}

	var pcm []byte
	if st.decoder != nil {
		var err error
		pcm, err = st.decoder.Write(chunk)
		if err != nil {
			return err
		}
		if f, ok := st.decoder.Format(); ok && !st.known {
			st.format, st.known = f, true
		}
	} else {
		pcm = st.alignLocked(chunk)
	}
	if !st.known {
		return nil
	}
	st.pending = append(st.pending, pcm...)

	if st.out == nil && len(st.pending) > 0 {
		out, err := st.spk.open(st.format, st.pull)
		if err != nil {
			return err
		}
		st.out = out
	}
	return nil
}

// alignLocked returns the whole frames of partial+chunk and keeps the rest
// for the next call, so device reads never start mid-sample.
func (st *stream) alignLocked(chunk []byte) []byte {
	data := chunk
	if len(st.partial) > 0 {
		data = append(st.partial, chunk...)
	}
	usable := len(data) - len(data)%st.format.BlockAlign()
	st.partial = append([]byte(nil), data[usable:]...)
	return data[:usable]
}

func (st *stream) EndOfStream() {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.ended = true
	if st.closed {
		return
	}
	switch {
	case !st.known:
		st.finishLocked(fmt.Errorf("%w: stream ended before the header", audio.ErrNotWav))
	case st.out == nil || len(st.pending) == 0:
		st.finishLocked(nil)
	}
}

func (st *stream) Started() <-chan struct{} { return st.started }
func (st *stream) Done() <-chan struct{}    { return st.done }

func (st *stream) Err() error {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.err
}

func (st *stream) Abort() {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.pending = nil
	st.finishLocked(nil)
}

// pull runs on the device thread.
func (st *stream) pull(out []byte) {
	st.mu.Lock()
	n := copy(out, st.pending)
	st.pending = st.pending[n:]
	drained := st.ended && len(st.pending) == 0
	st.mu.Unlock()

	for i := n; i < len(out); i++ {
		out[i] = 0
	}
	if n > 0 {
		ApplyVolume(out[:n], st.spk.Volume())
		st.startOnce.Do(func() { close(st.started) })
	}
	if drained {
		// The device cannot be released from its own callback.
		go func() {
			st.mu.Lock()
			defer st.mu.Unlock()
			st.finishLocked(nil)
		}()
	}
}

func (st *stream) finishLocked(err error) {
	if st.closed {
		return
	}
	st.closed = true
	st.err = err
	if st.out != nil {
		out := st.out
		st.out = nil
		go out.Close()
	}
	close(st.done)
}

// ApplyVolume scales little-endian 16-bit PCM in place with clipping.
func ApplyVolume(pcm []byte, volume float64) {
	if volume == 1 {
		return
	}
	for i := 0; i+1 < len(pcm); i += 2 {
		v := float64(int16(uint16(pcm[i])|uint16(pcm[i+1])<<8)) * volume
		if v > math.MaxInt16 {
			v = math.MaxInt16
		} else if v < math.MinInt16 {
			v = math.MinInt16
		}
		s := uint16(int16(v))
		pcm[i] = byte(s)
		pcm[i+1] = byte(s >> 8)
	}
}
