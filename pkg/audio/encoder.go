package audio

import (
	"fmt"
	"strings"
)

// Recording container formats understood by NewEncoder.
const (
	FormatWav  = "wav"
	FormatOpus = "opus"
)

// Encoder turns PCM into a single utterance container.
type Encoder interface {
	// Write appends interleaved PCM samples.
	Write(pcm []int16) error
	// Close finalises the container. It returns nil data when nothing was written.
	Close() ([]byte, error)
	// MimeType is the declared type of the produced container.
	MimeType() string
	// Extension is a filename extension without the dot.
	Extension() string
}

// NewEncoder creates an encoder for the named format.
func NewEncoder(format string, sampleRate, channels int) (Encoder, error) {
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", FormatWav:
		return &wavEncoder{sampleRate: sampleRate, channels: channels}, nil
	case FormatOpus:
		return newOpusEncoder(sampleRate, channels)
	default:
		return nil, fmt.Errorf("audio: unknown recording format %q", format)
	}
}

type wavEncoder struct {
	sampleRate int
	channels   int
	pcm        []int16
}

func (e *wavEncoder) Write(pcm []int16) error {
	e.pcm = append(e.pcm, pcm...)
	return nil
}

func (e *wavEncoder) Close() ([]byte, error) {
	if len(e.pcm) == 0 {
		return nil, nil
	}
	data := NewWavBuffer(Int16sToBytes(e.pcm), e.sampleRate, e.channels)
	e.pcm = nil
	return data, nil
}

func (e *wavEncoder) MimeType() string  { return "audio/wav" }
func (e *wavEncoder) Extension() string { return "wav" }
