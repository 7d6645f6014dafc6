package audio

import (
	"encoding/binary"
	"fmt"
	"time"

	"layeh.com/gopus"
)

const (
	opusFrameMs      = 20
	opusGranuleRate  = 48000
	opusPreSkip      = 312
	opusMaxPacket    = 4000
	opusVendorString = "voicechat"
)

// opusEncoder produces an Ogg Opus file from PCM written in arbitrary sizes.
type opusEncoder struct {
	enc        *gopus.Encoder
	sampleRate int
	channels   int
	frameSize  int // samples per channel per frame
	pending    []int16
	packets    [][]byte
}

func newOpusEncoder(sampleRate, channels int) (*opusEncoder, error) {
	if channels <= 0 {
		channels = 1
	}
	enc, err := gopus.NewEncoder(sampleRate, channels, gopus.Voip)
	if err != nil {
		return nil, fmt.Errorf("audio: create opus encoder: %w", err)
	}
	return &opusEncoder{
		enc:        enc,
		sampleRate: sampleRate,
		channels:   channels,
		frameSize:  sampleRate * opusFrameMs / 1000,
	}, nil
}

func (e *opusEncoder) Write(pcm []int16) error {
	e.pending = append(e.pending, pcm...)
	step := e.frameSize * e.channels
	for len(e.pending) >= step {
		if err := e.encodeFrame(e.pending[:step]); err != nil {
			return err
		}
		e.pending = e.pending[step:]
	}
	return nil
}

func (e *opusEncoder) encodeFrame(frame []int16) error {
	packet, err := e.enc.Encode(frame, e.frameSize, opusMaxPacket)
	if err != nil {
		return fmt.Errorf("audio: opus encode: %w", err)
	}
	e.packets = append(e.packets, packet)
	return nil
}

func (e *opusEncoder) Close() ([]byte, error) {
	if len(e.pending) > 0 {
		frame := make([]int16, e.frameSize*e.channels)
		copy(frame, e.pending)
		e.pending = nil
		if err := e.encodeFrame(frame); err != nil {
			return nil, err
		}
	}
	if len(e.packets) == 0 {
		return nil, nil
	}

	w := &oggWriter{serial: uint32(time.Now().UnixNano())}
	w.writePage(e.idHeader(), 0, oggFlagBOS)
	w.writePage(e.commentHeader(), 0, 0)

	granulePerFrame := uint64(opusGranuleRate * opusFrameMs / 1000)
	var granule uint64
	for i, p := range e.packets {
		granule += granulePerFrame
		var flags byte
		if i == len(e.packets)-1 {
			flags = oggFlagEOS
		}
		w.writePage(p, granule, flags)
	}
	e.packets = nil
	return w.buf.Bytes(), nil
}

func (e *opusEncoder) idHeader() []byte {
	h := make([]byte, 19)
	copy(h[0:8], "OpusHead")
	h[8] = 1
	h[9] = byte(e.channels)
	binary.LittleEndian.PutUint16(h[10:12], opusPreSkip)
	binary.LittleEndian.PutUint32(h[12:16], uint32(e.sampleRate))
	// output gain 0, mapping family 0
	return h
}

func (e *opusEncoder) commentHeader() []byte {
	h := make([]byte, 8+4+len(opusVendorString)+4)
	copy(h[0:8], "OpusTags")
	binary.LittleEndian.PutUint32(h[8:12], uint32(len(opusVendorString)))
	copy(h[12:], opusVendorString)
	return h
}

func (e *opusEncoder) MimeType() string  { return "audio/ogg; codecs=opus" }
func (e *opusEncoder) Extension() string { return "ogg" }
