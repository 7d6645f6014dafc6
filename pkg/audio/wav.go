package audio

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

const wavHeaderSize = 44

var (
	// ErrNotWav is returned when data does not start with a RIFF/WAVE header.
	ErrNotWav = errors.New("audio: not a RIFF/WAVE container")

	// ErrUnsupportedWav is returned for WAV encodings other than 16-bit PCM.
	ErrUnsupportedWav = errors.New("audio: unsupported WAV encoding (need 16-bit PCM)")
)

// WavFormat describes the PCM payload of a WAV container.
type WavFormat struct {
	SampleRate    int
	Channels      int
	BitsPerSample int
}

// BlockAlign is the size in bytes of one interleaved frame.
func (f WavFormat) BlockAlign() int {
	return f.Channels * f.BitsPerSample / 8
}

// NewWavBuffer wraps 16-bit little-endian PCM in a canonical 44-byte WAV header.
func NewWavBuffer(pcm []byte, sampleRate, channels int) []byte {
	if channels <= 0 {
		channels = 1
	}
	blockAlign := channels * 2
	buf := new(bytes.Buffer)
	buf.Grow(wavHeaderSize + len(pcm))

	buf.WriteString("RIFF")
	binary.Write(buf, binary.LittleEndian, uint32(36+len(pcm)))
	buf.WriteString("WAVE")

	buf.WriteString("fmt ")
	binary.Write(buf, binary.LittleEndian, uint32(16))
	binary.Write(buf, binary.LittleEndian, uint16(1))
	binary.Write(buf, binary.LittleEndian, uint16(channels))
	binary.Write(buf, binary.LittleEndian, uint32(sampleRate))
	binary.Write(buf, binary.LittleEndian, uint32(sampleRate*blockAlign))
	binary.Write(buf, binary.LittleEndian, uint16(blockAlign))
	binary.Write(buf, binary.LittleEndian, uint16(16))

	buf.WriteString("data")
	binary.Write(buf, binary.LittleEndian, uint32(len(pcm)))
	buf.Write(pcm)

	return buf.Bytes()
}

// DecodeWav parses a complete WAV file and returns its format and PCM data.
// A data chunk that claims more bytes than are present is truncated to what
// is available, which is what streaming TTS servers usually send.
func DecodeWav(data []byte) (WavFormat, []byte, error) {
	var d WavStreamDecoder
	pcm, err := d.Write(data)
	if err != nil {
		return WavFormat{}, nil, err
	}
	if !d.ready {
		return WavFormat{}, nil, fmt.Errorf("%w: header incomplete", ErrNotWav)
	}
	// Write holds back a partial frame; a complete file has none worth keeping.
	return d.format, pcm, nil
}

// WavStreamDecoder incrementally strips the WAV header from a byte stream and
// yields frame-aligned PCM as chunks arrive.
type WavStreamDecoder struct {
	header []byte
	ready  bool
	format WavFormat
	carry  []byte
}

// Format returns the parsed format once the header has been consumed.
func (d *WavStreamDecoder) Format() (WavFormat, bool) {
	return d.format, d.ready
}

// Write feeds the next chunk and returns any PCM that became available.
func (d *WavStreamDecoder) Write(chunk []byte) ([]byte, error) {
	if !d.ready {
		d.header = append(d.header, chunk...)
		offset, err := d.parseHeader()
		if err != nil || offset < 0 {
			return nil, err
		}
		chunk = d.header[offset:]
		d.header = nil
		d.ready = true
	}

	data := append(d.carry, chunk...)
	align := d.format.BlockAlign()
	usable := len(data) - len(data)%align
	d.carry = append([]byte(nil), data[usable:]...)
	return data[:usable], nil
}

// parseHeader returns the offset of the first PCM byte, or -1 when more
// header bytes are needed.
func (d *WavStreamDecoder) parseHeader() (int, error) {
	h := d.header
	if len(h) < 12 {
		return -1, nil
	}
	if string(h[0:4]) != "RIFF" || string(h[8:12]) != "WAVE" {
		return 0, ErrNotWav
	}

	pos := 12
	haveFmt := false
	for {
		if len(h) < pos+8 {
			return -1, nil
		}
		id := string(h[pos : pos+4])
		size := int(binary.LittleEndian.Uint32(h[pos+4 : pos+8]))
		body := pos + 8

		switch id {
		case "fmt ":
			if len(h) < body+16 {
				return -1, nil
			}
			tag := binary.LittleEndian.Uint16(h[body : body+2])
			d.format = WavFormat{
				Channels:      int(binary.LittleEndian.Uint16(h[body+2 : body+4])),
				SampleRate:    int(binary.LittleEndian.Uint32(h[body+4 : body+8])),
				BitsPerSample: int(binary.LittleEndian.Uint16(h[body+14 : body+16])),
			}
			if (tag != 1 && tag != 0xFFFE) || d.format.BitsPerSample != 16 || d.format.Channels <= 0 {
				return 0, ErrUnsupportedWav
			}
			haveFmt = true
		case "data":
			if !haveFmt {
				return 0, fmt.Errorf("%w: data chunk before fmt chunk", ErrNotWav)
			}
			return body, nil
		}

		// Chunks are word aligned.
		pos = body + size + size%2
	}
}
