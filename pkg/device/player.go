package device

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math"
	"os/exec"
	"strconv"
	"sync"

	"github.com/lokutor-ai/voicechat/pkg/audio"
	"github.com/lokutor-ai/voicechat/pkg/orchestrator"
)

// Player plays complete responses. Formats the speaker can decode go to the
// speaker; everything else (ogg, mp3, webm) is handed to ffplay.
type Player struct {
	speaker *Speaker
	ffplay  *FFPlay
}

// NewPlayer returns a Player. Either argument may be nil.
func NewPlayer(speaker *Speaker, ffplay *FFPlay) *Player {
	return &Player{speaker: speaker, ffplay: ffplay}
}

func (p *Player) Play(ctx context.Context, data []byte, contentType string) error {
	if p.speaker != nil && p.speaker.Supports(contentType) {
		return p.playSpeaker(ctx, data, contentType)
	}
	if p.ffplay != nil {
		return p.ffplay.Play(ctx, data, contentType)
	}
	return fmt.Errorf("device: no player for %s", contentType)
}

// SetVolume forwards to both outputs.
func (p *Player) SetVolume(v float64) {
	if p.speaker != nil {
		p.speaker.SetVolume(v)
	}
	if p.ffplay != nil {
		p.ffplay.SetVolume(v)
	}
}

// playSpeaker plays a complete body. WAV is decoded up front so a damaged
// file fails before the device opens.
func (p *Player) playSpeaker(ctx context.Context, data []byte, contentType string) error {
	raw, _, err := parseContentType(contentType)
	if err != nil {
		return err
	}
	var buf orchestrator.StreamBuffer
	if raw {
		if buf, err = p.speaker.Open(contentType); err != nil {
			return err
		}
	} else {
		format, pcm, err := audio.DecodeWav(data)
		if err != nil {
			return err
		}
		buf, data = p.speaker.openPCM(format), pcm
	}
	if err := buf.Append(data); err != nil {
		buf.Abort()
		return err
	}
	buf.EndOfStream()
	select {
	case <-buf.Done():
		return buf.Err()
	case <-ctx.Done():
		buf.Abort()
		return ctx.Err()
	}
}

// ErrFFPlayMissing is returned when the ffplay binary cannot be found.
var ErrFFPlayMissing = errors.New("device: ffplay not found in PATH")

// FFPlay decodes and plays a complete response with an ffplay subprocess
// reading from stdin.
type FFPlay struct {
	path string

	mu     sync.Mutex
	volume float64
}

// NewFFPlay resolves path (default "ffplay") in PATH.
func NewFFPlay(path string) (*FFPlay, error) {
	if path == "" {
		path = "ffplay"
	}
	resolved, err := exec.LookPath(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFFPlayMissing, err)
	}
	return &FFPlay{path: resolved, volume: 1}, nil
}

func (f *FFPlay) SetVolume(v float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.volume = math.Max(0, math.Min(2, v))
}

// args maps the [0, 2] volume onto ffplay's 0..100 startup volume.
func (f *FFPlay) args() []string {
	f.mu.Lock()
	vol := int(math.Round(f.volume * 50))
	f.mu.Unlock()
	return []string{"-nodisp", "-autoexit", "-loglevel", "error", "-volume", strconv.Itoa(vol), "-i", "-"}
}

func (f *FFPlay) Play(ctx context.Context, data []byte, contentType string) error {
	cmd := exec.CommandContext(ctx, f.path, f.args()...)
	cmd.Stdin = bytes.NewReader(data)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("ffplay %s: %w: %s", contentType, err, bytes.TrimSpace(stderr.Bytes()))
	}
	return nil
}
