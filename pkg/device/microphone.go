package device

import (
	"context"
	"sync"

	"github.com/gen2brain/malgo"

	"github.com/lokutor-ai/voicechat/pkg/audio"
	"github.com/lokutor-ai/voicechat/pkg/orchestrator"
)

// DefaultPeriod is the capture callback period in milliseconds.
const DefaultPeriod = 20

// Microphone captures 16-bit PCM and delivers it as mono float frames.
type Microphone struct {
	ctx      *Context
	channels int
	period   uint32
}

// NewMicrophone returns a microphone capturing channels (0 means whatever
// the session asks for), downmixed to mono.
func NewMicrophone(ctx *Context, channels, periodMs int) *Microphone {
	if periodMs <= 0 {
		periodMs = DefaultPeriod
	}
	return &Microphone{ctx: ctx, channels: channels, period: uint32(periodMs)}
}

// Acquire opens and starts the default capture device. miniaudio has no
// echo cancellation or noise suppression of its own, so those constraints
// only take effect where the OS audio stack applies them to the default
// device.
func (m *Microphone) Acquire(ctx context.Context, c orchestrator.CaptureConstraints, onFrame func([]float32)) (orchestrator.MicTrack, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	channels := c.Channels
	if m.channels > 0 {
		channels = m.channels
	}
	if channels <= 0 {
		channels = 1
	}

	cfg := malgo.DefaultDeviceConfig(malgo.Capture)
	cfg.Capture.Format = malgo.FormatS16
	cfg.Capture.Channels = uint32(channels)
	cfg.SampleRate = uint32(c.SampleRate)
	cfg.PeriodSizeInMilliseconds = m.period
	cfg.Alsa.NoMMap = 1

	m.ctx.log.Debug().
		Int("sample_rate", c.SampleRate).
		Int("channels", channels).
		Bool("echo_cancellation", c.EchoCancellation).
		Bool("noise_suppression", c.NoiseSuppression).
		Bool("auto_gain", c.AutoGainControl).
		Msg("acquiring microphone")

	dev, err := malgo.InitDevice(m.ctx.mctx.Context, cfg, malgo.DeviceCallbacks{
		Data: func(_, in []byte, _ uint32) {
			if len(in) == 0 {
				return
			}
			onFrame(Downmix(audio.PCM16ToFloat32(audio.BytesToInt16s(in)), channels))
		},
	})
	if err != nil {
		return nil, classify(err)
	}
	if err := dev.Start(); err != nil {
		dev.Uninit()
		return nil, classify(err)
	}
	return &micTrack{dev: dev}, nil
}

type micTrack struct {
	once sync.Once
	dev  *malgo.Device
}

func (t *micTrack) Stop() error {
	t.once.Do(func() {
		t.dev.Uninit()
	})
	return nil
}

// Downmix averages interleaved frames to mono. Mono input is returned as is.
func Downmix(samples []float32, channels int) []float32 {
	if channels <= 1 {
		return samples
	}
	out := make([]float32, len(samples)/channels)
	for i := range out {
		var sum float32
		for ch := 0; ch < channels; ch++ {
			sum += samples[i*channels+ch]
		}
		out[i] = sum / float32(channels)
	}
	return out
}
