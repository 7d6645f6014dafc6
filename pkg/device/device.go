// Package device connects the session layer to the host's audio hardware
// through miniaudio (malgo), with ffplay as a decoder of last resort.
package device

import (
	"fmt"
	"strings"

	"github.com/gen2brain/malgo"
	"github.com/rs/zerolog"

	"github.com/lokutor-ai/voicechat/pkg/orchestrator"
)

// Context owns the audio backend shared by every capture and playback
// device. Close it after all devices are released.
type Context struct {
	mctx *malgo.AllocatedContext
	log  zerolog.Logger
}

func NewContext(log zerolog.Logger) (*Context, error) {
	mctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, func(msg string) {
		log.Debug().Str("component", "miniaudio").Msg(strings.TrimSpace(msg))
	})
	if err != nil {
		return nil, fmt.Errorf("device: init audio context: %w", classify(err))
	}
	return &Context{mctx: mctx, log: log}, nil
}

func (c *Context) Close() error {
	if c.mctx == nil {
		return nil
	}
	err := c.mctx.Uninit()
	c.mctx.Free()
	c.mctx = nil
	return err
}

// classify wraps backend errors in an orchestrator.DeviceError. miniaudio
// reports a refused permission only through its message text.
func classify(err error) error {
	if err == nil {
		return nil
	}
	msg := strings.ToLower(err.Error())
	kind := orchestrator.DeviceUnavailable
	if strings.Contains(msg, "denied") || strings.Contains(msg, "permission") {
		kind = orchestrator.DevicePermissionDenied
	}
	return &orchestrator.DeviceError{Kind: kind, Err: err}
}
