package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/lokutor-ai/voicechat/pkg/pipeline"
)

var (
	// ErrNotRunning is returned by operations that need an active session.
	ErrNotRunning = errors.New("session is not running")

	// ErrQueueFull is returned when too many requests are waiting.
	ErrQueueFull = errors.New("pipeline queue is full")
)

// DeviceErrorKind tells a refused permission from a missing device.
type DeviceErrorKind string

const (
	DevicePermissionDenied DeviceErrorKind = "permission-denied"
	DeviceUnavailable      DeviceErrorKind = "unavailable"
)

// DeviceError is returned by a Microphone that cannot be acquired.
type DeviceError struct {
	Kind DeviceErrorKind
	Err  error
}

func (e *DeviceError) Error() string {
	return fmt.Sprintf("microphone %s: %v", e.Kind, e.Err)
}

func (e *DeviceError) Unwrap() error { return e.Err }

// PlaybackError is only surfaced when buffered playback failed as well.
type PlaybackError struct {
	Mode PlaybackState
	Err  error
}

func (e *PlaybackError) Error() string {
	return fmt.Sprintf("%s playback failed: %v", e.Mode, e.Err)
}

func (e *PlaybackError) Unwrap() error { return e.Err }

// ErrorKind is the user-facing classification of a session error.
type ErrorKind string

const (
	KindPermissionDenied  ErrorKind = "permission_denied"
	KindDeviceUnavailable ErrorKind = "device_unavailable"
	KindTransport         ErrorKind = "transport"
	KindPipelineSTT       ErrorKind = "pipeline_stt"
	KindPipelineLLM       ErrorKind = "pipeline_llm"
	KindPipelineTTS       ErrorKind = "pipeline_tts"
	KindPipeline          ErrorKind = "pipeline"
	KindEmptyResult       ErrorKind = "empty_result"
	KindPlayback          ErrorKind = "playback"
	KindCancelled         ErrorKind = "cancelled"
	KindUnknown           ErrorKind = "unknown"
)

// Classify maps err onto an ErrorKind.
func Classify(err error) ErrorKind {
	var (
		devErr  *DeviceError
		pipeErr *pipeline.Error
		trErr   *pipeline.TransportError
		playErr *PlaybackError
	)
	switch {
	case err == nil:
		return ""
	case errors.As(err, &devErr):
		if devErr.Kind == DevicePermissionDenied {
			return KindPermissionDenied
		}
		return KindDeviceUnavailable
	case errors.Is(err, pipeline.ErrEmptyResult):
		return KindEmptyResult
	case errors.As(err, &pipeErr):
		switch pipeErr.Stage {
		case pipeline.StageSTT:
			return KindPipelineSTT
		case pipeline.StageLLM:
			return KindPipelineLLM
		case pipeline.StageTTS:
			return KindPipelineTTS
		}
		return KindPipeline
	case errors.As(err, &trErr):
		return KindTransport
	case errors.As(err, &playErr):
		return KindPlayback
	case errors.Is(err, context.Canceled):
		return KindCancelled
	}
	return KindUnknown
}

// UserMessage is a short description suitable for display.
func UserMessage(err error) string {
	switch Classify(err) {
	case KindPermissionDenied:
		return "Microphone access was denied. Allow microphone access and retry."
	case KindDeviceUnavailable:
		return "No usable microphone was found."
	case KindTransport:
		return "Could not reach the voice service."
	case KindPipelineSTT:
		return "Speech recognition failed."
	case KindPipelineLLM:
		return "The assistant could not generate a reply."
	case KindPipelineTTS:
		return "Speech synthesis failed."
	case KindEmptyResult:
		return "Nothing was heard or nothing could be spoken."
	case KindPlayback:
		return "The reply could not be played."
	case KindCancelled, "":
		return ""
	}
	return "Something went wrong: " + err.Error()
}
