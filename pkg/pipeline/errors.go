package pipeline

import (
	"errors"
	"fmt"
	"strings"
)

// Stage is the pipeline step an error most likely came from.
type Stage string

const (
	StageSTT     Stage = "stt"
	StageLLM     Stage = "llm"
	StageTTS     Stage = "tts"
	StageUnknown Stage = "unknown"
)

// ErrEmptyResult is wrapped by an Error when transcription or synthesis
// produced nothing usable.
var ErrEmptyResult = errors.New("pipeline returned an empty result")

// Error is a non-success answer from the pipeline endpoint.
type Error struct {
	Status  int
	Stage   Stage
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	return fmt.Sprintf("pipeline %s error (status %d): %s", e.Stage, e.Status, msg)
}

func (e *Error) Unwrap() error { return e.Err }

// TransportError means the endpoint could not be reached or the connection
// broke before a status was received.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("pipeline transport error during %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Keyword groups, checked in order. The match is best effort: the endpoint
// only promises a textual description.
var stageKeywords = []struct {
	stage    Stage
	keywords []string
}{
	{StageTTS, []string{"tts", "text-to-speech", "synthes", "speech generation", "piper", "coqui", "voice"}},
	{StageSTT, []string{"stt", "speech-to-text", "transcri", "whisper", "audio file", "audio format"}},
	{StageLLM, []string{"llm", "language model", "completion", "chat", "prompt", "token", "model"}},
}

// ClassifyStage guesses the failing stage from an error description.
func ClassifyStage(message string) Stage {
	m := strings.ToLower(message)
	for _, group := range stageKeywords {
		for _, k := range group.keywords {
			if strings.Contains(m, k) {
				return group.stage
			}
		}
	}
	return StageUnknown
}
