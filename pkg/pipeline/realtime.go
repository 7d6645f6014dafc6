package pipeline

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/lokutor-ai/voicechat/pkg/settings"
)

// Realtime event types.
const (
	EventSessionReady        = "session.ready"
	EventAssistantTranscript = "response.audio_transcript.done"
	EventUserTranscript      = "conversation.item.input_audio_transcription.completed"
	EventAudioDelta          = "response.audio.delta"
	EventAudioDone           = "response.audio.done"
	EventResponseDone        = "response.done"
	EventError               = "error"
)

// RealtimeContentType describes the audio carried by realtime deltas.
const RealtimeContentType = "audio/pcm;rate=24000;channels=1"

// RealtimeConfig is the first frame sent on a realtime connection.
type RealtimeConfig struct {
	Instructions      string  `json:"instructions,omitempty"`
	Voice             string  `json:"voice,omitempty"`
	VADThreshold      float64 `json:"vad_threshold"`
	SilenceDurationMs int     `json:"silence_duration_ms"`
	Greeting          string  `json:"greeting,omitempty"`
}

// RealtimeConfigFrom maps a settings snapshot onto the realtime config.
func RealtimeConfigFrom(s settings.Settings) RealtimeConfig {
	return RealtimeConfig{
		Instructions:      s.SystemPrompt,
		Voice:             s.Voice,
		VADThreshold:      s.VADThreshold,
		SilenceDurationMs: s.SilenceDurationMs,
		Greeting:          s.Greeting,
	}
}

// RealtimeEvent is the {type, data} envelope sent by the server.
type RealtimeEvent struct {
	Type string            `json:"type"`
	Data RealtimeEventData `json:"data"`
}

type RealtimeEventData struct {
	Transcript string `json:"transcript,omitempty"`
	Role       string `json:"role,omitempty"`
	Audio      string `json:"audio,omitempty"`
	Error      string `json:"error,omitempty"`
}

// RealtimeClient opens realtime sessions, where turn detection, generation
// and synthesis all happen server side.
type RealtimeClient struct {
	url       string
	readLimit int64
}

func NewRealtimeClient(url string) *RealtimeClient {
	return &RealtimeClient{url: url, readLimit: 10 * 1024 * 1024}
}

// Connect dials, sends cfg and waits for the session to become ready.
func (c *RealtimeClient) Connect(ctx context.Context, cfg RealtimeConfig) (*RealtimeSession, error) {
	conn, _, err := websocket.Dial(ctx, c.url, nil)
	if err != nil {
		return nil, &TransportError{Op: "dial", Err: err}
	}
	conn.SetReadLimit(c.readLimit)

	if err := wsjson.Write(ctx, conn, cfg); err != nil {
		conn.Close(websocket.StatusInternalError, "config write failed")
		return nil, &TransportError{Op: "send config", Err: err}
	}

	for {
		var ev RealtimeEvent
		if err := wsjson.Read(ctx, conn, &ev); err != nil {
			conn.Close(websocket.StatusInternalError, "")
			return nil, &TransportError{Op: "await ready", Err: err}
		}
		switch ev.Type {
		case EventSessionReady:
			return newRealtimeSession(conn), nil
		case EventError:
			conn.Close(websocket.StatusNormalClosure, "")
			return nil, &Error{Stage: ClassifyStage(ev.Data.Error), Message: ev.Data.Error}
		}
	}
}

// RealtimeSession relays server events. Each assistant reply's audio deltas
// are exposed as one streamed Response so that it can be played like a
// pipeline answer.
type RealtimeSession struct {
	conn      *websocket.Conn
	ctx       context.Context
	cancel    context.CancelFunc
	events    chan RealtimeEvent
	responses chan *Response
	done      chan struct{}

	mu      sync.Mutex
	current *io.PipeWriter
	err     error
}

func newRealtimeSession(conn *websocket.Conn) *RealtimeSession {
	ctx, cancel := context.WithCancel(context.Background())
	s := &RealtimeSession{
		conn:      conn,
		ctx:       ctx,
		cancel:    cancel,
		events:    make(chan RealtimeEvent, 64),
		responses: make(chan *Response, 4),
		done:      make(chan struct{}),
	}
	go s.readLoop()
	return s
}

// Events carries transcripts and errors. It is closed when the session ends.
func (s *RealtimeSession) Events() <-chan RealtimeEvent { return s.events }

// Responses carries one Response per assistant reply. It is closed when the
// session ends.
func (s *RealtimeSession) Responses() <-chan *Response { return s.responses }

// Done is closed once the read loop has exited.
func (s *RealtimeSession) Done() <-chan struct{} { return s.done }

// Err is the error that ended the session, nil after a normal close.
func (s *RealtimeSession) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close ends the session and waits for the read loop.
func (s *RealtimeSession) Close() error {
	s.cancel()
	err := s.conn.Close(websocket.StatusNormalClosure, "")
	// Unblocks a delta write waiting on a reader that went away.
	s.endResponse(io.ErrClosedPipe)
	<-s.done
	return err
}

func (s *RealtimeSession) readLoop() {
	defer close(s.done)
	defer close(s.events)
	defer close(s.responses)

	for {
		var ev RealtimeEvent
		if err := wsjson.Read(s.ctx, s.conn, &ev); err != nil {
			s.finish(err)
			return
		}

		switch ev.Type {
		case EventAudioDelta:
			chunk, err := base64.StdEncoding.DecodeString(ev.Data.Audio)
			if err != nil {
				s.emit(RealtimeEvent{Type: EventError, Data: RealtimeEventData{Error: fmt.Sprintf("bad audio delta: %v", err)}})
				continue
			}
			if !s.writeAudio(chunk) {
				return
			}
		case EventAudioDone, EventResponseDone:
			s.endResponse(nil)
		case EventAssistantTranscript:
			s.endResponse(nil)
			s.emit(ev)
		default:
			s.emit(ev)
		}
	}
}

// writeAudio appends to the reply in progress, opening one if needed. It
// reports false when the session is shutting down.
func (s *RealtimeSession) writeAudio(chunk []byte) bool {
	s.mu.Lock()
	w := s.current
	s.mu.Unlock()

	if w == nil {
		r, pw := io.Pipe()
		resp := &Response{Body: r, ContentType: RealtimeContentType}
		select {
		case s.responses <- resp:
		case <-s.ctx.Done():
			pw.CloseWithError(s.ctx.Err())
			return false
		}
		s.mu.Lock()
		s.current = pw
		s.mu.Unlock()
		w = pw
	}

	if _, err := w.Write(chunk); err != nil {
		// The consumer stopped reading; drop the rest of this reply.
		s.endResponse(nil)
	}
	return true
}

func (s *RealtimeSession) endResponse(err error) {
	s.mu.Lock()
	w := s.current
	s.current = nil
	s.mu.Unlock()
	if w != nil {
		w.CloseWithError(err)
	}
}

func (s *RealtimeSession) emit(ev RealtimeEvent) {
	select {
	case s.events <- ev:
	case <-s.ctx.Done():
	}
}

func (s *RealtimeSession) finish(err error) {
	if s.ctx.Err() != nil || websocket.CloseStatus(err) == websocket.StatusNormalClosure {
		err = nil
	}
	s.endResponse(errors.Join(io.ErrUnexpectedEOF, err))
	if err != nil {
		err = &TransportError{Op: "read", Err: err}
	}
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}
