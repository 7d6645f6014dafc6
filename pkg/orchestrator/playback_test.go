package orchestrator

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/lokutor-ai/voicechat/pkg/pipeline"
)

// MockStreamBuffer starts output once startAfter bytes were appended; a
// negative startAfter never starts.
type MockStreamBuffer struct {
	mu         sync.Mutex
	startAfter int
	appendErr  error
	appended   []byte
	abortedAt  time.Time
	ended      bool
	started    chan struct{}
	done       chan struct{}
	startOnce  sync.Once
	doneOnce   sync.Once
	isStarted  bool
}

func newMockStreamBuffer(startAfter int) *MockStreamBuffer {
	return &MockStreamBuffer{
		startAfter: startAfter,
		started:    make(chan struct{}),
		done:       make(chan struct{}),
	}
}

func (m *MockStreamBuffer) Append(chunk []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.appendErr != nil {
		return m.appendErr
	}
	m.appended = append(m.appended, chunk...)
	if m.startAfter >= 0 && len(m.appended) >= m.startAfter {
		m.isStarted = true
		m.startOnce.Do(func() { close(m.started) })
	}
	return nil
}

func (m *MockStreamBuffer) EndOfStream() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ended = true
	if m.isStarted {
		m.doneOnce.Do(func() { close(m.done) })
	}
}

func (m *MockStreamBuffer) Started() <-chan struct{} { return m.started }
func (m *MockStreamBuffer) Done() <-chan struct{}    { return m.done }
func (m *MockStreamBuffer) Err() error               { return nil }

func (m *MockStreamBuffer) Abort() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.abortedAt.IsZero() {
		m.abortedAt = time.Now()
	}
}

type MockStreamSink struct {
	buf     *MockStreamBuffer
	openErr error
}

func (s *MockStreamSink) Supports(ct string) bool { return ct == "audio/wav" }

func (s *MockStreamSink) Open(string) (StreamBuffer, error) {
	if s.openErr != nil {
		return nil, s.openErr
	}
	return s.buf, nil
}

type MockPlayer struct {
	mu    sync.Mutex
	data  []byte
	ct    string
	calls int
	err   error
}

func (p *MockPlayer) Play(ctx context.Context, data []byte, ct string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	p.data = append([]byte(nil), data...)
	p.ct = ct
	return p.err
}

func response(body io.Reader, ct string) *pipeline.Response {
	return &pipeline.Response{Body: io.NopCloser(body), ContentType: ct}
}

func TestPlayback_Streaming(t *testing.T) {
	buf := newMockStreamBuffer(1)
	player := &MockPlayer{}
	p := NewPlaybackController(&MockStreamSink{buf: buf}, player, 0, nil)

	src := bytes.Repeat([]byte{7}, 40000)
	starts := 0
	res, err := p.Play(context.Background(), response(bytes.NewReader(src), "audio/wav"), func() { starts++ })
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Mode != PlaybackStreaming || res.FellBack {
		t.Errorf("Expected streaming without fallback, got %+v", res)
	}
	if starts != 1 {
		t.Errorf("Expected onStart once, got %d", starts)
	}
	if !bytes.Equal(buf.appended, src) {
		t.Errorf("Expected %d appended bytes, got %d", len(src), len(buf.appended))
	}
	if player.calls != 0 {
		t.Error("buffered player must not be used")
	}
	if p.State() != PlaybackIdle {
		t.Errorf("Expected idle after playback, got %s", p.State())
	}
}

// A stream that never starts output falls back after the watchdog and
// plays every byte of the body, including bytes that arrive after it fired.
func TestPlayback_WatchdogFallback(t *testing.T) {
	buf := newMockStreamBuffer(-1)
	player := &MockPlayer{}
	p := NewPlaybackController(&MockStreamSink{buf: buf}, player, DefaultPlaybackWatchdog, nil)

	pr, pw := io.Pipe()
	var src []byte
	go func() {
		for i := 0; i < 4; i++ {
			chunk := bytes.Repeat([]byte{byte(i + 1)}, 1000)
			src = append(src, chunk...)
			pw.Write(chunk)
			time.Sleep(400 * time.Millisecond)
		}
		pw.Close()
	}()

	begin := time.Now()
	started := make(chan time.Time, 1)
	res, err := p.Play(context.Background(), response(pr, "audio/wav"), func() { started <- time.Now() })
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.FellBack || res.Mode != PlaybackBuffered || res.Reason != "watchdog" {
		t.Errorf("Expected watchdog fallback to buffered, got %+v", res)
	}

	fired := buf.abortedAt.Sub(begin)
	if fired < DefaultPlaybackWatchdog-50*time.Millisecond || fired > DefaultPlaybackWatchdog+200*time.Millisecond {
		t.Errorf("Expected fallback at ~%v, got %v", DefaultPlaybackWatchdog, fired)
	}
	if !bytes.Equal(player.data, src) {
		t.Errorf("Expected buffered playback of all %d bytes, got %d", len(src), len(player.data))
	}
	select {
	case <-started:
	default:
		t.Error("Expected onStart for buffered playback")
	}
}

// A body that stalls without closing must not hold playback hostage: the
// bytes received so far are played and the body is closed.
func TestPlayback_StalledBodyPlaysWhatArrived(t *testing.T) {
	buf := newMockStreamBuffer(-1)
	player := &MockPlayer{}
	watchdog := 300 * time.Millisecond
	p := NewPlaybackController(&MockStreamSink{buf: buf}, player, watchdog, nil)

	pr, pw := io.Pipe()
	src := bytes.Repeat([]byte{9}, 2000)
	go pw.Write(src)

	type outcome struct {
		res PlaybackResult
		err error
	}
	done := make(chan outcome, 1)
	begin := time.Now()
	go func() {
		res, err := p.Play(context.Background(), &pipeline.Response{Body: pr, ContentType: "audio/wav"}, nil)
		done <- outcome{res, err}
	}()

	var got outcome
	select {
	case got = <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("Play blocked on a stalled body")
	}
	if got.err != nil {
		t.Fatalf("unexpected error: %v", got.err)
	}
	if elapsed := time.Since(begin); elapsed > 2*watchdog+300*time.Millisecond {
		t.Errorf("Expected playback within ~%v, took %v", 2*watchdog, elapsed)
	}
	if !got.res.FellBack || got.res.Mode != PlaybackBuffered || got.res.Reason != "watchdog" {
		t.Errorf("Expected watchdog fallback to buffered, got %+v", got.res)
	}
	if !bytes.Equal(player.data, src) {
		t.Errorf("Expected the %d received bytes to be played, got %d", len(src), len(player.data))
	}
	if _, err := pw.Write([]byte{1}); !errors.Is(err, io.ErrClosedPipe) {
		t.Errorf("Expected the body to be closed, got %v", err)
	}
}

func TestPlayback_AppendErrorFallsBack(t *testing.T) {
	buf := newMockStreamBuffer(-1)
	buf.appendErr = errors.New("decode error")
	player := &MockPlayer{}
	p := NewPlaybackController(&MockStreamSink{buf: buf}, player, time.Minute, nil)

	src := bytes.Repeat([]byte{3}, 50000)
	res, err := p.Play(context.Background(), response(bytes.NewReader(src), "audio/wav"), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.FellBack || res.Mode != PlaybackBuffered {
		t.Errorf("Expected fallback, got %+v", res)
	}
	if !bytes.Equal(player.data, src) || player.ct != "audio/wav" {
		t.Errorf("Expected all %d bytes buffered, got %d", len(src), len(player.data))
	}
}

func TestPlayback_UnsupportedTypeGoesBuffered(t *testing.T) {
	player := &MockPlayer{}
	p := NewPlaybackController(&MockStreamSink{buf: newMockStreamBuffer(0)}, player, 0, nil)

	res, err := p.Play(context.Background(), response(bytes.NewReader([]byte("ogg")), "audio/ogg"), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Mode != PlaybackBuffered || res.FellBack {
		t.Errorf("Expected direct buffered playback, got %+v", res)
	}
	if string(player.data) != "ogg" {
		t.Errorf("Expected player to receive the body, got %q", player.data)
	}
}

func TestPlayback_NoSink(t *testing.T) {
	player := &MockPlayer{}
	p := NewPlaybackController(nil, player, 0, nil)
	if _, err := p.Play(context.Background(), response(bytes.NewReader([]byte{1}), "audio/wav"), nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if player.calls != 1 {
		t.Errorf("Expected one buffered play, got %d", player.calls)
	}
}

func TestPlayback_BufferedFailureIsSurfaced(t *testing.T) {
	player := &MockPlayer{err: errors.New("no output device")}
	p := NewPlaybackController(nil, player, 0, nil)

	_, err := p.Play(context.Background(), response(bytes.NewReader([]byte{1}), "audio/wav"), nil)
	var perr *PlaybackError
	if !errors.As(err, &perr) || perr.Mode != PlaybackBuffered {
		t.Fatalf("Expected PlaybackError, got %v", err)
	}
	if Classify(err) != KindPlayback {
		t.Errorf("Expected playback kind, got %s", Classify(err))
	}
}

func TestPlayback_Cancel(t *testing.T) {
	buf := newMockStreamBuffer(-1)
	p := NewPlaybackController(&MockStreamSink{buf: buf}, &MockPlayer{}, time.Minute, nil)

	pr, pw := io.Pipe()
	defer pw.Close()
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		pw.Write([]byte{1, 2, 3})
		cancel()
	}()

	_, err := p.Play(ctx, response(pr, "audio/wav"), nil)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
	if buf.abortedAt.IsZero() {
		t.Error("Expected stream buffer to be aborted")
	}
}
