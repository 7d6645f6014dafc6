package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/lokutor-ai/voicechat/pkg/pipeline"
)

type PlaybackState string

const (
	PlaybackIdle      PlaybackState = "idle"
	PlaybackStarting  PlaybackState = "starting"
	PlaybackStreaming PlaybackState = "streaming"
	PlaybackBuffered  PlaybackState = "buffered"
)

// DefaultPlaybackWatchdog is how long streaming may take to start.
const DefaultPlaybackWatchdog = 1200 * time.Millisecond

// StreamBuffer is an incremental decoder/player for one response.
type StreamBuffer interface {
	// Append queues encoded bytes. An error means the data cannot be decoded.
	Append(chunk []byte) error
	// EndOfStream marks that no more data will be appended.
	EndOfStream()
	// Started is closed when audio output has actually begun.
	Started() <-chan struct{}
	// Done is closed when output finished or failed; see Err.
	Done() <-chan struct{}
	Err() error
	// Abort stops output and releases the buffer.
	Abort()
}

// StreamSink opens stream buffers for content types it can decode
// incrementally.
type StreamSink interface {
	Supports(contentType string) bool
	Open(contentType string) (StreamBuffer, error)
}

// BufferPlayer plays a complete response and returns when it has finished.
type BufferPlayer interface {
	Play(ctx context.Context, data []byte, contentType string) error
}

type PlaybackResult struct {
	Mode PlaybackState
	// FellBack is set when streaming was attempted and abandoned.
	FellBack bool
	// Reason says why streaming was abandoned or skipped.
	Reason string
	Bytes  int
}

// PlaybackController plays pipeline responses, streaming when possible and
// falling back to buffered playback of the complete body otherwise.
type PlaybackController struct {
	sink     StreamSink
	player   BufferPlayer
	watchdog time.Duration
	logger   Logger

	mu    sync.Mutex
	state PlaybackState
}

// NewPlaybackController creates a controller. sink may be nil when the
// platform has no incremental output.
func NewPlaybackController(sink StreamSink, player BufferPlayer, watchdog time.Duration, logger Logger) *PlaybackController {
	if watchdog <= 0 {
		watchdog = DefaultPlaybackWatchdog
	}
	if logger == nil {
		logger = &NoOpLogger{}
	}
	return &PlaybackController{
		sink:     sink,
		player:   player,
		watchdog: watchdog,
		logger:   logger,
		state:    PlaybackIdle,
	}
}

func (p *PlaybackController) State() PlaybackState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *PlaybackController) setState(s PlaybackState) {
	p.mu.Lock()
	p.state = s
	p.mu.Unlock()
}

type readResult struct {
	chunk []byte
	err   error
}

// Play plays resp to the end and closes its body. onStart is called once,
// when audio output begins. The returned error is non-nil only when no mode
// could play the response or ctx was cancelled.
func (p *PlaybackController) Play(ctx context.Context, resp *pipeline.Response, onStart func()) (PlaybackResult, error) {
	defer resp.Body.Close()
	defer p.setState(PlaybackIdle)
	p.setState(PlaybackStarting)

	var once sync.Once
	started := func() {
		once.Do(func() {
			if onStart != nil {
				onStart()
			}
		})
	}

	ct := resp.ContentType
	if p.sink == nil || !p.sink.Supports(ct) {
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return PlaybackResult{Mode: PlaybackBuffered}, fmt.Errorf("read response: %w", err)
		}
		return p.playBuffered(ctx, data, ct, PlaybackResult{Reason: "unsupported content type"}, started)
	}

	buf, err := p.sink.Open(ct)
	if err != nil {
		data, rerr := io.ReadAll(resp.Body)
		if rerr != nil {
			return PlaybackResult{Mode: PlaybackBuffered}, fmt.Errorf("read response: %w", rerr)
		}
		return p.playBuffered(ctx, data, ct, PlaybackResult{FellBack: true, Reason: "open stream: " + err.Error()}, started)
	}
	p.setState(PlaybackStreaming)

	quit := make(chan struct{})
	defer close(quit)
	reads := readChunks(resp.Body, quit)

	watchdog := time.NewTimer(p.watchdog)
	defer watchdog.Stop()

	var (
		received  []byte
		startedCh = buf.Started()
		playing   bool
	)

	fallback := func(reason string) (PlaybackResult, error) {
		buf.Abort()
		p.logger.Warn("streaming playback abandoned", "reason", reason, "received", len(received))
		// Data still arriving is kept. A body that goes quiet for a whole
		// watchdog period is closed and played as far as it got.
		idle := time.NewTimer(p.watchdog)
		defer idle.Stop()
	drain:
		for reads != nil {
			select {
			case r, ok := <-reads:
				if !ok {
					break drain
				}
				if r.err != nil {
					if r.err != io.EOF {
						p.logger.Warn("response body ended early", "error", r.err)
					}
					break drain
				}
				received = append(received, r.chunk...)
				idle.Reset(p.watchdog)
			case <-idle.C:
				p.logger.Warn("response body stalled", "received", len(received))
				resp.Body.Close()
				break drain
			case <-ctx.Done():
				break drain
			}
		}
		if err := ctx.Err(); err != nil {
			return PlaybackResult{Mode: PlaybackStreaming, FellBack: true, Reason: reason, Bytes: len(received)}, err
		}
		return p.playBuffered(ctx, received, ct, PlaybackResult{FellBack: true, Reason: reason}, started)
	}

	for {
		select {
		case r, ok := <-reads:
			if !ok {
				reads = nil
				continue
			}
			if r.err != nil {
				if r.err != io.EOF {
					if ctx.Err() != nil {
						buf.Abort()
						return PlaybackResult{Mode: PlaybackStreaming, Bytes: len(received)}, ctx.Err()
					}
					p.logger.Warn("response body ended early", "error", r.err)
				}
				buf.EndOfStream()
				continue
			}
			received = append(received, r.chunk...)
			if err := buf.Append(r.chunk); err != nil {
				return fallback("append: " + err.Error())
			}

		case <-startedCh:
			startedCh = nil
			playing = true
			watchdog.Stop()
			started()

		case <-watchdog.C:
			if !playing {
				return fallback("watchdog")
			}

		case <-buf.Done():
			if err := buf.Err(); err != nil {
				return fallback("stream: " + err.Error())
			}
			if !playing {
				started()
			}
			return PlaybackResult{Mode: PlaybackStreaming, Bytes: len(received)}, nil

		case <-ctx.Done():
			buf.Abort()
			return PlaybackResult{Mode: PlaybackStreaming, Bytes: len(received)}, ctx.Err()
		}
	}
}

func (p *PlaybackController) playBuffered(ctx context.Context, data []byte, ct string, res PlaybackResult, started func()) (PlaybackResult, error) {
	p.setState(PlaybackBuffered)
	res.Mode = PlaybackBuffered
	res.Bytes = len(data)
	if len(data) == 0 {
		return res, &PlaybackError{Mode: PlaybackBuffered, Err: pipeline.ErrEmptyResult}
	}
	if p.player == nil {
		return res, &PlaybackError{Mode: PlaybackBuffered, Err: errors.New("no buffered player configured")}
	}
	started()
	if err := p.player.Play(ctx, data, ct); err != nil {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		return res, &PlaybackError{Mode: PlaybackBuffered, Err: err}
	}
	return res, nil
}

// readChunks reads body on its own goroutine. The last value carries the
// terminating error (io.EOF at the normal end); the channel is then closed.
func readChunks(body io.Reader, quit <-chan struct{}) chan readResult {
	out := make(chan readResult, 8)
	go func() {
		defer close(out)
		for {
			b := make([]byte, 16*1024)
			n, err := body.Read(b)
			if n > 0 {
				select {
				case out <- readResult{chunk: b[:n]}:
				case <-quit:
					return
				}
			}
			if err != nil {
				select {
				case out <- readResult{err: err}:
				case <-quit:
				}
				return
			}
		}
	}()
	return out
}
