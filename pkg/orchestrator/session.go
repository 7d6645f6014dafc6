package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/lokutor-ai/voicechat/pkg/audio"
	"github.com/lokutor-ai/voicechat/pkg/graph"
	"github.com/lokutor-ai/voicechat/pkg/pipeline"
	"github.com/lokutor-ai/voicechat/pkg/settings"
)

// Dependencies are the collaborators of a SessionController.
type Dependencies struct {
	Microphone Microphone
	Processor  Processor
	Playback   *PlaybackController
	// Volume is optional; it receives live volume changes.
	Volume  VolumeControl
	Logger  Logger
	Metrics Metrics
}

// run holds everything owned by one started session. It is torn down as a
// unit.
type run struct {
	id       string
	settings settings.Settings
	ctx      context.Context
	cancel   context.CancelFunc
	group    *errgroup.Group
	graph    *graph.Graph
	track    MicTrack
	vad      *AdaptiveVAD
	recorder *UtteranceRecorder
	requests chan pipeline.Request
}

// SessionController runs the capture, detection, pipeline and playback loop
// and owns the session state machine.
type SessionController struct {
	cfg     Config
	deps    Dependencies
	logger  Logger
	metrics Metrics
	events  chan OrchestratorEvent
	level   atomic.Int32

	mu           sync.Mutex
	state        State
	settings     settings.Settings
	cur          *run
	gen          uint64
	lastErr      error
	errSeq       uint64
	errTimer     *time.Timer
	restartTimer *time.Timer
}

func NewSessionController(cfg Config, s settings.Settings, deps Dependencies) *SessionController {
	if deps.Logger == nil {
		deps.Logger = &NoOpLogger{}
	}
	if deps.Metrics == nil {
		deps.Metrics = NoOpMetrics{}
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1
	}
	return &SessionController{
		cfg:      cfg,
		deps:     deps,
		logger:   deps.Logger,
		metrics:  deps.Metrics,
		events:   make(chan OrchestratorEvent, 256),
		state:    StateIdle,
		settings: s,
	}
}

// Events returns the event channel. Events are dropped when it is full.
func (c *SessionController) Events() <-chan OrchestratorEvent { return c.events }

func (c *SessionController) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Level is the current input level in [0, 255].
func (c *SessionController) Level() int { return int(c.level.Load()) }

// LastError is the error on display; it clears itself after
// Config.ErrorDisplayTimeout.
func (c *SessionController) LastError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// Settings returns the snapshot the next session will use.
func (c *SessionController) Settings() settings.Settings {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.settings
}

// SetSettings replaces the snapshot without touching a running session.
func (c *SessionController) SetSettings(s settings.Settings) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.settings = s
}

// SessionID is the id of the running session, empty when idle.
func (c *SessionController) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cur == nil {
		return ""
	}
	return c.cur.id
}

// Start acquires the microphone and begins listening. It is a no-op unless
// the controller is idle or in error.
func (c *SessionController) Start(ctx context.Context) error {
	c.mu.Lock()
	return c.startLocked(ctx)
}

// startLocked is Start with c.mu held; it releases the lock.
func (c *SessionController) startLocked(ctx context.Context) error {
	if c.state != StateIdle && c.state != StateError {
		c.mu.Unlock()
		return nil
	}
	c.clearErrorLocked()
	c.gen++
	gen := c.gen
	s := c.settings
	c.setStateLocked(StateConnecting)
	c.mu.Unlock()

	r, err := c.build(s)
	if err != nil {
		c.fail(gen, nil, err)
		return err
	}

	track, err := c.deps.Microphone.Acquire(ctx, DefaultCaptureConstraints(c.cfg.SampleRate), r.graph.Process)
	if err != nil {
		r.cancel()
		r.graph.Close()
		c.fail(gen, nil, err)
		return err
	}
	r.track = track

	c.mu.Lock()
	if c.gen != gen {
		// Stopped while the device was being negotiated.
		c.mu.Unlock()
		r.cancel()
		track.Stop()
		r.graph.Close()
		return ErrNotRunning
	}
	c.cur = r
	c.setStateLocked(StateListening)
	c.mu.Unlock()

	c.logger.Info("session started", "session_id", r.id, "sample_rate", c.cfg.SampleRate, "format", c.cfg.RecordingFormat)

	r.group.Go(func() error { return c.vadLoop(r) })
	r.group.Go(func() error { return c.levelLoop(r) })
	r.group.Go(func() error { return c.worker(gen, r) })

	if greeting := s.Greeting; greeting != "" {
		c.enqueue(r, pipeline.Request{TestMessage: greeting, Settings: s})
	}
	return nil
}

func (c *SessionController) build(s settings.Settings) (*run, error) {
	gcfg := graph.DefaultConfig(c.cfg.SampleRate)
	gcfg.PreGain = s.MicGain
	g, err := graph.New(gcfg)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	group, gctx := errgroup.WithContext(ctx)
	r := &run{
		id:       uuid.NewString(),
		settings: s,
		ctx:      gctx,
		cancel:   cancel,
		group:    group,
		graph:    g,
		vad:      NewAdaptiveVAD(c.cfg.VAD, s.VADThreshold, s.SilenceDuration()),
		recorder: NewUtteranceRecorder(c.cfg.RecordingFormat, c.cfg.SampleRate),
		requests: make(chan pipeline.Request, c.cfg.QueueSize),
	}
	g.SetSink(r.recorder.Write)
	if c.deps.Volume != nil {
		c.deps.Volume.SetVolume(s.Volume)
	}
	return r, nil
}

// Stop tears the session down and returns to idle. It is safe from any
// state and idempotent.
func (c *SessionController) Stop() {
	c.mu.Lock()
	if c.restartTimer != nil {
		c.restartTimer.Stop()
		c.restartTimer = nil
	}
	r := c.detachLocked()
	c.clearErrorLocked()
	c.setStateLocked(StateIdle)
	c.mu.Unlock()

	c.teardown(r, true)
}

// Retry restarts after an error.
func (c *SessionController) Retry(ctx context.Context) error {
	if c.State() != StateError {
		return fmt.Errorf("retry: session is %s", c.State())
	}
	return c.Start(ctx)
}

// RestartWithNewSettings stores s and, unless idle, stops the session now
// and starts it again after the restart debounce. Calls within the debounce
// window are coalesced.
func (c *SessionController) RestartWithNewSettings(s settings.Settings) {
	c.mu.Lock()
	c.settings = s
	if c.state == StateIdle && c.restartTimer == nil {
		c.mu.Unlock()
		return
	}
	if c.restartTimer != nil {
		c.restartTimer.Stop()
	}
	r := c.detachLocked()
	c.setStateLocked(StateIdle)
	gen := c.gen
	c.restartTimer = time.AfterFunc(c.cfg.RestartDebounce, func() { c.restartFired(gen) })
	c.mu.Unlock()

	c.teardown(r, true)
}

// restartFired runs the start scheduled for generation gen. A Stop or a
// newer restart in between bumps the generation and cancels it, even when
// the timer had already fired.
func (c *SessionController) restartFired(gen uint64) {
	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		return
	}
	c.restartTimer = nil
	if err := c.startLocked(context.Background()); err != nil {
		c.logger.Warn("restart failed", "error", err)
	}
}

// SetMicGain ramps the live pre-gain.
func (c *SessionController) SetMicGain(g float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.settings.MicGain = g
	if c.cur != nil {
		c.cur.graph.SetPreGain(g)
	}
}

// SetVolume changes the output volume live.
func (c *SessionController) SetVolume(v float64) {
	c.mu.Lock()
	c.settings.Volume = v
	c.mu.Unlock()
	if c.deps.Volume != nil {
		c.deps.Volume.SetVolume(v)
	}
}

// SubmitText queues a test-mode request that speaks text without going
// through transcription or generation.
func (c *SessionController) SubmitText(ctx context.Context, text string) error {
	c.mu.Lock()
	r := c.cur
	c.mu.Unlock()
	if r == nil {
		return ErrNotRunning
	}
	select {
	case r.requests <- pipeline.Request{TestMessage: text, Settings: r.settings}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-r.ctx.Done():
		return ErrNotRunning
	}
}

func (c *SessionController) enqueue(r *run, req pipeline.Request) {
	select {
	case r.requests <- req:
	default:
		c.logger.Warn("dropping request, pipeline queue full", "session_id", r.id)
		c.emit(r.id, ErrorEvent, ErrorInfo{Kind: KindUnknown, Message: ErrQueueFull.Error()})
	}
}

func (c *SessionController) vadLoop(r *run) error {
	ticker := time.NewTicker(c.cfg.VADTick)
	defer ticker.Stop()
	analyser := r.graph.Analyser()

	for {
		select {
		case <-r.ctx.Done():
			return nil
		case now := <-ticker.C:
			ev := r.vad.Process(analyser.RMS(), now)
			r.graph.SetGateOpen(r.vad.VoiceNow())
			if ev == nil {
				continue
			}
			c.metrics.ObserveVAD(ev.Type == VADSpeechStart)

			switch ev.Type {
			case VADSpeechStart:
				ok, err := r.recorder.Start()
				if err != nil {
					c.logger.Error("recorder start failed", "error", err)
					continue
				}
				if ok {
					c.emit(r.id, UserSpeaking, nil)
				}

			case VADSpeechEnd:
				c.emit(r.id, UserStopped, nil)
				payload, err := r.recorder.Stop()
				if err != nil {
					c.logger.Error("recorder stop failed", "error", err)
					continue
				}
				if payload == nil {
					c.logger.Debug("discarding empty utterance", "session_id", r.id)
					continue
				}
				c.metrics.ObserveUtterance(len(payload.Data), payload.Duration)
				c.emit(r.id, UtteranceCaptured, payload.Duration)
				c.enqueue(r, pipeline.Request{Payload: payload, Settings: r.settings})
			}
		}
	}
}

func (c *SessionController) levelLoop(r *run) error {
	ticker := time.NewTicker(c.cfg.LevelTick)
	defer ticker.Stop()
	analyser := r.graph.Analyser()
	for {
		select {
		case <-r.ctx.Done():
			c.level.Store(0)
			return nil
		case <-ticker.C:
			c.level.Store(int32(audio.DisplayLevel(analyser.RMS())))
		}
	}
}

// worker serializes pipeline calls: one request in flight per session.
func (c *SessionController) worker(gen uint64, r *run) error {
	for {
		select {
		case <-r.ctx.Done():
			return nil
		case req := <-r.requests:
			if err := c.handle(r, req); err != nil {
				if r.ctx.Err() != nil {
					return nil
				}
				c.fail(gen, r, err)
				return nil
			}
		}
	}
}

func (c *SessionController) handle(r *run, req pipeline.Request) error {
	started := time.Now()
	resp, err := c.deps.Processor.Process(r.ctx, req)
	if err != nil {
		c.metrics.ObservePipeline(time.Since(started), pipeline.Timings{}, err)
		return err
	}
	c.metrics.ObservePipeline(time.Since(started), resp.Timings, nil)
	c.logger.Info("pipeline response",
		"session_id", r.id,
		"request_id", resp.RequestID,
		"content_type", resp.ContentType,
		"stt_ms", resp.Timings.STT.Milliseconds(),
		"llm_ms", resp.Timings.LLM.Milliseconds(),
		"tts_ms", resp.Timings.TTS.Milliseconds(),
	)
	if resp.Transcript != "" {
		c.emit(r.id, TranscriptFinal, resp.Transcript)
	}
	if resp.ResponseText != "" {
		c.emit(r.id, BotResponse, resp.ResponseText)
	}
	c.emit(r.id, TimingsReported, resp.Timings)

	res, err := c.deps.Playback.Play(r.ctx, resp, func() {
		c.transition(r, StateListening, StateSpeaking)
		c.emit(r.id, BotSpeaking, nil)
	})
	c.metrics.ObservePlayback(res, err)
	if res.FellBack {
		c.logger.Warn("playback fell back to buffered mode", "session_id", r.id, "reason", res.Reason)
	}
	c.transition(r, StateSpeaking, StateListening)
	if err != nil {
		return err
	}
	c.emit(r.id, PlaybackFinished, res)
	return nil
}

// transition moves from one state to another if r is still current and the
// controller is in from.
func (c *SessionController) transition(r *run, from, to State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cur != r || c.state != from {
		return
	}
	c.setStateLocked(to)
}

// fail tears down the session of generation gen (if it is still current) and
// enters the error state.
func (c *SessionController) fail(gen uint64, r *run, err error) {
	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		return
	}
	if r != nil && c.cur != r {
		c.mu.Unlock()
		return
	}
	detached := c.detachLocked()
	c.setStateLocked(StateError)
	c.showErrorLocked(err)
	c.mu.Unlock()

	c.logger.Error("session failed", "error", err, "kind", Classify(err))
	// Called from the worker: the loops are cancelled but not awaited.
	c.teardown(detached, false)
}

// detachLocked hands the current run to the caller and bumps the
// generation so pending starts and failures of the old run are ignored.
func (c *SessionController) detachLocked() *run {
	r := c.cur
	c.cur = nil
	c.gen++
	return r
}

func (c *SessionController) teardown(r *run, wait bool) {
	if r == nil {
		return
	}
	r.cancel()
	r.recorder.Abort()
	if r.track != nil {
		if err := r.track.Stop(); err != nil {
			c.logger.Warn("mic track stop failed", "error", err)
		}
	}
	if wait {
		r.group.Wait()
	}
	r.graph.Close()
	c.level.Store(0)
	c.logger.Info("session stopped", "session_id", r.id)
}

func (c *SessionController) setStateLocked(s State) {
	if c.state == s {
		return
	}
	c.state = s
	c.metrics.SetState(s)
	id := ""
	if c.cur != nil {
		id = c.cur.id
	}
	c.emit(id, StateChanged, s)
}

func (c *SessionController) showErrorLocked(err error) {
	c.lastErr = err
	c.errSeq++
	seq := c.errSeq
	if c.errTimer != nil {
		c.errTimer.Stop()
	}
	c.emit("", ErrorEvent, ErrorInfo{Kind: Classify(err), Message: UserMessage(err)})
	c.errTimer = time.AfterFunc(c.cfg.ErrorDisplayTimeout, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.errSeq != seq || c.lastErr == nil {
			return
		}
		c.lastErr = nil
		c.errTimer = nil
		c.emit("", ErrorCleared, nil)
	})
}

func (c *SessionController) clearErrorLocked() {
	c.errSeq++
	if c.errTimer != nil {
		c.errTimer.Stop()
		c.errTimer = nil
	}
	c.lastErr = nil
}

func (c *SessionController) emit(sessionID string, eventType EventType, data interface{}) {
	event := OrchestratorEvent{
		Type:      eventType,
		SessionID: sessionID,
		Data:      data,
	}
	select {
	case c.events <- event:
	default:
		c.logger.Warn("event dropped, channel full", "type", eventType)
	}
}
