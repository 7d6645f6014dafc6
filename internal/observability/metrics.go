package observability

import (
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/lokutor-ai/voicechat/pkg/orchestrator"
	"github.com/lokutor-ai/voicechat/pkg/pipeline"
)

var states = []orchestrator.State{
	orchestrator.StateIdle,
	orchestrator.StateConnecting,
	orchestrator.StateListening,
	orchestrator.StateSpeaking,
	orchestrator.StateError,
}

// Metrics implements orchestrator.Metrics with Prometheus collectors.
type Metrics struct {
	state        *prometheus.GaugeVec
	vadEvents    *prometheus.CounterVec
	utterances   prometheus.Counter
	utteranceLen prometheus.Histogram
	audioBytes   *prometheus.CounterVec
	requests     *prometheus.CounterVec
	roundTrip    prometheus.Histogram
	stageLatency *prometheus.HistogramVec
	playbacks    *prometheus.CounterVec
	fallbacks    *prometheus.CounterVec
	errorsTotal  *prometheus.CounterVec
}

// NewMetrics registers the collectors with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		state: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "voice_agent_session_state",
			Help: "1 for the current session state, 0 otherwise",
		}, []string{"state"}),
		vadEvents: f.NewCounterVec(prometheus.CounterOpts{
			Name: "voice_agent_vad_events_total",
			Help: "Speech start and end transitions",
		}, []string{"event"}),
		utterances: f.NewCounter(prometheus.CounterOpts{
			Name: "voice_agent_utterances_total",
			Help: "Recorded utterances sent to the pipeline",
		}),
		utteranceLen: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "voice_agent_utterance_duration_seconds",
			Help:    "Duration of recorded utterances",
			Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 30},
		}),
		audioBytes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "voice_agent_audio_bytes_total",
			Help: "Encoded audio bytes",
		}, []string{"direction"}), // direction: "in" or "out"
		requests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "voice_agent_pipeline_requests_total",
			Help: "Pipeline requests by outcome",
		}, []string{"status"}),
		roundTrip: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "voice_agent_pipeline_latency_seconds",
			Help:    "Time from upload to response headers",
			Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 30},
		}),
		stageLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "voice_agent_pipeline_stage_seconds",
			Help:    "Server-reported stage durations",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10},
		}, []string{"stage"}),
		playbacks: f.NewCounterVec(prometheus.CounterOpts{
			Name: "voice_agent_playbacks_total",
			Help: "Responses played by mode",
		}, []string{"mode", "status"}),
		fallbacks: f.NewCounterVec(prometheus.CounterOpts{
			Name: "voice_agent_playback_fallbacks_total",
			Help: "Streaming playbacks abandoned for buffered playback",
		}, []string{"reason"}),
		errorsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "voice_agent_errors_total",
			Help: "Session errors by kind",
		}, []string{"kind"}),
	}
}

func (m *Metrics) SetState(s orchestrator.State) {
	for _, st := range states {
		v := 0.0
		if st == s {
			v = 1
		}
		m.state.WithLabelValues(string(st)).Set(v)
	}
}

func (m *Metrics) ObserveVAD(speaking bool) {
	event := "end"
	if speaking {
		event = "start"
	}
	m.vadEvents.WithLabelValues(event).Inc()
}

func (m *Metrics) ObserveUtterance(bytes int, d time.Duration) {
	m.utterances.Inc()
	m.utteranceLen.Observe(d.Seconds())
	m.audioBytes.WithLabelValues("in").Add(float64(bytes))
}

func (m *Metrics) ObservePipeline(elapsed time.Duration, t pipeline.Timings, err error) {
	if err != nil {
		m.requests.WithLabelValues("error").Inc()
		m.errorsTotal.WithLabelValues(string(orchestrator.Classify(err))).Inc()
		return
	}
	m.requests.WithLabelValues("ok").Inc()
	m.roundTrip.Observe(elapsed.Seconds())
	for stage, d := range map[string]time.Duration{"stt": t.STT, "llm": t.LLM, "tts": t.TTS, "total": t.Total} {
		if d > 0 {
			m.stageLatency.WithLabelValues(stage).Observe(d.Seconds())
		}
	}
}

func (m *Metrics) ObservePlayback(res orchestrator.PlaybackResult, err error) {
	status := "ok"
	if err != nil {
		status = "error"
		m.errorsTotal.WithLabelValues(string(orchestrator.Classify(err))).Inc()
	}
	m.playbacks.WithLabelValues(string(res.Mode), status).Inc()
	m.audioBytes.WithLabelValues("out").Add(float64(res.Bytes))
	if res.FellBack {
		m.fallbacks.WithLabelValues(fallbackReason(res.Reason)).Inc()
	}
}

// fallbackReason keeps label cardinality bounded.
func fallbackReason(reason string) string {
	for _, prefix := range []string{"watchdog", "append", "stream", "open"} {
		if strings.HasPrefix(reason, prefix) {
			return prefix
		}
	}
	return "other"
}
