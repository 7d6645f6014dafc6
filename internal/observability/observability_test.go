package observability

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/lokutor-ai/voicechat/pkg/orchestrator"
	"github.com/lokutor-ai/voicechat/pkg/pipeline"
)

func TestHealthCheckHandler(t *testing.T) {
	reg := prometheus.NewRegistry()
	srv := httptest.NewServer(NewMux(reg, func() string { return "listening" }))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/health")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200, got %d", resp.StatusCode)
	}
	var got HealthStatus
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Status != "ok" || got.Service != "voice-agent" || got.State != "listening" {
		t.Errorf("unexpected health body: %+v", got)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	m.SetState(orchestrator.StateListening)

	srv := httptest.NewServer(NewMux(reg, nil))
	defer srv.Close()
	resp, err := http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	var buf bytes.Buffer
	buf.ReadFrom(resp.Body)
	if !strings.Contains(buf.String(), `voice_agent_session_state{state="listening"} 1`) {
		t.Errorf("Expected session state in /metrics, got:\n%s", buf.String())
	}
}

// value returns the counter or gauge sample of family name whose labels
// include all of labels.
func value(t *testing.T, reg *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	for _, f := range families {
		if f.GetName() != name {
			continue
		}
	metrics:
		for _, m := range f.GetMetric() {
			got := map[string]string{}
			for _, l := range m.GetLabel() {
				got[l.GetName()] = l.GetValue()
			}
			for k, v := range labels {
				if got[k] != v {
					continue metrics
				}
			}
			if c := m.GetCounter(); c != nil {
				return c.GetValue()
			}
			return m.GetGauge().GetValue()
		}
	}
	return 0
}

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.SetState(orchestrator.StateSpeaking)
	m.SetState(orchestrator.StateListening)
	if v := value(t, reg, "voice_agent_session_state", map[string]string{"state": "speaking"}); v != 0 {
		t.Errorf("Expected speaking gauge 0, got %v", v)
	}
	if v := value(t, reg, "voice_agent_session_state", map[string]string{"state": "listening"}); v != 1 {
		t.Errorf("Expected listening gauge 1, got %v", v)
	}

	m.ObserveVAD(true)
	m.ObserveVAD(false)
	m.ObserveVAD(true)
	if v := value(t, reg, "voice_agent_vad_events_total", map[string]string{"event": "start"}); v != 2 {
		t.Errorf("Expected 2 starts, got %v", v)
	}

	m.ObserveUtterance(3200, 100*time.Millisecond)
	if v := value(t, reg, "voice_agent_audio_bytes_total", map[string]string{"direction": "in"}); v != 3200 {
		t.Errorf("Expected 3200 bytes in, got %v", v)
	}

	m.ObservePipeline(time.Second, pipeline.Timings{STT: time.Second}, nil)
	m.ObservePipeline(time.Second, pipeline.Timings{}, &pipeline.Error{Stage: pipeline.StageTTS})
	if v := value(t, reg, "voice_agent_pipeline_requests_total", map[string]string{"status": "error"}); v != 1 {
		t.Errorf("Expected 1 failed request, got %v", v)
	}
	if v := value(t, reg, "voice_agent_errors_total", map[string]string{"kind": "pipeline_tts"}); v != 1 {
		t.Errorf("Expected 1 tts error, got %v", v)
	}

	m.ObservePlayback(orchestrator.PlaybackResult{Mode: orchestrator.PlaybackBuffered, FellBack: true, Reason: "append: bad header", Bytes: 10}, nil)
	if v := value(t, reg, "voice_agent_playback_fallbacks_total", map[string]string{"reason": "append"}); v != 1 {
		t.Errorf("Expected 1 append fallback, got %v", v)
	}
	m.ObservePlayback(orchestrator.PlaybackResult{Mode: orchestrator.PlaybackBuffered}, &orchestrator.PlaybackError{Mode: orchestrator.PlaybackBuffered, Err: errors.New("x")})
	if v := value(t, reg, "voice_agent_playbacks_total", map[string]string{"mode": "buffered", "status": "error"}); v != 1 {
		t.Errorf("Expected 1 failed playback, got %v", v)
	}
}

func TestZerologAdapter(t *testing.T) {
	var buf bytes.Buffer
	log := NewZerologAdapter(newLogger(&buf, "debug", false))

	log.Info("session started", "session_id", "abc", "sample_rate", 16000, "error", errors.New("boom"))
	var line map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("Expected JSON log line, got %q", buf.String())
	}
	if line["message"] != "session started" || line["session_id"] != "abc" || line["sample_rate"] != float64(16000) || line["error"] != "boom" {
		t.Errorf("unexpected log line: %v", line)
	}
	if line["level"] != "info" {
		t.Errorf("Expected level info, got %v", line["level"])
	}

	buf.Reset()
	log.Warn("odd", "dangling")
	if !strings.Contains(buf.String(), "!BADKEY") {
		t.Errorf("Expected dangling key marker, got %q", buf.String())
	}
}

func TestLoggerLevel(t *testing.T) {
	var buf bytes.Buffer
	log := NewZerologAdapter(newLogger(&buf, "warn", false))
	log.Info("hidden")
	if buf.Len() != 0 {
		t.Errorf("Expected info to be filtered at warn level, got %q", buf.String())
	}
	log.Error("shown")
	if buf.Len() == 0 {
		t.Error("Expected error to be logged")
	}

	buf.Reset()
	NewZerologAdapter(newLogger(&buf, "nonsense", false)).Info("defaulted")
	if buf.Len() == 0 {
		t.Error("Expected unknown level to fall back to info")
	}
}
