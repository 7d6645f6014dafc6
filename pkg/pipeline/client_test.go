package pipeline

import (
	"context"
	"encoding/base64"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/lokutor-ai/voicechat/pkg/settings"
)

func TestClient_Process(t *testing.T) {
	var form map[string]string
	var audioName, audioType string
	var audioData []byte

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Errorf("parse form: %v", err)
			return
		}
		form = map[string]string{}
		for k, v := range r.MultipartForm.Value {
			form[k] = v[0]
		}
		f, hdr, err := r.FormFile("audio")
		if err != nil {
			t.Errorf("audio part: %v", err)
			return
		}
		audioName = hdr.Filename
		audioType = hdr.Header.Get("Content-Type")
		audioData, _ = io.ReadAll(f)

		w.Header().Set("Content-Type", "audio/wav")
		w.Header().Set(HeaderTranscript, base64.StdEncoding.EncodeToString([]byte("hola")))
		w.Header().Set(HeaderResponseText, base64.StdEncoding.EncodeToString([]byte("¿qué tal?")))
		w.Header().Set(HeaderSTTDuration, "120")
		w.Header().Set(HeaderLLMDuration, "340")
		w.Header().Set(HeaderTTSDuration, "200")
		w.Header().Set(HeaderTotalDuration, "660")
		w.Write([]byte("RIFFDATA"))
	}))
	defer server.Close()

	s := settings.Default()
	s.Voice = "nova"
	s.AILanguage = "es"
	s.TTSProvider = settings.ProviderCoqui
	s.Coqui.Speed = 1.25

	c := NewClient(server.URL)
	resp, err := c.Process(context.Background(), Request{
		Payload:  &UtterancePayload{Data: []byte{1, 2, 3}, MimeType: "audio/wav", Extension: "wav"},
		Settings: s,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if string(body) != "RIFFDATA" {
		t.Errorf("Expected body RIFFDATA, got %q", body)
	}
	if resp.Transcript != "hola" || resp.ResponseText != "¿qué tal?" {
		t.Errorf("Expected decoded metadata, got %q / %q", resp.Transcript, resp.ResponseText)
	}
	want := Timings{STT: 120 * time.Millisecond, LLM: 340 * time.Millisecond, TTS: 200 * time.Millisecond, Total: 660 * time.Millisecond}
	if resp.Timings != want {
		t.Errorf("Expected timings %+v, got %+v", want, resp.Timings)
	}
	if resp.ContentType != "audio/wav" || resp.RequestID == "" {
		t.Errorf("unexpected content type %q or request id %q", resp.ContentType, resp.RequestID)
	}

	if audioName != "utterance.wav" || audioType != "audio/wav" || string(audioData) != "\x01\x02\x03" {
		t.Errorf("unexpected audio part %q %q %v", audioName, audioType, audioData)
	}
	checks := map[string]string{
		"voice":        "nova",
		"language":     "es",
		"tts_provider": "coqui",
		"tts_speed":    "1.25",
		"request_id":   resp.RequestID,
	}
	for k, v := range checks {
		if form[k] != v {
			t.Errorf("field %s = %q, want %q", k, form[k], v)
		}
	}
	if _, ok := form["test_mode"]; ok {
		t.Error("test_mode must not be sent for recorded audio")
	}
}

func TestClient_TestMode(t *testing.T) {
	var form map[string][]string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.ParseMultipartForm(1 << 20)
		form = r.MultipartForm.Value
		if r.MultipartForm.File["audio"] != nil {
			t.Error("no audio part expected in test mode")
		}
		w.Write([]byte("x"))
	}))
	defer server.Close()

	resp, err := NewClient(server.URL).Process(context.Background(), Request{TestMessage: "Hello there", Settings: settings.Default()})
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if form["test_mode"][0] != "true" || form["test_message"][0] != "Hello there" {
		t.Errorf("unexpected test fields %v", form)
	}
}

func TestClient_RequiresInput(t *testing.T) {
	if _, err := NewClient("http://unused").Process(context.Background(), Request{}); err == nil {
		t.Error("Expected error for an empty request")
	}
}

func TestClient_ErrorClassification(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		body      string
		wantStage Stage
		wantMsg   string
	}{
		{"json detail tts", 500, `{"detail":"Piper synthesis failed"}`, StageTTS, "Piper synthesis failed"},
		{"json error stt", 502, `{"error":"Whisper transcription timeout"}`, StageSTT, "Whisper transcription timeout"},
		{"plain llm", 503, "LLM backend overloaded", StageLLM, "LLM backend overloaded"},
		{"unknown", 500, "something broke", StageUnknown, "something broke"},
		{"empty body", 404, "", StageUnknown, "Not Found"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer server.Close()

			_, err := NewClient(server.URL).Process(context.Background(), Request{TestMessage: "hi"})
			var perr *Error
			if !errors.As(err, &perr) {
				t.Fatalf("Expected *Error, got %v", err)
			}
			if perr.Status != tt.status || perr.Stage != tt.wantStage || perr.Message != tt.wantMsg {
				t.Errorf("got status %d stage %s message %q", perr.Status, perr.Stage, perr.Message)
			}
		})
	}
}

func TestClient_EmptyResult(t *testing.T) {
	tests := []struct {
		name      string
		header    bool
		wantStage Stage
	}{
		{"empty synthesis", false, StageTTS},
		{"empty transcript", true, StageSTT},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if tt.header {
					w.Header().Set(HeaderTranscript, base64.StdEncoding.EncodeToString([]byte("  ")))
				}
				w.WriteHeader(http.StatusOK)
			}))
			defer server.Close()

			_, err := NewClient(server.URL).Process(context.Background(), Request{
				Payload: &UtterancePayload{Data: []byte{0}, MimeType: "audio/wav", Extension: "wav"},
			})
			if !errors.Is(err, ErrEmptyResult) {
				t.Fatalf("Expected ErrEmptyResult, got %v", err)
			}
			var perr *Error
			errors.As(err, &perr)
			if perr.Stage != tt.wantStage {
				t.Errorf("Expected stage %s, got %s", tt.wantStage, perr.Stage)
			}
		})
	}
}

func TestClient_TransportError(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	url := server.URL
	server.Close()

	_, err := NewClient(url).Process(context.Background(), Request{TestMessage: "hi"})
	var terr *TransportError
	if !errors.As(err, &terr) {
		t.Fatalf("Expected *TransportError, got %v", err)
	}
}

func TestDecodeHeader_FallsBackToRaw(t *testing.T) {
	if got := decodeHeader("not base64!"); got != "not base64!" {
		t.Errorf("got %q", got)
	}
}
