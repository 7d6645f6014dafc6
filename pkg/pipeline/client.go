// Package pipeline talks to the voice-processing endpoint: one multipart
// upload per utterance, answered by a streamed audio body.
package pipeline

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lokutor-ai/voicechat/pkg/settings"
)

// Response metadata headers.
const (
	HeaderTranscript    = "X-Transcript"
	HeaderResponseText  = "X-Response-Text"
	HeaderSTTDuration   = "X-STT-Duration-Ms"
	HeaderLLMDuration   = "X-LLM-Duration-Ms"
	HeaderTTSDuration   = "X-TTS-Duration-Ms"
	HeaderTotalDuration = "X-Total-Duration-Ms"
	HeaderRequestID     = "X-Request-Id"
)

// UtterancePayload is one finished recording.
type UtterancePayload struct {
	Data      []byte
	MimeType  string
	Extension string
	Duration  time.Duration
}

// Request is one pipeline call. With TestMessage set the endpoint skips
// transcription and generation and speaks the message as is.
type Request struct {
	Payload     *UtterancePayload
	TestMessage string
	Settings    settings.Settings
	RequestID   string
}

// Timings are the per-stage durations reported by the endpoint.
type Timings struct {
	STT   time.Duration
	LLM   time.Duration
	TTS   time.Duration
	Total time.Duration
}

// Response is a streamed answer. The caller must close Body.
type Response struct {
	Body         io.ReadCloser
	ContentType  string
	Transcript   string
	ResponseText string
	Timings      Timings
	RequestID    string
}

// Client uploads utterances to the pipeline endpoint.
type Client struct {
	url        string
	httpClient *http.Client
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient replaces http.DefaultClient. Do not set a Timeout on it:
// the audio body is streamed and would be cut off; use the context instead.
func WithHTTPClient(c *http.Client) ClientOption {
	return func(cl *Client) { cl.httpClient = c }
}

func NewClient(url string, opts ...ClientOption) *Client {
	c := &Client{url: url, httpClient: http.DefaultClient}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Process uploads req and returns as soon as response headers arrive.
func (c *Client) Process(ctx context.Context, req Request) (*Response, error) {
	if req.Payload == nil && req.TestMessage == "" {
		return nil, fmt.Errorf("pipeline: request has neither audio nor test message")
	}
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}

	body, contentType, err := encodeForm(req)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, body)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", contentType)
	httpReq.Header.Set(HeaderRequestID, req.RequestID)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, &TransportError{Op: "request", Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		msg := readErrorMessage(resp.Body)
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return nil, &Error{Status: resp.StatusCode, Stage: ClassifyStage(msg), Message: msg}
	}

	out := &Response{
		Body:         resp.Body,
		ContentType:  resp.Header.Get("Content-Type"),
		Transcript:   decodeHeader(resp.Header.Get(HeaderTranscript)),
		ResponseText: decodeHeader(resp.Header.Get(HeaderResponseText)),
		RequestID:    req.RequestID,
		Timings: Timings{
			STT:   durationHeader(resp.Header, HeaderSTTDuration),
			LLM:   durationHeader(resp.Header, HeaderLLMDuration),
			TTS:   durationHeader(resp.Header, HeaderTTSDuration),
			Total: durationHeader(resp.Header, HeaderTotalDuration),
		},
	}

	if resp.StatusCode == http.StatusNoContent || resp.ContentLength == 0 {
		resp.Body.Close()
		// An empty transcript means there was nothing to answer.
		stage := StageTTS
		if _, ok := resp.Header[HeaderTranscript]; ok && req.TestMessage == "" && strings.TrimSpace(out.Transcript) == "" {
			stage = StageSTT
		}
		return nil, &Error{Status: resp.StatusCode, Stage: stage, Err: ErrEmptyResult}
	}
	return out, nil
}

func encodeForm(req Request) (io.Reader, string, error) {
	buf := &bytes.Buffer{}
	w := multipart.NewWriter(buf)

	if p := req.Payload; p != nil {
		ext := p.Extension
		if ext == "" {
			ext = "bin"
		}
		h := make(textproto.MIMEHeader)
		h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="audio"; filename="utterance.%s"`, ext))
		h.Set("Content-Type", p.MimeType)
		part, err := w.CreatePart(h)
		if err != nil {
			return nil, "", err
		}
		if _, err := part.Write(p.Data); err != nil {
			return nil, "", err
		}
	}

	s := req.Settings
	tuning := s.ProviderTuning()
	fields := []struct{ name, value string }{
		{"system_prompt", s.SystemPrompt},
		{"temperature", formatFloat(s.Temperature)},
		{"voice", s.Voice},
		{"language", s.AILanguage},
		{"tts_provider", s.TTSProvider},
		{"tts_model", s.TTSModel},
		{"tts_speed", formatFloat(tuning.Speed)},
		{"tts_pitch", formatFloat(tuning.Pitch)},
		{"tts_temperature", formatFloat(tuning.Temperature)},
		{"request_id", req.RequestID},
	}
	if req.TestMessage != "" {
		fields = append(fields,
			struct{ name, value string }{"test_mode", "true"},
			struct{ name, value string }{"test_message", req.TestMessage},
		)
	}
	for _, f := range fields {
		if f.value == "" {
			continue
		}
		if err := w.WriteField(f.name, f.value); err != nil {
			return nil, "", err
		}
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return buf, w.FormDataContentType(), nil
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// readErrorMessage extracts the description from a JSON {"detail"} or
// {"error"} body, falling back to the raw text.
func readErrorMessage(r io.Reader) string {
	data, _ := io.ReadAll(io.LimitReader(r, 64<<10))
	text := strings.TrimSpace(string(data))

	var body map[string]any
	if err := json.Unmarshal(data, &body); err == nil {
		for _, key := range []string{"detail", "error", "message"} {
			switch v := body[key].(type) {
			case string:
				return v
			case map[string]any:
				if m, ok := v["message"].(string); ok {
					return m
				}
			case nil:
			default:
				b, _ := json.Marshal(v)
				return string(b)
			}
		}
	}
	return text
}

// decodeHeader decodes a base64 header, returning the raw value when it is
// not valid base64.
func decodeHeader(v string) string {
	if v == "" {
		return ""
	}
	b, err := base64.StdEncoding.DecodeString(v)
	if err != nil {
		return v
	}
	return string(b)
}

func durationHeader(h http.Header, key string) time.Duration {
	ms, err := strconv.ParseInt(strings.TrimSpace(h.Get(key)), 10, 64)
	if err != nil || ms < 0 {
		return 0
	}
	return time.Duration(ms) * time.Millisecond
}
