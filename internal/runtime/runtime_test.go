package runtime

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/loqalabs/minerlex/internal/answer"
	"github.com/loqalabs/minerlex/internal/capability"
	"github.com/loqalabs/minerlex/internal/config"
	"github.com/loqalabs/minerlex/internal/input"
	"github.com/loqalabs/minerlex/internal/language"
	"github.com/loqalabs/minerlex/internal/llm"
	"github.com/loqalabs/minerlex/internal/pipeline"
	"github.com/loqalabs/minerlex/internal/protocol"
	"github.com/loqalabs/minerlex/internal/stt"
	"github.com/loqalabs/minerlex/internal/translate"
	"github.com/loqalabs/minerlex/internal/tts"
)

type failingGenerator struct{}

func (failingGenerator) Generate(context.Context, llm.Request, func(llm.Chunk) error) error {
	return errors.New("quota exceeded")
}

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestRuntime(t *testing.T, gen llm.Generator, registry *capability.Registry) *Runtime {
	t.Helper()
	logger := newLogger()
	tables := language.DefaultTables()
	orch, err := pipeline.New(pipeline.Components{
		Resolver:    input.NewResolver(stt.NewMockRecognizer("What is a mining lease?"), nil, input.Options{ListenWindow: time.Second}, logger),
		Answerer:    answer.New(gen, llm.Request{}, 0, logger),
		Translator:  translate.New(translate.NewMockBackend(), tables, translate.Options{}, logger),
		Synthesizer: tts.New(tts.NewMockEngine(16000, 1), tables, tts.Options{Dir: t.TempDir()}, logger),
		Tables:      tables,
	}, pipeline.Options{TurnTimeout: 5 * time.Second}, logger)
	if err != nil {
		t.Fatalf("new orchestrator: %v", err)
	}
	cfg := config.Default()
	rt := New(cfg, logger, orch, registry)
	rt.MarkReady(true)
	return rt
}

func postJSON(t *testing.T, h http.Handler, body string) (*httptest.ResponseRecorder, protocol.TurnResponse) {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/v1/turns", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	var resp protocol.TurnResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
	return rec, resp
}

func TestHealthAndReadiness(t *testing.T) {
	var up atomic.Bool
	registry := capability.NewRegistry(newLogger())
	defer registry.Close()
	registry.Register(capability.Capability{Name: "bus"}, up.Load)

	rt := newTestRuntime(t, llm.NewMockGenerator(), registry)
	h := rt.Handler()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("healthz: %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("readyz with bus down: %d", rec.Code)
	}

	up.Store(true)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("readyz: %d %s", rec.Code, rec.Body.String())
	}
	var body readiness
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode readiness: %v", err)
	}
	if !body.Ready || len(body.Capabilities) != 1 || body.Capabilities[0].Name != "bus" {
		t.Fatalf("unexpected readiness %+v", body)
	}

	rt.MarkReady(false)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("readyz while stopping: %d", rec.Code)
	}
}

func TestLanguagesEndpoint(t *testing.T) {
	rt := newTestRuntime(t, llm.NewMockGenerator(), nil)
	rec := httptest.NewRecorder()
	rt.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/languages", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("languages: %d", rec.Code)
	}
	var body struct {
		Default   string         `json:"default"`
		Languages []languageInfo `json:"languages"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Default != "English" || len(body.Languages) == 0 {
		t.Fatalf("unexpected body %+v", body)
	}
	found := false
	for _, l := range body.Languages {
		if l.Label == "Odia" {
			found = true
			if l.TranslationCode != "or_IN" || l.SpeechCode != "en" || !l.SpeechFallback {
				t.Fatalf("unexpected Odia entry %+v", l)
			}
		}
	}
	if !found {
		t.Fatalf("Odia missing from %+v", body.Languages)
	}
}

func TestTextTurn(t *testing.T) {
	rt := newTestRuntime(t, llm.NewMockGenerator(), nil)
	rec, resp := postJSON(t, rt.Handler(), `{"text":"What is a mining lease?","language":"Tamil"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d: %s", rec.Code, rec.Body.String())
	}
	if resp.State != "complete" || resp.Language != "Tamil" || resp.TranslationCode != "ta_IN" {
		t.Fatalf("unexpected response %+v", resp)
	}
	if resp.Voice != "ta" || len(resp.Audio) == 0 || resp.AudioFormat != "wav" {
		t.Fatalf("expected tamil audio, got voice=%q bytes=%d", resp.Voice, len(resp.Audio))
	}
}

func TestEmptyTurnIsBadRequest(t *testing.T) {
	rt := newTestRuntime(t, llm.NewMockGenerator(), nil)
	rec, resp := postJSON(t, rt.Handler(), `{"text":"   ","language":"Hindi"}`)
	if rec.Code != http.StatusBadRequest || resp.Error == nil || resp.Error.Kind != "no_input" {
		t.Fatalf("expected no_input 400, got %d %+v", rec.Code, resp.Error)
	}
}

func TestMalformedJSON(t *testing.T) {
	rt := newTestRuntime(t, llm.NewMockGenerator(), nil)
	rec, resp := postJSON(t, rt.Handler(), `{"text":`)
	if rec.Code != http.StatusBadRequest || resp.Error == nil || resp.Error.Kind != "bad_request" {
		t.Fatalf("expected bad_request, got %d %+v", rec.Code, resp.Error)
	}
}

func TestGenerationFailureIsBadGateway(t *testing.T) {
	rt := newTestRuntime(t, failingGenerator{}, nil)
	rec, resp := postJSON(t, rt.Handler(), `{"text":"q","language":"English"}`)
	if rec.Code != http.StatusBadGateway || resp.Error == nil || resp.Error.Kind != "generation" {
		t.Fatalf("expected generation 502, got %d %+v", rec.Code, resp.Error)
	}
	if resp.Answer != "" || len(resp.Audio) != 0 {
		t.Fatalf("failed turn must carry no output")
	}
}

func multipartBody(t *testing.T, name string, data []byte, lang string) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if err := mw.WriteField("language", lang); err != nil {
		t.Fatalf("write field: %v", err)
	}
	fw, err := mw.CreateFormFile("audio", name)
	if err != nil {
		t.Fatalf("create file: %v", err)
	}
	if _, err := fw.Write(data); err != nil {
		t.Fatalf("write file: %v", err)
	}
	if err := mw.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	return &buf, mw.FormDataContentType()
}

func toneWAV(t *testing.T) []byte {
	t.Helper()
	path := filepath.Join(t.TempDir(), "q.wav")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	pcm := make([]float32, 8000)
	for i := range pcm {
		pcm[i] = float32(0.3 * math.Sin(2*math.Pi*440*float64(i)/16000))
	}
	if err := stt.WriteWAV(f, pcm, 16000); err != nil {
		t.Fatalf("write wav: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	return data
}

func TestAudioClipTurn(t *testing.T) {
	rt := newTestRuntime(t, llm.NewMockGenerator(), nil)
	body, ctype := multipartBody(t, "q.wav", toneWAV(t), "Bengali")
	req := httptest.NewRequest(http.MethodPost, "/v1/turns", body)
	req.Header.Set("Content-Type", ctype)
	rec := httptest.NewRecorder()
	rt.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d: %s", rec.Code, rec.Body.String())
	}
	var resp protocol.TurnResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Query != "What is a mining lease?" || resp.Language != "Bengali" {
		t.Fatalf("unexpected response %+v", resp)
	}
}

func TestUndecodableClipIsUnprocessable(t *testing.T) {
	rt := newTestRuntime(t, llm.NewMockGenerator(), nil)
	body, ctype := multipartBody(t, "notes.txt", []byte("definitely not audio"), "Hindi")
	req := httptest.NewRequest(http.MethodPost, "/v1/turns", body)
	req.Header.Set("Content-Type", ctype)
	rec := httptest.NewRecorder()
	rt.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestWebSocketStreamsStatusThenResult(t *testing.T) {
	rt := newTestRuntime(t, llm.NewMockGenerator(), nil)
	srv := httptest.NewServer(rt.Handler())
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if err := conn.WriteJSON(protocol.TurnRequest{TurnID: "ws-1", Text: "What is a mining lease?", Language: "Odia"}); err != nil {
		t.Fatalf("write: %v", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var states []string
	for {
		var evt protocol.Event
		if err := conn.ReadJSON(&evt); err != nil {
			t.Fatalf("read: %v", err)
		}
		if evt.Type == protocol.EventStatus {
			states = append(states, evt.Status.State)
			continue
		}
		if evt.Type != protocol.EventResult || evt.Result == nil {
			t.Fatalf("unexpected event %+v", evt)
		}
		if evt.Result.TurnID != "ws-1" || evt.Result.Voice != "en" || !evt.Result.VoiceFallback {
			t.Fatalf("unexpected result %+v", evt.Result)
		}
		break
	}
	if got := strings.Join(states, ">"); got != "awaiting_input>generating>translating>synthesizing>complete" {
		t.Fatalf("unexpected statuses %s", got)
	}
}
