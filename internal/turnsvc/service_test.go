package turnsvc

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/loqalabs/minerlex/internal/answer"
	"github.com/loqalabs/minerlex/internal/bus"
	"github.com/loqalabs/minerlex/internal/config"
	"github.com/loqalabs/minerlex/internal/input"
	"github.com/loqalabs/minerlex/internal/language"
	"github.com/loqalabs/minerlex/internal/llm"
	"github.com/loqalabs/minerlex/internal/natsserver"
	"github.com/loqalabs/minerlex/internal/pipeline"
	"github.com/loqalabs/minerlex/internal/protocol"
	"github.com/loqalabs/minerlex/internal/stt"
	"github.com/loqalabs/minerlex/internal/translate"
	"github.com/loqalabs/minerlex/internal/tts"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func startService(t *testing.T) *nats.Conn {
	t.Helper()
	logger := newLogger()
	cfg := config.BusConfig{
		Enabled:    true,
		Embedded:   true,
		Port:       -1,
		StoreDir:   t.TempDir(),
		QueueGroup: "minerlex",
	}
	srv, err := natsserver.Start(cfg, logger)
	if err != nil {
		t.Fatalf("start nats: %v", err)
	}
	t.Cleanup(srv.Shutdown)

	client, err := bus.Connect(context.Background(), cfg, logger, srv.ClientURL())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(client.Close)

	tables := language.DefaultTables()
	orch, err := pipeline.New(pipeline.Components{
		Resolver:    input.NewResolver(stt.NewMockRecognizer("unused"), nil, input.Options{ListenWindow: time.Second}, logger),
		Answerer:    answer.New(llm.NewMockGenerator(), llm.Request{}, 0, logger),
		Translator:  translate.New(translate.NewMockBackend(), tables, translate.Options{}, logger),
		Synthesizer: tts.New(tts.NewMockEngine(16000, 1), tables, tts.Options{Dir: t.TempDir()}, logger),
		Tables:      tables,
	}, pipeline.Options{TurnTimeout: 5 * time.Second}, logger)
	if err != nil {
		t.Fatalf("new orchestrator: %v", err)
	}

	svc := NewService(context.Background(), cfg, client, orch, "English", logger)
	if err := svc.Start(true, time.Hour); err != nil {
		t.Fatalf("start service: %v", err)
	}
	t.Cleanup(svc.Close)
	if !svc.Healthy() {
		t.Fatalf("service should report healthy")
	}

	nc, err := nats.Connect(srv.ClientURL())
	if err != nil {
		t.Fatalf("client connect: %v", err)
	}
	t.Cleanup(nc.Close)
	return nc
}

func request(t *testing.T, nc *nats.Conn, req protocol.TurnRequest) protocol.TurnResponse {
	t.Helper()
	data, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	msg, err := nc.Request(protocol.SubjectTurnRequest, data, 5*time.Second)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	var resp protocol.TurnResponse
	if err := json.Unmarshal(msg.Data, &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return resp
}

func TestTextTurnRoundTrip(t *testing.T) {
	nc := startService(t)

	statuses := make(chan *nats.Msg, 16)
	sub, err := nc.ChanSubscribe(protocol.StatusSubject("turn-1"), statuses)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Unsubscribe()
	if err := nc.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	resp := request(t, nc, protocol.TurnRequest{TurnID: "turn-1", Text: "What is a mining lease?", Language: "Hindi"})
	if resp.Error != nil {
		t.Fatalf("unexpected error %+v", resp.Error)
	}
	if resp.TurnID != "turn-1" || resp.State != string(pipeline.Complete) {
		t.Fatalf("unexpected response %+v", resp)
	}
	if !strings.HasPrefix(resp.Translation, "[hi_IN] ") || resp.TranslationStatus != string(translate.StatusTranslated) {
		t.Fatalf("unexpected translation %q (%s)", resp.Translation, resp.TranslationStatus)
	}
	if resp.Voice != "hi" || resp.AudioFormat != "wav" || len(resp.Audio) == 0 {
		t.Fatalf("expected hindi wav audio, got voice=%q format=%q bytes=%d", resp.Voice, resp.AudioFormat, len(resp.Audio))
	}

	want := []string{"awaiting_input", "generating", "translating", "synthesizing", "complete"}
	for i, state := range want {
		select {
		case msg := <-statuses:
			var st protocol.TurnStatus
			if err := json.Unmarshal(msg.Data, &st); err != nil {
				t.Fatalf("decode status: %v", err)
			}
			if st.State != state {
				t.Fatalf("status %d: got %s, want %s", i, st.State, state)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("missing status %s", state)
		}
	}
}

func TestEmptyRequestIsAborted(t *testing.T) {
	nc := startService(t)
	resp := request(t, nc, protocol.TurnRequest{Language: "Tamil"})
	if resp.State != string(pipeline.Aborted) || resp.Error == nil {
		t.Fatalf("expected aborted turn, got %+v", resp)
	}
	if resp.Error.Kind != string(pipeline.KindNoInput) || resp.Error.Message == "" {
		t.Fatalf("unexpected error %+v", resp.Error)
	}
	if len(resp.Audio) != 0 || resp.Answer != "" {
		t.Fatalf("aborted turn must carry no output")
	}
}

func TestMalformedRequest(t *testing.T) {
	nc := startService(t)
	msg, err := nc.Request(protocol.SubjectTurnRequest, []byte("{"), 5*time.Second)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	var resp protocol.TurnResponse
	if err := json.Unmarshal(msg.Data, &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Error == nil || resp.Error.Kind != "bad_request" {
		t.Fatalf("expected bad_request, got %+v", resp)
	}
}

func TestStatusesAreRetained(t *testing.T) {
	nc := startService(t)
	resp := request(t, nc, protocol.TurnRequest{TurnID: "turn-kept", Text: "Who issues a prospecting licence?"})
	if resp.Error != nil {
		t.Fatalf("unexpected error %+v", resp.Error)
	}

	js, err := nc.JetStream()
	if err != nil {
		t.Fatalf("jetstream: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for {
		info, err := js.StreamInfo(StatusStream)
		if err != nil {
			t.Fatalf("stream info: %v", err)
		}
		if info.State.Msgs >= 5 {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected five retained statuses, got %d", info.State.Msgs)
		}
		time.Sleep(20 * time.Millisecond)
	}
}
