package factory

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/loqalabs/minerlex/internal/capability"
	"github.com/loqalabs/minerlex/internal/config"
	"github.com/loqalabs/minerlex/internal/input"
	"github.com/loqalabs/minerlex/internal/stt"
)

func mockConfig(t *testing.T) config.Config {
	cfg := config.Default()
	cfg.Generation.Mode = "mock"
	cfg.Recognition.Mode = "mock"
	cfg.Translation.Mode = "mock"
	cfg.Speech.Mode = "mock"
	cfg.Speech.Dir = t.TempDir()
	return cfg
}

func TestBuildMockPipeline(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	orch, err := Build(context.Background(), mockConfig(t), logger, Options{})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	res, err := orch.Run(context.Background(), input.Request{Source: input.SourceText, Text: "What is a mining lease?"}, "Hindi")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	defer res.Release()
	if res.Translation.Code != "hi_IN" || res.Audio() == nil {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestWhisperNeedsHook(t *testing.T) {
	cfg := config.RecognitionConfig{Mode: "whisper", ModelPath: "ggml-base.en.bin"}
	if _, err := NewRecognizer(cfg, Options{}); err == nil {
		t.Fatalf("expected error without whisper loader")
	}

	var gotPath string
	var gotThreads int
	rec, err := NewRecognizer(config.RecognitionConfig{Mode: "whisper", ModelPath: "m.bin", Threads: 4}, Options{
		NewWhisper: func(path string, threads int) (stt.Recognizer, error) {
			gotPath, gotThreads = path, threads
			return stt.NewMockRecognizer("x"), nil
		},
	})
	if err != nil || rec == nil {
		t.Fatalf("whisper hook: %v", err)
	}
	if gotPath != "m.bin" || gotThreads != 4 {
		t.Fatalf("hook called with %q %d", gotPath, gotThreads)
	}
}

func TestBackendSelection(t *testing.T) {
	cfg := mockConfig(t)
	cfg.Generation.Mode = "openai"
	cfg.Generation.APIKey = "k"
	if _, err := NewGenerator(cfg); err != nil {
		t.Fatalf("openai generator: %v", err)
	}
	cfg.Generation.Mode = "ollama"
	if _, err := NewGenerator(cfg); err != nil {
		t.Fatalf("ollama generator: %v", err)
	}
	cfg.Generation.Mode = "carrier-pigeon"
	if _, err := NewGenerator(cfg); err == nil {
		t.Fatalf("expected unsupported generation mode")
	}

	cfg.Translation.Mode = "http"
	if _, err := NewTranslationBackend(context.Background(), cfg); err != nil {
		t.Fatalf("http translation: %v", err)
	}
	cfg.Translation.Mode = "exec"
	cfg.Translation.Command = ""
	if _, err := NewTranslationBackend(context.Background(), cfg); err == nil {
		t.Fatalf("expected error for empty translation command")
	}

	cfg.Speech.Mode = "gtts"
	if _, err := NewSpeechEngine(cfg); err != nil {
		t.Fatalf("gtts engine: %v", err)
	}

	cfg.Network.SocksProxy = "127.0.0.1:1080"
	if _, err := NewSpeechEngine(cfg); err != nil {
		t.Fatalf("gtts engine through proxy: %v", err)
	}
}

func TestRegisterBackends(t *testing.T) {
	reg := capability.NewRegistry(slog.New(slog.NewTextHandler(io.Discard, nil)))
	defer reg.Close()
	RegisterBackends(reg, mockConfig(t), false)
	got := reg.Query(capability.WithTierFilter("mock"))
	if len(got) != 4 || !reg.Healthy() {
		t.Fatalf("expected four healthy mock backends, got %+v", got)
	}
}
