// Package factory builds the pipeline from configuration.
package factory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/loqalabs/minerlex/internal/answer"
	"github.com/loqalabs/minerlex/internal/audio"
	"github.com/loqalabs/minerlex/internal/capability"
	"github.com/loqalabs/minerlex/internal/config"
	"github.com/loqalabs/minerlex/internal/input"
	"github.com/loqalabs/minerlex/internal/language"
	"github.com/loqalabs/minerlex/internal/llm"
	"github.com/loqalabs/minerlex/internal/netproxy"
	"github.com/loqalabs/minerlex/internal/pipeline"
	"github.com/loqalabs/minerlex/internal/stt"
	"github.com/loqalabs/minerlex/internal/translate"
	"github.com/loqalabs/minerlex/internal/tts"
)

// maxClipSeconds caps how much of an uploaded clip is recognized.
const maxClipSeconds = 60

// Options carries the pieces that cannot be derived from config alone.
type Options struct {
	// NewWhisper loads a local model. Required for recognition.mode whisper;
	// it lives outside this package because it needs cgo.
	NewWhisper func(modelPath string, threads int) (stt.Recognizer, error)
	// Capturer records from a microphone. Nil disables microphone input.
	Capturer input.Capturer
	// Recorder keeps the turn audit log. Optional.
	Recorder pipeline.Recorder
	// Tables overrides the default language tables.
	Tables *language.Tables
}

func ms(v int) time.Duration { return time.Duration(v) * time.Millisecond }

// NewGenerator selects the answer backend.
func NewGenerator(cfg config.Config) (llm.Generator, error) {
	g := cfg.Generation
	switch g.Mode {
	case "openai":
		client, err := netproxy.NewClient(cfg.Network.SocksProxy, ms(g.TimeoutMS))
		if err != nil {
			return nil, err
		}
		return llm.NewOpenAIGenerator(g.Endpoint, g.APIKey, g.Model, client)
	case "ollama":
		client, err := netproxy.NewClient(cfg.Network.SocksProxy, 0)
		if err != nil {
			return nil, err
		}
		return llm.NewOllamaGenerator(g.Endpoint, g.Model, client), nil
	case "exec":
		return llm.NewExecGenerator(g.Command)
	case "mock":
		return llm.NewMockGenerator(), nil
	default:
		return nil, fmt.Errorf("unsupported generation mode %q", g.Mode)
	}
}

// NewRecognizer selects the speech recognition backend.
func NewRecognizer(cfg config.RecognitionConfig, opts Options) (stt.Recognizer, error) {
	switch cfg.Mode {
	case "mock":
		return stt.NewMockRecognizer(""), nil
	case "exec":
		return stt.NewExecRecognizer(cfg.Command, cfg.ModelPath)
	case "whisper":
		if opts.NewWhisper == nil {
			return nil, errors.New("whisper recognition is not available in this build")
		}
		return opts.NewWhisper(cfg.ModelPath, cfg.Threads)
	default:
		return nil, fmt.Errorf("unsupported recognition mode %q", cfg.Mode)
	}
}

// NewTranslationBackend selects the translation backend.
func NewTranslationBackend(ctx context.Context, cfg config.Config) (translate.Backend, error) {
	t := cfg.Translation
	switch t.Mode {
	case "mock":
		return translate.NewMockBackend(), nil
	case "exec":
		return translate.NewExecBackend(t.Command)
	case "http":
		client, err := netproxy.NewClient(cfg.Network.SocksProxy, ms(t.TimeoutMS))
		if err != nil {
			return nil, err
		}
		return translate.NewHTTPBackend(t.Endpoint, t.APIKey, client), nil
	case "lambda":
		return translate.NewLambdaBackend(ctx, t.FunctionName, t.Region, t.MaxChunkTokens)
	default:
		return nil, fmt.Errorf("unsupported translation mode %q", t.Mode)
	}
}

// NewSpeechEngine selects the speech synthesis backend.
func NewSpeechEngine(cfg config.Config) (tts.Engine, error) {
	s := cfg.Speech
	switch s.Mode {
	case "mock":
		return tts.NewMockEngine(s.SampleRate, s.Channels), nil
	case "exec":
		return tts.NewExecEngine(s.Command, s.SampleRate, s.Channels)
	case "gtts":
		client, err := netproxy.NewClient(cfg.Network.SocksProxy, ms(s.TimeoutMS))
		if err != nil {
			return nil, err
		}
		return tts.NewGTTSEngine(s.Endpoint, client), nil
	default:
		return nil, fmt.Errorf("unsupported speech mode %q", s.Mode)
	}
}

// Build wires every stage into an orchestrator.
func Build(ctx context.Context, cfg config.Config, logger *slog.Logger, opts Options) (*pipeline.Orchestrator, error) {
	tables := language.DefaultTables()
	if opts.Tables != nil {
		tables = *opts.Tables
	}

	recognizer, err := NewRecognizer(cfg.Recognition, opts)
	if err != nil {
		return nil, fmt.Errorf("recognition: %w", err)
	}
	generator, err := NewGenerator(cfg)
	if err != nil {
		return nil, fmt.Errorf("generation: %w", err)
	}
	backend, err := NewTranslationBackend(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("translation: %w", err)
	}
	engine, err := NewSpeechEngine(cfg)
	if err != nil {
		return nil, fmt.Errorf("speech: %w", err)
	}

	components := pipeline.Components{
		Resolver: input.NewResolver(recognizer, opts.Capturer, input.Options{
			Language:           cfg.Recognition.Language,
			ListenWindow:       ms(cfg.Recognition.ListenWindowMS),
			RecognitionTimeout: ms(cfg.Recognition.TimeoutMS),
			MaxClipSamples:     maxClipSeconds * audio.TargetRate,
		}, logger),
		Answerer: answer.New(generator, llm.OptionsFromConfig(cfg.Generation), ms(cfg.Generation.TimeoutMS), logger),
		Translator: translate.New(backend, tables, translate.Options{
			SourceCode:     cfg.Translation.SourceCode,
			MaxChunkTokens: cfg.Translation.MaxChunkTokens,
			Timeout:        ms(cfg.Translation.TimeoutMS),
		}, logger),
		Synthesizer: tts.New(engine, tables, tts.Options{
			Dir:     cfg.Speech.Dir,
			Timeout: ms(cfg.Speech.TimeoutMS),
		}, logger),
		Tables:   tables,
		Recorder: opts.Recorder,
	}
	return pipeline.New(components, pipeline.Options{TurnTimeout: ms(cfg.Pipeline.TurnTimeoutMS)}, logger)
}

// RegisterBackends advertises the configured backends. The stages fail
// open or report errors per turn, so they are registered without checks.
func RegisterBackends(reg *capability.Registry, cfg config.Config, microphone bool) {
	reg.Register(capability.Capability{
		Name: "generation", Tier: cfg.Generation.Mode,
		Attributes: map[string]string{"model": cfg.Generation.Model},
	}, nil)
	reg.Register(capability.Capability{
		Name: "recognition", Tier: cfg.Recognition.Mode,
		Attributes: map[string]string{"microphone": fmt.Sprint(microphone)},
	}, nil)
	reg.Register(capability.Capability{Name: "translation", Tier: cfg.Translation.Mode}, nil)
	reg.Register(capability.Capability{Name: "speech", Tier: cfg.Speech.Mode}, nil)
}

