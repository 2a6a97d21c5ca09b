package llm

import (
	"context"
	"strings"
	"time"

	"github.com/loqalabs/minerlex/internal/config"
)

// Request describes a single, history-free prompt.
type Request struct {
	TurnID      string
	Prompt      string
	System      string
	Model       string
	MaxTokens   int
	Temperature float64
	TopP        float64
	TopK        int
}

// Chunk represents model output. Backends that do not stream emit a single
// non-partial chunk.
type Chunk struct {
	TurnID           string
	Content          string
	Partial          bool
	PromptTokens     int
	CompletionTokens int
	Latency          time.Duration
}

// Generator defines a pluggable LLM backend.
type Generator interface {
	Generate(ctx context.Context, req Request, consumer func(Chunk) error) error
}

// OptionsFromConfig builds the fixed sampling parameters from config.
func OptionsFromConfig(cfg config.GenerationConfig) Request {
	return Request{
		System:      cfg.SystemPrompt,
		Model:       cfg.Model,
		MaxTokens:   cfg.MaxTokens,
		Temperature: cfg.Temperature,
		TopP:        cfg.TopP,
		TopK:        cfg.TopK,
	}
}

// Collect runs the generator and concatenates every chunk into one answer.
func Collect(ctx context.Context, gen Generator, req Request) (string, error) {
	var sb strings.Builder
	err := gen.Generate(ctx, req, func(chunk Chunk) error {
		sb.WriteString(chunk.Content)
		return nil
	})
	if err != nil {
		return "", err
	}
	return sb.String(), nil
}
