// Package answer turns a resolved query into a single answer from the
// configured generation backend.
package answer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/loqalabs/minerlex/internal/llm"
)

// ErrEmptyQuery is returned when Answer is called without text.
var ErrEmptyQuery = errors.New("answer: empty query")

// GenerationError reports a failed or empty answer. It aborts the turn.
type GenerationError struct {
	Err error
}

func (e *GenerationError) Error() string {
	return fmt.Sprintf("generation failed: %v", e.Err)
}

func (e *GenerationError) Unwrap() error { return e.Err }

// Generator wraps an llm.Generator with fixed sampling parameters.
type Generator struct {
	backend  llm.Generator
	defaults llm.Request
	timeout  time.Duration
	logger   *slog.Logger
}

func New(backend llm.Generator, defaults llm.Request, timeout time.Duration, logger *slog.Logger) *Generator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Generator{
		backend:  backend,
		defaults: defaults,
		timeout:  timeout,
		logger:   logger.With(slog.String("component", "answer")),
	}
}

// Answer asks the backend for one answer. Every call is a fresh request;
// nothing from earlier calls is sent along.
func (g *Generator) Answer(ctx context.Context, turnID, query string) (string, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return "", ErrEmptyQuery
	}

	if g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}

	req := g.defaults
	req.TurnID = turnID
	req.Prompt = query

	start := time.Now()
	text, err := llm.Collect(ctx, g.backend, req)
	if err != nil {
		g.logger.Warn("generation failed", slog.String("turn_id", turnID), slog.String("error", err.Error()))
		return "", &GenerationError{Err: err}
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return "", &GenerationError{Err: errors.New("backend returned an empty answer")}
	}
	g.logger.Debug("answer generated",
		slog.String("turn_id", turnID),
		slog.Int("chars", len(text)),
		slog.Duration("latency", time.Since(start)),
	)
	return text, nil
}
