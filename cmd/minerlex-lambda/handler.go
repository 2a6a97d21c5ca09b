package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/loqalabs/minerlex/internal/input"
	"github.com/loqalabs/minerlex/internal/pipeline"
	"github.com/loqalabs/minerlex/internal/protocol"
)

const warmupSource = "warmup"

type runner interface {
	Run(ctx context.Context, req input.Request, label string, opts ...pipeline.RunOption) (*pipeline.Result, error)
}

type handler struct {
	turns   runner
	defLang string
	logger  *slog.Logger
}

type warmupResponse struct {
	Status string `json:"status"`
}

func newHandler(turns runner, defaultLanguage string, logger *slog.Logger) *handler {
	return &handler{turns: turns, defLang: defaultLanguage, logger: logger.With(slog.String("component", "lambda"))}
}

// handle answers warmup pings directly and runs every other event as a
// protocol.TurnRequest.
func (h *handler) handle(ctx context.Context, event json.RawMessage) (any, error) {
	var head struct {
		Source string `json:"source"`
	}
	if err := json.Unmarshal(event, &head); err == nil && head.Source == warmupSource {
		return warmupResponse{Status: "warm"}, nil
	}

	var req protocol.TurnRequest
	if err := json.Unmarshal(event, &req); err != nil {
		return nil, err
	}

	in, label, opts := req.Turn(h.defLang)
	res, err := h.turns.Run(ctx, in, label, opts...)
	if err != nil {
		var f *pipeline.Failure
		if errors.As(err, &f) {
			return protocol.ResponseFromFailure(f.TurnID, f), nil
		}
		return nil, err
	}
	defer func() {
		if err := res.Release(); err != nil {
			h.logger.Warn("failed to release audio", slog.String("turn_id", res.TurnID), slog.String("error", err.Error()))
		}
	}()
	return protocol.ResponseFromResult(res), nil
}
