// Command minerlex-lambda answers text and clip turns as an AWS Lambda
// function.
package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/aws/aws-lambda-go/lambda"

	"github.com/loqalabs/minerlex/internal/config"
	"github.com/loqalabs/minerlex/internal/factory"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	cfg, err := config.Load(os.Getenv("MINERLEX_CONFIG"))
	if err != nil {
		logger.Error("failed to load config", slog.String("error", err.Error()))
		os.Exit(1)
	}
	// Only /tmp is writable inside Lambda.
	if cfg.Speech.Dir == "" {
		cfg.Speech.Dir = os.TempDir()
	}

	orch, err := factory.Build(context.Background(), cfg, logger, factory.Options{})
	if err != nil {
		logger.Error("failed to build pipeline", slog.String("error", err.Error()))
		os.Exit(1)
	}

	h := newHandler(orch, cfg.Pipeline.DefaultLanguage, logger)
	lambda.Start(h.handle)
}
