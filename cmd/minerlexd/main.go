package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/loqalabs/minerlex/internal/bus"
	"github.com/loqalabs/minerlex/internal/capability"
	"github.com/loqalabs/minerlex/internal/config"
	"github.com/loqalabs/minerlex/internal/eventstore"
	"github.com/loqalabs/minerlex/internal/factory"
	"github.com/loqalabs/minerlex/internal/natsserver"
	"github.com/loqalabs/minerlex/internal/runtime"
	"github.com/loqalabs/minerlex/internal/stt"
	"github.com/loqalabs/minerlex/internal/stt/whisper"
	"github.com/loqalabs/minerlex/internal/turnsvc"
)

var version = "0.1.0-dev"

func main() {
	var (
		configPath  string
		envFile     string
		showVersion bool
	)

	flag.StringVar(&configPath, "config", "minerlex.yaml", "Path to configuration file")
	flag.StringVar(&envFile, "env", ".env", "Path to dotenv file")
	flag.BoolVar(&showVersion, "version", false, "Print version and exit")
	flag.Parse()

	if showVersion {
		fmt.Println(version)
		return
	}

	bootLogger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	cfg, err := config.LoadWithEnv(configPath, envFile)
	if err != nil {
		bootLogger.Error("failed to load config", slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: parseLevel(cfg.Telemetry.LogLevel)}))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("runtime exited with error", slog.String("error", err.Error()))
		time.Sleep(1 * time.Second)
		os.Exit(1)
	}

	logger.Info("shutdown complete")
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	registry := capability.NewRegistry(logger)
	defer registry.Close()

	store, err := eventstore.Open(ctx, cfg.EventStore, logger)
	if err != nil {
		return fmt.Errorf("open event store: %w", err)
	}
	defer store.Close()
	registry.Register(capability.Capability{Name: "event_store", Tier: cfg.EventStore.RetentionMode}, store.Healthy)
	go pruneLoop(ctx, store, logger)

	var closeWhisper func() error
	orch, err := factory.Build(ctx, cfg, logger, factory.Options{
		Recorder: store,
		NewWhisper: func(modelPath string, threads int) (stt.Recognizer, error) {
			r, err := whisper.New(modelPath, threads)
			if err != nil {
				return nil, err
			}
			closeWhisper = r.Close
			return r, nil
		},
	})
	if err != nil {
		return fmt.Errorf("build pipeline: %w", err)
	}
	if closeWhisper != nil {
		defer closeWhisper()
	}
	factory.RegisterBackends(registry, cfg, false)

	if cfg.Bus.Enabled {
		srv, err := natsserver.Start(cfg.Bus, logger)
		if err != nil {
			return err
		}
		defer srv.Shutdown()

		var servers []string
		if srv != nil {
			servers = []string{srv.ClientURL()}
		}
		client, err := bus.Connect(ctx, cfg.Bus, logger, servers...)
		if err != nil {
			return err
		}
		defer client.Close()
		registry.Register(capability.Capability{Name: "bus", Tier: busTier(cfg.Bus)}, client.Healthy)

		svc := turnsvc.NewService(ctx, cfg.Bus, client, orch, cfg.Pipeline.DefaultLanguage, logger)
		retain := cfg.EventStore.RetentionMode != "ephemeral"
		if err := svc.Start(retain, time.Duration(cfg.EventStore.RetentionDays)*24*time.Hour); err != nil {
			return fmt.Errorf("start turn service: %w", err)
		}
		defer svc.Close()
		registry.Register(capability.Capability{Name: "turnsvc", Tier: cfg.Bus.QueueGroup}, svc.Healthy)
	}

	rt := runtime.New(cfg, logger, orch, registry)
	return rt.Start(ctx)
}

func pruneLoop(ctx context.Context, store *eventstore.Store, logger *slog.Logger) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := store.Prune(ctx); err != nil {
				logger.Warn("event store prune failed", slog.String("error", err.Error()))
			}
		}
	}
}

func busTier(cfg config.BusConfig) string {
	if cfg.Embedded {
		return "embedded"
	}
	return "external"
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
