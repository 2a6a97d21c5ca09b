package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	log "log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/lmittmann/tint"
	cli "github.com/spf13/pflag"

	"github.com/loqalabs/minerlex/internal/audio/mic"
	"github.com/loqalabs/minerlex/internal/audio/speaker"
	"github.com/loqalabs/minerlex/internal/config"
	"github.com/loqalabs/minerlex/internal/eventstore"
	"github.com/loqalabs/minerlex/internal/factory"
	"github.com/loqalabs/minerlex/internal/input"
	"github.com/loqalabs/minerlex/internal/language"
	"github.com/loqalabs/minerlex/internal/pipeline"
	"github.com/loqalabs/minerlex/internal/stt"
	"github.com/loqalabs/minerlex/internal/stt/whisper"
)

var logLevelMap = map[string]log.Level{
	"debug": log.LevelDebug,
	"info":  log.LevelInfo,
	"warn":  log.LevelWarn,
	"error": log.LevelError,
}

type session struct {
	orch   *pipeline.Orchestrator
	tables language.Tables
	label  string
	play   bool
	mic    bool
	out    io.Writer
}

func main() {
	configPath := cli.StringP("config", "c", "", "Path to configuration file")
	envFile := cli.StringP("env", "e", ".env", "Env file path")
	lang := cli.StringP("lang", "L", "", "Answer language")
	logLevel := cli.StringP("log", "l", "warn", "Log level")
	proxyAddr := cli.StringP("proxy", "p", "", "Socks proxy address")
	useMic := cli.Bool("mic", false, "Enable microphone input (:speak)")
	noPlay := cli.Bool("no-play", false, "Do not play synthesized answers")
	cli.Parse()

	log.SetDefault(log.New(tint.NewHandler(os.Stderr, &tint.Options{
		Level: logLevelMap[*logLevel],
	})))

	cfg, err := config.LoadWithEnv(*configPath, *envFile)
	if err != nil {
		log.Error("Failed to load config", "err", err)
		os.Exit(1)
	}
	if *proxyAddr != "" {
		cfg.Network.SocksProxy = *proxyAddr
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, *lang, *useMic, !*noPlay); err != nil {
		log.Error("Exited with error", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, label string, useMic, play bool) error {
	logger := log.Default()

	store, err := eventstore.Open(ctx, cfg.EventStore, logger)
	if err != nil {
		return fmt.Errorf("open event store: %w", err)
	}
	defer store.Close()

	var closeWhisper func() error
	opts := factory.Options{
		Recorder: store,
		NewWhisper: func(modelPath string, threads int) (stt.Recognizer, error) {
			r, err := whisper.New(modelPath, threads)
			if err != nil {
				return nil, err
			}
			closeWhisper = r.Close
			return r, nil
		},
	}
	if useMic {
		rec := mic.NewRecorder(ms(cfg.Recognition.ListenWindowMS))
		if err := rec.Init(); err != nil {
			return fmt.Errorf("init audio: %w", err)
		}
		defer rec.Close()
		opts.Capturer = rec
	}

	orch, err := factory.Build(ctx, cfg, logger, opts)
	if err != nil {
		return err
	}
	if closeWhisper != nil {
		defer closeWhisper()
	}

	if label == "" {
		label = cfg.Pipeline.DefaultLanguage
	}
	s := &session{orch: orch, tables: orch.Languages(), play: play, mic: useMic, out: os.Stdout}
	s.setLanguage(label)
	s.help()
	return s.loop(ctx, os.Stdin)
}

func (s *session) loop(ctx context.Context, in io.Reader) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		fmt.Fprintf(s.out, "[%s]> ", s.label)
		var line string
		var ok bool
		select {
		case <-ctx.Done():
			fmt.Fprintln(s.out)
			return nil
		case line, ok = <-lines:
			if !ok {
				return nil
			}
		}

		line = strings.TrimSpace(line)
		cmd, arg, _ := strings.Cut(line, " ")
		switch cmd {
		case ":quit", ":q":
			return nil
		case ":help":
			s.help()
		case ":langs":
			for _, e := range s.tables.Entries() {
				fmt.Fprintf(s.out, "  %s\n", e.DisplayName())
			}
		case ":lang":
			s.setLanguage(arg)
		case ":speak":
			if !s.mic {
				fmt.Fprintln(s.out, "Microphone is disabled; start with --mic.")
				continue
			}
			fmt.Fprintln(s.out, "Listening...")
			s.turn(ctx, input.Request{Source: input.SourceMicrophone})
		case ":clip":
			data, err := os.ReadFile(strings.TrimSpace(arg))
			if err != nil {
				fmt.Fprintf(s.out, "Cannot read clip: %v\n", err)
				continue
			}
			s.turn(ctx, input.Request{Source: input.SourceClip, Clip: data, ClipName: filepath.Base(arg)})
		default:
			s.turn(ctx, input.Request{Source: input.SourceText, Text: line})
		}
	}
}

func (s *session) help() {
	fmt.Fprintln(s.out, "Type a question, or :speak, :clip <file>, :lang <name>, :langs, :quit")
}

func (s *session) setLanguage(label string) {
	sel := s.tables.Resolve(label)
	if !sel.Recognized {
		fmt.Fprintf(s.out, "Unknown language %q, answering in English.\n", label)
	}
	s.label = sel.Label
	if sel.SpeechFallback {
		fmt.Fprintf(s.out, "%s has no voice; answers will be read with the English voice.\n", sel.Label)
	}
}

func (s *session) turn(ctx context.Context, req input.Request) {
	res, err := s.orch.Run(ctx, req, s.label)
	if err != nil {
		var f *pipeline.Failure
		if errors.As(err, &f) {
			fmt.Fprintln(s.out, f.UserMessage())
			return
		}
		fmt.Fprintf(s.out, "Error: %v\n", err)
		return
	}
	defer func() {
		if err := res.Release(); err != nil {
			log.Warn("Failed to release audio", "err", err)
		}
	}()

	if req.Source != input.SourceText {
		fmt.Fprintf(s.out, "Recognized: %s\n", res.Query)
	}
	fmt.Fprintf(s.out, "\n%s\n\n", res.Answer)
	if !res.Language.IsEnglish() {
		fmt.Fprintf(s.out, "%s:\n%s\n\n", res.Language.Label, res.Translation.Text)
	}
	for _, stage := range res.Degraded {
		switch stage {
		case pipeline.StageTranslation:
			fmt.Fprintln(s.out, "(translation unavailable, showing the English answer)")
		case pipeline.StageSpeech:
			fmt.Fprintln(s.out, "(audio unavailable)")
		}
	}

	if a := res.Audio(); a != nil && s.play {
		if err := speaker.Play(ctx, a.Path); err != nil {
			log.Warn("Playback failed", "err", err)
		}
	}
}

func ms(v int) time.Duration { return time.Duration(v) * time.Millisecond }
