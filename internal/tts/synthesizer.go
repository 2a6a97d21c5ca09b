// Package tts renders answers as speech. Synthesis failures never fail a
// turn: the Outcome reports them and carries no artifact.
package tts

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"

	"github.com/loqalabs/minerlex/internal/audio"
	"github.com/loqalabs/minerlex/internal/language"
)

type Status string

const (
	StatusSynthesized Status = "synthesized"
	// StatusUnavailable: the engine failed; Artifact is nil.
	StatusUnavailable Status = "unavailable"
	// StatusSkipped: there was no text to speak.
	StatusSkipped Status = "skipped"
)

type Outcome struct {
	Artifact *Artifact
	Status   Status
	Voice    string
	// VoiceFallback is set when the language has no voice of its own and
	// English was used.
	VoiceFallback bool
	Err           error
}

// Degraded reports whether audio was expected but not produced.
func (o Outcome) Degraded() bool { return o.Status == StatusUnavailable }

type Options struct {
	// Dir holds artifacts; empty means the OS temp dir.
	Dir     string
	Timeout time.Duration
}

type Synthesizer struct {
	engine Engine
	tables language.Tables
	opts   Options
	logger *slog.Logger
}

func New(engine Engine, tables language.Tables, opts Options, logger *slog.Logger) *Synthesizer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Synthesizer{
		engine: engine,
		tables: tables,
		opts:   opts,
		logger: logger.With(slog.String("component", "tts")),
	}
}

// SynthesizeLabel resolves label and synthesizes. Unknown labels use the
// English voice.
func (s *Synthesizer) SynthesizeLabel(ctx context.Context, turnID, text, label string) Outcome {
	return s.Synthesize(ctx, turnID, text, s.tables.Resolve(label))
}

func (s *Synthesizer) Synthesize(ctx context.Context, turnID, text string, sel language.Selection) Outcome {
	voice := sel.SpeechCode
	fallback := sel.SpeechFallback
	if voice == "" {
		voice, _ = s.tables.SpeechCode(language.English)
		fallback = true
	}
	out := Outcome{Voice: voice, VoiceFallback: fallback}

	if strings.TrimSpace(text) == "" {
		out.Status = StatusSkipped
		return out
	}
	if fallback {
		s.logger.Info("no voice for language, using English voice", slog.String("language", sel.Label))
	}

	if s.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.opts.Timeout)
		defer cancel()
	}

	start := time.Now()
	artifact, err := s.render(ctx, SynthRequest{TurnID: turnID, Text: text, Voice: voice})
	if err != nil {
		s.logger.Warn("synthesis failed, continuing without audio",
			slog.String("turn_id", turnID),
			slog.String("voice", voice),
			slog.String("error", err.Error()),
		)
		out.Status = StatusUnavailable
		out.Err = err
		return out
	}
	s.logger.Debug("speech synthesized",
		slog.String("turn_id", turnID),
		slog.String("voice", voice),
		slog.Duration("audio", artifact.Duration),
		slog.Duration("latency", time.Since(start)),
	)
	out.Status = StatusSynthesized
	out.Artifact = artifact
	return out
}

func (s *Synthesizer) render(ctx context.Context, req SynthRequest) (artifact *Artifact, err error) {
	if s.engine == nil {
		return nil, errors.New("no speech engine configured")
	}
	defer func() {
		if r := recover(); r != nil {
			artifact, err = nil, fmt.Errorf("speech engine panicked: %v", r)
		}
	}()

	chunks, errs := s.engine.Synthesize(ctx, req)

	var (
		encoding   string
		mp3Data    []byte
		pcmData    []byte
		sampleRate int
		channels   int
	)
	for chunk := range chunks {
		if encoding == "" {
			encoding = chunk.Encoding
			sampleRate, channels = chunk.SampleRate, chunk.Channels
		} else if chunk.Encoding != encoding {
			drain(chunks)
			return nil, fmt.Errorf("engine mixed %s and %s chunks", encoding, chunk.Encoding)
		}
		switch chunk.Encoding {
		case EncodingMP3:
			mp3Data = append(mp3Data, chunk.Data...)
		case EncodingPCM16:
			pcmData = append(pcmData, chunk.Data...)
		default:
			drain(chunks)
			return nil, fmt.Errorf("unknown audio encoding %q", chunk.Encoding)
		}
	}
	if err := <-errs; err != nil {
		return nil, err
	}
	if len(mp3Data) == 0 && len(pcmData) == 0 {
		return nil, errors.New("engine produced no audio")
	}

	if encoding == EncodingMP3 {
		return s.write(req.Voice, "mp3", func(f *os.File) error {
			_, err := f.Write(mp3Data)
			return err
		})
	}
	return s.write(req.Voice, "wav", func(f *os.File) error {
		return writePCMWAV(f, pcmData, sampleRate, channels)
	})
}

func (s *Synthesizer) write(voice, format string, fill func(*os.File) error) (*Artifact, error) {
	if s.opts.Dir != "" {
		if err := os.MkdirAll(s.opts.Dir, 0o755); err != nil {
			return nil, fmt.Errorf("create speech dir: %w", err)
		}
	}
	f, err := os.CreateTemp(s.opts.Dir, "minerlex_tts_*."+format)
	if err != nil {
		return nil, fmt.Errorf("temp file: %w", err)
	}
	path := f.Name()
	if err := fill(f); err != nil {
		f.Close()
		os.Remove(path)
		return nil, fmt.Errorf("write %s: %w", format, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return nil, err
	}

	a := &Artifact{Path: path, Format: format, Voice: voice}
	if info, err := os.Stat(path); err == nil {
		a.Size = info.Size()
	}
	if d, err := audio.Duration(path); err == nil {
		a.Duration = d
	} else {
		s.logger.Debug("could not read audio duration", slog.String("error", err.Error()))
	}
	return a, nil
}

func writePCMWAV(w io.WriteSeeker, pcm []byte, sampleRate, channels int) error {
	if len(pcm)%2 != 0 {
		return fmt.Errorf("pcm payload not aligned")
	}
	if sampleRate <= 0 {
		sampleRate = 22050
	}
	if channels <= 0 {
		channels = 1
	}
	samples := make([]int, len(pcm)/2)
	for i := range samples {
		samples[i] = int(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
	}
	buf := &goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: channels, SampleRate: sampleRate},
		Data:           samples,
		SourceBitDepth: 16,
	}
	enc := wav.NewEncoder(w, sampleRate, 16, channels, 1)
	if err := enc.Write(buf); err != nil {
		return err
	}
	return enc.Close()
}

func drain(chunks <-chan SynthChunk) {
	go func() {
		for range chunks {
		}
	}()
}
