// Package whisper runs speech recognition locally with whisper.cpp. It needs
// cgo and the whisper library at build time, so it is kept apart from the
// stt package.
package whisper

import (
	"context"
	"errors"
	"fmt"
	"io"
	"runtime"
	"strings"
	"sync"

	"github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"

	"github.com/loqalabs/minerlex/internal/stt"
)

const sampleRate16k = 16000

// Recognizer holds one loaded model. whisper contexts are not shared between
// calls; Transcribe serializes on the model.
type Recognizer struct {
	model   whisper.Model
	threads int
	mu      sync.Mutex
}

var _ stt.Recognizer = (*Recognizer)(nil)

func New(modelPath string, threads int) (*Recognizer, error) {
	if modelPath == "" {
		return nil, errors.New("empty model path")
	}
	m, err := whisper.New(modelPath)
	if err != nil {
		return nil, fmt.Errorf("load model: %w", err)
	}
	if threads <= 0 {
		threads = runtime.NumCPU()
	}
	return &Recognizer{model: m, threads: threads}, nil
}

func (r *Recognizer) Close() error {
	if r.model == nil {
		return nil
	}
	return r.model.Close()
}

// Transcribe expects mono 16 kHz samples.
func (r *Recognizer) Transcribe(ctx context.Context, pcm []float32, sampleRate int, language string) (stt.TranscriptResult, error) {
	if len(pcm) == 0 {
		return stt.TranscriptResult{}, stt.ErrUnintelligible
	}
	if sampleRate != sampleRate16k {
		return stt.TranscriptResult{}, fmt.Errorf("whisper needs %d Hz audio, got %d", sampleRate16k, sampleRate)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	wctx, err := r.model.NewContext()
	if err != nil {
		return stt.TranscriptResult{}, fmt.Errorf("new context: %w", err)
	}
	if language == "" {
		language = "auto"
	}
	if err := wctx.SetLanguage(language); err != nil {
		return stt.TranscriptResult{}, fmt.Errorf("set language: %w", err)
	}
	wctx.SetTranslate(false)
	wctx.SetThreads(uint(r.threads))

	if err := wctx.Process(pcm, nil, nil, nil); err != nil {
		return stt.TranscriptResult{}, fmt.Errorf("process: %w", err)
	}

	var parts []string
	for {
		if err := ctx.Err(); err != nil {
			return stt.TranscriptResult{}, err
		}
		seg, err := wctx.NextSegment()
		if err == io.EOF {
			break
		}
		if err != nil {
			return stt.TranscriptResult{}, fmt.Errorf("next segment: %w", err)
		}
		if text := strings.TrimSpace(seg.Text); text != "" && text != "[BLANK_AUDIO]" {
			parts = append(parts, text)
		}
	}
	if len(parts) == 0 {
		return stt.TranscriptResult{}, stt.ErrUnintelligible
	}

	lang := wctx.DetectedLanguage()
	if lang == "" {
		lang = wctx.Language()
	}
	return stt.TranscriptResult{Text: strings.Join(parts, " "), Confidence: 1, Language: lang}, nil
}
