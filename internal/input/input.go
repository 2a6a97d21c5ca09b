// Package input turns a submission into the plain-text query the rest of the
// pipeline works on.
package input

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/loqalabs/minerlex/internal/audio"
	"github.com/loqalabs/minerlex/internal/stt"
)

// ErrNoInput means the submission carried nothing to answer.
var ErrNoInput = errors.New("no input")

// Source selects how the query is obtained.
type Source int

const (
	SourceText Source = iota
	SourceMicrophone
	SourceClip
)

func (s Source) String() string {
	switch s {
	case SourceText:
		return "text"
	case SourceMicrophone:
		return "microphone"
	case SourceClip:
		return "clip"
	default:
		return fmt.Sprintf("source(%d)", int(s))
	}
}

// Request is one raw submission.
type Request struct {
	Source   Source
	Text     string
	Clip     []byte
	ClipName string
}

// Reason classifies an acquisition failure.
type Reason string

const (
	Unintelligible                Reason = "unintelligible"
	RecognitionServiceUnavailable Reason = "recognition_service_unavailable"
)

// AcquisitionError aborts the current turn. The user may retry.
type AcquisitionError struct {
	Reason Reason
	Err    error
}

func (e *AcquisitionError) Error() string {
	if e.Err == nil {
		return "acquisition failed: " + string(e.Reason)
	}
	return fmt.Sprintf("acquisition failed: %s: %v", e.Reason, e.Err)
}

func (e *AcquisitionError) Unwrap() error { return e.Err }

// Capturer records audio from a live device. Implementations must return
// when ctx is done.
type Capturer interface {
	Capture(ctx context.Context) ([]float32, error)
	SampleRate() int
}

type Options struct {
	// Language is the recognition hint.
	Language string
	// ListenWindow bounds microphone capture.
	ListenWindow time.Duration
	// RecognitionTimeout bounds a single recognizer call.
	RecognitionTimeout time.Duration
	// MaxClipSamples truncates decoded clips; zero keeps everything.
	MaxClipSamples int
}

type Resolver struct {
	recognizer stt.Recognizer
	capturer   Capturer
	opts       Options
	logger     *slog.Logger
}

// NewResolver builds a resolver. capturer may be nil when no microphone is
// attached; microphone requests then fail as service unavailable.
func NewResolver(recognizer stt.Recognizer, capturer Capturer, opts Options, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Language == "" {
		opts.Language = "en"
	}
	if opts.ListenWindow <= 0 {
		opts.ListenWindow = 10 * time.Second
	}
	return &Resolver{
		recognizer: recognizer,
		capturer:   capturer,
		opts:       opts,
		logger:     logger.With(slog.String("component", "input")),
	}
}

// Resolve returns the query text, ErrNoInput, or an *AcquisitionError.
func (r *Resolver) Resolve(ctx context.Context, req Request) (string, error) {
	switch req.Source {
	case SourceText:
		text := strings.TrimSpace(req.Text)
		if text == "" {
			return "", ErrNoInput
		}
		return text, nil
	case SourceMicrophone:
		pcm, rate, err := r.capture(ctx)
		if err != nil {
			return "", err
		}
		return r.recognize(ctx, pcm, rate)
	case SourceClip:
		if len(req.Clip) == 0 {
			return "", ErrNoInput
		}
		pcm, err := audio.DecodeTo16k(req.Clip, req.ClipName, r.opts.MaxClipSamples)
		if err != nil {
			return "", &AcquisitionError{Reason: Unintelligible, Err: err}
		}
		return r.recognize(ctx, pcm, audio.TargetRate)
	default:
		return "", fmt.Errorf("unknown input source %s", req.Source)
	}
}

func (r *Resolver) capture(ctx context.Context) ([]float32, int, error) {
	if r.capturer == nil {
		return nil, 0, &AcquisitionError{Reason: RecognitionServiceUnavailable, Err: errors.New("no microphone configured")}
	}
	captureCtx, cancel := context.WithTimeout(ctx, r.opts.ListenWindow)
	defer cancel()

	pcm, err := r.capturer.Capture(captureCtx)
	if err != nil {
		if ctx.Err() != nil {
			return nil, 0, ctx.Err()
		}
		return nil, 0, &AcquisitionError{Reason: RecognitionServiceUnavailable, Err: fmt.Errorf("capture: %w", err)}
	}
	if len(pcm) == 0 {
		return nil, 0, &AcquisitionError{Reason: Unintelligible, Err: errors.New("nothing was heard")}
	}
	return pcm, r.capturer.SampleRate(), nil
}

func (r *Resolver) recognize(ctx context.Context, pcm []float32, rate int) (string, error) {
	if len(pcm) == 0 {
		return "", &AcquisitionError{Reason: Unintelligible, Err: errors.New("clip contains no samples")}
	}
	if r.recognizer == nil {
		return "", &AcquisitionError{Reason: RecognitionServiceUnavailable, Err: errors.New("no recognizer configured")}
	}

	recCtx := ctx
	if r.opts.RecognitionTimeout > 0 {
		var cancel context.CancelFunc
		recCtx, cancel = context.WithTimeout(ctx, r.opts.RecognitionTimeout)
		defer cancel()
	}

	start := time.Now()
	res, err := r.recognizer.Transcribe(recCtx, pcm, rate, r.opts.Language)
	if err != nil {
		if errors.Is(err, stt.ErrUnintelligible) {
			return "", &AcquisitionError{Reason: Unintelligible, Err: err}
		}
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		r.logger.Warn("recognition failed", slog.String("error", err.Error()))
		return "", &AcquisitionError{Reason: RecognitionServiceUnavailable, Err: err}
	}

	text := strings.TrimSpace(res.Text)
	if text == "" {
		return "", &AcquisitionError{Reason: Unintelligible, Err: stt.ErrUnintelligible}
	}
	r.logger.Info("speech recognized",
		slog.Int("samples", len(pcm)),
		slog.Duration("latency", time.Since(start)),
	)
	return text, nil
}
