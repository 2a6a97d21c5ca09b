package stt

import (
	"context"
	"errors"
)

// ErrUnintelligible is returned when audio was captured but no speech could
// be recognized in it.
var ErrUnintelligible = errors.New("speech not understood")

// TranscriptResult captures recognizer output.
type TranscriptResult struct {
	Text       string
	Confidence float64
	Language   string
}

// Recognizer abstracts STT backends. pcm is mono float32 in [-1, 1].
type Recognizer interface {
	Transcribe(ctx context.Context, pcm []float32, sampleRate int, language string) (TranscriptResult, error)
}
