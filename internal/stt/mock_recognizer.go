package stt

import (
	"context"
	"fmt"
)

type mockRecognizer struct {
	text string
}

// NewMockRecognizer returns text for any non-empty capture. An empty text
// reports a fixed transcript naming the sample count.
func NewMockRecognizer(text string) Recognizer {
	return &mockRecognizer{text: text}
}

func (m *mockRecognizer) Transcribe(_ context.Context, pcm []float32, sampleRate int, language string) (TranscriptResult, error) {
	if len(pcm) == 0 {
		return TranscriptResult{}, ErrUnintelligible
	}
	text := m.text
	if text == "" {
		text = fmt.Sprintf("[transcript samples=%d rate=%d]", len(pcm), sampleRate)
	}
	return TranscriptResult{Text: text, Confidence: 1, Language: language}, nil
}
