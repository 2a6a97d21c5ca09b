package tts

import (
	"context"
	"time"
)

type mockEngine struct {
	sampleRate int
	channels   int
}

// NewMockEngine emits a tenth of a second of silence per request.
func NewMockEngine(sampleRate, channels int) Engine {
	if sampleRate <= 0 {
		sampleRate = 16000
	}
	if channels <= 0 {
		channels = 1
	}
	return &mockEngine{sampleRate: sampleRate, channels: channels}
}

func (m *mockEngine) Synthesize(ctx context.Context, req SynthRequest) (<-chan SynthChunk, <-chan error) {
	chunks := make(chan SynthChunk, 1)
	errs := make(chan error, 1)
	go func() {
		defer close(chunks)
		defer close(errs)
		select {
		case <-ctx.Done():
			errs <- ctx.Err()
			return
		case <-time.After(10 * time.Millisecond):
		}
		chunks <- SynthChunk{
			TurnID:     req.TurnID,
			Sequence:   0,
			Encoding:   EncodingPCM16,
			SampleRate: m.sampleRate,
			Channels:   m.channels,
			Data:       make([]byte, m.sampleRate/10*m.channels*2),
			Final:      true,
		}
	}()
	return chunks, errs
}
