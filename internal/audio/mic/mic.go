// Package mic records a spoken query from the default input device.
package mic

import (
	"context"
	"errors"
	"time"

	"github.com/gordonklaus/portaudio"

	"github.com/loqalabs/minerlex/internal/audio"
)

const (
	frameSize        = 320 // 20ms at 16 kHz
	silenceThreshRMS = 0.015
	trailingSilence  = 600 * time.Millisecond
)

// Recorder captures until the speaker pauses, the window elapses or ctx
// ends, whichever comes first.
type Recorder struct {
	window time.Duration
}

func NewRecorder(window time.Duration) *Recorder {
	if window <= 0 {
		window = 10 * time.Second
	}
	return &Recorder{window: window}
}

func (r *Recorder) Init() error {
	return portaudio.Initialize()
}

func (r *Recorder) Close() error {
	return portaudio.Terminate()
}

func (r *Recorder) SampleRate() int { return audio.TargetRate }

// Capture returns the recorded samples. Silence before the first word is
// dropped; nothing heard at all yields an empty slice.
func (r *Recorder) Capture(ctx context.Context) ([]float32, error) {
	buf := make([]float32, frameSize)
	out := make([]float32, 0, audio.TargetRate*3)

	stream, err := portaudio.OpenDefaultStream(1, 0, float64(audio.TargetRate), len(buf), buf)
	if err != nil {
		return nil, err
	}
	defer stream.Close()

	if err := stream.Start(); err != nil {
		return nil, err
	}
	defer stream.Stop()

	frameDur := time.Second * frameSize / audio.TargetRate
	maxFrames := int(r.window / frameDur)
	silenceLimit := int(trailingSilence / frameDur)

	var (
		speaking      bool
		silenceFrames int
	)
	for i := 0; i < maxFrames; i++ {
		if err := ctx.Err(); err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				break
			}
			return nil, err
		}
		if err := stream.Read(); err != nil {
			return nil, err
		}

		if audio.RMS(buf) > silenceThreshRMS {
			speaking = true
			silenceFrames = 0
			out = append(out, buf...)
			continue
		}
		if speaking {
			silenceFrames++
			out = append(out, buf...)
			if silenceFrames >= silenceLimit {
				break
			}
		}
	}
	return out, nil
}
