package tts

import "context"

// Encodings a chunk may carry.
const (
	EncodingPCM16 = "pcm_s16le"
	EncodingMP3   = "mp3"
)

// SynthRequest contains parameters to synthesize speech.
type SynthRequest struct {
	TurnID string
	Text   string
	Voice  string
}

// SynthChunk is one piece of encoded audio. PCM chunks carry raw
// little-endian samples; MP3 chunks are complete frames that can be
// concatenated.
type SynthChunk struct {
	TurnID     string
	Sequence   int
	Encoding   string
	SampleRate int
	Channels   int
	Data       []byte
	Final      bool
}

// Engine is the contract for producing audio. The chunk channel is closed
// when synthesis ends; the error channel then yields at most one error.
type Engine interface {
	Synthesize(ctx context.Context, req SynthRequest) (<-chan SynthChunk, <-chan error)
}
