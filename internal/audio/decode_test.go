package audio

import (
	"bytes"
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

func writeStereoWAV(t *testing.T, path string, rate, frames int) {
	t.Helper()
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	defer f.Close()
	data := make([]int, frames*2)
	for i := 0; i < frames; i++ {
		data[2*i] = 8000
		data[2*i+1] = 8000
	}
	enc := wav.NewEncoder(f, rate, 16, 2, 1)
	buf := &goaudio.IntBuffer{Format: &goaudio.Format{NumChannels: 2, SampleRate: rate}, Data: data, SourceBitDepth: 16}
	if err := enc.Write(buf); err != nil {
		t.Fatalf("encode: %v", err)
	}
	if err := enc.Close(); err != nil {
		t.Fatalf("close encoder: %v", err)
	}
}

// pcmWAV builds a canonical PCM wav around raw sample bytes, trusting
// whatever rate it is given.
func pcmWAV(channels, bits, rate int, payload []byte) []byte {
	var b bytes.Buffer
	le := func(v any) { binary.Write(&b, binary.LittleEndian, v) }
	b.WriteString("RIFF")
	le(uint32(36 + len(payload)))
	b.WriteString("WAVEfmt ")
	le(uint32(16))
	le(uint16(1))
	le(uint16(channels))
	le(uint32(rate))
	le(uint32(rate * channels * bits / 8))
	le(uint16(channels * bits / 8))
	le(uint16(bits))
	b.WriteString("data")
	le(uint32(len(payload)))
	b.Write(payload)
	return b.Bytes()
}

func TestDecodeRejectsImplausibleRates(t *testing.T) {
	payload := make([]byte, 8000)
	for _, rate := range []int{1, 4000} {
		_, err := DecodeTo16k(pcmWAV(1, 16, rate, payload), "x.wav", 60*TargetRate)
		if !errors.Is(err, ErrSampleRate) {
			t.Errorf("rate %d: expected ErrSampleRate, got %v", rate, err)
		}
	}
}

func TestDecodeCapsBeforeResampling(t *testing.T) {
	// Ten seconds at 8 kHz, capped to one second at 16 kHz.
	data := pcmWAV(1, 16, 8000, make([]byte, 2*8000*10))
	pcm, err := DecodeTo16k(data, "long.wav", TargetRate)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(pcm) != TargetRate {
		t.Fatalf("expected %d samples, got %d", TargetRate, len(pcm))
	}
}

func TestDecodeEightBitIsCentered(t *testing.T) {
	payload := bytes.Repeat([]byte{128}, 1600)
	payload = append(payload, bytes.Repeat([]byte{255}, 1600)...)
	pcm, err := DecodeTo16k(pcmWAV(1, 8, 16000, payload), "u8.wav", 0)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(pcm) != 3200 {
		t.Fatalf("expected 3200 samples, got %d", len(pcm))
	}
	if pcm[100] != 0 {
		t.Fatalf("midpoint must decode to silence, got %f", pcm[100])
	}
	if got := pcm[3000]; got < 0.99 || got > 1 {
		t.Fatalf("full scale must decode near 1, got %f", got)
	}
	if rms := RMS(pcm[:1600]); rms != 0 {
		t.Fatalf("unexpected DC offset %f", rms)
	}
}

func TestDecodeWAVDownmixesAndResamples(t *testing.T) {
	path := filepath.Join(t.TempDir(), "clip.wav")
	writeStereoWAV(t, path, 8000, 800)
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}

	pcm, err := DecodeTo16k(data, "upload", 0)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(pcm) != 1600 {
		t.Fatalf("expected 1600 samples at 16k, got %d", len(pcm))
	}
	want := float32(8000.0 / 32768.0)
	if d := pcm[10] - want; d > 0.001 || d < -0.001 {
		t.Fatalf("unexpected sample %f, want %f", pcm[10], want)
	}

	truncated, err := DecodeTo16k(data, "upload", 100)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(truncated) != 100 {
		t.Fatalf("expected truncation to 100 samples, got %d", len(truncated))
	}
}

func TestDecodeRejectsUnknownFormat(t *testing.T) {
	_, err := DecodeTo16k([]byte("not audio at all"), "notes.txt", 0)
	if !errors.Is(err, ErrUnsupportedFormat) {
		t.Fatalf("expected ErrUnsupportedFormat, got %v", err)
	}
}

func TestSniff(t *testing.T) {
	cases := []struct {
		data []byte
		name string
		want Format
	}{
		{[]byte("RIFF...."), "", FormatWAV},
		{[]byte("OggS...."), "", FormatOgg},
		{[]byte("ID3\x03"), "", FormatMP3},
		{[]byte{0xFF, 0xFB, 0x90, 0x00}, "", FormatMP3},
		{[]byte("????"), "voice.OGA", FormatOgg},
		{[]byte("????"), "voice.flac", FormatUnknown},
	}
	for _, tc := range cases {
		if got := Sniff(tc.data, tc.name); got != tc.want {
			t.Errorf("Sniff(%q, %q) = %q, want %q", tc.data, tc.name, got, tc.want)
		}
	}
}

func TestDurationOfWAV(t *testing.T) {
	path := filepath.Join(t.TempDir(), "clip.wav")
	writeStereoWAV(t, path, 8000, 4000)
	d, err := Duration(path)
	if err != nil {
		t.Fatalf("duration: %v", err)
	}
	if d != 500*time.Millisecond {
		t.Fatalf("expected 500ms, got %s", d)
	}
}

func TestRMS(t *testing.T) {
	if RMS(nil) != 0 {
		t.Fatalf("empty frame must be silent")
	}
	if got := RMS([]float32{0.5, -0.5}); got < 0.4999 || got > 0.5001 {
		t.Fatalf("unexpected rms %f", got)
	}
}
