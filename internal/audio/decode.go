// Package audio decodes uploaded clips into mono 16 kHz samples and measures
// synthesized files.
package audio

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-audio/wav"
	"github.com/hajimehoshi/go-mp3"
	"github.com/jfreymuth/oggvorbis"
)

// TargetRate is the rate recognizers expect.
const TargetRate = 16000

// ErrUnsupportedFormat is returned for clips that are not wav, mp3 or
// ogg/vorbis.
var ErrUnsupportedFormat = errors.New("unsupported audio format")

// ErrSampleRate is returned for clips whose declared rate is outside
// [MinInputRate, MaxInputRate].
var ErrSampleRate = errors.New("unsupported sample rate")

const (
	MinInputRate = 8000
	MaxInputRate = 192000
)

// Format names a clip encoding.
type Format string

const (
	FormatUnknown Format = ""
	FormatWAV     Format = "wav"
	FormatMP3     Format = "mp3"
	FormatOgg     Format = "ogg"
)

// Sniff guesses the format from magic bytes, then from the file name.
func Sniff(data []byte, name string) Format {
	switch {
	case len(data) >= 4 && string(data[:4]) == "RIFF":
		return FormatWAV
	case len(data) >= 4 && string(data[:4]) == "OggS":
		return FormatOgg
	case len(data) >= 3 && string(data[:3]) == "ID3":
		return FormatMP3
	case len(data) >= 2 && data[0] == 0xFF && data[1]&0xE0 == 0xE0:
		return FormatMP3
	}
	switch strings.ToLower(filepath.Ext(name)) {
	case ".wav":
		return FormatWAV
	case ".mp3":
		return FormatMP3
	case ".ogg", ".oga":
		return FormatOgg
	}
	return FormatUnknown
}

// DecodeTo16k decodes a clip to mono float32 samples at TargetRate.
// maxSamples > 0 truncates the result; the source is cut before resampling.
func DecodeTo16k(data []byte, name string, maxSamples int) ([]float32, error) {
	var (
		x   []float32
		sr  int
		err error
	)
	switch Sniff(data, name) {
	case FormatWAV:
		x, sr, err = decodeWAV(bytes.NewReader(data))
	case FormatMP3:
		x, sr, err = decodeMP3(bytes.NewReader(data))
	case FormatOgg:
		x, sr, err = decodeOggVorbis(bytes.NewReader(data))
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, name)
	}
	if err != nil {
		return nil, err
	}
	if sr < MinInputRate || sr > MaxInputRate {
		return nil, fmt.Errorf("%w: %d Hz", ErrSampleRate, sr)
	}
	if maxSamples > 0 {
		if limit := int(math.Ceil(float64(maxSamples) * float64(sr) / TargetRate)); len(x) > limit {
			x = x[:limit]
		}
	}
	x = resampleLinear(x, sr, TargetRate)
	if maxSamples > 0 && len(x) > maxSamples {
		x = x[:maxSamples]
	}
	return x, nil
}

// The decoders return mono samples at the source rate.

func decodeWAV(r io.ReadSeeker) ([]float32, int, error) {
	dec := wav.NewDecoder(r)
	if !dec.IsValidFile() {
		return nil, 0, errors.New("invalid wav")
	}
	if dec.SampleRate > 0 && (dec.SampleRate < MinInputRate || dec.SampleRate > MaxInputRate) {
		return nil, 0, fmt.Errorf("%w: %d Hz", ErrSampleRate, dec.SampleRate)
	}
	pb, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, 0, fmt.Errorf("decode wav: %w", err)
	}
	if pb == nil || len(pb.Data) == 0 {
		return nil, 0, errors.New("empty wav")
	}

	bd := int(dec.BitDepth)
	if bd == 0 {
		bd = 16
	}
	x := intSliceToFloat32(pb.Data, bd)

	ch, sr := 1, 44100
	if pb.Format != nil {
		if pb.Format.NumChannels > 0 {
			ch = pb.Format.NumChannels
		}
		if pb.Format.SampleRate > 0 {
			sr = pb.Format.SampleRate
		}
	}
	return downmixInterleaved(x, ch), sr, nil
}

func decodeMP3(r io.Reader) ([]float32, int, error) {
	dec, err := mp3.NewDecoder(r)
	if err != nil {
		return nil, 0, fmt.Errorf("decode mp3: %w", err)
	}
	raw, err := io.ReadAll(dec)
	if err != nil {
		return nil, 0, fmt.Errorf("decode mp3: %w", err)
	}
	ints := make([]int16, len(raw)/2)
	if err := binary.Read(bytes.NewReader(raw[:len(ints)*2]), binary.LittleEndian, ints); err != nil {
		return nil, 0, err
	}
	// go-mp3 always emits interleaved stereo.
	x := downmixInterleaved(int16SliceToFloat32(ints), 2)

	sr := dec.SampleRate()
	if sr <= 0 {
		sr = 44100
	}
	return x, sr, nil
}

func decodeOggVorbis(r io.Reader) ([]float32, int, error) {
	pcm, format, err := oggvorbis.ReadAll(r)
	if err != nil {
		return nil, 0, fmt.Errorf("decode ogg/vorbis: %w", err)
	}
	if format == nil || format.Channels <= 0 || format.SampleRate <= 0 {
		return nil, 0, errors.New("invalid ogg/vorbis stream")
	}
	return downmixInterleaved(pcm, format.Channels), format.SampleRate, nil
}

// Duration reports the play time of a wav or mp3 file.
func Duration(path string) (time.Duration, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	head := make([]byte, 4)
	n, _ := io.ReadFull(f, head)
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return 0, err
	}

	switch Sniff(head[:n], path) {
	case FormatWAV:
		d, err := wav.NewDecoder(f).Duration()
		if err != nil {
			return 0, fmt.Errorf("wav duration: %w", err)
		}
		return d, nil
	case FormatMP3:
		dec, err := mp3.NewDecoder(f)
		if err != nil {
			return 0, fmt.Errorf("mp3 duration: %w", err)
		}
		// Length is in bytes of 16-bit stereo output.
		frames := dec.Length() / 4
		if frames <= 0 || dec.SampleRate() <= 0 {
			return 0, nil
		}
		return time.Duration(frames) * time.Second / time.Duration(dec.SampleRate()), nil
	default:
		return 0, fmt.Errorf("%w: %s", ErrUnsupportedFormat, path)
	}
}

// intSliceToFloat32 scales PCM to [-1, 1]. 8-bit wav is unsigned and
// centered on 128.
func intSliceToFloat32(data []int, bitDepth int) []float32 {
	out := make([]float32, len(data))
	scale := 1.0 / float64(int64(1)<<(bitDepth-1))
	offset := 0
	if bitDepth == 8 {
		offset = 128
	}
	for i, v := range data {
		out[i] = float32(clamp(float64(v-offset)*scale, -1.0, 1.0))
	}
	return out
}

func int16SliceToFloat32(data []int16) []float32 {
	out := make([]float32, len(data))
	const scale = 1.0 / 32768.0
	for i, v := range data {
		out[i] = float32(float64(v) * scale)
	}
	return out
}

func downmixInterleaved(in []float32, channels int) []float32 {
	if channels <= 1 {
		return in
	}
	frames := len(in) / channels
	out := make([]float32, frames)
	for i := 0; i < frames; i++ {
		var sum float64
		base := i * channels
		for c := 0; c < channels; c++ {
			sum += float64(in[base+c])
		}
		out[i] = float32(sum / float64(channels))
	}
	return out
}

func resampleLinear(in []float32, inSR, outSR int) []float32 {
	if inSR == outSR || len(in) == 0 {
		return in
	}
	ratio := float64(outSR) / float64(inSR)
	outN := int(math.Ceil(float64(len(in)) * ratio))
	out := make([]float32, outN)
	for i := 0; i < outN; i++ {
		src := float64(i) / ratio
		i0 := int(math.Floor(src))
		switch {
		case i0 >= len(in)-1:
			out[i] = in[len(in)-1]
		default:
			a := float32(src - float64(i0))
			out[i] = in[i0]*(1-a) + in[i0+1]*a
		}
	}
	return out
}

func clamp(x, lo, hi float64) float64 {
	if x < lo {
		return lo
	}
	if x > hi {
		return hi
	}
	return x
}

// RMS returns the root mean square level of a frame.
func RMS(frame []float32) float64 {
	if len(frame) == 0 {
		return 0
	}
	var s float64
	for _, x := range frame {
		s += float64(x) * float64(x)
	}
	return math.Sqrt(s / float64(len(frame)))
}
