// Package wavout encodes synthesized chunks as 16-bit mono WAV.
package wavout

import (
	"errors"
	"fmt"
	"io"
	"math"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/loqalabs/loqa-piper/internal/tts"
)

const bitDepth = 16

// Write encodes chunks to w. Every chunk must share sampleRate.
func Write(w io.WriteSeeker, sampleRate int, chunks []tts.Chunk) error {
	if sampleRate <= 0 {
		return errors.New("sample rate must be positive")
	}
	enc := wav.NewEncoder(w, sampleRate, bitDepth, 1, 1)
	for i, chunk := range chunks {
		if chunk.SampleRate != 0 && chunk.SampleRate != sampleRate {
			return fmt.Errorf("chunk %d: sample rate %d does not match %d", i, chunk.SampleRate, sampleRate)
		}
		buffer := &audio.IntBuffer{
			Format:         &audio.Format{NumChannels: 1, SampleRate: sampleRate},
			SourceBitDepth: bitDepth,
			Data:           toInts(chunk.Samples),
		}
		if err := enc.Write(buffer); err != nil {
			return fmt.Errorf("write wav: %w", err)
		}
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("close wav encoder: %w", err)
	}
	return nil
}

// Read decodes a WAV stream back into normalized float samples.
func Read(r io.ReadSeeker) ([]float32, int, error) {
	dec := wav.NewDecoder(r)
	if !dec.IsValidFile() {
		return nil, 0, errors.New("invalid wav file")
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, 0, fmt.Errorf("decode wav: %w", err)
	}
	scale := float32(math.Pow(2, float64(buf.SourceBitDepth)-1))
	out := make([]float32, len(buf.Data))
	for i, v := range buf.Data {
		out[i] = float32(v) / scale
	}
	return out, int(dec.SampleRate), nil
}

func toInts(samples []float32) []int {
	out := make([]int, len(samples))
	for i, s := range samples {
		v := float64(s) * math.MaxInt16
		switch {
		case math.IsNaN(v):
			v = 0
		case v > math.MaxInt16:
			v = math.MaxInt16
		case v < math.MinInt16:
			v = math.MinInt16
		}
		out[i] = int(v)
	}
	return out
}
