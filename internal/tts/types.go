package tts

import (
	"encoding/binary"
	"math"
	"time"
)

// ModelPaths locates the inputs a synthesizer is built from. Config and
// PhonemizerData are optional; engines resolve conventional defaults.
type ModelPaths struct {
	Model          string
	Config         string
	PhonemizerData string
}

// Options controls prosody and voice selection for one synthesis call.
type Options struct {
	SpeakerID   int
	LengthScale float32
	NoiseScale  float32
	NoiseWScale float32
}

// Chunk is one unit of streamed audio. Optional sequences are nil when the
// engine did not report them.
type Chunk struct {
	Samples    []float32
	SampleRate int
	IsLast     bool
	Phonemes   []rune
	PhonemeIDs []int32
	Alignments []int32
}

// Duration is the playback length of the chunk's samples.
func (c Chunk) Duration() time.Duration {
	if c.SampleRate <= 0 {
		return 0
	}
	return time.Duration(len(c.Samples)) * time.Second / time.Duration(c.SampleRate)
}

func (c Chunk) HasPhonemes() bool { return c.Phonemes != nil }

// PCM16 converts the samples to little-endian signed 16-bit PCM, clipping
// values outside [-1, 1].
func (c Chunk) PCM16() []byte {
	out := make([]byte, len(c.Samples)*2)
	for i, s := range c.Samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(floatToInt16(s)))
	}
	return out
}

func floatToInt16(s float32) int16 {
	if math.IsNaN(float64(s)) {
		return 0
	}
	v := float64(s) * math.MaxInt16
	if v > math.MaxInt16 {
		return math.MaxInt16
	}
	if v < math.MinInt16 {
		return math.MinInt16
	}
	return int16(v)
}

// clone deep-copies a chunk produced by an engine so the caller never shares
// buffers the engine may reuse. Empty optional sequences become nil.
func (c Chunk) clone() Chunk {
	out := Chunk{
		SampleRate: c.SampleRate,
		IsLast:     c.IsLast,
		Samples:    make([]float32, len(c.Samples)),
	}
	copy(out.Samples, c.Samples)
	if len(c.Phonemes) > 0 {
		out.Phonemes = append([]rune(nil), c.Phonemes...)
	}
	if len(c.PhonemeIDs) > 0 {
		out.PhonemeIDs = append([]int32(nil), c.PhonemeIDs...)
	}
	if len(c.Alignments) > 0 {
		out.Alignments = append([]int32(nil), c.Alignments...)
	}
	return out
}

// State is the lifecycle position of a Session.
type State int

const (
	StateStarted State = iota
	StateStreaming
	StateDone
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateStarted:
		return "started"
	case StateStreaming:
		return "streaming"
	case StateDone:
		return "done"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further pulls can produce chunks.
func (s State) Terminal() bool { return s == StateDone || s == StateFailed }

// Policy decides what Start does while another session is active.
type Policy string

const (
	// PolicyReject fails the new Start with ErrConcurrentSession.
	PolicyReject Policy = "reject"
	// PolicySupersede fails the active session and starts the new one. The
	// active session is only failed once the engine accepts the new start;
	// a start rejected before the engine is touched leaves it running.
	PolicySupersede Policy = "supersede"
)

// ParsePolicy maps a configuration value to a Policy. Empty means reject.
func ParsePolicy(value string) (Policy, bool) {
	switch Policy(value) {
	case "", PolicyReject:
		return PolicyReject, true
	case PolicySupersede:
		return PolicySupersede, true
	default:
		return "", false
	}
}
