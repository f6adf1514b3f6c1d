package tts

import (
	"errors"
	"io"
	"math"
	"strings"
	"unicode"
)

// MockConfig shapes the deterministic engine returned by NewMockLoader.
type MockConfig struct {
	SampleRate       int
	Defaults         *Options
	SamplesPerFrame  int
	FramesPerPhoneme int
	// OmitMetadata drops phonemes, ids and alignments from every chunk.
	OmitMetadata bool
	// RequireFiles makes the loader validate paths with LoadVoice and take
	// its defaults and sample rate from the voice config.
	RequireFiles bool

	LoadErr    error
	StartErr   error
	FailOnPull int
	PullErr    error
}

type mockEngine struct {
	cfg       MockConfig
	defaults  Options
	pending   [][]rune
	opts      Options
	pulls     int
	buf       []float32
	closed    bool
	started   int
	cancelled int
}

// NewMockLoader returns a Loader for a sine-tone engine that emits one chunk
// per sentence and one phoneme per non-space rune.
func NewMockLoader(cfg MockConfig) Loader {
	return func(paths ModelPaths) (Engine, error) {
		if cfg.LoadErr != nil {
			return nil, cfg.LoadErr
		}
		if cfg.SampleRate <= 0 {
			cfg.SampleRate = DefaultSampleRate
		}
		if cfg.SamplesPerFrame <= 0 {
			cfg.SamplesPerFrame = 256
		}
		if cfg.FramesPerPhoneme <= 0 {
			cfg.FramesPerPhoneme = 4
		}
		defaults := Voice{}.DefaultOptions()
		if cfg.RequireFiles {
			voice, _, err := LoadVoice(paths)
			if err != nil {
				return nil, err
			}
			defaults = voice.DefaultOptions()
			cfg.SampleRate = voice.SampleRateOrDefault()
		}
		if cfg.Defaults != nil {
			defaults = *cfg.Defaults
		}
		return &mockEngine{cfg: cfg, defaults: defaults}, nil
	}
}

func (m *mockEngine) DefaultOptions() Options { return m.defaults }

func (m *mockEngine) SampleRate() int { return m.cfg.SampleRate }

func (m *mockEngine) Start(text string, opts Options) error {
	if m.closed {
		return errors.New("engine closed")
	}
	if m.cfg.StartErr != nil {
		return m.cfg.StartErr
	}
	m.started++
	m.pending = splitSentences(text)
	m.opts = opts
	m.pulls = 0
	return nil
}

func (m *mockEngine) Next() (Chunk, error) {
	if m.closed {
		return Chunk{}, errors.New("engine closed")
	}
	m.pulls++
	if m.cfg.FailOnPull > 0 && m.pulls == m.cfg.FailOnPull {
		m.pending = nil
		if m.cfg.PullErr != nil {
			return Chunk{}, m.cfg.PullErr
		}
		return Chunk{}, errors.New("inference failed")
	}
	if len(m.pending) == 0 {
		return Chunk{}, io.EOF
	}
	phonemes := m.pending[0]
	m.pending = m.pending[1:]

	ids := make([]int32, len(phonemes))
	alignments := make([]int32, len(phonemes))
	frames := 0
	for i, p := range phonemes {
		ids[i] = int32(p % 256)
		n := int(math.Round(float64(m.cfg.FramesPerPhoneme) * float64(m.opts.LengthScale)))
		if n < 1 {
			n = 1
		}
		alignments[i] = int32(n)
		frames += n
	}

	total := frames * m.cfg.SamplesPerFrame
	if cap(m.buf) < total {
		m.buf = make([]float32, total)
	}
	m.buf = m.buf[:total]
	freq := 220.0 + 10.0*float64(m.opts.SpeakerID)
	for i := range m.buf {
		m.buf[i] = float32(0.5 * math.Sin(2*math.Pi*freq*float64(i)/float64(m.cfg.SampleRate)))
	}

	chunk := Chunk{
		Samples:    m.buf,
		SampleRate: m.cfg.SampleRate,
		IsLast:     len(m.pending) == 0,
	}
	if !m.cfg.OmitMetadata {
		chunk.Phonemes = phonemes
		chunk.PhonemeIDs = ids
		chunk.Alignments = alignments
	}
	return chunk, nil
}

func (m *mockEngine) Cancel() {
	m.cancelled++
	m.pending = nil
}

func (m *mockEngine) Close() error {
	m.closed = true
	m.pending = nil
	return nil
}

func splitSentences(text string) [][]rune {
	var out [][]rune
	var cur []rune
	flush := func() {
		if len(cur) > 0 {
			out = append(out, cur)
			cur = nil
		}
	}
	for _, r := range strings.ToLower(text) {
		switch {
		case r == '.' || r == '!' || r == '?' || r == '\n':
			flush()
		case unicode.IsSpace(r) || unicode.IsPunct(r):
		default:
			cur = append(cur, r)
		}
	}
	flush()
	return out
}
