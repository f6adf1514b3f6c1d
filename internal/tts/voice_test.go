package tts

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const testVoiceConfig = `{
  "audio": {"sample_rate": 16000, "quality": "low"},
  "espeak": {"voice": "en-us"},
  "inference": {"noise_scale": 0.5, "length_scale": 1.2, "noise_w": 0.6},
  "num_speakers": 2,
  "speaker_id_map": {"a": 0, "b": 1},
  "phoneme_id_map": {"_": [0], "a": [14]}
}`

// writeVoice lays out a model, its sidecar config and a phonemizer data dir.
func writeVoice(t *testing.T, config string) ModelPaths {
	t.Helper()
	dir := t.TempDir()
	model := filepath.Join(dir, "en_US-test-low.onnx")
	if err := os.WriteFile(model, []byte("weights"), 0o644); err != nil {
		t.Fatalf("write model: %v", err)
	}
	if config != "" {
		if err := os.WriteFile(model+".json", []byte(config), 0o644); err != nil {
			t.Fatalf("write config: %v", err)
		}
	}
	data := filepath.Join(dir, "espeak-ng-data")
	if err := os.Mkdir(data, 0o755); err != nil {
		t.Fatalf("create data dir: %v", err)
	}
	return ModelPaths{Model: model, PhonemizerData: data}
}

func TestLoadVoice(t *testing.T) {
	paths := writeVoice(t, testVoiceConfig)
	voice, resolved, err := LoadVoice(paths)
	if err != nil {
		t.Fatalf("load voice: %v", err)
	}
	if resolved.Config != paths.Model+".json" {
		t.Fatalf("expected sidecar config, got %q", resolved.Config)
	}
	if voice.SampleRateOrDefault() != 16000 || !voice.MultiSpeaker() {
		t.Fatalf("unexpected voice %+v", voice)
	}
	opts := voice.DefaultOptions()
	want := Options{SpeakerID: 0, LengthScale: 1.2, NoiseScale: 0.5, NoiseWScale: 0.6}
	if opts != want {
		t.Fatalf("expected %+v, got %+v", want, opts)
	}
}

func TestLoadVoiceConfigWithoutExtension(t *testing.T) {
	paths := writeVoice(t, "")
	alt := strings.TrimSuffix(paths.Model, ".onnx") + ".json"
	if err := os.WriteFile(alt, []byte(`{"audio":{}}`), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	voice, resolved, err := LoadVoice(paths)
	if err != nil {
		t.Fatalf("load voice: %v", err)
	}
	if resolved.Config != alt {
		t.Fatalf("expected %q, got %q", alt, resolved.Config)
	}
	if voice.SampleRateOrDefault() != DefaultSampleRate {
		t.Fatalf("expected default rate, got %d", voice.SampleRateOrDefault())
	}
	if voice.DefaultOptions().NoiseWScale != DefaultNoiseWScale {
		t.Fatal("expected fallback noise width")
	}
}

func TestLoadVoiceFailures(t *testing.T) {
	cases := []struct {
		name  string
		setup func(t *testing.T) ModelPaths
		input Input
	}{
		{
			name: "missing model",
			setup: func(t *testing.T) ModelPaths {
				return ModelPaths{Model: filepath.Join(t.TempDir(), "nope.onnx")}
			},
			input: InputModel,
		},
		{
			name: "model is a directory",
			setup: func(t *testing.T) ModelPaths {
				return ModelPaths{Model: t.TempDir()}
			},
			input: InputModel,
		},
		{
			name: "missing config",
			setup: func(t *testing.T) ModelPaths {
				return writeVoice(t, "")
			},
			input: InputConfig,
		},
		{
			name: "malformed config",
			setup: func(t *testing.T) ModelPaths {
				return writeVoice(t, "{not json")
			},
			input: InputConfig,
		},
		{
			name: "negative sample rate",
			setup: func(t *testing.T) ModelPaths {
				return writeVoice(t, `{"audio":{"sample_rate":-1}}`)
			},
			input: InputConfig,
		},
		{
			name: "missing phonemizer data",
			setup: func(t *testing.T) ModelPaths {
				p := writeVoice(t, testVoiceConfig)
				p.PhonemizerData = filepath.Join(t.TempDir(), "absent")
				return p
			},
			input: InputPhonemizerData,
		},
		{
			name: "phonemizer data is a file",
			setup: func(t *testing.T) ModelPaths {
				p := writeVoice(t, testVoiceConfig)
				p.PhonemizerData = p.Model
				return p
			},
			input: InputPhonemizerData,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, _, err := LoadVoice(tc.setup(t))
			if !errors.Is(err, ErrConstruction) {
				t.Fatalf("expected construction error, got %v", err)
			}
			if input, _ := FailedInput(err); input != tc.input {
				t.Fatalf("expected input %q, got %q (%v)", tc.input, input, err)
			}
		})
	}
}

func TestPhonemizerDataFromEnv(t *testing.T) {
	paths := writeVoice(t, testVoiceConfig)
	t.Setenv(EnvPhonemizerData, paths.PhonemizerData)
	paths.PhonemizerData = ""
	_, resolved, err := LoadVoice(paths)
	if err != nil {
		t.Fatalf("load voice: %v", err)
	}
	if resolved.PhonemizerData != os.Getenv(EnvPhonemizerData) {
		t.Fatalf("expected env data dir, got %q", resolved.PhonemizerData)
	}
}

func TestSynthesizerFromVoiceFiles(t *testing.T) {
	paths := writeVoice(t, testVoiceConfig)
	synth, err := NewSynthesizer(NewMockLoader(MockConfig{RequireFiles: true}), paths, WithLogger(newLogger()))
	if err != nil {
		t.Fatalf("new synthesizer: %v", err)
	}
	defer synth.Close()
	if synth.SampleRate() != 16000 {
		t.Fatalf("expected voice rate, got %d", synth.SampleRate())
	}
	opts, _ := synth.DefaultOptions()
	if opts.LengthScale != float32(1.2) {
		t.Fatalf("expected voice defaults, got %+v", opts)
	}
	chunks, err := synth.Synthesize("Hi.", opts)
	if err != nil {
		t.Fatalf("synthesize: %v", err)
	}
	if chunks[0].SampleRate != 16000 {
		t.Fatalf("chunk rate %d", chunks[0].SampleRate)
	}
}

func TestSynthesizerMissingModelNamesPath(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "missing.onnx")
	_, err := NewSynthesizer(NewMockLoader(MockConfig{RequireFiles: true}), ModelPaths{Model: missing})
	if !errors.Is(err, ErrConstruction) {
		t.Fatalf("expected construction error, got %v", err)
	}
	if input, _ := FailedInput(err); input != InputModel {
		t.Fatalf("expected model input, got %q", input)
	}
	if !strings.Contains(err.Error(), missing) {
		t.Fatalf("error should name %q: %v", missing, err)
	}
}

func TestVoiceSpeakers(t *testing.T) {
	var mapped Voice
	mapped.SpeakerIDMap = map[string]int{"a": 0, "b": 1, "c": 2}
	if mapped.Speakers() != 3 || !mapped.MultiSpeaker() {
		t.Fatalf("speaker map should count, got %d", mapped.Speakers())
	}
	if err := mapped.CheckSpeaker(2); err != nil {
		t.Fatalf("speaker 2: %v", err)
	}
	if err := mapped.CheckSpeaker(3); err == nil {
		t.Fatal("speaker 3 should be out of range")
	}

	var single Voice
	if err := single.CheckSpeaker(42); err != nil {
		t.Fatalf("single-speaker voices ignore the id: %v", err)
	}
}
