package tts

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Fallbacks used when a voice config omits a field.
const (
	DefaultSampleRate  = 22050
	DefaultNoiseScale  = 0.667
	DefaultLengthScale = 1.0
	DefaultNoiseWScale = 0.8
)

// EnvPhonemizerData overrides the system phonemizer data location.
const EnvPhonemizerData = "ESPEAK_DATA_PATH"

var systemPhonemizerDirs = []string{
	"/usr/share/espeak-ng-data",
	"/usr/lib/x86_64-linux-gnu/espeak-ng-data",
	"/usr/local/share/espeak-ng-data",
	"/opt/homebrew/share/espeak-ng-data",
}

// Voice is the subset of a Piper voice config the synthesizer relies on.
type Voice struct {
	Audio struct {
		SampleRate int    `json:"sample_rate"`
		Quality    string `json:"quality,omitempty"`
	} `json:"audio"`
	Espeak struct {
		Voice string `json:"voice"`
	} `json:"espeak"`
	Inference struct {
		NoiseScale  *float32 `json:"noise_scale"`
		LengthScale *float32 `json:"length_scale"`
		NoiseW      *float32 `json:"noise_w"`
	} `json:"inference"`
	NumSpeakers  int            `json:"num_speakers"`
	SpeakerIDMap map[string]int `json:"speaker_id_map"`
}

// SampleRateOrDefault returns the configured rate, falling back to 22050 Hz.
func (v Voice) SampleRateOrDefault() int {
	if v.Audio.SampleRate > 0 {
		return v.Audio.SampleRate
	}
	return DefaultSampleRate
}

// DefaultOptions derives the option defaults authored into the voice.
func (v Voice) DefaultOptions() Options {
	opts := Options{
		SpeakerID:   0,
		LengthScale: DefaultLengthScale,
		NoiseScale:  DefaultNoiseScale,
		NoiseWScale: DefaultNoiseWScale,
	}
	if v.Inference.LengthScale != nil {
		opts.LengthScale = *v.Inference.LengthScale
	}
	if v.Inference.NoiseScale != nil {
		opts.NoiseScale = *v.Inference.NoiseScale
	}
	if v.Inference.NoiseW != nil {
		opts.NoiseWScale = *v.Inference.NoiseW
	}
	return opts
}

// Speakers returns the speaker count, falling back to the size of the
// speaker id map for configs that omit num_speakers.
func (v Voice) Speakers() int {
	if v.NumSpeakers > 0 {
		return v.NumSpeakers
	}
	return len(v.SpeakerIDMap)
}

// MultiSpeaker reports whether SpeakerID selects among several voices.
func (v Voice) MultiSpeaker() bool { return v.Speakers() > 1 }

// CheckSpeaker rejects speaker ids the voice cannot serve. Single-speaker
// voices ignore the id.
func (v Voice) CheckSpeaker(id int) error {
	if !v.MultiSpeaker() {
		return nil
	}
	if id < 0 || id >= v.Speakers() {
		return fmt.Errorf("speaker id %d out of range [0, %d)", id, v.Speakers())
	}
	return nil
}

// LoadVoice validates the model file, reads the voice config and locates the
// phonemizer data. The returned paths have the optional inputs resolved.
// Errors are construction errors naming the failing input.
func LoadVoice(paths ModelPaths) (Voice, ModelPaths, error) {
	var voice Voice

	info, err := os.Stat(paths.Model)
	if err != nil {
		return voice, paths, ConstructionError(InputModel, paths.Model, err)
	}
	if info.IsDir() {
		return voice, paths, ConstructionError(InputModel, paths.Model, errors.New("is a directory"))
	}

	if paths.Config == "" {
		paths.Config = findVoiceConfig(paths.Model)
		if paths.Config == "" {
			return voice, paths, ConstructionError(InputConfig, paths.Model+".json", os.ErrNotExist)
		}
	}
	data, err := os.ReadFile(paths.Config)
	if err != nil {
		return voice, paths, ConstructionError(InputConfig, paths.Config, err)
	}
	if err := json.Unmarshal(data, &voice); err != nil {
		return voice, paths, ConstructionError(InputConfig, paths.Config, fmt.Errorf("parse voice config: %w", err))
	}
	if voice.Audio.SampleRate < 0 {
		return voice, paths, ConstructionError(InputConfig, paths.Config, fmt.Errorf("invalid sample rate %d", voice.Audio.SampleRate))
	}

	if paths.PhonemizerData == "" {
		paths.PhonemizerData = findPhonemizerData()
		if paths.PhonemizerData == "" {
			return voice, paths, ConstructionError(InputPhonemizerData, "", errors.New("no espeak-ng data found; set "+EnvPhonemizerData))
		}
	} else if info, err := os.Stat(paths.PhonemizerData); err != nil {
		return voice, paths, ConstructionError(InputPhonemizerData, paths.PhonemizerData, err)
	} else if !info.IsDir() {
		return voice, paths, ConstructionError(InputPhonemizerData, paths.PhonemizerData, errors.New("not a directory"))
	}

	return voice, paths, nil
}

func findVoiceConfig(model string) string {
	candidates := []string{model + ".json"}
	if ext := filepath.Ext(model); ext != "" {
		candidates = append(candidates, strings.TrimSuffix(model, ext)+".json")
	}
	for _, c := range candidates {
		if info, err := os.Stat(c); err == nil && !info.IsDir() {
			return c
		}
	}
	return ""
}

func findPhonemizerData() string {
	candidates := systemPhonemizerDirs
	if env := strings.TrimSpace(os.Getenv(EnvPhonemizerData)); env != "" {
		candidates = append([]string{env}, candidates...)
	}
	for _, dir := range candidates {
		if info, err := os.Stat(dir); err == nil && info.IsDir() {
			return dir
		}
	}
	return ""
}
