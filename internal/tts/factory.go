package tts

import (
	"fmt"
	"log/slog"

	"github.com/loqalabs/loqa-piper/internal/config"
)

// LoaderFromConfig picks the engine loader for the configured mode.
func LoaderFromConfig(cfg config.TTSConfig) (Loader, error) {
	switch cfg.Mode {
	case "", "mock":
		return NewMockLoader(MockConfig{}), nil
	case "exec":
		return NewExecLoader(cfg.Command), nil
	default:
		return nil, fmt.Errorf("unsupported tts mode %q", cfg.Mode)
	}
}

// FromConfig builds a Synthesizer from the tts config section.
func FromConfig(cfg config.TTSConfig, logger *slog.Logger) (*Synthesizer, error) {
	loader, err := LoaderFromConfig(cfg)
	if err != nil {
		return nil, err
	}
	policy, ok := ParsePolicy(cfg.SessionPolicy)
	if !ok {
		return nil, fmt.Errorf("unsupported session policy %q", cfg.SessionPolicy)
	}
	paths := ModelPaths{
		Model:          cfg.ModelPath,
		Config:         cfg.ConfigPath,
		PhonemizerData: cfg.EspeakDataPath,
	}
	return NewSynthesizer(loader, paths, WithSessionPolicy(policy), WithLogger(logger))
}
