// Command piper-say synthesizes text with a local voice model and writes a
// WAV file, printing per-chunk alignment details as it streams.
package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/loqalabs/loqa-piper/internal/config"
	"github.com/loqalabs/loqa-piper/internal/tts"
	"github.com/loqalabs/loqa-piper/internal/wavout"
)

func main() {
	var (
		cfg         config.TTSConfig
		text        string
		outPath     string
		verbose     bool
		speakerID   int
		lengthScale float64
		noiseScale  float64
		noiseWScale float64
	)

	flag.StringVar(&cfg.Mode, "mode", "exec", "Engine mode: exec or mock")
	flag.StringVar(&cfg.Command, "command", "piper-stream", "Engine helper command (mode=exec)")
	flag.StringVar(&cfg.ModelPath, "model", "", "Path to the voice model")
	flag.StringVar(&cfg.ConfigPath, "voice-config", "", "Path to the voice config (default: <model>.json)")
	flag.StringVar(&cfg.EspeakDataPath, "espeak-data", "", "Path to espeak-ng data (default: system)")
	flag.StringVar(&text, "text", "", "Text to speak (default: read stdin)")
	flag.StringVar(&outPath, "out", "out.wav", "Output WAV path")
	flag.BoolVar(&verbose, "v", false, "Print phoneme alignments per chunk")
	flag.IntVar(&speakerID, "speaker", 0, "Speaker id for multi-speaker voices")
	flag.Float64Var(&lengthScale, "length-scale", 0, "Phoneme length scale (higher is slower)")
	flag.Float64Var(&noiseScale, "noise-scale", 0, "Generator noise scale")
	flag.Float64Var(&noiseWScale, "noise-w-scale", 0, "Phoneme width noise scale")
	flag.Parse()

	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	if text == "" {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			logger.Error("failed to read stdin", slog.String("error", err.Error()))
			os.Exit(1)
		}
		text = strings.TrimSpace(string(data))
	}

	// Only flags given on the command line override the voice defaults.
	overrides := map[string]any{}
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "speaker":
			overrides[tts.OptionSpeakerID] = speakerID
		case "length-scale":
			overrides[tts.OptionLengthScale] = lengthScale
		case "noise-scale":
			overrides[tts.OptionNoiseScale] = noiseScale
		case "noise-w-scale":
			overrides[tts.OptionNoiseWScale] = noiseWScale
		}
	})

	if err := run(cfg, text, overrides, outPath, verbose, logger); err != nil {
		logger.Error("synthesis failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run(cfg config.TTSConfig, text string, overrides map[string]any, outPath string, verbose bool, logger *slog.Logger) error {
	synth, err := tts.FromConfig(cfg, logger)
	if err != nil {
		return err
	}
	defer synth.Close()

	sess, err := synth.StartWithOverrides(text, overrides)
	if err != nil {
		return err
	}

	var chunks []tts.Chunk
	sampleRate := synth.SampleRate()
	for {
		chunk, err := sess.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return err
		}
		if sampleRate == 0 {
			sampleRate = chunk.SampleRate
		}
		if verbose {
			fmt.Fprintf(os.Stderr, "chunk %d: %d samples (%s) last=%t phonemes=%q alignments=%v\n",
				len(chunks), len(chunk.Samples), chunk.Duration(), chunk.IsLast, string(chunk.Phonemes), chunk.Alignments)
		}
		chunks = append(chunks, chunk)
	}
	if sampleRate == 0 {
		sampleRate = tts.DefaultSampleRate
	}

	f, err := os.Create(outPath)
	if err != nil {
		return fmt.Errorf("create output: %w", err)
	}
	if err := wavout.Write(f, sampleRate, chunks); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close output: %w", err)
	}
	fmt.Printf("wrote %d chunks to %s\n", len(chunks), outPath)
	return nil
}
