package tts

import (
	"encoding/json"
	"fmt"
	"math"
	"reflect"

	"github.com/mitchellh/mapstructure"
)

// Option names accepted in override maps.
const (
	OptionSpeakerID   = "speakerId"
	OptionLengthScale = "lengthScale"
	OptionNoiseScale  = "noiseScale"
	OptionNoiseWScale = "noiseWScale"
)

// ResolveOptions overlays overrides onto defaults field by field. Unknown
// names are ignored and values that are not numbers count as absent, so
// resolution never fails. Out-of-range numbers are passed through untouched;
// fractional speaker ids truncate and wrap into the int32 range.
func ResolveOptions(defaults Options, overrides map[string]any) Options {
	out := defaults
	if len(overrides) == 0 {
		return out
	}
	if v, ok := numberValue(overrides[OptionSpeakerID]); ok && !math.IsNaN(v) && !math.IsInf(v, 0) {
		out.SpeakerID = int(toInt32(v))
	}
	if v, ok := numberValue(overrides[OptionLengthScale]); ok {
		out.LengthScale = float32(v)
	}
	if v, ok := numberValue(overrides[OptionNoiseScale]); ok {
		out.NoiseScale = float32(v)
	}
	if v, ok := numberValue(overrides[OptionNoiseWScale]); ok {
		out.NoiseWScale = float32(v)
	}
	return out
}

// toInt32 truncates v and wraps it modulo 2^32 into the int32 range.
// v must be finite.
func toInt32(v float64) int32 {
	m := math.Mod(math.Trunc(v), 1<<32)
	if m < 0 {
		m += 1 << 32
	}
	if m >= 1<<31 {
		m -= 1 << 32
	}
	return int32(m)
}

func numberValue(value any) (float64, bool) {
	if value == nil {
		return 0, false
	}
	if n, ok := value.(json.Number); ok {
		f, err := n.Float64()
		return f, err == nil
	}
	rv := reflect.ValueOf(value)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return float64(rv.Int()), true
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return float64(rv.Uint()), true
	case reflect.Float32, reflect.Float64:
		return rv.Float(), true
	default:
		return 0, false
	}
}

type optionOverrides struct {
	SpeakerID   *float64 `mapstructure:"speakerId"`
	LengthScale *float32 `mapstructure:"lengthScale"`
	NoiseScale  *float32 `mapstructure:"noiseScale"`
	NoiseWScale *float32 `mapstructure:"noiseWScale"`
}

// ResolveOptionsStrict is the validating counterpart of ResolveOptions: it
// rejects unknown names, values that cannot be decoded as numbers and speaker
// ids that are not whole numbers in the int32 range.
func ResolveOptionsStrict(defaults Options, overrides map[string]any) (Options, error) {
	out := defaults
	if len(overrides) == 0 {
		return out, nil
	}
	var partial optionOverrides
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:     "mapstructure",
		ErrorUnused: true,
		Result:      &partial,
	})
	if err != nil {
		return defaults, err
	}
	if err := decoder.Decode(overrides); err != nil {
		return defaults, fmt.Errorf("decode synthesis options: %w", err)
	}
	if partial.SpeakerID != nil {
		id := *partial.SpeakerID
		if id != math.Trunc(id) || id < math.MinInt32 || id > math.MaxInt32 {
			return defaults, fmt.Errorf("decode synthesis options: speakerId %v is not a 32-bit integer", id)
		}
		out.SpeakerID = int(id)
	}
	if partial.LengthScale != nil {
		out.LengthScale = *partial.LengthScale
	}
	if partial.NoiseScale != nil {
		out.NoiseScale = *partial.NoiseScale
	}
	if partial.NoiseWScale != nil {
		out.NoiseWScale = *partial.NoiseWScale
	}
	return out, nil
}

// Map renders the options using the override vocabulary.
func (o Options) Map() map[string]any {
	return map[string]any{
		OptionSpeakerID:   o.SpeakerID,
		OptionLengthScale: o.LengthScale,
		OptionNoiseScale:  o.NoiseScale,
		OptionNoiseWScale: o.NoiseWScale,
	}
}
