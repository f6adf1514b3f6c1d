package tts

import (
	"errors"
	"strconv"
	"strings"
)

// Error kinds. Use errors.Is to classify an error returned by this package.
var (
	ErrConstruction      = errors.New("construction failed")
	ErrDisposed          = errors.New("synthesizer has been disposed")
	ErrConcurrentSession = errors.New("another synthesis session is active")
	ErrSynthesisStart    = errors.New("failed to start synthesis")
	ErrSynthesis         = errors.New("synthesis failed")
)

// Input identifies which construction input an error refers to.
type Input string

const (
	InputModel          Input = "model"
	InputConfig         Input = "config"
	InputPhonemizerData Input = "phonemizer-data"
)

// Error carries a kind from the taxonomy above plus the operation and,
// for construction failures, the offending input.
type Error struct {
	Kind  error
	Op    string
	Input Input
	Path  string
	Err   error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString("tts: ")
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	if e.Kind != nil {
		b.WriteString(e.Kind.Error())
	} else {
		b.WriteString("error")
	}
	if e.Input != "" {
		b.WriteString(" (")
		b.WriteString(string(e.Input))
		if e.Path != "" {
			b.WriteString(" ")
			b.WriteString(strconv.Quote(e.Path))
		}
		b.WriteString(")")
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() []error {
	errs := make([]error, 0, 2)
	if e.Kind != nil {
		errs = append(errs, e.Kind)
	}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

// ConstructionError reports a failure to load one of the synthesizer inputs.
func ConstructionError(input Input, path string, err error) error {
	return &Error{Kind: ErrConstruction, Op: "load", Input: input, Path: path, Err: err}
}

func newError(kind error, op string, err error) error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// FailedInput returns the construction input an error refers to, if any.
func FailedInput(err error) (Input, bool) {
	var te *Error
	if errors.As(err, &te) && te.Input != "" {
		return te.Input, true
	}
	return "", false
}

// Kind returns a short, stable name for the error kind, suitable for wire
// status messages. Unknown errors map to "internal".
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrDisposed):
		return "disposed"
	case errors.Is(err, ErrConcurrentSession):
		return "concurrent_session"
	case errors.Is(err, ErrConstruction):
		return "construction"
	case errors.Is(err, ErrSynthesisStart):
		return "synthesis_start"
	case errors.Is(err, ErrSynthesis):
		return "synthesis"
	default:
		return "internal"
	}
}
