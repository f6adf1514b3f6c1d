package tts

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"unicode/utf8"
)

// Synthesizer owns a loaded engine and hosts at most one active Session at a
// time. All methods are safe for concurrent use; calls are serialized.
type Synthesizer struct {
	mu       sync.Mutex
	engine   Engine
	paths    ModelPaths
	defaults Options
	policy   Policy
	logger   *slog.Logger
	current  *Session
	nextID   uint64
	disposed bool
}

// SynthesizerOption customizes NewSynthesizer.
type SynthesizerOption func(*Synthesizer)

// WithSessionPolicy selects how Start behaves while a session is active.
func WithSessionPolicy(p Policy) SynthesizerOption {
	return func(s *Synthesizer) { s.policy = p }
}

func WithLogger(logger *slog.Logger) SynthesizerOption {
	return func(s *Synthesizer) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewSynthesizer loads an engine for paths. Construction is all-or-nothing:
// on failure the returned error has kind ErrConstruction and names the input
// that could not be loaded.
func NewSynthesizer(loader Loader, paths ModelPaths, opts ...SynthesizerOption) (*Synthesizer, error) {
	if paths.Model == "" {
		return nil, ConstructionError(InputModel, "", errors.New("model path is required"))
	}
	if loader == nil {
		return nil, &Error{Kind: ErrConstruction, Op: "load", Err: errors.New("no engine loader configured")}
	}

	engine, err := loader(paths)
	if err != nil {
		if errors.Is(err, ErrConstruction) {
			return nil, err
		}
		return nil, ConstructionError(InputModel, paths.Model, err)
	}
	if engine == nil {
		return nil, ConstructionError(InputModel, paths.Model, errors.New("loader returned no engine"))
	}

	s := &Synthesizer{
		engine:   engine,
		paths:    paths,
		defaults: engine.DefaultOptions(),
		policy:   PolicyReject,
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(s)
	}
	if _, ok := ParsePolicy(string(s.policy)); !ok {
		_ = engine.Close()
		return nil, &Error{Kind: ErrConstruction, Op: "load", Err: fmt.Errorf("unknown session policy %q", s.policy)}
	}
	s.logger = s.logger.With(slog.String("component", "synthesizer"), slog.String("model", paths.Model))
	s.logger.Debug("synthesizer loaded", slog.String("policy", string(s.policy)))
	return s, nil
}

// DefaultOptions returns the model's intrinsic option defaults.
func (s *Synthesizer) DefaultOptions() (Options, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.disposed {
		return Options{}, newError(ErrDisposed, "default options", nil)
	}
	return s.defaults, nil
}

func (s *Synthesizer) Paths() ModelPaths { return s.paths }

func (s *Synthesizer) Policy() Policy { return s.policy }

// SampleRate reports the engine's native rate when the engine exposes it,
// otherwise 0.
func (s *Synthesizer) SampleRate() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.engine.(interface{ SampleRate() int }); ok && !s.disposed {
		return r.SampleRate()
	}
	return 0
}

func (s *Synthesizer) Disposed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.disposed
}

// Start begins a session for text using opts as given; resolve partial
// overrides with ResolveOptions first. Empty text yields a session that
// completes on its first pull without touching the engine, so it never
// conflicts with an active session.
func (s *Synthesizer) Start(text string, opts Options) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.disposed {
		return nil, newError(ErrSynthesisStart, "start", ErrDisposed)
	}
	if !utf8.ValidString(text) {
		return nil, newError(ErrSynthesisStart, "start", errors.New("text is not valid UTF-8"))
	}

	s.nextID++
	sess := &Session{synth: s, id: s.nextID, text: text, opts: opts, state: StateStarted}
	if text == "" {
		sess.empty = true
		return sess, nil
	}

	cur := s.current
	if cur != nil && s.policy != PolicySupersede {
		return nil, newError(ErrConcurrentSession, "start", fmt.Errorf("session %d is %s", cur.id, cur.state))
	}

	if err := s.engine.Start(text, opts); err != nil {
		return nil, newError(ErrSynthesisStart, "start", err)
	}
	if cur != nil {
		s.logger.Debug("superseding active session", slog.Uint64("session", cur.id), slog.Uint64("by", sess.id))
		cur.fail(newError(ErrSynthesis, "next", fmt.Errorf("superseded by session %d", sess.id)))
	}
	s.current = sess
	s.logger.Debug("session started", slog.Uint64("session", sess.id), slog.Int("text_len", len(text)))
	return sess, nil
}

// StartWithOverrides resolves overrides leniently against the defaults and
// starts a session.
func (s *Synthesizer) StartWithOverrides(text string, overrides map[string]any) (*Session, error) {
	defaults, err := s.DefaultOptions()
	if err != nil {
		return nil, newError(ErrSynthesisStart, "start", err)
	}
	return s.Start(text, ResolveOptions(defaults, overrides))
}

// Synthesize starts a session and drains it. On failure the chunks produced
// before the error are returned alongside it.
func (s *Synthesizer) Synthesize(text string, opts Options) ([]Chunk, error) {
	sess, err := s.Start(text, opts)
	if err != nil {
		return nil, err
	}
	return sess.Drain()
}

// Close releases the engine. An active session is terminated first and
// reports ErrDisposed on its next pull. Close waits for an in-flight pull and
// is a no-op when called again.
func (s *Synthesizer) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.disposed {
		return
	}
	s.disposed = true
	if cur := s.current; cur != nil {
		cur.fail(newError(ErrDisposed, "next", nil))
	}
	if err := s.engine.Close(); err != nil {
		s.logger.Warn("engine release failed", slog.String("error", err.Error()))
	}
	s.engine = nil
	s.logger.Debug("synthesizer disposed")
}

// release clears the active slot if sess holds it. Caller holds s.mu.
func (s *Synthesizer) release(sess *Session) {
	if s.current == sess {
		s.current = nil
	}
}
