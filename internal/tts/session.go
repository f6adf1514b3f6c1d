package tts

import (
	"errors"
	"io"
	"log/slog"
)

var (
	errAbandoned   = errors.New("session abandoned")
	errMissingLast = errors.New("engine finished without a final chunk")
	errAfterLast   = errors.New("engine produced a chunk after the final chunk")
)

// Session is a single-use, pull-based stream of chunks for one text. It holds
// a non-owning reference to its Synthesizer and re-validates it on every
// call. Sessions share the synthesizer's lock.
type Session struct {
	synth   *Synthesizer
	id      uint64
	text    string
	opts    Options
	empty   bool
	state   State
	err     error
	chunks  int
	sawLast bool
}

// validTransitions lists the states reachable from each non-terminal state.
var validTransitions = map[State][]State{
	StateStarted:   {StateStreaming, StateDone, StateFailed},
	StateStreaming: {StateStreaming, StateDone, StateFailed},
}

func transitionValid(from, to State) bool {
	for _, allowed := range validTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

func (s *Session) ID() uint64 { return s.id }

func (s *Session) Text() string { return s.text }

func (s *Session) Options() Options { return s.opts }

func (s *Session) State() State {
	s.synth.mu.Lock()
	defer s.synth.mu.Unlock()
	return s.state
}

// Err returns the error that failed the session, or nil.
func (s *Session) Err() error {
	s.synth.mu.Lock()
	defer s.synth.mu.Unlock()
	return s.err
}

// ChunksEmitted counts the chunks returned so far.
func (s *Session) ChunksEmitted() int {
	s.synth.mu.Lock()
	defer s.synth.mu.Unlock()
	return s.chunks
}

// Next returns the next chunk in generation order. After the chunk flagged
// IsLast, exactly one more call returns io.EOF. A failing call returns no
// chunk and moves the session to StateFailed; later calls repeat the
// terminal result.
func (s *Session) Next() (Chunk, error) {
	sy := s.synth
	sy.mu.Lock()
	defer sy.mu.Unlock()

	switch s.state {
	case StateDone:
		return Chunk{}, io.EOF
	case StateFailed:
		return Chunk{}, s.err
	}
	if sy.disposed {
		s.fail(newError(ErrDisposed, "next", nil))
		return Chunk{}, s.err
	}
	if s.empty {
		s.transition(StateDone)
		return Chunk{}, io.EOF
	}
	if sy.current != s {
		s.fail(newError(ErrSynthesis, "next", errAbandoned))
		return Chunk{}, s.err
	}

	chunk, err := sy.engine.Next()
	switch {
	case errors.Is(err, io.EOF):
		// Zero chunks is a valid stream, like empty text.
		if s.chunks > 0 && !s.sawLast {
			s.fail(newError(ErrSynthesis, "next", errMissingLast))
			return Chunk{}, s.err
		}
		s.transition(StateDone)
		sy.release(s)
		sy.logger.Debug("session done", slog.Uint64("session", s.id), slog.Int("chunks", s.chunks))
		return Chunk{}, io.EOF
	case err != nil:
		s.fail(newError(ErrSynthesis, "next", err))
		return Chunk{}, s.err
	case s.sawLast:
		s.fail(newError(ErrSynthesis, "next", errAfterLast))
		return Chunk{}, s.err
	}

	out := chunk.clone()
	s.transition(StateStreaming)
	s.chunks++
	if out.IsLast {
		s.sawLast = true
	}
	return out, nil
}

// Drain pulls until completion and returns every chunk. On failure the chunks
// pulled before it are returned with the error.
func (s *Session) Drain() ([]Chunk, error) {
	var chunks []Chunk
	for {
		chunk, err := s.Next()
		if errors.Is(err, io.EOF) {
			return chunks, nil
		}
		if err != nil {
			return chunks, err
		}
		chunks = append(chunks, chunk)
	}
}

// Close abandons a session that has not finished, freeing the synthesizer
// for a new Start. It is a no-op on a terminal session.
func (s *Session) Close() {
	sy := s.synth
	sy.mu.Lock()
	defer sy.mu.Unlock()
	if s.state.Terminal() {
		return
	}
	if sy.current == s && !sy.disposed {
		if c, ok := sy.engine.(interface{ Cancel() }); ok {
			c.Cancel()
		}
	}
	s.fail(newError(ErrSynthesis, "next", errAbandoned))
}

// fail records a terminal error and frees the slot. Caller holds the lock.
func (s *Session) fail(err error) {
	if s.state.Terminal() {
		return
	}
	s.err = err
	s.transition(StateFailed)
	s.synth.release(s)
	s.synth.logger.Debug("session failed", slog.Uint64("session", s.id), slog.String("error", err.Error()))
}

func (s *Session) transition(to State) {
	if !transitionValid(s.state, to) {
		return
	}
	s.state = to
}
