package tts

// Engine is the contract for a loaded acoustic model plus its phonemizer.
// Implementations are driven by one goroutine at a time; the Synthesizer
// serializes every call.
type Engine interface {
	// DefaultOptions reports the model-authored option defaults.
	DefaultOptions() Options
	// Start begins an utterance, abandoning any utterance in progress.
	Start(text string, opts Options) error
	// Next blocks until the next chunk is generated. It returns io.EOF once
	// the utterance is exhausted. The returned chunk may alias engine
	// buffers that are overwritten by the following call.
	Next() (Chunk, error)
	// Close releases the model.
	Close() error
}

// Loader builds an Engine from model paths. Failures should be reported with
// ConstructionError so the caller learns which input was at fault.
type Loader func(paths ModelPaths) (Engine, error)
