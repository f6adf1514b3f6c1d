package protocol

import "time"

// TTSRequest asks the runtime to synthesize text.
type TTSRequest struct {
	SessionID string         `json:"session_id"`
	Text      string         `json:"text"`
	Target    string         `json:"target,omitempty"`
	TraceID   string         `json:"trace_id,omitempty"`
	Options   map[string]any `json:"options,omitempty"`
}

// AudioChunk carries one synthesized chunk as 16-bit PCM plus its alignment
// metadata. Absent metadata is omitted.
type AudioChunk struct {
	SessionID  string  `json:"session_id"`
	Target     string  `json:"target,omitempty"`
	Sequence   int     `json:"sequence"`
	SampleRate int     `json:"sample_rate"`
	Channels   int     `json:"channels"`
	PCM        []byte  `json:"pcm"`
	Final      bool    `json:"final"`
	Phonemes   []rune  `json:"phonemes,omitempty"`
	PhonemeIDs []int32 `json:"phoneme_ids,omitempty"`
	Alignments []int32 `json:"alignments,omitempty"`
}

// TTSStatus closes a request: Completed is false when Error is set.
type TTSStatus struct {
	SessionID string    `json:"session_id"`
	Target    string    `json:"target,omitempty"`
	Completed bool      `json:"completed"`
	Chunks    int       `json:"chunks"`
	ErrorKind string    `json:"error_kind,omitempty"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// TTSOptions answers a default options query.
type TTSOptions struct {
	SpeakerID   int     `json:"speakerId"`
	LengthScale float32 `json:"lengthScale"`
	NoiseScale  float32 `json:"noiseScale"`
	NoiseWScale float32 `json:"noiseWScale"`
	SampleRate  int     `json:"sample_rate"`
	Error       string  `json:"error,omitempty"`
}

const (
	SubjectTTSRequest = "tts.request"
	SubjectTTSAudio   = "tts.audio"
	SubjectTTSDone    = "tts.done"
	SubjectTTSOptions = "tts.options"

	// SubjectNodeHeartbeat is suffixed with the node id.
	SubjectNodeAnnounce  = "tts.node.announce"
	SubjectNodeHeartbeat = "tts.node.heartbeat"
)
