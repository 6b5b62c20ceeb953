// Package protocol defines the JSON message schema spoken on the client
// voice WebSocket. Control messages are JSON text frames; microphone audio
// arrives as raw binary frames (mono 16-bit little-endian PCM at 24 kHz,
// one frame per message, no header).
package protocol

// Client -> server message types.
const (
	TypeSessionStart  = "session.start"
	TypeSessionConfig = "session.config"
	TypePTTDown       = "ptt.down"
	TypePTTUp         = "ptt.up"
	TypeCutAudio      = "ai.cut_audio"
)

// Server -> client message types.
const (
	TypeSessionConnecting = "session.connecting"
	TypeSessionReady      = "session.ready"
	TypeSessionStarted    = "session.started"
	TypeSTTText           = "stt.text"
	TypeAITextStart       = "ai.text.start"
	TypeAITextDelta       = "ai.text.delta"
	TypeAITextFinal       = "ai.text.final"
	TypeAudioDelta        = "rt.audio.delta"
	TypeAudioEnd          = "rt.audio.end"
	TypeWarn              = "warn"
	TypeError             = "error"
)

// Error codes carried in the "error" field of an Error event.
const (
	ErrNoClonedVoice      = "no_cloned_voice"
	ErrLovedOneNotFound   = "loved_one_not_found"
	ErrUpstreamConnection = "upstream_connection"
	ErrUpstreamProtocol   = "upstream_protocol"
)

// ClientMessage is the union of all JSON control messages a client may send.
// Pointer fields distinguish "absent" from zero for session.config updates.
type ClientMessage struct {
	Type         string   `json:"type"`
	ProfileID    string   `json:"profile_id,omitempty"`
	LovedOneID   int64    `json:"loved_one_id,omitempty"`
	VADSilenceMs *int     `json:"vad_silence_ms,omitempty"`
	VADThreshold *float64 `json:"vad_threshold,omitempty"`
	PTTEnabled   *bool    `json:"ptt_enabled,omitempty"`
}

// Lifecycle is a bare server event carrying only a type
// (session.connecting, session.ready).
type Lifecycle struct {
	Type string `json:"type"`
}

// SessionStarted acknowledges a successful session.start.
type SessionStarted struct {
	Type       string `json:"type"`
	ProfileID  string `json:"profile_id"`
	LovedOneID int64  `json:"loved_one_id"`
}

// STTText carries a finalized user transcript. Gen is zero for transcripts
// that were gated before a generation began (noise).
type STTText struct {
	Type string `json:"type"`
	Text string `json:"text"`
	Gen  uint64 `json:"gen,omitempty"`
}

// TextStart marks the beginning of an assistant turn.
type TextStart struct {
	Type string `json:"type"`
	Gen  uint64 `json:"gen"`
}

// TextDelta is one streamed fragment of the assistant reply.
type TextDelta struct {
	Type  string `json:"type"`
	Delta string `json:"delta"`
	Gen   uint64 `json:"gen"`
}

// TextFinal carries the complete assistant reply text.
type TextFinal struct {
	Type string `json:"type"`
	Text string `json:"text"`
	Gen  uint64 `json:"gen"`
}

// AudioDelta is one synthesized PCM chunk, base64-encoded. Seq is strictly
// increasing within a generation, starting at 1.
type AudioDelta struct {
	Type     string `json:"type"`
	AudioB64 string `json:"audio_b64"`
	Gen      uint64 `json:"gen"`
	Seq      uint64 `json:"seq"`
}

// AudioEnd terminates the audio stream of one generation. It is emitted
// exactly once per generation, on normal completion, synthesis failure,
// or barge-in.
type AudioEnd struct {
	Type string `json:"type"`
	Gen  uint64 `json:"gen"`
}

// Warn is a non-fatal notice; the session continues.
type Warn struct {
	Type string `json:"type"`
	Note string `json:"note"`
}

// Error is a fatal (session- or start-scoped) failure.
type Error struct {
	Type   string `json:"type"`
	Error  string `json:"error"`
	Detail string `json:"detail,omitempty"`
}

// NewAudioEnd builds the termination event for a generation.
func NewAudioEnd(gen uint64) AudioEnd {
	return AudioEnd{Type: TypeAudioEnd, Gen: gen}
}

// NewWarn builds a warn event.
func NewWarn(note string) Warn {
	return Warn{Type: TypeWarn, Note: note}
}

// NewError builds an error event.
func NewError(code, detail string) Error {
	return Error{Type: TypeError, Error: code, Detail: detail}
}
