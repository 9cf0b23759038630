// Package types holds the data model entities shared across the voice
// pipeline: frames coming in off the wire, utterances assembled from STT,
// turn state, and the chunks/frames flowing out through synthesis.
package types

import "time"

// ParticipantKind distinguishes how a participant joined the room. Routing
// treats both uniformly, and no telemetry payload carries the kind.
type ParticipantKind string

const (
	ParticipantWebRTC ParticipantKind = "webrtc"
	ParticipantSIP    ParticipantKind = "sip"
)

// Participant is a human (or bridged SIP caller) in the session.
type Participant struct {
	Identity    string
	DisplayName string
	Kind        ParticipantKind
	JoinedAt    time.Time
	LastSpeech  time.Time
}

// AudioFrame is a single slab of decoded audio tagged with its source.
// Samples are mono int16 PCM at SampleRate; Duration() must stay <= 40ms
// for the ingress demultiplexer to keep the VAD stage responsive.
type AudioFrame struct {
	Participant string
	PCM         []int16
	SampleRate  int
	CapturedAt  time.Time
}

// Duration returns how much audio this frame represents.
func (f AudioFrame) Duration() time.Duration {
	if f.SampleRate <= 0 {
		return 0
	}
	return time.Duration(len(f.PCM)) * time.Second / time.Duration(f.SampleRate)
}

// Utterance is one open or closed span of user speech as reconstructed from
// STT output. UtteranceID is monotonically increasing per participant.
type Utterance struct {
	ID          uint64
	Participant string
	StartedAt   time.Time
	EndedAt     time.Time
	Interim     string
	Final       string
	Complete    bool
}

// TurnState is the Turn Controller's state.
type TurnState int

const (
	Idle TurnState = iota
	Listening
	Endpointing
	Thinking
	Speaking
	Interrupted
)

func (s TurnState) String() string {
	switch s {
	case Idle:
		return "idle"
	case Listening:
		return "listening"
	case Endpointing:
		return "endpointing"
	case Thinking:
		return "thinking"
	case Speaking:
		return "speaking"
	case Interrupted:
		return "interrupted"
	default:
		return "unknown"
	}
}

// SpeakChunk is one synthesis-sized unit of assistant text, emitted by the
// Response Generator in strictly increasing Index order within a turn.
type SpeakChunk struct {
	TurnID  string
	Index   int
	Text    string
	IsFinal bool
}

// AudioOut is a slab of synthesized PCM belonging to exactly one turn and
// chunk, produced by TTS and consumed by egress.
type AudioOut struct {
	TurnID     string
	ChunkIndex int
	PCM        []int16
	SampleRate int
}

// DialogueRole is the speaker of a DialogueTurn.
type DialogueRole string

const (
	RoleSystem    DialogueRole = "system"
	RoleUser      DialogueRole = "user"
	RoleAssistant DialogueRole = "assistant"
)

// DialogueTurn is one entry in the rolling conversation context.
type DialogueTurn struct {
	Role      DialogueRole
	Text      string
	Timestamp time.Time
	Truncated bool
	Failure   bool
}

// Event is the generic telemetry envelope published on the agent_status and
// transcripts topics.
type Event struct {
	Type    string         `json:"type"`
	Ts      time.Time      `json:"timestamp"`
	Payload map[string]any `json:"payload,omitempty"`
}

// LatencyBreakdown is the per-turn telemetry published on agent_status at
// turn close.
type LatencyBreakdown struct {
	STTMs     int64 `json:"stt_ms"`
	LLMTTFTMs int64 `json:"llm_ttft_ms"`
	LLMTotal  int64 `json:"llm_total_ms"`
	TTSTTFBMs int64 `json:"tts_ttfb_ms"`
	E2EMs     int64 `json:"e2e_ms"`
}
