package telemetry

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	"voiceagent/internal/types"
)

// maxEvents bounds the in-memory event log per session the way the
// teacher's store.Store caps its event history, since this module carries
// no persistence contract.
const maxEvents = 500

// PublishFunc hands a telemetry payload to the out-of-band data channel the
// media transport exposes (publish_data(topic, bytes) in the external
// interface). A session wires this to its MediaTransport; tests wire it to
// a recording stub.
type PublishFunc func(topic string, data []byte)

// Hub is the session-local fan-out pub/sub: typed events delivered to any
// number of in-process subscribers (e.g. a test harness) and, if a
// PublishFunc is set, mirrored onto the named data-channel topics for UI
// consumption.
type Hub struct {
	mu       sync.RWMutex
	subs     map[chan types.Event]struct{}
	log      []types.Event
	publish  PublishFunc
	sessCopy string
}

// NewHub creates a telemetry hub for one session. publish may be nil, in
// which case events are only delivered to in-process subscribers.
func NewHub(sessionID string, publish PublishFunc) *Hub {
	return &Hub{
		subs:     make(map[chan types.Event]struct{}),
		publish:  publish,
		sessCopy: sessionID,
	}
}

// Subscribe registers a new listener. The returned channel is buffered;
// slow subscribers drop events rather than block the publisher.
func (h *Hub) Subscribe() chan types.Event {
	ch := make(chan types.Event, 64)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()
	return ch
}

// Unsubscribe removes and closes a listener channel.
func (h *Hub) Unsubscribe(ch chan types.Event) {
	h.mu.Lock()
	if _, ok := h.subs[ch]; ok {
		delete(h.subs, ch)
		close(ch)
	}
	h.mu.Unlock()
}

func (h *Hub) emit(evt types.Event) {
	h.mu.Lock()
	h.log = append(h.log, evt)
	if len(h.log) > maxEvents {
		h.log = h.log[len(h.log)-maxEvents:]
	}
	for ch := range h.subs {
		select {
		case ch <- evt:
		default:
			// subscriber not keeping up; drop rather than block the pipeline
		}
	}
	h.mu.Unlock()
}

// Events returns a shallow copy of the retained event log.
func (h *Hub) Events() []types.Event {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]types.Event, len(h.log))
	copy(out, h.log)
	return out
}

func (h *Hub) publishJSON(topic string, evt types.Event, wire any) {
	h.emit(evt)
	if h.publish == nil {
		return
	}
	data, err := json.Marshal(wire)
	if err != nil {
		log.Printf("[telemetry] marshal %s: %v", topic, err)
		return
	}
	h.publish(topic, data)
}

// transcriptWire is the wire payload for the transcripts topic.
type transcriptWire struct {
	Type                string  `json:"type"`
	Speaker             string  `json:"speaker"`
	ParticipantIdentity string  `json:"participantIdentity"`
	ParticipantSid      string  `json:"participantSid,omitempty"`
	Text                string  `json:"text"`
	Timestamp           int64   `json:"timestamp"`
	Interim             *bool   `json:"interim,omitempty"`
}

// Transcript publishes a user or assistant transcript on the "transcripts"
// topic. interim is nil for assistant transcripts (always final).
func (h *Hub) Transcript(speaker, participantIdentity, text string, interim *bool) {
	wire := transcriptWire{
		Type:                "transcript",
		Speaker:             speaker,
		ParticipantIdentity: participantIdentity,
		Text:                text,
		Timestamp:           time.Now().UnixMilli(),
		Interim:             interim,
	}
	evt := types.Event{
		Type: "transcript",
		Ts:   time.Now(),
		Payload: map[string]any{
			"speaker":              speaker,
			"participant_identity": participantIdentity,
			"text":                 text,
		},
	}
	h.publishJSON("transcripts", evt, wire)
}

// agentStatusWire is the wire payload for the agent_status topic.
type agentStatusWire struct {
	State     string                  `json:"state"`
	TurnID    string                  `json:"turn_id,omitempty"`
	Latencies *types.LatencyBreakdown `json:"latencies,omitempty"`
}

// AgentStatus publishes a turn-controller state transition, optionally with
// the closing latency breakdown, on the "agent_status" topic.
func (h *Hub) AgentStatus(state, turnID string, latencies *types.LatencyBreakdown) {
	wire := agentStatusWire{State: state, TurnID: turnID, Latencies: latencies}
	payload := map[string]any{"state": state}
	if turnID != "" {
		payload["turn_id"] = turnID
	}
	if latencies != nil {
		payload["latencies"] = latencies
	}
	evt := types.Event{Type: "agent_status", Ts: time.Now(), Payload: payload}
	h.publishJSON("agent_status", evt, wire)
}
