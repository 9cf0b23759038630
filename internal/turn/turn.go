// Package turn implements the Turn Controller: the central,
// single-writer state machine that fuses VAD events, STT finals,
// endpointing timers, and barge-in rules, and issues BeginTurn/CancelTurn/
// CommitUserUtterance to the Response Generator.
//
// The state machine itself is grounded on orchestrator/server.go's
// setState/sessionState pattern (string states, metric-emitting
// transitions) generalized to a six-state TurnState enum, and on
// floor/floor.go's barge-in Decision shape, generalized from
// single-utterance-ID tracking to full multi-participant arbitration.
// Latency-breakdown bookkeeping is grounded on
// team-hashing-lokutor-orchestrator's per-turn timestamp struct.
package turn

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"voiceagent/internal/dialogue"
	"voiceagent/internal/telemetry"
	"voiceagent/internal/types"
)

// EventKind discriminates an inbound controller event.
type EventKind int

const (
	EvSpeechStart EventKind = iota
	EvSpeechEnd
	EvSTTFinal
	EvSTTInterim
	EvSTTUnavailable
	EvParticipantLeft
	EvGeneratorFirstChunk
	EvTurnEnded
	EvInterruptSettled
	EvGreet
	evEndpointTimeout // internal, not sent by callers
)

// greetingParticipant tags the synthetic utterance Greet commits; it never
// corresponds to a real room participant.
const greetingParticipant = "assistant"

// InEvent is the single envelope the controller's run loop consumes;
// every external signal funnels through Dispatch into this shape, which
// keeps the state machine a totally-ordered single-writer actor.
// TurnID/AssistantText/Failure/Latencies are only populated on EvTurnEnded;
// every other event kind leaves them zero.
type InEvent struct {
	Kind        EventKind
	Participant string
	UtteranceID uint64
	Text        string
	At          time.Time

	TurnID        string
	AssistantText string
	Failure       bool
	Latencies     types.LatencyBreakdown
}

// Config holds the controller's timing knobs.
type Config struct {
	EndpointingDelay    time.Duration
	STTHangover         time.Duration
	BargeInDeadline     time.Duration
	MinWordsToInterrupt int
}

func DefaultConfig() Config {
	return Config{
		EndpointingDelay:    2000 * time.Millisecond,
		STTHangover:         300 * time.Millisecond,
		BargeInDeadline:     150 * time.Millisecond,
		MinWordsToInterrupt: 1,
	}
}

// Callbacks lets the session supervisor wire the controller to the actual
// generator/TTS pipeline without the controller owning those goroutines
// directly: no back-pointers, only turn ids to match async cancel
// acknowledgments against.
type Callbacks struct {
	// BeginTurn is called exactly once per committed utterance, in the
	// Thinking state, with the turn id the caller must tag all downstream
	// work (SpeakChunks, AudioOut) with. sttLatency is the time between the
	// speaker falling silent and the last STT final settling for this
	// utterance.
	BeginTurn func(ctx context.Context, turnID, participant, text string, sttLatency time.Duration)
	// CancelTurn is called when a barge-in requires the
	// active generator/TTS chain to stop; ctx from BeginTurn is already
	// cancelled by the time this returns.
	CancelTurn func(turnID, reason string)
	// MarkUtteranceCommitted tells the participant's STT client that an
	// utterance id has been committed or abandoned, so a late-arriving
	// duplicate/stale final for it is dropped rather than re-processed.
	MarkUtteranceCommitted func(participant string, utteranceID uint64)
	// Greet is called once for each Greet the controller accepts (only
	// from Idle), in the Thinking state, carrying the literal greeting text to speak. Unlike
	// BeginTurn, the text is not a user utterance to feed the LLM; the
	// caller is expected to synthesize it directly and drive the turn to
	// Speaking/Idle the same way BeginTurn does.
	Greet func(ctx context.Context, turnID, text string)
}

// Controller is the session's single Turn Controller. One instance per
// session; Run must be started in its own goroutine.
type Controller struct {
	cfg       Config
	dialogue  *dialogue.Store
	hub       *telemetry.Hub
	callbacks Callbacks

	events chan InEvent

	mu    sync.Mutex
	state types.TurnState

	currentSpeaker string
	utterance      *types.Utterance
	turnID         string
	turnCtx        context.Context
	turnCancel     context.CancelFunc

	endpointTimer *time.Timer
	speechEndAt   time.Time
	commitAt      time.Time
	lastFinalAt   time.Time // timestamp of the most recent STT final for the open utterance

	// pendingInterrupter holds a would-be barge-in candidate while
	// MinWordsToInterrupt > 1 requires accruing transcribed text before
	// honoring it (see triggerBargeIn/handleSpeaking).
	pendingInterrupter *InEvent
}

// New creates a Controller in the Idle state.
func New(cfg Config, store *dialogue.Store, hub *telemetry.Hub, cb Callbacks) *Controller {
	return &Controller{
		cfg:       cfg,
		dialogue:  store,
		hub:       hub,
		callbacks: cb,
		events:    make(chan InEvent, 64),
		state:     types.Idle,
	}
}

// State returns the controller's current state (safe for concurrent read;
// the run loop is the sole writer).
func (c *Controller) State() types.TurnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Dispatch enqueues an event for the run loop. Non-blocking: the queue is
// generously buffered since the run loop never blocks on slow downstream
// work (that happens in callback goroutines).
func (c *Controller) Dispatch(evt InEvent) {
	if evt.At.IsZero() {
		evt.At = time.Now()
	}
	select {
	case c.events <- evt:
	default:
		log.Printf("[turn] event queue full, dropping %v for %s", evt.Kind, evt.Participant)
	}
}

// Run is the controller's single-writer loop; it must be started in its
// own goroutine and stops when ctx is cancelled.
func (c *Controller) Run(ctx context.Context) {
	for {
		var timerC <-chan time.Time
		if c.endpointTimer != nil {
			timerC = c.endpointTimer.C
		}
		select {
		case <-ctx.Done():
			return
		case <-timerC:
			c.handle(InEvent{Kind: evEndpointTimeout, Participant: c.currentSpeaker, At: time.Now()})
		case evt := <-c.events:
			c.handle(evt)
		}
	}
}

func (c *Controller) setState(to types.TurnState) {
	c.mu.Lock()
	from := c.state
	c.state = to
	c.mu.Unlock()
	if from == to {
		return
	}
	telemetry.RecordStateTransition(from.String(), to.String())
	c.hub.AgentStatus(to.String(), c.turnID, nil)
}

func (c *Controller) handle(evt InEvent) {
	// These two are asynchronous notifications from callback goroutines
	// rather than state-specific signals; routing them through the same
	// event queue (instead of mutating controller fields directly from the
	// caller's goroutine) keeps Run the sole writer of controller state.
	switch evt.Kind {
	case EvTurnEnded:
		c.onTurnEnded(evt)
		return
	case EvInterruptSettled:
		c.onInterruptSettled()
		return
	}
	switch c.State() {
	case types.Idle:
		c.handleIdle(evt)
	case types.Listening:
		c.handleListening(evt)
	case types.Endpointing:
		c.handleEndpointing(evt)
	case types.Thinking:
		c.handleThinking(evt)
	case types.Speaking:
		c.handleSpeaking(evt)
	case types.Interrupted:
		c.handleInterrupted(evt)
	}
}

func (c *Controller) handleIdle(evt InEvent) {
	switch evt.Kind {
	case EvSpeechStart:
		// First SpeechStart wins the floor.
		c.currentSpeaker = evt.Participant
		c.utterance = &types.Utterance{Participant: evt.Participant, ID: evt.UtteranceID, StartedAt: evt.At}
		c.lastFinalAt = time.Time{}
		c.setState(types.Listening)
	case EvGreet:
		c.commitGreeting(evt.Text)
	}
}

func (c *Controller) handleListening(evt InEvent) {
	if evt.Participant != c.currentSpeaker {
		if evt.Kind == EvSTTFinal {
			c.publishNonFloorFinal(evt)
		}
		return // other participants transcribe but don't drive state
	}
	switch evt.Kind {
	case EvSpeechEnd:
		c.speechEndAt = evt.At
		c.startEndpointTimer()
		c.setState(types.Endpointing)
	case EvSTTFinal:
		if c.utterance != nil {
			c.utterance.Final = evt.Text
			c.lastFinalAt = evt.At
		}
	case EvSTTInterim:
		if c.utterance != nil {
			c.utterance.Interim = evt.Text
		}
	case EvParticipantLeft:
		c.toIdleNoResponse()
	}
}

func (c *Controller) handleEndpointing(evt InEvent) {
	if evt.Kind == EvSpeechStart && evt.Participant == c.currentSpeaker {
		// back in the hangover window: cancel the timer, resume listening
		c.stopEndpointTimer()
		c.setState(types.Listening)
		return
	}
	if evt.Participant != c.currentSpeaker && evt.Kind != evEndpointTimeout {
		if evt.Kind == EvSTTFinal {
			c.publishNonFloorFinal(evt)
		}
		return
	}
	switch evt.Kind {
	case EvSTTFinal:
		if c.utterance != nil {
			c.utterance.Final = evt.Text
			c.lastFinalAt = evt.At
		}
		if turnCompletePredicate(evt.Text, time.Since(c.speechEndAt)) {
			c.stopEndpointTimer()
			c.commit()
		}
	case EvSTTInterim:
		if c.utterance != nil {
			c.utterance.Interim = evt.Text
		}
	case evEndpointTimeout:
		c.commit()
	case EvSTTUnavailable:
		c.stopEndpointTimer()
		c.toIdleNoResponse()
	case EvParticipantLeft:
		c.stopEndpointTimer()
		c.commit() // use whatever final or, failing that, interim text has accrued so far
	}
}

// turnCompletePredicate implements the early-commit path: sentence-final
// punctuation plus at least 300ms of accrued silence.
func turnCompletePredicate(text string, silenceElapsed time.Duration) bool {
	if text == "" || silenceElapsed < 300*time.Millisecond {
		return false
	}
	last := text[len(text)-1]
	return last == '.' || last == '!' || last == '?'
}

// publishNonFloorFinal surfaces a final transcript for a participant who
// isn't holding the floor: the floor holder's finals are folded into the
// committed utterance and published at commit time, but a second
// participant's finals would otherwise never reach the transcript at all.
func (c *Controller) publishNonFloorFinal(evt InEvent) {
	interim := false
	c.hub.Transcript("user", evt.Participant, evt.Text, &interim)
}

func (c *Controller) commit() {
	if c.utterance == nil {
		c.toIdleNoResponse()
		return
	}
	// Prefer the final transcript; if the endpointing timer fired with
	// only an interim hypothesis ever received (the recognizer never
	// settled in time), commit on that rather than producing no response
	// at all.
	text := c.utterance.Final
	if text == "" {
		text = c.utterance.Interim
	}
	if text == "" {
		// STT unavailable or no speech content at all: no-op back to Idle.
		c.toIdleNoResponse()
		return
	}
	c.utterance.Final = text
	c.utterance.Complete = true
	c.utterance.EndedAt = time.Now()
	c.dialogue.AppendUser(text)
	interim := false
	c.hub.Transcript("user", c.utterance.Participant, text, &interim)

	// STT latency is how long after the speaker stopped talking the last
	// final transcript arrived; on the endpointing-timeout path with no
	// final after speech end this is 0 rather than negative.
	sttLatency := time.Duration(0)
	if !c.lastFinalAt.IsZero() && c.lastFinalAt.After(c.speechEndAt) {
		sttLatency = c.lastFinalAt.Sub(c.speechEndAt)
	}

	c.turnID = uuid.NewString()
	c.turnCtx, c.turnCancel = context.WithCancel(context.Background())
	c.commitAt = time.Now()
	c.setState(types.Thinking)

	if c.callbacks.MarkUtteranceCommitted != nil {
		c.callbacks.MarkUtteranceCommitted(c.utterance.Participant, c.utterance.ID)
	}
	if c.callbacks.BeginTurn != nil {
		go c.callbacks.BeginTurn(c.turnCtx, c.turnID, c.utterance.Participant, c.utterance.Final, sttLatency)
	}
}

// commitGreeting drives Idle->Thinking the same way commit does, but for a
// synthetic utterance with no user speech: the greeting text is spoken
// directly by the caller's Greet callback rather than fed to the
// generator, since there is no user turn for the LLM to respond to.
func (c *Controller) commitGreeting(text string) {
	c.currentSpeaker = greetingParticipant
	c.utterance = &types.Utterance{Participant: greetingParticipant, StartedAt: time.Now(), EndedAt: time.Now(), Complete: true}
	c.lastFinalAt = time.Time{}

	c.turnID = uuid.NewString()
	c.turnCtx, c.turnCancel = context.WithCancel(context.Background())
	c.commitAt = time.Now()
	c.setState(types.Thinking)

	if c.callbacks.Greet != nil {
		go c.callbacks.Greet(c.turnCtx, c.turnID, text)
	}
}

// Greet requests that the controller speak text as the very first thing
// in the session, without a preceding user utterance. It is a no-op
// unless the controller is currently Idle (e.g. a participant has already
// started speaking first).
func (c *Controller) Greet(text string) {
	c.Dispatch(InEvent{Kind: EvGreet, Text: text})
}

func (c *Controller) toIdleNoResponse() {
	c.utterance = nil
	c.currentSpeaker = ""
	c.setState(types.Idle)
}

func (c *Controller) handleThinking(evt InEvent) {
	// Another participant may start speaking while we think; only
	// Speaking->Interrupted is a barge-in path, so a SpeechStart here is
	// ignored until this turn reaches Speaking.
	if evt.Kind == EvGeneratorFirstChunk && evt.Text == c.turnID {
		c.setState(types.Speaking)
	}
}

// NotifyGeneratorFirstChunk transitions Thinking->Speaking once the
// generator has produced its first SpeakChunk.
func (c *Controller) NotifyGeneratorFirstChunk(turnID string) {
	c.Dispatch(InEvent{Kind: EvGeneratorFirstChunk, Text: turnID})
}

func (c *Controller) handleSpeaking(evt InEvent) {
	switch evt.Kind {
	case EvSpeechStart:
		if c.cfg.MinWordsToInterrupt <= 1 {
			c.triggerBargeIn(evt)
			return
		}
		cand := evt
		c.pendingInterrupter = &cand
	case EvSpeechEnd:
		if c.pendingInterrupter != nil && c.pendingInterrupter.Participant == evt.Participant {
			c.pendingInterrupter = nil // false alarm: cough, backchannel noise
		}
	case EvSTTFinal:
		if c.pendingInterrupter != nil && c.pendingInterrupter.Participant == evt.Participant &&
			bargeInWordCount(evt.Text) >= c.cfg.MinWordsToInterrupt {
			cand := *c.pendingInterrupter
			c.pendingInterrupter = nil
			c.triggerBargeIn(cand)
		}
	}
}

// bargeInWordCount is a crude whitespace split; good enough to gate on
// "more than a filler grunt" per the minimum-word-to-interrupt rule.
func bargeInWordCount(text string) int {
	n := 0
	inWord := false
	for _, r := range text {
		if r == ' ' || r == '\t' || r == '\n' {
			inWord = false
			continue
		}
		if !inWord {
			n++
			inWord = true
		}
	}
	return n
}

func (c *Controller) triggerBargeIn(evt InEvent) {
	c.setState(types.Interrupted)
	if c.turnCancel != nil {
		c.turnCancel()
	}
	if c.callbacks.CancelTurn != nil {
		c.callbacks.CancelTurn(c.turnID, "barge_in")
	}
	c.dialogue.AppendAssistant("", true, false)
	telemetry.RecordBargeIn(time.Since(evt.At).Milliseconds())
	// The interrupter is recorded as the new floor holder now; the
	// controller moves to Listening for it once the cancelled turn reports
	// that TTS/generator have stopped (handled in onInterruptSettled).
	c.currentSpeaker = evt.Participant
	c.utterance = &types.Utterance{Participant: evt.Participant, ID: evt.UtteranceID, StartedAt: evt.At}
}

func (c *Controller) handleInterrupted(evt InEvent) {
	_ = evt
}

// NotifyTurnEnded transitions Speaking->Idle once both the generator and
// TTS have fully drained for the given turn. The caller
// supplies the closing latency breakdown. Safe to call from any goroutine:
// it only enqueues an event for the run loop.
func (c *Controller) NotifyTurnEnded(turnID string, assistantText string, failure bool, latencies types.LatencyBreakdown) {
	c.Dispatch(InEvent{Kind: EvTurnEnded, TurnID: turnID, AssistantText: assistantText, Failure: failure, Latencies: latencies})
}

func (c *Controller) onTurnEnded(evt InEvent) {
	if evt.TurnID != c.turnID {
		return // stale notification for an already-superseded turn
	}
	truncated := false
	c.dialogue.AppendAssistant(evt.AssistantText, truncated, evt.Failure)
	if evt.AssistantText != "" && c.utterance != nil {
		c.hub.Transcript("assistant", c.utterance.Participant, evt.AssistantText, nil)
	}
	c.hub.AgentStatus(types.Idle.String(), evt.TurnID, &evt.Latencies)
	telemetry.RecordE2ELatency(evt.Latencies.E2EMs)

	c.utterance = nil
	c.currentSpeaker = ""
	c.turnID = ""
	c.setState(types.Idle)
}

// NotifyInterruptSettled transitions Interrupted->Listening once TTS
// confirms it stopped and the generator has closed, opening a
// new utterance for the interrupter. Safe to call from any goroutine.
func (c *Controller) NotifyInterruptSettled() {
	c.Dispatch(InEvent{Kind: EvInterruptSettled})
}

func (c *Controller) onInterruptSettled() {
	if c.State() != types.Interrupted {
		return
	}
	c.setState(types.Listening)
}

func (c *Controller) startEndpointTimer() {
	c.stopEndpointTimer()
	c.endpointTimer = time.NewTimer(c.cfg.EndpointingDelay)
}

func (c *Controller) stopEndpointTimer() {
	if c.endpointTimer != nil {
		c.endpointTimer.Stop()
		c.endpointTimer = nil
	}
}
