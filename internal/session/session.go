// Package session implements the Session Supervisor: the
// per-room owner of every other component's lifetime. It wires the media
// transport to one VAD detector and one STT client per participant, a
// single Turn Controller, the Response Generator and TTS egress pipeline,
// the dialogue store, and the telemetry hub, and tears all of it down
// within a bounded deadline once the last participant leaves.
//
// The join/leave bookkeeping and graceful-stop-then-kill shutdown shape are
// grounded on bot.LocalRunner (context cancel, wait up to a grace period,
// then force-stop) generalized from one subprocess per session to one
// goroutine tree per session, and on sessions.Store's mutex-guarded
// registry pattern.
package session

import (
	"context"
	"encoding/binary"
	"log"
	"sync"
	"time"

	"voiceagent/internal/config"
	"voiceagent/internal/dialogue"
	"voiceagent/internal/generator"
	"voiceagent/internal/llmclient"
	"voiceagent/internal/media"
	"voiceagent/internal/sttclient"
	"voiceagent/internal/telemetry"
	"voiceagent/internal/ttsclient"
	"voiceagent/internal/turn"
	"voiceagent/internal/types"
	"voiceagent/internal/vad"
)

// drainGrace is how long the supervisor waits for a rejoining participant
// before tearing the session down once the room is empty.
const drainGrace = 3 * time.Second

// frameMs is the ingress processing cadence; matches the egress
// packetization size in ttsclient for symmetry, though the two are
// independent.
const frameMs = 20

type participant struct {
	kind          types.ParticipantKind
	vad           *vad.Detector
	stt           *sttclient.Client
	sttConnected  bool
	hangoverUntil time.Time
}

// Session owns one room's full pipeline for its lifetime.
type Session struct {
	id        string
	cfg       config.Config
	transport media.Transport

	demux      *media.Demux
	hub        *telemetry.Hub
	dialogue   *dialogue.Store
	controller *turn.Controller

	llm *llmclient.Client
	tts *ttsclient.Client

	mu           sync.Mutex
	participants map[string]*participant

	ctx        context.Context
	cancel     context.CancelFunc
	drainTimer *time.Timer

	wg sync.WaitGroup
}

// New constructs a Session wired per cfg; nothing starts running until
// Start is called.
func New(id string, cfg config.Config, transport media.Transport) *Session {
	hub := telemetry.NewHub(id, func(topic string, data []byte) {
		if err := transport.PublishData(topic, data); err != nil {
			log.Printf("[session %s] publish %s: %v", id, topic, err)
		}
	})
	store := dialogue.New(cfg.Dialogue.SystemPreamble, cfg.Dialogue.MaxTurns, cfg.Dialogue.MaxChars)

	s := &Session{
		id:           id,
		cfg:          cfg,
		transport:    transport,
		demux:        media.NewDemux(),
		hub:          hub,
		dialogue:     store,
		llm:          llmclient.New(llmclient.Config{URL: cfg.LLM.URL, Model: cfg.LLM.Model, Temperature: cfg.LLM.Temperature}),
		tts:          ttsclient.New(ttsclient.Config{URL: cfg.TTS.URL, Voice: cfg.TTS.Voice, SampleRateHz: cfg.TTS.SampleRateHz}),
		participants: make(map[string]*participant),
	}

	turnCfg := turn.Config{
		EndpointingDelay:    time.Duration(cfg.Turn.EndpointingDelayMs) * time.Millisecond,
		STTHangover:         time.Duration(cfg.Turn.STTHangoverMs) * time.Millisecond,
		BargeInDeadline:     time.Duration(cfg.Turn.BargeInDeadlineMs) * time.Millisecond,
		MinWordsToInterrupt: cfg.Turn.MinWordsToInterrupt,
	}
	s.controller = turn.New(turnCfg, store, hub, turn.Callbacks{
		BeginTurn:              s.runTurn,
		CancelTurn:             s.cancelTurn,
		MarkUtteranceCommitted: s.markUtteranceCommitted,
		Greet:                  s.runGreeting,
	})
	return s
}

// Greet speaks text as the very first thing in the session, with no
// preceding user utterance; a no-op unless the Turn Controller is Idle
// (for example, once a participant has started speaking). Intended to be called once, right after
// Start, for deployments that want the agent to speak first.
func (s *Session) Greet(text string) {
	s.controller.Greet(text)
}

// Start wires the transport's callbacks and begins processing. The
// session runs until its root context is cancelled or Stop is called.
func (s *Session) Start(parent context.Context) {
	s.ctx, s.cancel = context.WithCancel(parent)

	s.transport.OnParticipantJoined(s.onJoined)
	s.transport.OnParticipantLeft(s.onLeft)
	s.transport.OnAudioFrame(s.onAudioFrame)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.controller.Run(s.ctx)
	}()
}

// Stop cancels the session's root context, which propagates to every
// in-flight turn and participant loop (hierarchical cancellation), then
// waits up to drainGrace for goroutines to exit.
func (s *Session) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(drainGrace):
		log.Printf("[session %s] graceful stop deadline exceeded, abandoning stragglers", s.id)
	}
}

func (s *Session) onJoined(identity string, kind types.ParticipantKind) {
	s.mu.Lock()
	if s.drainTimer != nil {
		s.drainTimer.Stop()
		s.drainTimer = nil
	}
	s.participants[identity] = &participant{
		kind: kind,
		vad:  vad.NewDetector(identity, vad.Config{
			ActivationThreshold:  s.cfg.VAD.ActivationThreshold,
			MinSpeechDurationMs:  s.cfg.VAD.MinSpeechMs,
			MinSilenceDurationMs: s.cfg.VAD.MinSilenceMs,
		}),
		stt: sttclient.New(s.ctx, identity, sttclient.Config{URL: s.cfg.STT.URL, Language: s.cfg.STT.Language, Model: s.cfg.STT.Model}),
	}
	s.mu.Unlock()

	s.demux.Register(identity, frameMs)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.drainSTTEvents(identity)
	}()
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.participantLoop(identity)
	}()
}

func (s *Session) onLeft(identity string) {
	s.mu.Lock()
	p, ok := s.participants[identity]
	delete(s.participants, identity)
	empty := len(s.participants) == 0
	s.mu.Unlock()
	if !ok {
		return
	}
	s.demux.Unregister(identity)
	p.stt.Close()
	s.controller.Dispatch(turn.InEvent{Kind: turn.EvParticipantLeft, Participant: identity})

	if empty {
		s.mu.Lock()
		s.drainTimer = time.AfterFunc(drainGrace, func() {
			s.mu.Lock()
			stillEmpty := len(s.participants) == 0
			s.mu.Unlock()
			if stillEmpty {
				s.Stop()
			}
		})
		s.mu.Unlock()
	}
}

func (s *Session) onAudioFrame(frame types.AudioFrame) {
	if err := s.demux.Push(frame); err != nil {
		// Unregistered participant (race with onLeft/onJoined); drop.
		return
	}
}

func (s *Session) markUtteranceCommitted(participant string, utteranceID uint64) {
	s.mu.Lock()
	p, ok := s.participants[participant]
	s.mu.Unlock()
	if ok {
		p.stt.MarkCommitted(utteranceID)
	}
}

func (s *Session) participantLoop(identity string) {
	ticker := time.NewTicker(frameMs * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			frame, ok := s.demux.Pop(identity)
			if !ok {
				continue
			}
			s.processFrame(identity, frame)
		}
	}
}

func (s *Session) processFrame(identity string, frame types.AudioFrame) {
	s.mu.Lock()
	p, ok := s.participants[identity]
	s.mu.Unlock()
	if !ok {
		return
	}

	evt := p.vad.Push(frame.PCM, frameMs, frame.CapturedAt)
	if evt != nil {
		switch evt.Kind {
		case vad.SpeechStart:
			if !p.sttConnected {
				p.sttConnected = true
				go func() {
					if err := p.stt.Connect(s.ctx); err != nil {
						log.Printf("[session %s] stt connect failed for %s: %v", s.id, identity, err)
						s.controller.Dispatch(turn.InEvent{Kind: turn.EvSTTUnavailable, Participant: identity})
					}
				}()
			}
			uid := p.stt.NextUtteranceID()
			s.controller.Dispatch(turn.InEvent{Kind: turn.EvSpeechStart, Participant: identity, UtteranceID: uid, At: evt.At})
		case vad.SpeechEnd:
			s.controller.Dispatch(turn.InEvent{Kind: turn.EvSpeechEnd, Participant: identity, At: evt.At})
			hangover := time.Duration(s.cfg.Turn.STTHangoverMs) * time.Millisecond
			p.hangoverUntil = evt.At.Add(hangover)
			p.stt.Flush(s.ctx)
		}
	}

	// Forward audio while in_speech or within the trailing hangover
	// window; otherwise the recognizer connection stays open
	// but idle, saving bandwidth between utterances.
	if p.sttConnected && (p.vad.InSpeech() || frame.CapturedAt.Before(p.hangoverUntil)) {
		p.stt.Send(pcm16ToBytes(frame.PCM))
	}
}

func pcm16ToBytes(pcm []int16) []byte {
	b := make([]byte, len(pcm)*2)
	for i, v := range pcm {
		binary.LittleEndian.PutUint16(b[i*2:i*2+2], uint16(v))
	}
	return b
}

func (s *Session) drainSTTEvents(identity string) {
	s.mu.Lock()
	p, ok := s.participants[identity]
	s.mu.Unlock()
	if !ok {
		return
	}
	for {
		select {
		case <-s.ctx.Done():
			return
		case evt, ok := <-p.stt.Events:
			if !ok {
				return
			}
			switch evt.Kind {
			case sttclient.Final:
				s.controller.Dispatch(turn.InEvent{Kind: turn.EvSTTFinal, Participant: evt.Participant, UtteranceID: evt.UtteranceID, Text: evt.Text})
			case sttclient.Interim:
				interim := true
				s.hub.Transcript("user", evt.Participant, evt.Text, &interim)
				s.controller.Dispatch(turn.InEvent{Kind: turn.EvSTTInterim, Participant: evt.Participant, UtteranceID: evt.UtteranceID, Text: evt.Text})
			case sttclient.Unavailable, sttclient.Error:
				s.controller.Dispatch(turn.InEvent{Kind: turn.EvSTTUnavailable, Participant: evt.Participant})
			}
		}
	}
}

// runTurn drives one committed utterance through the Response Generator
// and TTS egress pipeline; it is invoked by the Turn Controller as the
// Thinking-state BeginTurn callback and runs until ctx is cancelled
// (barge-in) or generation completes. sttLatency is the time between the
// speaker falling silent and the final transcript settling, measured by
// the Turn Controller before it called this.
func (s *Session) runTurn(ctx context.Context, turnID, participant, userText string, sttLatency time.Duration) {
	commitAt := time.Now()
	snapshot := s.dialogue.Snapshot()
	results := generator.Generate(ctx, s.llm, turnID, snapshot, userText)

	latencies := types.LatencyBreakdown{STTMs: sttLatency.Milliseconds()}
	var assistantText string
	firstChunkSeen := false
	failed := false

	for res := range results {
		if res.Err != nil {
			failed = true
			break
		}
		if res.FirstTokenLatency > 0 {
			latencies.LLMTTFTMs = res.FirstTokenLatency.Milliseconds()
		}
		if res.TotalLatency > 0 {
			latencies.LLMTotal = res.TotalLatency.Milliseconds()
		}
		if res.Chunk.Text == "" {
			continue
		}
		if !firstChunkSeen {
			firstChunkSeen = true
			s.controller.NotifyGeneratorFirstChunk(turnID)
		}
		assistantText += res.Chunk.Text
		ttfb := s.speakChunk(ctx, turnID, res.Chunk)
		if latencies.TTSTTFBMs == 0 {
			latencies.TTSTTFBMs = ttfb.Milliseconds()
		}
	}

	latencies.E2EMs = time.Since(commitAt).Milliseconds()

	if ctx.Err() != nil {
		// Cancelled by barge-in; the Turn Controller already transitioned
		// to Interrupted and appended the truncated dialogue entry. Once
		// this goroutine has actually stopped producing/speaking, hand the
		// floor to the interrupter.
		s.controller.NotifyInterruptSettled()
		return
	}
	if failed {
		apology := "Sorry, I ran into a problem answering that."
		if !firstChunkSeen {
			s.controller.NotifyGeneratorFirstChunk(turnID)
		}
		ttfb := s.speakChunk(ctx, turnID, types.SpeakChunk{TurnID: turnID, Index: 0, Text: apology, IsFinal: true})
		if latencies.TTSTTFBMs == 0 {
			latencies.TTSTTFBMs = ttfb.Milliseconds()
		}
		s.controller.NotifyTurnEnded(turnID, apology, true, latencies)
		return
	}
	s.controller.NotifyTurnEnded(turnID, assistantText, false, latencies)
}

// runGreeting speaks text directly, bypassing the Response Generator:
// there is no user turn for the LLM to respond to, so the turn goes
// straight from Thinking to Speaking on this single chunk.
func (s *Session) runGreeting(ctx context.Context, turnID, text string) {
	commitAt := time.Now()
	s.controller.NotifyGeneratorFirstChunk(turnID)
	ttfb := s.speakChunk(ctx, turnID, types.SpeakChunk{TurnID: turnID, Index: 0, Text: text, IsFinal: true})

	latencies := types.LatencyBreakdown{
		TTSTTFBMs: ttfb.Milliseconds(),
		E2EMs:     time.Since(commitAt).Milliseconds(),
	}
	if ctx.Err() != nil {
		s.controller.NotifyInterruptSettled()
		return
	}
	s.controller.NotifyTurnEnded(turnID, text, false, latencies)
}

// speakChunk synthesizes and plays one chunk, returning the time between
// issuing the synthesis request and receiving its first response bytes
// (time-to-first-byte), or 0 if the request failed before any response.
func (s *Session) speakChunk(ctx context.Context, turnID string, chunk types.SpeakChunk) time.Duration {
	start := time.Now()
	format, body, err := s.tts.Synthesize(ctx, chunk.Text, 2*time.Second)
	ttfb := time.Since(start)
	if err != nil {
		log.Printf("[session %s] tts synthesize failed turn=%s chunk=%d: %v", s.id, turnID, chunk.Index, err)
		return 0
	}
	defer body.Close()

	sink := func(sctx context.Context, frame types.AudioOut) error {
		return s.transport.PublishAudioFrame(frame.PCM, frame.SampleRate, 1)
	}
	if err := ttsclient.PlayChunk(ctx, format, body, turnID, chunk.Index, s.cfg.TTS.PublishSampleRate, sink); err != nil {
		log.Printf("[session %s] egress stopped turn=%s chunk=%d: %v", s.id, turnID, chunk.Index, err)
	}
	return ttfb
}

func (s *Session) cancelTurn(turnID, reason string) {
	log.Printf("[session %s] turn %s cancelled: %s", s.id, turnID, reason)
}
