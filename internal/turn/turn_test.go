package turn

import (
	"context"
	"testing"
	"time"

	"voiceagent/internal/dialogue"
	"voiceagent/internal/telemetry"
	"voiceagent/internal/types"
)

func newTestController(t *testing.T, cfg Config, cb Callbacks) (*Controller, context.CancelFunc) {
	t.Helper()
	store := dialogue.New("you are a helpful assistant", 20, 4000)
	hub := telemetry.NewHub("sess-1", nil)
	c := New(cfg, store, hub, cb)
	ctx, cancel := context.WithCancel(context.Background())
	go c.Run(ctx)
	return c, cancel
}

func waitForState(t *testing.T, c *Controller, want types.TurnState) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if c.State() == want {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for state %v, got %v", want, c.State())
}

func TestFirstSpeechStartWinsFloor(t *testing.T) {
	cfg := DefaultConfig()
	c, cancel := newTestController(t, cfg, Callbacks{})
	defer cancel()

	c.Dispatch(InEvent{Kind: EvSpeechStart, Participant: "alice", UtteranceID: 1})
	waitForState(t, c, types.Listening)

	// bob's speech start while alice holds the floor must not change state
	c.Dispatch(InEvent{Kind: EvSpeechStart, Participant: "bob", UtteranceID: 1})
	time.Sleep(20 * time.Millisecond)
	if c.State() != types.Listening {
		t.Fatalf("expected bob's speech start to be ignored, got state %v", c.State())
	}
}

func TestEndpointingCommitsOnTimeout(t *testing.T) {
	cfg := DefaultConfig()
	cfg.EndpointingDelay = 30 * time.Millisecond

	began := make(chan string, 1)
	cb := Callbacks{
		BeginTurn: func(ctx context.Context, turnID, participant, text string, sttLatency time.Duration) {
			began <- text
		},
	}
	c, cancel := newTestController(t, cfg, cb)
	defer cancel()

	c.Dispatch(InEvent{Kind: EvSpeechStart, Participant: "alice", UtteranceID: 1})
	waitForState(t, c, types.Listening)
	c.Dispatch(InEvent{Kind: EvSTTFinal, Participant: "alice", Text: "hello there"})
	c.Dispatch(InEvent{Kind: EvSpeechEnd, Participant: "alice"})
	waitForState(t, c, types.Endpointing)
	waitForState(t, c, types.Thinking)

	select {
	case text := <-began:
		if text != "hello there" {
			t.Fatalf("expected committed text 'hello there', got %q", text)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for BeginTurn")
	}
}

func TestEndpointingEarlyCommitOnSentenceFinal(t *testing.T) {
	cfg := DefaultConfig()
	cfg.EndpointingDelay = 5 * time.Second // long enough that only the early path can fire

	began := make(chan string, 1)
	cb := Callbacks{
		BeginTurn: func(ctx context.Context, turnID, participant, text string, sttLatency time.Duration) {
			began <- text
		},
	}
	c, cancel := newTestController(t, cfg, cb)
	defer cancel()

	c.Dispatch(InEvent{Kind: EvSpeechStart, Participant: "alice", UtteranceID: 1})
	waitForState(t, c, types.Listening)
	c.Dispatch(InEvent{Kind: EvSpeechEnd, Participant: "alice"})
	waitForState(t, c, types.Endpointing)

	time.Sleep(310 * time.Millisecond) // clear the 300ms silence floor
	c.Dispatch(InEvent{Kind: EvSTTFinal, Participant: "alice", Text: "is that all?"})

	select {
	case text := <-began:
		if text != "is that all?" {
			t.Fatalf("unexpected committed text %q", text)
		}
	case <-time.After(time.Second):
		t.Fatal("expected early commit on sentence-final punctuation, got none")
	}
}

func TestBargeInCancelsActiveTurn(t *testing.T) {
	cfg := DefaultConfig()
	cfg.EndpointingDelay = 10 * time.Millisecond

	cancelled := make(chan string, 1)
	cb := Callbacks{
		BeginTurn: func(ctx context.Context, turnID, participant, text string, sttLatency time.Duration) {},
		CancelTurn: func(turnID, reason string) {
			cancelled <- reason
		},
	}
	c, cancel := newTestController(t, cfg, cb)
	defer cancel()

	c.Dispatch(InEvent{Kind: EvSpeechStart, Participant: "alice", UtteranceID: 1})
	waitForState(t, c, types.Listening)
	c.Dispatch(InEvent{Kind: EvSTTFinal, Participant: "alice", Text: "hello"})
	c.Dispatch(InEvent{Kind: EvSpeechEnd, Participant: "alice"})
	waitForState(t, c, types.Thinking)

	c.NotifyGeneratorFirstChunk(c.turnID)
	waitForState(t, c, types.Speaking)

	c.Dispatch(InEvent{Kind: EvSpeechStart, Participant: "bob", UtteranceID: 1})
	waitForState(t, c, types.Interrupted)

	select {
	case reason := <-cancelled:
		if reason != "barge_in" {
			t.Fatalf("unexpected cancel reason %q", reason)
		}
	case <-time.After(time.Second):
		t.Fatal("expected CancelTurn to be called")
	}
}

func TestMinWordsToInterruptDelaysBargeIn(t *testing.T) {
	cfg := DefaultConfig()
	cfg.EndpointingDelay = 10 * time.Millisecond
	cfg.MinWordsToInterrupt = 3

	cb := Callbacks{BeginTurn: func(ctx context.Context, turnID, participant, text string, sttLatency time.Duration) {}}
	c, cancel := newTestController(t, cfg, cb)
	defer cancel()

	c.Dispatch(InEvent{Kind: EvSpeechStart, Participant: "alice", UtteranceID: 1})
	waitForState(t, c, types.Listening)
	c.Dispatch(InEvent{Kind: EvSTTFinal, Participant: "alice", Text: "hello"})
	c.Dispatch(InEvent{Kind: EvSpeechEnd, Participant: "alice"})
	waitForState(t, c, types.Thinking)
	c.NotifyGeneratorFirstChunk(c.turnID)
	waitForState(t, c, types.Speaking)

	c.Dispatch(InEvent{Kind: EvSpeechStart, Participant: "bob", UtteranceID: 1})
	time.Sleep(20 * time.Millisecond)
	if c.State() != types.Speaking {
		t.Fatalf("expected single word not yet to trigger barge-in, got state %v", c.State())
	}

	c.Dispatch(InEvent{Kind: EvSTTFinal, Participant: "bob", Text: "wait stop now"})
	waitForState(t, c, types.Interrupted)
}

func TestCommitThreadsSTTLatencyFromSpeechEndToLastFinal(t *testing.T) {
	cfg := DefaultConfig()
	cfg.EndpointingDelay = 5 * time.Second

	latencies := make(chan time.Duration, 1)
	cb := Callbacks{
		BeginTurn: func(ctx context.Context, turnID, participant, text string, sttLatency time.Duration) {
			latencies <- sttLatency
		},
	}
	c, cancel := newTestController(t, cfg, cb)
	defer cancel()

	c.Dispatch(InEvent{Kind: EvSpeechStart, Participant: "alice", UtteranceID: 1})
	waitForState(t, c, types.Listening)
	c.Dispatch(InEvent{Kind: EvSpeechEnd, Participant: "alice"})
	waitForState(t, c, types.Endpointing)

	time.Sleep(310 * time.Millisecond) // clear the 300ms silence floor so the early path commits
	c.Dispatch(InEvent{Kind: EvSTTFinal, Participant: "alice", Text: "is that all?"})

	select {
	case d := <-latencies:
		if d <= 0 {
			t.Fatalf("expected positive STT latency (final arrived after speech end), got %v", d)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for BeginTurn")
	}
}

func TestGreetSpeaksBeforeAnyParticipant(t *testing.T) {
	cfg := DefaultConfig()
	greeted := make(chan string, 1)
	cb := Callbacks{
		Greet: func(ctx context.Context, turnID, text string) {
			greeted <- text
		},
	}
	c, cancel := newTestController(t, cfg, cb)
	defer cancel()

	c.Greet("hello, how can I help?")
	waitForState(t, c, types.Thinking)

	select {
	case text := <-greeted:
		if text != "hello, how can I help?" {
			t.Fatalf("unexpected greeting text %q", text)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for Greet callback")
	}
}

func TestGreetIgnoredOnceAParticipantHasTheFloor(t *testing.T) {
	cfg := DefaultConfig()
	greeted := make(chan string, 1)
	cb := Callbacks{
		Greet: func(ctx context.Context, turnID, text string) {
			greeted <- text
		},
	}
	c, cancel := newTestController(t, cfg, cb)
	defer cancel()

	c.Dispatch(InEvent{Kind: EvSpeechStart, Participant: "alice", UtteranceID: 1})
	waitForState(t, c, types.Listening)

	c.Greet("too late")
	time.Sleep(20 * time.Millisecond)

	select {
	case text := <-greeted:
		t.Fatalf("expected Greet to be ignored once a participant holds the floor, got %q", text)
	default:
	}
	if c.State() != types.Listening {
		t.Fatalf("expected state to remain Listening, got %v", c.State())
	}
}

// TestEndpointingTimeoutCommitsOnInterimWhenNoFinalArrived covers the case
// where the recognizer never settles a final before the endpointing timer
// fires: the controller must fall back to the latest interim hypothesis
// rather than silently dropping the turn.
func TestEndpointingTimeoutCommitsOnInterimWhenNoFinalArrived(t *testing.T) {
	cfg := DefaultConfig()
	cfg.EndpointingDelay = 30 * time.Millisecond

	began := make(chan string, 1)
	cb := Callbacks{
		BeginTurn: func(ctx context.Context, turnID, participant, text string, sttLatency time.Duration) {
			began <- text
		},
	}
	c, cancel := newTestController(t, cfg, cb)
	defer cancel()

	c.Dispatch(InEvent{Kind: EvSpeechStart, Participant: "alice", UtteranceID: 1})
	waitForState(t, c, types.Listening)
	c.Dispatch(InEvent{Kind: EvSTTInterim, Participant: "alice", Text: "hello th"})
	c.Dispatch(InEvent{Kind: EvSpeechEnd, Participant: "alice"})
	waitForState(t, c, types.Endpointing)
	waitForState(t, c, types.Thinking)

	select {
	case text := <-began:
		if text != "hello th" {
			t.Fatalf("expected fallback to interim text 'hello th', got %q", text)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for BeginTurn")
	}
}

// TestNonFloorFinalIsPublished covers a second participant whose final
// transcript never drives floor state but must still reach subscribers: the
// floor holder's finals are folded into the committed utterance, but a
// non-floor participant's finals would otherwise never be published.
func TestNonFloorFinalIsPublished(t *testing.T) {
	cfg := DefaultConfig()
	store := dialogue.New("you are a helpful assistant", 20, 4000)
	hub := telemetry.NewHub("sess-1", nil)
	c := New(cfg, store, hub, Callbacks{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Run(ctx)

	sub := hub.Subscribe()
	defer hub.Unsubscribe(sub)

	c.Dispatch(InEvent{Kind: EvSpeechStart, Participant: "alice", UtteranceID: 1})
	waitForState(t, c, types.Listening)

	c.Dispatch(InEvent{Kind: EvSTTFinal, Participant: "bob", Text: "I disagree"})

	timeout := time.After(time.Second)
	for {
		select {
		case evt := <-sub:
			if evt.Type == "agent_status" {
				continue // state transitions are published on the same hub
			}
			if evt.Type != "transcript" {
				t.Fatalf("expected a transcript event, got %q", evt.Type)
			}
			if evt.Payload["participant_identity"] != "bob" {
				t.Fatalf("expected bob's final to be published, got %+v", evt.Payload)
			}
			if evt.Payload["text"] != "I disagree" {
				t.Fatalf("unexpected transcript text: %+v", evt.Payload)
			}
			return
		case <-timeout:
			t.Fatal("timed out waiting for bob's non-floor final to be published")
		}
	}
}

func TestNotifyTurnEndedReturnsToIdle(t *testing.T) {
	cfg := DefaultConfig()
	cfg.EndpointingDelay = 10 * time.Millisecond
	cb := Callbacks{BeginTurn: func(ctx context.Context, turnID, participant, text string, sttLatency time.Duration) {}}
	c, cancel := newTestController(t, cfg, cb)
	defer cancel()

	c.Dispatch(InEvent{Kind: EvSpeechStart, Participant: "alice", UtteranceID: 1})
	waitForState(t, c, types.Listening)
	c.Dispatch(InEvent{Kind: EvSTTFinal, Participant: "alice", Text: "hi"})
	c.Dispatch(InEvent{Kind: EvSpeechEnd, Participant: "alice"})
	waitForState(t, c, types.Thinking)
	c.NotifyGeneratorFirstChunk(c.turnID)
	waitForState(t, c, types.Speaking)

	c.NotifyTurnEnded(c.turnID, "hello back", false, types.LatencyBreakdown{E2EMs: 900})
	waitForState(t, c, types.Idle)
}
