// Package dialogue implements the bounded, in-memory rolling conversation
// context: a system preamble plus a trimmed window of user/assistant
// turns, snapshot-read under a mutex the way events.Store guards its
// append-only per-session log.
package dialogue

import (
	"sync"
	"time"

	"voiceagent/internal/types"
)

// Store is append-only except for FIFO trimming outside the preamble.
// The Turn Controller's run loop is the only writer: it appends user turns
// at commit and assistant turns at turn end or barge-in; the mutex exists
// solely to make snapshot reads (building the next LLM request) safe
// against that writer.
type Store struct {
	mu        sync.Mutex
	preamble  types.DialogueTurn
	turns     []types.DialogueTurn
	maxTurns  int
	maxChars  int
}

// New creates a dialogue store with the given system preamble and bounds.
func New(systemPreamble string, maxTurns, maxChars int) *Store {
	return &Store{
		preamble: types.DialogueTurn{Role: types.RoleSystem, Text: systemPreamble, Timestamp: time.Now()},
		maxTurns: maxTurns,
		maxChars: maxChars,
	}
}

// AppendUser records a committed user utterance.
func (s *Store) AppendUser(text string) {
	s.append(types.DialogueTurn{Role: types.RoleUser, Text: text, Timestamp: time.Now()})
}

// AppendAssistant records a completed (or cancelled/failed) assistant
// turn. truncated marks a turn cut short by CancelTurn; failure marks a canned
// apology substituted for a real LLM response.
func (s *Store) AppendAssistant(text string, truncated, failure bool) {
	s.append(types.DialogueTurn{
		Role:      types.RoleAssistant,
		Text:      text,
		Timestamp: time.Now(),
		Truncated: truncated,
		Failure:   failure,
	})
}

func (s *Store) append(turn types.DialogueTurn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.turns = append(s.turns, turn)
	s.trimLocked()
}

// trimLocked drops the oldest non-preamble turns until both the turn-count
// and character-count bounds are satisfied. The preamble is never trimmed.
func (s *Store) trimLocked() {
	for len(s.turns) > s.maxTurns {
		s.turns = s.turns[1:]
	}
	for s.charsLocked() > s.maxChars && len(s.turns) > 0 {
		s.turns = s.turns[1:]
	}
}

func (s *Store) charsLocked() int {
	n := len(s.preamble.Text)
	for _, t := range s.turns {
		n += len(t.Text)
	}
	return n
}

// Snapshot returns a copy of the preamble plus the current turn window, in
// order, safe to read without holding the store's lock afterward.
func (s *Store) Snapshot() []types.DialogueTurn {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]types.DialogueTurn, 0, len(s.turns)+1)
	out = append(out, s.preamble)
	out = append(out, s.turns...)
	return out
}

// Chars returns the current total character count including the preamble.
func (s *Store) Chars() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.charsLocked()
}
