// Package generator implements the Response Generator: given a
// committed utterance and the dialogue context, it streams tokens from the
// LLM and segments them into SpeakChunks using a two-tier sizing policy
// that trades prosody for time-to-first-audio.
//
// Adapted from orchestrator/conversation.go's startLLM/streamLLMResponses,
// generalized from single-sentence forwarding to a two-tier
// first-chunk/subsequent-chunk policy, and from the sentence-boundary
// check in llm/server.go (isSentenceBoundary).
package generator

import (
	"context"
	"strings"
	"time"

	"voiceagent/internal/llmclient"
	"voiceagent/internal/types"
)

const (
	firstChunkMaxChars  = 80
	firstChunkTimeout   = 400 * time.Millisecond
	laterChunkMaxChars  = 120
)

// Result carries either a chunk or a terminal error (mutually exclusive
// with a successful final chunk). FirstTokenLatency is set on the first
// chunk (Chunk.Index == 0) and TotalLatency on the final chunk
// (Chunk.IsFinal), both measured from the call to Generate; callers
// feeding a LatencyBreakdown read these off the respective chunk.
type Result struct {
	Chunk             types.SpeakChunk
	Err               error
	FirstTokenLatency time.Duration
	TotalLatency      time.Duration
}

// Generate streams LLM tokens for one turn and emits SpeakChunks in strictly
// increasing Index order on the returned channel, closing it when the LLM
// signals done, a terminal error occurs, or ctx is cancelled (CancelTurn).
func Generate(ctx context.Context, client *llmclient.Client, turnID string, dialogue []types.DialogueTurn, userText string) <-chan Result {
	out := make(chan Result, 8)
	go run(ctx, client, turnID, dialogue, userText, out)
	return out
}

func run(ctx context.Context, client *llmclient.Client, turnID string, dialogue []types.DialogueTurn, userText string, out chan<- Result) {
	defer close(out)
	start := time.Now()

	messages := make([]llmclient.ChatMessage, 0, len(dialogue)+1)
	for _, t := range dialogue {
		messages = append(messages, llmclient.ChatMessage{Role: string(t.Role), Content: t.Text})
	}
	messages = append(messages, llmclient.ChatMessage{Role: string(types.RoleUser), Content: userText})

	events := client.StreamChat(ctx, messages, 5*time.Second, 20*time.Second)

	var buf strings.Builder
	index := 0
	firstChunkEmitted := false
	firstTokenSeen := false
	var firstTokenLatency time.Duration

	flush := func(isFinal bool) {
		text := buf.String()
		if text == "" && !isFinal {
			return
		}
		res := Result{Chunk: types.SpeakChunk{TurnID: turnID, Index: index, Text: text, IsFinal: isFinal}}
		if index == 0 {
			res.FirstTokenLatency = firstTokenLatency
		}
		if isFinal {
			res.TotalLatency = time.Since(start)
		}
		out <- res
		index++
		buf.Reset()
	}

	// Fires once firstChunkTimeout has elapsed since the first token; only
	// meaningful before the first chunk is emitted.
	var firstChunkTimer *time.Timer
	var firstChunkTimerC <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return
		case <-firstChunkTimerC:
			if !firstChunkEmitted {
				firstChunkEmitted = true
				flush(false)
			}
			firstChunkTimerC = nil
		case evt, ok := <-events:
			if !ok {
				return
			}
			switch evt.Kind {
			case llmclient.Err:
				out <- Result{Err: evt.Err}
				return
			case llmclient.Done:
				if firstChunkTimer != nil {
					firstChunkTimer.Stop()
				}
				flush(true)
				return
			case llmclient.Token:
				if !firstTokenSeen {
					firstTokenSeen = true
					firstTokenLatency = time.Since(start)
				}
				if firstChunkTimer == nil && !firstChunkEmitted {
					firstChunkTimer = time.NewTimer(firstChunkTimeout)
					firstChunkTimerC = firstChunkTimer.C
				}
				buf.WriteString(evt.Text)
				if !firstChunkEmitted {
					if isSentenceBoundary(buf.String()) || buf.Len() >= firstChunkMaxChars {
						firstChunkEmitted = true
						if firstChunkTimer != nil {
							firstChunkTimer.Stop()
						}
						flush(false)
					}
				} else {
					if isSentenceBoundary(buf.String()) || buf.Len() >= laterChunkMaxChars {
						flush(false)
					}
				}
			}
		}
	}
}

// isSentenceBoundary reports whether the accumulated text ends on a
// sentence-final punctuation mark.
func isSentenceBoundary(s string) bool {
	t := strings.TrimSpace(s)
	if t == "" {
		return false
	}
	switch t[len(t)-1] {
	case '.', '!', '?':
		return true
	default:
		return false
	}
}
