// Package llmclient implements the raw LLM wire client: HTTP
// POST /api/chat with a streaming chat body, response a newline-delimited
// stream of {message:{content}} objects terminated by {done:true}.
//
// Adapted from llm/server.go, which speaks Azure OpenAI's SSE dialect —
// here the framing is NDJSON instead of SSE (matching an Ollama-style
// /api/chat usage), but the accumulate-then-segment and
// cancel-on-context-done shape carries over.
package llmclient

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// ChatMessage is one entry in the request's messages array.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Config configures the client's target server and model.
type Config struct {
	URL         string
	Model       string
	Temperature float64
}

// EventKind discriminates a streamed LLM event.
type EventKind int

const (
	Token EventKind = iota
	Done
	Err
)

// Event is delivered on the channel StreamChat returns.
type Event struct {
	Kind EventKind
	Text string
	Err  error
}

// Sentinel errors surfaced to the Turn Controller.
var (
	ErrTimeout   = fmt.Errorf("llmclient: no first token within timeout")
	ErrHTTP      = fmt.Errorf("llmclient: non-2xx response")
	ErrMalformed = fmt.Errorf("llmclient: malformed stream")
)

// Client issues one /api/chat request at a time; callers create a new
// Client (or reuse across turns) per session.
type Client struct {
	cfg   Config
	httpc *http.Client
}

func New(cfg Config) *Client {
	return &Client{cfg: cfg, httpc: &http.Client{Timeout: 0}}
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []ChatMessage `json:"messages"`
	Stream   bool          `json:"stream"`
	Options  chatOptions   `json:"options"`
}

type chatOptions struct {
	Temperature float64 `json:"temperature"`
}

type chatChunk struct {
	Message struct {
		Content string `json:"content"`
	} `json:"message"`
	Done bool `json:"done"`
}

// StreamChat starts the request and returns a channel of Events. The
// channel is closed after a Done or Err event. ctx cancellation aborts the
// underlying HTTP request (generator cancellation).
//
// ttft is the time-to-first-token timeout (default 5s); total
// is the overall generation timeout (default 20s).
func (c *Client) StreamChat(ctx context.Context, messages []ChatMessage, ttft, total time.Duration) <-chan Event {
	out := make(chan Event, 8)
	go c.run(ctx, messages, ttft, total, out)
	return out
}

func (c *Client) run(ctx context.Context, messages []ChatMessage, ttft, total time.Duration, out chan<- Event) {
	defer close(out)

	totalCtx, cancelTotal := context.WithTimeout(ctx, total)
	defer cancelTotal()

	body := chatRequest{
		Model:    c.cfg.Model,
		Messages: messages,
		Stream:   true,
		Options:  chatOptions{Temperature: c.cfg.Temperature},
	}
	reqBytes, err := json.Marshal(body)
	if err != nil {
		out <- Event{Kind: Err, Err: fmt.Errorf("%w: %v", ErrMalformed, err)}
		return
	}

	req, err := http.NewRequestWithContext(totalCtx, http.MethodPost, c.cfg.URL+"/api/chat", bytes.NewReader(reqBytes))
	if err != nil {
		out <- Event{Kind: Err, Err: err}
		return
	}
	req.Header.Set("Content-Type", "application/json")

	// The time-to-first-token budget starts with the request, so a server
	// that is slow to send even its response headers also times out.
	reqStart := time.Now()
	headerTimer := time.AfterFunc(ttft, cancelTotal)
	resp, err := c.httpc.Do(req)
	if !headerTimer.Stop() && ctx.Err() == nil {
		if err == nil {
			resp.Body.Close()
		}
		out <- Event{Kind: Err, Err: ErrTimeout}
		return
	}
	if err != nil {
		out <- Event{Kind: Err, Err: err}
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		out <- Event{Kind: Err, Err: fmt.Errorf("%w: status=%d body=%s", ErrHTTP, resp.StatusCode, string(b))}
		return
	}

	firstTokenCh := make(chan struct{}, 1)
	tokensCh := make(chan Event, 8)
	readErrCh := make(chan error, 1)

	go func() {
		defer close(tokensCh)
		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		first := true
		for scanner.Scan() {
			line := bytes.TrimSpace(scanner.Bytes())
			if len(line) == 0 {
				continue
			}
			var chunk chatChunk
			if err := json.Unmarshal(line, &chunk); err != nil {
				readErrCh <- fmt.Errorf("%w: %v", ErrMalformed, err)
				return
			}
			if chunk.Message.Content != "" {
				if first {
					first = false
					select {
					case firstTokenCh <- struct{}{}:
					default:
					}
				}
				tokensCh <- Event{Kind: Token, Text: chunk.Message.Content}
			}
			if chunk.Done {
				tokensCh <- Event{Kind: Done}
				return
			}
		}
		if err := scanner.Err(); err != nil {
			readErrCh <- err
		}
	}()

	ttftTimer := time.NewTimer(ttft - time.Since(reqStart))
	defer ttftTimer.Stop()
	gotFirst := false

	for {
		select {
		case <-ttftTimer.C:
			if !gotFirst {
				out <- Event{Kind: Err, Err: ErrTimeout}
				cancelTotal()
				return
			}
		case err := <-readErrCh:
			out <- Event{Kind: Err, Err: err}
			return
		case evt, ok := <-tokensCh:
			if !ok {
				return
			}
			if evt.Kind == Token && !gotFirst {
				gotFirst = true
				ttftTimer.Stop()
			}
			out <- evt
			if evt.Kind == Done {
				return
			}
		case <-totalCtx.Done():
			if totalCtx.Err() == context.DeadlineExceeded {
				out <- Event{Kind: Err, Err: fmt.Errorf("llmclient: total generation timeout")}
			}
			return
		}
	}
}
