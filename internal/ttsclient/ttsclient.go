// Package ttsclient implements the TTS Transport: one streaming synthesis
// HTTP request per SpeakChunk, receiving raw PCM at the synthesis-native
// rate and headers describing its format.
//
// Adapted from tts/server.go's HTTP call to a synthesis provider and
// manual PCM byte handling; here the wire contract is a generic
// raw-PCM-stream-with-headers shape instead of ElevenLabs' WAV-over-REST
// response.
package ttsclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"
)

// Config configures the synthesis target.
type Config struct {
	URL          string
	Voice        string
	SampleRateHz int
}

// Client issues one streaming synthesis request per call; safe for
// concurrent use since it holds no per-request state.
type Client struct {
	cfg   Config
	httpc *http.Client
}

func New(cfg Config) *Client {
	return &Client{cfg: cfg, httpc: &http.Client{Timeout: 0}}
}

// StreamFormat describes the PCM the server is about to send, taken from
// its response headers.
type StreamFormat struct {
	SampleRate  int
	Channels    int
	SampleWidth int
}

// Synthesize issues POST /api/synthesize/stream for one chunk of text and
// returns the format header plus a reader positioned at the raw PCM body.
// The caller must close the returned io.ReadCloser. ttfb bounds only the
// wait for response headers (2s per chunk); once headers arrive, the body
// remains readable for the lifetime of ctx, not ttfb — the caller streams
// PCM out of it well after Synthesize itself returns.
func (c *Client) Synthesize(ctx context.Context, text string, ttfb time.Duration) (StreamFormat, io.ReadCloser, error) {
	body := map[string]any{
		"text":        text,
		"voice":       c.cfg.Voice,
		"sample_rate": c.cfg.SampleRateHz,
	}
	reqBytes, err := json.Marshal(body)
	if err != nil {
		return StreamFormat{}, nil, fmt.Errorf("ttsclient: marshal request: %w", err)
	}

	reqCtx, cancel := context.WithCancel(ctx)
	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, c.cfg.URL+"/api/synthesize/stream", bytes.NewReader(reqBytes))
	if err != nil {
		cancel()
		return StreamFormat{}, nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	type doResult struct {
		resp *http.Response
		err  error
	}
	doneCh := make(chan doResult, 1)
	go func() {
		resp, err := c.httpc.Do(req)
		doneCh <- doResult{resp, err}
	}()

	timer := time.NewTimer(ttfb)
	defer timer.Stop()

	var resp *http.Response
	select {
	case <-timer.C:
		cancel()
		<-doneCh // wait for the aborted Do to return before this call exits
		return StreamFormat{}, nil, fmt.Errorf("ttsclient: time-to-first-byte budget %s exceeded", ttfb)
	case r := <-doneCh:
		if r.err != nil {
			cancel()
			return StreamFormat{}, nil, fmt.Errorf("ttsclient: request failed (time-to-first-byte budget %s): %w", ttfb, r.err)
		}
		resp = r.resp
	}

	if resp.StatusCode/100 != 2 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		resp.Body.Close()
		cancel()
		return StreamFormat{}, nil, fmt.Errorf("ttsclient: status=%d body=%s", resp.StatusCode, string(b))
	}

	format := StreamFormat{
		SampleRate:  atoiOr(resp.Header.Get("X-Sample-Rate"), c.cfg.SampleRateHz),
		Channels:    atoiOr(resp.Header.Get("X-Channels"), 1),
		SampleWidth: atoiOr(resp.Header.Get("X-Sample-Width"), 2),
	}
	return format, &cancelOnCloseBody{ReadCloser: resp.Body, cancel: cancel}, nil
}

// cancelOnCloseBody ties reqCtx's cancellation to the body's Close rather
// than to Synthesize's return, so the streaming read that happens after
// Synthesize returns isn't aborted the instant headers arrive.
type cancelOnCloseBody struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (b *cancelOnCloseBody) Close() error {
	defer b.cancel()
	return b.ReadCloser.Close()
}

func atoiOr(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}
