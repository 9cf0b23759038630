// Package sttclient implements the STT Transport: one
// streaming WebSocket connection per active participant to the recognizer,
// forwarding PCM and receiving interim/final hypotheses tagged with a
// locally-assigned monotonic utterance id.
//
// The wire protocol is a JSON handshake
// {uid, language, model, use_vad:false, task:"transcribe"} followed by
// binary PCM16LE@16kHz frames, with the server pushing
// {segments:[{text, start, end, completed}]}. This mirrors
// original_source's WhisperLiveClient closely enough that no invention was
// needed for the wire shape; the connection-lifecycle and backoff/circuit
// machinery is adapted from DeepgramConn.
package sttclient

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	ws "nhooyr.io/websocket"

	"voiceagent/internal/telemetry"
)

// EventKind discriminates an STT transport event.
type EventKind int

const (
	Interim EventKind = iota
	Final
	Error
	Unavailable // STTUnavailable: retries exhausted during an active utterance
)

// Event is delivered on Client.Events.
type Event struct {
	Kind        EventKind
	Participant string
	UtteranceID uint64
	Text        string
}

// Config configures one participant's STT connection.
type Config struct {
	URL      string
	Language string
	Model    string
}

// Client owns one participant's recognizer connection, opened on that
// participant's first SpeechStart and kept open until Close; it is not torn
// down after idle time between utterances. Stale-final detection is tracked
// internally via MarkCommitted rather than delegated to a callback, since
// the committed set only ever needs to be consulted by this client itself.
type Client struct {
	cfg         Config
	participant string

	ctx    context.Context
	cancel context.CancelFunc

	sendQ chan []byte

	Events chan Event

	// mu guards conn, utteranceID, seenHash and committed (fails and
	// circuit are touched only by dialWithBackoff): conn is replaced by recvLoop on a
	// mid-utterance reconnect while Flush/Close read it from the
	// participant loop, and utteranceID/seenHash/committed are written by
	// the participant loop and the Turn Controller's callback goroutine
	// while recvLoop reads them concurrently.
	mu          sync.Mutex
	conn        *ws.Conn
	utteranceID uint64
	seenHash    map[uint64]string // utteranceID -> last final text hash seen
	committed   map[uint64]bool

	fails   []time.Time
	circuit time.Time
}

// New creates a Client for one participant. The connection is not dialed
// until Connect is called (on SpeechStart).
func New(parent context.Context, participant string, cfg Config) *Client {
	ctx, cancel := context.WithCancel(parent)
	return &Client{
		cfg:         cfg,
		participant: participant,
		ctx:         ctx,
		cancel:      cancel,
		sendQ:       make(chan []byte, 16),
		Events:      make(chan Event, 32),
		seenHash:    make(map[uint64]string),
		committed:   make(map[uint64]bool),
	}
}

// NextUtteranceID increments and returns the next monotonic utterance id
// for this participant.
func (c *Client) NextUtteranceID() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.utteranceID++
	return c.utteranceID
}

func (c *Client) currentUtteranceID() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.utteranceID
}

func (c *Client) setConn(conn *ws.Conn) {
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
}

func (c *Client) getConn() *ws.Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn
}

// Connect dials the recognizer and sends the handshake, retrying with
// exponential backoff (initial 250ms, cap 4s, max 5 attempts). Returns an
// error only once all attempts are exhausted.
func (c *Client) Connect(ctx context.Context) error {
	conn, err := c.dialWithBackoff(ctx)
	if err != nil {
		return err
	}
	c.setConn(conn)
	go c.sendLoop(conn)
	go c.recvLoop()
	return nil
}

// dialWithBackoff attempts up to maxAttempts dial-and-handshake rounds with
// exponential backoff, respecting the circuit breaker opened by
// addFailure. It is used both for the initial Connect and, from recvLoop,
// to re-dial after the connection drops mid-utterance; the 5-attempt
// budget applies to each call (each utterance's worth of reconnecting),
// not cumulatively across the client's lifetime.
func (c *Client) dialWithBackoff(ctx context.Context) (*ws.Conn, error) {
	backoff := 250 * time.Millisecond
	const maxBackoff = 4 * time.Second
	const maxAttempts = 5

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if time.Now().Before(c.circuit) {
			time.Sleep(time.Until(c.circuit))
		}
		dialCtx, cancel := context.WithTimeout(ctx, 3*time.Second) // STT handshake timeout
		conn, _, err := ws.Dial(dialCtx, c.cfg.URL, nil)
		if err == nil {
			handshake := map[string]any{
				"uid":      uuid.NewString(),
				"language": c.cfg.Language,
				"model":    c.cfg.Model,
				"use_vad":  false,
				"task":     "transcribe",
			}
			data, _ := json.Marshal(handshake)
			if werr := conn.Write(dialCtx, ws.MessageText, data); werr != nil {
				_ = conn.Close(ws.StatusInternalError, "handshake write failed")
				err = werr
			}
		}
		cancel()
		if err == nil {
			c.resetFailures()
			return conn, nil
		}
		c.addFailure()
		telemetry.RecordSTTReconnect()
		log.Printf("[sttclient] dial attempt %d/%d failed for %s: %v", attempt, maxAttempts, c.participant, err)
		if attempt == maxAttempts {
			break
		}
		time.Sleep(backoff)
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
	return nil, fmt.Errorf("sttclient: exhausted %d connect attempts", maxAttempts)
}

// Send enqueues a PCM16LE@16kHz frame for transmission. Returns false if
// the outbound queue is full (caller should drop-latest, matching the
// ingress overflow policy).
func (c *Client) Send(pcm []byte) bool {
	select {
	case c.sendQ <- pcm:
		return true
	default:
		return false
	}
}

// Flush sends the {eof:true} control message to flush trailing audio.
func (c *Client) Flush(ctx context.Context) {
	conn := c.getConn()
	if conn == nil {
		return
	}
	data, _ := json.Marshal(map[string]bool{"eof": true})
	_ = conn.Write(ctx, ws.MessageText, data)
}

// Close tears down the connection.
func (c *Client) Close() {
	c.cancel()
	if conn := c.getConn(); conn != nil {
		_ = conn.Close(ws.StatusNormalClosure, "done")
	}
}

// MarkCommitted tells the client an utterance has been committed or
// cancelled by the Turn Controller, so any later final for it is stale.
func (c *Client) MarkCommitted(utteranceID uint64) {
	c.mu.Lock()
	c.committed[utteranceID] = true
	c.mu.Unlock()
}

func (c *Client) sendLoop(conn *ws.Conn) {
	for {
		select {
		case <-c.ctx.Done():
			return
		case b := <-c.sendQ:
			wctx, cancel := context.WithTimeout(c.ctx, 5*time.Second)
			err := conn.Write(wctx, ws.MessageBinary, b)
			cancel()
			if err != nil {
				return
			}
		}
	}
}

type segment struct {
	Text      string  `json:"text"`
	Start     float64 `json:"start"`
	End       float64 `json:"end"`
	Completed bool    `json:"completed"`
}

type segmentsMsg struct {
	Segments []segment `json:"segments"`
}

// recvLoop owns the connection for its entire lifetime, re-dialing in
// place (via dialWithBackoff) when a read fails mid-utterance rather than
// surfacing Unavailable on the first drop; Unavailable is only emitted
// once a reconnect attempt itself exhausts its 5-attempt budget.
func (c *Client) recvLoop() {
	defer close(c.Events)
	conn := c.getConn()
	for {
		_, data, err := conn.Read(c.ctx)
		if err != nil {
			if c.ctx.Err() != nil {
				return
			}
			log.Printf("[sttclient] connection lost for %s, reconnecting: %v", c.participant, err)
			newConn, derr := c.dialWithBackoff(c.ctx)
			if derr != nil {
				c.emit(Event{Kind: Unavailable, Participant: c.participant, Text: derr.Error()})
				return
			}
			c.setConn(newConn)
			conn = newConn
			go c.sendLoop(conn)
			continue
		}
		var msg segmentsMsg
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		for _, seg := range msg.Segments {
			if seg.Text == "" {
				continue
			}
			uid := c.currentUtteranceID()
			if seg.Completed {
				c.handleFinal(uid, seg.Text)
			} else {
				c.emit(Event{Kind: Interim, Participant: c.participant, UtteranceID: uid, Text: seg.Text})
			}
		}
	}
}

func (c *Client) handleFinal(utteranceID uint64, text string) {
	c.mu.Lock()
	if c.committed[utteranceID] {
		c.mu.Unlock()
		telemetry.RecordSTTStale()
		log.Printf("[sttclient] dropping stale final participant=%s utterance=%d", c.participant, utteranceID)
		return
	}
	h := hash(text)
	if c.seenHash[utteranceID] == h {
		c.mu.Unlock()
		telemetry.RecordSTTDuplicate()
		return
	}
	c.seenHash[utteranceID] = h
	c.mu.Unlock()

	telemetry.RecordSTTFinal()
	c.emit(Event{Kind: Final, Participant: c.participant, UtteranceID: utteranceID, Text: text})
}

func (c *Client) emit(e Event) {
	select {
	case c.Events <- e:
	default:
	}
}

func (c *Client) addFailure() {
	c.fails = append(c.fails, time.Now())
	cutoff := time.Now().Add(-60 * time.Second)
	j := 0
	for _, t := range c.fails {
		if t.After(cutoff) {
			c.fails[j] = t
			j++
		}
	}
	c.fails = c.fails[:j]
	if len(c.fails) >= 3 {
		c.circuit = time.Now().Add(30 * time.Second)
	}
}

func (c *Client) resetFailures() { c.fails = nil }

func hash(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:8])
}
