package sttclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	ws "nhooyr.io/websocket"
)

// TestRecvLoopReconnectsMidUtterance exercises the mid-utterance reconnect
// path: the first connection is dropped by the server right after the
// handshake, and recvLoop must re-dial (rather than surfacing Unavailable
// immediately) and keep delivering finals on the new connection.
func TestRecvLoopReconnectsMidUtterance(t *testing.T) {
	var connCount int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := ws.Accept(w, r, nil)
		if err != nil {
			return
		}
		n := atomic.AddInt32(&connCount, 1)
		ctx := r.Context()
		if _, _, err := conn.Read(ctx); err != nil {
			return
		}
		if n == 1 {
			_ = conn.Close(ws.StatusInternalError, "simulated drop")
			return
		}
		msg, _ := json.Marshal(map[string]any{
			"segments": []map[string]any{{"text": "hello after reconnect", "completed": true}},
		})
		_ = conn.Write(ctx, ws.MessageText, msg)
		<-ctx.Done()
	}))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	c := New(context.Background(), "alice", Config{URL: url, Language: "en", Model: "small"})
	defer c.Close()
	c.NextUtteranceID()

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("initial connect failed: %v", err)
	}

	select {
	case evt := <-c.Events:
		if evt.Kind != Final || evt.Text != "hello after reconnect" {
			t.Fatalf("expected reconnected final, got %+v", evt)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for final after reconnect")
	}

	if atomic.LoadInt32(&connCount) < 2 {
		t.Fatalf("expected recvLoop to re-dial after the drop, got %d connection(s)", connCount)
	}
}

// TestConcurrentCommitAndFinalIsRaceFree exercises MarkCommitted (called
// from the Turn Controller's callback goroutine) racing against
// handleFinal and NextUtteranceID (called from the participant loop);
// run with -race to catch any unguarded access.
func TestConcurrentCommitAndFinalIsRaceFree(t *testing.T) {
	c := newTestClient()
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 200; i++ {
			c.MarkCommitted(uint64(i))
		}
	}()
	for i := 0; i < 200; i++ {
		uid := c.NextUtteranceID()
		c.handleFinal(uid, "text")
		select {
		case <-c.Events:
		default:
		}
	}
	<-done
}
