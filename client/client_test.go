package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBackoffSequence(t *testing.T) {
	want := []time.Duration{
		1000 * time.Millisecond,
		2000 * time.Millisecond,
		4000 * time.Millisecond,
		8000 * time.Millisecond,
		16000 * time.Millisecond,
	}
	for attempt, d := range want {
		assert.Equal(t, d, Backoff(attempt), "attempt %d", attempt)
	}
	// Capped from attempt 5 onward.
	for attempt := 5; attempt < MaxReconnectAttempts; attempt++ {
		assert.Equal(t, 30*time.Second, Backoff(attempt), "attempt %d", attempt)
	}
}

func TestReconnectBudget(t *testing.T) {
	assert.Equal(t, 20, MaxReconnectAttempts)
}

func TestNewValidation(t *testing.T) {
	_, err := New(Options{})
	assert.Error(t, err)
	_, err = New(Options{URL: "ws://x"})
	assert.Error(t, err)
	_, err = New(Options{URL: "ws://x", Token: func() string { return "t" }})
	assert.NoError(t, err)
}

// gatewayStub speaks just enough of the server side of the protocol for the
// client to reach READY.
func gatewayStub(t *testing.T, gotIdentify chan<- string) *httptest.Server {
	t.Helper()
	up := websocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		hello, _ := json.Marshal(Event{Op: OpHello, D: marshal(helloPayload{
			HeartbeatIntervalMs: 50,
			SessionID:           "sess-test",
		})})
		conn.WriteMessage(websocket.TextMessage, hello)

		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var ev Event
			if json.Unmarshal(data, &ev) != nil {
				continue
			}
			switch ev.Op {
			case OpIdentify:
				var p struct {
					Token string `json:"token"`
				}
				json.Unmarshal(ev.D, &p)
				gotIdentify <- p.Token
				ready, _ := json.Marshal(Event{Op: OpReady, D: marshal(map[string]string{
					"sessionId": "sess-test",
				})})
				conn.WriteMessage(websocket.TextMessage, ready)
			case OpHeartbeat:
				ack, _ := json.Marshal(Event{Op: OpHeartbeatAck})
				conn.WriteMessage(websocket.TextMessage, ack)
			}
		}
	}))
}

func TestClientIdentifiesAndReachesReady(t *testing.T) {
	gotIdentify := make(chan string, 1)
	srv := gatewayStub(t, gotIdentify)
	defer srv.Close()

	ready := make(chan struct{})
	c, err := New(Options{
		URL:   "ws" + strings.TrimPrefix(srv.URL, "http"),
		Token: func() string { return "tok-1" },
		OnEvent: func(op string, _ json.RawMessage) {
			if op == OpReady {
				select {
				case <-ready:
				default:
					close(ready)
				}
			}
		},
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	select {
	case tok := <-gotIdentify:
		assert.Equal(t, "tok-1", tok)
	case <-time.After(3 * time.Second):
		t.Fatal("no IDENTIFY observed")
	}
	select {
	case <-ready:
	case <-time.After(3 * time.Second):
		t.Fatal("no READY observed")
	}

	c.Close()
	select {
	case err := <-done:
		assert.NoError(t, err, "intentional close must not count as failure")
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return after Close")
	}
}

func TestClientHeartbeats(t *testing.T) {
	gotIdentify := make(chan string, 1)
	srv := gatewayStub(t, gotIdentify)
	defer srv.Close()

	c, err := New(Options{
		URL:   "ws" + strings.TrimPrefix(srv.URL, "http"),
		Token: func() string { return "tok-1" },
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	go c.Run(ctx)
	defer c.Close()

	<-gotIdentify
	// The stub declares a 50ms interval; after a moment the client's seq
	// must have advanced.
	require.Eventually(t, func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.seq >= 2
	}, 3*time.Second, 20*time.Millisecond)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "reconnecting", StateReconnecting.String())
	assert.Equal(t, "failed", StateFailed.String())
}
