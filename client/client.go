// Package client implements the gateway wire contract: identify on HELLO,
// heartbeat on the server-declared interval, and reconnect with exponential
// backoff on unexpected closes.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	backoffBase = time.Second
	backoffCap  = 30 * time.Second

	// MaxReconnectAttempts is how many consecutive failed connections are
	// tolerated before the client gives up for good.
	MaxReconnectAttempts = 20
)

// Ops mirrored from the gateway.
const (
	OpHello        = "HELLO"
	OpIdentify     = "IDENTIFY"
	OpHeartbeat    = "HEARTBEAT"
	OpHeartbeatAck = "HEARTBEAT_ACK"
	OpReady        = "READY"
	OpError        = "ERROR"
)

// State is the connection lifecycle surfaced to the UI.
type State int

const (
	StateConnecting State = iota
	StateReady
	StateReconnecting
	StateClosed
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateReady:
		return "ready"
	case StateReconnecting:
		return "reconnecting"
	case StateClosed:
		return "closed"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

type Event struct {
	Op string          `json:"op"`
	D  json.RawMessage `json:"d,omitempty"`
}

type helloPayload struct {
	HeartbeatIntervalMs int    `json:"heartbeatIntervalMs"`
	SessionID           string `json:"sessionId"`
}

// Backoff returns the reconnect delay for the given attempt:
// min(1s * 2^attempt, 30s). No jitter.
func Backoff(attempt int) time.Duration {
	if attempt >= 5 {
		return backoffCap
	}
	d := backoffBase << uint(attempt)
	if d > backoffCap {
		return backoffCap
	}
	return d
}

// Options configures a Client. URL and Token are required.
type Options struct {
	URL string

	// Token returns the latest known session token; called on every
	// IDENTIFY so a refreshed token is picked up across reconnects.
	Token func() string

	// OnEvent receives every op the gateway pushes, READY and ERROR
	// included.
	OnEvent func(op string, d json.RawMessage)

	// OnState is called on lifecycle transitions.
	OnState func(s State)

	Log *zap.SugaredLogger
}

// Client is one logical gateway session across reconnects.
type Client struct {
	opts Options
	log  *zap.SugaredLogger

	mu          sync.Mutex
	conn        *websocket.Conn
	attempt     int
	seq         int64
	intentional bool
	state       State

	done chan struct{}
}

func New(opts Options) (*Client, error) {
	if opts.URL == "" || opts.Token == nil {
		return nil, errors.New("client: URL and Token are required")
	}
	log := opts.Log
	if log == nil {
		log = zap.S().With("component", "gwclient")
	}
	return &Client{
		opts: opts,
		log:  log,
		done: make(chan struct{}),
	}, nil
}

// Run connects and keeps the session alive until Close, context end, or the
// reconnect budget is spent. Blocks.
func (c *Client) Run(ctx context.Context) error {
	for {
		c.setState(StateConnecting)
		err := c.runOnce(ctx)
		if c.closedIntentionally() {
			c.setState(StateClosed)
			return nil
		}
		if ctx.Err() != nil {
			c.setState(StateClosed)
			return ctx.Err()
		}
		c.log.Warnw("connection lost", "err", err)

		c.mu.Lock()
		c.attempt++
		attempt := c.attempt
		c.mu.Unlock()
		if attempt >= MaxReconnectAttempts {
			c.setState(StateFailed)
			return errors.New("client: reconnect attempts exhausted")
		}
		c.setState(StateReconnecting)
		delay := Backoff(attempt - 1)

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			c.setState(StateClosed)
			return ctx.Err()
		case <-c.done:
			c.setState(StateClosed)
			return nil
		}
	}
}

// runOnce runs a single connection to termination.
func (c *Client) runOnce(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.opts.URL, nil)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	defer conn.Close()

	stopBeat := make(chan struct{})
	defer close(stopBeat)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		var ev Event
		if err := json.Unmarshal(data, &ev); err != nil {
			c.log.Errorw("bad frame", "err", err)
			continue
		}
		switch ev.Op {
		case OpHello:
			var h helloPayload
			if err := json.Unmarshal(ev.D, &h); err != nil {
				return err
			}
			if err := c.writeJSON(Event{Op: OpIdentify, D: marshal(map[string]string{
				"token": c.opts.Token(),
			})}); err != nil {
				return err
			}
			go c.heartbeat(time.Duration(h.HeartbeatIntervalMs)*time.Millisecond, stopBeat)
		case OpReady:
			c.mu.Lock()
			c.attempt = 0
			c.mu.Unlock()
			c.setState(StateReady)
			c.emit(ev)
		case OpHeartbeatAck:
		default:
			c.emit(ev)
		}
	}
}

func (c *Client) heartbeat(interval time.Duration, stop <-chan struct{}) {
	if interval <= 0 {
		return
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			c.mu.Lock()
			c.seq++
			seq := c.seq
			c.mu.Unlock()
			if err := c.writeJSON(Event{Op: OpHeartbeat, D: marshal(map[string]int64{
				"seq": seq,
			})}); err != nil {
				return
			}
		case <-stop:
			return
		}
	}
}

// Close ends the session for good. An intentionally closed client never
// reconnects.
func (c *Client) Close() {
	c.mu.Lock()
	if c.intentional {
		c.mu.Unlock()
		return
	}
	c.intentional = true
	conn := c.conn
	c.mu.Unlock()
	close(c.done)
	if conn != nil {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		conn.Close()
	}
}

func (c *Client) closedIntentionally() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.intentional
}

func (c *Client) writeJSON(ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return errors.New("client: not connected")
	}
	conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return conn.WriteMessage(websocket.TextMessage, data)
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	changed := c.state != s
	c.state = s
	c.mu.Unlock()
	if changed && c.opts.OnState != nil {
		c.opts.OnState(s)
	}
}

func (c *Client) emit(ev Event) {
	if c.opts.OnEvent != nil {
		c.opts.OnEvent(ev.Op, ev.D)
	}
}

func marshal(v interface{}) json.RawMessage {
	b, _ := json.Marshal(v)
	return b
}
