package main

import (
	"bytes"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Identify must arrive this soon after HELLO.
	identifyTimeout = 5 * time.Second

	// Liveness is checked on this period; a session with no heartbeat for
	// heartbeatMaxAge is closed with 4009.
	livenessPeriod  = 45 * time.Second
	heartbeatMaxAge = 60 * time.Second

	// Interval advertised to the client in HELLO.
	heartbeatInterval = 30 * time.Second
)

var (
	newline = []byte{'\n'}
	space   = []byte{' '}
)

type sessionState int

const (
	stateAwaitingIdentify sessionState = iota
	stateReady
	stateClosed
)

// Client is one live gateway socket and its session state.
type Client struct {
	node *Node

	cid       int64
	sessionID string

	user     string
	username string

	// Server IDs this session forwards events for. Guarded by the
	// registry's lock.
	servers map[string]struct{}

	mu            sync.Mutex
	state         sessionState
	identifyTimer *time.Timer
	lastHeartbeat time.Time
	lastSeq       int64

	log *zap.SugaredLogger

	// The websocket connection.
	conn *websocket.Conn

	sendMu     sync.Mutex
	sendClosed bool
	// Buffered channel of outbound messages.
	send chan []byte

	clock func() time.Time
}

// enqueue hands data to the write pump. Safe against a concurrent
// registry removal; a full buffer drops the frame rather than blocking
// the fanout path.
func (c *Client) enqueue(data []byte) {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.sendClosed {
		return
	}
	select {
	case c.send <- data:
	default:
		c.log.Warnw("send buffer full, dropping frame")
	}
}

func (c *Client) closeSend() {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if !c.sendClosed {
		c.sendClosed = true
		close(c.send)
	}
}

// closeWithCode writes a close frame and tears the socket down. The read
// pump's exit runs the registry cleanup.
func (c *Client) closeWithCode(code int, reason string) {
	c.mu.Lock()
	c.state = stateClosed
	c.mu.Unlock()
	if c.conn == nil {
		return
	}
	msg := websocket.FormatCloseMessage(code, reason)
	c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
	c.conn.Close()
}

// readPump pumps messages from the websocket connection into the session
// handler.
//
// The application runs readPump in a per-connection goroutine. The
// application ensures that there is at most one reader on a connection by
// executing all reads from this goroutine.
func (c *Client) readPump() {
	defer func() {
		c.node.disconnect(c)
		c.conn.Close()
	}()
	c.conn.SetReadLimit(DefConfig.Client.ReadMessageSizeLimit)
	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.log.Error(err)
			}
			break
		}
		message = bytes.TrimSpace(bytes.ReplaceAll(message, newline, space))
		if len(message) == 0 {
			continue
		}
		c.node.handle(c, message)
	}
}

// writePump pumps messages from the session to the websocket connection and
// runs the heartbeat-liveness check.
//
// A goroutine running writePump is started for each connection. The
// application ensures that there is at most one writer to a connection by
// executing all writes from this goroutine.
func (c *Client) writePump() {
	ticker := time.NewTicker(livenessPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.log.Errorw("write", "err", err)
				return
			}
		case <-ticker.C:
			if c.staleHeartbeat(c.clock()) {
				c.log.Infow("heartbeat timeout", "user", c.user)
				c.closeWithCode(CloseHeartbeatTimeout, "heartbeat timeout")
				return
			}
		}
	}
}

// staleHeartbeat reports whether a ready session has gone silent past the
// allowance.
func (c *Client) staleHeartbeat(now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != stateReady {
		return false
	}
	return now.Sub(c.lastHeartbeat) > heartbeatMaxAge
}
