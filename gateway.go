package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// serveWs upgrades the socket, emits HELLO and arms the identify deadline.
func (n *Node) serveWs(w http.ResponseWriter, r *http.Request) {
	conn, err := n.upgrader.Upgrade(w, r, nil)
	if err != nil {
		n.log.Errorw("upgrade", "err", err)
		return
	}
	sid, err := uuid.NewV4()
	if err != nil {
		conn.Close()
		return
	}
	client := &Client{
		node:      n,
		cid:       atomic.AddInt64(&n.cid, 1),
		sessionID: sid.String(),
		servers:   map[string]struct{}{},
		state:     stateAwaitingIdentify,
		conn:      conn,
		send:      make(chan []byte, 16),
		clock:     time.Now,
	}
	client.log = zap.S().With("cid", client.cid, "session", client.sessionID)
	if DefConfig.Client.Compression {
		client.conn.EnableWriteCompression(true)
		client.conn.SetCompressionLevel(DefConfig.Client.CompressionLevel)
	}
	client.conn.SetCloseHandler(func(code int, text string) error {
		client.log.Infow("close handler", "code", code, "text", text)
		message := websocket.FormatCloseMessage(code, "")
		conn.WriteControl(websocket.CloseMessage, message, time.Now().Add(writeWait))
		return nil
	})
	connectionsCurrent.Inc()

	client.enqueue(mustEvent(OpHello, HelloPayload{
		HeartbeatIntervalMs: int(heartbeatInterval / time.Millisecond),
		SessionID:           client.sessionID,
	}))
	client.mu.Lock()
	client.identifyTimer = time.AfterFunc(identifyTimeout, func() {
		n.identifyDeadline(client)
	})
	client.mu.Unlock()

	go client.writePump()
	go client.readPump()
}

// identifyDeadline fires when no IDENTIFY arrived in time. A session that
// made it to Ready first is left alone.
func (n *Node) identifyDeadline(c *Client) {
	c.mu.Lock()
	waiting := c.state == stateAwaitingIdentify
	c.mu.Unlock()
	if !waiting {
		return
	}
	c.enqueue(errorEvent(CloseIdentifyTimeout, "identify timeout"))
	n.closeClient(c, CloseIdentifyTimeout, "identify timeout")
}

func (n *Node) closeClient(c *Client, code int, reason string) {
	closesTotal.WithLabelValues(strconv.Itoa(code)).Inc()
	c.closeWithCode(code, reason)
}

// handle processes one inbound frame in arrival order. A panic inside a
// handler is reported as ERROR 4000 and the session stays up.
func (n *Node) handle(c *Client, data []byte) {
	defer func() {
		if err := recover(); err != nil {
			c.log.Errorw("handler panic", "err", err)
			c.enqueue(errorEvent(CloseInternal, fmt.Sprint(err)))
		}
	}()

	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		c.enqueue(errorEvent(CloseMalformedPayload, "malformed payload"))
		return
	}

	c.mu.Lock()
	state := c.state
	c.mu.Unlock()

	switch state {
	case stateAwaitingIdentify:
		if ev.Op != OpIdentify {
			c.enqueue(errorEvent(CloseNotIdentified, "not identified"))
			return
		}
		n.identify(c, ev.D)
	case stateReady:
		n.handleReady(c, ev)
	case stateClosed:
	}
}

func (n *Node) handleReady(c *Client, ev Event) {
	ctx := context.Background()
	switch ev.Op {
	case OpIdentify:
		c.enqueue(errorEvent(CloseAlreadyIdentified, "already identified"))
		n.closeClient(c, CloseAlreadyIdentified, "already identified")
	case OpHeartbeat:
		var p HeartbeatPayload
		if err := json.Unmarshal(ev.D, &p); err != nil {
			c.enqueue(errorEvent(CloseMalformedPayload, "malformed payload"))
			return
		}
		c.mu.Lock()
		c.lastHeartbeat = c.clock()
		c.lastSeq = p.Seq
		c.mu.Unlock()
		c.enqueue(mustEvent(OpHeartbeatAck, nil))
	case OpSubscribeServer:
		n.subscribeServer(ctx, c, ev.D)
	case OpUnsubscribeServer:
		var p ServerRefPayload
		if err := json.Unmarshal(ev.D, &p); err != nil || !validID(p.ServerID) {
			c.enqueue(errorEvent(CloseMalformedPayload, "malformed payload"))
			return
		}
		dropped := n.registry.UnsubscribeServer(p.ServerID, c.user)
		for i := 0; i < dropped; i++ {
			n.bridge.UnsubscribeServer(ctx, p.ServerID)
		}
	case OpTypingStart:
		n.typingStart(ctx, c, ev.D)
	case OpPresenceUpdate:
		n.presenceUpdate(ctx, c, ev.D)
	case OpVoiceStateUpdate:
		var p VoiceStatePayload
		if err := json.Unmarshal(ev.D, &p); err != nil || !validID(p.ServerID) {
			c.enqueue(errorEvent(CloseMalformedPayload, "malformed payload"))
			return
		}
		n.voice.HandleUpdate(ctx, c.user, c.sessionID, p)
	case OpMarkRead:
		var p MarkReadPayload
		if err := json.Unmarshal(ev.D, &p); err != nil || !validID(p.ChannelID) {
			c.enqueue(errorEvent(CloseMalformedPayload, "malformed payload"))
			return
		}
		if err := n.store.MarkRead(ctx, c.user, p.ChannelID, p.MessageID); err != nil {
			c.log.Errorw("mark read", "err", err)
			c.enqueue(errorEvent(CloseInternal, "mark read failed"))
		}
	default:
		c.enqueue(errorEvent(CloseUnknownOp, "unknown op "+ev.Op))
	}
}

// identify verifies the token, loads the user and memberships, registers
// the connection and wires every subscription before READY goes out.
func (n *Node) identify(c *Client, d json.RawMessage) {
	ctx := context.Background()
	var p IdentifyPayload
	if err := json.Unmarshal(d, &p); err != nil {
		c.enqueue(errorEvent(CloseMalformedPayload, "malformed payload"))
		return
	}
	if p.Token == "" {
		identifyTotal.WithLabelValues("missing_token").Inc()
		c.enqueue(errorEvent(CloseMissingToken, "missing token"))
		n.closeClient(c, CloseMissingToken, "missing token")
		return
	}
	userID, _, err := n.verifier.Verify(p.Token)
	if err != nil {
		identifyTotal.WithLabelValues("invalid_token").Inc()
		c.enqueue(errorEvent(CloseInvalidToken, "invalid token"))
		n.closeClient(c, CloseInvalidToken, "invalid token")
		return
	}
	user, err := n.store.UserByID(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			identifyTotal.WithLabelValues("user_not_found").Inc()
			c.enqueue(errorEvent(CloseUserNotFound, "user not found"))
			n.closeClient(c, CloseUserNotFound, "user not found")
			return
		}
		n.failIdentify(c, err)
		return
	}
	servers, err := n.store.ServersForUser(ctx, userID)
	if err != nil {
		n.failIdentify(c, err)
		return
	}

	c.mu.Lock()
	if c.state != stateAwaitingIdentify {
		c.mu.Unlock()
		return
	}
	if c.identifyTimer != nil {
		c.identifyTimer.Stop()
	}
	c.user = userID
	c.username = user.Username
	c.state = stateReady
	c.lastHeartbeat = c.clock()
	c.mu.Unlock()
	c.log = c.log.With("user", userID)

	n.registry.Add(c)
	serverIDs := make([]string, 0, len(servers))
	infos := make([]ServerInfo, 0, len(servers))
	for _, s := range servers {
		serverIDs = append(serverIDs, s.ServersID)
		infos = append(infos, ServerInfo{ID: s.ServersID, Name: s.Name, OwnerID: s.OwnerID})
		stamped := n.registry.SubscribeServer(s.ServersID, userID)
		for i := 0; i < stamped; i++ {
			n.bridge.SubscribeServer(ctx, s.ServersID)
		}
	}
	n.bridge.SubscribeUser(ctx, userID)

	if err := n.presence.SetOnline(ctx, userID); err != nil {
		c.log.Errorw("presence online", "err", err)
	}
	for _, sid := range serverIDs {
		n.bridge.PublishServer(ctx, sid, OpPresenceUpdate, PresencePayload{
			UserID: userID,
			Status: StatusOnline,
		}, "")
	}

	coIDs, err := n.store.CoMemberIDs(ctx, serverIDs, userID)
	if err != nil {
		c.log.Errorw("co-members", "err", err)
	}
	presences, err := n.presence.GetMany(ctx, coIDs)
	if err != nil {
		c.log.Errorw("presence snapshot", "err", err)
		presences = map[string]string{}
	}

	identifyTotal.WithLabelValues("ok").Inc()
	c.enqueue(mustEvent(OpReady, ReadyPayload{
		User:      UserInfo{ID: user.UsersID, Username: user.Username, Avatar: user.Avatar},
		Servers:   infos,
		SessionID: c.sessionID,
		Presences: presences,
	}))
}

func (n *Node) failIdentify(c *Client, err error) {
	identifyTotal.WithLabelValues("error").Inc()
	c.log.Errorw("identify", "err", err)
	c.enqueue(errorEvent(CloseInternal, "internal error"))
	n.closeClient(c, CloseInternal, "internal error")
}

// subscribeServer handles a mid-session join, e.g. accepting an invite.
// Membership is checked so a session can never attach to a server it does
// not belong to.
func (n *Node) subscribeServer(ctx context.Context, c *Client, d json.RawMessage) {
	var p ServerRefPayload
	if err := json.Unmarshal(d, &p); err != nil || !validID(p.ServerID) {
		c.enqueue(errorEvent(CloseMalformedPayload, "malformed payload"))
		return
	}
	member, err := n.store.IsMember(ctx, p.ServerID, c.user)
	if err != nil {
		c.log.Errorw("membership check", "err", err)
		c.enqueue(errorEvent(CloseInternal, "internal error"))
		return
	}
	if !member {
		c.enqueue(errorEvent(CloseInternal, "not a member"))
		return
	}
	stamped := n.registry.SubscribeServer(p.ServerID, c.user)
	for i := 0; i < stamped; i++ {
		n.bridge.SubscribeServer(ctx, p.ServerID)
	}
}

// typingStart requires read access on the channel before fanning out.
func (n *Node) typingStart(ctx context.Context, c *Client, d json.RawMessage) {
	var p TypingPayload
	if err := json.Unmarshal(d, &p); err != nil || !validID(p.ServerID) || !validID(p.ChannelID) {
		c.enqueue(errorEvent(CloseMalformedPayload, "malformed payload"))
		return
	}
	err := n.perms.RequireChannelPermission(ctx, p.ServerID, p.ChannelID, c.user, PermReadMessages)
	if err != nil {
		if errors.Is(err, ErrForbidden) {
			c.enqueue(errorEvent(CloseInternal, "forbidden"))
			return
		}
		c.log.Errorw("typing permission", "err", err)
		c.enqueue(errorEvent(CloseInternal, "internal error"))
		return
	}
	p.UserID = c.user
	n.bridge.PublishServer(ctx, p.ServerID, OpTypingStart, p, c.user)
}

func (n *Node) presenceUpdate(ctx context.Context, c *Client, d json.RawMessage) {
	var p PresencePayload
	if err := json.Unmarshal(d, &p); err != nil || !validStatus(p.Status) {
		c.enqueue(errorEvent(CloseMalformedPayload, "malformed payload"))
		return
	}
	if err := n.presence.SetStatus(ctx, c.user, p.Status); err != nil {
		c.log.Errorw("presence update", "err", err)
		c.enqueue(errorEvent(CloseInternal, "internal error"))
		return
	}
	p.UserID = c.user
	for _, sid := range n.registry.ConnServers(c) {
		n.bridge.PublishServer(ctx, sid, OpPresenceUpdate, p, "")
	}
}

func validID(id string) bool {
	return id != "" && len(id) <= 64
}
