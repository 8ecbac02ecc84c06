package main

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-redis/redis/v9"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Node is one gateway process: the local registry, the cluster bridge and
// the stores, behind one websocket endpoint.
type Node struct {
	registry *Registry
	bridge   *Bridge
	rbus     *redisBus
	store    dataStore
	perms    *Perms
	presence *Presence
	voice    *Voice
	verifier TokenVerifier

	rdb *redis.Client
	cid int64

	upgrader websocket.Upgrader

	log *zap.SugaredLogger
}

func newNode() *Node {
	log := zap.S()

	store, err := NewStore(DefConfig.DB, DefConfig.DBLog)
	if err != nil {
		log.Fatal(err)
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:         DefConfig.Redis.Host,
		DB:           DefConfig.Redis.DB,
		DialTimeout:  10 * time.Second,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		PoolSize:     10,
		PoolTimeout:  30 * time.Second,
	})
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		log.Fatal("redis err:", err.Error())
	}
	if DefConfig.Redis.Name == "" {
		DefConfig.Redis.Name = time.Now().Format("Node-20060102150405")
	}

	n := &Node{
		registry: NewRegistry(),
		store:    store,
		presence: NewPresence(rdb),
		verifier: NewJWTVerifier(DefConfig.Secret),
		rdb:      rdb,
		log:      log.With("node", DefConfig.Redis.Name),
	}
	n.rbus = newRedisBus(rdb)
	n.bridge = NewBridge(DefConfig.Redis.Name, n.rbus)
	n.voice = NewVoice(n.bridge)
	n.perms = NewPerms(store)

	n.upgrader = websocket.Upgrader{
		ReadBufferSize:  DefConfig.Client.ReadBufferSize,
		WriteBufferSize: DefConfig.Client.WriteBufferSize,
	}
	n.upgrader.CheckOrigin = func(r *http.Request) bool {
		return true
	}

	n.rbus.run(context.Background(), n.busEvent)
	n.log.Info("node up, cluster name:", DefConfig.Redis.Name)
	return n
}

func (n *Node) Close() {
	if n.rbus != nil {
		n.rbus.close()
	}
	if n.rdb != nil {
		n.rdb.Close()
	}
}

// busEvent delivers one cluster event to local sockets. Every process with
// local subscribers runs this, the publisher's own included.
func (n *Node) busEvent(topic string, payload []byte) {
	m := clusterEvent{}
	if err := json.Unmarshal(payload, &m); err != nil {
		n.log.Errorw("bus payload", "topic", topic, "err", err)
		return
	}
	scope, id, ok := splitTopic(topic)
	if !ok {
		return
	}
	busReceived.WithLabelValues(m.Op).Inc()
	frame := mustEvent(m.Op, m.D)
	switch scope {
	case "server":
		n.registry.BroadcastServer(id, frame, m.Exclude)
	case "user":
		n.registry.SendToUser(id, frame)
	}
	eventsDelivered.WithLabelValues(m.Op).Inc()
}

// PublishToServer is the service layer's door into the fanout system. The
// event loops back through the bus so every node, this one included,
// delivers it to its local subscribers.
func (n *Node) PublishToServer(ctx context.Context, serverID, op string, d interface{}, excludeUserID string) {
	n.bridge.PublishServer(ctx, serverID, op, d, excludeUserID)
}

func (n *Node) PublishToUser(ctx context.Context, userID, op string, d interface{}) {
	n.bridge.PublishUser(ctx, userID, op, d)
}

// disconnect runs once per socket, from the read pump's exit. Registry
// removal is idempotent, so a race between a server close and the client
// hanging up cannot run cleanup twice.
func (n *Node) disconnect(c *Client) {
	c.mu.Lock()
	if c.identifyTimer != nil {
		c.identifyTimer.Stop()
	}
	c.state = stateClosed
	c.mu.Unlock()
	connectionsCurrent.Dec()

	rm, ok := n.registry.Remove(c)
	if !ok {
		// Never identified; nothing was registered.
		c.closeSend()
		return
	}

	ctx := context.Background()
	n.voice.Leave(ctx, rm.UserID, rm.SessionID)
	for _, sid := range rm.Servers {
		n.bridge.UnsubscribeServer(ctx, sid)
	}
	n.bridge.UnsubscribeUser(ctx, rm.UserID)

	// Marks offline even when the user still holds another live session;
	// the reconnect path flips it back on IDENTIFY.
	if err := n.presence.SetOffline(ctx, rm.UserID); err != nil {
		n.log.Errorw("presence offline", "user", rm.UserID, "err", err)
	}
	for _, sid := range rm.Servers {
		n.bridge.PublishServer(ctx, sid, OpPresenceUpdate, PresencePayload{
			UserID: rm.UserID,
			Status: StatusOffline,
		}, "")
	}
}
