package main

import (
	"context"
	"encoding/json"
	"strings"
	"sync"

	"github.com/go-redis/redis/v9"
	"go.uber.org/zap"
)

const (
	serverTopicPrefix = "gw:server:"
	userTopicPrefix   = "gw:user:"
)

func serverTopic(serverID string) string { return serverTopicPrefix + serverID }
func userTopic(userID string) string     { return userTopicPrefix + userID }

// clusterEvent is the bus envelope. Events are delivered on every process
// with local subscribers, the publisher's own included.
type clusterEvent struct {
	Node    string          `json:"n"`
	Exclude string          `json:"x,omitempty"`
	Op      string          `json:"op"`
	D       json.RawMessage `json:"d,omitempty"`
}

// bus is the narrow pub/sub contract so the transport is swappable and
// mockable.
type bus interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	Subscribe(ctx context.Context, topics ...string) error
	Unsubscribe(ctx context.Context, topics ...string) error
}

type redisBus struct {
	rdb    *redis.Client
	pubsub *redis.PubSub
	log    *zap.SugaredLogger
}

func newRedisBus(rdb *redis.Client) *redisBus {
	return &redisBus{rdb: rdb, log: zap.S().With("component", "bus")}
}

func (b *redisBus) Publish(ctx context.Context, topic string, payload []byte) error {
	return b.rdb.Publish(ctx, topic, payload).Err()
}

func (b *redisBus) Subscribe(ctx context.Context, topics ...string) error {
	return b.pubsub.Subscribe(ctx, topics...)
}

func (b *redisBus) Unsubscribe(ctx context.Context, topics ...string) error {
	return b.pubsub.Unsubscribe(ctx, topics...)
}

// run reads the shared subscription until the context ends. go-redis
// re-establishes the subscription itself after connection loss; the recover
// keeps one bad payload from killing the loop.
func (b *redisBus) run(ctx context.Context, handler func(topic string, payload []byte)) {
	b.pubsub = b.rdb.Subscribe(ctx)
	go b.recv(handler)
}

func (b *redisBus) recv(handler func(topic string, payload []byte)) {
	defer func() {
		if err := recover(); err != nil {
			b.log.Errorw("bus recv panic", "err", err)
			go b.recv(handler)
		}
	}()
	for msg := range b.pubsub.Channel() {
		handler(msg.Channel, []byte(msg.Payload))
	}
}

func (b *redisBus) close() error {
	if b.pubsub != nil {
		return b.pubsub.Close()
	}
	return nil
}

// Bridge extends fanout across processes. Topic subscriptions are
// reference-counted: one reference per local connection that needs the
// topic, bus-subscribed only while at least one reference exists.
type Bridge struct {
	node string
	bus  bus

	mu   sync.Mutex
	refs map[string]int

	log *zap.SugaredLogger
}

func NewBridge(nodeName string, b bus) *Bridge {
	return &Bridge{
		node: nodeName,
		bus:  b,
		refs: map[string]int{},
		log:  zap.S().With("component", "bridge", "node", nodeName),
	}
}

func (b *Bridge) acquire(ctx context.Context, topic string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refs[topic]++
	if b.refs[topic] == 1 {
		if err := b.bus.Subscribe(ctx, topic); err != nil {
			b.log.Errorw("subscribe", "topic", topic, "err", err)
		}
	}
}

// release is a no-op for a topic with no references, so a duplicate
// disconnect cannot double-unsubscribe.
func (b *Bridge) release(ctx context.Context, topic string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	n, ok := b.refs[topic]
	if !ok {
		return
	}
	if n > 1 {
		b.refs[topic] = n - 1
		return
	}
	delete(b.refs, topic)
	if err := b.bus.Unsubscribe(ctx, topic); err != nil {
		b.log.Errorw("unsubscribe", "topic", topic, "err", err)
	}
}

func (b *Bridge) SubscribeServer(ctx context.Context, serverID string) {
	b.acquire(ctx, serverTopic(serverID))
}

func (b *Bridge) UnsubscribeServer(ctx context.Context, serverID string) {
	b.release(ctx, serverTopic(serverID))
}

func (b *Bridge) SubscribeUser(ctx context.Context, userID string) {
	b.acquire(ctx, userTopic(userID))
}

func (b *Bridge) UnsubscribeUser(ctx context.Context, userID string) {
	b.release(ctx, userTopic(userID))
}

// PublishServer fires an event at every subscriber of the server,
// cluster-wide. Fire and forget; the bus holds no backlog.
func (b *Bridge) PublishServer(ctx context.Context, serverID, op string, d interface{}, excludeUserID string) {
	b.publish(ctx, serverTopic(serverID), op, d, excludeUserID)
}

func (b *Bridge) PublishUser(ctx context.Context, userID, op string, d interface{}) {
	b.publish(ctx, userTopic(userID), op, d, "")
}

func (b *Bridge) publish(ctx context.Context, topic, op string, d interface{}, exclude string) {
	var raw json.RawMessage
	if d != nil {
		var err error
		raw, err = json.Marshal(d)
		if err != nil {
			b.log.Errorw("marshal", "op", op, "err", err)
			return
		}
	}
	payload, err := json.Marshal(clusterEvent{Node: b.node, Exclude: exclude, Op: op, D: raw})
	if err != nil {
		b.log.Errorw("marshal", "op", op, "err", err)
		return
	}
	if err := b.bus.Publish(ctx, topic, payload); err != nil {
		b.log.Errorw("publish", "topic", topic, "op", op, "err", err)
		return
	}
	busPublished.WithLabelValues(op).Inc()
}

// splitTopic breaks a bus topic into scope and ID. ok is false for topics
// this bridge does not own.
func splitTopic(topic string) (scope, id string, ok bool) {
	switch {
	case strings.HasPrefix(topic, serverTopicPrefix):
		return "server", topic[len(serverTopicPrefix):], true
	case strings.HasPrefix(topic, userTopicPrefix):
		return "user", topic[len(userTopicPrefix):], true
	}
	return "", "", false
}
