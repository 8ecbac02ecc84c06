package main

import (
	"hash/fnv"
	"sync"

	"go.uber.org/zap"
)

const registryShards = 16

// removedConn is handed back by Remove so the caller runs disconnect
// cleanup (presence, voice, bus unsubscribe) exactly once.
type removedConn struct {
	UserID    string
	SessionID string
	Servers   []string
}

type serverShard struct {
	mu sync.RWMutex
	// serverID -> userID -> number of this user's live connections
	// subscribed to the server.
	subs map[string]map[string]int
}

// Registry is the process-local connection bookkeeping: the socket set, the
// per-user fanout set and the per-server subscriber sets. The socket and
// user maps move together under one lock; the server sets are sharded by
// serverID to bound contention.
type Registry struct {
	mu    sync.RWMutex
	conns map[*Client]struct{}
	users map[string]map[string]*Client // userID -> sessionID -> conn

	shards [registryShards]*serverShard

	log *zap.SugaredLogger
}

func NewRegistry() *Registry {
	r := &Registry{
		conns: map[*Client]struct{}{},
		users: map[string]map[string]*Client{},
		log:   zap.S().With("component", "registry"),
	}
	for i := range r.shards {
		r.shards[i] = &serverShard{subs: map[string]map[string]int{}}
	}
	return r
}

func (r *Registry) shard(serverID string) *serverShard {
	h := fnv.New32a()
	h.Write([]byte(serverID))
	return r.shards[h.Sum32()%registryShards]
}

func (r *Registry) Add(c *Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conns[c] = struct{}{}
	us, ok := r.users[c.user]
	if !ok {
		us = map[string]*Client{}
		r.users[c.user] = us
	}
	us[c.sessionID] = c
	r.log.Infow("register", "user", c.user, "session", c.sessionID)
}

// Remove is idempotent. The second return is false when the connection was
// never added or already removed.
func (r *Registry) Remove(c *Client) (removedConn, bool) {
	r.mu.Lock()
	if _, ok := r.conns[c]; !ok {
		r.mu.Unlock()
		return removedConn{}, false
	}
	delete(r.conns, c)
	if us, ok := r.users[c.user]; ok {
		delete(us, c.sessionID)
		if len(us) == 0 {
			delete(r.users, c.user)
		}
	}
	servers := make([]string, 0, len(c.servers))
	for id := range c.servers {
		servers = append(servers, id)
	}
	c.closeSend()
	r.mu.Unlock()

	for _, id := range servers {
		r.dropSubscriber(id, c.user)
	}
	r.log.Infow("unregister", "user", c.user, "session", c.sessionID)
	return removedConn{UserID: c.user, SessionID: c.sessionID, Servers: servers}, true
}

// SubscribeServer stamps the server onto every live connection of the user
// and counts them into the server's subscriber set. A user with two devices
// has both tracked. Returns how many connections were newly stamped so the
// caller can take matching bridge references.
func (r *Registry) SubscribeServer(serverID, userID string) int {
	r.mu.Lock()
	stamped := 0
	for _, c := range r.users[userID] {
		if _, ok := c.servers[serverID]; !ok {
			c.servers[serverID] = struct{}{}
			stamped++
		}
	}
	r.mu.Unlock()
	if stamped == 0 {
		return 0
	}
	s := r.shard(serverID)
	s.mu.Lock()
	us, ok := s.subs[serverID]
	if !ok {
		us = map[string]int{}
		s.subs[serverID] = us
	}
	us[userID] += stamped
	s.mu.Unlock()
	return stamped
}

func (r *Registry) UnsubscribeServer(serverID, userID string) int {
	r.mu.Lock()
	dropped := 0
	for _, c := range r.users[userID] {
		if _, ok := c.servers[serverID]; ok {
			delete(c.servers, serverID)
			dropped++
		}
	}
	r.mu.Unlock()
	for i := 0; i < dropped; i++ {
		r.dropSubscriber(serverID, userID)
	}
	return dropped
}

// ConnServers snapshots the server IDs a connection forwards events for.
func (r *Registry) ConnServers(c *Client) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(c.servers))
	for id := range c.servers {
		out = append(out, id)
	}
	return out
}

func (r *Registry) dropSubscriber(serverID, userID string) {
	s := r.shard(serverID)
	s.mu.Lock()
	defer s.mu.Unlock()
	us, ok := s.subs[serverID]
	if !ok {
		return
	}
	if n, ok := us[userID]; ok {
		if n <= 1 {
			delete(us, userID)
		} else {
			us[userID] = n - 1
		}
	}
	if len(us) == 0 {
		delete(s.subs, serverID)
	}
}

func (r *Registry) HasLocalSubscribers(serverID string) bool {
	s := r.shard(serverID)
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subs[serverID]) > 0
}

// SendToUser delivers to every live local socket of the user.
func (r *Registry) SendToUser(userID string, data []byte) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, c := range r.users[userID] {
		c.enqueue(data)
	}
}

// BroadcastServer delivers to every local socket of every subscribed user.
// The excluded user already saw the result on the REST response; no echo.
func (r *Registry) BroadcastServer(serverID string, data []byte, excludeUserID string) {
	s := r.shard(serverID)
	s.mu.RLock()
	targets := make([]string, 0, len(s.subs[serverID]))
	for userID := range s.subs[serverID] {
		if userID == excludeUserID {
			continue
		}
		targets = append(targets, userID)
	}
	s.mu.RUnlock()

	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, userID := range targets {
		for _, c := range r.users[userID] {
			c.enqueue(data)
		}
	}
}

// ConnCount reports live local sockets.
func (r *Registry) ConnCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}
