package main

import (
	"context"
	"fmt"

	"github.com/go-redis/redis/v9"
)

const (
	StatusOnline  = "online"
	StatusIdle    = "idle"
	StatusDnd     = "dnd"
	StatusOffline = "offline"
)

func validStatus(s string) bool {
	switch s {
	case StatusOnline, StatusIdle, StatusDnd, StatusOffline:
		return true
	}
	return false
}

// presenceKV is the slice of the shared store presence needs. Entries have
// no expiry; transitions are explicit.
type presenceKV interface {
	Set(ctx context.Context, key, value string) error
	MGet(ctx context.Context, keys ...string) ([]string, error)
}

type redisKV struct {
	rdb *redis.Client
}

func (r *redisKV) Set(ctx context.Context, key, value string) error {
	return r.rdb.Set(ctx, key, value, 0).Err()
}

func (r *redisKV) MGet(ctx context.Context, keys ...string) ([]string, error) {
	vals, err := r.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}
	out := make([]string, len(vals))
	for i, v := range vals {
		if s, ok := v.(string); ok {
			out[i] = s
		}
	}
	return out, nil
}

// Presence holds per-user status in the shared store so every node sees the
// same answer.
type Presence struct {
	kv presenceKV
}

func NewPresence(rdb *redis.Client) *Presence {
	return &Presence{kv: &redisKV{rdb: rdb}}
}

func presenceKey(userID string) string {
	return "presence:" + userID
}

func (p *Presence) SetOnline(ctx context.Context, userID string) error {
	return p.kv.Set(ctx, presenceKey(userID), StatusOnline)
}

func (p *Presence) SetOffline(ctx context.Context, userID string) error {
	return p.kv.Set(ctx, presenceKey(userID), StatusOffline)
}

func (p *Presence) SetStatus(ctx context.Context, userID, status string) error {
	if !validStatus(status) {
		return fmt.Errorf("bad status %q", status)
	}
	return p.kv.Set(ctx, presenceKey(userID), status)
}

// GetMany resolves statuses for a set of users. Users with no entry are
// offline.
func (p *Presence) GetMany(ctx context.Context, userIDs []string) (map[string]string, error) {
	out := map[string]string{}
	if len(userIDs) == 0 {
		return out, nil
	}
	keys := make([]string, len(userIDs))
	for i, id := range userIDs {
		keys[i] = presenceKey(id)
	}
	vals, err := p.kv.MGet(ctx, keys...)
	if err != nil {
		return nil, err
	}
	for i, id := range userIDs {
		s := vals[i]
		if s == "" {
			s = StatusOffline
		}
		out[id] = s
	}
	return out, nil
}
