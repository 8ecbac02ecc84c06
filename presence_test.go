package main

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPresenceTransitions(t *testing.T) {
	kv := &fakeKV{data: map[string]string{}}
	p := &Presence{kv: kv}
	ctx := context.Background()

	require.NoError(t, p.SetOnline(ctx, "u1"))
	assert.Equal(t, StatusOnline, kv.data[presenceKey("u1")])

	require.NoError(t, p.SetStatus(ctx, "u1", StatusDnd))
	assert.Equal(t, StatusDnd, kv.data[presenceKey("u1")])

	require.NoError(t, p.SetOffline(ctx, "u1"))
	assert.Equal(t, StatusOffline, kv.data[presenceKey("u1")])
}

func TestPresenceRejectsUnknownStatus(t *testing.T) {
	p := &Presence{kv: &fakeKV{data: map[string]string{}}}
	assert.Error(t, p.SetStatus(context.Background(), "u1", "sleeping"))
}

func TestPresenceGetMany(t *testing.T) {
	kv := &fakeKV{data: map[string]string{
		presenceKey("u1"): StatusOnline,
		presenceKey("u2"): StatusIdle,
	}}
	p := &Presence{kv: kv}

	got, err := p.GetMany(context.Background(), []string{"u1", "u2", "u3"})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{
		"u1": StatusOnline,
		"u2": StatusIdle,
		"u3": StatusOffline, // no entry reads as offline
	}, got)
}

func TestPresenceGetManyEmpty(t *testing.T) {
	p := &Presence{kv: &fakeKV{data: map[string]string{}}}
	got, err := p.GetMany(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, got)
}
