package main

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

type voiceRoom struct {
	serverID  string
	channelID string
}

// Voice tracks which voice channel each session sits in and fans state
// changes out to the server. Media itself is carried elsewhere; producer
// notifications arrive through the publish endpoint as opaque payloads.
type Voice struct {
	mu       sync.Mutex
	sessions map[string]voiceRoom // sessionID -> room

	bridge *Bridge
	log    *zap.SugaredLogger
}

func NewVoice(bridge *Bridge) *Voice {
	return &Voice{
		sessions: map[string]voiceRoom{},
		bridge:   bridge,
		log:      zap.S().With("component", "voice"),
	}
}

// HandleUpdate joins, moves or leaves. An empty channel ID means leave.
func (v *Voice) HandleUpdate(ctx context.Context, userID, sessionID string, p VoiceStatePayload) {
	v.mu.Lock()
	prev, inRoom := v.sessions[sessionID]
	if p.ChannelID == "" {
		delete(v.sessions, sessionID)
	} else {
		v.sessions[sessionID] = voiceRoom{serverID: p.ServerID, channelID: p.ChannelID}
	}
	v.mu.Unlock()

	if inRoom && prev.channelID != p.ChannelID {
		v.bridge.PublishServer(ctx, prev.serverID, OpVoiceStateUpdate, VoiceStatePayload{
			ServerID:  prev.serverID,
			UserID:    userID,
			SessionID: sessionID,
		}, "")
	}
	if p.ChannelID == "" {
		return
	}
	p.UserID = userID
	p.SessionID = sessionID
	v.bridge.PublishServer(ctx, p.ServerID, OpVoiceStateUpdate, p, "")
}

// Leave drops the session from its room, if any. Called on disconnect.
func (v *Voice) Leave(ctx context.Context, userID, sessionID string) {
	v.mu.Lock()
	room, ok := v.sessions[sessionID]
	delete(v.sessions, sessionID)
	v.mu.Unlock()
	if !ok {
		return
	}
	v.log.Infow("voice leave", "user", userID, "session", sessionID, "channel", room.channelID)
	v.bridge.PublishServer(ctx, room.serverID, OpVoiceStateUpdate, VoiceStatePayload{
		ServerID:  room.serverID,
		UserID:    userID,
		SessionID: sessionID,
	}, "")
}
