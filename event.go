package main

import "encoding/json"

// Every frame on the gateway socket, in either direction, is one Event.
type Event struct {
	Op string          `json:"op"`
	D  json.RawMessage `json:"d,omitempty"`
}

// Client -> server ops.
const (
	OpIdentify          = "IDENTIFY"
	OpHeartbeat         = "HEARTBEAT"
	OpSubscribeServer   = "SUBSCRIBE_SERVER"
	OpUnsubscribeServer = "UNSUBSCRIBE_SERVER"
	OpTypingStart       = "TYPING_START"
	OpPresenceUpdate    = "PRESENCE_UPDATE"
	OpVoiceStateUpdate  = "VOICE_STATE_UPDATE"
	OpMarkRead          = "MARK_READ"
)

// Server -> client ops.
const (
	OpHello        = "HELLO"
	OpReady        = "READY"
	OpHeartbeatAck = "HEARTBEAT_ACK"
	OpError        = "ERROR"

	OpMessageCreate  = "MESSAGE_CREATE"
	OpMessageUpdate  = "MESSAGE_UPDATE"
	OpMessageDelete  = "MESSAGE_DELETE"
	OpReactionAdd    = "REACTION_ADD"
	OpReactionRemove = "REACTION_REMOVE"
	OpMemberJoin     = "MEMBER_JOIN"
	OpMemberLeave    = "MEMBER_LEAVE"
	OpMemberUpdate   = "MEMBER_UPDATE"
	OpRoleUpdate     = "ROLE_UPDATE"
	OpChannelCreate  = "CHANNEL_CREATE"
	OpChannelUpdate  = "CHANNEL_UPDATE"
	OpChannelDelete  = "CHANNEL_DELETE"
	OpServerUpdate   = "SERVER_UPDATE"
	OpServerDelete   = "SERVER_DELETE"
	OpNewProducer    = "NEW_PRODUCER"
	OpProducerClosed = "PRODUCER_CLOSED"
)

// Close codes are part of the wire contract.
const (
	CloseInternal          = 4000
	CloseIdentifyTimeout   = 4001
	CloseMalformedPayload  = 4002
	CloseNotIdentified     = 4003
	CloseUnknownOp         = 4004
	CloseAlreadyIdentified = 4005
	CloseMissingToken      = 4006
	CloseInvalidToken      = 4007
	CloseUserNotFound      = 4008
	CloseHeartbeatTimeout  = 4009
)

type HelloPayload struct {
	HeartbeatIntervalMs int    `json:"heartbeatIntervalMs"`
	SessionID           string `json:"sessionId"`
}

type IdentifyPayload struct {
	Token string `json:"token"`
}

type HeartbeatPayload struct {
	Seq int64 `json:"seq"`
}

type ErrorPayload struct {
	Code    int    `json:"code"`
	Message string `json:"message,omitempty"`
}

type ReadyPayload struct {
	User      UserInfo          `json:"user"`
	Servers   []ServerInfo      `json:"servers"`
	SessionID string            `json:"sessionId"`
	Presences map[string]string `json:"presences"`
}

type ServerRefPayload struct {
	ServerID string `json:"serverId"`
}

type TypingPayload struct {
	ServerID  string `json:"serverId"`
	ChannelID string `json:"channelId"`
	UserID    string `json:"userId,omitempty"`
}

type PresencePayload struct {
	UserID string `json:"userId,omitempty"`
	Status string `json:"status"`
}

type VoiceStatePayload struct {
	ServerID  string `json:"serverId"`
	ChannelID string `json:"channelId"`
	UserID    string `json:"userId,omitempty"`
	SessionID string `json:"sessionId,omitempty"`
	Muted     bool   `json:"muted"`
	Deafened  bool   `json:"deafened"`
}

type MarkReadPayload struct {
	ChannelID string `json:"channelId"`
	MessageID string `json:"messageId"`
}

func mustEvent(op string, d interface{}) []byte {
	var raw json.RawMessage
	if d != nil {
		b, err := json.Marshal(d)
		if err != nil {
			panic(err)
		}
		raw = b
	}
	b, err := json.Marshal(Event{Op: op, D: raw})
	if err != nil {
		panic(err)
	}
	return b
}

func errorEvent(code int, msg string) []byte {
	return mustEvent(OpError, ErrorPayload{Code: code, Message: msg})
}
