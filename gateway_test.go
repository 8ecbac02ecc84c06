package main

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeStore struct {
	fakePermSource

	users   map[string]*User
	servers map[string][]Server        // userID -> servers
	members map[string]map[string]bool // serverID -> userID set
	marks   map[string]string          // userID+channelID -> messageID
}

var _ dataStore = (*fakeStore)(nil)

func newFakeStore() *fakeStore {
	return &fakeStore{
		users:   map[string]*User{},
		servers: map[string][]Server{},
		members: map[string]map[string]bool{},
		marks:   map[string]string{},
	}
}

func (f *fakeStore) addMember(srv Server, userID string) {
	f.servers[userID] = append(f.servers[userID], srv)
	if f.members[srv.ServersID] == nil {
		f.members[srv.ServersID] = map[string]bool{}
	}
	f.members[srv.ServersID][userID] = true
}

func (f *fakeStore) UserByID(_ context.Context, userID string) (*User, error) {
	u, ok := f.users[userID]
	if !ok {
		return nil, ErrNotFound
	}
	return u, nil
}

func (f *fakeStore) ServersForUser(_ context.Context, userID string) ([]Server, error) {
	return f.servers[userID], nil
}

func (f *fakeStore) IsMember(_ context.Context, serverID, userID string) (bool, error) {
	return f.members[serverID][userID], nil
}

func (f *fakeStore) CoMemberIDs(_ context.Context, serverIDs []string, excludeUserID string) ([]string, error) {
	seen := map[string]bool{}
	out := []string{}
	for _, sid := range serverIDs {
		for uid := range f.members[sid] {
			if uid == excludeUserID || seen[uid] {
				continue
			}
			seen[uid] = true
			out = append(out, uid)
		}
	}
	return out, nil
}

func (f *fakeStore) MarkRead(_ context.Context, userID, channelID, messageID string) error {
	f.marks[userID+"/"+channelID] = messageID
	return nil
}

type fakeKV struct {
	data map[string]string
}

func (f *fakeKV) Set(_ context.Context, key, value string) error {
	f.data[key] = value
	return nil
}

func (f *fakeKV) MGet(_ context.Context, keys ...string) ([]string, error) {
	out := make([]string, len(keys))
	for i, k := range keys {
		out[i] = f.data[k]
	}
	return out, nil
}

type fakeVerifier struct {
	tokens map[string]string // token -> userID
}

func (f *fakeVerifier) Verify(token string) (string, string, error) {
	if token == "" {
		return "", "", ErrMissingToken
	}
	uid, ok := f.tokens[token]
	if !ok {
		return "", "", ErrInvalidToken
	}
	return uid, "user-" + uid, nil
}

func newTestNode(name string, fb *fakeBus, fs *fakeStore, kv *fakeKV) *Node {
	n := &Node{
		registry: NewRegistry(),
		store:    fs,
		presence: &Presence{kv: kv},
		verifier: &fakeVerifier{tokens: map[string]string{"tok-u1": "u1", "tok-u2": "u2"}},
		log:      zap.S().With("node", name),
	}
	n.bridge = NewBridge(name, fb)
	n.voice = NewVoice(n.bridge)
	n.perms = NewPerms(fs)
	fb.attach(n.busEvent)
	return n
}

func awaitingClient(n *Node, session string) *Client {
	c := testClient("", session)
	c.node = n
	c.state = stateAwaitingIdentify
	return c
}

func decodeFrames(t *testing.T, c *Client) []Event {
	t.Helper()
	evs := []Event{}
	for _, raw := range drain(c) {
		var ev Event
		require.NoError(t, json.Unmarshal(raw, &ev))
		evs = append(evs, ev)
	}
	return evs
}

func findFrame(evs []Event, op string) (Event, bool) {
	for _, ev := range evs {
		if ev.Op == op {
			return ev, true
		}
	}
	return Event{}, false
}

func errorCode(t *testing.T, ev Event) int {
	t.Helper()
	var p ErrorPayload
	require.NoError(t, json.Unmarshal(ev.D, &p))
	return p.Code
}

func identifyFrame(token string) []byte {
	return []byte(`{"op":"IDENTIFY","d":{"token":"` + token + `"}}`)
}

func setupIdentified(t *testing.T) (*Node, *fakeStore, *fakeKV, *fakeBus, *Client) {
	t.Helper()
	fs := newFakeStore()
	fs.owner = "owner"
	fs.users["u1"] = &User{UsersID: "u1", Username: "alice"}
	fs.users["u2"] = &User{UsersID: "u2", Username: "bob"}
	fs.addMember(Server{ServersID: "s1", Name: "general", OwnerID: "owner"}, "u1")
	fs.addMember(Server{ServersID: "s1", Name: "general", OwnerID: "owner"}, "u2")
	kv := &fakeKV{data: map[string]string{}}
	fb := newFakeBus()
	n := newTestNode("n1", fb, fs, kv)

	c := awaitingClient(n, "sess-1")
	n.handle(c, identifyFrame("tok-u1"))

	evs := decodeFrames(t, c)
	_, ok := findFrame(evs, OpReady)
	require.True(t, ok, "expected READY")
	return n, fs, kv, fb, c
}

func TestHandleMalformedJSON(t *testing.T) {
	n := newTestNode("n1", newFakeBus(), newFakeStore(), &fakeKV{data: map[string]string{}})
	c := awaitingClient(n, "sess-1")

	n.handle(c, []byte("{nope"))

	evs := decodeFrames(t, c)
	require.Len(t, evs, 1)
	assert.Equal(t, OpError, evs[0].Op)
	assert.Equal(t, CloseMalformedPayload, errorCode(t, evs[0]))
	assert.Equal(t, stateAwaitingIdentify, c.state)
}

func TestHandleOpBeforeIdentify(t *testing.T) {
	n := newTestNode("n1", newFakeBus(), newFakeStore(), &fakeKV{data: map[string]string{}})
	c := awaitingClient(n, "sess-1")

	n.handle(c, []byte(`{"op":"HEARTBEAT","d":{"seq":1}}`))

	evs := decodeFrames(t, c)
	require.Len(t, evs, 1)
	assert.Equal(t, CloseNotIdentified, errorCode(t, evs[0]))
	assert.Equal(t, stateAwaitingIdentify, c.state, "connection stays open")
}

func TestIdentifyMissingToken(t *testing.T) {
	n := newTestNode("n1", newFakeBus(), newFakeStore(), &fakeKV{data: map[string]string{}})
	c := awaitingClient(n, "sess-1")

	n.handle(c, identifyFrame(""))

	evs := decodeFrames(t, c)
	require.NotEmpty(t, evs)
	assert.Equal(t, CloseMissingToken, errorCode(t, evs[0]))
	assert.Equal(t, stateClosed, c.state)
}

func TestIdentifyInvalidToken(t *testing.T) {
	n := newTestNode("n1", newFakeBus(), newFakeStore(), &fakeKV{data: map[string]string{}})
	c := awaitingClient(n, "sess-1")

	n.handle(c, identifyFrame("garbage"))

	evs := decodeFrames(t, c)
	require.NotEmpty(t, evs)
	assert.Equal(t, CloseInvalidToken, errorCode(t, evs[0]))
	assert.Equal(t, stateClosed, c.state)
}

func TestIdentifyUnknownUser(t *testing.T) {
	fs := newFakeStore() // token valid, no user row
	n := newTestNode("n1", newFakeBus(), fs, &fakeKV{data: map[string]string{}})
	c := awaitingClient(n, "sess-1")

	n.handle(c, identifyFrame("tok-u1"))

	evs := decodeFrames(t, c)
	require.NotEmpty(t, evs)
	assert.Equal(t, CloseUserNotFound, errorCode(t, evs[0]))
	assert.Equal(t, stateClosed, c.state)
}

func TestIdentifySuccess(t *testing.T) {
	_, _, kv, fb, c := setupIdentified(t)

	assert.Equal(t, stateReady, c.state)
	assert.Equal(t, "u1", c.user)
	assert.Equal(t, StatusOnline, kv.data[presenceKey("u1")])
	assert.True(t, fb.subscribed[serverTopic("s1")])
	assert.True(t, fb.subscribed[userTopic("u1")])
}

func TestReadyPayloadContents(t *testing.T) {
	fs := newFakeStore()
	fs.users["u1"] = &User{UsersID: "u1", Username: "alice"}
	fs.users["u2"] = &User{UsersID: "u2", Username: "bob"}
	fs.addMember(Server{ServersID: "s1", Name: "general"}, "u1")
	fs.addMember(Server{ServersID: "s1", Name: "general"}, "u2")
	kv := &fakeKV{data: map[string]string{presenceKey("u2"): StatusIdle}}
	n := newTestNode("n1", newFakeBus(), fs, kv)

	c := awaitingClient(n, "sess-1")
	n.handle(c, identifyFrame("tok-u1"))

	ready, ok := findFrame(decodeFrames(t, c), OpReady)
	require.True(t, ok)
	var p ReadyPayload
	require.NoError(t, json.Unmarshal(ready.D, &p))
	assert.Equal(t, "u1", p.User.ID)
	assert.Equal(t, "alice", p.User.Username)
	assert.Equal(t, "sess-1", p.SessionID)
	require.Len(t, p.Servers, 1)
	assert.Equal(t, "s1", p.Servers[0].ID)
	assert.Equal(t, StatusIdle, p.Presences["u2"])
}

func TestIdentifyTwiceCloses(t *testing.T) {
	n, _, _, _, c := setupIdentified(t)

	n.handle(c, identifyFrame("tok-u1"))

	evs := decodeFrames(t, c)
	ev, ok := findFrame(evs, OpError)
	require.True(t, ok)
	assert.Equal(t, CloseAlreadyIdentified, errorCode(t, ev))
	assert.Equal(t, stateClosed, c.state)
}

func TestHeartbeat(t *testing.T) {
	n, _, _, _, c := setupIdentified(t)

	n.handle(c, []byte(`{"op":"HEARTBEAT","d":{"seq":42}}`))

	evs := decodeFrames(t, c)
	_, ok := findFrame(evs, OpHeartbeatAck)
	assert.True(t, ok)
	assert.Equal(t, int64(42), c.lastSeq)
}

func TestUnknownOp(t *testing.T) {
	n, _, _, _, c := setupIdentified(t)

	n.handle(c, []byte(`{"op":"NO_SUCH_OP","d":{}}`))

	evs := decodeFrames(t, c)
	ev, ok := findFrame(evs, OpError)
	require.True(t, ok)
	assert.Equal(t, CloseUnknownOp, errorCode(t, ev))
	assert.Equal(t, stateReady, c.state, "connection stays open")
}

func TestIdentifyDeadline(t *testing.T) {
	n := newTestNode("n1", newFakeBus(), newFakeStore(), &fakeKV{data: map[string]string{}})
	c := awaitingClient(n, "sess-1")

	n.identifyDeadline(c)

	evs := decodeFrames(t, c)
	require.NotEmpty(t, evs)
	assert.Equal(t, CloseIdentifyTimeout, errorCode(t, evs[0]))
	assert.Equal(t, stateClosed, c.state)
}

func TestIdentifyDeadlineAfterReady(t *testing.T) {
	n, _, _, _, c := setupIdentified(t)

	n.identifyDeadline(c)

	assert.Equal(t, stateReady, c.state)
	assert.Empty(t, drain(c))
}

func TestStaleHeartbeat(t *testing.T) {
	_, _, _, _, c := setupIdentified(t)
	base := time.Now()
	c.mu.Lock()
	c.lastHeartbeat = base
	c.mu.Unlock()

	assert.False(t, c.staleHeartbeat(base.Add(45*time.Second)))
	assert.False(t, c.staleHeartbeat(base.Add(60*time.Second)))
	assert.True(t, c.staleHeartbeat(base.Add(61*time.Second)))
}

func TestStaleHeartbeatIgnoresUnidentified(t *testing.T) {
	n := newTestNode("n1", newFakeBus(), newFakeStore(), &fakeKV{data: map[string]string{}})
	c := awaitingClient(n, "sess-1")
	assert.False(t, c.staleHeartbeat(time.Now().Add(time.Hour)))
}

func TestSubscribeServerRequiresMembership(t *testing.T) {
	n, fs, _, fb, c := setupIdentified(t)
	fs.addMember(Server{ServersID: "s2", Name: "other"}, "u2") // u1 not a member

	n.handle(c, []byte(`{"op":"SUBSCRIBE_SERVER","d":{"serverId":"s2"}}`))

	assert.False(t, fb.subscribed[serverTopic("s2")])

	fs.members["s2"]["u1"] = true
	n.handle(c, []byte(`{"op":"SUBSCRIBE_SERVER","d":{"serverId":"s2"}}`))
	assert.True(t, fb.subscribed[serverTopic("s2")])
	assert.True(t, n.registry.HasLocalSubscribers("s2"))
}

func TestUnsubscribeServerOp(t *testing.T) {
	n, _, _, fb, c := setupIdentified(t)

	n.handle(c, []byte(`{"op":"UNSUBSCRIBE_SERVER","d":{"serverId":"s1"}}`))

	assert.False(t, n.registry.HasLocalSubscribers("s1"))
	assert.False(t, fb.subscribed[serverTopic("s1")])
}

func TestMarkRead(t *testing.T) {
	n, fs, _, _, c := setupIdentified(t)

	n.handle(c, []byte(`{"op":"MARK_READ","d":{"channelId":"c1","messageId":"m9"}}`))

	assert.Equal(t, "m9", fs.marks["u1/c1"])
}

func TestPresenceUpdateOp(t *testing.T) {
	n, _, kv, _, c := setupIdentified(t)

	n.handle(c, []byte(`{"op":"PRESENCE_UPDATE","d":{"status":"dnd"}}`))

	assert.Equal(t, StatusDnd, kv.data[presenceKey("u1")])
}

func TestPresenceUpdateBadStatus(t *testing.T) {
	n, _, _, _, c := setupIdentified(t)

	n.handle(c, []byte(`{"op":"PRESENCE_UPDATE","d":{"status":"sleeping"}}`))

	ev, ok := findFrame(decodeFrames(t, c), OpError)
	require.True(t, ok)
	assert.Equal(t, CloseMalformedPayload, errorCode(t, ev))
}

func TestHandlerPanicReportsInternal(t *testing.T) {
	n, _, _, _, c := setupIdentified(t)
	// Force a panic inside a handler: a nil store interface blows up on
	// the first call.
	n.store = nil

	assert.NotPanics(t, func() {
		n.handle(c, []byte(`{"op":"MARK_READ","d":{"channelId":"c1","messageId":"m1"}}`))
	})
	ev, ok := findFrame(decodeFrames(t, c), OpError)
	require.True(t, ok)
	assert.Equal(t, CloseInternal, errorCode(t, ev))
	assert.Equal(t, stateReady, c.state, "one bad event must not kill the session")
}

func TestDisconnectCleanup(t *testing.T) {
	n, _, kv, fb, c := setupIdentified(t)

	n.disconnect(c)

	assert.Equal(t, StatusOffline, kv.data[presenceKey("u1")])
	assert.False(t, fb.subscribed[serverTopic("s1")])
	assert.False(t, fb.subscribed[userTopic("u1")])
	assert.Equal(t, 0, n.registry.ConnCount())

	// A racing second disconnect must not double-unsubscribe.
	n.disconnect(c)
	assert.Equal(t, 1, fb.unsubCount[serverTopic("s1")])
	assert.Equal(t, 1, fb.unsubCount[userTopic("u1")])
}

func TestDisconnectKeepsOtherLocalSubscribers(t *testing.T) {
	n, _, _, fb, c := setupIdentified(t)

	c2 := awaitingClient(n, "sess-2")
	n.handle(c2, identifyFrame("tok-u2"))
	require.Equal(t, stateReady, c2.state)

	n.disconnect(c)

	assert.True(t, fb.subscribed[serverTopic("s1")], "u2 still needs the topic")
	assert.True(t, n.registry.HasLocalSubscribers("s1"))
}
