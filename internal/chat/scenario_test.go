package chat

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"go-relay/client"
	"go-relay/conversation"
	"go-relay/internal/user"
	"go-relay/protocol"
)

// fakeCreds is an in-memory credential backend with plain-text passwords.
type fakeCreds struct {
	mu    sync.Mutex
	users map[string]string
}

func (f *fakeCreds) Register(_ context.Context, req user.RegisterRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.users[req.Login]; ok {
		return user.ErrLoginTaken
	}
	f.users[req.Login] = req.Password
	return nil
}

func (f *fakeCreds) Authenticate(_ context.Context, login, password string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	pw, ok := f.users[login]
	return ok && pw == password, nil
}

// fakeRepo drops every write; the store is the only state.
type fakeRepo struct{}

func (fakeRepo) ConversationsFor(context.Context, string) ([]conversation.Conversation, error) {
	return nil, nil
}
func (fakeRepo) SaveConversation(context.Context, conversation.Conversation) error { return nil }
func (fakeRepo) SaveMessage(context.Context, int, string, string) error            { return nil }
func (fakeRepo) RemoveParticipant(context.Context, int, string) error              { return nil }
func (fakeRepo) DeleteConversation(context.Context, int) error                     { return nil }

type presenceEvent struct {
	login  string
	online bool
}

type messageEvent struct {
	sender         string
	text           string
	conversationID int
}

type historyEvent struct {
	conversationID int
	messages       []conversation.Message
}

type groupEvent struct {
	name           string
	conversationID int
}

// recorder funnels every engine hook into buffered channels the test can
// await on.
type recorder struct {
	presence chan presenceEvent
	messages chan messageEvent
	history  chan historyEvent
	groups   chan groupEvent
	left     chan string
}

func newRecorder() *recorder {
	return &recorder{
		presence: make(chan presenceEvent, 16),
		messages: make(chan messageEvent, 16),
		history:  make(chan historyEvent, 16),
		groups:   make(chan groupEvent, 16),
		left:     make(chan string, 16),
	}
}

func (r *recorder) OnPresenceChanged(login string, online bool) {
	r.presence <- presenceEvent{login: login, online: online}
}

func (r *recorder) OnMessage(sender, text string, conversationID int) {
	r.messages <- messageEvent{sender: sender, text: text, conversationID: conversationID}
}

func (r *recorder) OnHistory(conversationID int, messages []conversation.Message) {
	r.history <- historyEvent{conversationID: conversationID, messages: messages}
}

func (r *recorder) OnGroupCreated(name string, conversationID int) {
	r.groups <- groupEvent{name: name, conversationID: conversationID}
}

func (r *recorder) OnGroupLeft(conversationName string) {
	r.left <- conversationName
}

func await[T any](t *testing.T, ch <-chan T, what string) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
		return *new(T)
	}
}

type testServer struct {
	store *conversation.Store
	url   string
}

func startServer(t *testing.T) *testServer {
	t.Helper()

	store := conversation.NewStore()
	hub := NewHub(testLogger(), store, nil)
	go hub.Run()

	handler := NewHandler(hub, store, fakeRepo{}, &fakeCreds{users: make(map[string]string)},
		nil, testLogger(), 32)
	srv := httptest.NewServer(http.HandlerFunc(handler.ServeWs))
	t.Cleanup(func() {
		srv.Close()
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		hub.Shutdown(ctx)
	})

	return &testServer{
		store: store,
		url:   "ws" + strings.TrimPrefix(srv.URL, "http"),
	}
}

// connectUser registers and logs a fresh user in over the real protocol.
func connectUser(t *testing.T, ts *testServer, login string) (*client.Engine, *recorder) {
	t.Helper()

	rec := newRecorder()
	engine := client.NewEngine(ts.url, rec, testLogger())
	require.NoError(t, engine.Connect())
	t.Cleanup(func() { engine.Close() })

	ok, err := engine.Register(login, "secret123", "User "+login)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = engine.Login(login, "secret123")
	require.NoError(t, err)
	require.True(t, ok)

	return engine, rec
}

func TestTwoClientConversation(t *testing.T) {
	ts := startServer(t)

	alice, aliceRec := connectUser(t, ts, "alice")
	bob, bobRec := connectUser(t, ts, "bob")

	require.Equal(t, "alice", alice.Self())
	require.Empty(t, alice.Conversations())

	// Alice proposes a group; the server assigns the id and pushes the
	// created conversation to every participant, the initiator included.
	require.NoError(t, alice.CreateGroup("team", []string{"bob"}))

	aliceGroup := await(t, aliceRec.groups, "alice's group event")
	bobGroup := await(t, bobRec.groups, "bob's group event")
	require.Equal(t, aliceGroup, bobGroup)
	require.Equal(t, "team", aliceGroup.name)

	convID := aliceGroup.conversationID
	conv, ok := bob.Conversation(convID)
	require.True(t, ok)
	require.ElementsMatch(t, []string{"alice", "bob"}, conv.Participants)

	// The sender sees its own message immediately; nothing echoes back.
	require.NoError(t, alice.SendMessage(convID, "hello bob"))
	conv, _ = alice.Conversation(convID)
	require.Equal(t, []conversation.Message{{Sender: "alice", Text: "hello bob"}}, conv.Messages)

	msg := await(t, bobRec.messages, "bob's message event")
	require.Equal(t, messageEvent{sender: "alice", text: "hello bob", conversationID: convID}, msg)
	conv, _ = bob.Conversation(convID)
	require.Equal(t, []conversation.Message{{Sender: "alice", Text: "hello bob"}}, conv.Messages)

	// History replaces the mirror's log with the server's ordered copy.
	require.NoError(t, bob.GetHistory(convID))
	hist := await(t, bobRec.history, "bob's history event")
	require.Equal(t, convID, hist.conversationID)
	require.Equal(t, []conversation.Message{{Sender: "alice", Text: "hello bob"}}, hist.messages)

	// Dropping the connection counts as going offline for everyone sharing
	// a conversation with bob.
	require.NoError(t, bob.Close())
	ev := await(t, aliceRec.presence, "bob's offline event")
	require.Equal(t, presenceEvent{login: "bob", online: false}, ev)
}

func TestDuplicateRegistrationRejected(t *testing.T) {
	ts := startServer(t)

	rec := newRecorder()
	engine := client.NewEngine(ts.url, rec, testLogger())
	require.NoError(t, engine.Connect())
	t.Cleanup(func() { engine.Close() })

	ok, err := engine.Register("alice", "secret123", "Alice")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = engine.Register("alice", "other-password", "Impostor")
	require.NoError(t, err)
	require.False(t, ok)

	// The connection survives the rejection.
	ok, err = engine.Login("alice", "secret123")
	require.NoError(t, err)
	require.True(t, ok)
}

func TestLoginSnapshotRebuildsMirror(t *testing.T) {
	ts := startServer(t)

	alice, aliceRec := connectUser(t, ts, "alice")
	_, bobRec := connectUser(t, ts, "bob")

	require.NoError(t, alice.CreateGroup("team", []string{"bob"}))
	g := await(t, aliceRec.groups, "group event")
	await(t, bobRec.groups, "bob's group event")
	require.NoError(t, alice.SendMessage(g.conversationID, "persisted"))
	// Bob's delivery proves the server has applied the message.
	await(t, bobRec.messages, "bob's message event")

	// A second login from elsewhere kicks the first session and receives
	// the full conversation set in its snapshot.
	rec := newRecorder()
	again := client.NewEngine(ts.url, rec, testLogger())
	require.NoError(t, again.Connect())
	t.Cleanup(func() { again.Close() })

	ok, err := again.Login("alice", "secret123")
	require.NoError(t, err)
	require.True(t, ok)

	conv, found := again.Conversation(g.conversationID)
	require.True(t, found)
	require.Equal(t, "team", conv.Name)
	require.Equal(t, []conversation.Message{{Sender: "alice", Text: "persisted"}}, conv.Messages)
}

func TestLeaveGroupSemantics(t *testing.T) {
	ts := startServer(t)

	carol, carolRec := connectUser(t, ts, "carol")
	dave, daveRec := connectUser(t, ts, "dave")
	erin, erinRec := connectUser(t, ts, "erin")

	require.NoError(t, carol.CreateGroup("trio", []string{"dave", "erin"}))
	g := await(t, carolRec.groups, "carol's group event")
	await(t, daveRec.groups, "dave's group event")
	await(t, erinRec.groups, "erin's group event")
	convID := g.conversationID

	// Dave leaves a group of three: the conversation survives, dave's own
	// mirror drops it, the others' mirrors lose the participant.
	require.NoError(t, dave.LeaveGroup(convID))
	left := await(t, daveRec.left, "dave's leave confirmation")
	require.Equal(t, "trio", left)
	_, ok := dave.Conversation(convID)
	require.False(t, ok)

	require.Eventually(t, func() bool {
		conv, ok := carol.Conversation(convID)
		return ok && !conv.Has("dave")
	}, 2*time.Second, 10*time.Millisecond, "carol's mirror still lists dave")

	_, ok = ts.store.Lookup(convID)
	require.True(t, ok, "two members remain, the conversation must survive")

	// Erin leaves too: fewer than two members remain, the server purges the
	// conversation. Carol's mirror keeps its patched copy; the id is burned.
	require.NoError(t, erin.LeaveGroup(convID))
	await(t, erinRec.left, "erin's leave confirmation")

	require.Eventually(t, func() bool {
		conv, ok := carol.Conversation(convID)
		return ok && len(conv.Participants) == 1 && conv.Has("carol")
	}, 2*time.Second, 10*time.Millisecond, "carol's mirror still lists erin")

	require.Eventually(t, func() bool {
		_, ok := ts.store.Lookup(convID)
		return !ok
	}, 2*time.Second, 10*time.Millisecond, "server kept a conversation below two members")

	// The purged id is never handed out again.
	require.NoError(t, carol.CreateGroup("fresh", []string{"dave"}))
	fresh := await(t, carolRec.groups, "carol's new group event")
	require.Greater(t, fresh.conversationID, convID)
}

func TestCommandBeforeLoginGetsFalse(t *testing.T) {
	ts := startServer(t)

	rec := newRecorder()
	engine := client.NewEngine(ts.url, rec, testLogger())
	require.NoError(t, engine.Connect())
	t.Cleanup(func() { engine.Close() })

	// The engine refuses to send before login; the state machine on the
	// server side is covered by the login-after-rejection path.
	require.ErrorIs(t, engine.SendMessage(1, "too early"), client.ErrNotLoggedIn)
	require.ErrorIs(t, engine.GetHistory(1), client.ErrNotLoggedIn)
	require.ErrorIs(t, engine.LeaveGroup(1), client.ErrNotLoggedIn)

	ok, err := engine.Login("ghost", "whatever")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestServerRepliesFalseBeforeAuthentication(t *testing.T) {
	ts := startServer(t)

	conn, _, err := websocket.DefaultDialer.Dial(ts.url, nil)
	require.NoError(t, err)
	defer conn.Close()

	send := func(p protocol.Packet) {
		frame, err := protocol.Encode(p)
		require.NoError(t, err)
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, frame))
	}
	recv := func() protocol.Packet {
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
		_, data, err := conn.ReadMessage()
		require.NoError(t, err)
		pkt, err := protocol.Decode(data)
		require.NoError(t, err)
		return pkt
	}

	// Non-auth commands before login earn FALSE, not a teardown.
	send(protocol.MessagePacket{Sender: "ghost", ConversationID: 1, Text: "too early"})
	require.Equal(t, protocol.BoolPacket{OK: false}, recv())

	send(protocol.HistoryPacket{ConversationID: 1})
	require.Equal(t, protocol.BoolPacket{OK: false}, recv())

	// The same connection still authenticates normally afterwards.
	send(protocol.RegisterPacket{Login: "ghost", Password: "secret123", DisplayName: "Ghost"})
	require.Equal(t, protocol.BoolPacket{OK: true}, recv())

	send(protocol.LoginPacket{Login: "ghost", Password: "secret123"})
	require.Equal(t, protocol.BoolPacket{OK: true}, recv())

	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	snapshot, err := protocol.DecodeSnapshot(data)
	require.NoError(t, err)
	require.Empty(t, snapshot)
}
