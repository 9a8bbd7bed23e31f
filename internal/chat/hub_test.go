package chat

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"go-relay/conversation"
	"go-relay/protocol"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestHub(t *testing.T, store *conversation.Store) *Hub {
	t.Helper()
	h := NewHub(testLogger(), store, nil)
	go h.Run()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		h.Shutdown(ctx)
	})
	return h
}

func newTestSession(login string, buffer int) *Session {
	return &Session{
		login: login,
		id:    login + "-conn",
		send:  make(chan [][]byte, buffer),
		log:   testLogger(),
	}
}

func recvFrames(t *testing.T, ch chan [][]byte) [][]byte {
	t.Helper()
	select {
	case frames, ok := <-ch:
		require.True(t, ok, "send channel closed unexpectedly")
		return frames
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for frames")
		return nil
	}
}

func requireClosed(t *testing.T, ch chan [][]byte) {
	t.Helper()
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				return
			}
			// Drain buffered frames until the close is visible.
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for channel close")
		}
	}
}

func decodeFrame(t *testing.T, frame []byte) protocol.Packet {
	t.Helper()
	pkt, err := protocol.Decode(frame)
	require.NoError(t, err)
	return pkt
}

func TestDeliverReachesOnlineTargetsOnly(t *testing.T) {
	h := newTestHub(t, conversation.NewStore())

	alice := newTestSession("alice", 4)
	h.Register(alice)

	frame, err := protocol.Encode(protocol.MessagePacket{Sender: "bob", ConversationID: 1, Text: "hi"})
	require.NoError(t, err)

	h.Deliver([]string{"alice", "ghost"}, [][]byte{frame})

	got := recvFrames(t, alice.send)
	require.Len(t, got, 1)
	require.Equal(t, protocol.MessagePacket{Sender: "bob", ConversationID: 1, Text: "hi"}, decodeFrame(t, got[0]))
}

func TestFrameGroupStaysTogether(t *testing.T) {
	h := newTestHub(t, conversation.NewStore())

	alice := newTestSession("alice", 4)
	h.Register(alice)

	env, err := protocol.Encode(protocol.CreateGroupPacket{ConversationID: 3})
	require.NoError(t, err)
	body, err := protocol.EncodeConversation(conversation.Conversation{ID: 3, Name: "team"})
	require.NoError(t, err)

	h.Deliver([]string{"alice"}, [][]byte{env, body})

	got := recvFrames(t, alice.send)
	require.Len(t, got, 2)
	require.Equal(t, protocol.CreateGroupPacket{ConversationID: 3}, decodeFrame(t, got[0]))
}

func TestRegisterBroadcastsOnlineToPeers(t *testing.T) {
	store := conversation.NewStore()
	store.CreateGroup("ab", []string{"alice", "bob"})
	h := newTestHub(t, store)

	alice := newTestSession("alice", 4)
	h.Register(alice)

	bob := newTestSession("bob", 4)
	h.Register(bob)

	got := recvFrames(t, alice.send)
	require.Len(t, got, 1)
	require.Equal(t, protocol.PresencePacket{Login: "bob", Online: true}, decodeFrame(t, got[0]))
}

func TestDeregisterBroadcastsOffline(t *testing.T) {
	store := conversation.NewStore()
	store.CreateGroup("ab", []string{"alice", "bob"})
	h := newTestHub(t, store)

	alice := newTestSession("alice", 4)
	bob := newTestSession("bob", 4)
	h.Register(alice)
	h.Register(bob)
	recvFrames(t, alice.send) // bob's ONLINE

	h.Deregister(bob)
	requireClosed(t, bob.send)

	got := recvFrames(t, alice.send)
	require.Equal(t, protocol.PresencePacket{Login: "bob", Online: false}, decodeFrame(t, got[0]))
}

func TestSecondLoginKicksFirstSession(t *testing.T) {
	h := newTestHub(t, conversation.NewStore())

	first := newTestSession("alice", 4)
	second := newTestSession("alice", 4)
	h.Register(first)
	h.Register(second)

	requireClosed(t, first.send)

	// The kicked session's own deregister must not disturb the replacement.
	h.Deregister(first)

	frame, err := protocol.Encode(protocol.MessagePacket{Sender: "bob", ConversationID: 1, Text: "still here"})
	require.NoError(t, err)
	h.Deliver([]string{"alice"}, [][]byte{frame})

	got := recvFrames(t, second.send)
	require.Equal(t, protocol.MessagePacket{Sender: "bob", ConversationID: 1, Text: "still here"}, decodeFrame(t, got[0]))
}

func TestSlowConsumerIsDropped(t *testing.T) {
	h := newTestHub(t, conversation.NewStore())

	alice := newTestSession("alice", 1)
	h.Register(alice)

	frame, err := protocol.Encode(protocol.MessagePacket{Sender: "bob", ConversationID: 1, Text: "x"})
	require.NoError(t, err)

	// First fills the buffer, second finds it full and tears the session down.
	h.Deliver([]string{"alice"}, [][]byte{frame})
	h.Deliver([]string{"alice"}, [][]byte{frame})

	requireClosed(t, alice.send)
}

// fakePresence records presence flips on channels.
type fakePresence struct {
	online  chan string
	offline chan string
}

func newFakePresence() *fakePresence {
	return &fakePresence{
		online:  make(chan string, 16),
		offline: make(chan string, 16),
	}
}

func (f *fakePresence) MarkOnline(_ context.Context, login string) error {
	f.online <- login
	return nil
}

func (f *fakePresence) MarkOffline(_ context.Context, login string) error {
	f.offline <- login
	return nil
}

func recvLogin(t *testing.T, ch chan string) string {
	t.Helper()
	select {
	case login := <-ch:
		return login
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for presence update")
		return ""
	}
}

func TestDroppedSlowConsumerBroadcastsOffline(t *testing.T) {
	store := conversation.NewStore()
	store.CreateGroup("shared", []string{"peer", "slow"})
	fp := newFakePresence()
	h := NewHub(testLogger(), store, fp)
	go h.Run()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		h.Shutdown(ctx)
	})

	peer := newTestSession("peer", 8)
	slow := newTestSession("slow", 1)
	h.Register(peer)
	h.Register(slow)
	recvFrames(t, peer.send) // slow's ONLINE
	recvLogin(t, fp.online)  // peer
	recvLogin(t, fp.online)  // slow

	frame, err := protocol.Encode(protocol.MessagePacket{Sender: "peer", ConversationID: 1, Text: "x"})
	require.NoError(t, err)

	// First fills slow's buffer, second finds it full and tears the session
	// down. The drop must do the full deregister bookkeeping.
	h.Deliver([]string{"slow"}, [][]byte{frame})
	h.Deliver([]string{"slow"}, [][]byte{frame})

	requireClosed(t, slow.send)
	got := recvFrames(t, peer.send)
	require.Equal(t, protocol.PresencePacket{Login: "slow", Online: false}, decodeFrame(t, got[0]))
	require.Equal(t, "slow", recvLogin(t, fp.offline))

	// The victim's own deregister finds no registry entry and must not
	// broadcast a second OFFLINE.
	h.Deregister(slow)
	select {
	case frames := <-peer.send:
		t.Fatalf("unexpected frames after no-op deregister: %s", frames[0])
	case <-time.After(100 * time.Millisecond):
	}
}

// blockingPresence stalls MarkOnline until released or the call times out.
type blockingPresence struct {
	release chan struct{}
}

func (p *blockingPresence) MarkOnline(ctx context.Context, _ string) error {
	select {
	case <-p.release:
	case <-ctx.Done():
	}
	return nil
}

func (p *blockingPresence) MarkOffline(context.Context, string) error { return nil }

func TestStalledPresenceBackendDoesNotBlockDeliveries(t *testing.T) {
	bp := &blockingPresence{release: make(chan struct{})}
	h := NewHub(testLogger(), conversation.NewStore(), bp)
	go h.Run()
	t.Cleanup(func() {
		close(bp.release)
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		h.Shutdown(ctx)
	})

	alice := newTestSession("alice", 4)
	start := time.Now()
	h.Register(alice)

	frame, err := protocol.Encode(protocol.MessagePacket{Sender: "bob", ConversationID: 1, Text: "hi"})
	require.NoError(t, err)
	h.Deliver([]string{"alice"}, [][]byte{frame})

	recvFrames(t, alice.send)
	require.Less(t, time.Since(start), time.Second,
		"delivery waited on the presence backend")
}

func TestShutdownClosesAllSessions(t *testing.T) {
	h := NewHub(testLogger(), conversation.NewStore(), nil)
	go h.Run()

	alice := newTestSession("alice", 4)
	bob := newTestSession("bob", 4)
	h.Register(alice)
	h.Register(bob)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, h.Shutdown(ctx))

	requireClosed(t, alice.send)
	requireClosed(t, bob.send)
}
