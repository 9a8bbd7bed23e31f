package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"
	"github.com/samber/lo"

	"go-relay/conversation"
	"go-relay/internal/user"
	"go-relay/protocol"
)

const (
	writeWait       = 10 * time.Second    // Time allowed to write a message to the peer.
	pongWait        = 60 * time.Second    // Time allowed to read the next pong message from the peer.
	pingPeriod      = (pongWait * 9) / 10 // Send pings to peer with this period. Must be less than pongWait.
	maxFrameSize    = 16 * 1024           // Maximum frame size allowed from peer.
	backendTimeout  = 5 * time.Second     // Budget for one credential/persistence call.
	presenceTimeout = 2 * time.Second
)

// errSessionClosed signals a clean EXIT; the read loop stops without logging
// a violation.
var errSessionClosed = errors.New("session closed")

// Credentials is the narrow contract the session worker needs from the
// identity backend.
type Credentials interface {
	Register(ctx context.Context, req user.RegisterRequest) error
	Authenticate(ctx context.Context, login, password string) (bool, error)
}

// ConversationRepository is the persistence contract for conversations:
// seeding a login's snapshot at first reference and writing mutations
// through.
type ConversationRepository interface {
	ConversationsFor(ctx context.Context, login string) ([]conversation.Conversation, error)
	SaveConversation(ctx context.Context, c conversation.Conversation) error
	SaveMessage(ctx context.Context, conversationID int, sender, text string) error
	RemoveParticipant(ctx context.Context, conversationID int, login string) error
	DeleteConversation(ctx context.Context, conversationID int) error
}

// Session is one server-side connection worker. It owns the connection's
// read loop, walks the UNAUTHENTICATED -> AUTHENTICATED -> CLOSED state
// machine, and executes protocol commands against the shared store and hub.
type Session struct {
	hub   *Hub
	conn  *websocket.Conn
	send  chan [][]byte
	id    string // connection id for log correlation
	log   *slog.Logger
	creds Credentials
	store *conversation.Store
	repo  ConversationRepository

	login  string
	authed bool
}

// enqueue pushes an event's frames onto this session's own send channel.
// The hub may close the channel when kicking a superseded session, so a
// send on a closed channel is absorbed here.
func (s *Session) enqueue(frames [][]byte) (ok bool) {
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()
	select {
	case s.send <- frames:
		return true
	default:
		return false
	}
}

// readPump pumps protocol messages from the connection through the command
// handlers. A read failure or decode failure is treated like an explicit
// EXIT: deregister, broadcast offline, release the connection.
func (s *Session) readPump() {
	defer func() {
		if s.authed {
			s.hub.Deregister(s)
		}
		s.conn.Close()
	}()

	s.conn.SetReadLimit(maxFrameSize)
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				s.log.Warn("read failed", "err", err)
			}
			return
		}

		pkt, err := protocol.Decode(data)
		if err != nil {
			s.log.Error("protocol violation", "login", s.login, "err", err)
			return
		}

		if err := s.handle(pkt); err != nil {
			if !errors.Is(err, errSessionClosed) {
				s.log.Error("protocol violation", "login", s.login, "command", pkt.Cmd(), "err", err)
			}
			return
		}
	}
}

// writePump pumps queued events to the connection. One frame group is
// written back to back, so an envelope and its trailing payloads stay
// adjacent on the wire. It is the only goroutine writing to the socket.
func (s *Session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()

	for {
		select {
		case frames, ok := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				s.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			for _, frame := range frames {
				if err := s.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
					return
				}
			}

		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (s *Session) handle(pkt protocol.Packet) error {
	if !s.authed {
		switch p := pkt.(type) {
		case protocol.RegisterPacket:
			s.handleRegister(p)
			return nil
		case protocol.LoginPacket:
			s.handleLogin(p)
			return nil
		case protocol.ExitPacket:
			return errSessionClosed
		default:
			// Clients retry after FALSE; the connection stays open.
			s.log.Warn("command before authentication", "command", pkt.Cmd(), "conn", s.id)
			s.replyBool(false)
			return nil
		}
	}

	switch p := pkt.(type) {
	case protocol.MessagePacket:
		return s.handleMessage(p)
	case protocol.HistoryPacket:
		return s.handleHistory(p)
	case protocol.CreateGroupPacket:
		return s.handleCreateGroup(p)
	case protocol.LeaveGroupPacket:
		return s.handleLeaveGroup(p)
	case protocol.ExitPacket:
		return errSessionClosed
	default:
		return fmt.Errorf("command %s not valid on an authenticated session", pkt.Cmd())
	}
}

func (s *Session) replyBool(ok bool) {
	frame, err := protocol.Encode(protocol.BoolPacket{OK: ok})
	if err != nil {
		return
	}
	s.enqueue([][]byte{frame})
}

func (s *Session) handleRegister(p protocol.RegisterPacket) {
	ctx, cancel := context.WithTimeout(context.Background(), backendTimeout)
	defer cancel()

	err := s.creds.Register(ctx, user.RegisterRequest{
		Login:       p.Login,
		Password:    p.Password,
		DisplayName: p.DisplayName,
	})
	if err != nil {
		if errors.Is(err, user.ErrLoginTaken) {
			s.log.Info("registration rejected, login taken", "login", p.Login)
		} else {
			s.log.Warn("registration failed", "login", p.Login, "err", err)
		}
		s.replyBool(false)
		return
	}

	s.log.Info("registered", "login", p.Login)
	s.replyBool(true)
}

func (s *Session) handleLogin(p protocol.LoginPacket) {
	ctx, cancel := context.WithTimeout(context.Background(), backendTimeout)
	defer cancel()

	ok, err := s.creds.Authenticate(ctx, p.Login, p.Password)
	if err != nil {
		// Transient backend trouble surfaces as a failed login, never as a
		// server crash.
		s.log.Error("credential backend unavailable", "login", p.Login, "err", err)
		s.replyBool(false)
		return
	}
	if !ok {
		s.log.Info("login rejected", "login", p.Login)
		s.replyBool(false)
		return
	}

	convs, err := s.repo.ConversationsFor(ctx, p.Login)
	if err != nil {
		s.log.Error("conversation seed failed", "login", p.Login, "err", err)
		s.replyBool(false)
		return
	}
	s.store.Seed(convs)

	s.login = p.Login
	s.authed = true
	s.log = s.log.With("login", p.Login)

	snapshot := s.store.SnapshotForUser(p.Login)
	trueFrame, err := protocol.Encode(protocol.BoolPacket{OK: true})
	if err != nil {
		s.log.Error("encode failed", "err", err)
		return
	}
	snapFrame, err := protocol.EncodeSnapshot(snapshot)
	if err != nil {
		s.log.Error("encode failed", "err", err)
		return
	}

	// The reply and snapshot are queued before hub registration, so no
	// broadcast can reach this client ahead of its snapshot.
	s.enqueue([][]byte{trueFrame, snapFrame})
	s.hub.Register(s)
}

func (s *Session) handleMessage(p protocol.MessagePacket) error {
	if p.Sender != s.login {
		return fmt.Errorf("message sender %q does not match session login %q", p.Sender, s.login)
	}

	if err := s.store.AppendMessage(p.ConversationID, p.Sender, p.Text); err != nil {
		s.log.Warn("message dropped", "conversation", p.ConversationID, "err", err)
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), backendTimeout)
	defer cancel()
	if err := s.repo.SaveMessage(ctx, p.ConversationID, p.Sender, p.Text); err != nil {
		s.log.Error("message persist failed", "conversation", p.ConversationID, "err", err)
	}

	conv, ok := s.store.Lookup(p.ConversationID)
	if !ok {
		return nil
	}

	frame, err := protocol.Encode(p)
	if err != nil {
		return err
	}
	// The sender already displayed its own optimistic echo.
	s.hub.Deliver(lo.Without(conv.Participants, s.login), [][]byte{frame})
	return nil
}

func (s *Session) handleHistory(p protocol.HistoryPacket) error {
	conv, ok := s.store.Lookup(p.ConversationID)
	if !ok || !conv.Has(s.login) {
		s.log.Warn("history request for unknown conversation", "conversation", p.ConversationID)
		return nil
	}

	env, err := protocol.Encode(p)
	if err != nil {
		return err
	}
	body, err := protocol.EncodeMessages(conv.Messages)
	if err != nil {
		return err
	}
	// History goes to the requester only; no broadcast.
	s.enqueue([][]byte{env, body})
	return nil
}

func (s *Session) handleCreateGroup(protocol.CreateGroupPacket) error {
	// The envelope announces a trailing Conversation frame.
	_, data, err := s.conn.ReadMessage()
	if err != nil {
		return fmt.Errorf("read group payload: %w", err)
	}
	proposed, err := protocol.DecodeConversation(data)
	if err != nil {
		return err
	}

	participants := proposed.Participants
	if !lo.Contains(participants, s.login) {
		participants = append(participants, s.login)
	}

	created := s.store.CreateGroup(proposed.Name, participants)

	ctx, cancel := context.WithTimeout(context.Background(), backendTimeout)
	defer cancel()
	if err := s.repo.SaveConversation(ctx, created); err != nil {
		s.log.Error("group persist failed", "conversation", created.ID, "err", err)
	}

	env, err := protocol.Encode(protocol.CreateGroupPacket{ConversationID: created.ID})
	if err != nil {
		return err
	}
	body, err := protocol.EncodeConversation(created)
	if err != nil {
		return err
	}
	// Every listed participant, the initiator included, receives the same
	// (id, Conversation) pair so all mirrors converge identically.
	s.hub.Deliver(created.Participants, [][]byte{env, body})
	s.log.Info("group created", "conversation", created.ID, "name", created.Name)
	return nil
}

func (s *Session) handleLeaveGroup(p protocol.LeaveGroupPacket) error {
	if p.Login != s.login {
		return fmt.Errorf("leave for %q does not match session login %q", p.Login, s.login)
	}

	// Capture the membership before removal: the leaver's own session is
	// part of the broadcast target set.
	conv, ok := s.store.Lookup(p.ConversationID)
	if !ok || !conv.Has(s.login) {
		s.log.Warn("leave for unknown conversation", "conversation", p.ConversationID)
		return nil
	}

	purge, err := s.store.RemoveParticipant(p.ConversationID, s.login)
	if err != nil {
		s.log.Warn("leave dropped", "conversation", p.ConversationID, "err", err)
		return nil
	}
	// A conversation needs at least two members; when the departure leaves
	// fewer, the server purges it. The remaining member's mirror keeps its
	// patched copy, and the burned id guarantees it can never reattach to a
	// different conversation.
	if !purge {
		if cur, ok := s.store.Lookup(p.ConversationID); ok && len(cur.Participants) < 2 {
			s.store.Delete(p.ConversationID)
			purge = true
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), backendTimeout)
	defer cancel()
	if err := s.repo.RemoveParticipant(ctx, p.ConversationID, s.login); err != nil {
		s.log.Error("leave persist failed", "conversation", p.ConversationID, "err", err)
	}
	if purge {
		if err := s.repo.DeleteConversation(ctx, p.ConversationID); err != nil {
			s.log.Error("purge persist failed", "conversation", p.ConversationID, "err", err)
		}
	}

	frame, err := protocol.Encode(p)
	if err != nil {
		return err
	}
	s.hub.Deliver(conv.Participants, [][]byte{frame})
	s.log.Info("left group", "conversation", p.ConversationID, "purged", purge)
	return nil
}
