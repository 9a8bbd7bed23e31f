// Package client implements the client side of the relay protocol: one
// synchronous request path, one concurrent inbound event loop, and a local
// mirror of the logged-in user's conversations. The presentation layer
// consumes the Engine and receives state changes through the Handler hooks.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/samber/lo"

	"go-relay/conversation"
	"go-relay/protocol"
)

const writeWait = 10 * time.Second

var (
	ErrNotConnected = errors.New("not connected")
	ErrLoggedIn     = errors.New("already logged in")
	ErrNotLoggedIn  = errors.New("not logged in")
)

// Handler receives decoded inbound events after the mirror has been
// patched. Implementations run on the read loop goroutine and should return
// quickly.
type Handler interface {
	OnPresenceChanged(login string, online bool)
	OnMessage(sender, text string, conversationID int)
	OnHistory(conversationID int, messages []conversation.Message)
	OnGroupCreated(name string, conversationID int)
	OnGroupLeft(conversationName string)
}

// Engine drives one connection to the relay server.
//
// Register and Login are the only synchronous request/response exchanges;
// they run before the event loop starts. Everything after login is
// fire-and-forget on the request path, with effects arriving later as
// events on the read loop. The two paths never block each other: the read
// loop only reads, the request path only writes.
type Engine struct {
	url     string
	handler Handler
	log     *slog.Logger

	conn    *websocket.Conn
	writeMu sync.Mutex

	mirror *conversation.Store
	login  string

	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}
	started bool
}

func NewEngine(serverURL string, handler Handler, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		url:     serverURL,
		handler: handler,
		log:     log,
		mirror:  conversation.NewStore(),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
}

// Connect opens the connection. No authentication happens yet.
func (e *Engine) Connect() error {
	conn, _, err := websocket.DefaultDialer.Dial(e.url, nil)
	if err != nil {
		return fmt.Errorf("connect %s: %w", e.url, err)
	}
	e.conn = conn
	return nil
}

// Register creates a new identity. False means the login is taken or the
// registration was rejected; the connection stays usable.
func (e *Engine) Register(login, password, displayName string) (bool, error) {
	if e.conn == nil {
		return false, ErrNotConnected
	}
	if e.started {
		return false, ErrLoggedIn
	}

	err := e.writeFrames(mustEncode(protocol.RegisterPacket{
		Login:       login,
		Password:    password,
		DisplayName: displayName,
	}))
	if err != nil {
		return false, err
	}

	reply, err := e.readPacket()
	if err != nil {
		return false, err
	}
	b, ok := reply.(protocol.BoolPacket)
	if !ok {
		return false, fmt.Errorf("unexpected %s reply to REGISTER", reply.Cmd())
	}
	return b.OK, nil
}

// Login authenticates the connection. On success it rebuilds the mirror
// from the server's snapshot and starts the event loop; afterwards no
// synchronous reads are possible on this connection.
func (e *Engine) Login(login, password string) (bool, error) {
	if e.conn == nil {
		return false, ErrNotConnected
	}
	if e.started {
		return false, ErrLoggedIn
	}

	if err := e.writeFrames(mustEncode(protocol.LoginPacket{Login: login, Password: password})); err != nil {
		return false, err
	}

	reply, err := e.readPacket()
	if err != nil {
		return false, err
	}
	b, ok := reply.(protocol.BoolPacket)
	if !ok {
		return false, fmt.Errorf("unexpected %s reply to LOGIN", reply.Cmd())
	}
	if !b.OK {
		return false, nil
	}

	// TRUE is followed by the full conversation snapshot.
	_, data, err := e.conn.ReadMessage()
	if err != nil {
		return false, fmt.Errorf("read snapshot: %w", err)
	}
	snapshot, err := protocol.DecodeSnapshot(data)
	if err != nil {
		return false, err
	}

	e.login = login
	e.mirror = conversation.NewStore()
	e.mirror.Seed(snapshot)

	e.started = true
	go e.readLoop()
	return true, nil
}

// SendMessage appends the message locally (optimistic echo, never rolled
// back) and ships it to the server.
func (e *Engine) SendMessage(conversationID int, text string) error {
	if !e.started {
		return ErrNotLoggedIn
	}
	if err := e.mirror.AppendMessage(conversationID, e.login, text); err != nil {
		return err
	}
	return e.writeFrames(mustEncode(protocol.MessagePacket{
		Sender:         e.login,
		ConversationID: conversationID,
		Text:           text,
	}))
}

// GetHistory asks for a conversation's full log; the result arrives through
// OnHistory.
func (e *Engine) GetHistory(conversationID int) error {
	if !e.started {
		return ErrNotLoggedIn
	}
	return e.writeFrames(mustEncode(protocol.HistoryPacket{ConversationID: conversationID}))
}

// CreateGroup proposes a new group. The server allocates the id and pushes
// the created conversation back through OnGroupCreated, to this client too.
func (e *Engine) CreateGroup(name string, participants []string) error {
	if !e.started {
		return ErrNotLoggedIn
	}
	if !lo.Contains(participants, e.login) {
		participants = append(participants, e.login)
	}

	env := mustEncode(protocol.CreateGroupPacket{})
	body, err := protocol.EncodeConversation(conversation.Conversation{
		Name:         name,
		Participants: participants,
	})
	if err != nil {
		return err
	}
	return e.writeFrames(env, body)
}

// LeaveGroup departs a conversation. The mirror entry is deleted when the
// server's LEAVE_GROUP event comes back.
func (e *Engine) LeaveGroup(conversationID int) error {
	if !e.started {
		return ErrNotLoggedIn
	}
	return e.writeFrames(mustEncode(protocol.LeaveGroupPacket{
		Login:          e.login,
		ConversationID: conversationID,
	}))
}

// Self returns the authenticated login, empty before Login succeeds.
func (e *Engine) Self() string {
	return e.login
}

// Conversations returns a copy of the mirrored conversation set.
func (e *Engine) Conversations() []conversation.Conversation {
	return e.mirror.All()
}

// Conversation returns a copy of one mirrored conversation.
func (e *Engine) Conversation(id int) (conversation.Conversation, bool) {
	return e.mirror.Lookup(id)
}

// Close sends EXIT, tears the connection down, and joins the read loop.
func (e *Engine) Close() error {
	e.cancel()
	if e.conn == nil {
		return nil
	}
	// Best effort; the server treats a dropped connection like EXIT anyway.
	_ = e.writeFrames(mustEncode(protocol.ExitPacket{}))
	err := e.conn.Close()
	if e.started {
		<-e.done
	}
	return err
}

func (e *Engine) writeFrames(frames ...[]byte) error {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()
	e.conn.SetWriteDeadline(time.Now().Add(writeWait))
	for _, frame := range frames {
		if err := e.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
			return fmt.Errorf("connection failed: %w", err)
		}
	}
	return nil
}

func (e *Engine) readPacket() (protocol.Packet, error) {
	_, data, err := e.conn.ReadMessage()
	if err != nil {
		return nil, fmt.Errorf("connection failed: %w", err)
	}
	return protocol.Decode(data)
}

// readLoop is the perpetual inbound event pump. It terminates on EXIT,
// decode failure, or local shutdown, and never blocks the request path.
func (e *Engine) readLoop() {
	defer close(e.done)

	for {
		_, data, err := e.conn.ReadMessage()
		if err != nil {
			if e.ctx.Err() == nil {
				e.log.Warn("connection closed", "err", err)
			}
			return
		}

		pkt, err := protocol.Decode(data)
		if err != nil {
			e.log.Error("protocol violation from server", "err", err)
			e.conn.Close()
			return
		}

		switch p := pkt.(type) {
		case protocol.PresencePacket:
			e.handler.OnPresenceChanged(p.Login, p.Online)

		case protocol.MessagePacket:
			if err := e.mirror.AppendMessage(p.ConversationID, p.Sender, p.Text); err != nil {
				e.log.Warn("message for unknown conversation", "conversation", p.ConversationID)
			}
			e.handler.OnMessage(p.Sender, p.Text, p.ConversationID)

		case protocol.HistoryPacket:
			msgs, err := e.readHistoryPayload()
			if err != nil {
				e.log.Error("protocol violation from server", "err", err)
				e.conn.Close()
				return
			}
			// Replace, not append: the server sends the full ordered log.
			if err := e.mirror.SetMessages(p.ConversationID, msgs); err != nil {
				e.log.Warn("history for unknown conversation", "conversation", p.ConversationID)
			}
			e.handler.OnHistory(p.ConversationID, msgs)

		case protocol.CreateGroupPacket:
			conv, err := e.readConversationPayload()
			if err != nil {
				e.log.Error("protocol violation from server", "err", err)
				e.conn.Close()
				return
			}
			e.mirror.Put(conv)
			e.handler.OnGroupCreated(conv.Name, conv.ID)

		case protocol.LeaveGroupPacket:
			if p.Login == e.login {
				name := ""
				if conv, ok := e.mirror.Lookup(p.ConversationID); ok {
					name = conv.Name
				}
				e.mirror.Delete(p.ConversationID)
				e.handler.OnGroupLeft(name)
			} else {
				if _, err := e.mirror.RemoveParticipant(p.ConversationID, p.Login); err != nil {
					e.log.Warn("leave for unknown conversation", "conversation", p.ConversationID)
				}
			}

		case protocol.ExitPacket:
			return

		default:
			e.log.Warn("unexpected command on event loop", "command", pkt.Cmd())
		}
	}
}

func (e *Engine) readHistoryPayload() ([]conversation.Message, error) {
	_, data, err := e.conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	return protocol.DecodeMessages(data)
}

func (e *Engine) readConversationPayload() (conversation.Conversation, error) {
	_, data, err := e.conn.ReadMessage()
	if err != nil {
		return conversation.Conversation{}, err
	}
	return protocol.DecodeConversation(data)
}

// mustEncode is for packets built from typed fields, which cannot fail to
// marshal.
func mustEncode(p protocol.Packet) []byte {
	frame, err := protocol.Encode(p)
	if err != nil {
		panic(err)
	}
	return frame
}
