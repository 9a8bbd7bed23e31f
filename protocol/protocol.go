// Package protocol defines the wire protocol shared by server and client:
// a closed command vocabulary, fixed payload arities, and a table of
// trailing payload objects per command and direction.
//
// One protocol message is one WebSocket text frame carrying a JSON envelope
// of the form {"command": C, "content": [...]}. Commands that announce a
// trailing payload are followed by additional frames, each holding a single
// JSON document (a Conversation, a conversation snapshot, or a message
// log). A reader decides whether more frames follow purely from the command
// it just decoded.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
)

// Command identifies a protocol message type.
type Command string

const (
	CmdRegister    Command = "REGISTER"
	CmdLogin       Command = "LOGIN"
	CmdExit        Command = "EXIT"
	CmdOnline      Command = "ONLINE"
	CmdOffline     Command = "OFFLINE"
	CmdMessage     Command = "MESSAGE"
	CmdHistory     Command = "HISTORY"
	CmdCreateGroup Command = "CREATE_GROUP"
	CmdLeaveGroup  Command = "LEAVE_GROUP"
	CmdTrue        Command = "TRUE"
	CmdFalse       Command = "FALSE"
)

var (
	ErrUnknownCommand = errors.New("unknown command")
	ErrBadArity       = errors.New("payload arity mismatch")
)

// arity is the fixed content length per command. Decoding a known command
// with a different length is a protocol violation.
var arity = map[Command]int{
	CmdRegister:    3, // login, password, display name
	CmdLogin:       2, // login, password
	CmdExit:        0,
	CmdOnline:      1, // login
	CmdOffline:     1, // login
	CmdMessage:     3, // sender, conversation id, text
	CmdHistory:     1, // conversation id
	CmdCreateGroup: 1, // conversation id ("0" until the server assigns one)
	CmdLeaveGroup:  2, // login, conversation id
	CmdTrue:        0,
	CmdFalse:       0,
}

// Direction is the side a message travels toward. Trailing payload counts
// depend on it: HISTORY carries a message log only toward the client.
type Direction int

const (
	ToServer Direction = iota
	ToClient
)

// Trailing reports how many payload frames follow an envelope carrying cmd
// in direction dir. The successful LOGIN exchange additionally carries a
// snapshot frame after TRUE; it is read synchronously inside that exchange
// and is not part of this table.
func Trailing(cmd Command, dir Direction) int {
	switch {
	case cmd == CmdCreateGroup:
		return 1 // the Conversation object
	case cmd == CmdHistory && dir == ToClient:
		return 1 // the ordered message log
	default:
		return 0
	}
}

// envelope is the raw JSON shape of one protocol frame.
type envelope struct {
	Command Command  `json:"command"`
	Content []string `json:"content,omitempty"`
}

// Packet is one decoded protocol message. Exactly one concrete type exists
// per command; fields are typed and validated at decode time.
type Packet interface {
	Cmd() Command
}

// RegisterPacket asks the server to create a new identity.
type RegisterPacket struct {
	Login       string
	Password    string
	DisplayName string
}

func (RegisterPacket) Cmd() Command { return CmdRegister }

// LoginPacket authenticates a connection.
type LoginPacket struct {
	Login    string
	Password string
}

func (LoginPacket) Cmd() Command { return CmdLogin }

// ExitPacket ends a session; sent by either side.
type ExitPacket struct{}

func (ExitPacket) Cmd() Command { return CmdExit }

// PresencePacket announces that a login went online or offline.
type PresencePacket struct {
	Login  string
	Online bool
}

func (p PresencePacket) Cmd() Command {
	if p.Online {
		return CmdOnline
	}
	return CmdOffline
}

// MessagePacket carries one chat message in either direction.
type MessagePacket struct {
	Sender         string
	ConversationID int
	Text           string
}

func (MessagePacket) Cmd() Command { return CmdMessage }

// HistoryPacket requests (toward the server) or announces (toward the
// client, with a trailing message log) a conversation's full history.
type HistoryPacket struct {
	ConversationID int
}

func (HistoryPacket) Cmd() Command { return CmdHistory }

// CreateGroupPacket announces a new conversation; a Conversation frame
// follows in both directions. The client sends id 0, the server broadcasts
// the allocated id.
type CreateGroupPacket struct {
	ConversationID int
}

func (CreateGroupPacket) Cmd() Command { return CmdCreateGroup }

// LeaveGroupPacket removes a login from a conversation.
type LeaveGroupPacket struct {
	Login          string
	ConversationID int
}

func (LeaveGroupPacket) Cmd() Command { return CmdLeaveGroup }

// BoolPacket is the synchronous TRUE/FALSE reply to REGISTER and LOGIN.
type BoolPacket struct {
	OK bool
}

func (p BoolPacket) Cmd() Command {
	if p.OK {
		return CmdTrue
	}
	return CmdFalse
}

// Encode serializes a packet into one envelope frame.
func Encode(p Packet) ([]byte, error) {
	env := envelope{Command: p.Cmd()}
	switch v := p.(type) {
	case RegisterPacket:
		env.Content = []string{v.Login, v.Password, v.DisplayName}
	case LoginPacket:
		env.Content = []string{v.Login, v.Password}
	case ExitPacket, BoolPacket:
	case PresencePacket:
		env.Content = []string{v.Login}
	case MessagePacket:
		env.Content = []string{v.Sender, strconv.Itoa(v.ConversationID), v.Text}
	case HistoryPacket:
		env.Content = []string{strconv.Itoa(v.ConversationID)}
	case CreateGroupPacket:
		env.Content = []string{strconv.Itoa(v.ConversationID)}
	case LeaveGroupPacket:
		env.Content = []string{v.Login, strconv.Itoa(v.ConversationID)}
	default:
		return nil, fmt.Errorf("encode: %w: %T", ErrUnknownCommand, p)
	}
	return json.Marshal(env)
}

// Decode parses one envelope frame into its typed packet, enforcing the
// command table and payload arity. Any error here is a protocol violation
// and fatal to the connection.
func Decode(data []byte) (Packet, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	want, ok := arity[env.Command]
	if !ok {
		return nil, fmt.Errorf("decode: %w: %q", ErrUnknownCommand, env.Command)
	}
	if len(env.Content) != want {
		return nil, fmt.Errorf("decode %s: %w: got %d fields, want %d",
			env.Command, ErrBadArity, len(env.Content), want)
	}

	switch env.Command {
	case CmdRegister:
		return RegisterPacket{Login: env.Content[0], Password: env.Content[1], DisplayName: env.Content[2]}, nil
	case CmdLogin:
		return LoginPacket{Login: env.Content[0], Password: env.Content[1]}, nil
	case CmdExit:
		return ExitPacket{}, nil
	case CmdOnline:
		return PresencePacket{Login: env.Content[0], Online: true}, nil
	case CmdOffline:
		return PresencePacket{Login: env.Content[0], Online: false}, nil
	case CmdMessage:
		id, err := parseID(env.Command, env.Content[1])
		if err != nil {
			return nil, err
		}
		return MessagePacket{Sender: env.Content[0], ConversationID: id, Text: env.Content[2]}, nil
	case CmdHistory:
		id, err := parseID(env.Command, env.Content[0])
		if err != nil {
			return nil, err
		}
		return HistoryPacket{ConversationID: id}, nil
	case CmdCreateGroup:
		id, err := parseID(env.Command, env.Content[0])
		if err != nil {
			return nil, err
		}
		return CreateGroupPacket{ConversationID: id}, nil
	case CmdLeaveGroup:
		id, err := parseID(env.Command, env.Content[1])
		if err != nil {
			return nil, err
		}
		return LeaveGroupPacket{Login: env.Content[0], ConversationID: id}, nil
	case CmdTrue:
		return BoolPacket{OK: true}, nil
	case CmdFalse:
		return BoolPacket{OK: false}, nil
	}
	return nil, fmt.Errorf("decode: %w: %q", ErrUnknownCommand, env.Command)
}

func parseID(cmd Command, field string) (int, error) {
	id, err := strconv.Atoi(field)
	if err != nil {
		return 0, fmt.Errorf("decode %s: bad conversation id %q: %w", cmd, field, ErrBadArity)
	}
	return id, nil
}
