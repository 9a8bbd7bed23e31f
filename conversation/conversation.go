// Package conversation holds the shared conversation data model and the
// concurrency-safe store used on both ends: the server's authoritative copy
// and the client's mirror of its own memberships.
package conversation

import (
	"errors"

	"github.com/samber/lo"
)

// PrivateName marks an unnamed two-party conversation.
const PrivateName = "private"

var (
	ErrNotFound       = errors.New("conversation not found")
	ErrNotParticipant = errors.New("login is not a participant")
)

// Message is one entry of a conversation's ordered log.
type Message struct {
	Sender string `json:"sender"`
	Text   string `json:"text"`
}

// Conversation is a private (two-party) or named group channel.
// Membership only shrinks via explicit leave; the message log is append-only
// and insertion order is chronological order.
type Conversation struct {
	ID           int       `json:"id"`
	Name         string    `json:"name"`
	Participants []string  `json:"participants"`
	Messages     []Message `json:"messages"`
}

// Has reports whether login is a member.
func (c Conversation) Has(login string) bool {
	return lo.Contains(c.Participants, login)
}

// IsPrivate reports whether this is an unnamed two-party conversation.
func (c Conversation) IsPrivate() bool {
	return c.Name == PrivateName
}

func (c Conversation) clone() Conversation {
	cp := c
	cp.Participants = append([]string(nil), c.Participants...)
	cp.Messages = append([]Message(nil), c.Messages...)
	return cp
}
