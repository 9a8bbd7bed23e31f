package protocol

import (
	"encoding/json"
	"fmt"

	"go-relay/conversation"
)

// Trailing payload codecs. Each payload object travels as its own frame
// holding exactly one JSON document.

func EncodeConversation(c conversation.Conversation) ([]byte, error) {
	return json.Marshal(c)
}

func DecodeConversation(data []byte) (conversation.Conversation, error) {
	var c conversation.Conversation
	if err := json.Unmarshal(data, &c); err != nil {
		return conversation.Conversation{}, fmt.Errorf("decode conversation payload: %w", err)
	}
	return c, nil
}

// EncodeSnapshot serializes the full set of a user's conversations sent
// after a successful login.
func EncodeSnapshot(convs []conversation.Conversation) ([]byte, error) {
	if convs == nil {
		convs = []conversation.Conversation{}
	}
	return json.Marshal(convs)
}

func DecodeSnapshot(data []byte) ([]conversation.Conversation, error) {
	var convs []conversation.Conversation
	if err := json.Unmarshal(data, &convs); err != nil {
		return nil, fmt.Errorf("decode snapshot payload: %w", err)
	}
	return convs, nil
}

// EncodeMessages serializes the ordered message log trailing a HISTORY
// reply.
func EncodeMessages(msgs []conversation.Message) ([]byte, error) {
	if msgs == nil {
		msgs = []conversation.Message{}
	}
	return json.Marshal(msgs)
}

func DecodeMessages(data []byte) ([]conversation.Message, error) {
	var msgs []conversation.Message
	if err := json.Unmarshal(data, &msgs); err != nil {
		return nil, fmt.Errorf("decode history payload: %w", err)
	}
	return msgs, nil
}
