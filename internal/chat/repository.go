package chat

import (
	"context"
	"database/sql"

	"go-relay/conversation"
)

// Repository persists conversations, memberships, and message logs. The
// in-memory store stays authoritative at runtime; this is the seed source at
// login and the write-through target for mutations.
type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// ConversationsFor loads every conversation a login participates in,
// including participant sets and full ordered message logs.
func (r *Repository) ConversationsFor(ctx context.Context, login string) ([]conversation.Conversation, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT c.id, c.name
		FROM conversations c
		JOIN participants p ON p.conversation_id = c.id
		WHERE p.login = $1
		ORDER BY c.id
	`, login)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var convs []conversation.Conversation
	for rows.Next() {
		var c conversation.Conversation
		if err := rows.Scan(&c.ID, &c.Name); err != nil {
			return nil, err
		}
		convs = append(convs, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range convs {
		if convs[i].Participants, err = r.participants(ctx, convs[i].ID); err != nil {
			return nil, err
		}
		if convs[i].Messages, err = r.messages(ctx, convs[i].ID); err != nil {
			return nil, err
		}
	}
	return convs, nil
}

func (r *Repository) participants(ctx context.Context, conversationID int) ([]string, error) {
	rows, err := r.db.QueryContext(ctx,
		"SELECT login FROM participants WHERE conversation_id = $1 ORDER BY login", conversationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var logins []string
	for rows.Next() {
		var login string
		if err := rows.Scan(&login); err != nil {
			return nil, err
		}
		logins = append(logins, login)
	}
	return logins, rows.Err()
}

func (r *Repository) messages(ctx context.Context, conversationID int) ([]conversation.Message, error) {
	rows, err := r.db.QueryContext(ctx,
		"SELECT sender, content FROM messages WHERE conversation_id = $1 ORDER BY id", conversationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	msgs := []conversation.Message{}
	for rows.Next() {
		var m conversation.Message
		if err := rows.Scan(&m.Sender, &m.Text); err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// MaxConversationID reports the highest persisted conversation id, used at
// startup to advance the store's allocator so ids survive restarts without
// reuse.
func (r *Repository) MaxConversationID(ctx context.Context) (int, error) {
	var max int
	err := r.db.QueryRowContext(ctx, "SELECT COALESCE(MAX(id), 0) FROM conversations").Scan(&max)
	return max, err
}

// SaveConversation writes a new conversation and its membership in one
// transaction, under the id the store allocated.
func (r *Repository) SaveConversation(ctx context.Context, c conversation.Conversation) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		"INSERT INTO conversations (id, name) VALUES ($1, $2)", c.ID, c.Name); err != nil {
		return err
	}
	for _, login := range c.Participants {
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO participants (conversation_id, login) VALUES ($1, $2)", c.ID, login); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (r *Repository) SaveMessage(ctx context.Context, conversationID int, sender, text string) error {
	_, err := r.db.ExecContext(ctx,
		"INSERT INTO messages (conversation_id, sender, content) VALUES ($1, $2, $3)",
		conversationID, sender, text)
	return err
}

func (r *Repository) RemoveParticipant(ctx context.Context, conversationID int, login string) error {
	_, err := r.db.ExecContext(ctx,
		"DELETE FROM participants WHERE conversation_id = $1 AND login = $2",
		conversationID, login)
	return err
}

func (r *Repository) DeleteConversation(ctx context.Context, conversationID int) error {
	_, err := r.db.ExecContext(ctx,
		"DELETE FROM conversations WHERE id = $1", conversationID)
	return err
}
