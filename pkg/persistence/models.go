package persistence

import (
	"time"

	"github.com/google/uuid"
)

// Dispatch row status constants.
const (
	RowPending = "pending"
	RowHandled = "handled"
)

// DispatchRow is one deliverable message addressed to one bot. The chat
// backend inserts a row per recipient; the sidecar flips it to handled
// exactly once.
type DispatchRow struct {
	CreatedAt time.Time  `json:"created_at"`
	HandledAt *time.Time `json:"handled_at,omitempty"`
	BotID     string     `json:"bot_id"`
	MessageID string     `json:"message_id"`
	ChatID    string     `json:"chat_id"`
	UserID    string     `json:"user_id,omitempty"`
	Speaker   string     `json:"speaker,omitempty"`
	Content   string     `json:"content"`
	Status    string     `json:"status"`
}

// ChatMessage is one visible message in a chat, including the shared
// coordination chat where negotiation records are posted as JSON.
type ChatMessage struct {
	CreatedAt time.Time `json:"created_at"`
	ID        string    `json:"id"`
	ChatID    string    `json:"chat_id"`
	Speaker   string    `json:"speaker"`
	UserID    string    `json:"user_id,omitempty"`
	Content   string    `json:"content"`
}

// ResponseSummary is the short digest an agent writes after dispatching a
// round's response. Synthesis waits poll for the winner's summary here.
type ResponseSummary struct {
	CreatedAt    time.Time `json:"created_at"`
	ID           string    `json:"id"`
	CoordChatID  string    `json:"coord_chat_id"`
	RoundID      string    `json:"round_id"`
	Speaker      string    `json:"speaker"`
	Content      string    `json:"content"`
	SourceChatID string    `json:"source_chat_id,omitempty"`
}

// NewMessageID generates a new UUID for a chat message or summary row.
func NewMessageID() string {
	return uuid.New().String()
}

func nowMillis() int64 {
	return toMillis(time.Now())
}
