package models

import (
	"time"

	"github.com/google/uuid"
)

// Conversation represents a durable two-party messaging thread.
// UserA and UserB are stored in canonical order (lexicographically smaller
// ID first) so that any unordered pair maps to exactly one row.
type Conversation struct {
	ID        uuid.UUID `json:"id"`
	UserA     string    `json:"user_a"`
	UserB     string    `json:"user_b"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Other returns the participant ID that is not userID.
func (c *Conversation) Other(userID string) string {
	if c.UserA == userID {
		return c.UserB
	}
	return c.UserA
}

// Has reports whether userID is one of the two participants.
func (c *Conversation) Has(userID string) bool {
	return c.UserA == userID || c.UserB == userID
}

// ConversationSummary is a conversation as it appears in a user's inbox:
// the thread, who the counterpart is, the newest visible message and the
// caller's unread count, all read from a single store snapshot.
type ConversationSummary struct {
	Conversation Conversation `json:"conversation"`
	OtherUserID  string       `json:"other_user_id"`
	LastMessage  *Message     `json:"last_message,omitempty"`
	UnreadCount  int64        `json:"unread_count"`
}
