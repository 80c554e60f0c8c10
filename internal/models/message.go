package models

import (
	"time"

	"github.com/google/uuid"
)

// MaxContentLength bounds message content, matching the post length bound
// used elsewhere in the product.
const MaxContentLength = 280

// Message is an immutable log entry in a conversation. Only the EditedAt
// and DeletedAt transitions are allowed after creation; a set DeletedAt
// hides the message everywhere without removing the row.
//
// IDs are ULIDs assigned at append time, so within a conversation the
// (CreatedAt, ID) pair is a total order.
type Message struct {
	ID             string     `json:"id"`
	ConversationID uuid.UUID  `json:"conversation_id"`
	SenderID       string     `json:"sender_id"`
	Content        string     `json:"content"`
	CreatedAt      time.Time  `json:"created_at"`
	EditedAt       *time.Time `json:"edited_at,omitempty"`
	DeletedAt      *time.Time `json:"deleted_at,omitempty"`
}
