package models

import (
	"time"

	"github.com/google/uuid"
)

// Participant is a user's membership record in a conversation.
// LastReadAt is the read watermark: it only ever moves forward.
type Participant struct {
	ConversationID uuid.UUID `json:"conversation_id"`
	UserID         string    `json:"user_id"`
	JoinedAt       time.Time `json:"joined_at"`
	LastReadAt     time.Time `json:"last_read_at"`
}
