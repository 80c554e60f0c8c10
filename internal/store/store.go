package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/duplex-chat/duplex/internal/models"
)

// ErrDuplicatePair is returned by CreateConversation when another caller
// already created the conversation for the same canonical user pair. The
// chat layer treats it as a lost race, not a failure.
var ErrDuplicatePair = errors.New("store: conversation already exists for pair")

// DataStore defines the interface for persistent storage of conversations,
// participants and messages. Both PostgresStore and SQLiteStore implement
// this interface.
type DataStore interface {
	// Connection management
	Close()
	Ping(ctx context.Context) error

	// Conversation operations. User pairs are always passed in canonical
	// order (lexicographically smaller ID first).
	CreateConversation(ctx context.Context, userA, userB string, at time.Time) (*models.Conversation, error)
	FindConversationByPair(ctx context.Context, userA, userB string) (*models.Conversation, error)
	GetConversation(ctx context.Context, id uuid.UUID) (*models.Conversation, error)
	TouchConversation(ctx context.Context, id uuid.UUID, at time.Time) error
	ListConversationSummaries(ctx context.Context, userID string) ([]models.ConversationSummary, error)

	// Participant operations. MarkRead reports false when the user has no
	// membership row in the conversation.
	GetParticipant(ctx context.Context, conversationID uuid.UUID, userID string) (*models.Participant, error)
	MarkRead(ctx context.Context, conversationID uuid.UUID, userID string, at time.Time) (bool, error)

	// Message operations. ListMessagesSince returns visible messages in
	// ascending (created_at, id) order, strictly after the message afterID
	// when it is non-empty. UnreadCount joins the caller's watermark and the
	// message rows in one statement so both come from the same snapshot.
	InsertMessage(ctx context.Context, msg *models.Message) error
	GetMessage(ctx context.Context, id string) (*models.Message, error)
	ListMessagesSince(ctx context.Context, conversationID uuid.UUID, afterID string, limit int) ([]models.Message, error)
	SoftDeleteMessage(ctx context.Context, id string, at time.Time) (bool, error)
	UnreadCount(ctx context.Context, conversationID uuid.UUID, userID string) (int64, error)

	// Aggregates for the stats endpoint.
	CountConversations(ctx context.Context) (int64, error)
	CountMessages(ctx context.Context) (int64, error)
	GetMostRecentActivity(ctx context.Context) (*time.Time, error)
}
