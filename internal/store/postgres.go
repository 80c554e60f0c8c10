package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/duplex-chat/duplex/internal/models"
)

// PostgresStore handles PostgreSQL database operations.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL store with a connection pool.
func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, err
	}

	if err := pool.Ping(ctx); err != nil {
		return nil, err
	}

	return &PostgresStore{pool: pool}, nil
}

// Close closes the database connection pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

// Ping checks the database connection.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// isUniqueViolation reports whether err is a unique-constraint violation.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// CreateConversation inserts a conversation and its two participant rows as
// a single transaction. The UNIQUE(user_a, user_b) constraint makes the
// insert the arbiter under concurrent first contact: the loser gets
// ErrDuplicatePair.
func (s *PostgresStore) CreateConversation(ctx context.Context, userA, userB string, at time.Time) (*models.Conversation, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	conv := &models.Conversation{}
	err = tx.QueryRow(ctx, `
		INSERT INTO conversations (id, user_a, user_b, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $4)
		RETURNING id, user_a, user_b, created_at, updated_at
	`, uuid.New(), userA, userB, at).Scan(
		&conv.ID,
		&conv.UserA,
		&conv.UserB,
		&conv.CreatedAt,
		&conv.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrDuplicatePair
		}
		return nil, err
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO participants (conversation_id, user_id, joined_at, last_read_at)
		VALUES ($1, $2, $3, $3), ($1, $4, $3, $3)
	`, conv.ID, userA, at, userB)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return conv, nil
}

// FindConversationByPair retrieves the conversation for a canonical pair.
func (s *PostgresStore) FindConversationByPair(ctx context.Context, userA, userB string) (*models.Conversation, error) {
	conv := &models.Conversation{}
	err := s.pool.QueryRow(ctx, `
		SELECT id, user_a, user_b, created_at, updated_at
		FROM conversations WHERE user_a = $1 AND user_b = $2
	`, userA, userB).Scan(
		&conv.ID,
		&conv.UserA,
		&conv.UserB,
		&conv.CreatedAt,
		&conv.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return conv, nil
}

// GetConversation retrieves a conversation by ID.
func (s *PostgresStore) GetConversation(ctx context.Context, id uuid.UUID) (*models.Conversation, error) {
	conv := &models.Conversation{}
	err := s.pool.QueryRow(ctx, `
		SELECT id, user_a, user_b, created_at, updated_at
		FROM conversations WHERE id = $1
	`, id).Scan(
		&conv.ID,
		&conv.UserA,
		&conv.UserB,
		&conv.CreatedAt,
		&conv.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return conv, nil
}

// TouchConversation bumps updated_at. GREATEST makes concurrent touches
// converge on the latest timestamp regardless of arrival order.
func (s *PostgresStore) TouchConversation(ctx context.Context, id uuid.UUID, at time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE conversations SET updated_at = GREATEST(updated_at, $2) WHERE id = $1
	`, id, at)
	return err
}

// ListConversationSummaries returns the caller's inbox: every conversation
// they participate in, newest activity first, with the counterpart, the last
// visible message and the unread count resolved in the same statement.
func (s *PostgresStore) ListConversationSummaries(ctx context.Context, userID string) ([]models.ConversationSummary, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT c.id, c.user_a, c.user_b, c.created_at, c.updated_at,
		       lm.id, lm.sender_id, lm.content, lm.created_at, lm.edited_at,
		       (SELECT COUNT(*) FROM messages m
		         WHERE m.conversation_id = c.id
		           AND m.sender_id <> $1
		           AND m.deleted_at IS NULL
		           AND m.created_at > p.last_read_at)
		FROM conversations c
		JOIN participants p ON p.conversation_id = c.id AND p.user_id = $1
		LEFT JOIN LATERAL (
			SELECT id, sender_id, content, created_at, edited_at
			FROM messages m
			WHERE m.conversation_id = c.id AND m.deleted_at IS NULL
			ORDER BY m.created_at DESC, m.id DESC
			LIMIT 1
		) lm ON TRUE
		ORDER BY c.updated_at DESC
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var summaries []models.ConversationSummary
	for rows.Next() {
		var (
			sum       models.ConversationSummary
			lmID      *string
			lmSender  *string
			lmContent *string
			lmCreated *time.Time
			lmEdited  *time.Time
		)
		err := rows.Scan(
			&sum.Conversation.ID,
			&sum.Conversation.UserA,
			&sum.Conversation.UserB,
			&sum.Conversation.CreatedAt,
			&sum.Conversation.UpdatedAt,
			&lmID,
			&lmSender,
			&lmContent,
			&lmCreated,
			&lmEdited,
			&sum.UnreadCount,
		)
		if err != nil {
			return nil, err
		}
		sum.OtherUserID = sum.Conversation.Other(userID)
		if lmID != nil {
			sum.LastMessage = &models.Message{
				ID:             *lmID,
				ConversationID: sum.Conversation.ID,
				SenderID:       *lmSender,
				Content:        *lmContent,
				CreatedAt:      *lmCreated,
				EditedAt:       lmEdited,
			}
		}
		summaries = append(summaries, sum)
	}
	return summaries, rows.Err()
}

// GetParticipant retrieves a membership row.
func (s *PostgresStore) GetParticipant(ctx context.Context, conversationID uuid.UUID, userID string) (*models.Participant, error) {
	p := &models.Participant{}
	err := s.pool.QueryRow(ctx, `
		SELECT conversation_id, user_id, joined_at, last_read_at
		FROM participants WHERE conversation_id = $1 AND user_id = $2
	`, conversationID, userID).Scan(
		&p.ConversationID,
		&p.UserID,
		&p.JoinedAt,
		&p.LastReadAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return p, nil
}

// MarkRead advances the read watermark. The watermark never moves backwards.
func (s *PostgresStore) MarkRead(ctx context.Context, conversationID uuid.UUID, userID string, at time.Time) (bool, error) {
	ct, err := s.pool.Exec(ctx, `
		UPDATE participants SET last_read_at = GREATEST(last_read_at, $3)
		WHERE conversation_id = $1 AND user_id = $2
	`, conversationID, userID, at)
	if err != nil {
		return false, err
	}
	return ct.RowsAffected() > 0, nil
}

// InsertMessage appends a message row.
func (s *PostgresStore) InsertMessage(ctx context.Context, msg *models.Message) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO messages (id, conversation_id, sender_id, content, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, msg.ID, msg.ConversationID, msg.SenderID, msg.Content, msg.CreatedAt)
	return err
}

// GetMessage retrieves a message by ID, including soft-deleted ones.
func (s *PostgresStore) GetMessage(ctx context.Context, id string) (*models.Message, error) {
	msg := &models.Message{}
	err := s.pool.QueryRow(ctx, `
		SELECT id, conversation_id, sender_id, content, created_at, edited_at, deleted_at
		FROM messages WHERE id = $1
	`, id).Scan(
		&msg.ID,
		&msg.ConversationID,
		&msg.SenderID,
		&msg.Content,
		&msg.CreatedAt,
		&msg.EditedAt,
		&msg.DeletedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return msg, nil
}

// ListMessagesSince retrieves visible messages in ascending (created_at, id)
// order, strictly after the afterID message when given.
func (s *PostgresStore) ListMessagesSince(ctx context.Context, conversationID uuid.UUID, afterID string, limit int) ([]models.Message, error) {
	query := `
		SELECT id, conversation_id, sender_id, content, created_at, edited_at, deleted_at
		FROM messages
		WHERE conversation_id = $1 AND deleted_at IS NULL
	`
	args := []interface{}{conversationID}
	if afterID != "" {
		query += `
		  AND (created_at, id) > (SELECT created_at, id FROM messages WHERE id = $2)
		ORDER BY created_at ASC, id ASC
		LIMIT $3`
		args = append(args, afterID, limit)
	} else {
		query += `
		ORDER BY created_at ASC, id ASC
		LIMIT $2`
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var msgs []models.Message
	for rows.Next() {
		var msg models.Message
		err := rows.Scan(
			&msg.ID,
			&msg.ConversationID,
			&msg.SenderID,
			&msg.Content,
			&msg.CreatedAt,
			&msg.EditedAt,
			&msg.DeletedAt,
		)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, msg)
	}
	return msgs, rows.Err()
}

// SoftDeleteMessage marks a message invisible without removing the row.
func (s *PostgresStore) SoftDeleteMessage(ctx context.Context, id string, at time.Time) (bool, error) {
	ct, err := s.pool.Exec(ctx, `
		UPDATE messages SET deleted_at = $2 WHERE id = $1 AND deleted_at IS NULL
	`, id, at)
	if err != nil {
		return false, err
	}
	return ct.RowsAffected() > 0, nil
}

// UnreadCount counts messages from the counterpart that are newer than the
// caller's watermark. The watermark join keeps the count and the message
// rows in one snapshot.
func (s *PostgresStore) UnreadCount(ctx context.Context, conversationID uuid.UUID, userID string) (int64, error) {
	var count int64
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*)
		FROM messages m
		JOIN participants p ON p.conversation_id = m.conversation_id AND p.user_id = $2
		WHERE m.conversation_id = $1
		  AND m.sender_id <> $2
		  AND m.deleted_at IS NULL
		  AND m.created_at > p.last_read_at
	`, conversationID, userID).Scan(&count)
	return count, err
}

// CountConversations returns the total number of conversations.
func (s *PostgresStore) CountConversations(ctx context.Context) (int64, error) {
	var count int64
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM conversations`).Scan(&count)
	return count, err
}

// CountMessages returns the total number of messages, soft-deleted included.
func (s *PostgresStore) CountMessages(ctx context.Context) (int64, error) {
	var count int64
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM messages`).Scan(&count)
	return count, err
}

// GetMostRecentActivity returns the newest updated_at across conversations.
func (s *PostgresStore) GetMostRecentActivity(ctx context.Context) (*time.Time, error) {
	var t *time.Time
	err := s.pool.QueryRow(ctx, `SELECT MAX(updated_at) FROM conversations`).Scan(&t)
	if err != nil {
		return nil, err
	}
	return t, nil
}
