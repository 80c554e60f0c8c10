package store

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	sqlite3 "github.com/mattn/go-sqlite3"

	"github.com/duplex-chat/duplex/internal/models"
)

// SQLiteStore handles SQLite database operations. It backs development mode
// and the test suite; production runs on PostgresStore.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store.
// If dbPath is empty, defaults to "./data/duplex.db".
func NewSQLiteStore(ctx context.Context, dbPath string) (*SQLiteStore, error) {
	if dbPath == "" {
		dbPath = "./data/duplex.db"
	}

	if dbPath != ":memory:" {
		dir := filepath.Dir(dbPath)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_foreign_keys=on&_loc=UTC")
	if err != nil {
		return nil, err
	}

	// All timestamps are stored in UTC with a uniform text encoding, so
	// SQL-level comparisons stay correct. A single connection also keeps
	// :memory: databases from silently forking per connection.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		return nil, err
	}

	store := &SQLiteStore{db: db}

	if err := store.initSchema(ctx); err != nil {
		return nil, err
	}

	return store, nil
}

// initSchema creates tables if they don't exist.
func (s *SQLiteStore) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS conversations (
		id TEXT PRIMARY KEY,
		user_a TEXT NOT NULL,
		user_b TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		UNIQUE (user_a, user_b),
		CHECK (user_a < user_b)
	);

	CREATE TABLE IF NOT EXISTS participants (
		conversation_id TEXT NOT NULL REFERENCES conversations(id),
		user_id TEXT NOT NULL,
		joined_at DATETIME NOT NULL,
		last_read_at DATETIME NOT NULL,
		PRIMARY KEY (conversation_id, user_id)
	);

	CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		conversation_id TEXT NOT NULL REFERENCES conversations(id),
		sender_id TEXT NOT NULL,
		content TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		edited_at DATETIME,
		deleted_at DATETIME
	);

	CREATE INDEX IF NOT EXISTS idx_participants_user ON participants(user_id);
	CREATE INDEX IF NOT EXISTS idx_messages_conversation_order ON messages(conversation_id, created_at, id);
	CREATE INDEX IF NOT EXISTS idx_conversations_updated ON conversations(updated_at);
	`

	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// Close closes the database connection.
func (s *SQLiteStore) Close() {
	s.db.Close()
}

// Ping checks the database connection.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// isSQLiteUniqueViolation reports whether err is a unique-constraint error.
func isSQLiteUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
		sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
}

// CreateConversation inserts a conversation and its two participant rows in
// one transaction, returning ErrDuplicatePair when the canonical pair row
// already exists.
func (s *SQLiteStore) CreateConversation(ctx context.Context, userA, userB string, at time.Time) (*models.Conversation, error) {
	at = at.UTC()
	id := uuid.New()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO conversations (id, user_a, user_b, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
	`, id.String(), userA, userB, at, at)
	if err != nil {
		if isSQLiteUniqueViolation(err) {
			return nil, ErrDuplicatePair
		}
		return nil, err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO participants (conversation_id, user_id, joined_at, last_read_at)
		VALUES (?, ?, ?, ?), (?, ?, ?, ?)
	`, id.String(), userA, at, at, id.String(), userB, at, at)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	return &models.Conversation{
		ID:        id,
		UserA:     userA,
		UserB:     userB,
		CreatedAt: at,
		UpdatedAt: at,
	}, nil
}

// FindConversationByPair retrieves the conversation for a canonical pair.
func (s *SQLiteStore) FindConversationByPair(ctx context.Context, userA, userB string) (*models.Conversation, error) {
	return s.scanConversation(s.db.QueryRowContext(ctx, `
		SELECT id, user_a, user_b, created_at, updated_at
		FROM conversations WHERE user_a = ? AND user_b = ?
	`, userA, userB))
}

// GetConversation retrieves a conversation by ID.
func (s *SQLiteStore) GetConversation(ctx context.Context, id uuid.UUID) (*models.Conversation, error) {
	return s.scanConversation(s.db.QueryRowContext(ctx, `
		SELECT id, user_a, user_b, created_at, updated_at
		FROM conversations WHERE id = ?
	`, id.String()))
}

func (s *SQLiteStore) scanConversation(row *sql.Row) (*models.Conversation, error) {
	conv := &models.Conversation{}
	var idStr string
	err := row.Scan(
		&idStr,
		&conv.UserA,
		&conv.UserB,
		&conv.CreatedAt,
		&conv.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	conv.ID = uuid.MustParse(idStr)
	return conv, nil
}

// TouchConversation bumps updated_at, converging on the latest timestamp.
func (s *SQLiteStore) TouchConversation(ctx context.Context, id uuid.UUID, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE conversations SET updated_at = MAX(updated_at, ?) WHERE id = ?
	`, at.UTC(), id.String())
	return err
}

// ListConversationSummaries returns the caller's inbox ordered by most
// recent activity, resolving the last visible message and the unread count
// in the same statement.
func (s *SQLiteStore) ListConversationSummaries(ctx context.Context, userID string) ([]models.ConversationSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT c.id, c.user_a, c.user_b, c.created_at, c.updated_at,
		       lm.id, lm.sender_id, lm.content, lm.created_at, lm.edited_at,
		       (SELECT COUNT(*) FROM messages m
		         WHERE m.conversation_id = c.id
		           AND m.sender_id <> ?
		           AND m.deleted_at IS NULL
		           AND m.created_at > p.last_read_at)
		FROM conversations c
		JOIN participants p ON p.conversation_id = c.id AND p.user_id = ?
		LEFT JOIN messages lm ON lm.id = (
			SELECT id FROM messages
			WHERE conversation_id = c.id AND deleted_at IS NULL
			ORDER BY created_at DESC, id DESC
			LIMIT 1
		)
		ORDER BY c.updated_at DESC
	`, userID, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var summaries []models.ConversationSummary
	for rows.Next() {
		var (
			sum       models.ConversationSummary
			idStr     string
			lmID      *string
			lmSender  *string
			lmContent *string
			lmCreated *time.Time
			lmEdited  *time.Time
		)
		err := rows.Scan(
			&idStr,
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
		sum.Conversation.ID = uuid.MustParse(idStr)
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
func (s *SQLiteStore) GetParticipant(ctx context.Context, conversationID uuid.UUID, userID string) (*models.Participant, error) {
	p := &models.Participant{}
	var idStr string
	err := s.db.QueryRowContext(ctx, `
		SELECT conversation_id, user_id, joined_at, last_read_at
		FROM participants WHERE conversation_id = ? AND user_id = ?
	`, conversationID.String(), userID).Scan(
		&idStr,
		&p.UserID,
		&p.JoinedAt,
		&p.LastReadAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	p.ConversationID = uuid.MustParse(idStr)
	return p, nil
}

// MarkRead advances the read watermark, never backwards.
func (s *SQLiteStore) MarkRead(ctx context.Context, conversationID uuid.UUID, userID string, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE participants SET last_read_at = MAX(last_read_at, ?)
		WHERE conversation_id = ? AND user_id = ?
	`, at.UTC(), conversationID.String(), userID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// InsertMessage appends a message row.
func (s *SQLiteStore) InsertMessage(ctx context.Context, msg *models.Message) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (id, conversation_id, sender_id, content, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, msg.ID, msg.ConversationID.String(), msg.SenderID, msg.Content, msg.CreatedAt.UTC())
	return err
}

// GetMessage retrieves a message by ID, including soft-deleted ones.
func (s *SQLiteStore) GetMessage(ctx context.Context, id string) (*models.Message, error) {
	msg := &models.Message{}
	var convIDStr string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, conversation_id, sender_id, content, created_at, edited_at, deleted_at
		FROM messages WHERE id = ?
	`, id).Scan(
		&msg.ID,
		&convIDStr,
		&msg.SenderID,
		&msg.Content,
		&msg.CreatedAt,
		&msg.EditedAt,
		&msg.DeletedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	msg.ConversationID = uuid.MustParse(convIDStr)
	return msg, nil
}

// ListMessagesSince retrieves visible messages in ascending (created_at, id)
// order, strictly after the afterID message when given.
func (s *SQLiteStore) ListMessagesSince(ctx context.Context, conversationID uuid.UUID, afterID string, limit int) ([]models.Message, error) {
	query := `
		SELECT id, conversation_id, sender_id, content, created_at, edited_at, deleted_at
		FROM messages
		WHERE conversation_id = ? AND deleted_at IS NULL
	`
	args := []interface{}{conversationID.String()}
	if afterID != "" {
		query += `
		  AND (created_at, id) > (SELECT created_at, id FROM messages WHERE id = ?)
		ORDER BY created_at ASC, id ASC
		LIMIT ?`
		args = append(args, afterID, limit)
	} else {
		query += `
		ORDER BY created_at ASC, id ASC
		LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var msgs []models.Message
	for rows.Next() {
		var msg models.Message
		var convIDStr string
		err := rows.Scan(
			&msg.ID,
			&convIDStr,
			&msg.SenderID,
			&msg.Content,
			&msg.CreatedAt,
			&msg.EditedAt,
			&msg.DeletedAt,
		)
		if err != nil {
			return nil, err
		}
		msg.ConversationID = uuid.MustParse(convIDStr)
		msgs = append(msgs, msg)
	}
	return msgs, rows.Err()
}

// SoftDeleteMessage marks a message invisible without removing the row.
func (s *SQLiteStore) SoftDeleteMessage(ctx context.Context, id string, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE messages SET deleted_at = ? WHERE id = ? AND deleted_at IS NULL
	`, at.UTC(), id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// UnreadCount counts counterpart messages newer than the caller's watermark.
func (s *SQLiteStore) UnreadCount(ctx context.Context, conversationID uuid.UUID, userID string) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*)
		FROM messages m
		JOIN participants p ON p.conversation_id = m.conversation_id AND p.user_id = ?
		WHERE m.conversation_id = ?
		  AND m.sender_id <> ?
		  AND m.deleted_at IS NULL
		  AND m.created_at > p.last_read_at
	`, userID, conversationID.String(), userID).Scan(&count)
	return count, err
}

// CountConversations returns the total number of conversations.
func (s *SQLiteStore) CountConversations(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM conversations`).Scan(&count)
	return count, err
}

// CountMessages returns the total number of messages, soft-deleted included.
func (s *SQLiteStore) CountMessages(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages`).Scan(&count)
	return count, err
}

// GetMostRecentActivity returns the newest updated_at across conversations.
func (s *SQLiteStore) GetMostRecentActivity(ctx context.Context) (*time.Time, error) {
	var t *time.Time
	err := s.db.QueryRowContext(ctx, `SELECT MAX(updated_at) FROM conversations`).Scan(&t)
	if err != nil {
		return nil, err
	}
	return t, nil
}
