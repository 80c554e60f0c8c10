package store

import (
	"context"

	"github.com/jackc/pgx/v5"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS conversations (
	id UUID PRIMARY KEY,
	user_a TEXT NOT NULL,
	user_b TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	CONSTRAINT conversations_pair_unique UNIQUE (user_a, user_b),
	CONSTRAINT conversations_pair_canonical CHECK (user_a < user_b)
);

CREATE TABLE IF NOT EXISTS participants (
	conversation_id UUID NOT NULL REFERENCES conversations(id),
	user_id TEXT NOT NULL,
	joined_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	last_read_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	PRIMARY KEY (conversation_id, user_id)
);

CREATE TABLE IF NOT EXISTS messages (
	id TEXT PRIMARY KEY,
	conversation_id UUID NOT NULL REFERENCES conversations(id),
	sender_id TEXT NOT NULL,
	content TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	edited_at TIMESTAMPTZ,
	deleted_at TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_participants_user ON participants(user_id);
CREATE INDEX IF NOT EXISTS idx_messages_conversation_order ON messages(conversation_id, created_at, id);
CREATE INDEX IF NOT EXISTS idx_conversations_updated ON conversations(updated_at);
`

// RunMigrations applies the schema to the PostgreSQL database. Statements
// are idempotent, so running on every boot is safe.
func RunMigrations(databaseURL string) error {
	ctx := context.Background()

	conn, err := pgx.Connect(ctx, databaseURL)
	if err != nil {
		return err
	}
	defer conn.Close(ctx)

	_, err = conn.Exec(ctx, postgresSchema)
	return err
}
