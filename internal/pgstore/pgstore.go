// Package pgstore serves conversations and messages from the hosted
// PostgreSQL database and streams inserts over LISTEN/NOTIFY.
package pgstore

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/tOgg1/chatdesk/internal/inbox"
	"github.com/tOgg1/chatdesk/internal/logging"
	"github.com/tOgg1/chatdesk/internal/models"
)

// ErrConversationNotFound is returned when a conversation id is unknown.
var ErrConversationNotFound = errors.New("conversation not found")

// Store is the PostgreSQL implementation of the console data interfaces.
type Store struct {
	pool   *pgxpool.Pool
	logger zerolog.Logger
}

var (
	_ inbox.DataSource = (*Store)(nil)
	_ inbox.Searcher   = (*Store)(nil)
	_ inbox.ReadMarker = (*Store)(nil)
)

// Connect opens a pool against url and verifies it.
func Connect(ctx context.Context, url string) (*Store, error) {
	if strings.TrimSpace(url) == "" {
		return nil, errors.New("postgres url is required")
	}
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	logger := logging.Component("pgstore")
	logger.Info().Str("url", logging.RedactURL(url)).Msg("connected")
	return New(pool), nil
}

// New wraps an existing pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool, logger: logging.Component("pgstore")}
}

// Pool returns the underlying pool.
func (s *Store) Pool() *pgxpool.Pool {
	return s.pool
}

// Close releases the pool.
func (s *Store) Close() {
	s.pool.Close()
}

// EnsureSchema creates the tables and the insert notification trigger when
// they are missing. channel names the NOTIFY channel.
func (s *Store) EnsureSchema(ctx context.Context, channel string) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS conversations (
			id TEXT PRIMARY KEY,
			contact TEXT NOT NULL,
			display_name TEXT,
			summary TEXT,
			status TEXT NOT NULL DEFAULT 'new',
			campus TEXT,
			last_activity TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			unread_count INTEGER NOT NULL DEFAULT 0 CHECK (unread_count >= 0),
			next_follow_up_at TIMESTAMPTZ,
			last_follow_up_at TIMESTAMPTZ,
			follow_up_attempts INTEGER NOT NULL DEFAULT 0,
			last_message_preview TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
			sender_kind TEXT NOT NULL DEFAULT 'inbound',
			body TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			media TEXT,
			is_read BOOLEAN NOT NULL DEFAULT FALSE
		)`,
		`CREATE INDEX IF NOT EXISTS conversations_activity_idx ON conversations (last_activity DESC, id DESC)`,
		`CREATE INDEX IF NOT EXISTS messages_timeline_idx ON messages (conversation_id, created_at DESC, id DESC)`,
		notifyFunctionSQL(channel),
		`DROP TRIGGER IF EXISTS messages_notify ON messages`,
		`CREATE TRIGGER messages_notify AFTER INSERT ON messages FOR EACH ROW EXECUTE FUNCTION chatdesk_notify_message()`,
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin schema transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	for _, stmt := range statements {
		if _, err := tx.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	return tx.Commit(ctx)
}

func notifyFunctionSQL(channel string) string {
	literal := "'" + strings.ReplaceAll(channel, "'", "''") + "'"
	return `CREATE OR REPLACE FUNCTION chatdesk_notify_message() RETURNS trigger AS $$
BEGIN
	PERFORM pg_notify(` + literal + `, row_to_json(NEW)::text);
	RETURN NEW;
END;
$$ LANGUAGE plpgsql`
}

// ListConversations implements inbox.DataSource.
func (s *Store) ListConversations(ctx context.Context, req models.PageRequest) (models.Page[models.Conversation], error) {
	limit := pageLimit(req.Limit, 20)
	query, args, err := buildConversationQuery(req, limit)
	if err != nil {
		return models.Page[models.Conversation]{}, err
	}

	items, err := s.queryConversations(ctx, query, args...)
	if err != nil {
		return models.Page[models.Conversation]{}, err
	}
	return conversationPage(items, limit), nil
}

// ListMessages implements inbox.DataSource.
func (s *Store) ListMessages(ctx context.Context, conversationID string, req models.PageRequest) (models.Page[models.Message], error) {
	limit := pageLimit(req.Limit, 30)
	query, args, err := buildMessageQuery(conversationID, req, limit)
	if err != nil {
		return models.Page[models.Message]{}, err
	}

	items, err := s.queryMessages(ctx, query, args...)
	if err != nil {
		return models.Page[models.Message]{}, err
	}
	return messagePage(items, limit), nil
}

// Search implements inbox.Searcher.
func (s *Store) Search(ctx context.Context, query string, limit int) (inbox.SearchResults, error) {
	limit = pageLimit(limit, 20)
	pattern := likePattern(query)
	results := inbox.SearchResults{Query: query}

	conversations, err := s.queryConversations(ctx, `SELECT `+conversationColumns+` FROM conversations
		WHERE contact ILIKE $1 OR COALESCE(display_name, '') ILIKE $1
		ORDER BY last_activity DESC, id DESC LIMIT $2`, pattern, limit)
	if err != nil {
		return results, err
	}
	messages, err := s.queryMessages(ctx, `SELECT `+messageColumns+` FROM messages
		WHERE body ILIKE $1
		ORDER BY created_at DESC, id DESC LIMIT $2`, pattern, limit)
	if err != nil {
		return results, err
	}

	if missing := inbox.MissingOwners(conversations, messages); len(missing) > 0 {
		owners, err := s.queryConversations(ctx, `SELECT `+conversationColumns+` FROM conversations
			WHERE id = ANY($1) ORDER BY last_activity DESC, id DESC`, missing)
		if err != nil {
			return results, err
		}
		conversations = append(conversations, owners...)
	}

	results.Conversations = conversations
	results.Messages = messages
	return results, nil
}

// MarkConversationRead implements inbox.ReadMarker.
func (s *Store) MarkConversationRead(ctx context.Context, id string) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `UPDATE conversations SET unread_count = 0 WHERE id = $1`, id)
		if err != nil {
			return fmt.Errorf("failed to reset unread count: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return ErrConversationNotFound
		}
		if _, err := tx.Exec(ctx,
			`UPDATE messages SET is_read = TRUE WHERE conversation_id = $1 AND sender_kind = $2 AND NOT is_read`,
			id, string(models.SenderInbound)); err != nil {
			return fmt.Errorf("failed to mark messages read: %w", err)
		}
		return nil
	})
}

func (s *Store) queryConversations(ctx context.Context, query string, args ...any) ([]models.Conversation, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query conversations: %w", err)
	}
	defer rows.Close()

	var out []models.Conversation
	for rows.Next() {
		var c models.Conversation
		if err := rows.Scan(
			&c.ID, &c.Contact, &c.DisplayName, &c.Summary, &c.Status, &c.Campus, &c.LastActivity,
			&c.UnreadCount, &c.NextFollowUpAt, &c.LastFollowUpAt, &c.FollowUpAttempts, &c.LastMessagePreview,
		); err != nil {
			return nil, fmt.Errorf("failed to scan conversation: %w", err)
		}
		c.LastActivity = c.LastActivity.UTC()
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *Store) queryMessages(ctx context.Context, query string, args ...any) ([]models.Message, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	var out []models.Message
	for rows.Next() {
		var (
			m      models.Message
			sender string
			media  *string
		)
		if err := rows.Scan(&m.ID, &m.ConversationID, &sender, &m.Body, &m.Timestamp, &media, &m.Read); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		kind, err := models.ParseSenderKind(sender)
		if err != nil {
			s.logger.Warn().Str("message_id", m.ID).Err(err).Msg("skipping message with unknown sender")
			continue
		}
		m.Sender = kind
		m.Timestamp = m.Timestamp.UTC()
		if media != nil {
			m.MediaRefs = models.ParseMediaRefs(*media)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
