package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/tOgg1/chatdesk/internal/models"
)

// Conversation repository errors.
var (
	ErrConversationNotFound = errors.New("conversation not found")
)

const defaultConversationPageSize = 20

const conversationColumns = `id, contact, display_name, summary, status, campus, last_activity,
	unread_count, next_follow_up_at, last_follow_up_at, follow_up_attempts, last_message_preview`

// ConversationRepository handles conversation persistence.
type ConversationRepository struct {
	db *DB
}

// NewConversationRepository creates a new ConversationRepository.
func NewConversationRepository(db *DB) *ConversationRepository {
	return &ConversationRepository{db: db}
}

type rowScanner interface {
	Scan(dest ...any) error
}

// Upsert inserts a conversation or replaces every stored field of an
// existing one.
func (r *ConversationRepository) Upsert(ctx context.Context, c *models.Conversation) error {
	if err := c.Validate(); err != nil {
		return err
	}
	if c.Status == "" {
		c.Status = models.StatusNew
	}

	err := r.db.write(ctx, "upsert conversation", func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO conversations (`+conversationColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				contact = excluded.contact,
				display_name = excluded.display_name,
				summary = excluded.summary,
				status = excluded.status,
				campus = excluded.campus,
				last_activity = excluded.last_activity,
				unread_count = excluded.unread_count,
				next_follow_up_at = excluded.next_follow_up_at,
				last_follow_up_at = excluded.last_follow_up_at,
				follow_up_attempts = excluded.follow_up_attempts,
				last_message_preview = excluded.last_message_preview
		`,
			c.ID,
			c.Contact,
			c.DisplayName,
			c.Summary,
			c.Status,
			c.Campus,
			formatTime(c.LastActivity),
			c.UnreadCount,
			formatTimePtr(c.NextFollowUpAt),
			formatTimePtr(c.LastFollowUpAt),
			c.FollowUpAttempts,
			c.LastMessagePreview,
		)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to upsert conversation: %w", err)
	}
	return nil
}

// Get retrieves a conversation by ID.
func (r *ConversationRepository) Get(ctx context.Context, id string) (*models.Conversation, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+conversationColumns+` FROM conversations WHERE id = ?`, id)
	c, err := scanConversation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrConversationNotFound
	}
	return c, err
}

// List returns one page ordered by last activity descending, id descending.
// The cursor is the keyset position of the last row of the previous page.
func (r *ConversationRepository) List(ctx context.Context, req models.PageRequest) (models.Page[models.Conversation], error) {
	limit := pageLimit(req.Limit, defaultConversationPageSize)

	query := `SELECT ` + conversationColumns + ` FROM conversations WHERE 1=1`
	args := []any{}

	if status := strings.TrimSpace(req.Filter.Status); status != "" {
		query += ` AND status = ?`
		args = append(args, status)
	}
	if campus := strings.TrimSpace(req.Filter.Campus); campus != "" {
		query += ` AND campus = ?`
		args = append(args, campus)
	}
	if req.Filter.UnreadOnly {
		query += ` AND unread_count > 0`
	}
	if req.Cursor != "" {
		ts, id, err := models.DecodeCursor(req.Cursor)
		if err != nil {
			return models.Page[models.Conversation]{}, err
		}
		query += ` AND (last_activity, id) < (?, ?)`
		args = append(args, formatTime(ts), id)
	}

	query += ` ORDER BY last_activity DESC, id DESC LIMIT ?`
	args = append(args, limit+1)

	items, err := r.query(ctx, query, args...)
	if err != nil {
		return models.Page[models.Conversation]{}, err
	}

	page := models.Page[models.Conversation]{Items: items}
	if len(items) > limit {
		page.Items = items[:limit]
		last := page.Items[limit-1]
		page.Next = models.Cursor{Position: models.EncodeCursor(last.LastActivity, last.ID), HasMore: true}
	}
	return page, nil
}

// Search matches contact identifiers and display names, newest first.
func (r *ConversationRepository) Search(ctx context.Context, query string, limit int) ([]models.Conversation, error) {
	pattern := likePattern(query)
	return r.query(ctx, `
		SELECT `+conversationColumns+` FROM conversations
		WHERE lower(contact) LIKE ? ESCAPE '\' OR lower(COALESCE(display_name, '')) LIKE ? ESCAPE '\'
		ORDER BY last_activity DESC, id DESC
		LIMIT ?
	`, pattern, pattern, pageLimit(limit, defaultConversationPageSize))
}

// GetMany returns the conversations with the given ids, newest first.
// Unknown ids are skipped.
func (r *ConversationRepository) GetMany(ctx context.Context, ids []string) ([]models.Conversation, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return r.query(ctx, `SELECT `+conversationColumns+` FROM conversations WHERE id IN (`+placeholders+`)
		ORDER BY last_activity DESC, id DESC`, args...)
}

// MarkRead zeroes the unread counter and flags inbound messages as read.
func (r *ConversationRepository) MarkRead(ctx context.Context, id string) error {
	return r.db.write(ctx, "mark read", func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE conversations SET unread_count = 0 WHERE id = ?`, id)
		if err != nil {
			return fmt.Errorf("failed to reset unread count: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrConversationNotFound
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE messages SET is_read = 1 WHERE conversation_id = ? AND sender_kind = ? AND is_read = 0`,
			id, string(models.SenderInbound)); err != nil {
			return fmt.Errorf("failed to mark messages read: %w", err)
		}
		return nil
	})
}

// Count returns the number of stored conversations.
func (r *ConversationRepository) Count(ctx context.Context) (int, error) {
	var n int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM conversations`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count conversations: %w", err)
	}
	return n, nil
}

func (r *ConversationRepository) query(ctx context.Context, query string, args ...any) ([]models.Conversation, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query conversations: %w", err)
	}
	defer rows.Close()

	var out []models.Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating conversations: %w", err)
	}
	return out, nil
}

func scanConversation(row rowScanner) (*models.Conversation, error) {
	var (
		c              models.Conversation
		displayName    sql.NullString
		summary        sql.NullString
		campus         sql.NullString
		lastActivity   string
		nextFollowUpAt sql.NullString
		lastFollowUpAt sql.NullString
		preview        sql.NullString
	)

	err := row.Scan(
		&c.ID,
		&c.Contact,
		&displayName,
		&summary,
		&c.Status,
		&campus,
		&lastActivity,
		&c.UnreadCount,
		&nextFollowUpAt,
		&lastFollowUpAt,
		&c.FollowUpAttempts,
		&preview,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan conversation: %w", err)
	}

	c.DisplayName = nullString(displayName)
	c.Summary = nullString(summary)
	c.Campus = nullString(campus)
	c.LastMessagePreview = nullString(preview)

	if c.LastActivity, err = parseTime(lastActivity); err != nil {
		return nil, fmt.Errorf("failed to parse last_activity: %w", err)
	}
	if c.NextFollowUpAt, err = parseTimePtr(nextFollowUpAt); err != nil {
		return nil, fmt.Errorf("failed to parse next_follow_up_at: %w", err)
	}
	if c.LastFollowUpAt, err = parseTimePtr(lastFollowUpAt); err != nil {
		return nil, fmt.Errorf("failed to parse last_follow_up_at: %w", err)
	}
	return &c, nil
}
