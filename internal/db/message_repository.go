package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"

	"github.com/tOgg1/chatdesk/internal/models"
)

const defaultMessagePageSize = 30

const messageColumns = `seq, id, conversation_id, sender_kind, body, created_at, media, is_read`

// MessageRepository handles message persistence.
type MessageRepository struct {
	db *DB
}

// NewMessageRepository creates a new MessageRepository.
func NewMessageRepository(db *DB) *MessageRepository {
	return &MessageRepository{db: db}
}

// Insert stores a message and updates its conversation summary: last
// activity never moves backwards, the preview follows the newest message and
// inbound messages count as unread. Inserting an id that already exists is a
// no-op and reports false.
func (r *MessageRepository) Insert(ctx context.Context, m *models.Message) (bool, error) {
	sender, err := models.ParseSenderKind(string(m.Sender))
	if err != nil {
		return false, err
	}
	m.Sender = sender
	if err := m.Validate(); err != nil {
		return false, err
	}

	inserted := false
	err = r.db.write(ctx, "insert message", func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO messages (id, conversation_id, sender_kind, body, created_at, media, is_read)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO NOTHING
		`,
			m.ID,
			m.ConversationID,
			string(m.Sender),
			m.Body,
			formatTime(m.Timestamp),
			models.EncodeMediaRefs(m.MediaRefs),
			m.Read,
		)
		if err != nil {
			return fmt.Errorf("failed to insert message: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return nil
		}
		inserted = true

		unread := 0
		if m.Sender == models.SenderInbound && !m.Read {
			unread = 1
		}
		stamp := formatTime(m.Timestamp)
		res, err = tx.ExecContext(ctx, `
			UPDATE conversations SET
				unread_count = unread_count + ?,
				last_message_preview = CASE WHEN last_activity <= ? THEN ? ELSE last_message_preview END,
				last_activity = MAX(last_activity, ?)
			WHERE id = ?
		`, unread, stamp, models.Preview(m.Body), stamp, m.ConversationID)
		if err != nil {
			return fmt.Errorf("failed to update conversation: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrConversationNotFound
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	return inserted, nil
}

// ListForConversation returns the newest page of a conversation's messages.
// Items are newest first; the cursor walks towards older messages.
func (r *MessageRepository) ListForConversation(ctx context.Context, conversationID string, req models.PageRequest) (models.Page[models.Message], error) {
	limit := pageLimit(req.Limit, defaultMessagePageSize)

	query := `SELECT ` + messageColumns + ` FROM messages WHERE conversation_id = ?`
	args := []any{conversationID}
	if req.Cursor != "" {
		ts, id, err := models.DecodeCursor(req.Cursor)
		if err != nil {
			return models.Page[models.Message]{}, err
		}
		query += ` AND (created_at, id) < (?, ?)`
		args = append(args, formatTime(ts), id)
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ?`
	args = append(args, limit+1)

	rows, err := r.query(ctx, query, args...)
	if err != nil {
		return models.Page[models.Message]{}, err
	}

	page := models.Page[models.Message]{Items: make([]models.Message, 0, len(rows))}
	for _, row := range rows {
		page.Items = append(page.Items, row.Message)
	}
	if len(page.Items) > limit {
		page.Items = page.Items[:limit]
		last := page.Items[limit-1]
		page.Next = models.Cursor{Position: models.EncodeCursor(last.Timestamp, last.ID), HasMore: true}
	}
	return page, nil
}

// Search matches message bodies, newest first.
func (r *MessageRepository) Search(ctx context.Context, query string, limit int) ([]models.Message, error) {
	rows, err := r.query(ctx, `
		SELECT `+messageColumns+` FROM messages
		WHERE lower(body) LIKE ? ESCAPE '\'
		ORDER BY created_at DESC, id DESC
		LIMIT ?
	`, likePattern(query), pageLimit(limit, defaultMessagePageSize))
	if err != nil {
		return nil, err
	}
	out := make([]models.Message, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.Message)
	}
	return out, nil
}

// Since returns messages stored after the given position in insertion order,
// along with the position of the last one returned. An empty position starts
// from the beginning.
func (r *MessageRepository) Since(ctx context.Context, position string, limit int) ([]models.Message, string, error) {
	after, err := parsePosition(position)
	if err != nil {
		return nil, position, err
	}

	rows, err := r.query(ctx, `SELECT `+messageColumns+` FROM messages WHERE seq > ? ORDER BY seq LIMIT ?`,
		after, pageLimit(limit, 100))
	if err != nil {
		return nil, position, err
	}
	if len(rows) == 0 {
		return nil, position, nil
	}

	out := make([]models.Message, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.Message)
	}
	return out, strconv.FormatInt(rows[len(rows)-1].seq, 10), nil
}

// Head returns the position of the newest stored message.
func (r *MessageRepository) Head(ctx context.Context) (string, error) {
	var seq sql.NullInt64
	if err := r.db.QueryRowContext(ctx, `SELECT MAX(seq) FROM messages`).Scan(&seq); err != nil {
		return "", fmt.Errorf("failed to read message head: %w", err)
	}
	return strconv.FormatInt(seq.Int64, 10), nil
}

var errInvalidPosition = errors.New("invalid message position")

func parsePosition(position string) (int64, error) {
	if position == "" {
		return 0, nil
	}
	seq, err := strconv.ParseInt(position, 10, 64)
	if err != nil || seq < 0 {
		return 0, fmt.Errorf("%w: %q", errInvalidPosition, position)
	}
	return seq, nil
}

type messageRow struct {
	models.Message
	seq int64
}

func (r *MessageRepository) query(ctx context.Context, query string, args ...any) ([]messageRow, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	var out []messageRow
	for rows.Next() {
		var (
			row     messageRow
			sender  string
			created string
			media   sql.NullString
		)
		if err := rows.Scan(&row.seq, &row.ID, &row.ConversationID, &sender, &row.Body, &created, &media, &row.Read); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		if row.Sender, err = models.ParseSenderKind(sender); err != nil {
			return nil, fmt.Errorf("message %s: %w", row.ID, err)
		}
		if row.Timestamp, err = parseTime(created); err != nil {
			return nil, fmt.Errorf("failed to parse created_at: %w", err)
		}
		row.MediaRefs = models.ParseMediaRefs(media.String)
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating messages: %w", err)
	}
	return out, nil
}
