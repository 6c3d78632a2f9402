package pgstore

import (
	"strconv"
	"strings"

	"github.com/tOgg1/chatdesk/internal/models"
)

const conversationColumns = `id, contact, display_name, summary, status, campus, last_activity,
	unread_count, next_follow_up_at, last_follow_up_at, follow_up_attempts, last_message_preview`

const messageColumns = `id, conversation_id, sender_kind, body, created_at, media, is_read`

// queryBuilder numbers positional parameters as they are added.
type queryBuilder struct {
	sql  strings.Builder
	args []any
}

func (b *queryBuilder) write(s string) {
	b.sql.WriteString(s)
}

// arg appends a value and returns its placeholder.
func (b *queryBuilder) arg(v any) string {
	b.args = append(b.args, v)
	return "$" + strconv.Itoa(len(b.args))
}

func buildConversationQuery(req models.PageRequest, limit int) (string, []any, error) {
	b := &queryBuilder{}
	b.write(`SELECT ` + conversationColumns + ` FROM conversations WHERE TRUE`)

	if status := strings.TrimSpace(req.Filter.Status); status != "" {
		b.write(` AND status = ` + b.arg(status))
	}
	if campus := strings.TrimSpace(req.Filter.Campus); campus != "" {
		b.write(` AND campus = ` + b.arg(campus))
	}
	if req.Filter.UnreadOnly {
		b.write(` AND unread_count > 0`)
	}
	if req.Cursor != "" {
		ts, id, err := models.DecodeCursor(req.Cursor)
		if err != nil {
			return "", nil, err
		}
		b.write(` AND (last_activity, id) < (` + b.arg(ts) + `, ` + b.arg(id) + `)`)
	}
	b.write(` ORDER BY last_activity DESC, id DESC LIMIT ` + b.arg(limit+1))
	return b.sql.String(), b.args, nil
}

func buildMessageQuery(conversationID string, req models.PageRequest, limit int) (string, []any, error) {
	b := &queryBuilder{}
	b.write(`SELECT ` + messageColumns + ` FROM messages WHERE conversation_id = ` + b.arg(conversationID))

	if req.Cursor != "" {
		ts, id, err := models.DecodeCursor(req.Cursor)
		if err != nil {
			return "", nil, err
		}
		b.write(` AND (created_at, id) < (` + b.arg(ts) + `, ` + b.arg(id) + `)`)
	}
	b.write(` ORDER BY created_at DESC, id DESC LIMIT ` + b.arg(limit+1))
	return b.sql.String(), b.args, nil
}

func conversationPage(items []models.Conversation, limit int) models.Page[models.Conversation] {
	page := models.Page[models.Conversation]{Items: items}
	if len(items) > limit {
		page.Items = items[:limit]
		last := page.Items[limit-1]
		page.Next = models.Cursor{Position: models.EncodeCursor(last.LastActivity, last.ID), HasMore: true}
	}
	return page
}

func messagePage(items []models.Message, limit int) models.Page[models.Message] {
	page := models.Page[models.Message]{Items: items}
	if len(items) > limit {
		page.Items = items[:limit]
		last := page.Items[limit-1]
		page.Next = models.Cursor{Position: models.EncodeCursor(last.Timestamp, last.ID), HasMore: true}
	}
	return page
}

func likePattern(query string) string {
	replacer := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return "%" + replacer.Replace(strings.TrimSpace(query)) + "%"
}

func pageLimit(limit, fallback int) int {
	if limit <= 0 {
		return fallback
	}
	return limit
}
