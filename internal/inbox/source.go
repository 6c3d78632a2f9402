package inbox

import (
	"context"

	"github.com/tOgg1/chatdesk/internal/models"
)

// DataSource serves paginated conversations and messages.
type DataSource interface {
	// ListConversations returns conversations ordered by last activity
	// descending. An empty cursor requests the first page.
	ListConversations(ctx context.Context, req models.PageRequest) (models.Page[models.Conversation], error)

	// ListMessages returns the newest page of a conversation's messages; Next
	// walks towards older messages. Item order within a page is not relied on.
	ListMessages(ctx context.Context, conversationID string, req models.PageRequest) (models.Page[models.Message], error)
}

// SearchResults is an ad-hoc result set, disjoint from the registry.
type SearchResults struct {
	Query         string                `json:"query"`
	Conversations []models.Conversation `json:"conversations"`
	// Messages carry their ConversationID so the owning conversation can be opened.
	Messages []models.Message `json:"messages"`
}

// MissingOwners lists the conversation ids of message hits that are not
// already among the conversation hits, in first-seen order. Stores use it to
// resolve the owning conversation of every message hit.
func MissingOwners(conversations []models.Conversation, messages []models.Message) []string {
	seen := make(map[string]struct{}, len(conversations))
	for _, c := range conversations {
		seen[c.ID] = struct{}{}
	}
	var ids []string
	for _, m := range messages {
		if _, ok := seen[m.ConversationID]; ok {
			continue
		}
		seen[m.ConversationID] = struct{}{}
		ids = append(ids, m.ConversationID)
	}
	return ids
}

// Searcher runs free-text queries against the store.
type Searcher interface {
	Search(ctx context.Context, query string, limit int) (SearchResults, error)
}

// ReadMarker persists a mark-as-read.
type ReadMarker interface {
	MarkConversationRead(ctx context.Context, conversationID string) error
}

// Feed is the realtime new-message stream. The returned channel is closed
// when the underlying connection drops or ctx is canceled.
type Feed interface {
	Subscribe(ctx context.Context) (<-chan models.MessageEvent, error)
}
