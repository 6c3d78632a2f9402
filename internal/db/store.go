package db

import (
	"context"

	"github.com/tOgg1/chatdesk/internal/inbox"
	"github.com/tOgg1/chatdesk/internal/models"
)

// Store exposes the local database through the console's collaborator
// interfaces.
type Store struct {
	db            *DB
	Conversations *ConversationRepository
	Messages      *MessageRepository
}

var (
	_ inbox.DataSource = (*Store)(nil)
	_ inbox.Searcher   = (*Store)(nil)
	_ inbox.ReadMarker = (*Store)(nil)
)

// NewStore creates a Store over a migrated database.
func NewStore(db *DB) *Store {
	return &Store{
		db:            db,
		Conversations: NewConversationRepository(db),
		Messages:      NewMessageRepository(db),
	}
}

// DB returns the underlying database.
func (s *Store) DB() *DB {
	return s.db
}

// ListConversations implements inbox.DataSource.
func (s *Store) ListConversations(ctx context.Context, req models.PageRequest) (models.Page[models.Conversation], error) {
	return s.Conversations.List(ctx, req)
}

// ListMessages implements inbox.DataSource.
func (s *Store) ListMessages(ctx context.Context, conversationID string, req models.PageRequest) (models.Page[models.Message], error) {
	return s.Messages.ListForConversation(ctx, conversationID, req)
}

// MarkConversationRead implements inbox.ReadMarker.
func (s *Store) MarkConversationRead(ctx context.Context, id string) error {
	return s.Conversations.MarkRead(ctx, id)
}

// Search implements inbox.Searcher. Conversations matching by name or contact
// come first, followed by the owners of matching messages.
func (s *Store) Search(ctx context.Context, query string, limit int) (inbox.SearchResults, error) {
	results := inbox.SearchResults{Query: query}

	conversations, err := s.Conversations.Search(ctx, query, limit)
	if err != nil {
		return results, err
	}
	messages, err := s.Messages.Search(ctx, query, limit)
	if err != nil {
		return results, err
	}

	owners, err := s.Conversations.GetMany(ctx, inbox.MissingOwners(conversations, messages))
	if err != nil {
		return results, err
	}

	results.Conversations = append(conversations, owners...)
	results.Messages = messages
	return results, nil
}

// MessagesSince returns events for messages stored after position.
func (s *Store) MessagesSince(ctx context.Context, position string, limit int) ([]models.MessageEvent, string, error) {
	messages, next, err := s.Messages.Since(ctx, position, limit)
	if err != nil {
		return nil, next, err
	}
	events := make([]models.MessageEvent, 0, len(messages))
	for _, m := range messages {
		events = append(events, models.MessageEvent{
			ID:             m.ID,
			ConversationID: m.ConversationID,
			Sender:         m.Sender,
			Body:           m.Body,
			Timestamp:      m.Timestamp,
			MediaRefs:      m.MediaRefs,
		})
	}
	return events, next, nil
}

// Head returns the position of the newest stored message.
func (s *Store) Head(ctx context.Context) (string, error) {
	return s.Messages.Head(ctx)
}
