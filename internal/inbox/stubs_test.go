package inbox

import (
	"context"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/tOgg1/chatdesk/internal/models"
)

var base = time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)

func at(minutes int) time.Time {
	return base.Add(time.Duration(minutes) * time.Minute)
}

func conv(id string, minutes int, unread int) models.Conversation {
	name := "Contact " + id
	return models.Conversation{
		ID:           id,
		Contact:      "+52-55-" + id,
		DisplayName:  &name,
		Status:       models.StatusOpen,
		LastActivity: at(minutes),
		UnreadCount:  unread,
	}
}

func msg(conversationID, id string, minutes int) models.Message {
	return models.Message{
		ID:             id,
		ConversationID: conversationID,
		Sender:         models.SenderInbound,
		Body:           "body " + id,
		Timestamp:      at(minutes),
	}
}

func event(conversationID, id string, minutes int) models.MessageEvent {
	return models.MessageEvent{
		ID:             id,
		ConversationID: conversationID,
		Sender:         models.SenderInbound,
		Body:           "hello " + id,
		Timestamp:      at(minutes),
	}
}

func convIDs(items []models.Conversation) []string {
	out := make([]string, 0, len(items))
	for _, item := range items {
		out = append(out, item.ID)
	}
	return out
}

func msgIDs(items []models.Message) []string {
	out := make([]string, 0, len(items))
	for _, item := range items {
		out = append(out, item.ID)
	}
	return out
}

// gate blocks a stub call until released. entered receives the call key.
type gate struct {
	entered chan string
	release chan struct{}
}

func newGate() *gate {
	return &gate{entered: make(chan string, 16), release: make(chan struct{})}
}

func (g *gate) wait(ctx context.Context, key string) error {
	g.entered <- key
	select {
	case <-g.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// stubSource serves fixed data with index cursors. Conversations are stored
// in list order; messages oldest first and returned newest first.
type stubSource struct {
	mu            sync.Mutex
	conversations []models.Conversation
	messages      map[string][]models.Message

	convErr error
	msgErr  error

	convGate *gate
	msgGates map[string]*gate

	convCalls int
	msgCalls  map[string]int
}

func newStubSource() *stubSource {
	return &stubSource{
		messages: make(map[string][]models.Message),
		msgGates: make(map[string]*gate),
		msgCalls: make(map[string]int),
	}
}

func (s *stubSource) ListConversations(ctx context.Context, req models.PageRequest) (models.Page[models.Conversation], error) {
	s.mu.Lock()
	s.convCalls++
	g := s.convGate
	err := s.convErr
	items := append([]models.Conversation(nil), s.conversations...)
	s.mu.Unlock()

	if g != nil {
		if err := g.wait(ctx, req.Cursor); err != nil {
			return models.Page[models.Conversation]{}, err
		}
	}
	if err != nil {
		return models.Page[models.Conversation]{}, err
	}

	start, _ := strconv.Atoi(req.Cursor)
	if start > len(items) {
		start = len(items)
	}
	end := start + req.Limit
	if end > len(items) {
		end = len(items)
	}
	return models.Page[models.Conversation]{
		Items: items[start:end],
		Next:  models.Cursor{Position: strconv.Itoa(end), HasMore: end < len(items)},
	}, nil
}

func (s *stubSource) ListMessages(ctx context.Context, conversationID string, req models.PageRequest) (models.Page[models.Message], error) {
	s.mu.Lock()
	s.msgCalls[conversationID]++
	g := s.msgGates[conversationID]
	err := s.msgErr
	items := append([]models.Message(nil), s.messages[conversationID]...)
	s.mu.Unlock()

	if g != nil {
		if err := g.wait(ctx, conversationID); err != nil {
			return models.Page[models.Message]{}, err
		}
	}
	if err != nil {
		return models.Page[models.Message]{}, err
	}

	end := len(items)
	if req.Cursor != "" {
		end, _ = strconv.Atoi(req.Cursor)
	}
	start := end - req.Limit
	if start < 0 {
		start = 0
	}
	page := make([]models.Message, 0, end-start)
	for i := end - 1; i >= start; i-- {
		page = append(page, items[i])
	}
	return models.Page[models.Message]{
		Items: page,
		Next:  models.Cursor{Position: strconv.Itoa(start), HasMore: start > 0},
	}, nil
}

func (s *stubSource) setConvGate(g *gate) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.convGate = g
}

func (s *stubSource) setMsgGate(id string, g *gate) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgGates[id] = g
}

func (s *stubSource) conversationCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.convCalls
}

type stubSearcher struct {
	mu      sync.Mutex
	queries []string
	results map[string]SearchResults
}

func (s *stubSearcher) Search(_ context.Context, query string, limit int) (SearchResults, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queries = append(s.queries, query)
	return s.results[query], nil
}

func (s *stubSearcher) seen() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.queries...)
}

type stubReadMarker struct {
	marked chan string
}

func (s *stubReadMarker) MarkConversationRead(_ context.Context, id string) error {
	s.marked <- id
	return nil
}

func nopLogger() *zerolog.Logger {
	logger := zerolog.Nop()
	return &logger
}

func startConsole(t *testing.T, opts Options) *Console {
	t.Helper()
	if opts.Logger == nil {
		opts.Logger = nopLogger()
	}
	c, err := New(opts)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = c.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return c
}

// flush waits until everything posted so far has been applied.
func flush(t *testing.T, c *Console) {
	t.Helper()
	require.NoError(t, c.do(context.Background(), func() {}))
}
