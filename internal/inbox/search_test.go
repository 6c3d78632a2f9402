package inbox

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tOgg1/chatdesk/internal/models"
)

func TestFilterConversations(t *testing.T) {
	ana := "Ana Ruiz"
	items := []models.Conversation{
		{ID: "1", Contact: "+5215550001", DisplayName: &ana},
		{ID: "2", Contact: "+5215550002"},
		{ID: "3", Contact: "+5215559999"},
	}

	require.Equal(t, []string{"1"}, convIDs(FilterConversations(items, "ANA")))
	require.Equal(t, []string{"1", "2"}, convIDs(FilterConversations(items, "555000")))
	require.Empty(t, FilterConversations(items, "nobody"))
	require.Len(t, FilterConversations(items, "  "), 3)
}

func TestSearchOverlayDebounceFloor(t *testing.T) {
	require.Equal(t, MinSearchDebounce, NewSearchOverlay(false, 10*time.Millisecond, 0).Debounce())
	require.Equal(t, 2*time.Second, NewSearchOverlay(false, 2*time.Second, 0).Debounce())
}

func TestSearchOverlayEmptyInputIsInert(t *testing.T) {
	s := NewSearchOverlay(true, 0, 10)
	seq, ok := s.setInput("ana")
	require.True(t, ok)
	_, fetch, ok := s.settle(seq)
	require.True(t, ok)
	require.True(t, fetch)
	s.applyResults(seq, SearchResults{Conversations: []models.Conversation{conv("9", 1, 0)}}, nil)
	require.True(t, s.Active())

	_, ok = s.setInput("   ")
	require.False(t, ok)
	require.False(t, s.Active())
	require.Empty(t, s.State().Conversations)

	r := loadedRegistry(t, conv("1", 1, 0))
	require.Equal(t, []string{"1"}, convIDs(s.View(r)))
}

func TestSearchOverlayDiscardsStaleSettleAndResults(t *testing.T) {
	s := NewSearchOverlay(true, 0, 10)
	first, _ := s.setInput("an")
	second, _ := s.setInput("ana")

	_, _, ok := s.settle(first)
	require.False(t, ok, "superseded keystroke must not settle")

	query, _, ok := s.settle(second)
	require.True(t, ok)
	require.Equal(t, "ana", query)

	require.False(t, s.applyResults(first, SearchResults{}, nil))
	require.True(t, s.applyResults(second, SearchResults{Conversations: []models.Conversation{conv("5", 1, 0)}}, nil))
	require.Equal(t, "5", s.State().Conversations[0].ID)
	require.False(t, s.State().Pending)
}

func TestSearchOverlayRemoteViewNeverTouchesRegistry(t *testing.T) {
	r := loadedRegistry(t, conv("1", 2, 0), conv("2", 1, 0))
	s := NewSearchOverlay(true, 0, 10)
	seq, _ := s.setInput("x")
	s.settle(seq)
	s.applyResults(seq, SearchResults{Conversations: []models.Conversation{conv("77", 1, 0)}}, nil)

	require.Equal(t, []string{"77"}, convIDs(s.View(r)))
	require.Equal(t, []string{"1", "2"}, convIDs(r.Items()))
}

func TestSearchOverlayLocalMode(t *testing.T) {
	r := loadedRegistry(t, conv("1", 2, 0), conv("2", 1, 0))
	s := NewSearchOverlay(false, 0, 10)
	seq, _ := s.setInput("contact 2")
	_, fetch, ok := s.settle(seq)
	require.True(t, ok)
	require.False(t, fetch)

	require.Equal(t, []string{"2"}, convIDs(s.View(r)))
}

func TestSearchOverlayRecordsError(t *testing.T) {
	s := NewSearchOverlay(true, 0, 10)
	seq, _ := s.setInput("boom")
	s.settle(seq)
	s.applyResults(seq, SearchResults{}, errors.New("unavailable"))

	state := s.State()
	require.Equal(t, "unavailable", state.Error)
	require.False(t, state.Pending)
}

func TestMissingOwners(t *testing.T) {
	convs := []models.Conversation{{ID: "a"}}
	msgs := []models.Message{{ConversationID: "b"}, {ConversationID: "a"}, {ConversationID: "b"}, {ConversationID: "c"}}
	require.Equal(t, []string{"b", "c"}, MissingOwners(convs, msgs))
	require.Nil(t, MissingOwners(convs, nil))
}
