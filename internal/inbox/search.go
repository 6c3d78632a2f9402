package inbox

import (
	"strings"
	"time"

	"github.com/tOgg1/chatdesk/internal/models"
)

// MinSearchDebounce is the shortest accepted quiet period.
const MinSearchDebounce = 500 * time.Millisecond

// SearchOverlay is a read-only view over the registry plus an optional
// remote result set. It never mutates the Registry or the Timeline.
type SearchOverlay struct {
	remote   bool
	debounce time.Duration
	limit    int

	// input is the latest typed text; query is the text the quiet period
	// has settled on.
	input   string
	query   string
	seq     uint64
	pending bool
	results *SearchResults
	err     error
}

// SearchState is the overlay as seen by the UI.
type SearchState struct {
	Input         string                `json:"input"`
	Query         string                `json:"query"`
	Active        bool                  `json:"active"`
	Pending       bool                  `json:"pending"`
	Remote        bool                  `json:"remote"`
	Conversations []models.Conversation `json:"conversations,omitempty"`
	Messages      []models.Message      `json:"messages,omitempty"`
	Error         string                `json:"error,omitempty"`
}

// NewSearchOverlay creates an inert overlay. remote selects the data source
// search; otherwise the registry's loaded page is filtered locally.
func NewSearchOverlay(remote bool, debounce time.Duration, limit int) *SearchOverlay {
	if debounce < MinSearchDebounce {
		debounce = MinSearchDebounce
	}
	if limit <= 0 {
		limit = 20
	}
	return &SearchOverlay{remote: remote, debounce: debounce, limit: limit}
}

// Debounce returns the quiet period.
func (s *SearchOverlay) Debounce() time.Duration { return s.debounce }

// setInput records typed text. It returns the sequence token the debounce
// timer must present, or ok=false when the input is empty and the overlay
// went inert immediately.
func (s *SearchOverlay) setInput(text string) (seq uint64, ok bool) {
	s.seq++
	s.input = text
	if strings.TrimSpace(text) == "" {
		s.query = ""
		s.pending = false
		s.results = nil
		s.err = nil
		return s.seq, false
	}
	s.pending = true
	return s.seq, true
}

// settle applies the quiet period. For remote overlays it reports that a
// fetch must be issued for the returned query.
func (s *SearchOverlay) settle(seq uint64) (query string, fetch bool, ok bool) {
	if seq != s.seq {
		return "", false, false
	}
	s.query = strings.TrimSpace(s.input)
	s.err = nil
	if !s.remote {
		s.pending = false
		return s.query, false, true
	}
	return s.query, true, true
}

// applyResults stores a remote result set if it answers the latest query.
func (s *SearchOverlay) applyResults(seq uint64, results SearchResults, err error) bool {
	if seq != s.seq {
		return false
	}
	s.pending = false
	if err != nil {
		s.err = err
		return true
	}
	results.Query = s.query
	s.results = &results
	return true
}

func (s *SearchOverlay) reset() {
	s.setInput("")
	s.input = ""
}

// Active reports whether a settled query is shaping the view.
func (s *SearchOverlay) Active() bool { return s.query != "" }

// View returns the conversations the list should show.
func (s *SearchOverlay) View(registry *Registry) []models.Conversation {
	if !s.Active() {
		return registry.Items()
	}
	if s.remote {
		if s.results == nil {
			return nil
		}
		out := make([]models.Conversation, len(s.results.Conversations))
		for i := range s.results.Conversations {
			out[i] = s.results.Conversations[i].Clone()
		}
		return out
	}
	return FilterConversations(registry.Items(), s.query)
}

// State returns a copy of the overlay for snapshots.
func (s *SearchOverlay) State() SearchState {
	state := SearchState{
		Input:   s.input,
		Query:   s.query,
		Active:  s.Active(),
		Pending: s.pending,
		Remote:  s.remote,
	}
	if s.results != nil {
		for _, c := range s.results.Conversations {
			state.Conversations = append(state.Conversations, c.Clone())
		}
		for _, m := range s.results.Messages {
			state.Messages = append(state.Messages, m.Clone())
		}
	}
	if s.err != nil {
		state.Error = s.err.Error()
	}
	return state
}

// FilterConversations keeps conversations whose display name or contact
// contains query, case-insensitively.
func FilterConversations(items []models.Conversation, query string) []models.Conversation {
	needle := strings.ToLower(strings.TrimSpace(query))
	if needle == "" {
		return items
	}
	out := make([]models.Conversation, 0, len(items))
	for _, conv := range items {
		if strings.Contains(strings.ToLower(conv.Contact), needle) {
			out = append(out, conv)
			continue
		}
		if conv.DisplayName != nil && strings.Contains(strings.ToLower(*conv.DisplayName), needle) {
			out = append(out, conv)
		}
	}
	return out
}
