package inbox

import (
	"sort"

	"github.com/tOgg1/chatdesk/internal/models"
)

// Timeline holds the ordered messages of the bound conversation. Like the
// Registry it is owned by the Console loop.
type Timeline struct {
	bound    string
	items    []models.Message
	ids      map[string]struct{}
	cursor   models.Cursor
	pageSize int

	generation  uint64
	loading     bool
	loadingMore bool
}

type timelineTicket struct {
	conversationID string
	generation     uint64
	req            models.PageRequest
}

// NewTimeline creates an unbound timeline.
func NewTimeline(pageSize int) *Timeline {
	if pageSize <= 0 {
		pageSize = 30
	}
	return &Timeline{
		pageSize: pageSize,
		ids:      make(map[string]struct{}),
	}
}

// Rebind switches the bound conversation (empty for none) and drops all
// content, cursor and in-flight state.
func (t *Timeline) Rebind(conversationID string) {
	t.bound = conversationID
	t.items = nil
	t.ids = make(map[string]struct{})
	t.cursor = models.Cursor{}
	t.generation++
	t.loading = false
	t.loadingMore = false
}

// Bound returns the bound conversation id.
func (t *Timeline) Bound() string { return t.bound }

func (t *Timeline) beginInitial() (timelineTicket, bool) {
	if t.bound == "" {
		return timelineTicket{}, false
	}
	t.generation++
	t.loading = true
	t.loadingMore = false
	return timelineTicket{
		conversationID: t.bound,
		generation:     t.generation,
		req:            models.PageRequest{Limit: t.pageSize},
	}, true
}

// applyInitial merges the newest page with whatever was appended since the
// load began. Tickets for another conversation or an older generation are
// rejected.
func (t *Timeline) applyInitial(tk timelineTicket, page models.Page[models.Message]) bool {
	if !t.current(tk) {
		return false
	}
	for _, msg := range page.Items {
		t.insert(msg)
	}
	t.cursor = page.Next
	t.loading = false
	return true
}

func (t *Timeline) failInitial(tk timelineTicket) bool {
	if !t.current(tk) {
		return false
	}
	t.loading = false
	return true
}

func (t *Timeline) beginMore() (timelineTicket, bool) {
	if t.bound == "" || t.loading || t.loadingMore || !t.cursor.HasMore {
		return timelineTicket{}, false
	}
	t.loadingMore = true
	return timelineTicket{
		conversationID: t.bound,
		generation:     t.generation,
		req:            models.PageRequest{Cursor: t.cursor.Position, Limit: t.pageSize},
	}, true
}

// applyMore inserts older messages without touching those already present.
func (t *Timeline) applyMore(tk timelineTicket, page models.Page[models.Message]) (int, bool) {
	if !t.current(tk) {
		return 0, false
	}
	t.loadingMore = false
	t.cursor = page.Next
	added := 0
	for _, msg := range page.Items {
		if t.insert(msg) {
			added++
		}
	}
	return added, true
}

func (t *Timeline) failMore(tk timelineTicket) {
	if t.current(tk) {
		t.loadingMore = false
	}
}

func (t *Timeline) current(tk timelineTicket) bool {
	return tk.generation == t.generation && tk.conversationID == t.bound && t.bound != ""
}

// Append inserts msg in (timestamp, id) order if it belongs to the bound
// conversation and its id is new. It reports whether an insertion happened.
func (t *Timeline) Append(msg models.Message) bool {
	if t.bound == "" || msg.ConversationID != t.bound {
		return false
	}
	return t.insert(msg)
}

func (t *Timeline) insert(msg models.Message) bool {
	if msg.ID == "" || msg.ConversationID != t.bound {
		return false
	}
	if _, dup := t.ids[msg.ID]; dup {
		return false
	}
	msg = msg.Clone()
	idx := sort.Search(len(t.items), func(i int) bool {
		return models.MessageLess(&msg, &t.items[i])
	})
	t.items = append(t.items, models.Message{})
	copy(t.items[idx+1:], t.items[idx:])
	t.items[idx] = msg
	t.ids[msg.ID] = struct{}{}
	return true
}

// MarkAllRead flags every loaded message as read.
func (t *Timeline) MarkAllRead() {
	for i := range t.items {
		t.items[i].Read = true
	}
}

// Messages returns a copy of the ordered messages.
func (t *Timeline) Messages() []models.Message {
	out := make([]models.Message, len(t.items))
	for i := range t.items {
		out[i] = t.items[i].Clone()
	}
	return out
}

// Len returns the number of loaded messages.
func (t *Timeline) Len() int { return len(t.items) }

// Cursor returns the cursor towards older messages.
func (t *Timeline) Cursor() models.Cursor { return t.cursor }

// Loading reports whether the initial page is outstanding.
func (t *Timeline) Loading() bool { return t.loading }
