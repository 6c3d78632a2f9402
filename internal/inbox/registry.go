package inbox

import (
	"github.com/tOgg1/chatdesk/internal/models"
)

// Registry is the ordered, paginated conversation list. It is not safe for
// concurrent use; the Console loop is its only writer.
type Registry struct {
	items    []models.Conversation
	cursor   models.Cursor
	filter   models.ConversationFilter
	pageSize int

	active string

	// generation invalidates in-flight loads on Load and Clear.
	generation  uint64
	loading     bool
	loadingMore bool

	// touched holds entries upserted while a Load is in flight so the
	// server snapshot cannot drop them.
	touched []models.Conversation

	highlights map[string]uint64
	highlightN uint64

	// recent holds the last event ids applied per conversation. The feed
	// may redeliver an event; a repeat must not count as unread again.
	recent map[string][]string
}

// recentEventIDs bounds the per-conversation redelivery window.
const recentEventIDs = 32

type registryTicket struct {
	generation uint64
	req        models.PageRequest
}

// NewRegistry creates an empty registry.
func NewRegistry(pageSize int) *Registry {
	if pageSize <= 0 {
		pageSize = 20
	}
	return &Registry{
		pageSize:   pageSize,
		highlights: make(map[string]uint64),
		recent:     make(map[string][]string),
	}
}

func (r *Registry) beginLoad(filter models.ConversationFilter) registryTicket {
	r.generation++
	r.filter = filter
	r.loading = true
	r.loadingMore = false
	r.touched = nil
	return registryTicket{
		generation: r.generation,
		req:        models.PageRequest{Limit: r.pageSize, Filter: filter},
	}
}

// applyLoad replaces the collection with server truth. Entries promoted by
// events while the load was in flight are folded back in at the front.
func (r *Registry) applyLoad(t registryTicket, page models.Page[models.Conversation]) bool {
	if t.generation != r.generation {
		return false
	}

	items := make([]models.Conversation, 0, len(page.Items)+len(r.touched))
	seen := make(map[string]int, len(page.Items))
	for _, conv := range page.Items {
		if _, dup := seen[conv.ID]; dup {
			continue
		}
		conv = conv.Clone()
		conv.JustUpdated = false
		seen[conv.ID] = len(items)
		items = append(items, conv)
	}

	var front []models.Conversation
	for _, local := range r.touched {
		if idx, ok := seen[local.ID]; ok {
			remote := items[idx]
			if local.LastActivity.After(remote.LastActivity) {
				remote.LastActivity = local.LastActivity
				remote.LastMessagePreview = local.LastMessagePreview
			}
			if local.UnreadCount > remote.UnreadCount {
				remote.UnreadCount = local.UnreadCount
			}
			remote.JustUpdated = local.JustUpdated
			items = append(items[:idx], items[idx+1:]...)
			for id, i := range seen {
				if i > idx {
					seen[id] = i - 1
				}
			}
			delete(seen, local.ID)
			local = remote
		}
		front = append(front, local)
	}

	r.items = append(front, items...)
	r.cursor = page.Next
	r.loading = false
	r.touched = nil
	r.zeroActive()
	r.pruneRecent()
	return true
}

func (r *Registry) failLoad(t registryTicket) {
	if t.generation == r.generation {
		r.loading = false
		r.touched = nil
	}
}

// beginLoadMore returns false while another page is outstanding or when the
// list is exhausted.
func (r *Registry) beginLoadMore() (registryTicket, bool) {
	if r.loadingMore || r.loading || !r.cursor.HasMore {
		return registryTicket{}, false
	}
	r.loadingMore = true
	return registryTicket{
		generation: r.generation,
		req: models.PageRequest{
			Cursor: r.cursor.Position,
			Limit:  r.pageSize,
			Filter: r.filter,
		},
	}, true
}

// applyLoadMore appends the page after the loaded items, skipping ids that
// are already present. It returns the number of entries added.
func (r *Registry) applyLoadMore(t registryTicket, page models.Page[models.Conversation]) (int, bool) {
	if t.generation != r.generation {
		return 0, false
	}
	r.loadingMore = false
	r.cursor = page.Next

	added := 0
	for _, conv := range page.Items {
		if r.indexOf(conv.ID) >= 0 {
			continue
		}
		conv = conv.Clone()
		conv.JustUpdated = false
		if conv.ID == r.active {
			conv.UnreadCount = 0
		}
		r.items = append(r.items, conv)
		added++
	}
	return added, true
}

func (r *Registry) failLoadMore(t registryTicket) {
	if t.generation == r.generation {
		r.loadingMore = false
	}
}

// UpsertFromEvent promotes the event's conversation to the front, creating a
// minimal entry for an unseen id. Unread is bumped only when the conversation
// is not the active one. It returns the updated entry and the highlight token
// to pass to ClearHighlight (zero when no highlight was set). A redelivered
// event id leaves the registry untouched and reports false.
func (r *Registry) UpsertFromEvent(event models.MessageEvent) (models.Conversation, uint64, bool) {
	if !r.remember(event.ConversationID, event.ID) {
		conv, _ := r.Get(event.ConversationID)
		return conv, 0, false
	}
	active := event.ConversationID == r.active

	var conv models.Conversation
	if idx := r.indexOf(event.ConversationID); idx >= 0 {
		conv = r.items[idx]
		r.items = append(r.items[:idx], r.items[idx+1:]...)
		if !event.Timestamp.Before(conv.LastActivity) {
			conv.LastActivity = event.Timestamp
			if preview := models.Preview(event.Body); preview != nil {
				conv.LastMessagePreview = preview
			}
		}
		if !active {
			conv.UnreadCount++
		}
	} else {
		conv = models.NewConversationFromEvent(event)
		if !active {
			conv.UnreadCount = 1
		}
	}

	var token uint64
	if !active {
		r.highlightN++
		token = r.highlightN
		r.highlights[conv.ID] = token
		conv.JustUpdated = true
	}

	r.items = append([]models.Conversation{conv}, r.items...)
	if r.loading {
		r.touch(conv)
	}
	return conv.Clone(), token, true
}

// remember records eventID for the conversation and reports whether it was
// new.
func (r *Registry) remember(conversationID, eventID string) bool {
	ids := r.recent[conversationID]
	for _, id := range ids {
		if id == eventID {
			return false
		}
	}
	if len(ids) == recentEventIDs {
		ids = append(ids[:0], ids[1:]...)
	}
	r.recent[conversationID] = append(ids, eventID)
	return true
}

// pruneRecent forgets the event ids of conversations no longer loaded.
func (r *Registry) pruneRecent() {
	for id := range r.recent {
		if r.indexOf(id) < 0 {
			delete(r.recent, id)
		}
	}
}

func (r *Registry) touch(conv models.Conversation) {
	for i := range r.touched {
		if r.touched[i].ID == conv.ID {
			r.touched = append(r.touched[:i], r.touched[i+1:]...)
			break
		}
	}
	r.touched = append([]models.Conversation{conv.Clone()}, r.touched...)
}

// ClearHighlight drops the just-updated marker if token is still the latest
// highlight for id.
func (r *Registry) ClearHighlight(id string, token uint64) bool {
	if token == 0 || r.highlights[id] != token {
		return false
	}
	delete(r.highlights, id)
	idx := r.indexOf(id)
	if idx < 0 || !r.items[idx].JustUpdated {
		return false
	}
	r.items[idx].JustUpdated = false
	return true
}

// MarkRead resets the unread count of id to zero. It reports whether
// anything changed.
func (r *Registry) MarkRead(id string) bool {
	idx := r.indexOf(id)
	if idx < 0 || r.items[idx].UnreadCount == 0 {
		return false
	}
	r.items[idx].UnreadCount = 0
	return true
}

// SetActive records the open conversation. Becoming active clears the
// highlight.
func (r *Registry) SetActive(id string) {
	r.active = id
	if id == "" {
		return
	}
	delete(r.highlights, id)
	if idx := r.indexOf(id); idx >= 0 {
		r.items[idx].JustUpdated = false
	}
}

// Clear empties the registry and invalidates in-flight loads.
func (r *Registry) Clear() {
	r.generation++
	r.items = nil
	r.cursor = models.Cursor{}
	r.loading = false
	r.loadingMore = false
	r.touched = nil
	r.highlights = make(map[string]uint64)
	r.recent = make(map[string][]string)
}

func (r *Registry) zeroActive() {
	if r.active == "" {
		return
	}
	if idx := r.indexOf(r.active); idx >= 0 {
		r.items[idx].UnreadCount = 0
		r.items[idx].JustUpdated = false
	}
}

func (r *Registry) indexOf(id string) int {
	for i := range r.items {
		if r.items[i].ID == id {
			return i
		}
	}
	return -1
}

// Get returns a copy of the entry for id.
func (r *Registry) Get(id string) (models.Conversation, bool) {
	idx := r.indexOf(id)
	if idx < 0 {
		return models.Conversation{}, false
	}
	return r.items[idx].Clone(), true
}

// Items returns a copy of the ordered collection.
func (r *Registry) Items() []models.Conversation {
	out := make([]models.Conversation, len(r.items))
	for i := range r.items {
		out[i] = r.items[i].Clone()
	}
	return out
}

// Len returns the number of loaded conversations.
func (r *Registry) Len() int { return len(r.items) }

// Cursor returns the pagination cursor for the next page.
func (r *Registry) Cursor() models.Cursor { return r.cursor }

// Filter returns the filter of the last Load.
func (r *Registry) Filter() models.ConversationFilter { return r.filter }
