// Package models defines the core data types for chatdesk.
package models

import (
	"errors"
	"strings"
	"time"
)

// Conversation status values used by the hosted store.
const (
	StatusNew        = "new"
	StatusOpen       = "open"
	StatusWaiting    = "waiting"
	StatusResolved   = "resolved"
	StatusArchived   = "archived"
	StatusReopened   = "reopened"
	defaultStatusTag = StatusNew
)

// Conversation validation errors.
var (
	ErrConversationIDRequired = errors.New("conversation id is required")
	ErrNegativeUnread         = errors.New("unread count must be non-negative")
)

// Conversation is a contact thread summary as shown in the conversation list.
type Conversation struct {
	// ID is the opaque conversation identifier.
	ID string `json:"id"`

	// Contact is the contact identifier (usually a phone number).
	Contact string `json:"contact"`

	// DisplayName is the contact's name, when known.
	DisplayName *string `json:"display_name,omitempty"`

	// Summary is a free-text summary of the conversation.
	Summary *string `json:"summary,omitempty"`

	// Status is the case status tag.
	Status string `json:"status"`

	// LastActivity is the timestamp of the most recent activity.
	LastActivity time.Time `json:"last_activity"`

	// UnreadCount is the number of unread inbound messages.
	UnreadCount int `json:"unread_count"`

	// JustUpdated marks a conversation that was recently promoted by a realtime event.
	JustUpdated bool `json:"just_updated,omitempty"`

	// NextFollowUpAt is when the next follow-up is scheduled.
	NextFollowUpAt *time.Time `json:"next_follow_up_at,omitempty"`

	// LastFollowUpAt is when the last follow-up attempt happened.
	LastFollowUpAt *time.Time `json:"last_follow_up_at,omitempty"`

	// FollowUpAttempts counts reactivation attempts.
	FollowUpAttempts int `json:"follow_up_attempts,omitempty"`

	// LastMessagePreview is a short excerpt of the latest message.
	LastMessagePreview *string `json:"last_message_preview,omitempty"`

	// Campus is the branch the contact belongs to.
	Campus *string `json:"campus,omitempty"`
}

// Name returns the display name, falling back to the contact identifier.
func (c *Conversation) Name() string {
	if c.DisplayName != nil {
		if name := strings.TrimSpace(*c.DisplayName); name != "" {
			return name
		}
	}
	return c.Contact
}

// Validate checks the conversation invariants.
func (c *Conversation) Validate() error {
	validation := &ValidationErrors{}
	if strings.TrimSpace(c.ID) == "" {
		validation.Add("id", ErrConversationIDRequired)
	}
	if c.UnreadCount < 0 {
		validation.Add("unread_count", ErrNegativeUnread)
	}
	return validation.Err()
}

// Clone returns a deep copy of the conversation.
func (c Conversation) Clone() Conversation {
	out := c
	out.DisplayName = cloneString(c.DisplayName)
	out.Summary = cloneString(c.Summary)
	out.LastMessagePreview = cloneString(c.LastMessagePreview)
	out.Campus = cloneString(c.Campus)
	out.NextFollowUpAt = cloneTime(c.NextFollowUpAt)
	out.LastFollowUpAt = cloneTime(c.LastFollowUpAt)
	return out
}

// NewConversationFromEvent synthesizes a minimal conversation for an id first
// seen on the realtime feed.
func NewConversationFromEvent(event MessageEvent) Conversation {
	return Conversation{
		ID:                 event.ConversationID,
		Status:             defaultStatusTag,
		LastActivity:       event.Timestamp,
		LastMessagePreview: Preview(event.Body),
	}
}

// ConversationLess reports whether a sorts before b in registry order:
// last activity descending, id descending.
func ConversationLess(a, b *Conversation) bool {
	if !a.LastActivity.Equal(b.LastActivity) {
		return a.LastActivity.After(b.LastActivity)
	}
	return CompareIDs(a.ID, b.ID) > 0
}

const previewLimit = 120

// Preview returns a trimmed single-line excerpt of body, or nil when empty.
func Preview(body string) *string {
	text := strings.Join(strings.Fields(body), " ")
	if text == "" {
		return nil
	}
	runes := []rune(text)
	if len(runes) > previewLimit {
		text = string(runes[:previewLimit-1]) + "…"
	}
	return &text
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
