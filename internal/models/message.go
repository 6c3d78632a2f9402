package models

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// SenderKind identifies who produced a message.
type SenderKind string

const (
	SenderInbound  SenderKind = "inbound"
	SenderOutbound SenderKind = "outbound"
	SenderSystem   SenderKind = "system"
)

// ParseSenderKind normalizes a sender kind. An empty value means inbound,
// which is what the channel webhook writes for contact messages.
func ParseSenderKind(raw string) (SenderKind, error) {
	switch SenderKind(strings.ToLower(strings.TrimSpace(raw))) {
	case "", SenderInbound:
		return SenderInbound, nil
	case SenderOutbound:
		return SenderOutbound, nil
	case SenderSystem:
		return SenderSystem, nil
	default:
		return "", fmt.Errorf("unknown sender kind %q", raw)
	}
}

// Message is a single entry of a conversation timeline.
type Message struct {
	ID             string     `json:"id"`
	ConversationID string     `json:"conversation_id"`
	Sender         SenderKind `json:"sender_kind"`
	Body           string     `json:"body"`
	Timestamp      time.Time  `json:"timestamp"`
	MediaRefs      []string   `json:"media_refs,omitempty"`
	Read           bool       `json:"read"`
}

// Clone returns a deep copy of the message.
func (m Message) Clone() Message {
	out := m
	if m.MediaRefs != nil {
		out.MediaRefs = append([]string(nil), m.MediaRefs...)
	}
	return out
}

// MessageLess reports whether a sorts before b in timeline order:
// timestamp ascending, id ascending.
func MessageLess(a, b *Message) bool {
	if !a.Timestamp.Equal(b.Timestamp) {
		return a.Timestamp.Before(b.Timestamp)
	}
	return CompareIDs(a.ID, b.ID) < 0
}

// CompareIDs orders opaque ids. Decimal ids (the hosted store's bigint keys)
// sort before all other ids and compare numerically among themselves, with
// the text breaking ties such as "07" and "7". Other ids compare
// lexicographically.
func CompareIDs(a, b string) int {
	an, aErr := strconv.ParseUint(a, 10, 64)
	bn, bErr := strconv.ParseUint(b, 10, 64)
	switch {
	case aErr == nil && bErr != nil:
		return -1
	case aErr != nil && bErr == nil:
		return 1
	case aErr == nil && bErr == nil:
		if an < bn {
			return -1
		}
		if an > bn {
			return 1
		}
	}
	return strings.Compare(a, b)
}

// MessageEvent is the payload delivered by the realtime feed for each new message.
type MessageEvent struct {
	ID             string     `json:"id"`
	ConversationID string     `json:"conversation_id"`
	Sender         SenderKind `json:"sender_kind"`
	Body           string     `json:"body"`
	Timestamp      time.Time  `json:"timestamp"`
	MediaRefs      []string   `json:"media_refs"`
}

// Validate checks that the event carries every field required for routing.
func (e *MessageEvent) Validate() error {
	if strings.TrimSpace(e.ID) == "" {
		return &MalformedEventError{Field: "id", Reason: "missing"}
	}
	if strings.TrimSpace(e.ConversationID) == "" {
		return &MalformedEventError{Field: "conversation_id", Reason: "missing", EventID: e.ID}
	}
	kind, err := ParseSenderKind(string(e.Sender))
	if err != nil {
		return &MalformedEventError{Field: "sender_kind", Reason: err.Error(), EventID: e.ID}
	}
	e.Sender = kind
	return nil
}

// Message converts the event into a timeline message.
func (e MessageEvent) Message() Message {
	msg := Message{
		ID:             e.ID,
		ConversationID: e.ConversationID,
		Sender:         e.Sender,
		Body:           e.Body,
		Timestamp:      e.Timestamp,
	}
	if len(e.MediaRefs) > 0 {
		msg.MediaRefs = append([]string(nil), e.MediaRefs...)
	}
	return msg
}

// MalformedEventError reports a realtime event that cannot be routed.
type MalformedEventError struct {
	Field   string
	Reason  string
	EventID string
}

func (e *MalformedEventError) Error() string {
	if e.EventID != "" {
		return fmt.Sprintf("malformed event %s: %s %s", e.EventID, e.Field, e.Reason)
	}
	return fmt.Sprintf("malformed event: %s %s", e.Field, e.Reason)
}

// ParseMediaRefs decodes a stored media column. The column holds either a JSON
// array of URLs or a single bare URL.
func ParseMediaRefs(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}

	var refs []string
	if strings.HasPrefix(raw, "[") {
		if err := json.Unmarshal([]byte(raw), &refs); err != nil {
			refs = []string{raw}
		}
	} else {
		refs = []string{raw}
	}

	seen := make(map[string]struct{}, len(refs))
	out := make([]string, 0, len(refs))
	for _, ref := range refs {
		ref = strings.TrimSpace(ref)
		if ref == "" {
			continue
		}
		if _, ok := seen[ref]; ok {
			continue
		}
		seen[ref] = struct{}{}
		out = append(out, ref)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// EncodeMediaRefs is the inverse of ParseMediaRefs.
func EncodeMediaRefs(refs []string) string {
	if len(refs) == 0 {
		return ""
	}
	data, err := json.Marshal(refs)
	if err != nil {
		return ""
	}
	return string(data)
}
