package models

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrInvalidCursor is returned when a cursor position cannot be decoded.
var ErrInvalidCursor = errors.New("invalid cursor")

// Cursor is an opaque pagination position plus a has-more flag.
type Cursor struct {
	Position string `json:"position,omitempty"`
	HasMore  bool   `json:"has_more"`
}

// Page is one page of results and the cursor for the next one.
type Page[T any] struct {
	Items []T    `json:"items"`
	Next  Cursor `json:"next"`
}

// ConversationFilter narrows conversation listings.
type ConversationFilter struct {
	Status     string `json:"status,omitempty"`
	Campus     string `json:"campus,omitempty"`
	UnreadOnly bool   `json:"unread_only,omitempty"`
}

// IsZero reports whether the filter matches everything.
func (f ConversationFilter) IsZero() bool {
	return f.Status == "" && f.Campus == "" && !f.UnreadOnly
}

// PageRequest parameterizes a paginated fetch.
type PageRequest struct {
	Cursor string
	Limit  int
	Filter ConversationFilter
}

// EncodeCursor builds a keyset position from the last item of a page.
func EncodeCursor(ts time.Time, id string) string {
	raw := ts.UTC().Format(time.RFC3339Nano) + "|" + id
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// DecodeCursor parses a position produced by EncodeCursor.
func DecodeCursor(position string) (time.Time, string, error) {
	data, err := base64.RawURLEncoding.DecodeString(strings.TrimSpace(position))
	if err != nil {
		return time.Time{}, "", fmt.Errorf("%w: %v", ErrInvalidCursor, err)
	}
	stamp, id, ok := strings.Cut(string(data), "|")
	if !ok || id == "" {
		return time.Time{}, "", ErrInvalidCursor
	}
	ts, err := time.Parse(time.RFC3339Nano, stamp)
	if err != nil {
		return time.Time{}, "", fmt.Errorf("%w: %v", ErrInvalidCursor, err)
	}
	return ts, id, nil
}
