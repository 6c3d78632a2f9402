package inbox

import (
	"errors"
	"fmt"

	"github.com/tOgg1/chatdesk/internal/models"
)

var (
	// ErrClosed is returned once the console loop has stopped.
	ErrClosed = errors.New("inbox: console closed")

	// ErrSuperseded is returned to a selection whose load was replaced by a
	// newer selection before it completed.
	ErrSuperseded = errors.New("inbox: superseded by a newer selection")

	// ErrDisconnected is recorded when the feed closes its event stream.
	ErrDisconnected = errors.New("inbox: feed disconnected")
)

// MalformedEventError reports a feed event that cannot be routed.
type MalformedEventError = models.MalformedEventError

// FetchError wraps a data source failure for a load operation. Existing state
// is left untouched; retrying is up to the caller.
type FetchError struct {
	Op             string
	ConversationID string
	Err            error
}

func (e *FetchError) Error() string {
	if e.ConversationID != "" {
		return fmt.Sprintf("inbox: %s %s: %v", e.Op, e.ConversationID, e.Err)
	}
	return fmt.Sprintf("inbox: %s: %v", e.Op, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// SubscriptionError records a failed or dropped feed subscription. The router
// logs it and resubscribes.
type SubscriptionError struct {
	Attempt int
	Err     error
}

func (e *SubscriptionError) Error() string {
	return fmt.Sprintf("inbox: subscription attempt %d: %v", e.Attempt, e.Err)
}

func (e *SubscriptionError) Unwrap() error {
	return e.Err
}

// Fetch operation names used in FetchError.Op.
const (
	OpLoadConversations     = "load_conversations"
	OpLoadMoreConversations = "load_more_conversations"
	OpLoadMessages          = "load_messages"
	OpLoadMoreMessages      = "load_more_messages"
	OpSearch                = "search"
)
