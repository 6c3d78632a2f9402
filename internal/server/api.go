package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/tOgg1/chatdesk/internal/events"
	"github.com/tOgg1/chatdesk/internal/inbox"
	"github.com/tOgg1/chatdesk/internal/logging"
	"github.com/tOgg1/chatdesk/internal/models"
)

// Console is the part of the console core the HTTP surface drives.
type Console interface {
	Snapshot() inbox.Snapshot
	Subscribe(id string, filter events.Filter, handler events.Handler) error
	Unsubscribe(id string) error

	Load(ctx context.Context, filter models.ConversationFilter) error
	LoadMoreConversations(ctx context.Context) (int, error)
	Select(ctx context.Context, id string) error
	Deselect(ctx context.Context) error
	MarkRead(ctx context.Context, id string) error
	LoadMoreMessages(ctx context.Context) (int, error)
	SetSearchQuery(ctx context.Context, text string) error
	SessionChanged(ctx context.Context, present bool) error
}

var _ Console = (*inbox.Console)(nil)

// Handler serves the console JSON API.
type Handler struct {
	console Console
	hub     *Hub
	logger  zerolog.Logger
}

// NewHandler creates a Handler over console.
func NewHandler(console Console) *Handler {
	return &Handler{
		console: console,
		hub:     NewHub(console),
		logger:  logging.Component("server"),
	}
}

// RegisterRoutes registers the API routes.
func (h *Handler) RegisterRoutes(e *echo.Echo) {
	api := e.Group("/api")
	api.GET("/state", h.State)
	api.GET("/conversations", h.Conversations)
	api.POST("/conversations/more", h.MoreConversations)
	api.POST("/select/:id", h.Select)
	api.POST("/deselect", h.Deselect)
	api.POST("/read/:id", h.MarkRead)
	api.POST("/messages/more", h.MoreMessages)
	api.GET("/search", h.Search)
	api.POST("/session", h.Session)
	api.GET("/ws", h.hub.Serve)
}

type conversationsResponse struct {
	Filter        models.ConversationFilter `json:"filter"`
	Conversations []models.Conversation     `json:"conversations"`
	Cursor        models.Cursor             `json:"cursor"`
	Added         *int                      `json:"added,omitempty"`
}

type messagesResponse struct {
	ConversationID string           `json:"conversation_id"`
	Messages       []models.Message `json:"messages"`
	Cursor         models.Cursor    `json:"cursor"`
	Added          *int             `json:"added,omitempty"`
}

type sessionRequest struct {
	Present *bool `json:"present"`
}

// State returns the full console snapshot.
func (h *Handler) State(c echo.Context) error {
	return c.JSON(http.StatusOK, h.console.Snapshot())
}

// Conversations loads the first page for the filter in the query string.
func (h *Handler) Conversations(c echo.Context) error {
	filter := models.ConversationFilter{
		Status: c.QueryParam("status"),
		Campus: c.QueryParam("campus"),
	}
	if raw := c.QueryParam("unread"); raw != "" {
		unread, err := strconv.ParseBool(raw)
		if err != nil {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "unread must be a boolean"})
		}
		filter.UnreadOnly = unread
	}

	if err := h.console.Load(c.Request().Context(), filter); err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, conversationsPayload(h.console.Snapshot(), nil))
}

// MoreConversations appends the next page of conversations.
func (h *Handler) MoreConversations(c echo.Context) error {
	added, err := h.console.LoadMoreConversations(c.Request().Context())
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, conversationsPayload(h.console.Snapshot(), &added))
}

// Select opens a conversation and returns its first page of messages.
func (h *Handler) Select(c echo.Context) error {
	id := c.Param("id")
	if id == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "conversation id is required"})
	}
	if err := h.console.Select(c.Request().Context(), id); err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, messagesPayload(h.console.Snapshot(), nil))
}

// Deselect closes the open conversation.
func (h *Handler) Deselect(c echo.Context) error {
	if err := h.console.Deselect(c.Request().Context()); err != nil {
		return h.fail(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

// MarkRead resets a conversation's unread count.
func (h *Handler) MarkRead(c echo.Context) error {
	if err := h.console.MarkRead(c.Request().Context(), c.Param("id")); err != nil {
		return h.fail(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

// MoreMessages loads older messages of the open conversation.
func (h *Handler) MoreMessages(c echo.Context) error {
	snapshot := h.console.Snapshot()
	if snapshot.Selected == "" {
		return c.JSON(http.StatusConflict, map[string]string{"error": "no conversation is open"})
	}
	added, err := h.console.LoadMoreMessages(c.Request().Context())
	if err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusOK, messagesPayload(h.console.Snapshot(), &added))
}

// Search records the search input. Results settle after the debounce and
// are pushed over the websocket; the response carries the pending state.
func (h *Handler) Search(c echo.Context) error {
	if err := h.console.SetSearchQuery(c.Request().Context(), c.QueryParam("q")); err != nil {
		return h.fail(c, err)
	}
	return c.JSON(http.StatusAccepted, h.console.Snapshot().Search)
}

// Session reports whether the operator is signed in.
func (h *Handler) Session(c echo.Context) error {
	var req sessionRequest
	if err := c.Bind(&req); err != nil || req.Present == nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "present is required"})
	}
	if err := h.console.SessionChanged(c.Request().Context(), *req.Present); err != nil {
		return h.fail(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) fail(c echo.Context, err error) error {
	status := errorStatus(err)
	if status >= http.StatusInternalServerError {
		h.logger.Warn().Err(err).Str("path", c.Path()).Int("status", status).Msg("request failed")
	}
	return c.JSON(status, map[string]string{"error": err.Error()})
}

func errorStatus(err error) int {
	var fetchErr *inbox.FetchError
	switch {
	case errors.Is(err, inbox.ErrSuperseded):
		return http.StatusConflict
	case errors.Is(err, inbox.ErrClosed):
		return http.StatusServiceUnavailable
	case errors.As(err, &fetchErr):
		return http.StatusBadGateway
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func conversationsPayload(s inbox.Snapshot, added *int) conversationsResponse {
	return conversationsResponse{
		Filter:        s.Filter,
		Conversations: s.Conversations,
		Cursor:        s.ConversationsCursor,
		Added:         added,
	}
}

func messagesPayload(s inbox.Snapshot, added *int) messagesResponse {
	return messagesResponse{
		ConversationID: s.Selected,
		Messages:       s.Messages,
		Cursor:         s.MessagesCursor,
		Added:          added,
	}
}
