package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/require"

	"github.com/tOgg1/chatdesk/internal/db"
	"github.com/tOgg1/chatdesk/internal/inbox"
	"github.com/tOgg1/chatdesk/internal/models"
	"github.com/tOgg1/chatdesk/internal/testutil"
)

var testBase = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func newTestConsole(t *testing.T) (*inbox.Console, *db.Store) {
	t.Helper()
	database, err := db.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close() })
	_, err = database.MigrateUp(context.Background())
	require.NoError(t, err)
	store := db.NewStore(database)

	console, err := inbox.New(inbox.Options{
		Source:       store,
		Searcher:     store,
		ReadMarker:   store,
		SearchRemote: true,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = console.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return console, store
}

func seedConversation(t *testing.T, store *db.Store, id string, minute int, name string) {
	t.Helper()
	c := models.Conversation{ID: id, Contact: "+34600" + id, LastActivity: testBase.Add(time.Duration(minute) * time.Minute)}
	if name != "" {
		c.DisplayName = &name
	}
	require.NoError(t, store.Conversations.Upsert(context.Background(), &c))
}

func seedMessage(t *testing.T, store *db.Store, convID, id string, minute int) {
	t.Helper()
	m := models.Message{
		ID:             id,
		ConversationID: convID,
		Sender:         models.SenderInbound,
		Body:           "hola " + id,
		Timestamp:      testBase.Add(time.Duration(minute) * time.Minute),
	}
	_, err := store.Messages.Insert(context.Background(), &m)
	require.NoError(t, err)
}

func TestConversationsLoadsFirstPage(t *testing.T) {
	console, store := newTestConsole(t)
	seedConversation(t, store, "c1", 1, "")
	seedConversation(t, store, "c2", 3, "")
	seedConversation(t, store, "c3", 2, "")

	e := echo.New()
	h := NewHandler(console)
	req := httptest.NewRequest(http.MethodGet, "/api/conversations", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	require.NoError(t, h.Conversations(c))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp conversationsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	ids := make([]string, len(resp.Conversations))
	for i, conv := range resp.Conversations {
		ids[i] = conv.ID
	}
	require.Equal(t, []string{"c2", "c3", "c1"}, ids)
	require.False(t, resp.Cursor.HasMore)
	require.Nil(t, resp.Added)
}

func TestConversationsRejectsBadUnreadFlag(t *testing.T) {
	console, _ := newTestConsole(t)
	e := echo.New()
	h := NewHandler(console)

	req := httptest.NewRequest(http.MethodGet, "/api/conversations?unread=maybe", nil)
	rec := httptest.NewRecorder()
	require.NoError(t, h.Conversations(e.NewContext(req, rec)))
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSelectReturnsTimelineAndMarksRead(t *testing.T) {
	console, store := newTestConsole(t)
	seedConversation(t, store, "c1", 1, "")
	seedMessage(t, store, "c1", "m1", 2)
	seedMessage(t, store, "c1", "m2", 3)
	require.NoError(t, console.Load(context.Background(), models.ConversationFilter{}))
	require.Equal(t, 2, console.Snapshot().Conversations[0].UnreadCount)

	e := echo.New()
	h := NewHandler(console)
	req := httptest.NewRequest(http.MethodPost, "/api/select/c1", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("id")
	c.SetParamValues("c1")

	require.NoError(t, h.Select(c))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp messagesResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, "c1", resp.ConversationID)
	require.Len(t, resp.Messages, 2)
	require.Zero(t, console.Snapshot().Conversations[0].UnreadCount)

	require.Eventually(t, func() bool {
		conv, err := store.Conversations.Get(context.Background(), "c1")
		return err == nil && conv.UnreadCount == 0
	}, time.Second, 10*time.Millisecond, "read marker is persisted")
}

func TestMoreMessagesRequiresOpenConversation(t *testing.T) {
	console, _ := newTestConsole(t)
	e := echo.New()
	h := NewHandler(console)

	req := httptest.NewRequest(http.MethodPost, "/api/messages/more", nil)
	rec := httptest.NewRecorder()
	require.NoError(t, h.MoreMessages(e.NewContext(req, rec)))
	require.Equal(t, http.StatusConflict, rec.Code)
}

func TestSessionEndpoint(t *testing.T) {
	console, store := newTestConsole(t)
	seedConversation(t, store, "c1", 1, "")
	require.NoError(t, console.Load(context.Background(), models.ConversationFilter{}))

	e := echo.New()
	h := NewHandler(console)

	req := httptest.NewRequest(http.MethodPost, "/api/session", bytes.NewBufferString(`{}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	require.NoError(t, h.Session(e.NewContext(req, rec)))
	require.Equal(t, http.StatusBadRequest, rec.Code)

	req = httptest.NewRequest(http.MethodPost, "/api/session", bytes.NewBufferString(`{"present":false}`))
	req.Header.Set("Content-Type", "application/json")
	rec = httptest.NewRecorder()
	require.NoError(t, h.Session(e.NewContext(req, rec)))
	require.Equal(t, http.StatusNoContent, rec.Code)

	snapshot := console.Snapshot()
	require.False(t, snapshot.SignedIn)
	require.Empty(t, snapshot.Conversations)

	req = httptest.NewRequest(http.MethodPost, "/api/session", bytes.NewBufferString(`{"present":true}`))
	req.Header.Set("Content-Type", "application/json")
	rec = httptest.NewRecorder()
	require.NoError(t, h.Session(e.NewContext(req, rec)))
	require.Equal(t, http.StatusNoContent, rec.Code)
	require.True(t, console.Snapshot().SignedIn)
	require.Len(t, console.Snapshot().Conversations, 1)
}

func TestSearchSettlesAfterDebounce(t *testing.T) {
	console, store := newTestConsole(t)
	seedConversation(t, store, "c1", 1, "Ana Torres")
	seedConversation(t, store, "c2", 2, "Luis")

	e := echo.New()
	h := NewHandler(console)
	req := httptest.NewRequest(http.MethodGet, "/api/search?q=ana", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	require.NoError(t, h.Search(c))
	require.Equal(t, http.StatusAccepted, rec.Code)

	var state inbox.SearchState
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &state))
	require.Equal(t, "ana", state.Input)
	require.True(t, state.Pending)

	require.Eventually(t, func() bool {
		s := console.Snapshot().Search
		return !s.Pending && len(s.Conversations) == 1 && s.Conversations[0].ID == "c1"
	}, 3*time.Second, 20*time.Millisecond)
}

func TestErrorStatus(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"superseded", inbox.ErrSuperseded, http.StatusConflict},
		{"closed", inbox.ErrClosed, http.StatusServiceUnavailable},
		{"fetch", &inbox.FetchError{Op: inbox.OpLoadMessages, Err: errors.New("boom")}, http.StatusBadGateway},
		{"canceled", context.Canceled, http.StatusServiceUnavailable},
		{"other", errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, errorStatus(tt.err))
		})
	}
}

func TestStaticBundleFallsBackToIndex(t *testing.T) {
	testutil.SkipIfNoNetwork(t)
	console, _ := newTestConsole(t)
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "index.html"), []byte("<html>console</html>"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "app.js"), []byte("console.log(1)"), 0o644))

	srv := httptest.NewServer(New(console, Options{StaticDir: dir}).Handler())
	defer srv.Close()

	get := func(path string) (int, string) {
		resp, err := http.Get(srv.URL + path)
		require.NoError(t, err)
		defer resp.Body.Close()
		var buf bytes.Buffer
		_, err = buf.ReadFrom(resp.Body)
		require.NoError(t, err)
		return resp.StatusCode, buf.String()
	}

	status, body := get("/app.js")
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, "console.log(1)", body)

	status, body = get("/conversations/c1")
	require.Equal(t, http.StatusOK, status)
	require.Contains(t, body, "console</html>")

	status, body = get("/missing.png")
	require.Equal(t, http.StatusOK, status)
	require.Contains(t, body, "console</html>")

	status, body = get("/../../etc/passwd")
	require.Equal(t, http.StatusOK, status)
	require.Contains(t, body, "console</html>")

	status, body = get("/api/unknown")
	require.Equal(t, http.StatusNotFound, status)
	require.False(t, strings.Contains(body, "console</html>"))

	status, _ = get("/api/state")
	require.Equal(t, http.StatusOK, status)
}
