package server

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/tOgg1/chatdesk/internal/events"
	"github.com/tOgg1/chatdesk/internal/models"
	"github.com/tOgg1/chatdesk/internal/testutil"
)

type receivedFrame struct {
	Type     string          `json:"type"`
	Change   *events.Change  `json:"change"`
	Snapshot json.RawMessage `json:"snapshot"`
}

func readFrame(t *testing.T, ws *websocket.Conn) receivedFrame {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := ws.ReadMessage()
	require.NoError(t, err)
	var frame receivedFrame
	require.NoError(t, json.Unmarshal(data, &frame))
	return frame
}

func TestHubStreamsSnapshotThenChanges(t *testing.T) {
	testutil.SkipIfNoNetwork(t)
	console, store := newTestConsole(t)
	seedConversation(t, store, "c1", 1, "")
	require.NoError(t, console.Load(context.Background(), models.ConversationFilter{}))

	s := New(console, Options{})
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/ws"
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer ws.Close()

	first := readFrame(t, ws)
	require.Equal(t, "snapshot", first.Type)
	require.Contains(t, string(first.Snapshot), `"c1"`)
	require.Eventually(t, func() bool { return s.Hub().Count() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, console.Deliver(context.Background(), models.MessageEvent{
		ID:             "m1",
		ConversationID: "c2",
		Sender:         models.SenderInbound,
		Body:           "nuevo contacto",
		Timestamp:      testBase.Add(time.Hour),
	}))

	for {
		frame := readFrame(t, ws)
		require.Equal(t, "change", frame.Type)
		require.NotNil(t, frame.Change)
		if frame.Change.Kind == events.KindRegistry && frame.Change.ConversationID == "c2" {
			require.Contains(t, string(frame.Snapshot), `"c2"`)
			break
		}
	}
}

func TestHubDetachesOnClientClose(t *testing.T) {
	testutil.SkipIfNoNetwork(t)
	console, _ := newTestConsole(t)
	s := New(console, Options{})
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/ws"
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	_ = readFrame(t, ws)
	require.Eventually(t, func() bool { return s.Hub().Count() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, ws.Close())
	require.Eventually(t, func() bool { return s.Hub().Count() == 0 }, 2*time.Second, 5*time.Millisecond)

	// Changes after detach must not reach a closed connection.
	require.NoError(t, console.MarkRead(context.Background(), "c1"))
}

func TestConnSendClosesWhenBufferFull(t *testing.T) {
	testutil.SkipIfNoNetwork(t)
	console, _ := newTestConsole(t)
	s := New(console, Options{})
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/ws"
	client, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer client.Close()

	// A conn whose write loop never runs fills up after sendBufferSize frames.
	cn := newConn(client)
	for i := 0; i < sendBufferSize; i++ {
		require.NoError(t, cn.send([]byte("x")))
	}
	require.Error(t, cn.send([]byte("x")))
	require.Eventually(t, func() bool {
		select {
		case <-cn.done:
			return true
		default:
			return false
		}
	}, time.Second, 5*time.Millisecond)
	require.ErrorIs(t, cn.send([]byte("x")), errConnClosed)
}
