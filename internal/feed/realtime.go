// Package feed implements the realtime new-message feeds the router
// subscribes to: the hosted realtime websocket and a store poller.
package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/tOgg1/chatdesk/internal/inbox"
	"github.com/tOgg1/chatdesk/internal/logging"
	"github.com/tOgg1/chatdesk/internal/models"
)

// Phoenix channel events used by the realtime service.
const (
	eventJoin      = "phx_join"
	eventReply     = "phx_reply"
	eventError     = "phx_error"
	eventClose     = "phx_close"
	eventHeartbeat = "heartbeat"
	eventChanges   = "postgres_changes"
	eventSystem    = "system"

	phoenixTopic = "phoenix"
)

const (
	writeWait          = 10 * time.Second
	defaultJoinTimeout = 10 * time.Second
	defaultHeartbeat   = 25 * time.Second
)

// ErrJoinRejected is returned when the realtime service refuses the channel join.
var ErrJoinRejected = errors.New("realtime join rejected")

// RealtimeConfig configures a RealtimeFeed.
type RealtimeConfig struct {
	// URL is the realtime websocket endpoint, e.g.
	// wss://<project>.supabase.co/realtime/v1/websocket.
	URL    string
	APIKey string
	Schema string
	Table  string

	Heartbeat time.Duration
	// ReadTimeout ends the subscription when nothing, heartbeat replies
	// included, arrives for that long. Defaults to twice Heartbeat.
	ReadTimeout time.Duration
	JoinTimeout time.Duration
	Buffer      int
	Dialer      *websocket.Dialer
}

// RealtimeFeed subscribes to row inserts on the message table through the
// hosted realtime service (Phoenix channels over a websocket).
type RealtimeFeed struct {
	cfg      RealtimeConfig
	endpoint string
	logger   zerolog.Logger
}

var _ inbox.Feed = (*RealtimeFeed)(nil)

// NewRealtimeFeed validates cfg and builds the feed.
func NewRealtimeFeed(cfg RealtimeConfig) (*RealtimeFeed, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, errors.New("realtime url is required")
	}
	if cfg.Schema == "" {
		cfg.Schema = "public"
	}
	if cfg.Table == "" {
		cfg.Table = "messages"
	}
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = defaultHeartbeat
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 2 * cfg.Heartbeat
	}
	if cfg.JoinTimeout <= 0 {
		cfg.JoinTimeout = defaultJoinTimeout
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = 64
	}
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}

	endpoint, err := buildEndpoint(cfg.URL, cfg.APIKey)
	if err != nil {
		return nil, err
	}
	return &RealtimeFeed{cfg: cfg, endpoint: endpoint, logger: logging.Component("feed")}, nil
}

func buildEndpoint(raw, apiKey string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", fmt.Errorf("invalid realtime url: %w", err)
	}
	switch u.Scheme {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("invalid realtime url scheme %q", u.Scheme)
	}
	query := u.Query()
	if apiKey != "" {
		query.Set("apikey", apiKey)
	}
	if query.Get("vsn") == "" {
		query.Set("vsn", "1.0.0")
	}
	u.RawQuery = query.Encode()
	return u.String(), nil
}

// Topic is the channel topic joined for the configured table.
func (f *RealtimeFeed) Topic() string {
	return "realtime:" + f.cfg.Schema + ":" + f.cfg.Table
}

type outbound struct {
	Topic   string `json:"topic"`
	Event   string `json:"event"`
	Payload any    `json:"payload"`
	Ref     string `json:"ref"`
	JoinRef string `json:"join_ref,omitempty"`
}

type inbound struct {
	Topic   string          `json:"topic"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
	Ref     *string         `json:"ref"`
}

type replyPayload struct {
	Status   string          `json:"status"`
	Response json.RawMessage `json:"response"`
}

type changesPayload struct {
	Data struct {
		Type   string          `json:"type"`
		Schema string          `json:"schema"`
		Table  string          `json:"table"`
		Record json.RawMessage `json:"record"`
	} `json:"data"`
}

type changeFilter struct {
	Event  string `json:"event"`
	Schema string `json:"schema"`
	Table  string `json:"table"`
}

type joinPayload struct {
	Config struct {
		PostgresChanges []changeFilter `json:"postgres_changes"`
	} `json:"config"`
	AccessToken string `json:"access_token,omitempty"`
}

// realtimeConn serializes writes; gorilla connections allow one writer.
type realtimeConn struct {
	ws      *websocket.Conn
	writeMu sync.Mutex
}

func (c *realtimeConn) send(msg outbound) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return c.ws.WriteJSON(msg)
}

// Subscribe implements inbox.Feed. It dials, joins the table channel and
// waits for the join acknowledgement before returning.
func (f *RealtimeFeed) Subscribe(ctx context.Context) (<-chan models.MessageEvent, error) {
	ws, _, err := f.cfg.Dialer.DialContext(ctx, f.endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", logging.RedactURL(f.endpoint), err)
	}
	conn := &realtimeConn{ws: ws}

	joinRef := uuid.NewString()
	if err := f.join(ctx, conn, joinRef); err != nil {
		_ = ws.Close()
		return nil, err
	}
	f.logger.Info().Str("topic", f.Topic()).Msg("realtime channel joined")

	subCtx, cancel := context.WithCancel(ctx)
	out := make(chan models.MessageEvent, f.cfg.Buffer)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		f.heartbeatLoop(subCtx, conn)
	}()
	go func() {
		defer wg.Done()
		f.readLoop(subCtx, conn, joinRef, out)
		cancel()
	}()
	go func() {
		<-subCtx.Done()
		f.closeConn(conn)
		wg.Wait()
		close(out)
	}()
	return out, nil
}

func (f *RealtimeFeed) join(ctx context.Context, conn *realtimeConn, joinRef string) error {
	var payload joinPayload
	payload.Config.PostgresChanges = []changeFilter{{Event: "INSERT", Schema: f.cfg.Schema, Table: f.cfg.Table}}
	payload.AccessToken = f.cfg.APIKey

	if err := conn.send(outbound{Topic: f.Topic(), Event: eventJoin, Payload: payload, Ref: joinRef, JoinRef: joinRef}); err != nil {
		return fmt.Errorf("send join: %w", err)
	}

	deadline := time.Now().Add(f.cfg.JoinTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.ws.SetReadDeadline(deadline); err != nil {
		return err
	}
	defer func() { _ = conn.ws.SetReadDeadline(time.Time{}) }()

	for {
		var msg inbound
		if err := conn.ws.ReadJSON(&msg); err != nil {
			return fmt.Errorf("await join reply: %w", err)
		}
		if msg.Event != eventReply || msg.Ref == nil || *msg.Ref != joinRef {
			continue
		}
		var reply replyPayload
		if err := json.Unmarshal(msg.Payload, &reply); err != nil {
			return fmt.Errorf("decode join reply: %w", err)
		}
		if reply.Status != "ok" {
			return fmt.Errorf("%w: %s %s", ErrJoinRejected, reply.Status, strings.TrimSpace(string(reply.Response)))
		}
		return nil
	}
}

func (f *RealtimeFeed) heartbeatLoop(ctx context.Context, conn *realtimeConn) {
	ticker := time.NewTicker(f.cfg.Heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		msg := outbound{Topic: phoenixTopic, Event: eventHeartbeat, Payload: struct{}{}, Ref: uuid.NewString()}
		if err := conn.send(msg); err != nil {
			f.logger.Warn().Err(err).Msg("heartbeat failed")
			// Unblocks the read loop, which ends the subscription.
			_ = conn.ws.Close()
			return
		}
	}
}

func (f *RealtimeFeed) readLoop(ctx context.Context, conn *realtimeConn, joinRef string, out chan<- models.MessageEvent) {
	topic := f.Topic()
	for {
		if err := conn.ws.SetReadDeadline(time.Now().Add(f.cfg.ReadTimeout)); err != nil {
			return
		}
		var msg inbound
		if err := conn.ws.ReadJSON(&msg); err != nil {
			if ctx.Err() == nil {
				f.logger.Warn().Err(err).Msg("realtime connection lost")
			}
			return
		}
		if msg.Topic != topic {
			continue
		}

		switch msg.Event {
		case eventChanges:
			event, ok := f.decodeChange(msg.Payload)
			if !ok {
				continue
			}
			select {
			case out <- event:
			case <-ctx.Done():
				return
			}
		case eventError, eventClose:
			f.logger.Warn().Str("event", msg.Event).Str("topic", topic).Msg("realtime channel closed by server")
			return
		case eventSystem, eventReply:
			// Acknowledgements and status notices.
		default:
			f.logger.Debug().Str("event", msg.Event).Msg("ignoring realtime event")
		}
	}
}

func (f *RealtimeFeed) decodeChange(raw json.RawMessage) (models.MessageEvent, bool) {
	var payload changesPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		f.logger.Warn().Err(err).Msg("dropping undecodable change")
		return models.MessageEvent{}, false
	}
	if !strings.EqualFold(payload.Data.Type, "INSERT") || len(payload.Data.Record) == 0 {
		return models.MessageEvent{}, false
	}
	event, err := models.DecodeMessageRecord(payload.Data.Record)
	if err != nil {
		f.logger.Warn().Err(err).Msg("dropping undecodable record")
		return models.MessageEvent{}, false
	}
	return event, true
}

func (f *RealtimeFeed) closeConn(conn *realtimeConn) {
	conn.writeMu.Lock()
	_ = conn.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	conn.writeMu.Unlock()
	_ = conn.ws.Close()
}
