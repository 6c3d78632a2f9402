package pgstore

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/tOgg1/chatdesk/internal/inbox"
	"github.com/tOgg1/chatdesk/internal/logging"
	"github.com/tOgg1/chatdesk/internal/models"
)

// NotifyFeed streams message inserts announced with NOTIFY by the trigger
// installed in EnsureSchema. Each subscription holds one pooled connection.
type NotifyFeed struct {
	pool    *pgxpool.Pool
	channel string
	buffer  int
	logger  zerolog.Logger
}

var _ inbox.Feed = (*NotifyFeed)(nil)

// NewNotifyFeed creates a feed listening on channel.
func NewNotifyFeed(pool *pgxpool.Pool, channel string) *NotifyFeed {
	return &NotifyFeed{
		pool:    pool,
		channel: strings.TrimSpace(channel),
		buffer:  64,
		logger:  logging.Component("pgstore"),
	}
}

// Subscribe implements inbox.Feed. The returned channel closes when the
// connection fails or ctx ends.
func (f *NotifyFeed) Subscribe(ctx context.Context) (<-chan models.MessageEvent, error) {
	if f.channel == "" {
		return nil, errors.New("notify channel is required")
	}

	conn, err := f.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire listen connection: %w", err)
	}
	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{f.channel}.Sanitize()); err != nil {
		conn.Release()
		return nil, fmt.Errorf("listen %s: %w", f.channel, err)
	}

	out := make(chan models.MessageEvent, f.buffer)
	go f.listen(ctx, conn, out)
	return out, nil
}

func (f *NotifyFeed) listen(ctx context.Context, conn *pgxpool.Conn, out chan<- models.MessageEvent) {
	defer close(out)
	defer func() {
		// The session still has LISTEN state, so it must not return to the pool.
		raw := conn.Hijack()
		_ = raw.Close(context.Background())
	}()

	for {
		n, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() == nil {
				f.logger.Warn().Err(err).Str("channel", f.channel).Msg("notification wait failed")
			}
			return
		}

		event, ok := f.decode(n)
		if !ok {
			continue
		}
		select {
		case out <- event:
		case <-ctx.Done():
			return
		}
	}
}

func (f *NotifyFeed) decode(n *pgconn.Notification) (models.MessageEvent, bool) {
	event, err := models.DecodeMessageRecord([]byte(n.Payload))
	if err != nil {
		f.logger.Warn().Err(err).Str("channel", n.Channel).Msg("dropping undecodable notification")
		return models.MessageEvent{}, false
	}
	return event, true
}
