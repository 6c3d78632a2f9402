package inbox

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/tOgg1/chatdesk/internal/logging"
	"github.com/tOgg1/chatdesk/internal/models"
)

// ConnectionState is the router's view of the feed.
type ConnectionState string

const (
	StateConnecting   ConnectionState = "connecting"
	StateLive         ConnectionState = "live"
	StateReconnecting ConnectionState = "reconnecting"
	StateStopped      ConnectionState = "stopped"
)

// EventSink receives validated events in delivery order.
type EventSink interface {
	Deliver(ctx context.Context, event models.MessageEvent) error
	Reconcile(ctx context.Context) error
	SetConnectionState(ctx context.Context, state ConnectionState) error
}

// Router holds the single feed subscription and forwards every valid event
// to the sink. It resubscribes with capped exponential backoff and asks the
// sink to reconcile after each successful subscription, the first included,
// so rows committed before the feed joined are not missed.
type Router struct {
	feed    Feed
	sink    EventSink
	backoff *Backoff
	logger  zerolog.Logger
	now     func() time.Time
}

// RouterOption configures a Router.
type RouterOption func(*Router)

// WithBackoff sets the resubscribe delay bounds.
func WithBackoff(initial, max time.Duration) RouterOption {
	return func(r *Router) {
		r.backoff = NewBackoff(initial, max)
	}
}

// WithRouterClock overrides the clock used to stamp events without a timestamp.
func WithRouterClock(now func() time.Time) RouterOption {
	return func(r *Router) {
		r.now = now
	}
}

// WithRouterLogger overrides the router logger.
func WithRouterLogger(logger zerolog.Logger) RouterOption {
	return func(r *Router) {
		r.logger = logger
	}
}

// NewRouter creates a router for feed delivering into sink.
func NewRouter(feed Feed, sink EventSink, opts ...RouterOption) *Router {
	r := &Router{
		feed:    feed,
		sink:    sink,
		backoff: NewBackoff(defaultBackoffInitial, defaultBackoffMax),
		logger:  logging.Component("router"),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run subscribes and routes events until ctx is canceled or the sink is
// closed.
func (r *Router) Run(ctx context.Context) error {
	defer func() {
		_ = r.sink.SetConnectionState(context.Background(), StateStopped)
	}()

	attempt := 0
	connected := false

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		state := StateConnecting
		if connected || attempt > 0 {
			state = StateReconnecting
		}
		if err := r.sink.SetConnectionState(ctx, state); errors.Is(err, ErrClosed) {
			return err
		}

		subCtx, cancel := context.WithCancel(ctx)
		events, err := r.feed.Subscribe(subCtx)
		if err != nil {
			cancel()
			if ctx.Err() != nil {
				return ctx.Err()
			}
			attempt++
			if err := r.wait(ctx, &SubscriptionError{Attempt: attempt, Err: err}); err != nil {
				return err
			}
			continue
		}

		if err := r.sink.SetConnectionState(ctx, StateLive); errors.Is(err, ErrClosed) {
			cancel()
			return err
		}
		r.logger.Info().Int("attempt", attempt).Bool("resubscribed", connected).Msg("feed subscribed, reconciling")
		if err := r.sink.Reconcile(ctx); err != nil {
			if errors.Is(err, ErrClosed) {
				cancel()
				return err
			}
			r.logger.Warn().Err(err).Msg("reconcile after subscribe failed")
		}
		connected = true

		started := r.now()
		delivered, err := r.consume(ctx, events)
		cancel()
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if delivered || r.now().Sub(started) >= r.backoff.Max {
			r.backoff.Reset()
			attempt = 0
		}
		attempt++
		if err := r.wait(ctx, &SubscriptionError{Attempt: attempt, Err: ErrDisconnected}); err != nil {
			return err
		}
	}
}

func (r *Router) wait(ctx context.Context, subErr *SubscriptionError) error {
	delay := r.backoff.Next()
	r.logger.Warn().
		Err(subErr).
		Int("attempt", subErr.Attempt).
		Dur("retry_in", delay).
		Msg("feed subscription lost")
	if err := r.sink.SetConnectionState(ctx, StateReconnecting); errors.Is(err, ErrClosed) {
		return err
	}
	return sleepWithContext(ctx, delay)
}

// consume drains one subscription. It returns whether any event was
// delivered, and a non-nil error only when the sink is closed.
func (r *Router) consume(ctx context.Context, events <-chan models.MessageEvent) (bool, error) {
	delivered := false
	for {
		select {
		case <-ctx.Done():
			return delivered, nil
		case event, ok := <-events:
			if !ok {
				return delivered, nil
			}
			ok, err := r.route(ctx, event)
			if err != nil {
				return delivered, err
			}
			if !ok {
				continue
			}
			if !delivered {
				delivered = true
				r.backoff.Reset()
			}
		}
	}
}

func (r *Router) route(ctx context.Context, event models.MessageEvent) (bool, error) {
	if err := event.Validate(); err != nil {
		r.logger.Warn().Err(err).Str("event_id", event.ID).Msg("dropping malformed event")
		return false, nil
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = r.now()
	}
	if err := r.sink.Deliver(ctx, event); err != nil {
		if errors.Is(err, ErrClosed) {
			return false, err
		}
		if !errors.Is(err, context.Canceled) {
			r.logger.Debug().Err(err).Str("event_id", event.ID).Msg("event not delivered")
		}
		return false, nil
	}
	return true, nil
}
