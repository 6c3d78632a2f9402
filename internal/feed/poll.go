package feed

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tOgg1/chatdesk/internal/inbox"
	"github.com/tOgg1/chatdesk/internal/logging"
	"github.com/tOgg1/chatdesk/internal/models"
)

// SinceLister is a store that can list messages inserted after a position.
type SinceLister interface {
	MessagesSince(ctx context.Context, position string, limit int) ([]models.MessageEvent, string, error)
	Head(ctx context.Context) (string, error)
}

const (
	defaultPollInterval = time.Second
	defaultPollMax      = 30 * time.Second
	defaultPollBatch    = 100
	defaultMaxFailures  = 3
)

// PollOption configures a PollFeed.
type PollOption func(*PollFeed)

// WithPollInterval sets the base and maximum poll cadence. The interval
// doubles after each failed poll, up to max, and resets after a success.
func WithPollInterval(base, max time.Duration) PollOption {
	return func(p *PollFeed) {
		if base > 0 {
			p.interval = base
		}
		if max >= p.interval {
			p.maxInterval = max
		}
	}
}

// WithPollBatch caps how many messages one poll fetches.
func WithPollBatch(n int) PollOption {
	return func(p *PollFeed) {
		if n > 0 {
			p.batch = n
		}
	}
}

// WithMaxFailures sets how many consecutive failed polls end a subscription.
func WithMaxFailures(n int) PollOption {
	return func(p *PollFeed) {
		if n > 0 {
			p.maxFailures = n
		}
	}
}

// PollFeed turns a SinceLister into a feed. The first subscription starts
// at the store head; later subscriptions resume where the previous one
// stopped, so a resubscribe replays what was inserted in between.
type PollFeed struct {
	source      SinceLister
	interval    time.Duration
	maxInterval time.Duration
	batch       int
	maxFailures int
	logger      zerolog.Logger

	mu       sync.Mutex
	position string
	started  bool
}

var _ inbox.Feed = (*PollFeed)(nil)

// NewPollFeed creates a poll feed over source.
func NewPollFeed(source SinceLister, opts ...PollOption) *PollFeed {
	p := &PollFeed{
		source:      source,
		interval:    defaultPollInterval,
		maxInterval: defaultPollMax,
		batch:       defaultPollBatch,
		maxFailures: defaultMaxFailures,
		logger:      logging.Component("feed"),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.maxInterval < p.interval {
		p.maxInterval = p.interval
	}
	return p
}

// Position returns the last delivered store position.
func (p *PollFeed) Position() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.position
}

// Subscribe implements inbox.Feed.
func (p *PollFeed) Subscribe(ctx context.Context) (<-chan models.MessageEvent, error) {
	p.mu.Lock()
	started := p.started
	p.mu.Unlock()

	if !started {
		head, err := p.source.Head(ctx)
		if err != nil {
			return nil, fmt.Errorf("read feed head: %w", err)
		}
		p.mu.Lock()
		p.position = head
		p.started = true
		p.mu.Unlock()
	}

	out := make(chan models.MessageEvent, p.batch)
	go p.pollLoop(ctx, out)
	return out, nil
}

func (p *PollFeed) pollLoop(ctx context.Context, out chan<- models.MessageEvent) {
	defer close(out)

	interval := p.interval
	failures := 0
	timer := time.NewTimer(interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		delivered, err := p.poll(ctx, out)
		switch {
		case err == nil:
			failures = 0
			interval = p.interval
		case ctx.Err() != nil:
			return
		default:
			failures++
			p.logger.Warn().Err(err).Int("failures", failures).Msg("poll failed")
			if failures >= p.maxFailures {
				return
			}
			interval *= 2
			if interval > p.maxInterval {
				interval = p.maxInterval
			}
		}

		next := interval
		if delivered == p.batch {
			// A full batch means more is waiting.
			next = 0
		}
		timer.Reset(next)
	}
}

func (p *PollFeed) poll(ctx context.Context, out chan<- models.MessageEvent) (int, error) {
	position := p.Position()
	events, next, err := p.source.MessagesSince(ctx, position, p.batch)
	if err != nil {
		return 0, err
	}

	for i, event := range events {
		select {
		case out <- event:
		case <-ctx.Done():
			return i, ctx.Err()
		}
	}

	p.mu.Lock()
	p.position = next
	p.mu.Unlock()
	return len(events), nil
}
