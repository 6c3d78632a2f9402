package inbox

import (
	"context"
	"time"
)

const (
	defaultBackoffInitial = 500 * time.Millisecond
	defaultBackoffMax     = 30 * time.Second
)

// Backoff is a doubling delay with a ceiling.
type Backoff struct {
	Initial time.Duration
	Max     time.Duration

	next time.Duration
}

// NewBackoff returns a backoff starting at initial and capped at max.
func NewBackoff(initial, max time.Duration) *Backoff {
	if initial <= 0 {
		initial = defaultBackoffInitial
	}
	if max < initial {
		max = initial
	}
	return &Backoff{Initial: initial, Max: max}
}

// Next returns the delay to wait before the next attempt and doubles the
// following one.
func (b *Backoff) Next() time.Duration {
	if b.next <= 0 {
		b.next = b.Initial
	}
	delay := b.next
	b.next *= 2
	if b.next > b.Max {
		b.next = b.Max
	}
	return delay
}

// Reset returns the backoff to its initial delay.
func (b *Backoff) Reset() {
	b.next = 0
}

func sleepWithContext(ctx context.Context, duration time.Duration) error {
	timer := time.NewTimer(duration)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
