package inbox

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tOgg1/chatdesk/internal/models"
)

func TestBackoffDoublesToCeiling(t *testing.T) {
	b := NewBackoff(500*time.Millisecond, 30*time.Second)

	var got []time.Duration
	for i := 0; i < 9; i++ {
		got = append(got, b.Next())
	}
	require.Equal(t, []time.Duration{
		500 * time.Millisecond,
		time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
		30 * time.Second,
		30 * time.Second,
		30 * time.Second,
	}, got)

	b.Reset()
	require.Equal(t, 500*time.Millisecond, b.Next())
}

func TestBackoffDefaults(t *testing.T) {
	b := NewBackoff(0, 0)
	require.Equal(t, defaultBackoffInitial, b.Next())
	require.Equal(t, defaultBackoffInitial, b.Max)
}

// scriptedFeed hands out one scripted subscription per Subscribe call.
type scriptedFeed struct {
	mu      sync.Mutex
	script  []func(ctx context.Context) (<-chan models.MessageEvent, error)
	calls   int
	blocked chan struct{}
}

func (f *scriptedFeed) Subscribe(ctx context.Context) (<-chan models.MessageEvent, error) {
	f.mu.Lock()
	f.calls++
	var step func(ctx context.Context) (<-chan models.MessageEvent, error)
	if len(f.script) > 0 {
		step = f.script[0]
		f.script = f.script[1:]
	}
	f.mu.Unlock()

	if step == nil {
		out := make(chan models.MessageEvent)
		go func() {
			<-ctx.Done()
			close(out)
		}()
		if f.blocked != nil {
			close(f.blocked)
			f.blocked = nil
		}
		return out, nil
	}
	return step(ctx)
}

func (f *scriptedFeed) subscribeCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func deliverThenDrop(events ...models.MessageEvent) func(context.Context) (<-chan models.MessageEvent, error) {
	return func(context.Context) (<-chan models.MessageEvent, error) {
		out := make(chan models.MessageEvent, len(events))
		for _, e := range events {
			out <- e
		}
		close(out)
		return out, nil
	}
}

func deliverAndHold(events ...models.MessageEvent) func(context.Context) (<-chan models.MessageEvent, error) {
	return func(ctx context.Context) (<-chan models.MessageEvent, error) {
		out := make(chan models.MessageEvent, len(events))
		for _, e := range events {
			out <- e
		}
		go func() {
			<-ctx.Done()
			close(out)
		}()
		return out, nil
	}
}

func failSubscribe(err error) func(context.Context) (<-chan models.MessageEvent, error) {
	return func(context.Context) (<-chan models.MessageEvent, error) {
		return nil, err
	}
}

type recordingSink struct {
	mu         sync.Mutex
	delivered  []models.MessageEvent
	reconciles int
	states     []ConnectionState
}

func (s *recordingSink) Deliver(_ context.Context, e models.MessageEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delivered = append(s.delivered, e)
	return nil
}

func (s *recordingSink) Reconcile(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reconciles++
	return nil
}

func (s *recordingSink) SetConnectionState(_ context.Context, state ConnectionState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states = append(s.states, state)
	return nil
}

func (s *recordingSink) snapshot() ([]models.MessageEvent, int, []ConnectionState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.MessageEvent(nil), s.delivered...), s.reconciles, append([]ConnectionState(nil), s.states...)
}

func runRouter(t *testing.T, r *Router) (cancel func(), done <-chan error) {
	t.Helper()
	ctx, stop := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- r.Run(ctx) }()
	t.Cleanup(stop)
	return stop, errCh
}

func TestRouterDropsMalformedAndStampsTimestamp(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	noConversation := event("", "bad1", 1)
	badSender := event("c1", "bad2", 1)
	badSender.Sender = "robot"
	unstamped := event("c1", "m2", 0)
	unstamped.Timestamp = time.Time{}
	unstamped.Sender = ""

	blocked := make(chan struct{})
	feed := &scriptedFeed{
		script:  []func(context.Context) (<-chan models.MessageEvent, error){deliverThenDrop(event("c1", "m1", 1), noConversation, badSender, unstamped)},
		blocked: blocked,
	}
	sink := &recordingSink{}
	r := NewRouter(feed, sink,
		WithBackoff(time.Millisecond, 5*time.Millisecond),
		WithRouterClock(func() time.Time { return now }),
		WithRouterLogger(*nopLogger()))

	runRouter(t, r)
	<-blocked

	delivered, _, _ := sink.snapshot()
	require.Len(t, delivered, 2)
	require.Equal(t, "m1", delivered[0].ID)
	require.Equal(t, "m2", delivered[1].ID)
	require.Equal(t, now, delivered[1].Timestamp)
	require.Equal(t, models.SenderInbound, delivered[1].Sender)
}

func TestRouterResubscribesAndReconciles(t *testing.T) {
	blocked := make(chan struct{})
	feed := &scriptedFeed{
		script: []func(context.Context) (<-chan models.MessageEvent, error){
			failSubscribe(errors.New("dial refused")),
			deliverThenDrop(event("c1", "m1", 1)),
			failSubscribe(errors.New("dial refused")),
			deliverThenDrop(event("c1", "m2", 2)),
		},
		blocked: blocked,
	}
	sink := &recordingSink{}
	r := NewRouter(feed, sink, WithBackoff(time.Millisecond, 4*time.Millisecond), WithRouterLogger(*nopLogger()))

	stop, done := runRouter(t, r)
	<-blocked

	require.Eventually(t, func() bool {
		_, reconciles, _ := sink.snapshot()
		return reconciles == 3
	}, time.Second, 5*time.Millisecond, "one reconcile per successful subscription")

	delivered, _, states := sink.snapshot()
	require.Equal(t, []string{"m1", "m2"}, []string{delivered[0].ID, delivered[1].ID})
	require.Equal(t, 5, feed.subscribeCalls())
	require.Equal(t, StateConnecting, states[0])
	require.Contains(t, states, StateLive)
	require.Contains(t, states, StateReconnecting)

	stop()
	require.ErrorIs(t, <-done, context.Canceled)
	_, _, states = sink.snapshot()
	require.Equal(t, StateStopped, states[len(states)-1])
}

type closedSink struct{ recordingSink }

func (s *closedSink) SetConnectionState(context.Context, ConnectionState) error { return ErrClosed }

func TestRouterStopsWhenSinkClosed(t *testing.T) {
	feed := &scriptedFeed{}
	r := NewRouter(feed, &closedSink{}, WithRouterLogger(*nopLogger()))

	_, done := runRouter(t, r)
	select {
	case err := <-done:
		require.ErrorIs(t, err, ErrClosed)
	case <-time.After(time.Second):
		t.Fatal("router did not stop")
	}
}

func TestRouterDeliversToConsole(t *testing.T) {
	src := newStubSource()
	src.conversations = []models.Conversation{conv("c1", 10, 0), conv("c2", 5, 0)}
	c := startConsole(t, Options{Source: src})
	require.NoError(t, c.Load(context.Background(), models.ConversationFilter{}))

	feed := &scriptedFeed{
		script: []func(context.Context) (<-chan models.MessageEvent, error){
			deliverAndHold(event("c2", "m1", 20)),
		},
	}
	r := NewRouter(feed, c, WithBackoff(time.Millisecond, 2*time.Millisecond), WithRouterLogger(*nopLogger()))
	runRouter(t, r)

	require.Eventually(t, func() bool {
		snap := c.Snapshot()
		return len(snap.Conversations) == 2 && snap.Conversations[0].ID == "c2"
	}, time.Second, 5*time.Millisecond)

	snap := c.Snapshot()
	require.Equal(t, []string{"c2", "c1"}, convIDs(snap.Conversations))
	require.Equal(t, 1, snap.Conversations[0].UnreadCount)
	require.Equal(t, StateLive, snap.Connection)
	require.Equal(t, 2, src.conversationCalls(), "initial load plus one reconcile on subscribe")
}

func TestRouterReconcilesOnFirstSubscription(t *testing.T) {
	feed := &scriptedFeed{
		script: []func(context.Context) (<-chan models.MessageEvent, error){
			deliverAndHold(event("c1", "m1", 1)),
		},
	}
	sink := &recordingSink{}
	r := NewRouter(feed, sink, WithBackoff(time.Millisecond, 2*time.Millisecond), WithRouterLogger(*nopLogger()))
	runRouter(t, r)

	require.Eventually(t, func() bool {
		delivered, _, _ := sink.snapshot()
		return len(delivered) == 1
	}, time.Second, 5*time.Millisecond)
	_, reconciles, _ := sink.snapshot()
	require.Equal(t, 1, reconciles)
	require.Equal(t, 1, feed.subscribeCalls())
}

func TestRouterFirstSubscriptionFillsEmptyConsole(t *testing.T) {
	src := newStubSource()
	src.conversations = []models.Conversation{conv("c1", 10, 0), conv("c2", 5, 3)}
	c := startConsole(t, Options{Source: src})

	feed := &scriptedFeed{
		script: []func(context.Context) (<-chan models.MessageEvent, error){
			deliverAndHold(),
		},
	}
	r := NewRouter(feed, c, WithBackoff(time.Millisecond, 2*time.Millisecond), WithRouterLogger(*nopLogger()))
	runRouter(t, r)

	require.Eventually(t, func() bool {
		return len(c.Snapshot().Conversations) == 2
	}, time.Second, 5*time.Millisecond, "a failed or missing initial load converges once the feed is live")
	require.Equal(t, []string{"c1", "c2"}, convIDs(c.Snapshot().Conversations))
}

func TestRouterReconcileConvergesConsoleToServer(t *testing.T) {
	src := newStubSource()
	src.conversations = []models.Conversation{conv("c1", 10, 0)}
	c := startConsole(t, Options{Source: src})
	require.NoError(t, c.Load(context.Background(), models.ConversationFilter{}))

	// Missed while disconnected: only the server knows about c9.
	src.mu.Lock()
	src.conversations = []models.Conversation{conv("c9", 30, 2), conv("c1", 10, 0)}
	src.mu.Unlock()

	feed := &scriptedFeed{
		script: []func(context.Context) (<-chan models.MessageEvent, error){
			deliverThenDrop(),
			deliverAndHold(),
		},
	}
	r := NewRouter(feed, c, WithBackoff(time.Millisecond, 2*time.Millisecond), WithRouterLogger(*nopLogger()))
	runRouter(t, r)

	require.Eventually(t, func() bool {
		return len(c.Snapshot().Conversations) == 2
	}, time.Second, 5*time.Millisecond)
	require.Equal(t, []string{"c9", "c1"}, convIDs(c.Snapshot().Conversations))
}
