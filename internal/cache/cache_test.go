package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/tOgg1/chatdesk/internal/inbox"
	"github.com/tOgg1/chatdesk/internal/models"
	"github.com/tOgg1/chatdesk/internal/testutil"
)

func TestLRUEvictsLeastRecentlyUsed(t *testing.T) {
	now := time.Now()
	c := NewLRU[int](2)
	c.Put("a", 1, time.Time{})
	c.Put("b", 2, time.Time{})

	_, ok := c.Get("a", now)
	require.True(t, ok)

	c.Put("c", 3, time.Time{})
	_, ok = c.Get("b", now)
	require.False(t, ok, "b was least recently used")
	v, ok := c.Get("a", now)
	require.True(t, ok)
	require.Equal(t, 1, v)
	require.Equal(t, 2, c.Len())
}

func TestLRUExpiry(t *testing.T) {
	now := time.Now()
	c := NewLRU[string](4)
	c.Put("k", "v", now.Add(time.Second))

	_, ok := c.Get("k", now)
	require.True(t, ok)
	_, ok = c.Get("k", now.Add(time.Second))
	require.False(t, ok)
	require.Zero(t, c.Len())

	c.Put("k", "v2", time.Time{})
	c.Purge()
	require.Zero(t, c.Len())
}

type countingSearcher struct {
	calls   atomic.Int32
	err     error
	release chan struct{}
}

func (s *countingSearcher) Search(_ context.Context, query string, _ int) (inbox.SearchResults, error) {
	s.calls.Add(1)
	if s.release != nil {
		<-s.release
	}
	if s.err != nil {
		return inbox.SearchResults{}, s.err
	}
	return inbox.SearchResults{
		Query:         query,
		Conversations: []models.Conversation{{ID: "c1", Contact: "+1"}},
	}, nil
}

func TestSearchCacheReadThrough(t *testing.T) {
	ctx := context.Background()
	next := &countingSearcher{}
	c := NewSearchCache(next, NewMemoryBackend(8), time.Minute)

	first, err := c.Search(ctx, "Ana", 10)
	require.NoError(t, err)
	second, err := c.Search(ctx, "  ana ", 10)
	require.NoError(t, err)

	require.Equal(t, int32(1), next.calls.Load())
	require.Equal(t, "Ana", first.Query)
	require.Equal(t, "  ana ", second.Query)
	require.Equal(t, "c1", second.Conversations[0].ID)

	_, err = c.Search(ctx, "ana", 5)
	require.NoError(t, err)
	require.Equal(t, int32(2), next.calls.Load(), "limit is part of the key")

	require.NoError(t, c.Purge(ctx))
	_, err = c.Search(ctx, "ana", 10)
	require.NoError(t, err)
	require.Equal(t, int32(3), next.calls.Load())
}

func TestSearchCacheExpires(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	backend := NewMemoryBackend(8)
	backend.now = func() time.Time { return now }
	next := &countingSearcher{}
	c := NewSearchCache(next, backend, time.Second)

	_, _ = c.Search(ctx, "q", 1)
	now = now.Add(2 * time.Second)
	_, _ = c.Search(ctx, "q", 1)
	require.Equal(t, int32(2), next.calls.Load())
}

func TestSearchCacheDoesNotCacheErrors(t *testing.T) {
	ctx := context.Background()
	next := &countingSearcher{err: errors.New("upstream down")}
	c := NewSearchCache(next, NewMemoryBackend(8), time.Minute)

	_, err := c.Search(ctx, "q", 1)
	require.Error(t, err)
	_, err = c.Search(ctx, "q", 1)
	require.Error(t, err)
	require.Equal(t, int32(2), next.calls.Load())
}

func TestSearchCacheCoalescesConcurrentQueries(t *testing.T) {
	ctx := context.Background()
	next := &countingSearcher{release: make(chan struct{})}
	c := NewSearchCache(next, NewMemoryBackend(8), 0)

	var wg sync.WaitGroup
	results := make([]inbox.SearchResults, 4)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], _ = c.Search(ctx, "same", 3)
		}(i)
	}

	require.Eventually(t, func() bool { return next.calls.Load() == 1 }, time.Second, time.Millisecond)
	// Give the other callers time to join the in-flight call.
	time.Sleep(20 * time.Millisecond)
	close(next.release)
	wg.Wait()

	require.Equal(t, int32(1), next.calls.Load())
	for _, r := range results {
		require.Equal(t, "c1", r.Conversations[0].ID)
	}
}

type failingBackend struct{}

func (failingBackend) Get(context.Context, string) ([]byte, bool, error) {
	return nil, false, errors.New("connection refused")
}
func (failingBackend) Set(context.Context, string, []byte, time.Duration) error {
	return errors.New("connection refused")
}
func (failingBackend) Purge(context.Context) error { return nil }

func TestSearchCacheDegradesWhenBackendFails(t *testing.T) {
	next := &countingSearcher{}
	c := NewSearchCache(next, failingBackend{}, time.Minute)

	results, err := c.Search(context.Background(), "q", 1)
	require.NoError(t, err)
	require.Len(t, results.Conversations, 1)
}

func TestSearchCacheCorruptEntryIsRefetched(t *testing.T) {
	ctx := context.Background()
	backend := NewMemoryBackend(8)
	require.NoError(t, backend.Set(ctx, searchKey("q", 1), []byte("{not json"), time.Minute))

	next := &countingSearcher{}
	c := NewSearchCache(next, backend, time.Minute)
	_, err := c.Search(ctx, "q", 1)
	require.NoError(t, err)
	require.Equal(t, int32(1), next.calls.Load())
}

func TestRedisBackendUnreachable(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", DialTimeout: 50 * time.Millisecond, MaxRetries: -1})
	backend := newRedisBackend(client, "")
	defer backend.Close()

	_, _, err := backend.Get(context.Background(), "k")
	require.Error(t, err)

	next := &countingSearcher{}
	results, err := NewSearchCache(next, backend, time.Minute).Search(context.Background(), "q", 1)
	require.NoError(t, err)
	require.Len(t, results.Conversations, 1)
}

func TestNewRedisBackendRequiresAddr(t *testing.T) {
	_, err := NewRedisBackend(context.Background(), RedisOptions{})
	require.Error(t, err)
}

func TestRedisBackendRoundTrip(t *testing.T) {
	addr := testutil.RequireEnv(t, "CHATDESK_TEST_REDIS_ADDR")
	ctx := context.Background()
	backend, err := NewRedisBackend(ctx, RedisOptions{Addr: addr, Prefix: "chatdesk-test:"})
	require.NoError(t, err)
	defer backend.Close()

	require.NoError(t, backend.Set(ctx, "k", []byte("v"), time.Minute))
	got, ok, err := backend.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("v"), got)

	require.NoError(t, backend.Purge(ctx))
	_, ok, err = backend.Get(ctx, "k")
	require.NoError(t, err)
	require.False(t, ok)
}
