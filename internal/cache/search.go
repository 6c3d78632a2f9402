package cache

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/tOgg1/chatdesk/internal/inbox"
	"github.com/tOgg1/chatdesk/internal/logging"
)

// SearchCache is a read-through cache in front of a Searcher. Concurrent
// identical queries share one upstream call. Backend failures degrade to
// uncached searches.
type SearchCache struct {
	next    inbox.Searcher
	backend Backend
	ttl     time.Duration
	group   singleflight.Group
	logger  zerolog.Logger
}

var _ inbox.Searcher = (*SearchCache)(nil)

// NewSearchCache wraps next. A non-positive ttl disables caching but keeps
// request coalescing.
func NewSearchCache(next inbox.Searcher, backend Backend, ttl time.Duration) *SearchCache {
	if backend == nil {
		backend = NewMemoryBackend(0)
	}
	return &SearchCache{
		next:    next,
		backend: backend,
		ttl:     ttl,
		logger:  logging.Component("cache"),
	}
}

func searchKey(query string, limit int) string {
	return "search:" + strconv.Itoa(limit) + ":" + strings.ToLower(strings.TrimSpace(query))
}

// Search implements inbox.Searcher.
func (c *SearchCache) Search(ctx context.Context, query string, limit int) (inbox.SearchResults, error) {
	key := searchKey(query, limit)

	if c.ttl > 0 {
		if results, ok := c.lookup(ctx, key); ok {
			results.Query = query
			return results, nil
		}
	}

	v, err, _ := c.group.Do(key, func() (any, error) {
		// Callers may give up; the shared fetch should still finish for the others.
		results, err := c.next.Search(context.WithoutCancel(ctx), query, limit)
		if err != nil {
			return inbox.SearchResults{}, err
		}
		c.store(ctx, key, results)
		return results, nil
	})
	if err != nil {
		return inbox.SearchResults{}, err
	}
	results := v.(inbox.SearchResults)
	results.Query = query
	return results, nil
}

// Purge drops every cached result.
func (c *SearchCache) Purge(ctx context.Context) error {
	return c.backend.Purge(ctx)
}

func (c *SearchCache) lookup(ctx context.Context, key string) (inbox.SearchResults, bool) {
	data, ok, err := c.backend.Get(ctx, key)
	if err != nil {
		c.logger.Warn().Err(err).Msg("cache read failed")
		return inbox.SearchResults{}, false
	}
	if !ok {
		return inbox.SearchResults{}, false
	}
	var results inbox.SearchResults
	if err := json.Unmarshal(data, &results); err != nil {
		c.logger.Warn().Err(err).Str("key", key).Msg("discarding corrupt cache entry")
		return inbox.SearchResults{}, false
	}
	return results, true
}

func (c *SearchCache) store(ctx context.Context, key string, results inbox.SearchResults) {
	if c.ttl <= 0 {
		return
	}
	data, err := json.Marshal(results)
	if err != nil {
		c.logger.Warn().Err(err).Msg("cache encode failed")
		return
	}
	if err := c.backend.Set(context.WithoutCancel(ctx), key, data, c.ttl); err != nil {
		c.logger.Warn().Err(err).Msg("cache write failed")
	}
}
