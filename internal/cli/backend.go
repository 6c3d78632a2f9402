package cli

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tOgg1/chatdesk/internal/cache"
	"github.com/tOgg1/chatdesk/internal/config"
	"github.com/tOgg1/chatdesk/internal/db"
	"github.com/tOgg1/chatdesk/internal/feed"
	"github.com/tOgg1/chatdesk/internal/inbox"
	"github.com/tOgg1/chatdesk/internal/logging"
	"github.com/tOgg1/chatdesk/internal/pgstore"
)

// store is what every data source offers.
type store interface {
	inbox.DataSource
	inbox.Searcher
	inbox.ReadMarker
}

// backend bundles the data source, feed and search wiring for one process.
type backend struct {
	store    store
	searcher inbox.Searcher
	feed     inbox.Feed
	closers  []func()
}

func (b *backend) Close() {
	for i := len(b.closers) - 1; i >= 0; i-- {
		b.closers[i]()
	}
	b.closers = nil
}

// openDatabase opens and migrates the local SQLite store.
func openDatabase(ctx context.Context, cfg *config.Config) (*db.DB, error) {
	database, err := db.Open(cfg.Source.SQLitePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if _, err := database.MigrateUp(ctx); err != nil {
		_ = database.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return database, nil
}

func openBackend(ctx context.Context, cfg *config.Config) (*backend, error) {
	b := &backend{}
	ok := false
	defer func() {
		if !ok {
			b.Close()
		}
	}()

	if err := b.openStore(ctx, cfg); err != nil {
		return nil, err
	}
	if err := b.openFeed(cfg); err != nil {
		return nil, err
	}
	if cfg.Search.Mode == config.SearchRemote {
		b.searcher = b.openSearchCache(ctx, cfg.Search)
	}
	ok = true
	return b, nil
}

func (b *backend) openStore(ctx context.Context, cfg *config.Config) error {
	switch cfg.Source.Driver {
	case config.SourcePostgres:
		if cfg.Source.PostgresURL == "" {
			return &PreflightError{
				Message:  "postgres source needs a connection string",
				Hint:     "Set source.postgres_url or CHATDESK_SOURCE_POSTGRES_URL",
				NextStep: "chatdesk serve --config <path>",
			}
		}
		pg, err := pgstore.Connect(ctx, cfg.Source.PostgresURL)
		if err != nil {
			return err
		}
		b.closers = append(b.closers, pg.Close)
		if cfg.Feed.Driver == config.FeedPGNotify {
			if err := pg.EnsureSchema(ctx, cfg.Feed.Channel); err != nil {
				return err
			}
		}
		b.store = pg
	default:
		database, err := openDatabase(ctx, cfg)
		if err != nil {
			return err
		}
		b.closers = append(b.closers, func() { _ = database.Close() })
		b.store = db.NewStore(database)
	}
	return nil
}

func (b *backend) openFeed(cfg *config.Config) error {
	switch cfg.Feed.Driver {
	case config.FeedRealtime:
		rt, err := feed.NewRealtimeFeed(feed.RealtimeConfig{
			URL:       cfg.Feed.RealtimeURL,
			APIKey:    cfg.Feed.APIKey,
			Schema:    cfg.Feed.Schema,
			Table:     cfg.Feed.Table,
			Heartbeat: cfg.Feed.HeartbeatInterval,
		})
		if err != nil {
			return &PreflightError{Message: err.Error(), Hint: "Set feed.realtime_url and feed.api_key", Err: err}
		}
		b.feed = rt
	case config.FeedPGNotify:
		pg, ok := b.store.(*pgstore.Store)
		if !ok {
			return &PreflightError{
				Message: "the pgnotify feed needs the postgres source",
				Hint:    "Set source.driver to postgres or feed.driver to poll",
			}
		}
		b.feed = pgstore.NewNotifyFeed(pg.Pool(), cfg.Feed.Channel)
	default:
		lister, ok := b.store.(feed.SinceLister)
		if !ok {
			return &PreflightError{
				Message: "the poll feed needs the sqlite source",
				Hint:    "Use feed.driver realtime or pgnotify with the postgres source",
			}
		}
		maxInterval := 8 * cfg.Feed.PollInterval
		if maxInterval > cfg.Feed.BackoffMax {
			maxInterval = cfg.Feed.BackoffMax
		}
		b.feed = feed.NewPollFeed(lister, feed.WithPollInterval(cfg.Feed.PollInterval, maxInterval))
	}
	return nil
}

// openSearchCache puts a cache in front of the store search. Without a
// reachable redis the cache stays in process.
func (b *backend) openSearchCache(ctx context.Context, cfg config.SearchConfig) inbox.Searcher {
	logger := logging.Component("cache")
	var cacheBackend cache.Backend = cache.NewMemoryBackend(0)
	if cfg.RedisAddr != "" {
		pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		defer cancel()
		redis, err := cache.NewRedisBackend(pingCtx, cache.RedisOptions{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err != nil {
			logger.Warn().Err(err).Str("addr", cfg.RedisAddr).Msg("redis unavailable, caching search in memory")
		} else {
			cacheBackend = redis
			b.closers = append(b.closers, func() { _ = redis.Close() })
		}
	}
	return cache.NewSearchCache(b.store, cacheBackend, cfg.CacheTTL)
}

// newConsole builds the console core over b.
func newConsole(cfg *config.Config, b *backend) (*inbox.Console, error) {
	return inbox.New(inbox.Options{
		Source:               b.store,
		Searcher:             b.searcher,
		ReadMarker:           b.store,
		ConversationPageSize: cfg.Source.ConversationPageSize,
		MessagePageSize:      cfg.Source.MessagePageSize,
		SearchRemote:         b.searcher != nil,
		SearchDebounce:       cfg.Search.Debounce,
		SearchLimit:          cfg.Search.Limit,
		HighlightTTL:         cfg.Console.HighlightTTL,
		MailboxSize:          cfg.Console.MailboxSize,
	})
}

func newRouter(cfg *config.Config, b *backend, console *inbox.Console) *inbox.Router {
	return inbox.NewRouter(b.feed, console, inbox.WithBackoff(cfg.Feed.BackoffInitial, cfg.Feed.BackoffMax))
}

// ignoreCanceled treats a canceled context or a stopped console as a clean
// stop.
func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, inbox.ErrClosed) {
		return nil
	}
	return err
}
