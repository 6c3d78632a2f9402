// Package inbox is the realtime synchronization core of the console: the
// conversation registry, the open conversation's timeline, the feed router,
// the search overlay and the selection, all mutated from one loop.
package inbox

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/tOgg1/chatdesk/internal/events"
	"github.com/tOgg1/chatdesk/internal/logging"
	"github.com/tOgg1/chatdesk/internal/models"
)

// ErrAlreadyRunning is returned by a second call to Run.
var ErrAlreadyRunning = errors.New("inbox: console already running")

// Options configures a Console.
type Options struct {
	// Source is required.
	Source DataSource

	// Searcher enables remote search when SearchRemote is set.
	Searcher Searcher

	// ReadMarker persists mark-as-read when set.
	ReadMarker ReadMarker

	// Publisher receives change notifications. A private one is created
	// when nil.
	Publisher *events.InMemoryPublisher

	ConversationPageSize int
	MessagePageSize      int

	SearchRemote   bool
	SearchDebounce time.Duration
	SearchLimit    int

	HighlightTTL time.Duration
	MailboxSize  int

	Logger *zerolog.Logger
}

// Snapshot is an immutable copy of the console state. Slices must not be
// modified by the caller.
type Snapshot struct {
	Version    uint64          `json:"version"`
	SignedIn   bool            `json:"signed_in"`
	Connection ConnectionState `json:"connection"`

	Filter              models.ConversationFilter `json:"filter"`
	Conversations       []models.Conversation     `json:"conversations"`
	ConversationsCursor models.Cursor             `json:"conversations_cursor"`

	// View is the list to render: the registry, or the search overlay over it.
	View []models.Conversation `json:"view"`

	Selected        string           `json:"selected,omitempty"`
	Messages        []models.Message `json:"messages"`
	MessagesCursor  models.Cursor    `json:"messages_cursor"`
	TimelineLoading bool             `json:"timeline_loading"`

	Search SearchState `json:"search"`
}

// Console owns the registry, timeline, selection and search overlay. Every
// mutation runs on the loop started by Run; fetches run on the calling
// goroutine and post their results back.
type Console struct {
	opts      Options
	logger    zerolog.Logger
	publisher *events.InMemoryPublisher

	mailbox chan func()
	done    chan struct{}
	running atomic.Bool

	// ctx lives as long as the loop; timers and background searches use it.
	ctx    context.Context
	cancel context.CancelFunc

	// Loop-owned state.
	registry    *Registry
	timeline    *Timeline
	search      *SearchOverlay
	connection  ConnectionState
	signedIn    bool
	searchTimer *time.Timer
	version     uint64

	selection Selection
	snapshot  atomic.Pointer[Snapshot]
}

// New creates a console. Call Run to start processing.
func New(opts Options) (*Console, error) {
	if opts.Source == nil {
		return nil, errors.New("inbox: data source is required")
	}
	if opts.MailboxSize <= 0 {
		opts.MailboxSize = 256
	}
	if opts.HighlightTTL <= 0 {
		opts.HighlightTTL = 3 * time.Second
	}
	if opts.Publisher == nil {
		opts.Publisher = events.NewInMemoryPublisher()
	}

	logger := logging.Component("inbox")
	if opts.Logger != nil {
		logger = *opts.Logger
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Console{
		opts:       opts,
		logger:     logger,
		publisher:  opts.Publisher,
		mailbox:    make(chan func(), opts.MailboxSize),
		done:       make(chan struct{}),
		ctx:        ctx,
		cancel:     cancel,
		registry:   NewRegistry(opts.ConversationPageSize),
		timeline:   NewTimeline(opts.MessagePageSize),
		search:     NewSearchOverlay(opts.SearchRemote && opts.Searcher != nil, opts.SearchDebounce, opts.SearchLimit),
		connection: StateConnecting,
		signedIn:   true,
	}
	c.snapshot.Store(c.buildSnapshot())
	return c, nil
}

// Run processes the mailbox until ctx is canceled.
func (c *Console) Run(ctx context.Context) error {
	if !c.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer func() {
		if c.searchTimer != nil {
			c.searchTimer.Stop()
		}
		c.cancel()
		close(c.done)
	}()

	c.logger.Debug().Int("mailbox", cap(c.mailbox)).Msg("console loop started")
	for {
		select {
		case <-ctx.Done():
			c.logger.Debug().Msg("console loop stopped")
			return ctx.Err()
		case fn := <-c.mailbox:
			fn()
		}
	}
}

// post enqueues fn without waiting for it to run.
func (c *Console) post(ctx context.Context, fn func()) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	select {
	case c.mailbox <- fn:
		return nil
	case <-c.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// do enqueues fn and waits until the loop has run it. ctx bounds only the
// enqueue; once queued, fn always runs unless the loop stops.
func (c *Console) do(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	if err := c.post(ctx, func() {
		defer close(finished)
		fn()
	}); err != nil {
		return err
	}
	select {
	case <-finished:
		return nil
	case <-c.done:
		select {
		case <-finished:
			return nil
		default:
			return ErrClosed
		}
	}
}

func change(kind events.Kind, conversationID, detail string) events.Change {
	return events.Change{Kind: kind, ConversationID: conversationID, Detail: detail}
}

// commit publishes a fresh snapshot followed by the given changes. Loop only.
func (c *Console) commit(changes ...events.Change) {
	c.version++
	c.snapshot.Store(c.buildSnapshot())
	for i := range changes {
		ch := changes[i]
		c.publisher.Publish(c.ctx, &ch)
	}
}

func (c *Console) buildSnapshot() *Snapshot {
	return &Snapshot{
		Version:             c.version,
		SignedIn:            c.signedIn,
		Connection:          c.connection,
		Filter:              c.registry.Filter(),
		Conversations:       c.registry.Items(),
		ConversationsCursor: c.registry.Cursor(),
		View:                c.search.View(c.registry),
		Selected:            c.selection.Current(),
		Messages:            c.timeline.Messages(),
		MessagesCursor:      c.timeline.Cursor(),
		TimelineLoading:     c.timeline.Loading(),
		Search:              c.search.State(),
	}
}

// Snapshot returns the latest committed state. Safe from any goroutine.
func (c *Console) Snapshot() Snapshot {
	return *c.snapshot.Load()
}

// Selected returns the open conversation id. Safe from any goroutine.
func (c *Console) Selected() string {
	return c.selection.Current()
}

// Subscribe registers a change handler. Handlers run on the console loop and
// must not block or call back into the console synchronously.
func (c *Console) Subscribe(id string, filter events.Filter, handler events.Handler) error {
	return c.publisher.Subscribe(id, filter, handler)
}

// Unsubscribe removes a change handler.
func (c *Console) Unsubscribe(id string) error {
	return c.publisher.Unsubscribe(id)
}

// Load fetches the first page of conversations and replaces the registry.
func (c *Console) Load(ctx context.Context, filter models.ConversationFilter) error {
	var (
		ticket  registryTicket
		skipped bool
	)
	if err := c.do(ctx, func() {
		if !c.signedIn {
			skipped = true
			return
		}
		ticket = c.registry.beginLoad(filter)
	}); err != nil {
		return err
	}
	if skipped {
		return nil
	}

	page, err := c.opts.Source.ListConversations(ctx, ticket.req)
	finish := context.WithoutCancel(ctx)
	if err != nil {
		_ = c.do(finish, func() { c.registry.failLoad(ticket) })
		c.logger.Warn().Err(err).Msg("conversation load failed")
		return &FetchError{Op: OpLoadConversations, Err: err}
	}

	return c.do(finish, func() {
		if !c.registry.applyLoad(ticket, page) {
			c.logger.Debug().Msg("discarding stale conversation page")
			return
		}
		c.commit(change(events.KindRegistry, "", "loaded"))
	})
}

// LoadMoreConversations appends the next page. It returns the number of
// conversations added; a call while another page is outstanding or after
// the last page adds nothing.
func (c *Console) LoadMoreConversations(ctx context.Context) (int, error) {
	var (
		ticket registryTicket
		ok     bool
	)
	if err := c.do(ctx, func() {
		ticket, ok = c.registry.beginLoadMore()
	}); err != nil {
		return 0, err
	}
	if !ok {
		return 0, nil
	}

	page, err := c.opts.Source.ListConversations(ctx, ticket.req)
	finish := context.WithoutCancel(ctx)
	if err != nil {
		_ = c.do(finish, func() { c.registry.failLoadMore(ticket) })
		return 0, &FetchError{Op: OpLoadMoreConversations, Err: err}
	}

	var added int
	err = c.do(finish, func() {
		var current bool
		added, current = c.registry.applyLoadMore(ticket, page)
		if current {
			c.commit(change(events.KindRegistry, "", "page"))
		}
	})
	return added, err
}

// Select opens a conversation: the timeline is rebound and loaded, and the
// conversation is marked read. Selecting the open conversation again
// refreshes it. ErrSuperseded is returned when a newer selection replaced
// this one before its messages arrived.
func (c *Console) Select(ctx context.Context, id string) error {
	if id == "" {
		return c.Deselect(ctx)
	}
	return c.open(ctx, id, false)
}

// refresh reloads the timeline of id only if id is still the open
// conversation when the loop gets to it.
func (c *Console) refresh(ctx context.Context, id string) error {
	return c.open(ctx, id, true)
}

func (c *Console) open(ctx context.Context, id string, onlyIfSelected bool) error {
	var (
		ticket  timelineTicket
		ok      bool
		skipped bool
	)
	if err := c.do(ctx, func() {
		if onlyIfSelected && !c.selection.IsSelected(id) {
			skipped = true
			return
		}
		if previous := c.selection.set(id); previous != id {
			c.timeline.Rebind(id)
		}
		c.registry.SetActive(id)
		c.registry.MarkRead(id)
		ticket, ok = c.timeline.beginInitial()
		c.commit(change(events.KindSelection, id, "selected"))
	}); err != nil {
		return err
	}
	if skipped {
		return nil
	}
	if !ok {
		return ErrSuperseded
	}

	go c.persistRead(id)

	page, err := c.opts.Source.ListMessages(ctx, id, ticket.req)
	finish := context.WithoutCancel(ctx)
	if err != nil {
		current := false
		_ = c.do(finish, func() {
			if current = c.timeline.failInitial(ticket); current {
				c.commit(change(events.KindTimeline, id, "error"))
			}
		})
		if !current {
			return ErrSuperseded
		}
		logger := logging.WithConversation(c.logger, id)
		logger.Warn().Err(err).Msg("timeline load failed")
		return &FetchError{Op: OpLoadMessages, ConversationID: id, Err: err}
	}

	superseded := false
	if err := c.do(finish, func() {
		if !c.timeline.applyInitial(ticket, page) {
			superseded = true
			return
		}
		c.timeline.MarkAllRead()
		c.commit(change(events.KindTimeline, id, "loaded"))
	}); err != nil {
		return err
	}
	if superseded {
		return ErrSuperseded
	}
	return nil
}

// Deselect closes the open conversation.
func (c *Console) Deselect(ctx context.Context) error {
	return c.do(ctx, c.deselect)
}

func (c *Console) deselect() {
	previous := c.selection.set("")
	c.timeline.Rebind("")
	c.registry.SetActive("")
	if previous != "" {
		c.commit(change(events.KindSelection, previous, "deselected"))
	}
}

// MarkRead resets a conversation's unread count.
func (c *Console) MarkRead(ctx context.Context, id string) error {
	if err := c.do(ctx, func() {
		if c.registry.MarkRead(id) {
			c.commit(change(events.KindRegistry, id, "read"))
		}
	}); err != nil {
		return err
	}
	go c.persistRead(id)
	return nil
}

func (c *Console) persistRead(id string) {
	if c.opts.ReadMarker == nil {
		return
	}
	if err := c.opts.ReadMarker.MarkConversationRead(c.ctx, id); err != nil && c.ctx.Err() == nil {
		logger := logging.WithConversation(c.logger, id)
		logger.Warn().Err(err).Msg("failed to persist read marker")
	}
}

// LoadMoreMessages fetches older messages of the open conversation. It
// returns the number added; concurrent calls on the same cursor add nothing.
func (c *Console) LoadMoreMessages(ctx context.Context) (int, error) {
	var (
		ticket timelineTicket
		ok     bool
	)
	if err := c.do(ctx, func() {
		ticket, ok = c.timeline.beginMore()
	}); err != nil {
		return 0, err
	}
	if !ok {
		return 0, nil
	}

	page, err := c.opts.Source.ListMessages(ctx, ticket.conversationID, ticket.req)
	finish := context.WithoutCancel(ctx)
	if err != nil {
		_ = c.do(finish, func() { c.timeline.failMore(ticket) })
		return 0, &FetchError{Op: OpLoadMoreMessages, ConversationID: ticket.conversationID, Err: err}
	}

	var added int
	err = c.do(finish, func() {
		var current bool
		added, current = c.timeline.applyMore(ticket, page)
		if current {
			c.commit(change(events.KindTimeline, ticket.conversationID, "page"))
		}
	})
	return added, err
}

// SetSearchQuery records typed search text. The query settles after the
// debounce; an empty query clears the overlay at once.
func (c *Console) SetSearchQuery(ctx context.Context, text string) error {
	return c.do(ctx, func() {
		if c.searchTimer != nil {
			c.searchTimer.Stop()
			c.searchTimer = nil
		}
		seq, ok := c.search.setInput(text)
		if !ok {
			c.commit(change(events.KindSearch, "", "cleared"))
			return
		}
		c.searchTimer = time.AfterFunc(c.search.Debounce(), func() {
			_ = c.post(c.ctx, func() { c.settleSearch(seq) })
		})
		c.commit(change(events.KindSearch, "", "typing"))
	})
}

func (c *Console) settleSearch(seq uint64) {
	query, fetch, ok := c.search.settle(seq)
	if !ok {
		return
	}
	c.searchTimer = nil
	c.commit(change(events.KindSearch, "", "settled"))
	if fetch {
		go c.runSearch(seq, query)
	}
}

func (c *Console) runSearch(seq uint64, query string) {
	results, err := c.opts.Searcher.Search(c.ctx, query, c.search.limit)
	if err != nil {
		if c.ctx.Err() != nil {
			return
		}
		c.logger.Warn().Err(err).Str("query", query).Msg("search failed")
		err = &FetchError{Op: OpSearch, Err: err}
	}
	_ = c.post(c.ctx, func() {
		if c.search.applyResults(seq, results, err) {
			c.commit(change(events.KindSearch, "", "results"))
		}
	})
}

// Deliver applies a validated feed event: appended to the timeline when its
// conversation is open, and always promoted in the registry.
func (c *Console) Deliver(ctx context.Context, event models.MessageEvent) error {
	return c.post(ctx, func() { c.applyEvent(event) })
}

func (c *Console) applyEvent(event models.MessageEvent) {
	if !c.signedIn {
		c.logger.Debug().Str("event_id", event.ID).Msg("dropping event while signed out")
		return
	}

	var changes []events.Change
	if c.selection.IsSelected(event.ConversationID) {
		if c.timeline.Append(event.Message()) {
			changes = append(changes, change(events.KindTimeline, event.ConversationID, "appended"))
		}
	}

	conv, token, fresh := c.registry.UpsertFromEvent(event)
	if !fresh {
		c.logger.Debug().Str("event_id", event.ID).Msg("event redelivered")
	} else {
		changes = append(changes, change(events.KindRegistry, conv.ID, "promoted"))
	}
	if token != 0 {
		c.scheduleHighlightClear(conv.ID, token)
	}
	if len(changes) > 0 {
		c.commit(changes...)
	}
}

func (c *Console) scheduleHighlightClear(id string, token uint64) {
	time.AfterFunc(c.opts.HighlightTTL, func() {
		_ = c.post(c.ctx, func() {
			if c.registry.ClearHighlight(id, token) {
				c.commit(change(events.KindRegistry, id, "highlight_cleared"))
			}
		})
	})
}

// Reconcile reloads the registry with the last filter and refreshes the open
// conversation. The router calls it after every successful subscription.
func (c *Console) Reconcile(ctx context.Context) error {
	var filter models.ConversationFilter
	if err := c.do(ctx, func() { filter = c.registry.Filter() }); err != nil {
		return err
	}
	if err := c.Load(ctx, filter); err != nil {
		return err
	}
	if id := c.Selected(); id != "" {
		if err := c.refresh(ctx, id); err != nil && !errors.Is(err, ErrSuperseded) {
			return err
		}
	}
	return nil
}

// SetConnectionState records the feed state.
func (c *Console) SetConnectionState(ctx context.Context, state ConnectionState) error {
	return c.post(ctx, func() {
		if c.connection == state {
			return
		}
		c.connection = state
		c.commit(change(events.KindConnection, "", string(state)))
	})
}

// SessionChanged is the auth boundary. Losing the session clears the
// registry, closes the conversation and resets search; regaining it loads
// the first page.
func (c *Console) SessionChanged(ctx context.Context, present bool) error {
	if !present {
		return c.do(ctx, func() {
			c.signedIn = false
			c.registry.Clear()
			c.deselect()
			if c.searchTimer != nil {
				c.searchTimer.Stop()
				c.searchTimer = nil
			}
			c.search.reset()
			c.commit(change(events.KindSession, "", "signed_out"))
		})
	}

	var filter models.ConversationFilter
	if err := c.do(ctx, func() {
		filter = c.registry.Filter()
		if !c.signedIn {
			c.signedIn = true
			c.commit(change(events.KindSession, "", "signed_in"))
		}
	}); err != nil {
		return err
	}
	return c.Load(ctx, filter)
}

// Filter returns the filter of the last load.
func (c *Console) Filter() models.ConversationFilter {
	return c.Snapshot().Filter
}
