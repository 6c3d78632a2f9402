// Package consoletui is the terminal conversation console: the conversation
// list, the open timeline and a search box over the inbox core.
package consoletui

import (
	"context"
	"errors"
	"fmt"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/tOgg1/chatdesk/internal/config"
	"github.com/tOgg1/chatdesk/internal/events"
	"github.com/tOgg1/chatdesk/internal/inbox"
	"github.com/tOgg1/chatdesk/internal/logging"
	"github.com/tOgg1/chatdesk/internal/models"
)

const (
	changeBuffer     = 256
	defaultStatusTTL = 4 * time.Second
	opTimeout        = 15 * time.Second
)

var statusFilters = []string{"", models.StatusNew, models.StatusOpen, models.StatusWaiting, models.StatusResolved}

// Console is the inbox surface the terminal console drives.
type Console interface {
	Snapshot() inbox.Snapshot
	Subscribe(id string, filter events.Filter, handler events.Handler) error
	Unsubscribe(id string) error

	Load(ctx context.Context, filter models.ConversationFilter) error
	LoadMoreConversations(ctx context.Context) (int, error)
	Select(ctx context.Context, id string) error
	Deselect(ctx context.Context) error
	MarkRead(ctx context.Context, id string) error
	LoadMoreMessages(ctx context.Context) (int, error)
	SetSearchQuery(ctx context.Context, text string) error
}

// Config controls the terminal console.
type Config struct {
	// Context persists the open conversation and filter between runs.
	// Nil disables session restore.
	Context *config.ContextStore
}

// Run starts the terminal console and blocks until the user quits or ctx
// ends.
func Run(ctx context.Context, console Console, cfg Config) error {
	m, err := NewModel(console, cfg)
	if err != nil {
		return err
	}
	defer m.Close()

	program := tea.NewProgram(m, tea.WithAltScreen(), tea.WithContext(ctx))
	_, err = program.Run()
	if errors.Is(err, tea.ErrProgramKilled) && ctx.Err() != nil {
		return nil
	}
	return err
}

type pane int

const (
	paneList pane = iota
	paneTimeline
	paneSearch
)

type changeMsg struct {
	change events.Change
}

type restoredMsg struct {
	selected string
	err      error
}

type opResultMsg struct {
	op    string
	added int
	err   error
}

type statusClearMsg struct {
	until time.Time
}

// Model is the bubbletea model of the terminal console.
type Model struct {
	console Console
	store   *config.ContextStore
	logger  zerolog.Logger

	subID   string
	changes chan events.Change

	snapshot inbox.Snapshot
	width    int
	height   int

	focus       pane
	cursor      int
	searchInput string
	filterIndex int
	unreadOnly  bool

	status      string
	statusErr   bool
	statusUntil time.Time
}

// NewModel subscribes to console changes. Call Close when done.
func NewModel(console Console, cfg Config) (*Model, error) {
	if console == nil {
		return nil, errors.New("console is required")
	}
	m := &Model{
		console:  console,
		store:    cfg.Context,
		logger:   logging.Component("tui"),
		subID:    "tui-" + uuid.NewString(),
		changes:  make(chan events.Change, changeBuffer),
		snapshot: console.Snapshot(),
		width:    100,
		height:   30,
	}
	if err := console.Subscribe(m.subID, events.Filter{}, m.onChange); err != nil {
		return nil, fmt.Errorf("subscribe to console: %w", err)
	}
	return m, nil
}

// onChange runs on the console loop and must not block.
func (m *Model) onChange(change *events.Change) {
	select {
	case m.changes <- *change:
	default:
	}
}

// Close removes the change subscription.
func (m *Model) Close() {
	_ = m.console.Unsubscribe(m.subID)
}

// Init restores the previous session and starts listening for changes.
func (m *Model) Init() tea.Cmd {
	return tea.Batch(m.waitForChange(), m.restoreCmd())
}

func (m *Model) waitForChange() tea.Cmd {
	return func() tea.Msg {
		return changeMsg{change: <-m.changes}
	}
}

func (m *Model) restoreCmd() tea.Cmd {
	saved := &config.Context{}
	if m.store != nil {
		loaded, err := m.store.Load()
		if err != nil {
			m.logger.Warn().Err(err).Msg("ignoring unreadable console context")
		} else {
			saved = loaded
		}
	}
	for i, status := range statusFilters {
		if status == saved.Status {
			m.filterIndex = i
		}
	}
	filter := models.ConversationFilter{Status: saved.Status, Campus: saved.Campus}
	conversationID := saved.ConversationID

	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
		defer cancel()
		if err := m.console.Load(ctx, filter); err != nil {
			return restoredMsg{err: err}
		}
		if conversationID == "" {
			return restoredMsg{}
		}
		if err := m.console.Select(ctx, conversationID); err != nil {
			return restoredMsg{err: err}
		}
		return restoredMsg{selected: conversationID}
	}
}

// Update implements tea.Model.
func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch typed := msg.(type) {
	case tea.WindowSizeMsg:
		m.width, m.height = typed.Width, typed.Height
		return m, nil
	case changeMsg:
		m.refresh()
		if typed.change.Kind == events.KindSession && typed.change.Detail == "signed_out" {
			m.clearContext()
		}
		return m, m.waitForChange()
	case restoredMsg:
		m.refresh()
		if typed.err != nil {
			return m, m.setStatus("restore failed: "+typed.err.Error(), true)
		}
		if typed.selected != "" {
			m.focusConversation(typed.selected)
			m.focus = paneTimeline
		}
		return m, nil
	case opResultMsg:
		m.refresh()
		return m, m.applyResult(typed)
	case statusClearMsg:
		if !m.statusUntil.IsZero() && !time.Now().Before(typed.until) {
			m.status = ""
			m.statusErr = false
			m.statusUntil = time.Time{}
		}
		return m, nil
	case tea.KeyMsg:
		return m, m.handleKey(typed)
	}
	return m, nil
}

func (m *Model) refresh() {
	m.snapshot = m.console.Snapshot()
	if m.cursor >= len(m.snapshot.View) {
		m.cursor = len(m.snapshot.View) - 1
	}
	if m.cursor < 0 {
		m.cursor = 0
	}
}

func (m *Model) focusConversation(id string) {
	for i, conv := range m.snapshot.View {
		if conv.ID == id {
			m.cursor = i
			return
		}
	}
}

func (m *Model) handleKey(msg tea.KeyMsg) tea.Cmd {
	if msg.Type == tea.KeyCtrlC {
		return tea.Quit
	}
	if m.focus == paneSearch {
		return m.handleSearchKey(msg)
	}

	switch msg.String() {
	case "q":
		return tea.Quit
	case "/":
		m.focus = paneSearch
		return nil
	case "tab":
		if m.focus == paneList && m.snapshot.Selected != "" {
			m.focus = paneTimeline
		} else {
			m.focus = paneList
		}
		return nil
	case "up", "k":
		if m.focus == paneList && m.cursor > 0 {
			m.cursor--
		}
		return nil
	case "down", "j":
		if m.focus == paneList && m.cursor < len(m.snapshot.View)-1 {
			m.cursor++
		}
		return nil
	case "enter":
		conv, ok := m.current()
		if !ok {
			return nil
		}
		m.saveConversation(conv)
		m.focus = paneTimeline
		return m.run("select", func(ctx context.Context) (int, error) {
			return 0, m.console.Select(ctx, conv.ID)
		})
	case "esc":
		if m.snapshot.Selected == "" {
			return nil
		}
		m.focus = paneList
		m.saveConversation(models.Conversation{})
		return m.run("deselect", func(ctx context.Context) (int, error) {
			return 0, m.console.Deselect(ctx)
		})
	case "r":
		conv, ok := m.current()
		if !ok {
			return nil
		}
		return m.run("mark read", func(ctx context.Context) (int, error) {
			return 0, m.console.MarkRead(ctx, conv.ID)
		})
	case "m":
		if m.focus == paneTimeline {
			return m.run("older messages", m.console.LoadMoreMessages)
		}
		return m.run("more conversations", m.console.LoadMoreConversations)
	case "f":
		m.filterIndex = (m.filterIndex + 1) % len(statusFilters)
		return m.reload()
	case "u":
		m.unreadOnly = !m.unreadOnly
		return m.reload()
	}
	return nil
}

func (m *Model) handleSearchKey(msg tea.KeyMsg) tea.Cmd {
	switch msg.Type {
	case tea.KeyEsc:
		m.focus = paneList
		if m.searchInput == "" {
			return nil
		}
		m.searchInput = ""
		return m.search("")
	case tea.KeyEnter:
		m.focus = paneList
		return nil
	case tea.KeyBackspace:
		if m.searchInput == "" {
			return nil
		}
		runes := []rune(m.searchInput)
		m.searchInput = string(runes[:len(runes)-1])
		return m.search(m.searchInput)
	case tea.KeySpace:
		m.searchInput += " "
		return m.search(m.searchInput)
	case tea.KeyRunes:
		m.searchInput += string(msg.Runes)
		return m.search(m.searchInput)
	}
	return nil
}

func (m *Model) search(text string) tea.Cmd {
	m.cursor = 0
	return m.run("search", func(ctx context.Context) (int, error) {
		return 0, m.console.SetSearchQuery(ctx, text)
	})
}

func (m *Model) reload() tea.Cmd {
	filter := m.filter()
	if m.store != nil {
		saved, err := m.store.Load()
		if err == nil {
			saved.SetFilter(filter.Status, filter.Campus)
			m.saveContext(saved)
		}
	}
	m.cursor = 0
	return m.run("load", func(ctx context.Context) (int, error) {
		return 0, m.console.Load(ctx, filter)
	})
}

func (m *Model) filter() models.ConversationFilter {
	return models.ConversationFilter{
		Status:     statusFilters[m.filterIndex],
		Campus:     m.snapshot.Filter.Campus,
		UnreadOnly: m.unreadOnly,
	}
}

func (m *Model) current() (models.Conversation, bool) {
	if m.cursor < 0 || m.cursor >= len(m.snapshot.View) {
		return models.Conversation{}, false
	}
	return m.snapshot.View[m.cursor], true
}

func (m *Model) run(op string, fn func(context.Context) (int, error)) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
		defer cancel()
		added, err := fn(ctx)
		return opResultMsg{op: op, added: added, err: err}
	}
}

func (m *Model) applyResult(result opResultMsg) tea.Cmd {
	switch {
	case errors.Is(result.err, inbox.ErrSuperseded):
		return nil
	case result.err != nil:
		return m.setStatus(result.op+" failed: "+result.err.Error(), true)
	case result.op == "more conversations" || result.op == "older messages":
		if result.added == 0 {
			return m.setStatus("nothing more to load", false)
		}
		return m.setStatus(fmt.Sprintf("loaded %d %s", result.added, result.op), false)
	}
	return nil
}

func (m *Model) setStatus(text string, isErr bool) tea.Cmd {
	m.status = text
	m.statusErr = isErr
	m.statusUntil = time.Now().Add(defaultStatusTTL)
	until := m.statusUntil
	return tea.Tick(defaultStatusTTL, func(time.Time) tea.Msg { return statusClearMsg{until: until} })
}

func (m *Model) saveConversation(conv models.Conversation) {
	if m.store == nil {
		return
	}
	saved, err := m.store.Load()
	if err != nil {
		saved = &config.Context{}
	}
	saved.SetConversation(conv.ID, conv.Name())
	m.saveContext(saved)
}

func (m *Model) saveContext(saved *config.Context) {
	if err := m.store.Save(saved); err != nil {
		m.logger.Warn().Err(err).Msg("failed to save console context")
	}
}

func (m *Model) clearContext() {
	if m.store == nil {
		return
	}
	if err := m.store.Clear(); err != nil {
		m.logger.Warn().Err(err).Msg("failed to clear console context")
	}
}
