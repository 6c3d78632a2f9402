package consoletui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/tOgg1/chatdesk/internal/inbox"
	"github.com/tOgg1/chatdesk/internal/models"
)

const (
	minListWidth = 28
	timeLayout   = "02/01 15:04"
)

var (
	colorAccent = lipgloss.Color("39")
	colorMuted  = lipgloss.Color("244")
	colorBorder = lipgloss.Color("238")
	colorFresh  = lipgloss.Color("214")
	colorError  = lipgloss.Color("196")
	colorOK     = lipgloss.Color("42")

	headerStyle   = lipgloss.NewStyle().Bold(true).Foreground(colorAccent)
	mutedStyle    = lipgloss.NewStyle().Foreground(colorMuted)
	selectedStyle = lipgloss.NewStyle().Bold(true).Reverse(true)
	freshStyle    = lipgloss.NewStyle().Foreground(colorFresh)
	unreadStyle   = lipgloss.NewStyle().Bold(true).Foreground(colorOK)
	errorStyle    = lipgloss.NewStyle().Foreground(colorError)
	inboundStyle  = lipgloss.NewStyle().Foreground(colorAccent)
	systemStyle   = lipgloss.NewStyle().Italic(true).Foreground(colorMuted)
)

func paneStyle(focused bool) lipgloss.Style {
	style := lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(colorBorder).Padding(0, 1)
	if focused {
		style = style.BorderForeground(colorAccent)
	}
	return style
}

// View implements tea.Model.
func (m *Model) View() string {
	listWidth := m.width / 3
	if listWidth < minListWidth {
		listWidth = minListWidth
	}
	timelineWidth := m.width - listWidth - 4
	if timelineWidth < 20 {
		timelineWidth = 20
	}
	bodyHeight := m.height - 4
	if bodyHeight < 6 {
		bodyHeight = 6
	}

	list := paneStyle(m.focus == paneList).Width(listWidth - 2).Height(bodyHeight - 2).
		Render(m.renderList(listWidth-4, bodyHeight-2))
	timeline := paneStyle(m.focus == paneTimeline).Width(timelineWidth - 2).Height(bodyHeight - 2).
		Render(m.renderTimeline(timelineWidth-4, bodyHeight-2))

	return lipgloss.JoinVertical(lipgloss.Left,
		m.renderHeader(),
		lipgloss.JoinHorizontal(lipgloss.Top, list, timeline),
		m.renderFooter(),
	)
}

func (m *Model) renderHeader() string {
	s := m.snapshot
	parts := []string{headerStyle.Render("chatdesk"), connectionLabel(s.Connection)}
	if !s.SignedIn {
		parts = append(parts, errorStyle.Render("signed out"))
	}
	if status := statusFilters[m.filterIndex]; status != "" {
		parts = append(parts, "status:"+status)
	}
	if m.unreadOnly {
		parts = append(parts, "unread")
	}

	search := "/ search"
	switch {
	case m.focus == paneSearch:
		search = "/ " + m.searchInput + "▏"
	case s.Search.Input != "":
		search = "/ " + s.Search.Input
	}
	if s.Search.Pending {
		search += mutedStyle.Render(" …")
	}
	if s.Search.Error != "" {
		search += errorStyle.Render(" (" + s.Search.Error + ")")
	}
	parts = append(parts, search)
	return strings.Join(parts, "  ")
}

func connectionLabel(state inbox.ConnectionState) string {
	switch state {
	case inbox.StateLive:
		return unreadStyle.Render("● live")
	case inbox.StateStopped:
		return errorStyle.Render("● stopped")
	default:
		return freshStyle.Render("● " + string(state))
	}
}

func (m *Model) renderList(width, height int) string {
	view := m.snapshot.View
	if len(view) == 0 {
		if m.snapshot.Search.Active {
			return mutedStyle.Render("no matches")
		}
		return mutedStyle.Render("no conversations")
	}

	// Two lines per row; keep the cursor visible.
	rows := height / 2
	if rows < 1 {
		rows = 1
	}
	start := 0
	if m.cursor >= rows {
		start = m.cursor - rows + 1
	}
	end := start + rows
	if end > len(view) {
		end = len(view)
	}

	lines := make([]string, 0, (end-start)*2+1)
	for i := start; i < end; i++ {
		lines = append(lines, m.renderRow(view[i], i == m.cursor, width)...)
	}
	if end == len(view) && m.snapshot.ConversationsCursor.HasMore && !m.snapshot.Search.Active {
		lines = append(lines, mutedStyle.Render("m: more"))
	}
	return strings.Join(lines, "\n")
}

func (m *Model) renderRow(conv models.Conversation, cursor bool, width int) []string {
	name := conv.Name()
	if conv.ID == m.snapshot.Selected {
		name = "▸ " + name
	}
	badge := ""
	if conv.UnreadCount > 0 {
		badge = unreadStyle.Render(fmt.Sprintf(" (%d)", conv.UnreadCount))
	}
	title := truncate(name, width-lipgloss.Width(badge))
	switch {
	case cursor && m.focus == paneList:
		title = selectedStyle.Render(title)
	case conv.JustUpdated:
		title = freshStyle.Render(title)
	}

	detail := conv.LastActivity.Local().Format(timeLayout)
	if conv.LastMessagePreview != nil {
		detail += " " + *conv.LastMessagePreview
	}
	return []string{title + badge, mutedStyle.Render(truncate(detail, width))}
}

func (m *Model) renderTimeline(width, height int) string {
	s := m.snapshot
	if s.Selected == "" {
		return mutedStyle.Render("enter: open conversation")
	}
	if s.TimelineLoading && len(s.Messages) == 0 {
		return mutedStyle.Render("loading…")
	}

	lines := make([]string, 0, len(s.Messages)+1)
	if s.MessagesCursor.HasMore {
		lines = append(lines, mutedStyle.Render("m: older messages"))
	}
	for _, msg := range s.Messages {
		lines = append(lines, renderMessage(msg, width))
	}
	if len(lines) > height {
		lines = lines[len(lines)-height:]
	}
	return strings.Join(lines, "\n")
}

func renderMessage(msg models.Message, width int) string {
	stamp := mutedStyle.Render(msg.Timestamp.Local().Format(timeLayout))
	body := msg.Body
	if len(msg.MediaRefs) > 0 {
		body = strings.TrimSpace(body + fmt.Sprintf(" [%d media]", len(msg.MediaRefs)))
	}
	body = truncate(strings.Join(strings.Fields(body), " "), width-lipgloss.Width(stamp)-4)

	switch msg.Sender {
	case models.SenderInbound:
		return stamp + " " + inboundStyle.Render("< "+body)
	case models.SenderSystem:
		return stamp + " " + systemStyle.Render("· "+body)
	default:
		return stamp + " > " + body
	}
}

func (m *Model) renderFooter() string {
	if m.status != "" {
		if m.statusErr {
			return errorStyle.Render(m.status)
		}
		return m.status
	}
	if m.focus == paneSearch {
		return mutedStyle.Render("type to search  enter: keep  esc: clear")
	}
	return mutedStyle.Render("j/k: move  enter: open  esc: close  r: read  m: more  f: status  u: unread  /: search  q: quit")
}

func truncate(s string, width int) string {
	if width <= 0 {
		return ""
	}
	if lipgloss.Width(s) <= width {
		return s
	}
	runes := []rune(s)
	for len(runes) > 0 && lipgloss.Width(string(runes))+1 > width {
		runes = runes[:len(runes)-1]
	}
	return string(runes) + "…"
}
