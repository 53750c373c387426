package ui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"chatchannel/internal/channel"
	"chatchannel/internal/domain"
	"chatchannel/internal/session"
)

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	stateStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	authorStyle = lipgloss.NewStyle().Bold(true)
	timeStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	errorStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	infoStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))

	incomingBubble = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("8")).
			Padding(0, 1)
	outgoingBubble = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("12")).
			Padding(0, 1)
)

func (m Model) View() string {
	header := m.renderHeader()
	footer := m.renderFooter()
	avail := m.height - lipgloss.Height(header) - lipgloss.Height(footer)

	return lipgloss.JoinVertical(lipgloss.Left, header, m.renderMessages(avail), footer)
}

func (m Model) renderHeader() string {
	name := m.preset
	if name == "" {
		name = m.state.ChannelName()
	}
	if name == "" {
		name = "no channel"
	}
	return headerStyle.Render("# "+name) + " " + stateStyle.Render(m.state.Loading.String())
}

func (m Model) renderFooter() string {
	var b strings.Builder
	switch {
	case m.status == "":
	case m.statusErr:
		b.WriteString(errorStyle.Render(m.status))
	default:
		b.WriteString(infoStyle.Render(m.status))
	}
	b.WriteString("\n")
	b.WriteString(m.input.View())
	return b.String()
}

// renderMessages stacks bubbles bottom-up until height lines are used.
func (m Model) renderMessages(height int) string {
	switch m.state.Loading {
	case session.Initializing:
		return padTop("", height)
	case session.Loading:
		return padTop(stateStyle.Render("loading..."), height)
	case session.Failed:
		return padTop(errorStyle.Render("couldn't load messages (ctrl+r to retry)"), height)
	}

	self := m.selfName()
	var blocks []string
	used := 0
	for i := len(m.state.Messages) - 1; i >= 0; i-- {
		block := m.renderBubble(m.state.Messages[i], self)
		h := lipgloss.Height(block)
		if used+h > height && len(blocks) > 0 {
			break
		}
		blocks = append(blocks, block)
		used += h
	}
	for i, j := 0, len(blocks)-1; i < j; i, j = i+1, j-1 {
		blocks[i], blocks[j] = blocks[j], blocks[i]
	}
	return padTop(strings.Join(blocks, "\n"), height)
}

func (m Model) renderBubble(msg domain.Message, self string) string {
	outgoing := m.isOutgoing(msg, self)
	maxWidth := max(m.width*2/3, 20)

	body := msg.Body
	if msg.HasMedia() {
		body = fmt.Sprintf("[%s] %s", msg.Media.ContentType, msg.Media.Filename)
	}
	meta := authorStyle.Render(msg.Author)
	if !msg.Timestamp.IsZero() {
		meta += " " + timeStyle.Render(msg.Timestamp.Local().Format("15:04"))
	}

	style := incomingBubble
	pos := lipgloss.Left
	if outgoing {
		style = outgoingBubble
		pos = lipgloss.Right
	}
	width := max(lipgloss.Width(body), lipgloss.Width(meta)) + 2
	bubble := style.Width(min(width, maxWidth)).Render(meta + "\n" + body)
	return lipgloss.PlaceHorizontal(m.width, pos, bubble)
}

// isOutgoing reports whether msg was written by the local user.
func (m Model) isOutgoing(msg domain.Message, self string) bool {
	if msg.Author == "" {
		return false
	}
	return msg.Author == m.identity || (self != "" && msg.Author == self)
}

func (m Model) selfName() string {
	if s, ok := m.state.Active.(channel.Selfer); ok {
		return s.Self()
	}
	return ""
}

func padTop(s string, height int) string {
	if height <= 0 {
		return s
	}
	lines := lipgloss.Height(s)
	if s == "" {
		lines = 0
	}
	if lines >= height {
		return s
	}
	return strings.Repeat("\n", height-lines-1) + s
}
