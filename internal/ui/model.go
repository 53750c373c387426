// Package ui is the terminal presentation layer. It renders the session
// controller's state and turns key presses into controller actions.
package ui

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"

	"chatchannel/internal/attach"
	"chatchannel/internal/bus"
	"chatchannel/internal/domain"
	"chatchannel/internal/session"
)

// Resolver maps a preset name to a channel reference.
type Resolver interface {
	Lookup(ctx context.Context, name string) (domain.Channel, error)
}

// Config configures a Model.
type Config struct {
	Controller *session.Controller
	Resolver   Resolver
	Dropzone   *attach.Dropzone // optional
	Identity   string           // author name treated as outgoing
	Initial    string           // preset selected at startup, if any
	Logger     *slog.Logger
}

// sessionMsg carries a controller event into the Bubble Tea loop.
type sessionMsg struct{ event bus.Event }

// switchedMsg reports the outcome of resolving a preset.
type switchedMsg struct {
	preset string
	ref    domain.Channel
	err    error
}

// Model is the chat screen.
type Model struct {
	ctrl     *session.Controller
	resolver Resolver
	dropzone *attach.Dropzone
	identity string
	initial  string
	logger   *slog.Logger

	state  session.State
	preset string
	input  textinput.Model
	width  int
	height int

	status    string
	statusErr bool
}

func New(cfg Config) Model {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Dropzone == nil {
		cfg.Dropzone = attach.New(attach.DefaultAccept, attach.DefaultMaxBytes, cfg.Logger)
	}
	in := textinput.New()
	in.Prompt = "> "
	in.CharLimit = 4000
	in.Focus()

	m := Model{
		ctrl:     cfg.Controller,
		resolver: cfg.Resolver,
		dropzone: cfg.Dropzone,
		identity: cfg.Identity,
		initial:  cfg.Initial,
		logger:   cfg.Logger.With("component", "ui"),
		input:    in,
		width:    80,
		height:   24,
	}
	m.refresh()
	return m
}

func (m Model) Init() tea.Cmd {
	cmds := []tea.Cmd{textinput.Blink}
	if m.initial != "" {
		cmds = append(cmds, m.resolve(m.initial))
	}
	return tea.Batch(cmds...)
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		m.input.Width = max(msg.Width-4, 10)
		return m, nil

	case sessionMsg:
		if msg.event.Type == bus.EventSendFailed {
			m.setStatus(fmt.Sprintf("send failed: %v", msg.event.Payload["err"]), true)
		}
		m.refresh()
		return m, nil

	case switchedMsg:
		if msg.err != nil {
			m.setStatus(msg.err.Error(), true)
			return m, nil
		}
		m.preset = msg.preset
		m.ctrl.SetActiveChannel(msg.ref)
		m.setStatus("switched to "+msg.preset, false)
		m.refresh()
		return m, nil

	case tea.KeyMsg:
		return m.handleKey(msg)
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "ctrl+c":
		return m, tea.Quit
	case "ctrl+r":
		m.ctrl.Reload()
		m.refresh()
		return m, nil
	case "enter":
		return m.submit()
	}

	before := m.input.Value()
	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	after := m.input.Value()
	if after == before {
		return m, cmd
	}
	switch {
	case isCommand(after):
	case after == "" || m.inputEnabled():
		m.ctrl.UpdateDraft(after)
	default:
		m.input.SetValue(before)
	}
	return m, cmd
}

func (m Model) submit() (tea.Model, tea.Cmd) {
	value := m.input.Value()
	if isCommand(value) {
		m.input.Reset()
		m.ctrl.UpdateDraft("")
		return m.runCommand(value)
	}
	if strings.TrimSpace(value) == "" || !m.inputEnabled() {
		return m, nil
	}
	m.ctrl.UpdateDraft(value)
	if err := m.ctrl.SubmitDraft(); err != nil {
		m.setStatus(err.Error(), true)
		return m, nil
	}
	m.input.Reset()
	m.setStatus("", false)
	m.refresh()
	return m, nil
}

func (m Model) runCommand(line string) (tea.Model, tea.Cmd) {
	fields := strings.Fields(strings.TrimPrefix(line, "/"))
	if len(fields) == 0 {
		return m, nil
	}
	args := fields[1:]

	switch fields[0] {
	case "quit", "q":
		return m, tea.Quit
	case "reload":
		m.ctrl.Reload()
		m.refresh()
	case "switch":
		if len(args) != 1 {
			m.setStatus("usage: /switch <preset>", true)
			return m, nil
		}
		m.setStatus("opening "+args[0]+"...", false)
		return m, m.resolve(args[0])
	case "attach":
		m.attach(args)
		m.refresh()
	default:
		m.setStatus("unknown command /"+fields[0], true)
	}
	return m, nil
}

func (m *Model) attach(paths []string) {
	var err error
	if len(paths) == 0 {
		if !m.dropzone.Ready() {
			m.setStatus("usage: /attach <path...>", true)
			return
		}
		err = m.ctrl.OpenDialog(m.dropzone)
	} else {
		var files []domain.File
		files, err = m.dropzone.Drop(paths...)
		if err == nil {
			err = m.ctrl.SubmitAttachment(files)
		}
	}
	switch {
	case errors.Is(err, session.ErrNoFiles):
		m.setStatus("no acceptable files ("+m.dropzone.Accept+")", true)
	case err != nil:
		m.setStatus(err.Error(), true)
	default:
		m.setStatus("", false)
	}
}

// resolve looks the preset up off the UI loop; network channels may dial.
func (m Model) resolve(name string) tea.Cmd {
	resolver := m.resolver
	return func() tea.Msg {
		if resolver == nil {
			return switchedMsg{preset: name, err: errors.New("no channels configured")}
		}
		ref, err := resolver.Lookup(context.Background(), name)
		return switchedMsg{preset: name, ref: ref, err: err}
	}
}

func (m *Model) refresh() {
	m.state = m.ctrl.Snapshot()
	switch m.state.Loading {
	case session.Initializing:
		m.input.Placeholder = "/switch <preset> to open a channel"
	case session.Loading:
		m.input.Placeholder = "loading messages..."
	case session.Failed:
		m.input.Placeholder = "couldn't load messages, ctrl+r to retry"
	case session.Ready:
		m.input.Placeholder = "message " + m.state.ChannelName()
	}
}

func (m *Model) setStatus(text string, isErr bool) {
	m.status, m.statusErr = text, isErr
}

// inputEnabled reports whether plain text may be typed and sent.
func (m Model) inputEnabled() bool {
	return m.state.Loading == session.Ready
}

// State returns the last rendered controller state.
func (m Model) State() session.State { return m.state }

func isCommand(s string) bool { return strings.HasPrefix(s, "/") }
