package ui

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"chatchannel/internal/bus"
	"chatchannel/internal/domain"
	"chatchannel/internal/session"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// roomStub answers GetMessages right away with its page.
type roomStub struct {
	name string
	self string
	page []domain.Message

	mu   sync.Mutex
	sent []domain.Payload
}

func (r *roomStub) Name() string { return r.name }
func (r *roomStub) Self() string { return r.self }

func (r *roomStub) GetMessages(context.Context) (domain.Page, error) {
	return domain.Page{Items: r.page}, nil
}

func (r *roomStub) On(string, domain.MessageHandler) error { return nil }

func (r *roomStub) SendMessage(_ context.Context, p domain.Payload) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, p)
	return nil
}

func (r *roomStub) payloads() []domain.Payload {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.Payload(nil), r.sent...)
}

type mapResolver map[string]domain.Channel

func (r mapResolver) Lookup(_ context.Context, name string) (domain.Channel, error) {
	if ch, ok := r[name]; ok {
		return ch, nil
	}
	return nil, errors.New("unknown preset " + name)
}

func newTestModel(t *testing.T, rooms ...*roomStub) (Model, *session.Controller) {
	t.Helper()
	ctrl := session.New(session.Config{Logger: testLogger()})
	t.Cleanup(ctrl.Close)
	res := mapResolver{}
	for _, r := range rooms {
		res[r.name] = r
	}
	return New(Config{Controller: ctrl, Resolver: res, Identity: "ann", Logger: testLogger()}), ctrl
}

func update(t *testing.T, m Model, msg tea.Msg) (Model, tea.Cmd) {
	t.Helper()
	next, cmd := m.Update(msg)
	return next.(Model), cmd
}

func typeText(t *testing.T, m Model, text string) Model {
	t.Helper()
	for _, r := range text {
		m, _ = update(t, m, tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{r}})
	}
	return m
}

func enter(t *testing.T, m Model) (Model, tea.Cmd) {
	return update(t, m, tea.KeyMsg{Type: tea.KeyEnter})
}

// switchTo runs /switch and waits for the page to load.
func switchTo(t *testing.T, m Model, ctrl *session.Controller, preset string) Model {
	t.Helper()
	m = typeText(t, m, "/switch "+preset)
	m, cmd := enter(t, m)
	if cmd == nil {
		t.Fatal("expected a resolve command")
	}
	m, _ = update(t, m, cmd())
	ctrl.Wait()
	m, _ = update(t, m, sessionMsg{})
	return m
}

func TestModel_InitialView(t *testing.T) {
	m, _ := newTestModel(t)
	view := m.View()
	if !strings.Contains(view, "no channel") || !strings.Contains(view, "initializing") {
		t.Fatalf("unexpected view:\n%s", view)
	}
}

func TestModel_TextDisabledUntilReady(t *testing.T) {
	m, ctrl := newTestModel(t)
	m = typeText(t, m, "hello")
	if m.input.Value() != "" {
		t.Fatalf("input should stay empty, got %q", m.input.Value())
	}
	if ctrl.Snapshot().Draft != "" {
		t.Fatal("draft should not change while no channel is ready")
	}
}

func TestModel_SwitchLoadsPage(t *testing.T) {
	lobby := &roomStub{name: "lobby", page: []domain.Message{
		{Index: 0, Author: "bob", ContentType: domain.ContentTypeText, Body: "hello ann"},
	}}
	m, _ := newTestModel(t, lobby)
	m = switchTo(t, m, m.ctrl, "lobby")

	if m.State().Loading != session.Ready || m.State().Active != lobby {
		t.Fatalf("unexpected state: %+v", m.State())
	}
	view := m.View()
	if !strings.Contains(view, "hello ann") || !strings.Contains(view, "# lobby") {
		t.Fatalf("unexpected view:\n%s", view)
	}
}

func TestModel_SwitchUnknownPreset(t *testing.T) {
	m, _ := newTestModel(t)
	m = switchTo(t, m, m.ctrl, "nope")
	if !m.statusErr || !strings.Contains(m.status, "unknown preset") {
		t.Fatalf("expected error status, got %q", m.status)
	}
	if m.State().Active != nil {
		t.Fatal("active channel should be unchanged")
	}
}

func TestModel_EnterSubmitsDraft(t *testing.T) {
	lobby := &roomStub{name: "lobby"}
	m, ctrl := newTestModel(t, lobby)
	m = switchTo(t, m, ctrl, "lobby")

	m = typeText(t, m, "hi")
	if ctrl.Snapshot().Draft != "hi" {
		t.Fatalf("draft should follow the input, got %q", ctrl.Snapshot().Draft)
	}
	m, _ = enter(t, m)
	ctrl.Wait()

	if m.input.Value() != "" || ctrl.Snapshot().Draft != "" {
		t.Fatal("input and draft should be cleared after submit")
	}
	sent := lobby.payloads()
	if len(sent) != 1 || sent[0] != (domain.TextPayload{Text: "hi"}) {
		t.Fatalf("unexpected sends: %+v", sent)
	}
}

func TestModel_EmptyDraftNotSubmitted(t *testing.T) {
	lobby := &roomStub{name: "lobby"}
	m, ctrl := newTestModel(t, lobby)
	m = switchTo(t, m, ctrl, "lobby")

	m = typeText(t, m, "   ")
	enter(t, m)
	ctrl.Wait()
	if len(lobby.payloads()) != 0 {
		t.Fatal("blank draft should not be sent")
	}
}

func TestModel_AttachCommand(t *testing.T) {
	lobby := &roomStub{name: "lobby"}
	m, ctrl := newTestModel(t, lobby)
	m = switchTo(t, m, ctrl, "lobby")

	path := filepath.Join(t.TempDir(), "dot.png")
	png := []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR\x00\x00\x00\x01\x00\x00\x00\x01\x08\x06\x00\x00\x00")
	if err := os.WriteFile(path, png, 0o644); err != nil {
		t.Fatal(err)
	}

	m = typeText(t, m, "/attach "+path)
	m, _ = enter(t, m)
	ctrl.Wait()

	if m.statusErr {
		t.Fatalf("unexpected error status %q", m.status)
	}
	sent := lobby.payloads()
	if len(sent) != 1 {
		t.Fatalf("expected one attachment, got %d", len(sent))
	}
	att, ok := sent[0].(domain.AttachmentPayload)
	if !ok || att.ContentType != "image/png" || att.Media.Name != "dot.png" {
		t.Fatalf("unexpected payload: %+v", sent[0])
	}
}

func TestModel_AttachRejectedType(t *testing.T) {
	lobby := &roomStub{name: "lobby"}
	m, ctrl := newTestModel(t, lobby)
	m = switchTo(t, m, ctrl, "lobby")

	path := filepath.Join(t.TempDir(), "notes.txt")
	if err := os.WriteFile(path, []byte("plain text"), 0o644); err != nil {
		t.Fatal(err)
	}
	m = typeText(t, m, "/attach "+path)
	m, _ = enter(t, m)
	ctrl.Wait()

	if !m.statusErr || len(lobby.payloads()) != 0 {
		t.Fatalf("text file should be rejected, status %q", m.status)
	}
}

func TestModel_SendFailedStatus(t *testing.T) {
	m, _ := newTestModel(t)
	m, _ = update(t, m, sessionMsg{event: bus.Event{Type: bus.EventSendFailed, Payload: map[string]any{"err": "boom"}}})
	if !m.statusErr || !strings.Contains(m.status, "boom") {
		t.Fatalf("unexpected status %q", m.status)
	}
}

func TestModel_OutgoingDetection(t *testing.T) {
	lobby := &roomStub{name: "lobby", self: "ann-bot"}
	m, ctrl := newTestModel(t, lobby)
	m = switchTo(t, m, ctrl, "lobby")

	self := m.selfName()
	cases := map[string]bool{"ann": true, "ann-bot": true, "bob": false, "": false}
	for author, want := range cases {
		if got := m.isOutgoing(domain.Message{Author: author}, self); got != want {
			t.Errorf("author %q: got %v, want %v", author, got, want)
		}
	}
}

func TestModel_QuitKeys(t *testing.T) {
	m, _ := newTestModel(t)
	_, cmd := update(t, m, tea.KeyMsg{Type: tea.KeyCtrlC})
	if cmd == nil {
		t.Fatal("ctrl+c should quit")
	}
	if _, ok := cmd().(tea.QuitMsg); !ok {
		t.Fatal("ctrl+c should return tea.Quit")
	}

	m = typeText(t, m, "/quit")
	_, cmd = enter(t, m)
	if cmd == nil {
		t.Fatal("/quit should quit")
	}
	if _, ok := cmd().(tea.QuitMsg); !ok {
		t.Fatal("/quit should return tea.Quit")
	}
}

func TestBridge_ForwardsSessionEvents(t *testing.T) {
	events := bus.NewEventBus(testLogger())
	got := make(chan tea.Msg, 4)
	stop := Bridge(events, func(msg tea.Msg) { got <- msg })
	defer stop()

	events.Emit(bus.Event{Type: "agent.other", Source: "agent"})
	events.Emit(bus.Event{Type: bus.EventMessageAdded, Source: "session"})

	select {
	case msg := <-got:
		sm, ok := msg.(sessionMsg)
		if !ok || sm.event.Type != bus.EventMessageAdded {
			t.Fatalf("unexpected message %#v", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("event was not forwarded")
	}
	select {
	case msg := <-got:
		t.Fatalf("unexpected extra message %#v", msg)
	case <-time.After(50 * time.Millisecond):
	}
}
