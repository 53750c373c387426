package session

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"chatchannel/internal/attach"
	"chatchannel/internal/bus"
	"chatchannel/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fetchResult struct {
	page domain.Page
	err  error
}

// fakeChannel hands out one queued result per GetMessages call and records
// subscriptions and sends.
type fakeChannel struct {
	name    string
	results chan fetchResult

	mu       sync.Mutex
	fetches  int
	handlers []domain.MessageHandler
	onErr    error
	sent     []domain.Payload
	sendErr  error
}

func newFakeChannel(name string) *fakeChannel {
	return &fakeChannel{name: name, results: make(chan fetchResult, 8)}
}

func (f *fakeChannel) Name() string { return f.name }

func (f *fakeChannel) GetMessages(ctx context.Context) (domain.Page, error) {
	f.mu.Lock()
	f.fetches++
	f.mu.Unlock()
	select {
	case r := <-f.results:
		return r.page, r.err
	case <-ctx.Done():
		return domain.Page{}, ctx.Err()
	}
}

func (f *fakeChannel) On(event string, handler domain.MessageHandler) error {
	if f.onErr != nil {
		return f.onErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers = append(f.handlers, handler)
	return nil
}

func (f *fakeChannel) SendMessage(_ context.Context, payload domain.Payload) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, payload)
	return f.sendErr
}

func (f *fakeChannel) resolve(items ...domain.Message) {
	f.results <- fetchResult{page: domain.Page{Items: items}}
}

func (f *fakeChannel) fail(err error) {
	f.results <- fetchResult{err: err}
}

func (f *fakeChannel) push(m domain.Message) {
	f.mu.Lock()
	handlers := append([]domain.MessageHandler(nil), f.handlers...)
	f.mu.Unlock()
	for _, h := range handlers {
		h(m)
	}
}

func (f *fakeChannel) fetchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fetches
}

func (f *fakeChannel) handlerCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.handlers)
}

func (f *fakeChannel) sentPayloads() []domain.Payload {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.Payload(nil), f.sent...)
}

func newTestController() *Controller {
	return New(Config{Events: bus.NewEventBus(testLogger()), Logger: testLogger()})
}

func waitForState(t *testing.T, c *Controller, cond func(State) bool) State {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if s := c.Snapshot(); cond(s) {
			return s
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met, state: %+v", c.Snapshot())
	return State{}
}

func TestController_InitialState(t *testing.T) {
	c := newTestController()
	s := c.Snapshot()
	if s.Active != nil || s.Loading != Initializing || len(s.Messages) != 0 || s.Draft != "" {
		t.Fatalf("unexpected initial state: %+v", s)
	}
}

func TestController_LoadScenario(t *testing.T) {
	c := newTestController()
	x := newFakeChannel("x")

	c.SetActiveChannel(x)
	if s := c.Snapshot(); s.Loading != Loading || s.Active != x {
		t.Fatalf("expected loading for x, got %+v", s)
	}

	x.resolve(domain.Message{Index: 0, Author: "bob", ContentType: domain.ContentTypeText, Body: "hey"})
	c.Wait()

	s := c.Snapshot()
	if s.Loading != Ready {
		t.Fatalf("expected ready, got %s", s.Loading)
	}
	if len(s.Messages) != 1 || s.Messages[0].Index != 0 || s.Messages[0].Author != "bob" {
		t.Fatalf("unexpected messages: %+v", s.Messages)
	}
}

func TestController_NoDuplicateSubscription(t *testing.T) {
	c := newTestController()
	a, b := newFakeChannel("a"), newFakeChannel("b")

	for i := 0; i < 3; i++ {
		a.resolve()
		c.SetActiveChannel(a)
		b.resolve()
		c.SetActiveChannel(b)
	}
	c.Wait()

	if a.handlerCount() != 1 || b.handlerCount() != 1 {
		t.Fatalf("expected one handler each, got a=%d b=%d", a.handlerCount(), b.handlerCount())
	}
	if !c.isBound(a) || !c.isBound(b) {
		t.Fatal("both channels should be bound")
	}
	if names := c.BoundChannels(); len(names) != 2 || names[0] != "a" || names[1] != "b" {
		t.Fatalf("unexpected bound channels: %v", names)
	}
}

func TestController_IdempotentReselect(t *testing.T) {
	c := newTestController()
	a := newFakeChannel("a")

	a.resolve()
	c.SetActiveChannel(a)
	c.SetActiveChannel(a)
	c.Wait()

	if a.fetchCount() != 1 {
		t.Fatalf("expected exactly one fetch, got %d", a.fetchCount())
	}
	if a.handlerCount() != 1 {
		t.Fatalf("expected exactly one subscription, got %d", a.handlerCount())
	}
}

func TestController_StaleFetchSuppressed(t *testing.T) {
	c := newTestController()
	x, y := newFakeChannel("x"), newFakeChannel("y")

	c.SetActiveChannel(x)
	c.SetActiveChannel(y)

	y.resolve(domain.Message{Index: 7, Author: "yara"})
	waitForState(t, c, func(s State) bool { return s.Loading == Ready })

	x.resolve(domain.Message{Index: 1, Author: "xavier"}, domain.Message{Index: 2, Author: "xavier"})
	c.Wait()

	s := c.Snapshot()
	if s.Active != y || s.Loading != Ready {
		t.Fatalf("expected y ready, got %+v", s)
	}
	if len(s.Messages) != 1 || s.Messages[0].Author != "yara" {
		t.Fatalf("messages should come from y only: %+v", s.Messages)
	}
}

func TestController_StaleFailureSuppressed(t *testing.T) {
	c := newTestController()
	x, y := newFakeChannel("x"), newFakeChannel("y")

	c.SetActiveChannel(x)
	c.SetActiveChannel(y)
	x.fail(errors.New("x is down"))
	y.resolve(domain.Message{Index: 0})
	c.Wait()

	if s := c.Snapshot(); s.Loading != Ready || len(s.Messages) != 1 {
		t.Fatalf("x's failure must not affect y: %+v", s)
	}
}

func TestController_FetchFailure(t *testing.T) {
	events := bus.NewEventBus(testLogger())
	c := New(Config{Events: events, Logger: testLogger()})
	x := newFakeChannel("x")

	x.fail(errors.New("permission denied"))
	c.SetActiveChannel(x)
	c.Wait()

	if s := c.Snapshot(); s.Loading != Failed {
		t.Fatalf("expected failed, got %s", s.Loading)
	}
	failed := events.Replay(bus.EventLoadFailed, time.Time{})
	if len(failed) != 1 || failed[0].Payload["channel"] != "x" {
		t.Fatalf("expected one load_failed event for x, got %+v", failed)
	}
	if x.fetchCount() != 1 {
		t.Fatalf("failure must not be retried automatically, got %d fetches", x.fetchCount())
	}
}

func TestController_ReloadAfterFailure(t *testing.T) {
	c := newTestController()
	x := newFakeChannel("x")

	x.fail(errors.New("timeout"))
	c.SetActiveChannel(x)
	c.Wait()

	x.resolve(domain.Message{Index: 3})
	c.Reload()
	if s := c.Snapshot(); s.Loading != Loading && s.Loading != Ready {
		t.Fatalf("expected loading after reload, got %s", s.Loading)
	}
	c.Wait()

	s := c.Snapshot()
	if s.Loading != Ready || len(s.Messages) != 1 {
		t.Fatalf("expected ready after reload, got %+v", s)
	}
	if x.handlerCount() != 1 {
		t.Fatalf("reload must not rebind, got %d handlers", x.handlerCount())
	}
}

func TestController_ReloadWithoutChannel(t *testing.T) {
	c := newTestController()
	c.Reload()
	c.Wait()
	if s := c.Snapshot(); s.Loading != Initializing {
		t.Fatalf("expected initializing, got %s", s.Loading)
	}
}

func TestController_ReloadSupersedesEarlierFetch(t *testing.T) {
	c := newTestController()
	x := newFakeChannel("x")

	c.SetActiveChannel(x)
	c.Reload()

	// Two fetches are in flight; whichever receives the first result, only
	// the newest request may apply it.
	x.resolve(domain.Message{Index: 1})
	x.resolve(domain.Message{Index: 2})
	c.Wait()

	s := c.Snapshot()
	if s.Loading != Ready || len(s.Messages) != 1 {
		t.Fatalf("expected a single applied page, got %+v", s)
	}
}

func TestController_StaleEventSuppressed(t *testing.T) {
	events := bus.NewEventBus(testLogger())
	c := New(Config{Events: events, Logger: testLogger()})
	a, b := newFakeChannel("a"), newFakeChannel("b")

	a.resolve()
	c.SetActiveChannel(a)
	b.resolve(domain.Message{Index: 0, Body: "from b"})
	c.SetActiveChannel(b)
	c.Wait()

	a.push(domain.Message{Index: 9, Body: "late from a"})

	s := c.Snapshot()
	if len(s.Messages) != 1 || s.Messages[0].Body != "from b" {
		t.Fatalf("event from inactive channel must not alter messages: %+v", s.Messages)
	}
	if dropped := events.Replay(bus.EventMessageDropped, time.Time{}); len(dropped) != 1 {
		t.Fatalf("expected one dropped event, got %d", len(dropped))
	}
}

func TestController_AppendOrder(t *testing.T) {
	c := newTestController()
	a := newFakeChannel("a")

	a.resolve()
	c.SetActiveChannel(a)
	c.Wait()

	a.push(domain.Message{Index: 1, Body: "one"})
	a.push(domain.Message{Index: 2, Body: "two"})
	a.push(domain.Message{Index: 2, Body: "two"})
	a.push(domain.Message{Index: 0, Body: "zero"})

	s := c.Snapshot()
	want := []string{"one", "two", "two", "zero"}
	if len(s.Messages) != len(want) {
		t.Fatalf("expected %d messages, got %d", len(want), len(s.Messages))
	}
	for i, w := range want {
		if s.Messages[i].Body != w {
			t.Fatalf("message %d: expected %q, got %q", i, w, s.Messages[i].Body)
		}
	}
}

func TestController_PushBeforePageIsReplacedByPage(t *testing.T) {
	c := newTestController()
	a := newFakeChannel("a")

	c.SetActiveChannel(a)
	a.push(domain.Message{Index: 5, Body: "early"})
	if s := c.Snapshot(); len(s.Messages) != 1 {
		t.Fatalf("push for the active channel should append while loading, got %+v", s.Messages)
	}

	a.resolve(domain.Message{Index: 4}, domain.Message{Index: 5, Body: "early"})
	c.Wait()

	if s := c.Snapshot(); len(s.Messages) != 2 {
		t.Fatalf("page should replace messages, got %+v", s.Messages)
	}
}

func TestController_SubmitDraft(t *testing.T) {
	c := newTestController()
	x := newFakeChannel("x")
	x.resolve()
	c.SetActiveChannel(x)

	c.UpdateDraft("hi")
	if s := c.Snapshot(); s.Draft != "hi" {
		t.Fatalf("expected draft hi, got %q", s.Draft)
	}

	if err := c.SubmitDraft(); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if s := c.Snapshot(); s.Draft != "" {
		t.Fatalf("draft should be cleared immediately, got %q", s.Draft)
	}
	c.Wait()

	sent := x.sentPayloads()
	if len(sent) != 1 {
		t.Fatalf("expected exactly one send, got %d", len(sent))
	}
	if p, ok := sent[0].(domain.TextPayload); !ok || p.Text != "hi" {
		t.Fatalf("unexpected payload: %#v", sent[0])
	}
}

func TestController_SubmitDraftKeepsOrder(t *testing.T) {
	c := newTestController()
	x := newFakeChannel("x")
	x.resolve()
	c.SetActiveChannel(x)

	for _, text := range []string{"one", "two", "three"} {
		c.UpdateDraft(text)
		if err := c.SubmitDraft(); err != nil {
			t.Fatal(err)
		}
	}
	c.Wait()

	sent := x.sentPayloads()
	if len(sent) != 3 {
		t.Fatalf("expected 3 sends, got %d", len(sent))
	}
	for i, want := range []string{"one", "two", "three"} {
		if sent[i].(domain.TextPayload).Text != want {
			t.Fatalf("send %d: expected %q, got %#v", i, want, sent[i])
		}
	}
}

func TestController_SubmitWithoutChannel(t *testing.T) {
	c := newTestController()
	c.UpdateDraft("hello?")
	if err := c.SubmitDraft(); !errors.Is(err, ErrNoActiveChannel) {
		t.Fatalf("expected ErrNoActiveChannel, got %v", err)
	}
	if s := c.Snapshot(); s.Draft != "hello?" {
		t.Fatalf("draft should survive a rejected submit, got %q", s.Draft)
	}
	if err := c.SubmitAttachment([]domain.File{{Name: "a.png"}}); !errors.Is(err, ErrNoActiveChannel) {
		t.Fatalf("expected ErrNoActiveChannel, got %v", err)
	}
}

func TestController_SendFailureKeepsDraftCleared(t *testing.T) {
	events := bus.NewEventBus(testLogger())
	c := New(Config{Events: events, Logger: testLogger()})
	x := newFakeChannel("x")
	x.sendErr = errors.New("rate limited")
	x.resolve()
	c.SetActiveChannel(x)

	c.UpdateDraft("lost")
	if err := c.SubmitDraft(); err != nil {
		t.Fatal(err)
	}
	c.Wait()

	s := c.Snapshot()
	if s.Draft != "" || s.Loading != Ready {
		t.Fatalf("send failure must not change state: %+v", s)
	}
	if failed := events.Replay(bus.EventSendFailed, time.Time{}); len(failed) != 1 {
		t.Fatalf("expected one send_failed event, got %d", len(failed))
	}
}

func TestController_SubmitAttachmentFirstFileOnly(t *testing.T) {
	c := newTestController()
	x := newFakeChannel("x")
	x.resolve()
	c.SetActiveChannel(x)

	files := []domain.File{
		{Name: "first.png", MimeType: "image/png", Data: []byte{1}},
		{Name: "second.jpg", MimeType: "image/jpeg", Data: []byte{2}},
	}
	if err := c.SubmitAttachment(files); err != nil {
		t.Fatal(err)
	}
	c.Wait()

	sent := x.sentPayloads()
	if len(sent) != 1 {
		t.Fatalf("expected one send, got %d", len(sent))
	}
	p, ok := sent[0].(domain.AttachmentPayload)
	if !ok {
		t.Fatalf("expected attachment payload, got %#v", sent[0])
	}
	if p.ContentType != "image/png" || p.Media.Name != "first.png" {
		t.Fatalf("unexpected attachment: %+v", p)
	}
}

func TestController_SubmitAttachmentEmpty(t *testing.T) {
	c := newTestController()
	x := newFakeChannel("x")
	x.resolve()
	c.SetActiveChannel(x)

	if err := c.SubmitAttachment(nil); !errors.Is(err, ErrNoFiles) {
		t.Fatalf("expected ErrNoFiles, got %v", err)
	}
}

func TestController_OpenDialog(t *testing.T) {
	c := newTestController()
	x := newFakeChannel("x")
	x.resolve()
	c.SetActiveChannel(x)

	// Not ready yet: no opener.
	dz := attach.New(attach.DefaultAccept, attach.DefaultMaxBytes, testLogger())
	if err := c.OpenDialog(dz); err != nil {
		t.Fatalf("open without opener: %v", err)
	}
	if err := c.OpenDialog(nil); err != nil {
		t.Fatalf("open with nil handle: %v", err)
	}

	dir := t.TempDir()
	img := filepath.Join(dir, "pic.png")
	png := []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n', 0, 0, 0, 0x0d, 'I', 'H', 'D', 'R'}
	if err := os.WriteFile(img, png, 0o644); err != nil {
		t.Fatal(err)
	}
	dz.Opener = func() ([]string, error) { return []string{img}, nil }

	if err := c.OpenDialog(dz); err != nil {
		t.Fatalf("open dialog: %v", err)
	}
	c.Wait()

	sent := x.sentPayloads()
	if len(sent) != 1 {
		t.Fatalf("expected one attachment, got %d", len(sent))
	}
	if p := sent[0].(domain.AttachmentPayload); p.ContentType != "image/png" || p.Media.Name != "pic.png" {
		t.Fatalf("unexpected attachment: %+v", p)
	}
}

func TestController_SubscribeFailureNotBound(t *testing.T) {
	c := newTestController()
	x := newFakeChannel("x")
	x.onErr = errors.New("unsupported")
	x.resolve()

	c.SetActiveChannel(x)
	c.Wait()

	if c.isBound(x) {
		t.Fatal("channel that rejected the subscription must not be bound")
	}
	if s := c.Snapshot(); s.Loading != Ready {
		t.Fatalf("page should still load, got %s", s.Loading)
	}
}

func TestController_DetachWithNil(t *testing.T) {
	c := newTestController()
	x := newFakeChannel("x")
	x.resolve(domain.Message{Index: 0})
	c.SetActiveChannel(x)
	c.Wait()

	c.SetActiveChannel(nil)
	s := c.Snapshot()
	if s.Active != nil || s.Loading != Initializing || len(s.Messages) != 0 {
		t.Fatalf("unexpected state after detach: %+v", s)
	}

	x.push(domain.Message{Index: 1})
	if s := c.Snapshot(); len(s.Messages) != 0 {
		t.Fatal("events after detach must be discarded")
	}
}

func TestController_CloseStopsReacting(t *testing.T) {
	c := newTestController()
	x := newFakeChannel("x")

	c.SetActiveChannel(x)
	c.Close()
	c.Wait() // the in-flight fetch sees the cancelled context

	x.push(domain.Message{Index: 1})
	c.UpdateDraft("ignored")

	s := c.Snapshot()
	if s.Loading != Loading || len(s.Messages) != 0 || s.Draft != "" {
		t.Fatalf("closed controller must not change: %+v", s)
	}
	if err := c.SubmitDraft(); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}

	y := newFakeChannel("y")
	c.SetActiveChannel(y)
	if y.fetchCount() != 0 || y.handlerCount() != 0 {
		t.Fatal("closed controller must not bind or fetch")
	}
}

// gatedChannel holds every send until gate is closed.
type gatedChannel struct {
	*fakeChannel
	gate chan struct{}
}

func (g *gatedChannel) SendMessage(ctx context.Context, payload domain.Payload) error {
	select {
	case <-g.gate:
	case <-ctx.Done():
		return ctx.Err()
	}
	return g.fakeChannel.SendMessage(ctx, payload)
}

func TestController_ShutdownDeliversQueuedSends(t *testing.T) {
	c := newTestController()
	g := &gatedChannel{fakeChannel: newFakeChannel("g"), gate: make(chan struct{})}
	g.resolve()

	c.SetActiveChannel(g)
	c.UpdateDraft("bye")
	if err := c.SubmitDraft(); err != nil {
		t.Fatal(err)
	}
	go func() {
		time.Sleep(50 * time.Millisecond)
		close(g.gate)
	}()

	if err := c.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if sent := g.sentPayloads(); len(sent) != 1 || sent[0] != (domain.TextPayload{Text: "bye"}) {
		t.Fatalf("queued send should be delivered before shutdown returns: %+v", sent)
	}
	if err := c.SubmitDraft(); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed after shutdown, got %v", err)
	}
}

func TestController_ShutdownDeadline(t *testing.T) {
	c := newTestController()
	g := &gatedChannel{fakeChannel: newFakeChannel("g"), gate: make(chan struct{})}
	g.resolve()

	c.SetActiveChannel(g)
	c.UpdateDraft("stuck")
	if err := c.SubmitDraft(); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := c.Shutdown(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v", err)
	}
	if len(g.sentPayloads()) != 0 {
		t.Fatal("send should have been abandoned")
	}
}

func TestController_EmitsSelectionAndLoadEvents(t *testing.T) {
	events := bus.NewEventBus(testLogger())
	c := New(Config{Events: events, Logger: testLogger()})
	x := newFakeChannel("x")

	x.resolve(domain.Message{Index: 0})
	c.SetActiveChannel(x)
	c.Wait()

	if sel := events.Replay(bus.EventChannelSelected, time.Time{}); len(sel) != 1 || sel[0].Payload["channel"] != "x" {
		t.Fatalf("unexpected selection events: %+v", sel)
	}
	loaded := events.Replay(bus.EventMessagesLoaded, time.Time{})
	if len(loaded) != 1 || loaded[0].Payload["items"] != 1 {
		t.Fatalf("unexpected load events: %+v", loaded)
	}
}
