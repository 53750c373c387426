// Package session holds the channel session controller: it tracks which
// external channel is active, loads that channel's initial page, appends its
// live messages, and forwards drafts and dropped files to it.
//
// Every channel the controller has ever been pointed at stays subscribed for
// the controller's lifetime. Events and fetch results from a channel that is
// no longer active are discarded here, not at the channel.
package session

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"time"

	"chatchannel/internal/attach"
	"chatchannel/internal/bus"
	"chatchannel/internal/domain"
	"chatchannel/internal/metrics"
)

var (
	ErrNoActiveChannel = errors.New("no active channel")
	ErrNoFiles         = errors.New("no files to send")
	ErrClosed          = errors.New("session closed")
)

// Config configures a Controller.
type Config struct {
	Events *bus.EventBus // optional; receives session.* events
	Logger *slog.Logger
}

type outgoing struct {
	channel domain.Channel
	payload domain.Payload
}

// Controller owns the session state. It is safe for concurrent use.
type Controller struct {
	mu       sync.Mutex
	state    State
	bound    map[domain.Channel]struct{}
	fetchGen uint64
	outbox   []outgoing
	draining bool
	closed   bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	events *bus.EventBus
	logger *slog.Logger
}

// New creates a controller with no active channel.
func New(cfg Config) *Controller {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Controller{
		state:  State{Loading: Initializing},
		bound:  make(map[domain.Channel]struct{}),
		ctx:    ctx,
		cancel: cancel,
		events: cfg.Events,
		logger: cfg.Logger.With("component", "session"),
	}
}

// SetActiveChannel makes ref the active channel. Selecting a different
// channel clears the message list and fetches ref's initial page; the first
// selection of a given ref also subscribes to its live messages. Selecting
// the channel that is already active does nothing. A nil ref detaches.
func (c *Controller) SetActiveChannel(ref domain.Channel) {
	c.mu.Lock()
	if c.closed || sameChannel(c.state.Active, ref) {
		c.mu.Unlock()
		return
	}
	c.state = Reduce(c.state, ChannelSelected{Channel: ref})
	if ref == nil {
		c.mu.Unlock()
		c.emit(bus.EventChannelSelected, nil)
		return
	}

	c.fetchGen++
	gen := c.fetchGen
	_, alreadyBound := c.bound[ref]
	if !alreadyBound {
		c.bound[ref] = struct{}{}
	}
	c.wg.Add(1)
	c.mu.Unlock()

	metrics.ChannelSwitches.Inc()
	c.logger.Info("channel selected", "channel", ref.Name(), "bound", alreadyBound)
	c.emit(bus.EventChannelSelected, ref)

	if !alreadyBound {
		c.bind(ref)
	}
	go c.loadMessages(ref, gen)
}

// bind attaches the live-message handler to ref. The caller has already
// recorded ref as bound.
func (c *Controller) bind(ref domain.Channel) {
	err := ref.On(domain.EventMessageAdded, func(m domain.Message) {
		c.onMessagePushed(m, ref)
	})
	if err != nil {
		c.mu.Lock()
		delete(c.bound, ref)
		c.mu.Unlock()
		c.logger.Warn("cannot subscribe to channel", "channel", ref.Name(), "err", err)
		return
	}
	metrics.BoundChannels.Inc()
}

// loadMessages fetches ref's initial page. The result is applied only if ref
// is still active and no newer fetch has been requested since.
func (c *Controller) loadMessages(ref domain.Channel, gen uint64) {
	defer c.wg.Done()

	start := time.Now()
	page, err := ref.GetMessages(c.ctx)
	metrics.FetchLatency.ObserveSince(start)

	c.mu.Lock()
	current := !c.closed && sameChannel(c.state.Active, ref) && gen == c.fetchGen
	if !current {
		c.mu.Unlock()
		metrics.StaleFetches.Inc()
		if err != nil {
			c.logger.Warn("couldn't fetch messages for superseded channel", "channel", ref.Name(), "err", err)
		} else {
			c.logger.Debug("discarding superseded page", "channel", ref.Name(), "items", len(page.Items))
		}
		return
	}

	if err != nil {
		c.state = Reduce(c.state, PageFailed{Channel: ref, Err: err})
		c.mu.Unlock()
		metrics.FetchFailures.Inc()
		c.logger.Error("couldn't fetch messages", "channel", ref.Name(), "err", err)
		c.emit(bus.EventLoadFailed, ref, "err", err.Error())
		return
	}

	c.state = Reduce(c.state, PageLoaded{Channel: ref, Items: page.Items})
	c.mu.Unlock()
	c.logger.Debug("messages loaded", "channel", ref.Name(), "items", len(page.Items))
	c.emit(bus.EventMessagesLoaded, ref, "items", len(page.Items))
}

// onMessagePushed appends msg when source is the active channel.
func (c *Controller) onMessagePushed(msg domain.Message, source domain.Channel) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	if !sameChannel(c.state.Active, source) {
		c.mu.Unlock()
		metrics.StaleEvents.Inc()
		c.logger.Debug("dropping message from inactive channel", "channel", source.Name(), "index", msg.Index)
		c.emit(bus.EventMessageDropped, source, "index", msg.Index)
		return
	}
	c.state = Reduce(c.state, MessagePushed{Channel: source, Message: msg})
	c.mu.Unlock()

	metrics.MessagesAppended.Inc()
	c.emit(bus.EventMessageAdded, source, "index", msg.Index, "author", msg.Author)
}

// UpdateDraft replaces the draft text.
func (c *Controller) UpdateDraft(text string) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.state = Reduce(c.state, DraftChanged{Text: text})
	c.mu.Unlock()
	c.emit(bus.EventDraftChanged, nil)
}

// SubmitDraft sends the draft as text to the active channel and clears it
// right away. The send happens in the background; a failed send does not
// bring the draft back.
func (c *Controller) SubmitDraft() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	active := c.state.Active
	if active == nil {
		c.mu.Unlock()
		return ErrNoActiveChannel
	}
	payload := domain.TextPayload{Text: c.state.Draft}
	c.state = Reduce(c.state, DraftSubmitted{})
	c.enqueueLocked(active, payload)
	c.mu.Unlock()

	c.emit(bus.EventDraftChanged, nil)
	return nil
}

// SubmitAttachment sends the first of files to the active channel. Any
// further files are ignored.
func (c *Controller) SubmitAttachment(files []domain.File) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	active := c.state.Active
	if active == nil {
		c.mu.Unlock()
		return ErrNoActiveChannel
	}
	if len(files) == 0 {
		c.mu.Unlock()
		return ErrNoFiles
	}
	file := files[0]
	c.enqueueLocked(active, domain.AttachmentPayload{ContentType: file.MimeType, Media: file})
	c.mu.Unlock()

	if len(files) > 1 {
		c.logger.Debug("ignoring extra dropped files", "sent", file.Name, "ignored", len(files)-1)
	}
	return nil
}

// OpenDialog asks dz for files and sends the first accepted one. A nil or
// not yet ready drop zone is ignored, as is an empty selection.
func (c *Controller) OpenDialog(dz *attach.Dropzone) error {
	if !dz.Ready() {
		return nil
	}
	files, err := dz.Open()
	if err != nil {
		return err
	}
	if len(files) == 0 {
		return nil
	}
	return c.SubmitAttachment(files)
}

// Reload fetches the active channel's page again. This is the manual retry
// path after a failed load; it does nothing without an active channel.
func (c *Controller) Reload() {
	c.mu.Lock()
	if c.closed || c.state.Active == nil {
		c.mu.Unlock()
		return
	}
	ref := c.state.Active
	c.state = Reduce(c.state, ReloadRequested{})
	c.fetchGen++
	gen := c.fetchGen
	c.wg.Add(1)
	c.mu.Unlock()

	c.logger.Info("reloading channel", "channel", ref.Name())
	c.emit(bus.EventChannelSelected, ref, "reload", true)
	go c.loadMessages(ref, gen)
}

// enqueueLocked queues a payload for delivery in submission order.
// c.mu must be held.
func (c *Controller) enqueueLocked(ch domain.Channel, payload domain.Payload) {
	c.outbox = append(c.outbox, outgoing{channel: ch, payload: payload})
	if c.draining {
		return
	}
	c.draining = true
	c.wg.Add(1)
	go c.drain()
}

func (c *Controller) drain() {
	defer c.wg.Done()
	for {
		c.mu.Lock()
		if len(c.outbox) == 0 {
			c.draining = false
			c.mu.Unlock()
			return
		}
		next := c.outbox[0]
		c.outbox = c.outbox[1:]
		c.mu.Unlock()

		c.deliver(next)
	}
}

func (c *Controller) deliver(out outgoing) {
	if err := out.channel.SendMessage(c.ctx, out.payload); err != nil {
		metrics.SendFailures.Inc()
		c.logger.Warn("send failed", "channel", out.channel.Name(), "err", err)
		c.emit(bus.EventSendFailed, out.channel, "err", err.Error())
		return
	}
	metrics.MessagesSent.Inc()
	c.emit(bus.EventMessageSent, out.channel)
}

// Snapshot returns a copy of the current state.
func (c *Controller) Snapshot() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.clone()
}

// isBound reports whether the live handler is attached to ref.
func (c *Controller) isBound(ref domain.Channel) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.bound[ref]
	return ok
}

// BoundChannels returns the names of all bound channels, sorted.
func (c *Controller) BoundChannels() []string {
	c.mu.Lock()
	names := make([]string, 0, len(c.bound))
	for ch := range c.bound {
		names = append(names, ch.Name())
	}
	c.mu.Unlock()
	slices.Sort(names)
	return names
}

// Wait blocks until in-flight fetches and queued sends have finished.
func (c *Controller) Wait() {
	c.wg.Wait()
}

// Shutdown lets queued sends and in-flight fetches finish, then closes the
// controller. When ctx ends first the controller is closed anyway, pending
// work sees a cancelled context, and ctx's error is returned once it has
// wound down.
func (c *Controller) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		c.Close()
		return nil
	case <-ctx.Done():
		c.Close()
		<-done
		return ctx.Err()
	}
}

// Close stops the controller from reacting to anything further. In-flight
// fetches see a cancelled context.
func (c *Controller) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.cancel()
}

func (c *Controller) emit(eventType string, ch domain.Channel, kv ...any) {
	if c.events == nil {
		return
	}
	payload := make(map[string]any, len(kv)/2+1)
	if ch != nil {
		payload["channel"] = ch.Name()
	}
	for i := 0; i+1 < len(kv); i += 2 {
		if k, ok := kv[i].(string); ok {
			payload[k] = kv[i+1]
		}
	}
	c.events.Emit(bus.Event{Type: eventType, Source: "session", Payload: payload})
}
