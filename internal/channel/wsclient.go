package channel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"chatchannel/internal/bus"
	"chatchannel/internal/domain"
)

// WSChannelConfig configures a WebSocket room client.
type WSChannelConfig struct {
	URL      string // server endpoint, e.g. ws://127.0.0.1:8081/ws
	Room     string
	Identity string
	Dialer   *websocket.Dialer // defaults to websocket.DefaultDialer
	Logger   *slog.Logger
}

// WSChannel is a room on a remote WSServer. The connection is dialed on
// first use and redialed after it drops.
type WSChannel struct {
	endpoint string
	room     string
	identity string
	dialer   *websocket.Dialer
	logger   *slog.Logger

	listeners *bus.Listeners

	mu      sync.Mutex
	conn    *websocket.Conn
	pending map[string]chan WSFrame
	closed  bool

	writeMu sync.Mutex
}

func NewWSChannel(cfg WSChannelConfig) (*WSChannel, error) {
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid websocket url: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return nil, fmt.Errorf("invalid websocket url scheme %q", u.Scheme)
	}
	if cfg.Room == "" {
		return nil, errors.New("room is required")
	}
	q := u.Query()
	q.Set("room", cfg.Room)
	if cfg.Identity != "" {
		q.Set("identity", cfg.Identity)
	}
	u.RawQuery = q.Encode()

	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	logger := cfg.Logger.With("component", "ws-channel", "room", cfg.Room)
	return &WSChannel{
		endpoint:  u.String(),
		room:      cfg.Room,
		identity:  cfg.Identity,
		dialer:    cfg.Dialer,
		logger:    logger,
		listeners: bus.NewListeners(logger),
		pending:   make(map[string]chan WSFrame),
	}, nil
}

func (c *WSChannel) Name() string { return c.room }

func (c *WSChannel) Self() string { return c.identity }

func (c *WSChannel) On(event string, handler domain.MessageHandler) error {
	if err := subscribe(c.listeners, event, handler); err != nil {
		return err
	}
	// Live messages only flow while connected. The dial may take as long as
	// the handshake timeout, so it never runs on the caller's goroutine.
	go func() {
		if _, err := c.connect(context.Background()); err != nil && !errors.Is(err, ErrClosed) {
			c.logger.Warn("websocket connect failed, will retry on next request", "err", err)
		}
	}()
	return nil
}

func (c *WSChannel) GetMessages(ctx context.Context) (domain.Page, error) {
	reply, err := c.request(ctx, WSFrame{Type: "history"})
	if err != nil {
		return domain.Page{}, err
	}
	return domain.Page{Items: reply.Items}, nil
}

func (c *WSChannel) SendMessage(ctx context.Context, payload domain.Payload) error {
	frame := WSFrame{Type: "send"}
	switch p := payload.(type) {
	case domain.TextPayload:
		frame.Text = p.Text
	case domain.AttachmentPayload:
		frame.ContentType = p.ContentType
		frame.Filename = p.Media.Name
		frame.Data = p.Media.Data
	default:
		return fmt.Errorf("unsupported payload %T", payload)
	}
	_, err := c.request(ctx, frame)
	return err
}

// Close drops the connection. Further calls fail with ErrClosed.
func (c *WSChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	if c.conn != nil {
		err := c.conn.Close()
		c.conn = nil
		return err
	}
	return nil
}

// connect returns the live connection, dialing if there is none. The lock
// is not held while dialing, so Close and concurrent requests never wait on
// a slow handshake; when two dials race, the first one to finish wins.
func (c *WSChannel) connect(ctx context.Context) (*websocket.Conn, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	if c.conn != nil {
		conn := c.conn
		c.mu.Unlock()
		return conn, nil
	}
	c.mu.Unlock()

	conn, _, err := c.dialer.DialContext(ctx, c.endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", c.endpoint, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		conn.Close()
		return nil, ErrClosed
	}
	if c.conn != nil {
		conn.Close()
		return c.conn, nil
	}
	c.conn = conn
	c.logger.Debug("websocket connected")
	go c.readLoop(conn)
	return conn, nil
}

// request sends frame with a fresh id and waits for the reply carrying it.
func (c *WSChannel) request(ctx context.Context, frame WSFrame) (WSFrame, error) {
	conn, err := c.connect(ctx)
	if err != nil {
		return WSFrame{}, err
	}

	frame.ID = uuid.NewString()
	replyCh := make(chan WSFrame, 1)
	c.mu.Lock()
	c.pending[frame.ID] = replyCh
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, frame.ID)
		c.mu.Unlock()
	}()

	c.writeMu.Lock()
	err = conn.WriteJSON(frame)
	c.writeMu.Unlock()
	if err != nil {
		return WSFrame{}, fmt.Errorf("write %s: %w", frame.Type, err)
	}

	select {
	case reply := <-replyCh:
		if reply.Type == "error" {
			return WSFrame{}, fmt.Errorf("server: %s", reply.Content)
		}
		return reply, nil
	case <-ctx.Done():
		return WSFrame{}, ctx.Err()
	}
}

func (c *WSChannel) readLoop(conn *websocket.Conn) {
	defer c.dropConn(conn)
	for {
		var frame WSFrame
		if err := conn.ReadJSON(&frame); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Warn("websocket read error", "err", err)
			}
			return
		}

		switch frame.Type {
		case "message":
			if frame.Message != nil {
				c.listeners.Dispatch(domain.EventMessageAdded, *frame.Message)
			}
		case "history", "ack", "error":
			c.resolve(frame)
		case "status":
			c.logger.Debug("websocket status", "content", frame.Content)
		default:
			c.logger.Debug("ignoring websocket frame", "type", frame.Type)
		}
	}
}

func (c *WSChannel) resolve(frame WSFrame) {
	if frame.ID == "" {
		c.logger.Warn("server error", "content", frame.Content)
		return
	}
	c.mu.Lock()
	ch, ok := c.pending[frame.ID]
	c.mu.Unlock()
	if ok {
		select {
		case ch <- frame:
		default:
		}
	}
}

// dropConn forgets conn and fails requests still waiting on it.
func (c *WSChannel) dropConn(conn *websocket.Conn) {
	conn.Close()
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == conn {
		c.conn = nil
	}
	for _, ch := range c.pending {
		select {
		case ch <- WSFrame{Type: "error", Content: "connection lost"}:
		default:
		}
	}
}
