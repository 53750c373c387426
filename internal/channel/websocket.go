package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"chatchannel/internal/domain"
	"chatchannel/internal/metrics"
)

// WSFrame is the JSON protocol spoken between WSServer and WSChannel.
//
// Client to server: "history" {id} and "send" {id, text | content_type,
// filename, data}. Server to client: "status", "history" {id, items},
// "ack" {id}, "message" {message} and "error" {id, content}.
type WSFrame struct {
	Type        string           `json:"type"`
	ID          string           `json:"id,omitempty"`
	Room        string           `json:"room,omitempty"`
	Text        string           `json:"text,omitempty"`
	ContentType string           `json:"content_type,omitempty"`
	Filename    string           `json:"filename,omitempty"`
	Data        []byte           `json:"data,omitempty"`
	Items       []domain.Message `json:"items,omitempty"`
	Message     *domain.Message  `json:"message,omitempty"`
	Content     string           `json:"content,omitempty"`
}

// WSServerConfig configures the WebSocket room server.
type WSServerConfig struct {
	Hub         *Hub
	Path        string // WebSocket endpoint path (default: /ws)
	MetricsPath string // empty disables the metrics endpoint
	ReadLimit   int64  // largest accepted frame in bytes (default: DefaultWSReadLimit)
	Logger      *slog.Logger
}

// DefaultWSReadLimit fits a 10 MiB attachment after base64 encoding.
const DefaultWSReadLimit = 16 << 20

// WSServer serves local hub rooms to WebSocket clients.
type WSServer struct {
	hub         *Hub
	path        string
	metricsPath string
	readLimit   int64
	logger      *slog.Logger
	upgrader    websocket.Upgrader
	server      *http.Server

	mu      sync.RWMutex
	clients map[*wsClient]struct{}
	watched map[string]bool
}

// wsClient tracks a connected WebSocket client.
type wsClient struct {
	conn     *websocket.Conn
	room     string
	identity string
	mu       sync.Mutex
}

func NewWSServer(cfg WSServerConfig) *WSServer {
	if cfg.Path == "" {
		cfg.Path = "/ws"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.ReadLimit <= 0 {
		cfg.ReadLimit = DefaultWSReadLimit
	}
	return &WSServer{
		hub:         cfg.Hub,
		path:        cfg.Path,
		metricsPath: cfg.MetricsPath,
		readLimit:   cfg.ReadLimit,
		logger:      cfg.Logger.With("component", "ws-server"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true // terminal clients send no Origin
			},
		},
		clients: make(map[*wsClient]struct{}),
		watched: make(map[string]bool),
	}
}

// Handler returns the server's routes.
func (s *WSServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(s.path, s.handleUpgrade)
	if s.metricsPath != "" {
		mux.Handle(s.metricsPath, metrics.Collector.Handler())
	}
	return mux
}

// Start listens on addr until ctx is cancelled.
func (s *WSServer) Start(ctx context.Context, addr string) error {
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Info("websocket server starting", "addr", addr, "path", s.path, "metrics", s.metricsPath)

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.closeAllClients()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.server.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func (s *WSServer) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	roomName := r.URL.Query().Get("room")
	if roomName == "" {
		http.Error(w, "room is required", http.StatusBadRequest)
		return
	}
	identity := r.URL.Query().Get("identity")
	if identity == "" {
		identity = "anonymous"
	}

	room, err := s.hub.Open(r.Context(), roomName)
	if err != nil {
		s.logger.Error("cannot open room", "room", roomName, "err", err)
		http.Error(w, "cannot open room", http.StatusInternalServerError)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("websocket upgrade failed", "err", err)
		return
	}

	conn.SetReadLimit(s.readLimit)

	client := &wsClient{conn: conn, room: roomName, identity: identity}
	s.mu.Lock()
	s.clients[client] = struct{}{}
	s.mu.Unlock()
	s.watch(room)
	metrics.WSConnections.Inc()

	s.logger.Info("websocket client connected", "room", roomName, "identity", identity)
	client.send(WSFrame{Type: "status", Room: roomName, Content: "connected"})

	defer func() {
		s.mu.Lock()
		delete(s.clients, client)
		s.mu.Unlock()
		conn.Close()
		metrics.WSConnections.Dec()
		s.logger.Info("websocket client disconnected", "room", roomName, "identity", identity)
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			switch {
			case errors.Is(err, websocket.ErrReadLimit):
				s.logger.Warn("websocket frame too large, closing", "room", roomName, "identity", identity, "limit", s.readLimit)
			case websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure):
				s.logger.Error("websocket read error", "err", err)
			}
			return
		}

		var frame WSFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			s.logger.Warn("invalid websocket frame", "err", err)
			client.send(WSFrame{Type: "error", Content: "invalid frame"})
			continue
		}
		s.handleFrame(r.Context(), client, room, frame)
	}
}

func (s *WSServer) handleFrame(ctx context.Context, client *wsClient, room *Room, frame WSFrame) {
	switch frame.Type {
	case "history":
		page, err := room.GetMessages(ctx)
		if err != nil {
			client.send(WSFrame{Type: "error", ID: frame.ID, Content: err.Error()})
			return
		}
		client.send(WSFrame{Type: "history", ID: frame.ID, Room: room.Name(), Items: page.Items})

	case "send":
		var payload domain.Payload = domain.TextPayload{Text: frame.Text}
		if frame.Filename != "" || len(frame.Data) > 0 {
			payload = domain.AttachmentPayload{
				ContentType: frame.ContentType,
				Media:       domain.File{Name: frame.Filename, MimeType: frame.ContentType, Data: frame.Data},
			}
		}
		if _, err := room.Post(ctx, client.identity, payload); err != nil {
			s.logger.Warn("post failed", "room", room.Name(), "err", err)
			client.send(WSFrame{Type: "error", ID: frame.ID, Content: err.Error()})
			return
		}
		client.send(WSFrame{Type: "ack", ID: frame.ID})

	default:
		client.send(WSFrame{Type: "error", ID: frame.ID, Content: fmt.Sprintf("unknown frame type %q", frame.Type)})
	}
}

// watch attaches one permanent broadcaster per room.
func (s *WSServer) watch(room *Room) {
	s.mu.Lock()
	if s.watched[room.Name()] {
		s.mu.Unlock()
		return
	}
	s.watched[room.Name()] = true
	s.mu.Unlock()

	name := room.Name()
	_ = room.On(domain.EventMessageAdded, func(m domain.Message) {
		s.broadcastToRoom(name, WSFrame{Type: "message", Room: name, Message: &m})
	})
}

func (s *WSServer) broadcastToRoom(room string, frame WSFrame) {
	data, err := json.Marshal(frame)
	if err != nil {
		return
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	for client := range s.clients {
		if client.room != room {
			continue
		}
		client.mu.Lock()
		err := client.conn.WriteMessage(websocket.TextMessage, data)
		client.mu.Unlock()
		if err != nil {
			s.logger.Debug("websocket write failed", "err", err)
		}
	}
}

func (c *wsClient) send(frame WSFrame) {
	data, _ := json.Marshal(frame)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.WriteMessage(websocket.TextMessage, data)
}

func (s *WSServer) closeAllClients() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for client := range s.clients {
		client.conn.Close()
		delete(s.clients, client)
	}
}
