package channel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"

	"chatchannel/internal/bus"
	"chatchannel/internal/domain"
)

// HubConfig configures the local room hub.
type HubConfig struct {
	Store    domain.MessageStore
	Identity string // author of messages sent through Room.SendMessage
	PageSize int
	MediaDir string // optional; attachment bytes are written here when set
	Logger   *slog.Logger
}

// Hub hands out local rooms backed by a MessageStore. It returns the same
// *Room for the same name for its whole lifetime.
type Hub struct {
	store    domain.MessageStore
	identity string
	pageSize int
	mediaDir string
	logger   *slog.Logger

	mu    sync.Mutex
	rooms map[string]*Room
}

func NewHub(cfg HubConfig) *Hub {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = 50
	}
	return &Hub{
		store:    cfg.Store,
		identity: cfg.Identity,
		pageSize: cfg.PageSize,
		mediaDir: cfg.MediaDir,
		logger:   cfg.Logger.With("component", "hub"),
		rooms:    make(map[string]*Room),
	}
}

// Room returns the room called name.
func (h *Hub) Room(name string) *Room {
	h.mu.Lock()
	defer h.mu.Unlock()
	if r, ok := h.rooms[name]; ok {
		return r
	}
	r := &Room{
		hub:       h,
		name:      name,
		listeners: bus.NewListeners(h.logger),
	}
	h.rooms[name] = r
	return r
}

// Open returns the room called name, creating it in the store if needed.
func (h *Hub) Open(ctx context.Context, name string) (*Room, error) {
	if err := h.store.CreateRoom(ctx, domain.Room{Name: name}); err != nil {
		return nil, err
	}
	return h.Room(name), nil
}

// Rooms lists the rooms known to the store.
func (h *Hub) Rooms(ctx context.Context) ([]domain.Room, error) {
	return h.store.ListRooms(ctx)
}

// Room is a local conversation. Sent messages are persisted and then pushed
// to every listener, in index order.
type Room struct {
	hub       *Hub
	name      string
	listeners *bus.Listeners

	postMu sync.Mutex
}

func (r *Room) Name() string { return r.name }

func (r *Room) Self() string { return r.hub.identity }

func (r *Room) GetMessages(ctx context.Context) (domain.Page, error) {
	items, err := r.hub.store.ListMessages(ctx, r.name, r.hub.pageSize)
	if err != nil {
		return domain.Page{}, fmt.Errorf("list messages in %s: %w", r.name, err)
	}
	return domain.Page{Items: items}, nil
}

func (r *Room) On(event string, handler domain.MessageHandler) error {
	return subscribe(r.listeners, event, handler)
}

func (r *Room) SendMessage(ctx context.Context, payload domain.Payload) error {
	_, err := r.Post(ctx, r.hub.identity, payload)
	return err
}

// Post stores payload as a message from author and pushes it to listeners.
func (r *Room) Post(ctx context.Context, author string, payload domain.Payload) (domain.Message, error) {
	var msg domain.Message
	switch p := payload.(type) {
	case domain.TextPayload:
		msg = domain.Message{Author: author, ContentType: domain.ContentTypeText, Body: p.Text}
	case domain.AttachmentPayload:
		msg = attachmentMessage(author, p)
		if r.hub.mediaDir != "" {
			url, err := r.saveMedia(p.Media)
			if err != nil {
				return domain.Message{}, err
			}
			msg.Media.URL = url
		}
	case nil:
		return domain.Message{}, errors.New("nil payload")
	default:
		return domain.Message{}, fmt.Errorf("unsupported payload %T", payload)
	}
	msg.SID = uuid.NewString()

	r.postMu.Lock()
	defer r.postMu.Unlock()

	stored, err := r.hub.store.AppendMessage(ctx, r.name, msg)
	if err != nil {
		return domain.Message{}, fmt.Errorf("append to %s: %w", r.name, err)
	}
	r.hub.logger.Debug("message posted", "room", r.name, "index", stored.Index, "author", author)
	r.listeners.Dispatch(domain.EventMessageAdded, stored)
	return stored, nil
}

func (r *Room) saveMedia(f domain.File) (string, error) {
	dir := filepath.Join(r.hub.mediaDir, r.name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create media dir: %w", err)
	}
	path := filepath.Join(dir, uuid.NewString()+"-"+filepath.Base(f.Name))
	if err := os.WriteFile(path, f.Data, 0o644); err != nil {
		return "", fmt.Errorf("write media: %w", err)
	}
	return "file://" + path, nil
}
