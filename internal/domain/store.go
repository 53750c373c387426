package domain

import (
	"context"
	"time"
)

// MessageStore persists local rooms and their messages.
type MessageStore interface {
	CreateRoom(ctx context.Context, room Room) error
	ListRooms(ctx context.Context) ([]Room, error)

	// AppendMessage stores msg in room, assigning the next per-room index.
	// The stored message is returned.
	AppendMessage(ctx context.Context, room string, msg Message) (Message, error)
	// ListMessages returns the last limit messages of room, oldest first.
	ListMessages(ctx context.Context, room string, limit int) ([]Message, error)

	Close() error
}

type Room struct {
	Name      string    `json:"name"`
	Topic     string    `json:"topic,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}
