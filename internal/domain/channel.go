package domain

import "context"

// EventMessageAdded is the only live event channels deliver.
const EventMessageAdded = "messageAdded"

// MessageHandler receives a message pushed by a channel.
type MessageHandler func(Message)

// Channel is an external conversation stream (local room, WebSocket server,
// Telegram chat, Discord channel, Slack channel).
//
// Implementations must be pointer types: callers compare channel references
// with == and use them as map keys.
type Channel interface {
	Name() string
	GetMessages(ctx context.Context) (Page, error)
	// On registers a persistent listener. There is no unsubscribe.
	On(event string, handler MessageHandler) error
	SendMessage(ctx context.Context, payload Payload) error
}
