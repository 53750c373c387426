// Package channel provides domain.Channel implementations over a local
// SQLite room, a WebSocket chat server, Telegram, Discord and Slack, and a
// Registry that turns configured presets into channel references.
//
// Every implementation is a pointer type and is handed out once per
// conversation, so two references to the same conversation compare equal.
package channel

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"chatchannel/internal/bus"
	"chatchannel/internal/domain"
)

var (
	ErrUnsupportedEvent = errors.New("unsupported channel event")
	ErrClosed           = errors.New("channel closed")
	ErrUnknownPreset    = errors.New("unknown preset")
)

// Selfer is implemented by channels that know the author name their own
// sent messages carry.
type Selfer interface {
	Self() string
}

// subscribe registers handler for event on l. Only messageAdded is supported.
func subscribe(l *bus.Listeners, event string, handler domain.MessageHandler) error {
	if event != domain.EventMessageAdded {
		return fmt.Errorf("%w: %s", ErrUnsupportedEvent, event)
	}
	if handler == nil {
		return errors.New("nil handler")
	}
	l.Add(event, handler)
	return nil
}

// splitMessage splits a message into chunks that fit within the max length,
// trying to split on newlines when possible.
func splitMessage(msg string, maxLen int) []string {
	if len(msg) <= maxLen {
		return []string{msg}
	}

	var chunks []string
	for len(msg) > 0 {
		if len(msg) <= maxLen {
			chunks = append(chunks, msg)
			break
		}

		cut := maxLen
		if idx := strings.LastIndex(msg[:maxLen], "\n"); idx > maxLen/2 {
			cut = idx + 1
		}
		// Never end a chunk inside a multi-byte character.
		for cut > 0 && !utf8.RuneStart(msg[cut]) {
			cut--
		}
		if cut == 0 {
			_, cut = utf8.DecodeRuneInString(msg)
		}

		chunks = append(chunks, msg[:cut])
		msg = msg[cut:]
	}
	return chunks
}

// attachmentMessage describes an attachment payload the way it is stored.
func attachmentMessage(author string, p domain.AttachmentPayload) domain.Message {
	ct := p.ContentType
	if ct == "" {
		ct = p.Media.MimeType
	}
	return domain.Message{
		Author:      author,
		ContentType: ct,
		Media: &domain.Media{
			Filename:    p.Media.Name,
			ContentType: ct,
			Size:        p.Media.Size(),
		},
	}
}
