package bus

import (
	"log/slog"
	"sync"

	"chatchannel/internal/domain"
)

// Listeners is a per-event registry of message handlers. Channel providers
// embed it to implement domain.Channel.On. Handlers are never removed.
type Listeners struct {
	mu       sync.RWMutex
	handlers map[string][]domain.MessageHandler
	logger   *slog.Logger
}

// NewListeners creates an empty registry.
func NewListeners(logger *slog.Logger) *Listeners {
	if logger == nil {
		logger = slog.Default()
	}
	return &Listeners{
		handlers: make(map[string][]domain.MessageHandler),
		logger:   logger,
	}
}

// Add registers handler for event.
func (l *Listeners) Add(event string, handler domain.MessageHandler) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.handlers[event] = append(l.handlers[event], handler)
}

// Len returns the number of handlers registered for event.
func (l *Listeners) Len(event string) int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.handlers[event])
}

// Dispatch delivers msg to every handler registered for event, in
// registration order. A panicking handler is logged and skipped.
func (l *Listeners) Dispatch(event string, msg domain.Message) {
	l.mu.RLock()
	handlers := make([]domain.MessageHandler, len(l.handlers[event]))
	copy(handlers, l.handlers[event])
	l.mu.RUnlock()

	for i, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					l.logger.Error("message handler panic", "event", event, "handler", i, "panic", r)
				}
			}()
			h(msg)
		}()
	}
}
