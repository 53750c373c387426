package ui

import (
	tea "github.com/charmbracelet/bubbletea"

	"chatchannel/internal/bus"
)

const bridgeBuffer = 64

// Bridge forwards session events to send (usually tea.Program.Send) from its
// own goroutine. The bus emits synchronously, sometimes from inside Update,
// so handing events straight to a blocking Send would deadlock. When the
// buffer is full a refresh is already pending and the event is dropped,
// except send failures which are always queued.
//
// The returned func detaches from the bus and stops the forwarder.
func Bridge(events *bus.EventBus, send func(tea.Msg)) (stop func()) {
	queue := make(chan bus.Event, bridgeBuffer)
	done := make(chan struct{})

	id := events.On("*", func(ev bus.Event) {
		if ev.Source != "session" {
			return
		}
		if ev.Type == bus.EventSendFailed {
			select {
			case queue <- ev:
			case <-done:
			}
			return
		}
		select {
		case queue <- ev:
		default:
		}
	})

	go func() {
		for {
			select {
			case ev := <-queue:
				send(sessionMsg{event: ev})
			case <-done:
				return
			}
		}
	}()

	return func() {
		events.Off("*", id)
		close(done)
	}
}
