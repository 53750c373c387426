package session

import (
	"slices"

	"chatchannel/internal/domain"
)

// LoadingState describes where the active channel's initial page stands.
type LoadingState int

const (
	Initializing LoadingState = iota // no channel selected yet
	Loading                          // page requested, not yet delivered
	Ready                            // page delivered for the active channel
	Failed                           // page request for the active channel failed
)

func (s LoadingState) String() string {
	switch s {
	case Initializing:
		return "initializing"
	case Loading:
		return "loading"
	case Ready:
		return "ready"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// State is the session as seen by the presentation layer.
type State struct {
	Active   domain.Channel
	Loading  LoadingState
	Messages []domain.Message
	Draft    string
}

// ChannelName returns the active channel's name, or "" when none is active.
func (s State) ChannelName() string {
	if s.Active == nil {
		return ""
	}
	return s.Active.Name()
}

// clone returns a copy whose message slice does not alias s.
func (s State) clone() State {
	s.Messages = slices.Clone(s.Messages)
	return s
}

// sameChannel is the single definition of channel identity: two references
// are the same channel iff they are the same object.
func sameChannel(a, b domain.Channel) bool {
	return a == b
}

// Event is an input to Reduce.
type Event interface {
	isEvent()
}

// ChannelSelected replaces the active channel. A nil Channel detaches.
type ChannelSelected struct{ Channel domain.Channel }

// PageLoaded delivers the initial page fetched from Channel.
type PageLoaded struct {
	Channel domain.Channel
	Items   []domain.Message
}

// PageFailed reports a failed page fetch from Channel.
type PageFailed struct {
	Channel domain.Channel
	Err     error
}

// MessagePushed delivers a live message from Channel.
type MessagePushed struct {
	Channel domain.Channel
	Message domain.Message
}

// ReloadRequested asks for the active channel's page again.
type ReloadRequested struct{}

// DraftChanged replaces the draft text.
type DraftChanged struct{ Text string }

// DraftSubmitted clears the draft after it was handed to the channel.
type DraftSubmitted struct{}

func (ChannelSelected) isEvent() {}
func (PageLoaded) isEvent()      {}
func (PageFailed) isEvent()      {}
func (MessagePushed) isEvent()   {}
func (ReloadRequested) isEvent() {}
func (DraftChanged) isEvent()    {}
func (DraftSubmitted) isEvent()  {}

// Reduce computes the state that follows s after ev. It never mutates s.
// Results and messages from a channel other than s.Active leave s unchanged.
func Reduce(s State, ev Event) State {
	switch ev := ev.(type) {
	case ChannelSelected:
		if sameChannel(s.Active, ev.Channel) {
			return s
		}
		if ev.Channel == nil {
			return State{Loading: Initializing, Draft: s.Draft}
		}
		return State{Active: ev.Channel, Loading: Loading, Draft: s.Draft}

	case PageLoaded:
		if s.Active == nil || !sameChannel(s.Active, ev.Channel) {
			return s
		}
		s.Messages = slices.Clone(ev.Items)
		s.Loading = Ready
		return s

	case PageFailed:
		if s.Active == nil || !sameChannel(s.Active, ev.Channel) {
			return s
		}
		s.Loading = Failed
		return s

	case MessagePushed:
		if s.Active == nil || !sameChannel(s.Active, ev.Channel) {
			return s
		}
		// Clip forces a fresh backing array so earlier snapshots stay intact.
		s.Messages = append(slices.Clip(s.Messages), ev.Message)
		return s

	case ReloadRequested:
		if s.Active == nil {
			return s
		}
		s.Loading = Loading
		return s

	case DraftChanged:
		s.Draft = ev.Text
		return s

	case DraftSubmitted:
		s.Draft = ""
		return s
	}
	return s
}
