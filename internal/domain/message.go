package domain

import "time"

// Message is a single chat message as delivered by a channel.
type Message struct {
	Index       int64     `json:"index"`
	SID         string    `json:"sid,omitempty"`
	Author      string    `json:"author"`
	ContentType string    `json:"content_type"` // "text" or the MIME type of the attached media
	Body        string    `json:"body,omitempty"`
	Media       *Media    `json:"media,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// HasMedia reports whether the message carries an attached file.
func (m Message) HasMedia() bool { return m.Media != nil }

// Media references a file attached to a message. The file itself stays with
// the channel; only its description travels with the message.
type Media struct {
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
	Size        int64  `json:"size"`
	URL         string `json:"url,omitempty"`
}

// Page is an initial batch of messages in chronological order.
type Page struct {
	Items []Message `json:"items"`
}

// File is a user-supplied file (usually dropped on the drop zone).
type File struct {
	Name     string
	MimeType string
	Data     []byte
}

// Size returns the file size in bytes.
func (f File) Size() int64 { return int64(len(f.Data)) }

// ContentTypeText marks plain text messages.
const ContentTypeText = "text"

// Payload is something that can be sent to a channel: either a TextPayload or
// an AttachmentPayload.
type Payload interface {
	isPayload()
}

// TextPayload sends plain text.
type TextPayload struct {
	Text string `json:"text"`
}

// AttachmentPayload sends a single file.
type AttachmentPayload struct {
	ContentType string `json:"content_type"`
	Media       File   `json:"-"`
}

func (TextPayload) isPayload()       {}
func (AttachmentPayload) isPayload() {}
