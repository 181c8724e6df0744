package bus

import (
	"context"
	"time"
)

// Kind tells the orchestrator how to resolve a message into text.
type Kind string

const (
	KindText  Kind = "text"
	KindVoice Kind = "voice"
	KindPhoto Kind = "photo"
)

// Attachment is a media file that has not been downloaded yet. Fetch is
// called at most once, and only when the content is actually needed.
type Attachment struct {
	FileID   string
	FileName string
	MimeType string
	Size     int
	Fetch    func(ctx context.Context) ([]byte, error)
}

type InboundMessage struct {
	Channel   string
	SenderID  string
	ChatID    string
	Content   string // text, or the caption of a photo
	Kind      Kind
	Voice     *Attachment
	Photo     *Attachment
	Timestamp time.Time
	Metadata  map[string]any
}

// SessionKey is the conversation identity, e.g. "telegram:123".
func (m *InboundMessage) SessionKey() string {
	return m.Channel + ":" + m.ChatID
}

// MessageKind infers the kind when the channel did not set it.
func (m *InboundMessage) MessageKind() Kind {
	switch {
	case m.Kind != "":
		return m.Kind
	case m.Voice != nil:
		return KindVoice
	case m.Photo != nil:
		return KindPhoto
	}
	return KindText
}

type OutboundMessage struct {
	Channel  string
	ChatID   string
	Content  string
	ReplyTo  string
	Metadata map[string]any
}
