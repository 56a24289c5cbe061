package session

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Sender identifies who produced a transcript entry
type Sender string

const (
	SenderUser   Sender = "user"
	SenderBot    Sender = "bot"
	SenderSystem Sender = "system"
)

// TimestampLayout is the human readable capture time shown next to a message.
const TimestampLayout = "15:04:05"

// ImageRef points at the binary image carried by a user image message
type ImageRef struct {
	Name     string `json:"name"`
	MIMEType string `json:"mime_type"`
	Size     int64  `json:"size"`
}

// Message represents a single transcript entry
type Message struct {
	ID           string    `json:"id"`
	Sender       Sender    `json:"sender"`
	Content      string    `json:"content"`
	IsImage      bool      `json:"is_image,omitempty"`
	Image        *ImageRef `json:"image,omitempty"`
	ImagePreview string    `json:"image_preview,omitempty"` // data URI
	Timestamp    string    `json:"timestamp"`
	CapturedAt   time.Time `json:"captured_at"`
	IsError      bool      `json:"is_error,omitempty"`
	ModelUsed    string    `json:"model_used,omitempty"`
}

// Transcript is the ordered, append-only message history of one chat session.
// Entries are never modified once appended; Clear is the only removal.
type Transcript struct {
	mu       sync.RWMutex
	messages []Message
	now      func() time.Time
}

// NewTranscript creates an empty transcript
func NewTranscript() *Transcript {
	return &Transcript{now: time.Now}
}

// Append stamps msg with an ID and the capture time and adds it to the end.
func (t *Transcript) Append(msg Message) Message {
	captured := t.now()
	msg.ID = uuid.NewString()
	msg.CapturedAt = captured
	msg.Timestamp = captured.Format(TimestampLayout)

	t.mu.Lock()
	t.messages = append(t.messages, msg)
	t.mu.Unlock()

	return msg
}

// Messages returns a copy of the transcript in insertion order
func (t *Transcript) Messages() []Message {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]Message, len(t.messages))
	copy(out, t.messages)
	return out
}

// Len returns the number of entries
func (t *Transcript) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.messages)
}

// Clear empties the transcript and reports how many entries were dropped.
func (t *Transcript) Clear() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := len(t.messages)
	t.messages = nil
	return n
}
