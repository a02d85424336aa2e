package model

import "time"

type Sender string

const (
	SenderUser      Sender = "user"
	SenderAssistant Sender = "assistant"
)

type AttachmentStatus string

const (
	AttachmentPending  AttachmentStatus = "pending"
	AttachmentUploaded AttachmentStatus = "uploaded"
	AttachmentError    AttachmentStatus = "error"
)

// Attachment is a file carried by a message.
// Invariant: Status == uploaded implies URL is set; Status == pending implies URL is empty.
// PreviewURL is a local, client-only handle; it is released when the server URL
// supersedes it or when the owning message is discarded.
type Attachment struct {
	ID         string           `json:"id"`
	Name       string           `json:"name"`
	Type       string           `json:"type"`
	Size       int64            `json:"size"`
	PreviewURL string           `json:"preview_url,omitempty"`
	URL        string           `json:"url,omitempty"`
	Status     AttachmentStatus `json:"status"`
}

// Recommendation is a structured food recommendation from the assistant.
type Recommendation struct {
	Title   string   `json:"title"`
	Content string   `json:"content"`
	Health  []string `json:"health,omitempty"`
}

// Message is one entry of the chat log.
// ID is the client id until the server confirms, then stays stable; ServerID
// is filled in on acknowledgment or when the message is found in history.
type Message struct {
	ID        string    `json:"id"`
	ClientID  string    `json:"client_id,omitempty"`
	ServerID  string    `json:"server_id,omitempty"`
	Text      string    `json:"text"`
	Sender    Sender    `json:"sender"`
	Timestamp time.Time `json:"timestamp"`

	Attachments    []Attachment    `json:"attachments,omitempty"`
	Recommendation *Recommendation `json:"recommendation,omitempty"`

	// Chunk bubbles keep their origin so a reloaded conversation renders
	// the same as a live-streamed one.
	GroupID    string `json:"group_id,omitempty"`
	ChunkIndex int    `json:"chunk_index,omitempty"`
}

// HasAttachments reports whether the message carries at least one attachment.
func (m *Message) HasAttachments() bool { return len(m.Attachments) > 0 }
