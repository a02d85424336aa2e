package model

import "time"

// Conversation is one user's chat thread on the server side. The dev backend
// keeps a single conversation per user.
type Conversation struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	CreatedAt time.Time `json:"created_at"`
}

// StoredMessage is a server-side message row. Attachments are kept as a JSONB
// column; chunked assistant replies are stored one row per chunk with their
// group id and index so history replays the stream shape.
type StoredMessage struct {
	ID             string       `json:"id"`
	ConversationID string       `json:"conversation_id"`
	Sender         Sender       `json:"sender"`
	Text           string       `json:"text"`
	IsChunked      bool         `json:"is_chunked"`
	GroupID        string       `json:"message_group_id,omitempty"`
	ChunkIndex     int          `json:"chunk_index,omitempty"`
	Attachments    []Attachment `json:"attachments,omitempty"`
	CreatedAt      time.Time    `json:"created_at"`
}
