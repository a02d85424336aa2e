package ws

import "time"

type EventType string

const (
	// Outbound (client -> server)
	EventSendMessage          EventType = "send_message"
	EventAcceptRecommendation EventType = "accept_recommendation"
	EventRequestHistory       EventType = "request_history"

	// Inbound (server -> client)
	EventReceiveMessage        EventType = "receive_message"
	EventReceiveChunk          EventType = "receive_chunk"
	EventReceiveRecommendation EventType = "receive_recommendation"
	EventChatHistory           EventType = "chat_history"
	EventMessageSaved          EventType = "message_saved"
	EventRecommendationSaved   EventType = "recommendation_saved"
	EventError                 EventType = "error"
)

// FilePayload is one attachment in a send_message frame. Data is the
// base64-encoded file content.
type FilePayload struct {
	Name string `json:"name"`
	Type string `json:"type"`
	Size int64  `json:"size"`
	Data string `json:"data"`
}

// SendMessagePayload is what the client sends for a user message.
type SendMessagePayload struct {
	Text            string        `json:"text"`
	Attachments     []FilePayload `json:"attachments,omitempty"`
	ClientMessageID string        `json:"client_message_id"`
}

// AcceptRecommendationPayload confirms a food recommendation.
type AcceptRecommendationPayload struct {
	Title          string `json:"title"`
	Content        string `json:"content"`
	AcceptanceText string `json:"acceptance_text,omitempty"`
}

// UploadedFile reports a server-confirmed attachment location.
type UploadedFile struct {
	Name string `json:"name"`
	URL  string `json:"url"`
}

// ReceiveMessagePayload is a full (non-chunked) server message. With IsAck set
// it acknowledges the client message identified by ClientMessageID instead of
// carrying a new assistant reply.
type ReceiveMessagePayload struct {
	Content         string         `json:"content,omitempty"`
	MessageID       string         `json:"message_id"`
	ClientMessageID string         `json:"client_message_id,omitempty"`
	IsAck           bool           `json:"is_ack,omitempty"`
	UploadedFiles   []UploadedFile `json:"uploaded_files,omitempty"`
	UploadErrors    []string       `json:"upload_errors,omitempty"`
	Timestamp       time.Time      `json:"timestamp"`
}

// ChunkPayload is one ordered fragment of a streamed assistant reply.
type ChunkPayload struct {
	Chunk          string    `json:"chunk"`
	ChunkIndex     int       `json:"chunk_index"`
	TotalChunks    int       `json:"total_chunks"`
	IsFinal        bool      `json:"is_final"`
	MessageGroupID string    `json:"message_group_id"`
	MessageID      string    `json:"message_id"`
	Timestamp      time.Time `json:"timestamp"`
}

// RecommendationPayload is a structured recommendation. Type carries the
// "recommendation" discriminator when the payload travels on the wrong event
// kind (see chunk.Assembler).
type RecommendationPayload struct {
	Type    string   `json:"type,omitempty"`
	Title   string   `json:"title"`
	Content string   `json:"content"`
	Health  []string `json:"health,omitempty"`
}

// HistoryAttachment is an attachment as it appears in fetched history.
type HistoryAttachment struct {
	Name string `json:"name"`
	Type string `json:"type,omitempty"`
	Size int64  `json:"size,omitempty"`
	URL  string `json:"url,omitempty"`
}

// HistoryMessage is one row of chat_history. Sender is "user" or "bot"
// ("assistant" is tolerated). Chunked rows carry their group and index so the
// client can render a reloaded stream identically.
type HistoryMessage struct {
	Text           string              `json:"text"`
	Sender         string              `json:"sender"`
	Timestamp      time.Time           `json:"timestamp"`
	MessageID      string              `json:"message_id,omitempty"`
	IsChunked      bool                `json:"is_chunked,omitempty"`
	MessageGroupID string              `json:"message_group_id,omitempty"`
	ChunkIndex     int                 `json:"chunk_index,omitempty"`
	Attachments    []HistoryAttachment `json:"attachments,omitempty"`
}

// HistoryPayload is the authoritative message log, fetched on every connect.
type HistoryPayload struct {
	Messages []HistoryMessage `json:"messages"`
}

// MessageSavedPayload confirms a client message was durably stored.
type MessageSavedPayload struct {
	MessageID       string `json:"message_id"`
	ClientMessageID string `json:"client_message_id"`
}

// RecommendationSavedPayload confirms an accepted recommendation was stored.
type RecommendationSavedPayload struct {
	Status    string    `json:"status"`
	MessageID string    `json:"message_id"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorPayload is a protocol-level error event.
type ErrorPayload struct {
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}
