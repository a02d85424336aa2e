package ws

import "encoding/json"

// Outgoing is a frame the client sends to the server.
// Payload uses typed structs to avoid heap-heavy map[string]any.
type Outgoing struct {
	Type    EventType `json:"type"`
	Payload any       `json:"payload,omitempty"`
}

// Incoming is a frame received from the server. Payload stays raw until the
// subscriber for the event kind decodes it.
type Incoming struct {
	Type    EventType       `json:"type"`
	Payload json.RawMessage `json:"payload"`
}
