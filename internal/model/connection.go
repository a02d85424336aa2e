package model

type ConnectionState string

const (
	StateDisconnected ConnectionState = "disconnected"
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
	StateReconnecting ConnectionState = "reconnecting"
)

// ConnectionStatus pairs the state with the retry attempt counter.
// Attempt increments on each retry and resets to zero on a successful connect.
type ConnectionStatus struct {
	State   ConnectionState `json:"state"`
	Attempt int             `json:"attempt"`
}
