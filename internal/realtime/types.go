package realtime

import "encoding/json"

// Target identifies a Socket.IO endpoint and the namespace to join on it.
type Target struct {
	URL       string
	Namespace string
}

// Event is one server-emitted Socket.IO event. Data holds the first argument
// as raw JSON and is nil when the server sent none.
type Event struct {
	Name string
	Data json.RawMessage
}

type openPayload struct {
	SID          string `json:"sid"`
	PingInterval int64  `json:"pingInterval"`
	PingTimeout  int64  `json:"pingTimeout"`
}

type connectAuth struct {
	Token string `json:"token"`
}

type connectAck struct {
	SID string `json:"sid"`
}

type connectErrorPayload struct {
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}
