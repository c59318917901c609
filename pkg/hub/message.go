// Package hub provides a thread-safe websocket broadcast hub
// using the channel-based fan-out pattern.
package hub

import (
	"time"

	"github.com/goccy/go-json"
)

// MessageType indicates the websocket message format
type MessageType int

const (
	// TextMessage is a JSON-encoded message
	TextMessage MessageType = iota
	// BinaryMessage is raw binary data
	BinaryMessage
)

// Message represents a message to be broadcast to clients
type Message struct {
	Type MessageType
	Data []byte
}

// Event is a session lifecycle notification published to subscribers.
type Event struct {
	Type      string         `json:"type"`
	SessionID string         `json:"session_id,omitempty"`
	Time      time.Time      `json:"time"`
	Data      map[string]any `json:"data,omitempty"`
}

// NewEvent stamps an event with the current time.
func NewEvent(typ, sessionID string, data map[string]any) Event {
	return Event{Type: typ, SessionID: sessionID, Time: time.Now().UTC(), Data: data}
}

// Encode marshals the event as a text message.
func (e Event) Encode() (Message, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return Message{}, err
	}
	return Message{Type: TextMessage, Data: data}, nil
}
