// Package tunnel implements the websocket protocol spoken with live
// development clients.
package tunnel

import (
	"github.com/watzon/hookrelay/internal/events"
)

// MessageType identifies a tunnel message.
type MessageType string

const (
	// Server to client.
	TypeConnected MessageType = "connected"
	TypeEvent     MessageType = "event"
	TypeStatus    MessageType = "status"
	TypeError     MessageType = "error"

	// Both directions.
	TypeHeartbeat MessageType = "heartbeat"

	// Client to server, in reply to an event.
	TypeAck      MessageType = "ack"
	TypeResponse MessageType = "response"
	TypeReject   MessageType = "reject"
)

// Message is the single envelope used in both directions. Body is base64
// encoded in JSON.
type Message struct {
	Type         MessageType       `json:"type"`
	RequestID    string            `json:"requestId,omitempty"`
	ConnectionID string            `json:"connectionId,omitempty"`
	Destination  string            `json:"destination,omitempty"`
	Event        *events.Event     `json:"event,omitempty"`
	Status       int               `json:"status,omitempty"`
	Headers      map[string]string `json:"headers,omitempty"`
	Body         []byte            `json:"body,omitempty"`
	Message      string            `json:"message,omitempty"`
}

// IsReply reports whether the message answers an event delivery.
func (m *Message) IsReply() bool {
	switch m.Type {
	case TypeAck, TypeResponse, TypeReject:
		return true
	}
	return false
}

// EventMessage builds the envelope pushed for a delivery attempt.
func EventMessage(requestID, destination string, event *events.Event) *Message {
	return &Message{
		Type:        TypeEvent,
		RequestID:   requestID,
		Destination: destination,
		Event:       event,
	}
}

// StatusMessage builds a status update for an event.
func StatusMessage(event *events.Event) *Message {
	return &Message{Type: TypeStatus, Event: event}
}
