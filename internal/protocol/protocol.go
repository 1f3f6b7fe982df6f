package protocol

import (
	"encoding/json"
	"fmt"
)

// The name of an event on the wire
type EventType string

// Inbound events (client → server)
const (
	EventCodeChange      EventType = "code-change"
	EventLanguageChange  EventType = "language-change"
	EventChatMessage     EventType = "chat-message"
	EventCursorPosition  EventType = "cursor-position"
	EventRequestSnapshot EventType = "request-snapshot"
)

// Outbound events (server → client)
const (
	EventCodeSnapshot   EventType = "code-snapshot"
	EventLanguageUpdate EventType = "language-update"
	EventChatHistory    EventType = "chat-history"
	EventRoomJoined     EventType = "room-joined"
	EventUserJoined     EventType = "user-joined"
	EventUserLeft       EventType = "user-left"
	EventCodeUpdate     EventType = "code-update"
	EventCursorUpdate   EventType = "cursor-update"
	EventSnapshotSaved  EventType = "snapshot-saved"
)

// The JSON envelope carried on every WebSocket frame
type Event struct {
	Type EventType       `json:"event"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Builds an envelope, marshaling the payload
func Make(t EventType, payload interface{}) (Event, error) {
	if payload == nil {
		return Event{Type: t}, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("marshal %s payload: %w", t, err)
	}
	return Event{Type: t, Data: data}, nil
}

// Unmarshals an envelope's payload into v
func (e Event) Decode(v interface{}) error {
	if len(e.Data) == 0 {
		return fmt.Errorf("%s: empty payload", e.Type)
	}
	return json.Unmarshal(e.Data, v)
}

// Payload of an inbound code-change
type CodeChange struct {
	RoomID string `json:"roomId"`
	Code   string `json:"code"`
}

// Payload of an inbound language-change
type LanguageChange struct {
	RoomID   string `json:"roomId"`
	Language string `json:"language"`
}

// Payload of an inbound chat-message. The timestamp is sender-supplied
// (unix milliseconds) and trusted as given.
type ChatMessage struct {
	RoomID    string `json:"roomId"`
	Username  string `json:"username"`
	Text      string `json:"text"`
	Timestamp int64  `json:"timestamp"`
}

// Payload of an inbound cursor-position. The position is opaque to the
// server and relayed verbatim.
type CursorPosition struct {
	RoomID   string          `json:"roomId"`
	Position json.RawMessage `json:"position"`
}

// Payload of an inbound request-snapshot
type SnapshotRequest struct {
	RoomID string `json:"roomId"`
}

// A participant's public fields as seen by other clients
type ParticipantInfo struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Color    string `json:"color"`
}

// Payload of room-joined, delivered to the joiner only
type RoomJoined struct {
	Participants []ParticipantInfo `json:"participants"`
}

// Payload of cursor-update, broadcast to everyone but the source
type CursorUpdate struct {
	UserID   string          `json:"userId"`
	Username string          `json:"username"`
	Position json.RawMessage `json:"position"`
}

// Payload of snapshot-saved, acknowledged to the requester only
type SnapshotSaved struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}
