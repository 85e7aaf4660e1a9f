// Package envelope defines the wire format exchanged between relay and
// clients: a discriminated union of {"type": string, "data": json} objects.
// The relay routes on the type tag and a few routing fields; payload content
// is otherwise opaque to it.
package envelope

import (
	"encoding/json"
	"errors"
	"time"
)

// Envelope types emitted by clients
const (
	ChatMessage    = "chat_message"
	DocumentUpdate = "document_update"
	JoinDocument   = "join_document"
	LeaveDocument  = "leave_document"
	PresenceUpdate = "presence_update"
)

// Envelope types emitted by the relay
const (
	Welcome            = "welcome"
	Notification       = "notification"
	DocumentUserJoined = "document_user_joined"
	DocumentUserLeft   = "document_user_left"
)

// Presence statuses
const (
	StatusOnline  = "online"
	StatusAway    = "away"
	StatusBusy    = "busy"
	StatusOffline = "offline"
)

// Envelope is the wire unit exchanged over a relay connection
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Chat is the payload of a chat_message envelope. RoomID and RecipientID
// are routing hints supplied by the sender; SenderID and Timestamp are
// stamped by the relay on delivery and ignored on receipt.
type Chat struct {
	RoomID      string          `json:"roomId,omitempty"`
	RecipientID string          `json:"recipientId,omitempty"`
	Content     json.RawMessage `json:"content,omitempty"`
	SenderID    string          `json:"senderId,omitempty"`
	Timestamp   string          `json:"timestamp,omitempty"`
}

// Document is the payload of a document_update envelope. The relay treats
// DocumentID as the room name; Changes pass through uninspected. UserID and
// Timestamp are stamped by the relay on delivery.
type Document struct {
	DocumentID string          `json:"documentId"`
	Changes    json.RawMessage `json:"changes,omitempty"`
	UserID     string          `json:"userId,omitempty"`
	Timestamp  string          `json:"timestamp,omitempty"`
}

// RoomRef is the payload of join_document and leave_document envelopes
type RoomRef struct {
	DocumentID string `json:"documentId"`
}

// RoomEvent is the payload of document_user_joined and document_user_left
type RoomEvent struct {
	DocumentID string `json:"documentId"`
	UserID     string `json:"userId"`
	Timestamp  string `json:"timestamp"`
}

// Presence is the payload of a presence_update envelope. UserID and
// Timestamp are stamped by the relay on delivery.
type Presence struct {
	Status        string `json:"status"`
	CustomMessage string `json:"customMessage,omitempty"`
	UserID        string `json:"userId,omitempty"`
	Timestamp     string `json:"timestamp,omitempty"`
}

// Greeting is the payload of the welcome envelope sent on connection
type Greeting struct {
	ConnectionID string `json:"connectionId"`
	UserID       string `json:"userId"`
	Timestamp    string `json:"timestamp"`
}

// Note is the payload of a notification envelope
type Note struct {
	ID        string `json:"id"`
	Type      string `json:"type"`
	Title     string `json:"title"`
	Message   string `json:"message"`
	Timestamp string `json:"timestamp"`
	Read      bool   `json:"read"`
}

// New wraps a payload into an envelope of the given type
func New(envType string, payload interface{}) (Envelope, error) {

	data, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Type: envType, Data: data}, nil
}

// Parse unmarshals a wire message into an Envelope, rejecting untyped ones
func Parse(data []byte) (Envelope, error) {

	var e Envelope

	if err := json.Unmarshal(data, &e); err != nil {
		return Envelope{}, err
	}
	if e.Type == "" {
		return Envelope{}, errors.New("envelope missing type")
	}
	return e, nil
}

// Marshal serialises the envelope for the wire
func (e Envelope) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// Bind unmarshals the envelope payload into the supplied struct
func (e Envelope) Bind(v interface{}) error {
	if len(e.Data) == 0 {
		return errors.New("envelope has no data")
	}
	return json.Unmarshal(e.Data, v)
}

// Stamp returns the server-assigned timestamp format used in enriched
// payloads (UTC RFC3339 with millisecond precision, matching what web
// clients produce with toISOString)
func Stamp(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000Z07:00")
}
