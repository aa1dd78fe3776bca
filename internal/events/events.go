// Package events defines the JSON envelope exchanged over relay connections
// and the payloads the relay inspects.
package events

import (
	"encoding/json"
	"errors"
)

// Inbound event names.
const (
	Join           = "join"
	NewMessage     = "new_message"
	SendMessage    = "send_message"
	NewPost        = "new_post"
	NewTransaction = "new_transaction"
	LikePost       = "like_post"
	AddComment     = "add_comment"
	ReactToMessage = "react_to_message"
	DeleteMessage  = "delete_message"
)

// Outbound event names.
const (
	MessageReceived    = "message_received"
	PostCreated        = "post_created"
	TransactionCreated = "transaction_created"
	PostLiked          = "post_liked"
	NewComment         = "new_comment"
	MessageReaction    = "message_reaction"
	MessageDeleted     = "message_deleted"
	EventDropped       = "event_dropped"
)

// classBroadcasts maps inbound class-scoped events to the name they are
// re-emitted under.
var classBroadcasts = map[string]string{
	NewPost:        PostCreated,
	NewTransaction: TransactionCreated,
	LikePost:       PostLiked,
	AddComment:     NewComment,
	ReactToMessage: MessageReaction,
	DeleteMessage:  MessageDeleted,
}

// ClassBroadcast returns the outbound name of a class-scoped event.
func ClassBroadcast(event string) (string, bool) {
	out, ok := classBroadcasts[event]
	return out, ok
}

// IsMessage reports whether event is routed as a direct or room message.
func IsMessage(event string) bool {
	return event == NewMessage || event == SendMessage
}

// ErrMissingEvent is returned when a frame has no event name.
var ErrMissingEvent = errors.New("envelope has no event name")

// Envelope is one frame on the wire.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// JoinPayload announces the identity of a connection.
type JoinPayload struct {
	UserType string `json:"userType"`
	UserID   string `json:"userId"`
	ClassID  string `json:"classId,omitempty"`
}

// MessagePayload is a direct or room-addressed chat message. A send_message
// payload with neither address is the chat message itself and goes to the
// sender's class unchanged.
type MessagePayload struct {
	ReceiverID string          `json:"receiverId,omitempty"`
	ClassID    string          `json:"classId,omitempty"`
	Message    json.RawMessage `json:"message"`
}

// Addressed reports whether p names a receiver or a room.
func (p MessagePayload) Addressed() bool {
	return p.ReceiverID != "" || p.ClassID != ""
}

// DroppedPayload tells a sender that one of its events reached nobody.
type DroppedPayload struct {
	Event  string `json:"event"`
	Reason string `json:"reason"`
}

// Decode parses a raw frame into an Envelope.
func Decode(raw []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, err
	}
	if env.Event == "" {
		return Envelope{}, ErrMissingEvent
	}
	return env, nil
}

// Encode builds a frame for event carrying data as-is. Empty data becomes
// JSON null.
func Encode(event string, data json.RawMessage) ([]byte, error) {
	if len(data) == 0 {
		data = json.RawMessage("null")
	}
	return json.Marshal(Envelope{Event: event, Data: data})
}

// EncodeValue marshals v and builds a frame for event.
func EncodeValue(event string, v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return Encode(event, data)
}

// DecodeJoin parses the data of a join event.
func DecodeJoin(data json.RawMessage) (JoinPayload, error) {
	var p JoinPayload
	err := decodeObject(data, &p)
	return p, err
}

// DecodeMessage parses the data of a message event.
func DecodeMessage(data json.RawMessage) (MessagePayload, error) {
	var p MessagePayload
	err := decodeObject(data, &p)
	return p, err
}

func decodeObject(data json.RawMessage, v any) error {
	if len(data) == 0 || string(data) == "null" {
		return errors.New("payload is empty")
	}
	return json.Unmarshal(data, v)
}
