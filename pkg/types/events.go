package types

import (
	"encoding/json"
	"fmt"
)

// Kind tags every frame on the channel
// ARCHITECTURAL DISCOVERY: Closed set of kinds, each with exactly one payload type,
// lets both ends switch exhaustively instead of probing loosely-typed maps
type Kind string

// Inbound client intents
const (
	KindJoinRoom    Kind = "join_room"
	KindLeaveRoom   Kind = "leave_room"
	KindSendMessage Kind = "send_message"
)

// Outbound server events
const (
	KindNewMessage        Kind = "new_message"
	KindNewNotification   Kind = "new_notification"
	KindSessionTerminated Kind = "session_terminated"
	KindHistory           Kind = "history"
	KindError             Kind = "error"
)

// Error event codes
const (
	ErrorCodePersistence = "persistence_failed"
	ErrorCodeRateLimited = "rate_limited"
)

// Envelope is the wire frame: {"kind": "...", "payload": {...}}
type Envelope struct {
	Kind    Kind            `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

// Intent is implemented only by the inbound payload types of this package
type Intent interface {
	IntentKind() Kind
	isIntent()
}

// Event is implemented only by the outbound payload types of this package
type Event interface {
	EventKind() Kind
	isEvent()
}

// JoinRoom asks to become a member of a course room
type JoinRoom struct {
	CourseID string `json:"course_id" validate:"required,resourceid"`
}

// LeaveRoom leaves a course room
type LeaveRoom struct {
	CourseID string `json:"course_id" validate:"required,resourceid"`
}

// SendMessage posts chat text to a joined room. Emptiness is judged after trimming
// by the room manager, not here.
type SendMessage struct {
	CourseID string `json:"course_id" validate:"required,resourceid"`
	Text     string `json:"text" validate:"max=5000"`
}

func (JoinRoom) IntentKind() Kind    { return KindJoinRoom }
func (LeaveRoom) IntentKind() Kind   { return KindLeaveRoom }
func (SendMessage) IntentKind() Kind { return KindSendMessage }
func (JoinRoom) isIntent()           {}
func (LeaveRoom) isIntent()          {}
func (SendMessage) isIntent()        {}

// NewMessage is broadcast to every member of the room
type NewMessage struct {
	RoomID  string       `json:"room_id"`
	Message *ChatMessage `json:"message"`
}

// NewNotification is the live push of a persisted notification record
type NewNotification struct {
	Notification *Notification `json:"notification"`
}

// SessionTerminated instructs the client to drop its local session immediately
type SessionTerminated struct {
	Reason string `json:"reason"`
}

// History is the backfill sent after a successful join
type History struct {
	RoomID   string         `json:"room_id"`
	Messages []*ChatMessage `json:"messages"`
}

// ErrorEvent is only ever sent to the connection that initiated the failed operation
type ErrorEvent struct {
	Code     string `json:"code"`
	Message  string `json:"message"`
	CourseID string `json:"course_id,omitempty"`
}

func (NewMessage) EventKind() Kind        { return KindNewMessage }
func (NewNotification) EventKind() Kind   { return KindNewNotification }
func (SessionTerminated) EventKind() Kind { return KindSessionTerminated }
func (History) EventKind() Kind           { return KindHistory }
func (ErrorEvent) EventKind() Kind        { return KindError }
func (NewMessage) isEvent()               {}
func (NewNotification) isEvent()          {}
func (SessionTerminated) isEvent()        {}
func (History) isEvent()                  {}
func (ErrorEvent) isEvent()               {}

// EncodeEvent wraps an event into its envelope
func EncodeEvent(e Event) ([]byte, error) {
	return encode(e.EventKind(), e)
}

// EncodeIntent wraps an intent into its envelope
func EncodeIntent(i Intent) ([]byte, error) {
	return encode(i.IntentKind(), i)
}

func encode(kind Kind, v interface{}) ([]byte, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s payload: %w", kind, err)
	}
	return json.Marshal(Envelope{Kind: kind, Payload: payload})
}

// DecodeIntent parses and validates an inbound frame
// FUNCTIONAL DISCOVERY: Outbound kinds sent by a client are rejected as unknown,
// a client can never inject server events
func DecodeIntent(data []byte) (Intent, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}

	var intent Intent
	switch env.Kind {
	case KindJoinRoom:
		var p JoinRoom
		if err := unmarshalPayload(env.Payload, &p); err != nil {
			return nil, err
		}
		intent = p
	case KindLeaveRoom:
		var p LeaveRoom
		if err := unmarshalPayload(env.Payload, &p); err != nil {
			return nil, err
		}
		intent = p
	case KindSendMessage:
		var p SendMessage
		if err := unmarshalPayload(env.Payload, &p); err != nil {
			return nil, err
		}
		intent = p
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, env.Kind)
	}

	if err := ValidateStruct(intent); err != nil {
		return nil, err
	}
	return intent, nil
}

// DecodeEvent parses an outbound frame on the client side
func DecodeEvent(data []byte) (Event, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}

	switch env.Kind {
	case KindNewMessage:
		var p NewMessage
		err := unmarshalPayload(env.Payload, &p)
		return p, err
	case KindNewNotification:
		var p NewNotification
		err := unmarshalPayload(env.Payload, &p)
		return p, err
	case KindSessionTerminated:
		var p SessionTerminated
		err := unmarshalPayload(env.Payload, &p)
		return p, err
	case KindHistory:
		var p History
		err := unmarshalPayload(env.Payload, &p)
		return p, err
	case KindError:
		var p ErrorEvent
		err := unmarshalPayload(env.Payload, &p)
		return p, err
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, env.Kind)
	}
}

func unmarshalPayload(raw json.RawMessage, v interface{}) error {
	if len(raw) == 0 {
		return fmt.Errorf("%w: missing payload", ErrInvalidEnvelope)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}
	return nil
}
