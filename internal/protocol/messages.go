// Package protocol defines the WebSocket message types and structures used
// between clients and the gateway across the three namespaces
// (notifications, collaboration, ai-stream). All messages are serialized as
// JSON and follow a consistent envelope format with a type discriminator.
package protocol

import (
	"encoding/json"
	"fmt"
)

// Namespace names, matching the WebSocket upgrade paths.
const (
	NamespaceNotifications = "notifications"
	NamespaceCollaboration = "collaboration"
	NamespaceAIStream      = "ai-stream"
)

// ---------------------------------------------------------------------------
// Message type constants
// ---------------------------------------------------------------------------

// Client -> Server message types.
const (
	TypeSubscribe    = "subscribe"     // notifications
	TypeMarkRead     = "mark_read"     // notifications
	TypeJoinDoc      = "join_doc"      // collaboration
	TypeEditIntent   = "edit_intent"   // collaboration (also server->client)
	TypeLeaveDoc     = "leave_doc"     // collaboration
	TypeSubscribeRun = "subscribe_run" // ai-stream
	TypeCancelRun    = "cancel_run"    // ai-stream
	TypePing         = "ping"          // any namespace
)

// Server -> Client message types.
const (
	TypeAck                = "ack"
	TypeError              = "error"
	TypePong               = "pong"
	TypeNotification       = "notification"
	TypeNotificationRead   = "notification_read"
	TypePresence           = "presence"
	TypeChunk              = "chunk"
	TypeStreamError        = "stream_error"
	TypeRunCancelRequested = "run_cancel_requested"
)

// Ack statuses for request/response calls.
const (
	StatusOK         = "ok"
	StatusSubscribed = "subscribed"
	StatusError      = "error"
)

// Presence states broadcast to collaboration rooms.
const (
	PresenceJoined = "joined"
	PresenceLeft   = "left"
)

// MaxEditPayloadBytes bounds the opaque edit_intent payload so one actor
// cannot flood a document room with oversized frames.
const MaxEditPayloadBytes = 8192

// ---------------------------------------------------------------------------
// Envelope — used for initial JSON parsing to extract the type discriminator.
// ---------------------------------------------------------------------------

// Envelope holds the message type and the raw JSON payload for deferred
// parsing into a concrete struct.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON implements the json.Unmarshaler interface. It captures the
// full raw bytes and extracts only the "type" field so that the rest of the
// payload can be decoded later into the appropriate concrete struct.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	var partial struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	if partial.Type == "" {
		return fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	e.Type = partial.Type
	return nil
}

// ---------------------------------------------------------------------------
// Client -> Server message structs
// ---------------------------------------------------------------------------

// SubscribeMsg is sent on the notifications namespace to join the rooms for
// a deal and/or a user. Both fields are optional; an empty subscribe is a
// no-op, not an error.
type SubscribeMsg struct {
	Type   string `json:"type"`
	DealID string `json:"deal_id,omitempty"`
	UserID string `json:"user_id,omitempty"`
}

// MarkReadMsg acknowledges a notification as read. Read-state is ephemeral:
// the gateway echoes a notification_read event to the caller and persists
// nothing.
type MarkReadMsg struct {
	Type           string `json:"type"`
	NotificationID string `json:"notification_id"`
}

// JoinDocMsg joins a collaborative document room.
type JoinDocMsg struct {
	Type  string `json:"type"`
	DocID string `json:"doc_id"`
}

// EditIntentMsg carries an opaque edit-intent payload to be broadcast to the
// other members of the document room. The gateway does not interpret the
// payload; conflict resolution is a client concern.
type EditIntentMsg struct {
	Type    string          `json:"type"`
	DocID   string          `json:"doc_id"`
	Payload json.RawMessage `json:"payload"`
}

// LeaveDocMsg leaves a collaborative document room.
type LeaveDocMsg struct {
	Type  string `json:"type"`
	DocID string `json:"doc_id"`
}

// SubscribeRunMsg joins the room for an AI generation run.
type SubscribeRunMsg struct {
	Type  string `json:"type"`
	RunID string `json:"run_id"`
}

// CancelRunMsg requests cancellation of an AI run. Cancellation is advisory
// signaling to the job runner subscribed to the same room, not an RPC.
type CancelRunMsg struct {
	Type  string `json:"type"`
	RunID string `json:"run_id"`
}

// PingMsg is a client-initiated keepalive ping.
type PingMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Server -> Client message structs
// ---------------------------------------------------------------------------

// AckMsg is the response to every request/response call (subscribe,
// mark_read, join_doc, leave_doc, subscribe_run, cancel_run). Malformed
// payloads are acked with StatusError so clients can detect protocol
// mismatches instead of seeing silence.
type AckMsg struct {
	Type           string `json:"type"`
	Status         string `json:"status"`
	NotificationID string `json:"notification_id,omitempty"`
	DocID          string `json:"doc_id,omitempty"`
	RunID          string `json:"run_id,omitempty"`
	Code           string `json:"code,omitempty"`
	Message        string `json:"message,omitempty"`
}

// ErrorMsg is sent by the server to communicate an error condition outside
// of a request/response exchange (e.g. an unparseable frame).
type ErrorMsg struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// PongMsg is the server's response to a client ping.
type PongMsg struct {
	Type string `json:"type"`
}

// Entity identifies the business object a notification refers to.
type Entity struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

// Notification is the payload published by the business backend. Severity
// lives in Level ("type" on the wire; notifications are nested under their
// own key in the delivered frame, so it does not clash with the envelope
// discriminator).
type Notification struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	Message   string `json:"message"`
	Level     string `json:"type"` // info | warning | success | error
	Entity    Entity `json:"entity"`
	CreatedAt int64  `json:"created_at"`
}

// NotificationReadMsg is echoed to the connection that called mark_read.
// It is not broadcast to the room: read-state is per-viewer.
type NotificationReadMsg struct {
	Type           string `json:"type"`
	NotificationID string `json:"notification_id"`
	ReadAt         int64  `json:"read_at"`
}

// PresenceMsg announces an actor joining or leaving a document room.
type PresenceMsg struct {
	Type    string `json:"type"`
	DocID   string `json:"doc_id"`
	ActorID string `json:"actor_id"`
	State   string `json:"state"` // joined | left
	Ts      int64  `json:"ts"`
}

// ServerEditIntentMsg relays an actor's edit intent to the other members of
// the document room. It is never echoed back to the emitting connection.
type ServerEditIntentMsg struct {
	Type    string          `json:"type"`
	DocID   string          `json:"doc_id"`
	ActorID string          `json:"actor_id"`
	Payload json.RawMessage `json:"payload"`
	Ts      int64           `json:"ts"`
}

// Chunk is one ordered piece of an AI run's output stream. SequenceNumber is
// strictly increasing per run; a chunk with IsFinal set (or a stream_error)
// terminates the run.
type Chunk struct {
	RunID          string          `json:"run_id"`
	SequenceNumber uint64          `json:"sequence_number"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	IsFinal        bool            `json:"is_final,omitempty"`
	Error          string          `json:"error,omitempty"`
}

// StreamErrorMsg terminates an AI run with an error instead of a final chunk.
type StreamErrorMsg struct {
	Type  string `json:"type"`
	RunID string `json:"run_id"`
	Error string `json:"error"`
}

// RunCancelRequestedMsg is broadcast to a run room when a client asks for
// cancellation. The job runner subscribed to the room reacts (or not); the
// gateway does not stop the upstream job itself.
type RunCancelRequestedMsg struct {
	Type    string `json:"type"`
	RunID   string `json:"run_id"`
	ActorID string `json:"actor_id,omitempty"`
}

// ---------------------------------------------------------------------------
// Parsing and encoding helpers
// ---------------------------------------------------------------------------

// ParseClientMessage parses raw WebSocket bytes into a typed client message
// for the given namespace. It returns the message type string, the decoded
// struct, and any error. Types belonging to a different namespace are
// rejected the same way unknown types are.
func ParseClientMessage(namespace string, data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse message: %w", err)
	}

	if env.Type == TypePing {
		var m PingMsg
		if err := json.Unmarshal(env.Raw, &m); err != nil {
			return env.Type, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
		}
		return env.Type, m, nil
	}

	var (
		msg interface{}
		err error
	)

	switch namespace {
	case NamespaceNotifications:
		switch env.Type {
		case TypeSubscribe:
			var m SubscribeMsg
			err = json.Unmarshal(env.Raw, &m)
			msg = m
		case TypeMarkRead:
			var m MarkReadMsg
			err = json.Unmarshal(env.Raw, &m)
			msg = m
		default:
			return env.Type, nil, fmt.Errorf("protocol: unknown %s message type: %q", namespace, env.Type)
		}

	case NamespaceCollaboration:
		switch env.Type {
		case TypeJoinDoc:
			var m JoinDocMsg
			err = json.Unmarshal(env.Raw, &m)
			msg = m
		case TypeEditIntent:
			var m EditIntentMsg
			err = json.Unmarshal(env.Raw, &m)
			msg = m
		case TypeLeaveDoc:
			var m LeaveDocMsg
			err = json.Unmarshal(env.Raw, &m)
			msg = m
		default:
			return env.Type, nil, fmt.Errorf("protocol: unknown %s message type: %q", namespace, env.Type)
		}

	case NamespaceAIStream:
		switch env.Type {
		case TypeSubscribeRun:
			var m SubscribeRunMsg
			err = json.Unmarshal(env.Raw, &m)
			msg = m
		case TypeCancelRun:
			var m CancelRunMsg
			err = json.Unmarshal(env.Raw, &m)
			msg = m
		default:
			return env.Type, nil, fmt.Errorf("protocol: unknown %s message type: %q", namespace, env.Type)
		}

	default:
		return env.Type, nil, fmt.Errorf("protocol: unknown namespace: %q", namespace)
	}

	if err != nil {
		return env.Type, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
	}
	return env.Type, msg, nil
}

// NewServerMessage creates a JSON-encoded byte slice for a server message.
// The msgType is injected into the payload under the "type" key. The payload
// should be one of the server message structs.
func NewServerMessage(msgType string, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}

	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("protocol: failed to unmarshal payload into map: %w", err)
	}

	m["type"] = msgType

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal server message: %w", err)
	}
	return out, nil
}

// EventFrame builds the wire frame for a published event from its raw
// payload. Most events are flat objects with the event name injected as the
// type discriminator; notification payloads carry their own "type" field
// (severity) and are nested under a "notification" key to avoid the clash.
func EventFrame(event string, data json.RawMessage) ([]byte, error) {
	if event == TypeNotification {
		frame := struct {
			Type         string          `json:"type"`
			Notification json.RawMessage `json:"notification"`
		}{Type: TypeNotification, Notification: data}
		out, err := json.Marshal(frame)
		if err != nil {
			return nil, fmt.Errorf("protocol: failed to marshal notification frame: %w", err)
		}
		return out, nil
	}

	m := make(map[string]interface{})
	if len(data) > 0 {
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("protocol: event %q payload is not an object: %w", event, err)
		}
	}
	m["type"] = event

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal event frame: %w", err)
	}
	return out, nil
}
