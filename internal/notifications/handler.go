// Package notifications implements the notifications namespace: clients
// subscribe to deal/user rooms and receive notification pushes published by
// the business backend. Read-state is ephemeral — mark_read is acked and
// echoed to the calling connection, never persisted.
package notifications

import (
	"log"
	"time"

	"github.com/dealdesk/pulse/internal/protocol"
	"github.com/dealdesk/pulse/internal/room"
	"github.com/dealdesk/pulse/internal/ws"
)

// Handler is the notifications namespace handler. Pushes reach subscribers
// through the Publish API -> broker -> local broadcast path; the handler
// itself only manages membership and the mark_read exchange.
type Handler struct {
	registry *room.Registry
}

// NewHandler creates the notifications namespace handler.
func NewHandler(registry *room.Registry) *Handler {
	return &Handler{registry: registry}
}

// Namespace returns the upgrade path name for this handler.
func (h *Handler) Namespace() string { return protocol.NamespaceNotifications }

// OnConnect is a no-op: the transport layer already auto-joined the
// identity room, so per-user pushes flow without any subscribe call.
func (h *Handler) OnConnect(s ws.Session) {}

// OnMessage routes a parsed client message. Malformed payloads are acked
// with an error status, never silently dropped, so the client can detect
// protocol mismatches.
func (h *Handler) OnMessage(s ws.Session, data []byte) {
	msgType, msg, err := protocol.ParseClientMessage(protocol.NamespaceNotifications, data)
	if err != nil {
		log.Printf("[notifications] parse error connection=%s: %v", s.ID(), err)
		h.sendAck(s, protocol.AckMsg{Status: protocol.StatusError, Code: "parse_error", Message: "invalid message format"})
		return
	}

	switch m := msg.(type) {
	case protocol.SubscribeMsg:
		h.handleSubscribe(s, m)
	case protocol.MarkReadMsg:
		h.handleMarkRead(s, m)
	default:
		h.sendAck(s, protocol.AckMsg{Status: protocol.StatusError, Code: "unsupported_type", Message: "unsupported message type: " + msgType})
	}
}

// OnDisconnect is a no-op: room membership is torn down by the transport
// layer's leaveAll.
func (h *Handler) OnDisconnect(s ws.Session) {}

// handleSubscribe joins the requested deal and/or user rooms. Joining is
// idempotent; an empty payload is a no-op, not an error.
func (h *Handler) handleSubscribe(s ws.Session, m protocol.SubscribeMsg) {
	for _, key := range subscribeKeys(m) {
		if err := room.ValidateKey(key); err != nil {
			h.sendAck(s, protocol.AckMsg{Status: protocol.StatusError, Code: "invalid_room", Message: err.Error()})
			return
		}
		if err := h.registry.Join(s, key); err != nil {
			h.sendAck(s, protocol.AckMsg{Status: protocol.StatusError, Code: "join_failed", Message: err.Error()})
			return
		}
	}

	h.sendAck(s, protocol.AckMsg{Status: protocol.StatusSubscribed})
	log.Printf("[notifications] subscribe connection=%s deal=%q user=%q", s.ID(), m.DealID, m.UserID)
}

// handleMarkRead acks the call and echoes a notification_read event to the
// calling connection only — read-state is per-viewer, so it is not
// broadcast to the room. Calling mark_read twice with the same ID yields
// two successful acks: the operation is idempotent by construction, since
// nothing is stored.
func (h *Handler) handleMarkRead(s ws.Session, m protocol.MarkReadMsg) {
	if m.NotificationID == "" {
		h.sendAck(s, protocol.AckMsg{Status: protocol.StatusError, Code: "missing_notification_id", Message: "notification_id is required"})
		return
	}

	h.sendAck(s, protocol.AckMsg{Status: protocol.StatusOK, NotificationID: m.NotificationID})

	echo, err := protocol.NewServerMessage(protocol.TypeNotificationRead, protocol.NotificationReadMsg{
		NotificationID: m.NotificationID,
		ReadAt:         time.Now().Unix(),
	})
	if err != nil {
		log.Printf("[notifications] failed to build notification_read connection=%s: %v", s.ID(), err)
		return
	}
	if err := s.Send(echo); err != nil {
		log.Printf("[notifications] failed to echo notification_read connection=%s: %v", s.ID(), err)
	}
}

// subscribeKeys maps a subscribe payload to the room keys it addresses.
func subscribeKeys(m protocol.SubscribeMsg) []string {
	var keys []string
	if m.DealID != "" {
		keys = append(keys, room.DealRoom(m.DealID))
	}
	if m.UserID != "" {
		keys = append(keys, room.UserRoom(m.UserID))
	}
	return keys
}

func (h *Handler) sendAck(s ws.Session, ack protocol.AckMsg) {
	data, err := protocol.NewServerMessage(protocol.TypeAck, ack)
	if err != nil {
		log.Printf("[notifications] failed to build ack connection=%s: %v", s.ID(), err)
		return
	}
	if err := s.Send(data); err != nil {
		log.Printf("[notifications] failed to send ack connection=%s: %v", s.ID(), err)
	}
}
