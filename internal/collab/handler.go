// Package collab implements the collaboration namespace: presence and
// edit-intent broadcast among the connections viewing the same document.
// The gateway guarantees per-actor ordering and delivery, not semantic
// merge — conflict resolution is a client concern fed by ordered signals.
package collab

import (
	"errors"
	"log"
	"sync"
	"time"

	"github.com/dealdesk/pulse/internal/broker"
	"github.com/dealdesk/pulse/internal/protocol"
	"github.com/dealdesk/pulse/internal/room"
	"github.com/dealdesk/pulse/internal/ws"
)

// Broker publishes room envelopes for cross-instance fan-out.
type Broker interface {
	Publish(env broker.Envelope) error
}

// Handler is the collaboration namespace handler. It tracks which documents
// each connection has joined so a disconnect can broadcast the departure
// presence signal.
type Handler struct {
	registry *room.Registry
	broker   Broker

	mu   sync.Mutex
	docs map[string]map[string]struct{} // connection id -> joined doc ids
}

// NewHandler creates the collaboration namespace handler.
func NewHandler(registry *room.Registry, b Broker) *Handler {
	return &Handler{
		registry: registry,
		broker:   b,
		docs:     make(map[string]map[string]struct{}),
	}
}

// Namespace returns the upgrade path name for this handler.
func (h *Handler) Namespace() string { return protocol.NamespaceCollaboration }

// OnConnect is a no-op: document rooms are joined explicitly via join_doc.
func (h *Handler) OnConnect(s ws.Session) {}

// OnMessage routes a parsed client message. Malformed payloads are acked
// with an error status on that specific call; the connection stays open.
func (h *Handler) OnMessage(s ws.Session, data []byte) {
	msgType, msg, err := protocol.ParseClientMessage(protocol.NamespaceCollaboration, data)
	if err != nil {
		log.Printf("[collab] parse error connection=%s: %v", s.ID(), err)
		h.sendAck(s, protocol.AckMsg{Status: protocol.StatusError, Code: "parse_error", Message: "invalid message format"})
		return
	}

	switch m := msg.(type) {
	case protocol.JoinDocMsg:
		h.handleJoinDoc(s, m)
	case protocol.EditIntentMsg:
		h.handleEditIntent(s, m)
	case protocol.LeaveDocMsg:
		h.handleLeaveDoc(s, m)
	default:
		h.sendAck(s, protocol.AckMsg{Status: protocol.StatusError, Code: "unsupported_type", Message: "unsupported message type: " + msgType})
	}
}

// OnDisconnect broadcasts a departure presence signal for every document
// the connection was still in. It runs before the transport layer tears
// down room membership.
func (h *Handler) OnDisconnect(s ws.Session) {
	h.mu.Lock()
	joined := h.docs[s.ID()]
	docIDs := make([]string, 0, len(joined))
	for docID := range joined {
		docIDs = append(docIDs, docID)
	}
	delete(h.docs, s.ID())
	h.mu.Unlock()

	for _, docID := range docIDs {
		h.broadcastPresence(s, docID, protocol.PresenceLeft)
	}
}

// handleJoinDoc joins the document room, acks, and announces the arrival to
// the rest of the room.
func (h *Handler) handleJoinDoc(s ws.Session, m protocol.JoinDocMsg) {
	key := room.DocRoom(m.DocID)
	if err := room.ValidateKey(key); err != nil {
		h.sendAck(s, protocol.AckMsg{Status: protocol.StatusError, DocID: m.DocID, Code: "invalid_doc_id", Message: "missing or invalid doc_id"})
		return
	}

	if err := h.registry.Join(s, key); err != nil {
		h.sendAck(s, protocol.AckMsg{Status: protocol.StatusError, DocID: m.DocID, Code: "join_failed", Message: err.Error()})
		return
	}

	h.mu.Lock()
	joined := h.docs[s.ID()]
	if joined == nil {
		joined = make(map[string]struct{})
		h.docs[s.ID()] = joined
	}
	joined[m.DocID] = struct{}{}
	h.mu.Unlock()

	h.sendAck(s, protocol.AckMsg{Status: protocol.StatusOK, DocID: m.DocID})
	h.broadcastPresence(s, m.DocID, protocol.PresenceJoined)
	log.Printf("[collab] join_doc connection=%s doc=%s", s.ID(), m.DocID)
}

// handleEditIntent broadcasts the opaque payload to the other members of
// the document room. The signal is never echoed back to the emitting
// connection; signals from one actor arrive at every other member in
// emission order (per-connection sequential processing plus the broker's
// per-publisher ordering), while signals from different actors may
// interleave arbitrarily.
func (h *Handler) handleEditIntent(s ws.Session, m protocol.EditIntentMsg) {
	key := room.DocRoom(m.DocID)
	if err := room.ValidateKey(key); err != nil {
		h.sendAck(s, protocol.AckMsg{Status: protocol.StatusError, DocID: m.DocID, Code: "invalid_doc_id", Message: "missing or invalid doc_id"})
		return
	}
	if len(m.Payload) == 0 {
		h.sendAck(s, protocol.AckMsg{Status: protocol.StatusError, DocID: m.DocID, Code: "missing_payload", Message: "payload is required"})
		return
	}
	if len(m.Payload) > protocol.MaxEditPayloadBytes {
		h.sendAck(s, protocol.AckMsg{Status: protocol.StatusError, DocID: m.DocID, Code: "payload_too_large", Message: "payload exceeds size limit"})
		return
	}
	if !h.registry.IsMember(s.ID(), key) {
		h.sendAck(s, protocol.AckMsg{Status: protocol.StatusError, DocID: m.DocID, Code: "not_joined", Message: "join_doc the document first"})
		return
	}

	payload := struct {
		DocID   string      `json:"doc_id"`
		ActorID string      `json:"actor_id"`
		Payload interface{} `json:"payload"`
		Ts      int64       `json:"ts"`
	}{DocID: m.DocID, ActorID: s.Identity().Subject, Payload: m.Payload, Ts: time.Now().UnixMilli()}

	env, err := broker.NewEnvelope(key, protocol.TypeEditIntent, s.ID(), payload)
	if err != nil {
		log.Printf("[collab] edit_intent envelope failed doc=%s: %v", m.DocID, err)
		return
	}
	if err := h.broker.Publish(env); err != nil && !errors.Is(err, broker.ErrUnavailable) {
		log.Printf("[collab] edit_intent broadcast failed doc=%s: %v", m.DocID, err)
	}
}

// handleLeaveDoc leaves the document room, acks, and announces the
// departure to the remaining members.
func (h *Handler) handleLeaveDoc(s ws.Session, m protocol.LeaveDocMsg) {
	key := room.DocRoom(m.DocID)
	if err := room.ValidateKey(key); err != nil {
		h.sendAck(s, protocol.AckMsg{Status: protocol.StatusError, DocID: m.DocID, Code: "invalid_doc_id", Message: "missing or invalid doc_id"})
		return
	}

	h.registry.Leave(s, key)

	h.mu.Lock()
	if joined := h.docs[s.ID()]; joined != nil {
		delete(joined, m.DocID)
		if len(joined) == 0 {
			delete(h.docs, s.ID())
		}
	}
	h.mu.Unlock()

	h.sendAck(s, protocol.AckMsg{Status: protocol.StatusOK, DocID: m.DocID})
	h.broadcastPresence(s, m.DocID, protocol.PresenceLeft)
	log.Printf("[collab] leave_doc connection=%s doc=%s", s.ID(), m.DocID)
}

// broadcastPresence announces a join/leave state change to the other
// members of the document room.
func (h *Handler) broadcastPresence(s ws.Session, docID, state string) {
	payload := struct {
		DocID   string `json:"doc_id"`
		ActorID string `json:"actor_id"`
		State   string `json:"state"`
		Ts      int64  `json:"ts"`
	}{DocID: docID, ActorID: s.Identity().Subject, State: state, Ts: time.Now().UnixMilli()}

	env, err := broker.NewEnvelope(room.DocRoom(docID), protocol.TypePresence, s.ID(), payload)
	if err != nil {
		log.Printf("[collab] presence envelope failed doc=%s: %v", docID, err)
		return
	}
	if err := h.broker.Publish(env); err != nil && !errors.Is(err, broker.ErrUnavailable) {
		log.Printf("[collab] presence broadcast failed doc=%s: %v", docID, err)
	}
}

func (h *Handler) sendAck(s ws.Session, ack protocol.AckMsg) {
	data, err := protocol.NewServerMessage(protocol.TypeAck, ack)
	if err != nil {
		log.Printf("[collab] failed to build ack connection=%s: %v", s.ID(), err)
		return
	}
	if err := s.Send(data); err != nil {
		log.Printf("[collab] failed to send ack connection=%s: %v", s.ID(), err)
	}
}
