// Package aistream implements the ai-stream namespace: per-run ordered
// chunk delivery with advisory cancellation. Chunks are produced by the
// upstream job runner through the Publish API; this handler only manages
// run-room membership and the client-side protocol.
package aistream

import (
	"errors"
	"log"

	"github.com/dealdesk/pulse/internal/broker"
	"github.com/dealdesk/pulse/internal/protocol"
	"github.com/dealdesk/pulse/internal/room"
	"github.com/dealdesk/pulse/internal/ws"
)

// Broker publishes room envelopes for cross-instance fan-out.
type Broker interface {
	Publish(env broker.Envelope) error
}

// Handler is the ai-stream namespace handler. Run state machine per run:
// Pending -> Streaming -> {Completed | Failed | Cancelled}; the terminal
// transition is enforced at the Publish API via the Tracker, not here.
type Handler struct {
	registry *room.Registry
	broker   Broker
}

// NewHandler creates the ai-stream namespace handler.
func NewHandler(registry *room.Registry, b Broker) *Handler {
	return &Handler{registry: registry, broker: b}
}

// Namespace returns the upgrade path name for this handler.
func (h *Handler) Namespace() string { return protocol.NamespaceAIStream }

// OnConnect is a no-op: the transport layer already auto-joined the
// identity room, and run rooms are joined explicitly via subscribe_run.
func (h *Handler) OnConnect(s ws.Session) {}

// OnMessage routes a parsed client message. Malformed payloads are acked
// with an error status, never silently dropped.
func (h *Handler) OnMessage(s ws.Session, data []byte) {
	msgType, msg, err := protocol.ParseClientMessage(protocol.NamespaceAIStream, data)
	if err != nil {
		log.Printf("[ai-stream] parse error connection=%s: %v", s.ID(), err)
		h.sendAck(s, protocol.AckMsg{Status: protocol.StatusError, Code: "parse_error", Message: "invalid message format"})
		return
	}

	switch m := msg.(type) {
	case protocol.SubscribeRunMsg:
		h.handleSubscribeRun(s, m)
	case protocol.CancelRunMsg:
		h.handleCancelRun(s, m)
	default:
		h.sendAck(s, protocol.AckMsg{Status: protocol.StatusError, Code: "unsupported_type", Message: "unsupported message type: " + msgType})
	}
}

// OnDisconnect is a no-op: run-room membership is torn down by the
// transport layer's leaveAll.
func (h *Handler) OnDisconnect(s ws.Session) {}

// handleSubscribeRun joins the run room. Subscribing to an already-dead run
// is allowed — the client simply receives nothing, since the gateway does
// not replay history.
func (h *Handler) handleSubscribeRun(s ws.Session, m protocol.SubscribeRunMsg) {
	key := room.RunRoom(m.RunID)
	if err := room.ValidateKey(key); err != nil {
		h.sendAck(s, protocol.AckMsg{Status: protocol.StatusError, RunID: m.RunID, Code: "invalid_run_id", Message: "missing or invalid run_id"})
		return
	}

	if err := h.registry.Join(s, key); err != nil {
		h.sendAck(s, protocol.AckMsg{Status: protocol.StatusError, RunID: m.RunID, Code: "join_failed", Message: err.Error()})
		return
	}

	h.sendAck(s, protocol.AckMsg{Status: protocol.StatusSubscribed, RunID: m.RunID})
	log.Printf("[ai-stream] subscribe_run connection=%s run=%s", s.ID(), m.RunID)
}

// handleCancelRun broadcasts an advisory run_cancel_requested event to the
// run room so the job runner subscribed there can react. The gateway does
// not stop the upstream job itself.
func (h *Handler) handleCancelRun(s ws.Session, m protocol.CancelRunMsg) {
	key := room.RunRoom(m.RunID)
	if err := room.ValidateKey(key); err != nil {
		h.sendAck(s, protocol.AckMsg{Status: protocol.StatusError, RunID: m.RunID, Code: "invalid_run_id", Message: "missing or invalid run_id"})
		return
	}

	payload := struct {
		RunID   string `json:"run_id"`
		ActorID string `json:"actor_id"`
	}{RunID: m.RunID, ActorID: s.Identity().Subject}

	env, err := broker.NewEnvelope(key, protocol.TypeRunCancelRequested, "", payload)
	if err != nil {
		log.Printf("[ai-stream] cancel envelope failed run=%s: %v", m.RunID, err)
	} else if err := h.broker.Publish(env); err != nil && !errors.Is(err, broker.ErrUnavailable) {
		log.Printf("[ai-stream] cancel broadcast failed run=%s: %v", m.RunID, err)
	}

	h.sendAck(s, protocol.AckMsg{Status: protocol.StatusOK, RunID: m.RunID})
	log.Printf("[ai-stream] cancel_run connection=%s run=%s", s.ID(), m.RunID)
}

func (h *Handler) sendAck(s ws.Session, ack protocol.AckMsg) {
	data, err := protocol.NewServerMessage(protocol.TypeAck, ack)
	if err != nil {
		log.Printf("[ai-stream] failed to build ack connection=%s: %v", s.ID(), err)
		return
	}
	if err := s.Send(data); err != nil {
		log.Printf("[ai-stream] failed to send ack connection=%s: %v", s.ID(), err)
	}
}
