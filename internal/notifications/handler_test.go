package notifications

import (
	"encoding/json"
	"testing"

	"github.com/dealdesk/pulse/internal/auth"
	"github.com/dealdesk/pulse/internal/protocol"
	"github.com/dealdesk/pulse/internal/room"
)

// fakeSession implements ws.Session with a capture buffer.
type fakeSession struct {
	id      string
	subject string
	frames  [][]byte
}

func (s *fakeSession) ID() string { return s.id }
func (s *fakeSession) Send(data []byte) error {
	s.frames = append(s.frames, data)
	return nil
}
func (s *fakeSession) Closed() bool            { return false }
func (s *fakeSession) Identity() auth.Identity { return auth.Identity{Subject: s.subject} }
func (s *fakeSession) Namespace() string       { return protocol.NamespaceNotifications }

func decodeFrame(t *testing.T, data []byte) map[string]interface{} {
	t.Helper()
	var m map[string]interface{}
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("failed to unmarshal frame: %v", err)
	}
	return m
}

func TestSubscribe_DealRoom(t *testing.T) {
	registry := room.NewRegistry()
	h := NewHandler(registry)
	s := &fakeSession{id: "c1", subject: "u-1"}

	h.OnMessage(s, []byte(`{"type":"subscribe","deal_id":"42"}`))

	if !registry.IsMember("c1", room.DealRoom("42")) {
		t.Fatal("expected connection joined to deal room")
	}

	ack := decodeFrame(t, s.frames[len(s.frames)-1])
	if ack["type"] != protocol.TypeAck || ack["status"] != protocol.StatusSubscribed {
		t.Errorf("unexpected ack: %v", ack)
	}
}

func TestSubscribe_DealAndUser(t *testing.T) {
	registry := room.NewRegistry()
	h := NewHandler(registry)
	s := &fakeSession{id: "c1", subject: "u-1"}

	h.OnMessage(s, []byte(`{"type":"subscribe","deal_id":"42","user_id":"u-2"}`))

	if !registry.IsMember("c1", room.DealRoom("42")) {
		t.Error("expected deal room membership")
	}
	if !registry.IsMember("c1", room.UserRoom("u-2")) {
		t.Error("expected user room membership")
	}
}

func TestSubscribe_Empty(t *testing.T) {
	registry := room.NewRegistry()
	h := NewHandler(registry)
	s := &fakeSession{id: "c1", subject: "u-1"}

	// Empty subscribe is a no-op, not an error.
	h.OnMessage(s, []byte(`{"type":"subscribe"}`))

	if len(registry.Rooms("c1")) != 0 {
		t.Errorf("expected no rooms joined, got %v", registry.Rooms("c1"))
	}
	ack := decodeFrame(t, s.frames[len(s.frames)-1])
	if ack["status"] != protocol.StatusSubscribed {
		t.Errorf("expected subscribed ack, got %v", ack)
	}
}

func TestSubscribe_Idempotent(t *testing.T) {
	registry := room.NewRegistry()
	h := NewHandler(registry)
	s := &fakeSession{id: "c1", subject: "u-1"}

	h.OnMessage(s, []byte(`{"type":"subscribe","deal_id":"42"}`))
	h.OnMessage(s, []byte(`{"type":"subscribe","deal_id":"42"}`))

	if registry.MemberCount(room.DealRoom("42")) != 1 {
		t.Errorf("double subscribe must not duplicate membership, count=%d",
			registry.MemberCount(room.DealRoom("42")))
	}
	// Both calls ack successfully.
	if len(s.frames) != 2 {
		t.Errorf("expected 2 acks, got %d frames", len(s.frames))
	}
}

func TestMarkRead_AcksAndEchoes(t *testing.T) {
	h := NewHandler(room.NewRegistry())
	s := &fakeSession{id: "c1", subject: "u-1"}

	h.OnMessage(s, []byte(`{"type":"mark_read","notification_id":"n-9"}`))

	if len(s.frames) != 2 {
		t.Fatalf("expected ack + echo, got %d frames", len(s.frames))
	}

	ack := decodeFrame(t, s.frames[0])
	if ack["type"] != protocol.TypeAck || ack["status"] != protocol.StatusOK {
		t.Errorf("unexpected ack: %v", ack)
	}
	if ack["notification_id"] != "n-9" {
		t.Errorf("expected notification_id in ack, got %v", ack)
	}

	echo := decodeFrame(t, s.frames[1])
	if echo["type"] != protocol.TypeNotificationRead {
		t.Errorf("expected %q echo, got %v", protocol.TypeNotificationRead, echo["type"])
	}
	if echo["notification_id"] != "n-9" {
		t.Errorf("expected notification_id in echo, got %v", echo)
	}
	if _, ok := echo["read_at"].(float64); !ok {
		t.Errorf("expected numeric read_at, got %v", echo["read_at"])
	}
}

func TestMarkRead_Idempotent(t *testing.T) {
	h := NewHandler(room.NewRegistry())
	s := &fakeSession{id: "c1", subject: "u-1"}

	h.OnMessage(s, []byte(`{"type":"mark_read","notification_id":"n-9"}`))
	h.OnMessage(s, []byte(`{"type":"mark_read","notification_id":"n-9"}`))

	// Two calls, two ok acks: nothing is stored, so repeats always succeed.
	if len(s.frames) != 4 {
		t.Fatalf("expected 4 frames (2x ack+echo), got %d", len(s.frames))
	}
	for _, i := range []int{0, 2} {
		ack := decodeFrame(t, s.frames[i])
		if ack["status"] != protocol.StatusOK {
			t.Errorf("frame[%d]: expected ok ack, got %v", i, ack)
		}
	}
}

func TestMarkRead_MissingID(t *testing.T) {
	h := NewHandler(room.NewRegistry())
	s := &fakeSession{id: "c1", subject: "u-1"}

	h.OnMessage(s, []byte(`{"type":"mark_read"}`))

	ack := decodeFrame(t, s.frames[len(s.frames)-1])
	if ack["status"] != protocol.StatusError {
		t.Errorf("expected error ack for missing notification_id, got %v", ack)
	}
}

func TestOnMessage_Malformed(t *testing.T) {
	h := NewHandler(room.NewRegistry())
	s := &fakeSession{id: "c1", subject: "u-1"}

	h.OnMessage(s, []byte(`{"no_type":true}`))

	ack := decodeFrame(t, s.frames[len(s.frames)-1])
	if ack["status"] != protocol.StatusError || ack["code"] != "parse_error" {
		t.Errorf("expected parse_error ack, got %v", ack)
	}
}

func TestOnMessage_UnsupportedType(t *testing.T) {
	h := NewHandler(room.NewRegistry())
	s := &fakeSession{id: "c1", subject: "u-1"}

	h.OnMessage(s, []byte(`{"type":"edit_intent","doc_id":"x"}`))

	ack := decodeFrame(t, s.frames[len(s.frames)-1])
	if ack["status"] != protocol.StatusError {
		t.Errorf("expected error ack for cross-namespace type, got %v", ack)
	}
}
