package aistream

import (
	"encoding/json"
	"testing"

	"github.com/dealdesk/pulse/internal/auth"
	"github.com/dealdesk/pulse/internal/broker"
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
func (s *fakeSession) Namespace() string       { return protocol.NamespaceAIStream }

// fakeBroker captures published envelopes.
type fakeBroker struct {
	published []broker.Envelope
}

func (b *fakeBroker) Publish(env broker.Envelope) error {
	b.published = append(b.published, env)
	return nil
}

// lastFrame decodes the most recent frame sent to the session.
func lastFrame(t *testing.T, s *fakeSession) map[string]interface{} {
	t.Helper()
	if len(s.frames) == 0 {
		t.Fatal("expected at least one frame sent to session")
	}
	var m map[string]interface{}
	if err := json.Unmarshal(s.frames[len(s.frames)-1], &m); err != nil {
		t.Fatalf("failed to unmarshal frame: %v", err)
	}
	return m
}

func TestSubscribeRun(t *testing.T) {
	registry := room.NewRegistry()
	h := NewHandler(registry, &fakeBroker{})
	s := &fakeSession{id: "c1", subject: "u-1"}

	h.OnMessage(s, []byte(`{"type":"subscribe_run","run_id":"r-9"}`))

	if !registry.IsMember("c1", room.RunRoom("r-9")) {
		t.Fatal("expected connection joined to run room")
	}

	ack := lastFrame(t, s)
	if ack["type"] != protocol.TypeAck || ack["status"] != protocol.StatusSubscribed {
		t.Errorf("unexpected ack: %v", ack)
	}
	if ack["run_id"] != "r-9" {
		t.Errorf("expected run_id %q, got %v", "r-9", ack["run_id"])
	}
}

func TestSubscribeRun_MissingRunID(t *testing.T) {
	registry := room.NewRegistry()
	h := NewHandler(registry, &fakeBroker{})
	s := &fakeSession{id: "c1", subject: "u-1"}

	h.OnMessage(s, []byte(`{"type":"subscribe_run"}`))

	ack := lastFrame(t, s)
	if ack["status"] != protocol.StatusError {
		t.Fatalf("expected error ack, got %v", ack)
	}
	if len(registry.Rooms("c1")) != 0 {
		t.Error("invalid subscribe must not join any room")
	}
}

func TestCancelRun_BroadcastsAdvisory(t *testing.T) {
	registry := room.NewRegistry()
	b := &fakeBroker{}
	h := NewHandler(registry, b)
	s := &fakeSession{id: "c1", subject: "u-7"}

	h.OnMessage(s, []byte(`{"type":"cancel_run","run_id":"r-9"}`))

	if len(b.published) != 1 {
		t.Fatalf("expected 1 published envelope, got %d", len(b.published))
	}
	env := b.published[0]
	if env.Room != room.RunRoom("r-9") {
		t.Errorf("expected room %q, got %q", room.RunRoom("r-9"), env.Room)
	}
	if env.Event != protocol.TypeRunCancelRequested {
		t.Errorf("expected event %q, got %q", protocol.TypeRunCancelRequested, env.Event)
	}
	// The advisory is delivered to the whole room including the requester.
	if env.Origin != "" {
		t.Errorf("expected empty origin, got %q", env.Origin)
	}

	var payload map[string]string
	if err := json.Unmarshal(env.Data, &payload); err != nil {
		t.Fatalf("failed to unmarshal payload: %v", err)
	}
	if payload["run_id"] != "r-9" || payload["actor_id"] != "u-7" {
		t.Errorf("unexpected payload: %v", payload)
	}

	ack := lastFrame(t, s)
	if ack["status"] != protocol.StatusOK {
		t.Errorf("expected ok ack, got %v", ack)
	}
}

func TestOnMessage_MalformedJSON(t *testing.T) {
	h := NewHandler(room.NewRegistry(), &fakeBroker{})
	s := &fakeSession{id: "c1"}

	h.OnMessage(s, []byte(`{not json`))

	ack := lastFrame(t, s)
	if ack["status"] != protocol.StatusError || ack["code"] != "parse_error" {
		t.Errorf("expected parse_error ack, got %v", ack)
	}
}

func TestOnMessage_CrossNamespaceType(t *testing.T) {
	h := NewHandler(room.NewRegistry(), &fakeBroker{})
	s := &fakeSession{id: "c1"}

	// join_doc belongs to collaboration; on ai-stream it is a protocol error.
	h.OnMessage(s, []byte(`{"type":"join_doc","doc_id":"x"}`))

	ack := lastFrame(t, s)
	if ack["status"] != protocol.StatusError {
		t.Errorf("expected error ack for cross-namespace type, got %v", ack)
	}
}
