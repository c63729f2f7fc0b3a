package broker

import (
	"encoding/json"
	"errors"
	"testing"
	"time"
)

// newLocalAdapter builds an adapter with no broker URL: always degraded, every
// publish loops straight through the sink.
func newLocalAdapter(captured *[]Envelope) *Adapter {
	return New(Config{}, func(env Envelope) {
		*captured = append(*captured, env)
	})
}

func TestNewEnvelope(t *testing.T) {
	env, err := NewEnvelope("deal:1", "notification", "", map[string]string{"id": "n1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if env.Room != "deal:1" || env.Event != "notification" {
		t.Errorf("unexpected envelope: %+v", env)
	}

	var payload map[string]string
	if err := json.Unmarshal(env.Data, &payload); err != nil {
		t.Fatalf("failed to unmarshal data: %v", err)
	}
	if payload["id"] != "n1" {
		t.Errorf("expected id %q, got %q", "n1", payload["id"])
	}
}

func TestNewEnvelope_UnmarshalablePayload(t *testing.T) {
	if _, err := NewEnvelope("deal:1", "x", "", make(chan int)); err == nil {
		t.Fatal("expected error for unmarshalable payload, got nil")
	}
}

func TestPublish_LocalOnlyDelivery(t *testing.T) {
	var captured []Envelope
	a := newLocalAdapter(&captured)

	env := Envelope{Room: "run:r1", Event: "chunk", Data: json.RawMessage(`{"run_id":"r1"}`)}
	err := a.Publish(env)
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable in local-only mode, got %v", err)
	}

	// The envelope must still reach same-process members through the sink.
	if len(captured) != 1 {
		t.Fatalf("expected 1 sink delivery, got %d", len(captured))
	}
	if captured[0].Room != "run:r1" || captured[0].Event != "chunk" {
		t.Errorf("unexpected sink envelope: %+v", captured[0])
	}
}

func TestPublish_PreservesOrderLocally(t *testing.T) {
	var captured []Envelope
	a := newLocalAdapter(&captured)

	for i := 1; i <= 3; i++ {
		env, _ := NewEnvelope("run:r1", "chunk", "", map[string]int{"sequence_number": i})
		a.Publish(env)
	}

	if len(captured) != 3 {
		t.Fatalf("expected 3 deliveries, got %d", len(captured))
	}
	for i, env := range captured {
		var payload map[string]int
		json.Unmarshal(env.Data, &payload)
		if payload["sequence_number"] != i+1 {
			t.Errorf("delivery[%d]: expected seq %d, got %d", i, i+1, payload["sequence_number"])
		}
	}
}

func TestConnected_LocalOnly(t *testing.T) {
	var captured []Envelope
	a := newLocalAdapter(&captured)
	if a.Connected() {
		t.Error("expected Connected()=false without a broker URL")
	}
}

func TestClose_LocalOnlySafe(t *testing.T) {
	var captured []Envelope
	a := newLocalAdapter(&captured)
	a.Close() // must not panic without a NATS connection
}

func TestUnreachableBroker_DegradesNotFails(t *testing.T) {
	var captured []Envelope
	cfg := DefaultConfig()
	cfg.URL = "nats://127.0.0.1:1" // nothing listens here
	cfg.ReconnectWait = 10 * time.Millisecond

	a := New(cfg, func(env Envelope) { captured = append(captured, env) })
	defer a.Close()

	// RetryOnFailedConnect keeps the client in a reconnecting state; the
	// adapter serves local-only traffic meanwhile.
	env, _ := NewEnvelope("deal:1", "notification", "", map[string]string{"id": "n1"})
	if err := a.Publish(env); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable while broker unreachable, got %v", err)
	}
	if len(captured) != 1 {
		t.Fatalf("expected local sink delivery, got %d", len(captured))
	}
}

func TestOnRevocation_CallbackRegistration(t *testing.T) {
	var captured []Envelope
	a := newLocalAdapter(&captured)

	var got RevocationNotice
	a.OnRevocation(func(n RevocationNotice) { got = n })

	cb := a.revokeCallback()
	if cb == nil {
		t.Fatal("expected registered callback")
	}
	cb(RevocationNotice{Subject: "u-1", Reason: "offboarded"})
	if got.Subject != "u-1" || got.Reason != "offboarded" {
		t.Errorf("unexpected notice: %+v", got)
	}
}
