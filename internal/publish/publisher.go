// Package publish is the server-side Publish API: the only way backend
// services inject events into rooms. Publishing is fire-and-forget — broker
// unavailability is logged and absorbed (local members are still served) —
// except for publishes against a terminated AI run, which are rejected at
// this boundary.
package publish

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/dealdesk/pulse/internal/aistream"
	"github.com/dealdesk/pulse/internal/broker"
	"github.com/dealdesk/pulse/internal/metrics"
	"github.com/dealdesk/pulse/internal/protocol"
	"github.com/dealdesk/pulse/internal/room"
)

// ErrStreamClosed rejects a publish against a run that has already seen its
// terminal event. The run room is logically dead; late chunks are publisher
// anomalies, not deliverable traffic.
var ErrStreamClosed = errors.New("publish: stream already closed for run")

// Broker is the fan-out dependency of the publisher.
type Broker interface {
	Publish(env broker.Envelope) error
	Connected() bool
}

// Publisher validates and fans out backend events.
type Publisher struct {
	broker Broker
	runs   *aistream.Tracker
}

// New creates a Publisher.
func New(b Broker, runs *aistream.Tracker) *Publisher {
	return &Publisher{broker: b, runs: runs}
}

// Publish makes the event visible to every member of the room across all
// gateway instances. payload may be any JSON-marshalable value.
//
// Errors returned: invalid room key grammar, unmarshalable payload, and
// ErrStreamClosed for terminated runs. Broker unavailability is NOT an
// error to the caller: the event reaches same-process members and a
// visibility warning is logged.
func (p *Publisher) Publish(ctx context.Context, roomKey, event string, payload interface{}) error {
	if err := room.ValidateKey(roomKey); err != nil {
		return fmt.Errorf("publish: %w", err)
	}

	env, err := broker.NewEnvelope(roomKey, event, "", payload)
	if err != nil {
		return fmt.Errorf("publish: %w", err)
	}

	if runID, ok := room.RunID(roomKey); ok {
		if err := p.checkRun(ctx, runID, event, env.Data); err != nil {
			return err
		}
	}

	start := time.Now()
	if err := p.broker.Publish(env); err != nil {
		if errors.Is(err, broker.ErrUnavailable) {
			log.Printf("[publish] broker down, event=%s room=%s delivered local-only", event, roomKey)
		} else {
			log.Printf("[publish] broker publish failed event=%s room=%s: %v", event, roomKey, err)
		}
	}
	metrics.PublishLatency.Observe(time.Since(start).Seconds())
	metrics.EventsPublished.WithLabelValues(event).Inc()
	return nil
}

// checkRun enforces the AI-stream terminal invariant: exactly one terminal
// event closes a run, and publishes after it are rejected. It also records
// chunk sequence numbers so regressions surface in the logs of the
// publishing instance.
func (p *Publisher) checkRun(ctx context.Context, runID, event string, data json.RawMessage) error {
	if p.runs == nil {
		return nil
	}

	if p.runs.IsTerminal(ctx, runID) {
		log.Printf("[publish] rejected event=%s for terminated run=%s", event, runID)
		return fmt.Errorf("%w %s", ErrStreamClosed, runID)
	}

	switch event {
	case protocol.TypeChunk:
		var chunk protocol.Chunk
		if err := json.Unmarshal(data, &chunk); err != nil {
			return fmt.Errorf("publish: malformed chunk for run %s: %w", runID, err)
		}
		p.runs.ObserveSequence(runID, chunk.SequenceNumber)
		if chunk.IsFinal || chunk.Error != "" {
			p.runs.MarkTerminal(ctx, runID)
		}
	case protocol.TypeStreamError:
		p.runs.MarkTerminal(ctx, runID)
	}
	return nil
}

// BrokerConnected reports the broker link state for health probes.
func (p *Publisher) BrokerConnected() bool {
	return p.broker.Connected()
}
