package aistream

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// TerminalPrefix is the Redis key prefix marking runs that have seen
	// their terminal event. Shared across instances so every gateway
	// rejects post-terminal publishes.
	//
	//	Key:   run:terminal:<run_id>
	//	Value: "1"
	//	TTL:   TerminalTTL
	TerminalPrefix = "run:terminal:"

	// TerminalTTL keeps the terminal marker well past any plausible
	// publisher lag; after that the run room is long dead anyway.
	TerminalTTL = 24 * time.Hour
)

// Tracker records which AI runs have terminated. It keeps an in-process
// cache alongside Redis so the check fails open (cache only) when Redis is
// unavailable, and so the publishing instance answers without a round-trip
// for runs it terminated itself.
type Tracker struct {
	client *redis.Client // may be nil

	mu       sync.Mutex
	terminal map[string]struct{}
	lastSeq  map[string]uint64
}

// NewTracker creates a Tracker. client may be nil, in which case terminal
// state is process-local only.
func NewTracker(client *redis.Client) *Tracker {
	return &Tracker{
		client:   client,
		terminal: make(map[string]struct{}),
		lastSeq:  make(map[string]uint64),
	}
}

// IsTerminal reports whether the run has already seen its terminal event.
// Redis errors fail open: a marker miss only weakens anomaly rejection, it
// never blocks live streams.
func (t *Tracker) IsTerminal(ctx context.Context, runID string) bool {
	t.mu.Lock()
	_, dead := t.terminal[runID]
	t.mu.Unlock()
	if dead {
		return true
	}

	if t.client == nil {
		return false
	}
	n, err := t.client.Exists(ctx, TerminalPrefix+runID).Result()
	if err != nil {
		log.Printf("[run-tracker] redis EXISTS error run=%s: %v (failing open)", runID, err)
		return false
	}
	return n > 0
}

// MarkTerminal records the run's terminal event locally and in Redis.
func (t *Tracker) MarkTerminal(ctx context.Context, runID string) {
	t.mu.Lock()
	t.terminal[runID] = struct{}{}
	delete(t.lastSeq, runID)
	t.mu.Unlock()

	if t.client == nil {
		return
	}
	if err := t.client.Set(ctx, TerminalPrefix+runID, "1", TerminalTTL).Err(); err != nil {
		log.Printf("[run-tracker] redis SET error run=%s: %v", runID, err)
	}
}

// ObserveSequence records a chunk's sequence number on the publishing
// instance and reports whether it advances the stream. The gateway never
// reorders — ordering is the publisher's contract — so a regression is
// logged as an anomaly, not repaired.
func (t *Tracker) ObserveSequence(runID string, seq uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	last, seen := t.lastSeq[runID]
	if seen && seq <= last {
		log.Printf("[run-tracker] sequence regression run=%s seq=%d last=%d", runID, seq, last)
		return false
	}
	t.lastSeq[runID] = seq
	return true
}
