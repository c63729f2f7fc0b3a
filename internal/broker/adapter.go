// Package broker bridges local room broadcasts to NATS so that a publish on
// one gateway instance reaches room members connected to every other
// instance. One wildcard subscription per process replays inbound envelopes
// into the local room registry; outbound publishes go through the broker
// even for same-process members, so a single code path handles local and
// remote delivery uniformly.
package broker

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// NATS subject layout.
const (
	// roomSubjectPrefix + <room key> carries room event envelopes. Room keys
	// use ':' separators, which are legal subject-token characters, so the
	// key maps onto exactly one subject token under the wildcard.
	roomSubjectPrefix = "room."

	// SubjectRevoke carries token/subject revocation notices from the
	// backend; every gateway instance force-closes matching connections.
	SubjectRevoke = "control.revoke"
)

// ErrUnavailable is returned by Publish when the broker connection is down
// and the envelope was delivered to local members only.
var ErrUnavailable = errors.New("broker: connection unavailable, delivered local-only")

// Envelope is the wire format for room events crossing the broker. Origin
// carries the connection ID of the emitting client (empty for backend
// publishes) so receivers can suppress self-echo.
type Envelope struct {
	Room   string          `json:"room"`
	Event  string          `json:"event"`
	Origin string          `json:"origin,omitempty"`
	Data   json.RawMessage `json:"data,omitempty"`
}

// NewEnvelope builds an Envelope from a Go payload value. origin is the
// emitting connection's ID, or empty for backend publishes.
func NewEnvelope(roomKey, event, origin string, payload interface{}) (Envelope, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("broker: marshal %s payload: %w", event, err)
	}
	return Envelope{Room: roomKey, Event: event, Origin: origin, Data: data}, nil
}

// RevocationNotice is the payload on SubjectRevoke.
type RevocationNotice struct {
	Subject string `json:"subject,omitempty"`
	TokenID string `json:"token_id,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

// Config holds NATS connection settings.
type Config struct {
	URL           string        // nats://localhost:4222; empty disables the broker
	Name          string        // client name for identification
	ReconnectWait time.Duration // time between reconnect attempts
	MaxReconnects int           // max reconnect attempts (-1 for infinite)
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		URL:           nats.DefaultURL,
		Name:          "pulse-gateway",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1, // infinite reconnects
	}
}

// Adapter fans room envelopes out across gateway instances. When the broker
// is unreachable it degrades to local-only delivery: same-process members
// still receive events, and the connection is retried in the background. It
// never takes the gateway process down.
type Adapter struct {
	sink     func(Envelope) // local delivery, invoked for inbound envelopes
	onRevoke func(RevocationNotice)

	mu sync.RWMutex
	nc *nats.Conn
}

// New creates an Adapter that delivers inbound envelopes through sink and
// connects to NATS according to cfg. An unreachable broker is not an error:
// the client keeps retrying with backoff while the adapter serves local-only
// traffic. Only a malformed URL permanently disables the broker leg.
func New(cfg Config, sink func(Envelope)) *Adapter {
	a := &Adapter{sink: sink}

	if cfg.URL == "" {
		log.Printf("[broker] no URL configured, running local-only")
		return a
	}

	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.RetryOnFailedConnect(true),
		nats.ConnectHandler(func(nc *nats.Conn) {
			log.Printf("[broker] connected to %s", nc.ConnectedUrl())
		}),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Printf("[broker] disconnected, degrading to local-only delivery: %v", err)
			} else {
				log.Printf("[broker] disconnected, degrading to local-only delivery")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Printf("[broker] reconnected to %s, cross-instance delivery restored", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			log.Printf("[broker] connection closed")
		}),
	}

	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		// Connect only fails outright on unusable options/URL; transient
		// unreachability is covered by RetryOnFailedConnect above.
		log.Printf("[broker] connect %s failed, running local-only: %v", cfg.URL, err)
		return a
	}
	a.nc = nc

	// One wildcard subscription per process covers every room subject. NATS
	// dispatches a subscription's messages on a single goroutine, which
	// preserves per-publisher order end to end.
	if _, err := nc.Subscribe(roomSubjectPrefix+">", a.handleInbound); err != nil {
		log.Printf("[broker] room subscription failed: %v", err)
	}
	if _, err := nc.Subscribe(SubjectRevoke, a.handleRevoke); err != nil {
		log.Printf("[broker] revocation subscription failed: %v", err)
	}

	return a
}

// handleInbound deserializes a broker message and replays it into the local
// registry via the sink. Malformed envelopes are logged and dropped; a bad
// message from one publisher must not affect the subscription.
func (a *Adapter) handleInbound(msg *nats.Msg) {
	var env Envelope
	if err := json.Unmarshal(msg.Data, &env); err != nil {
		log.Printf("[broker] dropping malformed envelope on %s: %v", msg.Subject, err)
		return
	}
	a.sink(env)
}

// handleRevoke forwards a revocation notice to the registered callback.
func (a *Adapter) handleRevoke(msg *nats.Msg) {
	var notice RevocationNotice
	if err := json.Unmarshal(msg.Data, &notice); err != nil {
		log.Printf("[broker] dropping malformed revocation notice: %v", err)
		return
	}
	if cb := a.revokeCallback(); cb != nil {
		cb(notice)
	}
}

// OnRevocation registers the callback invoked for revocation notices.
func (a *Adapter) OnRevocation(fn func(RevocationNotice)) {
	a.mu.Lock()
	a.onRevoke = fn
	a.mu.Unlock()
}

func (a *Adapter) revokeCallback() func(RevocationNotice) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.onRevoke
}

// Connected reports whether the broker connection is currently up.
func (a *Adapter) Connected() bool {
	return a.nc != nil && a.nc.IsConnected()
}

// Publish makes env visible to every gateway instance, including this one:
// the message loops back through the process's own subscription, so callers
// never deliver locally themselves. If the broker is down the envelope is
// handed straight to the local sink instead and ErrUnavailable is returned;
// same-process members still receive the event, remote ones do not until
// the connection recovers. Nothing is replayed on recovery.
func (a *Adapter) Publish(env Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("broker: marshal envelope: %w", err)
	}

	if !a.Connected() {
		a.sink(env)
		return ErrUnavailable
	}

	if err := a.nc.Publish(roomSubjectPrefix+env.Room, data); err != nil {
		a.sink(env)
		return fmt.Errorf("broker: publish room=%s: %w", env.Room, err)
	}
	return nil
}

// Close drains the NATS connection. Safe to call in local-only mode.
func (a *Adapter) Close() {
	if a.nc == nil {
		return
	}
	if err := a.nc.Drain(); err != nil {
		log.Printf("[broker] connection drain: %v", err)
	}
	log.Printf("[broker] adapter closed")
}
