package ws

import (
	"fmt"
	"log"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/dealdesk/pulse/internal/auth"
	"github.com/dealdesk/pulse/internal/metrics"
	"github.com/dealdesk/pulse/internal/room"
)

// Session is the view of a connection that namespace handlers and the room
// registry operate on. *Connection implements it; tests substitute fakes.
type Session interface {
	room.Member
	Identity() auth.Identity
	Namespace() string
}

// Connection represents a single WebSocket client connection. Outbound
// frames flow through a bounded send channel drained by a dedicated writer
// goroutine; when the channel is full the connection is dropped rather than
// letting a slow consumer stall room fan-out.
type Connection struct {
	id           string
	identity     auth.Identity
	namespace    string
	conn         net.Conn
	send         chan []byte
	done         chan struct{}
	closed       atomic.Bool
	closeOnce    sync.Once
	writeMu      sync.Mutex // serializes frames from the writer loop and control pings
	writeTimeout time.Duration

	CreatedAt  time.Time
	lastActive atomic.Int64 // unix nano of the last successful read
}

// NewConnection wraps an upgraded network connection. queueSize bounds the
// outbound channel; writeTimeout bounds every write, data and control frames
// alike. The writer loop must be started separately with StartWriter.
func NewConnection(id string, identity auth.Identity, namespace string, conn net.Conn, queueSize int, writeTimeout time.Duration) *Connection {
	c := &Connection{
		id:           id,
		identity:     identity,
		namespace:    namespace,
		conn:         conn,
		send:         make(chan []byte, queueSize),
		done:         make(chan struct{}),
		writeTimeout: writeTimeout,
		CreatedAt:    time.Now(),
	}
	c.touch()
	return c
}

// ID returns the connection's opaque ID.
func (c *Connection) ID() string { return c.id }

// Identity returns the verified identity attached at handshake time.
func (c *Connection) Identity() auth.Identity { return c.identity }

// Namespace returns the protocol surface this connection speaks.
func (c *Connection) Namespace() string { return c.namespace }

// Closed reports whether the connection has been closed.
func (c *Connection) Closed() bool { return c.closed.Load() }

// Send enqueues a text frame for delivery. It never blocks: if the outbound
// queue is saturated the connection is closed (backpressure drop) and an
// error is returned so the room registry prunes the membership. Per-room
// fan-out to the remaining members is unaffected.
func (c *Connection) Send(data []byte) error {
	if c.closed.Load() {
		return fmt.Errorf("ws: connection %s is closed", c.id)
	}
	select {
	case c.send <- data:
		return nil
	default:
		metrics.BackpressureDrops.Inc()
		log.Printf("ws: outbound queue saturated, dropping connection=%s namespace=%s", c.id, c.namespace)
		c.Close()
		return fmt.Errorf("ws: connection %s outbound queue saturated", c.id)
	}
}

// StartWriter runs the writer loop draining the send channel. It exits when
// the connection is closed or a write fails.
func (c *Connection) StartWriter() {
	go func() {
		for {
			select {
			case <-c.done:
				return
			case data := <-c.send:
				c.writeMu.Lock()
				c.setWriteDeadline()
				err := wsutil.WriteServerMessage(c.conn, ws.OpText, data)
				c.writeMu.Unlock()
				if err != nil {
					log.Printf("ws: write failed connection=%s: %v", c.id, err)
					c.Close()
					return
				}
			}
		}
	}()
}

// setWriteDeadline arms the write deadline on the transport. Caller holds
// writeMu. Every write path goes through this: a peer that stops reading must
// never pin a writer (or the heartbeat sweep) indefinitely.
func (c *Connection) setWriteDeadline() {
	if c.writeTimeout > 0 {
		_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
}

// WritePing sends a WebSocket protocol-level ping frame (opcode 0x9) on the
// connection, bypassing the send queue. The write mutex ensures it does not
// interleave with data frames.
func (c *Connection) WritePing() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.setWriteDeadline()
	return ws.WriteFrame(c.conn, ws.NewPingFrame(nil))
}

// writePong answers a client-initiated protocol ping.
func (c *Connection) writePong(payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.setWriteDeadline()
	return ws.WriteFrame(c.conn, ws.NewPongFrame(payload))
}

// Close marks the connection closed and closes the underlying network
// connection. Safe to call from any goroutine, any number of times.
func (c *Connection) Close() {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		close(c.done)
		_ = c.conn.Close()
	})
}

// touch records read activity for heartbeat staleness checks.
func (c *Connection) touch() {
	c.lastActive.Store(time.Now().UnixNano())
}

// LastActive returns the time of the last successful read on the connection.
func (c *Connection) LastActive() time.Time {
	return time.Unix(0, c.lastActive.Load())
}

// ConnectionManager is a thread-safe registry mapping connection IDs to live
// Connection objects for one gateway process. Admission against the
// connection cap goes through Reserve so concurrent handshakes cannot
// overshoot it.
type ConnectionManager struct {
	mu       sync.RWMutex
	byID     map[string]*Connection
	reserved int // slots claimed by in-flight handshakes
}

// NewConnectionManager creates an empty ConnectionManager ready for use.
func NewConnectionManager() *ConnectionManager {
	return &ConnectionManager{byID: make(map[string]*Connection)}
}

// Reserve claims a slot against the cap for an in-flight handshake. Returns
// false when active plus reserved slots have reached max. A successful
// reservation is consumed by Add or returned with Release.
func (cm *ConnectionManager) Reserve(max int) bool {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	if len(cm.byID)+cm.reserved >= max {
		return false
	}
	cm.reserved++
	return true
}

// Release returns a reservation whose handshake did not complete.
func (cm *ConnectionManager) Release() {
	cm.mu.Lock()
	if cm.reserved > 0 {
		cm.reserved--
	}
	cm.mu.Unlock()
}

// Add registers a new connection, consuming its reservation if one is held.
func (cm *ConnectionManager) Add(conn *Connection) {
	cm.mu.Lock()
	cm.byID[conn.id] = conn
	if cm.reserved > 0 {
		cm.reserved--
	}
	cm.mu.Unlock()
}

// Remove removes a connection by ID. Returns true if the connection was
// found and removed, false if it was already gone. The guard prevents
// double cleanup when goroutines race to remove the same connection
// (read error + heartbeat timeout + backpressure drop).
func (cm *ConnectionManager) Remove(id string) bool {
	cm.mu.Lock()
	_, ok := cm.byID[id]
	if ok {
		delete(cm.byID, id)
	}
	cm.mu.Unlock()
	return ok
}

// Get returns the connection for the given ID, or nil if not found.
func (cm *ConnectionManager) Get(id string) *Connection {
	cm.mu.RLock()
	conn := cm.byID[id]
	cm.mu.RUnlock()
	return conn
}

// Count returns the current number of active connections.
func (cm *ConnectionManager) Count() int {
	cm.mu.RLock()
	n := len(cm.byID)
	cm.mu.RUnlock()
	return n
}

// All returns a snapshot of all current connections. The returned slice is
// safe to iterate without holding the lock.
func (cm *ConnectionManager) All() []*Connection {
	cm.mu.RLock()
	conns := make([]*Connection, 0, len(cm.byID))
	for _, conn := range cm.byID {
		conns = append(conns, conn)
	}
	cm.mu.RUnlock()
	return conns
}
