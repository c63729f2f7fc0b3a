// Package ws handles WebSocket connection management for the gateway:
// upgrading HTTP connections, authenticating the handshake, maintaining
// active sessions, and dispatching inbound frames to the namespace handler
// that owns each connection.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"

	"github.com/dealdesk/pulse/internal/auth"
	"github.com/dealdesk/pulse/internal/metrics"
	"github.com/dealdesk/pulse/internal/protocol"
	"github.com/dealdesk/pulse/internal/ratelimit"
	"github.com/dealdesk/pulse/internal/room"
	"github.com/dealdesk/pulse/internal/session"
)

// Handler is the capability interface a namespace implements. The server
// guarantees OnMessage is called sequentially per connection, in receipt
// order, and that OnDisconnect runs exactly once before room membership is
// torn down.
type Handler interface {
	Namespace() string
	OnConnect(s Session)
	OnMessage(s Session, data []byte)
	OnDisconnect(s Session)
}

// ServerConfig holds tunable parameters for the WebSocket server.
type ServerConfig struct {
	ListenAddr     string        // address to listen on, e.g. ":8080"
	MaxConnections int           // hard cap on total connections
	SendQueueSize  int           // per-connection outbound queue bound
	WriteTimeout   time.Duration // timeout for WebSocket write operations
	AllowedOrigins []string      // Origin allow-list; empty allows all
	ServerName     string        // instance identifier for presence records
}

// DefaultServerConfig returns a ServerConfig with sensible production
// defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		ListenAddr:     ":8080",
		MaxConnections: 100000,
		SendQueueSize:  64,
		WriteTimeout:   10 * time.Second,
	}
}

// Server is the WebSocket gateway front-end built on gobwas/ws. Each
// accepted connection gets one reader goroutine (sequential inbound
// processing) and one writer goroutine (bounded outbound queue).
type Server struct {
	config    ServerConfig
	hbConfig  HeartbeatConfig
	verifier  *auth.Verifier
	registry  *room.Registry
	sessions  *session.Store // Redis-backed presence, may be nil
	limiter   *ratelimit.Limiter
	handlers  map[string]Handler
	conns     *ConnectionManager
	brokerUp  func() bool
	extras    map[string]http.Handler
	httpSrv   *http.Server
	done      chan struct{}
	startedAt time.Time
}

// NewServer creates a Server wired to the given collaborators. Namespace
// handlers are attached with RegisterHandler before Start.
func NewServer(config ServerConfig, verifier *auth.Verifier, registry *room.Registry, sessions *session.Store, limiter *ratelimit.Limiter) *Server {
	return &Server{
		config:   config,
		hbConfig: DefaultHeartbeatConfig(),
		verifier: verifier,
		registry: registry,
		sessions: sessions,
		limiter:  limiter,
		handlers: make(map[string]Handler),
		conns:    NewConnectionManager(),
		brokerUp: func() bool { return false },
		extras:   make(map[string]http.Handler),
		done:     make(chan struct{}),
	}
}

// RegisterHandler attaches a namespace handler. The upgrade path is
// "/" + handler.Namespace().
func (s *Server) RegisterHandler(h Handler) {
	s.handlers[h.Namespace()] = h
}

// RegisterRoute mounts an additional HTTP handler on the server mux (e.g.
// the internal publish endpoint).
func (s *Server) RegisterRoute(pattern string, h http.Handler) {
	s.extras[pattern] = h
}

// SetBrokerStatus registers the probe reported by the health endpoint.
func (s *Server) SetBrokerStatus(fn func() bool) {
	s.brokerUp = fn
}

// SetHeartbeat overrides the heartbeat tuning. Must be called before Start.
func (s *Server) SetHeartbeat(config HeartbeatConfig) {
	s.hbConfig = config
}

// Routes builds the HTTP mux: one upgrade endpoint per registered namespace
// plus health, metrics, and any extra routes.
func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	for namespace, handler := range s.handlers {
		ns, h := namespace, handler
		mux.HandleFunc("/"+ns, func(w http.ResponseWriter, r *http.Request) {
			s.handleUpgrade(w, r, ns, h)
		})
	}
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", metrics.Handler())
	for pattern, h := range s.extras {
		mux.Handle(pattern, h)
	}
	return mux
}

// Start begins accepting WebSocket connections and blocks on
// http.Server.ListenAndServe. The heartbeat monitor runs in the background
// until Shutdown.
func (s *Server) Start() error {
	s.startedAt = time.Now()

	s.httpSrv = &http.Server{
		Addr:    s.config.ListenAddr,
		Handler: s.Routes(),
	}

	StartHeartbeat(s, s.hbConfig)

	log.Printf("ws: server listening on %s (namespaces=%d, max_conns=%d, send_queue=%d)",
		s.config.ListenAddr, len(s.handlers), s.config.MaxConnections, s.config.SendQueueSize)

	if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// originAllowed checks the Origin header against the allow-list. Requests
// without an Origin header (non-browser clients) are always allowed.
func (s *Server) originAllowed(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(s.config.AllowedOrigins) == 0 {
		return true
	}
	for _, allowed := range s.config.AllowedOrigins {
		if origin == allowed {
			return true
		}
	}
	return false
}

// handleUpgrade authenticates and upgrades an HTTP request. Authentication
// runs before the upgrade: a failed handshake is refused with 401 and no
// connection state of any kind is created.
func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request, namespace string, handler Handler) {
	if !s.originAllowed(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	// Claim a slot before doing any work; Add consumes the reservation, so
	// racing handshakes cannot overshoot the cap.
	if !s.conns.Reserve(s.config.MaxConnections) {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}
	admitted := false
	defer func() {
		if !admitted {
			s.conns.Release()
		}
	}()

	identity, err := s.verifier.Verify(r.Context(), auth.BearerToken(r))
	if err != nil {
		metrics.AuthFailures.WithLabelValues(authFailureReason(err)).Inc()
		log.Printf("ws: handshake rejected namespace=%s: %v", namespace, err)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	if allowed, _ := s.limiter.Allow(r.Context(), identity.Subject, ratelimit.RuleConnect); !allowed {
		log.Printf("ws: connect rate limited subject=%s", identity.Subject)
		http.Error(w, "too many connection attempts", http.StatusTooManyRequests)
		return
	}

	// Browser clients carry the bearer token as a subprotocol pair
	// ("jwt", "<token>"); selecting and echoing "jwt" completes the
	// negotiation the WebSocket API requires when protocols were offered.
	upgrader := ws.HTTPUpgrader{
		Protocol: func(proto string) bool { return proto == auth.SubprotocolBearer },
	}
	conn, _, _, err := upgrader.Upgrade(r, w)
	if err != nil {
		log.Printf("ws: upgrade failed namespace=%s subject=%s: %v", namespace, identity.Subject, err)
		return
	}

	c := NewConnection(uuid.New().String(), *identity, namespace, conn, s.config.SendQueueSize, s.config.WriteTimeout)
	s.conns.Add(c)
	admitted = true
	metrics.ConnectionsActive.WithLabelValues(namespace).Inc()

	// Record presence in Redis.
	if s.sessions != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		if err := s.sessions.Create(ctx, c.ID(), identity.Subject, identity.Tenant, namespace); err != nil {
			log.Printf("ws: failed to create presence record for %s: %v", c.ID(), err)
		}
		cancel()
	}

	// Auto-join the identity room so server-initiated per-user pushes need
	// no explicit subscribe call.
	if err := s.registry.Join(c, room.UserRoom(identity.Subject)); err != nil {
		log.Printf("ws: auto-join failed connection=%s: %v", c.ID(), err)
	}

	handler.OnConnect(c)

	c.StartWriter()
	go s.readLoop(c, handler)

	log.Printf("ws: new connection=%s namespace=%s subject=%s (total=%d)",
		c.ID(), namespace, identity.Subject, s.conns.Count())
}

// readLoop processes inbound frames for one connection sequentially, in
// receipt order. The read deadline doubles as the idle budget: a peer that
// answers neither data nor heartbeat pings within interval+timeout is
// evicted.
func (s *Server) readLoop(c *Connection, handler Handler) {
	idle := s.hbConfig.Interval + s.hbConfig.Timeout

	for {
		if idle > 0 {
			_ = c.conn.SetReadDeadline(time.Now().Add(idle))
		}

		header, reader, err := wsutil.NextReader(c.conn, ws.StateServerSide)
		if err != nil {
			s.RemoveConnection(c, readCloseReason(err))
			return
		}

		// Any frame proves the connection is alive.
		c.touch()

		if header.OpCode.IsControl() {
			payload := make([]byte, header.Length)
			if header.Length > 0 {
				if _, err := io.ReadFull(reader, payload); err != nil {
					s.RemoveConnection(c, "control read error")
					return
				}
			}
			switch header.OpCode {
			case ws.OpClose:
				s.RemoveConnection(c, "client close")
				return
			case ws.OpPing:
				if err := c.writePong(payload); err != nil {
					s.RemoveConnection(c, "pong write error")
					return
				}
			}
			// Pong: nothing else to do.
			continue
		}

		data := make([]byte, header.Length)
		if header.Length > 0 {
			if _, err := io.ReadFull(reader, data); err != nil {
				s.RemoveConnection(c, "read error")
				return
			}
		}
		if len(data) == 0 {
			continue
		}

		if allowed, _ := s.limiter.Allow(context.Background(), c.ID(), ratelimit.RuleMessage); !allowed {
			resp, _ := protocol.NewServerMessage(protocol.TypeError, protocol.ErrorMsg{
				Code: "rate_limited", Message: "message rate limit exceeded",
			})
			_ = c.Send(resp)
			continue
		}

		s.dispatch(c, handler, data)
	}
}

// dispatch answers application-level pings directly and hands everything
// else to the namespace handler.
func (s *Server) dispatch(c *Connection, handler Handler, data []byte) {
	var peek struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &peek); err == nil && peek.Type == protocol.TypePing {
		resp, err := protocol.NewServerMessage(protocol.TypePong, protocol.PongMsg{})
		if err == nil {
			_ = c.Send(resp)
		}
		return
	}

	handler.OnMessage(c, data)
}

// RemoveConnection tears a connection down: it closes the transport,
// notifies the namespace handler, leaves every joined room, and deletes the
// presence record. The manager guard makes it safe under racing callers.
func (s *Server) RemoveConnection(c *Connection, reason string) {
	if !s.conns.Remove(c.ID()) {
		return
	}

	c.Close()
	metrics.ConnectionsActive.WithLabelValues(c.Namespace()).Dec()

	// Let the handler broadcast departure signals (e.g. presence "left")
	// before membership is torn down.
	if handler, ok := s.handlers[c.Namespace()]; ok {
		handler.OnDisconnect(c)
	}

	left := s.registry.LeaveAll(c)

	if s.sessions != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		if err := s.sessions.Delete(ctx, c.ID()); err != nil {
			log.Printf("ws: failed to delete presence record for %s: %v", c.ID(), err)
		}
		cancel()
	}

	log.Printf("ws: connection closed id=%s namespace=%s reason=%q rooms_left=%d (total=%d)",
		c.ID(), c.Namespace(), reason, len(left), s.conns.Count())
}

// Connections returns the ConnectionManager for external access (heartbeat,
// force-close on revocation).
func (s *Server) Connections() *ConnectionManager {
	return s.conns
}

// ForceCloseSubject drops every live connection held by the given subject.
// Used when the backend revokes a user's tokens mid-session.
func (s *Server) ForceCloseSubject(subject, reason string) int {
	closed := 0
	for _, c := range s.conns.All() {
		if c.Identity().Subject == subject {
			s.RemoveConnection(c, reason)
			closed++
		}
	}
	return closed
}

// handleHealth responds with the server's health status as JSON: a liveness
// probe for orchestration, independent of the socket layer.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	broker := "degraded"
	if s.brokerUp() {
		broker = "connected"
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	resp := struct {
		Status      string `json:"status"`
		Connections int    `json:"connections"`
		Broker      string `json:"broker"`
		Uptime      string `json:"uptime"`
	}{
		Status:      "ok",
		Connections: s.conns.Count(),
		Broker:      broker,
		Uptime:      time.Since(s.startedAt).Round(time.Second).String(),
	}

	_ = json.NewEncoder(w).Encode(resp)
}

// Shutdown performs a graceful shutdown: it stops the HTTP listener, halts
// the heartbeat, and tears down all active connections.
func (s *Server) Shutdown() error {
	log.Println("ws: shutting down server...")

	close(s.done)

	if s.httpSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			log.Printf("ws: http shutdown error: %v", err)
		}
	}

	for _, c := range s.conns.All() {
		s.RemoveConnection(c, "server shutdown")
	}

	log.Printf("ws: server stopped, all connections closed")
	return nil
}

// authFailureReason maps an auth error to its metrics label.
func authFailureReason(err error) string {
	switch {
	case errors.Is(err, auth.ErrTokenMissing):
		return "missing"
	case errors.Is(err, auth.ErrTokenExpired):
		return "expired"
	case errors.Is(err, auth.ErrTokenRevoked):
		return "revoked"
	default:
		return "invalid"
	}
}

// readCloseReason classifies a reader error for the disconnect log line.
func readCloseReason(err error) string {
	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return "idle timeout"
	}
	if errors.Is(err, io.EOF) {
		return "peer closed"
	}
	return "read error"
}
