package main

import (
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/dealdesk/pulse/internal/aistream"
	"github.com/dealdesk/pulse/internal/auth"
	"github.com/dealdesk/pulse/internal/broker"
	"github.com/dealdesk/pulse/internal/collab"
	"github.com/dealdesk/pulse/internal/metrics"
	"github.com/dealdesk/pulse/internal/notifications"
	"github.com/dealdesk/pulse/internal/protocol"
	"github.com/dealdesk/pulse/internal/publish"
	"github.com/dealdesk/pulse/internal/ratelimit"
	"github.com/dealdesk/pulse/internal/room"
	"github.com/dealdesk/pulse/internal/session"
	"github.com/dealdesk/pulse/internal/ws"
)

func main() {
	config := ws.DefaultServerConfig()

	if addr := os.Getenv("LISTEN_ADDR"); addr != "" {
		config.ListenAddr = addr
	}
	if v := os.Getenv("MAX_CONNECTIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			config.MaxConnections = n
		}
	}
	if v := os.Getenv("SEND_QUEUE_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			config.SendQueueSize = n
		}
	}
	if v := os.Getenv("WRITE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			config.WriteTimeout = d
		}
	}
	if v := os.Getenv("ALLOWED_ORIGINS"); v != "" {
		for _, origin := range strings.Split(v, ",") {
			if origin = strings.TrimSpace(origin); origin != "" {
				config.AllowedOrigins = append(config.AllowedOrigins, origin)
			}
		}
	}

	serverName, _ := os.Hostname()
	if v := os.Getenv("SERVER_NAME"); v != "" {
		serverName = v
	}
	if serverName == "" {
		serverName = "gateway-1"
	}
	config.ServerName = serverName

	// JWT_SECRET is the only hard configuration requirement: without it no
	// handshake can ever be verified.
	jwtSecret := os.Getenv("JWT_SECRET")
	if jwtSecret == "" {
		log.Fatalf("JWT_SECRET is required")
	}

	internalToken := os.Getenv("INTERNAL_TOKEN")
	if internalToken == "" {
		log.Printf("INTERNAL_TOKEN not set, /internal/publish is disabled")
	}

	// --- Redis (presence, revocation, rate limiting, run state) ---
	redisAddr := "localhost:6379"
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		redisAddr = v
	}
	sessionStore, err := session.NewStore(redisAddr, serverName)
	if err != nil {
		log.Fatalf("failed to connect to Redis: %v", err)
	}

	// --- NATS broker ---
	brokerConfig := broker.DefaultConfig()
	if natsURL := os.Getenv("NATS_URL"); natsURL != "" {
		brokerConfig.URL = natsURL
	}

	log.Printf("Pulse gateway starting")
	log.Printf("  listen_addr:     %s", config.ListenAddr)
	log.Printf("  max_connections: %d", config.MaxConnections)
	log.Printf("  send_queue:      %d", config.SendQueueSize)
	log.Printf("  write_timeout:   %s", config.WriteTimeout)
	log.Printf("  allowed_origins: %v", config.AllowedOrigins)
	log.Printf("  nats_url:        %s", brokerConfig.URL)
	log.Printf("  redis_addr:      %s", redisAddr)
	log.Printf("  server_name:     %s", serverName)

	registry := room.NewRegistry()

	// Inbound broker envelopes become wire frames broadcast to local room
	// members; the origin connection (if any) is excluded so client-emitted
	// signals are never echoed to their sender.
	sink := func(env broker.Envelope) {
		frame, err := protocol.EventFrame(env.Event, env.Data)
		if err != nil {
			log.Printf("[sink] dropping event=%s room=%s: %v", env.Event, env.Room, err)
			return
		}
		delivered := registry.BroadcastLocal(env.Room, frame, env.Origin)
		metrics.DeliveriesTotal.Add(float64(delivered))
	}

	adapter := broker.New(brokerConfig, sink)

	revocations := auth.NewRevocationStore(sessionStore.Client())
	verifier := auth.NewVerifier([]byte(jwtSecret), revocations)
	limiter := ratelimit.NewLimiter(sessionStore.Client())
	tracker := aistream.NewTracker(sessionStore.Client())
	publisher := publish.New(adapter, tracker)

	server := ws.NewServer(config, verifier, registry, sessionStore, limiter)
	heartbeat := ws.DefaultHeartbeatConfig()
	if v := os.Getenv("READ_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			heartbeat.Timeout = d
		}
	}
	server.SetHeartbeat(heartbeat)
	server.RegisterHandler(notifications.NewHandler(registry))
	server.RegisterHandler(collab.NewHandler(registry, adapter))
	server.RegisterHandler(aistream.NewHandler(registry, adapter))
	server.SetBrokerStatus(adapter.Connected)
	if internalToken != "" {
		server.RegisterRoute("/internal/publish", publish.HTTPHandler(publisher, internalToken))
	}

	// Revocation notices force-close live connections; new handshakes are
	// refused by the verifier against the Redis revocation list.
	adapter.OnRevocation(func(notice broker.RevocationNotice) {
		if notice.Subject == "" {
			log.Printf("[revoke] notice without subject token_id=%s, nothing to close", notice.TokenID)
			return
		}
		closed := server.ForceCloseSubject(notice.Subject, "token revoked")
		log.Printf("[revoke] subject=%s reason=%q closed=%d", notice.Subject, notice.Reason, closed)
	})

	// Keep the broker gauge current for dashboards and alerting.
	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for range ticker.C {
			if adapter.Connected() {
				metrics.BrokerConnected.Set(1)
			} else {
				metrics.BrokerConnected.Set(0)
			}
		}
	}()

	// Graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.Printf("received signal %v, initiating graceful shutdown...", sig)
		adapter.Close()
		if err := server.Shutdown(); err != nil {
			log.Printf("shutdown error: %v", err)
		}
		if err := sessionStore.Close(); err != nil {
			log.Printf("session store close error: %v", err)
		}
		os.Exit(0)
	}()

	if err := server.Start(); err != nil {
		log.Fatalf("server error: %v", err)
	}
}
