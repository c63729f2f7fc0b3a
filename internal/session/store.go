// Package session tracks live connection presence in Redis so operators and
// sibling services can see which gateway instance holds which subject. The
// records are pure presence metadata: the connection itself is exclusively
// owned by the accepting process and is never shared.
package session

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// SessionPrefix is the Redis key prefix for all session hashes.
	SessionPrefix = "conn:"

	// SessionTTL is the time-to-live for session keys. Live connections
	// refresh it via Touch; a crashed instance's records age out on their
	// own.
	SessionTTL = 1 * time.Hour
)

// Session is the presence record for one live connection.
type Session struct {
	ID          string `redis:"id"`
	Subject     string `redis:"subject"`
	Tenant      string `redis:"tenant"`
	Namespace   string `redis:"namespace"`
	Server      string `redis:"server"` // which gateway instance holds the connection
	ConnectedAt int64  `redis:"connected_at"`
	LastActive  int64  `redis:"last_active"`
}

// Store manages connection presence records in Redis.
type Store struct {
	client     *redis.Client
	serverName string // identifier for this gateway instance
}

// NewStore creates a presence store connected to Redis.
func NewStore(redisAddr string, serverName string) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr: redisAddr,
	})

	// Verify connection.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("session: redis connection failed: %w", err)
	}

	return &Store{client: client, serverName: serverName}, nil
}

// Create stores a presence record for a freshly authenticated connection.
func (s *Store) Create(ctx context.Context, connID, subject, tenant, namespace string) error {
	if s == nil {
		return nil
	}
	key := SessionPrefix + connID
	now := time.Now().Unix()

	record := map[string]interface{}{
		"id":           connID,
		"subject":      subject,
		"tenant":       tenant,
		"namespace":    namespace,
		"server":       s.serverName,
		"connected_at": now,
		"last_active":  now,
	}

	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key, record)
	pipe.Expire(ctx, key, SessionTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// Get retrieves a presence record. Returns nil if not found.
func (s *Store) Get(ctx context.Context, connID string) (*Session, error) {
	key := SessionPrefix + connID
	var sess Session
	if err := s.client.HGetAll(ctx, key).Scan(&sess); err != nil {
		return nil, err
	}
	if sess.ID == "" {
		return nil, nil // not found
	}
	return &sess, nil
}

// Touch refreshes last_active and the TTL. Called by the heartbeat monitor.
func (s *Store) Touch(ctx context.Context, connID string) error {
	if s == nil {
		return nil
	}
	key := SessionPrefix + connID
	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key, "last_active", time.Now().Unix())
	pipe.Expire(ctx, key, SessionTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// Delete removes a presence record on disconnect.
func (s *Store) Delete(ctx context.Context, connID string) error {
	if s == nil {
		return nil
	}
	return s.client.Del(ctx, SessionPrefix+connID).Err()
}

// Close closes the Redis connection.
func (s *Store) Close() error {
	return s.client.Close()
}

// Client returns the underlying Redis client for use by other packages
// (revocation store, run tracker, rate limiter share the connection).
func (s *Store) Client() *redis.Client {
	return s.client
}
