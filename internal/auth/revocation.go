package auth

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// RevokedPrefix is the Redis key prefix for revocation records. A record
	// may be keyed by token ID (jti) or by subject, so the backend can pull
	// a single token or everything a user holds.
	//
	//	Key:   revoked:<jti|subject>
	//	Value: <reason>
	//	TTL:   at least the longest token lifetime still in flight
	RevokedPrefix = "revoked:"

	// DefaultRevocationTTL keeps a record around long enough to outlive any
	// token minted before the revocation.
	DefaultRevocationTTL = 24 * time.Hour
)

// RevocationStore tracks revoked tokens and subjects in Redis so that all
// gateway instances refuse them at handshake time.
type RevocationStore struct {
	client *redis.Client
}

// NewRevocationStore creates a RevocationStore using the provided Redis
// client. A nil client yields a store that never reports a revocation.
func NewRevocationStore(client *redis.Client) *RevocationStore {
	return &RevocationStore{client: client}
}

// Revoke records a revocation for the given token ID or subject. A zero ttl
// falls back to DefaultRevocationTTL.
func (s *RevocationStore) Revoke(ctx context.Context, id, reason string, ttl time.Duration) error {
	if s.client == nil || id == "" {
		return nil
	}
	if ttl <= 0 {
		ttl = DefaultRevocationTTL
	}
	return s.client.Set(ctx, RevokedPrefix+id, reason, ttl).Err()
}

// IsRevoked reports whether any of the given IDs (token IDs or subjects) has
// been revoked. Empty IDs are skipped. On Redis errors it fails open.
func (s *RevocationStore) IsRevoked(ctx context.Context, ids ...string) (bool, error) {
	if s.client == nil {
		return false, nil
	}

	keys := make([]string, 0, len(ids))
	for _, id := range ids {
		if id != "" {
			keys = append(keys, RevokedPrefix+id)
		}
	}
	if len(keys) == 0 {
		return false, nil
	}

	n, err := s.client.Exists(ctx, keys...).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
