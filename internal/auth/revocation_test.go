package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

// newTestRevocationStore connects to a local Redis and cleans up test keys.
// Tests that call this helper require a running Redis on localhost:6379.
func newTestRevocationStore(t *testing.T) *RevocationStore {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("redis not available: %v", err)
	}
	cleanup := func() {
		iter := client.Scan(ctx, 0, RevokedPrefix+"test_*", 100).Iterator()
		for iter.Next(ctx) {
			client.Del(ctx, iter.Val())
		}
	}
	cleanup()
	t.Cleanup(func() {
		cleanup()
		client.Close()
	})
	return NewRevocationStore(client)
}

func TestRevokeAndCheck(t *testing.T) {
	store := newTestRevocationStore(t)
	ctx := context.Background()

	if err := store.Revoke(ctx, "test_jti1", "offboarded", time.Minute); err != nil {
		t.Fatalf("Revoke() error: %v", err)
	}

	revoked, err := store.IsRevoked(ctx, "test_jti1")
	if err != nil {
		t.Fatalf("IsRevoked() error: %v", err)
	}
	if !revoked {
		t.Fatal("expected revoked=true")
	}
}

func TestIsRevoked_AnyIDMatches(t *testing.T) {
	store := newTestRevocationStore(t)
	ctx := context.Background()

	// Revocation by subject catches every token that subject holds.
	store.Revoke(ctx, "test_subject1", "offboarded", time.Minute)

	revoked, err := store.IsRevoked(ctx, "test_unknown_jti", "test_subject1")
	if err != nil {
		t.Fatalf("IsRevoked() error: %v", err)
	}
	if !revoked {
		t.Fatal("expected subject-level revocation to match")
	}
}

func TestIsRevoked_NotRevoked(t *testing.T) {
	store := newTestRevocationStore(t)

	revoked, err := store.IsRevoked(context.Background(), "test_clean")
	if err != nil {
		t.Fatalf("IsRevoked() error: %v", err)
	}
	if revoked {
		t.Fatal("expected revoked=false for untouched id")
	}
}

func TestIsRevoked_EmptyIDs(t *testing.T) {
	store := newTestRevocationStore(t)

	revoked, err := store.IsRevoked(context.Background(), "", "")
	if err != nil || revoked {
		t.Fatalf("empty ids must report not revoked, got revoked=%v err=%v", revoked, err)
	}
}

func TestRevocationStore_NilClient(t *testing.T) {
	store := NewRevocationStore(nil)
	ctx := context.Background()

	if err := store.Revoke(ctx, "x", "r", 0); err != nil {
		t.Errorf("nil-client Revoke must be a no-op, got %v", err)
	}
	revoked, err := store.IsRevoked(ctx, "x")
	if err != nil || revoked {
		t.Errorf("nil-client store never reports revocations, got revoked=%v err=%v", revoked, err)
	}
}

func TestVerify_RevokedToken(t *testing.T) {
	store := newTestRevocationStore(t)
	ctx := context.Background()

	c := validClaims()
	c.ID = "test_revoked_jti"
	tok := mintToken(t, testSecret, c)

	store.Revoke(ctx, "test_revoked_jti", "compromised", time.Minute)

	v := NewVerifier(testSecret, store)
	if _, err := v.Verify(ctx, tok); !errors.Is(err, ErrTokenRevoked) {
		t.Fatalf("expected ErrTokenRevoked, got %v", err)
	}
}
