package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

// newTestLimiter connects to a local Redis and flushes leftover test keys.
// Tests that call this helper require a running Redis on localhost:6379.
func newTestLimiter(t *testing.T) *Limiter {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("redis not available: %v", err)
	}
	cleanup := func() {
		for _, prefix := range []string{"rl:msg:test_*", "rl:conn:test_*"} {
			iter := client.Scan(ctx, 0, prefix, 100).Iterator()
			for iter.Next(ctx) {
				client.Del(ctx, iter.Val())
			}
		}
	}
	cleanup()
	t.Cleanup(func() {
		cleanup()
		client.Close()
	})
	return NewLimiter(client)
}

func TestAllow_NilClientAlwaysAllows(t *testing.T) {
	l := NewLimiter(nil)
	for i := 0; i < RuleMessage.Limit*2; i++ {
		ok, err := l.Allow(context.Background(), "anyone", RuleMessage)
		if err != nil || !ok {
			t.Fatalf("nil-client limiter must always allow, got ok=%v err=%v", ok, err)
		}
	}
}

func TestAllow_NilLimiterAllows(t *testing.T) {
	var l *Limiter
	ok, err := l.Allow(context.Background(), "anyone", RuleConnect)
	if err != nil || !ok {
		t.Fatalf("nil limiter must allow, got ok=%v err=%v", ok, err)
	}
}

func TestAllow_WithinLimit(t *testing.T) {
	l := newTestLimiter(t)
	ctx := context.Background()
	rule := Rule{Key: "rl:msg:", Limit: 5, Window: 10 * time.Second}

	for i := 0; i < rule.Limit; i++ {
		ok, err := l.Allow(ctx, "test_within", rule)
		if err != nil {
			t.Fatalf("Allow() error: %v", err)
		}
		if !ok {
			t.Fatalf("request %d unexpectedly limited", i+1)
		}
	}
}

func TestAllow_OverLimit(t *testing.T) {
	l := newTestLimiter(t)
	ctx := context.Background()
	rule := Rule{Key: "rl:msg:", Limit: 3, Window: 10 * time.Second}

	for i := 0; i < rule.Limit; i++ {
		l.Allow(ctx, "test_over", rule)
	}

	ok, err := l.Allow(ctx, "test_over", rule)
	if err != nil {
		t.Fatalf("Allow() error: %v", err)
	}
	if ok {
		t.Fatal("expected request over the limit to be denied")
	}
}

func TestAllow_IndependentIdentifiers(t *testing.T) {
	l := newTestLimiter(t)
	ctx := context.Background()
	rule := Rule{Key: "rl:msg:", Limit: 1, Window: 10 * time.Second}

	l.Allow(ctx, "test_indep_a", rule)
	if ok, _ := l.Allow(ctx, "test_indep_a", rule); ok {
		t.Fatal("expected a exhausted")
	}
	if ok, _ := l.Allow(ctx, "test_indep_b", rule); !ok {
		t.Fatal("b must have its own window")
	}
}

func TestRemaining(t *testing.T) {
	l := newTestLimiter(t)
	ctx := context.Background()
	rule := Rule{Key: "rl:msg:", Limit: 10, Window: 10 * time.Second}

	// Untouched identifier has the full budget.
	n, err := l.Remaining(ctx, "test_remaining", rule)
	if err != nil {
		t.Fatalf("Remaining() error: %v", err)
	}
	if n != rule.Limit {
		t.Errorf("expected remaining=%d, got %d", rule.Limit, n)
	}

	l.Allow(ctx, "test_remaining", rule)
	l.Allow(ctx, "test_remaining", rule)

	n, err = l.Remaining(ctx, "test_remaining", rule)
	if err != nil {
		t.Fatalf("Remaining() error: %v", err)
	}
	if n != rule.Limit-2 {
		t.Errorf("expected remaining=%d, got %d", rule.Limit-2, n)
	}
}

func TestAllow_WindowHasTTL(t *testing.T) {
	l := newTestLimiter(t)
	ctx := context.Background()
	rule := Rule{Key: "rl:conn:", Limit: 3, Window: 30 * time.Second}

	l.Allow(ctx, "test_ttl", rule)

	ttl, err := l.client.TTL(ctx, rule.Key+"test_ttl").Result()
	if err != nil {
		t.Fatalf("TTL() error: %v", err)
	}
	if ttl <= 0 || ttl > rule.Window {
		t.Errorf("expected TTL in (0,%v], got %v", rule.Window, ttl)
	}
}
