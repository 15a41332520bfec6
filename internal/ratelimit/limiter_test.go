package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

func setupLimiter(t *testing.T) (*Limiter, context.Context) {
	t.Helper()

	rdb := redis.NewClient(&redis.Options{
		Addr: "localhost:6379",
		DB:   15,
	})

	ctx := context.Background()
	if err := rdb.Ping(ctx).Err(); err != nil {
		t.Skipf("skipping: Redis not available: %v", err)
	}
	rdb.FlushDB(ctx)

	t.Cleanup(func() {
		rdb.FlushDB(ctx)
		rdb.Close()
	})

	return NewLimiter(rdb), ctx
}

func TestConnectRule(t *testing.T) {
	if got := ConnectRule(0); got != RuleConnect {
		t.Errorf("ConnectRule(0) = %+v, want default", got)
	}
	if got := ConnectRule(3); got.Limit != 3 || got.Key != RuleConnect.Key {
		t.Errorf("ConnectRule(3) = %+v", got)
	}
}

func TestAllowAndRemaining(t *testing.T) {
	limiter, ctx := setupLimiter(t)
	rule := Rule{Key: "rl:test:", Limit: 2, Window: time.Minute}

	if n, err := limiter.Remaining(ctx, "10.0.0.1", rule); err != nil || n != 2 {
		t.Fatalf("Remaining() = %d, %v; want 2", n, err)
	}

	for i := 0; i < 2; i++ {
		ok, err := limiter.Allow(ctx, "10.0.0.1", rule)
		if err != nil || !ok {
			t.Fatalf("Allow() #%d = %v, %v; want allowed", i+1, ok, err)
		}
	}
	if ok, _ := limiter.Allow(ctx, "10.0.0.1", rule); ok {
		t.Error("expected third request to be limited")
	}
	if n, _ := limiter.Remaining(ctx, "10.0.0.1", rule); n != 0 {
		t.Errorf("Remaining() = %d, want 0", n)
	}

	// Other identifiers have their own window.
	if ok, _ := limiter.Allow(ctx, "10.0.0.2", rule); !ok {
		t.Error("expected a different IP to be allowed")
	}
}

func TestAdmission(t *testing.T) {
	limiter, ctx := setupLimiter(t)
	admit := limiter.Admission(ConnectRule(1))

	if !admit(ctx, "192.0.2.7") {
		t.Fatal("expected first connection admitted")
	}
	if admit(ctx, "192.0.2.7") {
		t.Error("expected second connection rejected")
	}
}
