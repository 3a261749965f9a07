package ratelimit

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/keyforge/keyforge/internal/cache"
	"github.com/keyforge/keyforge/internal/config"
	"github.com/redis/go-redis/v9"
)

var testRedis *cache.Redis

func TestMain(m *testing.M) {
	if url := os.Getenv("TEST_REDIS_URL"); url != "" {
		r, err := cache.New(url)
		if err != nil {
			fmt.Fprintf(os.Stderr, "TEST_REDIS_URL set but unreachable: %v\n", err)
			os.Exit(1)
		}
		testRedis = r
	}

	code := m.Run()
	if testRedis != nil {
		testRedis.Close()
	}
	os.Exit(code)
}

func requireRedis(t *testing.T) *Limiter {
	t.Helper()
	if testRedis == nil {
		t.Skip("Skipping: TEST_REDIS_URL not set")
	}
	return NewLimiter(testRedis)
}

// identifier returns a fresh bucket identifier so tests never share state
func identifier() string {
	return uuid.NewString()
}

func TestCheckBurstThenDeny(t *testing.T) {
	limiter := requireRedis(t)
	cfg := config.ClassLimit{Limit: 5, WindowSeconds: 60}
	id := identifier()

	for i := 0; i < cfg.Limit; i++ {
		result := limiter.Check(context.Background(), "ip", id, cfg)
		if !result.Allowed {
			t.Fatalf("Request %d within limit was denied", i)
		}
		if want := int64(cfg.Limit - i - 1); result.Remaining != want {
			t.Fatalf("Request %d: expected %d remaining, got %d", i, want, result.Remaining)
		}
	}

	result := limiter.Check(context.Background(), "ip", id, cfg)
	if result.Allowed {
		t.Fatal("Request over limit was allowed")
	}
	if result.Remaining != 0 {
		t.Fatalf("Expected 0 remaining on denial, got %d", result.Remaining)
	}
	if !result.ResetAt.After(time.Now()) {
		t.Fatalf("Expected ResetAt in the future, got %v", result.ResetAt)
	}
}

// Refill is continuous: a fraction of the window earns a fraction of the
// token budget
func TestCheckContinuousRefill(t *testing.T) {
	limiter := requireRedis(t)
	cfg := config.ClassLimit{Limit: 10, WindowSeconds: 1}
	id := identifier()

	for i := 0; i < cfg.Limit; i++ {
		if result := limiter.Check(context.Background(), "ip", id, cfg); !result.Allowed {
			t.Fatalf("Request %d within limit was denied", i)
		}
	}
	if result := limiter.Check(context.Background(), "ip", id, cfg); result.Allowed {
		t.Fatal("Exhausted bucket still allowed a request")
	}

	// 300ms of a 1s window at limit 10 earns ~3 tokens.
	time.Sleep(300 * time.Millisecond)
	result := limiter.Check(context.Background(), "ip", id, cfg)
	if !result.Allowed {
		t.Fatal("Expected partial refill to admit a request")
	}
}

// A denied request must not reset the refill clock, or a steady stream of
// over-limit requests would starve the bucket forever
func TestCheckDenialDoesNotResetRefill(t *testing.T) {
	limiter := requireRedis(t)
	cfg := config.ClassLimit{Limit: 5, WindowSeconds: 1}
	id := identifier()

	for i := 0; i < cfg.Limit; i++ {
		limiter.Check(context.Background(), "ip", id, cfg)
	}

	// Hammer the exhausted bucket for most of a window.
	deadline := time.Now().Add(400 * time.Millisecond)
	for time.Now().Before(deadline) {
		limiter.Check(context.Background(), "ip", id, cfg)
		time.Sleep(20 * time.Millisecond)
	}

	// 400ms at 5 tokens/s has earned ~2 tokens despite the hammering.
	if result := limiter.Check(context.Background(), "ip", id, cfg); !result.Allowed {
		t.Fatal("Denied requests reset the refill clock")
	}
}

func TestReset(t *testing.T) {
	limiter := requireRedis(t)
	cfg := config.ClassLimit{Limit: 3, WindowSeconds: 60}
	id := identifier()

	for i := 0; i < cfg.Limit; i++ {
		limiter.Check(context.Background(), "api_key", id, cfg)
	}
	if result := limiter.Check(context.Background(), "api_key", id, cfg); result.Allowed {
		t.Fatal("Exhausted bucket still allowed a request")
	}

	if err := limiter.Reset(context.Background(), "api_key", id); err != nil {
		t.Fatalf("Reset failed: %v", err)
	}

	result := limiter.Check(context.Background(), "api_key", id, cfg)
	if !result.Allowed {
		t.Fatal("Expected full budget after reset")
	}
	if want := int64(cfg.Limit - 1); result.Remaining != want {
		t.Fatalf("Expected %d remaining after reset, got %d", want, result.Remaining)
	}
}

// Buckets are isolated per (class, identifier) pair
func TestCheckClassIsolation(t *testing.T) {
	limiter := requireRedis(t)
	cfg := config.ClassLimit{Limit: 2, WindowSeconds: 60}
	id := identifier()

	for i := 0; i < cfg.Limit; i++ {
		limiter.Check(context.Background(), "ip", id, cfg)
	}
	if result := limiter.Check(context.Background(), "ip", id, cfg); result.Allowed {
		t.Fatal("Exhausted ip bucket still allowed a request")
	}

	if result := limiter.Check(context.Background(), "api_key", id, cfg); !result.Allowed {
		t.Fatal("api_key bucket shared state with ip bucket")
	}
}

// With the store unreachable the limiter admits everything rather than
// turning a Redis outage into a validation outage. No live Redis required.
func TestCheckFailsOpen(t *testing.T) {
	dead := &cache.Redis{Client: redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 100 * time.Millisecond,
		MaxRetries:  -1,
	})}
	limiter := NewLimiter(dead)
	cfg := config.ClassLimit{Limit: 1, WindowSeconds: 60}

	for i := 0; i < 10; i++ {
		result := limiter.Check(context.Background(), "ip", "198.51.100.7", cfg)
		if !result.Allowed {
			t.Fatalf("Request %d was denied while the store is down", i)
		}
	}
}
