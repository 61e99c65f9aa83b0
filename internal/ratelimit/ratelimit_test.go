package ratelimit

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestLimiter(t *testing.T, rpm int) (*Limiter, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	cli := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = cli.Close() })
	return New(cli, rpm), mr
}

func TestLimiter_AllowsUnderLimit(t *testing.T) {
	l, _ := newTestLimiter(t, 10)

	for i := 0; i < 10; i++ {
		ok, err := l.Allow(context.Background(), "caller-a")
		if err != nil {
			t.Fatalf("Allow: %v", err)
		}
		if !ok {
			t.Fatalf("request %d should be allowed", i+1)
		}
	}
}

func TestLimiter_BlocksOverLimit(t *testing.T) {
	l, _ := newTestLimiter(t, 3)

	for i := 0; i < 3; i++ {
		if ok, _ := l.Allow(context.Background(), "caller-a"); !ok {
			t.Fatalf("request %d should be allowed", i+1)
		}
	}

	ok, err := l.Allow(context.Background(), "caller-a")
	if err != nil {
		t.Fatalf("Allow: %v", err)
	}
	if ok {
		t.Error("request over the limit should be blocked")
	}
}

func TestLimiter_CallersAreIndependent(t *testing.T) {
	l, _ := newTestLimiter(t, 2)

	// Exhaust caller-a's budget.
	l.Allow(context.Background(), "caller-a")
	l.Allow(context.Background(), "caller-a")
	if ok, _ := l.Allow(context.Background(), "caller-a"); ok {
		t.Fatal("caller-a should be exhausted")
	}

	// caller-b still has its own budget.
	if ok, _ := l.Allow(context.Background(), "caller-b"); !ok {
		t.Error("one caller's burst must not starve another")
	}
}

func TestLimiter_EmptyCallerSharesGlobalBucket(t *testing.T) {
	l, mr := newTestLimiter(t, 2)

	l.Allow(context.Background(), "")
	l.Allow(context.Background(), "")
	if ok, _ := l.Allow(context.Background(), ""); ok {
		t.Error("anonymous requests share one global bucket")
	}

	found := false
	for _, k := range mr.Keys() {
		if len(k) > len(keyPrefix+globalCaller) && k[:len(keyPrefix+globalCaller)] == keyPrefix+globalCaller {
			found = true
		}
	}
	if !found {
		t.Error("anonymous requests should count under the global key")
	}
}

func TestLimiter_FailsOpenWhenRedisDown(t *testing.T) {
	l, mr := newTestLimiter(t, 1)
	mr.Close()

	ok, err := l.Allow(context.Background(), "caller-a")
	if err != nil {
		t.Fatalf("Allow should swallow redis errors, got %v", err)
	}
	if !ok {
		t.Error("limiter should fail open when redis is unreachable")
	}
}
