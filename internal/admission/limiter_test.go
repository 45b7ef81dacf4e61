package admission

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestLimiterBoundsConcurrentAdmission(t *testing.T) {
	l := New(2, nil)
	ctx := context.Background()

	if !l.TryAcquire(ctx) {
		t.Fatal("first acquire should succeed")
	}
	if !l.TryAcquire(ctx) {
		t.Fatal("second acquire should succeed")
	}
	if l.TryAcquire(ctx) {
		t.Fatal("third acquire should be rejected at max_connections=2")
	}

	l.Release(ctx)
	if !l.TryAcquire(ctx) {
		t.Fatal("acquire should succeed again after a release")
	}
}

func TestLimiterUnboundedWhenZero(t *testing.T) {
	l := New(0, nil)
	ctx := context.Background()
	for i := 0; i < 1000; i++ {
		if !l.TryAcquire(ctx) {
			t.Fatalf("unbounded limiter rejected acquire #%d", i)
		}
	}
}

func TestLimiterWithSharedRedisCounter(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	shared := NewRedisCounter(client, "mailcore:admission:test", 1, 0)
	l := New(5, shared)
	ctx := context.Background()

	if !l.TryAcquire(ctx) {
		t.Fatal("first acquire should succeed under shared budget of 1")
	}
	if l.TryAcquire(ctx) {
		t.Fatal("second acquire should be rejected by the shared counter even though the local semaphore has room")
	}

	l.Release(ctx)
	if !l.TryAcquire(ctx) {
		t.Fatal("acquire should succeed again after release frees the shared slot")
	}
}
