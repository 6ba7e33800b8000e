package reconcile

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"orderpulse/internal/logging"
)

func testLogger() *logging.Logger {
	logger := logging.New(false)
	logger.SetTerminalOutputEnabled(false)
	return logger
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestQueryCache_FetchAndGet(t *testing.T) {
	q := NewQueryCache(testLogger())
	defer q.Close()
	q.Register(KeyOrders, func(context.Context, string) (any, error) { return []string{"a"}, nil })
	q.Register("orders/*", func(_ context.Context, key string) (any, error) { return "detail:" + key, nil })

	if _, ok := q.Get(KeyOrders); ok {
		t.Fatalf("Get() before Fetch should miss")
	}
	if _, err := q.Fetch(context.Background(), KeyOrders); err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	got, ok := q.Get(KeyOrders)
	if !ok || len(got.([]string)) != 1 {
		t.Fatalf("Get() = %v, %v", got, ok)
	}

	detail, err := q.Fetch(context.Background(), "orders/7")
	if err != nil || detail != "detail:orders/7" {
		t.Fatalf("Fetch(orders/7) = %v, %v", detail, err)
	}
	if _, err := q.Fetch(context.Background(), "products"); !errors.Is(err, ErrNoFetcher) {
		t.Fatalf("Fetch(unregistered) error = %v, want ErrNoFetcher", err)
	}
}

func TestQueryCache_InvalidateOnlyRefetchesCachedKeys(t *testing.T) {
	q := NewQueryCache(testLogger())
	defer q.Close()
	var calls atomic.Int32
	q.Register(KeyOrders, func(context.Context, string) (any, error) {
		return int(calls.Add(1)), nil
	})

	if q.Invalidate(KeyOrders) {
		t.Fatalf("Invalidate() on an inactive query should be ignored")
	}
	if _, err := q.Fetch(context.Background(), KeyOrders); err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	updated := make(chan any, 4)
	q.OnUpdate(func(key string, value any) {
		if key == KeyOrders {
			updated <- value
		}
	})
	if !q.Invalidate(KeyOrders) {
		t.Fatalf("Invalidate() on an active query should schedule a refetch")
	}
	select {
	case value := <-updated:
		if value != 2 {
			t.Fatalf("refetched value = %v, want 2", value)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("refetch did not run")
	}
}

func TestQueryCache_InvalidationsCoalesce(t *testing.T) {
	q := NewQueryCache(testLogger())
	defer q.Close()

	var calls atomic.Int32
	release := make(chan struct{})
	q.Register(KeyOrders, func(context.Context, string) (any, error) {
		n := calls.Add(1)
		if n == 2 {
			<-release
		}
		return int(n), nil
	})
	if _, err := q.Fetch(context.Background(), KeyOrders); err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}

	q.Invalidate(KeyOrders)
	waitFor(t, "refetch to start", func() bool { return calls.Load() == 2 })
	for range 5 {
		q.Invalidate(KeyOrders)
	}
	close(release)

	waitFor(t, "trailing refetch", func() bool { return calls.Load() == 3 })
	time.Sleep(20 * time.Millisecond)
	if got := calls.Load(); got != 3 {
		t.Fatalf("fetch calls = %d, want 3 (initial, refetch, one coalesced pass)", got)
	}
	value, _ := q.Get(KeyOrders)
	if value != 3 {
		t.Fatalf("cached value = %v, want 3", value)
	}
}

func TestQueryCache_RefetchErrorKeepsStaleValue(t *testing.T) {
	q := NewQueryCache(testLogger())
	defer q.Close()
	boom := errors.New("backend down")
	var fail atomic.Bool
	var calls atomic.Int32
	q.Register(KeyPendingOrders, func(context.Context, string) (any, error) {
		calls.Add(1)
		if fail.Load() {
			return nil, boom
		}
		return "fresh", nil
	})
	if _, err := q.Fetch(context.Background(), KeyPendingOrders); err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}

	fail.Store(true)
	q.Invalidate(KeyPendingOrders)
	waitFor(t, "failed refetch", func() bool { return errors.Is(q.LastError(KeyPendingOrders), boom) })
	if value, _ := q.Get(KeyPendingOrders); value != "fresh" {
		t.Fatalf("cached value = %v, want stale value kept", value)
	}

	fail.Store(false)
	q.Invalidate(KeyPendingOrders)
	waitFor(t, "recovery", func() bool { return q.LastError(KeyPendingOrders) == nil })
}

func TestQueryCache_CloseStopsRefetches(t *testing.T) {
	q := NewQueryCache(testLogger())
	started := make(chan struct{}, 1)
	q.Register(KeyOrders, func(ctx context.Context, _ string) (any, error) {
		select {
		case started <- struct{}{}:
		default:
		}
		<-ctx.Done()
		return nil, ctx.Err()
	})
	q.mu.Lock()
	q.entries[KeyOrders] = &cacheEntry{value: "seed"}
	q.mu.Unlock()

	q.Invalidate(KeyOrders)
	<-started
	q.Close()
	q.Close()
	if q.Invalidate(KeyOrders) {
		t.Fatalf("Invalidate() after Close should be ignored")
	}
}
