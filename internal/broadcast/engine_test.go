package broadcast

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"botfleet/internal/storage"
	kit "botfleet/internal/transport"
	"botfleet/pkg/logx"
)

type fakeFleet struct {
	mu      sync.Mutex
	tenants []string
	// failChats maps chat ids whose sends always fail.
	failChats map[int64]bool
	// gate, when set, blocks every send until the channel yields.
	gate chan struct{}

	attempts map[int64]int
}

func newFakeFleet(tenants ...string) *fakeFleet {
	return &fakeFleet{
		tenants:   tenants,
		failChats: map[int64]bool{},
		attempts:  map[int64]int{},
	}
}

func (f *fakeFleet) TenantIDs() []string { return f.tenants }

func (f *fakeFleet) SendTo(ctx context.Context, tenantID string, chatID int64, text string, opt *kit.SendOptions) error {
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts[chatID]++
	if f.failChats[chatID] {
		return fmt.Errorf("send to %d failed", chatID)
	}
	return nil
}

func (f *fakeFleet) attemptCount(chatID int64) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.attempts[chatID]
}

func seedChats(t *testing.T, store storage.Store, tenantID string, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		err := store.UpsertChatMembership(context.Background(), storage.ChatMembership{
			TenantID: tenantID, ChatID: int64(i + 1), ChatType: "private", Active: true,
		})
		if err != nil {
			t.Fatalf("seed chat: %v", err)
		}
	}
}

func fastOptions() Options {
	return Options{BatchSize: 50, RetryCount: 1, RetryDelay: time.Millisecond}
}

func TestBroadcastReachesAllChats(t *testing.T) {
	t.Parallel()
	store := storage.NewMemory()
	seedChats(t, store, "t1", 120)
	fleet := newFakeFleet("t1")
	e := New(Config{BatchPause: time.Millisecond, RatePerSec: 10000}, store, fleet, logx.Nop())

	res := e.Broadcast(context.Background(), "t1", "hello", fastOptions())

	if res.Err != nil {
		t.Fatalf("broadcast error: %v", res.Err)
	}
	if res.Total != 120 || res.Sent != 120 || res.Failed != 0 {
		t.Fatalf("result = %+v, want total=sent=120", res)
	}
	if res.Sent+res.Failed != res.Total {
		t.Fatalf("accounting broken: %+v", res)
	}
	if res.JobID == "" {
		t.Fatal("missing job id")
	}

	st, ok := e.Status(res.JobID)
	if !ok {
		t.Fatal("job status not tracked")
	}
	if st.Running || st.Sent != 120 {
		t.Fatalf("status = %+v, want finished with 120 sent", st)
	}
}

func TestBroadcastNoActiveChats(t *testing.T) {
	t.Parallel()
	store := storage.NewMemory()
	e := New(Config{}, store, newFakeFleet("t1"), logx.Nop())

	res := e.Broadcast(context.Background(), "t1", "hello", fastOptions())
	if res.Total != 0 || res.Sent != 0 || res.Failed != 0 || res.Err != nil {
		t.Fatalf("result = %+v, want all-zero", res)
	}
}

func TestBroadcastRetriesThenFails(t *testing.T) {
	t.Parallel()
	store := storage.NewMemory()
	seedChats(t, store, "t1", 5)
	fleet := newFakeFleet("t1")
	fleet.failChats[3] = true
	e := New(Config{BatchPause: time.Millisecond, RatePerSec: 10000}, store, fleet, logx.Nop())

	opts := Options{BatchSize: 50, RetryCount: 3, RetryDelay: time.Millisecond}
	res := e.Broadcast(context.Background(), "t1", "hello", opts)

	if res.Sent != 4 || res.Failed != 1 {
		t.Fatalf("result = %+v, want sent=4 failed=1", res)
	}
	if res.Err != nil {
		t.Fatalf("per-chat failure must not set a broadcast-level error, got %v", res.Err)
	}
	if got := fleet.attemptCount(3); got != 3 {
		t.Fatalf("attempts for failing chat = %d, want 3", got)
	}
	if got := fleet.attemptCount(1); got != 1 {
		t.Fatalf("attempts for healthy chat = %d, want 1", got)
	}
}

func TestBroadcastPendingLimitFailsFast(t *testing.T) {
	t.Parallel()
	store := storage.NewMemory()
	seedChats(t, store, "t1", 2)
	fleet := newFakeFleet("t1")
	fleet.gate = make(chan struct{})
	e := New(Config{PendingLimit: 1, BatchPause: time.Millisecond, RatePerSec: 10000}, store, fleet, logx.Nop())

	done := make(chan Result, 1)
	go func() {
		done <- e.Broadcast(context.Background(), "t1", "hello", fastOptions())
	}()

	// Release the single admitted send; the second submission was already
	// rejected synchronously when the pending limit was hit.
	fleet.gate <- struct{}{}

	res := <-done
	if !errors.Is(res.Err, ErrQueueFull) {
		t.Fatalf("broadcast error = %v, want ErrQueueFull", res.Err)
	}
	if res.Sent != 1 || res.Failed != 1 {
		t.Fatalf("result = %+v, want sent=1 failed=1", res)
	}
	if res.Sent+res.Failed != res.Total {
		t.Fatalf("accounting broken: %+v", res)
	}
	if e.Pending() != 0 {
		t.Fatalf("pending after finish = %d, want 0", e.Pending())
	}
}

func TestBroadcastAllAggregates(t *testing.T) {
	t.Parallel()
	store := storage.NewMemory()
	seedChats(t, store, "t1", 2)
	for i := 0; i < 3; i++ {
		err := store.UpsertChatMembership(context.Background(), storage.ChatMembership{
			TenantID: "t2", ChatID: int64(100 + i), ChatType: "group", Active: true,
		})
		if err != nil {
			t.Fatalf("seed chat: %v", err)
		}
	}
	fleet := newFakeFleet("t1", "t2")
	e := New(Config{BatchPause: time.Millisecond, RatePerSec: 10000}, store, fleet, logx.Nop())

	agg := e.BroadcastAll(context.Background(), nil, "hello", fastOptions())

	if agg.Tenants != 2 || agg.Total != 5 || agg.Sent != 5 || agg.Failed != 0 {
		t.Fatalf("aggregate = %+v, want tenants=2 total=sent=5", agg)
	}
	if len(agg.Results) != 2 {
		t.Fatalf("per-tenant results = %d, want 2", len(agg.Results))
	}
}

func TestBroadcastInactiveChatsSkipped(t *testing.T) {
	t.Parallel()
	store := storage.NewMemory()
	seedChats(t, store, "t1", 3)
	err := store.UpsertChatMembership(context.Background(), storage.ChatMembership{
		TenantID: "t1", ChatID: 2, ChatType: "private", Active: false,
	})
	if err != nil {
		t.Fatalf("deactivate chat: %v", err)
	}
	fleet := newFakeFleet("t1")
	e := New(Config{BatchPause: time.Millisecond, RatePerSec: 10000}, store, fleet, logx.Nop())

	res := e.Broadcast(context.Background(), "t1", "hello", fastOptions())
	if res.Total != 2 || res.Sent != 2 {
		t.Fatalf("result = %+v, want 2 active chats only", res)
	}
	if got := fleet.attemptCount(2); got != 0 {
		t.Fatalf("inactive chat received %d sends, want 0", got)
	}
}

func TestEngineApplyRetunes(t *testing.T) {
	t.Parallel()
	store := storage.NewMemory()
	e := New(Config{PendingLimit: 5}, store, newFakeFleet(), logx.Nop())

	e.Apply(Config{PendingLimit: 1, RatePerSec: 1})
	cfg, limiter := e.snapshotCfg()
	if cfg.PendingLimit != 1 {
		t.Fatalf("pending limit = %d, want 1", cfg.PendingLimit)
	}
	if limiter == nil {
		t.Fatal("limiter not rebuilt")
	}
	// MaxConcurrent is pinned to the construction-time value.
	if cfg.MaxConcurrent != 64 {
		t.Fatalf("max concurrent = %d, want construction default 64", cfg.MaxConcurrent)
	}
}
