package fleet

import (
	"context"
	"testing"

	"botfleet/internal/storage"
	kit "botfleet/internal/transport"
	"botfleet/pkg/logx"
)

func TestReconcileConvergesIndex(t *testing.T) {
	t.Parallel()
	m, store := newTestManager(t, nil)
	ctx := context.Background()

	if _, err := m.Register(ctx, "t1", TenantConfig{Token: "tok"}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := m.UpdateChatActivity(ctx, "t1", 1, "private", true); err != nil {
		t.Fatalf("UpdateChatActivity: %v", err)
	}

	// An activation written behind the manager's back is picked up, a
	// deactivation removes the stale index entry.
	err := store.UpsertChatMembership(ctx, storage.ChatMembership{
		TenantID: "t1", ChatID: 2, ChatType: "group", Active: true,
	})
	if err != nil {
		t.Fatalf("seed external activation: %v", err)
	}
	err = store.UpsertChatMembership(ctx, storage.ChatMembership{
		TenantID: "t1", ChatID: 1, ChatType: "private", Active: false,
	})
	if err != nil {
		t.Fatalf("seed external deactivation: %v", err)
	}

	m.Reconcile(ctx)

	if got := m.TenantsForChat(2); len(got) != 1 || got[0] != "t1" {
		t.Fatalf("TenantsForChat(2) = %v, want [t1]", got)
	}
	if got := m.TenantsForChat(1); len(got) != 0 {
		t.Fatalf("TenantsForChat(1) = %v, want empty after reconcile", got)
	}
}

func TestStartMaintenanceRejectsBadSpec(t *testing.T) {
	t.Parallel()
	store := storage.NewMemory()
	factory := func(tenantID string, cfg TenantConfig) (kit.Adapter, error) {
		return &fakeAdapter{}, nil
	}
	m := New(Config{ReconcileSpec: "not a cron spec"}, store, factory, logx.Nop())
	if err := m.StartMaintenance(); err == nil {
		t.Fatal("expected error for invalid cron spec")
	}
}

func TestStartMaintenanceNoopWithoutSpec(t *testing.T) {
	t.Parallel()
	m, _ := newTestManager(t, nil)
	if err := m.StartMaintenance(); err != nil {
		t.Fatalf("StartMaintenance with empty spec: %v", err)
	}
}
