package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"botfleet/pkg/logx"
)

// openStores builds one store per driver so the contract tests run against
// both implementations.
func openStores(t *testing.T) map[string]Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "botfleet.db")
	sq, err := Open(Config{Driver: "sqlite", Path: dbPath, BusyTimeout: time.Second}, logx.Nop())
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = sq.Close() })
	return map[string]Store{
		"memory": NewMemory(),
		"sqlite": sq,
	}
}

func TestTenantRoundTrip(t *testing.T) {
	t.Parallel()
	for name, store := range openStores(t) {
		store := store
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			records := []TenantRecord{
				{ID: "t1", Token: "tok1", Name: "first", Active: true, ConfigJSON: `{"parse_mode":"HTML"}`},
				{ID: "t2", Token: "tok2", Name: "second", Active: false},
			}
			for _, rec := range records {
				if err := store.UpsertTenant(ctx, rec); err != nil {
					t.Fatalf("UpsertTenant(%s): %v", rec.ID, err)
				}
			}

			got, err := store.ActiveTenants(ctx)
			if err != nil {
				t.Fatalf("ActiveTenants: %v", err)
			}
			if len(got) != 1 || got[0].ID != "t1" {
				t.Fatalf("active tenants = %+v, want only t1", got)
			}
			if got[0].Token != "tok1" || got[0].ConfigJSON != `{"parse_mode":"HTML"}` {
				t.Fatalf("tenant fields lost: %+v", got[0])
			}

			// Upsert replaces, never duplicates.
			if err := store.UpsertTenant(ctx, TenantRecord{ID: "t1", Token: "rotated", Active: true}); err != nil {
				t.Fatalf("re-upsert: %v", err)
			}
			got, err = store.ActiveTenants(ctx)
			if err != nil {
				t.Fatalf("ActiveTenants: %v", err)
			}
			if len(got) != 1 || got[0].Token != "rotated" {
				t.Fatalf("after re-upsert = %+v, want rotated token", got)
			}
		})
	}
}

func TestTenantIDRequired(t *testing.T) {
	t.Parallel()
	for name, store := range openStores(t) {
		store := store
		t.Run(name, func(t *testing.T) {
			if err := store.UpsertTenant(context.Background(), TenantRecord{Token: "tok"}); err == nil {
				t.Fatal("expected error for empty tenant id")
			}
			if err := store.UpsertChatMembership(context.Background(), ChatMembership{ChatID: 1}); err == nil {
				t.Fatal("expected error for empty tenant id")
			}
		})
	}
}

func TestChatMembershipLifecycle(t *testing.T) {
	t.Parallel()
	for name, store := range openStores(t) {
		store := store
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			seed := []ChatMembership{
				{TenantID: "t1", ChatID: 10, ChatType: "private", Active: true},
				{TenantID: "t1", ChatID: 20, ChatType: "group", Active: true},
				{TenantID: "t2", ChatID: 10, ChatType: "private", Active: true},
			}
			for _, m := range seed {
				if err := store.UpsertChatMembership(ctx, m); err != nil {
					t.Fatalf("UpsertChatMembership: %v", err)
				}
			}

			got, err := store.ActiveChats(ctx, "t1")
			if err != nil {
				t.Fatalf("ActiveChats: %v", err)
			}
			if len(got) != 2 || got[0].ChatID != 10 || got[1].ChatID != 20 {
				t.Fatalf("t1 chats = %+v, want [10 20]", got)
			}
			if got[0].LastInteraction.IsZero() {
				t.Fatal("last interaction not defaulted")
			}

			// Deactivation hides the chat from broadcast targeting.
			if err := store.SetChatActive(ctx, "t1", 10, false); err != nil {
				t.Fatalf("deactivate: %v", err)
			}
			// Flipping a membership that was never recorded is a no-op.
			if err := store.SetChatActive(ctx, "t1", 999, false); err != nil {
				t.Fatalf("SetChatActive on missing row: %v", err)
			}
			got, err = store.ActiveChats(ctx, "t1")
			if err != nil {
				t.Fatalf("ActiveChats: %v", err)
			}
			if len(got) != 1 || got[0].ChatID != 20 {
				t.Fatalf("t1 chats after deactivate = %+v, want [20]", got)
			}

			// t2's membership for the same chat id is independent.
			got, err = store.ActiveChats(ctx, "t2")
			if err != nil {
				t.Fatalf("ActiveChats: %v", err)
			}
			if len(got) != 1 || got[0].ChatID != 10 {
				t.Fatalf("t2 chats = %+v, want [10]", got)
			}
		})
	}
}

func TestOpenUnknownDriver(t *testing.T) {
	t.Parallel()
	if _, err := Open(Config{Driver: "postgres"}, logx.Nop()); err == nil {
		t.Fatal("expected error for unknown driver")
	}
}
