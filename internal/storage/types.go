package storage

import (
	"context"
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// Driver values:
//   - "sqlite": SQLite database file (modernc, no cgo)
//   - "memory": in-process store (tests, ephemeral runs)
//
// If Driver is empty, "sqlite" is assumed.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// TenantRecord is the durable tenant row: one bot credential plus its
// formatting config blob.
type TenantRecord struct {
	ID         string
	Token      string
	Name       string
	Active     bool
	ConfigJSON string
}

// ChatMembership records that a chat is a known recipient for a tenant. The
// active flag is the source of truth for broadcast targeting.
type ChatMembership struct {
	TenantID        string
	ChatID          int64
	ChatType        string
	Active          bool
	LastInteraction time.Time
}

// Store is the persistence API used by the fleet manager and the broadcast
// engine.
type Store interface {
	ActiveTenants(ctx context.Context) ([]TenantRecord, error)
	ActiveChats(ctx context.Context, tenantID string) ([]ChatMembership, error)
	UpsertTenant(ctx context.Context, t TenantRecord) error
	UpsertChatMembership(ctx context.Context, m ChatMembership) error
	// SetChatActive flips the active flag on an existing membership. A
	// missing membership is a no-op.
	SetChatActive(ctx context.Context, tenantID string, chatID int64, active bool) error
	Close() error
}
