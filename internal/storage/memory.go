package storage

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"
)

type chatKey struct {
	tenantID string
	chatID   int64
}

// Memory is an in-process Store for tests and storage-less runs.
type Memory struct {
	mu      sync.Mutex
	tenants map[string]TenantRecord
	chats   map[chatKey]ChatMembership
}

func NewMemory() *Memory {
	return &Memory{
		tenants: map[string]TenantRecord{},
		chats:   map[chatKey]ChatMembership{},
	}
}

func (m *Memory) ActiveTenants(ctx context.Context) ([]TenantRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []TenantRecord
	for _, t := range m.tenants {
		if t.Active {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) ActiveChats(ctx context.Context, tenantID string) ([]ChatMembership, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []ChatMembership
	for _, c := range m.chats {
		if c.TenantID == tenantID && c.Active {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ChatID < out[j].ChatID })
	return out, nil
}

func (m *Memory) UpsertTenant(ctx context.Context, t TenantRecord) error {
	if strings.TrimSpace(t.ID) == "" {
		return errors.New("tenant id is required")
	}
	m.mu.Lock()
	m.tenants[t.ID] = t
	m.mu.Unlock()
	return nil
}

func (m *Memory) UpsertChatMembership(ctx context.Context, c ChatMembership) error {
	if strings.TrimSpace(c.TenantID) == "" {
		return errors.New("tenant id is required")
	}
	if c.LastInteraction.IsZero() {
		c.LastInteraction = time.Now()
	}
	m.mu.Lock()
	m.chats[chatKey{tenantID: c.TenantID, chatID: c.ChatID}] = c
	m.mu.Unlock()
	return nil
}

func (m *Memory) SetChatActive(ctx context.Context, tenantID string, chatID int64, active bool) error {
	if strings.TrimSpace(tenantID) == "" {
		return errors.New("tenant id is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	key := chatKey{tenantID: tenantID, chatID: chatID}
	c, ok := m.chats[key]
	if !ok {
		return nil
	}
	c.Active = active
	c.LastInteraction = time.Now()
	m.chats[key] = c
	return nil
}

func (m *Memory) Close() error { return nil }
