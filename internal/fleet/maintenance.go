package fleet

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"

	"botfleet/pkg/logx"
)

type maintenance struct {
	cron *cron.Cron
}

// StartMaintenance schedules the periodic reconcile job. No-op when the
// reconcile spec is empty or maintenance is already running.
func (m *Manager) StartMaintenance() error {
	if m.cfg.ReconcileSpec == "" {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.maint != nil {
		return nil
	}
	c := cron.New()
	_, err := c.AddFunc(m.cfg.ReconcileSpec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		m.Reconcile(ctx)
	})
	if err != nil {
		return err
	}
	c.Start()
	m.maint = &maintenance{cron: c}
	m.log.Info("maintenance scheduled", logx.String("spec", m.cfg.ReconcileSpec))
	return nil
}

func (m *Manager) stopMaintenance() {
	m.mu.Lock()
	maint := m.maint
	m.maint = nil
	m.mu.Unlock()
	if maint != nil {
		<-maint.cron.Stop().Done()
	}
}

// Reconcile rebuilds each tenant's slice of the chat index from persistence.
// The index is a cache; activations written by other processes (or missed
// under failure) converge here.
func (m *Manager) Reconcile(ctx context.Context) {
	start := time.Now()

	for _, tenantID := range m.TenantIDs() {
		chats, err := m.store.ActiveChats(ctx, tenantID)
		if err != nil {
			m.log.Warn("reconcile: chat fetch failed", logx.String("tenant", tenantID), logx.Err(err))
			continue
		}
		fresh := make(map[int64]struct{}, len(chats))
		for _, c := range chats {
			fresh[c.ChatID] = struct{}{}
		}

		m.mu.Lock()
		if _, still := m.tenants[tenantID]; !still {
			m.mu.Unlock()
			continue
		}
		for chatID := range fresh {
			m.indexAddLocked(chatID, tenantID)
		}
		for chatID, set := range m.chatIndex {
			if _, ok := set[tenantID]; !ok {
				continue
			}
			if _, ok := fresh[chatID]; !ok {
				m.indexRemoveLocked(chatID, tenantID)
			}
		}
		m.mu.Unlock()
	}

	m.mu.Lock()
	tenants := len(m.tenants)
	chats := len(m.chatIndex)
	m.mu.Unlock()

	m.log.Info("fleet reconciled",
		logx.Int("tenants", tenants),
		logx.Int("indexed_chats", chats),
		logx.Duration("took", time.Since(start)),
	)
}
