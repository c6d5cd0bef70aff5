package fleet

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"botfleet/internal/bot"
	"botfleet/internal/storage"
	kit "botfleet/internal/transport"
	"botfleet/pkg/logx"
)

var (
	ErrDuplicateTenant = errors.New("tenant already registered")
	ErrUnknownTenant   = errors.New("tenant not registered")
)

// AdapterFactory builds the platform adapter for one tenant credential.
// Injected so tests can run the fleet against fakes.
type AdapterFactory func(tenantID string, cfg TenantConfig) (kit.Adapter, error)

// TenantConfig is the per-tenant construction input.
type TenantConfig struct {
	Token     string
	Name      string
	ParseMode string
	// Setup registers the tenant's handlers and listeners on the freshly
	// constructed instance, before it is stored or started.
	Setup func(*bot.Instance)
}

type Config struct {
	// ReconcileSpec is the cron spec for the periodic index reconcile job.
	// Empty disables the job.
	ReconcileSpec string
}

// BatchResult summarizes a concurrent start/stop across tenants. Individual
// failures are collected, never fatal to the batch.
type BatchResult struct {
	Total  int
	OK     int
	Failed int
	Errors []error
}

// Manager owns the tenant map and the chat-id -> tenant-ids membership index.
//
// Constructed explicitly and passed to whatever needs it; there is no
// process-wide singleton. The index mutex is held briefly and never across a
// persistence or transport call.
type Manager struct {
	cfg        Config
	store      storage.Store
	newAdapter AdapterFactory
	log        logx.Logger

	mu        sync.Mutex
	tenants   map[string]*bot.Instance
	chatIndex map[int64]map[string]struct{}

	maint *maintenance
}

func New(cfg Config, store storage.Store, newAdapter AdapterFactory, log logx.Logger) *Manager {
	if log.IsZero() {
		log = logx.Nop()
	}
	m := &Manager{
		cfg:        cfg,
		store:      store,
		newAdapter: newAdapter,
		log:        log.With(logx.String("comp", "fleet")),
		tenants:    map[string]*bot.Instance{},
		chatIndex:  map[int64]map[string]struct{}{},
	}
	return m
}

// Register constructs and stores a new tenant. The second registration of
// the same id fails with ErrDuplicateTenant and leaves the first untouched.
func (m *Manager) Register(ctx context.Context, tenantID string, cfg TenantConfig) (*bot.Instance, error) {
	m.mu.Lock()
	_, exists := m.tenants[tenantID]
	m.mu.Unlock()
	if exists {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateTenant, tenantID)
	}

	adapter, err := m.newAdapter(tenantID, cfg)
	if err != nil {
		return nil, fmt.Errorf("tenant %s: adapter: %w", tenantID, err)
	}

	inst := bot.New(bot.Config{
		TenantID:  tenantID,
		Name:      cfg.Name,
		ParseMode: cfg.ParseMode,
	}, adapter, m.log)
	inst.SetChatSink(func(ctx context.Context, chatID int64, chatType string) {
		if err := m.UpdateChatActivity(ctx, tenantID, chatID, chatType, true); err != nil {
			m.log.Warn("chat membership upsert failed",
				logx.String("tenant", tenantID), logx.Int64("chat_id", chatID), logx.Err(err))
		}
	})
	if cfg.Setup != nil {
		cfg.Setup(inst)
	}

	// Load durable memberships before the tenant is visible.
	chats, err := m.store.ActiveChats(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("tenant %s: load chats: %w", tenantID, err)
	}

	m.mu.Lock()
	if _, exists := m.tenants[tenantID]; exists {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrDuplicateTenant, tenantID)
	}
	m.tenants[tenantID] = inst
	for _, c := range chats {
		m.indexAddLocked(c.ChatID, tenantID)
	}
	m.mu.Unlock()

	m.log.Info("tenant registered", logx.String("tenant", tenantID), logx.Int("chats", len(chats)))
	return inst, nil
}

// Unregister stops the tenant best-effort, scrubs its index entries, then
// removes it. Safe to call on a tenant whose startup never completed.
func (m *Manager) Unregister(ctx context.Context, tenantID string) error {
	m.mu.Lock()
	inst, ok := m.tenants[tenantID]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTenant, tenantID)
	}

	if err := inst.Stop(ctx); err != nil {
		m.log.Warn("tenant stop failed during unregister", logx.String("tenant", tenantID), logx.Err(err))
	}

	m.mu.Lock()
	for chatID, set := range m.chatIndex {
		delete(set, tenantID)
		if len(set) == 0 {
			delete(m.chatIndex, chatID)
		}
	}
	delete(m.tenants, tenantID)
	m.mu.Unlock()

	m.log.Info("tenant unregistered", logx.String("tenant", tenantID))
	return nil
}

// Get returns the live instance for a tenant id.
func (m *Manager) Get(tenantID string) (*bot.Instance, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inst, ok := m.tenants[tenantID]
	return inst, ok
}

// TenantIDs returns the registered tenant ids.
func (m *Manager) TenantIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.tenants))
	for id := range m.tenants {
		out = append(out, id)
	}
	return out
}

// TenantsForChat returns the tenant ids that consider chatID an active chat.
func (m *Manager) TenantsForChat(chatID int64) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	set := m.chatIndex[chatID]
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	return out
}

// LoadTenants restores every active tenant from persistence. Per-tenant
// failures are logged and skipped.
func (m *Manager) LoadTenants(ctx context.Context, setup func(tenantID string, inst *bot.Instance)) error {
	records, err := m.store.ActiveTenants(ctx)
	if err != nil {
		return fmt.Errorf("load tenants: %w", err)
	}
	for _, rec := range records {
		cfg := TenantConfig{Token: rec.Token, Name: rec.Name}
		if rec.ConfigJSON != "" {
			var blob struct {
				ParseMode string `json:"parse_mode"`
			}
			if err := json.Unmarshal([]byte(rec.ConfigJSON), &blob); err == nil {
				cfg.ParseMode = blob.ParseMode
			}
		}
		if setup != nil {
			id := rec.ID
			cfg.Setup = func(inst *bot.Instance) { setup(id, inst) }
		}
		if _, err := m.Register(ctx, rec.ID, cfg); err != nil {
			m.log.Error("failed to load tenant", logx.String("tenant", rec.ID), logx.Err(err))
		}
	}
	return nil
}

// RegisterDurable registers a tenant and persists its record, so it is
// restored by LoadTenants after a restart.
func (m *Manager) RegisterDurable(ctx context.Context, tenantID string, cfg TenantConfig) (*bot.Instance, error) {
	inst, err := m.Register(ctx, tenantID, cfg)
	if err != nil {
		return nil, err
	}
	blob, _ := json.Marshal(map[string]string{"parse_mode": cfg.ParseMode})
	rec := storage.TenantRecord{
		ID:         tenantID,
		Token:      cfg.Token,
		Name:       cfg.Name,
		Active:     true,
		ConfigJSON: string(blob),
	}
	if err := m.store.UpsertTenant(ctx, rec); err != nil {
		m.log.Warn("tenant record upsert failed", logx.String("tenant", tenantID), logx.Err(err))
	}
	return inst, nil
}

// Start starts a single tenant.
func (m *Manager) Start(ctx context.Context, tenantID string) error {
	inst, ok := m.Get(tenantID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTenant, tenantID)
	}
	return inst.Start(ctx)
}

// Stop stops a single tenant.
func (m *Manager) Stop(ctx context.Context, tenantID string) error {
	inst, ok := m.Get(tenantID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTenant, tenantID)
	}
	return inst.Stop(ctx)
}

// StartAll starts every tenant concurrently. Individual failures are
// collected in the result, never fatal to the batch.
func (m *Manager) StartAll(ctx context.Context) BatchResult {
	return m.forEach(ctx, "start", func(ctx context.Context, inst *bot.Instance) error {
		return inst.Start(ctx)
	})
}

// StopAll stops every tenant concurrently. A tenant that fails to stop
// cleanly is counted; shutdown notifications are emitted for all of them.
func (m *Manager) StopAll(ctx context.Context) BatchResult {
	return m.forEach(ctx, "stop", func(ctx context.Context, inst *bot.Instance) error {
		return inst.Stop(ctx)
	})
}

func (m *Manager) forEach(ctx context.Context, op string, fn func(context.Context, *bot.Instance) error) BatchResult {
	m.mu.Lock()
	insts := make([]*bot.Instance, 0, len(m.tenants))
	for _, inst := range m.tenants {
		insts = append(insts, inst)
	}
	m.mu.Unlock()

	res := BatchResult{Total: len(insts)}
	if len(insts) == 0 {
		return res
	}

	var wg sync.WaitGroup
	var resMu sync.Mutex
	for _, inst := range insts {
		inst := inst
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := fn(ctx, inst)
			resMu.Lock()
			if err != nil {
				res.Failed++
				res.Errors = append(res.Errors, fmt.Errorf("%s %s: %w", op, inst.TenantID(), err))
			} else {
				res.OK++
			}
			resMu.Unlock()
		}()
	}
	wg.Wait()

	if res.Failed > 0 {
		m.log.Error("batch finished with failures",
			logx.String("op", op), logx.Int("total", res.Total), logx.Int("failed", res.Failed))
	} else {
		m.log.Info("batch finished", logx.String("op", op), logx.Int("total", res.Total))
	}
	return res
}

// SendTo sends through the tenant's outbound facade. Used by the broadcast
// engine.
func (m *Manager) SendTo(ctx context.Context, tenantID string, chatID int64, text string, opt *kit.SendOptions) error {
	inst, ok := m.Get(tenantID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTenant, tenantID)
	}
	_, err := inst.SendText(ctx, chatID, text, opt)
	return err
}

// UpdateChatActivity persists the membership change first, then mutates the
// in-memory index. Deactivating the last tenant for a chat removes the chat
// entry entirely.
func (m *Manager) UpdateChatActivity(ctx context.Context, tenantID string, chatID int64, chatType string, active bool) error {
	var err error
	if active {
		err = m.store.UpsertChatMembership(ctx, storage.ChatMembership{
			TenantID: tenantID,
			ChatID:   chatID,
			ChatType: chatType,
			Active:   true,
		})
	} else {
		err = m.store.SetChatActive(ctx, tenantID, chatID, false)
	}
	if err != nil {
		return fmt.Errorf("persist chat membership: %w", err)
	}

	m.mu.Lock()
	inst := m.tenants[tenantID]
	if active {
		m.indexAddLocked(chatID, tenantID)
	} else {
		m.indexRemoveLocked(chatID, tenantID)
	}
	m.mu.Unlock()

	if !active && inst != nil {
		inst.ForgetChat(chatID)
	}
	return nil
}

func (m *Manager) indexAddLocked(chatID int64, tenantID string) {
	set := m.chatIndex[chatID]
	if set == nil {
		set = map[string]struct{}{}
		m.chatIndex[chatID] = set
	}
	set[tenantID] = struct{}{}
}

func (m *Manager) indexRemoveLocked(chatID int64, tenantID string) {
	set := m.chatIndex[chatID]
	if set == nil {
		return
	}
	delete(set, tenantID)
	if len(set) == 0 {
		delete(m.chatIndex, chatID)
	}
}

// Shutdown stops maintenance and every tenant. The store is owned by the
// caller and stays open.
func (m *Manager) Shutdown(ctx context.Context) BatchResult {
	m.stopMaintenance()
	return m.StopAll(ctx)
}
