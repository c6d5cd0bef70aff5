package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"botfleet/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	st := &sqliteStore{db: db, log: log}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) ActiveTenants(ctx context.Context) ([]TenantRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, token, name, active, config_json FROM tenants WHERE active = 1 ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []TenantRecord
	for rows.Next() {
		var t TenantRecord
		var active int
		if err := rows.Scan(&t.ID, &t.Token, &t.Name, &active, &t.ConfigJSON); err != nil {
			return nil, err
		}
		t.Active = active != 0
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *sqliteStore) ActiveChats(ctx context.Context, tenantID string) ([]ChatMembership, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT tenant_id, chat_id, chat_type, active, last_interaction
		 FROM chat_memberships WHERE tenant_id = ? AND active = 1 ORDER BY chat_id`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ChatMembership
	for rows.Next() {
		var m ChatMembership
		var active int
		var last string
		if err := rows.Scan(&m.TenantID, &m.ChatID, &m.ChatType, &active, &last); err != nil {
			return nil, err
		}
		m.Active = active != 0
		if ts, err := time.Parse(time.RFC3339Nano, last); err == nil {
			m.LastInteraction = ts
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *sqliteStore) UpsertTenant(ctx context.Context, t TenantRecord) error {
	if strings.TrimSpace(t.ID) == "" {
		return errors.New("tenant id is required")
	}
	if t.ConfigJSON == "" {
		t.ConfigJSON = "{}"
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tenants(id, token, name, active, config_json) VALUES(?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET
		   token=excluded.token, name=excluded.name,
		   active=excluded.active, config_json=excluded.config_json`,
		t.ID, t.Token, t.Name, boolInt(t.Active), t.ConfigJSON,
	)
	return err
}

func (s *sqliteStore) UpsertChatMembership(ctx context.Context, m ChatMembership) error {
	if strings.TrimSpace(m.TenantID) == "" {
		return errors.New("tenant id is required")
	}
	if m.LastInteraction.IsZero() {
		m.LastInteraction = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO chat_memberships(tenant_id, chat_id, chat_type, active, last_interaction)
		 VALUES(?,?,?,?,?)
		 ON CONFLICT(tenant_id, chat_id) DO UPDATE SET
		   chat_type=excluded.chat_type, active=excluded.active,
		   last_interaction=excluded.last_interaction`,
		m.TenantID, m.ChatID, m.ChatType, boolInt(m.Active), m.LastInteraction.Format(time.RFC3339Nano),
	)
	return err
}

func (s *sqliteStore) SetChatActive(ctx context.Context, tenantID string, chatID int64, active bool) error {
	if strings.TrimSpace(tenantID) == "" {
		return errors.New("tenant id is required")
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE chat_memberships SET active = ?, last_interaction = ?
		 WHERE tenant_id = ? AND chat_id = ?`,
		boolInt(active), time.Now().Format(time.RFC3339Nano), tenantID, chatID,
	)
	return err
}

func boolInt(v bool) int {
	if v {
		return 1
	}
	return 0
}
