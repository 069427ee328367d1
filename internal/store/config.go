package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/p-blackswan/knowledge-agent/pkg/kvstore"
)

// Store implements kvstore.Store over the tenant_config table.
var _ kvstore.Store = (*Store)(nil)

// Get reads one tenant setting.
func (s *Store) Get(ctx context.Context, tenantID, key string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var value string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM tenant_config WHERE tenant_id = ? AND key = ?`,
		tenantID, key,
	).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", kvstore.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to read tenant config: %w", err)
	}
	return value, nil
}

// Set writes one tenant setting.
func (s *Store) Set(ctx context.Context, tenantID, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
	INSERT INTO tenant_config (tenant_id, key, value, updated_at) VALUES (?, ?, ?, ?)
	ON CONFLICT (tenant_id, key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		tenantID, key, value, time.Now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to write tenant config: %w", err)
	}
	return nil
}
