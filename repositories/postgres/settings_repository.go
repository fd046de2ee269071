package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/atlasconnect/pam/repositories"
	"go.uber.org/zap"
)

// SettingsRepository implements repositories.SettingsRepository over app_settings
type SettingsRepository struct {
	db     *DB
	logger *zap.Logger
}

// NewSettingsRepository creates a new settings repository
func NewSettingsRepository(db *DB, logger *zap.Logger) *SettingsRepository {
	return &SettingsRepository{db: db, logger: logger}
}

var _ repositories.SettingsRepository = (*SettingsRepository)(nil)

// Get returns the JSON value stored under key
func (r *SettingsRepository) Get(ctx context.Context, key string) (json.RawMessage, error) {
	var value []byte
	err := GetExecutor(ctx, r.db).QueryRowContext(ctx,
		`SELECT value FROM app_settings WHERE key = $1`, key,
	).Scan(&value)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, repositories.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get setting %s: %w", key, err)
	}
	return json.RawMessage(value), nil
}

// Put upserts the JSON value stored under key
func (r *SettingsRepository) Put(ctx context.Context, key string, value json.RawMessage) error {
	query := `
		INSERT INTO app_settings (key, value, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = now()
	`
	if _, err := GetExecutor(ctx, r.db).ExecContext(ctx, query, key, string(value)); err != nil {
		return fmt.Errorf("failed to put setting %s: %w", key, err)
	}
	r.logger.Debug("setting stored", zap.String("key", key))
	return nil
}
