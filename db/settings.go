package db

import (
	"context"
	"fmt"

	"github.com/onnwee/live-router/models"
)

// GetSetting loads one app_config row.
func (s *Store) GetSetting(ctx context.Context, key string) (models.ConfigEntry, bool, error) {
	var e models.ConfigEntry
	err := s.DB.QueryRowContext(ctx,
		`SELECT key, value, is_secret, updated_by, created_at, updated_at FROM app_config WHERE key=$1`, key).
		Scan(&e.Key, &e.Value, &e.IsSecret, &e.UpdatedBy, &e.CreatedAt, &e.UpdatedAt)
	if isNoRows(err) {
		return models.ConfigEntry{}, false, nil
	}
	if err != nil {
		return models.ConfigEntry{}, false, fmt.Errorf("get setting %s: %w", key, err)
	}
	return e, true, nil
}

// UpsertSetting writes a row; the value is stored exactly as given.
func (s *Store) UpsertSetting(ctx context.Context, e models.ConfigEntry) error {
	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO app_config(key, value, is_secret, updated_by, created_at, updated_at)
		 VALUES($1,$2,$3,$4,NOW(),NOW())
		 ON CONFLICT(key) DO UPDATE SET
		   value=EXCLUDED.value,
		   is_secret=EXCLUDED.is_secret,
		   updated_by=EXCLUDED.updated_by,
		   updated_at=NOW()`,
		e.Key, e.Value, e.IsSecret, e.UpdatedBy)
	if err != nil {
		return fmt.Errorf("upsert setting %s: %w", e.Key, err)
	}
	return nil
}

// ListSettings returns every row ordered by key.
func (s *Store) ListSettings(ctx context.Context) ([]models.ConfigEntry, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT key, value, is_secret, updated_by, created_at, updated_at FROM app_config ORDER BY key`)
	if err != nil {
		return nil, fmt.Errorf("list settings: %w", err)
	}
	defer rows.Close()
	var out []models.ConfigEntry
	for rows.Next() {
		var e models.ConfigEntry
		if err := rows.Scan(&e.Key, &e.Value, &e.IsSecret, &e.UpdatedBy, &e.CreatedAt, &e.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// DeleteSetting removes a row; deleting a missing key is not an error.
func (s *Store) DeleteSetting(ctx context.Context, key string) error {
	if _, err := s.DB.ExecContext(ctx, `DELETE FROM app_config WHERE key=$1`, key); err != nil {
		return fmt.Errorf("delete setting %s: %w", key, err)
	}
	return nil
}
