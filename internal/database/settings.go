package database

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"

	"chatmux/internal/models"
)

// SetSetting stores one typed key/value row. Values are opaque to the core;
// the type tag lets callers round-trip non-string values.
func (d *Database) SetSetting(ctx context.Context, setting *models.Setting) error {
	if setting.Type == "" {
		setting.Type = models.SettingTypeString
	}
	_, err := d.db.ExecContext(ctx, `
		INSERT INTO settings (key, value, type, updated_at)
		VALUES (?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(key) DO UPDATE SET
			value = excluded.value,
			type = excluded.type,
			updated_at = CURRENT_TIMESTAMP
	`, setting.Key, setting.Value, setting.Type)
	if err != nil {
		return fmt.Errorf("failed to set setting: %w", err)
	}
	return nil
}

// GetSetting returns one setting row, or nil if the key is absent.
func (d *Database) GetSetting(ctx context.Context, key string) (*models.Setting, error) {
	var setting models.Setting
	err := d.db.QueryRowContext(ctx, `
		SELECT key, value, type FROM settings WHERE key = ?
	`, key).Scan(&setting.Key, &setting.Value, &setting.Type)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get setting: %w", err)
	}
	return &setting, nil
}

// GetAllSettings returns every stored setting.
func (d *Database) GetAllSettings(ctx context.Context) ([]models.Setting, error) {
	rows, err := d.db.QueryContext(ctx, `SELECT key, value, type FROM settings ORDER BY key`)
	if err != nil {
		return nil, fmt.Errorf("failed to query settings: %w", err)
	}
	defer rows.Close()

	var settings []models.Setting
	for rows.Next() {
		var s models.Setting
		if err := rows.Scan(&s.Key, &s.Value, &s.Type); err != nil {
			return nil, fmt.Errorf("failed to scan setting: %w", err)
		}
		settings = append(settings, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate settings: %w", err)
	}
	return settings, nil
}

// GetSettingBool is a convenience accessor for boolean settings.
func (d *Database) GetSettingBool(ctx context.Context, key string, fallback bool) (bool, error) {
	setting, err := d.GetSetting(ctx, key)
	if err != nil {
		return fallback, err
	}
	if setting == nil {
		return fallback, nil
	}
	v, err := strconv.ParseBool(setting.Value)
	if err != nil {
		return fallback, fmt.Errorf("setting %s is not a bool: %w", key, err)
	}
	return v, nil
}
