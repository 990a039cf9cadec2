package storage

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/azure/mentions-sync/internal/models"
	"github.com/lib/pq"
	"github.com/sirupsen/logrus"
)

const (
	SettingAutoSyncEnabled    = "auto_sync_enabled"
	SettingSyncPlatforms      = "sync_platforms"
	SettingMaxMentionsPerSync = "max_mentions_per_sync"
)

// GetSyncSettings reads the global sync settings. Missing or malformed keys keep the given defaults.
func (p *Postgres) GetSyncSettings(ctx context.Context, defaults models.SyncSettings) (models.SyncSettings, error) {
	settings := defaults
	settings.SyncPlatforms = append([]string(nil), defaults.SyncPlatforms...)

	rows, err := p.db.QueryContext(ctx, `SELECT key, value FROM settings WHERE key = ANY($1)`,
		pq.Array([]string{SettingAutoSyncEnabled, SettingSyncPlatforms, SettingMaxMentionsPerSync}))
	if err != nil {
		return defaults, fmt.Errorf("reading settings: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			key   string
			value []byte
		)
		if err := rows.Scan(&key, &value); err != nil {
			return defaults, fmt.Errorf("reading settings: %w", err)
		}

		var target any
		switch key {
		case SettingAutoSyncEnabled:
			target = &settings.AutoSyncEnabled
		case SettingSyncPlatforms:
			target = &settings.SyncPlatforms
		case SettingMaxMentionsPerSync:
			target = &settings.MaxMentionsPerSync
		default:
			continue
		}
		if err := json.Unmarshal(value, target); err != nil {
			logrus.Warnf("Ignoring malformed setting %s: %v", key, err)
		}
	}
	if err := rows.Err(); err != nil {
		return defaults, fmt.Errorf("reading settings: %w", err)
	}

	if settings.MaxMentionsPerSync <= 0 {
		settings.MaxMentionsPerSync = defaults.MaxMentionsPerSync
	}
	return settings, nil
}

// PutSetting upserts a single settings key
func (p *Postgres) PutSetting(ctx context.Context, key string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encoding setting %s: %w", key, err)
	}
	_, err = p.db.ExecContext(ctx, `
INSERT INTO settings (key, value, updated_at) VALUES ($1, $2, NOW())
ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = NOW()`, key, data)
	if err != nil {
		return fmt.Errorf("writing setting %s: %w", key, err)
	}
	return nil
}
