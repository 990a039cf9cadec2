package storage

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/sirupsen/logrus"
)

// Migration is a single schema step
type Migration struct {
	Version     int
	Description string
	Up          func(tx *sql.Tx) error
}

// migrations is the ordered list of schema migrations.
// Append new ones at the end with incrementing versions.
var migrations = []Migration{
	{
		Version:     1,
		Description: "initial schema",
		Up: func(tx *sql.Tx) error {
			_, err := tx.Exec(`
CREATE TABLE IF NOT EXISTS sources (
    id TEXT PRIMARY KEY,
    tenant_id TEXT NOT NULL,
    platform TEXT NOT NULL,
    name TEXT NOT NULL DEFAULT '',
    config JSONB NOT NULL DEFAULT '{}'::jsonb,
    status TEXT NOT NULL DEFAULT 'pending' CHECK (status IN ('pending', 'connected', 'error')),
    last_sync_at TIMESTAMPTZ,
    sync_interval_minutes INTEGER NOT NULL DEFAULT 15,
    rate_limit_remaining INTEGER,
    rate_limit_reset_at TIMESTAMPTZ,
    error_message TEXT,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS mentions (
    id TEXT PRIMARY KEY,
    tenant_id TEXT NOT NULL,
    source_id TEXT NOT NULL REFERENCES sources(id) ON DELETE CASCADE,
    platform TEXT NOT NULL,
    external_id TEXT NOT NULL,
    url TEXT,
    content TEXT NOT NULL DEFAULT '',
    author_name TEXT,
    author_handle TEXT,
    author_followers INTEGER NOT NULL DEFAULT 0,
    published_at TIMESTAMPTZ NOT NULL,
    likes INTEGER NOT NULL DEFAULT 0,
    comments INTEGER NOT NULL DEFAULT 0,
    shares INTEGER NOT NULL DEFAULT 0,
    sentiment_score DOUBLE PRECISION,
    topics TEXT[] NOT NULL DEFAULT '{}',
    raw_data JSONB,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS topics (
    id TEXT PRIMARY KEY,
    tenant_id TEXT NOT NULL,
    name TEXT NOT NULL,
    mention_count INTEGER NOT NULL DEFAULT 0,
    is_trending BOOLEAN NOT NULL DEFAULT FALSE,
    trend_direction TEXT NOT NULL DEFAULT 'stable',
    trend_change_pct DOUBLE PRECISION,
    avg_sentiment DOUBLE PRECISION,
    last_seen_at TIMESTAMPTZ,
    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS influencers (
    id TEXT PRIMARY KEY,
    tenant_id TEXT NOT NULL,
    handle TEXT NOT NULL,
    follower_count INTEGER NOT NULL DEFAULT 0,
    is_verified BOOLEAN NOT NULL DEFAULT FALSE,
    mention_count INTEGER NOT NULL DEFAULT 0,
    avg_sentiment DOUBLE PRECISION,
    avg_engagement DOUBLE PRECISION NOT NULL DEFAULT 0,
    influence_score DOUBLE PRECISION NOT NULL DEFAULT 0,
    reach_estimate BIGINT NOT NULL DEFAULT 0,
    last_mention_at TIMESTAMPTZ,
    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS competitors (
    id TEXT PRIMARY KEY,
    tenant_id TEXT NOT NULL,
    name TEXT NOT NULL,
    keywords TEXT[] NOT NULL DEFAULT '{}',
    mention_count INTEGER NOT NULL DEFAULT 0,
    share_of_voice_pct DOUBLE PRECISION NOT NULL DEFAULT 0,
    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS settings (
    key TEXT PRIMARY KEY,
    value JSONB NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_sources_tenant ON sources(tenant_id);
CREATE INDEX IF NOT EXISTS idx_sources_due ON sources(status, last_sync_at);
CREATE INDEX IF NOT EXISTS idx_mentions_dedup ON mentions(tenant_id, platform, external_id);
CREATE INDEX IF NOT EXISTS idx_mentions_tenant_published ON mentions(tenant_id, published_at);
CREATE INDEX IF NOT EXISTS idx_mentions_topics ON mentions USING GIN (topics);
CREATE INDEX IF NOT EXISTS idx_topics_tenant ON topics(tenant_id);
CREATE INDEX IF NOT EXISTS idx_influencers_tenant ON influencers(tenant_id);
CREATE INDEX IF NOT EXISTS idx_competitors_tenant ON competitors(tenant_id);
`)
			return err
		},
	},
	{
		Version:     2,
		Description: "author handle lookup",
		Up: func(tx *sql.Tx) error {
			_, err := tx.Exec(`CREATE INDEX IF NOT EXISTS idx_mentions_author ON mentions(tenant_id, LOWER(author_handle))`)
			return err
		},
	},
}

// latestVersion returns the highest migration version
func latestVersion() int {
	if len(migrations) == 0 {
		return 0
	}
	return migrations[len(migrations)-1].Version
}

// Migrate brings the schema up to the latest version, one transaction per step
func (p *Postgres) Migrate(ctx context.Context) error {
	if _, err := p.db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS schema_migrations (
    version INTEGER PRIMARY KEY,
    description TEXT NOT NULL,
    applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`); err != nil {
		return fmt.Errorf("creating schema_migrations: %w", err)
	}

	var current int
	if err := p.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations`).Scan(&current); err != nil {
		return fmt.Errorf("reading schema version: %w", err)
	}

	if current >= latestVersion() {
		logrus.Debugf("Schema is up to date at version %d", current)
		return nil
	}

	for _, m := range migrations {
		if m.Version <= current {
			continue
		}

		logrus.Infof("Applying migration %d: %s", m.Version, m.Description)

		tx, err := p.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", m.Version, err)
		}

		if err := m.Up(tx); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("migration %d (%s): %w", m.Version, m.Description, err)
		}

		if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations (version, description) VALUES ($1, $2)`, m.Version, m.Description); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", m.Version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.Version, err)
		}
	}

	return nil
}
