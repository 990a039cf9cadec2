package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/azure/mentions-sync/internal/models"
	"github.com/lib/pq"
)

const sourceColumns = `id, tenant_id, platform, name, config, status, last_sync_at, sync_interval_minutes,
       rate_limit_remaining, rate_limit_reset_at, COALESCE(error_message, ''), created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSource(row rowScanner) (*models.Source, error) {
	var (
		s         models.Source
		config    []byte
		status    string
		lastSync  sql.NullTime
		remaining sql.NullInt64
		resetAt   sql.NullTime
	)

	if err := row.Scan(
		&s.ID, &s.TenantID, &s.Platform, &s.Name, &config, &status, &lastSync, &s.SyncIntervalMinutes,
		&remaining, &resetAt, &s.ErrorMessage, &s.CreatedAt, &s.UpdatedAt,
	); err != nil {
		return nil, err
	}

	s.Status = models.SourceStatus(status)
	s.LastSyncAt = nullTimePtr(lastSync)
	s.RateLimitRemaining = nullIntPtr(remaining)
	s.RateLimitResetAt = nullTimePtr(resetAt)

	if len(config) > 0 {
		if err := json.Unmarshal(config, &s.Config); err != nil {
			return nil, fmt.Errorf("decoding config of source %s: %w", s.ID, err)
		}
	}
	if s.Config == nil {
		s.Config = map[string]any{}
	}

	return &s, nil
}

func (p *Postgres) querySources(ctx context.Context, query string, args ...any) ([]models.Source, error) {
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sources []models.Source
	for rows.Next() {
		s, err := scanSource(rows)
		if err != nil {
			return nil, err
		}
		sources = append(sources, *s)
	}
	return sources, rows.Err()
}

// GetSource loads a source with its decoded config
func (p *Postgres) GetSource(ctx context.Context, id string) (*models.Source, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+sourceColumns+` FROM sources WHERE id = $1`, id)
	s, err := scanSource(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("source %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("loading source %s: %w", id, err)
	}
	return s, nil
}

// ListTenantSources returns the tenant's sources not in error, never-synced first then oldest sync
func (p *Postgres) ListTenantSources(ctx context.Context, tenantID string) ([]models.Source, error) {
	sources, err := p.querySources(ctx, `
SELECT `+sourceColumns+`
FROM sources
WHERE tenant_id = $1 AND status <> 'error'
ORDER BY last_sync_at ASC NULLS FIRST, id`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("listing sources of tenant %s: %w", tenantID, err)
	}
	return sources, nil
}

// ListDueSources selects connected sources whose interval has elapsed at now, oldest first.
// An empty platforms list means every platform.
func (p *Postgres) ListDueSources(ctx context.Context, now time.Time, platforms []string, limit int) ([]models.Source, error) {
	if platforms == nil {
		platforms = []string{}
	}

	sources, err := p.querySources(ctx, `
SELECT `+sourceColumns+`
FROM sources
WHERE status = 'connected'
  AND (last_sync_at IS NULL OR last_sync_at < $1::timestamptz - sync_interval_minutes * INTERVAL '1 minute')
  AND (cardinality($2::text[]) = 0 OR platform = ANY($2::text[]))
ORDER BY last_sync_at ASC NULLS FIRST, id
LIMIT $3`, now, pq.Array(platforms), limit)
	if err != nil {
		return nil, fmt.Errorf("listing due sources: %w", err)
	}
	return sources, nil
}

// UpdateSourceStatus records connector-observed health on the source row.
// A connected status clears the error message.
func (p *Postgres) UpdateSourceStatus(ctx context.Context, sourceID string, status models.SourceStatus, message string) error {
	var msg sql.NullString
	if status != models.SourceStatusConnected && message != "" {
		msg = sql.NullString{String: message, Valid: true}
	}

	res, err := p.db.ExecContext(ctx, `
UPDATE sources SET status = $2, error_message = $3, updated_at = NOW()
WHERE id = $1`, sourceID, string(status), msg)
	if err != nil {
		return fmt.Errorf("updating status of source %s: %w", sourceID, err)
	}
	return expectOneRow(res, "source", sourceID)
}

// MarkSourceSynced records a successful sync at the given time with the observed rate-limit snapshot
func (p *Postgres) MarkSourceSynced(ctx context.Context, sourceID string, at time.Time, snap models.RateLimitSnapshot) error {
	res, err := p.db.ExecContext(ctx, `
UPDATE sources
SET status = 'connected', last_sync_at = $2, error_message = NULL,
    rate_limit_remaining = $3, rate_limit_reset_at = $4, updated_at = NOW()
WHERE id = $1`, sourceID, at, intArg(snap.Remaining), timeArg(snap.ResetAt))
	if err != nil {
		return fmt.Errorf("marking source %s synced: %w", sourceID, err)
	}
	return expectOneRow(res, "source", sourceID)
}

// SaveRateLimit persists a rate-limit snapshot without touching status or last sync
func (p *Postgres) SaveRateLimit(ctx context.Context, sourceID string, snap models.RateLimitSnapshot) error {
	_, err := p.db.ExecContext(ctx, `
UPDATE sources SET rate_limit_remaining = $2, rate_limit_reset_at = $3, updated_at = NOW()
WHERE id = $1`, sourceID, intArg(snap.Remaining), timeArg(snap.ResetAt))
	if err != nil {
		return fmt.Errorf("saving rate limit of source %s: %w", sourceID, err)
	}
	return nil
}

func expectOneRow(res sql.Result, kind, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return nil
	}
	if n == 0 {
		return fmt.Errorf("%s %s: %w", kind, id, ErrNotFound)
	}
	return nil
}

func intArg(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}

func timeArg(v *time.Time) any {
	if v == nil {
		return nil
	}
	return *v
}

func floatArg(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}
