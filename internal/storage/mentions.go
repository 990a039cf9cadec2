package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/azure/mentions-sync/internal/models"
	"github.com/google/uuid"
	"github.com/lib/pq"
)

// MentionExists checks the dedup key. There is no unique constraint behind it.
func (p *Postgres) MentionExists(ctx context.Context, tenantID, platform, externalID string) (bool, error) {
	var exists bool
	err := p.db.QueryRowContext(ctx, `
SELECT EXISTS (
    SELECT 1 FROM mentions WHERE tenant_id = $1 AND platform = $2 AND external_id = $3
)`, tenantID, platform, externalID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("checking mention %s/%s: %w", platform, externalID, err)
	}
	return exists, nil
}

// InsertMention stores a normalized mention, assigning an id when empty
func (p *Postgres) InsertMention(ctx context.Context, m *models.Mention) error {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}

	var raw any
	if len(m.RawData) > 0 {
		raw = []byte(m.RawData)
	}
	topics := m.Topics
	if topics == nil {
		topics = []string{}
	}

	_, err := p.db.ExecContext(ctx, `
INSERT INTO mentions (
    id, tenant_id, source_id, platform, external_id, url, content,
    author_name, author_handle, author_followers, published_at,
    likes, comments, shares, sentiment_score, topics, raw_data, created_at
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)`,
		m.ID, m.TenantID, m.SourceID, m.Platform, m.ExternalID, nullString(m.URL), m.Content,
		nullString(m.AuthorName), nullString(m.AuthorHandle), m.AuthorFollowers, m.PublishedAt,
		m.Likes, m.Comments, m.Shares, floatArg(m.SentimentScore), pq.Array(topics), raw, m.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting mention %s/%s: %w", m.Platform, m.ExternalID, err)
	}
	return nil
}

// ListTopicNames returns the tenant's tracked topic names, used to tag incoming mentions
func (p *Postgres) ListTopicNames(ctx context.Context, tenantID string) ([]string, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT name FROM topics WHERE tenant_id = $1 ORDER BY name`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("listing topics of tenant %s: %w", tenantID, err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
