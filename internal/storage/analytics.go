package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/azure/mentions-sync/internal/models"
	"github.com/lib/pq"
)

// TopicWindowStats are the raw counts behind a topic's trend
type TopicWindowStats struct {
	RecentCount  int
	WeekCount    int
	AvgSentiment *float64
	LastSeenAt   *time.Time
}

// InfluencerWindowStats aggregate an author's mentions over the influencer window
type InfluencerWindowStats struct {
	MentionCount  int
	AvgEngagement float64
	AvgSentiment  *float64
	MaxFollowers  *int
	LastMentionAt *time.Time
}

// ListTenantsWithMentions returns every tenant that has at least one mention
func (p *Postgres) ListTenantsWithMentions(ctx context.Context) ([]string, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT DISTINCT tenant_id FROM mentions ORDER BY tenant_id`)
	if err != nil {
		return nil, fmt.Errorf("listing tenants: %w", err)
	}
	defer rows.Close()

	var tenants []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		tenants = append(tenants, id)
	}
	return tenants, rows.Err()
}

// ListTopics returns the tenant's tracked topics
func (p *Postgres) ListTopics(ctx context.Context, tenantID string) ([]models.Topic, error) {
	rows, err := p.db.QueryContext(ctx, `
SELECT id, tenant_id, name, mention_count, is_trending, trend_direction,
       trend_change_pct, avg_sentiment, last_seen_at, updated_at
FROM topics WHERE tenant_id = $1 ORDER BY name`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("listing topics of tenant %s: %w", tenantID, err)
	}
	defer rows.Close()

	var topics []models.Topic
	for rows.Next() {
		var (
			t         models.Topic
			direction string
			change    sql.NullFloat64
			sentiment sql.NullFloat64
			lastSeen  sql.NullTime
		)
		if err := rows.Scan(&t.ID, &t.TenantID, &t.Name, &t.MentionCount, &t.IsTrending, &direction,
			&change, &sentiment, &lastSeen, &t.UpdatedAt); err != nil {
			return nil, err
		}
		t.TrendDirection = models.TrendDirection(direction)
		t.TrendChangePct = nullFloatPtr(change)
		t.AvgSentiment = nullFloatPtr(sentiment)
		t.LastSeenAt = nullTimePtr(lastSeen)
		topics = append(topics, t)
	}
	return topics, rows.Err()
}

// TopicStats counts a topic's mentions since recentSince and since weekSince
func (p *Postgres) TopicStats(ctx context.Context, tenantID, topic string, recentSince, weekSince time.Time) (TopicWindowStats, error) {
	var (
		stats     TopicWindowStats
		sentiment sql.NullFloat64
		lastSeen  sql.NullTime
	)
	err := p.db.QueryRowContext(ctx, `
SELECT COUNT(*) FILTER (WHERE published_at >= $3),
       COUNT(*),
       AVG(sentiment_score),
       MAX(published_at)
FROM mentions
WHERE tenant_id = $1 AND $2 = ANY(topics) AND published_at >= $4`,
		tenantID, topic, recentSince, weekSince,
	).Scan(&stats.RecentCount, &stats.WeekCount, &sentiment, &lastSeen)
	if err != nil {
		return stats, fmt.Errorf("counting topic %q: %w", topic, err)
	}
	stats.AvgSentiment = nullFloatPtr(sentiment)
	stats.LastSeenAt = nullTimePtr(lastSeen)
	return stats, nil
}

// UpdateTopic writes the recomputed trend fields
func (p *Postgres) UpdateTopic(ctx context.Context, t models.Topic) error {
	_, err := p.db.ExecContext(ctx, `
UPDATE topics
SET mention_count = $2, is_trending = $3, trend_direction = $4, trend_change_pct = $5,
    avg_sentiment = $6, last_seen_at = $7, updated_at = NOW()
WHERE id = $1`,
		t.ID, t.MentionCount, t.IsTrending, string(t.TrendDirection), floatArg(t.TrendChangePct),
		floatArg(t.AvgSentiment), timeArg(t.LastSeenAt))
	if err != nil {
		return fmt.Errorf("updating topic %s: %w", t.ID, err)
	}
	return nil
}

// ListInfluencers returns the tenant's tracked influencers
func (p *Postgres) ListInfluencers(ctx context.Context, tenantID string) ([]models.Influencer, error) {
	rows, err := p.db.QueryContext(ctx, `
SELECT id, tenant_id, handle, follower_count, is_verified, mention_count, avg_sentiment,
       avg_engagement, influence_score, reach_estimate, last_mention_at, updated_at
FROM influencers WHERE tenant_id = $1 ORDER BY handle`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("listing influencers of tenant %s: %w", tenantID, err)
	}
	defer rows.Close()

	var influencers []models.Influencer
	for rows.Next() {
		var (
			inf       models.Influencer
			sentiment sql.NullFloat64
			lastAt    sql.NullTime
		)
		if err := rows.Scan(&inf.ID, &inf.TenantID, &inf.Handle, &inf.FollowerCount, &inf.IsVerified,
			&inf.MentionCount, &sentiment, &inf.AvgEngagement, &inf.InfluenceScore, &inf.ReachEstimate,
			&lastAt, &inf.UpdatedAt); err != nil {
			return nil, err
		}
		inf.AvgSentiment = nullFloatPtr(sentiment)
		inf.LastMentionAt = nullTimePtr(lastAt)
		influencers = append(influencers, inf)
	}
	return influencers, rows.Err()
}

// InfluencerStats aggregates an author's mentions since the given time. Handles match case-insensitively.
func (p *Postgres) InfluencerStats(ctx context.Context, tenantID, handle string, since time.Time) (InfluencerWindowStats, error) {
	var (
		stats     InfluencerWindowStats
		sentiment sql.NullFloat64
		followers sql.NullInt64
		lastAt    sql.NullTime
	)
	err := p.db.QueryRowContext(ctx, `
SELECT COUNT(*),
       COALESCE(AVG((likes + comments + shares)::float8 / GREATEST(author_followers, 1)), 0),
       AVG(sentiment_score),
       MAX(author_followers),
       MAX(published_at)
FROM mentions
WHERE tenant_id = $1 AND LOWER(author_handle) = LOWER($2) AND published_at >= $3`,
		tenantID, handle, since,
	).Scan(&stats.MentionCount, &stats.AvgEngagement, &sentiment, &followers, &lastAt)
	if err != nil {
		return stats, fmt.Errorf("aggregating influencer %q: %w", handle, err)
	}
	stats.AvgSentiment = nullFloatPtr(sentiment)
	stats.MaxFollowers = nullIntPtr(followers)
	stats.LastMentionAt = nullTimePtr(lastAt)
	return stats, nil
}

// UpdateInfluencer writes the recomputed score fields
func (p *Postgres) UpdateInfluencer(ctx context.Context, inf models.Influencer) error {
	_, err := p.db.ExecContext(ctx, `
UPDATE influencers
SET follower_count = $2, mention_count = $3, avg_sentiment = $4, avg_engagement = $5,
    influence_score = $6, reach_estimate = $7, last_mention_at = $8, updated_at = NOW()
WHERE id = $1`,
		inf.ID, inf.FollowerCount, inf.MentionCount, floatArg(inf.AvgSentiment), inf.AvgEngagement,
		inf.InfluenceScore, inf.ReachEstimate, timeArg(inf.LastMentionAt))
	if err != nil {
		return fmt.Errorf("updating influencer %s: %w", inf.ID, err)
	}
	return nil
}

// ListCompetitors returns the tenant's tracked competitors
func (p *Postgres) ListCompetitors(ctx context.Context, tenantID string) ([]models.Competitor, error) {
	rows, err := p.db.QueryContext(ctx, `
SELECT id, tenant_id, name, keywords, mention_count, share_of_voice_pct, updated_at
FROM competitors WHERE tenant_id = $1 ORDER BY name`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("listing competitors of tenant %s: %w", tenantID, err)
	}
	defer rows.Close()

	var competitors []models.Competitor
	for rows.Next() {
		var c models.Competitor
		if err := rows.Scan(&c.ID, &c.TenantID, &c.Name, pq.Array(&c.Keywords), &c.MentionCount,
			&c.ShareOfVoicePct, &c.UpdatedAt); err != nil {
			return nil, err
		}
		competitors = append(competitors, c)
	}
	return competitors, rows.Err()
}

// CountMentionsSince counts all of the tenant's mentions published since the given time
func (p *Postgres) CountMentionsSince(ctx context.Context, tenantID string, since time.Time) (int, error) {
	var n int
	err := p.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM mentions WHERE tenant_id = $1 AND published_at >= $2`,
		tenantID, since).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting mentions of tenant %s: %w", tenantID, err)
	}
	return n, nil
}

// CountKeywordMentions counts mentions whose content contains any keyword, case-insensitively
func (p *Postgres) CountKeywordMentions(ctx context.Context, tenantID string, keywords []string, since time.Time) (int, error) {
	patterns := make([]string, 0, len(keywords))
	for _, k := range keywords {
		if k = strings.TrimSpace(k); k != "" {
			patterns = append(patterns, "%"+escapeLike(k)+"%")
		}
	}
	if len(patterns) == 0 {
		return 0, nil
	}

	var n int
	err := p.db.QueryRowContext(ctx, `
SELECT COUNT(*) FROM mentions
WHERE tenant_id = $1 AND published_at >= $2 AND content ILIKE ANY($3)`,
		tenantID, since, pq.Array(patterns)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting keyword mentions of tenant %s: %w", tenantID, err)
	}
	return n, nil
}

// UpdateCompetitor writes the recomputed share of voice
func (p *Postgres) UpdateCompetitor(ctx context.Context, id string, mentionCount int, sharePct float64) error {
	_, err := p.db.ExecContext(ctx, `
UPDATE competitors SET mention_count = $2, share_of_voice_pct = $3, updated_at = NOW()
WHERE id = $1`, id, mentionCount, sharePct)
	if err != nil {
		return fmt.Errorf("updating competitor %s: %w", id, err)
	}
	return nil
}

// escapeLike escapes LIKE wildcards so keywords match literally
func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}
