package models

import (
	"encoding/json"
	"sort"
	"time"
)

// SourceStatus is the health of a configured source as last observed by a sync
type SourceStatus string

const (
	SourceStatusPending   SourceStatus = "pending"
	SourceStatusConnected SourceStatus = "connected"
	SourceStatusError     SourceStatus = "error"
)

// Source is a configured platform account, feed or search that gets polled
type Source struct {
	ID                  string         `json:"id"`
	TenantID            string         `json:"tenant_id"`
	Platform            string         `json:"platform"`
	Name                string         `json:"name"`
	Config              map[string]any `json:"-"` // credentials live here, never serialized
	Status              SourceStatus   `json:"status"`
	LastSyncAt          *time.Time     `json:"last_sync_at,omitempty"`
	SyncIntervalMinutes int            `json:"sync_interval_minutes"`
	RateLimitRemaining  *int           `json:"rate_limit_remaining,omitempty"`
	RateLimitResetAt    *time.Time     `json:"rate_limit_reset_at,omitempty"`
	ErrorMessage        string         `json:"error_message,omitempty"`
	CreatedAt           time.Time      `json:"created_at"`
	UpdatedAt           time.Time      `json:"updated_at"`
}

// IsDue reports whether the source should be picked up by a due-sources sweep.
// Never-synced sources are always due regardless of their interval.
func (s Source) IsDue(now time.Time) bool {
	if s.Status != SourceStatusConnected {
		return false
	}
	if s.LastSyncAt == nil {
		return true
	}
	interval := time.Duration(s.SyncIntervalMinutes) * time.Minute
	return s.LastSyncAt.Before(now.Add(-interval))
}

// SortByStaleness orders sources never-synced first, then by oldest last sync.
func SortByStaleness(sources []Source) {
	sort.SliceStable(sources, func(i, j int) bool {
		a, b := sources[i].LastSyncAt, sources[j].LastSyncAt
		switch {
		case a == nil && b == nil:
			return false
		case a == nil:
			return true
		case b == nil:
			return false
		default:
			return a.Before(*b)
		}
	})
}

// RateLimitSnapshot is the rate-limit state a connector observed on its last response
type RateLimitSnapshot struct {
	Remaining *int       `json:"remaining,omitempty"`
	ResetAt   *time.Time `json:"reset_at,omitempty"`
}

// Mention is a single ingested post or comment from a connected source
type Mention struct {
	ID              string          `json:"id"`
	TenantID        string          `json:"tenant_id"`
	SourceID        string          `json:"source_id"`
	Platform        string          `json:"platform"`
	ExternalID      string          `json:"external_id"`
	URL             string          `json:"url,omitempty"`
	Content         string          `json:"content"`
	AuthorName      string          `json:"author_name,omitempty"`
	AuthorHandle    string          `json:"author_handle,omitempty"`
	AuthorFollowers int             `json:"author_followers"`
	PublishedAt     time.Time       `json:"published_at"`
	Likes           int             `json:"likes"`
	Comments        int             `json:"comments"`
	Shares          int             `json:"shares"`
	SentimentScore  *float64        `json:"sentiment_score,omitempty"`
	Topics          []string        `json:"topics,omitempty"`
	RawData         json.RawMessage `json:"raw_data,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
}

// TrendDirection of a topic relative to its weekly baseline
type TrendDirection string

const (
	TrendUp     TrendDirection = "up"
	TrendDown   TrendDirection = "down"
	TrendStable TrendDirection = "stable"
)

// Topic is a tracked keyword or phrase whose volume and sentiment are monitored
type Topic struct {
	ID             string         `json:"id"`
	TenantID       string         `json:"tenant_id"`
	Name           string         `json:"name"`
	MentionCount   int            `json:"mention_count"`
	IsTrending     bool           `json:"is_trending"`
	TrendDirection TrendDirection `json:"trend_direction"`
	TrendChangePct *float64       `json:"trend_change_pct"`
	AvgSentiment   *float64       `json:"avg_sentiment"`
	LastSeenAt     *time.Time     `json:"last_seen_at,omitempty"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// Influencer is a remote author ranked within its tenant
type Influencer struct {
	ID             string     `json:"id"`
	TenantID       string     `json:"tenant_id"`
	Handle         string     `json:"handle"`
	FollowerCount  int        `json:"follower_count"`
	IsVerified     bool       `json:"is_verified"`
	MentionCount   int        `json:"mention_count"`
	AvgSentiment   *float64   `json:"avg_sentiment"`
	AvgEngagement  float64    `json:"avg_engagement"`
	InfluenceScore float64    `json:"influence_score"`
	ReachEstimate  int64      `json:"reach_estimate"`
	LastMentionAt  *time.Time `json:"last_mention_at,omitempty"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// Competitor is a brand whose share-of-voice is tracked by keyword
type Competitor struct {
	ID              string    `json:"id"`
	TenantID        string    `json:"tenant_id"`
	Name            string    `json:"name"`
	Keywords        []string  `json:"keywords"`
	MentionCount    int       `json:"mention_count"`
	ShareOfVoicePct float64   `json:"share_of_voice_pct"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// SyncSettings are the global settings consulted by the due-sources sweep
type SyncSettings struct {
	AutoSyncEnabled    bool     `json:"auto_sync_enabled"`
	SyncPlatforms      []string `json:"sync_platforms"`
	MaxMentionsPerSync int      `json:"max_mentions_per_sync"`
}

// Alert represents a notification about a topic that started trending
type Alert struct {
	ID        string    `json:"id"`
	TenantID  string    `json:"tenant_id"`
	Type      string    `json:"type"` // "trending"
	Title     string    `json:"title"`
	Message   string    `json:"message"`
	Topic     *Topic    `json:"topic,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}
