package connectors

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/azure/mentions-sync/internal/models"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// Base carries the state shared by every platform adapter: the source being
// synced, its status writer, a request pacer and the last rate-limit snapshot.
type Base struct {
	source  models.Source
	status  StatusUpdater
	limiter *rate.Limiter
	now     func() time.Time

	mu        sync.RWMutex
	remaining *int
	resetAt   *time.Time
}

// NewBase creates a Base pacing outbound requests to one per interval.
// A zero interval disables pacing.
func NewBase(source models.Source, deps Deps, interval time.Duration) *Base {
	limit := rate.Inf
	if interval > 0 {
		limit = rate.Every(interval)
	}
	return &Base{
		source:  source,
		status:  deps.Status,
		limiter: rate.NewLimiter(limit, 1),
		now:     time.Now,
	}
}

// Source returns the source this connector was built for
func (b *Base) Source() models.Source {
	return b.source
}

func (b *Base) IsRateLimited() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.remaining == nil || *b.remaining > 0 {
		return false
	}
	return b.resetAt != nil && b.now().Before(*b.resetAt)
}

func (b *Base) TimeUntilReset() time.Duration {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.resetAt == nil {
		return 0
	}
	if d := b.resetAt.Sub(b.now()); d > 0 {
		return d
	}
	return 0
}

func (b *Base) RateLimit() models.RateLimitSnapshot {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var snap models.RateLimitSnapshot
	if b.remaining != nil {
		r := *b.remaining
		snap.Remaining = &r
	}
	if b.resetAt != nil {
		t := *b.resetAt
		snap.ResetAt = &t
	}
	return snap
}

func (b *Base) UpdateSourceStatus(ctx context.Context, status models.SourceStatus, message string) error {
	if b.status == nil {
		return nil
	}
	return b.status.UpdateSourceStatus(ctx, b.source.ID, status, message)
}

func (b *Base) observeRateLimit(remaining int, resetAt time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.remaining = &remaining
	b.resetAt = &resetAt

	logrus.WithFields(logrus.Fields{
		"source_id": b.source.ID,
		"platform":  b.source.Platform,
		"remaining": remaining,
		"reset_at":  resetAt,
	}).Debug("Observed rate limit")
}

// observeRateLimitHeaders reads the common x-rate-limit-* response headers.
// The reset header carries epoch seconds.
func (b *Base) observeRateLimitHeaders(get func(string) string) {
	remaining, err := strconv.Atoi(get("x-rate-limit-remaining"))
	if err != nil {
		return
	}
	reset, err := strconv.ParseInt(get("x-rate-limit-reset"), 10, 64)
	if err != nil {
		return
	}
	b.observeRateLimit(remaining, time.Unix(reset, 0))
}

func (b *Base) wait(ctx context.Context) error {
	return b.limiter.Wait(ctx)
}

func (b *Base) configString(key string) string {
	if v, ok := b.source.Config[key]; ok {
		switch t := v.(type) {
		case string:
			return strings.TrimSpace(t)
		case fmt.Stringer:
			return t.String()
		}
	}
	return ""
}

// configStrings accepts either a JSON array or a comma separated string
func (b *Base) configStrings(key string) []string {
	var out []string
	switch t := b.source.Config[key].(type) {
	case []any:
		for _, v := range t {
			if s, ok := v.(string); ok && strings.TrimSpace(s) != "" {
				out = append(out, strings.TrimSpace(s))
			}
		}
	case []string:
		for _, s := range t {
			if strings.TrimSpace(s) != "" {
				out = append(out, strings.TrimSpace(s))
			}
		}
	case string:
		for _, s := range strings.Split(t, ",") {
			if strings.TrimSpace(s) != "" {
				out = append(out, strings.TrimSpace(s))
			}
		}
	}
	return out
}

func (b *Base) requireConfig(keys ...string) error {
	var missing []string
	for _, k := range keys {
		if b.configString(k) == "" {
			missing = append(missing, k)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%s source %s: missing config %s", b.source.Platform, b.source.ID, strings.Join(missing, ", "))
	}
	return nil
}

// clampLimit bounds a requested limit to a platform page size
func clampLimit(limit, min, max int) int {
	if limit < min {
		return min
	}
	if limit > max {
		return max
	}
	return limit
}

// matchesAny reports whether content contains any of the keywords, case-insensitively.
// No keywords matches everything.
func matchesAny(content string, keywords []string) bool {
	if len(keywords) == 0 {
		return true
	}
	lower := strings.ToLower(content)
	for _, k := range keywords {
		if strings.Contains(lower, strings.ToLower(k)) {
			return true
		}
	}
	return false
}

func inWindow(t time.Time, opts FetchOptions) bool {
	if !opts.Since.IsZero() && t.Before(opts.Since) {
		return false
	}
	if !opts.Until.IsZero() && t.After(opts.Until) {
		return false
	}
	return true
}
