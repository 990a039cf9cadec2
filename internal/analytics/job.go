package analytics

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/azure/mentions-sync/internal/metrics"
	"github.com/azure/mentions-sync/internal/models"
	"github.com/azure/mentions-sync/internal/storage"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// ErrAlreadyRunning is returned when a run is requested while another is in progress
var ErrAlreadyRunning = errors.New("analytics run already in progress")

const (
	passTopics      = "topics"
	passInfluencers = "influencers"
	passCompetitors = "competitors"
)

// Store is the persistence the analytics passes read and write
type Store interface {
	ListTenantsWithMentions(ctx context.Context) ([]string, error)

	ListTopics(ctx context.Context, tenantID string) ([]models.Topic, error)
	TopicStats(ctx context.Context, tenantID, topic string, recentSince, weekSince time.Time) (storage.TopicWindowStats, error)
	UpdateTopic(ctx context.Context, t models.Topic) error

	ListInfluencers(ctx context.Context, tenantID string) ([]models.Influencer, error)
	InfluencerStats(ctx context.Context, tenantID, handle string, since time.Time) (storage.InfluencerWindowStats, error)
	UpdateInfluencer(ctx context.Context, inf models.Influencer) error

	ListCompetitors(ctx context.Context, tenantID string) ([]models.Competitor, error)
	CountMentionsSince(ctx context.Context, tenantID string, since time.Time) (int, error)
	CountKeywordMentions(ctx context.Context, tenantID string, keywords []string, since time.Time) (int, error)
	UpdateCompetitor(ctx context.Context, id string, mentionCount int, sharePct float64) error
}

// Notifier delivers trend alerts
type Notifier interface {
	SendAlert(alert *models.Alert) error
}

// PassError records one tenant pass that failed during a run
type PassError struct {
	TenantID string `json:"tenant_id"`
	Pass     string `json:"pass"`
	Error    string `json:"error"`
}

// RunStats are the aggregate statistics of one run
type RunStats struct {
	StartedAt          time.Time   `json:"started_at"`
	FinishedAt         time.Time   `json:"finished_at"`
	DurationMs         int64       `json:"duration_ms"`
	TenantsProcessed   int         `json:"tenants_processed"`
	TopicsUpdated      int         `json:"topics_updated"`
	InfluencersUpdated int         `json:"influencers_updated"`
	CompetitorsUpdated int         `json:"competitors_updated"`
	AlertsSent         int         `json:"alerts_sent"`
	Errors             []PassError `json:"errors"`

	// set when the run could not start its tenant loop
	Error string `json:"error,omitempty"`
}

// Status is reported by the analytics status endpoint
type Status struct {
	Running bool      `json:"running"`
	LastRun *RunStats `json:"last_run,omitempty"`
}

// Job recomputes topic trends, influencer scores and share of voice for every tenant
type Job struct {
	store    Store
	notifier Notifier
	metrics  *metrics.Metrics
	now      func() time.Time

	running atomic.Bool

	mu      sync.RWMutex
	lastRun *RunStats
}

// NewJob creates an analytics job. notifier may be nil.
func NewJob(store Store, notifier Notifier, m *metrics.Metrics) *Job {
	if m == nil {
		m = metrics.NewUnregistered()
	}
	return &Job{
		store:    store,
		notifier: notifier,
		metrics:  m,
		now:      time.Now,
	}
}

// Run executes all passes for every tenant with mentions. A failed pass is recorded
// in the run's errors and the run moves on. Overlapping runs get ErrAlreadyRunning.
func (j *Job) Run(ctx context.Context) (stats *RunStats, err error) {
	if !j.running.CompareAndSwap(false, true) {
		logrus.Warn("Analytics run already in progress, skipping")
		return nil, ErrAlreadyRunning
	}
	defer j.running.Store(false)

	start := j.now()
	run := &RunStats{StartedAt: start, Errors: []PassError{}}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("analytics run panicked: %v", r)
			logrus.Error(err)
		}
		run.FinishedAt = j.now()
		run.DurationMs = run.FinishedAt.Sub(start).Milliseconds()
		j.metrics.AnalyticsDuration.Observe(run.FinishedAt.Sub(start).Seconds())

		outcome := "ok"
		switch {
		case err != nil:
			outcome = "error"
		case len(run.Errors) > 0:
			outcome = "partial"
		}
		j.metrics.AnalyticsRuns.WithLabelValues(outcome).Inc()

		if err != nil {
			run.Error = err.Error()
		}
		j.mu.Lock()
		j.lastRun = run
		j.mu.Unlock()

		if err != nil {
			stats = nil
			return
		}
		stats = run
	}()

	tenants, err := j.store.ListTenantsWithMentions(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing tenants: %w", err)
	}

	logrus.Infof("Starting analytics run for %d tenants", len(tenants))
	for _, tenantID := range tenants {
		j.runTenant(ctx, tenantID, start, run)
		run.TenantsProcessed++
	}

	logrus.WithFields(logrus.Fields{
		"tenants":     run.TenantsProcessed,
		"topics":      run.TopicsUpdated,
		"influencers": run.InfluencersUpdated,
		"competitors": run.CompetitorsUpdated,
		"errors":      len(run.Errors),
	}).Info("Analytics run finished")

	return run, nil
}

func (j *Job) runTenant(ctx context.Context, tenantID string, now time.Time, stats *RunStats) {
	log := logrus.WithField("tenant_id", tenantID)

	// each pass is isolated; an error or a panic is recorded and the next pass runs
	pass := func(name string, fn func() (int, error)) {
		rows, err := func() (rows int, err error) {
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("panic: %v", r)
				}
			}()
			return fn()
		}()
		j.metrics.AnalyticsRows.WithLabelValues(name).Add(float64(rows))
		if err != nil {
			log.WithField("pass", name).Errorf("Analytics pass failed: %v", err)
			stats.Errors = append(stats.Errors, PassError{TenantID: tenantID, Pass: name, Error: err.Error()})
		}
	}

	pass(passTopics, func() (int, error) {
		topics, alerts, err := j.updateTopics(ctx, tenantID, now)
		stats.TopicsUpdated += topics
		stats.AlertsSent += alerts
		return topics, err
	})
	pass(passInfluencers, func() (int, error) {
		influencers, err := j.updateInfluencers(ctx, tenantID, now)
		stats.InfluencersUpdated += influencers
		return influencers, err
	})
	pass(passCompetitors, func() (int, error) {
		competitors, err := j.updateCompetitors(ctx, tenantID, now)
		stats.CompetitorsUpdated += competitors
		return competitors, err
	})
}

// updateTopics recomputes trend fields and alerts on topics that just started trending
func (j *Job) updateTopics(ctx context.Context, tenantID string, now time.Time) (updated, alerts int, err error) {
	topics, err := j.store.ListTopics(ctx, tenantID)
	if err != nil {
		return 0, 0, err
	}

	recentSince := now.Add(-recentWindowHours * time.Hour)
	weekSince := now.Add(-weekWindowHours * time.Hour)

	for _, topic := range topics {
		stats, err := j.store.TopicStats(ctx, tenantID, topic.Name, recentSince, weekSince)
		if err != nil {
			return updated, alerts, err
		}

		wasTrending := topic.IsTrending
		trend := ComputeTrend(stats.RecentCount, stats.WeekCount)

		topic.MentionCount = stats.WeekCount
		topic.IsTrending = trend.IsTrending
		topic.TrendDirection = trend.Direction
		topic.TrendChangePct = trend.ChangePct
		if stats.AvgSentiment != nil {
			avg := round2(*stats.AvgSentiment)
			topic.AvgSentiment = &avg
		}
		if stats.LastSeenAt != nil {
			topic.LastSeenAt = stats.LastSeenAt
		}
		topic.UpdatedAt = now

		if err := j.store.UpdateTopic(ctx, topic); err != nil {
			return updated, alerts, err
		}
		updated++

		if !wasTrending && topic.IsTrending && j.alert(topic, stats) {
			alerts++
		}
	}
	return updated, alerts, nil
}

func (j *Job) alert(topic models.Topic, stats storage.TopicWindowStats) bool {
	if j.notifier == nil {
		return false
	}

	alert := &models.Alert{
		ID:        uuid.NewString(),
		TenantID:  topic.TenantID,
		Type:      "trending",
		Title:     fmt.Sprintf("Topic %q is trending", topic.Name),
		Message:   fmt.Sprintf("%d mentions in the last hour against %d over the last week", stats.RecentCount, stats.WeekCount),
		Topic:     &topic,
		CreatedAt: j.now(),
	}
	if err := j.notifier.SendAlert(alert); err != nil {
		logrus.WithField("tenant_id", topic.TenantID).Warnf("Failed to send trend alert for %q: %v", topic.Name, err)
		return false
	}
	return true
}

// updateInfluencers recomputes every influencer of the tenant and rescales scores against the tenant's top raw score
func (j *Job) updateInfluencers(ctx context.Context, tenantID string, now time.Time) (int, error) {
	influencers, err := j.store.ListInfluencers(ctx, tenantID)
	if err != nil {
		return 0, err
	}
	if len(influencers) == 0 {
		return 0, nil
	}

	since := now.AddDate(0, 0, -scoreWindowDays)
	raw := make([]float64, len(influencers))

	for i := range influencers {
		inf := &influencers[i]
		stats, err := j.store.InfluencerStats(ctx, tenantID, inf.Handle, since)
		if err != nil {
			return 0, err
		}

		inf.MentionCount = stats.MentionCount
		inf.AvgEngagement = stats.AvgEngagement
		if stats.AvgSentiment != nil {
			avg := round2(*stats.AvgSentiment)
			inf.AvgSentiment = &avg
		}
		if stats.MaxFollowers != nil {
			inf.FollowerCount = *stats.MaxFollowers
		}
		if stats.LastMentionAt != nil {
			inf.LastMentionAt = stats.LastMentionAt
		}
		raw[i] = RawInfluenceScore(inf.FollowerCount, inf.MentionCount, inf.AvgEngagement, inf.IsVerified)
	}

	scores := NormalizeInfluence(raw)

	updated := 0
	for i := range influencers {
		inf := influencers[i]
		inf.InfluenceScore = scores[i]
		inf.ReachEstimate = ReachEstimate(inf.FollowerCount, inf.MentionCount)
		inf.UpdatedAt = now

		if err := j.store.UpdateInfluencer(ctx, inf); err != nil {
			return updated, err
		}
		updated++
	}
	return updated, nil
}

// updateCompetitors recomputes each competitor's share of the tenant's 30-day mention volume
func (j *Job) updateCompetitors(ctx context.Context, tenantID string, now time.Time) (int, error) {
	competitors, err := j.store.ListCompetitors(ctx, tenantID)
	if err != nil {
		return 0, err
	}
	if len(competitors) == 0 {
		return 0, nil
	}

	since := now.AddDate(0, 0, -scoreWindowDays)
	own, err := j.store.CountMentionsSince(ctx, tenantID, since)
	if err != nil {
		return 0, err
	}

	counts := make([]int, len(competitors))
	for i, c := range competitors {
		n, err := j.store.CountKeywordMentions(ctx, tenantID, c.Keywords, since)
		if err != nil {
			return 0, err
		}
		counts[i] = n
	}

	shares := ShareOfVoice(own, counts)

	updated := 0
	for i, c := range competitors {
		if err := j.store.UpdateCompetitor(ctx, c.ID, counts[i], shares[i]); err != nil {
			return updated, err
		}
		updated++
	}
	return updated, nil
}

// Status reports whether a run is in progress and the last completed run
func (j *Job) Status() Status {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return Status{Running: j.running.Load(), LastRun: j.lastRun}
}
