package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/azure/mentions-sync/internal/connectors"
	"github.com/azure/mentions-sync/internal/metrics"
	"github.com/azure/mentions-sync/internal/models"
	"github.com/azure/mentions-sync/internal/storage"
	"github.com/sirupsen/logrus"
)

// Store is the persistence the sync service needs
type Store interface {
	connectors.StatusUpdater

	GetSource(ctx context.Context, id string) (*models.Source, error)
	ListTenantSources(ctx context.Context, tenantID string) ([]models.Source, error)
	ListDueSources(ctx context.Context, now time.Time, platforms []string, limit int) ([]models.Source, error)
	MarkSourceSynced(ctx context.Context, sourceID string, at time.Time, snap models.RateLimitSnapshot) error
	SaveRateLimit(ctx context.Context, sourceID string, snap models.RateLimitSnapshot) error

	MentionExists(ctx context.Context, tenantID, platform, externalID string) (bool, error)
	InsertMention(ctx context.Context, m *models.Mention) error
	ListTopicNames(ctx context.Context, tenantID string) ([]string, error)

	GetSyncSettings(ctx context.Context, defaults models.SyncSettings) (models.SyncSettings, error)
}

// Enricher is the downstream collaborator notified after new mentions land
type Enricher interface {
	TriggerEnrichment(ctx context.Context, tenantID string, newMentionCount int) error
}

// Options tune the sync service
type Options struct {
	BatchSize         int
	FirstSyncBackfill time.Duration
	Defaults          models.SyncSettings
	EnrichmentTimeout time.Duration
}

// Result summarizes one source sync
type Result struct {
	SourceID        string    `json:"source_id"`
	Success         bool      `json:"success"`
	Message         string    `json:"message,omitempty"`
	MentionsFetched int       `json:"mentions_fetched"`
	MentionsSaved   int       `json:"mentions_saved"`
	Duplicates      int       `json:"duplicates"`
	Errors          int       `json:"errors"`
	StartedAt       time.Time `json:"started_at"`
	DurationMs      int64     `json:"duration_ms"`
}

// Summary aggregates a tenant or due-sources sweep
type Summary struct {
	Skipped         bool     `json:"skipped,omitempty"`
	SourcesSynced   int      `json:"sources_synced"`
	SourcesFailed   int      `json:"sources_failed"`
	MentionsFetched int      `json:"mentions_fetched"`
	MentionsSaved   int      `json:"mentions_saved"`
	Duplicates      int      `json:"duplicates"`
	Errors          int      `json:"errors"`
	Results         []Result `json:"results"`
}

func (s *Summary) add(r Result) {
	s.Results = append(s.Results, r)
	if r.Success {
		s.SourcesSynced++
	} else {
		s.SourcesFailed++
	}
	s.MentionsFetched += r.MentionsFetched
	s.MentionsSaved += r.MentionsSaved
	s.Duplicates += r.Duplicates
	s.Errors += r.Errors
}

// ActiveSync is one in-flight source sync
type ActiveSync struct {
	SourceID  string    `json:"source_id"`
	StartedAt time.Time `json:"started_at"`
	ElapsedMs int64     `json:"elapsed_ms"`
}

// Status is what the status query reports for a source
type Status struct {
	SourceID   string     `json:"source_id"`
	Syncing    bool       `json:"syncing"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	DurationMs *int64     `json:"duration_ms,omitempty"`
	LastResult *Result    `json:"last_result,omitempty"`
}

// Service orchestrates fetch, normalize, dedup, persist and status update for sources
type Service struct {
	store    Store
	registry *connectors.Registry
	enricher Enricher
	archive  storage.RawArchive
	metrics  *metrics.Metrics
	opts     Options
	now      func() time.Time

	// source id -> start time; a present key is the single-flight guard
	active sync.Map

	mu      sync.RWMutex
	results map[string]Result
}

// NewService creates a sync service. enricher and archive may be nil.
func NewService(store Store, registry *connectors.Registry, enricher Enricher, archive storage.RawArchive, m *metrics.Metrics, opts Options) *Service {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 50
	}
	if opts.FirstSyncBackfill <= 0 {
		opts.FirstSyncBackfill = 7 * 24 * time.Hour
	}
	if opts.Defaults.MaxMentionsPerSync <= 0 {
		opts.Defaults.MaxMentionsPerSync = 100
	}
	if opts.EnrichmentTimeout <= 0 {
		opts.EnrichmentTimeout = 30 * time.Second
	}
	if m == nil {
		m = metrics.NewUnregistered()
	}

	return &Service{
		store:    store,
		registry: registry,
		enricher: enricher,
		archive:  archive,
		metrics:  m,
		opts:     opts,
		now:      time.Now,
		results:  make(map[string]Result),
	}
}

// SyncSource syncs one source. A concurrent call for the same id returns immediately
// with an unsuccessful result. Errors are returned only when the source cannot be
// loaded or its platform is unsupported; connector failures are reported in the result.
func (s *Service) SyncSource(ctx context.Context, sourceID string) (*Result, error) {
	start := s.now()
	if _, loaded := s.active.LoadOrStore(sourceID, start); loaded {
		logrus.WithField("source_id", sourceID).Info("Sync already in progress, skipping")
		return &Result{SourceID: sourceID, Success: false, Message: "already syncing", StartedAt: start}, nil
	}
	s.metrics.ActiveSyncs.Inc()
	defer func() {
		s.active.Delete(sourceID)
		s.metrics.ActiveSyncs.Dec()
	}()

	source, err := s.store.GetSource(ctx, sourceID)
	if err != nil {
		return nil, err
	}

	log := logrus.WithFields(logrus.Fields{
		"source_id": source.ID,
		"tenant_id": source.TenantID,
		"platform":  source.Platform,
	})

	result, err := s.runPipeline(ctx, *source, log)
	if err != nil {
		return nil, err
	}

	result.StartedAt = start
	result.DurationMs = s.now().Sub(start).Milliseconds()
	s.metrics.SyncDuration.WithLabelValues(source.Platform).Observe(s.now().Sub(start).Seconds())

	s.mu.Lock()
	s.results[sourceID] = *result
	s.mu.Unlock()

	log.WithFields(logrus.Fields{
		"success":  result.Success,
		"fetched":  result.MentionsFetched,
		"saved":    result.MentionsSaved,
		"dupes":    result.Duplicates,
		"errors":   result.Errors,
		"duration": time.Duration(result.DurationMs) * time.Millisecond,
	}).Info("Source sync finished")

	return result, nil
}

// runPipeline runs syncSource and converts a panic, typically from a connector plugin,
// into a failed result with the source marked as errored.
func (s *Service) runPipeline(ctx context.Context, source models.Source, log *logrus.Entry) (result *Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			msg := fmt.Sprintf("sync panicked: %v", r)
			log.Error(msg)
			result, err = &Result{SourceID: source.ID}, nil
			s.fail(ctx, result, source, msg, log)
		}
	}()
	return s.syncSource(ctx, source, log)
}

// syncSource runs the pipeline for a loaded source. The only error returned is an unsupported platform.
func (s *Service) syncSource(ctx context.Context, source models.Source, log *logrus.Entry) (*Result, error) {
	result := &Result{SourceID: source.ID}

	conn, err := s.registry.New(source, connectors.Deps{Status: s.store})
	if err != nil {
		var unsupported *connectors.UnsupportedPlatformError
		if errors.As(err, &unsupported) {
			log.Warn("Unsupported platform")
			s.metrics.SyncRuns.WithLabelValues(source.Platform, "unsupported").Inc()
			return nil, err
		}
		// bad or missing config is a connection problem for that source
		s.fail(ctx, result, source, err.Error(), log)
		return result, nil
	}

	check, err := conn.TestConnection(ctx)
	if err != nil || check == nil || !check.Success {
		msg := "connection test failed"
		if err != nil {
			msg = err.Error()
		} else if check != nil && check.Message != "" {
			msg = check.Message
		}
		if uerr := conn.UpdateSourceStatus(ctx, models.SourceStatusError, msg); uerr != nil {
			log.Errorf("Failed to record source error: %v", uerr)
		}
		s.metrics.SyncRuns.WithLabelValues(source.Platform, "connection_error").Inc()
		result.Message = msg
		return result, nil
	}

	if conn.IsRateLimited() {
		if err := s.store.SaveRateLimit(ctx, source.ID, conn.RateLimit()); err != nil {
			log.Errorf("Failed to save rate limit: %v", err)
		}
		s.metrics.SyncRuns.WithLabelValues(source.Platform, "rate_limited").Inc()
		result.Message = fmt.Sprintf("rate limited, resets in %s", conn.TimeUntilReset().Round(time.Second))
		log.Warn(result.Message)
		return result, nil
	}

	settings := s.settings(ctx)
	now := s.now()
	since := now.Add(-s.opts.FirstSyncBackfill)
	if source.LastSyncAt != nil {
		since = *source.LastSyncAt
	}

	mentions, err := conn.FetchMentions(ctx, connectors.FetchOptions{
		Since: since,
		Until: now,
		Limit: settings.MaxMentionsPerSync,
	})
	if err != nil {
		if uerr := conn.UpdateSourceStatus(ctx, models.SourceStatusError, err.Error()); uerr != nil {
			log.Errorf("Failed to record source error: %v", uerr)
		}
		s.metrics.SyncRuns.WithLabelValues(source.Platform, "fetch_error").Inc()
		result.Message = err.Error()
		return result, nil
	}
	result.MentionsFetched = len(mentions)

	topicNames, err := s.store.ListTopicNames(ctx, source.TenantID)
	if err != nil {
		log.Warnf("Failed to load topics, mentions will not be tagged: %v", err)
	}

	for i := range mentions {
		m := &mentions[i]
		if err := normalizeMention(m, source, topicNames); err != nil {
			log.Debugf("Dropping mention: %v", err)
			result.Errors++
			continue
		}

		exists, err := s.store.MentionExists(ctx, m.TenantID, m.Platform, m.ExternalID)
		if err != nil {
			log.Error((&PersistenceError{SourceID: source.ID, ExternalID: m.ExternalID, Err: err}).Error())
			result.Errors++
			continue
		}
		if exists {
			result.Duplicates++
			continue
		}

		if err := s.store.InsertMention(ctx, m); err != nil {
			log.Error((&PersistenceError{SourceID: source.ID, ExternalID: m.ExternalID, Err: err}).Error())
			result.Errors++
			continue
		}
		result.MentionsSaved++
	}

	s.archiveBatch(ctx, source, mentions, now, log)

	if err := s.store.MarkSourceSynced(ctx, source.ID, now, conn.RateLimit()); err != nil {
		log.Errorf("Failed to mark source synced: %v", err)
	}

	s.metrics.SyncRuns.WithLabelValues(source.Platform, "success").Inc()
	s.metrics.MentionsSaved.WithLabelValues(source.Platform).Add(float64(result.MentionsSaved))
	s.metrics.MentionsDuplicate.WithLabelValues(source.Platform).Add(float64(result.Duplicates))
	s.metrics.MentionErrors.WithLabelValues(source.Platform).Add(float64(result.Errors))

	if result.MentionsSaved > 0 {
		s.triggerEnrichment(source.TenantID, result.MentionsSaved)
	}

	result.Success = true
	result.Message = fmt.Sprintf("synced %d new mentions", result.MentionsSaved)
	return result, nil
}

func (s *Service) fail(ctx context.Context, result *Result, source models.Source, msg string, log *logrus.Entry) {
	if err := s.store.UpdateSourceStatus(ctx, source.ID, models.SourceStatusError, msg); err != nil {
		log.Errorf("Failed to record source error: %v", err)
	}
	s.metrics.SyncRuns.WithLabelValues(source.Platform, "connection_error").Inc()
	result.Message = msg
}

func (s *Service) settings(ctx context.Context) models.SyncSettings {
	settings, err := s.store.GetSyncSettings(ctx, s.opts.Defaults)
	if err != nil {
		logrus.Warnf("Failed to read sync settings, using defaults: %v", err)
		return s.opts.Defaults
	}
	return settings
}

// archiveBatch writes the batch's raw payloads to the archive. Failures are logged only.
func (s *Service) archiveBatch(ctx context.Context, source models.Source, mentions []models.Mention, at time.Time, log *logrus.Entry) {
	if s.archive == nil || len(mentions) == 0 {
		return
	}

	raw := make([]json.RawMessage, 0, len(mentions))
	for _, m := range mentions {
		if len(m.RawData) > 0 {
			raw = append(raw, m.RawData)
		}
	}
	if len(raw) == 0 {
		return
	}

	data, err := json.Marshal(raw)
	if err != nil {
		log.Warnf("Failed to encode raw batch: %v", err)
		return
	}
	if err := s.archive.Store(ctx, storage.RawArchiveKey(source.TenantID, source.ID, at), data); err != nil {
		log.Warnf("Failed to archive raw batch: %v", err)
	}
}

// triggerEnrichment notifies the enrichment service without waiting for it
func (s *Service) triggerEnrichment(tenantID string, count int) {
	if s.enricher == nil {
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.opts.EnrichmentTimeout)
		defer cancel()

		if err := s.enricher.TriggerEnrichment(ctx, tenantID, count); err != nil {
			s.metrics.EnrichmentTriggers.WithLabelValues("error").Inc()
			logrus.WithField("tenant_id", tenantID).Warnf("Enrichment trigger failed: %v", err)
			return
		}
		s.metrics.EnrichmentTriggers.WithLabelValues("ok").Inc()
	}()
}

// SyncTenant syncs every non-error source of a tenant, one at a time, never-synced first
func (s *Service) SyncTenant(ctx context.Context, tenantID string) (*Summary, error) {
	sources, err := s.store.ListTenantSources(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	models.SortByStaleness(sources)

	logrus.WithField("tenant_id", tenantID).Infof("Syncing %d sources", len(sources))
	return s.syncAll(ctx, sources), nil
}

// SyncDueSources sweeps every tenant's due sources, oldest first, capped at the batch size
func (s *Service) SyncDueSources(ctx context.Context) (*Summary, error) {
	settings := s.settings(ctx)
	if !settings.AutoSyncEnabled {
		logrus.Info("Auto sync disabled, skipping due-sources sweep")
		return &Summary{Skipped: true}, nil
	}

	now := s.now()
	candidates, err := s.store.ListDueSources(ctx, now, settings.SyncPlatforms, s.opts.BatchSize)
	if err != nil {
		return nil, err
	}

	// the store's selection is re-checked against the source's own interval
	sources := candidates[:0]
	for _, src := range candidates {
		if !src.IsDue(now) {
			logrus.WithField("source_id", src.ID).Debug("Source not due yet, skipping")
			continue
		}
		sources = append(sources, src)
	}
	models.SortByStaleness(sources)

	logrus.Infof("Found %d due sources", len(sources))
	summary := s.syncAll(ctx, sources)
	logrus.Infof("Due-sources sweep done: %d synced, %d failed, %d new mentions",
		summary.SourcesSynced, summary.SourcesFailed, summary.MentionsSaved)
	return summary, nil
}

func (s *Service) syncAll(ctx context.Context, sources []models.Source) *Summary {
	summary := &Summary{Results: []Result{}}
	for _, src := range sources {
		result, err := s.syncOne(ctx, src.ID)
		if err != nil {
			logrus.WithField("source_id", src.ID).Errorf("Source sync failed: %v", err)
			summary.add(Result{SourceID: src.ID, Message: err.Error()})
			continue
		}
		summary.add(*result)
	}
	return summary
}

// syncOne turns a panic anywhere in a source's sync into an error for that source only
func (s *Service) syncOne(ctx context.Context, sourceID string) (result *Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			result, err = nil, fmt.Errorf("sync panicked: %v", r)
		}
	}()
	return s.SyncSource(ctx, sourceID)
}

// GetSyncStatus reports whether a source is syncing and its last result
func (s *Service) GetSyncStatus(sourceID string) Status {
	status := Status{SourceID: sourceID}

	if v, ok := s.active.Load(sourceID); ok {
		started := v.(time.Time)
		elapsed := s.now().Sub(started).Milliseconds()
		status.Syncing = true
		status.StartedAt = &started
		status.DurationMs = &elapsed
	}

	s.mu.RLock()
	if r, ok := s.results[sourceID]; ok {
		status.LastResult = &r
	}
	s.mu.RUnlock()

	return status
}

// ActiveSyncs lists in-flight syncs, oldest first
func (s *Service) ActiveSyncs() []ActiveSync {
	now := s.now()
	active := []ActiveSync{}
	s.active.Range(func(k, v any) bool {
		started := v.(time.Time)
		active = append(active, ActiveSync{
			SourceID:  k.(string),
			StartedAt: started,
			ElapsedMs: now.Sub(started).Milliseconds(),
		})
		return true
	})
	sort.Slice(active, func(i, j int) bool { return active[i].StartedAt.Before(active[j].StartedAt) })
	return active
}
