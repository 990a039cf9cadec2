package syncer

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/azure/mentions-sync/internal/connectors"
	"github.com/azure/mentions-sync/internal/metrics"
	"github.com/azure/mentions-sync/internal/models"
	"github.com/azure/mentions-sync/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func fixtureMentions() []models.Mention {
	return []models.Mention{
		{Platform: "fake", ExternalID: "e1", Content: "Love the new AKS release", PublishedAt: testNow.Add(-time.Hour), RawData: []byte(`{"id":"e1"}`)},
		{Platform: "fake", ExternalID: "e2", Content: "Kubernetes upgrade failed again", PublishedAt: testNow.Add(-2 * time.Hour), RawData: []byte(`{"id":"e2"}`)},
		{Platform: "fake", ExternalID: "e3", Content: "neutral words", PublishedAt: testNow.Add(-3 * time.Hour)},
	}
}

func connectedSource(id, tenant string, lastSync *time.Time) models.Source {
	return models.Source{
		ID:                  id,
		TenantID:            tenant,
		Platform:            "fake",
		Config:              map[string]any{},
		Status:              models.SourceStatusConnected,
		LastSyncAt:          lastSync,
		SyncIntervalMinutes: 15,
	}
}

func newTestService(store *fakeStore, p *fakePlatform, enricher Enricher, archive storage.RawArchive) *Service {
	svc := NewService(store, fakeRegistry(p), enricher, archive, metrics.NewUnregistered(), Options{
		BatchSize:         50,
		FirstSyncBackfill: 7 * 24 * time.Hour,
		Defaults:          models.SyncSettings{AutoSyncEnabled: true, MaxMentionsPerSync: 100},
	})
	svc.now = func() time.Time { return testNow }
	return svc
}

func TestSyncSource_Idempotent(t *testing.T) {
	store := newFakeStore(connectedSource("src-1", "tenant-1", nil))
	p := &fakePlatform{mentions: fixtureMentions()}
	svc := newTestService(store, p, nil, nil)

	first, err := svc.SyncSource(context.Background(), "src-1")
	require.NoError(t, err)
	assert.True(t, first.Success)
	assert.Equal(t, 3, first.MentionsFetched)
	assert.Equal(t, 3, first.MentionsSaved)
	assert.Equal(t, 0, first.Duplicates)

	second, err := svc.SyncSource(context.Background(), "src-1")
	require.NoError(t, err)
	assert.True(t, second.Success)
	assert.Equal(t, 0, second.MentionsSaved)
	assert.Equal(t, 3, second.Duplicates)
	assert.Equal(t, 3, store.mentionCount())

	src := store.source("src-1")
	require.NotNil(t, src.LastSyncAt)
	assert.Equal(t, testNow, *src.LastSyncAt)
	require.NotNil(t, src.RateLimitRemaining)
	assert.Equal(t, 42, *src.RateLimitRemaining)
}

func TestSyncSource_FetchWindow(t *testing.T) {
	t.Run("First sync backfills seven days", func(t *testing.T) {
		store := newFakeStore(connectedSource("src-1", "tenant-1", nil))
		store.settings = &models.SyncSettings{AutoSyncEnabled: true, MaxMentionsPerSync: 25}
		p := &fakePlatform{}
		svc := newTestService(store, p, nil, nil)

		_, err := svc.SyncSource(context.Background(), "src-1")
		require.NoError(t, err)

		opts := p.options()
		assert.Equal(t, testNow.Add(-7*24*time.Hour), opts.Since)
		assert.Equal(t, testNow, opts.Until)
		assert.Equal(t, 25, opts.Limit)
	})

	t.Run("Later syncs start at last sync", func(t *testing.T) {
		last := testNow.Add(-30 * time.Minute)
		store := newFakeStore(connectedSource("src-1", "tenant-1", &last))
		p := &fakePlatform{}
		svc := newTestService(store, p, nil, nil)

		_, err := svc.SyncSource(context.Background(), "src-1")
		require.NoError(t, err)
		assert.Equal(t, last, p.options().Since)
		assert.Equal(t, 100, p.options().Limit)
	})
}

func TestSyncSource_SingleFlight(t *testing.T) {
	store := newFakeStore(connectedSource("src-1", "tenant-1", nil))
	p := &fakePlatform{
		mentions: fixtureMentions(),
		started:  make(chan struct{}),
		release:  make(chan struct{}),
	}
	svc := newTestService(store, p, nil, nil)

	done := make(chan *Result)
	go func() {
		r, err := svc.SyncSource(context.Background(), "src-1")
		assert.NoError(t, err)
		done <- r
	}()

	select {
	case <-p.started:
	case <-time.After(5 * time.Second):
		t.Fatal("first sync never reached fetch")
	}

	status := svc.GetSyncStatus("src-1")
	assert.True(t, status.Syncing)
	require.NotNil(t, status.StartedAt)
	active := svc.ActiveSyncs()
	require.Len(t, active, 1)
	assert.Equal(t, "src-1", active[0].SourceID)

	second, err := svc.SyncSource(context.Background(), "src-1")
	require.NoError(t, err)
	assert.False(t, second.Success)
	assert.Equal(t, "already syncing", second.Message)

	close(p.release)
	first := <-done
	assert.True(t, first.Success)
	assert.Equal(t, int32(1), p.fetchCalls.Load())

	// guard released
	assert.False(t, svc.GetSyncStatus("src-1").Syncing)
	assert.Empty(t, svc.ActiveSyncs())
}

func TestSyncSource_UnsupportedPlatform(t *testing.T) {
	src := connectedSource("src-1", "tenant-1", nil)
	src.Platform = "tiktok"
	store := newFakeStore(src)
	p := &fakePlatform{}
	svc := newTestService(store, p, nil, nil)

	result, err := svc.SyncSource(context.Background(), "src-1")
	require.Error(t, err)
	assert.Nil(t, result)

	var unsupported *connectors.UnsupportedPlatformError
	assert.True(t, errors.As(err, &unsupported))
	assert.Equal(t, models.SourceStatusConnected, store.source("src-1").Status)
	assert.Equal(t, int32(0), p.fetchCalls.Load())
	assert.False(t, svc.GetSyncStatus("src-1").Syncing)
}

func TestSyncSource_MissingSource(t *testing.T) {
	svc := newTestService(newFakeStore(), &fakePlatform{}, nil, nil)

	_, err := svc.SyncSource(context.Background(), "nope")
	require.Error(t, err)
	assert.True(t, errors.Is(err, storage.ErrNotFound))
}

func TestSyncSource_ConnectionFailureMarksError(t *testing.T) {
	store := newFakeStore(connectedSource("src-1", "tenant-1", nil))
	p := &fakePlatform{testErr: &connectors.ConnectionError{Platform: "fake", Status: 401, Err: errors.New("bad token")}}
	svc := newTestService(store, p, nil, nil)

	result, err := svc.SyncSource(context.Background(), "src-1")
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Contains(t, result.Message, "bad token")
	assert.Equal(t, int32(0), p.fetchCalls.Load())

	src := store.source("src-1")
	assert.Equal(t, models.SourceStatusError, src.Status)
	assert.Contains(t, src.ErrorMessage, "status 401")
	assert.Nil(t, src.LastSyncAt)
}

func TestSyncSource_BadConfigMarksError(t *testing.T) {
	src := connectedSource("src-1", "tenant-1", nil)
	src.Config["broken"] = true
	store := newFakeStore(src)
	svc := newTestService(store, &fakePlatform{}, nil, nil)

	result, err := svc.SyncSource(context.Background(), "src-1")
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Equal(t, models.SourceStatusError, store.source("src-1").Status)
}

func TestSyncSource_FetchFailureMarksError(t *testing.T) {
	store := newFakeStore(connectedSource("src-1", "tenant-1", nil))
	p := &fakePlatform{fetchErr: errors.New("upstream 500")}
	svc := newTestService(store, p, nil, nil)

	result, err := svc.SyncSource(context.Background(), "src-1")
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Equal(t, models.SourceStatusError, store.source("src-1").Status)
	assert.Equal(t, "upstream 500", store.source("src-1").ErrorMessage)
}

func TestSyncSource_RateLimitedDoesNotFetch(t *testing.T) {
	store := newFakeStore(connectedSource("src-1", "tenant-1", nil))
	p := &fakePlatform{rateLimited: true}
	svc := newTestService(store, p, nil, nil)

	result, err := svc.SyncSource(context.Background(), "src-1")
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Contains(t, result.Message, "rate limited")
	assert.Equal(t, int32(0), p.fetchCalls.Load())

	src := store.source("src-1")
	assert.Equal(t, models.SourceStatusConnected, src.Status)
	require.NotNil(t, src.RateLimitRemaining)
	assert.Equal(t, 0, *src.RateLimitRemaining)
}

func TestSyncSource_InsertFailuresDoNotAbortBatch(t *testing.T) {
	store := newFakeStore(connectedSource("src-1", "tenant-1", nil))
	store.insertErr["e2"] = errors.New("value too long")
	mentions := append(fixtureMentions(), models.Mention{Platform: "fake", ExternalID: "  ", Content: "no id"})
	p := &fakePlatform{mentions: mentions}
	svc := newTestService(store, p, nil, nil)

	result, err := svc.SyncSource(context.Background(), "src-1")
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, 4, result.MentionsFetched)
	assert.Equal(t, 2, result.MentionsSaved)
	assert.Equal(t, 2, result.Errors)
}

func TestSyncSource_NormalizesMentions(t *testing.T) {
	store := newFakeStore(connectedSource("src-1", "tenant-1", nil))
	store.topics = []string{"AKS", "Kubernetes", "Helm"}
	p := &fakePlatform{mentions: fixtureMentions()}
	svc := newTestService(store, p, nil, nil)

	_, err := svc.SyncSource(context.Background(), "src-1")
	require.NoError(t, err)

	require.Len(t, store.mentions, 3)
	first := store.mentions[0]
	assert.Equal(t, "tenant-1", first.TenantID)
	assert.Equal(t, "src-1", first.SourceID)
	assert.Equal(t, []string{"AKS"}, first.Topics)
	require.NotNil(t, first.SentimentScore)
	assert.Equal(t, 1.0, *first.SentimentScore)

	second := store.mentions[1]
	assert.Equal(t, []string{"Kubernetes"}, second.Topics)
	assert.Equal(t, -1.0, *second.SentimentScore)
}

func TestSyncSource_TriggersEnrichmentOnlyForNewMentions(t *testing.T) {
	store := newFakeStore(connectedSource("src-1", "tenant-1", nil))
	p := &fakePlatform{mentions: fixtureMentions()}

	called := make(chan struct{}, 2)
	enricher := &mockEnricher{}
	enricher.On("TriggerEnrichment", "tenant-1", 3).
		Return(errors.New("enrichment down")).
		Run(func(mock.Arguments) { called <- struct{}{} }).
		Once()

	svc := newTestService(store, p, enricher, nil)

	result, err := svc.SyncSource(context.Background(), "src-1")
	require.NoError(t, err)
	// enrichment failure never changes the outcome
	assert.True(t, result.Success)

	select {
	case <-called:
	case <-time.After(5 * time.Second):
		t.Fatal("enrichment was not triggered")
	}

	// nothing new on the second run
	_, err = svc.SyncSource(context.Background(), "src-1")
	require.NoError(t, err)
	enricher.AssertExpectations(t)
	enricher.AssertNumberOfCalls(t, "TriggerEnrichment", 1)
}

func TestSyncSource_ArchivesRawBatch(t *testing.T) {
	store := newFakeStore(connectedSource("src-1", "tenant-1", nil))
	archive := &recordingArchive{err: errors.New("blob unavailable")}
	svc := newTestService(store, &fakePlatform{mentions: fixtureMentions()}, nil, archive)

	result, err := svc.SyncSource(context.Background(), "src-1")
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, []string{storage.RawArchiveKey("tenant-1", "src-1", testNow)}, archive.names)
}

func TestSyncTenant_SequentialNeverSyncedFirst(t *testing.T) {
	oldest := testNow.Add(-3 * time.Hour)
	recent := testNow.Add(-1 * time.Hour)

	errored := connectedSource("err", "tenant-1", nil)
	errored.Status = models.SourceStatusError
	unsupported := connectedSource("unsupported", "tenant-1", &recent)
	unsupported.Platform = "tiktok"

	store := newFakeStore(
		connectedSource("recent", "tenant-1", &recent),
		connectedSource("never", "tenant-1", nil),
		connectedSource("oldest", "tenant-1", &oldest),
		unsupported,
		errored,
		connectedSource("other-tenant", "tenant-2", nil),
	)
	svc := newTestService(store, &fakePlatform{mentions: fixtureMentions()}, nil, nil)

	summary, err := svc.SyncTenant(context.Background(), "tenant-1")
	require.NoError(t, err)

	require.Len(t, store.loadOrder, 4)
	assert.Equal(t, "never", store.loadOrder[0])
	assert.Equal(t, "oldest", store.loadOrder[1])
	assert.ElementsMatch(t, []string{"recent", "unsupported"}, store.loadOrder[2:])

	assert.Equal(t, 3, summary.SourcesSynced)
	assert.Equal(t, 1, summary.SourcesFailed)
	// same upstream data: only the first source's mentions are new for the tenant
	assert.Equal(t, 3, summary.MentionsSaved)
	assert.Equal(t, 6, summary.Duplicates)
}

func TestSyncDueSources(t *testing.T) {
	tenMinutesAgo := testNow.Add(-10 * time.Minute)

	notDue := connectedSource("not-due", "t1", &tenMinutesAgo)
	notDue.SyncIntervalMinutes = 15
	due := connectedSource("due", "t1", &tenMinutesAgo)
	due.SyncIntervalMinutes = 5
	never := connectedSource("never", "t2", nil)
	never.SyncIntervalMinutes = 100000
	pending := connectedSource("pending", "t2", nil)
	pending.Status = models.SourceStatusPending

	t.Run("Selects due sources never-synced first", func(t *testing.T) {
		store := newFakeStore(notDue, due, never, pending)
		svc := newTestService(store, &fakePlatform{}, nil, nil)

		summary, err := svc.SyncDueSources(context.Background())
		require.NoError(t, err)
		assert.False(t, summary.Skipped)
		assert.Equal(t, []string{"never", "due"}, store.loadOrder)
		assert.Equal(t, 2, summary.SourcesSynced)
	})

	t.Run("Auto sync disabled", func(t *testing.T) {
		store := newFakeStore(notDue, due, never)
		store.settings = &models.SyncSettings{AutoSyncEnabled: false, MaxMentionsPerSync: 100}
		svc := newTestService(store, &fakePlatform{}, nil, nil)

		summary, err := svc.SyncDueSources(context.Background())
		require.NoError(t, err)
		assert.True(t, summary.Skipped)
		assert.Empty(t, store.loadOrder)
	})

	t.Run("Platform allow-list", func(t *testing.T) {
		store := newFakeStore(due, never)
		store.settings = &models.SyncSettings{AutoSyncEnabled: true, SyncPlatforms: []string{"twitter"}, MaxMentionsPerSync: 100}
		svc := newTestService(store, &fakePlatform{}, nil, nil)

		summary, err := svc.SyncDueSources(context.Background())
		require.NoError(t, err)
		assert.Empty(t, summary.Results)
		assert.Empty(t, store.loadOrder)
	})
}

func TestGetSyncStatus_LastResult(t *testing.T) {
	store := newFakeStore(connectedSource("src-1", "tenant-1", nil))
	svc := newTestService(store, &fakePlatform{mentions: fixtureMentions()}, nil, nil)

	status := svc.GetSyncStatus("src-1")
	assert.False(t, status.Syncing)
	assert.Nil(t, status.LastResult)

	_, err := svc.SyncSource(context.Background(), "src-1")
	require.NoError(t, err)

	status = svc.GetSyncStatus("src-1")
	assert.False(t, status.Syncing)
	require.NotNil(t, status.LastResult)
	assert.Equal(t, 3, status.LastResult.MentionsSaved)
}

func TestSyncTenant_PanickingConnectorIsIsolated(t *testing.T) {
	earlier := testNow.Add(-time.Hour)
	store := newFakeStore(
		connectedSource("s1", "tenant-1", nil),
		connectedSource("s2", "tenant-1", &earlier),
	)
	p := &fakePlatform{mentions: fixtureMentions(), panicFor: map[string]bool{"s1": true}}
	svc := newTestService(store, p, nil, nil)

	var summary *Summary
	require.NotPanics(t, func() {
		var err error
		summary, err = svc.SyncTenant(context.Background(), "tenant-1")
		require.NoError(t, err)
	})

	assert.Equal(t, int32(2), p.fetchCalls.Load())
	assert.Equal(t, 1, summary.SourcesSynced)
	assert.Equal(t, 1, summary.SourcesFailed)
	assert.Equal(t, 3, summary.MentionsSaved)

	failed := store.source("s1")
	assert.Equal(t, models.SourceStatusError, failed.Status)
	assert.Contains(t, failed.ErrorMessage, "sync panicked")

	// the guard was released
	assert.False(t, svc.GetSyncStatus("s1").Syncing)
	assert.Empty(t, svc.ActiveSyncs())
}
