package syncer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/azure/mentions-sync/internal/connectors"
	"github.com/azure/mentions-sync/internal/models"
	"github.com/azure/mentions-sync/internal/storage"
	"github.com/stretchr/testify/mock"
)

// fakeStore is an in-memory Store
type fakeStore struct {
	mu        sync.Mutex
	sources   map[string]*models.Source
	mentions  []models.Mention
	settings  *models.SyncSettings
	topics    []string
	insertErr map[string]error
	loadOrder []string
}

func newFakeStore(sources ...models.Source) *fakeStore {
	s := &fakeStore{
		sources:   make(map[string]*models.Source),
		insertErr: make(map[string]error),
	}
	for i := range sources {
		src := sources[i]
		s.sources[src.ID] = &src
	}
	return s
}

func (f *fakeStore) source(id string) models.Source {
	f.mu.Lock()
	defer f.mu.Unlock()
	return *f.sources[id]
}

func (f *fakeStore) mentionCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.mentions)
}

func (f *fakeStore) GetSource(ctx context.Context, id string) (*models.Source, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.loadOrder = append(f.loadOrder, id)
	src, ok := f.sources[id]
	if !ok {
		return nil, fmt.Errorf("source %s: %w", id, storage.ErrNotFound)
	}
	cp := *src
	return &cp, nil
}

func (f *fakeStore) ListTenantSources(ctx context.Context, tenantID string) ([]models.Source, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.Source
	for _, s := range f.sources {
		if s.TenantID == tenantID && s.Status != models.SourceStatusError {
			out = append(out, *s)
		}
	}
	return out, nil
}

func (f *fakeStore) ListDueSources(ctx context.Context, now time.Time, platforms []string, limit int) ([]models.Source, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.Source
	for _, s := range f.sources {
		// interval filtering is left to the service
		if s.Status != models.SourceStatusConnected {
			continue
		}
		if len(platforms) > 0 && !contains(platforms, s.Platform) {
			continue
		}
		out = append(out, *s)
	}
	models.SortByStaleness(out)
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeStore) UpdateSourceStatus(ctx context.Context, sourceID string, status models.SourceStatus, message string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	src, ok := f.sources[sourceID]
	if !ok {
		return storage.ErrNotFound
	}
	src.Status = status
	src.ErrorMessage = message
	return nil
}

func (f *fakeStore) MarkSourceSynced(ctx context.Context, sourceID string, at time.Time, snap models.RateLimitSnapshot) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	src := f.sources[sourceID]
	src.Status = models.SourceStatusConnected
	src.LastSyncAt = &at
	src.ErrorMessage = ""
	src.RateLimitRemaining = snap.Remaining
	src.RateLimitResetAt = snap.ResetAt
	return nil
}

func (f *fakeStore) SaveRateLimit(ctx context.Context, sourceID string, snap models.RateLimitSnapshot) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	src := f.sources[sourceID]
	src.RateLimitRemaining = snap.Remaining
	src.RateLimitResetAt = snap.ResetAt
	return nil
}

func (f *fakeStore) MentionExists(ctx context.Context, tenantID, platform, externalID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, m := range f.mentions {
		if m.TenantID == tenantID && m.Platform == platform && m.ExternalID == externalID {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeStore) InsertMention(ctx context.Context, m *models.Mention) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.insertErr[m.ExternalID]; err != nil {
		return err
	}
	if m.ID == "" {
		m.ID = fmt.Sprintf("m-%d", len(f.mentions)+1)
	}
	f.mentions = append(f.mentions, *m)
	return nil
}

func (f *fakeStore) ListTopicNames(ctx context.Context, tenantID string) ([]string, error) {
	return f.topics, nil
}

func (f *fakeStore) GetSyncSettings(ctx context.Context, defaults models.SyncSettings) (models.SyncSettings, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.settings == nil {
		return defaults, nil
	}
	return *f.settings, nil
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

// fakePlatform configures the connectors built for the "fake" platform
type fakePlatform struct {
	mentions    []models.Mention
	testErr     error
	fetchErr    error
	rateLimited bool
	panicFor    map[string]bool

	// when set, FetchMentions signals started and waits for release
	started chan struct{}
	release chan struct{}

	fetchCalls atomic.Int32
	mu         sync.Mutex
	lastOpts   connectors.FetchOptions
}

func (p *fakePlatform) options() connectors.FetchOptions {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastOpts
}

type fakeConnector struct {
	platform *fakePlatform
	source   models.Source
	status   connectors.StatusUpdater
}

func (c *fakeConnector) Platform() string { return "fake" }

func (c *fakeConnector) TestConnection(ctx context.Context) (*connectors.ConnectionResult, error) {
	if c.platform.testErr != nil {
		return &connectors.ConnectionResult{Success: false, Message: c.platform.testErr.Error()}, c.platform.testErr
	}
	return &connectors.ConnectionResult{Success: true, Message: "ok"}, nil
}

func (c *fakeConnector) FetchMentions(ctx context.Context, opts connectors.FetchOptions) ([]models.Mention, error) {
	c.platform.fetchCalls.Add(1)
	c.platform.mu.Lock()
	c.platform.lastOpts = opts
	c.platform.mu.Unlock()

	if c.platform.panicFor[c.source.ID] {
		var snap *models.RateLimitSnapshot
		_ = *snap.Remaining
	}
	if c.platform.started != nil {
		c.platform.started <- struct{}{}
		<-c.platform.release
	}
	if c.platform.fetchErr != nil {
		return nil, c.platform.fetchErr
	}

	out := make([]models.Mention, len(c.platform.mentions))
	copy(out, c.platform.mentions)
	return out, nil
}

func (c *fakeConnector) IsRateLimited() bool { return c.platform.rateLimited }

func (c *fakeConnector) TimeUntilReset() time.Duration {
	if c.platform.rateLimited {
		return 5 * time.Minute
	}
	return 0
}

func (c *fakeConnector) RateLimit() models.RateLimitSnapshot {
	remaining := 42
	if c.platform.rateLimited {
		remaining = 0
	}
	return models.RateLimitSnapshot{Remaining: &remaining}
}

func (c *fakeConnector) UpdateSourceStatus(ctx context.Context, status models.SourceStatus, message string) error {
	return c.status.UpdateSourceStatus(ctx, c.source.ID, status, message)
}

func fakeRegistry(p *fakePlatform) *connectors.Registry {
	r := connectors.NewRegistry()
	r.Register("fake", func(source models.Source, deps connectors.Deps) (connectors.Connector, error) {
		if source.Config["broken"] == true {
			return nil, errors.New("missing config token")
		}
		return &fakeConnector{platform: p, source: source, status: deps.Status}, nil
	})
	return r
}

// mockEnricher records enrichment triggers
type mockEnricher struct {
	mock.Mock
}

func (m *mockEnricher) TriggerEnrichment(ctx context.Context, tenantID string, newMentionCount int) error {
	args := m.Called(tenantID, newMentionCount)
	return args.Error(0)
}

// recordingArchive keeps stored batches in memory
type recordingArchive struct {
	mu    sync.Mutex
	names []string
	err   error
}

func (a *recordingArchive) Store(ctx context.Context, name string, data []byte) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.names = append(a.names, name)
	return a.err
}
