package connectors

import (
	"context"
	"time"

	"github.com/azure/mentions-sync/internal/models"
)

const userAgent = "MentionsSync/1.0"

// Connector is the contract every platform adapter satisfies
type Connector interface {
	// Platform returns the registry key of the adapter, e.g. "twitter"
	Platform() string

	// TestConnection verifies credentials and reachability without side effects
	TestConnection(ctx context.Context) (*ConnectionResult, error)

	// FetchMentions returns fully normalized mentions published inside the window
	FetchMentions(ctx context.Context, opts FetchOptions) ([]models.Mention, error)

	IsRateLimited() bool
	TimeUntilReset() time.Duration
	RateLimit() models.RateLimitSnapshot

	// UpdateSourceStatus persists connector-observed health onto the source row
	UpdateSourceStatus(ctx context.Context, status models.SourceStatus, message string) error
}

// FetchOptions bounds a single fetch
type FetchOptions struct {
	Since time.Time
	Until time.Time
	Limit int
}

// ConnectionResult is returned by TestConnection
type ConnectionResult struct {
	Success bool           `json:"success"`
	Message string         `json:"message"`
	Info    map[string]any `json:"info,omitempty"`
}

// StatusUpdater writes source health back to persistence
type StatusUpdater interface {
	UpdateSourceStatus(ctx context.Context, sourceID string, status models.SourceStatus, message string) error
}

// Deps are the collaborators handed to every connector factory
type Deps struct {
	Status StatusUpdater
}

// Factory builds a connector for a configured source
type Factory func(source models.Source, deps Deps) (Connector, error)
