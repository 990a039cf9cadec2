package connectors

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/azure/mentions-sync/internal/models"
)

// Registry maps platform ids to connector factories
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry returns an empty registry
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// DefaultRegistry returns a registry with every bundled platform registered
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register("twitter", NewTwitterConnector)
	r.Register("youtube", NewYouTubeConnector)
	r.Register("reddit", NewRedditConnector)
	r.Register("rss", NewRSSConnector)
	r.Register("hackernews", NewHackerNewsConnector)
	r.Register("stackoverflow", NewStackOverflowConnector)
	return r
}

// Register adds or replaces the factory for a platform
func (r *Registry) Register(platform string, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[strings.ToLower(platform)] = factory
}

// New builds the connector for a source. An unregistered platform yields
// *UnsupportedPlatformError before any network call is made.
func (r *Registry) New(source models.Source, deps Deps) (Connector, error) {
	r.mu.RLock()
	factory, ok := r.factories[strings.ToLower(source.Platform)]
	r.mu.RUnlock()

	if !ok {
		return nil, &UnsupportedPlatformError{Platform: source.Platform}
	}

	conn, err := factory(source, deps)
	if err != nil {
		return nil, fmt.Errorf("building %s connector: %w", source.Platform, err)
	}
	return conn, nil
}

// Supports reports whether a platform has a registered factory
func (r *Registry) Supports(platform string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.factories[strings.ToLower(platform)]
	return ok
}

// Platforms lists the registered platform ids in sorted order
func (r *Registry) Platforms() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	platforms := make([]string, 0, len(r.factories))
	for p := range r.factories {
		platforms = append(platforms, p)
	}
	sort.Strings(platforms)
	return platforms
}
