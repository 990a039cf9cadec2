package connectors

import (
	"strconv"
	"testing"
	"time"

	"github.com/azure/mentions-sync/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBase_RateLimit(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	b := NewBase(models.Source{ID: "s1", Platform: "twitter"}, Deps{}, 0)
	b.now = func() time.Time { return now }

	assert.False(t, b.IsRateLimited())
	assert.Equal(t, time.Duration(0), b.TimeUntilReset())
	assert.Nil(t, b.RateLimit().Remaining)

	b.observeRateLimit(5, now.Add(10*time.Minute))
	assert.False(t, b.IsRateLimited())

	b.observeRateLimit(0, now.Add(10*time.Minute))
	assert.True(t, b.IsRateLimited())
	assert.Equal(t, 10*time.Minute, b.TimeUntilReset())

	snap := b.RateLimit()
	require.NotNil(t, snap.Remaining)
	assert.Equal(t, 0, *snap.Remaining)
	assert.Equal(t, now.Add(10*time.Minute), *snap.ResetAt)

	// window has passed
	b.now = func() time.Time { return now.Add(11 * time.Minute) }
	assert.False(t, b.IsRateLimited())
	assert.Equal(t, time.Duration(0), b.TimeUntilReset())
}

func TestBase_ObserveRateLimitHeaders(t *testing.T) {
	b := NewBase(models.Source{ID: "s1"}, Deps{}, 0)
	reset := time.Now().Add(time.Hour).Unix()

	headers := map[string]string{
		"x-rate-limit-remaining": "0",
		"x-rate-limit-reset":     strconv.FormatInt(reset, 10),
	}
	b.observeRateLimitHeaders(func(k string) string { return headers[k] })

	assert.True(t, b.IsRateLimited())
	assert.Equal(t, reset, b.RateLimit().ResetAt.Unix())

	// missing headers leave the snapshot alone
	b2 := NewBase(models.Source{ID: "s2"}, Deps{}, 0)
	b2.observeRateLimitHeaders(func(string) string { return "" })
	assert.Nil(t, b2.RateLimit().Remaining)
}

func TestBase_ConfigStrings(t *testing.T) {
	tests := []struct {
		name     string
		value    any
		expected []string
	}{
		{name: "JSON array", value: []any{"golang", " kubernetes ", 3}, expected: []string{"golang", "kubernetes"}},
		{name: "String slice", value: []string{"a", ""}, expected: []string{"a"}},
		{name: "Comma string", value: "a, b,,c", expected: []string{"a", "b", "c"}},
		{name: "Missing", value: nil, expected: nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := NewBase(models.Source{Config: map[string]any{"k": tt.value}}, Deps{}, 0)
			assert.Equal(t, tt.expected, b.configStrings("k"))
		})
	}
}

func TestMatchesAny(t *testing.T) {
	assert.True(t, matchesAny("anything", nil))
	assert.True(t, matchesAny("Running AKS in prod", []string{"aks"}))
	assert.False(t, matchesAny("Running EKS in prod", []string{"aks", "azure"}))
}

func TestClampLimit(t *testing.T) {
	assert.Equal(t, 10, clampLimit(0, 10, 100))
	assert.Equal(t, 100, clampLimit(500, 10, 100))
	assert.Equal(t, 42, clampLimit(42, 10, 100))
}

func TestStripHTML(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{name: "Basic HTML tags", input: "<p>Hello <strong>world</strong></p>", expected: "Hello world"},
		{name: "Line breaks", input: "Line 1<br>Line 2<br/>Line 3", expected: "Line 1 Line 2 Line 3"},
		{name: "Entities", input: "Tom &amp; Jerry &lt;3", expected: "Tom & Jerry <3"},
		{name: "No HTML tags", input: "Plain   text\ncontent", expected: "Plain text content"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, stripHTML(tt.input))
		})
	}
}
