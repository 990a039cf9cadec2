package connectors

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/azure/mentions-sync/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var hnItems = map[string]string{
	// 2024-05-01 11:00 UTC
	"/item/3.json": `{"id":3,"type":"story","by":"pg","time":1714561200,"title":"Show HN: AKS autoscaler tricks","url":"https://example.com/aks","score":42,"descendants":7}`,
	"/item/2.json": `{"id":2,"type":"story","by":"dang","time":1714560000,"title":"Rust 2.0","score":5}`,
	"/item/4.json": `null`,
	// 2024-04-01, outside the window
	"/item/1.json": `{"id":1,"type":"story","by":"old","time":1711929600,"title":"AKS history","score":1}`,
}

func newTestHackerNews(t *testing.T, items map[string]string, config map[string]any) (Connector, *int) {
	t.Helper()
	var itemCalls int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/newstories.json" {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`[5,4,3,2,1]`))
			return
		}
		itemCalls++
		body, ok := items[r.URL.Path]
		if !ok {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(server.Close)

	cfg := map[string]any{"keywords": []any{"aks"}, "base_url": server.URL}
	for k, v := range config {
		cfg[k] = v
	}
	conn, err := NewHackerNewsConnector(models.Source{ID: "src-hn", Platform: "hackernews", Config: cfg}, Deps{})
	require.NoError(t, err)
	return conn, &itemCalls
}

func TestHackerNewsConnector_FetchMentions(t *testing.T) {
	conn, itemCalls := newTestHackerNews(t, hnItems, nil)

	mentions, err := conn.FetchMentions(context.Background(), FetchOptions{
		Since: time.Date(2024, 4, 30, 0, 0, 0, 0, time.UTC),
		Limit: 10,
	})
	require.NoError(t, err)
	require.Len(t, mentions, 1)

	m := mentions[0]
	assert.Equal(t, "3", m.ExternalID)
	assert.Equal(t, "https://example.com/aks", m.URL)
	assert.Equal(t, "pg", m.AuthorHandle)
	assert.Equal(t, 42, m.Likes)
	assert.Equal(t, 7, m.Comments)
	assert.Equal(t, time.Date(2024, 5, 1, 11, 0, 0, 0, time.UTC), m.PublishedAt)

	// item 5 fails, 4 is null, the scan stops at item 1 which predates the window
	assert.Equal(t, 5, *itemCalls)
}

func TestHackerNewsConnector_MaxItems(t *testing.T) {
	conn, itemCalls := newTestHackerNews(t, hnItems, map[string]any{"max_items": float64(2)})

	mentions, err := conn.FetchMentions(context.Background(), FetchOptions{})
	require.NoError(t, err)
	assert.Empty(t, mentions)
	assert.Equal(t, 2, *itemCalls)
}

func TestHackerNewsConnector_Config(t *testing.T) {
	_, err := NewHackerNewsConnector(models.Source{ID: "s", Platform: "hackernews", Config: map[string]any{}}, Deps{})
	assert.ErrorContains(t, err, "keywords")

	_, err = NewHackerNewsConnector(models.Source{ID: "s", Platform: "hackernews", Config: map[string]any{
		"keywords":  "aks",
		"max_items": "lots",
	}}, Deps{})
	assert.ErrorContains(t, err, "max_items")
}

func TestHackerNewsConnector_TestConnection(t *testing.T) {
	conn, _ := newTestHackerNews(t, hnItems, nil)
	result, err := conn.TestConnection(context.Background())
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, 5, result.Info["new_stories"])

	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer down.Close()

	conn, err = NewHackerNewsConnector(models.Source{ID: "s", Platform: "hackernews", Config: map[string]any{
		"keywords": "aks",
		"base_url": down.URL,
	}}, Deps{})
	require.NoError(t, err)

	result, err = conn.TestConnection(context.Background())
	require.Error(t, err)
	assert.False(t, result.Success)

	var connErr *ConnectionError
	require.True(t, errors.As(err, &connErr))
	assert.Equal(t, http.StatusServiceUnavailable, connErr.Status)
}
