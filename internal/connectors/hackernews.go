package connectors

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/azure/mentions-sync/internal/models"
	"github.com/go-resty/resty/v2"
	"github.com/sirupsen/logrus"
)

const (
	hackerNewsAPIBase  = "https://hacker-news.firebaseio.com/v0"
	hackerNewsMaxItems = 200
)

// HackerNewsConnector scans the newest Hacker News stories for keywords
type HackerNewsConnector struct {
	*Base
	keywords []string
	maxItems int
	client   *resty.Client
}

type hackerNewsItem struct {
	ID          int    `json:"id"`
	Type        string `json:"type"`
	By          string `json:"by"`
	Time        int64  `json:"time"`
	Title       string `json:"title"`
	Text        string `json:"text"`
	URL         string `json:"url"`
	Score       int    `json:"score"`
	Descendants int    `json:"descendants"`
	Deleted     bool   `json:"deleted"`
	Dead        bool   `json:"dead"`
}

// NewHackerNewsConnector creates a Hacker News connector. Config: keywords, max_items, base_url.
func NewHackerNewsConnector(source models.Source, deps Deps) (Connector, error) {
	base := NewBase(source, deps, 0)

	keywords := base.configStrings("keywords")
	if len(keywords) == 0 {
		return nil, fmt.Errorf("hackernews source %s: missing config keywords", source.ID)
	}

	maxItems := hackerNewsMaxItems
	if v := base.configString("max_items"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("hackernews source %s: invalid max_items %q", source.ID, v)
		}
		maxItems = n
	} else if n, ok := source.Config["max_items"].(float64); ok && n > 0 {
		maxItems = int(n)
	}

	baseURL := base.configString("base_url")
	if baseURL == "" {
		baseURL = hackerNewsAPIBase
	}

	return &HackerNewsConnector{
		Base:     base,
		keywords: keywords,
		maxItems: maxItems,
		client: resty.New().
			SetBaseURL(strings.TrimRight(baseURL, "/")).
			SetTimeout(30*time.Second).
			SetHeader("User-Agent", userAgent),
	}, nil
}

func (h *HackerNewsConnector) Platform() string {
	return "hackernews"
}

func (h *HackerNewsConnector) TestConnection(ctx context.Context) (*ConnectionResult, error) {
	ids, err := h.newStories(ctx)
	if err != nil {
		return &ConnectionResult{Success: false, Message: err.Error()}, err
	}
	return &ConnectionResult{
		Success: true,
		Message: "Connected to Hacker News API",
		Info: map[string]any{
			"keywords":    h.keywords,
			"new_stories": len(ids),
		},
	}, nil
}

func (h *HackerNewsConnector) FetchMentions(ctx context.Context, opts FetchOptions) ([]models.Mention, error) {
	ids, err := h.newStories(ctx)
	if err != nil {
		return nil, err
	}
	if len(ids) > h.maxItems {
		ids = ids[:h.maxItems]
	}

	var mentions []models.Mention
	for _, id := range ids {
		item, err := h.item(ctx, id)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			logrus.Debug((&PartialFetchError{Platform: "hackernews", Resource: "item", ID: strconv.Itoa(id), Err: err}).Error())
			continue
		}
		if item == nil || item.Deleted || item.Dead {
			continue
		}

		published := time.Unix(item.Time, 0).UTC()
		// newstories is ordered newest first
		if !opts.Since.IsZero() && published.Before(opts.Since) {
			break
		}
		if !inWindow(published, opts) {
			continue
		}

		m, ok := h.normalize(item, published)
		if !ok {
			continue
		}
		mentions = append(mentions, m)
		if opts.Limit > 0 && len(mentions) >= opts.Limit {
			break
		}
	}

	logrus.Infof("Fetched %d mentions from Hacker News for source %s", len(mentions), h.source.ID)
	return mentions, nil
}

func (h *HackerNewsConnector) newStories(ctx context.Context) ([]int, error) {
	var ids []int
	resp, err := h.client.R().
		SetContext(ctx).
		SetResult(&ids).
		Get("/newstories.json")
	if err != nil {
		return nil, &ConnectionError{Platform: "hackernews", Err: err}
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, &ConnectionError{
			Platform: "hackernews",
			Status:   resp.StatusCode(),
			Err:      fmt.Errorf("hacker news API error: %s", string(resp.Body())),
		}
	}
	return ids, nil
}

// item returns nil for ids the API answers with null
func (h *HackerNewsConnector) item(ctx context.Context, id int) (*hackerNewsItem, error) {
	resp, err := h.client.R().
		SetContext(ctx).
		Get(fmt.Sprintf("/item/%d.json", id))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("status %d", resp.StatusCode())
	}

	var item *hackerNewsItem
	if err := json.Unmarshal(resp.Body(), &item); err != nil {
		return nil, fmt.Errorf("decoding item: %w", err)
	}
	return item, nil
}

func (h *HackerNewsConnector) normalize(item *hackerNewsItem, published time.Time) (models.Mention, bool) {
	content := strings.TrimSpace(item.Title + "\n\n" + stripHTML(item.Text))
	if !matchesAny(content, h.keywords) {
		return models.Mention{}, false
	}

	link := item.URL
	if link == "" {
		link = fmt.Sprintf("https://news.ycombinator.com/item?id=%d", item.ID)
	}

	raw, err := json.Marshal(item)
	if err != nil {
		raw = nil
	}

	return models.Mention{
		Platform:     "hackernews",
		ExternalID:   strconv.Itoa(item.ID),
		URL:          link,
		Content:      content,
		AuthorName:   item.By,
		AuthorHandle: item.By,
		PublishedAt:  published,
		Likes:        item.Score,
		Comments:     item.Descendants,
		RawData:      raw,
	}, true
}
