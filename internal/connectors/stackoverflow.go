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

const stackExchangeAPIBase = "https://api.stackexchange.com/2.3"

// StackOverflowConnector searches questions on a Stack Exchange site
type StackOverflowConnector struct {
	*Base
	query  string
	tags   []string
	site   string
	apiKey string
	client *resty.Client
}

type stackExchangeResponse struct {
	Items          []json.RawMessage `json:"items"`
	HasMore        bool              `json:"has_more"`
	QuotaRemaining int               `json:"quota_remaining"`
	Backoff        int               `json:"backoff"`
	ErrorID        int               `json:"error_id"`
	ErrorMessage   string            `json:"error_message"`
}

type stackExchangeQuestion struct {
	QuestionID   int      `json:"question_id"`
	Title        string   `json:"title"`
	Body         string   `json:"body"`
	Tags         []string `json:"tags"`
	CreationDate int64    `json:"creation_date"`
	Score        int      `json:"score"`
	AnswerCount  int      `json:"answer_count"`
	Link         string   `json:"link"`
	Owner        struct {
		DisplayName string `json:"display_name"`
		UserID      int    `json:"user_id"`
		Reputation  int    `json:"reputation"`
	} `json:"owner"`
}

// NewStackOverflowConnector creates a Stack Exchange connector. Config: query, tags, site, api_key, base_url.
func NewStackOverflowConnector(source models.Source, deps Deps) (Connector, error) {
	base := NewBase(source, deps, 100*time.Millisecond)
	if err := base.requireConfig("query"); err != nil {
		return nil, err
	}

	site := base.configString("site")
	if site == "" {
		site = "stackoverflow"
	}
	baseURL := base.configString("base_url")
	if baseURL == "" {
		baseURL = stackExchangeAPIBase
	}

	return &StackOverflowConnector{
		Base:   base,
		query:  base.configString("query"),
		tags:   base.configStrings("tags"),
		site:   site,
		apiKey: base.configString("api_key"),
		client: resty.New().
			SetBaseURL(strings.TrimRight(baseURL, "/")).
			SetTimeout(30*time.Second).
			SetHeader("User-Agent", userAgent),
	}, nil
}

func (s *StackOverflowConnector) Platform() string {
	return "stackoverflow"
}

func (s *StackOverflowConnector) TestConnection(ctx context.Context) (*ConnectionResult, error) {
	params := s.params(FetchOptions{})
	params["pagesize"] = "1"
	page, err := s.search(ctx, params)
	if err != nil {
		return &ConnectionResult{Success: false, Message: err.Error()}, err
	}
	if page == nil {
		return &ConnectionResult{Success: true, Message: "Connected to Stack Exchange API, daily quota exhausted"}, nil
	}
	return &ConnectionResult{
		Success: true,
		Message: "Connected to Stack Exchange API",
		Info: map[string]any{
			"site":            s.site,
			"quota_remaining": page.QuotaRemaining,
		},
	}, nil
}

func (s *StackOverflowConnector) FetchMentions(ctx context.Context, opts FetchOptions) ([]models.Mention, error) {
	params := s.params(opts)
	params["pagesize"] = strconv.Itoa(clampLimit(opts.Limit, 1, 100))

	var mentions []models.Mention
	for page := 1; ; page++ {
		params["page"] = strconv.Itoa(page)
		resp, err := s.search(ctx, params)
		if err != nil {
			return nil, err
		}
		if resp == nil {
			logrus.Warnf("Stack Exchange quota exhausted for source %s, returning %d mentions", s.source.ID, len(mentions))
			break
		}

		for _, raw := range resp.Items {
			m, ok := s.normalize(raw, opts)
			if ok {
				mentions = append(mentions, m)
			}
		}

		if opts.Limit > 0 && len(mentions) >= opts.Limit {
			mentions = mentions[:opts.Limit]
			break
		}
		if !resp.HasMore {
			break
		}
		if resp.Backoff > 0 {
			logrus.Debugf("Stack Exchange asked for a %ds backoff", resp.Backoff)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(time.Duration(resp.Backoff) * time.Second):
			}
		}
	}

	logrus.Infof("Fetched %d mentions from Stack Exchange (%s) for source %s", len(mentions), s.site, s.source.ID)
	return mentions, nil
}

func (s *StackOverflowConnector) params(opts FetchOptions) map[string]string {
	params := map[string]string{
		"order":  "desc",
		"sort":   "creation",
		"q":      s.query,
		"site":   s.site,
		"filter": "withbody",
	}
	if len(s.tags) > 0 {
		params["tagged"] = strings.Join(s.tags, ";")
	}
	if s.apiKey != "" {
		params["key"] = s.apiKey
	}
	if !opts.Since.IsZero() {
		params["fromdate"] = strconv.FormatInt(opts.Since.Unix(), 10)
	}
	if !opts.Until.IsZero() {
		params["todate"] = strconv.FormatInt(opts.Until.Unix(), 10)
	}
	return params
}

// search runs one advanced-search request. A nil page with nil error means the quota ran out.
func (s *StackOverflowConnector) search(ctx context.Context, params map[string]string) (*stackExchangeResponse, error) {
	if err := s.wait(ctx); err != nil {
		return nil, err
	}

	var page stackExchangeResponse
	resp, err := s.client.R().
		SetContext(ctx).
		SetQueryParams(params).
		SetResult(&page).
		SetError(&page).
		Get("/search/advanced")
	if err != nil {
		return nil, &ConnectionError{Platform: "stackoverflow", Err: err}
	}

	// the daily quota resets at midnight UTC
	now := s.now().UTC()
	midnight := time.Date(now.Year(), now.Month(), now.Day()+1, 0, 0, 0, 0, time.UTC)
	if resp.StatusCode() == http.StatusOK {
		s.observeRateLimit(page.QuotaRemaining, midnight)
	}

	switch {
	case resp.StatusCode() == http.StatusTooManyRequests || page.ErrorID == 502:
		s.observeRateLimit(0, midnight)
		return nil, nil
	case resp.StatusCode() != http.StatusOK:
		msg := page.ErrorMessage
		if msg == "" {
			msg = string(resp.Body())
		}
		return nil, &ConnectionError{
			Platform: "stackoverflow",
			Status:   resp.StatusCode(),
			Err:      fmt.Errorf("stack exchange API error: %s", msg),
		}
	}

	return &page, nil
}

func (s *StackOverflowConnector) normalize(raw json.RawMessage, opts FetchOptions) (models.Mention, bool) {
	var q stackExchangeQuestion
	if err := json.Unmarshal(raw, &q); err != nil {
		logrus.Errorf("Failed to parse Stack Exchange question: %v", err)
		return models.Mention{}, false
	}

	published := time.Unix(q.CreationDate, 0).UTC()
	if !inWindow(published, opts) {
		return models.Mention{}, false
	}

	handle := ""
	if q.Owner.UserID != 0 {
		handle = strconv.Itoa(q.Owner.UserID)
	}

	return models.Mention{
		Platform:     "stackoverflow",
		ExternalID:   strconv.Itoa(q.QuestionID),
		URL:          q.Link,
		Content:      strings.TrimSpace(stripHTML(q.Title) + "\n\n" + stripHTML(q.Body)),
		AuthorName:   q.Owner.DisplayName,
		AuthorHandle: handle,
		PublishedAt:  published,
		Likes:        q.Score,
		Comments:     q.AnswerCount,
		RawData:      raw,
	}, true
}
