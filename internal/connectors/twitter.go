package connectors

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/azure/mentions-sync/internal/models"
	"github.com/go-resty/resty/v2"
	"github.com/sirupsen/logrus"
)

const twitterAPIBase = "https://api.twitter.com"

// TwitterConnector searches recent tweets through the Twitter/X API v2
type TwitterConnector struct {
	*Base
	query  string
	client *resty.Client
}

type twitterSearchResponse struct {
	Data     []json.RawMessage `json:"data"`
	Includes struct {
		Users []twitterUser `json:"users"`
	} `json:"includes"`
	Meta struct {
		ResultCount int    `json:"result_count"`
		NextToken   string `json:"next_token"`
	} `json:"meta"`
}

type twitterTweet struct {
	ID            string `json:"id"`
	Text          string `json:"text"`
	AuthorID      string `json:"author_id"`
	CreatedAt     string `json:"created_at"`
	PublicMetrics struct {
		RetweetCount int `json:"retweet_count"`
		LikeCount    int `json:"like_count"`
		ReplyCount   int `json:"reply_count"`
		QuoteCount   int `json:"quote_count"`
	} `json:"public_metrics"`
	ReferencedTweets []struct {
		Type string `json:"type"`
		ID   string `json:"id"`
	} `json:"referenced_tweets"`
}

type twitterUser struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	Username      string `json:"username"`
	Verified      bool   `json:"verified"`
	PublicMetrics struct {
		FollowersCount int `json:"followers_count"`
	} `json:"public_metrics"`
}

// NewTwitterConnector creates a Twitter connector. Config: bearer_token, query, base_url.
func NewTwitterConnector(source models.Source, deps Deps) (Connector, error) {
	base := NewBase(source, deps, time.Second)
	if err := base.requireConfig("bearer_token", "query"); err != nil {
		return nil, err
	}

	baseURL := base.configString("base_url")
	if baseURL == "" {
		baseURL = twitterAPIBase
	}

	return &TwitterConnector{
		Base:  base,
		query: base.configString("query"),
		client: resty.New().
			SetBaseURL(baseURL).
			SetTimeout(30*time.Second).
			SetHeader("User-Agent", userAgent).
			SetAuthToken(base.configString("bearer_token")),
	}, nil
}

func (t *TwitterConnector) Platform() string {
	return "twitter"
}

func (t *TwitterConnector) TestConnection(ctx context.Context) (*ConnectionResult, error) {
	page, err := t.search(ctx, map[string]string{
		"query":       t.query,
		"max_results": "10",
	})
	if err != nil {
		return &ConnectionResult{Success: false, Message: err.Error()}, err
	}

	return &ConnectionResult{
		Success: true,
		Message: "Connected to Twitter API",
		Info: map[string]any{
			"query":        t.query,
			"result_count": page.Meta.ResultCount,
		},
	}, nil
}

func (t *TwitterConnector) FetchMentions(ctx context.Context, opts FetchOptions) ([]models.Mention, error) {
	params := map[string]string{
		"query":        t.query,
		"max_results":  strconv.Itoa(clampLimit(opts.Limit, 10, 100)),
		"tweet.fields": "created_at,author_id,public_metrics,referenced_tweets",
		"expansions":   "author_id",
		"user.fields":  "username,name,verified,public_metrics",
	}
	if !opts.Since.IsZero() {
		params["start_time"] = opts.Since.UTC().Format(time.RFC3339)
	}
	// end_time must trail the request by at least 10 seconds
	if !opts.Until.IsZero() && opts.Until.Before(time.Now().Add(-10*time.Second)) {
		params["end_time"] = opts.Until.UTC().Format(time.RFC3339)
	}

	var mentions []models.Mention
	for {
		page, err := t.search(ctx, params)
		if err != nil {
			return nil, err
		}
		if page == nil {
			// rate limited mid-pagination; keep what we have
			logrus.Warnf("Twitter rate limit hit for source %s, returning %d mentions", t.source.ID, len(mentions))
			break
		}

		mentions = append(mentions, t.normalize(page)...)

		if opts.Limit > 0 && len(mentions) >= opts.Limit {
			mentions = mentions[:opts.Limit]
			break
		}
		if page.Meta.NextToken == "" {
			break
		}
		params["next_token"] = page.Meta.NextToken
	}

	logrus.Infof("Fetched %d mentions from Twitter for source %s", len(mentions), t.source.ID)
	return mentions, nil
}

// search runs one recent-search request. A nil page with nil error means rate limited.
func (t *TwitterConnector) search(ctx context.Context, params map[string]string) (*twitterSearchResponse, error) {
	if err := t.wait(ctx); err != nil {
		return nil, err
	}

	var page twitterSearchResponse
	resp, err := t.client.R().
		SetContext(ctx).
		SetQueryParams(params).
		SetResult(&page).
		Get("/2/tweets/search/recent")
	if err != nil {
		return nil, &ConnectionError{Platform: "twitter", Err: err}
	}

	t.observeRateLimitHeaders(resp.Header().Get)

	switch {
	case resp.StatusCode() == http.StatusTooManyRequests:
		return nil, nil
	case resp.StatusCode() != http.StatusOK:
		return nil, &ConnectionError{
			Platform: "twitter",
			Status:   resp.StatusCode(),
			Err:      fmt.Errorf("twitter API error: %s", string(resp.Body())),
		}
	}

	return &page, nil
}

func (t *TwitterConnector) normalize(page *twitterSearchResponse) []models.Mention {
	users := make(map[string]twitterUser, len(page.Includes.Users))
	for _, u := range page.Includes.Users {
		users[u.ID] = u
	}

	var mentions []models.Mention
	for _, raw := range page.Data {
		var tweet twitterTweet
		if err := json.Unmarshal(raw, &tweet); err != nil {
			logrus.Errorf("Failed to parse tweet: %v", err)
			continue
		}

		// Skip retweets to avoid duplicates
		if isRetweet(tweet) {
			continue
		}

		createdAt, err := time.Parse(time.RFC3339, tweet.CreatedAt)
		if err != nil {
			logrus.Errorf("Failed to parse Twitter timestamp: %v", err)
			continue
		}

		author := users[tweet.AuthorID]
		handle := author.Username
		if handle == "" {
			handle = tweet.AuthorID
		}

		mentions = append(mentions, models.Mention{
			Platform:        "twitter",
			ExternalID:      tweet.ID,
			URL:             fmt.Sprintf("https://twitter.com/%s/status/%s", handle, tweet.ID),
			Content:         tweet.Text,
			AuthorName:      author.Name,
			AuthorHandle:    handle,
			AuthorFollowers: author.PublicMetrics.FollowersCount,
			PublishedAt:     createdAt,
			Likes:           tweet.PublicMetrics.LikeCount,
			Comments:        tweet.PublicMetrics.ReplyCount,
			Shares:          tweet.PublicMetrics.RetweetCount + tweet.PublicMetrics.QuoteCount,
			RawData:         raw,
		})
	}
	return mentions
}

func isRetweet(tweet twitterTweet) bool {
	for _, ref := range tweet.ReferencedTweets {
		if ref.Type == "retweeted" {
			return true
		}
	}
	return false
}
