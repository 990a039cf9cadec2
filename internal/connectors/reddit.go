package connectors

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/azure/mentions-sync/internal/models"
	"github.com/loganintech/go-reddit/v2/reddit"
	"github.com/sirupsen/logrus"
)

// RedditConnector reads new posts from a set of subreddits, optionally filtered by keywords
type RedditConnector struct {
	*Base
	subreddits []string
	keywords   []string
	client     *reddit.Client
}

// NewRedditConnector creates a Reddit connector.
// Config: client_id, client_secret, username, password, subreddits, query or keywords, user_agent.
func NewRedditConnector(source models.Source, deps Deps) (Connector, error) {
	base := NewBase(source, deps, time.Second)
	if err := base.requireConfig("client_id", "client_secret", "username", "password"); err != nil {
		return nil, err
	}

	subreddits := base.configStrings("subreddits")
	if len(subreddits) == 0 {
		return nil, fmt.Errorf("reddit source %s: missing config subreddits", source.ID)
	}

	creds := reddit.Credentials{
		ID:       base.configString("client_id"),
		Secret:   base.configString("client_secret"),
		Username: base.configString("username"),
		Password: base.configString("password"),
	}

	ua := base.configString("user_agent")
	if ua == "" {
		ua = userAgent
	}

	client, err := reddit.NewClient(creds, reddit.WithUserAgent(ua))
	if err != nil {
		return nil, fmt.Errorf("creating reddit client: %w", err)
	}

	keywords := base.configStrings("keywords")
	if q := base.configString("query"); q != "" && len(keywords) == 0 {
		keywords = []string{q}
	}

	return &RedditConnector{
		Base:       base,
		subreddits: subreddits,
		keywords:   keywords,
		client:     client,
	}, nil
}

func (r *RedditConnector) Platform() string {
	return "reddit"
}

func (r *RedditConnector) TestConnection(ctx context.Context) (*ConnectionResult, error) {
	if err := r.wait(ctx); err != nil {
		return nil, err
	}

	sub, resp, err := r.client.Subreddit.Get(ctx, r.subreddits[0])
	r.observeResponse(resp)
	if err != nil {
		cerr := &ConnectionError{Platform: "reddit", Err: err}
		if resp != nil && resp.Response != nil {
			cerr.Status = resp.StatusCode
		}
		return &ConnectionResult{Success: false, Message: cerr.Error()}, cerr
	}

	return &ConnectionResult{
		Success: true,
		Message: "Connected to Reddit API",
		Info: map[string]any{
			"subreddit":   sub.NamePrefixed,
			"subscribers": sub.Subscribers,
			"subreddits":  len(r.subreddits),
		},
	}, nil
}

func (r *RedditConnector) FetchMentions(ctx context.Context, opts FetchOptions) ([]models.Mention, error) {
	perSub := clampLimit(opts.Limit, 1, 100)

	var mentions []models.Mention
	for _, sub := range r.subreddits {
		if r.IsRateLimited() {
			logrus.Warnf("Reddit rate limit reached for source %s, stopping after %d mentions", r.source.ID, len(mentions))
			break
		}
		if err := r.wait(ctx); err != nil {
			return nil, err
		}

		posts, resp, err := r.client.Subreddit.NewPosts(ctx, sub, &reddit.ListOptions{Limit: perSub})
		r.observeResponse(resp)
		if err != nil {
			if len(mentions) == 0 {
				return nil, &ConnectionError{Platform: "reddit", Err: fmt.Errorf("r/%s: %w", sub, err)}
			}
			logrus.Debug((&PartialFetchError{Platform: "reddit", Resource: "subreddit", ID: sub, Err: err}).Error())
			continue
		}

		for _, post := range posts {
			m, ok := r.normalize(post, opts)
			if ok {
				mentions = append(mentions, m)
			}
		}

		if opts.Limit > 0 && len(mentions) >= opts.Limit {
			mentions = mentions[:opts.Limit]
			break
		}
	}

	logrus.Infof("Fetched %d mentions from Reddit for source %s", len(mentions), r.source.ID)
	return mentions, nil
}

func (r *RedditConnector) normalize(post *reddit.Post, opts FetchOptions) (models.Mention, bool) {
	if post == nil || post.Created == nil {
		return models.Mention{}, false
	}
	createdAt := post.Created.Time
	if !inWindow(createdAt, opts) {
		return models.Mention{}, false
	}

	content := strings.TrimSpace(post.Title + "\n\n" + post.Body)
	if !matchesAny(content, r.keywords) {
		return models.Mention{}, false
	}

	raw, err := json.Marshal(post)
	if err != nil {
		raw = nil
	}

	return models.Mention{
		Platform:     "reddit",
		ExternalID:   post.ID,
		URL:          "https://www.reddit.com" + post.Permalink,
		Content:      content,
		AuthorName:   post.Author,
		AuthorHandle: post.Author,
		PublishedAt:  createdAt,
		Likes:        post.Score,
		Comments:     post.NumberOfComments,
		RawData:      raw,
	}, true
}

func (r *RedditConnector) observeResponse(resp *reddit.Response) {
	if resp == nil || resp.Rate.Reset.IsZero() {
		return
	}
	r.observeRateLimit(resp.Rate.Remaining, resp.Rate.Reset)
}
