package connectors

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/azure/mentions-sync/internal/models"
	"github.com/mmcdole/gofeed"
	"github.com/sirupsen/logrus"
)

// RSSConnector polls a single RSS or Atom feed
type RSSConnector struct {
	*Base
	feedURL  string
	keywords []string
	parser   *gofeed.Parser
}

// NewRSSConnector creates a feed connector. Config: feed_url, keywords.
func NewRSSConnector(source models.Source, deps Deps) (Connector, error) {
	base := NewBase(source, deps, 0)
	if err := base.requireConfig("feed_url"); err != nil {
		return nil, err
	}

	parser := gofeed.NewParser()
	parser.UserAgent = userAgent

	return &RSSConnector{
		Base:     base,
		feedURL:  base.configString("feed_url"),
		keywords: base.configStrings("keywords"),
		parser:   parser,
	}, nil
}

func (r *RSSConnector) Platform() string {
	return "rss"
}

func (r *RSSConnector) TestConnection(ctx context.Context) (*ConnectionResult, error) {
	feed, err := r.parse(ctx)
	if err != nil {
		return &ConnectionResult{Success: false, Message: err.Error()}, err
	}

	return &ConnectionResult{
		Success: true,
		Message: fmt.Sprintf("Parsed feed %q", feed.Title),
		Info: map[string]any{
			"feed_type": feed.FeedType,
			"items":     len(feed.Items),
		},
	}, nil
}

func (r *RSSConnector) FetchMentions(ctx context.Context, opts FetchOptions) ([]models.Mention, error) {
	feed, err := r.parse(ctx)
	if err != nil {
		return nil, err
	}

	var mentions []models.Mention
	for _, item := range feed.Items {
		m, ok := r.normalize(item, opts)
		if !ok {
			continue
		}
		mentions = append(mentions, m)
		if opts.Limit > 0 && len(mentions) >= opts.Limit {
			break
		}
	}

	logrus.Infof("Fetched %d mentions from feed %s for source %s", len(mentions), r.feedURL, r.source.ID)
	return mentions, nil
}

func (r *RSSConnector) parse(ctx context.Context) (*gofeed.Feed, error) {
	if err := r.wait(ctx); err != nil {
		return nil, err
	}

	feed, err := r.parser.ParseURLWithContext(r.feedURL, ctx)
	if err != nil {
		cerr := &ConnectionError{Platform: "rss", Err: err}
		if httpErr, ok := err.(gofeed.HTTPError); ok {
			cerr.Status = httpErr.StatusCode
		}
		return nil, cerr
	}
	return feed, nil
}

func (r *RSSConnector) normalize(item *gofeed.Item, opts FetchOptions) (models.Mention, bool) {
	id := item.GUID
	if id == "" {
		id = item.Link
	}
	if id == "" {
		return models.Mention{}, false
	}

	// items without any date are treated as published now
	published := time.Now().UTC()
	if item.PublishedParsed != nil {
		published = *item.PublishedParsed
	} else if item.UpdatedParsed != nil {
		published = *item.UpdatedParsed
	}
	if !inWindow(published, opts) {
		return models.Mention{}, false
	}

	body := item.Content
	if body == "" {
		body = item.Description
	}
	content := strings.TrimSpace(strings.TrimSpace(item.Title) + "\n\n" + stripHTML(body))
	if !matchesAny(content, r.keywords) {
		return models.Mention{}, false
	}

	var authorName string
	if len(item.Authors) > 0 && item.Authors[0] != nil {
		authorName = item.Authors[0].Name
	} else if item.Author != nil {
		authorName = item.Author.Name
	}

	raw, err := json.Marshal(item)
	if err != nil {
		raw = nil
	}

	return models.Mention{
		Platform:     "rss",
		ExternalID:   id,
		URL:          item.Link,
		Content:      content,
		AuthorName:   authorName,
		AuthorHandle: authorName,
		PublishedAt:  published,
		RawData:      raw,
	}, true
}
