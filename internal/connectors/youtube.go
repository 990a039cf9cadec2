package connectors

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/azure/mentions-sync/internal/models"
	"github.com/go-resty/resty/v2"
	"github.com/sirupsen/logrus"
)

const youTubeAPIBase = "https://www.googleapis.com/youtube/v3"

// YouTubeConnector searches videos and their comment threads through the YouTube Data API
type YouTubeConnector struct {
	*Base
	apiKey    string
	query     string
	channelID string
	client    *resty.Client
}

type youTubeSearchResponse struct {
	PageInfo struct {
		TotalResults int `json:"totalResults"`
	} `json:"pageInfo"`
	Items []json.RawMessage `json:"items"`
}

type youTubeVideo struct {
	ID struct {
		VideoID string `json:"videoId"`
	} `json:"id"`
	Snippet struct {
		Title        string `json:"title"`
		Description  string `json:"description"`
		ChannelID    string `json:"channelId"`
		ChannelTitle string `json:"channelTitle"`
		PublishedAt  string `json:"publishedAt"`
	} `json:"snippet"`
}

type youTubeStatisticsResponse struct {
	Items []struct {
		ID         string `json:"id"`
		Statistics struct {
			LikeCount    string `json:"likeCount"`
			CommentCount string `json:"commentCount"`
		} `json:"statistics"`
	} `json:"items"`
}

type youTubeCommentsResponse struct {
	Items []json.RawMessage `json:"items"`
}

type youTubeCommentThread struct {
	ID      string `json:"id"`
	Snippet struct {
		VideoID         string `json:"videoId"`
		TotalReplyCount int    `json:"totalReplyCount"`
		TopLevelComment struct {
			Snippet struct {
				TextDisplay       string `json:"textDisplay"`
				AuthorDisplayName string `json:"authorDisplayName"`
				PublishedAt       string `json:"publishedAt"`
				LikeCount         int    `json:"likeCount"`
			} `json:"snippet"`
		} `json:"topLevelComment"`
	} `json:"snippet"`
}

type youTubeErrorResponse struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Errors  []struct {
			Reason string `json:"reason"`
		} `json:"errors"`
	} `json:"error"`
}

// NewYouTubeConnector creates a YouTube connector. Config: api_key, query, channel_id, base_url.
func NewYouTubeConnector(source models.Source, deps Deps) (Connector, error) {
	base := NewBase(source, deps, 200*time.Millisecond)
	if err := base.requireConfig("api_key", "query"); err != nil {
		return nil, err
	}

	baseURL := base.configString("base_url")
	if baseURL == "" {
		baseURL = youTubeAPIBase
	}

	return &YouTubeConnector{
		Base:      base,
		apiKey:    base.configString("api_key"),
		query:     base.configString("query"),
		channelID: base.configString("channel_id"),
		client: resty.New().
			SetBaseURL(baseURL).
			SetTimeout(30*time.Second).
			SetHeader("User-Agent", userAgent),
	}, nil
}

func (y *YouTubeConnector) Platform() string {
	return "youtube"
}

func (y *YouTubeConnector) TestConnection(ctx context.Context) (*ConnectionResult, error) {
	var page youTubeSearchResponse
	if err := y.get(ctx, "/search", y.searchParams(1), &page); err != nil {
		return &ConnectionResult{Success: false, Message: err.Error()}, err
	}

	return &ConnectionResult{
		Success: true,
		Message: "Connected to YouTube Data API",
		Info: map[string]any{
			"query":         y.query,
			"total_results": page.PageInfo.TotalResults,
		},
	}, nil
}

func (y *YouTubeConnector) FetchMentions(ctx context.Context, opts FetchOptions) ([]models.Mention, error) {
	params := y.searchParams(clampLimit(opts.Limit, 1, 50))
	if !opts.Since.IsZero() {
		params["publishedAfter"] = opts.Since.UTC().Format(time.RFC3339)
	}
	if !opts.Until.IsZero() {
		params["publishedBefore"] = opts.Until.UTC().Format(time.RFC3339)
	}

	var page youTubeSearchResponse
	if err := y.get(ctx, "/search", params, &page); err != nil {
		if errors.Is(err, errQuotaExceeded) {
			return nil, nil
		}
		return nil, err
	}

	var videos []youTubeVideo
	var mentions []models.Mention
	for _, raw := range page.Items {
		var video youTubeVideo
		if err := json.Unmarshal(raw, &video); err != nil {
			logrus.Errorf("Failed to parse YouTube search item: %v", err)
			continue
		}
		publishedAt, err := time.Parse(time.RFC3339, video.Snippet.PublishedAt)
		if err != nil {
			logrus.Errorf("Failed to parse YouTube timestamp: %v", err)
			continue
		}
		videos = append(videos, video)
		mentions = append(mentions, models.Mention{
			Platform:     "youtube",
			ExternalID:   video.ID.VideoID,
			URL:          "https://www.youtube.com/watch?v=" + video.ID.VideoID,
			Content:      strings.TrimSpace(video.Snippet.Title + "\n\n" + stripHTML(video.Snippet.Description)),
			AuthorName:   video.Snippet.ChannelTitle,
			AuthorHandle: video.Snippet.ChannelTitle,
			PublishedAt:  publishedAt,
			RawData:      raw,
		})
	}

	y.applyStatistics(ctx, mentions)

	for _, video := range videos {
		if opts.Limit > 0 && len(mentions) >= opts.Limit {
			break
		}
		comments, err := y.fetchComments(ctx, video.ID.VideoID, opts)
		if err != nil {
			// comments disabled or removed for this video; omit them
			logrus.Debug((&PartialFetchError{Platform: "youtube", Resource: "comments", ID: video.ID.VideoID, Err: err}).Error())
			continue
		}
		mentions = append(mentions, comments...)
	}

	if opts.Limit > 0 && len(mentions) > opts.Limit {
		mentions = mentions[:opts.Limit]
	}

	logrus.Infof("Fetched %d mentions from YouTube for source %s", len(mentions), y.source.ID)
	return mentions, nil
}

func (y *YouTubeConnector) searchParams(maxResults int) map[string]string {
	params := map[string]string{
		"part":       "snippet",
		"q":          y.query,
		"type":       "video",
		"order":      "date",
		"maxResults": strconv.Itoa(maxResults),
		"key":        y.apiKey,
	}
	if y.channelID != "" {
		params["channelId"] = y.channelID
	}
	return params
}

// applyStatistics fills like and comment counts on video mentions. Failure leaves them at zero.
func (y *YouTubeConnector) applyStatistics(ctx context.Context, mentions []models.Mention) {
	if len(mentions) == 0 {
		return
	}

	ids := make([]string, 0, len(mentions))
	for _, m := range mentions {
		ids = append(ids, m.ExternalID)
	}

	var stats youTubeStatisticsResponse
	err := y.get(ctx, "/videos", map[string]string{
		"part": "statistics",
		"id":   strings.Join(ids, ","),
		"key":  y.apiKey,
	}, &stats)
	if err != nil {
		logrus.Debug((&PartialFetchError{Platform: "youtube", Resource: "statistics", ID: strings.Join(ids, ","), Err: err}).Error())
		return
	}

	byID := make(map[string]int, len(mentions))
	for i, m := range mentions {
		byID[m.ExternalID] = i
	}
	for _, item := range stats.Items {
		i, ok := byID[item.ID]
		if !ok {
			continue
		}
		mentions[i].Likes, _ = strconv.Atoi(item.Statistics.LikeCount)
		mentions[i].Comments, _ = strconv.Atoi(item.Statistics.CommentCount)
	}
}

func (y *YouTubeConnector) fetchComments(ctx context.Context, videoID string, opts FetchOptions) ([]models.Mention, error) {
	var page youTubeCommentsResponse
	err := y.get(ctx, "/commentThreads", map[string]string{
		"part":       "snippet",
		"videoId":    videoID,
		"order":      "time",
		"maxResults": "20",
		"textFormat": "html",
		"key":        y.apiKey,
	}, &page)
	if err != nil {
		return nil, err
	}

	var mentions []models.Mention
	for _, raw := range page.Items {
		var thread youTubeCommentThread
		if err := json.Unmarshal(raw, &thread); err != nil {
			continue
		}
		comment := thread.Snippet.TopLevelComment.Snippet
		publishedAt, err := time.Parse(time.RFC3339, comment.PublishedAt)
		if err != nil || !inWindow(publishedAt, opts) {
			continue
		}
		mentions = append(mentions, models.Mention{
			Platform:     "youtube",
			ExternalID:   thread.ID,
			URL:          fmt.Sprintf("https://www.youtube.com/watch?v=%s&lc=%s", videoID, thread.ID),
			Content:      stripHTML(comment.TextDisplay),
			AuthorName:   comment.AuthorDisplayName,
			AuthorHandle: comment.AuthorDisplayName,
			PublishedAt:  publishedAt,
			Likes:        comment.LikeCount,
			Comments:     thread.Snippet.TotalReplyCount,
			RawData:      raw,
		})
	}
	return mentions, nil
}

var errQuotaExceeded = errors.New("youtube quota exceeded")

func (y *YouTubeConnector) get(ctx context.Context, path string, params map[string]string, out any) error {
	if err := y.wait(ctx); err != nil {
		return err
	}

	resp, err := y.client.R().
		SetContext(ctx).
		SetQueryParams(params).
		SetResult(out).
		Get(path)
	if err != nil {
		return &ConnectionError{Platform: "youtube", Err: err}
	}

	if resp.StatusCode() == http.StatusOK {
		return nil
	}

	var apiErr youTubeErrorResponse
	_ = json.Unmarshal(resp.Body(), &apiErr)
	for _, e := range apiErr.Error.Errors {
		if e.Reason == "quotaExceeded" || e.Reason == "rateLimitExceeded" {
			// daily quota resets at midnight Pacific; UTC midnight is close enough to back off
			now := time.Now().UTC()
			y.observeRateLimit(0, time.Date(now.Year(), now.Month(), now.Day()+1, 0, 0, 0, 0, time.UTC))
			return errQuotaExceeded
		}
	}

	return &ConnectionError{
		Platform: "youtube",
		Status:   resp.StatusCode(),
		Err:      fmt.Errorf("youtube API error: %s", apiErr.Error.Message),
	}
}
