package enrichment

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/circuitbreaker"
	"github.com/go-resty/resty/v2"
	"github.com/sirupsen/logrus"
)

// Config for the enrichment trigger client
type Config struct {
	BaseURL          string
	Timeout          time.Duration
	FailureThreshold uint
	OpenDelay        time.Duration
}

type enrichRequest struct {
	TenantID        string `json:"tenant_id"`
	NewMentionCount int    `json:"new_mention_count"`
}

// Client notifies the downstream enrichment service that new mentions are waiting.
// Consecutive failures open a circuit breaker so a down service is not hammered by every sync.
type Client struct {
	client  *resty.Client
	breaker circuitbreaker.CircuitBreaker[any]
}

// NewClient returns nil when no base URL is configured; callers treat a nil enricher as disabled.
func NewClient(cfg Config) *Client {
	if cfg.BaseURL == "" {
		return nil
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.OpenDelay <= 0 {
		cfg.OpenDelay = time.Minute
	}

	breaker := circuitbreaker.NewBuilder[any]().
		WithFailureThreshold(cfg.FailureThreshold).
		WithDelay(cfg.OpenDelay).
		OnStateChanged(func(event circuitbreaker.StateChangedEvent) {
			logrus.WithFields(logrus.Fields{
				"from_state": fmt.Sprint(event.OldState),
				"to_state":   fmt.Sprint(event.NewState),
			}).Warn("Enrichment circuit breaker state change")
		}).
		Build()

	return &Client{
		client: resty.New().
			SetBaseURL(strings.TrimRight(cfg.BaseURL, "/")).
			SetTimeout(cfg.Timeout).
			SetHeader("Content-Type", "application/json"),
		breaker: breaker,
	}
}

// TriggerEnrichment posts the tenant and its new mention count to /enrich
func (c *Client) TriggerEnrichment(ctx context.Context, tenantID string, newMentionCount int) error {
	_, err := failsafe.With[any](c.breaker).WithContext(ctx).Get(func() (any, error) {
		resp, err := c.client.R().
			SetContext(ctx).
			SetBody(enrichRequest{TenantID: tenantID, NewMentionCount: newMentionCount}).
			Post("/enrich")
		if err != nil {
			return nil, err
		}
		if resp.IsError() {
			return nil, fmt.Errorf("enrichment service returned status %d", resp.StatusCode())
		}
		return nil, nil
	})
	if err != nil {
		return fmt.Errorf("triggering enrichment for tenant %s: %w", tenantID, err)
	}

	logrus.WithField("tenant_id", tenantID).Debugf("Triggered enrichment for %d new mentions", newMentionCount)
	return nil
}

// BreakerOpen reports whether triggers are currently being short-circuited
func (c *Client) BreakerOpen() bool {
	return c.breaker.IsOpen()
}
