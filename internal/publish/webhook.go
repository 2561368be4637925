// Package publish forwards completed measurement results to an external
// webhook. Delivery is best effort: the session manager logs failures and
// the run itself is never affected.
package publish

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/Zwooosh/netmeter/internal/metrics"
	"github.com/Zwooosh/netmeter/internal/session"
	"github.com/Zwooosh/netmeter/pkg/types"
)

const userAgent = "netmeter/0.1.0"

type Config struct {
	URL string
}

type Dependencies struct {
	HTTPClient *http.Client
	Metrics    metrics.PublishRecorder
}

// Webhook POSTs each completed result as JSON to the configured sink.
type Webhook struct {
	url        string
	httpClient *http.Client
	metrics    metrics.PublishRecorder
}

func NewWebhook(cfg Config, deps Dependencies) (*Webhook, error) {
	if cfg.URL == "" {
		return nil, errors.New("webhook URL is required")
	}
	httpClient := deps.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	rec := deps.Metrics
	if rec == nil {
		rec = metrics.NoopPublishRecorder{}
	}
	return &Webhook{
		url:        cfg.URL,
		httpClient: httpClient,
		metrics:    rec,
	}, nil
}

// Publish implements session.ResultPublisher. Any non-2xx response is a
// failure.
func (w *Webhook) Publish(ctx context.Context, result types.Result) error {
	payload, err := json.Marshal(result)
	if err != nil {
		w.metrics.IncPublishFailures()
		return fmt.Errorf("marshal result: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(payload))
	if err != nil {
		w.metrics.IncPublishFailures()
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("X-Session-ID", result.SessionID)

	resp, err := w.httpClient.Do(req)
	if err != nil {
		w.metrics.IncPublishFailures()
		return fmt.Errorf("send result: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		w.metrics.IncPublishFailures()
		return fmt.Errorf("result upload failed: status %s", resp.Status)
	}
	return nil
}

var _ session.ResultPublisher = (*Webhook)(nil)
