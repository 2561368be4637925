package netinfo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/Zwooosh/netmeter/internal/metrics"
	"github.com/Zwooosh/netmeter/pkg/types"
)

const (
	// UnknownISP is reported when the lookup succeeds but carries no
	// provider name in either field.
	UnknownISP = "Unknown ISP"

	defaultTimeout = 5 * time.Second
)

type Config struct {
	URL     string
	Timeout time.Duration
}

type Dependencies struct {
	HTTPClient *http.Client
	Logger     *log.Logger
	Metrics    metrics.LookupRecorder
}

// Client resolves the public IP and provider name for the current
// connection. Lookup failures carry no user impact: callers log them, count
// them, and leave network info unset.
type Client struct {
	url     string
	timeout time.Duration
	client  *http.Client
	logger  *log.Logger
	metrics metrics.LookupRecorder
}

func NewClient(cfg Config, deps Dependencies) (*Client, error) {
	if cfg.URL == "" {
		return nil, errors.New("network info client requires a url")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	client := deps.HTTPClient
	if client == nil {
		client = &http.Client{}
	}
	logger := deps.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	rec := deps.Metrics
	if rec == nil {
		rec = metrics.NoopLookupRecorder{}
	}
	return &Client{
		url:     cfg.URL,
		timeout: timeout,
		client:  client,
		logger:  logger,
		metrics: rec,
	}, nil
}

// lookupResponse mirrors the provider's payload: the ISP may live in a
// nested connection object, a top-level field, or be absent entirely.
type lookupResponse struct {
	Success    bool   `json:"success"`
	IP         string `json:"ip"`
	ISP        string `json:"isp"`
	Connection struct {
		ISP string `json:"isp"`
	} `json:"connection"`
}

// Lookup fetches the public IP and ISP. Precedence for the provider name is
// the nested connection field, then the top-level field, then UnknownISP.
func (c *Client) Lookup(ctx context.Context) (types.NetworkInfo, error) {
	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, c.url, nil)
	if err != nil {
		c.metrics.IncLookupFailures()
		return types.NetworkInfo{}, fmt.Errorf("build lookup request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		c.metrics.IncLookupFailures()
		return types.NetworkInfo{}, fmt.Errorf("network info lookup: %w", err)
	}
	defer resp.Body.Close()
	defer io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.metrics.IncLookupFailures()
		return types.NetworkInfo{}, fmt.Errorf("network info lookup: unexpected status %s", resp.Status)
	}

	var payload lookupResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		c.metrics.IncLookupFailures()
		return types.NetworkInfo{}, fmt.Errorf("decode network info: %w", err)
	}
	if !payload.Success {
		c.metrics.IncLookupFailures()
		return types.NetworkInfo{}, errors.New("network info lookup reported failure")
	}

	isp := payload.Connection.ISP
	if isp == "" {
		isp = payload.ISP
	}
	if isp == "" {
		isp = UnknownISP
	}

	return types.NetworkInfo{IP: payload.IP, ISP: isp}, nil
}
