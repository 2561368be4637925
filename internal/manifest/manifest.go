// Package manifest fetches and verifies the signed remote document naming
// the measurement endpoints. Manifests are YAML signed with minisign; a
// document that fails verification is discarded and the endpoints previously
// in effect stay live.
package manifest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	signatureSuffix = ".minisig"
	userAgent       = "netmeter/0.1.0"

	// maxDocumentBytes bounds both the manifest and its signature; anything
	// larger is malformed or hostile.
	maxDocumentBytes = 1 << 20
)

// Manifest names the probe endpoints the engine should use, letting
// endpoints rotate without shipping a new binary.
type Manifest struct {
	Version     string    `yaml:"version"`
	GeneratedAt time.Time `yaml:"generated_at"`
	Endpoints   Endpoints `yaml:"endpoints"`
}

// Endpoints carries the measurement URLs. An empty field means "keep the
// endpoint currently in effect".
type Endpoints struct {
	LatencyURL     string `yaml:"latency_url"`
	DownloadURL    string `yaml:"download_url"`
	NetworkInfoURL string `yaml:"network_info_url"`
}

// Validate rejects manifests that could not drive the probes.
func (m Manifest) Validate() error {
	if strings.TrimSpace(m.Version) == "" {
		return errors.New("version is required")
	}
	for name, endpoint := range map[string]string{
		"latency_url":      m.Endpoints.LatencyURL,
		"download_url":     m.Endpoints.DownloadURL,
		"network_info_url": m.Endpoints.NetworkInfoURL,
	} {
		if endpoint == "" {
			continue
		}
		parsed, err := url.Parse(endpoint)
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		if parsed.Scheme != "http" && parsed.Scheme != "https" {
			return fmt.Errorf("%s: unsupported scheme %q", name, parsed.Scheme)
		}
	}
	return nil
}

// FetchResult captures the outcome of a conditional manifest fetch.
type FetchResult struct {
	Manifest    Manifest
	ETag        string
	NotModified bool
}

type Config struct {
	URL       string
	PublicKey string
}

type Dependencies struct {
	HTTPClient *http.Client
	Logger     *log.Logger
}

// Fetcher retrieves the manifest with conditional requests and verifies the
// detached signature served at <url>.minisig before returning a document.
type Fetcher struct {
	url        string
	verifier   *Verifier
	httpClient *http.Client
	logger     *log.Logger
}

func NewFetcher(cfg Config, deps Dependencies) (*Fetcher, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, errors.New("manifest URL is required")
	}
	verifier, err := NewVerifier(cfg.PublicKey)
	if err != nil {
		return nil, err
	}
	client := deps.HTTPClient
	if client == nil {
		client = &http.Client{}
	}
	logger := deps.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Fetcher{
		url:        cfg.URL,
		verifier:   verifier,
		httpClient: client,
		logger:     logger,
	}, nil
}

// Fetch retrieves the manifest, sending etag as If-None-Match when non-empty.
// A 304 short-circuits before the signature round trip.
func (f *Fetcher) Fetch(ctx context.Context, etag string) (FetchResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.url, nil)
	if err != nil {
		return FetchResult{}, fmt.Errorf("build manifest request: %w", err)
	}
	req.Header.Set("Accept", "application/yaml")
	req.Header.Set("User-Agent", userAgent)
	if etag != "" {
		req.Header.Set("If-None-Match", etag)
	}

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return FetchResult{}, fmt.Errorf("fetch manifest: %w", err)
	}
	defer resp.Body.Close()
	defer io.Copy(io.Discard, resp.Body)

	switch resp.StatusCode {
	case http.StatusNotModified:
		return FetchResult{ETag: etag, NotModified: true}, nil
	case http.StatusOK:
	default:
		return FetchResult{}, fmt.Errorf("manifest fetch failed: %s", resp.Status)
	}

	payload, err := readBounded(resp.Body)
	if err != nil {
		return FetchResult{}, fmt.Errorf("read manifest: %w", err)
	}
	signature, err := f.fetchSignature(ctx)
	if err != nil {
		return FetchResult{}, err
	}
	if err := f.verifier.Verify(payload, signature); err != nil {
		return FetchResult{}, fmt.Errorf("verify manifest: %w", err)
	}

	var m Manifest
	if err := yaml.Unmarshal(payload, &m); err != nil {
		return FetchResult{}, fmt.Errorf("decode manifest: %w", err)
	}
	if err := m.Validate(); err != nil {
		return FetchResult{}, fmt.Errorf("invalid manifest: %w", err)
	}
	f.logger.Printf("manifest %s verified", m.Version)
	return FetchResult{Manifest: m, ETag: resp.Header.Get("ETag")}, nil
}

func (f *Fetcher) fetchSignature(ctx context.Context) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.url+signatureSuffix, nil)
	if err != nil {
		return nil, fmt.Errorf("build signature request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch manifest signature: %w", err)
	}
	defer resp.Body.Close()
	defer io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("manifest signature fetch failed: %s", resp.Status)
	}
	payload, err := readBounded(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read manifest signature: %w", err)
	}
	return payload, nil
}

func readBounded(r io.Reader) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, maxDocumentBytes+1))
	if err != nil {
		return nil, err
	}
	if len(data) > maxDocumentBytes {
		return nil, fmt.Errorf("document exceeds %d bytes", maxDocumentBytes)
	}
	return data, nil
}
