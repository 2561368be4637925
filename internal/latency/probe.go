package latency

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// Probe defaults.
const (
	DefaultSamples = 5
	DefaultPause   = 100 * time.Millisecond
	DefaultTimeout = 2 * time.Second
)

// Stats carries the derived latency figures for one ping phase. SampleCount
// zero means no probe completed and ping/jitter are meaningless.
type Stats struct {
	PingMs      int
	JitterMs    int
	SampleCount int
}

type Config struct {
	URL     string
	Samples int
	Pause   time.Duration
	Timeout time.Duration
}

type Dependencies struct {
	HTTPClient *http.Client
	Logger     *log.Logger
	Now        func() time.Time
}

// Probe measures round-trip latency with lightweight HEAD requests. A
// cache-busting timestamp query parameter plus no-cache headers keep
// intermediaries from answering for the origin.
type Probe struct {
	url     *url.URL
	samples int
	pause   time.Duration
	timeout time.Duration
	client  *http.Client
	logger  *log.Logger
	now     func() time.Time
}

func New(cfg Config, deps Dependencies) (*Probe, error) {
	if cfg.URL == "" {
		return nil, errors.New("latency probe requires a url")
	}
	target, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse latency url %q: %w", cfg.URL, err)
	}

	samples := cfg.Samples
	if samples <= 0 {
		samples = DefaultSamples
	}
	pause := cfg.Pause
	if pause <= 0 {
		pause = DefaultPause
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	client := deps.HTTPClient
	if client == nil {
		client = &http.Client{}
	}
	logger := deps.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}

	return &Probe{
		url:     target,
		samples: samples,
		pause:   pause,
		timeout: timeout,
		client:  client,
		logger:  logger,
		now:     now,
	}, nil
}

// Measure issues the configured number of probes with a fixed pause between
// iterations. Probes that fail in transport are dropped silently; any probe
// that completes the HTTP exchange contributes a sample regardless of the
// status code.
func (p *Probe) Measure(ctx context.Context) Stats {
	samples := make([]float64, 0, p.samples)
	for i := 0; i < p.samples; i++ {
		if i > 0 && !sleepContext(ctx, p.pause) {
			break
		}
		if ms, ok := p.once(ctx); ok {
			samples = append(samples, ms)
		}
		if ctx.Err() != nil {
			break
		}
	}
	return derive(samples)
}

func (p *Probe) once(ctx context.Context) (float64, bool) {
	probeCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(probeCtx, http.MethodHead, p.target(), nil)
	if err != nil {
		p.logger.Printf("latency probe: build request: %v", err)
		return 0, false
	}
	req.Header.Set("Cache-Control", "no-cache")
	req.Header.Set("Pragma", "no-cache")

	start := p.now()
	resp, err := p.client.Do(req)
	if err != nil {
		p.logger.Printf("latency probe: %v", err)
		return 0, false
	}
	elapsed := p.now().Sub(start)
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	return float64(elapsed) / float64(time.Millisecond), true
}

// target clones the probe URL with a fresh timestamp parameter.
func (p *Probe) target() string {
	u := *p.url
	q := u.Query()
	q.Set("t", strconv.FormatInt(p.now().UnixNano(), 10))
	u.RawQuery = q.Encode()
	return u.String()
}

// derive reduces raw samples to ping (minimum) and jitter (mean absolute
// deviation from the mean), both rounded to whole milliseconds.
func derive(samples []float64) Stats {
	if len(samples) == 0 {
		return Stats{}
	}

	min := samples[0]
	sum := 0.0
	for _, s := range samples {
		if s < min {
			min = s
		}
		sum += s
	}
	mean := sum / float64(len(samples))

	var dev float64
	for _, s := range samples {
		d := s - mean
		if d < 0 {
			d = -d
		}
		dev += d
	}
	mad := dev / float64(len(samples))

	return Stats{
		PingMs:      int(math.Round(min)),
		JitterMs:    int(math.Round(mad)),
		SampleCount: len(samples),
	}
}

func sleepContext(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
