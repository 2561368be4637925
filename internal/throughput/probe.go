package throughput

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"math"
	"net/http"
	"time"
)

// DefaultContentLength is assumed when the response does not declare a
// usable Content-Length; progress is then reported against this figure while
// throughput still uses the bytes actually received.
const DefaultContentLength = 5_000_000

const chunkSize = 32 * 1024

// ErrStreamInterrupted reports a download that failed after the response
// stream had started. Unlike a connection that never opens, this failure is
// surfaced to the user and never recovered by simulation.
var ErrStreamInterrupted = errors.New("download stream interrupted")

// Outcome is one download measurement and which path produced it.
type Outcome struct {
	Mbps      int
	Simulated bool
}

// Fallback produces a simulated measurement when the download cannot start.
type Fallback interface {
	Run(ctx context.Context, progress func(float64)) (int, error)
}

type Config struct {
	URL                  string
	AssumedContentLength int64
}

type Dependencies struct {
	HTTPClient *http.Client
	Fallback   Fallback
	Logger     *log.Logger
	Now        func() time.Time
}

// Probe streams a payload and reports throughput in Mbps, falling back to
// simulation when the transfer cannot be established.
type Probe struct {
	url      string
	assumed  int64
	client   *http.Client
	fallback Fallback
	logger   *log.Logger
	now      func() time.Time
}

func New(cfg Config, deps Dependencies) (*Probe, error) {
	if cfg.URL == "" {
		return nil, errors.New("download probe requires a url")
	}
	if deps.Fallback == nil {
		return nil, errors.New("download probe requires a fallback")
	}
	assumed := cfg.AssumedContentLength
	if assumed <= 0 {
		assumed = DefaultContentLength
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
		url:      cfg.URL,
		assumed:  assumed,
		client:   client,
		fallback: deps.Fallback,
		logger:   logger,
		now:      now,
	}, nil
}

// Measure streams the configured resource, reporting progress per chunk as
// min(100, received/contentLength*100). A request that cannot be established
// or answers outside 2xx is replaced transparently by the fallback. A failure
// after the stream has started returns ErrStreamInterrupted instead; no
// fallback runs. Cancellation surfaces as the context's error on every path.
func (p *Probe) Measure(ctx context.Context, progress func(float64)) (Outcome, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		return p.simulate(ctx, progress, fmt.Errorf("build download request: %w", err))
	}
	req.Header.Set("Cache-Control", "no-cache")
	req.Header.Set("Pragma", "no-cache")

	start := p.now()
	resp, err := p.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return Outcome{}, ctx.Err()
		}
		return p.simulate(ctx, progress, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		io.Copy(io.Discard, resp.Body)
		return p.simulate(ctx, progress, fmt.Errorf("unexpected status %s", resp.Status))
	}

	contentLength := resp.ContentLength
	if contentLength <= 0 {
		contentLength = p.assumed
	}

	var received int64
	buf := make([]byte, chunkSize)
	for {
		n, err := resp.Body.Read(buf)
		if n > 0 {
			received += int64(n)
			if progress != nil {
				pct := float64(received) / float64(contentLength) * 100
				if pct > 100 {
					pct = 100
				}
				progress(pct)
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			if ctx.Err() != nil {
				return Outcome{}, ctx.Err()
			}
			p.logger.Printf("download stream failed after %d bytes: %v", received, err)
			return Outcome{}, fmt.Errorf("%w: %v", ErrStreamInterrupted, err)
		}
	}

	elapsed := p.now().Sub(start).Seconds()
	if elapsed <= 0 {
		elapsed = 0.001
	}
	mbps := int(math.Round(float64(received) * 8 / elapsed / 1048576))
	p.logger.Printf("download complete: %d bytes in %.2fs (%d Mbps)", received, elapsed, mbps)
	return Outcome{Mbps: mbps}, nil
}

func (p *Probe) simulate(ctx context.Context, progress func(float64), cause error) (Outcome, error) {
	p.logger.Printf("download unavailable, simulating: %v", cause)
	mbps, err := p.fallback.Run(ctx, progress)
	if err != nil {
		return Outcome{}, err
	}
	return Outcome{Mbps: mbps, Simulated: true}, nil
}
