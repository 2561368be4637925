package simulate

import (
	"context"
	"fmt"
	"math/rand"
	"time"
)

// Defaults for the progress animation.
const (
	DefaultTickInterval = 100 * time.Millisecond
	DefaultProgressStep = 5.0
)

// Config bounds the simulated throughput and paces the progress animation.
type Config struct {
	LowMbps      int
	HighMbps     int
	TickInterval time.Duration
	ProgressStep float64
}

type Dependencies struct {
	Rand *rand.Rand
}

// Simulator produces a plausible throughput figure when no real transfer is
// available. Progress advances on a fixed tick so the animation reads like a
// genuine measurement.
type Simulator struct {
	low  int
	high int
	tick time.Duration
	step float64
	rng  *rand.Rand
}

func New(cfg Config, deps Dependencies) (*Simulator, error) {
	if cfg.LowMbps < 0 || cfg.HighMbps < cfg.LowMbps {
		return nil, fmt.Errorf("invalid simulated range [%d,%d]", cfg.LowMbps, cfg.HighMbps)
	}
	tick := cfg.TickInterval
	if tick <= 0 {
		tick = DefaultTickInterval
	}
	step := cfg.ProgressStep
	if step <= 0 {
		step = DefaultProgressStep
	}
	rng := deps.Rand
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &Simulator{
		low:  cfg.LowMbps,
		high: cfg.HighMbps,
		tick: tick,
		step: step,
		rng:  rng,
	}, nil
}

// Run advances progress by one step per tick and resolves with a uniformly
// random Mbps in [low, high] once progress reaches 100. The ticker is stopped
// before returning on every path, including cancellation.
func (s *Simulator) Run(ctx context.Context, progress func(float64)) (int, error) {
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	pct := 0.0
	for pct < 100 {
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-ticker.C:
			pct += s.step
			if pct > 100 {
				pct = 100
			}
			if progress != nil {
				progress(pct)
			}
		}
	}
	return s.low + s.rng.Intn(s.high-s.low+1), nil
}
