// Package schedule drives the periodic work of serve mode: automatic
// measurement runs and manifest refreshes.
package schedule

import (
	"context"
	"sync"
	"time"
)

// Entry is a named callback fired at a fixed cadence. The first firing
// happens one cadence after registration. Callbacks run sequentially on the
// scheduler goroutine; long work delays later entries, never the engine.
type Entry struct {
	Name    string
	Cadence time.Duration
	Run     func(ctx context.Context)
}

type Scheduler struct {
	tickResolution time.Duration

	now func() time.Time

	mu      sync.Mutex
	entries map[string]*entry
}

type entry struct {
	spec Entry
	next time.Time
}

type Option func(*Scheduler)

func WithTickResolution(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.tickResolution = d
		}
	}
}

func WithNow(now func() time.Time) Option {
	return func(s *Scheduler) {
		if now != nil {
			s.now = now
		}
	}
}

func New(opts ...Option) *Scheduler {
	s := &Scheduler{
		tickResolution: 100 * time.Millisecond,
		now:            time.Now,
		entries:        make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Add registers or replaces the entry under its name. Entries without a
// name, callback, or positive cadence are dropped.
func (s *Scheduler) Add(e Entry) {
	if e.Name == "" || e.Run == nil || e.Cadence <= 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[e.Name] = &entry{spec: e, next: s.now().Add(e.Cadence)}
}

// Start blocks running the ticker loop until ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) {
	ticker := time.NewTicker(s.tickResolution)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx, s.now())
		}
	}
}

func (s *Scheduler) tick(ctx context.Context, now time.Time) {
	for _, run := range s.collectDue(now) {
		run(ctx)
	}
}

// collectDue advances due entries to their next firing time. An entry that
// missed several cadences while the process was stalled fires once, not once
// per missed interval.
func (s *Scheduler) collectDue(now time.Time) []func(context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []func(context.Context)
	for _, e := range s.entries {
		if now.Before(e.next) {
			continue
		}
		due = append(due, e.spec.Run)
		for !now.Before(e.next) {
			e.next = e.next.Add(e.spec.Cadence)
		}
	}
	return due
}
