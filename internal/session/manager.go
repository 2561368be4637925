package session

import (
	"context"
	"errors"
	"io"
	"log"
	"sync"
	"time"

	"github.com/Zwooosh/netmeter/pkg/types"
)

// ErrBusy rejects a trigger while a measurement is in flight: the engine
// allows at most one active session.
var ErrBusy = errors.New("measurement already in progress")

// NetworkLookup resolves the public IP and provider once per session.
type NetworkLookup interface {
	Lookup(ctx context.Context) (types.NetworkInfo, error)
}

// ResultPublisher forwards completed results to an external sink.
type ResultPublisher interface {
	Publish(ctx context.Context, result types.Result) error
}

type ManagerConfig struct {
	PublishTimeout time.Duration
}

type ManagerDependencies struct {
	Runner    *Runner
	Lookup    NetworkLookup
	Publisher ResultPublisher
	Logger    *log.Logger
}

// Manager owns the engine's single session and serializes runs over it. All
// entry points (CLI, REST trigger, scheduler) go through here, so the busy
// guard is enforced in one place.
type Manager struct {
	publishTimeout time.Duration
	runner         *Runner
	lookup         NetworkLookup
	publisher      ResultPublisher
	logger         *log.Logger

	sess *Session

	mu     sync.Mutex
	active bool
	cancel context.CancelFunc
}

func NewManager(cfg ManagerConfig, deps ManagerDependencies) (*Manager, error) {
	if deps.Runner == nil {
		return nil, errors.New("session manager requires a runner")
	}
	timeout := cfg.PublishTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	logger := deps.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Manager{
		publishTimeout: timeout,
		runner:         deps.Runner,
		lookup:         deps.Lookup,
		publisher:      deps.Publisher,
		logger:         logger,
		sess:           NewSession(),
	}, nil
}

// Current returns a snapshot of the session state, busy or not.
func (m *Manager) Current() types.SessionSnapshot {
	return m.sess.Snapshot()
}

// AttachNetworkInfo performs the one-shot IP and provider lookup. Failures
// are logged and suppressed; the session simply keeps network info unset.
func (m *Manager) AttachNetworkInfo(ctx context.Context) {
	if m.lookup == nil {
		return
	}
	info, err := m.lookup.Lookup(ctx)
	if err != nil {
		m.logger.Printf("network info lookup failed: %v", err)
		return
	}
	m.sess.SetNetworkInfo(info)
}

// Run executes one measurement synchronously and returns its result.
func (m *Manager) Run(ctx context.Context) (types.Result, error) {
	runCtx, err := m.begin(ctx)
	if err != nil {
		return types.Result{}, err
	}
	return m.finish(runCtx)
}

// Start launches a measurement in the background. ErrBusy reports a session
// already in flight.
func (m *Manager) Start(ctx context.Context) error {
	runCtx, err := m.begin(ctx)
	if err != nil {
		return err
	}
	go func() {
		if _, err := m.finish(runCtx); err != nil && !errors.Is(err, context.Canceled) {
			m.logger.Printf("background run failed: %v", err)
		}
	}()
	return nil
}

// Cancel aborts the in-flight run, if any, and reports whether one existed.
func (m *Manager) Cancel() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.active || m.cancel == nil {
		return false
	}
	m.cancel()
	return true
}

// Busy reports whether a run is in flight.
func (m *Manager) Busy() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

// SwapRunner replaces the measurement pipeline, e.g. after a manifest
// refresh changes endpoints. ErrBusy reports a run in flight; callers retry
// on the next refresh.
func (m *Manager) SwapRunner(runner *Runner) error {
	if runner == nil {
		return errors.New("session manager requires a runner")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active {
		return ErrBusy
	}
	m.runner = runner
	return nil
}

func (m *Manager) begin(ctx context.Context) (context.Context, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active {
		return nil, ErrBusy
	}
	runCtx, cancel := context.WithCancel(ctx)
	m.active = true
	m.cancel = cancel
	return runCtx, nil
}

func (m *Manager) finish(ctx context.Context) (types.Result, error) {
	defer m.release()
	m.mu.Lock()
	runner := m.runner
	m.mu.Unlock()
	err := runner.Run(ctx, m.sess)
	result := m.sess.Result()
	if err != nil {
		return result, err
	}
	m.publish(result)
	return result, nil
}

func (m *Manager) release() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	m.active = false
}

// publish runs on its own context: the run context may already be done by
// the time the result ships.
func (m *Manager) publish(result types.Result) {
	if m.publisher == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), m.publishTimeout)
	defer cancel()
	if err := m.publisher.Publish(ctx, result); err != nil {
		m.logger.Printf("publish result for session %s: %v", result.SessionID, err)
	}
}
