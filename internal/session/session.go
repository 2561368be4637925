package session

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Zwooosh/netmeter/pkg/types"
)

// Session is the single mutable record for one measurement session. The
// Runner is its only writer during a run; everyone else reads snapshots.
// Network info survives across runs on the same session, everything else is
// reset when a new run begins.
type Session struct {
	mu sync.RWMutex

	id           string
	phase        types.Phase
	progress     float64
	pingMs       *int
	jitterMs     *int
	downloadMbps *int
	uploadMbps   *int
	errMsg       string
	network      *types.NetworkInfo
	startedAt    time.Time
	completedAt  time.Time
}

func NewSession() *Session {
	return &Session{
		id:    uuid.New().String(),
		phase: types.PhaseIdle,
	}
}

// ID returns the identifier of the current run.
func (s *Session) ID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.id
}

// Phase returns the current phase.
func (s *Session) Phase() types.Phase {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.phase
}

// Snapshot returns a consistent copy of the session state. Mid-run snapshots
// carry the phases already measured and nil for the rest.
func (s *Session) Snapshot() types.SessionSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return types.SessionSnapshot{
		SessionID:    s.id,
		Phase:        s.phase,
		Progress:     s.progress,
		PingMs:       copyInt(s.pingMs),
		JitterMs:     copyInt(s.jitterMs),
		DownloadMbps: copyInt(s.downloadMbps),
		UploadMbps:   copyInt(s.uploadMbps),
		Error:        s.errMsg,
		NetworkInfo:  copyNetwork(s.network),
		StartedAt:    s.startedAt,
	}
}

// Result builds the final outcome of the last run. Meaningful once the
// session has reached a terminal phase.
func (s *Session) Result() types.Result {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return types.Result{
		SessionID:    s.id,
		StartedAt:    s.startedAt,
		CompletedAt:  s.completedAt,
		PingMs:       copyInt(s.pingMs),
		JitterMs:     copyInt(s.jitterMs),
		DownloadMbps: copyInt(s.downloadMbps),
		UploadMbps:   copyInt(s.uploadMbps),
		Error:        s.errMsg,
		NetworkInfo:  copyNetwork(s.network),
	}
}

// SetNetworkInfo attaches the resolved IP and provider. Called once on
// startup; the value is kept through subsequent runs.
func (s *Session) SetNetworkInfo(info types.NetworkInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.network = &types.NetworkInfo{IP: info.IP, ISP: info.ISP}
}

// beginRun clears the previous run's results, assigns a fresh run identity
// and enters the ping phase.
func (s *Session) beginRun(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.id = uuid.New().String()
	s.phase = types.PhasePing
	s.progress = 0
	s.pingMs = nil
	s.jitterMs = nil
	s.downloadMbps = nil
	s.uploadMbps = nil
	s.errMsg = ""
	s.startedAt = now
	s.completedAt = time.Time{}
}

// startPhase advances to the next phase and resets progress for it.
func (s *Session) startPhase(phase types.Phase) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.phase = phase
	s.progress = 0
}

func (s *Session) setProgress(pct float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.progress = pct
}

func (s *Session) setLatency(pingMs, jitterMs int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pingMs = &pingMs
	s.jitterMs = &jitterMs
}

func (s *Session) setDownload(mbps int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.downloadMbps = &mbps
}

func (s *Session) setUpload(mbps int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.uploadMbps = &mbps
}

func (s *Session) setError(msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errMsg = msg
}

func (s *Session) complete(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.phase = types.PhaseComplete
	s.progress = 100
	s.completedAt = now
}

func (s *Session) cancelRun(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.phase = types.PhaseCancelled
	s.completedAt = now
}

func copyInt(v *int) *int {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

func copyNetwork(n *types.NetworkInfo) *types.NetworkInfo {
	if n == nil {
		return nil
	}
	c := *n
	return &c
}
