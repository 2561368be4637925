package session

import (
	"context"
	"errors"
	"io"
	"log"
	"time"

	"github.com/Zwooosh/netmeter/internal/events"
	"github.com/Zwooosh/netmeter/internal/latency"
	"github.com/Zwooosh/netmeter/internal/metrics"
	"github.com/Zwooosh/netmeter/internal/simulate"
	"github.com/Zwooosh/netmeter/internal/throughput"
	"github.com/Zwooosh/netmeter/pkg/types"
)

// StreamFailureMessage is the user-facing error recorded when the download
// stream breaks after it has started.
const StreamFailureMessage = "Speed test failed. Please try again."

// LatencyProber estimates round-trip latency. Zero samples means the phase
// produced nothing and the session keeps ping and jitter unset.
type LatencyProber interface {
	Measure(ctx context.Context) latency.Stats
}

// DownloadProber measures download throughput, simulating transparently when
// the transfer cannot be established.
type DownloadProber interface {
	Measure(ctx context.Context, progress func(float64)) (throughput.Outcome, error)
}

// UploadEstimator produces the simulated upload figure.
type UploadEstimator interface {
	Run(ctx context.Context, progress func(float64)) (int, error)
}

var (
	_ LatencyProber   = (*latency.Probe)(nil)
	_ LatencyProber   = (*latency.ICMPProbe)(nil)
	_ DownloadProber  = (*throughput.Probe)(nil)
	_ UploadEstimator = (*simulate.Simulator)(nil)
)

type RunnerDependencies struct {
	Latency  LatencyProber
	Download DownloadProber
	Upload   UploadEstimator
	Recorder events.Recorder
	Metrics  metrics.SessionRecorder
	Logger   *log.Logger
	Now      func() time.Time
}

// Runner walks a session through the measurement sequence. Phase failures
// are absorbed so the walk always reaches a terminal phase; only
// cancellation stops it early.
type Runner struct {
	latency  LatencyProber
	download DownloadProber
	upload   UploadEstimator
	recorder events.Recorder
	metrics  metrics.SessionRecorder
	logger   *log.Logger
	now      func() time.Time
}

func NewRunner(deps RunnerDependencies) (*Runner, error) {
	if deps.Latency == nil {
		return nil, errors.New("session runner requires a latency prober")
	}
	if deps.Download == nil {
		return nil, errors.New("session runner requires a download prober")
	}
	if deps.Upload == nil {
		return nil, errors.New("session runner requires an upload estimator")
	}
	recorder := deps.Recorder
	if recorder == nil {
		recorder = events.NoopRecorder{}
	}
	rec := deps.Metrics
	if rec == nil {
		rec = metrics.NoopSessionRecorder{}
	}
	logger := deps.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	return &Runner{
		latency:  deps.Latency,
		download: deps.Download,
		upload:   deps.Upload,
		recorder: recorder,
		metrics:  rec,
		logger:   logger,
		now:      now,
	}, nil
}

// Run executes one complete measurement on sess: ping, download, upload,
// complete. The error return is non-nil only for cancellation, in which case
// the session is left in the terminal cancelled phase.
func (r *Runner) Run(ctx context.Context, sess *Session) error {
	sess.beginRun(r.now())
	r.metrics.IncSessionsStarted()
	r.record(types.Event{Type: types.EventSessionStart, SessionID: sess.ID()})
	r.recordPhase(sess.ID(), types.PhasePing)

	stats := r.latency.Measure(ctx)
	if stats.SampleCount > 0 {
		sess.setLatency(stats.PingMs, stats.JitterMs)
		r.metrics.ObserveLatency(stats.PingMs, stats.JitterMs)
	} else {
		r.logger.Printf("session %s: no latency samples collected", sess.ID())
	}
	if err := ctx.Err(); err != nil {
		return r.cancel(sess, err)
	}

	sess.startPhase(types.PhaseDownload)
	r.recordPhase(sess.ID(), types.PhaseDownload)
	out, err := r.download.Measure(ctx, r.progressFunc(sess, types.PhaseDownload))
	switch {
	case err != nil && ctx.Err() != nil:
		return r.cancel(sess, ctx.Err())
	case err != nil:
		// A broken stream zeroes the result and sets the user-facing
		// message; the walk continues to the upload phase.
		sess.setError(StreamFailureMessage)
		sess.setDownload(0)
		r.metrics.IncStreamFailures()
		r.logger.Printf("session %s: download failed mid-stream: %v", sess.ID(), err)
		r.record(types.Event{
			Type:      types.EventSessionError,
			SessionID: sess.ID(),
			Phase:     types.PhaseDownload,
			Details:   map[string]any{"message": StreamFailureMessage},
		})
	default:
		sess.setDownload(out.Mbps)
		r.metrics.ObserveDownload(out.Mbps)
		if out.Simulated {
			r.metrics.IncFallbackRuns()
		}
	}

	sess.startPhase(types.PhaseUpload)
	r.recordPhase(sess.ID(), types.PhaseUpload)
	mbps, err := r.upload.Run(ctx, r.progressFunc(sess, types.PhaseUpload))
	if err != nil {
		if ctx.Err() != nil {
			return r.cancel(sess, ctx.Err())
		}
		r.logger.Printf("session %s: upload estimate failed: %v", sess.ID(), err)
	} else {
		sess.setUpload(mbps)
		r.metrics.ObserveUpload(mbps)
	}

	sess.complete(r.now())
	r.metrics.IncSessionsCompleted()
	r.record(types.Event{
		Type:      types.EventSessionComplete,
		SessionID: sess.ID(),
		Phase:     types.PhaseComplete,
	})
	return nil
}

func (r *Runner) cancel(sess *Session, cause error) error {
	sess.cancelRun(r.now())
	r.metrics.IncSessionsCancelled()
	r.record(types.Event{
		Type:      types.EventSessionCancel,
		SessionID: sess.ID(),
		Phase:     types.PhaseCancelled,
	})
	r.logger.Printf("session %s: cancelled: %v", sess.ID(), cause)
	return cause
}

func (r *Runner) progressFunc(sess *Session, phase types.Phase) func(float64) {
	id := sess.ID()
	return func(pct float64) {
		sess.setProgress(pct)
		p := pct
		r.record(types.Event{
			Type:      types.EventProgress,
			SessionID: id,
			Phase:     phase,
			Progress:  &p,
		})
	}
}

func (r *Runner) recordPhase(sessionID string, phase types.Phase) {
	r.record(types.Event{
		Type:      types.EventPhaseChange,
		SessionID: sessionID,
		Phase:     phase,
	})
}

func (r *Runner) record(event types.Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = r.now()
	}
	r.recorder.Record(event)
}
