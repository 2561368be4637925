package session

import (
	"testing"
	"time"

	"github.com/Zwooosh/netmeter/pkg/types"
)

func TestSnapshotCopiesState(t *testing.T) {
	sess := NewSession()
	sess.SetNetworkInfo(types.NetworkInfo{IP: "203.0.113.7", ISP: "Fiber Express"})
	sess.beginRun(time.Unix(123, 0))
	sess.setLatency(38, 51)

	snap := sess.Snapshot()
	if snap.Phase != types.PhasePing {
		t.Fatalf("expected ping phase, got %s", snap.Phase)
	}
	if snap.PingMs == nil || *snap.PingMs != 38 {
		t.Fatalf("unexpected ping: %v", snap.PingMs)
	}
	if snap.NetworkInfo == nil || snap.NetworkInfo.ISP != "Fiber Express" {
		t.Fatalf("unexpected network info: %+v", snap.NetworkInfo)
	}

	// Mutating the snapshot must not reach the session.
	*snap.PingMs = 999
	snap.NetworkInfo.ISP = "tampered"
	again := sess.Snapshot()
	if *again.PingMs != 38 {
		t.Fatalf("snapshot aliased session state: ping %d", *again.PingMs)
	}
	if again.NetworkInfo.ISP != "Fiber Express" {
		t.Fatalf("snapshot aliased network info: %s", again.NetworkInfo.ISP)
	}
}

func TestBeginRunResetsResultsButKeepsNetworkInfo(t *testing.T) {
	sess := NewSession()
	sess.SetNetworkInfo(types.NetworkInfo{IP: "203.0.113.7", ISP: "Fiber Express"})

	sess.beginRun(time.Unix(100, 0))
	firstID := sess.ID()
	sess.setLatency(40, 3)
	sess.setDownload(94)
	sess.setUpload(27)
	sess.setError(StreamFailureMessage)
	sess.complete(time.Unix(110, 0))

	sess.beginRun(time.Unix(200, 0))
	snap := sess.Snapshot()

	if sess.ID() == firstID {
		t.Fatalf("expected a fresh run id")
	}
	if snap.Phase != types.PhasePing {
		t.Fatalf("expected ping phase, got %s", snap.Phase)
	}
	if snap.PingMs != nil || snap.JitterMs != nil || snap.DownloadMbps != nil || snap.UploadMbps != nil {
		t.Fatalf("expected cleared results, got %+v", snap)
	}
	if snap.Error != "" {
		t.Fatalf("expected cleared error, got %q", snap.Error)
	}
	if snap.Progress != 0 {
		t.Fatalf("expected progress reset, got %v", snap.Progress)
	}
	if snap.NetworkInfo == nil || snap.NetworkInfo.IP != "203.0.113.7" {
		t.Fatalf("expected network info to survive runs, got %+v", snap.NetworkInfo)
	}
	if !snap.StartedAt.Equal(time.Unix(200, 0)) {
		t.Fatalf("unexpected start time: %s", snap.StartedAt)
	}
}

func TestStartPhaseResetsProgress(t *testing.T) {
	sess := NewSession()
	sess.beginRun(time.Unix(100, 0))
	sess.setProgress(42)

	sess.startPhase(types.PhaseDownload)
	snap := sess.Snapshot()
	if snap.Phase != types.PhaseDownload {
		t.Fatalf("expected download phase, got %s", snap.Phase)
	}
	if snap.Progress != 0 {
		t.Fatalf("expected progress reset on phase entry, got %v", snap.Progress)
	}
}

func TestPhaseTerminal(t *testing.T) {
	if !types.PhaseComplete.Terminal() || !types.PhaseCancelled.Terminal() {
		t.Fatalf("expected complete and cancelled to be terminal")
	}
	for _, p := range []types.Phase{types.PhaseIdle, types.PhasePing, types.PhaseDownload, types.PhaseUpload} {
		if p.Terminal() {
			t.Fatalf("phase %s must not be terminal", p)
		}
	}
}
