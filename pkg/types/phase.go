package types

// Phase identifies one stage of the measurement sequence. A session walks
// idle, ping, download, upload, complete in order; cancelled is the terminal
// phase of an aborted run.
type Phase string

const (
	PhaseIdle      Phase = "idle"
	PhasePing      Phase = "ping"
	PhaseDownload  Phase = "download"
	PhaseUpload    Phase = "upload"
	PhaseComplete  Phase = "complete"
	PhaseCancelled Phase = "cancelled"
)

// Terminal reports whether the phase ends a run.
func (p Phase) Terminal() bool {
	return p == PhaseComplete || p == PhaseCancelled
}
