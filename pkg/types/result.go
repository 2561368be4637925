package types

import "time"

// NetworkInfo carries the public IP and provider name resolved for a
// session. It is informational only and never affects measurements.
type NetworkInfo struct {
	IP  string `json:"ip" yaml:"ip"`
	ISP string `json:"isp" yaml:"isp"`
}

// SessionSnapshot is a consistent point-in-time copy of the live session
// state. Metric fields are nil until the corresponding phase has produced
// a value; snapshots taken mid-run carry partial results.
type SessionSnapshot struct {
	SessionID    string       `json:"session_id"`
	Phase        Phase        `json:"phase"`
	Progress     float64      `json:"progress"`
	PingMs       *int         `json:"ping_ms"`
	JitterMs     *int         `json:"jitter_ms"`
	DownloadMbps *int         `json:"download_mbps"`
	UploadMbps   *int         `json:"upload_mbps"`
	Error        string       `json:"error,omitempty"`
	NetworkInfo  *NetworkInfo `json:"network_info,omitempty"`
	StartedAt    time.Time    `json:"started_at"`
}

// Result is the final outcome of one run. Nil metric fields mean the phase
// could not produce a value; Error carries the user-facing failure message
// when the download stream broke mid-transfer.
type Result struct {
	SessionID    string       `json:"session_id"`
	StartedAt    time.Time    `json:"started_at"`
	CompletedAt  time.Time    `json:"completed_at"`
	PingMs       *int         `json:"ping_ms"`
	JitterMs     *int         `json:"jitter_ms"`
	DownloadMbps *int         `json:"download_mbps"`
	UploadMbps   *int         `json:"upload_mbps"`
	Error        string       `json:"error,omitempty"`
	NetworkInfo  *NetworkInfo `json:"network_info,omitempty"`
}
