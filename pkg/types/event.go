package types

import "time"

type EventType string

const (
	EventSessionStart    EventType = "SessionStart"
	EventPhaseChange     EventType = "PhaseChange"
	EventProgress        EventType = "Progress"
	EventSessionComplete EventType = "SessionComplete"
	EventSessionCancel   EventType = "SessionCancelled"
	EventSessionError    EventType = "SessionError"
)

type Event struct {
	Type      EventType      `json:"type"`
	Timestamp time.Time      `json:"ts"`
	SessionID string         `json:"session_id,omitempty"`
	Phase     Phase          `json:"phase,omitempty"`
	Progress  *float64       `json:"progress,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
}
