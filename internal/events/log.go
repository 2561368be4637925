package events

import (
	"log"

	"github.com/Zwooosh/netmeter/pkg/types"
)

// LogRecorder writes session lifecycle events to the engine log. Progress
// events arrive at chunk granularity and are skipped to keep the log usable.
type LogRecorder struct {
	logger *log.Logger
}

func NewLogRecorder(logger *log.Logger) LogRecorder {
	return LogRecorder{logger: logger}
}

func (r LogRecorder) Record(event types.Event) {
	if r.logger == nil || event.Type == types.EventProgress {
		return
	}
	switch event.Type {
	case types.EventPhaseChange:
		r.logger.Printf("session %s entered phase %s", event.SessionID, event.Phase)
	case types.EventSessionError:
		msg, _ := event.Details["message"].(string)
		r.logger.Printf("session %s error: %s", event.SessionID, msg)
	default:
		r.logger.Printf("session %s: %s", event.SessionID, event.Type)
	}
}
