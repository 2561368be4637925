package metrics

type SessionRecorder interface {
	IncSessionsStarted()
	IncSessionsCompleted()
	IncSessionsCancelled()
	IncStreamFailures()
	IncFallbackRuns()
	ObserveLatency(pingMs, jitterMs int)
	ObserveDownload(mbps int)
	ObserveUpload(mbps int)
}

type NoopSessionRecorder struct{}

func (NoopSessionRecorder) IncSessionsStarted()                 {}
func (NoopSessionRecorder) IncSessionsCompleted()               {}
func (NoopSessionRecorder) IncSessionsCancelled()               {}
func (NoopSessionRecorder) IncStreamFailures()                  {}
func (NoopSessionRecorder) IncFallbackRuns()                    {}
func (NoopSessionRecorder) ObserveLatency(pingMs, jitterMs int) {}
func (NoopSessionRecorder) ObserveDownload(mbps int)            {}
func (NoopSessionRecorder) ObserveUpload(mbps int)              {}

type LookupRecorder interface {
	IncLookupFailures()
}

type NoopLookupRecorder struct{}

func (NoopLookupRecorder) IncLookupFailures() {}

type PublishRecorder interface {
	IncPublishFailures()
}

type NoopPublishRecorder struct{}

func (NoopPublishRecorder) IncPublishFailures() {}

type ScheduleRecorder interface {
	IncScheduleSkips()
}

type NoopScheduleRecorder struct{}

func (NoopScheduleRecorder) IncScheduleSkips() {}
