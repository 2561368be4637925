package metrics

import (
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
)

// Store maintains in-memory gauges and counters for engine telemetry.
// Last-measured gauges hold -1 until the first session produces a value.
type Store struct {
	sessionsStarted   atomic.Uint64
	sessionsCompleted atomic.Uint64
	sessionsCancelled atomic.Uint64
	streamFailures    atomic.Uint64
	fallbackRuns      atomic.Uint64
	lookupFailures    atomic.Uint64
	publishFailures   atomic.Uint64
	scheduleSkips     atomic.Uint64

	lastPingMs       atomic.Int64
	lastJitterMs     atomic.Int64
	lastDownloadMbps atomic.Int64
	lastUploadMbps   atomic.Int64

	readinessState      atomic.Int64
	readinessReason     atomic.Value
	readinessCategories atomic.Value
	readyTransitions    atomic.Uint64
	notReadyTransitions atomic.Uint64
	categoryTotals      sync.Map // categoryKey -> *atomic.Uint64
}

// ReadinessCategory captures a categorized readiness reason with severity.
type ReadinessCategory struct {
	Name     string
	Severity string
}

type categoryKey struct {
	Name     string
	Severity string
}

// NewStore constructs a Store with zeroed counters and unset gauges.
func NewStore() *Store {
	store := &Store{}
	store.readinessReason.Store("")
	store.readinessCategories.Store([]ReadinessCategory(nil))
	store.lastPingMs.Store(-1)
	store.lastJitterMs.Store(-1)
	store.lastDownloadMbps.Store(-1)
	store.lastUploadMbps.Store(-1)
	return store
}

// Snapshot captures the current metric values in a plain struct.
type Snapshot struct {
	SessionsStarted   uint64
	SessionsCompleted uint64
	SessionsCancelled uint64
	StreamFailures    uint64
	FallbackRuns      uint64
	LookupFailures    uint64
	PublishFailures   uint64
	ScheduleSkips     uint64

	LastPingMs       int64
	LastJitterMs     int64
	LastDownloadMbps int64
	LastUploadMbps   int64

	Ready               bool
	ReadyReason         string
	ReadyTransitions    uint64
	NotReadyTransitions uint64
	ReadyCategories     []ReadinessCategory
	CategoryTransitions []CategoryCount
}

// CategoryCount captures accumulated transition counts per category/severity.
type CategoryCount struct {
	Category string
	Severity string
	Count    uint64
}

// Snapshot returns a point-in-time copy of the metrics.
func (s *Store) Snapshot() Snapshot {
	readyReason, _ := s.readinessReason.Load().(string)
	rawCategories, _ := s.readinessCategories.Load().([]ReadinessCategory)
	categories := make([]ReadinessCategory, len(rawCategories))
	copy(categories, rawCategories)
	categoryCounts := make([]CategoryCount, 0)
	s.categoryTotals.Range(func(key, value any) bool {
		ckey, ok := key.(categoryKey)
		if !ok {
			return true
		}
		counter, ok := value.(*atomic.Uint64)
		if !ok || counter == nil {
			return true
		}
		categoryCounts = append(categoryCounts, CategoryCount{
			Category: ckey.Name,
			Severity: ckey.Severity,
			Count:    counter.Load(),
		})
		return true
	})
	return Snapshot{
		SessionsStarted:     s.sessionsStarted.Load(),
		SessionsCompleted:   s.sessionsCompleted.Load(),
		SessionsCancelled:   s.sessionsCancelled.Load(),
		StreamFailures:      s.streamFailures.Load(),
		FallbackRuns:        s.fallbackRuns.Load(),
		LookupFailures:      s.lookupFailures.Load(),
		PublishFailures:     s.publishFailures.Load(),
		ScheduleSkips:       s.scheduleSkips.Load(),
		LastPingMs:          s.lastPingMs.Load(),
		LastJitterMs:        s.lastJitterMs.Load(),
		LastDownloadMbps:    s.lastDownloadMbps.Load(),
		LastUploadMbps:      s.lastUploadMbps.Load(),
		Ready:               s.readinessState.Load() == 1,
		ReadyReason:         readyReason,
		ReadyTransitions:    s.readyTransitions.Load(),
		NotReadyTransitions: s.notReadyTransitions.Load(),
		ReadyCategories:     categories,
		CategoryTransitions: categoryCounts,
	}
}

// SessionRecorder returns an implementation of SessionRecorder backed by the store.
func (s *Store) SessionRecorder() SessionRecorder {
	return sessionRecorder{store: s}
}

// LookupRecorder returns an implementation of LookupRecorder backed by the store.
func (s *Store) LookupRecorder() LookupRecorder {
	return lookupRecorder{store: s}
}

// PublishRecorder returns an implementation of PublishRecorder backed by the store.
func (s *Store) PublishRecorder() PublishRecorder {
	return publishRecorder{store: s}
}

// ScheduleRecorder returns an implementation of ScheduleRecorder backed by the store.
func (s *Store) ScheduleRecorder() ScheduleRecorder {
	return scheduleRecorder{store: s}
}

type sessionRecorder struct {
	store *Store
}

func (r sessionRecorder) IncSessionsStarted() {
	r.store.sessionsStarted.Add(1)
}

func (r sessionRecorder) IncSessionsCompleted() {
	r.store.sessionsCompleted.Add(1)
}

func (r sessionRecorder) IncSessionsCancelled() {
	r.store.sessionsCancelled.Add(1)
}

func (r sessionRecorder) IncStreamFailures() {
	r.store.streamFailures.Add(1)
}

func (r sessionRecorder) IncFallbackRuns() {
	r.store.fallbackRuns.Add(1)
}

func (r sessionRecorder) ObserveLatency(pingMs, jitterMs int) {
	r.store.lastPingMs.Store(int64(pingMs))
	r.store.lastJitterMs.Store(int64(jitterMs))
}

func (r sessionRecorder) ObserveDownload(mbps int) {
	r.store.lastDownloadMbps.Store(int64(mbps))
}

func (r sessionRecorder) ObserveUpload(mbps int) {
	r.store.lastUploadMbps.Store(int64(mbps))
}

type lookupRecorder struct {
	store *Store
}

func (r lookupRecorder) IncLookupFailures() {
	r.store.lookupFailures.Add(1)
}

type publishRecorder struct {
	store *Store
}

func (r publishRecorder) IncPublishFailures() {
	r.store.publishFailures.Add(1)
}

type scheduleRecorder struct {
	store *Store
}

func (r scheduleRecorder) IncScheduleSkips() {
	r.store.scheduleSkips.Add(1)
}

func (s *Store) ObserveReadiness(ready bool, reason string, categories []ReadinessCategory) {
	prev := s.readinessState.Load()
	if ready {
		if prev == 0 {
			s.readyTransitions.Add(1)
		}
		s.readinessState.Store(1)
		s.readinessReason.Store("")
		s.readinessCategories.Store([]ReadinessCategory(nil))
		return
	}
	if prev == 1 {
		s.notReadyTransitions.Add(1)
	}
	s.readinessState.Store(0)
	s.readinessReason.Store(reason)
	deduped := dedupeCategories(categories)
	s.readinessCategories.Store(deduped)
	if prev == 1 && len(deduped) > 0 {
		for _, cat := range deduped {
			counter := s.getCategoryCounter(cat)
			counter.Add(1)
		}
	}
}

func (s *Store) getCategoryCounter(category ReadinessCategory) *atomic.Uint64 {
	key := categoryKey{
		Name:     normalizeCategoryName(category.Name),
		Severity: normalizeSeverity(category.Severity),
	}
	if value, ok := s.categoryTotals.Load(key); ok {
		if counter, ok := value.(*atomic.Uint64); ok && counter != nil {
			return counter
		}
	}
	counter := &atomic.Uint64{}
	actual, _ := s.categoryTotals.LoadOrStore(key, counter)
	if existing, ok := actual.(*atomic.Uint64); ok && existing != nil {
		return existing
	}
	return counter
}

func dedupeCategories(categories []ReadinessCategory) []ReadinessCategory {
	if len(categories) == 0 {
		return nil
	}
	seen := make(map[categoryKey]struct{}, len(categories))
	result := make([]ReadinessCategory, 0, len(categories))
	for _, c := range categories {
		rawName := strings.TrimSpace(c.Name)
		if rawName == "" {
			continue
		}
		name := normalizeCategoryName(c.Name)
		severity := normalizeSeverity(c.Severity)
		key := categoryKey{Name: name, Severity: severity}
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		result = append(result, ReadinessCategory{
			Name:     name,
			Severity: severity,
		})
	}
	return result
}

func normalizeCategoryName(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return "unknown"
	}
	return name
}

func normalizeSeverity(severity string) string {
	severity = strings.TrimSpace(strings.ToLower(severity))
	if severity == "" {
		return "unknown"
	}
	switch severity {
	case "info", "informational":
		return "info"
	case "warn", "warning":
		return "warning"
	case "critical", "crit":
		return "critical"
	default:
		return severity
	}
}

// WritePrometheus renders the current metrics using the Prometheus text format.
// Last-measured gauges are omitted until a session has produced them.
func (s *Store) WritePrometheus(w io.Writer) error {
	snap := s.Snapshot()
	readyValue := 0
	if snap.Ready {
		readyValue = 1
	}
	reason := snap.ReadyReason
	if !snap.Ready && reason == "" {
		reason = "unknown"
	}
	if snap.Ready && reason == "" {
		reason = "ready"
	}
	lines := []string{
		"# HELP netmeter_sessions_started_total Total measurement sessions started.",
		"# TYPE netmeter_sessions_started_total counter",
		fmt.Sprintf("netmeter_sessions_started_total %d", snap.SessionsStarted),
		"# HELP netmeter_sessions_completed_total Total measurement sessions that reached the complete phase.",
		"# TYPE netmeter_sessions_completed_total counter",
		fmt.Sprintf("netmeter_sessions_completed_total %d", snap.SessionsCompleted),
		"# HELP netmeter_sessions_cancelled_total Total measurement sessions cancelled before completion.",
		"# TYPE netmeter_sessions_cancelled_total counter",
		fmt.Sprintf("netmeter_sessions_cancelled_total %d", snap.SessionsCancelled),
		"# HELP netmeter_download_stream_failures_total Total downloads that failed after the stream had started.",
		"# TYPE netmeter_download_stream_failures_total counter",
		fmt.Sprintf("netmeter_download_stream_failures_total %d", snap.StreamFailures),
		"# HELP netmeter_download_fallback_total Total download measurements served by the simulated fallback.",
		"# TYPE netmeter_download_fallback_total counter",
		fmt.Sprintf("netmeter_download_fallback_total %d", snap.FallbackRuns),
		"# HELP netmeter_network_lookup_failures_total Total failed public IP and ISP lookups.",
		"# TYPE netmeter_network_lookup_failures_total counter",
		fmt.Sprintf("netmeter_network_lookup_failures_total %d", snap.LookupFailures),
		"# HELP netmeter_publish_failures_total Total result webhook deliveries that failed.",
		"# TYPE netmeter_publish_failures_total counter",
		fmt.Sprintf("netmeter_publish_failures_total %d", snap.PublishFailures),
		"# HELP netmeter_schedule_skips_total Total scheduled runs skipped because a session was already active.",
		"# TYPE netmeter_schedule_skips_total counter",
		fmt.Sprintf("netmeter_schedule_skips_total %d", snap.ScheduleSkips),
	}
	gauges := []struct {
		name  string
		help  string
		value int64
	}{
		{"netmeter_last_ping_ms", "Most recent ping measurement in milliseconds.", snap.LastPingMs},
		{"netmeter_last_jitter_ms", "Most recent jitter measurement in milliseconds.", snap.LastJitterMs},
		{"netmeter_last_download_mbps", "Most recent download measurement in Mbps.", snap.LastDownloadMbps},
		{"netmeter_last_upload_mbps", "Most recent upload estimate in Mbps.", snap.LastUploadMbps},
	}
	for _, g := range gauges {
		if g.value < 0 {
			continue
		}
		lines = append(lines,
			fmt.Sprintf("# HELP %s %s", g.name, g.help),
			fmt.Sprintf("# TYPE %s gauge", g.name),
			fmt.Sprintf("%s %d", g.name, g.value),
		)
	}
	lines = append(lines,
		"# HELP netmeter_ready Whether the engine considers itself ready (1=ready).",
		"# TYPE netmeter_ready gauge",
		fmt.Sprintf("netmeter_ready %d", readyValue),
		"# HELP netmeter_ready_info Reason associated with the most recent readiness evaluation.",
		"# TYPE netmeter_ready_info gauge",
		fmt.Sprintf("netmeter_ready_info{reason=%q} 1", reason),
		"# HELP netmeter_ready_transitions_total Count of readiness state transitions by resulting state.",
		"# TYPE netmeter_ready_transitions_total counter",
		fmt.Sprintf("netmeter_ready_transitions_total{state=%q} %d", "ready", snap.ReadyTransitions),
		fmt.Sprintf("netmeter_ready_transitions_total{state=%q} %d", "not_ready", snap.NotReadyTransitions),
		"# HELP netmeter_ready_categories_info Categories associated with the most recent readiness evaluation.",
		"# TYPE netmeter_ready_categories_info gauge",
	)
	if len(snap.ReadyCategories) == 0 {
		lines = append(lines, fmt.Sprintf("netmeter_ready_categories_info{category=%q,severity=%q} 1", "none", "none"))
	} else {
		cats := append([]ReadinessCategory(nil), snap.ReadyCategories...)
		sort.Slice(cats, func(i, j int) bool {
			if cats[i].Name == cats[j].Name {
				return cats[i].Severity < cats[j].Severity
			}
			return cats[i].Name < cats[j].Name
		})
		for _, cat := range cats {
			lines = append(lines, fmt.Sprintf("netmeter_ready_categories_info{category=%q,severity=%q} 1", cat.Name, cat.Severity))
		}
	}
	lines = append(lines,
		"# HELP netmeter_ready_category_transitions_total Count of readiness degradations annotated by category.",
		"# TYPE netmeter_ready_category_transitions_total counter",
	)
	if len(snap.CategoryTransitions) == 0 {
		lines = append(lines, fmt.Sprintf("netmeter_ready_category_transitions_total{category=%q,severity=%q} %d", "none", "none", 0))
	} else {
		counts := append([]CategoryCount(nil), snap.CategoryTransitions...)
		sort.Slice(counts, func(i, j int) bool {
			if counts[i].Category == counts[j].Category {
				return counts[i].Severity < counts[j].Severity
			}
			return counts[i].Category < counts[j].Category
		})
		for _, cc := range counts {
			lines = append(lines, fmt.Sprintf("netmeter_ready_category_transitions_total{category=%q,severity=%q} %d", cc.Category, cc.Severity, cc.Count))
		}
	}
	lines = append(lines, "")
	for _, line := range lines {
		if _, err := io.WriteString(w, line+"\n"); err != nil {
			return err
		}
	}
	return nil
}

// NewHTTPHandler returns an http.Handler that serves Prometheus formatted metrics.
func NewHTTPHandler(store *Store) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		if r.Method == http.MethodHead {
			return
		}
		if err := store.WritePrometheus(w); err != nil {
			http.Error(w, "metrics unavailable", http.StatusInternalServerError)
		}
	})
}
