// Package health evaluates readiness for serve mode. The only gating
// concern is the endpoint manifest: an engine running on defaults is always
// ready, one configured for a manifest is unready until the manifest has
// synced and stays fresh.
package health

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/Zwooosh/netmeter/internal/metrics"
)

const defaultManifestStale = time.Hour

const (
	categoryManifestPending = "MANIFEST_PENDING"
	categoryManifestStale   = "MANIFEST_STALE"
	categoryManifestError   = "MANIFEST_ERROR"
)

const (
	severityInfo     = "info"
	severityWarning  = "warning"
	severityCritical = "critical"
)

// Checker evaluates readiness conditions and mirrors the outcome into the
// metrics store.
type Checker struct {
	metrics          *metrics.Store
	manifestRequired bool
	staleAfter       time.Duration

	mu                  sync.RWMutex
	lastManifestSuccess time.Time
	manifestErr         string
	lastManifestError   time.Time
}

// NewChecker constructs a readiness checker. manifestRequired marks a
// deployment that configured a remote manifest; staleAfter bounds how old
// the last successful sync may be.
func NewChecker(store *metrics.Store, manifestRequired bool, staleAfter time.Duration) *Checker {
	if staleAfter <= 0 {
		staleAfter = defaultManifestStale
	}
	return &Checker{
		metrics:          store,
		manifestRequired: manifestRequired,
		staleAfter:       staleAfter,
	}
}

// ObserveManifestSync records the outcome of a manifest refresh attempt.
func (c *Checker) ObserveManifestSync(ts time.Time, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		c.manifestErr = err.Error()
		c.lastManifestError = ts
		return
	}
	c.lastManifestSuccess = ts
	c.manifestErr = ""
	c.lastManifestError = time.Time{}
}

// Ready evaluates all readiness conditions and returns the overall status
// and the reasons for failure.
func (c *Checker) Ready(now time.Time) (bool, []string) {
	reasons := make([]string, 0, 2)
	categories := make([]metrics.ReadinessCategory, 0, 2)
	appendCategory := func(name, severity string) {
		categories = append(categories, metrics.ReadinessCategory{
			Name:     name,
			Severity: severity,
		})
	}

	c.mu.RLock()
	lastSuccess := c.lastManifestSuccess
	manifestErr := c.manifestErr
	lastErr := c.lastManifestError
	staleAfter := c.staleAfter
	c.mu.RUnlock()

	if c.manifestRequired {
		if lastSuccess.IsZero() {
			reasons = append(reasons, "manifest not yet synced")
			appendCategory(categoryManifestPending, severityInfo)
		} else if now.Sub(lastSuccess) > staleAfter {
			reasons = append(reasons, fmt.Sprintf("manifest sync stale (%s)", now.Sub(lastSuccess).Round(time.Second)))
			appendCategory(categoryManifestStale, severityWarning)
		}

		if manifestErr != "" && now.Sub(lastErr) <= staleAfter {
			reasons = append(reasons, fmt.Sprintf("manifest sync failing: %s", manifestErr))
			appendCategory(categoryManifestError, severityCritical)
		}
	}

	ready := len(reasons) == 0
	if c.metrics != nil {
		if ready {
			c.metrics.ObserveReadiness(true, "", nil)
		} else {
			c.metrics.ObserveReadiness(false, strings.Join(reasons, "; "), categories)
		}
	}
	if !ready {
		return false, reasons
	}
	return true, nil
}
