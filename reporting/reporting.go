// Package reporting holds the only process-wide state in this module: a
// capped ring buffer of breadcrumbs describing recent state-machine activity,
// and a per-component rate limiter for error reports. Both are safe to use
// from init code and from multiple goroutines.
package reporting

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	maxBreadcrumbs     = 20
	maxBreadcrumbChars = 100

	// Minimum interval between error reports for the same component slug.
	reportInterval = 180 * time.Second
)

var (
	breadcrumbMu sync.Mutex
	breadcrumbs  []string

	reportMu    sync.Mutex
	lastReports = map[string]time.Time{}
	nowFunc     = time.Now
)

// Breadcrumb records a short formatted message in the global ring buffer and
// mirrors it to the debug log. Messages are truncated to 100 characters on a
// rune boundary; the buffer keeps the most recent 20.
func Breadcrumb(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	if runes := []rune(msg); len(runes) > maxBreadcrumbChars {
		msg = string(runes[:maxBreadcrumbChars])
	}
	breadcrumbMu.Lock()
	breadcrumbs = append(breadcrumbs, msg)
	if len(breadcrumbs) > maxBreadcrumbs {
		breadcrumbs = breadcrumbs[len(breadcrumbs)-maxBreadcrumbs:]
	}
	breadcrumbMu.Unlock()
	log.Debug().Str("breadcrumb", msg).Msg("fxa")
}

// Breadcrumbs returns a copy of the current ring buffer, oldest first.
func Breadcrumbs() []string {
	breadcrumbMu.Lock()
	defer breadcrumbMu.Unlock()
	out := make([]string, len(breadcrumbs))
	copy(out, breadcrumbs)
	return out
}

// ReportError emits an error report for the given component slug, rate
// limited to one per slug per 180 seconds to avoid telemetry floods. It
// returns true when the report was emitted.
func ReportError(slug, format string, args ...any) bool {
	reportMu.Lock()
	now := nowFunc()
	if last, ok := lastReports[slug]; ok && now.Sub(last) < reportInterval {
		reportMu.Unlock()
		return false
	}
	lastReports[slug] = now
	reportMu.Unlock()
	log.Error().Str("component", slug).Msgf(format, args...)
	return true
}

// Reset clears the breadcrumb buffer and the rate-limiter map. For tests.
func Reset() {
	breadcrumbMu.Lock()
	breadcrumbs = nil
	breadcrumbMu.Unlock()
	reportMu.Lock()
	lastReports = map[string]time.Time{}
	nowFunc = time.Now
	reportMu.Unlock()
}

// SetNowFunc overrides the clock used by the rate limiter. For tests.
func SetNowFunc(now func() time.Time) {
	reportMu.Lock()
	nowFunc = now
	reportMu.Unlock()
}
