// Package metrics holds the run counters and their optional Prometheus export.
package metrics

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// Counter names a run statistic.
type Counter string

const (
	Scans            Counter = "scans"
	MonthsScanned    Counter = "months_scanned"
	DaysFound        Counter = "days_found"
	SlotsFound       Counter = "slots_found"
	CaptchasSolved   Counter = "captchas_solved"
	CaptchasFailed   Counter = "captchas_failed"
	FormsFilled      Counter = "forms_filled"
	FormsSubmitted   Counter = "forms_submitted"
	Errors           Counter = "errors"
	NavigationErrors Counter = "navigation_errors"
	PagesLoaded      Counter = "pages_loaded"
	Rebirths         Counter = "rebirths"
)

// AllCounters lists every counter in report order.
var AllCounters = []Counter{
	Scans, MonthsScanned, DaysFound, SlotsFound,
	CaptchasSolved, CaptchasFailed, FormsFilled, FormsSubmitted,
	Errors, NavigationErrors, PagesLoaded, Rebirths,
}

// Stats is shared by all workers. Increments are forwarded to the exporter
// when one is attached.
type Stats struct {
	mu       sync.Mutex
	counts   map[Counter]int64
	success  atomic.Bool
	exporter *Exporter
}

// NewStats creates zeroed counters. exporter may be nil.
func NewStats(exporter *Exporter) *Stats {
	return &Stats{counts: make(map[Counter]int64, len(AllCounters)), exporter: exporter}
}

// Exporter returns the attached Prometheus exporter, or nil.
func (s *Stats) Exporter() *Exporter { return s.exporter }

// Inc adds one to c.
func (s *Stats) Inc(c Counter) { s.Add(c, 1) }

// Add adds n to c.
func (s *Stats) Add(c Counter, n int64) {
	if n == 0 {
		return
	}
	s.mu.Lock()
	s.counts[c] += n
	s.mu.Unlock()
	if s.exporter != nil {
		s.exporter.addEvent(c, n)
	}
}

// Get returns the current value of c.
func (s *Stats) Get(c Counter) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counts[c]
}

// MarkSuccess records that a booking was confirmed.
func (s *Stats) MarkSuccess() { s.success.Store(true) }

// Success reports whether MarkSuccess was called.
func (s *Stats) Success() bool { return s.success.Load() }

// Snapshot copies every counter, including zeros.
func (s *Stats) Snapshot() map[string]int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]int64, len(AllCounters))
	for _, c := range AllCounters {
		out[string(c)] = s.counts[c]
	}
	return out
}

// Summary is the one-line digest used in logs and status alerts.
func (s *Stats) Summary() string {
	snap := s.Snapshot()
	return fmt.Sprintf("Scans: %d | Days: %d | Slots: %d | Captchas: %d/%d | Rebirths: %d | Errors: %d",
		snap[string(Scans)], snap[string(DaysFound)], snap[string(SlotsFound)],
		snap[string(CaptchasSolved)], snap[string(CaptchasFailed)],
		snap[string(Rebirths)], snap[string(Errors)])
}
