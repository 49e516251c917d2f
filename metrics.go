package mcpwire

import (
	"context"
	"sort"
	"sync"
	"time"
)

const defaultHistorySize = 1024

// MetricsSnapshot is a point-in-time view of the collected request
// statistics. Percentiles and RequestsPerSecond are computed over the
// bounded sample window, so they reflect recent traffic rather than
// all-time totals.
type MetricsSnapshot struct {
	TotalRequests int64
	TotalErrors   int64
	ErrorRate     float64

	AverageDuration time.Duration
	P50             time.Duration
	P95             time.Duration
	P99             time.Duration

	RequestsPerSecond float64
	PerOperation      map[string]int64
}

// MetricsMiddleware collects request counts, error counts, and a
// bounded ring of recent durations and completion timestamps.
type MetricsMiddleware struct {
	PassthroughMiddleware

	historySize int

	mu            sync.Mutex
	totalRequests int64
	totalErrors   int64
	totalDuration time.Duration
	perOperation  map[string]int64

	history []time.Duration
	stamps  []time.Time
	next    int
	filled  bool

	// now is swappable for tests.
	now func() time.Time
}

// MetricsOption configures a MetricsMiddleware.
type MetricsOption func(*MetricsMiddleware)

// WithHistorySize overrides the default 1024-sample duration window.
func WithHistorySize(n int) MetricsOption {
	return func(m *MetricsMiddleware) {
		if n > 0 {
			m.historySize = n
		}
	}
}

// NewMetricsMiddleware creates a metrics middleware.
func NewMetricsMiddleware(options ...MetricsOption) *MetricsMiddleware {
	m := &MetricsMiddleware{
		historySize:  defaultHistorySize,
		perOperation: make(map[string]int64),
		now:          time.Now,
	}
	for _, opt := range options {
		opt(m)
	}
	m.history = make([]time.Duration, m.historySize)
	m.stamps = make([]time.Time, m.historySize)
	return m
}

// ProcessRequest times the downstream call and records the outcome.
func (m *MetricsMiddleware) ProcessRequest(ctx context.Context, rc *RequestContext, msg Message, next Next) (Message, error) {
	start := time.Now()
	resp, err := next(ctx, rc, msg)
	m.record(rc.Operation, time.Since(start), err != nil)
	return resp, err
}

func (m *MetricsMiddleware) record(operation string, d time.Duration, failed bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.totalRequests++
	m.totalDuration += d
	m.perOperation[operation]++
	if failed {
		m.totalErrors++
	}

	m.history[m.next] = d
	m.stamps[m.next] = m.now()
	m.next++
	if m.next == m.historySize {
		m.next = 0
		m.filled = true
	}
}

// Snapshot computes the current statistics.
func (m *MetricsMiddleware) Snapshot() MetricsSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap := MetricsSnapshot{
		TotalRequests: m.totalRequests,
		TotalErrors:   m.totalErrors,
		PerOperation:  make(map[string]int64, len(m.perOperation)),
	}
	for op, n := range m.perOperation {
		snap.PerOperation[op] = n
	}

	if m.totalRequests > 0 {
		snap.ErrorRate = float64(m.totalErrors) / float64(m.totalRequests)
		snap.AverageDuration = m.totalDuration / time.Duration(m.totalRequests)
	}

	// Rate over the recent sample window, not process lifetime: idle
	// stretches before the window must not drag the figure down.
	stamps := m.stampsLocked()
	if len(stamps) >= 2 {
		oldest, newest := stamps[0], stamps[0]
		for _, ts := range stamps[1:] {
			if ts.Before(oldest) {
				oldest = ts
			}
			if ts.After(newest) {
				newest = ts
			}
		}
		if span := newest.Sub(oldest); span > 0 {
			snap.RequestsPerSecond = float64(len(stamps)-1) / span.Seconds()
		}
	}

	samples := m.samplesLocked()
	if len(samples) > 0 {
		sort.Slice(samples, func(i, j int) bool { return samples[i] < samples[j] })
		snap.P50 = percentile(samples, 0.50)
		snap.P95 = percentile(samples, 0.95)
		snap.P99 = percentile(samples, 0.99)
	}
	return snap
}

// Reset clears all counters and the duration history.
func (m *MetricsMiddleware) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.totalRequests = 0
	m.totalErrors = 0
	m.totalDuration = 0
	m.perOperation = make(map[string]int64)
	m.history = make([]time.Duration, m.historySize)
	m.stamps = make([]time.Time, m.historySize)
	m.next = 0
	m.filled = false
}

// stampsLocked must be called with m.mu held.
func (m *MetricsMiddleware) stampsLocked() []time.Time {
	if m.filled {
		out := make([]time.Time, m.historySize)
		copy(out, m.stamps)
		return out
	}
	out := make([]time.Time, m.next)
	copy(out, m.stamps[:m.next])
	return out
}

// samplesLocked must be called with m.mu held.
func (m *MetricsMiddleware) samplesLocked() []time.Duration {
	if m.filled {
		out := make([]time.Duration, m.historySize)
		copy(out, m.history)
		return out
	}
	out := make([]time.Duration, m.next)
	copy(out, m.history[:m.next])
	return out
}

// percentile expects samples sorted ascending.
func percentile(samples []time.Duration, p float64) time.Duration {
	if len(samples) == 0 {
		return 0
	}
	idx := int(p * float64(len(samples)-1))
	return samples[idx]
}
