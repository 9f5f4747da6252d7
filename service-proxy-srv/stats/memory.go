package stats

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// MemoryCollector keeps statistics in process memory. Totals are atomic
// counters; per-route and per-error aggregates sit behind a mutex.
type MemoryCollector struct {
	started time.Time

	totalRequests  atomic.Int64
	serverErrors   atomic.Int64
	unmatched      atomic.Int64
	totalErrors    atomic.Int64
	bytesIn        atomic.Int64
	bytesOut       atomic.Int64
	durationMicros atomic.Int64

	mu     sync.Mutex
	routes map[string]*routeAgg
	errors map[string]*ErrorSummary
}

type routeAgg struct {
	count          int64
	errors         int64
	bytes          int64
	durationMicros int64
	lastAccess     time.Time
}

// NewMemoryCollector creates an empty in-memory collector
func NewMemoryCollector() *MemoryCollector {
	return &MemoryCollector{
		started: time.Now(),
		routes:  make(map[string]*routeAgg),
		errors:  make(map[string]*ErrorSummary),
	}
}

// RecordRequest implements Collector.
func (m *MemoryCollector) RecordRequest(ctx context.Context, rec RequestRecord) error {
	m.totalRequests.Add(1)
	m.bytesIn.Add(rec.BytesIn)
	m.bytesOut.Add(rec.BytesOut)
	m.durationMicros.Add(rec.Duration.Microseconds())
	if rec.Status >= 500 {
		m.serverErrors.Add(1)
	}
	if rec.RouteID == "" {
		m.unmatched.Add(1)
		return nil
	}

	ts := rec.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	agg, ok := m.routes[rec.RouteID]
	if !ok {
		agg = &routeAgg{}
		m.routes[rec.RouteID] = agg
	}
	agg.count++
	if rec.Status >= 500 {
		agg.errors++
	}
	agg.bytes += rec.BytesIn + rec.BytesOut
	agg.durationMicros += rec.Duration.Microseconds()
	if ts.After(agg.lastAccess) {
		agg.lastAccess = ts
	}
	return nil
}

// RecordRequests implements BatchRecorder.
func (m *MemoryCollector) RecordRequests(ctx context.Context, recs []RequestRecord) error {
	for _, rec := range recs {
		if err := m.RecordRequest(ctx, rec); err != nil {
			return err
		}
	}
	return nil
}

// RecordError implements Collector.
func (m *MemoryCollector) RecordError(ctx context.Context, routeID, errorType, errorMessage string) error {
	return m.recordErrorAt(ctx, routeID, errorType, errorMessage, time.Now())
}

func (m *MemoryCollector) recordErrorAt(ctx context.Context, routeID, errorType, errorMessage string, ts time.Time) error {
	m.totalErrors.Add(1)

	m.mu.Lock()
	defer m.mu.Unlock()
	summary, ok := m.errors[errorType]
	if !ok {
		summary = &ErrorSummary{ErrorType: errorType}
		m.errors[errorType] = summary
	}
	summary.Count++
	if !ts.Before(summary.LastOccurred) {
		summary.LastMessage = errorMessage
		summary.LastOccurred = ts
	}
	return nil
}

// GetOverviewStats implements Collector.
func (m *MemoryCollector) GetOverviewStats(ctx context.Context) (*OverviewStats, error) {
	total := m.totalRequests.Load()
	stats := &OverviewStats{
		TotalRequests:     total,
		ServerErrors:      m.serverErrors.Load(),
		UnmatchedRequests: m.unmatched.Load(),
		TotalErrors:       m.totalErrors.Load(),
		TotalBytesIn:      m.bytesIn.Load(),
		TotalBytesOut:     m.bytesOut.Load(),
		Uptime:            time.Since(m.started).Round(time.Second).String(),
	}
	if total > 0 {
		stats.AvgLatencyMs = float64(m.durationMicros.Load()) / float64(total) / 1000
	}
	return stats, nil
}

// GetRouteStats implements Collector. Routes are ordered by request count.
func (m *MemoryCollector) GetRouteStats(ctx context.Context, limit int) ([]RouteStats, error) {
	m.mu.Lock()
	out := make([]RouteStats, 0, len(m.routes))
	for id, agg := range m.routes {
		rs := RouteStats{
			RouteID:      id,
			RequestCount: agg.count,
			ErrorCount:   agg.errors,
			TotalBytes:   agg.bytes,
			LastAccess:   agg.lastAccess,
		}
		if agg.count > 0 {
			rs.AvgLatencyMs = float64(agg.durationMicros) / float64(agg.count) / 1000
		}
		out = append(out, rs)
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].RequestCount != out[j].RequestCount {
			return out[i].RequestCount > out[j].RequestCount
		}
		return out[i].RouteID < out[j].RouteID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// GetRecentErrors implements Collector. Most recent error types first.
func (m *MemoryCollector) GetRecentErrors(ctx context.Context, limit int) ([]ErrorSummary, error) {
	m.mu.Lock()
	out := make([]ErrorSummary, 0, len(m.errors))
	for _, s := range m.errors {
		out = append(out, *s)
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].LastOccurred.After(out[j].LastOccurred)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// HealthCheck implements Collector.
func (m *MemoryCollector) HealthCheck(ctx context.Context) error {
	return nil
}

// Close implements Collector.
func (m *MemoryCollector) Close() error {
	return nil
}
