// Package stats records per-request outcomes of the gateway and answers
// aggregate queries for the admin API.
package stats

import (
	"context"
	"time"
)

// Collector defines the interface for collecting gateway statistics
type Collector interface {
	// RecordRequest stores the outcome of one dispatched request.
	RecordRequest(ctx context.Context, rec RequestRecord) error
	// RecordError stores a classified error, e.g. an upstream failure.
	RecordError(ctx context.Context, routeID, errorType, errorMessage string) error

	// Queries
	GetOverviewStats(ctx context.Context) (*OverviewStats, error)
	GetRouteStats(ctx context.Context, limit int) ([]RouteStats, error)
	GetRecentErrors(ctx context.Context, limit int) ([]ErrorSummary, error)

	// Health check
	HealthCheck(ctx context.Context) error

	// Close cleans up resources
	Close() error
}

// BatchRecorder is implemented by collectors that can store many records
// in one round trip. BufferedCollector uses it when flushing.
type BatchRecorder interface {
	RecordRequests(ctx context.Context, recs []RequestRecord) error
}

// RequestRecord is the outcome of one request handled by the dispatcher.
// RouteID is empty when no rule matched.
type RequestRecord struct {
	RouteID   string
	Method    string
	Path      string
	Status    int
	Upstream  string // host:port of the backend, empty for local responses
	ClientIP  string
	BytesIn   int64
	BytesOut  int64
	Duration  time.Duration
	ErrorCode string // proxy error code, e.g. E2010, empty on success
	Timestamp time.Time
}

// OverviewStats provides high-level statistics
type OverviewStats struct {
	TotalRequests     int64   `json:"total_requests"`
	ServerErrors      int64   `json:"server_errors"`
	UnmatchedRequests int64   `json:"unmatched_requests"`
	TotalErrors       int64   `json:"total_errors"`
	TotalBytesIn      int64   `json:"total_bytes_in"`
	TotalBytesOut     int64   `json:"total_bytes_out"`
	AvgLatencyMs      float64 `json:"avg_latency_ms"`
	Uptime            string  `json:"uptime"`
}

// RouteStats represents statistics for one routing rule
type RouteStats struct {
	RouteID      string    `json:"route_id"`
	RequestCount int64     `json:"request_count"`
	ErrorCount   int64     `json:"error_count"`
	TotalBytes   int64     `json:"total_bytes"`
	AvgLatencyMs float64   `json:"avg_latency_ms"`
	LastAccess   time.Time `json:"last_access"`
}

// ErrorSummary represents error statistics
type ErrorSummary struct {
	ErrorType    string    `json:"error_type"`
	Count        int64     `json:"count"`
	LastMessage  string    `json:"last_message"`
	LastOccurred time.Time `json:"last_occurred"`
}
