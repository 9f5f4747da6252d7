package stats

import (
	"context"
)

// DummyCollector is a no-op implementation of Collector
// It does nothing and is used when statistics collection is disabled
type DummyCollector struct{}

// NewDummyCollector creates a new dummy collector
func NewDummyCollector() *DummyCollector {
	return &DummyCollector{}
}

// RecordRequest records a request (no-op)
func (d *DummyCollector) RecordRequest(ctx context.Context, rec RequestRecord) error {
	return nil
}

// RecordError records an error (no-op)
func (d *DummyCollector) RecordError(ctx context.Context, routeID, errorType, errorMessage string) error {
	return nil
}

// GetOverviewStats returns empty overview stats
func (d *DummyCollector) GetOverviewStats(ctx context.Context) (*OverviewStats, error) {
	return &OverviewStats{Uptime: "statistics disabled"}, nil
}

// GetRouteStats returns no routes
func (d *DummyCollector) GetRouteStats(ctx context.Context, limit int) ([]RouteStats, error) {
	return []RouteStats{}, nil
}

// GetRecentErrors returns no errors
func (d *DummyCollector) GetRecentErrors(ctx context.Context, limit int) ([]ErrorSummary, error) {
	return []ErrorSummary{}, nil
}

// HealthCheck always succeeds
func (d *DummyCollector) HealthCheck(ctx context.Context) error {
	return nil
}

// Close does nothing
func (d *DummyCollector) Close() error {
	return nil
}
