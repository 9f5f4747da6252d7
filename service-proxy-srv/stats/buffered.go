package stats

import (
	"context"
	"sync"
	"time"

	"github.com/codefionn/service-proxy/service-proxy-srv/logger"
)

// BufferedCollector batches writes to an underlying Collector so request
// handling never waits on the storage backend. Records are flushed every
// interval, when the buffer reaches maxBuffered, and on Close.
type BufferedCollector struct {
	underlying  Collector
	interval    time.Duration
	maxBuffered int

	buffer struct {
		requests []RequestRecord
		errors   []errorData
		mu       sync.Mutex
	}

	flushMu   sync.Mutex // serialises flushes
	kick      chan struct{}
	stopChan  chan struct{}
	doneChan  chan struct{}
	closeOnce sync.Once
}

type errorData struct {
	routeID      string
	errorType    string
	errorMessage string
	timestamp    time.Time
}

// timedErrorRecorder lets a flush keep the original time of an error.
type timedErrorRecorder interface {
	recordErrorAt(ctx context.Context, routeID, errorType, errorMessage string, ts time.Time) error
}

// NewBufferedCollector creates a buffered collector flushing every 5 seconds
func NewBufferedCollector(underlying Collector) *BufferedCollector {
	return NewBufferedCollectorWithInterval(underlying, 5*time.Second, 1000)
}

// NewBufferedCollectorWithInterval creates a buffered collector with custom interval
// and buffer size.
func NewBufferedCollectorWithInterval(underlying Collector, interval time.Duration, maxBuffered int) *BufferedCollector {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if maxBuffered <= 0 {
		maxBuffered = 1000
	}

	bc := &BufferedCollector{
		underlying:  underlying,
		interval:    interval,
		maxBuffered: maxBuffered,
		kick:        make(chan struct{}, 1),
		stopChan:    make(chan struct{}),
		doneChan:    make(chan struct{}),
	}
	bc.buffer.requests = make([]RequestRecord, 0, maxBuffered)

	go bc.flusher()

	return bc
}

// flusher runs in the background until Close.
func (b *BufferedCollector) flusher() {
	defer close(b.doneChan)

	logger.Debug("Starting buffered stats flusher %s", b.interval)

	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			b.flush()
		case <-b.kick:
			b.flush()
		case <-b.stopChan:
			b.flush()
			return
		}
	}
}

// RecordRequest buffers rec.
func (b *BufferedCollector) RecordRequest(ctx context.Context, rec RequestRecord) error {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}

	b.buffer.mu.Lock()
	b.buffer.requests = append(b.buffer.requests, rec)
	full := len(b.buffer.requests) >= b.maxBuffered
	b.buffer.mu.Unlock()

	if full {
		b.requestFlush()
	}
	return nil
}

// RecordError buffers an error event.
func (b *BufferedCollector) RecordError(ctx context.Context, routeID, errorType, errorMessage string) error {
	b.buffer.mu.Lock()
	b.buffer.errors = append(b.buffer.errors, errorData{
		routeID:      routeID,
		errorType:    errorType,
		errorMessage: errorMessage,
		timestamp:    time.Now(),
	})
	full := len(b.buffer.errors) >= b.maxBuffered
	b.buffer.mu.Unlock()

	if full {
		b.requestFlush()
	}
	return nil
}

// requestFlush wakes the flusher without blocking the caller.
func (b *BufferedCollector) requestFlush() {
	select {
	case b.kick <- struct{}{}:
	default:
	}
}

func (b *BufferedCollector) flush() {
	b.flushMu.Lock()
	defer b.flushMu.Unlock()

	b.buffer.mu.Lock()
	requests := b.buffer.requests
	errs := b.buffer.errors
	b.buffer.requests = make([]RequestRecord, 0, b.maxBuffered)
	b.buffer.errors = nil
	b.buffer.mu.Unlock()

	if len(requests) == 0 && len(errs) == 0 {
		return
	}

	logger.Debug("Flushing stats data %d", len(requests)+len(errs))

	ctx := context.Background()

	if batch, ok := b.underlying.(BatchRecorder); ok {
		if err := batch.RecordRequests(ctx, requests); err != nil {
			logger.Warn("Failed to flush %d request records: %v", len(requests), err)
		}
	} else {
		for _, rec := range requests {
			if err := b.underlying.RecordRequest(ctx, rec); err != nil {
				logger.Warn("Failed to flush request record: %v", err)
			}
		}
	}

	timed, hasTime := b.underlying.(timedErrorRecorder)
	for _, e := range errs {
		var err error
		if hasTime {
			err = timed.recordErrorAt(ctx, e.routeID, e.errorType, e.errorMessage, e.timestamp)
		} else {
			err = b.underlying.RecordError(ctx, e.routeID, e.errorType, e.errorMessage)
		}
		if err != nil {
			logger.Warn("Failed to flush error record: %v", err)
		}
	}
}

// Close stops the flusher and writes any remaining data
func (b *BufferedCollector) Close() error {
	b.closeOnce.Do(func() {
		close(b.stopChan)
	})
	<-b.doneChan
	return b.underlying.Close()
}

// ForceFlush immediately flushes all buffered data
func (b *BufferedCollector) ForceFlush() {
	b.flush()
}

// GetOverviewStats flushes pending records, then delegates to underlying collector
func (b *BufferedCollector) GetOverviewStats(ctx context.Context) (*OverviewStats, error) {
	b.flush()
	return b.underlying.GetOverviewStats(ctx)
}

// GetRouteStats flushes pending records, then delegates to underlying collector
func (b *BufferedCollector) GetRouteStats(ctx context.Context, limit int) ([]RouteStats, error) {
	b.flush()
	return b.underlying.GetRouteStats(ctx, limit)
}

// GetRecentErrors flushes pending records, then delegates to underlying collector
func (b *BufferedCollector) GetRecentErrors(ctx context.Context, limit int) ([]ErrorSummary, error) {
	b.flush()
	return b.underlying.GetRecentErrors(ctx, limit)
}

// HealthCheck delegates to underlying collector
func (b *BufferedCollector) HealthCheck(ctx context.Context) error {
	return b.underlying.HealthCheck(ctx)
}
