package stats

import (
	"fmt"
	"time"

	"github.com/codefionn/service-proxy/service-proxy-srv/config"
)

// CollectorFactory creates statistics collectors based on configuration
type CollectorFactory struct{}

// NewCollectorFactory creates a new collector factory
func NewCollectorFactory() *CollectorFactory {
	return &CollectorFactory{}
}

// CreateCollector creates a statistics collector based on the provided configuration
func (f *CollectorFactory) CreateCollector(cfg *config.StatisticsConfig) (Collector, error) {
	if cfg == nil || !cfg.Enabled {
		return NewDummyCollector(), nil
	}

	var collector Collector
	var err error

	switch cfg.Backend {
	case "memory", "":
		// Already lock-free, no buffering needed
		return NewMemoryCollector(), nil
	case "sqlite":
		sqlitePath := cfg.SQLitePath
		if sqlitePath == "" {
			sqlitePath = "service-proxy-stats.db"
		}
		collector, err = NewSQLiteCollector(sqlitePath)
	case "postgres", "postgresql":
		if cfg.PostgresDSN == "" {
			return nil, fmt.Errorf("postgres-dsn is required for postgres backend")
		}
		collector, err = NewPostgreSQLCollector(cfg.PostgresDSN)
	case "dummy":
		return NewDummyCollector(), nil
	default:
		return nil, fmt.Errorf("unsupported stats backend: %s", cfg.Backend)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to create %s collector: %w", cfg.Backend, err)
	}

	flushInterval := time.Duration(cfg.FlushInterval) * time.Second
	return NewBufferedCollectorWithInterval(collector, flushInterval, cfg.BufferSize), nil
}

// CreateCollectorFromConfig creates a collector from the main configuration
func (f *CollectorFactory) CreateCollectorFromConfig(cfg *config.Config) (Collector, error) {
	return f.CreateCollector(&cfg.Statistics)
}
