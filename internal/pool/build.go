package pool

import (
	"context"
	"time"

	"github.com/proxy-fetch-cache/internal/aggregator"
	"github.com/proxy-fetch-cache/internal/checker"
	"github.com/proxy-fetch-cache/internal/config"
	"github.com/proxy-fetch-cache/internal/metrics"
)

// NewFromConfig wires a pool to the configured proxy-list sources and the
// two-stage checker.
func NewFromConfig(cfg *config.Config, m *metrics.Collector) *Pool {
	source := aggregator.NewAggregator(cfg.Pool, cfg.Pool.MaxSize, m)
	validator := checker.NewChecker(cfg.Checker, cfg.Pool.UserAgent, m)

	opts := Options{
		MinSize:  cfg.Pool.MinSize,
		Debounce: time.Duration(cfg.Pool.DebounceMs) * time.Millisecond,
		SeenTTL:  time.Duration(cfg.Pool.SeenTTLSeconds) * time.Second,
		Metrics:  m,
	}
	if cfg.Checker.EnableFastFilter {
		timeout := time.Duration(cfg.Checker.FastFilterTimeoutMs) * time.Millisecond
		concurrency := cfg.Checker.FastFilterConcurrency
		opts.Prefilter = func(ctx context.Context, proxies []string) []string {
			return checker.FastConnectFilter(ctx, proxies, timeout, concurrency)
		}
	}

	return New(source, validator, opts)
}
