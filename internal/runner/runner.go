package runner

import (
	"context"
	"sync"
	"time"

	"github.com/proxy-fetch-cache/internal/cache"
	"github.com/proxy-fetch-cache/internal/config"
	"github.com/proxy-fetch-cache/internal/fetcher"
	"github.com/proxy-fetch-cache/internal/pool"
	"github.com/proxy-fetch-cache/internal/resume"
	log "github.com/sirupsen/logrus"
)

// PageFetcher is the part of fetcher.Fetcher the runner needs.
type PageFetcher interface {
	FetchAndCache(ctx context.Context, url string, force bool) fetcher.Result
	CachedPath(url string) (string, bool)
}

type Runner struct {
	fetcher    PageFetcher
	maxWorkers int
	ledger     *resume.Ledger
	force      bool
}

type Option func(*Runner)

// WithLedger skips URLs the ledger already has and records new successes in it.
func WithLedger(l *resume.Ledger) Option {
	return func(r *Runner) { r.ledger = l }
}

// WithForce refetches URLs even when they are cached.
func WithForce(force bool) Option {
	return func(r *Runner) { r.force = force }
}

func New(f PageFetcher, maxWorkers int, opts ...Option) *Runner {
	if maxWorkers <= 0 {
		maxWorkers = 1
	}
	r := &Runner{fetcher: f, maxWorkers: maxWorkers}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Report summarizes one batch. Paths are in completion order. Failed counts
// failed inputs; Failures keeps the last error per distinct URL.
type Report struct {
	Paths    []string          `json:"paths"`
	Failed   int               `json:"failed"`
	Failures map[string]string `json:"failures"`
	Resumed  int               `json:"resumed"`
	Duration time.Duration     `json:"duration"`
}

type outcome struct {
	result  fetcher.Result
	resumed bool
}

// Prefetch caches every URL and returns the paths that succeeded. Failures are
// logged and left out; they never stop the batch.
func (r *Runner) Prefetch(ctx context.Context, urls []string) []string {
	return r.Run(ctx, urls).Paths
}

func (r *Runner) Run(ctx context.Context, urls []string) Report {
	startTime := time.Now()
	report := Report{
		Paths:    make([]string, 0, len(urls)),
		Failures: make(map[string]string),
	}

	workers := r.maxWorkers
	if workers > len(urls) {
		workers = len(urls)
	}

	jobs := make(chan string)
	results := make(chan outcome, workers)

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for url := range jobs {
				results <- r.process(ctx, url)
			}
		}()
	}

	go func() {
		defer close(jobs)
		for _, url := range urls {
			select {
			case jobs <- url:
			case <-ctx.Done():
				return
			}
		}
	}()

	go func() {
		wg.Wait()
		close(results)
	}()

	for out := range results {
		result := out.result
		if !result.OK() {
			log.Warnf("Failed to cache %s: %v", result.URL, result.Err)
			report.Failed++
			report.Failures[result.URL] = result.Err.Error()
			continue
		}
		if out.resumed {
			report.Resumed++
		}
		log.Infof("Cached %s -> %s", result.URL, result.Path)
		report.Paths = append(report.Paths, result.Path)
	}

	report.Duration = time.Since(startTime)
	log.Infof("Prefetch finished: %d cached, %d failed, %d resumed of %d URLs in %v",
		len(report.Paths), report.Failed, report.Resumed, len(urls), report.Duration)
	return report
}

func (r *Runner) process(ctx context.Context, url string) outcome {
	if r.ledger != nil && !r.force && r.ledger.IsDone(url) {
		if path, ok := r.fetcher.CachedPath(url); ok {
			return outcome{
				result:  fetcher.Result{URL: url, Path: path, Outcome: fetcher.Cached},
				resumed: true,
			}
		}
	}

	result := r.fetcher.FetchAndCache(ctx, url, r.force)
	if result.OK() && r.ledger != nil {
		if err := r.ledger.MarkDone(url); err != nil {
			log.Warnf("Resume ledger update for %s failed: %v", url, err)
		}
	}
	return outcome{result: result}
}

// PrefetchURLs builds one shared pool and fetcher from the global configuration
// (defaults when none was loaded), caches urls under cacheDir with maxWorkers
// workers and returns the paths that succeeded.
func PrefetchURLs(ctx context.Context, urls []string, cacheDir string, maxWorkers int) []string {
	cfg := config.GetGlobal()
	if cfg == nil {
		cfg = config.Default()
	}

	p := pool.NewFromConfig(cfg, nil)
	defer p.Close()

	f := fetcher.New(p, cache.New(cacheDir), fetcher.OptionsFromConfig(cfg, nil))
	return New(f, maxWorkers).Prefetch(ctx, urls)
}
