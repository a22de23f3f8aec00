package fetcher

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/proxy-fetch-cache/internal/cache"
	"github.com/proxy-fetch-cache/internal/checker"
	"github.com/proxy-fetch-cache/internal/config"
	"github.com/proxy-fetch-cache/internal/metrics"
	"github.com/proxy-fetch-cache/internal/ratelimit"
	log "github.com/sirupsen/logrus"
)

// DefaultMaxPageBytes caps a downloaded page. Larger pages fail the attempt.
const DefaultMaxPageBytes = 32 * 1024 * 1024

// ProxyPool is the part of pool.Pool the fetcher needs.
type ProxyPool interface {
	Get(ctx context.Context, wait time.Duration) (string, bool)
	MarkGood(proxy string)
	MarkBad(proxy string)
}

type Options struct {
	MaxRetries   int
	Timeout      time.Duration
	Backoff      time.Duration // multiplied by the attempt number
	NoProxySleep time.Duration
	ProxyWait    time.Duration // how long each attempt waits on the pool
	UserAgent    string
	Scheme       string
	MaxPageBytes int64
	// Limiter, when set, paces requests per target host.
	Limiter *ratelimit.Keyed
	Metrics *metrics.Collector
}

// OptionsFromConfig maps the fetcher, pool and checker sections onto Options.
func OptionsFromConfig(cfg *config.Config, m *metrics.Collector) Options {
	opts := Options{
		MaxRetries:   cfg.Fetcher.MaxRetries,
		Timeout:      time.Duration(cfg.Fetcher.TimeoutMs) * time.Millisecond,
		Backoff:      time.Duration(cfg.Fetcher.BackoffMs) * time.Millisecond,
		NoProxySleep: time.Duration(cfg.Fetcher.NoProxySleepMs) * time.Millisecond,
		ProxyWait:    time.Duration(cfg.Pool.WaitMs) * time.Millisecond,
		UserAgent:    cfg.Fetcher.UserAgent,
		Scheme:       cfg.Checker.Scheme,
		Metrics:      m,
	}
	if cfg.Fetcher.RequestsPerSecond > 0 {
		opts.Limiter = ratelimit.NewKeyed(cfg.Fetcher.RequestsPerSecond, 1)
	}
	return opts
}

// Fetcher downloads pages through pool proxies into a Cache.
type Fetcher struct {
	opts  Options
	pool  ProxyPool
	cache *cache.Cache
}

func New(proxies ProxyPool, store *cache.Cache, opts Options) *Fetcher {
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 3
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 7 * time.Second
	}
	if opts.UserAgent == "" {
		opts.UserAgent = config.DefaultUserAgent
	}
	if opts.MaxPageBytes <= 0 {
		opts.MaxPageBytes = DefaultMaxPageBytes
	}
	return &Fetcher{opts: opts, pool: proxies, cache: store}
}

func (f *Fetcher) Cache() *cache.Cache {
	return f.cache
}

// CachedPath reports where rawURL is cached, if it is.
func (f *Fetcher) CachedPath(rawURL string) (string, bool) {
	if !f.cache.Exists(rawURL) {
		return "", false
	}
	return f.cache.Path(rawURL), true
}

// FetchAndCache returns the cache path for rawURL, downloading it first unless
// it is already cached and force is false.
func (f *Fetcher) FetchAndCache(ctx context.Context, rawURL string, force bool) Result {
	if !force && f.cache.Exists(rawURL) {
		f.opts.Metrics.RecordFetchResult(Cached.String())
		return Result{URL: rawURL, Path: f.cache.Path(rawURL), Outcome: Cached}
	}

	startTime := time.Now()
	result := f.fetch(ctx, rawURL)
	f.opts.Metrics.RecordFetchDuration(time.Since(startTime).Seconds())
	if result.Err != nil {
		f.opts.Metrics.RecordFetchResult(result.Err.Kind.String())
	} else {
		f.opts.Metrics.RecordFetchResult(result.Outcome.String())
	}
	return result
}

// Fetch is FetchAndCache for callers that only want a path or an error.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string, force bool) (string, error) {
	result := f.FetchAndCache(ctx, rawURL, force)
	return result.Path, result.AsError()
}

func (f *Fetcher) fetch(ctx context.Context, rawURL string) Result {
	result := Result{URL: rawURL, Outcome: Failed}
	fail := func(kind ErrorKind, cause error) Result {
		result.Err = &FetchError{Kind: kind, URL: rawURL, Cause: cause}
		return result
	}

	host := ""
	if u, err := url.Parse(rawURL); err == nil {
		host = u.Host
	}

	var lastErr error
	for attempt := 1; attempt <= f.opts.MaxRetries; attempt++ {
		result.Attempts = attempt

		proxy, ok := f.pool.Get(ctx, f.opts.ProxyWait)
		if !ok {
			f.opts.Metrics.RecordFetchAttempt("no_proxy")
			log.Debugf("No proxy for %s (attempt %d/%d)", rawURL, attempt, f.opts.MaxRetries)
			if err := sleep(ctx, f.opts.NoProxySleep); err != nil {
				return fail(KindCanceled, err)
			}
			continue
		}

		if f.opts.Limiter != nil && host != "" {
			if err := f.opts.Limiter.Wait(ctx, host); err != nil {
				f.pool.MarkGood(proxy)
				return fail(KindCanceled, err)
			}
		}

		body, err := f.get(ctx, proxy, rawURL)
		if err == nil {
			f.opts.Metrics.RecordFetchAttempt("ok")
			f.pool.MarkGood(proxy)

			path, err := f.cache.Write(rawURL, body)
			if err != nil {
				return fail(KindStorage, err)
			}
			result.Path = path
			result.Outcome = Fetched
			log.Debugf("Cached %s via %s (%d bytes, attempt %d)", rawURL, proxy, len(body), attempt)
			return result
		}

		if ctx.Err() != nil {
			// the proxy did nothing wrong
			f.pool.MarkGood(proxy)
			return fail(KindCanceled, ctx.Err())
		}

		f.opts.Metrics.RecordFetchAttempt("error")
		f.pool.MarkBad(proxy)
		lastErr = err
		log.Debugf("Fetch %s via %s failed (attempt %d/%d): %v", rawURL, proxy, attempt, f.opts.MaxRetries, err)

		if err := sleep(ctx, f.opts.Backoff*time.Duration(attempt)); err != nil {
			return fail(KindCanceled, err)
		}
	}

	if lastErr == nil {
		return fail(KindNoProxy, ErrNoProxy)
	}
	return fail(KindExhausted, lastErr)
}

// get performs one GET through proxy. Any status >= 400, an empty body or a
// body over MaxPageBytes is an error.
func (f *Fetcher) get(ctx context.Context, proxy, rawURL string) ([]byte, error) {
	client, err := checker.NewProxyClient(proxy, checker.ClientOptions{
		Scheme:          f.opts.Scheme,
		Timeout:         f.opts.Timeout,
		FollowRedirects: true,
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", f.opts.UserAgent)

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return nil, fmt.Errorf("HTTP %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.opts.MaxPageBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if int64(len(body)) > f.opts.MaxPageBytes {
		return nil, fmt.Errorf("page exceeds %d bytes", f.opts.MaxPageBytes)
	}
	if len(body) == 0 {
		return nil, fmt.Errorf("empty body")
	}
	return body, nil
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
