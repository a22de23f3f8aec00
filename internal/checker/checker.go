package checker

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/proxy-fetch-cache/internal/config"
	"github.com/proxy-fetch-cache/internal/metrics"
	log "github.com/sirupsen/logrus"
)

// Probe bodies beyond this size are not needed to decide anything.
const maxProbeBody = 64 * 1024

type Checker struct {
	config    config.CheckerConfig
	userAgent string
	metrics   *metrics.Collector
}

type CheckResult struct {
	Proxy     string
	Alive     bool
	LatencyMs int64
	Error     string
}

func NewChecker(cfg config.CheckerConfig, userAgent string, metricsCollector *metrics.Collector) *Checker {
	if userAgent == "" {
		userAgent = config.DefaultUserAgent
	}
	return &Checker{
		config:    cfg,
		userAgent: userAgent,
		metrics:   metricsCollector,
	}
}

func (c *Checker) timeout() time.Duration {
	return time.Duration(c.config.TimeoutMs) * time.Millisecond
}

// Validate reports whether proxyAddr passes both the connectivity stage and,
// when a target probe URL is configured, the target reachability stage.
func (c *Checker) Validate(ctx context.Context, proxyAddr string) bool {
	return c.Check(ctx, proxyAddr).Alive
}

// Check runs the two-stage validation and reports why a proxy failed.
func (c *Checker) Check(ctx context.Context, proxyAddr string) CheckResult {
	startTime := time.Now()
	result := c.check(ctx, proxyAddr)
	if result.Alive {
		result.LatencyMs = time.Since(startTime).Milliseconds()
	}
	c.metrics.RecordValidation(result.Alive, time.Since(startTime).Seconds())
	return result
}

func (c *Checker) check(ctx context.Context, proxyAddr string) CheckResult {
	noRedirects, err := NewProxyClient(proxyAddr, ClientOptions{
		Scheme:  c.config.Scheme,
		Timeout: c.timeout(),
	})
	if err != nil {
		return CheckResult{Proxy: proxyAddr, Error: err.Error()}
	}

	if err := c.checkConnectivity(ctx, noRedirects); err != nil {
		return CheckResult{Proxy: proxyAddr, Error: fmt.Sprintf("connectivity: %v", err)}
	}

	if c.config.TargetProbeURL != "" {
		followRedirects, err := NewProxyClient(proxyAddr, ClientOptions{
			Scheme:          c.config.Scheme,
			Timeout:         c.timeout(),
			FollowRedirects: true,
		})
		if err != nil {
			return CheckResult{Proxy: proxyAddr, Error: err.Error()}
		}
		if err := c.checkTarget(ctx, followRedirects); err != nil {
			return CheckResult{Proxy: proxyAddr, Error: fmt.Sprintf("target: %v", err)}
		}
	}

	return CheckResult{Proxy: proxyAddr, Alive: true}
}

// checkConnectivity tries each validation URL in order; the first 200 with a body
// (or any 204) passes.
func (c *Checker) checkConnectivity(ctx context.Context, client *http.Client) error {
	if len(c.config.ValidationURLs) == 0 {
		return fmt.Errorf("no validation URLs configured")
	}

	var lastErr error
	for _, target := range c.config.ValidationURLs {
		err := c.probe(ctx, client, target)
		if err == nil {
			return nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
	}
	return lastErr
}

func (c *Checker) probe(ctx context.Context, client *http.Client, target string) error {
	reqCtx, cancel := context.WithTimeout(ctx, c.timeout())
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, target, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("request: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusNoContent:
		return nil
	case http.StatusOK:
		body, err := io.ReadAll(io.LimitReader(resp.Body, maxProbeBody))
		if err != nil {
			return fmt.Errorf("read body: %w", err)
		}
		if len(body) == 0 {
			return fmt.Errorf("empty body from %s", target)
		}
		return nil
	default:
		return fmt.Errorf("HTTP %d from %s", resp.StatusCode, target)
	}
}

// checkTarget issues a HEAD to the target probe URL; any status >= 400 fails.
func (c *Checker) checkTarget(ctx context.Context, client *http.Client) error {
	reqCtx, cancel := context.WithTimeout(ctx, c.timeout())
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodHead, c.config.TargetProbeURL, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("HTTP %d", resp.StatusCode)
	}
	return nil
}

// ValidateBatch validates proxies concurrently and returns those that passed,
// in completion order.
func (c *Checker) ValidateBatch(ctx context.Context, proxies []string) []string {
	var (
		mu     sync.Mutex
		passed = make([]string, 0, len(proxies))
	)
	c.ValidateEach(ctx, proxies, func(proxyAddr string) {
		mu.Lock()
		passed = append(passed, proxyAddr)
		mu.Unlock()
	})
	return passed
}

// ValidateEach validates proxies concurrently and calls onPass for every proxy
// as soon as it passes. onPass may be called from several goroutines at once.
// It returns the number of proxies that passed once all checks finished.
func (c *Checker) ValidateEach(ctx context.Context, proxies []string, onPass func(string)) int {
	if len(proxies) == 0 {
		return 0
	}

	concurrency := c.config.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}

	startTime := time.Now()
	log.Infof("Validating %d candidates, concurrency=%d", len(proxies), concurrency)

	var (
		wg     sync.WaitGroup
		passed atomic.Int64
	)

	// Semaphore for concurrency control
	sem := make(chan struct{}, concurrency)

	for _, p := range proxies {
		if ctx.Err() != nil {
			break
		}
		sem <- struct{}{}
		wg.Add(1)

		go func(proxyAddr string) {
			defer wg.Done()
			defer func() { <-sem }()

			result := c.Check(ctx, proxyAddr)
			if !result.Alive {
				log.Debugf("Proxy %s rejected: %s", proxyAddr, result.Error)
				return
			}

			passed.Add(1)
			onPass(proxyAddr)
		}(p)
	}

	wg.Wait()

	n := int(passed.Load())
	log.Infof("Validation complete: %d/%d passed in %v", n, len(proxies), time.Since(startTime))
	return n
}
