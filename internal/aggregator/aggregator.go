package aggregator

import (
	"context"
	"fmt"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/proxy-fetch-cache/internal/config"
	"github.com/proxy-fetch-cache/internal/metrics"
	log "github.com/sirupsen/logrus"
)

const maxBodyBytes = 10 * 1024 * 1024

type Aggregator struct {
	sources  []config.Source
	maxCount int
	metrics  *metrics.Collector
	client   *resty.Client
}

type SourceStats struct {
	URL          string `json:"url"`
	ProxiesFound int    `json:"proxies_found"`
	Error        string `json:"error,omitempty"`
}

// NewAggregator builds a source fetcher. maxCount bounds how many candidates one
// call hands back; zero means unbounded.
func NewAggregator(cfg config.PoolConfig, maxCount int, metricsCollector *metrics.Collector) *Aggregator {
	timeout := time.Duration(cfg.SourceTimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	client := resty.New().
		SetTimeout(timeout).
		SetHeader("User-Agent", cfg.UserAgent).
		SetTransport(&http.Transport{
			MaxIdleConns:        10,
			MaxIdleConnsPerHost: 2,
			IdleConnTimeout:     90 * time.Second,
		})

	return &Aggregator{
		sources:  cfg.Sources,
		maxCount: maxCount,
		metrics:  metricsCollector,
		client:   client,
	}
}

// Candidates fetches every enabled source and returns shuffled, deduplicated
// host:port strings truncated to the configured maximum. Failing sources are skipped.
func (a *Aggregator) Candidates(ctx context.Context) []string {
	candidates, _ := a.Aggregate(ctx)
	return candidates
}

// Aggregate is Candidates plus per-source statistics.
func (a *Aggregator) Aggregate(ctx context.Context) ([]string, map[string]SourceStats) {
	enabledSources := make([]config.Source, 0, len(a.sources))
	for _, source := range a.sources {
		if source.Enabled {
			enabledSources = append(enabledSources, source)
		}
	}

	if len(enabledSources) == 0 {
		log.Warn("No enabled proxy sources")
		return nil, map[string]SourceStats{}
	}

	log.Debugf("Fetching from %d sources", len(enabledSources))

	var wg sync.WaitGroup
	resultChan := make(chan []string, len(enabledSources))
	statsChan := make(chan SourceStats, len(enabledSources))

	for _, source := range enabledSources {
		wg.Add(1)
		go func(src config.Source) {
			defer wg.Done()

			startTime := time.Now()
			proxies, err := a.fetchSource(ctx, src)
			duration := time.Since(startTime)

			stat := SourceStats{
				URL:          src.URL,
				ProxiesFound: len(proxies),
			}

			if err != nil {
				stat.Error = err.Error()
				log.Warnf("Source %s skipped: %v (took %v)", src.URL, err, duration)
			} else {
				log.Infof("Source %s returned %d proxies (took %v)", src.URL, len(proxies), duration)
			}

			a.metrics.RecordProxiesScraped(src.URL, len(proxies))

			resultChan <- proxies
			statsChan <- stat
		}(source)
	}

	wg.Wait()
	close(resultChan)
	close(statsChan)

	all := make([]string, 0)
	for proxies := range resultChan {
		all = append(all, proxies...)
	}

	sourceStats := make(map[string]SourceStats)
	for stat := range statsChan {
		sourceStats[stat.URL] = stat
	}

	unique := deduplicate(all)
	rand.Shuffle(len(unique), func(i, j int) {
		unique[i], unique[j] = unique[j], unique[i]
	})
	if a.maxCount > 0 && len(unique) > a.maxCount {
		unique = unique[:a.maxCount]
	}

	log.Infof("Aggregated %d candidates (%d raw) from %d sources", len(unique), len(all), len(enabledSources))
	return unique, sourceStats
}

func (a *Aggregator) fetchSource(ctx context.Context, source config.Source) ([]string, error) {
	resp, err := a.client.R().
		SetContext(ctx).
		SetDoNotParseResponse(true).
		Get(source.URL)
	if err != nil {
		return nil, fmt.Errorf("fetch: %w", err)
	}
	body := resp.RawBody()
	defer body.Close()

	if resp.StatusCode() >= http.StatusBadRequest {
		return nil, fmt.Errorf("HTTP %d", resp.StatusCode())
	}

	if source.Type == "html" {
		return ExtractFromHTML(limitReader(body))
	}
	return ExtractFromReader(limitReader(body))
}

func deduplicate(proxies []string) []string {
	seen := make(map[string]struct{}, len(proxies))
	unique := make([]string, 0, len(proxies))

	for _, proxy := range proxies {
		if _, exists := seen[proxy]; !exists {
			seen[proxy] = struct{}{}
			unique = append(unique, proxy)
		}
	}

	return unique
}
