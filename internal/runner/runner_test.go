package runner

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/proxy-fetch-cache/internal/cache"
	"github.com/proxy-fetch-cache/internal/config"
	"github.com/proxy-fetch-cache/internal/fetcher"
	"github.com/proxy-fetch-cache/internal/pool"
	"github.com/proxy-fetch-cache/internal/resume"
	"github.com/proxy-fetch-cache/internal/testutil"
	"github.com/stretchr/testify/require"
)

// stubFetcher fails every URL containing "fail" and records concurrency.
type stubFetcher struct {
	mu       sync.Mutex
	calls    map[string]int
	inFlight atomic.Int64
	peak     atomic.Int64
	delay    time.Duration
}

func newStubFetcher(delay time.Duration) *stubFetcher {
	return &stubFetcher{calls: make(map[string]int), delay: delay}
}

func (s *stubFetcher) FetchAndCache(ctx context.Context, url string, force bool) fetcher.Result {
	n := s.inFlight.Add(1)
	defer s.inFlight.Add(-1)
	for {
		peak := s.peak.Load()
		if n <= peak || s.peak.CompareAndSwap(peak, n) {
			break
		}
	}
	time.Sleep(s.delay)

	s.mu.Lock()
	s.calls[url]++
	s.mu.Unlock()

	if strings.Contains(url, "fail") {
		return fetcher.Result{
			URL:     url,
			Outcome: fetcher.Failed,
			Err:     &fetcher.FetchError{Kind: fetcher.KindExhausted, URL: url, Cause: fmt.Errorf("HTTP 500")},
		}
	}
	return fetcher.Result{URL: url, Path: "/cache/" + url, Outcome: fetcher.Fetched, Attempts: 1}
}

func (s *stubFetcher) CachedPath(url string) (string, bool) {
	return "/cache/" + url, true
}

func urlsWithFailures(n, failing int) []string {
	urls := make([]string, 0, n)
	for i := 0; i < n-failing; i++ {
		urls = append(urls, fmt.Sprintf("ok-%d", i))
	}
	for i := 0; i < failing; i++ {
		urls = append(urls, fmt.Sprintf("fail-%d", i))
	}
	return urls
}

func TestPrefetchExcludesFailures(t *testing.T) {
	f := newStubFetcher(time.Millisecond)
	r := New(f, 4)

	report := r.Run(context.Background(), urlsWithFailures(10, 2))
	require.Len(t, report.Paths, 8)
	require.Len(t, report.Failures, 2)
	require.Contains(t, report.Failures, "fail-0")
	require.Contains(t, report.Failures, "fail-1")
	for _, p := range report.Paths {
		require.NotContains(t, p, "fail")
	}
}

func TestRunCountsDuplicateFailures(t *testing.T) {
	f := newStubFetcher(0)
	report := New(f, 2).Run(context.Background(), []string{"fail-0", "fail-0", "ok-1"})

	require.Equal(t, []string{"/cache/ok-1"}, report.Paths)
	require.Equal(t, 2, report.Failed)
	require.Len(t, report.Failures, 1)
	require.Equal(t, 2, f.calls["fail-0"])
}

func TestPrefetchBoundsWorkers(t *testing.T) {
	f := newStubFetcher(20 * time.Millisecond)
	paths := New(f, 3).Prefetch(context.Background(), urlsWithFailures(12, 0))
	require.Len(t, paths, 12)
	require.LessOrEqual(t, f.peak.Load(), int64(3))
	require.Greater(t, f.peak.Load(), int64(1))
}

func TestPrefetchEmpty(t *testing.T) {
	paths := New(newStubFetcher(0), 4).Prefetch(context.Background(), nil)
	require.Empty(t, paths)
}

func TestPrefetchStopsOnCanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	f := newStubFetcher(0)
	report := New(f, 2).Run(ctx, urlsWithFailures(100, 0))
	require.Less(t, len(report.Paths), 100)
}

func TestPrefetchWithLedger(t *testing.T) {
	ledger, err := resume.Open(filepath.Join(t.TempDir(), "resume.json"))
	require.NoError(t, err)
	require.NoError(t, ledger.MarkDone("ok-0"))

	f := newStubFetcher(0)
	report := New(f, 2, WithLedger(ledger)).Run(context.Background(), urlsWithFailures(4, 1))

	require.Len(t, report.Paths, 3)
	require.Equal(t, 1, report.Resumed)
	require.Zero(t, f.calls["ok-0"])
	require.True(t, ledger.IsDone("ok-1"))
	require.False(t, ledger.IsDone("fail-0"))

	// forcing ignores the ledger
	report = New(f, 2, WithLedger(ledger), WithForce(true)).Run(context.Background(), []string{"ok-0"})
	require.Zero(t, report.Resumed)
	require.Equal(t, 1, f.calls["ok-0"])
}

type staticSource []string

func (s staticSource) Candidates(context.Context) []string { return s }

type passAll struct{}

func (passAll) ValidateEach(ctx context.Context, proxies []string, onPass func(string)) int {
	for _, p := range proxies {
		onPass(p)
	}
	return len(proxies)
}

func TestPrefetchThroughRealPoolAndFetcher(t *testing.T) {
	var hits atomic.Int64
	target := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if strings.HasPrefix(r.URL.Path, "/broken") {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		fmt.Fprintf(w, "<html>%s</html>", r.URL.Path)
	}))
	t.Cleanup(target.Close)

	// broken pages cost up to four proxies, the rest must stay in circulation
	var proxies staticSource
	for i := 0; i < 8; i++ {
		proxies = append(proxies, testutil.NewForwardProxy(t).Addr())
	}
	p := pool.New(proxies, passAll{}, pool.Options{MinSize: 1})
	t.Cleanup(p.Close)

	store := cache.New(t.TempDir())
	f := fetcher.New(p, store, fetcher.Options{
		MaxRetries:   2,
		Timeout:      time.Second,
		Backoff:      time.Millisecond,
		NoProxySleep: 10 * time.Millisecond,
		ProxyWait:    500 * time.Millisecond,
	})

	var urls []string
	for i := 0; i < 8; i++ {
		urls = append(urls, fmt.Sprintf("%s/page/%d", target.URL, i))
	}
	urls = append(urls, target.URL+"/broken/1", target.URL+"/broken/2")

	paths := New(f, 4).Prefetch(context.Background(), urls)
	require.Len(t, paths, 8)
	for i := 0; i < 8; i++ {
		require.Contains(t, paths, store.Path(urls[i]))
	}
}

func TestPrefetchURLsFromLoadedConfig(t *testing.T) {
	target := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/broken") {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		fmt.Fprintf(w, "<html>%s</html>", r.URL.Path)
	}))
	t.Cleanup(target.Close)

	echo := testutil.NewEchoServer(t)
	var proxies []string
	for i := 0; i < 8; i++ {
		proxies = append(proxies, testutil.NewForwardProxy(t).Addr())
	}
	proxies = append(proxies, testutil.DeadAddr(t))
	list := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, strings.Join(proxies, "\n"))
	}))
	t.Cleanup(list.Close)

	configPath := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(configPath, []byte(fmt.Sprintf(`{
		"pool": {"min_size": 1, "max_size": 50, "wait_ms": 2000, "debounce_ms": 60000,
			"sources": [{"url": %q, "type": "text", "enabled": true}]},
		"checker": {"timeout_ms": 1000, "validation_urls": [%q], "disable_target_probe": true},
		"fetcher": {"max_retries": 2, "timeout_ms": 1000, "backoff_ms": 1, "no_proxy_sleep_ms": 10},
		"storage": {"type": "none"}
	}`, list.URL, echo.URL)), 0644))
	_, err := config.Load(configPath)
	require.NoError(t, err)

	cacheDir := t.TempDir()
	urls := []string{target.URL + "/a", target.URL + "/broken", target.URL + "/b", target.URL + "/c"}
	paths := PrefetchURLs(context.Background(), urls, cacheDir, 3)

	store := cache.New(cacheDir)
	require.Len(t, paths, 3)
	require.ElementsMatch(t, []string{store.Path(urls[0]), store.Path(urls[2]), store.Path(urls[3])}, paths)
	for _, path := range paths {
		require.Equal(t, cacheDir, filepath.Dir(path))
	}
	require.False(t, store.Exists(target.URL+"/broken"))
}
