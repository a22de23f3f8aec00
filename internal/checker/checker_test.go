package checker

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/proxy-fetch-cache/internal/config"
	"github.com/proxy-fetch-cache/internal/testutil"
	"github.com/stretchr/testify/require"
)

type targetServer struct {
	*httptest.Server
	heads atomic.Int64
}

func newTarget(t *testing.T, status int) *targetServer {
	t.Helper()
	ts := &targetServer{}
	ts.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			ts.heads.Add(1)
		}
		w.WriteHeader(status)
	}))
	t.Cleanup(ts.Close)
	return ts
}

func statusServer(t *testing.T, status int, body string) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
		w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv.URL
}

func newTestChecker(validationURLs []string, probe string) *Checker {
	return NewChecker(config.CheckerConfig{
		TimeoutMs:      1000,
		ValidationURLs: validationURLs,
		TargetProbeURL: probe,
		Scheme:         "http",
		Concurrency:    4,
	}, "test-agent", nil)
}

func TestValidatePassesBothStages(t *testing.T) {
	proxy := testutil.NewForwardProxy(t)
	echo := testutil.NewEchoServer(t)
	target := newTarget(t, http.StatusOK)

	c := newTestChecker([]string{echo.URL}, target.URL+"/robots.txt")
	require.True(t, c.Validate(context.Background(), proxy.Addr()))
	require.Equal(t, int64(1), echo.Hits.Load())
	require.Equal(t, int64(1), target.heads.Load())
	require.Equal(t, int64(2), proxy.Requests.Load())
}

func TestValidateFallsThroughValidationURLs(t *testing.T) {
	proxy := testutil.NewForwardProxy(t)
	urls := []string{
		statusServer(t, http.StatusInternalServerError, "boom"),
		statusServer(t, http.StatusOK, ""),
		statusServer(t, http.StatusNoContent, ""),
	}

	c := newTestChecker(urls, "")
	require.True(t, c.Validate(context.Background(), proxy.Addr()))
	require.Equal(t, int64(3), proxy.Requests.Load())
}

func TestValidateShortCircuitsWhenConnectivityFails(t *testing.T) {
	proxy := testutil.NewForwardProxy(t)
	target := newTarget(t, http.StatusOK)
	urls := []string{
		statusServer(t, http.StatusForbidden, "no"),
		statusServer(t, http.StatusOK, ""),
	}

	c := newTestChecker(urls, target.URL)
	result := c.Check(context.Background(), proxy.Addr())
	require.False(t, result.Alive)
	require.Contains(t, result.Error, "connectivity")
	require.Equal(t, int64(0), target.heads.Load())
}

func TestValidateRejectsTargetBlock(t *testing.T) {
	echo := testutil.NewEchoServer(t)
	target := newTarget(t, http.StatusOK)
	proxy := testutil.NewForwardProxy(t)
	proxy.Block = func(r *http.Request) bool { return r.Method == http.MethodHead }

	c := newTestChecker([]string{echo.URL}, target.URL)
	result := c.Check(context.Background(), proxy.Addr())
	require.False(t, result.Alive)
	require.Contains(t, result.Error, "target")
	require.Equal(t, int64(0), target.heads.Load())
}

func TestValidateRejectsTargetErrorStatus(t *testing.T) {
	proxy := testutil.NewForwardProxy(t)
	echo := testutil.NewEchoServer(t)
	target := newTarget(t, http.StatusTooManyRequests)

	c := newTestChecker([]string{echo.URL}, target.URL)
	require.False(t, c.Validate(context.Background(), proxy.Addr()))
	require.Equal(t, int64(1), target.heads.Load())
}

func TestValidateFollowsTargetRedirects(t *testing.T) {
	proxy := testutil.NewForwardProxy(t)
	echo := testutil.NewEchoServer(t)
	final := newTarget(t, http.StatusOK)
	redirect := httptest.NewServer(http.RedirectHandler(final.URL, http.StatusFound))
	t.Cleanup(redirect.Close)

	c := newTestChecker([]string{echo.URL}, redirect.URL)
	require.True(t, c.Validate(context.Background(), proxy.Addr()))
	require.Equal(t, int64(1), final.heads.Load())
}

func TestValidateDeadProxy(t *testing.T) {
	echo := testutil.NewEchoServer(t)
	c := newTestChecker([]string{echo.URL}, "")
	require.False(t, c.Validate(context.Background(), testutil.DeadAddr(t)))
	require.Equal(t, int64(0), echo.Hits.Load())
}

func TestValidateBatch(t *testing.T) {
	echo := testutil.NewEchoServer(t)
	good1 := testutil.NewForwardProxy(t)
	good2 := testutil.NewForwardProxy(t)
	blocked := testutil.NewForwardProxy(t)
	blocked.Block = func(*http.Request) bool { return true }

	c := newTestChecker([]string{echo.URL}, "")
	passed := c.ValidateBatch(context.Background(), []string{
		good1.Addr(), testutil.DeadAddr(t), blocked.Addr(), good2.Addr(),
	})
	require.ElementsMatch(t, []string{good1.Addr(), good2.Addr()}, passed)
}

func TestValidateEachStopsOnCanceledContext(t *testing.T) {
	echo := testutil.NewEchoServer(t)
	proxy := testutil.NewForwardProxy(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	c := newTestChecker([]string{echo.URL}, "")
	n := c.ValidateEach(ctx, []string{proxy.Addr()}, func(string) {
		t.Fatal("no proxy should pass on a canceled context")
	})
	require.Zero(t, n)
}

func TestNewProxyClientSchemes(t *testing.T) {
	_, err := NewProxyClient("127.0.0.1:1080", ClientOptions{Scheme: "socks5", Timeout: time.Second})
	require.NoError(t, err)

	_, err = NewProxyClient("127.0.0.1:1080", ClientOptions{Scheme: "gopher"})
	require.Error(t, err)
}

func TestFastConnectFilter(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	go func() {
		for {
			conn, err := l.Accept()
			if err != nil {
				return
			}
			conn.Close()
		}
	}()

	live := l.Addr().String()
	got := FastConnectFilter(context.Background(), []string{live, testutil.DeadAddr(t)}, 500*time.Millisecond, 2)
	require.Equal(t, []string{live}, got)
}
