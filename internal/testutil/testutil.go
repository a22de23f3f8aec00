package testutil

import (
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
)

// ForwardProxy is a plain-HTTP forward proxy backed by httptest.
type ForwardProxy struct {
	*httptest.Server
	Requests atomic.Int64
	// Block, when set, makes the proxy answer 403 instead of forwarding.
	Block func(r *http.Request) bool
}

// Addr returns the host:port form the pool hands out.
func (p *ForwardProxy) Addr() string {
	return strings.TrimPrefix(p.URL, "http://")
}

// NewForwardProxy starts a proxy that forwards absolute-URI requests upstream.
func NewForwardProxy(t testing.TB) *ForwardProxy {
	t.Helper()
	p := &ForwardProxy{}
	upstream := &http.Transport{}
	p.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p.Requests.Add(1)
		if r.Method == http.MethodConnect || !r.URL.IsAbs() {
			http.Error(w, "only absolute http requests", http.StatusMethodNotAllowed)
			return
		}
		if p.Block != nil && p.Block(r) {
			http.Error(w, "blocked", http.StatusForbidden)
			return
		}

		out, err := http.NewRequestWithContext(r.Context(), r.Method, r.URL.String(), r.Body)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadGateway)
			return
		}
		out.Header = r.Header.Clone()

		resp, err := upstream.RoundTrip(out)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadGateway)
			return
		}
		defer resp.Body.Close()

		for k, vals := range resp.Header {
			for _, v := range vals {
				w.Header().Add(k, v)
			}
		}
		w.WriteHeader(resp.StatusCode)
		io.Copy(w, resp.Body)
	}))
	t.Cleanup(func() {
		p.Server.Close()
		upstream.CloseIdleConnections()
	})
	return p
}

// DeadAddr returns a host:port nothing listens on.
func DeadAddr(t testing.TB) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := l.Addr().String()
	l.Close()
	return addr
}

// EchoServer answers every GET with the caller's address and counts hits.
type EchoServer struct {
	*httptest.Server
	Hits atomic.Int64
}

func NewEchoServer(t testing.TB) *EchoServer {
	t.Helper()
	e := &EchoServer{}
	e.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		e.Hits.Add(1)
		io.WriteString(w, r.RemoteAddr)
	}))
	t.Cleanup(e.Server.Close)
	return e
}
