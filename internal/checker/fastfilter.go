package checker

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
)

// FastConnectFilter drops candidates that do not accept a TCP connection.
// It runs before the HTTP validation stages so dead hosts cost one dial, not six requests.
func FastConnectFilter(ctx context.Context, proxies []string, timeout time.Duration, concurrency int) []string {
	if len(proxies) == 0 {
		return proxies
	}
	if concurrency <= 0 {
		concurrency = 1
	}

	log.Infof("Starting fast TCP filter: %d proxies, concurrency=%d, timeout=%v",
		len(proxies), concurrency, timeout)

	startTime := time.Now()

	connectable := make([]string, 0, len(proxies)/5) // Estimate ~20% alive
	var mu sync.Mutex

	// Semaphore for concurrency control
	sem := make(chan struct{}, concurrency)

	var successful atomic.Int64
	var wg sync.WaitGroup

	for _, proxy := range proxies {
		if ctx.Err() != nil {
			break
		}
		sem <- struct{}{} // Acquire semaphore
		wg.Add(1)

		go func(proxyAddr string) {
			defer wg.Done()
			defer func() { <-sem }() // Release semaphore

			if testTCPConnection(ctx, proxyAddr, timeout) {
				mu.Lock()
				connectable = append(connectable, proxyAddr)
				mu.Unlock()
				successful.Add(1)
			}
		}(proxy)
	}

	wg.Wait()

	log.Infof("Fast filter complete: %d/%d connectable in %v",
		successful.Load(), len(proxies), time.Since(startTime))

	return connectable
}

// testTCPConnection tests if a TCP connection can be established
func testTCPConnection(ctx context.Context, address string, timeout time.Duration) bool {
	dialer := &net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}
