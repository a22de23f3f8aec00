package pool

import (
	"context"
	"sync"
	"time"
)

// fifo is an unbounded FIFO safe for many producers and consumers.
// Waiters park on changed, which is closed and replaced on every push.
type fifo struct {
	mu      sync.Mutex
	items   []string
	changed chan struct{}
}

func newFIFO() *fifo {
	return &fifo{changed: make(chan struct{})}
}

func (q *fifo) Push(item string) {
	q.mu.Lock()
	q.items = append(q.items, item)
	close(q.changed)
	q.changed = make(chan struct{})
	q.mu.Unlock()
}

func (q *fifo) tryPop() (string, <-chan struct{}, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return "", q.changed, false
	}
	item := q.items[0]
	q.items[0] = ""
	q.items = q.items[1:]
	return item, nil, true
}

// Pop waits up to wait for an item. It returns false on timeout or when ctx ends.
func (q *fifo) Pop(ctx context.Context, wait time.Duration) (string, bool) {
	item, changed, ok := q.tryPop()
	if ok {
		return item, true
	}
	if wait <= 0 {
		return "", false
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()

	for {
		select {
		case <-changed:
		case <-timer.C:
			return "", false
		case <-ctx.Done():
			return "", false
		}
		item, changed, ok = q.tryPop()
		if ok {
			return item, true
		}
	}
}

func (q *fifo) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Items returns a copy of the queued items in FIFO order.
func (q *fifo) Items() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]string, len(q.items))
	copy(out, q.items)
	return out
}
