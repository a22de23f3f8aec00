package pool

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/proxy-fetch-cache/internal/metrics"
	"github.com/proxy-fetch-cache/internal/types"
	log "github.com/sirupsen/logrus"
)

// DefaultDebounce is the minimum spacing between automatic refill attempts.
const DefaultDebounce = 2 * time.Second

var ErrRefillInProgress = errors.New("refill already in progress")

// State is the refill state of a pool.
type State int32

const (
	StateIdle State = iota
	StateRefilling
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRefilling:
		return "refilling"
	default:
		return "unknown"
	}
}

// CandidateSource produces raw host:port candidates.
type CandidateSource interface {
	Candidates(ctx context.Context) []string
}

// Validator checks candidates and reports each one that passes.
type Validator interface {
	ValidateEach(ctx context.Context, proxies []string, onPass func(string)) int
}

// Prefilter cheaply narrows candidates before validation.
type Prefilter func(ctx context.Context, proxies []string) []string

type Options struct {
	MinSize  int
	Debounce time.Duration
	// SeenTTL, when positive, lets a proxy be reconsidered once it has been out of
	// circulation that long. Zero keeps every considered proxy excluded for the
	// lifetime of the pool.
	SeenTTL   time.Duration
	Prefilter Prefilter
	Metrics   *metrics.Collector
}

// Pool hands out validated proxies and refills itself from a CandidateSource.
//
// The queue is safe for concurrent use on its own. mu guards seen, inUse,
// lastRefill, warm and transitions of state; it is never held across network I/O.
type Pool struct {
	opts      Options
	source    CandidateSource
	validator Validator
	queue     *fifo

	mu         sync.Mutex
	seen       map[string]time.Time
	inUse      map[string]struct{}
	lastRefill time.Time
	warm       []string
	state      atomic.Int32

	refills atomic.Int64
	good    atomic.Int64
	bad     atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(source CandidateSource, validator Validator, opts Options) *Pool {
	if opts.MinSize <= 0 {
		opts.MinSize = 1
	}
	if opts.Debounce <= 0 {
		opts.Debounce = DefaultDebounce
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		opts:      opts,
		source:    source,
		validator: validator,
		queue:     newFIFO(),
		seen:      make(map[string]time.Time),
		inUse:     make(map[string]struct{}),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Get returns an available proxy, waiting up to wait for one. On timeout it
// makes one more refill attempt and waits once more before giving up, so it
// never blocks for much longer than 2*wait.
func (p *Pool) Get(ctx context.Context, wait time.Duration) (string, bool) {
	p.refillIfNeeded()
	if proxy, ok := p.queue.Pop(ctx, wait); ok {
		p.checkOut(proxy)
		p.opts.Metrics.RecordGet("hit")
		p.updateGauges()
		return proxy, true
	}
	if ctx.Err() != nil {
		p.opts.Metrics.RecordGet("canceled")
		return "", false
	}

	// last-resort refill and one more wait
	p.refillIfNeeded()
	if proxy, ok := p.queue.Pop(ctx, wait); ok {
		p.checkOut(proxy)
		p.opts.Metrics.RecordGet("retry_hit")
		p.updateGauges()
		return proxy, true
	}

	p.opts.Metrics.RecordGet("empty")
	return "", false
}

func (p *Pool) checkOut(proxy string) {
	p.mu.Lock()
	p.inUse[proxy] = struct{}{}
	p.mu.Unlock()
}

// release removes proxy from the checked-out set and reports whether it was there.
func (p *Pool) release(proxy string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.inUse[proxy]; !ok {
		return false
	}
	delete(p.inUse, proxy)
	return true
}

// MarkBad records that a checked-out proxy failed. The proxy is simply not
// returned to the queue, and since it stays in the seen set it will not be
// picked up again by later refills.
func (p *Pool) MarkBad(proxy string) {
	p.Report(proxy, false)
}

// MarkGood puts a checked-out proxy straight back into circulation.
func (p *Pool) MarkGood(proxy string) {
	p.Report(proxy, true)
}

// Report settles a proxy previously handed out by Get. Proxies that are not
// currently checked out are ignored and false is returned, so a report can
// never put an unvalidated or already dropped proxy into the queue.
func (p *Pool) Report(proxy string, good bool) bool {
	if proxy == "" || !p.release(proxy) {
		p.opts.Metrics.RecordReport("ignored")
		return false
	}

	if !good {
		p.bad.Add(1)
		p.opts.Metrics.RecordReport("bad")
		log.Debugf("Proxy %s dropped", proxy)
		return true
	}

	p.good.Add(1)
	p.opts.Metrics.RecordReport("good")
	p.queue.Push(proxy)
	p.updateGauges()
	return true
}

// refillIfNeeded starts a background refill when the queue is below the minimum,
// the debounce window has passed and no refill is running.
func (p *Pool) refillIfNeeded() bool {
	p.mu.Lock()
	shouldRefill := p.queue.Len() < p.opts.MinSize &&
		time.Since(p.lastRefill) >= p.opts.Debounce &&
		State(p.state.Load()) == StateIdle
	if shouldRefill {
		p.lastRefill = time.Now()
		p.state.Store(int32(StateRefilling))
	}
	p.mu.Unlock()

	if !shouldRefill {
		return false
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.runRefill(p.ctx)
	}()
	return true
}

// Refill runs one refill cycle synchronously, ignoring the debounce window.
// It returns how many proxies were added.
func (p *Pool) Refill(ctx context.Context) (int, error) {
	p.mu.Lock()
	if State(p.state.Load()) == StateRefilling {
		p.mu.Unlock()
		return 0, ErrRefillInProgress
	}
	p.lastRefill = time.Now()
	p.state.Store(int32(StateRefilling))
	p.mu.Unlock()

	return p.runRefill(ctx), nil
}

// runRefill must only be called by whoever moved the pool into StateRefilling.
func (p *Pool) runRefill(ctx context.Context) int {
	defer p.state.Store(int32(StateIdle))

	n := p.refills.Add(1)
	p.opts.Metrics.RecordRefill()
	startTime := time.Now()

	p.mu.Lock()
	warm := p.warm
	p.warm = nil
	p.mu.Unlock()

	candidates := append(warm, p.source.Candidates(ctx)...)
	fresh := p.admit(candidates)

	if p.opts.Prefilter != nil && len(fresh) > 0 {
		fresh = p.opts.Prefilter(ctx, fresh)
	}

	added := 0
	if len(fresh) > 0 {
		added = p.validator.ValidateEach(ctx, fresh, func(proxy string) {
			p.queue.Push(proxy)
		})
	}
	p.updateGauges()

	log.Infof("Refill #%d: %d candidates, %d new, %d added in %v",
		n, len(candidates), len(fresh), added, time.Since(startTime))
	return added
}

// admit filters out candidates the pool has already considered and records the rest.
func (p *Pool) admit(candidates []string) []string {
	now := time.Now()

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.opts.SeenTTL > 0 {
		p.expireSeen(now)
	}

	fresh := make([]string, 0, len(candidates))
	for _, proxy := range candidates {
		if proxy == "" {
			continue
		}
		if _, exists := p.seen[proxy]; exists {
			continue
		}
		p.seen[proxy] = now
		fresh = append(fresh, proxy)
	}
	return fresh
}

// expireSeen forgets proxies first seen longer than SeenTTL ago, except those
// still waiting in the queue or checked out. Must be called with mu held.
func (p *Pool) expireSeen(now time.Time) {
	queued := make(map[string]struct{})
	for _, proxy := range p.queue.Items() {
		queued[proxy] = struct{}{}
	}
	for proxy, at := range p.seen {
		if now.Sub(at) < p.opts.SeenTTL {
			continue
		}
		if _, ok := queued[proxy]; ok {
			continue
		}
		if _, ok := p.inUse[proxy]; ok {
			continue
		}
		delete(p.seen, proxy)
	}
}

func (p *Pool) updateGauges() {
	p.mu.Lock()
	seen := len(p.seen)
	p.mu.Unlock()
	p.opts.Metrics.SetPoolSizes(p.queue.Len(), seen)
}

// Len returns the number of proxies currently waiting in the queue.
func (p *Pool) Len() int {
	return p.queue.Len()
}

func (p *Pool) State() State {
	return State(p.state.Load())
}

func (p *Pool) Stats() types.PoolStats {
	p.mu.Lock()
	seen := len(p.seen)
	lastRefill := p.lastRefill
	p.mu.Unlock()

	return types.PoolStats{
		Available:  p.queue.Len(),
		Seen:       seen,
		State:      p.State().String(),
		Refills:    p.refills.Load(),
		LastRefill: lastRefill,
		Good:       p.good.Load(),
		Bad:        p.bad.Load(),
	}
}

// Snapshot captures the queue and the seen set for persistence. Checked-out
// proxies are listed after the queued ones since they were valid when handed out.
func (p *Pool) Snapshot() *types.Snapshot {
	p.mu.Lock()
	seen := make([]string, 0, len(p.seen))
	for proxy := range p.seen {
		seen = append(seen, proxy)
	}
	inUse := make([]string, 0, len(p.inUse))
	for proxy := range p.inUse {
		inUse = append(inUse, proxy)
	}
	p.mu.Unlock()
	sort.Strings(seen)
	sort.Strings(inUse)

	return &types.Snapshot{
		Available: append(p.queue.Items(), inUse...),
		Seen:      seen,
		Stats:     p.Stats(),
		Updated:   time.Now(),
	}
}

// Restore loads a snapshot into an empty pool. Previously available proxies are
// not exposed directly: they are validated again at the start of the next refill.
// Everything else in the snapshot's seen set stays excluded.
func (p *Pool) Restore(snap *types.Snapshot) {
	if snap == nil {
		return
	}

	available := make(map[string]struct{}, len(snap.Available))
	for _, proxy := range snap.Available {
		available[proxy] = struct{}{}
	}

	now := time.Now()
	excluded := 0
	p.mu.Lock()
	for _, proxy := range snap.Seen {
		if _, ok := available[proxy]; ok {
			continue
		}
		if _, ok := p.seen[proxy]; !ok {
			excluded++
		}
		p.seen[proxy] = now
	}
	for proxy := range available {
		if _, ok := p.seen[proxy]; !ok {
			p.warm = append(p.warm, proxy)
		}
	}
	warm := len(p.warm)
	p.mu.Unlock()

	log.Infof("Restored pool snapshot: %d proxies queued for re-validation, %d excluded", warm, excluded)
	p.updateGauges()
}

// Close stops background refills and waits for them to finish.
func (p *Pool) Close() {
	p.cancel()
	p.wg.Wait()
}
