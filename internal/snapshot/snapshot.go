package snapshot

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/proxy-fetch-cache/internal/storage"
	"github.com/proxy-fetch-cache/internal/types"
	log "github.com/sirupsen/logrus"
)

// Pool is what the manager persists. *pool.Pool satisfies it.
type Pool interface {
	Snapshot() *types.Snapshot
	Restore(snap *types.Snapshot)
}

// Proxies that were queued longer ago than this are not worth re-validating
// after a restart; only the seen set is restored from an older snapshot.
const DefaultMaxAge = time.Hour

// Manager saves the pool to storage on an interval and restores it on startup.
type Manager struct {
	pool      Pool
	storage   storage.Storage
	persistMu sync.Mutex
	last      atomic.Pointer[types.Snapshot]
	maxAge    time.Duration

	persistInterval time.Duration
	stopPersist     chan struct{}
	stopOnce        sync.Once
	done            chan struct{}
}

func NewManager(p Pool, store storage.Storage, persistIntervalSeconds int) *Manager {
	m := &Manager{
		pool:            p,
		storage:         store,
		maxAge:          DefaultMaxAge,
		persistInterval: time.Duration(persistIntervalSeconds) * time.Second,
		stopPersist:     make(chan struct{}),
		done:            make(chan struct{}),
	}

	if persistIntervalSeconds > 0 {
		go m.periodicPersist()
	} else {
		close(m.done)
	}

	return m
}

// Persist saves the pool's current state now.
func (m *Manager) Persist() error {
	snap := m.pool.Snapshot()

	m.persistMu.Lock()
	defer m.persistMu.Unlock()

	if err := m.storage.Save(snap); err != nil {
		log.Errorf("Failed to persist pool snapshot: %v", err)
		return err
	}
	m.last.Store(snap)
	log.Debugf("Pool snapshot persisted: %d available, %d seen", len(snap.Available), len(snap.Seen))
	return nil
}

// Last returns the most recently persisted snapshot, or nil.
func (m *Manager) Last() *types.Snapshot {
	return m.last.Load()
}

func (m *Manager) periodicPersist() {
	defer close(m.done)

	ticker := time.NewTicker(m.persistInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.Persist()
		case <-m.stopPersist:
			return
		}
	}
}

// LoadFromStorage restores the last saved snapshot into the pool. Stale
// snapshots keep their seen set but drop the queued proxies.
func (m *Manager) LoadFromStorage() error {
	snap, err := m.storage.Load()
	if err != nil {
		return err
	}
	if snap == nil {
		log.Info("No pool snapshot in storage")
		return nil
	}

	if age := time.Since(snap.Updated); age > m.maxAge {
		log.Infof("Pool snapshot is %v old, discarding %d queued proxies", age.Round(time.Second), len(snap.Available))
		snap.Available = nil
	}

	m.pool.Restore(snap)
	m.last.Store(snap)
	return nil
}

// Close stops background persistence and saves one final snapshot.
func (m *Manager) Close() error {
	m.stopOnce.Do(func() { close(m.stopPersist) })
	<-m.done
	return m.Persist()
}
