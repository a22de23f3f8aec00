package resume

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/proxy-fetch-cache/internal/fileutil"
	log "github.com/sirupsen/logrus"
)

// Ledger is a persisted set of keys that have been completed. Every MarkDone
// rewrites the file, so a batch interrupted at any point can pick up where it
// stopped.
type Ledger struct {
	path string

	mu   sync.Mutex
	done map[string]struct{}
}

// Open loads the ledger at path, creating its directory if needed. A missing or
// unreadable file starts an empty ledger.
func Open(path string) (*Ledger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create directory: %w", err)
	}

	l := &Ledger{path: path, done: make(map[string]struct{})}
	l.load()
	return l, nil
}

func (l *Ledger) load() {
	data, err := os.ReadFile(l.path)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Warnf("Resume ledger %s unreadable, starting empty: %v", l.path, err)
		}
		return
	}

	var keys []string
	if err := json.Unmarshal(data, &keys); err != nil {
		log.Warnf("Resume ledger %s corrupt, starting empty: %v", l.path, err)
		return
	}
	for _, k := range keys {
		l.done[k] = struct{}{}
	}
}

func (l *Ledger) IsDone(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.done[key]
	return ok
}

// MarkDone records key and saves the ledger.
func (l *Ledger) MarkDone(key string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.done[key]; ok {
		return nil
	}
	l.done[key] = struct{}{}
	return l.saveLocked()
}

func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.done)
}

func (l *Ledger) saveLocked() error {
	keys := make([]string, 0, len(l.done))
	for k := range l.done {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	data, err := json.Marshal(keys)
	if err != nil {
		return fmt.Errorf("marshal JSON: %w", err)
	}

	return fileutil.WriteAtomic(l.path, data, 0644)
}
