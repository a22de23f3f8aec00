package snapshot

import (
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/proxy-fetch-cache/internal/storage"
	"github.com/proxy-fetch-cache/internal/types"
	"github.com/stretchr/testify/require"
)

type fakePool struct {
	mu       sync.Mutex
	current  *types.Snapshot
	restored *types.Snapshot
}

func (p *fakePool) Snapshot() *types.Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current
}

func (p *fakePool) Restore(snap *types.Snapshot) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.restored = snap
}

func newFileStore(t *testing.T) *storage.FileStorage {
	t.Helper()
	store, err := storage.NewFileStorage(filepath.Join(t.TempDir(), "snapshot.json"))
	require.NoError(t, err)
	return store
}

func TestPersistAndLoad(t *testing.T) {
	store := newFileStore(t)
	src := &fakePool{current: &types.Snapshot{
		Available: []string{"1.1.1.1:80"},
		Seen:      []string{"1.1.1.1:80", "2.2.2.2:80"},
		Updated:   time.Now(),
	}}

	m := NewManager(src, store, 0)
	require.NoError(t, m.Persist())
	require.Equal(t, src.current, m.Last())

	dst := &fakePool{}
	loader := NewManager(dst, store, 0)
	require.NoError(t, loader.LoadFromStorage())
	require.NotNil(t, dst.restored)
	require.Equal(t, []string{"1.1.1.1:80"}, dst.restored.Available)
	require.Equal(t, []string{"1.1.1.1:80", "2.2.2.2:80"}, dst.restored.Seen)
}

func TestLoadDropsStaleQueue(t *testing.T) {
	store := newFileStore(t)
	require.NoError(t, store.Save(&types.Snapshot{
		Available: []string{"1.1.1.1:80"},
		Seen:      []string{"1.1.1.1:80", "2.2.2.2:80"},
		Updated:   time.Now().Add(-2 * time.Hour),
	}))

	dst := &fakePool{}
	require.NoError(t, NewManager(dst, store, 0).LoadFromStorage())
	require.Empty(t, dst.restored.Available)
	require.Len(t, dst.restored.Seen, 2)
}

func TestLoadWithoutSnapshot(t *testing.T) {
	dst := &fakePool{}
	require.NoError(t, NewManager(dst, newFileStore(t), 0).LoadFromStorage())
	require.Nil(t, dst.restored)
}

func TestPeriodicPersistAndClose(t *testing.T) {
	store := newFileStore(t)
	src := &fakePool{current: &types.Snapshot{Seen: []string{"1.1.1.1:80"}, Updated: time.Now()}}

	m := NewManager(src, store, 1)
	require.Eventually(t, func() bool { return m.Last() != nil }, 3*time.Second, 50*time.Millisecond)

	src.mu.Lock()
	src.current = &types.Snapshot{Seen: []string{"1.1.1.1:80", "2.2.2.2:80"}, Updated: time.Now()}
	src.mu.Unlock()

	require.NoError(t, m.Close())
	got, err := store.Load()
	require.NoError(t, err)
	require.Len(t, got.Seen, 2)
}
