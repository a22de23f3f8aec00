package storage

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/proxy-fetch-cache/internal/testutil"
	"github.com/proxy-fetch-cache/internal/types"
	"github.com/stretchr/testify/require"
)

func sampleSnapshot() *types.Snapshot {
	return &types.Snapshot{
		Available: []string{"2.2.2.2:80", "1.1.1.1:80"},
		Seen:      []string{"1.1.1.1:80", "2.2.2.2:80", "3.3.3.3:80"},
		Stats:     types.PoolStats{Available: 2, Seen: 3, State: "idle", Refills: 4, Bad: 1},
		Updated:   time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
	}
}

func requireSameSnapshot(t *testing.T, want, got *types.Snapshot) {
	t.Helper()
	require.NotNil(t, got)
	require.Equal(t, want.Available, got.Available)
	require.ElementsMatch(t, want.Seen, got.Seen)
	require.Equal(t, want.Stats, got.Stats)
	require.True(t, want.Updated.Equal(got.Updated), "updated %v != %v", want.Updated, got.Updated)
}

func TestStorageBackends(t *testing.T) {
	tests := []struct {
		name string
		open func(dir string) (Storage, error)
	}{
		{name: "file", open: func(dir string) (Storage, error) {
			return NewStorage("file", filepath.Join(dir, "pool", "snapshot.json"))
		}},
		{name: "sqlite", open: func(dir string) (Storage, error) {
			return NewStorage("sqlite", filepath.Join(dir, "pool", "snapshot.db"))
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			store, err := tt.open(dir)
			require.NoError(t, err)

			empty, err := store.Load()
			require.NoError(t, err)
			require.Nil(t, empty)

			snap := sampleSnapshot()
			require.NoError(t, store.Save(snap))
			got, err := store.Load()
			require.NoError(t, err)
			requireSameSnapshot(t, snap, got)

			// a second save replaces the first
			snap.Available = []string{"1.1.1.1:80"}
			snap.Stats.Available = 1
			require.NoError(t, store.Save(snap))
			require.NoError(t, store.Close())

			reopened, err := tt.open(dir)
			require.NoError(t, err)
			defer reopened.Close()
			got, err = reopened.Load()
			require.NoError(t, err)
			requireSameSnapshot(t, snap, got)
		})
	}
}

func TestNopStorage(t *testing.T) {
	store, err := NewStorage("none", "")
	require.NoError(t, err)
	require.NoError(t, store.Save(sampleSnapshot()))
	got, err := store.Load()
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestUnknownStorage(t *testing.T) {
	_, err := NewStorage("s3", "")
	require.Error(t, err)
}

func TestRedisUnreachable(t *testing.T) {
	_, err := NewRedisStorage(testutil.DeadAddr(t))
	require.ErrorContains(t, err, "redis ping")
}
