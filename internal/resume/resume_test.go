package resume

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMarkDonePersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "resume.json")

	l, err := Open(path)
	require.NoError(t, err)
	require.False(t, l.IsDone("a"))

	require.NoError(t, l.MarkDone("b"))
	require.NoError(t, l.MarkDone("a"))
	require.NoError(t, l.MarkDone("a"))
	require.True(t, l.IsDone("a"))
	require.Equal(t, 2, l.Len())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.JSONEq(t, `["a","b"]`, string(data))

	reopened, err := Open(path)
	require.NoError(t, err)
	require.True(t, reopened.IsDone("a"))
	require.True(t, reopened.IsDone("b"))
}

func TestCorruptLedgerStartsEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "resume.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0644))

	l, err := Open(path)
	require.NoError(t, err)
	require.Zero(t, l.Len())

	require.NoError(t, l.MarkDone("x"))
	reopened, err := Open(path)
	require.NoError(t, err)
	require.True(t, reopened.IsDone("x"))
}
