package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestReadURLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "urls.txt")
	content := "# matches\nhttps://example.com/a\n\n  https://example.com/b  \n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	urls, err := readURLFile(path)
	require.NoError(t, err)
	require.Equal(t, []string{"https://example.com/a", "https://example.com/b"}, urls)
}

func TestReadURLFileMissing(t *testing.T) {
	_, err := readURLFile(filepath.Join(t.TempDir(), "nope.txt"))
	require.Error(t, err)
}

func TestCommandsRegistered(t *testing.T) {
	names := map[string]bool{}
	for _, c := range rootCmd.Commands() {
		names[c.Name()] = true
	}
	require.True(t, names["serve"])
	require.True(t, names["prefetch"])
	require.True(t, names["sources"])
}
