package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"github.com/proxy-fetch-cache/internal/fileutil"
)

// Cache is a content-addressed page store: one file per URL, named by the
// sha256 of the URL. Entries never expire.
type Cache struct {
	root string
}

func New(root string) *Cache {
	return &Cache{root: root}
}

func (c *Cache) Root() string {
	return c.root
}

// Key returns the hex sha256 of url.
func Key(url string) string {
	sum := sha256.Sum256([]byte(url))
	return hex.EncodeToString(sum[:])
}

// Path returns where the body for url lives, whether or not it exists yet.
func (c *Cache) Path(url string) string {
	return filepath.Join(c.root, Key(url)+".html")
}

func (c *Cache) Exists(url string) bool {
	info, err := os.Stat(c.Path(url))
	return err == nil && info.Mode().IsRegular()
}

// Write stores body for url and returns its path. The file is written under a
// temporary name and renamed into place, so readers see either nothing or the
// whole body.
func (c *Cache) Write(url string, body []byte) (string, error) {
	if err := os.MkdirAll(c.root, 0755); err != nil {
		return "", fmt.Errorf("create cache directory: %w", err)
	}

	path := c.Path(url)
	if err := fileutil.WriteAtomic(path, body, 0644); err != nil {
		return "", err
	}
	return path, nil
}

// Read returns the cached body for url. A missing entry is reported with an
// error satisfying os.IsNotExist.
func (c *Cache) Read(url string) ([]byte, error) {
	return os.ReadFile(c.Path(url))
}
