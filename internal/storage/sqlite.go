package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/proxy-fetch-cache/internal/types"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS pool_proxies (
	proxy    TEXT PRIMARY KEY,
	position INTEGER -- queue position, NULL when only seen
);
CREATE TABLE IF NOT EXISTS pool_meta (
	id         INTEGER PRIMARY KEY CHECK (id = 1),
	stats      TEXT NOT NULL,
	updated_at TIMESTAMP NOT NULL
);
`

// SQLiteStorage keeps one row per proxy so the pool can be inspected with plain SQL.
type SQLiteStorage struct {
	db *sql.DB
}

func NewSQLiteStorage(path string) (*SQLiteStorage, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create tables: %w", err)
	}

	return &SQLiteStorage{db: db}, nil
}

func (s *SQLiteStorage) Save(snap *types.Snapshot) error {
	stats, err := json.Marshal(snap.Stats)
	if err != nil {
		return fmt.Errorf("marshal stats: %w", err)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec("DELETE FROM pool_proxies"); err != nil {
		return fmt.Errorf("clear proxies: %w", err)
	}

	stmt, err := tx.Prepare("INSERT INTO pool_proxies (proxy, position) VALUES (?, ?) ON CONFLICT(proxy) DO UPDATE SET position = excluded.position")
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, proxy := range snap.Seen {
		if _, err := stmt.Exec(proxy, nil); err != nil {
			return fmt.Errorf("insert seen proxy: %w", err)
		}
	}
	for i, proxy := range snap.Available {
		if _, err := stmt.Exec(proxy, i); err != nil {
			return fmt.Errorf("insert available proxy: %w", err)
		}
	}

	if _, err := tx.Exec(
		"INSERT INTO pool_meta (id, stats, updated_at) VALUES (1, ?, ?) ON CONFLICT(id) DO UPDATE SET stats = excluded.stats, updated_at = excluded.updated_at",
		string(stats), snap.Updated.UTC(),
	); err != nil {
		return fmt.Errorf("write meta: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func (s *SQLiteStorage) Load() (*types.Snapshot, error) {
	var (
		stats   string
		updated time.Time
	)
	err := s.db.QueryRow("SELECT stats, updated_at FROM pool_meta WHERE id = 1").Scan(&stats, &updated)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("query meta: %w", err)
	}

	snap := &types.Snapshot{
		Available: []string{},
		Seen:      []string{},
		Updated:   updated,
	}
	if err := json.Unmarshal([]byte(stats), &snap.Stats); err != nil {
		return nil, fmt.Errorf("unmarshal stats: %w", err)
	}

	rows, err := s.db.Query("SELECT proxy, position FROM pool_proxies ORDER BY position IS NULL, position, proxy")
	if err != nil {
		return nil, fmt.Errorf("query proxies: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			proxy    string
			position sql.NullInt64
		)
		if err := rows.Scan(&proxy, &position); err != nil {
			return nil, fmt.Errorf("scan proxy: %w", err)
		}
		if position.Valid {
			snap.Available = append(snap.Available, proxy)
		}
		snap.Seen = append(snap.Seen, proxy)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate proxies: %w", err)
	}

	return snap, nil
}

func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}
