package streamwork

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"sort"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// defaultCacheDir is used when a loader task configures no cache directory.
const defaultCacheDir = "./.cache"

// fileFingerprint identifies one file's content cheaply. A changed file gets
// a new size or modification time, which changes the batch hash.
type fileFingerprint struct {
	Path    string `json:"path"`
	Size    int64  `json:"size"`
	ModTime int64  `json:"mtime_ns"`
}

// batchHash derives a stable cache key for a set of files from their
// fingerprints. Listing order does not matter; fingerprints are hashed in
// sorted path order.
func batchHash(files []string) (string, error) {
	prints := make([]fileFingerprint, 0, len(files))
	for _, path := range files {
		info, err := os.Stat(path)
		if err != nil {
			return "", fmt.Errorf("fingerprinting %q: %w", path, err)
		}
		prints = append(prints, fileFingerprint{
			Path:    path,
			Size:    info.Size(),
			ModTime: info.ModTime().UnixNano(),
		})
	}
	sort.Slice(prints, func(i, j int) bool { return prints[i].Path < prints[j].Path })
	raw, err := json.Marshal(prints)
	if err != nil {
		return "", fmt.Errorf("encoding fingerprints: %w", err)
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:]), nil
}

const batchCatalogDDL = `
CREATE TABLE IF NOT EXISTS batches (
	hash       TEXT PRIMARY KEY,
	path       TEXT NOT NULL,
	row_count  INTEGER NOT NULL,
	created_at TIMESTAMP NOT NULL
)`

// batchCache persists loaded batches as JSON-lines table files with a SQLite
// catalog alongside. Concurrent loaders may race on one hash; the last write
// wins and a stale read returns the previous batch, which was built from the
// same fingerprints and is therefore equivalent.
type batchCache struct {
	dir     string
	catalog *sql.DB
}

// openBatchCache opens the cache under dir/file_cache, creating the directory
// layout and the catalog on first use.
func openBatchCache(dir string) (*batchCache, error) {
	root := filepath.Join(dir, "file_cache")
	if err := os.MkdirAll(filepath.Join(root, "batches"), 0o755); err != nil {
		return nil, fmt.Errorf("creating cache directory: %w", err)
	}
	db, err := sql.Open("sqlite3", filepath.Join(root, "catalog.db"))
	if err != nil {
		return nil, fmt.Errorf("opening cache catalog: %w", err)
	}
	if _, err := db.Exec(batchCatalogDDL); err != nil {
		db.Close()
		return nil, fmt.Errorf("preparing cache catalog: %w", err)
	}
	return &batchCache{dir: root, catalog: db}, nil
}

// Close releases the catalog handle.
func (c *batchCache) Close() error {
	return c.catalog.Close()
}

// batchPath returns the table file location for a hash.
func (c *batchCache) batchPath(hash string) string {
	return filepath.Join(c.dir, "batches", hash+".json")
}

// Fetch loads the cached table for hash. A missing catalog row or table file
// is a miss, not an error. An unreadable table file is also a miss, logged so
// that the operator learns the batch is being rebuilt.
func (c *batchCache) Fetch(hash string, schema TableSchema) (*Table, bool, error) {
	var path string
	err := c.catalog.QueryRow(`SELECT path FROM batches WHERE hash = ?`, hash).Scan(&path)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil, false, nil
	case err != nil:
		return nil, false, fmt.Errorf("querying cache catalog: %w", err)
	}

	table, err := ReadTableFile(path, FileTypeJSON, schema, ReadOptions{})
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			log.Printf("WARNING: streamwork batch cache entry %s is unreadable, rebuilding: %v", hash, err)
		}
		return nil, false, nil
	}
	return table, true, nil
}

// Store writes the table file for hash and upserts its catalog row.
func (c *batchCache) Store(hash string, t *Table) error {
	path := c.batchPath(hash)
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating cache file: %w", err)
	}
	if err := WriteTableJSON(f, t); err != nil {
		f.Close()
		return fmt.Errorf("writing cache file: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("closing cache file: %w", err)
	}

	_, err = c.catalog.Exec(`
		INSERT INTO batches (hash, path, row_count, created_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(hash) DO UPDATE SET
			path = excluded.path, row_count = excluded.row_count, created_at = excluded.created_at`,
		hash, path, t.NumRows(), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("recording cache entry: %w", err)
	}
	return nil
}
