package streamwork_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	streamwork "github.com/aquiline/go-streamwork"
)

// runFileLoad executes one file_to_table task on a fresh message and returns
// a copy of the resulting payload table.
func runFileLoad(t *testing.T, files []string, cacheDir string) *streamwork.Table {
	t.Helper()
	loadFile, err := streamwork.GetLoader(streamwork.LoaderFileToTable)
	require.NoError(t, err)
	out, err := loadFile(context.Background(), streamwork.NewControlMessage(), streamwork.Task{
		Type:   streamwork.TaskTypeLoad,
		Config: fileLoadTask(files, cacheDir),
	})
	require.NoError(t, err)
	require.NotNil(t, out.Payload())
	return out.Payload().CopyTable()
}

// originHash reads the provenance hash stamped on a loaded table.
func originHash(t *testing.T, tbl *streamwork.Table) string {
	t.Helper()
	v, err := tbl.Value(0, "origin_hash")
	require.NoError(t, err)
	hash, ok := v.(string)
	require.True(t, ok)
	return hash
}

// intValues reads the "value" column of a loaded table.
func intValues(t *testing.T, tbl *streamwork.Table) []int64 {
	t.Helper()
	raw, err := tbl.Column("value")
	require.NoError(t, err)
	out := make([]int64, len(raw))
	for i, v := range raw {
		out[i] = v.(int64)
	}
	return out
}

// TestBatchCacheHit verifies the cache layout on disk and that a second load
// of unchanged files is served from the cache instead of the source files.
func TestBatchCacheHit(t *testing.T) {
	dir := t.TempDir()
	cacheDir := t.TempDir()
	file := filepath.Join(dir, "rows.json")
	writeJSONLines(t, file,
		`{"timestamp": "2023-01-01T00:00:00Z", "value": 1}`,
		`{"timestamp": "2023-01-01T01:00:00Z", "value": 2}`,
	)

	first := runFileLoad(t, []string{file}, cacheDir)
	assert.Equal(t, []int64{1, 2}, intValues(t, first))
	hash := originHash(t, first)

	assert.FileExists(t, filepath.Join(cacheDir, "file_cache", "catalog.db"))
	cachePath := filepath.Join(cacheDir, "file_cache", "batches", hash+".json")
	assert.FileExists(t, cachePath)

	// Replace the cached batch. If the second load reads the doctored rows,
	// it was served from the cache.
	writeJSONLines(t, cachePath, `{"timestamp": "2023-01-01T00:00:00Z", "value": 99}`)

	second := runFileLoad(t, []string{file}, cacheDir)
	assert.Equal(t, []int64{99}, intValues(t, second))
	assert.Equal(t, hash, originHash(t, second), "unchanged fingerprints keep the batch hash")
}

// TestBatchCacheInvalidation verifies that either a changed modification time
// or a changed size gives the file set a new batch hash.
func TestBatchCacheInvalidation(t *testing.T) {
	t.Run("modification time", func(t *testing.T) {
		dir := t.TempDir()
		cacheDir := t.TempDir()
		file := filepath.Join(dir, "rows.json")
		writeJSONLines(t, file, `{"timestamp": "2023-01-01T00:00:00Z", "value": 1}`)

		first := runFileLoad(t, []string{file}, cacheDir)
		hash := originHash(t, first)

		// Doctor the cached batch, then touch the source file. The new hash
		// misses the cache and the real rows are read again.
		writeJSONLines(t, filepath.Join(cacheDir, "file_cache", "batches", hash+".json"),
			`{"timestamp": "2023-01-01T00:00:00Z", "value": 99}`)
		info, err := os.Stat(file)
		require.NoError(t, err)
		touched := info.ModTime().Add(2 * time.Second)
		require.NoError(t, os.Chtimes(file, touched, touched))

		second := runFileLoad(t, []string{file}, cacheDir)
		assert.Equal(t, []int64{1}, intValues(t, second))
		assert.NotEqual(t, hash, originHash(t, second))
	})

	t.Run("size", func(t *testing.T) {
		dir := t.TempDir()
		cacheDir := t.TempDir()
		file := filepath.Join(dir, "rows.json")
		writeJSONLines(t, file, `{"timestamp": "2023-01-01T00:00:00Z", "value": 1}`)
		info, err := os.Stat(file)
		require.NoError(t, err)

		first := runFileLoad(t, []string{file}, cacheDir)
		hash := originHash(t, first)

		// Grow the file but restore its original modification time, so only
		// the size distinguishes the fingerprints.
		f, err := os.OpenFile(file, os.O_APPEND|os.O_WRONLY, 0o644)
		require.NoError(t, err)
		_, err = f.WriteString(`{"timestamp": "2023-01-01T01:00:00Z", "value": 2}` + "\n")
		require.NoError(t, err)
		require.NoError(t, f.Close())
		require.NoError(t, os.Chtimes(file, info.ModTime(), info.ModTime()))

		second := runFileLoad(t, []string{file}, cacheDir)
		assert.Equal(t, []int64{1, 2}, intValues(t, second))
		assert.NotEqual(t, hash, originHash(t, second))
	})
}

// TestBatchCacheDamagedEntries verifies that a corrupt or deleted cache entry
// counts as a miss and the batch is rebuilt from the source files.
func TestBatchCacheDamagedEntries(t *testing.T) {
	t.Run("corrupt entry", func(t *testing.T) {
		dir := t.TempDir()
		cacheDir := t.TempDir()
		file := filepath.Join(dir, "rows.json")
		writeJSONLines(t, file, `{"timestamp": "2023-01-01T00:00:00Z", "value": 5}`)

		first := runFileLoad(t, []string{file}, cacheDir)
		hash := originHash(t, first)
		cachePath := filepath.Join(cacheDir, "file_cache", "batches", hash+".json")
		require.NoError(t, os.WriteFile(cachePath, []byte("not json {{{"), 0o644))

		second := runFileLoad(t, []string{file}, cacheDir)
		assert.Equal(t, []int64{5}, intValues(t, second))
	})

	t.Run("deleted entry", func(t *testing.T) {
		dir := t.TempDir()
		cacheDir := t.TempDir()
		file := filepath.Join(dir, "rows.json")
		writeJSONLines(t, file, `{"timestamp": "2023-01-01T00:00:00Z", "value": 8}`)

		first := runFileLoad(t, []string{file}, cacheDir)
		hash := originHash(t, first)
		require.NoError(t, os.Remove(filepath.Join(cacheDir, "file_cache", "batches", hash+".json")))

		second := runFileLoad(t, []string{file}, cacheDir)
		assert.Equal(t, []int64{8}, intValues(t, second))
	})
}
