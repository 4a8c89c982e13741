package streamwork_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	streamwork "github.com/aquiline/go-streamwork"
)

// tableMessage builds a ControlMessage carrying a small label/value payload.
func tableMessage(t *testing.T, rows ...map[string]any) *streamwork.ControlMessage {
	t.Helper()
	schema := streamwork.TableSchema{Columns: []streamwork.ColumnSpec{
		{Name: "label", Kind: streamwork.KindString},
		{Name: "value", Kind: streamwork.KindInt},
	}}
	table, err := streamwork.NewTableFromRows(schema, rows)
	require.NoError(t, err)
	msg := streamwork.NewControlMessage()
	msg.SetPayload(streamwork.NewTableMeta(table))
	return msg
}

// TestNewWriteToFileConfig verifies filename and file type validation, and
// the build-time existence check.
func TestNewWriteToFileConfig(t *testing.T) {
	dir := t.TempDir()

	tests := []struct {
		name    string
		cfg     streamwork.ModuleConfig
		wantErr string
	}{
		{
			name:    "missing filename",
			cfg:     streamwork.ModuleConfig{},
			wantErr: "filename is required",
		},
		{
			name:    "unknown file type",
			cfg:     streamwork.ModuleConfig{"filename": filepath.Join(dir, "out.csv"), "file_type": "xml"},
			wantErr: "unknown file type",
		},
		{
			name:    "undetectable extension",
			cfg:     streamwork.ModuleConfig{"filename": filepath.Join(dir, "out.dat")},
			wantErr: "cannot determine file type",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := streamwork.NewWriteToFile(tt.cfg)
			require.Error(t, err)
			var cfgErr *streamwork.ConfigError
			assert.ErrorAs(t, err, &cfgErr)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}

	existing := filepath.Join(dir, "taken.csv")
	require.NoError(t, os.WriteFile(existing, []byte("old\n"), 0o644))

	_, err := streamwork.NewWriteToFile(streamwork.ModuleConfig{"filename": existing})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exists and overwrite is disabled")

	_, err = streamwork.NewWriteToFile(streamwork.ModuleConfig{"filename": existing, "overwrite": true})
	assert.NoError(t, err)
}

// TestWriteToFileCSV verifies that the CSV header is written exactly once
// across messages and that messages pass through unchanged.
func TestWriteToFileCSV(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.csv")
	sink, err := streamwork.NewWriteToFile(streamwork.ModuleConfig{"filename": path})
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, sink.Start(ctx))

	first := tableMessage(t,
		map[string]any{"label": "a", "value": 1},
		map[string]any{"label": "b", "value": 2},
	)
	out, err := sink.Process(ctx, first)
	require.NoError(t, err)
	assert.Same(t, first, out)

	_, err = sink.Process(ctx, tableMessage(t, map[string]any{"label": "c", "value": 3}))
	require.NoError(t, err)
	require.NoError(t, sink.Stop(ctx))

	content, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "label,value\na,1\nb,2\nc,3\n", string(content))
}

// TestWriteToFileJSON verifies JSON-lines output, one object per row.
func TestWriteToFileJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.json")
	sink, err := streamwork.NewWriteToFile(streamwork.ModuleConfig{"filename": path, "flush": true})
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, sink.Start(ctx))
	_, err = sink.Process(ctx, tableMessage(t, map[string]any{"label": "a", "value": 1}))
	require.NoError(t, err)
	_, err = sink.Process(ctx, tableMessage(t, map[string]any{"label": "b", "value": 2}))
	require.NoError(t, err)
	require.NoError(t, sink.Stop(ctx))

	content, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "{\"label\":\"a\",\"value\":1}\n{\"label\":\"b\",\"value\":2}\n", string(content))
}

// TestWriteToFileLifecycle verifies the open/close discipline: writes require
// Start, Start truncates previous output, and both hooks are idempotent.
func TestWriteToFileLifecycle(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "deep", "out.csv")
	sink, err := streamwork.NewWriteToFile(streamwork.ModuleConfig{"filename": path})
	require.NoError(t, err)
	ctx := context.Background()

	_, err = sink.Process(ctx, tableMessage(t, map[string]any{"label": "early", "value": 0}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "is not open")

	require.NoError(t, sink.Stop(ctx), "Stop before Start is a no-op")

	// Start creates the missing parent directories.
	require.NoError(t, sink.Start(ctx))
	require.NoError(t, sink.Start(ctx), "second Start is a no-op")
	_, err = sink.Process(ctx, tableMessage(t, map[string]any{"label": "one", "value": 1}))
	require.NoError(t, err)
	require.NoError(t, sink.Stop(ctx))
	require.NoError(t, sink.Stop(ctx), "second Stop is a no-op")

	// A restart truncates the previous run's output and writes a new header.
	require.NoError(t, sink.Start(ctx))
	_, err = sink.Process(ctx, tableMessage(t, map[string]any{"label": "two", "value": 2}))
	require.NoError(t, err)
	require.NoError(t, sink.Stop(ctx))

	content, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "label,value\ntwo,2\n", string(content))
}

// TestWriteToFileSkipsEmptyPayloads verifies that messages without rows pass
// through without writing anything, including the header.
func TestWriteToFileSkipsEmptyPayloads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.csv")
	sink, err := streamwork.NewWriteToFile(streamwork.ModuleConfig{"filename": path})
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, sink.Start(ctx))

	bare := streamwork.NewControlMessage()
	out, err := sink.Process(ctx, bare)
	require.NoError(t, err)
	assert.Same(t, bare, out)

	_, err = sink.Process(ctx, tableMessage(t))
	require.NoError(t, err)

	// The header appears with the first payload that has rows.
	_, err = sink.Process(ctx, tableMessage(t, map[string]any{"label": "a", "value": 1}))
	require.NoError(t, err)
	require.NoError(t, sink.Stop(ctx))

	content, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "label,value\na,1\n", string(content))
}
