package streamwork_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	streamwork "github.com/aquiline/go-streamwork"
)

// TestControlMessageMetadata verifies the metadata accessors.
func TestControlMessageMetadata(t *testing.T) {
	msg := streamwork.NewControlMessage()

	assert.False(t, msg.HasMetadata("source"))
	assert.Equal(t, "fallback", msg.MetadataOr("source", "fallback"))

	msg.SetMetadata("source", "sensor-7")
	msg.SetMetadata("attempt", 3)

	v, ok := msg.Metadata("source")
	require.True(t, ok)
	assert.Equal(t, "sensor-7", v)
	assert.Equal(t, "sensor-7", msg.MetadataOr("source", "fallback"))
	assert.True(t, msg.HasMetadata("attempt"))
	assert.ElementsMatch(t, []string{"source", "attempt"}, msg.ListMetadata())

	// Setting an existing key replaces the value.
	msg.SetMetadata("source", "sensor-8")
	v, _ = msg.Metadata("source")
	assert.Equal(t, "sensor-8", v)
}

// TestControlMessageTaskQueue verifies FIFO ordering per task type and that
// unmatched types are left untouched.
func TestControlMessageTaskQueue(t *testing.T) {
	msg := streamwork.NewControlMessage()

	assert.False(t, msg.HasTask("load"))
	_, ok := msg.PopTask("load")
	assert.False(t, ok)

	msg.AddTask("load", map[string]any{"seq": 1})
	msg.AddTask("export", map[string]any{"seq": 2})
	msg.AddTask("load", map[string]any{"seq": 3})

	require.Equal(t, 3, msg.TaskCount())
	assert.True(t, msg.HasTask("load"))
	assert.True(t, msg.HasTask("export"))

	first, ok := msg.PopTask("load")
	require.True(t, ok)
	assert.Equal(t, 1, first["seq"])

	second, ok := msg.PopTask("load")
	require.True(t, ok)
	assert.Equal(t, 3, second["seq"])

	_, ok = msg.PopTask("load")
	assert.False(t, ok)

	// The export task survived the load pops.
	require.Equal(t, 1, msg.TaskCount())
	tasks := msg.Tasks()
	require.Len(t, tasks, 1)
	assert.Equal(t, "export", tasks[0].Type)
	assert.Equal(t, 2, tasks[0].Config["seq"])
}

// TestControlMessageTasksReturnsCopy verifies that mutating the slice returned
// by Tasks does not affect the message's queue.
func TestControlMessageTasksReturnsCopy(t *testing.T) {
	msg := streamwork.NewControlMessage()
	msg.AddTask("load", map[string]any{"seq": 1})

	tasks := msg.Tasks()
	tasks[0] = streamwork.Task{Type: "other"}

	remaining := msg.Tasks()
	require.Len(t, remaining, 1)
	assert.Equal(t, "load", remaining[0].Type)
}

// TestControlMessageCopy verifies the copy contract: fresh ID, independent
// metadata and tasks, shared payload and tensor handles.
func TestControlMessageCopy(t *testing.T) {
	schema := streamwork.TableSchema{Columns: []streamwork.ColumnSpec{
		{Name: "value", Kind: streamwork.KindInt},
	}}
	table, err := streamwork.NewTableFromRows(schema, []map[string]any{{"value": 42}})
	require.NoError(t, err)

	tensors := streamwork.NewTensorMemory(1)
	require.NoError(t, tensors.SetTensor("probs", streamwork.NewVectorTensor([]float64{0.9})))

	orig := streamwork.NewControlMessage()
	orig.SetPayload(streamwork.NewTableMeta(table))
	orig.SetTensors(tensors)
	orig.SetMetadata("window", map[string]any{"period": "1d"})
	orig.AddTask("load", map[string]any{"files": []string{"a.csv"}})
	orig.SetTimestamp("created", time.Date(2024, 3, 5, 12, 0, 0, 0, time.UTC))

	dup := orig.Copy()

	// Identity is fresh, handles are shared.
	assert.NotEqual(t, orig.ID(), dup.ID())
	assert.Same(t, orig.Payload(), dup.Payload())
	assert.Same(t, orig.Tensors(), dup.Tensors())

	// Timestamps travel with the copy.
	ts, ok := dup.Timestamp("created")
	require.True(t, ok)
	assert.Equal(t, time.Date(2024, 3, 5, 12, 0, 0, 0, time.UTC), ts)

	// Mutating nested metadata on the copy must not leak into the original.
	window, ok := dup.Metadata("window")
	require.True(t, ok)
	window.(map[string]any)["period"] = "1h"
	origWindow, _ := orig.Metadata("window")
	assert.Equal(t, "1d", origWindow.(map[string]any)["period"])

	// Popping a task from the copy leaves the original queue intact.
	_, ok = dup.PopTask("load")
	require.True(t, ok)
	assert.True(t, orig.HasTask("load"))

	// Task configs are deep copies too.
	cfg, _ := orig.PopTask("load")
	files := cfg["files"].([]string)
	assert.Equal(t, []string{"a.csv"}, files)
}

// TestControlMessageCloneMatchesCopy verifies that Clone (the broadcast hook)
// behaves exactly like Copy.
func TestControlMessageCloneMatchesCopy(t *testing.T) {
	orig := streamwork.NewControlMessage()
	orig.SetMetadata("k", "v")

	clone := orig.Clone()
	assert.NotEqual(t, orig.ID(), clone.ID())
	v, ok := clone.Metadata("k")
	require.True(t, ok)
	assert.Equal(t, "v", v)
}

// TestControlMessageTimestamps verifies named timestamps and regexp filtering.
func TestControlMessageTimestamps(t *testing.T) {
	msg := streamwork.NewControlMessage()
	base := time.Date(2024, 3, 5, 8, 0, 0, 0, time.UTC)
	msg.SetTimestamp("batcher_start", base)
	msg.SetTimestamp("batcher_end", base.Add(time.Second))
	msg.SetTimestamp("loader_start", base.Add(2*time.Second))

	_, ok := msg.Timestamp("missing")
	assert.False(t, ok)

	got, ok := msg.Timestamp("batcher_end")
	require.True(t, ok)
	assert.Equal(t, base.Add(time.Second), got)

	batcher, err := msg.FilterTimestamps("^batcher_")
	require.NoError(t, err)
	assert.Len(t, batcher, 2)
	assert.Contains(t, batcher, "batcher_start")
	assert.Contains(t, batcher, "batcher_end")

	all, err := msg.FilterTimestamps(".*")
	require.NoError(t, err)
	assert.Len(t, all, 3)

	_, err = msg.FilterTimestamps("([")
	assert.Error(t, err)
}

// TestNewControlMessageFromConfig verifies construction from a generic config
// mapping, including the error paths for malformed sections.
func TestNewControlMessageFromConfig(t *testing.T) {
	t.Run("full config", func(t *testing.T) {
		msg, err := streamwork.NewControlMessageFromConfig(map[string]any{
			"metadata": map[string]any{
				"data_type": "payload",
			},
			"tasks": []any{
				map[string]any{"type": "load", "properties": map[string]any{"loader_id": "payload"}},
				map[string]any{"type": "load"},
			},
		})
		require.NoError(t, err)

		dt, ok := msg.Metadata("data_type")
		require.True(t, ok)
		assert.Equal(t, "payload", dt)

		require.Equal(t, 2, msg.TaskCount())
		first, ok := msg.PopTask("load")
		require.True(t, ok)
		assert.Equal(t, "payload", first["loader_id"])
		second, ok := msg.PopTask("load")
		require.True(t, ok)
		assert.Empty(t, second)
	})

	t.Run("empty config", func(t *testing.T) {
		msg, err := streamwork.NewControlMessageFromConfig(map[string]any{})
		require.NoError(t, err)
		assert.Equal(t, 0, msg.TaskCount())
		assert.Empty(t, msg.ListMetadata())
	})

	t.Run("malformed sections", func(t *testing.T) {
		cases := []struct {
			name   string
			config map[string]any
		}{
			{"metadata not a map", map[string]any{"metadata": "nope"}},
			{"tasks not a list", map[string]any{"tasks": "nope"}},
			{"task not a map", map[string]any{"tasks": []any{"nope"}}},
			{"task missing type", map[string]any{"tasks": []any{map[string]any{"properties": map[string]any{}}}}},
			{"task properties not a map", map[string]any{"tasks": []any{map[string]any{"type": "load", "properties": 7}}}},
		}
		for _, tc := range cases {
			t.Run(tc.name, func(t *testing.T) {
				_, err := streamwork.NewControlMessageFromConfig(tc.config)
				require.Error(t, err)
				var cfgErr *streamwork.ConfigError
				assert.ErrorAs(t, err, &cfgErr)
			})
		}
	})
}

// BenchmarkControlMessageCopy measures the deep copy that backs streaming
// fan-out, with a metadata map and task queue of realistic size.
func BenchmarkControlMessageCopy(b *testing.B) {
	msg := streamwork.NewControlMessage()
	msg.SetMetadata("data_type", "streaming")
	msg.SetMetadata("source", "bench")
	msg.SetMetadata("batching_options", map[string]any{"period": "1d", "sampling_rate_s": 30})
	for i := 0; i < 4; i++ {
		msg.AddTask("load", map[string]any{
			"loader_id": "file_to_table",
			"strategy":  "aggregate",
			"files":     []string{"a.csv", "b.csv", "c.csv"},
		})
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = msg.Copy()
	}
}
