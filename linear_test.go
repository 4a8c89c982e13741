package streamwork_test

import (
	"context"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	streamwork "github.com/aquiline/go-streamwork"
)

// TestStreamPipelineRun verifies a typed three-stage chain driven from a source
// channel into a sink channel.
func TestStreamPipelineRun(t *testing.T) {
	builder := streamwork.NewStreamPipeline[int](streamwork.WithPipelineName("typed-chain"))
	b2 := streamwork.AddStage(builder, "to_string",
		streamwork.StageFunc[int, string](func(_ context.Context, n int) (string, error) {
			return strconv.Itoa(n), nil
		}))
	b3 := streamwork.AddStage(b2, "repeat",
		streamwork.StageFunc[string, string](func(_ context.Context, s string) (string, error) {
			return strings.Repeat(s, 2), nil
		}))
	pipeline, err := streamwork.Finalize(b3)
	require.NoError(t, err)

	source := make(chan int, 3)
	source <- 1
	source <- 2
	source <- 3
	close(source)
	sink := make(chan string, 3)

	require.NoError(t, streamwork.Run[int, string](context.Background(), pipeline, source, sink))

	var got []string
	for v := range sink {
		got = append(got, v)
	}
	assert.Equal(t, []string{"11", "22", "33"}, got)
}

// TestStreamPipelineExpandStage verifies 1-to-N flattening inside a linear
// chain.
func TestStreamPipelineExpandStage(t *testing.T) {
	builder := streamwork.NewStreamPipeline[int]()
	b2 := streamwork.AddExpandStage(builder, "split",
		streamwork.ExpandFunc[int, int](func(_ context.Context, n int) ([]int, error) {
			out := make([]int, n)
			for i := range out {
				out[i] = n
			}
			return out, nil
		}))
	pipeline, err := streamwork.Finalize(b2)
	require.NoError(t, err)

	source := make(chan int, 3)
	source <- 2
	source <- 0
	source <- 1
	close(source)
	sink := make(chan int, 4)

	require.NoError(t, streamwork.Run[int, int](context.Background(), pipeline, source, sink))

	var got []int
	for v := range sink {
		got = append(got, v)
	}
	assert.Equal(t, []int{2, 2, 1}, got)
}

// TestStreamPipelineSegmentBoundary verifies that a buffered boundary passes
// items through unchanged.
func TestStreamPipelineSegmentBoundary(t *testing.T) {
	builder := streamwork.NewStreamPipeline[int]()
	b2 := streamwork.AddStage(builder, "inc",
		streamwork.StageFunc[int, int](func(_ context.Context, n int) (int, error) {
			return n + 1, nil
		}))
	b3 := streamwork.AddSegmentBoundary(b2, "buffer", streamwork.WithEdgeBuffer(16))
	b4 := streamwork.AddStage(b3, "dec",
		streamwork.StageFunc[int, int](func(_ context.Context, n int) (int, error) {
			return n - 1, nil
		}))
	pipeline, err := streamwork.Finalize(b4)
	require.NoError(t, err)

	source := make(chan int, 5)
	for i := 1; i <= 5; i++ {
		source <- i
	}
	close(source)
	sink := make(chan int, 5)

	require.NoError(t, streamwork.Run[int, int](context.Background(), pipeline, source, sink))

	var got []int
	for v := range sink {
		got = append(got, v)
	}
	assert.Equal(t, []int{1, 2, 3, 4, 5}, got)
}

// TestStreamPipelineFinalizeErrors verifies empty-chain and duplicate-name
// reporting at Finalize.
func TestStreamPipelineFinalizeErrors(t *testing.T) {
	_, err := streamwork.Finalize(streamwork.NewStreamPipeline[int]())
	assert.ErrorIs(t, err, streamwork.ErrEmptyPipeline)

	builder := streamwork.NewStreamPipeline[int]()
	identity := streamwork.StageFunc[int, int](func(_ context.Context, n int) (int, error) {
		return n, nil
	})
	b2 := streamwork.AddStage(builder, "same", identity)
	b3 := streamwork.AddStage(b2, "same", identity)
	_, err = streamwork.Finalize(b3)
	assert.ErrorIs(t, err, streamwork.ErrDuplicateStage)

	// Unnamed stages get positional names and therefore never collide.
	anon := streamwork.NewStreamPipeline[int]()
	a2 := streamwork.AddStage(anon, "", identity)
	a3 := streamwork.AddStage(a2, "", identity)
	_, err = streamwork.Finalize(a3)
	assert.NoError(t, err)
}

// TestStreamPipelineReservedNames verifies that the channel bridge names are
// rejected for user stages at start time.
func TestStreamPipelineReservedNames(t *testing.T) {
	builder := streamwork.NewStreamPipeline[int]()
	b2 := streamwork.AddStage(builder, "_source",
		streamwork.StageFunc[int, int](func(_ context.Context, n int) (int, error) {
			return n, nil
		}))
	pipeline, err := streamwork.Finalize(b2)
	require.NoError(t, err)

	source := make(chan int)
	close(source)
	sink := make(chan int, 1)
	err = pipeline.Start(context.Background(), source, sink)
	require.Error(t, err)

	var graphErr *streamwork.GraphError
	assert.ErrorAs(t, err, &graphErr)
}

// TestStreamPipelineChannelValidation verifies the source/sink checks at Start.
func TestStreamPipelineChannelValidation(t *testing.T) {
	builder := streamwork.NewStreamPipeline[int]()
	b2 := streamwork.AddStage(builder, "identity",
		streamwork.StageFunc[int, int](func(_ context.Context, n int) (int, error) {
			return n, nil
		}))
	pipeline, err := streamwork.Finalize(b2)
	require.NoError(t, err)

	sink := make(chan int, 1)
	source := make(chan int)

	cases := []struct {
		name    string
		source  interface{}
		sink    interface{}
		message string
	}{
		{"nil source", nil, sink, "source channel cannot be nil"},
		{"source not a channel", 42, sink, "source must be a channel"},
		{"source element type", make(chan string), sink, "does not match pipeline input type"},
		{"nil sink", source, nil, "sink channel cannot be nil"},
		{"sink not a channel", source, "nope", "sink must be a channel"},
		{"sink element type", source, make(chan string), "does not match pipeline output type"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := pipeline.Start(context.Background(), tc.source, tc.sink)
			require.Error(t, err)

			var cfgErr *streamwork.PipelineConfigurationError
			require.ErrorAs(t, err, &cfgErr)
			assert.Contains(t, err.Error(), tc.message)
		})
	}
}

// TestStreamPipelineRerun verifies that a finalized pipeline can run again with
// fresh channels after completing.
func TestStreamPipelineRerun(t *testing.T) {
	builder := streamwork.NewStreamPipeline[int]()
	b2 := streamwork.AddStage(builder, "triple",
		streamwork.StageFunc[int, int](func(_ context.Context, n int) (int, error) {
			return n * 3, nil
		}))
	pipeline, err := streamwork.Finalize(b2)
	require.NoError(t, err)

	for run := 0; run < 2; run++ {
		source := make(chan int, 2)
		source <- 1
		source <- 2
		close(source)
		sink := make(chan int, 2)

		require.NoError(t, streamwork.Run[int, int](context.Background(), pipeline, source, sink))

		var got []int
		for v := range sink {
			got = append(got, v)
		}
		assert.Equal(t, []int{3, 6}, got, "run %d", run)
	}
}

// TestStreamPipelineStop verifies graceful shutdown with an unclosed source.
func TestStreamPipelineStop(t *testing.T) {
	builder := streamwork.NewStreamPipeline[int]()
	b2 := streamwork.AddStage(builder, "identity",
		streamwork.StageFunc[int, int](func(_ context.Context, n int) (int, error) {
			return n, nil
		}))
	pipeline, err := streamwork.Finalize(b2)
	require.NoError(t, err)

	source := make(chan int) // Never closed: only Stop can end the run.
	sink := make(chan int, 1)
	require.NoError(t, pipeline.Start(context.Background(), source, sink))

	assert.ErrorIs(t, pipeline.Start(context.Background(), source, sink),
		streamwork.ErrPipelineAlreadyStarted)

	time.Sleep(20 * time.Millisecond)
	stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	assert.NoError(t, pipeline.Stop(stopCtx))
}

// TestStreamPipelineBuilderPanics verifies the nil guards on the builder
// functions.
func TestStreamPipelineBuilderPanics(t *testing.T) {
	identity := streamwork.StageFunc[int, int](func(_ context.Context, n int) (int, error) {
		return n, nil
	})

	assert.Panics(t, func() { streamwork.AddStage[int, int](nil, "x", identity) })
	assert.Panics(t, func() { streamwork.AddStreamStage[int, int](nil, "x", nil) })
	assert.Panics(t, func() { streamwork.AddExpandStage[int, int](nil, "x", nil) })
	assert.Panics(t, func() { streamwork.AddSegmentBoundary[int](nil, "x") })
	assert.Panics(t, func() {
		streamwork.AddStage[int, int](streamwork.NewStreamPipeline[int](), "x", nil)
	}, "nil stage")
}
