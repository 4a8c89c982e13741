package streamwork_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	streamwork "github.com/aquiline/go-streamwork"
)

// recordingCollector captures every metric callback as a formatted event so
// tests can assert on exactly what was reported.
type recordingCollector struct {
	mu     sync.Mutex
	events []string
}

var _ streamwork.MetricsCollector = (*recordingCollector)(nil)

func (r *recordingCollector) add(format string, args ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, fmt.Sprintf(format, args...))
}

func (r *recordingCollector) Events() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

func (r *recordingCollector) Count(prefix string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if strings.HasPrefix(ev, prefix) {
			n++
		}
	}
	return n
}

func outcomeLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

func (r *recordingCollector) StageStarted(_ context.Context, stageName string) {
	r.add("stage_started:%s", stageName)
}

func (r *recordingCollector) StageCompleted(_ context.Context, stageName string, _ time.Duration) {
	r.add("stage_completed:%s", stageName)
}

func (r *recordingCollector) StageError(_ context.Context, stageName string, _ error) {
	r.add("stage_error:%s", stageName)
}

func (r *recordingCollector) RetryAttempt(_ context.Context, stageName string, attempt int, _ error) {
	r.add("retry_attempt:%s:%d", stageName, attempt)
}

func (r *recordingCollector) BufferBatchProcessed(_ context.Context, batchSize int, _ time.Duration) {
	r.add("batch:%d", batchSize)
}

func (r *recordingCollector) TaskCompleted(_ context.Context, taskType string, _ time.Duration, err error) {
	r.add("task:%s:%s", taskType, outcomeLabel(err))
}

func (r *recordingCollector) PipelineStarted(_ context.Context, pipelineName string) {
	r.add("pipeline_started:%s", pipelineName)
}

func (r *recordingCollector) PipelineCompleted(_ context.Context, pipelineName string, _ time.Duration, err error) {
	r.add("pipeline_completed:%s:%s", pipelineName, outcomeLabel(err))
}

func (r *recordingCollector) StageWorkerConcurrency(_ context.Context, stageName string, concurrencyLevel int) {
	r.add("worker_concurrency:%s:%d", stageName, concurrencyLevel)
}

func (r *recordingCollector) StageWorkerItemProcessed(_ context.Context, stageName string, _ time.Duration) {
	r.add("item_processed:%s", stageName)
}

func (r *recordingCollector) StageWorkerItemSkipped(_ context.Context, stageName string, _ error) {
	r.add("item_skipped:%s", stageName)
}

func (r *recordingCollector) StageWorkerErrorSent(_ context.Context, stageName string, _ error) {
	r.add("error_sent:%s", stageName)
}

// TestMetricatedStage verifies the per-call start, completion and error
// reporting of the stage wrapper.
func TestMetricatedStage(t *testing.T) {
	metrics := &recordingCollector{}
	stage := streamwork.NewMetricatedStage(
		streamwork.StageFunc[int, int](func(_ context.Context, v int) (int, error) {
			if v < 0 {
				return 0, errors.New("negative input")
			}
			return v * 2, nil
		}),
		streamwork.WithMetricsCollector[int, int](metrics),
		streamwork.WithMetricsStageName[int, int]("double"),
	)

	out, err := stage.Process(context.Background(), 3)
	require.NoError(t, err)
	assert.Equal(t, 6, out)

	_, err = stage.Process(context.Background(), -1)
	require.Error(t, err)

	assert.Equal(t, []string{
		"stage_started:double",
		"stage_completed:double",
		"stage_started:double",
		"stage_error:double",
	}, metrics.Events())
}

// TestMetricatedStageDefaults verifies the fallback stage name and the nil
// stage guard.
func TestMetricatedStageDefaults(t *testing.T) {
	metrics := &recordingCollector{}
	stage := streamwork.NewMetricatedStage(
		streamwork.StageFunc[int, int](func(_ context.Context, v int) (int, error) {
			return v, nil
		}),
		streamwork.WithMetricsCollector[int, int](metrics),
	)
	_, err := stage.Process(context.Background(), 1)
	require.NoError(t, err)
	assert.Contains(t, metrics.Events(), "stage_started:metricated_stage")

	assert.Panics(t, func() { streamwork.NewMetricatedStage[int, int](nil) })
}

// TestMetricatedStreamStage verifies that a whole stream run is reported as
// one stage execution.
func TestMetricatedStreamStage(t *testing.T) {
	metrics := &recordingCollector{}
	staged := streamwork.NewMetricatedStreamStage[int, int](
		streamwork.NewStreamAdapter(streamwork.StageFunc[int, int](func(_ context.Context, v int) (int, error) {
			return v, nil
		})),
		streamwork.WithMetricsStreamStageName[int, int]("pump"),
		streamwork.WithMetricsStreamCollector[int, int](metrics),
	)

	in := make(chan int, 3)
	for _, v := range []int{1, 2, 3} {
		in <- v
	}
	close(in)
	out := make(chan int, 3)

	require.NoError(t, staged.ProcessStream(context.Background(), in, out))
	assert.Equal(t, []int{1, 2, 3}, collectChan(out))
	assert.Equal(t, 1, metrics.Count("stage_started:pump"))
	assert.Equal(t, 1, metrics.Count("stage_completed:pump"))
	assert.Equal(t, 0, metrics.Count("stage_error:pump"))
}

// TestMetricatedStreamStageError verifies error reporting when the wrapped
// stream fails mid-run.
func TestMetricatedStreamStageError(t *testing.T) {
	metrics := &recordingCollector{}
	staged := streamwork.NewMetricatedStreamStage[int, int](
		streamwork.NewStreamAdapter(
			streamwork.StageFunc[int, int](func(_ context.Context, _ int) (int, error) {
				return 0, errors.New("poisoned")
			}),
			streamwork.WithAdapterErrorStrategy[int, int](streamwork.StopOnError),
		),
		streamwork.WithMetricsStreamStageName[int, int]("pump"),
		streamwork.WithMetricsStreamCollector[int, int](metrics),
	)

	in := make(chan int, 1)
	in <- 1
	close(in)
	out := make(chan int, 1)

	require.Error(t, staged.ProcessStream(context.Background(), in, out))
	assert.Equal(t, 1, metrics.Count("stage_error:pump"))
	assert.Equal(t, 0, metrics.Count("stage_completed:pump"))

	assert.Panics(t, func() { streamwork.NewMetricatedStreamStage[int, int](nil) })
}

// TestStreamAdapterWorkerMetrics verifies the per-item worker reporting of the
// adapter under the skip and error-channel strategies.
func TestStreamAdapterWorkerMetrics(t *testing.T) {
	evenError := streamwork.StageFunc[int, int](func(_ context.Context, v int) (int, error) {
		if v%2 == 0 {
			return 0, errors.New("even input")
		}
		return v, nil
	})

	t.Run("skip on error", func(t *testing.T) {
		metrics := &recordingCollector{}
		adapter := streamwork.NewStreamAdapter(evenError,
			streamwork.WithAdapterName[int, int]("clean"),
			streamwork.WithAdapterMetrics[int, int](metrics),
		)
		assert.Equal(t, 1, metrics.Count("worker_concurrency:clean:1"),
			"concurrency is reported at construction")

		in := make(chan int, 4)
		for _, v := range []int{1, 2, 3, 4} {
			in <- v
		}
		close(in)
		out := make(chan int, 4)

		require.NoError(t, adapter.ProcessStream(context.Background(), in, out))
		assert.Equal(t, []int{1, 3}, collectChan(out))
		assert.Equal(t, 2, metrics.Count("item_processed:clean"))
		assert.Equal(t, 2, metrics.Count("item_skipped:clean"))
	})

	t.Run("send to error channel", func(t *testing.T) {
		metrics := &recordingCollector{}
		errChan := make(chan streamwork.ProcessingError[int], 4)
		adapter := streamwork.NewStreamAdapter(evenError,
			streamwork.WithAdapterName[int, int]("clean"),
			streamwork.WithAdapterMetrics[int, int](metrics),
			streamwork.WithAdapterErrorStrategy[int, int](streamwork.SendToErrorChannel),
			streamwork.WithAdapterErrorChannel[int, int](errChan),
		)

		in := make(chan int, 4)
		for _, v := range []int{1, 2, 3, 4} {
			in <- v
		}
		close(in)
		out := make(chan int, 4)

		require.NoError(t, adapter.ProcessStream(context.Background(), in, out))
		close(errChan)
		assert.Equal(t, 2, metrics.Count("item_processed:clean"))
		assert.Equal(t, 2, metrics.Count("error_sent:clean"))
		assert.Equal(t, 0, metrics.Count("item_skipped:clean"))
	})
}

// TestPipelineReportsMetrics verifies that a graph run reports lifecycle and
// worker metrics through the pipeline's collector.
func TestPipelineReportsMetrics(t *testing.T) {
	metrics := &recordingCollector{}
	pipeline := streamwork.NewGraphPipeline(
		streamwork.WithPipelineName("observed"),
		streamwork.WithPipelineMetrics(metrics),
	)

	src := pipeline.AddNode(streamwork.NewSourceNode[int]("numbers", sliceSource([]int{1, 2, 3})))
	double := pipeline.AddNode(streamwork.NewNode[int, int]("double",
		streamwork.StageFunc[int, int](func(_ context.Context, v int) (int, error) {
			return v * 2, nil
		})))
	collector := &intCollector{}
	sink := pipeline.AddNode(streamwork.NewSinkNode[int]("collect", collector))

	require.NoError(t, pipeline.AddEdge(src.Point(), double.Point()))
	require.NoError(t, pipeline.AddEdge(double.Point(), sink.Point()))
	require.NoError(t, pipeline.Run(context.Background()))

	assert.Equal(t, 1, metrics.Count("pipeline_started:observed"))
	assert.Equal(t, 1, metrics.Count("pipeline_completed:observed:ok"))
	assert.Equal(t, 1, metrics.Count("worker_concurrency:double:1"))
	assert.Equal(t, 3, metrics.Count("item_processed:double"))
}

// TestLoggingMetricsCollector verifies the line format of every callback.
func TestLoggingMetricsCollector(t *testing.T) {
	var buf bytes.Buffer
	collector := streamwork.NewLoggingMetricsCollector(log.New(&buf, "", 0))
	ctx := context.Background()
	boom := errors.New("boom")

	collector.StageStarted(ctx, "ingest")
	collector.StageCompleted(ctx, "ingest", 2*time.Millisecond)
	collector.StageError(ctx, "ingest", boom)
	collector.RetryAttempt(ctx, "ingest", 2, boom)
	collector.BufferBatchProcessed(ctx, 5, time.Millisecond)
	collector.TaskCompleted(ctx, "load", time.Millisecond, nil)
	collector.TaskCompleted(ctx, "load", time.Millisecond, boom)
	collector.PipelineStarted(ctx, "nightly")
	collector.PipelineCompleted(ctx, "nightly", time.Second, nil)
	collector.StageWorkerConcurrency(ctx, "ingest", 4)
	collector.StageWorkerItemProcessed(ctx, "ingest", time.Microsecond)
	collector.StageWorkerItemSkipped(ctx, "ingest", boom)
	collector.StageWorkerErrorSent(ctx, "ingest", boom)

	logged := buf.String()
	for _, want := range []string{
		"Stage 'ingest' started",
		"Stage 'ingest' completed in",
		"Stage 'ingest' error: boom",
		"retry attempt 2",
		"Batch of 5 items",
		"Task 'load' completed in",
		"Task 'load' failed after",
		"Pipeline 'nightly' started",
		"Pipeline 'nightly' completed in",
		"running with concurrency 4",
		"processed item in",
		"skipped item: boom",
		"sent error downstream: boom",
	} {
		assert.Contains(t, logged, want)
	}

	assert.NotNil(t, streamwork.NewLoggingMetricsCollector(nil))
}

// TestPrometheusMetricsCollector verifies that every callback lands in the
// collector's registry under its metric family.
func TestPrometheusMetricsCollector(t *testing.T) {
	factory := streamwork.NewObservabilityFactory()
	collector, err := factory.CreateMetricsCollector(streamwork.PipelineMetricsConfig{
		Enabled:  true,
		Type:     streamwork.MetricsTypePrometheus,
		Endpoint: ":9090",
	})
	require.NoError(t, err)
	prom, ok := collector.(*streamwork.PrometheusMetricsCollector)
	require.True(t, ok)

	ctx := context.Background()
	boom := errors.New("boom")
	prom.StageStarted(ctx, "ingest")
	prom.StageStarted(ctx, "ingest")
	prom.StageCompleted(ctx, "ingest", time.Second)
	prom.StageError(ctx, "ingest", boom)
	prom.RetryAttempt(ctx, "ingest", 3, boom)
	prom.BufferBatchProcessed(ctx, 7, time.Millisecond)
	prom.TaskCompleted(ctx, "load", time.Millisecond, nil)
	prom.PipelineStarted(ctx, "nightly")
	prom.PipelineCompleted(ctx, "nightly", time.Second, boom)
	prom.StageWorkerConcurrency(ctx, "ingest", 4)
	prom.StageWorkerItemProcessed(ctx, "ingest", time.Microsecond)
	prom.StageWorkerItemSkipped(ctx, "ingest", boom)
	prom.StageWorkerErrorSent(ctx, "ingest", boom)

	families, err := prom.GetRegistry().Gather()
	require.NoError(t, err)

	values := make(map[string]float64)
	for _, mf := range families {
		metric := mf.GetMetric()[0]
		switch {
		case metric.GetCounter() != nil:
			values[mf.GetName()] = metric.GetCounter().GetValue()
		case metric.GetGauge() != nil:
			values[mf.GetName()] = metric.GetGauge().GetValue()
		case metric.GetHistogram() != nil:
			values[mf.GetName()] = float64(metric.GetHistogram().GetSampleCount())
		}
	}

	for _, name := range []string{
		"streamwork_stage_started_total",
		"streamwork_stage_duration_seconds",
		"streamwork_stage_errors_total",
		"streamwork_retry_attempts_total",
		"streamwork_retry_current_attempt",
		"streamwork_batch_size",
		"streamwork_batch_duration_seconds",
		"streamwork_task_duration_seconds",
		"streamwork_pipeline_started_total",
		"streamwork_pipeline_duration_seconds",
		"streamwork_stage_concurrency",
		"streamwork_stage_item_duration_seconds",
		"streamwork_stage_items_skipped_total",
		"streamwork_stage_errors_sent_total",
	} {
		_, present := values[name]
		assert.True(t, present, "metric family %s not gathered", name)
	}

	assert.Equal(t, 2.0, values["streamwork_stage_started_total"])
	assert.Equal(t, 7.0, values["streamwork_batch_size"])
	assert.Equal(t, 4.0, values["streamwork_stage_concurrency"])
	assert.Equal(t, 3.0, values["streamwork_retry_current_attempt"])
	assert.Equal(t, 1.0, values["streamwork_stage_items_skipped_total"])
}

// TestNoopMetricsCollector verifies that the no-op collector accepts every
// callback. It mostly exists to catch interface drift.
func TestNoopMetricsCollector(t *testing.T) {
	var collector streamwork.MetricsCollector = &streamwork.NoopMetricsCollector{}
	ctx := context.Background()
	assert.NotPanics(t, func() {
		collector.StageStarted(ctx, "s")
		collector.StageCompleted(ctx, "s", 0)
		collector.StageError(ctx, "s", errors.New("x"))
		collector.RetryAttempt(ctx, "s", 1, errors.New("x"))
		collector.BufferBatchProcessed(ctx, 1, 0)
		collector.TaskCompleted(ctx, "t", 0, nil)
		collector.PipelineStarted(ctx, "p")
		collector.PipelineCompleted(ctx, "p", 0, nil)
		collector.StageWorkerConcurrency(ctx, "s", 1)
		collector.StageWorkerItemProcessed(ctx, "s", 0)
		collector.StageWorkerItemSkipped(ctx, "s", errors.New("x"))
		collector.StageWorkerErrorSent(ctx, "s", errors.New("x"))
	})
}

// BenchmarkMetricatedStage measures the per-call cost the wrapper adds on top
// of a bare stage.
func BenchmarkMetricatedStage(b *testing.B) {
	stage := streamwork.StageFunc[int, int](func(_ context.Context, v int) (int, error) {
		return v * 2, nil
	})
	ctx := context.Background()

	b.Run("Bare", func(b *testing.B) {
		b.ResetTimer()
		for i := 0; i < b.N; i++ {
			_, _ = stage.Process(ctx, i)
		}
	})

	b.Run("Metricated", func(b *testing.B) {
		wrapped := streamwork.NewMetricatedStage(stage,
			streamwork.WithMetricsCollector[int, int](&streamwork.NoopMetricsCollector{}),
			streamwork.WithMetricsStageName[int, int]("bench"),
		)
		b.ResetTimer()
		for i := 0; i < b.N; i++ {
			_, _ = wrapped.Process(ctx, i)
		}
	})
}
