package streamwork

import (
	"context"
	"time"
)

// MetricsCollector receives measurements from instrumented stages and
// pipelines. Implementations ship them to a monitoring backend; the module
// provides Prometheus and InfluxDB collectors via the ObservabilityFactory.
type MetricsCollector interface {
	// StageStarted fires when a stage begins processing an item.
	StageStarted(ctx context.Context, stageName string)
	// StageCompleted fires when a stage finishes an item without error.
	StageCompleted(ctx context.Context, stageName string, duration time.Duration)
	// StageError fires when a stage returns an error for an item.
	StageError(ctx context.Context, stageName string, err error)

	// RetryAttempt fires once per attempt inside a Retry policy, including
	// the attempt that finally succeeds (err nil) or exhausts the budget.
	RetryAttempt(ctx context.Context, stageName string, attempt int, err error)
	// BufferBatchProcessed fires when a batching stage assembles and emits a
	// batch, such as the file batcher grouping files into period batches.
	BufferBatchProcessed(ctx context.Context, batchSize int, duration time.Duration)
	// TaskCompleted fires when a control message task finishes, whether it
	// succeeded or not. The data loader reports every task it executes.
	TaskCompleted(ctx context.Context, taskType string, duration time.Duration, err error)

	// PipelineStarted fires when a pipeline begins a run.
	PipelineStarted(ctx context.Context, pipelineName string)
	// PipelineCompleted fires when the run finishes, err carrying the
	// terminal failure if the run did not drain cleanly.
	PipelineCompleted(ctx context.Context, pipelineName string, duration time.Duration, err error)

	// StageWorkerConcurrency reports the configured worker count for a stage
	// when its pipeline starts.
	StageWorkerConcurrency(ctx context.Context, stageName string, concurrencyLevel int)
	// StageWorkerItemProcessed fires for each item a stream worker completes.
	StageWorkerItemProcessed(ctx context.Context, stageName string, duration time.Duration)
	// StageWorkerItemSkipped fires for each item dropped under SkipOnError.
	StageWorkerItemSkipped(ctx context.Context, stageName string, err error)
	// StageWorkerErrorSent fires for each error diverted to an error channel
	// under SendToErrorChannel.
	StageWorkerErrorSent(ctx context.Context, stageName string, err error)
}

// NoopMetricsCollector discards every measurement. It backs
// DefaultMetricsCollector so instrumented stages run without a monitoring
// backend configured.
type NoopMetricsCollector struct{}

var _ MetricsCollector = (*NoopMetricsCollector)(nil)

func (*NoopMetricsCollector) StageStarted(context.Context, string)                            {}
func (*NoopMetricsCollector) StageCompleted(context.Context, string, time.Duration)           {}
func (*NoopMetricsCollector) StageError(context.Context, string, error)                       {}
func (*NoopMetricsCollector) RetryAttempt(context.Context, string, int, error)                {}
func (*NoopMetricsCollector) BufferBatchProcessed(context.Context, int, time.Duration)        {}
func (*NoopMetricsCollector) TaskCompleted(context.Context, string, time.Duration, error)     {}
func (*NoopMetricsCollector) PipelineStarted(context.Context, string)                         {}
func (*NoopMetricsCollector) PipelineCompleted(context.Context, string, time.Duration, error) {}
func (*NoopMetricsCollector) StageWorkerConcurrency(context.Context, string, int)             {}
func (*NoopMetricsCollector) StageWorkerItemProcessed(context.Context, string, time.Duration) {}
func (*NoopMetricsCollector) StageWorkerItemSkipped(context.Context, string, error)           {}
func (*NoopMetricsCollector) StageWorkerErrorSent(context.Context, string, error)             {}

// DefaultMetricsCollector is used by instrumented stages when no collector is
// configured explicitly.
var DefaultMetricsCollector MetricsCollector = &NoopMetricsCollector{}

// MetricatedStage reports StageStarted, StageCompleted and StageError around
// each Process call of the wrapped stage.
type MetricatedStage[I, O any] struct {
	inner     Stage[I, O]
	name      string
	collector MetricsCollector
}

// MetricatedStageOption configures a MetricatedStage.
type MetricatedStageOption[I, O any] func(*MetricatedStage[I, O])

// WithMetricsCollector sets the collector receiving the stage's measurements.
// A nil collector is ignored.
func WithMetricsCollector[I, O any](collector MetricsCollector) MetricatedStageOption[I, O] {
	return func(m *MetricatedStage[I, O]) {
		if collector != nil {
			m.collector = collector
		}
	}
}

// WithMetricsStageName sets the stage name used in reported measurements.
func WithMetricsStageName[I, O any](name string) MetricatedStageOption[I, O] {
	return func(m *MetricatedStage[I, O]) {
		if name != "" {
			m.name = name
		}
	}
}

// NewMetricatedStage wraps stage with metrics reporting. Without options the
// measurements are labelled "metricated_stage" and go to the default
// collector. Panics if the stage is nil.
func NewMetricatedStage[I, O any](stage Stage[I, O], opts ...MetricatedStageOption[I, O]) *MetricatedStage[I, O] {
	if stage == nil {
		panic("streamwork.NewMetricatedStage: stage cannot be nil")
	}
	m := &MetricatedStage[I, O]{
		inner:     stage,
		name:      "metricated_stage",
		collector: DefaultMetricsCollector,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Process implements Stage.
func (m *MetricatedStage[I, O]) Process(ctx context.Context, input I) (O, error) {
	if m.collector == nil {
		return m.inner.Process(ctx, input)
	}

	m.collector.StageStarted(ctx, m.name)
	began := time.Now()

	output, err := m.inner.Process(ctx, input)
	if err != nil {
		m.collector.StageError(ctx, m.name, err)
		return output, err
	}
	m.collector.StageCompleted(ctx, m.name, time.Since(began))
	return output, err
}

// MetricatedStreamStage reports metrics around a StreamStage. The whole
// stream run counts as one stage execution: StageStarted when the stream
// opens, StageCompleted or StageError when it drains.
type MetricatedStreamStage[I, O any] struct {
	inner     StreamStage[I, O]
	name      string
	collector MetricsCollector
}

// MetricatedStreamStageOption configures a MetricatedStreamStage.
type MetricatedStreamStageOption[I, O any] func(*MetricatedStreamStage[I, O])

// WithMetricsStreamStageName sets the stage name used in reported
// measurements.
func WithMetricsStreamStageName[I, O any](name string) MetricatedStreamStageOption[I, O] {
	return func(m *MetricatedStreamStage[I, O]) {
		if name != "" {
			m.name = name
		}
	}
}

// WithMetricsStreamCollector sets the collector receiving the stream stage's
// measurements. A nil collector is ignored.
func WithMetricsStreamCollector[I, O any](collector MetricsCollector) MetricatedStreamStageOption[I, O] {
	return func(m *MetricatedStreamStage[I, O]) {
		if collector != nil {
			m.collector = collector
		}
	}
}

// NewMetricatedStreamStage wraps a stream stage with metrics reporting.
// Panics if the stage is nil.
func NewMetricatedStreamStage[I, O any](stage StreamStage[I, O], opts ...MetricatedStreamStageOption[I, O]) StreamStage[I, O] {
	if stage == nil {
		panic("streamwork.NewMetricatedStreamStage: stage cannot be nil")
	}
	m := &MetricatedStreamStage[I, O]{
		inner:     stage,
		name:      "metricated_stream_stage",
		collector: DefaultMetricsCollector,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// ProcessStream implements StreamStage.
func (m *MetricatedStreamStage[I, O]) ProcessStream(ctx context.Context, in <-chan I, out chan<- O) error {
	if m.collector == nil {
		return m.inner.ProcessStream(ctx, in, out)
	}

	m.collector.StageStarted(ctx, m.name)
	began := time.Now()

	err := m.inner.ProcessStream(ctx, in, out)
	if err != nil {
		m.collector.StageError(ctx, m.name, err)
		return err
	}
	m.collector.StageCompleted(ctx, m.name, time.Since(began))
	return err
}
