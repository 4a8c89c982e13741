package streamwork

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/zipkin"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	otelTrace "go.opentelemetry.io/otel/trace"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// ObservabilityFactory builds tracer providers and metrics collectors from
// pipeline document configuration.
type ObservabilityFactory struct{}

// NewObservabilityFactory creates a new factory for observability components.
func NewObservabilityFactory() *ObservabilityFactory {
	return &ObservabilityFactory{}
}

// CreateTracerProvider builds the TracerProvider the tracing configuration
// asks for. Disabled tracing yields the no-op provider.
func (f *ObservabilityFactory) CreateTracerProvider(
	config PipelineTracingConfig,
	serviceName string,
) (TracerProvider, error) {
	if !config.Enabled {
		return &NoopTracerProvider{}, nil
	}

	switch config.Type {
	case TracingTypeNoop:
		return &NoopTracerProvider{}, nil
	case TracingTypeZipkin:
		if config.Endpoint == "" {
			return nil, errors.New("zipkin endpoint is required")
		}
		return newZipkinProvider(config.Endpoint, serviceName)
	case TracingTypeJaeger, TracingTypeOTLP:
		// Modern Jaeger ingests OTLP natively and the dedicated exporter
		// is retired upstream, so both types share the gRPC exporter.
		if config.Endpoint == "" {
			return nil, errors.New("otlp endpoint is required")
		}
		return newOTLPProvider(config.Endpoint, serviceName)
	default:
		return nil, fmt.Errorf("unsupported tracing type: %s", config.Type)
	}
}

// CreateMetricsCollector builds the MetricsCollector the metrics
// configuration asks for. Disabled metrics yield the no-op collector.
func (f *ObservabilityFactory) CreateMetricsCollector(config PipelineMetricsConfig) (MetricsCollector, error) {
	if !config.Enabled {
		return &NoopMetricsCollector{}, nil
	}

	switch config.Type {
	case MetricsTypeNoop:
		return &NoopMetricsCollector{}, nil
	case MetricsTypePrometheus:
		if config.Endpoint == "" {
			return nil, errors.New("prometheus endpoint is required")
		}
		return newPrometheusCollector(config.Endpoint), nil
	case MetricsTypeMongoDB:
		if config.Endpoint == "" {
			return nil, errors.New("mongodb endpoint is required")
		}
		return newMongoCollector(config.Endpoint)
	case MetricsTypeInfluxDB:
		if config.Endpoint == "" {
			return nil, errors.New("influxdb endpoint is required")
		}
		return newInfluxCollector(config.Endpoint), nil
	default:
		return nil, fmt.Errorf("unsupported metrics type: %s", config.Type)
	}
}

func newOTLPProvider(endpoint, serviceName string) (*OTLPTracerProvider, error) {
	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(endpoint), otlptracegrpc.WithInsecure()}
	exporter, err := otlptracegrpc.New(context.Background(), opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP exporter: %w", err)
	}

	sdk, err := buildSDKProvider(exporter, serviceName)
	if err != nil {
		return nil, err
	}
	return &OTLPTracerProvider{sdk: sdk}, nil
}

func newZipkinProvider(endpoint, serviceName string) (*ZipkinTracerProvider, error) {
	exporter, err := zipkin.New(endpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to create Zipkin exporter: %w", err)
	}

	sdk, err := buildSDKProvider(exporter, serviceName)
	if err != nil {
		return nil, err
	}
	return &ZipkinTracerProvider{sdk: sdk}, nil
}

// buildSDKProvider assembles an SDK tracer provider around the exporter with
// the service identity every backend expects.
func buildSDKProvider(exporter trace.SpanExporter, serviceName string) (*trace.TracerProvider, error) {
	res, err := resource.New(
		context.Background(),
		resource.WithAttributes(
			semconv.ServiceNameKey.String(serviceName),
			semconv.ServiceVersionKey.String(EngineVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	return trace.NewTracerProvider(trace.WithBatcher(exporter), trace.WithResource(res)), nil
}

// metricStatus maps an operation outcome onto a label value.
func metricStatus(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// OTLPTracerProvider wraps the SDK provider behind an OTLP gRPC exporter.
type OTLPTracerProvider struct {
	sdk *trace.TracerProvider
}

var _ TracerProvider = (*OTLPTracerProvider)(nil)

// Tracer returns a tracer from the underlying provider.
func (o *OTLPTracerProvider) Tracer(name string, options ...otelTrace.TracerOption) otelTrace.Tracer {
	return o.sdk.Tracer(name, options...)
}

// Shutdown flushes pending spans and stops the exporter.
func (o *OTLPTracerProvider) Shutdown(ctx context.Context) error {
	return o.sdk.Shutdown(ctx)
}

// ZipkinTracerProvider wraps the SDK provider behind a Zipkin exporter.
type ZipkinTracerProvider struct {
	sdk *trace.TracerProvider
}

var _ TracerProvider = (*ZipkinTracerProvider)(nil)

// Tracer returns a tracer from the underlying provider.
func (z *ZipkinTracerProvider) Tracer(name string, options ...otelTrace.TracerOption) otelTrace.Tracer {
	return z.sdk.Tracer(name, options...)
}

// Shutdown flushes pending spans and stops the exporter.
func (z *ZipkinTracerProvider) Shutdown(ctx context.Context) error {
	return z.sdk.Shutdown(ctx)
}

// LoggingMetricsCollector writes every metric event as a log line. It is
// meant for development and tests, and doubles as format documentation for
// the real backends.
type LoggingMetricsCollector struct {
	logger *log.Logger
}

var _ MetricsCollector = (*LoggingMetricsCollector)(nil)

// NewLoggingMetricsCollector creates a collector that writes every metric
// event to the provided logger. A nil logger uses the standard library
// default.
func NewLoggingMetricsCollector(logger *log.Logger) *LoggingMetricsCollector {
	if logger == nil {
		logger = log.Default()
	}
	return &LoggingMetricsCollector{logger: logger}
}

func (c *LoggingMetricsCollector) StageStarted(_ context.Context, stageName string) {
	c.logger.Printf("METRICS: Stage '%s' started", stageName)
}

func (c *LoggingMetricsCollector) StageCompleted(_ context.Context, stageName string, duration time.Duration) {
	c.logger.Printf("METRICS: Stage '%s' completed in %v", stageName, duration)
}

func (c *LoggingMetricsCollector) StageError(_ context.Context, stageName string, err error) {
	c.logger.Printf("METRICS: Stage '%s' error: %v", stageName, err)
}

func (c *LoggingMetricsCollector) RetryAttempt(_ context.Context, stageName string, attempt int, err error) {
	c.logger.Printf("METRICS: Stage '%s' retry attempt %d after error: %v", stageName, attempt, err)
}

func (c *LoggingMetricsCollector) BufferBatchProcessed(_ context.Context, batchSize int, duration time.Duration) {
	c.logger.Printf("METRICS: Batch of %d items processed in %v", batchSize, duration)
}

func (c *LoggingMetricsCollector) TaskCompleted(_ context.Context, taskType string, duration time.Duration, err error) {
	if err != nil {
		c.logger.Printf("METRICS: Task '%s' failed after %v: %v", taskType, duration, err)
		return
	}
	c.logger.Printf("METRICS: Task '%s' completed in %v", taskType, duration)
}

func (c *LoggingMetricsCollector) PipelineStarted(_ context.Context, pipelineName string) {
	c.logger.Printf("METRICS: Pipeline '%s' started", pipelineName)
}

func (c *LoggingMetricsCollector) PipelineCompleted(_ context.Context, pipelineName string, duration time.Duration, err error) {
	if err != nil {
		c.logger.Printf("METRICS: Pipeline '%s' failed after %v: %v", pipelineName, duration, err)
		return
	}
	c.logger.Printf("METRICS: Pipeline '%s' completed in %v", pipelineName, duration)
}

func (c *LoggingMetricsCollector) StageWorkerConcurrency(_ context.Context, stageName string, concurrencyLevel int) {
	c.logger.Printf("METRICS: Stage '%s' running with concurrency %d", stageName, concurrencyLevel)
}

func (c *LoggingMetricsCollector) StageWorkerItemProcessed(_ context.Context, stageName string, duration time.Duration) {
	c.logger.Printf("METRICS: Stage '%s' processed item in %v", stageName, duration)
}

func (c *LoggingMetricsCollector) StageWorkerItemSkipped(_ context.Context, stageName string, err error) {
	c.logger.Printf("METRICS: Stage '%s' skipped item: %v", stageName, err)
}

func (c *LoggingMetricsCollector) StageWorkerErrorSent(_ context.Context, stageName string, err error) {
	c.logger.Printf("METRICS: Stage '%s' sent error downstream: %v", stageName, err)
}

// PrometheusMetricsCollector maps the MetricsCollector callbacks onto
// Prometheus series. Every series is registered at construction in
// newPrometheusCollector; callbacks only update the stored vectors, so no
// registration can race or collide later.
type PrometheusMetricsCollector struct {
	endpoint string
	registry *prometheus.Registry

	stageStarted      *prometheus.CounterVec
	stageDuration     *prometheus.HistogramVec
	stageErrors       *prometheus.CounterVec
	retryAttempts     *prometheus.CounterVec
	retryCurrent      *prometheus.GaugeVec
	batchSize         prometheus.Gauge
	batchDuration     prometheus.Histogram
	taskDuration      *prometheus.HistogramVec
	pipelineStarted   *prometheus.CounterVec
	pipelineDuration  *prometheus.HistogramVec
	stageConcurrency  *prometheus.GaugeVec
	stageItemDuration *prometheus.HistogramVec
	stageItemsSkipped *prometheus.CounterVec
	stageErrorsSent   *prometheus.CounterVec
}

var _ MetricsCollector = (*PrometheusMetricsCollector)(nil)

func newPrometheusCollector(endpoint string) *PrometheusMetricsCollector {
	reg := prometheus.NewRegistry()
	auto := promauto.With(reg)

	return &PrometheusMetricsCollector{
		endpoint: endpoint,
		registry: reg,
		stageStarted: auto.NewCounterVec(prometheus.CounterOpts{
			Name: "streamwork_stage_started_total",
			Help: "Stage executions started",
		}, []string{"stage"}),
		stageDuration: auto.NewHistogramVec(prometheus.HistogramOpts{
			Name: "streamwork_stage_duration_seconds",
			Help: "Stage execution time in seconds",
		}, []string{"stage"}),
		stageErrors: auto.NewCounterVec(prometheus.CounterOpts{
			Name: "streamwork_stage_errors_total",
			Help: "Stage errors by error type",
		}, []string{"stage", "error_type"}),
		retryAttempts: auto.NewCounterVec(prometheus.CounterOpts{
			Name: "streamwork_retry_attempts_total",
			Help: "Retry attempts by stage and error type",
		}, []string{"stage", "error_type"}),
		retryCurrent: auto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "streamwork_retry_current_attempt",
			Help: "Most recent retry attempt number",
		}, []string{"stage"}),
		batchSize: auto.NewGauge(prometheus.GaugeOpts{
			Name: "streamwork_batch_size",
			Help: "Size of the most recently emitted batch",
		}),
		batchDuration: auto.NewHistogram(prometheus.HistogramOpts{
			Name: "streamwork_batch_duration_seconds",
			Help: "Batch assembly time in seconds",
		}),
		taskDuration: auto.NewHistogramVec(prometheus.HistogramOpts{
			Name: "streamwork_task_duration_seconds",
			Help: "Control message task execution time in seconds",
		}, []string{"task_type", "status"}),
		pipelineStarted: auto.NewCounterVec(prometheus.CounterOpts{
			Name: "streamwork_pipeline_started_total",
			Help: "Pipeline runs started",
		}, []string{"pipeline"}),
		pipelineDuration: auto.NewHistogramVec(prometheus.HistogramOpts{
			Name: "streamwork_pipeline_duration_seconds",
			Help: "Pipeline run time in seconds",
		}, []string{"pipeline", "status"}),
		stageConcurrency: auto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "streamwork_stage_concurrency",
			Help: "Configured stage worker concurrency",
		}, []string{"stage"}),
		stageItemDuration: auto.NewHistogramVec(prometheus.HistogramOpts{
			Name: "streamwork_stage_item_duration_seconds",
			Help: "Per-item processing time in seconds",
		}, []string{"stage"}),
		stageItemsSkipped: auto.NewCounterVec(prometheus.CounterOpts{
			Name: "streamwork_stage_items_skipped_total",
			Help: "Items skipped by stages",
		}, []string{"stage"}),
		stageErrorsSent: auto.NewCounterVec(prometheus.CounterOpts{
			Name: "streamwork_stage_errors_sent_total",
			Help: "Errors diverted to error channels",
		}, []string{"stage"}),
	}
}

func (c *PrometheusMetricsCollector) StageStarted(_ context.Context, stageName string) {
	c.stageStarted.WithLabelValues(stageName).Inc()
}

func (c *PrometheusMetricsCollector) StageCompleted(_ context.Context, stageName string, duration time.Duration) {
	c.stageDuration.WithLabelValues(stageName).Observe(duration.Seconds())
}

func (c *PrometheusMetricsCollector) StageError(_ context.Context, stageName string, err error) {
	c.stageErrors.WithLabelValues(stageName, fmt.Sprintf("%T", err)).Inc()
}

func (c *PrometheusMetricsCollector) RetryAttempt(_ context.Context, stageName string, attempt int, err error) {
	c.retryAttempts.WithLabelValues(stageName, fmt.Sprintf("%T", err)).Inc()
	c.retryCurrent.WithLabelValues(stageName).Set(float64(attempt))
}

func (c *PrometheusMetricsCollector) BufferBatchProcessed(_ context.Context, batchSize int, duration time.Duration) {
	c.batchSize.Set(float64(batchSize))
	c.batchDuration.Observe(duration.Seconds())
}

func (c *PrometheusMetricsCollector) TaskCompleted(_ context.Context, taskType string, duration time.Duration, err error) {
	c.taskDuration.WithLabelValues(taskType, metricStatus(err)).Observe(duration.Seconds())
}

func (c *PrometheusMetricsCollector) PipelineStarted(_ context.Context, pipelineName string) {
	c.pipelineStarted.WithLabelValues(pipelineName).Inc()
}

func (c *PrometheusMetricsCollector) PipelineCompleted(_ context.Context, pipelineName string, duration time.Duration, err error) {
	c.pipelineDuration.WithLabelValues(pipelineName, metricStatus(err)).Observe(duration.Seconds())
}

func (c *PrometheusMetricsCollector) StageWorkerConcurrency(_ context.Context, stageName string, concurrencyLevel int) {
	c.stageConcurrency.WithLabelValues(stageName).Set(float64(concurrencyLevel))
}

func (c *PrometheusMetricsCollector) StageWorkerItemProcessed(_ context.Context, stageName string, duration time.Duration) {
	c.stageItemDuration.WithLabelValues(stageName).Observe(duration.Seconds())
}

func (c *PrometheusMetricsCollector) StageWorkerItemSkipped(_ context.Context, stageName string, _ error) {
	c.stageItemsSkipped.WithLabelValues(stageName).Inc()
}

func (c *PrometheusMetricsCollector) StageWorkerErrorSent(_ context.Context, stageName string, _ error) {
	c.stageErrorsSent.WithLabelValues(stageName).Inc()
}

// GetRegistry returns the Prometheus registry for exposing metrics.
func (c *PrometheusMetricsCollector) GetRegistry() *prometheus.Registry {
	return c.registry
}

// InfluxDBMetricsCollector maps the MetricsCollector callbacks onto InfluxDB
// points written through the client's buffered write API.
type InfluxDBMetricsCollector struct {
	client   influxdb2.Client
	writeAPI api.WriteAPI
	endpoint string
}

var _ MetricsCollector = (*InfluxDBMetricsCollector)(nil)

func newInfluxCollector(endpoint string) *InfluxDBMetricsCollector {
	client := influxdb2.NewClient(endpoint, "")
	return &InfluxDBMetricsCollector{
		client:   client,
		writeAPI: client.WriteAPI("", "streamwork"),
		endpoint: endpoint,
	}
}

func (c *InfluxDBMetricsCollector) write(measurement string, tags map[string]string, fields map[string]any) {
	c.writeAPI.WritePoint(influxdb2.NewPoint(measurement, tags, fields, time.Now()))
}

// Close flushes buffered points and releases the client.
func (c *InfluxDBMetricsCollector) Close(_ context.Context) error {
	c.writeAPI.Flush()
	c.client.Close()
	return nil
}

func (c *InfluxDBMetricsCollector) StageStarted(_ context.Context, stageName string) {
	c.write("streamwork_stage_started", map[string]string{"stage": stageName}, map[string]any{"count": 1})
}

func (c *InfluxDBMetricsCollector) StageCompleted(_ context.Context, stageName string, duration time.Duration) {
	c.write("streamwork_stage_duration", map[string]string{"stage": stageName},
		map[string]any{"duration_seconds": duration.Seconds()})
}

func (c *InfluxDBMetricsCollector) StageError(_ context.Context, stageName string, err error) {
	tags := map[string]string{"stage": stageName, "error_type": fmt.Sprintf("%T", err)}
	c.write("streamwork_stage_errors", tags, map[string]any{"count": 1, "error_message": err.Error()})
}

func (c *InfluxDBMetricsCollector) RetryAttempt(_ context.Context, stageName string, attempt int, err error) {
	tags := map[string]string{"stage": stageName, "error_type": fmt.Sprintf("%T", err)}
	c.write("streamwork_retry_attempts", tags,
		map[string]any{"attempt": attempt, "count": 1, "error_message": err.Error()})
}

func (c *InfluxDBMetricsCollector) BufferBatchProcessed(_ context.Context, batchSize int, duration time.Duration) {
	c.write("streamwork_batch", map[string]string{},
		map[string]any{"batch_size": batchSize, "duration_seconds": duration.Seconds()})
}

func (c *InfluxDBMetricsCollector) TaskCompleted(_ context.Context, taskType string, duration time.Duration, err error) {
	tags := map[string]string{"task_type": taskType, "status": metricStatus(err)}
	c.write("streamwork_tasks", tags, map[string]any{"count": 1, "duration_seconds": duration.Seconds()})
}

func (c *InfluxDBMetricsCollector) PipelineStarted(_ context.Context, pipelineName string) {
	c.write("streamwork_pipeline_started", map[string]string{"pipeline": pipelineName}, map[string]any{"count": 1})
}

func (c *InfluxDBMetricsCollector) PipelineCompleted(_ context.Context, pipelineName string, duration time.Duration, err error) {
	tags := map[string]string{"pipeline": pipelineName, "status": metricStatus(err)}
	c.write("streamwork_pipeline_duration", tags, map[string]any{"duration_seconds": duration.Seconds()})
}

func (c *InfluxDBMetricsCollector) StageWorkerConcurrency(_ context.Context, stageName string, concurrencyLevel int) {
	c.write("streamwork_stage_concurrency", map[string]string{"stage": stageName},
		map[string]any{"concurrency": concurrencyLevel})
}

func (c *InfluxDBMetricsCollector) StageWorkerItemProcessed(_ context.Context, stageName string, duration time.Duration) {
	c.write("streamwork_stage_items", map[string]string{"stage": stageName},
		map[string]any{"count": 1, "duration_seconds": duration.Seconds()})
}

func (c *InfluxDBMetricsCollector) StageWorkerItemSkipped(_ context.Context, stageName string, err error) {
	c.write("streamwork_stage_items_skipped", map[string]string{"stage": stageName},
		map[string]any{"count": 1, "error_message": err.Error()})
}

func (c *InfluxDBMetricsCollector) StageWorkerErrorSent(_ context.Context, stageName string, err error) {
	c.write("streamwork_stage_errors_sent", map[string]string{"stage": stageName},
		map[string]any{"count": 1, "error_message": err.Error()})
}

// MongoDBMetricsCollector maps the MetricsCollector callbacks onto documents
// in a metrics collection, one document per event.
type MongoDBMetricsCollector struct {
	client     *mongo.Client
	database   *mongo.Database
	collection *mongo.Collection
	endpoint   string
}

var _ MetricsCollector = (*MongoDBMetricsCollector)(nil)

func newMongoCollector(endpoint string) (*MongoDBMetricsCollector, error) {
	client, err := mongo.Connect(context.Background(), options.Client().ApplyURI(endpoint))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}
	if err := client.Ping(context.Background(), nil); err != nil {
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}

	db := client.Database("streamwork_metrics")
	return &MongoDBMetricsCollector{
		client:     client,
		database:   db,
		collection: db.Collection("pipeline_metrics"),
		endpoint:   endpoint,
	}, nil
}

func (c *MongoDBMetricsCollector) record(metricType, stageName string, data bson.M) {
	doc := bson.M{
		"timestamp":   time.Now(),
		"metric_type": metricType,
		"stage_name":  stageName,
		"data":        data,
	}
	if _, err := c.collection.InsertOne(context.Background(), doc); err != nil {
		log.Printf("streamwork: mongodb metric insert failed: %v", err)
	}
}

// Close disconnects the MongoDB client.
func (c *MongoDBMetricsCollector) Close(ctx context.Context) error {
	return c.client.Disconnect(ctx)
}

func (c *MongoDBMetricsCollector) StageStarted(_ context.Context, stageName string) {
	c.record("stage_started", stageName, bson.M{"count": 1})
}

func (c *MongoDBMetricsCollector) StageCompleted(_ context.Context, stageName string, duration time.Duration) {
	c.record("stage_completed", stageName, bson.M{"duration_seconds": duration.Seconds()})
}

func (c *MongoDBMetricsCollector) StageError(_ context.Context, stageName string, err error) {
	c.record("stage_error", stageName, bson.M{"error_message": err.Error(), "count": 1})
}

func (c *MongoDBMetricsCollector) RetryAttempt(_ context.Context, stageName string, attempt int, err error) {
	c.record("retry_attempt", stageName, bson.M{"attempt": attempt, "error_message": err.Error()})
}

func (c *MongoDBMetricsCollector) BufferBatchProcessed(_ context.Context, batchSize int, duration time.Duration) {
	c.record("batch_processed", "", bson.M{
		"batch_size":       batchSize,
		"duration_seconds": duration.Seconds(),
	})
}

func (c *MongoDBMetricsCollector) TaskCompleted(_ context.Context, taskType string, duration time.Duration, err error) {
	data := bson.M{
		"task_type":        taskType,
		"status":           metricStatus(err),
		"duration_seconds": duration.Seconds(),
	}
	if err != nil {
		data["error_message"] = err.Error()
	}
	c.record("task_completed", "", data)
}

func (c *MongoDBMetricsCollector) PipelineStarted(_ context.Context, pipelineName string) {
	c.record("pipeline_started", pipelineName, bson.M{"count": 1})
}

func (c *MongoDBMetricsCollector) PipelineCompleted(_ context.Context, pipelineName string, duration time.Duration, err error) {
	data := bson.M{
		"status":           metricStatus(err),
		"duration_seconds": duration.Seconds(),
	}
	if err != nil {
		data["error_message"] = err.Error()
	}
	c.record("pipeline_completed", pipelineName, data)
}

func (c *MongoDBMetricsCollector) StageWorkerConcurrency(_ context.Context, stageName string, concurrencyLevel int) {
	c.record("stage_concurrency", stageName, bson.M{"concurrency": concurrencyLevel})
}

func (c *MongoDBMetricsCollector) StageWorkerItemProcessed(_ context.Context, stageName string, duration time.Duration) {
	c.record("stage_item_processed", stageName, bson.M{"duration_seconds": duration.Seconds()})
}

func (c *MongoDBMetricsCollector) StageWorkerItemSkipped(_ context.Context, stageName string, err error) {
	c.record("stage_item_skipped", stageName, bson.M{"error_message": err.Error()})
}

func (c *MongoDBMetricsCollector) StageWorkerErrorSent(_ context.Context, stageName string, err error) {
	c.record("stage_error_sent", stageName, bson.M{"error_message": err.Error()})
}
