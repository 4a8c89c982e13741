package streamwork_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	streamwork "github.com/aquiline/go-streamwork"
)

// TestObservabilityFactoryTracerProvider verifies backend selection and the
// endpoint requirements of the tracer provider factory.
func TestObservabilityFactoryTracerProvider(t *testing.T) {
	factory := streamwork.NewObservabilityFactory()

	tests := []struct {
		name    string
		config  streamwork.PipelineTracingConfig
		wantErr string
	}{
		{
			name:   "disabled returns noop",
			config: streamwork.PipelineTracingConfig{Enabled: false, Type: streamwork.TracingTypeZipkin},
		},
		{
			name:   "noop type",
			config: streamwork.PipelineTracingConfig{Enabled: true, Type: streamwork.TracingTypeNoop},
		},
		{
			name:    "unknown type",
			config:  streamwork.PipelineTracingConfig{Enabled: true, Type: "statsd"},
			wantErr: "unsupported tracing type",
		},
		{
			name:    "zipkin requires endpoint",
			config:  streamwork.PipelineTracingConfig{Enabled: true, Type: streamwork.TracingTypeZipkin},
			wantErr: "zipkin endpoint is required",
		},
		{
			name:    "otlp requires endpoint",
			config:  streamwork.PipelineTracingConfig{Enabled: true, Type: streamwork.TracingTypeOTLP},
			wantErr: "otlp endpoint is required",
		},
		{
			// Jaeger ingestion goes through the OTLP exporter.
			name:    "jaeger requires endpoint",
			config:  streamwork.PipelineTracingConfig{Enabled: true, Type: streamwork.TracingTypeJaeger},
			wantErr: "otlp endpoint is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			provider, err := factory.CreateTracerProvider(tt.config, "test-service")
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.IsType(t, &streamwork.NoopTracerProvider{}, provider)
		})
	}
}

// TestObservabilityFactoryTracerProviderBackends verifies that exporter-backed
// providers can be constructed without a reachable collector. Exporters only
// dial once spans are flushed, so shutting down an idle provider stays local.
func TestObservabilityFactoryTracerProviderBackends(t *testing.T) {
	factory := streamwork.NewObservabilityFactory()
	ctx := context.Background()

	zipkinProvider, err := factory.CreateTracerProvider(streamwork.PipelineTracingConfig{
		Enabled:  true,
		Type:     streamwork.TracingTypeZipkin,
		Endpoint: "http://localhost:9411/api/v2/spans",
	}, "test-service")
	require.NoError(t, err)
	require.IsType(t, &streamwork.ZipkinTracerProvider{}, zipkinProvider)
	assert.NotNil(t, zipkinProvider.Tracer("test"))
	assert.NoError(t, zipkinProvider.(*streamwork.ZipkinTracerProvider).Shutdown(ctx))

	jaegerProvider, err := factory.CreateTracerProvider(streamwork.PipelineTracingConfig{
		Enabled:  true,
		Type:     streamwork.TracingTypeJaeger,
		Endpoint: "localhost:4317",
	}, "test-service")
	require.NoError(t, err)
	require.IsType(t, &streamwork.OTLPTracerProvider{}, jaegerProvider, "jaeger redirects to the OTLP exporter")
	assert.NotNil(t, jaegerProvider.Tracer("test"))
	assert.NoError(t, jaegerProvider.(*streamwork.OTLPTracerProvider).Shutdown(ctx))
}

// TestObservabilityFactoryMetricsCollector verifies backend selection and the
// endpoint requirements of the metrics collector factory.
func TestObservabilityFactoryMetricsCollector(t *testing.T) {
	factory := streamwork.NewObservabilityFactory()

	tests := []struct {
		name    string
		config  streamwork.PipelineMetricsConfig
		wantErr string
	}{
		{
			name:   "disabled returns noop",
			config: streamwork.PipelineMetricsConfig{Enabled: false, Type: streamwork.MetricsTypePrometheus},
		},
		{
			name:   "noop type",
			config: streamwork.PipelineMetricsConfig{Enabled: true, Type: streamwork.MetricsTypeNoop},
		},
		{
			name:    "unknown type",
			config:  streamwork.PipelineMetricsConfig{Enabled: true, Type: "graphite"},
			wantErr: "unsupported metrics type",
		},
		{
			name:    "prometheus requires endpoint",
			config:  streamwork.PipelineMetricsConfig{Enabled: true, Type: streamwork.MetricsTypePrometheus},
			wantErr: "prometheus endpoint is required",
		},
		{
			name:    "influxdb requires endpoint",
			config:  streamwork.PipelineMetricsConfig{Enabled: true, Type: streamwork.MetricsTypeInfluxDB},
			wantErr: "influxdb endpoint is required",
		},
		{
			name:    "mongodb requires endpoint",
			config:  streamwork.PipelineMetricsConfig{Enabled: true, Type: streamwork.MetricsTypeMongoDB},
			wantErr: "mongodb endpoint is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			collector, err := factory.CreateMetricsCollector(tt.config)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.IsType(t, &streamwork.NoopMetricsCollector{}, collector)
		})
	}
}

// TestInfluxDBMetricsCollector verifies that the InfluxDB collector buffers
// points through the non-blocking write API. No server needs to be running
// for the collector methods themselves.
func TestInfluxDBMetricsCollector(t *testing.T) {
	factory := streamwork.NewObservabilityFactory()
	collector, err := factory.CreateMetricsCollector(streamwork.PipelineMetricsConfig{
		Enabled:  true,
		Type:     streamwork.MetricsTypeInfluxDB,
		Endpoint: "http://localhost:8086",
	})
	require.NoError(t, err)
	influx, ok := collector.(*streamwork.InfluxDBMetricsCollector)
	require.True(t, ok, "expected *InfluxDBMetricsCollector, got %T", collector)

	ctx := context.Background()
	collector.PipelineStarted(ctx, "obs")
	collector.StageStarted(ctx, "ingest")
	collector.StageCompleted(ctx, "ingest", 3*time.Millisecond)
	collector.StageError(ctx, "ingest", assert.AnError)
	collector.RetryAttempt(ctx, "ingest", 2, assert.AnError)
	collector.BufferBatchProcessed(ctx, 4, time.Millisecond)
	collector.TaskCompleted(ctx, "load", time.Millisecond, nil)
	collector.StageWorkerConcurrency(ctx, "ingest", 2)
	collector.StageWorkerItemProcessed(ctx, "ingest", time.Millisecond)
	collector.StageWorkerItemSkipped(ctx, "ingest", assert.AnError)
	collector.StageWorkerErrorSent(ctx, "ingest", assert.AnError)
	collector.PipelineCompleted(ctx, "obs", 5*time.Millisecond, nil)

	assert.NoError(t, influx.Close(ctx))
}
