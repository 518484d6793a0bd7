package telemetry

import (
	"context"
	"errors"
	"log/slog"
	"os"

	"go.opentelemetry.io/contrib/detectors/aws/ecs"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"github.com/IliaW/doc-harvester/config"
	"github.com/google/uuid"
)

type MetricsProvider struct {
	ScanMetrics    *ScanMetrics
	ArchiveMetrics *ArchiveMetrics
	KafkaMetrics   *KafkaMetrics
	SQSMetrics     *SQSMetrics
	Close          func()
}

type ScanMetrics struct {
	ScanSuccessCnt    func(count int64)
	ScanFailCnt       func(count int64)
	DocumentsFoundCnt func(count int64)
}

type ArchiveMetrics struct {
	IncludedCnt  func(count int64)
	RejectedCnt  func(count int64)
	FailedCnt    func(count int64)
	CompletedCnt func(count int64)
	AbortedCnt   func(count int64)
}

type KafkaMetrics struct {
	SuccessMsgCnt func(count int64)
	FailMsgCnt    func(count int64)
}

type SQSMetrics struct {
	SuccessMsgCnt       func(count int64)
	FailMsgCnt          func(count int64)
	SentBackToSqsMsgCnt func(count int64)
}

type counterSpec struct {
	name        string
	description string
	unit        string
}

func SetupMetrics(ctx context.Context, cfg *config.Config) *MetricsProvider {
	if !cfg.TelemetrySettings.Enabled {
		return NewNoopMetrics()
	}

	r, err := newResource(cfg)
	if err != nil {
		slog.Error("failed to get resource.", slog.String("err", err.Error()))
		os.Exit(1)
	}
	exporter, err := newMetricExporter(ctx, cfg.TelemetrySettings)
	if err != nil {
		slog.Error("failed to get metric exporter.", slog.String("err", err.Error()))
		os.Exit(1)
	}
	meterProvider := newMeterProvider(exporter, *r)
	otel.SetMeterProvider(meterProvider)
	meter := otel.Meter(cfg.ServiceName)

	counters, err := newCounters(meter, cfg.ServiceName, []counterSpec{
		{"scan.success", "The number of pages scanned successfully", "{pages}"},
		{"scan.fail", "The number of pages that could not be fetched or parsed", "{pages}"},
		{"scan.documents", "The number of documents discovered", "{documents}"},
		{"archive.documents.included", "The number of documents written to archives", "{documents}"},
		{"archive.documents.rejected", "The number of documents dropped by the domain guard", "{documents}"},
		{"archive.documents.failed", "The number of documents that could not be fetched", "{documents}"},
		{"archive.completed", "The number of archives finalized", "{archives}"},
		{"archive.aborted", "The number of archives aborted", "{archives}"},
		{"kafka.send.success", "The number of messages that the kafka successfully processed", "{messages}"},
		{"kafka.send.fail", "The number of messages that the kafka could not process", "{messages}"},
		{"sqs.receive.success", "The number of messages that the sqs worker successfully processed", "{messages}"},
		{"sqs.receive.fail", "The number of messages that the sqs worker could not process", "{messages}"},
		{"sqs.sent.back", "The number of messages that the sqs worker sent back to sqs", "{messages}"},
	})
	if err != nil {
		slog.Error("failed to create telemetry counters.", slog.String("err", err.Error()))
		os.Exit(1)
	}

	add := func(name string) func(int64) {
		c := counters[name]
		return func(count int64) { c.Add(ctx, count) }
	}

	return &MetricsProvider{
		ScanMetrics: &ScanMetrics{
			ScanSuccessCnt:    add("scan.success"),
			ScanFailCnt:       add("scan.fail"),
			DocumentsFoundCnt: add("scan.documents"),
		},
		ArchiveMetrics: &ArchiveMetrics{
			IncludedCnt:  add("archive.documents.included"),
			RejectedCnt:  add("archive.documents.rejected"),
			FailedCnt:    add("archive.documents.failed"),
			CompletedCnt: add("archive.completed"),
			AbortedCnt:   add("archive.aborted"),
		},
		KafkaMetrics: &KafkaMetrics{
			SuccessMsgCnt: add("kafka.send.success"),
			FailMsgCnt:    add("kafka.send.fail"),
		},
		SQSMetrics: &SQSMetrics{
			SuccessMsgCnt:       add("sqs.receive.success"),
			FailMsgCnt:          add("sqs.receive.fail"),
			SentBackToSqsMsgCnt: add("sqs.sent.back"),
		},
		Close: func() {
			if err := meterProvider.Shutdown(ctx); err != nil {
				slog.Error("failed to shutdown metrics provider.", slog.String("err", err.Error()))
			}
		},
	}
}

// NewNoopMetrics is used when telemetry is disabled and by the CLI commands.
func NewNoopMetrics() *MetricsProvider {
	noop := func(int64) {}
	return &MetricsProvider{
		ScanMetrics: &ScanMetrics{
			ScanSuccessCnt:    noop,
			ScanFailCnt:       noop,
			DocumentsFoundCnt: noop,
		},
		ArchiveMetrics: &ArchiveMetrics{
			IncludedCnt:  noop,
			RejectedCnt:  noop,
			FailedCnt:    noop,
			CompletedCnt: noop,
			AbortedCnt:   noop,
		},
		KafkaMetrics: &KafkaMetrics{
			SuccessMsgCnt: noop,
			FailMsgCnt:    noop,
		},
		SQSMetrics: &SQSMetrics{
			SuccessMsgCnt:       noop,
			FailMsgCnt:          noop,
			SentBackToSqsMsgCnt: noop,
		},
		Close: func() {},
	}
}

func newCounters(meter metric.Meter, prefix string, specs []counterSpec) (map[string]metric.Int64Counter, error) {
	counters := make(map[string]metric.Int64Counter, len(specs))
	var errs []error
	for _, s := range specs {
		c, err := meter.Int64Counter(prefix+"."+s.name,
			metric.WithDescription(s.description),
			metric.WithUnit(s.unit))
		if err != nil {
			errs = append(errs, err)
			continue
		}
		counters[s.name] = c
	}
	return counters, errors.Join(errs...)
}

func newResource(cfg *config.Config) (*resource.Resource, error) {
	ecsResourceDetector := ecs.NewResourceDetector()
	ecsResource, err := ecsResourceDetector.Detect(context.Background())
	if err != nil {
		slog.Error("ecs detection failed", slog.String("err", err.Error()))
	}
	mergedResource, err := resource.Merge(ecsResource, resource.Default())
	if err != nil {
		slog.Error("failed to merge resources", slog.String("err", err.Error()))
	}
	keyValue, found := ecsResource.Set().Value("container.id")
	var serviceId string
	if found {
		serviceId = keyValue.AsString()
	} else {
		serviceId = uuid.New().String()
	}
	return resource.Merge(mergedResource,
		resource.NewWithAttributes(semconv.SchemaURL,
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.Version),
			semconv.DeploymentEnvironment(cfg.Env),
			semconv.ServiceInstanceID(serviceId),
		))
}

func newMetricExporter(ctx context.Context, cfg *config.TelemetryConfig) (sdkmetric.Exporter, error) {
	return otlpmetrichttp.New(ctx,
		otlpmetrichttp.WithEndpoint(cfg.CollectorUrl),
		otlpmetrichttp.WithInsecure())
}

func newMeterProvider(meterExporter sdkmetric.Exporter, resource resource.Resource) *sdkmetric.MeterProvider {
	meterProvider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(meterExporter)),
		sdkmetric.WithResource(&resource),
	)
	return meterProvider
}
