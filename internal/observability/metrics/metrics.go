package metrics

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Config configures the metrics provider.
type Config struct {
	Enabled          bool
	ExporterEndpoint string
	ExporterProtocol string
	ServiceName      string
	Environment      string
}

// Metrics exposes application-level instruments.
type Metrics struct {
	creditOps        metric.Int64Counter
	webhookEvents    metric.Int64Counter
	jobItems         metric.Int64Counter
	providerCalls    metric.Int64Counter
	limiterThrottles metric.Int64Counter
	rateLimitDenied  metric.Int64Counter
}

// NewProvider configures and registers the meter provider.
func NewProvider(lc fx.Lifecycle, cfg Config, log *zap.Logger) (metric.MeterProvider, error) {
	if !cfg.Enabled {
		provider := noop.NewMeterProvider()
		otel.SetMeterProvider(provider)
		return provider, nil
	}

	exporter, err := newExporter(cfg.ExporterProtocol, cfg.ExporterEndpoint)
	if err != nil {
		return nil, err
	}

	reader := sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(10*time.Second))
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	otel.SetMeterProvider(provider)

	if lc != nil {
		lc.Append(fx.Hook{
			OnStop: func(ctx context.Context) error {
				if log != nil {
					log.Info("shutting down meter provider")
				}
				return provider.Shutdown(ctx)
			},
		})
	}

	return provider, nil
}

// New configures the domain metrics instruments.
func New(cfg Config, provider metric.MeterProvider) (*Metrics, error) {
	name := strings.TrimSpace(cfg.ServiceName)
	if name == "" {
		name = "creditgate"
	}
	meter := provider.Meter(name)

	creditOps, err := meter.Int64Counter("creditgate_credit_operations_total")
	if err != nil {
		return nil, err
	}
	webhookEvents, err := meter.Int64Counter("creditgate_webhook_events_total")
	if err != nil {
		return nil, err
	}
	jobItems, err := meter.Int64Counter("creditgate_job_items_total")
	if err != nil {
		return nil, err
	}
	providerCalls, err := meter.Int64Counter("creditgate_provider_calls_total")
	if err != nil {
		return nil, err
	}
	limiterThrottles, err := meter.Int64Counter("creditgate_provider_throttles_total")
	if err != nil {
		return nil, err
	}
	rateLimitDenied, err := meter.Int64Counter("creditgate_rate_limit_denied_total")
	if err != nil {
		return nil, err
	}

	return &Metrics{
		creditOps:        creditOps,
		webhookEvents:    webhookEvents,
		jobItems:         jobItems,
		providerCalls:    providerCalls,
		limiterThrottles: limiterThrottles,
		rateLimitDenied:  rateLimitDenied,
	}, nil
}

// RecordCreditOp increments ledger operation counts by kind.
func (m *Metrics) RecordCreditOp(ctx context.Context, kind string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("kind", strings.TrimSpace(kind)))
	m.creditOps.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordWebhookEvent increments payment notification counts by outcome.
func (m *Metrics) RecordWebhookEvent(ctx context.Context, outcome string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("outcome", strings.TrimSpace(outcome)))
	m.webhookEvents.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordJobItem increments processed item counts by terminal outcome.
func (m *Metrics) RecordJobItem(ctx context.Context, outcome string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("outcome", strings.TrimSpace(outcome)))
	m.jobItems.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordProviderCall increments external provider call counts.
func (m *Metrics) RecordProviderCall(ctx context.Context, op, result string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("op", strings.TrimSpace(op)),
		attribute.String("result", strings.TrimSpace(result)),
	)
	m.providerCalls.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordThrottle increments provider throttle signal counts by reason.
func (m *Metrics) RecordThrottle(ctx context.Context, reason string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("reason", strings.TrimSpace(reason)))
	m.limiterThrottles.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordRateLimitDenied increments ingest limiter deny counts.
func (m *Metrics) RecordRateLimitDenied(ctx context.Context, endpoint string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("endpoint", strings.TrimSpace(endpoint)))
	m.rateLimitDenied.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func newExporter(protocol, endpoint string) (sdkmetric.Exporter, error) {
	protocol = strings.ToLower(strings.TrimSpace(protocol))
	switch protocol {
	case "http", "http/protobuf":
		opts := []otlpmetrichttp.Option{}
		if endpoint != "" {
			opts = append(opts, otlpmetrichttp.WithEndpoint(endpoint))
		}
		return otlpmetrichttp.New(context.Background(), opts...)
	case "grpc", "grpc/protobuf", "":
		opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithInsecure()}
		if endpoint != "" {
			opts = append(opts, otlpmetricgrpc.WithEndpoint(endpoint))
		}
		return otlpmetricgrpc.New(context.Background(), opts...)
	default:
		return nil, fmt.Errorf("unsupported OTLP protocol %q", protocol)
	}
}

var allowedLabelKeys = map[attribute.Key]struct{}{
	"kind":     {},
	"outcome":  {},
	"op":       {},
	"result":   {},
	"reason":   {},
	"endpoint": {},
}

// FilterAttributes strips disallowed labels to keep metrics low-cardinality.
func FilterAttributes(attrs ...attribute.KeyValue) []attribute.KeyValue {
	filtered := make([]attribute.KeyValue, 0, len(attrs))
	for _, attr := range attrs {
		if _, ok := allowedLabelKeys[attr.Key]; !ok {
			continue
		}
		filtered = append(filtered, attr)
	}
	return filtered
}
