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

// Metrics exposes domain-level instruments.
type Metrics struct {
	reservations     metric.Int64Counter
	creditsCharged   metric.Int64Counter
	cacheLookups     metric.Int64Counter
	queueTransitions metric.Int64Counter
	producerSubmits  metric.Int64Counter
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

	if log != nil {
		log.Info("metrics initialized",
			zap.String("endpoint", cfg.ExporterEndpoint),
			zap.String("protocol", cfg.ExporterProtocol),
		)
	}

	return provider, nil
}

// New configures the domain metrics instruments.
func New(cfg Config, provider metric.MeterProvider) (*Metrics, error) {
	name := strings.TrimSpace(cfg.ServiceName)
	if name == "" {
		name = "creditcore"
	}
	meter := provider.Meter(name)

	reservations, err := meter.Int64Counter("creditcore_reservations_total")
	if err != nil {
		return nil, err
	}
	creditsCharged, err := meter.Int64Counter("creditcore_credits_charged_total")
	if err != nil {
		return nil, err
	}
	cacheLookups, err := meter.Int64Counter("creditcore_cache_lookups_total")
	if err != nil {
		return nil, err
	}
	queueTransitions, err := meter.Int64Counter("creditcore_queue_transitions_total")
	if err != nil {
		return nil, err
	}
	producerSubmits, err := meter.Int64Counter("creditcore_producer_submissions_total")
	if err != nil {
		return nil, err
	}
	rateLimitDenied, err := meter.Int64Counter("creditcore_rate_limit_denied_total")
	if err != nil {
		return nil, err
	}

	return &Metrics{
		reservations:     reservations,
		creditsCharged:   creditsCharged,
		cacheLookups:     cacheLookups,
		queueTransitions: queueTransitions,
		producerSubmits:  producerSubmits,
		rateLimitDenied:  rateLimitDenied,
	}, nil
}

// RecordReservation counts reservation attempts by outcome (reserved, reused, denied).
func (m *Metrics) RecordReservation(ctx context.Context, operationKind, outcome string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("operation_kind", strings.TrimSpace(operationKind)),
		attribute.String("outcome", strings.TrimSpace(outcome)),
	)
	m.reservations.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordCharge adds committed credits.
func (m *Metrics) RecordCharge(ctx context.Context, operationKind string, amount int64) {
	if m == nil || amount <= 0 {
		return
	}
	attrs := FilterAttributes(attribute.String("operation_kind", strings.TrimSpace(operationKind)))
	m.creditsCharged.Add(ctx, amount, metric.WithAttributes(attrs...))
}

// RecordCacheLookup counts cache lookups by result (hit, miss).
func (m *Metrics) RecordCacheLookup(ctx context.Context, scope, result string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("scope", strings.TrimSpace(scope)),
		attribute.String("result", strings.TrimSpace(result)),
	)
	m.cacheLookups.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordQueueTransition counts request status transitions.
func (m *Metrics) RecordQueueTransition(ctx context.Context, from, to string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("from", strings.TrimSpace(from)),
		attribute.String("to", strings.TrimSpace(to)),
	)
	m.queueTransitions.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordProducerSubmit counts batches handed to the producer.
func (m *Metrics) RecordProducerSubmit(ctx context.Context, kind, outcome string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("kind", strings.TrimSpace(kind)),
		attribute.String("outcome", strings.TrimSpace(outcome)),
	)
	m.producerSubmits.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordRateLimitDenied counts throttled submissions.
func (m *Metrics) RecordRateLimitDenied(ctx context.Context, orgID string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("org_id", strings.TrimSpace(orgID)))
	m.rateLimitDenied.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func newExporter(protocol, endpoint string) (sdkmetric.Exporter, error) {
	protocol = strings.ToLower(strings.TrimSpace(protocol))
	switch protocol {
	case "http", "http/protobuf":
		opts := []otlpmetrichttp.Option{otlpmetrichttp.WithInsecure()}
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
	"org_id":         {},
	"operation_kind": {},
	"outcome":        {},
	"scope":          {},
	"result":         {},
	"from":           {},
	"to":             {},
	"kind":           {},
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
