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
	reconciled    metric.Int64Counter
	reconcileErrs metric.Int64Counter
	verifications metric.Int64Counter
	lockContended metric.Int64Counter
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
				log.Info("shutting down meter provider")
				return provider.Shutdown(ctx)
			},
		})
	}

	log.Info("metrics initialized",
		zap.String("endpoint", cfg.ExporterEndpoint),
		zap.String("protocol", cfg.ExporterProtocol),
	)

	return provider, nil
}

// New configures the domain metrics instruments.
func New(cfg Config, provider metric.MeterProvider) (*Metrics, error) {
	name := strings.TrimSpace(cfg.ServiceName)
	if name == "" {
		name = "iapsync"
	}
	meter := provider.Meter(name)

	reconciled, err := meter.Int64Counter("iapsync_reconcile_total",
		metric.WithDescription("Reconciled App Store events by notification type and action."))
	if err != nil {
		return nil, err
	}
	reconcileErrs, err := meter.Int64Counter("iapsync_reconcile_errors_total",
		metric.WithDescription("Reconcile failures by notification type and reason."))
	if err != nil {
		return nil, err
	}
	verifications, err := meter.Int64Counter("iapsync_verification_total",
		metric.WithDescription("verifyReceipt calls by environment and outcome."))
	if err != nil {
		return nil, err
	}
	lockContended, err := meter.Int64Counter("iapsync_lineage_lock_contended_total")
	if err != nil {
		return nil, err
	}

	return &Metrics{
		reconciled:    reconciled,
		reconcileErrs: reconcileErrs,
		verifications: verifications,
		lockContended: lockContended,
	}, nil
}

// RecordReconciled counts a committed (or duplicate) reconciliation.
func (m *Metrics) RecordReconciled(ctx context.Context, notificationType, action string, duplicate bool) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("notification_type", strings.TrimSpace(notificationType)),
		attribute.String("action", strings.TrimSpace(action)),
		attribute.Bool("duplicate", duplicate),
	)
	m.reconciled.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func (m *Metrics) RecordReconcileError(ctx context.Context, notificationType, reason string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("notification_type", strings.TrimSpace(notificationType)),
		attribute.String("reason", strings.TrimSpace(reason)),
	)
	m.reconcileErrs.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func (m *Metrics) RecordVerification(ctx context.Context, environment, outcome string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("environment", strings.TrimSpace(environment)),
		attribute.String("outcome", strings.TrimSpace(outcome)),
	)
	m.verifications.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func (m *Metrics) RecordLockContended(ctx context.Context) {
	if m == nil {
		return
	}
	m.lockContended.Add(ctx, 1)
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

// Transaction ids and user ids must never become labels.
var allowedLabelKeys = map[attribute.Key]struct{}{
	"notification_type": {},
	"action":            {},
	"duplicate":         {},
	"reason":            {},
	"environment":       {},
	"outcome":           {},
	"route":             {},
	"status_code":       {},
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
