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
	"go.opentelemetry.io/otel/sdk/resource"
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

// Metrics exposes application-level instruments for the allowance core.
type Metrics struct {
	reservations      metric.Int64Counter
	reservationDenied metric.Int64Counter
	reservationSwept  metric.Int64Counter
	ledgerEntries     metric.Int64Counter
	periodTransitions metric.Int64Counter
	sweepDuration     metric.Float64Histogram
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

	res, err := resource.New(context.Background(),
		resource.WithAttributes(
			attribute.String("service.name", cfg.ServiceName),
			attribute.String("deployment.environment", cfg.Environment),
		),
	)
	if err != nil {
		return nil, err
	}

	reader := sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(10*time.Second))
	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(reader),
		sdkmetric.WithResource(res),
	)
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
		name = "metering"
	}
	meter := provider.Meter(name)

	reservations, err := meter.Int64Counter("metering_reservations_total")
	if err != nil {
		return nil, err
	}
	reservationDenied, err := meter.Int64Counter("metering_reservations_denied_total")
	if err != nil {
		return nil, err
	}
	reservationSwept, err := meter.Int64Counter("metering_reservations_swept_total")
	if err != nil {
		return nil, err
	}
	ledgerEntries, err := meter.Int64Counter("metering_ledger_entries_total")
	if err != nil {
		return nil, err
	}
	periodTransitions, err := meter.Int64Counter("metering_period_transitions_total")
	if err != nil {
		return nil, err
	}
	sweepDuration, err := meter.Float64Histogram("metering_sweep_duration_seconds")
	if err != nil {
		return nil, err
	}

	return &Metrics{
		reservations:      reservations,
		reservationDenied: reservationDenied,
		reservationSwept:  reservationSwept,
		ledgerEntries:     ledgerEntries,
		periodTransitions: periodTransitions,
		sweepDuration:     sweepDuration,
	}, nil
}

func (m *Metrics) RecordReservation(ctx context.Context, kind string) {
	if m == nil {
		return
	}
	m.reservations.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

func (m *Metrics) RecordReservationDenied(ctx context.Context, kind string) {
	if m == nil {
		return
	}
	m.reservationDenied.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

func (m *Metrics) RecordReservationsSwept(ctx context.Context, count int64) {
	if m == nil || count == 0 {
		return
	}
	m.reservationSwept.Add(ctx, count)
}

func (m *Metrics) RecordLedgerEntry(ctx context.Context, operation string) {
	if m == nil {
		return
	}
	m.ledgerEntries.Add(ctx, 1, metric.WithAttributes(attribute.String("operation", operation)))
}

func (m *Metrics) RecordPeriodTransition(ctx context.Context) {
	if m == nil {
		return
	}
	m.periodTransitions.Add(ctx, 1)
}

func (m *Metrics) ObserveSweepDuration(ctx context.Context, job string, d time.Duration) {
	if m == nil {
		return
	}
	m.sweepDuration.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.String("job", job)))
}

func newExporter(protocol, endpoint string) (sdkmetric.Exporter, error) {
	switch strings.ToLower(strings.TrimSpace(protocol)) {
	case "", "grpc":
		return otlpmetricgrpc.New(context.Background(),
			otlpmetricgrpc.WithEndpoint(endpoint),
			otlpmetricgrpc.WithInsecure(),
		)
	case "http":
		return otlpmetrichttp.New(context.Background(),
			otlpmetrichttp.WithEndpoint(endpoint),
			otlpmetrichttp.WithInsecure(),
		)
	default:
		return nil, fmt.Errorf("unsupported metrics exporter protocol %q", protocol)
	}
}
