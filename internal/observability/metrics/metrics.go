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

// Metrics exposes application-level instruments. All recording is
// fire-and-forget and never sits on the finalize hot path.
type Metrics struct {
	reservations    metric.Int64Counter
	finalizeStates  metric.Int64Counter
	finalizeLatency metric.Float64Histogram
	driftMicro      metric.Int64Gauge
	breakerTrips    metric.Int64Counter
	breakerState    metric.Int64Gauge
	lotsExpired     metric.Int64Counter
	eventsReplayed  metric.Int64Counter
	jobRuns         metric.Int64Counter
	jobErrors       metric.Int64Counter
	jobDuration     metric.Float64Histogram
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
		name = "ledgerguard"
	}
	meter := provider.Meter(name)

	reservations, err := meter.Int64Counter("ledgerguard_reservations_total")
	if err != nil {
		return nil, err
	}
	finalizeStates, err := meter.Int64Counter("ledgerguard_finalize_total")
	if err != nil {
		return nil, err
	}
	finalizeLatency, err := meter.Float64Histogram("ledgerguard_finalize_duration_seconds")
	if err != nil {
		return nil, err
	}
	driftMicro, err := meter.Int64Gauge("ledgerguard_conservation_drift_micro")
	if err != nil {
		return nil, err
	}
	breakerTrips, err := meter.Int64Counter("ledgerguard_breaker_trips_total")
	if err != nil {
		return nil, err
	}
	breakerState, err := meter.Int64Gauge("ledgerguard_breaker_open")
	if err != nil {
		return nil, err
	}
	lotsExpired, err := meter.Int64Counter("ledgerguard_lots_expired_total")
	if err != nil {
		return nil, err
	}
	eventsReplayed, err := meter.Int64Counter("ledgerguard_events_replayed_total")
	if err != nil {
		return nil, err
	}
	jobRuns, err := meter.Int64Counter("ledgerguard_scheduler_job_runs_total")
	if err != nil {
		return nil, err
	}
	jobErrors, err := meter.Int64Counter("ledgerguard_scheduler_job_errors_total")
	if err != nil {
		return nil, err
	}
	jobDuration, err := meter.Float64Histogram("ledgerguard_scheduler_job_duration_seconds")
	if err != nil {
		return nil, err
	}

	return &Metrics{
		reservations:    reservations,
		finalizeStates:  finalizeStates,
		finalizeLatency: finalizeLatency,
		driftMicro:      driftMicro,
		breakerTrips:    breakerTrips,
		breakerState:    breakerState,
		lotsExpired:     lotsExpired,
		eventsReplayed:  eventsReplayed,
		jobRuns:         jobRuns,
		jobErrors:       jobErrors,
		jobDuration:     jobDuration,
	}, nil
}

func (m *Metrics) RecordReservation(ctx context.Context, outcome string) {
	if m == nil {
		return
	}
	m.reservations.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

func (m *Metrics) RecordFinalize(ctx context.Context, state string, elapsed time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("state", state))
	m.finalizeStates.Add(ctx, 1, attrs)
	m.finalizeLatency.Record(ctx, elapsed.Seconds(), attrs)
}

func (m *Metrics) RecordDrift(ctx context.Context, account string, driftMicro int64) {
	if m == nil {
		return
	}
	m.driftMicro.Record(ctx, driftMicro, metric.WithAttributes(attribute.String("account_id", account)))
}

func (m *Metrics) RecordBreakerTrip(ctx context.Context, account string) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("account_id", account))
	m.breakerTrips.Add(ctx, 1, attrs)
	m.breakerState.Record(ctx, 1, attrs)
}

func (m *Metrics) RecordBreakerClear(ctx context.Context, account string) {
	if m == nil {
		return
	}
	m.breakerState.Record(ctx, 0, metric.WithAttributes(attribute.String("account_id", account)))
}

func (m *Metrics) RecordLotExpired(ctx context.Context) {
	if m == nil {
		return
	}
	m.lotsExpired.Add(ctx, 1)
}

func (m *Metrics) RecordEventsReplayed(ctx context.Context, count int) {
	if m == nil || count <= 0 {
		return
	}
	m.eventsReplayed.Add(ctx, int64(count))
}

func (m *Metrics) RecordJobRun(ctx context.Context, job string, elapsed time.Duration, failed bool) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("job", job))
	m.jobRuns.Add(ctx, 1, attrs)
	m.jobDuration.Record(ctx, elapsed.Seconds(), attrs)
	if failed {
		m.jobErrors.Add(ctx, 1, attrs)
	}
}

func newExporter(protocol, endpoint string) (sdkmetric.Exporter, error) {
	ctx := context.Background()
	switch strings.ToLower(strings.TrimSpace(protocol)) {
	case "http", "http/protobuf":
		return otlpmetrichttp.New(ctx,
			otlpmetrichttp.WithEndpoint(endpoint),
			otlpmetrichttp.WithInsecure(),
		)
	case "", "grpc":
		return otlpmetricgrpc.New(ctx,
			otlpmetricgrpc.WithEndpoint(endpoint),
			otlpmetricgrpc.WithInsecure(),
		)
	default:
		return nil, fmt.Errorf("unsupported otlp metrics protocol %q", protocol)
	}
}
