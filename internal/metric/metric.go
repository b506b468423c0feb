// Package metric holds the OpenTelemetry instruments of the battle cluster.
// Instruments are created from the global meter provider, which is a no-op
// unless the embedding program installs one.
package metric

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

const meterName = "github.com/arcadia-eternity/battle-cluster"

// Forward paths and outcomes used as attribute values.
const (
	PathLocal  = "local"
	PathRPC    = "rpc"
	PathPubSub = "pubsub"

	OutcomeOK    = "ok"
	OutcomeError = "error"
)

// ClusterMetric records coordination outcomes. A nil *ClusterMetric is valid
// and records nothing.
type ClusterMetric struct {
	// Specifies the number of forwarded actions by action, path and outcome
	forwardCount metric.Int64Counter
	// Specifies the forwarded action latency in milliseconds
	forwardDuration metric.Float64Histogram
	// Specifies the number of pairs formed per rule set
	matchCount metric.Int64Counter
	// Specifies the number of lock acquisitions that ran out of retries
	lockExhaustedCount metric.Int64Counter
	// Specifies the number of battles hosted locally
	activeBattles metric.Int64ObservableGauge

	registration metric.Registration
}

// New creates the instruments on the global meter provider. activeBattles is
// sampled on every collection; it may be nil.
func New(activeBattles func() int64) (*ClusterMetric, error) {
	return NewWithMeter(otel.GetMeterProvider().Meter(meterName), activeBattles)
}

// Nop returns instruments backed by the no-op provider.
func Nop() *ClusterMetric {
	m, _ := NewWithMeter(noop.NewMeterProvider().Meter(meterName), nil)
	return m
}

func NewWithMeter(meter metric.Meter, activeBattles func() int64) (*ClusterMetric, error) {
	m := new(ClusterMetric)
	var err error
	if m.forwardCount, err = meter.Int64Counter(
		"battlecluster.forward.count",
		metric.WithDescription("Total number of forwarded actions"),
	); err != nil {
		return nil, fmt.Errorf("failed to create forwardCount instrument, %w", err)
	}

	if m.forwardDuration, err = meter.Float64Histogram(
		"battlecluster.forward.duration",
		metric.WithDescription("The latency of forwarded actions in milliseconds"),
		metric.WithUnit("ms"),
	); err != nil {
		return nil, fmt.Errorf("failed to create forwardDuration instrument, %w", err)
	}

	if m.matchCount, err = meter.Int64Counter(
		"battlecluster.match.count",
		metric.WithDescription("Total number of matchmaking pairs formed"),
	); err != nil {
		return nil, fmt.Errorf("failed to create matchCount instrument, %w", err)
	}

	if m.lockExhaustedCount, err = meter.Int64Counter(
		"battlecluster.lock.exhausted.count",
		metric.WithDescription("Total number of lock acquisitions that exhausted their retries"),
	); err != nil {
		return nil, fmt.Errorf("failed to create lockExhaustedCount instrument, %w", err)
	}

	if m.activeBattles, err = meter.Int64ObservableGauge(
		"battlecluster.battles.active",
		metric.WithDescription("Number of battles hosted by this instance"),
	); err != nil {
		return nil, fmt.Errorf("failed to create activeBattles instrument, %w", err)
	}

	if activeBattles != nil {
		if m.registration, err = meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
			o.ObserveInt64(m.activeBattles, activeBattles())
			return nil
		}, m.activeBattles); err != nil {
			return nil, fmt.Errorf("failed to register activeBattles callback, %w", err)
		}
	}

	return m, nil
}

func (m *ClusterMetric) RecordForward(ctx context.Context, action, path, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("action", action),
		attribute.String("path", path),
		attribute.String("outcome", outcome),
	)
	m.forwardCount.Add(ctx, 1, attrs)
	m.forwardDuration.Record(ctx, float64(elapsed.Microseconds())/1000, attrs)
}

func (m *ClusterMetric) RecordMatch(ctx context.Context, ruleSetID string) {
	if m == nil {
		return
	}
	m.matchCount.Add(ctx, 1, metric.WithAttributes(attribute.String("ruleset", ruleSetID)))
}

func (m *ClusterMetric) RecordLockExhausted(ctx context.Context) {
	if m == nil {
		return
	}
	m.lockExhaustedCount.Add(ctx, 1)
}

// Close unregisters the active battles callback.
func (m *ClusterMetric) Close() error {
	if m == nil || m.registration == nil {
		return nil
	}
	return m.registration.Unregister()
}
