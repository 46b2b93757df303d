package stream

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "duragraph-studio/stream"

// Metrics records subscription activity. A nil *Metrics records nothing.
type Metrics struct {
	events     metric.Int64Counter
	malformed  metric.Int64Counter
	reconnects metric.Int64Counter
	failures   metric.Int64Counter
	active     metric.Int64UpDownCounter
}

// NewMetrics registers the stream instruments on meter. A nil meter uses the
// global meter provider.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	if meter == nil {
		meter = otel.Meter(meterName)
	}
	var (
		m   Metrics
		err error
	)
	if m.events, err = meter.Int64Counter("studio.stream.events",
		metric.WithDescription("Run events appended to subscription logs")); err != nil {
		return nil, err
	}
	if m.malformed, err = meter.Int64Counter("studio.stream.malformed_frames",
		metric.WithDescription("Frames dropped because they did not decode")); err != nil {
		return nil, err
	}
	if m.reconnects, err = meter.Int64Counter("studio.stream.reconnects",
		metric.WithDescription("Reconnect attempts scheduled")); err != nil {
		return nil, err
	}
	if m.failures, err = meter.Int64Counter("studio.stream.terminal_failures",
		metric.WithDescription("Subscriptions that exhausted their reconnect budget")); err != nil {
		return nil, err
	}
	if m.active, err = meter.Int64UpDownCounter("studio.stream.active_subscriptions",
		metric.WithDescription("Subscriptions currently registered")); err != nil {
		return nil, err
	}
	return &m, nil
}

func (m *Metrics) event(namespace string) {
	if m == nil {
		return
	}
	m.events.Add(context.Background(), 1, metric.WithAttributes(attribute.String("namespace", namespace)))
}

func (m *Metrics) malformedFrame() {
	if m == nil {
		return
	}
	m.malformed.Add(context.Background(), 1)
}

func (m *Metrics) reconnect() {
	if m == nil {
		return
	}
	m.reconnects.Add(context.Background(), 1)
}

func (m *Metrics) terminalFailure() {
	if m == nil {
		return
	}
	m.failures.Add(context.Background(), 1)
}

func (m *Metrics) subscriptionDelta(n int64) {
	if m == nil {
		return
	}
	m.active.Add(context.Background(), n)
}
