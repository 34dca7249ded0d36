package dispatch

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"pkt.systems/pslog"
)

type loopMetrics struct {
	deliveries     metric.Int64Counter
	handlerErrors  metric.Int64Counter
	storeFailures  metric.Int64Counter
	leaseLosses    metric.Int64Counter
	inFlight       metric.Int64UpDownCounter
	handlerSeconds metric.Float64Histogram
	attrs          metric.MeasurementOption
}

func newLoopMetrics(logger pslog.Logger, name string) *loopMetrics {
	meter := otel.Meter("pkt.systems/attractor/dispatch")
	m := &loopMetrics{
		attrs: metric.WithAttributes(attribute.String("attractor.actor", name)),
	}
	var err error
	m.deliveries, err = meter.Int64Counter("attractor.dispatch.deliveries",
		metric.WithDescription("Messages handed to a handler"))
	logMetricInitError(logger, "attractor.dispatch.deliveries", err)
	m.handlerErrors, err = meter.Int64Counter("attractor.dispatch.handler_errors",
		metric.WithDescription("Handler invocations that returned an error or panicked"))
	logMetricInitError(logger, "attractor.dispatch.handler_errors", err)
	m.storeFailures, err = meter.Int64Counter("attractor.dispatch.store_failures",
		metric.WithDescription("Claim attempts that failed because the store was unavailable"))
	logMetricInitError(logger, "attractor.dispatch.store_failures", err)
	m.leaseLosses, err = meter.Int64Counter("attractor.dispatch.lease_losses",
		metric.WithDescription("Address leases lost while running"))
	logMetricInitError(logger, "attractor.dispatch.lease_losses", err)
	m.inFlight, err = meter.Int64UpDownCounter("attractor.dispatch.in_flight",
		metric.WithDescription("Handler invocations currently running"))
	logMetricInitError(logger, "attractor.dispatch.in_flight", err)
	m.handlerSeconds, err = meter.Float64Histogram("attractor.dispatch.handler_duration",
		metric.WithDescription("Handler execution time"), metric.WithUnit("s"))
	logMetricInitError(logger, "attractor.dispatch.handler_duration", err)
	return m
}

func (m *loopMetrics) inc(ctx context.Context, c metric.Int64Counter) {
	if c != nil {
		c.Add(ctx, 1, m.attrs)
	}
}

func (m *loopMetrics) inFlightAdd(ctx context.Context, delta int64) {
	if m.inFlight != nil {
		m.inFlight.Add(ctx, delta, m.attrs)
	}
}

func (m *loopMetrics) observeHandler(ctx context.Context, seconds float64) {
	if m.handlerSeconds != nil {
		m.handlerSeconds.Record(ctx, seconds, m.attrs)
	}
}

func logMetricInitError(logger pslog.Logger, name string, err error) {
	if err == nil || logger == nil {
		return
	}
	logger.Warn("telemetry.metric.init_failed", "name", name, "error", err)
}
