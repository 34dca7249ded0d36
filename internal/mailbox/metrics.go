package mailbox

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"pkt.systems/pslog"
)

type mailboxMetrics struct {
	enqueued      metric.Int64Counter
	claimed       metric.Int64Counter
	consumed      metric.Int64Counter
	released      metric.Int64Counter
	claimConflict metric.Int64Counter
	deadLettered  metric.Int64Counter
}

func newMailboxMetrics(logger pslog.Logger) *mailboxMetrics {
	meter := otel.Meter("pkt.systems/attractor/mailbox")
	m := &mailboxMetrics{}
	m.enqueued = counter(meter, logger, "attractor.mailbox.enqueued", "Messages enqueued")
	m.claimed = counter(meter, logger, "attractor.mailbox.claimed", "Messages claimed")
	m.consumed = counter(meter, logger, "attractor.mailbox.consumed", "Messages consumed")
	m.released = counter(meter, logger, "attractor.mailbox.released", "Claims released back to pending")
	m.claimConflict = counter(meter, logger, "attractor.mailbox.claim_conflicts", "Claim attempts lost to a concurrent claimant")
	m.deadLettered = counter(meter, logger, "attractor.mailbox.dead_lettered", "Messages parked after exceeding max attempts")
	return m
}

func counter(meter metric.Meter, logger pslog.Logger, name, desc string) metric.Int64Counter {
	c, err := meter.Int64Counter(name, metric.WithDescription(desc))
	if err != nil {
		logger.Warn("telemetry.metric.init_failed", "name", name, "error", err)
	}
	return c
}

func add(ctx context.Context, c metric.Int64Counter) {
	if c != nil {
		c.Add(ctx, 1)
	}
}
