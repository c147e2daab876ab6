package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds all control plane metrics instruments.
type Metrics struct {
	RequestDuration       metric.Float64Histogram
	TaskDuration          metric.Float64Histogram
	AgentDeliveryDuration metric.Float64Histogram
	TaskDeadLettered      metric.Int64Counter
	WebhookDuration       metric.Float64Histogram
	WebhookErrors         metric.Int64Counter
	ActiveConnections     metric.Int64UpDownCounter
	AssignAttemptsTotal   metric.Int64Counter
	ApprovalsPending      metric.Int64UpDownCounter
	RateLimitRejects      metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.RequestDuration, err = meter.Float64Histogram("ctlplane.request.duration",
		metric.WithDescription("Gateway request duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.TaskDuration, err = meter.Float64Histogram("ctlplane.task.duration",
		metric.WithDescription("Task duration from creation to terminal status, in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.AgentDeliveryDuration, err = meter.Float64Histogram("ctlplane.agent.delivery.duration",
		metric.WithDescription("Time to deliver a signed task envelope to an agent connection, in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.TaskDeadLettered, err = meter.Int64Counter("ctlplane.task.dlq.total",
		metric.WithDescription("Tasks dead-lettered after exhausting assignment attempts"),
	)
	if err != nil {
		return nil, err
	}

	m.WebhookDuration, err = meter.Float64Histogram("ctlplane.webhook.duration",
		metric.WithDescription("Webhook delivery duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.WebhookErrors, err = meter.Int64Counter("ctlplane.webhook.errors",
		metric.WithDescription("Webhook delivery attempts that did not succeed within their retry schedule"),
	)
	if err != nil {
		return nil, err
	}

	m.ActiveConnections, err = meter.Int64UpDownCounter("ctlplane.connections.active",
		metric.WithDescription("Number of agent WebSocket connections currently registered"),
	)
	if err != nil {
		return nil, err
	}

	m.AssignAttemptsTotal, err = meter.Int64Counter("ctlplane.assign.attempts",
		metric.WithDescription("Total broker delivery attempts, including retries"),
	)
	if err != nil {
		return nil, err
	}

	m.ApprovalsPending, err = meter.Int64UpDownCounter("ctlplane.approvals.pending",
		metric.WithDescription("Tasks currently awaiting approval confirmation"),
	)
	if err != nil {
		return nil, err
	}

	m.RateLimitRejects, err = meter.Int64Counter("ctlplane.ratelimit.rejects",
		metric.WithDescription("Requests rejected by rate limiter"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
