package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/holisticpeople/funnel-checkout"

// CheckoutMetrics records funnel checkout outcomes. A nil receiver is a no-op.
type CheckoutMetrics struct {
	intents         metric.Int64Counter
	orders          metric.Int64Counter
	upsells         metric.Int64Counter
	paymentFailures metric.Int64Counter
	gatewayLatency  metric.Float64Histogram
	orderValue      metric.Float64Histogram
}

// NewCheckoutMetrics registers the instruments on meter, or on the global provider when nil.
func NewCheckoutMetrics(meter metric.Meter) (*CheckoutMetrics, error) {
	if meter == nil {
		meter = otel.GetMeterProvider().Meter(meterName)
	}
	m := &CheckoutMetrics{}
	var err error
	if m.intents, err = meter.Int64Counter("checkout.intents",
		metric.WithDescription("Payment intents and wallet orders created"),
	); err != nil {
		return nil, err
	}
	if m.orders, err = meter.Int64Counter("checkout.orders",
		metric.WithDescription("Orders assembled from drafts"),
	); err != nil {
		return nil, err
	}
	if m.upsells, err = meter.Int64Counter("checkout.upsells",
		metric.WithDescription("One-click upsell charges by outcome"),
	); err != nil {
		return nil, err
	}
	if m.paymentFailures, err = meter.Int64Counter("checkout.payment_failures",
		metric.WithDescription("Declined or failed captures by processor and reason"),
	); err != nil {
		return nil, err
	}
	if m.gatewayLatency, err = meter.Float64Histogram("checkout.gateway.latency",
		metric.WithUnit("ms"),
		metric.WithDescription("Latency of calls to payment and shipping gateways"),
	); err != nil {
		return nil, err
	}
	if m.orderValue, err = meter.Float64Histogram("checkout.order.value",
		metric.WithDescription("Grand total of assembled orders in major units"),
	); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *CheckoutMetrics) IntentCreated(ctx context.Context, funnelID, processor, mode string) {
	if m == nil {
		return
	}
	m.intents.Add(ctx, 1, metric.WithAttributes(
		attribute.String("funnel", funnelID),
		attribute.String("processor", processor),
		attribute.String("mode", mode),
	))
}

func (m *CheckoutMetrics) OrderCreated(ctx context.Context, funnelID, processor string, grandTotal float64) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("funnel", funnelID), attribute.String("processor", processor))
	m.orders.Add(ctx, 1, attrs)
	m.orderValue.Record(ctx, grandTotal, attrs)
}

func (m *CheckoutMetrics) UpsellCharged(ctx context.Context, funnelID, outcome string) {
	if m == nil {
		return
	}
	m.upsells.Add(ctx, 1, metric.WithAttributes(attribute.String("funnel", funnelID), attribute.String("outcome", outcome)))
}

func (m *CheckoutMetrics) PaymentFailed(ctx context.Context, processor, reason string) {
	if m == nil {
		return
	}
	m.paymentFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("processor", processor), attribute.String("reason", reason)))
}

// ObserveGateway records the latency of one gateway call started at start.
func (m *CheckoutMetrics) ObserveGateway(ctx context.Context, gateway, operation string, start time.Time, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.gatewayLatency.Record(ctx, float64(time.Since(start))/float64(time.Millisecond), metric.WithAttributes(
		attribute.String("gateway", gateway),
		attribute.String("operation", operation),
		attribute.String("outcome", outcome),
	))
}
