package services

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/holisticpeople/funnel-checkout/internal/platform/observability"
	"github.com/holisticpeople/funnel-checkout/internal/platform/telemetry"
)

// observeGateway opens a client span for one processor or carrier call. The returned func ends
// the span and records the call latency.
func observeGateway(ctx context.Context, metrics *telemetry.CheckoutMetrics, gateway, operation string) (context.Context, func(error)) {
	start := time.Now()
	ctx, end := observability.StartSpan(ctx, gateway+"."+operation,
		attribute.String("checkout.gateway", gateway),
		attribute.String("checkout.operation", operation),
	)
	return ctx, func(err error) {
		end(err)
		metrics.ObserveGateway(ctx, gateway, operation, start, err)
	}
}
