package telemetry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func TestCheckoutMetricsRecordsInstruments(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	metrics, err := NewCheckoutMetrics(provider.Meter("test"))
	require.NoError(t, err)

	ctx := context.Background()
	metrics.IntentCreated(ctx, "summer", "stripe", "test")
	metrics.OrderCreated(ctx, "summer", "stripe", 105.99)
	metrics.UpsellCharged(ctx, "summer", "succeeded")
	metrics.PaymentFailed(ctx, "paypal", "declined")
	metrics.ObserveGateway(ctx, "shipping", "rates", time.Now(), errors.New("timeout"))

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(ctx, &rm))
	require.Len(t, rm.ScopeMetrics, 1)

	names := map[string]bool{}
	for _, m := range rm.ScopeMetrics[0].Metrics {
		names[m.Name] = true
	}
	for _, want := range []string{
		"checkout.intents",
		"checkout.orders",
		"checkout.upsells",
		"checkout.payment_failures",
		"checkout.gateway.latency",
		"checkout.order.value",
	} {
		require.True(t, names[want], "missing metric %s", want)
	}
}

func TestNilCheckoutMetricsIsNoop(t *testing.T) {
	var metrics *CheckoutMetrics
	metrics.IntentCreated(context.Background(), "f", "stripe", "live")
	metrics.ObserveGateway(context.Background(), "paypal", "capture", time.Now(), nil)
}
