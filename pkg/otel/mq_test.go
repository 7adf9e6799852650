package otel

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

func TestHeaderCarrierRoundTrip(t *testing.T) {
	prop := propagation.TraceContext{}
	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    trace.TraceID{1, 2, 3},
		SpanID:     trace.SpanID{4, 5, 6},
		TraceFlags: trace.FlagsSampled,
	})
	ctx := trace.ContextWithSpanContext(context.Background(), sc)

	carrier := NewMQHeaderCarrier(nil)
	prop.Inject(ctx, carrier)
	assert.NotEmpty(t, carrier.Get("traceparent"))
	assert.Contains(t, carrier.Keys(), "traceparent")

	out := trace.SpanContextFromContext(prop.Extract(context.Background(), carrier))
	assert.Equal(t, sc.TraceID(), out.TraceID())
	assert.Equal(t, sc.SpanID(), out.SpanID())
}
