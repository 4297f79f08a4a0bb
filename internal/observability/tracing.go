package observability

import (
	"context"
	"io"
	"os"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// InitTracing wires a process-wide TracerProvider so otelgin's middleware
// can record one span per HTTP request; the state-store queries and the
// reconciliation scan a handler runs add no spans of their own. Spans are
// written to stdout as JSON
// when OTEL_TRACE_LOG=1, and discarded otherwise - tracing stays free to
// enable without standing up a collector.
func InitTracing(serviceName string) (func(context.Context) error, error) {
	writer := io.Discard
	if strings.EqualFold(strings.TrimSpace(os.Getenv("OTEL_TRACE_LOG")), "1") {
		writer = os.Stdout
	}

	exporter, err := stdouttrace.New(stdouttrace.WithWriter(writer), stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, err
	}

	res := resource.NewWithAttributes("", attribute.String("service.name", serviceName))
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{},
	))
	return tp.Shutdown, nil
}
