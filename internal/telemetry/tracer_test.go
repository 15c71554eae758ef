package telemetry

import (
	"io"
	"log/slog"
	"testing"

	"go.opentelemetry.io/otel"
)

func TestInitTracer(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	for _, exporter := range []string{ExporterNone, "none", ExporterStdout} {
		t.Run("exporter="+exporter, func(t *testing.T) {
			shutdown, err := InitTracer("x402-gateway", exporter, logger)
			if err != nil {
				t.Fatalf("InitTracer(%q) error = %v", exporter, err)
			}
			_, span := otel.Tracer("test").Start(t.Context(), "verify")
			if !span.SpanContext().IsValid() {
				t.Error("span context is not valid")
			}
			span.End()
			if err := shutdown(t.Context()); err != nil {
				t.Errorf("shutdown error = %v", err)
			}
		})
	}

	if _, err := InitTracer("x402-gateway", "jaeger", logger); err == nil {
		t.Error("InitTracer(jaeger) error = nil, want error")
	}
}
