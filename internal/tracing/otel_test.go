package tracing

import (
	"context"
	"testing"
)

func TestInitTracerDisabled(t *testing.T) {
	tp, err := InitTracer(context.Background(), "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tp != nil {
		t.Error("expected no provider without an endpoint")
	}

	_, span := Tracer("test").Start(context.Background(), "noop")
	span.End()
}

func TestInitTracerEndpoint(t *testing.T) {
	tp, err := InitTracer(context.Background(), "http://127.0.0.1:4318/v1/traces")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tp == nil {
		t.Fatal("expected a provider")
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	tp.Shutdown(ctx)
}
