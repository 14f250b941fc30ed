package tracer

import (
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace/noop"

	"chatcore/internal/infra/config"
)

func TestSetupDisabled(t *testing.T) {
	shutdown, err := Setup(context.Background(), config.TracerConfig{Enabled: false})
	if err != nil {
		t.Fatalf("Setup: %v", err)
	}
	defer shutdown(context.Background())

	if _, ok := otel.GetTracerProvider().(noop.TracerProvider); !ok {
		t.Errorf("expected noop provider, got %T", otel.GetTracerProvider())
	}
}

func TestSetupNoopAndEmptyExporter(t *testing.T) {
	for _, exp := range []string{"noop", ""} {
		shutdown, err := Setup(context.Background(), config.TracerConfig{Enabled: true, Exporter: exp})
		if err != nil {
			t.Fatalf("Setup(%q): %v", exp, err)
		}
		if _, ok := otel.GetTracerProvider().(noop.TracerProvider); !ok {
			t.Errorf("exporter %q: expected noop provider, got %T", exp, otel.GetTracerProvider())
		}
		shutdown(context.Background())
	}
}

func TestSetupStdout(t *testing.T) {
	shutdown, err := Setup(context.Background(), config.TracerConfig{Enabled: true, Exporter: "stdout"})
	if err != nil {
		t.Fatalf("Setup: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Errorf("shutdown: %v", err)
	}
	otel.SetTracerProvider(noop.NewTracerProvider())
}

func TestSetupUnsupportedExporter(t *testing.T) {
	if _, err := Setup(context.Background(), config.TracerConfig{Enabled: true, Exporter: "invalid"}); err == nil {
		t.Error("expected error for unsupported exporter")
	}
}

func TestSpanHelpersRecord(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	otel.SetTracerProvider(sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec)))
	defer otel.SetTracerProvider(noop.NewTracerProvider())

	_, ok := StartSpan(context.Background(), "ok-span")
	SetOK(ok)
	ok.End()

	_, failed := StartSpan(context.Background(), "failed-span")
	RecordError(failed, errors.New("boom"))
	failed.End()

	spans := rec.Ended()
	if len(spans) != 2 {
		t.Fatalf("ended spans = %d, want 2", len(spans))
	}
	if spans[0].Status().Code != codes.Ok {
		t.Errorf("ok-span status = %v", spans[0].Status())
	}
	if spans[1].Status().Code != codes.Error || spans[1].Status().Description != "boom" {
		t.Errorf("failed-span status = %v", spans[1].Status())
	}
	if len(spans[1].Events()) == 0 {
		t.Error("RecordError should add an exception event")
	}
}

func TestAttrHelpers(t *testing.T) {
	if s := StringAttr("key", "value"); string(s.Key) != "key" || s.Value.AsString() != "value" {
		t.Errorf("StringAttr = %v", s)
	}
	if i := IntAttr("count", 42); i.Value.AsInt64() != 42 {
		t.Errorf("IntAttr = %v", i)
	}
	if b := BoolAttr("open", true); !b.Value.AsBool() {
		t.Errorf("BoolAttr = %v", b)
	}
}
