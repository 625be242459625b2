package observability

import (
	"context"
	"errors"
	"testing"

	"github.com/ExtendOSS/serverless-agent-pattern/pkg/apperr"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestInit_None(t *testing.T) {
	if err := Init(Config{ExporterType: "none"}); err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	ctx, span := StartSpan(context.Background(), "noop")
	if ctx == nil || span == nil {
		t.Fatal("StartSpan returned nil")
	}
	EndSpan(span, nil)
	if err := Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown failed: %v", err)
	}
}

func TestInit_UnknownExporter(t *testing.T) {
	if err := Init(Config{ExporterType: "zipkin"}); err == nil {
		t.Error("expected error for unknown exporter")
	}
}

func TestSpans_Recorded(t *testing.T) {
	exp := tracetest.NewInMemoryExporter()
	if err := initWithExporter(Config{ServiceName: "test"}, sdktrace.WithSyncer(exp)); err != nil {
		t.Fatalf("init failed: %v", err)
	}
	t.Cleanup(func() {
		_ = Shutdown(context.Background())
		setTracer(nil, nil)
	})

	ctx, parent := StartSpan(context.Background(), SpanInvoke, attribute.String("agent", "storageAgent"))
	_, child := StartSpan(ctx, SpanDispatch)
	EndSpan(child, apperr.New(apperr.KindTransport, "boom"))
	EndSpan(parent, nil)

	spans := exp.GetSpans()
	if len(spans) != 2 {
		t.Fatalf("got %d spans, want 2", len(spans))
	}

	child0 := spans[0]
	if child0.Name != SpanDispatch {
		t.Errorf("first ended span = %s, want %s", child0.Name, SpanDispatch)
	}
	if child0.Parent.SpanID() != spans[1].SpanContext.SpanID() {
		t.Error("dispatch span is not a child of invoke span")
	}
	if child0.Status.Code != codes.Error {
		t.Errorf("status = %v, want Error", child0.Status.Code)
	}
	found := false
	for _, a := range child0.Attributes {
		if a.Key == "error.kind" && a.Value.AsString() == string(apperr.KindTransport) {
			found = true
		}
	}
	if !found {
		t.Error("error.kind attribute missing")
	}
	if spans[1].Status.Code != codes.Ok {
		t.Errorf("parent status = %v, want Ok", spans[1].Status.Code)
	}
}

func TestEndSpan_UntaggedError(t *testing.T) {
	exp := tracetest.NewInMemoryExporter()
	if err := initWithExporter(Config{}, sdktrace.WithSyncer(exp)); err != nil {
		t.Fatalf("init failed: %v", err)
	}
	t.Cleanup(func() {
		_ = Shutdown(context.Background())
		setTracer(nil, nil)
	})

	_, span := StartSpan(context.Background(), "x")
	EndSpan(span, errors.New("plain"))

	spans := exp.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("got %d spans", len(spans))
	}
	for _, a := range spans[0].Attributes {
		if a.Key == "error.kind" && a.Value.AsString() != string(apperr.KindInternal) {
			t.Errorf("error.kind = %s", a.Value.AsString())
		}
	}
}

func TestParseHeaders(t *testing.T) {
	tests := []struct {
		in   string
		want map[string]string
	}{
		{"", nil},
		{"a=1", map[string]string{"a": "1"}},
		{"a=1, b=x=y ,bad", map[string]string{"a": "1", "b": "x=y"}},
	}
	for _, tt := range tests {
		got := parseHeaders(tt.in)
		if len(got) != len(tt.want) {
			t.Errorf("parseHeaders(%q) = %v, want %v", tt.in, got, tt.want)
			continue
		}
		for k, v := range tt.want {
			if got[k] != v {
				t.Errorf("parseHeaders(%q)[%s] = %q, want %q", tt.in, k, got[k], v)
			}
		}
	}
}
