package observe

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// newTestTracerProvider returns a TracerProvider with an in-memory exporter
// for inspecting recorded spans.
func newTestTracerProvider(t *testing.T) (*sdktrace.TracerProvider, *tracetest.InMemoryExporter) {
	t.Helper()
	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	return tp, exp
}

// captureLogs points the default logger at a buffer for the test's duration.
func captureLogs(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	orig := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, nil)))
	t.Cleanup(func() { slog.SetDefault(orig) })
	return &buf
}

func TestCorrelationID(t *testing.T) {
	tp, _ := newTestTracerProvider(t)

	if got := CorrelationID(context.Background()); got != "" {
		t.Errorf("CorrelationID(background) = %q, want empty", got)
	}

	seen := make(map[string]struct{}, 50)
	for range 50 {
		ctx, span := tp.Tracer("test").Start(context.Background(), "call.session")
		cid := CorrelationID(ctx)
		span.End()

		if len(cid) != 32 || strings.Trim(cid, "0123456789abcdef") != "" {
			t.Fatalf("correlation ID %q is not 32 lowercase hex chars", cid)
		}
		if _, dup := seen[cid]; dup {
			t.Fatalf("duplicate correlation ID %s", cid)
		}
		seen[cid] = struct{}{}
	}
}

func TestStartSpan_UsesGlobalProvider(t *testing.T) {
	tp, exp := newTestTracerProvider(t)
	orig := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(orig) })

	ctx, span := StartSpan(context.Background(), "transcript.persist")
	if CorrelationID(ctx) == "" {
		t.Error("StartSpan did not create a span with a trace ID")
	}
	span.End()

	spans := exp.GetSpans()
	if len(spans) != 1 || spans[0].Name != "transcript.persist" {
		t.Fatalf("recorded spans = %v, want one named transcript.persist", spans)
	}
	if spans[0].InstrumentationScope.Name != tracerName {
		t.Errorf("scope = %q, want %q", spans[0].InstrumentationScope.Name, tracerName)
	}
}

func TestLogger(t *testing.T) {
	tp, _ := newTestTracerProvider(t)

	t.Run("with span", func(t *testing.T) {
		buf := captureLogs(t)
		ctx, span := tp.Tracer("test").Start(context.Background(), "presence.session")
		defer span.End()

		Logger(ctx).Info("heartbeat sent")
		out := buf.String()
		for _, want := range []string{"trace_id=" + CorrelationID(ctx), "span_id="} {
			if !strings.Contains(out, want) {
				t.Errorf("log output %q missing %q", out, want)
			}
		}
	})

	t.Run("without span", func(t *testing.T) {
		buf := captureLogs(t)
		Logger(context.Background()).Info("heartbeat sent")
		if strings.Contains(buf.String(), "trace_id") {
			t.Errorf("log output %q should not carry trace_id", buf.String())
		}
	})
}

func TestStartConnSpan_Attributes(t *testing.T) {
	tp, exp := newTestTracerProvider(t)
	origTP := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(origTP) })

	buf := captureLogs(t)

	ctx, span, l := StartConnSpan(context.Background(), "call", 7, 42)
	l.Info("joined")
	span.End()

	if CorrelationID(ctx) == "" {
		t.Error("StartConnSpan did not start a span")
	}
	spans := exp.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("spans = %d, want 1", len(spans))
	}
	if spans[0].Name != "call.session" {
		t.Errorf("span name = %q, want %q", spans[0].Name, "call.session")
	}
	want := map[string]bool{"callrelay.endpoint": false, "callrelay.user_id": false, "callrelay.call_id": false}
	for _, a := range spans[0].Attributes {
		if _, ok := want[string(a.Key)]; ok {
			want[string(a.Key)] = true
		}
	}
	for k, found := range want {
		if !found {
			t.Errorf("span missing attribute %s", k)
		}
	}

	out := buf.String()
	for _, s := range []string{"user_id=7", "call_id=42", "endpoint=call", "trace_id="} {
		if !strings.Contains(out, s) {
			t.Errorf("log output %q missing %q", out, s)
		}
	}
}

func TestStartConnSpan_OmitsZeroCallID(t *testing.T) {
	tp, exp := newTestTracerProvider(t)
	origTP := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(origTP) })

	_, span, _ := StartConnSpan(context.Background(), "presence", 3, 0)
	span.End()

	for _, a := range exp.GetSpans()[0].Attributes {
		if string(a.Key) == "callrelay.call_id" {
			t.Error("presence span carries a call_id attribute")
		}
	}
}
