package observe

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// recordSpans installs an in-memory tracer provider as the global one.
func recordSpans(t *testing.T) *tracetest.InMemoryExporter {
	t.Helper()
	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	orig := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		otel.SetTracerProvider(orig)
		_ = tp.Shutdown(context.Background())
	})
	return exp
}

// captureLog swaps the default logger for one writing to the returned buffer.
func captureLog(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	orig := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, nil)))
	t.Cleanup(func() { slog.SetDefault(orig) })
	return &buf
}

func TestStartSpan_SessionAttribute(t *testing.T) {
	exp := recordSpans(t)

	_, span := StartSpan(WithSessionID(context.Background(), "sess-42"), "voice.connect")
	span.End()
	_, bare := StartSpan(context.Background(), "maps.generate")
	bare.End()

	spans := exp.GetSpans()
	if len(spans) != 2 {
		t.Fatalf("recorded %d spans, want 2", len(spans))
	}
	sessionOf := func(s tracetest.SpanStub) string {
		for _, kv := range s.Attributes {
			if kv.Key == AttrSessionID {
				return kv.Value.AsString()
			}
		}
		return ""
	}
	if got := sessionOf(spans[0]); got != "sess-42" {
		t.Errorf("voice.connect session = %q, want sess-42", got)
	}
	if got := sessionOf(spans[1]); got != "" {
		t.Errorf("span outside a session carries session %q", got)
	}
}

func TestFail(t *testing.T) {
	exp := recordSpans(t)

	boom := errors.New("upstream 503")
	_, failed := StartSpan(context.Background(), "image.generate")
	if got := Fail(failed, boom); got != boom {
		t.Errorf("Fail returned %v, want the given error", got)
	}
	failed.End()

	_, ok := StartSpan(context.Background(), "image.generate")
	if got := Fail(ok, nil); got != nil {
		t.Errorf("Fail(nil) = %v", got)
	}
	ok.End()

	spans := exp.GetSpans()
	if spans[0].Status.Code != codes.Error || spans[0].Status.Description != "upstream 503" {
		t.Errorf("failed span status = %+v", spans[0].Status)
	}
	if len(spans[0].Events) != 1 || spans[0].Events[0].Name != "exception" {
		t.Errorf("failed span events = %+v, want one exception", spans[0].Events)
	}
	if spans[1].Status.Code != codes.Unset || len(spans[1].Events) != 0 {
		t.Errorf("untouched span = %+v / %d events", spans[1].Status, len(spans[1].Events))
	}
}

func TestCorrelationID(t *testing.T) {
	recordSpans(t)

	if got := CorrelationID(context.Background()); got != "" {
		t.Errorf("CorrelationID without span = %q, want empty", got)
	}
	ctx, span := StartSpan(context.Background(), "HTTP POST /api/chat")
	defer span.End()
	if got, want := CorrelationID(ctx), span.SpanContext().TraceID().String(); got != want || len(got) != 32 {
		t.Errorf("CorrelationID = %q, want trace ID %q", got, want)
	}
}

func TestLogger(t *testing.T) {
	recordSpans(t)

	spanCtx, span := StartSpan(context.Background(), "voice.session")
	defer span.End()

	tests := []struct {
		name    string
		ctx     context.Context
		want    []string
		notWant []string
	}{
		{"bare", context.Background(), nil, []string{"trace_id", "session_id"}},
		{"span", spanCtx, []string{"trace_id=", "span_id="}, []string{"session_id"}},
		{"session", WithSessionID(context.Background(), "s-1"), []string{"session_id=s-1"}, []string{"trace_id"}},
		{"both", WithSessionID(spanCtx, "s-2"), []string{"trace_id=", "session_id=s-2"}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := captureLog(t)
			Logger(tt.ctx).Info("voice: session connecting")

			line := buf.String()
			for _, s := range tt.want {
				if !strings.Contains(line, s) {
					t.Errorf("log %q missing %q", line, s)
				}
			}
			for _, s := range tt.notWant {
				if strings.Contains(line, s) {
					t.Errorf("log %q should not contain %q", line, s)
				}
			}
		})
	}
}
