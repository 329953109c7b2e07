package httpmw

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.opentelemetry.io/otel/trace"
)

func spanContext(flags trace.TraceFlags) context.Context {
	traceID, _ := trace.TraceIDFromHex("0102030405060708090a0b0c0d0e0f10")
	spanID, _ := trace.SpanIDFromHex("0102030405060708")
	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     spanID,
		TraceFlags: flags,
	})
	return trace.ContextWithSpanContext(context.Background(), sc)
}

func TestTraceResponseHeaders(t *testing.T) {
	tests := []struct {
		name string
		ctx  context.Context
		want string
	}{
		{name: "sampled", ctx: spanContext(trace.FlagsSampled), want: "0102030405060708090a0b0c0d0e0f10"},
		{name: "unsampled", ctx: spanContext(0), want: ""},
		{name: "no span", ctx: context.Background(), want: ""},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			h := TraceResponseHeaders("")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", http.NoBody).WithContext(tc.ctx))
			if got := rec.Header().Get("X-Trace-Id"); got != tc.want {
				t.Errorf("X-Trace-Id = %q, want %q", got, tc.want)
			}
		})
	}
}
