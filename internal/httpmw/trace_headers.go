package httpmw

import (
	"net/http"

	"go.opentelemetry.io/otel/trace"
)

// TraceResponseHeaders echoes the trace id of sampled requests so a client
// report can be matched to its trace. Unsampled ids are not exposed.
func TraceResponseHeaders(traceHeader string) func(http.Handler) http.Handler {
	if traceHeader == "" {
		traceHeader = "X-Trace-Id"
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if sc := trace.SpanContextFromContext(r.Context()); sc.IsValid() && sc.IsSampled() {
				w.Header().Set(traceHeader, sc.TraceID().String())
			}
			next.ServeHTTP(w, r)
		})
	}
}
