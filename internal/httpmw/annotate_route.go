package httpmw

import (
	"net/http"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// AnnotateHTTPRoute names the server span after the chi route. Requests the
// package handler served are named after the package instead of the
// catch-all pattern, keeping span names bounded but useful.
func AnnotateHTTPRoute(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		next.ServeHTTP(w, r)

		span := trace.SpanFromContext(r.Context())
		if !span.IsRecording() {
			return
		}
		route := routePattern(r)
		span.SetAttributes(attribute.String("http.route", route))

		if pkg := w.Header().Get(headerPackage); pkg != "" {
			span.SetName(r.Method + " package " + pkg)
			return
		}
		span.SetName(r.Method + " " + route)
	})
}
