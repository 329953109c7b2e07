package httpmw

import (
	"net/http"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// HeaderSource provides the currently configured global response headers.
type HeaderSource interface {
	GlobalHeaders() map[string]string
	Release() string
}

// ConfigHeaders sets the config file's global headers on every response.
// It runs inside SecurityHeaders, so configured values replace the
// defaults, and before the package handler, so mount headers win over both.
// The source is consulted per request so reloads take effect immediately.
func ConfigHeaders(src HeaderSource) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if src != nil {
				for k, v := range src.GlobalHeaders() {
					w.Header().Set(k, v)
				}
				// Enrich the current trace span with the release being served
				if rel := src.Release(); rel != "" {
					if span := trace.SpanFromContext(r.Context()); span.IsRecording() {
						span.SetAttributes(attribute.String("capsium.release", rel))
					}
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}
