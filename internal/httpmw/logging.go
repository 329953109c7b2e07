package httpmw

import (
	"context"
	"net"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/capsium/reactor/internal/log"
)

// headerPackage mirrors sitehandler.HeaderPackage; the package handler sets
// it on every response it resolves through a mount.
const headerPackage = "X-Capsium-Package"

// responseWriter records status and bytes, and times the response write in
// a child span when the request is traced.
type responseWriter struct {
	http.ResponseWriter
	status int
	bytes  int64

	ctx      context.Context
	reqStart time.Time

	writeSpan    trace.Span
	started      bool
	ttfb         time.Duration
	writeBlocked time.Duration
	writeErr     error
}

func (rw *responseWriter) begin() {
	if rw.started {
		return
	}
	rw.started = true
	rw.ttfb = time.Since(rw.reqStart)

	if !trace.SpanFromContext(rw.ctx).IsRecording() {
		return
	}
	_, rw.writeSpan = otel.Tracer("capsium/httpmw").Start(rw.ctx, "response.write",
		trace.WithAttributes(attribute.Float64("http.server.ttfb_seconds", rw.ttfb.Seconds())),
	)
}

func (rw *responseWriter) end() {
	if rw.writeSpan == nil {
		return
	}
	rw.writeSpan.SetAttributes(
		attribute.Int("http.response.status_code", rw.statusOrOK()),
		attribute.Int64("http.response.body.size", rw.bytes),
		attribute.Float64("http.server.write.block_seconds", rw.writeBlocked.Seconds()),
	)
	if rw.writeErr != nil {
		rw.writeSpan.RecordError(rw.writeErr)
		rw.writeSpan.SetStatus(codes.Error, rw.writeErr.Error())
	}
	rw.writeSpan.End()
}

func (rw *responseWriter) statusOrOK() int {
	if rw.status == 0 {
		return http.StatusOK
	}
	return rw.status
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.begin()
	if rw.status == 0 {
		rw.status = code
	}
	start := time.Now()
	rw.ResponseWriter.WriteHeader(code)
	rw.writeBlocked += time.Since(start)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	rw.begin()
	if rw.status == 0 {
		rw.status = http.StatusOK
	}
	start := time.Now()
	n, err := rw.ResponseWriter.Write(b)
	rw.writeBlocked += time.Since(start)
	rw.bytes += int64(n)
	if err != nil && rw.writeErr == nil {
		rw.writeErr = err
	}
	return n, err
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (rw *responseWriter) Unwrap() http.ResponseWriter { return rw.ResponseWriter }

// WithLogger stores a request-scoped logger in the context carrying the
// request id, client address, host, method and path. It must run after
// RequestID and ClientIP.
func WithLogger(base log.Logger) func(http.Handler) http.Handler {
	if base == nil {
		base = log.Nop()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			reqID := RequestIDFromContext(ctx)

			clientAddr := ClientIPFromContext(ctx)
			peerAddr := r.RemoteAddr
			if host, _, err := net.SplitHostPort(peerAddr); err == nil {
				peerAddr = host
			}
			if clientAddr == "" {
				clientAddr = peerAddr
			}
			scheme := schemeFromRequest(r)

			if span := trace.SpanFromContext(ctx); span.IsRecording() {
				span.SetAttributes(
					attribute.String("request_id", reqID),
					attribute.String("server.address", r.Host),
					attribute.String("client.address", clientAddr),
					attribute.String("network.peer.address", peerAddr),
					attribute.String("url.scheme", scheme),
				)
			}

			// query strings are left out of logs, they are user controlled
			L := base.With(
				"request_id", reqID,
				"client.address", clientAddr,
				"network.peer.address", peerAddr,
				"server.address", r.Host,
				"http.request.method", r.Method,
				"url.path", r.URL.Path,
				"url.scheme", scheme,
			)
			next.ServeHTTP(w, r.WithContext(log.WithContext(ctx, L)))
		})
	}
}

// AccessLogOptions controls which requests produce an access log line.
type AccessLogOptions struct {
	// SkipPaths are exact paths never logged (probes).
	SkipPaths []string
	// SkipSuccessfulAssets drops 2xx/3xx lines for package files so only
	// page loads and failures are logged.
	SkipSuccessfulAssets bool
}

// AccessLog emits one line per request through the context logger.
func AccessLog(opts AccessLogOptions) func(http.Handler) http.Handler {
	skip := make(map[string]struct{}, len(opts.SkipPaths))
	for _, p := range opts.SkipPaths {
		skip[p] = struct{}{}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := &responseWriter{ResponseWriter: w, ctx: r.Context(), reqStart: start}

			next.ServeHTTP(rw, r)
			rw.end()

			if _, ok := skip[r.URL.Path]; ok {
				return
			}
			status := rw.statusOrOK()
			pkg := rw.Header().Get(headerPackage)
			if opts.SkipSuccessfulAssets && pkg != "" && status < 400 && isAsset(r.URL.Path) {
				return
			}

			ctx := r.Context()
			var reqBodySize int64
			if r.ContentLength > 0 {
				reqBodySize = r.ContentLength
			}
			fields := []any{
				"http.response.status_code", status,
				"http.server.request.duration", time.Since(start).Seconds(),
				"http.server.ttfb", rw.ttfb.Seconds(),
				"http.response.body.size", rw.bytes,
				"http.request.body.size", reqBodySize,
				"http.route", routePattern(r),
			}
			if pkg != "" {
				fields = append(fields, "capsium.package", pkg)
			}
			log.FromContext(ctx).Info(ctx, "http request", fields...)
		})
	}
}

func isAsset(p string) bool {
	switch strings.ToLower(path.Ext(p)) {
	case ".css", ".js", ".png", ".jpg", ".jpeg", ".gif", ".webp", ".svg", ".ico", ".woff", ".woff2", ".map":
		return true
	}
	return false
}

// routePattern is the chi pattern, or "unmatched" so raw paths never become
// a label or span name.
func routePattern(r *http.Request) string {
	if rc := chi.RouteContext(r.Context()); rc != nil {
		if p := rc.RoutePattern(); p != "" {
			return p
		}
	}
	return "unmatched"
}

// schemeFromRequest trusts X-Forwarded-Proto only while it survived
// ClientIP, which strips it from untrusted peers.
func schemeFromRequest(r *http.Request) string {
	if xf := r.Header.Get("X-Forwarded-Proto"); xf != "" {
		switch v := firstToken(xf); v {
		case "http", "https":
			return v
		}
	}
	if r.TLS != nil {
		return "https"
	}
	return "http"
}

func firstToken(s string) string {
	first, _, _ := strings.Cut(s, ",")
	return strings.ToLower(strings.TrimSpace(first))
}

// Scope tags the request logger and span with the handler group name.
func Scope(handler string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			L := log.FromContext(ctx).With("handler", handler)
			ctx = log.WithContext(ctx, L)

			if span := trace.SpanFromContext(ctx); span.IsRecording() {
				span.SetAttributes(attribute.String("app.handler", handler))
			}
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
