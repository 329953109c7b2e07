// Package httpserver assembles the public listener: the middleware chain
// around a chi router that holds probes, the introspection API and the
// package catch-all.
package httpserver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/capsium/reactor/internal/health"
	"github.com/capsium/reactor/internal/httpmw"
	"github.com/capsium/reactor/internal/log"
	"github.com/capsium/reactor/internal/xerrors"
)

const (
	DefaultPort = 80

	// no request the reactor serves carries a body
	maxBodyBytes = 1 << 10

	probeLive  = "/-/healthy"
	probeReady = "/-/ready"
)

// Server timeout defaults.
const (
	DefaultReadHeaderTimeout = 5 * time.Second
	DefaultReadTimeout       = 10 * time.Second
	DefaultWriteTimeout      = 30 * time.Second
	DefaultIdleTimeout       = 60 * time.Second
	DefaultMaxHeaderBytes    = 1 << 20
	DefaultShutdownTimeout   = 10 * time.Second
)

// compressible lists the content types gzip/deflate is applied to.
var compressible = []string{
	"text/html",
	"text/css",
	"text/plain",
	"text/xml",
	"text/javascript",
	"application/javascript",
	"application/json",
	"application/xml",
	"image/svg+xml",
}

// NewHandler builds the public handler. main owns the *http.Server so it
// controls shutdown.
func NewHandler(opts *Options) http.Handler {
	logger := opts.Logger
	if logger == nil {
		logger = log.Nop()
	}

	r := chi.NewRouter()
	r.Use(middleware.Compress(5, compressible...))
	r.Use(httpmw.AnnotateHTTPRoute)
	r.Use(httpmw.AccessLog(accessLogOptions(opts.AccessLog)))
	r.Use(httpmw.MaxBody(maxBodyBytes))

	if opts.Health != nil {
		r.Method(http.MethodGet, probeLive, health.LivenessHandler(opts.Health))
		r.Method(http.MethodHead, probeLive, health.LivenessHandler(opts.Health))
	}
	if opts.Readiness != nil {
		r.Method(http.MethodGet, probeReady, health.ReadinessHandler(opts.Readiness))
		r.Method(http.MethodHead, probeReady, health.ReadinessHandler(opts.Readiness))
	}

	if opts.APIRoutes != nil {
		opts.APIRoutes(r)
	}

	if opts.SiteHandler != nil {
		// every method goes to the site handler, which answers 405 itself
		r.Handle("/*", opts.SiteHandler)
	}

	return httpmw.Chain(r,
		recoverMW(logger, opts),
		httpmw.SecurityHeaders(opts.ServerHeader),
		httpmw.RequestID(httpmw.DefaultRequestIDHeader),
		httpmw.ClientIPWithOptions(opts.ClientIPOpts),
		opts.RateLimitMW,
		tracing,
		configHeaders(opts.HeaderSource),
		httpmw.TraceResponseHeaders("X-Trace-Id"),
		opts.MetricsMW,
		httpmw.WithLogger(logger),
	)
}

func recoverMW(logger log.Logger, opts *Options) func(http.Handler) http.Handler {
	if !opts.UseRecoverMW {
		return nil
	}
	return httpmw.Recover(logger, opts.OnPanic)
}

func configHeaders(src httpmw.HeaderSource) func(http.Handler) http.Handler {
	if src == nil {
		return nil
	}
	return httpmw.ConfigHeaders(src)
}

// accessLogOptions skips the probe paths unless the caller chose its own list.
func accessLogOptions(o httpmw.AccessLogOptions) httpmw.AccessLogOptions {
	if o.SkipPaths == nil {
		o.SkipPaths = []string{probeLive, probeReady}
	}
	return o
}

func tracing(next http.Handler) http.Handler {
	return otelhttp.NewHandler(next, "http.server",
		otelhttp.WithFilter(func(r *http.Request) bool { return shouldTrace(r.URL.Path) }),
		// AnnotateHTTPRoute renames the span once the route is known
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return r.Method + " " + r.URL.Path
		}),
		otelhttp.WithPublicEndpointFn(func(*http.Request) bool { return true }),
	)
}

// shouldTrace drops probes, browser housekeeping and static assets.
func shouldTrace(p string) bool {
	switch p {
	case probeLive, probeReady, "/favicon.ico", "/robots.txt":
		return false
	}
	switch strings.ToLower(path.Ext(p)) {
	case ".css", ".js", ".mjs", ".map", ".png", ".jpg", ".jpeg", ".gif", ".webp", ".svg", ".ico", ".woff", ".woff2", ".ttf":
		return false
	}
	return true
}

func NewServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: DefaultReadHeaderTimeout,
		ReadTimeout:       DefaultReadTimeout,
		WriteTimeout:      DefaultWriteTimeout,
		IdleTimeout:       DefaultIdleTimeout,
		MaxHeaderBytes:    DefaultMaxHeaderBytes,
	}
}

// Start listens on opts.Port and serves NewHandler(opts) in the background.
// The returned stop drains in-flight requests and is safe to call twice.
func Start(ctx context.Context, opts *Options) (func(context.Context) error, error) {
	logger := opts.Logger
	if logger == nil {
		logger = log.Nop()
	}
	port := opts.Port
	if port == 0 {
		port = DefaultPort
	}
	addr := fmt.Sprintf(":%d", port)
	srv := NewServer(addr, NewHandler(opts))

	ln, err := (&net.ListenConfig{}).Listen(ctx, "tcp", addr)
	if err != nil {
		return nil, xerrors.Wrapf(err, "listen on %s", addr)
	}

	go func() {
		logger.Info(ctx, "http server listening", "addr", ln.Addr().String())
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error(ctx, err, "http server error")
		}
	}()

	var once sync.Once
	stop := func(sctx context.Context) (retErr error) {
		once.Do(func() {
			logger.Info(sctx, "http server shutting down")
			c, cancel := context.WithTimeout(sctx, DefaultShutdownTimeout)
			defer cancel()
			retErr = srv.Shutdown(c)
		})
		return retErr
	}
	return stop, nil
}
