package httpserver

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/capsium/reactor/internal/health"
	"github.com/capsium/reactor/internal/httpmw"
	"github.com/capsium/reactor/internal/log"
)

type Options struct {
	Logger log.Logger
	Port   int

	UseRecoverMW bool
	// OnPanic runs after a recovered panic.
	OnPanic func()

	MetricsMW   func(http.Handler) http.Handler
	RateLimitMW func(http.Handler) http.Handler

	ClientIPOpts httpmw.ClientIPOptions

	// Probes for /-/healthy and /-/ready on the public port. Nil leaves the
	// path to the site handler.
	Health    health.Probe
	Readiness health.Probe

	// APIRoutes registers JSON endpoints ahead of the catch-all.
	APIRoutes func(chi.Router)
	// SiteHandler serves every path no other route claims.
	SiteHandler http.Handler

	// ServerHeader is the Server response header, empty to omit.
	ServerHeader string
	// HeaderSource supplies the config file's global headers per request.
	HeaderSource httpmw.HeaderSource

	AccessLog httpmw.AccessLogOptions
}
