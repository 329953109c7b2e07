package metrics

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/trace"
)

// routeUnmatched labels requests no chi route claimed, so raw paths never
// become label values.
const routeUnmatched = "unmatched"

type statusWriter struct {
	http.ResponseWriter
	status int
	n      int
}

func (w *statusWriter) WriteHeader(code int) {
	if w.status == 0 {
		w.status = code
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(p []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	n, err := w.ResponseWriter.Write(p)
	w.n += n
	return n, err
}

func (w *statusWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }

// Middleware records inflight, totals, 5xx errors, latency and response size
// per method and chi route pattern.
//
// It installs a chi route context when none exists so the router further in
// fills it and the pattern is readable here after the handler returns.
func (m *ServerMetrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		if chi.RouteContext(r.Context()) == nil {
			r = r.WithContext(context.WithValue(r.Context(), chi.RouteCtxKey, chi.NewRouteContext()))
		}

		m.inflight.Inc()
		defer m.inflight.Dec()

		sw := &statusWriter{ResponseWriter: w}
		next.ServeHTTP(sw, r)

		code := sw.status
		if code == 0 {
			code = http.StatusOK
		}

		ctx := r.Context()
		route := routeUnmatched
		if rc := chi.RouteContext(ctx); rc != nil {
			if p := rc.RoutePattern(); p != "" {
				route = p
			}
		}

		m.reqTotal.WithLabelValues(r.Method, route, strconv.Itoa(code)).Inc()
		if code >= http.StatusInternalServerError {
			m.errorsTotal.WithLabelValues(r.Method, route).Inc()
		}

		dur := m.reqDur.WithLabelValues(r.Method, route)
		lat := time.Since(start).Seconds()
		if eo, ok := dur.(prometheus.ExemplarObserver); ok {
			if ex := traceExemplar(ctx); ex != nil {
				eo.ObserveWithExemplar(lat, ex)
			} else {
				dur.Observe(lat)
			}
		} else {
			dur.Observe(lat)
		}

		m.respBytes.WithLabelValues(r.Method, route).Observe(float64(sw.n))
	})
}

// traceExemplar links a latency sample to its trace when the request was sampled.
func traceExemplar(ctx context.Context) prometheus.Labels {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.IsValid() || !sc.IsSampled() {
		return nil
	}
	return prometheus.Labels{"trace_id": sc.TraceID().String()}
}
