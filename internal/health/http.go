package health

import "net/http"

// LivenessHandler answers 200 "ok" while p passes and 503 with the reason
// otherwise. A nil probe always passes.
func LivenessHandler(p Probe) http.HandlerFunc {
	return handler(p, "ok\n")
}

// ReadinessHandler is LivenessHandler with a "ready" body.
func ReadinessHandler(p Probe) http.HandlerFunc {
	return handler(p, "ready\n")
}

func handler(p Probe, okBody string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "no-store")
		if p != nil {
			if err := p.Check(r.Context()); err != nil {
				http.Error(w, err.Error(), http.StatusServiceUnavailable)
				return
			}
		}
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		if r.Method != http.MethodHead {
			_, _ = w.Write([]byte(okBody))
		}
	}
}
