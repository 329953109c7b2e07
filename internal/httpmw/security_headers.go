package httpmw

import "net/http"

// Security note: CSRF protection is not implemented because it is not applicable.
// The server is stateless (no cookies, no sessions, no authentication) and read-only (GET only).

// DefaultSecurityHeaders are set on every response before any handler
// runs. Package content is arbitrary HTML, so there is no CSP here; a
// package that wants one sets it through its mount headers.
func DefaultSecurityHeaders() map[string]string {
	return map[string]string{
		// allow same-origin framing so packages can embed their own pages
		"X-Frame-Options": "SAMEORIGIN",

		// disable MIME type sniffing, package content types are explicit
		"X-Content-Type-Options": "nosniff",

		"Referrer-Policy": "strict-origin-when-cross-origin",

		// prevent Adobe Flash and Acrobat from loading content
		"X-Permitted-Cross-Domain-Policies": "none",

		"Cross-Origin-Opener-Policy": "same-origin",
	}
}

// SecurityHeaders sets the default security headers and, when server is
// non-empty, the Server header. Handlers further in may override any of them.
func SecurityHeaders(server string) func(http.Handler) http.Handler {
	defaults := DefaultSecurityHeaders()
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			h := w.Header()
			for k, v := range defaults {
				h.Set(k, v)
			}
			if server != "" {
				h.Set("Server", server)
			}
			next.ServeHTTP(w, r)
		})
	}
}
