package httpmw

import (
	"context"
	"net"
	"net/http"
	"net/netip"
	"strings"
)

type clientIPKey struct{}

// ClientIPOptions configures client IP extraction behavior.
type ClientIPOptions struct {
	// TrustedHops is the number of reverse proxies in front of the reactor.
	// 0 ignores X-Forwarded-For, 1 takes the rightmost entry (a single
	// ingress), 2 the second from the right, and so on.
	TrustedHops int

	// TrustedProxies limits which peers may supply forwarding headers.
	// Empty means any private, loopback or link-local peer.
	TrustedProxies []netip.Prefix
}

func (o ClientIPOptions) trusts(peer netip.Addr) bool {
	if len(o.TrustedProxies) == 0 {
		return peer.IsPrivate() || peer.IsLoopback() || peer.IsLinkLocalUnicast()
	}
	for _, p := range o.TrustedProxies {
		if p.Contains(peer) {
			return true
		}
	}
	return false
}

// ClientIP extracts the client address with no trusted proxies.
func ClientIP(next http.Handler) http.Handler {
	return ClientIPWithOptions(ClientIPOptions{})(next)
}

// ClientIPWithOptions stores the client address in the request context.
// Forwarding headers from untrusted peers are removed so nothing further in
// can act on them.
func ClientIPWithOptions(opts ClientIPOptions) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := clientAddr(r, opts)
			next.ServeHTTP(w, r.WithContext(WithClientIP(r.Context(), ip)))
		})
	}
}

func clientAddr(r *http.Request, opts ClientIPOptions) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	peer, err := netip.ParseAddr(host)
	if err != nil {
		dropForwarded(r)
		return "0.0.0.0"
	}
	peer = peer.Unmap()

	if opts.TrustedHops <= 0 || !opts.trusts(peer) {
		dropForwarded(r)
		return peer.String()
	}

	xf := r.Header.Get("X-Forwarded-For")
	if xf == "" {
		return peer.String()
	}
	parts := strings.Split(xf, ",")
	idx := len(parts) - opts.TrustedHops
	if idx < 0 {
		// fewer hops than configured: fail closed
		dropForwarded(r)
		return peer.String()
	}
	if cand, err := netip.ParseAddr(strings.TrimSpace(parts[idx])); err == nil {
		return cand.Unmap().String()
	}
	return peer.String()
}

func dropForwarded(r *http.Request) {
	r.Header.Del("X-Forwarded-For")
	r.Header.Del("X-Forwarded-Proto")
}

func ClientIPFromContext(ctx context.Context) string {
	ip, _ := ctx.Value(clientIPKey{}).(string)
	return ip
}

func WithClientIP(ctx context.Context, ip string) context.Context {
	if ip == "" {
		return ctx
	}
	return context.WithValue(ctx, clientIPKey{}, ip)
}
