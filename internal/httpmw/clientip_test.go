package httpmw

import (
	"net/http"
	"net/http/httptest"
	"net/netip"
	"testing"
)

func TestClientIP(t *testing.T) {
	tests := []struct {
		name       string
		opts       ClientIPOptions
		remote     string
		xff        string
		want       string
		keepsProto bool
	}{
		{name: "public peer ignores xff", opts: ClientIPOptions{TrustedHops: 1}, remote: "203.0.113.9:5000", xff: "198.51.100.1", want: "203.0.113.9"},
		{name: "no hops ignores xff", remote: "10.0.0.2:5000", xff: "198.51.100.1", want: "10.0.0.2"},
		{name: "one hop takes rightmost", opts: ClientIPOptions{TrustedHops: 1}, remote: "10.0.0.2:5000", xff: "1.1.1.1, 198.51.100.1", want: "198.51.100.1", keepsProto: true},
		{name: "two hops", opts: ClientIPOptions{TrustedHops: 2}, remote: "10.0.0.2:5000", xff: "198.51.100.7, 10.0.0.9", want: "198.51.100.7", keepsProto: true},
		{name: "too few entries fails closed", opts: ClientIPOptions{TrustedHops: 3}, remote: "10.0.0.2:5000", xff: "198.51.100.7", want: "10.0.0.2"},
		{name: "garbage entry falls back to peer", opts: ClientIPOptions{TrustedHops: 1}, remote: "10.0.0.2:5000", xff: "not-an-ip", want: "10.0.0.2", keepsProto: true},
		{name: "loopback proxy", opts: ClientIPOptions{TrustedHops: 1}, remote: "127.0.0.1:5000", xff: "198.51.100.1", want: "198.51.100.1", keepsProto: true},
		{name: "ipv4 mapped peer", remote: "[::ffff:10.0.0.2]:5000", want: "10.0.0.2"},
		{name: "explicit proxy list excludes other private peers", opts: ClientIPOptions{TrustedHops: 1, TrustedProxies: []netip.Prefix{netip.MustParsePrefix("192.168.0.0/16")}}, remote: "10.0.0.2:5000", xff: "198.51.100.1", want: "10.0.0.2"},
		{name: "explicit proxy list match", opts: ClientIPOptions{TrustedHops: 1, TrustedProxies: []netip.Prefix{netip.MustParsePrefix("192.168.0.0/16")}}, remote: "192.168.1.1:5000", xff: "198.51.100.1", want: "198.51.100.1", keepsProto: true},
		{name: "malformed remote", remote: "nonsense", want: "0.0.0.0"},
		{name: "empty remote", remote: "", want: "0.0.0.0"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			var got, proto string
			h := ClientIPWithOptions(tc.opts)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				got = ClientIPFromContext(r.Context())
				proto = r.Header.Get("X-Forwarded-Proto")
			}))

			req := httptest.NewRequest(http.MethodGet, "/", http.NoBody)
			req.RemoteAddr = tc.remote
			req.Header.Set("X-Forwarded-Proto", "https")
			if tc.xff != "" {
				req.Header.Set("X-Forwarded-For", tc.xff)
			}
			h.ServeHTTP(httptest.NewRecorder(), req)

			if got != tc.want {
				t.Errorf("client ip = %q, want %q", got, tc.want)
			}
			if tc.keepsProto != (proto != "") {
				t.Errorf("X-Forwarded-Proto kept = %v, want %v", proto != "", tc.keepsProto)
			}
		})
	}
}

func TestWithClientIP_Empty(t *testing.T) {
	ctx := WithClientIP(t.Context(), "")
	if ClientIPFromContext(ctx) != "" {
		t.Fatal("empty ip should not be stored")
	}
}
