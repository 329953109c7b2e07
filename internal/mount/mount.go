// Package mount maps (host, path) pairs to installed packages.
//
// Every package gets a domain-less default mount at /capsium/<id>. Configured
// mounts add path aliases and domain bindings on top. Lookup picks the
// longest matching path prefix among the mounts that apply to the host; a
// host no mount declares sees every mount except domain root mounts, so
// domain-bound content stays reachable through the default server while /
// keeps serving the landing site.
package mount

import (
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/capsium/reactor/internal/cfg"
)

// DefaultPrefix is the namespace each package is served under.
const DefaultPrefix = "/capsium/"

// Mount is a resolved binding of a package to a URL prefix.
type Mount struct {
	Package string            `json:"package"`
	Path    string            `json:"path"`
	Domain  string            `json:"domain,omitempty"`
	Port    int               `json:"port,omitempty"`
	HTTPS   bool              `json:"https,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
	// CacheTTL overrides the global cache TTL when positive.
	CacheTTL time.Duration `json:"-"`
	Default  bool          `json:"default,omitempty"`

	order int
}

// Root is the mount path with a trailing slash, the URL of the package root.
func (m *Mount) Root() string {
	if m.Path == "/" {
		return "/"
	}
	return m.Path + "/"
}

// Table is an immutable mount set. The zero value matches nothing.
type Table struct {
	mounts  []*Mount
	domains map[string]struct{}
}

// Build assembles the table for the installed package ids. Specs naming
// packages that are not installed are skipped and reported as warnings.
func Build(installed []string, specs []cfg.MountSpec) (*Table, []string) {
	t := &Table{domains: make(map[string]struct{})}
	have := make(map[string]*Mount, len(installed))

	ids := append([]string(nil), installed...)
	sort.Strings(ids)
	for _, id := range ids {
		if _, dup := have[id]; dup {
			continue
		}
		m := &Mount{Package: id, Path: strings.TrimSuffix(DefaultPrefix+id, "/"), Default: true}
		have[id] = m
		t.mounts = append(t.mounts, m)
	}

	var warnings []string
	for i, s := range specs {
		id := cfg.PackageID(s.Package)
		def, ok := have[id]
		if !ok {
			warnings = append(warnings, fmt.Sprintf("mount %d: package %q is not installed", i, id))
			continue
		}

		domain := NormalizeHost(s.Domain)
		if s.Path == "" && domain == "" {
			// options for the default namespace
			def.Headers = mergeHeaders(def.Headers, s.Options.Headers)
			if s.Options.CacheTTL > 0 {
				def.CacheTTL = s.Options.CacheTTL
			}
			def.Port, def.HTTPS = s.Port, s.HTTPS
			continue
		}

		m := &Mount{
			Package:  id,
			Path:     NormalizePath(s.Path),
			Domain:   domain,
			Port:     s.Port,
			HTTPS:    s.HTTPS,
			Headers:  mergeHeaders(nil, s.Options.Headers),
			CacheTTL: s.Options.CacheTTL,
		}
		if dup := t.find(m.Domain, m.Path); dup != nil {
			warnings = append(warnings, fmt.Sprintf("mount %d: %s%s already bound to %s", i, m.Domain, m.Path, dup.Package))
			continue
		}
		if domain != "" {
			t.domains[domain] = struct{}{}
		}
		t.mounts = append(t.mounts, m)
	}

	for i, m := range t.mounts {
		m.order = i
	}
	return t, warnings
}

func (t *Table) find(domain, path string) *Mount {
	for _, m := range t.mounts {
		if m.Domain == domain && m.Path == path {
			return m
		}
	}
	return nil
}

// Match is the outcome of a successful lookup.
type Match struct {
	Mount *Mount
	// Rest is the request path relative to the package root, starting with "/".
	Rest string
	// Redirect is set when the request named the mount path without its
	// trailing slash; the caller should redirect to Mount.Root().
	Redirect bool
}

// Lookup resolves a request host and path.
func (t *Table) Lookup(host, path string) (Match, bool) {
	if t == nil || len(t.mounts) == 0 {
		return Match{}, false
	}
	host = NormalizeHost(host)
	_, known := t.domains[host]

	var (
		best     *Mount
		bestRest string
		redirect bool
	)
	for _, m := range t.mounts {
		if known && m.Domain != "" && m.Domain != host {
			continue
		}
		// a domain's root mount never shadows the landing site on other hosts
		if !known && m.Domain != "" && m.Path == "/" {
			continue
		}
		rest, redir, ok := matchPrefix(m.Path, path)
		if !ok {
			continue
		}
		if best != nil && !better(m, best, host) {
			continue
		}
		best, bestRest, redirect = m, rest, redir
	}
	if best == nil {
		return Match{}, false
	}
	return Match{Mount: best, Rest: bestRest, Redirect: redirect}, true
}

// better reports whether a should win over b for host. Mounts are visited in
// config order, so equal candidates keep the earlier one.
func better(a, b *Mount, host string) bool {
	if len(a.Path) != len(b.Path) {
		return len(a.Path) > len(b.Path)
	}
	aExact := a.Domain != "" && a.Domain == host
	bExact := b.Domain != "" && b.Domain == host
	return aExact && !bExact
}

func matchPrefix(prefix, path string) (rest string, redirect, ok bool) {
	if prefix == "/" {
		return path, false, strings.HasPrefix(path, "/")
	}
	if path == prefix {
		return "", true, true
	}
	if strings.HasPrefix(path, prefix+"/") {
		return path[len(prefix):], false, true
	}
	return "", false, false
}

// Mounts returns the table in config order, defaults first.
func (t *Table) Mounts() []Mount {
	if t == nil {
		return nil
	}
	out := make([]Mount, len(t.mounts))
	for i, m := range t.mounts {
		out[i] = *m
	}
	return out
}

// ForPackage returns the mounts bound to id.
func (t *Table) ForPackage(id string) []Mount {
	if t == nil {
		return nil
	}
	var out []Mount
	for _, m := range t.mounts {
		if m.Package == id {
			out = append(out, *m)
		}
	}
	return out
}

// Domains lists the configured domains, sorted.
func (t *Table) Domains() []string {
	if t == nil {
		return nil
	}
	out := make([]string, 0, len(t.domains))
	for d := range t.domains {
		out = append(out, d)
	}
	sort.Strings(out)
	return out
}

// NormalizePath returns "/" or a slash-led path without a trailing slash.
func NormalizePath(p string) string {
	p = "/" + strings.Trim(strings.TrimSpace(p), "/")
	return p
}

// NormalizeHost lower-cases host, strips any port and a trailing dot.
func NormalizeHost(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	host := raw
	if strings.Contains(raw, ":") {
		if h, _, err := net.SplitHostPort(raw); err == nil {
			host = h
		} else if idx := strings.LastIndex(raw, ":"); idx > -1 && !strings.Contains(raw[:idx], ":") {
			if _, err := strconv.Atoi(raw[idx+1:]); err == nil {
				host = raw[:idx]
			}
		}
	}
	host = strings.TrimSuffix(host, ".")
	return strings.ToLower(host)
}

func mergeHeaders(dst, src map[string]string) map[string]string {
	if len(src) == 0 {
		return dst
	}
	if dst == nil {
		dst = make(map[string]string, len(src))
	}
	for k, v := range src {
		dst[k] = v
	}
	return dst
}
