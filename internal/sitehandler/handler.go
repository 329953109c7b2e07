package sitehandler

import (
	"bytes"
	"context"
	"io"
	"io/fs"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/capsium/reactor/internal/capsule"
	"github.com/capsium/reactor/internal/content"
	"github.com/capsium/reactor/internal/filecache"
	"github.com/capsium/reactor/internal/log"
	"github.com/capsium/reactor/internal/mount"
)

const (
	HeaderPackage     = "X-Capsium-Package"
	HeaderContentHash = "X-Content-Hash"

	shortHashLen = 12
)

type Handler struct {
	opts Options
}

func New(opts Options) (*Handler, error) {
	opts.setDefaults()
	if err := opts.validate(); err != nil {
		return nil, err
	}
	return &Handler{opts: opts}, nil
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// hardening: only allow GET/HEAD
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		w.Header().Set("Cache-Control", "no-store")
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	clean, ok := cleanRequestPath(r.URL.Path)
	if !ok {
		h.serveNotFound(w, r)
		return
	}

	// serve maintenance page until the first snapshot is published
	snap, ok := h.opts.Content.Get()
	if !ok {
		h.serveMaintenance(w, r)
		return
	}

	if m, ok := snap.Mounts.Lookup(r.Host, clean); ok {
		h.servePackage(w, r, snap, m)
		return
	}
	h.serveLanding(w, r, clean)
}

func (h *Handler) servePackage(w http.ResponseWriter, r *http.Request, snap *content.Snapshot, m mount.Match) {
	mt := m.Mount
	pkg, ok := snap.Package(mt.Package)
	if !ok {
		h.serveNotFound(w, r)
		return
	}

	if m.Redirect {
		h.redirect(w, r, mt, mt.Root())
		h.observe(pkg.ID, http.StatusPermanentRedirect)
		return
	}

	file, ok := pkg.Resolve(m.Rest)
	if !ok {
		// /docs -> /docs/ when the package has a directory index there
		if m.Rest != "" && !strings.HasSuffix(m.Rest, "/") {
			if _, dir := pkg.Resolve(m.Rest + "/"); dir {
				h.redirect(w, r, mt, mt.Root()+strings.TrimPrefix(m.Rest, "/")+"/")
				h.observe(pkg.ID, http.StatusPermanentRedirect)
				return
			}
		}
		h.serveNotFound(w, r)
		h.observe(pkg.ID, http.StatusNotFound)
		return
	}

	hdr := w.Header()
	hdr.Set(HeaderPackage, pkg.ID)
	hdr.Set(HeaderContentHash, shortHash(pkg.ContentHash))
	hdr.Set("Content-Type", pkg.ContentType(file))
	hdr.Set("Cache-Control", cacheControlFor(snap, mt))
	if sum := pkg.Files[file]; len(sum) >= 16 {
		hdr.Set("ETag", `"`+sum[:16]+`"`)
	}
	// mount headers go last so they override everything above
	applyHeaders(hdr, mt.Headers)

	annotateSpan(r.Context(), pkg, mt)

	status := h.serveFile(w, r, pkg, file, cacheEnabled(snap))
	h.observe(pkg.ID, status)
}

// serveFile writes a package file with range and conditional request
// support. Small files go through the in-memory cache.
func (h *Handler) serveFile(w http.ResponseWriter, r *http.Request, pkg *capsule.Package, file string, useCache bool) int {
	ctx := r.Context()
	st, err := fs.Stat(pkg.FS, file)
	if err != nil {
		// the tree changed underneath the snapshot
		log.FromContext(ctx).Error(ctx, err, "package file vanished", "package", pkg.ID, "file", file)
		h.clearPackageHeaders(w)
		h.serveNotFound(w, r)
		return http.StatusNotFound
	}

	if useCache && h.opts.Cache.Fits(st.Size()) {
		e, err := h.opts.Cache.Load(filecache.Key{ContentHash: pkg.ContentHash, File: file}, pkg.FS)
		if err == nil {
			return serveContent(w, r, file, e.ModTime, bytes.NewReader(e.Body))
		}
		log.FromContext(ctx).Warn(ctx, "file cache load failed, reading directly", "package", pkg.ID, "file", file, "error", err)
	}

	f, err := pkg.FS.Open(file)
	if err != nil {
		log.FromContext(ctx).Error(ctx, err, "open package file", "package", pkg.ID, "file", file)
		h.clearPackageHeaders(w)
		h.serveNotFound(w, r)
		return http.StatusNotFound
	}
	defer f.Close()

	rs, ok := f.(io.ReadSeeker)
	if !ok {
		body, err := io.ReadAll(f)
		if err != nil {
			log.FromContext(ctx).Error(ctx, err, "read package file", "package", pkg.ID, "file", file)
			http.Error(w, "internal server error", http.StatusInternalServerError)
			return http.StatusInternalServerError
		}
		rs = bytes.NewReader(body)
	}
	return serveContent(w, r, file, st.ModTime(), rs)
}

func (h *Handler) serveLanding(w http.ResponseWriter, r *http.Request, clean string) {
	file, redirectTo, found := resolveLanding(clean, h.opts.IndexFile, h.opts.FallbackFS)
	if redirectTo != "" {
		// use 308 redirect to keep method even though we only use GET/HEAD
		http.Redirect(w, r, redirectTo, http.StatusPermanentRedirect)
		return
	}
	// maintenance and 404 pages are only served with their status codes
	if !found || file == h.opts.MaintenanceFile || file == h.opts.NotFoundFile {
		h.serveNotFound(w, r)
		return
	}
	w.Header().Set("Cache-Control", h.opts.LandingCacheControl)
	http.ServeFileFS(w, r, h.opts.FallbackFS, file)
}

func (h *Handler) redirect(w http.ResponseWriter, r *http.Request, mt *mount.Mount, target string) {
	if r.URL.RawQuery != "" {
		target += "?" + r.URL.RawQuery
	}
	applyHeaders(w.Header(), mt.Headers)
	http.Redirect(w, r, target, http.StatusPermanentRedirect)
}

func (h *Handler) serveMaintenance(w http.ResponseWriter, r *http.Request) {
	// Maintenance should never be cached.
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Retry-After", "60")

	if !writePage(w, r, http.StatusServiceUnavailable, h.opts.FallbackFS, h.opts.MaintenanceFile) {
		http.Error(w, "service unavailable", http.StatusServiceUnavailable)
	}
}

func (h *Handler) serveNotFound(w http.ResponseWriter, r *http.Request) {
	// avoid caching 404 responses
	w.Header().Set("Cache-Control", "no-store")

	if writePage(w, r, http.StatusNotFound, h.opts.FallbackFS, h.opts.NotFoundFile) {
		return
	}

	// last resort: plain text
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusNotFound)
	_, _ = w.Write([]byte("404 page not found"))
}

func (h *Handler) clearPackageHeaders(w http.ResponseWriter) {
	hdr := w.Header()
	for _, k := range []string{"Content-Type", "ETag", HeaderPackage, HeaderContentHash} {
		hdr.Del(k)
	}
}

func (h *Handler) observe(pkg string, status int) {
	if h.opts.Metrics != nil {
		h.opts.Metrics.IncPackageRequest(pkg, status)
	}
}

func applyHeaders(hdr http.Header, extra map[string]string) {
	for k, v := range extra {
		hdr.Set(k, v)
	}
}

func shortHash(h string) string {
	if len(h) > shortHashLen {
		return h[:shortHashLen]
	}
	return h
}

func annotateSpan(ctx context.Context, pkg *capsule.Package, mt *mount.Mount) {
	span := trace.SpanFromContext(ctx)
	if !span.IsRecording() {
		return
	}
	span.SetAttributes(
		attribute.String("capsium.package", pkg.ID),
		attribute.String("capsium.content_hash", pkg.ContentHash),
		attribute.String("capsium.mount", mt.Domain+mt.Path),
	)
}

// serveContent wraps http.ServeContent and reports the status it wrote.
func serveContent(w http.ResponseWriter, r *http.Request, name string, mod time.Time, rs io.ReadSeeker) int {
	sw := &statusRecorder{ResponseWriter: w}
	http.ServeContent(sw, r, name, mod, rs)
	if sw.status == 0 {
		return http.StatusOK
	}
	return sw.status
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (w *statusRecorder) WriteHeader(code int) {
	if w.status == 0 {
		w.status = code
	}
	w.ResponseWriter.WriteHeader(code)
}

// writePage writes an embedded page with a fixed status. Conditional and
// range handling do not apply to error pages.
func writePage(w http.ResponseWriter, r *http.Request, status int, fsys fs.FS, name string) bool {
	body, err := fs.ReadFile(fsys, name)
	if err != nil {
		return false
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Content-Length", strconv.Itoa(len(body)))
	w.WriteHeader(status)
	if r.Method != http.MethodHead {
		_, _ = w.Write(body)
	}
	return true
}
