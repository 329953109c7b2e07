// Package introspecthttp serves the read-only JSON view of the installed
// packages under /api/v1/introspect.
package introspecthttp

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/capsium/reactor/internal/capsule"
	"github.com/capsium/reactor/internal/content"
	"github.com/capsium/reactor/internal/log"
)

// Prefix is where the API is mounted.
const Prefix = "/api/v1/introspect"

// SnapshotProvider defines the interface for getting package snapshots
type SnapshotProvider interface {
	Get() (*content.Snapshot, bool)
}

// API implements the introspection endpoints
type API struct {
	content SnapshotProvider
	logger  log.Logger
}

func NewAPI(content SnapshotProvider, logger log.Logger) *API {
	if logger == nil {
		logger = log.Nop()
	}
	return &API{
		content: content,
		logger:  logger,
	}
}

// RegisterRoutes attaches the introspection endpoints to the router. Unknown
// paths and methods under Prefix answer with JSON errors rather than falling
// through to the package handler.
func (api *API) RegisterRoutes(r chi.Router) {
	r.Route(Prefix, func(r chi.Router) {
		endpoints := map[string]http.HandlerFunc{
			"/metadata":         api.HandleMetadata,
			"/routes":           api.HandleRoutes,
			"/content-hashes":   api.HandleContentHashes,
			"/content-validity": api.HandleContentValidity,
			"/mounts":           api.HandleMounts,
		}
		for path, h := range endpoints {
			r.Get(path, h)
			// the server drops the body on HEAD
			r.Head(path, h)
		}

		r.NotFound(func(w http.ResponseWriter, r *http.Request) {
			api.writeJSON(r.Context(), w, http.StatusNotFound, errorResponse{Error: "unknown introspection endpoint " + r.URL.Path})
		})
		r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Allow", "GET, HEAD")
			api.writeJSON(r.Context(), w, http.StatusMethodNotAllowed, errorResponse{Error: "method " + r.Method + " not allowed"})
		})
	})
}

// packages returns the active package list, or nil before the first load.
func (api *API) snapshot() (*content.Snapshot, []*capsule.Package) {
	snap, ok := api.content.Get()
	if !ok || snap == nil {
		return nil, nil
	}
	return snap, snap.Packages
}

func (api *API) HandleMetadata(w http.ResponseWriter, r *http.Request) {
	snap, pkgs := api.snapshot()
	resp := MetadataResponse{Packages: make([]PackageMetadata, 0, len(pkgs))}
	for _, p := range pkgs {
		source := "directory"
		if p.Archive != "" {
			source = "archive"
		}
		resp.Packages = append(resp.Packages, PackageMetadata{
			ID:           p.ID,
			Name:         p.Name(),
			Version:      p.Version(),
			Description:  p.Metadata.Description,
			Dependencies: p.Metadata.Dependencies,
			Source:       source,
			ArchiveHash:  p.ArchiveHash,
		})
	}
	if snap != nil {
		resp.Release = snap.Release
		if !snap.LoadedAt.IsZero() {
			at := snap.LoadedAt.UTC().Truncate(time.Second)
			resp.LoadedAt = &at
		}
	}
	api.writeJSON(r.Context(), w, http.StatusOK, resp)
}

// HandleRoutes lists every servable URL of each package, once per mount.
func (api *API) HandleRoutes(w http.ResponseWriter, r *http.Request) {
	snap, pkgs := api.snapshot()
	resp := RoutesResponse{Routes: make([]PackageRoutes, 0, len(pkgs))}
	for _, p := range pkgs {
		entry := PackageRoutes{Package: p.ID, Routes: []RouteEntry{}}
		for _, m := range snap.Mounts.ForPackage(p.ID) {
			root := m.Root()
			for _, rt := range p.Routes {
				entry.Routes = append(entry.Routes, RouteEntry{
					Path:   root + strings.TrimPrefix(rt.Path, "/"),
					Target: rt.Target.File,
					Domain: m.Domain,
				})
			}
		}
		resp.Routes = append(resp.Routes, entry)
	}
	api.writeJSON(r.Context(), w, http.StatusOK, resp)
}

func (api *API) HandleContentHashes(w http.ResponseWriter, r *http.Request) {
	_, pkgs := api.snapshot()
	resp := ContentHashesResponse{ContentHashes: make([]ContentHash, 0, len(pkgs))}
	for _, p := range pkgs {
		resp.ContentHashes = append(resp.ContentHashes, ContentHash{
			Package:   p.ID,
			Hash:      p.ContentHash,
			Algorithm: "sha256",
			CID:       p.CID,
			Files:     len(p.Files),
		})
	}
	api.writeJSON(r.Context(), w, http.StatusOK, resp)
}

func (api *API) HandleContentValidity(w http.ResponseWriter, r *http.Request) {
	_, pkgs := api.snapshot()
	resp := ContentValidityResponse{ContentValidity: make([]ContentValidity, 0, len(pkgs))}
	for _, p := range pkgs {
		resp.ContentValidity = append(resp.ContentValidity, ContentValidity{
			Package: p.ID,
			Valid:   p.Validity.Valid,
			Errors:  p.Validity.Errors,
		})
	}
	api.writeJSON(r.Context(), w, http.StatusOK, resp)
}

func (api *API) HandleMounts(w http.ResponseWriter, r *http.Request) {
	snap, _ := api.snapshot()
	resp := MountsResponse{Mounts: []MountInfo{}, Domains: []string{}}
	if snap != nil {
		for _, m := range snap.Mounts.Mounts() {
			resp.Mounts = append(resp.Mounts, MountInfo{
				Package:  m.Package,
				Path:     m.Path,
				Domain:   m.Domain,
				Port:     m.Port,
				HTTPS:    m.HTTPS,
				Default:  m.Default,
				CacheTTL: int64(m.CacheTTL / time.Second),
				Headers:  m.Headers,
			})
		}
		if d := snap.Mounts.Domains(); len(d) > 0 {
			resp.Domains = d
		}
		resp.Warnings = snap.Warnings
	}
	api.writeJSON(r.Context(), w, http.StatusOK, resp)
}

func (api *API) writeJSON(ctx context.Context, w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		api.logger.Warn(ctx, "failed to encode JSON response", "error", err)
	}
}
