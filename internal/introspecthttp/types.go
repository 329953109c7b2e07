package introspecthttp

import "time"

type MetadataResponse struct {
	Packages []PackageMetadata `json:"packages"`
	Release  string            `json:"release,omitempty"`
	LoadedAt *time.Time        `json:"loadedAt,omitempty"`
}

type PackageMetadata struct {
	ID           string            `json:"id"`
	Name         string            `json:"name"`
	Version      string            `json:"version"`
	Description  string            `json:"description,omitempty"`
	Dependencies map[string]string `json:"dependencies,omitempty"`
	// Source is "archive" or "directory".
	Source      string `json:"source"`
	ArchiveHash string `json:"archiveHash,omitempty"`
}

type RoutesResponse struct {
	Routes []PackageRoutes `json:"routes"`
}

type PackageRoutes struct {
	Package string       `json:"package"`
	Routes  []RouteEntry `json:"routes"`
}

// RouteEntry is one servable URL: the route path under a mount prefix.
type RouteEntry struct {
	Path   string `json:"path"`
	Target string `json:"target"`
	Domain string `json:"domain,omitempty"`
}

type ContentHashesResponse struct {
	ContentHashes []ContentHash `json:"contentHashes"`
}

type ContentHash struct {
	Package   string `json:"package"`
	Hash      string `json:"hash"`
	Algorithm string `json:"algorithm"`
	CID       string `json:"cid,omitempty"`
	Files     int    `json:"files"`
}

type ContentValidityResponse struct {
	ContentValidity []ContentValidity `json:"contentValidity"`
}

type ContentValidity struct {
	Package string   `json:"package"`
	Valid   bool     `json:"valid"`
	Errors  []string `json:"errors,omitempty"`
}

type MountsResponse struct {
	Mounts   []MountInfo `json:"mounts"`
	Domains  []string    `json:"domains"`
	Warnings []string    `json:"warnings,omitempty"`
}

type MountInfo struct {
	Package  string            `json:"package"`
	Path     string            `json:"path"`
	Domain   string            `json:"domain,omitempty"`
	Port     int               `json:"port,omitempty"`
	HTTPS    bool              `json:"https,omitempty"`
	Default  bool              `json:"default,omitempty"`
	CacheTTL int64             `json:"cacheTtl,omitempty"`
	Headers  map[string]string `json:"headers,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}
