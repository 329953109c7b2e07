package sitehandler

import (
	"errors"
	"fmt"
	"io/fs"

	"github.com/capsium/reactor/internal/content"
	"github.com/capsium/reactor/internal/filecache"
	"github.com/capsium/reactor/internal/log"
)

var ErrInvalidOptions = errors.New("sitehandler: invalid options")

type SnapshotProvider interface {
	Get() (*content.Snapshot, bool)
}

// Observer counts responses served through package mounts.
type Observer interface {
	IncPackageRequest(pkg string, status int)
}

type Options struct {
	Logger log.Logger
	// Active packages
	Content SnapshotProvider
	// Landing site served when no mount matches: index, 404, maintenance
	// and their assets.
	FallbackFS fs.FS

	// file names inside FallbackFS
	IndexFile       string // default: "index.html"
	MaintenanceFile string // default: "maintenance.html"
	NotFoundFile    string // default: "404.html"

	// Cache holds small package files in memory while the config has
	// cache_enabled. Nil disables it.
	Cache *filecache.Cache

	// Cache-Control for the landing site.
	LandingCacheControl string // default: "no-cache"

	Metrics Observer
}

func (o *Options) setDefaults() {
	if o.Logger == nil {
		o.Logger = log.Nop()
	}
	if o.IndexFile == "" {
		o.IndexFile = "index.html"
	}
	if o.MaintenanceFile == "" {
		o.MaintenanceFile = "maintenance.html"
	}
	if o.NotFoundFile == "" {
		o.NotFoundFile = "404.html"
	}
	if o.LandingCacheControl == "" {
		o.LandingCacheControl = "no-cache"
	}
}

func (o *Options) validate() error {
	if o.Content == nil {
		return fmt.Errorf("%w: Content is nil", ErrInvalidOptions)
	}
	if o.FallbackFS == nil {
		return fmt.Errorf("%w: FallbackFS is nil", ErrInvalidOptions)
	}
	// fail fast on boot if mispackaged
	for _, name := range []string{o.IndexFile, o.MaintenanceFile} {
		if _, err := fs.Stat(o.FallbackFS, name); err != nil {
			return fmt.Errorf("%w: missing %q in fallback FS: %v", ErrInvalidOptions, name, err)
		}
	}
	// 404 page is optional; we degrade to plain text if missing.
	return nil
}
