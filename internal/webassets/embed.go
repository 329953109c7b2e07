package webassets

import (
	"embed"
	"fmt"
	"io/fs"
)

// Landing page, shared stylesheet, 404 and maintenance pages. These are
// served when no package mount matches the request.
//
//go:embed site
var embedded embed.FS

const (
	IndexFile       = "index.html"
	NotFoundFile    = "404.html"
	MaintenanceFile = "maintenance.html"
)

func SiteFS() fs.FS {
	sub, err := fs.Sub(embedded, "site")
	if err != nil {
		panic(fmt.Errorf("webassets: site subfs: %w", err))
	}
	return sub
}
