package webassets

import (
	"io/fs"
	"strings"
	"testing"
)

func TestSiteFS_Files(t *testing.T) {
	fsys := SiteFS()
	for _, name := range []string{IndexFile, NotFoundFile, MaintenanceFile, "style.css"} {
		info, err := fs.Stat(fsys, name)
		if err != nil {
			t.Fatalf("%s: %v", name, err)
		}
		if info.IsDir() || info.Size() == 0 {
			t.Fatalf("%s: not a non-empty file", name)
		}
	}
}

func TestSiteFS_LandingBanner(t *testing.T) {
	data, err := fs.ReadFile(SiteFS(), IndexFile)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "Capsium Nginx Reactor") {
		t.Fatal("landing page is missing the server banner")
	}
}

func TestSiteFS_MaintenanceMentionsMaintenance(t *testing.T) {
	data, err := fs.ReadFile(SiteFS(), MaintenanceFile)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(strings.ToLower(string(data)), "maintenance") {
		t.Fatalf("maintenance page = %q", data)
	}
}

func TestSiteFS_NoPathEscape(t *testing.T) {
	if _, err := fs.Stat(SiteFS(), "../embed.go"); err == nil {
		t.Fatal("site FS exposes files outside site/")
	}
}
