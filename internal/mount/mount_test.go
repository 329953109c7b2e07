package mount

import (
	"testing"
	"time"

	"github.com/capsium/reactor/internal/cfg"
)

func testTable(t *testing.T) *Table {
	t.Helper()
	tbl, warnings := Build(
		[]string{"site-1.0.0", "docs-2.0.0"},
		[]cfg.MountSpec{
			{Package: "site-1.0.0.cap", Path: "/app/", Domain: "Example.COM.", Options: cfg.MountOptions{
				Headers: map[string]string{"X-Custom-Header": "Custom Value"},
			}},
			{Package: "docs-2.0.0", Path: "/app", Domain: "docs.example.org"},
			{Package: "docs-2.0.0", Path: "/app/manual"},
			{Package: "site-1.0.0", Options: cfg.MountOptions{CacheTTL: time.Minute}},
		},
	)
	if len(warnings) != 0 {
		t.Fatalf("unexpected warnings: %v", warnings)
	}
	return tbl
}

func TestLookup(t *testing.T) {
	tbl := testTable(t)

	tests := []struct {
		name     string
		host     string
		path     string
		wantPkg  string
		wantRest string
		wantOK   bool
		redirect bool
	}{
		{"default namespace", "localhost", "/capsium/site-1.0.0/index.html", "site-1.0.0", "/index.html", true, false},
		{"default root", "", "/capsium/docs-2.0.0/", "docs-2.0.0", "/", true, false},
		{"default without slash", "", "/capsium/docs-2.0.0", "docs-2.0.0", "", true, true},
		{"domain exact", "example.com", "/app/documents.xml", "site-1.0.0", "/documents.xml", true, false},
		{"domain with port", "EXAMPLE.com:8080", "/app/", "site-1.0.0", "/", true, false},
		{"second domain same path", "docs.example.org", "/app/", "docs-2.0.0", "/", true, false},
		{"unknown host sees first in order", "localhost", "/app/", "site-1.0.0", "/", true, false},
		{"longest prefix", "localhost", "/app/manual/x.html", "docs-2.0.0", "/x.html", true, false},
		{"domainless mount on known host", "example.com", "/app/manual/", "docs-2.0.0", "/", true, false},
		{"known host wrong path", "example.com", "/nope/", "", "", false, false},
		{"segment boundary", "localhost", "/application", "", "", false, false},
		{"unknown package", "localhost", "/capsium/missing/", "", "", false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, ok := tbl.Lookup(tt.host, tt.path)
			if ok != tt.wantOK {
				t.Fatalf("ok = %v, want %v (match %+v)", ok, tt.wantOK, m)
			}
			if !ok {
				return
			}
			if m.Mount.Package != tt.wantPkg || m.Rest != tt.wantRest || m.Redirect != tt.redirect {
				t.Errorf("got pkg=%s rest=%q redirect=%v", m.Mount.Package, m.Rest, m.Redirect)
			}
		})
	}
}

func TestLookup_DomainHiddenFromOtherKnownDomain(t *testing.T) {
	tbl := testTable(t)
	m, ok := tbl.Lookup("docs.example.org", "/app/documents.xml")
	if !ok || m.Mount.Package != "docs-2.0.0" {
		t.Fatalf("docs.example.org should resolve to its own mount, got %+v %v", m, ok)
	}
}

func TestLookup_DomainRootMount(t *testing.T) {
	tbl, warnings := Build([]string{"site-1.0.0"}, []cfg.MountSpec{
		{Package: "site-1.0.0", Domain: "custom.example.com"},
	})
	if len(warnings) != 0 {
		t.Fatalf("unexpected warnings: %v", warnings)
	}

	for _, host := range []string{"", "localhost", "localhost:8080"} {
		if m, ok := tbl.Lookup(host, "/"); ok {
			t.Errorf("host %q: / resolved to %s, want the landing site", host, m.Mount.Package)
		}
		if _, ok := tbl.Lookup(host, "/index.html"); ok {
			t.Errorf("host %q: /index.html claimed by a domain root mount", host)
		}
		if m, ok := tbl.Lookup(host, "/capsium/site-1.0.0/"); !ok || !m.Mount.Default {
			t.Errorf("host %q: default namespace = %+v %v", host, m, ok)
		}
	}

	m, ok := tbl.Lookup("Custom.Example.com", "/index.html")
	if !ok || m.Mount.Package != "site-1.0.0" || m.Rest != "/index.html" {
		t.Fatalf("own domain = %+v %v", m, ok)
	}
}

func TestBuild_DefaultOptions(t *testing.T) {
	tbl := testTable(t)
	ms := tbl.ForPackage("site-1.0.0")
	if len(ms) != 2 {
		t.Fatalf("ForPackage = %d mounts", len(ms))
	}
	if !ms[0].Default || ms[0].CacheTTL != time.Minute {
		t.Errorf("default mount = %+v", ms[0])
	}
	if ms[1].Headers["X-Custom-Header"] != "Custom Value" || ms[1].Domain != "example.com" || ms[1].Path != "/app" {
		t.Errorf("custom mount = %+v", ms[1])
	}
	if got := tbl.Domains(); len(got) != 2 || got[0] != "docs.example.org" {
		t.Errorf("Domains = %v", got)
	}
}

func TestBuild_Warnings(t *testing.T) {
	_, warnings := Build([]string{"a-1"}, []cfg.MountSpec{
		{Package: "ghost", Path: "/g"},
		{Package: "a-1", Path: "/x"},
		{Package: "a-1", Path: "/x/"},
	})
	if len(warnings) != 2 {
		t.Fatalf("warnings = %v", warnings)
	}
}

func TestRoot(t *testing.T) {
	if got := (&Mount{Path: "/"}).Root(); got != "/" {
		t.Errorf("Root(/) = %q", got)
	}
	if got := (&Mount{Path: "/app"}).Root(); got != "/app/" {
		t.Errorf("Root(/app) = %q", got)
	}
}

func TestNormalizeHost(t *testing.T) {
	tests := map[string]string{
		"Example.com":       "example.com",
		"example.com:80":    "example.com",
		"example.com.":      "example.com",
		"[::1]:8080":        "::1",
		"  localhost:8080 ": "localhost",
		"":                  "",
	}
	for in, want := range tests {
		if got := NormalizeHost(in); got != want {
			t.Errorf("NormalizeHost(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestNilTable(t *testing.T) {
	var tbl *Table
	if _, ok := tbl.Lookup("x", "/"); ok {
		t.Error("nil table matched")
	}
	if tbl.Mounts() != nil {
		t.Error("nil table has mounts")
	}
}
