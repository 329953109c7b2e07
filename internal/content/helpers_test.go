package content

import (
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/klauspost/compress/zip"

	"github.com/capsium/reactor/internal/capsule"
	"github.com/capsium/reactor/internal/cfg"
	"github.com/capsium/reactor/internal/mount"
)

func writeFiles(t *testing.T, dir string, files map[string]string) {
	t.Helper()
	for name, body := range files {
		full := filepath.Join(dir, filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
		if err := os.WriteFile(full, []byte(body), 0o644); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}
}

func zipBytes(t *testing.T, files map[string]string) []byte {
	t.Helper()
	path := filepath.Join(t.TempDir(), "pkg.cap")
	writeZip(t, path, files)
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	return data
}

func writeZip(t *testing.T, path string, files map[string]string) {
	t.Helper()
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create %s: %v", path, err)
	}
	zw := zip.NewWriter(f)
	names := make([]string, 0, len(files))
	for n := range files {
		names = append(names, n)
	}
	sort.Strings(names)
	for _, n := range names {
		w, err := zw.Create(n)
		if err != nil {
			t.Fatalf("zip create: %v", err)
		}
		if _, err := w.Write([]byte(files[n])); err != nil {
			t.Fatalf("zip write: %v", err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("zip close: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func sitePackage(title string) map[string]string {
	return map[string]string{
		"metadata.json":         `{"name":"site","version":"1.0.0"}`,
		"content/index.html":    "<h1>" + title + "</h1>",
		"content/documents.xml": "<docs/>",
	}
}

// openPackage opens files as a directory package for snapshot tests.
func openPackage(t *testing.T, id string, files map[string]string) *capsule.Package {
	t.Helper()
	dir := t.TempDir()
	writeFiles(t, dir, files)
	p, err := capsule.Open(dir, id)
	if err != nil {
		t.Fatalf("Open %s: %v", id, err)
	}
	return p
}

func snapshotOf(t *testing.T, pkgs ...*capsule.Package) *Snapshot {
	t.Helper()
	ids := make([]string, len(pkgs))
	for i, p := range pkgs {
		ids[i] = p.ID
	}
	table, _ := mount.Build(ids, nil)
	return NewSnapshot(pkgs, table, cfg.DefaultFile())
}
