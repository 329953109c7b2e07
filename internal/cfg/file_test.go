package cfg

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeFile(t *testing.T, path, body string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
}

const sampleConfig = `{
  "package_dir": "/srv/packages",
  "extract_dir": "/srv/extracted",
  "cache_enabled": true,
  "cache_ttl": 3600,
  "log_level": "debug",
  "packages_config_dir": "/srv/packages.d",
  "server_header": "capsium",
  "headers": {"X-Served-By": "reactor"},
  "mounts": [
    {
      "package": "test-package-0.1.0.cap",
      "path": "/app",
      "domain": "example.com",
      "port": 80,
      "options": {
        "cache_ttl": 7200,
        "headers": {
          "X-Frame-Options": "SAMEORIGIN",
          "X-Content-Type-Options": "nosniff"
        }
      }
    }
  ]
}`

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	writeFile(t, path, sampleConfig)

	f, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if f.PackageDir != "/srv/packages" || f.ExtractDir != "/srv/extracted" {
		t.Errorf("dirs = %q %q", f.PackageDir, f.ExtractDir)
	}
	if !f.CacheEnabled || f.CacheTTL != time.Hour {
		t.Errorf("cache = %v %v", f.CacheEnabled, f.CacheTTL)
	}
	if f.LogLevel != "debug" {
		t.Errorf("LogLevel = %q", f.LogLevel)
	}
	if f.ServerHeader != "capsium" || len(f.Headers) != 1 {
		t.Errorf("server_header = %q headers = %v", f.ServerHeader, f.Headers)
	}
	if len(f.Mounts) != 1 {
		t.Fatalf("mounts = %d", len(f.Mounts))
	}
	m := f.Mounts[0]
	if PackageID(m.Package) != "test-package-0.1.0" || m.Path != "/app" || m.Domain != "example.com" || m.Port != 80 {
		t.Errorf("mount = %+v", m)
	}
	if m.Options.CacheTTL != 2*time.Hour {
		t.Errorf("mount cache_ttl = %v", m.Options.CacheTTL)
	}
	if len(m.Options.Headers) != 2 {
		t.Errorf("headers = %v", m.Options.Headers)
	}
}

func TestLoadFile_Defaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	writeFile(t, path, `{}`)

	f, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	want := DefaultFile()
	if f.PackageDir != want.PackageDir || f.ExtractDir != want.ExtractDir || f.CacheTTL != want.CacheTTL || !f.CacheEnabled {
		t.Fatalf("defaults not applied: %+v", f)
	}
}

func TestLoadFile_DurationString(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	writeFile(t, path, `{"cache_ttl": "90s"}`)

	f, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if f.CacheTTL != 90*time.Second {
		t.Fatalf("CacheTTL = %v", f.CacheTTL)
	}
}

func TestLoadFile_Missing(t *testing.T) {
	_, err := LoadFile(filepath.Join(t.TempDir(), "nope.json"))
	if !errors.Is(err, fs.ErrNotExist) {
		t.Fatalf("want fs.ErrNotExist, got %v", err)
	}
}

func TestLoadFile_Invalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	writeFile(t, path, `{
	  "package_dir": "/same",
	  "extract_dir": "/same",
	  "mounts": [{"package": "", "path": "app", "domain": "http://x"}]
	}`)

	_, err := LoadFile(path)
	wantErrContains(t, err, "extract_dir must differ")
	wantErrContains(t, err, "package is required")
	wantErrContains(t, err, "must start with /")
	wantErrContains(t, err, "bare host name")
}

func TestLoadFile_ReservedPath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	writeFile(t, path, `{"mounts": [{"package": "a.cap", "path": "/api/v1/introspect/x"}]}`)

	_, err := LoadFile(path)
	wantErrContains(t, err, "reserved")
}

func TestLoadPackageOverrides(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "test-package-0.1.0.json"), `{
	  "path": "/app",
	  "domain": "example.com",
	  "port": 80,
	  "https": false,
	  "options": {"headers": {"X-Custom": "yes"}}
	}`)
	writeFile(t, filepath.Join(dir, "notes.txt"), "ignored")

	got, err := LoadPackageOverrides(dir)
	if err != nil {
		t.Fatalf("LoadPackageOverrides: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("got %d overrides", len(got))
	}
	if got[0].Package != "test-package-0.1.0" || got[0].Path != "/app" || got[0].Domain != "example.com" {
		t.Fatalf("override = %+v", got[0])
	}
}

func TestLoadPackageOverrides_MissingDir(t *testing.T) {
	got, err := LoadPackageOverrides(filepath.Join(t.TempDir(), "absent"))
	if err != nil || got != nil {
		t.Fatalf("got %v, %v", got, err)
	}
}

func TestLoadPackageOverrides_BadFileReported(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "good-1.0.0.json"), `{"path": "/good"}`)
	writeFile(t, filepath.Join(dir, "bad-1.0.0.json"), `{"path": "no-slash"}`)

	got, err := LoadPackageOverrides(dir)
	wantErrContains(t, err, "bad-1.0.0.json")
	if len(got) != 1 || got[0].Package != "good-1.0.0" {
		t.Fatalf("good override should still load: %+v", got)
	}
}

func TestMergeMounts(t *testing.T) {
	base := []MountSpec{{
		Package: "test-package-0.1.0.cap",
		Path:    "/app/",
		Domain:  "example.com",
		Options: MountOptions{CacheTTL: time.Hour, Headers: map[string]string{"X-Frame-Options": "SAMEORIGIN"}},
	}}
	overrides := []MountSpec{
		{Package: "test-package-0.1.0", Path: "/app", Port: 8443, HTTPS: true, Options: MountOptions{Headers: map[string]string{"X-Extra": "1"}}},
		{Package: "other-1.0.0", Path: "/other"},
		{Package: "third-2.0.0", Options: MountOptions{Headers: map[string]string{"X-Default": "d"}}},
	}

	got := MergeMounts(base, overrides)
	if len(got) != 3 {
		t.Fatalf("len = %d: %+v", len(got), got)
	}
	m := got[0]
	if m.Port != 8443 || !m.HTTPS || m.Domain != "example.com" || m.Options.CacheTTL != time.Hour {
		t.Errorf("merged = %+v", m)
	}
	if m.Options.Headers["X-Frame-Options"] != "SAMEORIGIN" || m.Options.Headers["X-Extra"] != "1" {
		t.Errorf("headers = %v", m.Options.Headers)
	}
	if got[1].Package != "other-1.0.0" || got[2].Path != "" {
		t.Errorf("appended = %+v", got[1:])
	}
	if _, leaked := base[0].Options.Headers["X-Extra"]; leaked {
		t.Error("MergeMounts mutated its input")
	}
}
