package cfg

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"

	"github.com/capsium/reactor/internal/log"
	"github.com/capsium/reactor/internal/xerrors"
)

// File is the JSON reactor configuration.
type File struct {
	PackageDir        string            `mapstructure:"package_dir"`
	ExtractDir        string            `mapstructure:"extract_dir"`
	PackagesConfigDir string            `mapstructure:"packages_config_dir"`
	CacheEnabled      bool              `mapstructure:"cache_enabled"`
	CacheTTL          time.Duration     `mapstructure:"cache_ttl"`
	LogLevel          string            `mapstructure:"log_level"`
	Headers           map[string]string `mapstructure:"headers"`
	ServerHeader      string            `mapstructure:"server_header"`
	Mounts            []MountSpec       `mapstructure:"mounts"`
}

// MountSpec binds a package to a URL path and optionally a domain. An empty
// Path with an empty Domain carries options for the package's default
// /capsium/<id> namespace.
type MountSpec struct {
	Package string       `mapstructure:"package"`
	Path    string       `mapstructure:"path"`
	Domain  string       `mapstructure:"domain"`
	Port    int          `mapstructure:"port"`
	HTTPS   bool         `mapstructure:"https"`
	Options MountOptions `mapstructure:"options"`
}

type MountOptions struct {
	CacheTTL time.Duration     `mapstructure:"cache_ttl"`
	Headers  map[string]string `mapstructure:"headers"`
}

// PackageID strips the archive extension from a configured package name.
func PackageID(name string) string {
	return strings.TrimSuffix(strings.TrimSpace(name), ".cap")
}

const (
	DefaultPackageDir        = "/var/lib/capsium/packages"
	DefaultExtractDir        = "/var/lib/capsium/extracted"
	DefaultPackagesConfigDir = "/etc/capsium/packages"
	DefaultCacheTTL          = time.Hour
)

func setFileDefaults(v *viper.Viper) {
	v.SetDefault("package_dir", DefaultPackageDir)
	v.SetDefault("extract_dir", DefaultExtractDir)
	v.SetDefault("packages_config_dir", DefaultPackagesConfigDir)
	v.SetDefault("cache_enabled", true)
	v.SetDefault("cache_ttl", int(DefaultCacheTTL/time.Second))
	v.SetDefault("log_level", "info")
}

// DefaultFile returns the configuration used when no file is present.
func DefaultFile() *File {
	return &File{
		PackageDir:        DefaultPackageDir,
		ExtractDir:        DefaultExtractDir,
		PackagesConfigDir: DefaultPackagesConfigDir,
		CacheEnabled:      true,
		CacheTTL:          DefaultCacheTTL,
		LogLevel:          "info",
	}
}

// LoadFile reads and validates the JSON config at path. A missing file
// yields an error matching fs.ErrNotExist.
func LoadFile(path string) (*File, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, xerrors.Wrap(err, "stat config")
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("json")
	setFileDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, xerrors.Wrapf(err, "read config %s", path)
	}

	var f File
	if err := v.Unmarshal(&f, viper.DecodeHook(secondsDurationHook())); err != nil {
		return nil, xerrors.Wrapf(err, "decode config %s", path)
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return &f, nil
}

// LoadPackageOverrides reads every <package-id>.json in dir. A missing
// directory is not an error. Files are returned sorted by package id.
func LoadPackageOverrides(dir string) ([]MountSpec, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, xerrors.Wrapf(err, "read packages config dir %s", dir)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	var (
		out  []MountSpec
		errs []error
	)
	for _, name := range names {
		m, err := loadOverride(filepath.Join(dir, name))
		if err != nil {
			errs = append(errs, err)
			continue
		}
		m.Package = strings.TrimSuffix(name, ".json")
		if err := validateMount(m, "packages/"+name); err != nil {
			errs = append(errs, err)
			continue
		}
		out = append(out, m)
	}
	return out, errors.Join(errs...)
}

func loadOverride(path string) (MountSpec, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("json")
	if err := v.ReadInConfig(); err != nil {
		return MountSpec{}, xerrors.Wrapf(err, "read package config %s", path)
	}
	var m MountSpec
	if err := v.Unmarshal(&m, viper.DecodeHook(secondsDurationHook())); err != nil {
		return MountSpec{}, xerrors.Wrapf(err, "decode package config %s", path)
	}
	return m, nil
}

// MergeMounts overlays per-package overrides onto the configured mounts.
// An override matches the first mount with the same package and either the
// same path or no path of its own; matched fields that are set replace the
// mount's and headers are merged. Unmatched overrides become new mounts.
func MergeMounts(base, overrides []MountSpec) []MountSpec {
	out := make([]MountSpec, 0, len(base)+len(overrides))
	for _, m := range base {
		m.Options.Headers = cloneHeaders(m.Options.Headers)
		out = append(out, m)
	}

	for _, ov := range overrides {
		id := PackageID(ov.Package)
		idx := -1
		for i := range out {
			if PackageID(out[i].Package) != id {
				continue
			}
			if (ov.Path == "" && ov.Domain == "") || normalizePath(ov.Path) == normalizePath(out[i].Path) {
				idx = i
				break
			}
		}
		if idx < 0 {
			ov.Options.Headers = cloneHeaders(ov.Options.Headers)
			out = append(out, ov)
			continue
		}
		m := &out[idx]
		if ov.Path != "" {
			m.Path = ov.Path
		}
		if ov.Domain != "" {
			m.Domain = ov.Domain
		}
		if ov.Port != 0 {
			m.Port = ov.Port
		}
		if ov.HTTPS {
			m.HTTPS = true
		}
		if ov.Options.CacheTTL > 0 {
			m.Options.CacheTTL = ov.Options.CacheTTL
		}
		for k, v := range ov.Options.Headers {
			if m.Options.Headers == nil {
				m.Options.Headers = make(map[string]string)
			}
			m.Options.Headers[k] = v
		}
	}
	return out
}

func cloneHeaders(h map[string]string) map[string]string {
	if h == nil {
		return nil
	}
	out := make(map[string]string, len(h))
	for k, v := range h {
		out[k] = v
	}
	return out
}

func normalizePath(p string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return ""
	}
	return "/" + strings.Trim(p, "/")
}

// Validate collects every problem in the file config.
func (f *File) Validate() error {
	var errs []error
	if strings.TrimSpace(f.PackageDir) == "" {
		errs = append(errs, fmt.Errorf("package_dir is required"))
	}
	if strings.TrimSpace(f.ExtractDir) == "" {
		errs = append(errs, fmt.Errorf("extract_dir is required"))
	}
	if f.PackageDir != "" && filepath.Clean(f.PackageDir) == filepath.Clean(f.ExtractDir) {
		errs = append(errs, fmt.Errorf("extract_dir must differ from package_dir"))
	}
	if f.CacheTTL < 0 {
		errs = append(errs, fmt.Errorf("cache_ttl must not be negative (got %s)", f.CacheTTL))
	}
	if f.LogLevel != "" {
		if _, err := log.ParseLevel(f.LogLevel); err != nil {
			errs = append(errs, fmt.Errorf("invalid log_level: %w", err))
		}
	}
	for name := range f.Headers {
		if !validHeaderName(name) {
			errs = append(errs, fmt.Errorf("headers: invalid header name %q", name))
		}
	}
	for i, m := range f.Mounts {
		if err := validateMount(m, fmt.Sprintf("mounts[%d]", i)); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

var reservedPrefixes = []string{"/api/v1/introspect", "/-/"}

func validateMount(m MountSpec, where string) error {
	var errs []error
	if PackageID(m.Package) == "" {
		errs = append(errs, fmt.Errorf("%s: package is required", where))
	}
	if m.Path != "" {
		if !strings.HasPrefix(m.Path, "/") {
			errs = append(errs, fmt.Errorf("%s: path %q must start with /", where, m.Path))
		}
		if strings.ContainsAny(m.Path, "?#\\ ") || strings.Contains(m.Path, "..") {
			errs = append(errs, fmt.Errorf("%s: path %q contains invalid characters", where, m.Path))
		}
		for _, r := range reservedPrefixes {
			if strings.HasPrefix(normalizePath(m.Path)+"/", r) {
				errs = append(errs, fmt.Errorf("%s: path %q is reserved", where, m.Path))
			}
		}
	}
	if m.Domain != "" && strings.ContainsAny(m.Domain, "/: ") {
		errs = append(errs, fmt.Errorf("%s: domain %q must be a bare host name", where, m.Domain))
	}
	if m.Port < 0 || m.Port > 65535 {
		errs = append(errs, fmt.Errorf("%s: port %d out of range", where, m.Port))
	}
	if m.Options.CacheTTL < 0 {
		errs = append(errs, fmt.Errorf("%s: options.cache_ttl must not be negative", where))
	}
	for name := range m.Options.Headers {
		if !validHeaderName(name) {
			errs = append(errs, fmt.Errorf("%s: invalid header name %q", where, name))
		}
	}
	return errors.Join(errs...)
}

func validHeaderName(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case strings.ContainsRune("!#$%&'*+-.^_`|~", r):
		default:
			return false
		}
	}
	return true
}

// secondsDurationHook accepts durations as JSON numbers of seconds or as Go
// duration strings ("90s", "1h").
func secondsDurationHook() mapstructure.DecodeHookFunc {
	target := reflect.TypeOf(time.Duration(0))
	return func(_ reflect.Type, to reflect.Type, data any) (any, error) {
		if to != target {
			return data, nil
		}
		switch v := data.(type) {
		case string:
			if v == "" {
				return time.Duration(0), nil
			}
			if d, err := time.ParseDuration(v); err == nil {
				return d, nil
			}
			secs, err := strconv.ParseFloat(v, 64)
			if err != nil {
				return nil, fmt.Errorf("invalid duration %q", v)
			}
			return time.Duration(secs * float64(time.Second)), nil
		case int:
			return time.Duration(v) * time.Second, nil
		case int64:
			return time.Duration(v) * time.Second, nil
		case float64:
			return time.Duration(v * float64(time.Second)), nil
		case time.Duration:
			return v, nil
		default:
			return nil, fmt.Errorf("unsupported duration type %T", data)
		}
	}
}
