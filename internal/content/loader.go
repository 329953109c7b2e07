package content

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/capsium/reactor/internal/capsule"
	"github.com/capsium/reactor/internal/cfg"
	"github.com/capsium/reactor/internal/cryptoutil"
	"github.com/capsium/reactor/internal/log"
	"github.com/capsium/reactor/internal/mount"
	"github.com/capsium/reactor/internal/xerrors"
)

// SignatureSuffix is appended to an archive path to find its cosign bundle.
const SignatureSuffix = capsule.SignatureSuffix

type LoaderOptions struct {
	Logger log.Logger

	// ConfigPath names the JSON reactor config. A missing file means defaults.
	ConfigPath string

	// Verifier checks <archive>.bundle.json sidecars when set. Packages
	// without a verifiable signature are marked invalid.
	Verifier cryptoutil.SignatureVerifier
	// OnSignatureFailure runs once per archive whose signature is rejected.
	OnSignatureFailure func()

	// RequireValid leaves invalid packages unmounted.
	RequireValid bool

	Limits capsule.Limits
	Source Source
}

// Loader builds snapshots from package_dir, the config file and the
// per-package override directory.
type Loader struct {
	opts   LoaderOptions
	logger log.Logger
}

func NewLoader(opts LoaderOptions) (*Loader, error) {
	if strings.TrimSpace(opts.ConfigPath) == "" {
		return nil, xerrors.New("ConfigPath is required")
	}
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	if opts.Source == "" {
		opts.Source = SourceDisk
	}
	return &Loader{opts: opts, logger: opts.Logger}, nil
}

// ReadConfig loads the config file, falling back to defaults when absent.
func (l *Loader) ReadConfig(ctx context.Context) (*cfg.File, error) {
	file, err := cfg.LoadFile(l.opts.ConfigPath)
	if errors.Is(err, fs.ErrNotExist) {
		l.logger.Warn(ctx, "config file not found, using defaults", "path", l.opts.ConfigPath)
		return cfg.DefaultFile(), nil
	}
	if err != nil {
		return nil, err
	}
	return file, nil
}

// candidate is a package found in package_dir.
type candidate struct {
	id      string
	path    string
	archive bool
}

// Load reads every package and returns a new snapshot. Broken packages are
// logged and left out; only config errors fail the load.
func (l *Loader) Load(ctx context.Context) (*Snapshot, error) {
	start := time.Now()
	file, err := l.ReadConfig(ctx)
	if err != nil {
		return nil, err
	}

	var warnings []string
	warn := func(msg string, kv ...any) {
		warnings = append(warnings, msg)
		l.logger.Warn(ctx, msg, kv...)
	}

	overrides, err := cfg.LoadPackageOverrides(file.PackagesConfigDir)
	if err != nil {
		warn("some package config overrides were ignored", "dir", file.PackagesConfigDir, "error", err)
	}
	specs := cfg.MergeMounts(file.Mounts, overrides)

	cands, err := discover(file.PackageDir)
	if err != nil {
		warn("package directory unreadable", "dir", file.PackageDir, "error", err)
	}

	var (
		pkgs      []*capsule.Package
		installed []string
		keep      = make(map[string]bool)
	)
	for _, c := range cands {
		if c.archive {
			keep[c.id] = true
		}
		p, err := l.open(ctx, file, c)
		if err != nil {
			l.logger.Error(ctx, err, "package skipped", "package", c.id, "path", c.path)
			warnings = append(warnings, c.id+": "+err.Error())
			continue
		}
		if !p.Validity.Valid {
			l.logger.Warn(ctx, "package failed validation",
				"package", p.ID,
				"errors", p.Validity.Errors,
				"mounted", !l.opts.RequireValid,
			)
			if l.opts.RequireValid {
				warnings = append(warnings, p.ID+": not mounted, invalid")
				continue
			}
		}
		pkgs = append(pkgs, p)
		installed = append(installed, p.ID)
	}

	pruneExtracted(ctx, l.logger, file.ExtractDir, keep)

	table, mountWarnings := mount.Build(installed, specs)
	for _, w := range mountWarnings {
		warn(w)
	}

	snap := NewSnapshot(pkgs, table, file)
	snap.Source = l.opts.Source
	snap.Warnings = warnings

	l.logger.Info(ctx, "packages loaded",
		"packages", len(pkgs),
		"mounts", len(table.Mounts()),
		"warnings", len(warnings),
		"duration", time.Since(start).String(),
	)
	return snap, nil
}

func (l *Loader) open(ctx context.Context, file *cfg.File, c candidate) (*capsule.Package, error) {
	if !c.archive {
		p, err := capsule.Open(capsule.FindRoot(c.path), c.id)
		if err != nil {
			return nil, err
		}
		if l.opts.Verifier != nil {
			p.Validity = p.Validity.Invalidate("signature: directory packages cannot be verified")
		}
		return p, nil
	}

	ex, err := capsule.Extract(c.path, filepath.Join(file.ExtractDir, c.id), l.opts.Limits)
	if err != nil {
		return nil, xerrors.Wrapf(err, "extract %s", c.path)
	}
	if !ex.Reused {
		l.logger.Info(ctx, "extracted package archive",
			"package", c.id,
			"archive_hash", ex.ArchiveHash,
			"dest", ex.Dir,
		)
	}

	p, err := capsule.Open(capsule.FindRoot(ex.Dir), c.id)
	if err != nil {
		return nil, err
	}
	p.Archive = c.path
	p.ArchiveHash = ex.ArchiveHash

	if l.opts.Verifier != nil {
		if err := l.verifyArchive(ctx, c.path, ex.ArchiveHash); err != nil {
			l.logger.Warn(ctx, "package signature rejected", "package", c.id, "error", err)
			if l.opts.OnSignatureFailure != nil {
				l.opts.OnSignatureFailure()
			}
			p.Validity = p.Validity.Invalidate("signature: " + err.Error())
		}
	}
	return p, nil
}

func (l *Loader) verifyArchive(ctx context.Context, archive, wantHash string) error {
	bundle, err := os.ReadFile(archive + SignatureSuffix)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return xerrors.Newf("missing %s", filepath.Base(archive)+SignatureSuffix)
		}
		return xerrors.Wrap(err, "read signature bundle")
	}
	data, err := os.ReadFile(archive)
	if err != nil {
		return xerrors.Wrap(err, "read archive")
	}
	// the archive may have been replaced since extraction
	if got := cryptoutil.SHA256Hex(data); !cryptoutil.HashEqual(got, wantHash) {
		return xerrors.Newf("archive changed during load (%s != %s)", got, wantHash)
	}
	hint, err := cryptoutil.VerifyBlobSignature(ctx, l.opts.Verifier, bundle, data)
	if err != nil {
		return err
	}
	l.logger.Debug(ctx, "package signature verified", "archive", archive, "key_hint", hint)
	return nil
}

// discover lists packages in dir: *.cap archives and package directories.
// When both x.cap and x/ exist the archive wins.
func discover(dir string) ([]candidate, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, xerrors.Wrapf(err, "read package dir %s", dir)
	}

	byID := make(map[string]candidate)
	for _, e := range entries {
		name := e.Name()
		if strings.HasPrefix(name, ".") {
			continue
		}
		full := filepath.Join(dir, name)
		switch {
		case e.Type().IsRegular() && strings.HasSuffix(name, capsule.ArchiveExt):
			id := capsule.IDFromArchive(name)
			byID[id] = candidate{id: id, path: full, archive: true}
		case e.IsDir():
			if prev, ok := byID[name]; ok && prev.archive {
				continue
			}
			byID[name] = candidate{id: name, path: full}
		}
	}

	out := make([]candidate, 0, len(byID))
	for _, c := range byID {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out, nil
}

// pruneExtracted removes extracted trees whose archive is gone, and temp
// dirs left by interrupted extractions. Only directories Extract created
// are touched.
func pruneExtracted(ctx context.Context, logger log.Logger, dir string, keep map[string]bool) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		name := e.Name()
		full := filepath.Join(dir, name)
		stale := false
		switch {
		case strings.HasPrefix(name, ".") && strings.Contains(name, ".extract-"):
			stale = true
		case !keep[name] && capsule.IsExtracted(full):
			stale = true
		}
		if !stale {
			continue
		}
		if err := os.RemoveAll(full); err != nil {
			logger.Warn(ctx, "failed to prune extracted package", "dir", full, "error", err)
			continue
		}
		logger.Info(ctx, "pruned extracted package", "dir", full)
	}
}
