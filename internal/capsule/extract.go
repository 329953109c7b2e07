package capsule

import (
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zip"

	"github.com/capsium/reactor/internal/cryptoutil"
	"github.com/capsium/reactor/internal/pathutil"
	"github.com/capsium/reactor/internal/xerrors"
)

// Limits bounds what Extract will unpack.
type Limits struct {
	MaxArchiveBytes int64
	MaxFileBytes    int64
	MaxTotalBytes   int64
	MaxFiles        int
}

var DefaultLimits = Limits{
	MaxArchiveBytes: 256 << 20,
	MaxFileBytes:    64 << 20,
	MaxTotalBytes:   1 << 30,
	MaxFiles:        20000,
}

func (l Limits) orDefault() Limits {
	if l.MaxArchiveBytes <= 0 {
		l.MaxArchiveBytes = DefaultLimits.MaxArchiveBytes
	}
	if l.MaxFileBytes <= 0 {
		l.MaxFileBytes = DefaultLimits.MaxFileBytes
	}
	if l.MaxTotalBytes <= 0 {
		l.MaxTotalBytes = DefaultLimits.MaxTotalBytes
	}
	if l.MaxFiles <= 0 {
		l.MaxFiles = DefaultLimits.MaxFiles
	}
	return l
}

// Extraction describes the result of Extract.
type Extraction struct {
	Dir         string
	ArchiveHash string
	// Reused is true when Dir already held this archive's contents.
	Reused bool
}

// Extract unpacks the .cap archive into dst. The tree is built in a
// sibling temp dir and renamed into place, so dst is never half-written.
// If dst already records the same archive digest it is left untouched.
func Extract(archive, dst string, lim Limits) (Extraction, error) {
	lim = lim.orDefault()

	st, err := os.Stat(archive)
	if err != nil {
		return Extraction{}, xerrors.Wrap(err, "stat archive")
	}
	if st.Size() > lim.MaxArchiveBytes {
		return Extraction{}, xerrors.Newf("archive %s exceeds max size (%d > %d)", archive, st.Size(), lim.MaxArchiveBytes)
	}

	sum, _, err := cryptoutil.SHA256File(archive)
	if err != nil {
		return Extraction{}, xerrors.Wrapf(err, "hash %s", archive)
	}

	if prev, err := os.ReadFile(filepath.Join(dst, extractMarker)); err == nil && cryptoutil.HashEqual(strings.TrimSpace(string(prev)), sum) {
		return Extraction{Dir: dst, ArchiveHash: sum, Reused: true}, nil
	}

	parent := filepath.Dir(dst)
	if err := os.MkdirAll(parent, 0o755); err != nil {
		return Extraction{}, xerrors.Wrapf(err, "create %s", parent)
	}
	tmp, err := os.MkdirTemp(parent, "."+filepath.Base(dst)+".extract-")
	if err != nil {
		return Extraction{}, xerrors.Wrap(err, "create temp dir")
	}
	cleanup := true
	defer func() {
		if cleanup {
			_ = os.RemoveAll(tmp)
		}
	}()

	if err := unzip(archive, tmp, lim); err != nil {
		return Extraction{}, err
	}
	if err := os.WriteFile(filepath.Join(tmp, extractMarker), []byte(sum+"\n"), 0o644); err != nil {
		return Extraction{}, xerrors.Wrap(err, "write extract marker")
	}

	if err := os.RemoveAll(dst); err != nil {
		return Extraction{}, xerrors.Wrapf(err, "remove stale %s", dst)
	}
	if err := os.Rename(tmp, dst); err != nil {
		return Extraction{}, xerrors.Wrapf(err, "move extracted tree to %s", dst)
	}
	cleanup = false
	return Extraction{Dir: dst, ArchiveHash: sum}, nil
}

func unzip(archive, dst string, lim Limits) error {
	zr, err := zip.OpenReader(archive)
	if err != nil {
		return xerrors.Wrapf(err, "open zip %s", archive)
	}
	defer zr.Close()

	if len(zr.File) > lim.MaxFiles {
		return xerrors.Newf("archive has %d entries, limit %d", len(zr.File), lim.MaxFiles)
	}

	var total int64
	for _, f := range zr.File {
		target, err := sanitizeEntry(dst, f.Name)
		if err != nil {
			return err
		}
		if target == "" {
			continue
		}

		mode := f.Mode()
		switch {
		case mode.IsDir():
			if err := os.MkdirAll(target, 0o755); err != nil {
				return xerrors.Wrapf(err, "mkdir %s", f.Name)
			}
			continue
		case mode&fs.ModeSymlink != 0:
			return xerrors.Newf("symlink in archive: %s", f.Name)
		case !mode.IsRegular():
			return xerrors.Newf("unsupported entry type in archive: %s (%s)", f.Name, mode.Type())
		}

		if f.UncompressedSize64 > uint64(lim.MaxFileBytes) {
			return xerrors.Newf("file %s exceeds max size (%d > %d)", f.Name, f.UncompressedSize64, lim.MaxFileBytes)
		}
		n, err := writeEntry(f, target, lim.MaxFileBytes)
		if err != nil {
			return err
		}
		total += n
		if total > lim.MaxTotalBytes {
			return xerrors.Newf("total extracted size exceeds limit (%d bytes, max %d)", total, lim.MaxTotalBytes)
		}
	}
	return nil
}

func writeEntry(f *zip.File, target string, maxBytes int64) (int64, error) {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return 0, xerrors.Wrapf(err, "mkdir for %s", f.Name)
	}
	rc, err := f.Open()
	if err != nil {
		return 0, xerrors.Wrapf(err, "open entry %s", f.Name)
	}
	defer rc.Close()

	out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return 0, xerrors.Wrapf(err, "create %s", target)
	}
	// declared sizes can lie; enforce on the decompressed stream too
	n, err := io.Copy(out, io.LimitReader(rc, maxBytes+1))
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return n, xerrors.Wrapf(err, "write %s", f.Name)
	}
	if n > maxBytes {
		return n, xerrors.Newf("file %s exceeds max size after decompression", f.Name)
	}
	return n, nil
}

// sanitizeEntry maps an archive entry name to a path under dst. It returns
// "" for entries that resolve to dst itself.
func sanitizeEntry(dst, name string) (string, error) {
	if pathutil.HasUnsafeBytes(name) {
		return "", xerrors.Newf("invalid entry name in archive: %q", name)
	}
	if path.IsAbs(name) {
		return "", xerrors.Newf("absolute path in archive: %s", name)
	}
	clean := path.Clean(name)
	if clean == "." {
		return "", nil
	}
	if clean == ".." || strings.HasPrefix(clean, "../") {
		return "", xerrors.Newf("path traversal in archive: %s", name)
	}
	target := filepath.Join(dst, filepath.FromSlash(clean))
	rel, err := filepath.Rel(dst, target)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", xerrors.Newf("path escapes destination: %s", name)
	}
	if strings.HasSuffix(name, "/") {
		return target + string(filepath.Separator), nil
	}
	return target, nil
}

// FindRoot returns the directory under dir that holds the package
// descriptors. Archives commonly wrap everything in one top-level folder.
func FindRoot(dir string) string {
	for depth := 0; depth < 2; depth++ {
		if looksLikeRoot(dir) {
			return dir
		}
		entries, err := os.ReadDir(dir)
		if err != nil {
			return dir
		}
		var only string
		n := 0
		for _, e := range entries {
			if e.Name() == extractMarker || strings.HasPrefix(e.Name(), ".") {
				continue
			}
			n++
			if e.IsDir() {
				only = e.Name()
			}
		}
		if n != 1 || only == "" {
			return dir
		}
		dir = filepath.Join(dir, only)
	}
	return dir
}

func looksLikeRoot(dir string) bool {
	for _, name := range []string{MetadataFile, ManifestFile, ContentDir} {
		if _, err := os.Stat(filepath.Join(dir, name)); err == nil {
			return true
		}
	}
	return false
}

// IsExtracted reports whether dir was produced by Extract.
func IsExtracted(dir string) bool {
	st, err := os.Stat(filepath.Join(dir, extractMarker))
	return err == nil && st.Mode().IsRegular()
}
