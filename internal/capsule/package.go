// Package capsule reads Capsium packages: zip archives (.cap) or
// directories holding metadata.json, manifest.json, routes.json,
// security.json and a content/ tree.
package capsule

import (
	"bytes"
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/capsium/reactor/internal/cryptoutil"
	"github.com/capsium/reactor/internal/xerrors"
)

const (
	MetadataFile = "metadata.json"
	ManifestFile = "manifest.json"
	RoutesFile   = "routes.json"
	SecurityFile = "security.json"
	ContentDir   = "content"

	// ArchiveExt is the extension of packaged Capsium archives.
	ArchiveExt = ".cap"

	// SignatureSuffix marks a cosign bundle sidecar, "<archive>.bundle.json".
	SignatureSuffix = ".bundle.json"

	// extractMarker records the archive digest an extracted tree came from.
	extractMarker = ".capsium-archive"
)

// ErrNotPackage is returned when a directory holds nothing servable.
var ErrNotPackage = errors.New("not a capsium package")

type Metadata struct {
	Name         string       `json:"name"`
	Version      string       `json:"version"`
	Description  string       `json:"description,omitempty"`
	Dependencies Dependencies `json:"dependencies,omitempty"`
}

// Dependencies maps package name to version constraint. A JSON array of
// names is accepted and given the constraint "*".
type Dependencies map[string]string

func (d *Dependencies) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '[' {
		var names []string
		if err := json.Unmarshal(b, &names); err != nil {
			return err
		}
		out := make(Dependencies, len(names))
		for _, n := range names {
			out[n] = "*"
		}
		*d = out
		return nil
	}
	var m map[string]string
	if err := json.Unmarshal(b, &m); err != nil {
		return err
	}
	*d = m
	return nil
}

type ManifestEntry struct {
	File string `json:"file"`
	MIME string `json:"mime,omitempty"`
}

type Manifest struct {
	Content []ManifestEntry `json:"content"`
}

// Target names the file a route serves. Both {"file": "x"} and "x" decode.
type Target struct {
	File string `json:"file"`
}

func (t *Target) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '"' {
		return json.Unmarshal(b, &t.File)
	}
	type plain Target
	var p plain
	if err := json.Unmarshal(b, &p); err != nil {
		return err
	}
	*t = Target(p)
	return nil
}

type Route struct {
	Path   string `json:"path"`
	Target Target `json:"target"`
}

type routesDoc struct {
	Routes []Route `json:"routes"`
}

// Security carries the integrity claims shipped with a package.
type Security struct {
	ContentHash string            `json:"contentHash,omitempty"`
	Checksums   map[string]string `json:"checksums,omitempty"`
}

// Package is an opened, hashed package tree. It is immutable once Open
// returns and safe for concurrent readers.
type Package struct {
	ID   string
	Root string
	FS   fs.FS

	Metadata    Metadata
	HasMetadata bool
	Manifest    Manifest
	Security    *Security

	// Routes holds declared routes first, then generated ones for paths
	// routes.json does not mention. Targets are Root-relative.
	Routes []Route

	// Files maps Root-relative slash paths to their SHA-256.
	Files       map[string]string
	ContentHash string
	CID         string

	Archive     string
	ArchiveHash string

	Validity Validity

	contentPrefix string
	routeIndex    map[string]string
	mimes         map[string]string
	problems      []string
}

// Open reads the package rooted at root. Descriptor parse failures do not
// fail Open; they are reported through Validity.
func Open(root, id string) (*Package, error) {
	st, err := os.Stat(root)
	if err != nil {
		return nil, xerrors.Wrapf(err, "open package %s", id)
	}
	if !st.IsDir() {
		return nil, xerrors.Newf("package %s: %s is not a directory", id, root)
	}

	p := &Package{ID: id, Root: root, FS: os.DirFS(root)}

	if err := p.hashTree(); err != nil {
		return nil, err
	}
	if len(p.Files) == 0 {
		return nil, xerrors.Wrapf(ErrNotPackage, "package %s: no files under %s", id, root)
	}
	if _, err := fs.Stat(p.FS, ContentDir); err == nil {
		p.contentPrefix = ContentDir + "/"
	}

	p.readDescriptors()
	p.buildRoutes()
	p.Validity = p.validate()
	return p, nil
}

func (p *Package) readDescriptors() {
	if ok := p.readJSON(MetadataFile, &p.Metadata); ok {
		p.HasMetadata = true
	}
	name, version := SplitID(p.ID)
	if p.Metadata.Name == "" {
		p.Metadata.Name = name
	}
	if p.Metadata.Version == "" {
		p.Metadata.Version = version
	}

	p.readJSON(ManifestFile, &p.Manifest)
	p.mimes = make(map[string]string, len(p.Manifest.Content))
	for _, e := range p.Manifest.Content {
		if e.MIME == "" {
			continue
		}
		if f, ok := p.lookupFile(e.File); ok {
			p.mimes[f] = e.MIME
		}
	}

	var sec Security
	if p.readJSON(SecurityFile, &sec) {
		p.Security = &sec
	}
}

// readJSON decodes name if present. Missing files are silent; malformed
// ones are recorded as problems.
func (p *Package) readJSON(name string, v any) bool {
	data, err := fs.ReadFile(p.FS, name)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			p.problems = append(p.problems, name+": "+err.Error())
		}
		return false
	}
	if err := json.Unmarshal(data, v); err != nil {
		p.problems = append(p.problems, name+": "+err.Error())
		return false
	}
	return true
}

func (p *Package) hashTree() error {
	p.Files = make(map[string]string)
	err := filepath.WalkDir(p.Root, func(full string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(p.Root, full)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if rel == extractMarker {
			return nil
		}
		if !d.Type().IsRegular() {
			p.problems = append(p.problems, rel+": not a regular file")
			return nil
		}
		sum, _, err := cryptoutil.SHA256File(full)
		if err != nil {
			return xerrors.Wrapf(err, "hash %s", rel)
		}
		p.Files[rel] = sum
		return nil
	})
	if err != nil {
		return xerrors.Wrapf(err, "walk package %s", p.ID)
	}

	p.ContentHash = TreeHash(p.Files)
	if c, err := cryptoutil.CIDFromSHA256Hex(p.ContentHash); err == nil {
		p.CID = c
	}
	return nil
}

// TreeHash digests a file listing: SHA-256 over sorted lines of
// "<sha256>  <path>\n", leaving out security.json, which carries the hash,
// and signature sidecars.
func TreeHash(files map[string]string) string {
	paths := make([]string, 0, len(files))
	for p := range files {
		if p == SecurityFile || strings.HasSuffix(p, SignatureSuffix) {
			continue
		}
		paths = append(paths, p)
	}
	sort.Strings(paths)

	var b strings.Builder
	for _, p := range paths {
		b.WriteString(files[p])
		b.WriteString("  ")
		b.WriteString(p)
		b.WriteByte('\n')
	}
	return cryptoutil.SHA256Hex([]byte(b.String()))
}

// lookupFile resolves a descriptor reference, first under content/ and
// then relative to the package root.
func (p *Package) lookupFile(ref string) (string, bool) {
	ref = strings.TrimPrefix(path.Clean("/"+strings.TrimSpace(ref)), "/")
	if ref == "" || ref == "." {
		return "", false
	}
	if p.contentPrefix != "" {
		if _, ok := p.Files[p.contentPrefix+ref]; ok {
			return p.contentPrefix + ref, true
		}
	}
	if _, ok := p.Files[ref]; ok {
		return ref, true
	}
	return "", false
}

// Resolve maps a package-relative URL path ("/", "/docs/a.xml") to a
// Root-relative file.
func (p *Package) Resolve(urlPath string) (string, bool) {
	if urlPath == "" {
		urlPath = "/"
	}
	f, ok := p.routeIndex[urlPath]
	return f, ok
}

// ContentType returns the manifest MIME type for file, falling back to
// the file extension.
func (p *Package) ContentType(file string) string {
	if m, ok := p.mimes[file]; ok {
		return m
	}
	return ContentTypeFor(file)
}

// Name and Version are shorthands for the metadata fields.
func (p *Package) Name() string    { return p.Metadata.Name }
func (p *Package) Version() string { return p.Metadata.Version }

// SplitID derives name and version from an id such as
// "mn-samples-iso-0.1.0". The version starts after the last '-' that is
// followed by a digit.
func SplitID(id string) (name, version string) {
	for i := len(id) - 2; i > 0; i-- {
		if id[i] == '-' && id[i+1] >= '0' && id[i+1] <= '9' {
			return id[:i], id[i+1:]
		}
	}
	return id, ""
}

// IDFromArchive returns the package id for an archive file name.
func IDFromArchive(name string) string {
	return strings.TrimSuffix(filepath.Base(name), ArchiveExt)
}
