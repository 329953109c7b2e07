package content

import (
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/capsium/reactor/internal/capsule"
	"github.com/capsium/reactor/internal/cfg"
	"github.com/capsium/reactor/internal/cryptoutil"
	"github.com/capsium/reactor/internal/mount"
)

type Source string

const (
	SourceUnknown Source = "unknown"
	SourceDisk    Source = "disk"
	SourceS3      Source = "s3"
)

// Snapshot is one immutable view of the installed packages and their
// mounts. Handlers read it without locking; reloads build a new one.
type Snapshot struct {
	Packages []*capsule.Package
	Mounts   *mount.Table
	Config   *cfg.File

	Source  Source
	Release string
	// Warnings collects non-fatal problems found while loading.
	Warnings []string
	LoadedAt time.Time

	byID map[string]*capsule.Package
}

// NewSnapshot indexes pkgs (sorted by id) and binds them to mounts.
func NewSnapshot(pkgs []*capsule.Package, mounts *mount.Table, file *cfg.File) *Snapshot {
	sorted := append([]*capsule.Package(nil), pkgs...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	s := &Snapshot{
		Packages: sorted,
		Mounts:   mounts,
		Config:   file,
		Source:   SourceDisk,
		byID:     make(map[string]*capsule.Package, len(sorted)),
	}
	for _, p := range sorted {
		s.byID[p.ID] = p
	}
	if s.Config == nil {
		s.Config = cfg.DefaultFile()
	}
	return s
}

func (s *Snapshot) Package(id string) (*capsule.Package, bool) {
	if s == nil {
		return nil, false
	}
	p, ok := s.byID[id]
	return p, ok
}

// Fingerprint summarizes everything a reload could change: package ids,
// tree hashes, validity and every mount field introspection reports.
func (s *Snapshot) Fingerprint() string {
	if s == nil {
		return ""
	}
	var b strings.Builder
	for _, p := range s.Packages {
		b.WriteString(p.ID)
		b.WriteByte(' ')
		b.WriteString(p.ContentHash)
		if !p.Validity.Valid {
			b.WriteString(" invalid")
		}
		b.WriteByte('\n')
	}
	for _, m := range s.Mounts.Mounts() {
		b.WriteString(m.Package + " " + m.Domain + m.Path)
		for _, k := range sortedKeys(m.Headers) {
			b.WriteString(" " + k + "=" + m.Headers[k])
		}
		b.WriteString(" ttl=" + m.CacheTTL.String())
		b.WriteString(" port=" + strconv.Itoa(m.Port))
		if m.HTTPS {
			b.WriteString(" https")
		}
		b.WriteByte('\n')
	}
	if s.Config != nil {
		b.WriteString("cache=" + s.Config.CacheTTL.String())
		if !s.Config.CacheEnabled {
			b.WriteString(" off")
		}
		for _, k := range sortedKeys(s.Config.Headers) {
			b.WriteString(" " + k + "=" + s.Config.Headers[k])
		}
	}
	return cryptoutil.SHA256Hex([]byte(b.String()))
}

func sortedKeys(m map[string]string) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
