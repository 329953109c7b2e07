package capsule

import (
	"fmt"
	"sort"

	"github.com/capsium/reactor/internal/cryptoutil"
)

// Validity is the integrity verdict for a package.
type Validity struct {
	Valid  bool     `json:"valid"`
	Errors []string `json:"errors,omitempty"`
}

// Invalidate returns a copy of v with msg appended and Valid cleared.
func (v Validity) Invalidate(msg string) Validity {
	errs := make([]string, 0, len(v.Errors)+1)
	errs = append(errs, v.Errors...)
	errs = append(errs, msg)
	return Validity{Valid: false, Errors: errs}
}

// validate checks descriptor parse problems, manifest and route targets,
// per-file checksums, and the declared tree hash.
func (p *Package) validate() Validity {
	errs := append([]string(nil), p.problems...)

	for _, e := range p.Manifest.Content {
		if _, ok := p.lookupFile(e.File); !ok {
			errs = append(errs, fmt.Sprintf("%s: missing file %q", ManifestFile, e.File))
		}
	}

	if p.Security != nil {
		names := make([]string, 0, len(p.Security.Checksums))
		for name := range p.Security.Checksums {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			want := p.Security.Checksums[name]
			f, ok := p.lookupFile(name)
			if !ok {
				errs = append(errs, fmt.Sprintf("%s: checksum for missing file %q", SecurityFile, name))
				continue
			}
			if !cryptoutil.HashEqual(p.Files[f], want) {
				errs = append(errs, fmt.Sprintf("%s: checksum mismatch for %q", SecurityFile, name))
			}
		}
		if p.Security.ContentHash != "" && !cryptoutil.HashEqual(p.Security.ContentHash, p.ContentHash) {
			errs = append(errs, fmt.Sprintf("%s: contentHash %s does not match computed %s", SecurityFile, p.Security.ContentHash, p.ContentHash))
		}
	}

	return Validity{Valid: len(errs) == 0, Errors: errs}
}
