package content

import (
	"github.com/capsium/reactor/internal/xerrors"
)

// ValidationOptions controls which checks ValidateSnapshot performs.
type ValidationOptions struct {
	// MinPackages rejects snapshots with fewer packages. 0 disables the check.
	MinPackages int

	// RequireRoutes rejects snapshots holding a package with nothing to serve.
	RequireRoutes bool
}

// DefaultValidationOptions returns the production defaults.
func DefaultValidationOptions() ValidationOptions {
	return ValidationOptions{RequireRoutes: true}
}

// ValidateSnapshot sanity-checks a snapshot before it is swapped in.
// Returns the first failure.
func ValidateSnapshot(snap *Snapshot, opts ValidationOptions) error {
	if snap == nil {
		return xerrors.New("validate: snapshot is nil")
	}
	if snap.Mounts == nil {
		return xerrors.New("validate: snapshot has no mount table")
	}
	if opts.MinPackages > 0 && len(snap.Packages) < opts.MinPackages {
		return xerrors.Newf("validate: snapshot has %d packages, minimum is %d", len(snap.Packages), opts.MinPackages)
	}

	for _, p := range snap.Packages {
		if p == nil {
			return xerrors.New("validate: snapshot holds a nil package")
		}
		if opts.RequireRoutes && len(p.Routes) == 0 {
			return xerrors.Newf("validate: package %s has no servable routes", p.ID)
		}
	}

	for _, m := range snap.Mounts.Mounts() {
		if _, ok := snap.Package(m.Package); !ok {
			return xerrors.Newf("validate: mount %s%s references unknown package %s", m.Domain, m.Path, m.Package)
		}
	}
	return nil
}
