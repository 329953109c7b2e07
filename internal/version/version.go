// Package version carries build metadata stamped in with -ldflags, topped up
// from the module build info when the linker left a field empty.
package version

import (
	"fmt"
	"runtime/debug"
)

var (
	Version    = "dev"
	Commit     = "none"
	CommitDate string
	BuildDate  string
	BuildId    string
	GoVersion  string
	VCSDirty   *bool
)

const shortCommitLen = 12

type Info struct {
	Version    string `json:"version"`
	Commit     string `json:"commit"`
	CommitDate string `json:"commit_date"`
	BuildDate  string `json:"build_date"`
	BuildId    string `json:"build_id"`
	GoVersion  string `json:"go_version"`
	VCSDirty   *bool  `json:"vcs_dirty,omitempty"`
}

// Get merges the ldflags values with debug.ReadBuildInfo. Linker values win
// except for the Go version and the dirty flag, which the toolchain knows better.
func Get() Info {
	out := Info{
		Version:    Version,
		Commit:     Commit,
		CommitDate: CommitDate,
		BuildDate:  BuildDate,
		BuildId:    BuildId,
		GoVersion:  GoVersion,
		VCSDirty:   VCSDirty,
	}

	bi, ok := debug.ReadBuildInfo()
	if !ok {
		return out
	}
	out.GoVersion = bi.GoVersion
	for _, s := range bi.Settings {
		switch s.Key {
		case "vcs.revision":
			if out.Commit == "none" && s.Value != "" {
				out.Commit = s.Value
			}
		case "vcs.time":
			out.CommitDate = s.Value
			if out.BuildDate == "" {
				out.BuildDate = s.Value
			}
		case "vcs.modified":
			if s.Value == "true" || s.Value == "false" {
				dirty := s.Value == "true"
				out.VCSDirty = &dirty
			}
		}
	}
	return out
}

// String is the one-line form printed by -version and logged at startup.
func (i Info) String() string {
	commit := i.Commit
	if len(commit) > shortCommitLen {
		commit = commit[:shortCommitLen]
	}
	s := fmt.Sprintf("%s (commit %s", i.Version, commit)
	if i.VCSDirty != nil && *i.VCSDirty {
		s += ", dirty"
	}
	if i.GoVersion != "" {
		s += ", " + i.GoVersion
	}
	return s + ")"
}
