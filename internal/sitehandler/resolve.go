package sitehandler

import (
	"io/fs"
	"path"
	"strings"

	"github.com/capsium/reactor/internal/pathutil"
)

// cleanRequestPath rejects ambiguous or unsafe request paths and normalizes
// the rest, keeping a trailing slash.
func cleanRequestPath(p string) (string, bool) {
	if p == "" {
		p = "/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	if pathutil.HasUnsafeBytes(p) || pathutil.HasDotSegments(p) {
		return "", false
	}

	trailingSlash := strings.HasSuffix(p, "/")
	clean := path.Clean(p)
	if trailingSlash && clean != "/" {
		clean += "/"
	}
	return clean, true
}

// resolveLanding maps a cleaned URL path to a file in the landing FS.
//
// Returns:
// - file: relative file path within FS (no leading slash)
// - redirectTo: if non-empty, caller should redirect to this URL path
// - ok: whether the mapping is valid/found
func resolveLanding(clean, index string, fsys fs.FS) (file string, redirectTo string, ok bool) {
	if clean == "/" {
		if existsFile(fsys, index) {
			return index, "", true
		}
		return "", "", false
	}

	// directory -> <dir>/index.html
	if strings.HasSuffix(clean, "/") {
		name := strings.TrimPrefix(clean, "/") + index
		if existsFile(fsys, name) {
			return name, "", true
		}
		return "", "", false
	}

	name := strings.TrimPrefix(clean, "/")
	if existsFile(fsys, name) {
		return name, "", true
	}

	// pretty URL for a directory, redirect to the canonical slash form
	if path.Ext(clean) == "" && existsFile(fsys, name+"/"+index) {
		return "", clean + "/", true
	}
	return "", "", false
}

func existsFile(fsys fs.FS, name string) bool {
	if name == "" || !fs.ValidPath(name) {
		return false
	}
	info, err := fs.Stat(fsys, name)
	if err != nil {
		return false
	}
	return !info.IsDir()
}
