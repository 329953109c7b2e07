// Package pathutil holds the slash-path checks shared by request routing and
// archive extraction.
package pathutil

import "strings"

// HasDotSegments reports whether any path segment is "." or "..".
func HasDotSegments(p string) bool {
	for _, seg := range strings.Split(p, "/") {
		if seg == "." || seg == ".." {
			return true
		}
	}
	return false
}

// HasUnsafeBytes reports a NUL or a backslash, which some filesystems treat
// as a separator.
func HasUnsafeBytes(p string) bool {
	return strings.ContainsRune(p, 0) || strings.Contains(p, `\`)
}
