package pathutil

import "testing"

func TestHasDotSegments(t *testing.T) {
	tests := []struct {
		path string
		want bool
	}{
		{"/capsium/site-1.0.0/index.html", false},
		{"/app/./index.html", true},
		{"/app/../etc/passwd", true},
		{"content/..", true},
		{".", true},
		{"/...", false},
		{"/.well-known/security.txt", false},
		{"/capsium/./", true},
	}
	for _, tt := range tests {
		if got := HasDotSegments(tt.path); got != tt.want {
			t.Errorf("HasDotSegments(%q) = %v, want %v", tt.path, got, tt.want)
		}
	}
}

func TestHasUnsafeBytes(t *testing.T) {
	tests := []struct {
		path string
		want bool
	}{
		{"content/index.html", false},
		{`content\index.html`, true},
		{"content/index.html\x00.png", true},
		{"", false},
	}
	for _, tt := range tests {
		if got := HasUnsafeBytes(tt.path); got != tt.want {
			t.Errorf("HasUnsafeBytes(%q) = %v, want %v", tt.path, got, tt.want)
		}
	}
}

func FuzzHasDotSegments(f *testing.F) {
	for _, s := range []string{"a/./b", "a/../b", "./a", "a/.", "..", "a/b", "..."} {
		f.Add(s)
	}
	f.Fuzz(func(t *testing.T, p string) {
		if !HasDotSegments(p) {
			return
		}
		if !HasDotSegments("/x/" + p) {
			t.Errorf("prefixing %q hid its dot segment", p)
		}
	})
}
