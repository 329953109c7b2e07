package version_test

import (
	"strings"
	"testing"

	v "github.com/capsium/reactor/internal/version"
)

func TestVCSDirtyTriState(t *testing.T) {
	t.Cleanup(func() { v.VCSDirty = nil })

	// test binaries carry no vcs settings, so the package value passes through
	v.VCSDirty = nil
	if info := v.Get(); info.VCSDirty != nil {
		t.Fatalf("VCSDirty = %v, want nil", *info.VCSDirty)
	}

	for _, want := range []bool{true, false} {
		b := want
		v.VCSDirty = &b
		info := v.Get()
		if info.VCSDirty == nil || *info.VCSDirty != want {
			t.Fatalf("VCSDirty = %v, want %v", info.VCSDirty, want)
		}
	}
}

func TestInfoString(t *testing.T) {
	dirty := true
	info := v.Info{
		Version:   "v0.3.0",
		Commit:    "0123456789abcdef0123",
		GoVersion: "go1.24.11",
		VCSDirty:  &dirty,
	}
	got := info.String()
	want := "v0.3.0 (commit 0123456789ab, dirty, go1.24.11)"
	if got != want {
		t.Fatalf("String() = %q, want %q", got, want)
	}

	if got := (v.Info{Version: "dev", Commit: "none"}).String(); !strings.HasPrefix(got, "dev (commit none") {
		t.Fatalf("String() = %q", got)
	}
}
