package content

import (
	"strings"
	"testing"

	"github.com/capsium/reactor/internal/capsule"
	"github.com/capsium/reactor/internal/cfg"
	"github.com/capsium/reactor/internal/mount"
)

func TestValidateSnapshot(t *testing.T) {
	good := openPackage(t, "site-1.0.0", sitePackage("a"))
	empty := &capsule.Package{ID: "empty-1"}

	orphan, _ := mount.Build([]string{"site-1.0.0", "ghost-1"}, nil)

	tests := []struct {
		name    string
		snap    *Snapshot
		opts    ValidationOptions
		wantErr string
	}{
		{"nil snapshot", nil, DefaultValidationOptions(), "nil"},
		{"no mount table", &Snapshot{}, DefaultValidationOptions(), "mount table"},
		{"ok", snapshotOf(t, good), DefaultValidationOptions(), ""},
		{"empty is fine by default", snapshotOf(t), DefaultValidationOptions(), ""},
		{"min packages", snapshotOf(t), ValidationOptions{MinPackages: 1}, "minimum"},
		{"no routes", snapshotOf(t, empty), DefaultValidationOptions(), "no servable routes"},
		{"no routes allowed", snapshotOf(t, empty), ValidationOptions{}, ""},
		{"orphan mount", NewSnapshot([]*capsule.Package{good}, orphan, cfg.DefaultFile()), ValidationOptions{}, "unknown package"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateSnapshot(tt.snap, tt.opts)
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("err = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}
