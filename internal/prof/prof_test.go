package prof

import (
	"context"
	"strings"
	"testing"

	"github.com/grafana/pyroscope-go"

	"github.com/capsium/reactor/internal/log"
)

func TestStart_Disabled(t *testing.T) {
	ctx := log.WithContext(context.Background(), log.Nop())
	stop, err := Start(ctx, Options{Enabled: false, ProfileMutexFraction: 999})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	stop()
	stop()
}

func TestStart_MissingAddress(t *testing.T) {
	stop, err := Start(context.Background(), Options{Enabled: true, AppName: "capsium.reactor"})
	if err == nil || !strings.Contains(err.Error(), "server address") {
		t.Fatalf("err = %v", err)
	}
	if stop == nil {
		t.Fatal("stop is nil on error")
	}
	stop()
}

func TestProfileTypes(t *testing.T) {
	has := func(types []pyroscope.ProfileType, want pyroscope.ProfileType) bool {
		for _, p := range types {
			if p == want {
				return true
			}
		}
		return false
	}

	base := Options{}.profileTypes()
	if !has(base, pyroscope.ProfileCPU) || has(base, pyroscope.ProfileMutexCount) || has(base, pyroscope.ProfileBlockCount) {
		t.Errorf("base types = %v", base)
	}
	full := Options{ProfileMutexFraction: 5, BlockProfileRate: 1000}.profileTypes()
	if !has(full, pyroscope.ProfileMutexDuration) || !has(full, pyroscope.ProfileBlockDuration) {
		t.Errorf("full types = %v", full)
	}
}
