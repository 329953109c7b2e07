package opshttp

import (
	"net/http"

	"github.com/capsium/reactor/internal/health"
)

type Options struct {
	Port        int
	Metrics     http.Handler
	EnablePprof bool
	Health      health.Probe
	Readiness   health.Probe

	UseRecoverMW bool
	// OnPanic runs after a recovered panic, typically the panic counter.
	OnPanic func()
}
