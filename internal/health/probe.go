package health

import (
	"context"
	"sync/atomic"

	"github.com/capsium/reactor/internal/xerrors"
)

// Probe is evaluated at request time: nil is OK, an error is the reason it
// failed.
type Probe interface{ Check(context.Context) error }

// CheckFunc adapts a function into a Probe.
type CheckFunc func(context.Context) error

func (f CheckFunc) Check(ctx context.Context) error { return f(ctx) }

// Fixed always passes, or always fails with reason.
func Fixed(ok bool, reason string) CheckFunc {
	if ok {
		return func(context.Context) error { return nil }
	}
	if reason == "" {
		reason = "unhealthy"
	}
	return func(context.Context) error { return xerrors.New(reason) }
}

// Func adapts a context-free check such as content.Manager.ReadyErr.
func Func(fn func() error) CheckFunc {
	return func(context.Context) error { return fn() }
}

// All passes only if every non-nil probe passes and reports the first
// failure.
func All(ps ...Probe) CheckFunc {
	return func(ctx context.Context) error {
		for _, p := range ps {
			if p == nil {
				continue
			}
			if err := p.Check(ctx); err != nil {
				return err
			}
		}
		return nil
	}
}

// ShutdownGate fails readiness while the process drains. The zero value
// is open.
type ShutdownGate struct {
	reason atomic.Pointer[string]
}

// Set closes the gate; readiness reports reason until Clear.
func (g *ShutdownGate) Set(reason string) {
	if reason == "" {
		reason = "draining"
	}
	g.reason.Store(&reason)
}

func (g *ShutdownGate) Clear() { g.reason.Store(nil) }

func (g *ShutdownGate) Draining() bool { return g.reason.Load() != nil }

func (g *ShutdownGate) Probe() CheckFunc {
	return func(context.Context) error {
		if r := g.reason.Load(); r != nil {
			return xerrors.New(*r)
		}
		return nil
	}
}
