// Package xerrors adds caller locations to errors without changing their
// messages. The logger walks the chain and renders the recorded frames.
package xerrors

import (
	"errors"
	"fmt"
	"runtime"
)

const maxStackDepth = 64

// StackTracer is implemented by errors that carry a captured call stack.
type StackTracer interface {
	StackPCs() []uintptr
}

// Wrapper marks error types produced by this package so log rendering can
// skip them when building the human readable chain.
type Wrapper interface {
	IsXerrorsWrapper()
}

type stacked struct {
	err error
	pcs []uintptr
}

func (s *stacked) Error() string       { return s.err.Error() }
func (s *stacked) Unwrap() error       { return s.err }
func (s *stacked) StackPCs() []uintptr { return s.pcs }
func (s *stacked) IsXerrorsWrapper()   {}

type annotated struct {
	err error
	msg string
	pc  uintptr
}

func (a *annotated) Error() string     { return a.msg + ": " + a.err.Error() }
func (a *annotated) Unwrap() error     { return a.err }
func (a *annotated) PC() uintptr       { return a.pc }
func (a *annotated) IsXerrorsWrapper() {}

// skip counts frames above runtime.Callers itself.
func stackFrom(skip int) []uintptr {
	pcs := make([]uintptr, maxStackDepth)
	n := runtime.Callers(skip+1, pcs)
	return pcs[:n]
}

func pcFrom(skip int) uintptr {
	var pcs [1]uintptr
	if runtime.Callers(skip+1, pcs[:]) == 0 {
		return 0
	}
	return pcs[0]
}

func attachStack(err error, skip int) error {
	if err == nil {
		return nil
	}
	return &stacked{err: err, pcs: stackFrom(skip + 1)}
}

// New returns an error with msg and the caller's stack.
func New(msg string) error { return attachStack(errors.New(msg), 2) }

// Newf is New with fmt.Errorf formatting, so %w is honoured.
func Newf(format string, args ...any) error {
	return attachStack(fmt.Errorf(format, args...), 2)
}

// WithStack attaches the caller's stack to err unconditionally.
func WithStack(err error) error { return attachStack(err, 2) }

// EnsureTrace attaches a stack only if no error in the chain has one.
func EnsureTrace(err error) error {
	if err == nil {
		return nil
	}
	var st StackTracer
	if errors.As(err, &st) && st != nil && len(st.StackPCs()) > 0 {
		return err
	}
	return attachStack(err, 2)
}

// Wrap prefixes err with msg and records the caller's location.
// A nil err yields nil.
func Wrap(err error, msg string) error {
	if err == nil {
		return nil
	}
	return &annotated{err: err, msg: msg, pc: pcFrom(2)}
}

// Wrapf is Wrap with a formatted message.
func Wrapf(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return &annotated{err: err, msg: fmt.Sprintf(format, args...), pc: pcFrom(2)}
}
