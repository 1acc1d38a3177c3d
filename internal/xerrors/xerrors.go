// Package xerrors attaches call-site information to errors so the logger can
// report where a failure was created or wrapped.
//
// New/Newf and WithStack capture a full stack. Wrap/Wrapf record a single
// program counter for the wrapping call site.
package xerrors

import (
	"errors"
	"fmt"
	"runtime"
)

const maxStackDepth = 64

// stacked carries a captured stack alongside the error it decorates.
type stacked struct {
	err error
	pcs []uintptr
}

func (s *stacked) Error() string       { return s.err.Error() }
func (s *stacked) Unwrap() error       { return s.err }
func (s *stacked) StackPCs() []uintptr { return s.pcs }
func (s *stacked) IsXerrorsWrapper()   {}

// wrapped adds a message prefix and the PC of the wrapping call.
type wrapped struct {
	err error
	msg string
	pc  uintptr
}

func (w *wrapped) Error() string     { return w.msg + ": " + w.err.Error() }
func (w *wrapped) Unwrap() error     { return w.err }
func (w *wrapped) PC() uintptr       { return w.pc }
func (w *wrapped) IsXerrorsWrapper() {}

// callers returns the stack above the caller of the exported function that
// invoked it. skip counts frames above runtime.Callers and callers itself.
func callers(skip int) []uintptr {
	pcs := make([]uintptr, maxStackDepth)
	n := runtime.Callers(2+skip, pcs)
	return pcs[:n]
}

func callerPC(skip int) uintptr {
	var pcs [1]uintptr
	if runtime.Callers(2+skip, pcs[:]) == 0 {
		return 0
	}
	return pcs[0]
}

func stack(err error, skip int) error {
	if err == nil {
		return nil
	}
	return &stacked{err: err, pcs: callers(skip + 1)}
}

// New returns an error with msg and a stack captured at the caller.
func New(msg string) error { return stack(errors.New(msg), 1) }

// Newf is New with fmt formatting. %w is honored.
func Newf(format string, args ...any) error { return stack(fmt.Errorf(format, args...), 1) }

// WithStack decorates err with the caller's stack. Returns nil for nil.
func WithStack(err error) error { return stack(err, 1) }

// EnsureTrace adds a stack unless something in err's chain already has one.
func EnsureTrace(err error) error {
	if err == nil {
		return nil
	}
	var hs interface{ StackPCs() []uintptr }
	if errors.As(err, &hs) && hs != nil && len(hs.StackPCs()) > 0 {
		return err
	}
	return stack(err, 1)
}

// Wrap prefixes err with msg and records the caller. Returns nil for nil.
func Wrap(err error, msg string) error {
	if err == nil {
		return nil
	}
	return &wrapped{err: err, msg: msg, pc: callerPC(1)}
}

// Wrapf is Wrap with fmt formatting for the prefix.
func Wrapf(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return &wrapped{err: err, msg: fmt.Sprintf(format, args...), pc: callerPC(1)}
}
