// Package dbgerr defines the error kinds the debugger core surfaces to its
// callers, per spec §7. Operations wrap one of these sentinels with
// fmt.Errorf("%w: ...") the way the teacher wraps syscall failures in
// ptrace.go and server.go, so callers can still use errors.Is against a
// stable kind while getting a human-readable cause.
package dbgerr

import "errors"

var (
	// ErrNoSuchThread is returned when the kernel reports ESRCH for a
	// thread the caller believed was still alive.
	ErrNoSuchThread = errors.New("no such thread")
	// ErrNoDebugInfo means a PC, file/line, or function name has no DWARF
	// coverage.
	ErrNoDebugInfo = errors.New("no debug information")
	// ErrLocationUnavailable means a variable's location expression
	// references a register or memory not recoverable in this frame.
	ErrLocationUnavailable = errors.New("location unavailable")
	// ErrInvalidRequest covers addresses that aren't instruction starts,
	// unknown breakpoint numbers, unknown register names, and exhausted
	// watchpoint slots.
	ErrInvalidRequest = errors.New("invalid request")
	// ErrMappingNotReady means a line/function request resolved into an
	// object that isn't loaded yet.
	ErrMappingNotReady = errors.New("mapping not ready")
	// ErrKernel is an unexpected errno or wait status, fatal to the
	// current operation but not to the session.
	ErrKernel = errors.New("internal kernel error")
	// ErrRunning is returned by any facade operation that requires the
	// tracee to be stopped (§6.2).
	ErrRunning = errors.New("debuggee is running")
)

// Is reports whether err wraps kind somewhere in its chain.
func Is(err, kind error) bool {
	return errors.Is(err, kind)
}
