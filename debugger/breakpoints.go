package debugger

import (
	"github.com/coredbg/coredbg/internal/addr"
	"github.com/coredbg/coredbg/internal/breakpoint"
)

// AddBreakpoint implements §6.2's breakpoint add, by address, (file, line)
// or function name. condition is stored with the record and reported in
// its View; it is not evaluated, so every hit stops. User breakpoints are remembered by identity
// so Restart can replay them against the fresh breakpoint.Set it gets.
func (f *Facade) AddBreakpoint(id breakpoint.Identity, condition string) ([]breakpoint.View, error) {
	if err := f.requireStopped(); err != nil {
		return nil, err
	}
	views, err := f.loop.Breakpoints().Add(id, breakpoint.UserDefined, condition)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	for _, v := range views {
		f.userBreakpoints[v.Number] = id
	}
	f.mu.Unlock()
	return views, nil
}

// RemoveBreakpoint implements §6.2's breakpoint remove, by address, (file,
// line), function name, or breakpoint number (Identity.Number).
func (f *Facade) RemoveBreakpoint(id breakpoint.Identity) ([]breakpoint.View, error) {
	if err := f.requireStopped(); err != nil {
		return nil, err
	}
	views, err := f.loop.Breakpoints().Remove(id)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	for _, v := range views {
		delete(f.userBreakpoints, v.Number)
	}
	f.mu.Unlock()
	return views, nil
}

// ListBreakpoints implements §6.2's breakpoint list.
func (f *Facade) ListBreakpoints() []breakpoint.View {
	return f.loop.Breakpoints().List()
}

// BreakpointByAddress is a convenience constructor for the common
// address-identity case; cmd/coredbg's REPL and a future DAP server both
// need this shape constantly.
func BreakpointByAddress(a addr.Runtime) breakpoint.Identity {
	return breakpoint.Identity{Address: &a}
}

// BreakpointByLine is a convenience constructor for the (file, line)
// identity case.
func BreakpointByLine(file string, line int) breakpoint.Identity {
	return breakpoint.Identity{File: file, Line: line}
}

// BreakpointByFunction is a convenience constructor for the function-name
// identity case.
func BreakpointByFunction(name string) breakpoint.Identity {
	return breakpoint.Identity{Function: name}
}

// BreakpointByNumber is a convenience constructor for removing a single
// breakpoint by its public number.
func BreakpointByNumber(n int) breakpoint.Identity {
	return breakpoint.Identity{Number: &n}
}
