// Package step implements the stepping engine of spec §4.9: instruction
// step, step-into, step-over and step-out. Every primitive here drives
// only the thread in focus and guarantees that any breakpoints it installs
// along the way are removed again on every return path, success or error.
//
// Grounded on the teacher's single-step-off-a-breakpoint dance in
// ogle/program/server/server.go's Resume (generalized here into the
// repeated single-step loop step-into needs), and on the shape of
// original_source/src/debugger/debugee/tracee.rs's step_into/step_over/
// step_out: both compute "is this still the same source line" and "did
// control leave the function" from the DWARF line table and the unwound
// frame list rather than from raw instruction decoding.
package step

import (
	"fmt"
	"syscall"

	"github.com/coredbg/coredbg/internal/addr"
	"github.com/coredbg/coredbg/internal/breakpoint"
	"github.com/coredbg/coredbg/internal/dbgerr"
	"github.com/coredbg/coredbg/internal/dwarfstore"
	"github.com/coredbg/coredbg/internal/ptrace"
	"github.com/coredbg/coredbg/internal/unwind"
)

// tracer is the slice of internal/ptrace.Runner this package needs,
// narrowed to an interface so tests can exercise the single-step and
// breakpoint-wait loops against a fake, the way internal/breakpoint does.
type tracer interface {
	SingleStep(pid int) error
	Cont(pid int, signal int) error
	Wait4(pid int, flag int) (int, ptrace.WaitStatus, error)
	GetRegs(pid int, out *syscall.PtraceRegs) error
	SetRegs(pid int, in *syscall.PtraceRegs) error
}

// frameLister is the slice of internal/unwind.Walker this package needs:
// enough to find a return address and measure frame depth without coupling
// step-over/step-out to the concrete CFI-backed walker, since the object
// section plumbing it needs is wired in at a higher layer.
type frameLister interface {
	Walk(regs map[int]uint64, maxFrames int) []unwind.Frame
}

// sourceStore is the slice of internal/dwarfstore.Store this package
// needs, narrowed to an interface for the same reason breakpoint.Set
// narrows its tracer: it lets Into/Over/Out be exercised against a fake
// line table in a test, without parsing a real ELF+DWARF image. A
// *dwarfstore.Store satisfies this directly.
type sourceStore interface {
	FindPlace(rt addr.Runtime) (dwarfstore.Place, bool)
	FindFunction(rt addr.Runtime) (dwarfstore.FunctionRef, bool)
	Mapping(rt addr.Runtime) (addr.Mapping, bool)
}

// Same DWARF register numbers internal/unwind uses; duplicated here
// rather than exported from that package, since this is the only other
// place a System V x86-64 register snapshot needs to become a DWARF map.
const (
	dwarfRsp = 7
	dwarfRbp = 6
	dwarfRip = 16
)

// Engine drives the stepping primitives for one focused thread.
type Engine struct {
	rn          tracer
	store       sourceStore
	bps         *breakpoint.Set
	frames      frameLister
	maxInstrSteps int
}

// New returns a stepping engine bound to rn (for single-step/continue/
// wait), store (for line-table lookups), bps (for internal breakpoints)
// and frames (for return-address and frame-depth queries). Into's
// instruction-step bound defaults to maxInstructionSteps; callers that
// load ~/.coredbgrc.yaml's max_step_instructions can narrow or widen it
// with SetMaxInstructionSteps.
func New(rn tracer, store sourceStore, bps *breakpoint.Set, frames frameLister) *Engine {
	return &Engine{rn: rn, store: store, bps: bps, frames: frames, maxInstrSteps: maxInstructionSteps}
}

// SetMaxInstructionSteps overrides Into's single-step bound. A
// non-positive n is ignored, leaving the previous bound in place.
func (e *Engine) SetMaxInstructionSteps(n int) {
	if n > 0 {
		e.maxInstrSteps = n
	}
}

// Instruction performs a single kernel step on tid, observing the
// resume-over-breakpoint rule if tid's PC sits on an armed trap, and
// returns the new PC once the TRAP_TRACE stop is reaped.
func (e *Engine) Instruction(tid int) (addr.Runtime, error) {
	var before syscall.PtraceRegs
	if err := e.rn.GetRegs(tid, &before); err != nil {
		return 0, fmt.Errorf("%w: read registers for tid %d: %v", dbgerr.ErrNoSuchThread, tid, err)
	}
	pc := addr.Runtime(before.Rip)

	// StepOff already waits out its own single-step internally (it has to,
	// to serialize the rearm after it); SingleStep here does not, so only
	// the unarmed branch still needs its own Wait4 below.
	armed := e.bps.IsArmedAt(pc)
	var stepErr error
	if armed {
		stepErr = e.bps.StepOff(tid, pc)
	} else {
		stepErr = e.rn.SingleStep(tid)
	}
	if stepErr != nil {
		return 0, fmt.Errorf("%w: single step tid %d: %v", dbgerr.ErrKernel, tid, stepErr)
	}

	if !armed {
		if _, _, err := e.rn.Wait4(tid, 0); err != nil {
			return 0, fmt.Errorf("%w: wait for step on tid %d: %v", dbgerr.ErrNoSuchThread, tid, err)
		}
	}

	var after syscall.PtraceRegs
	if err := e.rn.GetRegs(tid, &after); err != nil {
		return 0, fmt.Errorf("%w: read registers for tid %d: %v", dbgerr.ErrNoSuchThread, tid, err)
	}
	return addr.Runtime(after.Rip), nil
}

// maxInstructionSteps bounds Into's single-step loop so a PC stuck
// forever outside any known source (e.g. spinning inside an unmapped
// library) surfaces as an error instead of hanging the session.
const maxInstructionSteps = 1_000_000

// Into implements step-into (§4.9): repeat instruction steps until the
// current PC maps to a different statement-flagged source line than the
// starting one, skipping through the prologue of a newly entered
// function so the first reported stop is its first statement.
func (e *Engine) Into(tid int) (addr.Runtime, error) {
	var start syscall.PtraceRegs
	if err := e.rn.GetRegs(tid, &start); err != nil {
		return 0, fmt.Errorf("%w: read registers for tid %d: %v", dbgerr.ErrNoSuchThread, tid, err)
	}
	startPC := addr.Runtime(start.Rip)
	startPlace, ok := e.store.FindPlace(startPC)
	if !ok {
		return 0, fmt.Errorf("%w: no source information at %s", dbgerr.ErrNoDebugInfo, startPC)
	}

	pc := startPC
	for i := 0; i < e.maxInstrSteps; i++ {
		next, err := e.Instruction(tid)
		if err != nil {
			return 0, err
		}
		pc = next

		place, ok := e.store.FindPlace(pc)
		if !ok {
			continue // inside a region with no line info; keep stepping through it
		}
		if !place.IsStmt {
			continue // mid-prologue or mid-expression row; not a stop
		}
		if place.File == startPlace.File && place.Line == startPlace.Line {
			continue // still the same source line
		}
		return pc, nil
	}
	return 0, fmt.Errorf("%w: step-into exceeded %d instructions without reaching a new line", dbgerr.ErrKernel, e.maxInstrSteps)
}

// Over implements step-over (§4.9): install internal breakpoints on every
// statement row of the current function whose line differs from the
// current one, plus one on the return address, resume, and stop at the
// first hit — removing every internally installed breakpoint first,
// success or error. A thread that leaves the function without hitting any
// of them (a tail call) is reported the same way step-out would report it.
func (e *Engine) Over(tid int) (addr.Runtime, error) {
	var start syscall.PtraceRegs
	if err := e.rn.GetRegs(tid, &start); err != nil {
		return 0, fmt.Errorf("%w: read registers for tid %d: %v", dbgerr.ErrNoSuchThread, tid, err)
	}
	startPC := addr.Runtime(start.Rip)

	place, ok := e.store.FindPlace(startPC)
	if !ok {
		return 0, fmt.Errorf("%w: no source information at %s", dbgerr.ErrNoDebugInfo, startPC)
	}
	fn, ok := e.store.FindFunction(startPC)
	if !ok {
		return 0, fmt.Errorf("%w: no enclosing function at %s", dbgerr.ErrNoDebugInfo, startPC)
	}

	mapping, hasMapping := e.store.Mapping(startPC)
	var targets []addr.Runtime
	for _, row := range fn.Unit.Lines {
		if row.EndOfBlock || !row.IsStmt || row.Line == place.Line {
			continue
		}
		if row.Addr < fn.Entry.Low || row.Addr >= fn.Entry.High {
			continue
		}
		if hasMapping {
			targets = append(targets, mapping.ToRuntime(row.Addr))
		} else {
			targets = append(targets, addr.Runtime(row.Addr))
		}
	}

	retAddr, haveRet, err := e.returnAddr(tid, &start)
	if err != nil {
		return 0, err
	}
	if haveRet {
		targets = append(targets, retAddr)
	}
	if len(targets) == 0 {
		return 0, fmt.Errorf("%w: no step-over targets in function %s", dbgerr.ErrNoDebugInfo, fn.Entry.Name)
	}

	installed, err := e.installAll(targets)
	defer e.removeAll(installed)
	if err != nil {
		return 0, err
	}

	return e.runToAnyBreakpoint(tid, fn)
}

// Out implements step-out (§4.9): install one internal breakpoint at the
// return address of the frame above the current one, resume, and stop at
// its hit, removing the breakpoint on every return path.
func (e *Engine) Out(tid int) (addr.Runtime, error) {
	var start syscall.PtraceRegs
	if err := e.rn.GetRegs(tid, &start); err != nil {
		return 0, fmt.Errorf("%w: read registers for tid %d: %v", dbgerr.ErrNoSuchThread, tid, err)
	}

	retAddr, haveRet, err := e.returnAddr(tid, &start)
	if err != nil {
		return 0, err
	}
	if !haveRet {
		return 0, fmt.Errorf("%w: no return address from current frame", dbgerr.ErrLocationUnavailable)
	}

	installed, err := e.installAll([]addr.Runtime{retAddr})
	defer e.removeAll(installed)
	if err != nil {
		return 0, err
	}

	return e.runToAnyBreakpoint(tid, dwarfstore.FunctionRef{})
}

// returnAddr unwinds one frame above regs's PC and reports its return
// address, following §4.4's "raw return address, not the call site"
// convention for every frame above 0.
func (e *Engine) returnAddr(tid int, regs *syscall.PtraceRegs) (addr.Runtime, bool, error) {
	snap := map[int]uint64{
		dwarfRip: regs.Rip,
		dwarfRsp: regs.Rsp,
		dwarfRbp: regs.Rbp,
	}
	frames := e.frames.Walk(snap, 2)
	if len(frames) < 2 {
		return 0, false, nil
	}
	return frames[1].IP, true, nil
}

// installAll installs a plain internal-step breakpoint at every address
// in targets, returning the identities actually installed so a caller can
// clean up a partial install on error.
func (e *Engine) installAll(targets []addr.Runtime) ([]addr.Runtime, error) {
	var installed []addr.Runtime
	for _, a := range targets {
		a := a
		if _, err := e.bps.Add(breakpoint.Identity{Address: &a}, breakpoint.InternalStep, ""); err != nil {
			return installed, fmt.Errorf("%w: install step breakpoint at %s: %v", dbgerr.ErrInvalidRequest, a, err)
		}
		installed = append(installed, a)
	}
	return installed, nil
}

// removeAll disarms every internal-step breakpoint previously installed
// at addrs, best-effort: a failure to remove one does not stop the rest,
// since the caller has already committed to returning (success or error)
// and a leaked internal trap is worse than an unreported removal failure.
func (e *Engine) removeAll(addrs []addr.Runtime) {
	for _, a := range addrs {
		a := a
		_, _ = e.bps.Remove(breakpoint.Identity{Address: &a})
	}
}

// runToAnyBreakpoint continues tid until a breakpoint trap lands on one of
// the addresses this step installed (or any other breakpoint happens to
// be hit first, which takes priority the same way a real debugger would
// stop for a user breakpoint encountered mid-step), or the thread leaves
// the starting function entirely without hitting one — a tail call,
// reported the same way a normal step-out hit would be.
func (e *Engine) runToAnyBreakpoint(tid int, fn dwarfstore.FunctionRef) (addr.Runtime, error) {
	for {
		if err := e.rn.Cont(tid, 0); err != nil {
			return 0, fmt.Errorf("%w: resume tid %d: %v", dbgerr.ErrKernel, tid, err)
		}
		_, status, err := e.rn.Wait4(tid, 0)
		if err != nil {
			return 0, fmt.Errorf("%w: wait for tid %d: %v", dbgerr.ErrNoSuchThread, tid, err)
		}
		if status.Exited() || status.Signaled() {
			return 0, fmt.Errorf("%w: thread %d exited during step", dbgerr.ErrNoSuchThread, tid)
		}

		var regs syscall.PtraceRegs
		if err := e.rn.GetRegs(tid, &regs); err != nil {
			return 0, fmt.Errorf("%w: read registers for tid %d: %v", dbgerr.ErrNoSuchThread, tid, err)
		}
		pc := breakpoint.RewindAddr(addr.Runtime(regs.Rip))
		if views := e.bps.LookupAt(pc); len(views) > 0 {
			regs.Rip = uint64(pc)
			if err := e.rn.SetRegs(tid, &regs); err != nil {
				return 0, fmt.Errorf("%w: rewind tid %d: %v", dbgerr.ErrNoSuchThread, tid, err)
			}
			return pc, nil
		}

		// Not one of ours: if the PC no longer falls inside the function we
		// started in, control left without hitting an installed target —
		// the tail-call case.
		if fn.Entry.Name != "" {
			if cur, ok := e.store.FindFunction(pc); !ok || cur.Entry.Low != fn.Entry.Low {
				return pc, nil
			}
		}
	}
}
