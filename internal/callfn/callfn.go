// Package callfn implements call-into-debuggee of spec §4.10: synthesizing
// a call to a function inside the stopped tracee from debugger context and
// recovering its return value.
//
// Grounded on original_source/src/debugger/call/cache.rs's CallCache (the
// by-linkage-name/name function lookup cache, generalized here from
// Rust's name+type cache into a plain by-name address cache since this
// repo's type system doesn't need the original's argument-type
// resolution) and on the breakpoint.TransparentOracle kind, which exists
// in internal/breakpoint specifically for call-probe-style internal
// breakpoints invisible to the user's own breakpoint list. No teacher
// example (ogle) implements a call facility at all.
package callfn

import (
	"fmt"
	"syscall"

	"github.com/coredbg/coredbg/internal/addr"
	"github.com/coredbg/coredbg/internal/breakpoint"
	"github.com/coredbg/coredbg/internal/dbgerr"
	"github.com/coredbg/coredbg/internal/dwarfstore"
	"github.com/coredbg/coredbg/internal/ptrace"
)

// tracer is the slice of internal/ptrace.Runner this package needs,
// narrowed to an interface so Call's register/memory choreography can be
// tested against a fake tracee instead of a live one. Registers are
// handled as the raw syscall.PtraceRegs here rather than through
// internal/regs, since that package's Read/Persist are bound to the
// concrete *ptrace.Runner and would reintroduce the same untestable
// coupling this interface exists to avoid.
type tracer interface {
	Cont(pid int, signal int) error
	Wait4(pid int, flag int) (int, ptrace.WaitStatus, error)
	GetRegs(pid int, out *syscall.PtraceRegs) error
	SetRegs(pid int, in *syscall.PtraceRegs) error
	PeekText(pid int, addr uintptr, out []byte) error
	PokeText(pid int, addr uintptr, data []byte) error
}

// finder is the slice of internal/dwarfstore.Store this package needs to
// resolve a callable symbol.
type finder interface {
	FindFunctionByName(query string) ([]dwarfstore.FunctionRef, error)
	FunctionEntryAddr(ref dwarfstore.FunctionRef) addr.Runtime
}

// setSysVArg writes args[i] into reg's System V x86-64 integer
// argument-passing order; a call with more arguments than this has no
// register left to carry them in, which Call reports as unsupported
// rather than spilling to the stack (§4.10 Non-goals scope the call
// facility to simple, register-passed arguments).
func setSysVArg(reg *syscall.PtraceRegs, i int, v uint64) bool {
	switch i {
	case 0:
		reg.Rdi = v
	case 1:
		reg.Rsi = v
	case 2:
		reg.Rdx = v
	case 3:
		reg.Rcx = v
	case 4:
		reg.R8 = v
	case 5:
		reg.R9 = v
	default:
		return false
	}
	return true
}

// maxSysVArgRegs is the number of integer argument registers setSysVArg
// supports.
const maxSysVArgRegs = 6

// maxWaitsForSentinel bounds how many unrelated stops Call will absorb
// while waiting for its own sentinel breakpoint, past which the call is
// treated as fatally stuck (§4.10 "sentinel not hit within a bounded
// number of stops").
const maxWaitsForSentinel = 10_000

// cacheEntry is one resolved, callable symbol.
type cacheEntry struct {
	entry addr.Runtime
}

// Caller synthesizes calls into the stopped debuggee, caching resolved
// callee addresses by name the way CallCache does.
type Caller struct {
	rn    tracer
	store finder
	bps   *breakpoint.Set
	cache map[string]cacheEntry
}

// New returns a Caller bound to rn (for register/memory access and the
// resume/wait cycle), store (for symbol resolution) and bps (to install
// the transparent sentinel breakpoint).
func New(rn tracer, store finder, bps *breakpoint.Set) *Caller {
	return &Caller{rn: rn, store: store, bps: bps, cache: make(map[string]cacheEntry)}
}

// resolve looks up name's callable entry address, caching the result the
// way CallCache.get_or_insert does.
func (c *Caller) resolve(name string) (addr.Runtime, error) {
	if e, ok := c.cache[name]; ok {
		return e.entry, nil
	}
	refs, err := c.store.FindFunctionByName(name)
	if err != nil {
		return 0, fmt.Errorf("%w: call target %q: %v", dbgerr.ErrInvalidRequest, name, err)
	}
	ref := refs[0]
	entry := c.store.FunctionEntryAddr(ref)
	c.cache[name] = cacheEntry{entry: entry}
	return entry, nil
}

// Call synthesizes a call to the function named name on tid, passing args
// as integer arguments in System V register order, and returns the
// callee's rax on completion. tid must already be stopped; the focused
// thread's full register state is restored before Call returns, success
// or error (§4.10 step 4 "restore the saved snapshot").
func (c *Caller) Call(tid int, name string, args []uint64) (uint64, error) {
	if len(args) > maxSysVArgRegs {
		return 0, fmt.Errorf("%w: call to %q: %d arguments exceed the %d register slots this synthesizer supports",
			dbgerr.ErrInvalidRequest, name, len(args), maxSysVArgRegs)
	}

	entry, err := c.resolve(name)
	if err != nil {
		return 0, err
	}

	var saved syscall.PtraceRegs
	if err := c.rn.GetRegs(tid, &saved); err != nil {
		return 0, fmt.Errorf("%w: read registers for tid %d: %v", dbgerr.ErrNoSuchThread, tid, err)
	}

	// The sentinel return address is the thread's own current PC: it is
	// already a valid, mapped instruction address (the thread is stopped
	// there), so a breakpoint can be installed on it without resolving any
	// new symbol, and the synthesized call can never legitimately return
	// to it on its own.
	sentinel := addr.Runtime(saved.Rip)

	views, err := c.bps.Add(breakpoint.Identity{Address: &sentinel}, breakpoint.TransparentOracle, "")
	if err != nil {
		return 0, fmt.Errorf("%w: install call sentinel: %v", dbgerr.ErrInvalidRequest, err)
	}
	defer func() {
		if len(views) > 0 {
			num := views[0].Number
			_, _ = c.bps.Remove(breakpoint.Identity{Number: &num})
		}
	}()

	// Push the sentinel as the return address the callee's own `ret` will
	// pop, then set up the call's own register state on top of that.
	newSP := saved.Rsp - 8
	var buf [8]byte
	putLE64(buf[:], uint64(sentinel))
	if err := c.rn.PokeText(tid, uintptr(newSP), buf[:]); err != nil {
		return 0, fmt.Errorf("%w: push return address for call to %q: %v", dbgerr.ErrKernel, name, err)
	}

	call := saved
	call.Rsp = newSP
	for i, v := range args {
		setSysVArg(&call, i, v)
	}
	call.Rip = uint64(entry)
	if err := c.rn.SetRegs(tid, &call); err != nil {
		return 0, fmt.Errorf("%w: set up call registers for tid %d: %v", dbgerr.ErrNoSuchThread, tid, err)
	}

	retVal, err := c.runToSentinel(tid, sentinel)

	// §4.10 step 4: restore the saved snapshot regardless of outcome.
	if restoreErr := c.rn.SetRegs(tid, &saved); restoreErr != nil && err == nil {
		err = fmt.Errorf("%w: restore registers for tid %d after call: %v", dbgerr.ErrNoSuchThread, tid, restoreErr)
	}
	if err != nil {
		return 0, err
	}
	return retVal, nil
}

// runToSentinel resumes tid until a trap lands exactly on sentinel,
// returning the callee's rax. Any other trap (an unrelated breakpoint
// hit by the callee) is stepped past transparently.
func (c *Caller) runToSentinel(tid int, sentinel addr.Runtime) (uint64, error) {
	for i := 0; i < maxWaitsForSentinel; i++ {
		if err := c.rn.Cont(tid, 0); err != nil {
			return 0, fmt.Errorf("%w: resume tid %d for call: %v", dbgerr.ErrKernel, tid, err)
		}
		_, status, err := c.rn.Wait4(tid, 0)
		if err != nil {
			return 0, fmt.Errorf("%w: wait for tid %d during call: %v", dbgerr.ErrNoSuchThread, tid, err)
		}
		if status.Exited() || status.Signaled() {
			return 0, fmt.Errorf("%w: debuggee exited during synthesized call", dbgerr.ErrKernel)
		}

		var raw syscall.PtraceRegs
		if err := c.rn.GetRegs(tid, &raw); err != nil {
			return 0, fmt.Errorf("%w: read registers for tid %d: %v", dbgerr.ErrNoSuchThread, tid, err)
		}
		pc := breakpoint.RewindAddr(addr.Runtime(raw.Rip))
		if pc == sentinel {
			return raw.Rax, nil
		}

		// Some other trap happened first (e.g. a user breakpoint the
		// callee itself hit); step off it and keep waiting for ours.
		if c.bps.IsArmedAt(pc) {
			raw.Rip = uint64(pc)
			if err := c.rn.SetRegs(tid, &raw); err != nil {
				return 0, fmt.Errorf("%w: rewind tid %d: %v", dbgerr.ErrNoSuchThread, tid, err)
			}
			if err := c.bps.StepOff(tid, pc); err != nil {
				return 0, fmt.Errorf("%w: step off unrelated trap during call: %v", dbgerr.ErrKernel, err)
			}
		}
	}
	return 0, fmt.Errorf("%w: call sentinel not hit within %d stops", dbgerr.ErrKernel, maxWaitsForSentinel)
}

func putLE64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
}
