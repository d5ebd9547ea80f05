// Package debugger implements the debugger facade of spec §6.2: the single
// entry point UIs and the DAP server drive instead of touching
// internal/control, internal/step, internal/callfn, and internal/unwind
// directly. It composes those packages the way ogle/program/server.go's
// Server composed its own Program/Breakpoints/etc. into one object with a
// request/response method per operation, generalized from ogle's
// one-request-type-per-RPC-method shape into plain Go methods since this
// repo has no RPC layer of its own to drive that shape.
package debugger

import (
	"fmt"
	"sync"

	"github.com/coredbg/coredbg/internal/addr"
	"github.com/coredbg/coredbg/internal/breakpoint"
	"github.com/coredbg/coredbg/internal/callfn"
	"github.com/coredbg/coredbg/internal/config"
	"github.com/coredbg/coredbg/internal/control"
	"github.com/coredbg/coredbg/internal/dbgerr"
	"github.com/coredbg/coredbg/internal/ptrace"
	"github.com/coredbg/coredbg/internal/regs"
	"github.com/coredbg/coredbg/internal/step"
	"github.com/coredbg/coredbg/internal/unwind"
)

// maxBacktraceFrames bounds how deep Backtrace/Frames will unwind, past
// which a runaway or corrupted CFA chain is cut off rather than
// looped forever.
const maxBacktraceFrames = 1024

// Facade is the debugger facade of §6.2. It owns the tracer thread (via
// internal/control.Loop) and every component built on top of it, and is
// the only object cmd/coredbg and a future DAP server need to hold.
type Facade struct {
	loop   *control.Loop
	step   *step.Engine
	caller *callfn.Caller
	walker *unwind.Walker
	cfi    *cfiTables
	cfg    *config.Config

	mu          sync.Mutex
	running     bool
	focusThread int
	focusFrame  int

	// userBreakpoints remembers the identity each user-added breakpoint
	// was created with, keyed by its public number, so Restart can
	// re-add them against the fresh breakpoint.Set control.Loop.Start
	// always allocates (internal step/oracle breakpoints are not
	// remembered here and simply vanish on restart, per §4.8).
	userBreakpoints map[int]breakpoint.Identity
}

// tracerMemory adapts internal/ptrace.Runner to internal/unwind.Memory and
// internal/expr.Context's ReadMemory, the only two places in this package
// that need "read N bytes from the stopped tracee" rather than a typed
// ptrace call.
type tracerMemory struct {
	rn  *ptrace.Runner
	pid int
}

func (m tracerMemory) ReadMemory(a uint64, size int) ([]byte, error) {
	buf := make([]byte, size)
	if err := m.rn.PeekText(m.pid, uintptr(a), buf); err != nil {
		return nil, fmt.Errorf("%w: read %d bytes at %#x: %v", dbgerr.ErrInvalidRequest, size, a, err)
	}
	return buf, nil
}

// New returns a Facade bound to executable, not yet started. hook receives
// every §6.1 event the control loop and the stepping engine raise.
func New(executable string, hook control.Hook, cfg *config.Config) *Facade {
	if cfg == nil {
		cfg = config.Default()
	}
	loop := control.NewLoop(executable, hook)
	f := &Facade{
		loop:            loop,
		cfg:             cfg,
		userBreakpoints: make(map[int]breakpoint.Identity),
	}
	f.wireComponents()
	return f
}

// wireComponents (re)builds step, caller, cfi and walker against the
// loop's current Runner/Store/Breakpoints, since Restart gives the loop a
// fresh breakpoint.Set and watchpoint.Set that step/callfn must be rebuilt
// against.
func (f *Facade) wireComponents() {
	mem := tracerMemory{rn: f.loop.Runner(), pid: f.loop.MainTid()}
	f.cfi = newCFITables(f.loop.Store())
	f.walker = unwind.NewWalker(f.loop.Store(), f.cfi, mem)
	f.step = step.New(f.loop.Runner(), f.loop.Store(), f.loop.Breakpoints(), f.walker)
	f.step.SetMaxInstructionSteps(f.cfg.MaxStepInstructions)
	f.caller = callfn.New(f.loop.Runner(), f.loop.Store(), f.loop.Breakpoints())
}

// requireStopped implements §6.2's "every operation that implies tracee
// interaction must be called with the tracee stopped".
func (f *Facade) requireStopped() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.running {
		return dbgerr.ErrRunning
	}
	return nil
}

// Start implements §6.2's start: execs the debuggee and drives it to its
// first stop.
func (f *Facade) Start(args []string) (control.Event, error) {
	if err := f.loop.Start(args); err != nil {
		return control.Event{}, err
	}
	f.wireComponents()
	f.focusThread = f.loop.MainTid()
	return control.Event{Kind: control.EventProcessInstall, Tid: f.loop.MainTid()}, nil
}

// Attach implements §6.2's attach(pid).
func (f *Facade) Attach(pid int) (control.Event, error) {
	if err := f.loop.Attach(pid); err != nil {
		return control.Event{}, err
	}
	f.wireComponents()
	f.focusThread = f.loop.MainTid()
	return control.Event{Kind: control.EventProcessInstall, Tid: f.loop.MainTid()}, nil
}

// Detach implements §6.2's detach.
func (f *Facade) Detach() error {
	if err := f.requireStopped(); err != nil {
		return err
	}
	return f.loop.Detach()
}

// Restart implements §6.2's restart, re-adding every user breakpoint
// Restart's fresh breakpoint.Set would otherwise have forgotten (§4.8,
// SUPPLEMENTED: restart keeps user intent, not internal step machinery).
func (f *Facade) Restart(args []string) (control.Event, error) {
	if err := f.requireStopped(); err != nil {
		return control.Event{}, err
	}
	saved := f.userBreakpoints
	if err := f.loop.Restart(args); err != nil {
		return control.Event{}, err
	}
	f.wireComponents()
	f.focusThread = f.loop.MainTid()
	f.focusFrame = 0

	f.userBreakpoints = make(map[int]breakpoint.Identity)
	for _, id := range saved {
		if _, err := f.AddBreakpoint(id, ""); err != nil {
			return control.Event{}, fmt.Errorf("re-adding breakpoint after restart: %w", err)
		}
	}
	return control.Event{Kind: control.EventProcessInstall, Tid: f.loop.MainTid()}, nil
}

// Continue implements §6.2's continue: resumes every thread and blocks
// until the next user-visible stop.
func (f *Facade) Continue() (control.Event, error) {
	if err := f.requireStopped(); err != nil {
		return control.Event{}, err
	}
	f.mu.Lock()
	f.running = true
	f.mu.Unlock()

	ev, err := f.loop.Continue()

	f.mu.Lock()
	f.running = false
	f.mu.Unlock()

	if err == nil {
		f.focusThread = ev.Tid
		f.focusFrame = 0
	}
	return ev, err
}

// StepInstruction implements §6.2's step_instruction on the focused thread.
func (f *Facade) StepInstruction() (addr.Runtime, error) {
	if err := f.requireStopped(); err != nil {
		return 0, err
	}
	pc, err := f.step.Instruction(f.focusThread)
	if err == nil {
		f.focusFrame = 0
		f.notifyStep(pc)
	}
	return pc, err
}

// StepInto implements §6.2's step_into on the focused thread.
func (f *Facade) StepInto() (addr.Runtime, error) {
	if err := f.requireStopped(); err != nil {
		return 0, err
	}
	pc, err := f.step.Into(f.focusThread)
	if err == nil {
		f.focusFrame = 0
		f.notifyStep(pc)
	}
	return pc, err
}

// StepOver implements §6.2's step_over on the focused thread.
func (f *Facade) StepOver() (addr.Runtime, error) {
	if err := f.requireStopped(); err != nil {
		return 0, err
	}
	pc, err := f.step.Over(f.focusThread)
	if err == nil {
		f.focusFrame = 0
		f.notifyStep(pc)
	}
	return pc, err
}

// StepOut implements §6.2's step_out on the focused thread.
func (f *Facade) StepOut() (addr.Runtime, error) {
	if err := f.requireStopped(); err != nil {
		return 0, err
	}
	pc, err := f.step.Out(f.focusThread)
	if err == nil {
		f.focusFrame = 0
		f.notifyStep(pc)
	}
	return pc, err
}

// notifyStep raises on_step (§6.1) the same way control.Loop raises
// on_breakpoint/on_watchpoint from inside Continue, since stepping bypasses
// Continue's own event loop entirely (internal/step drives the thread
// directly).
func (f *Facade) notifyStep(pc addr.Runtime) {
	hook := f.loop.Hook()
	if hook == nil {
		return
	}
	place, haveP := f.loop.Store().FindPlace(pc)
	fn, haveF := f.loop.Store().FindFunction(pc)
	hook.OnStep(pc, place, haveP, fn, haveF)
}

// CallFunction implements the call-into-debuggee facility internal/callfn
// backs (SUPPLEMENTED: spec.md's §6.2 operation list doesn't name it
// explicitly, but §4.10 specifies the facility and the facade is its only
// sane entry point).
func (f *Facade) CallFunction(name string, args []uint64) (uint64, error) {
	if err := f.requireStopped(); err != nil {
		return 0, err
	}
	return f.caller.Call(f.focusThread, name, args)
}

// FocusThread returns the tid operations implicitly target.
func (f *Facade) FocusThread() int { return f.focusThread }

// FocusFrame returns the backtrace index operations implicitly target.
func (f *Facade) FocusFrame() int { return f.focusFrame }

// regSnapshot takes a register snapshot of the focused thread, shared by
// the stepping, introspection and call-function paths that all need one.
func (f *Facade) regSnapshot() (*regs.Snapshot, error) {
	return regs.Read(f.loop.Runner(), f.focusThread)
}
