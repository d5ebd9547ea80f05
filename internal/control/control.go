// Package control implements the control loop of spec §4.8: the single
// owner of the tracer OS thread that alternates between waiting for a
// tracee stop and deciding how to resume. It composes
// internal/threads (lifecycle), internal/breakpoint and
// internal/watchpoint (hit classification), and internal/dwarfstore
// (mapping refresh on exec), driving them all through one
// internal/ptrace.Runner.
//
// Grounded on ogle/program/server/server.go's Resume/waitForTrap (the
// single-thread wait/cont loop and the "rewind PC past the trap byte"
// step) and, for the multi-thread event table itself, on
// original_source/src/debugger/debugee/flow.rs's ControlFlow.tick —
// the teacher never tracked more than one tracee thread, so the
// PTRACE_EVENT_CLONE/STOP/EXIT handling here follows flow.rs almost
// directly, translated from its DebugeeEvent enum to the Event type
// below.
package control

import (
	"errors"
	"fmt"
	"os"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/coredbg/coredbg/internal/addr"
	"github.com/coredbg/coredbg/internal/breakpoint"
	"github.com/coredbg/coredbg/internal/dbgerr"
	"github.com/coredbg/coredbg/internal/dwarfstore"
	"github.com/coredbg/coredbg/internal/ptrace"
	"github.com/coredbg/coredbg/internal/threads"
	"github.com/coredbg/coredbg/internal/watchpoint"
)

// si_code values for a SIGTRAP stop (include/uapi/asm-generic/siginfo.h),
// used to classify what kind of trap the kernel delivered (§4.8).
const (
	siKernel   = 0x80
	trapBrkpt  = 1
	trapTrace  = 2
	trapHWBkpt = 4
)

// DefaultLayoutLinuxAMD64 is the well-known byte offset of
// u_debugreg[0..7] inside glibc's struct user on linux/amd64 (848,
// stepping by 8 bytes per slot) — the same constant every x86-64 Linux
// debugger that goes through PTRACE_PEEKUSER/POKEUSER for hardware
// watchpoints hardcodes, since struct user itself is not part of any
// Go-visible ABI.
func DefaultLayoutLinuxAMD64() watchpoint.Layout {
	var l watchpoint.Layout
	const base = 848
	for i := range l.DebugReg {
		l.DebugReg[i] = uintptr(base + i*8)
	}
	return l
}

// EventKind is the kind of user-visible stop the control loop reports
// from Continue (§4.8's "on any event where a user-visible stop
// occurs").
type EventKind int

const (
	EventExited EventKind = iota
	EventProcessInstall
	EventBreakpoint
	EventWatchpoint
	EventSignal
)

// Event is what Continue returns once the debuggee is fully stopped
// again.
type Event struct {
	Kind        EventKind
	Tid         int
	PC          addr.Runtime
	ExitCode    int
	Signal      syscall.Signal
	Breakpoints []breakpoint.View
	Watchpoint  watchpoint.HitResult
}

// Hook is the external collaborator of spec §6.1. Every method runs on
// the tracer thread and must not block on tracer operations.
//
// on_async_step is not represented here: it reports task-level progress
// from an async-runtime oracle plugin, and oracle plugins are an explicit
// non-goal (§1). OnStep covers the plain instruction/line-step
// notification; the debugger facade calls it, since stepping is driven
// through internal/step rather than through Continue's own event loop.
type Hook interface {
	OnBreakpoint(pc addr.Runtime, views []breakpoint.View)
	OnWatchpoint(pc addr.Runtime, result watchpoint.HitResult)
	OnStep(pc addr.Runtime, place dwarfstore.Place, havePlace bool, fn dwarfstore.FunctionRef, haveFunc bool)
	OnSignal(sig syscall.Signal)
	OnExit(code int)
	OnProcessInstall(pid int)
}

// Loop is the control loop of §4.8: the tracer-thread owner that every
// other internal package is driven through.
type Loop struct {
	rn         *ptrace.Runner
	store      *dwarfstore.Store
	reg        *threads.Registry
	bps        *breakpoint.Set
	wps        *watchpoint.Set
	hook       Hook
	layout     watchpoint.Layout
	executable string
	mainTid    int
	started    bool
}

// NewLoop returns a Loop bound to executable, not yet started.
func NewLoop(executable string, hook Hook) *Loop {
	return &Loop{
		rn:         ptrace.NewRunner(),
		store:      dwarfstore.New(),
		hook:       hook,
		layout:     DefaultLayoutLinuxAMD64(),
		executable: executable,
	}
}

// Store, Breakpoints, Watchpoints, Threads, and Runner expose the
// composed components so internal/step, internal/callfn, and the
// debugger facade can drive the same tracee session without Loop
// duplicating their APIs.
func (l *Loop) Store() *dwarfstore.Store     { return l.store }
func (l *Loop) Breakpoints() *breakpoint.Set { return l.bps }
func (l *Loop) Watchpoints() *watchpoint.Set { return l.wps }
func (l *Loop) Threads() *threads.Registry   { return l.reg }
func (l *Loop) Runner() *ptrace.Runner       { return l.rn }
func (l *Loop) MainTid() int                 { return l.mainTid }

// Hook exposes the event collaborator so callers that drive the tracee
// outside Continue's own event loop (internal/step's stepping primitives,
// driven by the debugger facade) can still raise on_step (§6.1).
func (l *Loop) Hook() Hook { return l.hook }

// Start execs the debuggee under ptrace and drives it to its first
// stop after the exec (PTRACE_EVENT_EXEC, per flow.rs's DebugeeStart),
// at which point the executable's mapping is known and deferred
// breakpoints can be resolved.
func (l *Loop) Start(args []string) error {
	proc, err := l.rn.StartProcess(l.executable, append([]string{l.executable}, args...), &os.ProcAttr{
		Files: []*os.File{os.Stdin, os.Stdout, os.Stderr},
		Sys: &syscall.SysProcAttr{
			Ptrace:    true,
			Pdeathsig: syscall.SIGKILL,
		},
	})
	if err != nil {
		return fmt.Errorf("%w: start %s: %v", dbgerr.ErrKernel, l.executable, err)
	}
	l.mainTid = proc.Pid

	if _, _, err := l.rn.Wait4(proc.Pid, 0); err != nil {
		return fmt.Errorf("%w: initial stop: %v", dbgerr.ErrKernel, err)
	}
	if err := l.rn.SetOptions(proc.Pid, unix.PTRACE_O_TRACECLONE|unix.PTRACE_O_TRACEEXIT); err != nil {
		return fmt.Errorf("%w: set ptrace options: %v", dbgerr.ErrKernel, err)
	}

	if err := l.store.OnExec(proc.Pid, l.executable); err != nil {
		return err
	}
	l.reg = threads.New(proc.Pid)
	l.bps = breakpoint.New(l.store, l.rn, proc.Pid)
	l.wps = watchpoint.New(l.rn, l.layout)
	l.started = true

	if err := l.bps.OnMappingChange(); err != nil {
		return err
	}
	l.hook.OnProcessInstall(proc.Pid)
	return nil
}

// Attach implements §6.2's attach(pid): seizes an already-running process,
// resolves its on-disk executable from /proc/<pid>/exe, and loads DWARF
// and mappings the same way Start does for PTRACE_EVENT_EXEC — attaching
// to a live process has no exec event of its own to key off, so this
// reuses dwarfstore.Store.OnExec directly instead of duplicating its
// load-then-refresh-mappings sequence.
func (l *Loop) Attach(pid int) error {
	if err := l.rn.Attach(pid); err != nil {
		return fmt.Errorf("%w: attach to pid %d: %v", dbgerr.ErrKernel, pid, err)
	}
	if _, _, err := l.rn.Wait4(pid, 0); err != nil {
		return fmt.Errorf("%w: initial stop after attach: %v", dbgerr.ErrKernel, err)
	}
	if err := l.rn.SetOptions(pid, unix.PTRACE_O_TRACECLONE|unix.PTRACE_O_TRACEEXIT); err != nil {
		return fmt.Errorf("%w: set ptrace options: %v", dbgerr.ErrKernel, err)
	}

	exe, err := os.Readlink(fmt.Sprintf("/proc/%d/exe", pid))
	if err != nil {
		return fmt.Errorf("%w: resolve executable of pid %d: %v", dbgerr.ErrKernel, pid, err)
	}
	l.executable = exe
	l.mainTid = pid

	if err := l.store.OnExec(pid, exe); err != nil {
		return err
	}
	l.reg = threads.New(pid)
	l.bps = breakpoint.New(l.store, l.rn, pid)
	l.wps = watchpoint.New(l.rn, l.layout)
	l.started = true

	if err := l.bps.OnMappingChange(); err != nil {
		return err
	}
	l.hook.OnProcessInstall(pid)
	return nil
}

// Detach implements §6.2's detach: releases ptrace's hold on the tracee,
// leaving it running independently.
func (l *Loop) Detach() error {
	if !l.started {
		return fmt.Errorf("%w: process not started", dbgerr.ErrInvalidRequest)
	}
	if err := l.rn.Detach(l.mainTid); err != nil {
		return fmt.Errorf("%w: detach from pid %d: %v", dbgerr.ErrKernel, l.mainTid, err)
	}
	l.started = false
	return nil
}

// Restart implements §6.2's restart: kills the current tracee (if any)
// and starts a fresh one from the same executable with the given args, keeping
// already-parsed DWARF units around per original_source's DwarfRegistry.extend
// (dwarfstore.Store.Reset drops mappings, not parsed units) instead of
// re-parsing the executable's debug info from disk.
func (l *Loop) Restart(args []string) error {
	if l.started {
		_ = l.rn.Kill(l.mainTid)
		l.started = false
	}
	l.store.Reset()
	return l.Start(args)
}

// Continue implements §4.8's alternation between resuming every stopped
// thread and waiting for the next kernel event, dispatching per the
// event table until a user-visible stop or process exit occurs.
func (l *Loop) Continue() (Event, error) {
	if !l.started {
		return Event{}, fmt.Errorf("%w: process not started", dbgerr.ErrInvalidRequest)
	}
	if err := l.resumeForContinue(); err != nil {
		return Event{}, err
	}

	for {
		wpid, status, err := l.rn.Wait4(-1, unix.WALL)
		if err != nil {
			if errors.Is(err, unix.ECHILD) {
				return Event{Kind: EventExited, ExitCode: 0}, nil
			}
			return Event{}, fmt.Errorf("%w: wait: %v", dbgerr.ErrKernel, err)
		}

		switch {
		case status.Exited():
			if wpid == l.mainTid {
				l.reg.Remove(wpid)
				l.hook.OnExit(status.ExitStatus())
				return Event{Kind: EventExited, ExitCode: status.ExitStatus()}, nil
			}
			l.reg.Remove(wpid)
			if err := l.rn.Cont(l.mainTid, 0); err != nil && !isESRCH(err) {
				return Event{}, fmt.Errorf("%w: %v", dbgerr.ErrKernel, err)
			}
			continue

		case status.Signaled():
			l.reg.Remove(wpid)
			continue

		case status.Stopped() && status.StopSignal() == unix.SIGTRAP && isPtraceEventStop(status):
			_, handled, retEvent, retErr := l.handlePtraceEvent(wpid, status)
			if handled {
				return retEvent, retErr
			}
			continue

		case status.Stopped() && status.StopSignal() == unix.SIGTRAP:
			done, event, err := l.handleSigtrap(wpid)
			if done {
				return event, err
			}
			continue

		case status.Stopped():
			sig := status.StopSignal()
			l.reg.SetStopped(wpid)
			l.hook.OnSignal(sig)
			if err := l.reg.InterruptRunning(l.rn, l.onESRCH); err != nil {
				return Event{}, err
			}
			return Event{Kind: EventSignal, Tid: wpid, Signal: sig}, nil

		default:
			continue
		}
	}
}

// isPtraceEventStop reports whether status is a PTRACE_EVENT_* stop
// rather than a plain signal-delivery stop.
func isPtraceEventStop(status unix.WaitStatus) bool {
	return status.TrapCause() != 0
}

// handlePtraceEvent dispatches PTRACE_EVENT_CLONE/STOP/EXIT, following
// flow.rs's PtraceEvent arm. It never itself produces a user-visible
// Event except indirectly (a Created thread promoted then interrupted
// can surface as a signal stop on a later iteration), so the boolean
// return is always false except on unrecoverable error paths, where
// Continue returns the error to its caller; the extra return values exist so a
// future event (e.g. a policy to surface clone/exit as hook
// notifications) has a seam without reshaping this signature again.
func (l *Loop) handlePtraceEvent(pid int, status unix.WaitStatus) (cause int, handled bool, ev Event, err error) {
	cause = status.TrapCause()
	switch cause {
	case unix.PTRACE_EVENT_CLONE:
		newTid, gerr := l.rn.GetEvent(pid)
		if gerr != nil {
			return cause, true, Event{}, fmt.Errorf("%w: %v", dbgerr.ErrKernel, gerr)
		}
		l.reg.SetStopped(pid)
		l.reg.Register(int(newTid))
		if cerr := l.rn.Cont(pid, 0); cerr != nil && !isESRCH(cerr) {
			return cause, true, Event{}, fmt.Errorf("%w: %v", dbgerr.ErrKernel, cerr)
		}
		l.reg.SetStatus(pid, threads.Running)
		return cause, false, Event{}, nil

	case unix.PTRACE_EVENT_STOP:
		l.reg.SetStopped(pid)
		return cause, false, Event{}, nil

	case unix.PTRACE_EVENT_EXIT:
		l.reg.SetStopped(pid)
		if cerr := l.rn.Cont(pid, 0); cerr != nil && !isESRCH(cerr) {
			return cause, true, Event{}, fmt.Errorf("%w: %v", dbgerr.ErrKernel, cerr)
		}
		l.reg.SetStatus(pid, threads.Running)
		return cause, false, Event{}, nil

	default:
		return cause, false, Event{}, nil
	}
}

// handleSigtrap classifies a plain (non-PTRACE_EVENT) SIGTRAP stop by
// its siginfo si_code, following flow.rs's SIGTRAP arm.
func (l *Loop) handleSigtrap(tid int) (done bool, ev Event, err error) {
	info, ierr := l.rn.GetSigInfo(tid)
	if ierr != nil {
		if isESRCH(ierr) {
			l.reg.Remove(tid)
			return false, Event{}, nil
		}
		return true, Event{}, fmt.Errorf("%w: getsiginfo: %v", dbgerr.ErrKernel, ierr)
	}

	switch info.Code {
	case trapTrace:
		// A single-step trap not produced by Continue's own resume
		// path (e.g. a stray step from a concurrently-stepping
		// thread); no notification, per §4.8.
		l.reg.SetStopped(tid)
		return false, Event{}, nil

	case trapBrkpt, siKernel:
		return l.handleBreakpointHit(tid)

	case trapHWBkpt:
		return l.handleWatchpointHit(tid)

	default:
		l.reg.SetStopped(tid)
		l.hook.OnSignal(syscall.SIGTRAP)
		if err := l.reg.InterruptRunning(l.rn, l.onESRCH); err != nil {
			return true, Event{}, err
		}
		return true, Event{Kind: EventSignal, Tid: tid, Signal: syscall.SIGTRAP}, nil
	}
}

// handleBreakpointHit implements the rewind-PC step of §4.5's hit
// protocol, then stops the world and reports every breakpoint record
// installed at the trap address.
func (l *Loop) handleBreakpointHit(tid int) (bool, Event, error) {
	var regs syscall.PtraceRegs
	if err := l.rn.GetRegs(tid, &regs); err != nil {
		return true, Event{}, fmt.Errorf("%w: getregs: %v", dbgerr.ErrKernel, err)
	}
	pc := breakpoint.RewindAddr(addr.Runtime(regs.Rip))
	regs.Rip = uint64(pc)
	if err := l.rn.SetRegs(tid, &regs); err != nil {
		return true, Event{}, fmt.Errorf("%w: setregs: %v", dbgerr.ErrKernel, err)
	}

	l.reg.SetStopped(tid)
	if err := l.reg.InterruptRunning(l.rn, l.onESRCH); err != nil {
		return true, Event{}, err
	}

	views := l.bps.LookupAt(pc)
	l.hook.OnBreakpoint(pc, views)
	return true, Event{Kind: EventBreakpoint, Tid: tid, PC: pc, Breakpoints: views}, nil
}

// handleWatchpointHit reads DR6 to find which hardware slot(s) fired,
// classifies against the current PC for end-of-scope, and stops the
// world.
func (l *Loop) handleWatchpointHit(tid int) (bool, Event, error) {
	var regs syscall.PtraceRegs
	if err := l.rn.GetRegs(tid, &regs); err != nil {
		return true, Event{}, fmt.Errorf("%w: getregs: %v", dbgerr.ErrKernel, err)
	}
	pc := addr.Runtime(regs.Rip)

	dr6, err := l.rn.PeekUser(tid, l.layout.DebugReg[6])
	if err != nil {
		return true, Event{}, fmt.Errorf("%w: read DR6: %v", dbgerr.ErrKernel, err)
	}
	slots := watchpoint.SlotFromStatus(dr6)
	if len(slots) == 0 {
		l.reg.SetStopped(tid)
		return false, Event{}, nil
	}

	l.reg.SetStopped(tid)
	if err := l.reg.InterruptRunning(l.rn, l.onESRCH); err != nil {
		return true, Event{}, err
	}

	tids := tidsOf(l.reg.Snapshot())
	result, err := l.wps.Hit(slots[0], pc, tids)
	if err != nil {
		return true, Event{}, err
	}
	l.hook.OnWatchpoint(pc, result)
	return true, Event{Kind: EventWatchpoint, Tid: tid, PC: pc, Watchpoint: result}, nil
}

// resumeForContinue performs the resume-over-breakpoint dance for the
// focused thread (if it is sitting on an armed trap) before continuing
// every stopped thread, following server.go's Resume: "if stopped at a
// breakpoint, single-step off it first".
func (l *Loop) resumeForContinue() error {
	focus := l.reg.Focus()
	if l.reg.StatusOf(focus) == threads.Stopped {
		var regs syscall.PtraceRegs
		if err := l.rn.GetRegs(focus, &regs); err != nil {
			return fmt.Errorf("%w: getregs: %v", dbgerr.ErrKernel, err)
		}
		pc := addr.Runtime(regs.Rip)
		if l.bps.IsArmedAt(pc) {
			if err := l.bps.StepOff(focus, pc); err != nil {
				return err
			}
		}
	}
	return l.reg.ResumeStopped(l.rn, l.onESRCH)
}

// onESRCH is the ESRCH callback threaded through every threads.Registry
// group operation: the thread died between our liveness check and the
// kernel call, so drop its record.
func (l *Loop) onESRCH(tid int) {
	l.reg.Remove(tid)
}

func isESRCH(err error) bool {
	return errors.Is(err, unix.ESRCH)
}

func tidsOf(snap []threads.Thread) []int {
	out := make([]int, 0, len(snap))
	for _, t := range snap {
		out = append(out, t.Tid)
	}
	return out
}
