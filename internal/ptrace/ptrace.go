// Package ptrace wraps the kernel process-tracing syscalls used by the
// rest of the debugger core. All calls in this package must run on the
// single OS thread that owns the tracer relationship with the tracee —
// see Runner.
package ptrace

import (
	"fmt"
	"os"
	"runtime"
	"syscall"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Runner pins one goroutine to one OS thread and executes every ptrace
// syscall on it. Linux ptrace requires all operations on a tracee to come
// from the thread that attached to it; the teacher's ptraceRun does the
// same thing with an unbuffered pair of channels.
type Runner struct {
	fc chan func() error
	ec chan error
}

// NewRunner starts the dedicated tracer goroutine and returns a Runner
// bound to it. Both channels are unbuffered so a reply always reaches the
// caller that sent the request.
func NewRunner() *Runner {
	r := &Runner{
		fc: make(chan func() error),
		ec: make(chan error),
	}
	go r.loop()
	return r
}

func (r *Runner) loop() {
	runtime.LockOSThread()
	for f := range r.fc {
		r.ec <- f()
	}
}

// Do runs f on the tracer thread and returns its error.
func (r *Runner) Do(f func() error) error {
	r.fc <- f
	return <-r.ec
}

// StartProcess execs name under ptrace on the tracer thread, returning the
// new process. Sys.Ptrace must be set by the caller's attr.
func (r *Runner) StartProcess(name string, argv []string, attr *os.ProcAttr) (proc *os.Process, err error) {
	err = r.Do(func() error {
		var err1 error
		proc, err1 = os.StartProcess(name, argv, attr)
		return err1
	})
	return proc, err
}

// Attach attaches to an already-running process by pid (facade Attach op).
func (r *Runner) Attach(pid int) error {
	return r.Do(func() error { return unix.PtraceAttach(pid) })
}

// Detach detaches from pid, leaving it running.
func (r *Runner) Detach(pid int) error {
	return r.Do(func() error { return unix.PtraceDetach(pid) })
}

// Seize attaches without stopping the tracee (PTRACE_SEIZE), used so a
// just-exec'd tracee can be traced without racing its first instruction.
func (r *Runner) Seize(pid int, opts int) error {
	return r.Do(func() error { return unix.PtraceSeize(pid, opts) })
}

// SetOptions installs ptrace options (PTRACE_O_TRACECLONE, etc).
func (r *Runner) SetOptions(pid int, options int) error {
	return r.Do(func() error { return unix.PtraceSetOptions(pid, options) })
}

// Cont resumes pid, optionally re-delivering signal.
func (r *Runner) Cont(pid int, signal int) error {
	return r.Do(func() error { return unix.PtraceCont(pid, signal) })
}

// SingleStep executes exactly one instruction on pid.
func (r *Runner) SingleStep(pid int) error {
	return r.Do(func() error { return unix.PtraceSingleStep(pid) })
}

// Interrupt asks a running tracee under PTRACE_SEIZE to stop
// (PTRACE_INTERRUPT); it eventually reports PTRACE_EVENT_STOP.
func (r *Runner) Interrupt(pid int) error {
	return r.Do(func() error { return unix.PtraceInterrupt(pid) })
}

// GetRegs reads the general purpose registers of pid.
func (r *Runner) GetRegs(pid int, out *syscall.PtraceRegs) error {
	return r.Do(func() error { return unix.PtraceGetRegs(pid, (*unix.PtraceRegs)(out)) })
}

// SetRegs writes the general purpose registers of pid.
func (r *Runner) SetRegs(pid int, in *syscall.PtraceRegs) error {
	return r.Do(func() error { return unix.PtraceSetRegs(pid, (*unix.PtraceRegs)(in)) })
}

// PeekText reads len(out) bytes of pid's text/data at addr.
func (r *Runner) PeekText(pid int, addr uintptr, out []byte) error {
	return r.Do(func() error {
		n, err := unix.PtracePeekText(pid, addr, out)
		if err != nil {
			return err
		}
		if n != len(out) {
			return fmt.Errorf("PeekText: read %d bytes, want %d", n, len(out))
		}
		return nil
	})
}

// PokeText writes data into pid's text/data at addr.
func (r *Runner) PokeText(pid int, addr uintptr, data []byte) error {
	return r.Do(func() error {
		n, err := unix.PtracePokeText(pid, addr, data)
		if err != nil {
			return err
		}
		if n != len(data) {
			return fmt.Errorf("PokeText: wrote %d bytes, want %d", n, len(data))
		}
		return nil
	})
}

// PeekUser reads one machine word from pid's USER area at offset, used for
// the debug registers (DR0-DR7) that back hardware watchpoints. There is
// no PtracePeekUser wrapper in golang.org/x/sys/unix, so this goes through
// the raw PTRACE_PEEKUSER request the same way the kernel ABI defines it.
func (r *Runner) PeekUser(pid int, offset uintptr) (uint64, error) {
	var word uint64
	err := r.Do(func() error {
		_, _, errno := unix.Syscall6(unix.SYS_PTRACE, unix.PTRACE_PEEKUSR,
			uintptr(pid), offset, uintptr(unsafe.Pointer(&word)), 0, 0)
		if errno != 0 {
			return errno
		}
		return nil
	})
	return word, err
}

// PokeUser writes one machine word into pid's USER area at offset.
func (r *Runner) PokeUser(pid int, offset uintptr, word uint64) error {
	return r.Do(func() error {
		_, _, errno := unix.Syscall6(unix.SYS_PTRACE, unix.PTRACE_POKEUSR,
			uintptr(pid), offset, uintptr(word), 0, 0)
		if errno != 0 {
			return errno
		}
		return nil
	})
}

// GetEvent returns the auxiliary value of the last ptrace-stop event, e.g.
// the new tid for PTRACE_EVENT_CLONE.
func (r *Runner) GetEvent(pid int) (uint64, error) {
	var msg uint64
	err := r.Do(func() error {
		v, err := unix.PtraceGetEventMsg(pid)
		msg = uint64(v)
		return err
	})
	return msg, err
}

// Kill sends SIGKILL to pid directly (bypassing ptrace).
func (r *Runner) Kill(pid int) error {
	return r.Do(func() error { return unix.Kill(pid, unix.SIGKILL) })
}

// Signal sends an arbitrary signal to pid, used to force a SIGSTOP during
// the resume-over-breakpoint dance.
func (r *Runner) Signal(pid int, sig unix.Signal) error {
	return r.Do(func() error { return unix.Kill(pid, sig) })
}

// WaitStatus is re-exported so callers outside this package don't need to
// import syscall directly.
type WaitStatus = unix.WaitStatus

// Wait4 waits for a state change in pid (-1 for "any child"). flag is
// typically 0 or unix.WALL so non-main-thread tids are seen too.
func (r *Runner) Wait4(pid int, flag int) (wpid int, status WaitStatus, err error) {
	err = r.Do(func() error {
		var err1 error
		wpid, err1 = unix.Wait4(pid, &status, flag, nil)
		return err1
	})
	return wpid, status, err
}

// SigInfo holds the fields of siginfo_t the control loop needs to classify
// a SIGTRAP stop (§4.8): the delivered signal and the si_code that
// distinguishes a single-step trap from a breakpoint trap from a
// kernel-synthesized one.
type SigInfo struct {
	Signo int32
	Errno int32
	Code  int32
}

// GetSigInfo reads the siginfo_t of the last stop for pid via
// PTRACE_GETSIGINFO. x/sys/unix does not expose a typed wrapper for this
// request, so it is issued directly; only the leading three int32 fields
// of the kernel's siginfo_t (common to every signal) are read.
func (r *Runner) GetSigInfo(pid int) (SigInfo, error) {
	var info SigInfo
	err := r.Do(func() error {
		_, _, errno := unix.Syscall6(unix.SYS_PTRACE, unix.PTRACE_GETSIGINFO,
			uintptr(pid), 0, uintptr(unsafe.Pointer(&info)), 0, 0)
		if errno != 0 {
			return errno
		}
		return nil
	})
	return info, err
}
