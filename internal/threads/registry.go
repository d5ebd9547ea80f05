// Package threads implements the thread registry of spec §4.7: per-tracee
// lifecycle tracking, focus, and the two group operations the control loop
// drives on every user-visible stop. Grounded almost directly on
// original_source/src/debugger/thread.rs's Registry — the teacher (ogle)
// has no equivalent structure of its own, since it never tracked more than
// the one inferior's pid plus an ad-hoc clone-following map.
package threads

import (
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/coredbg/coredbg/internal/dbgerr"
	"github.com/coredbg/coredbg/internal/ptrace"
)

// Status is a thread's lifecycle state (§3 "Thread record").
type Status int

const (
	// Created means the kernel has announced the thread (PTRACE_EVENT_CLONE)
	// but it has not yet reported its own first stop.
	Created Status = iota
	Stopped
	Running
	// Gone means the thread has exited; the record is about to be removed.
	Gone
)

func (s Status) String() string {
	switch s {
	case Created:
		return "created"
	case Stopped:
		return "stopped"
	case Running:
		return "running"
	case Gone:
		return "gone"
	default:
		return "unknown"
	}
}

// Thread is one tracee thread's record.
type Thread struct {
	// Num is a stable display number assigned in registration order,
	// starting at 1 for the main thread — distinct from the kernel tid,
	// following thread.rs's last_thread_num counter.
	Num    uint64
	Tid    int
	Status Status
}

// Registry tracks every tracee thread's record (§4.7).
type Registry struct {
	mu       sync.Mutex
	mainTid  int
	focus    int
	byTid    map[int]*Thread
	lastNum  uint64
}

// New seeds the registry with the main thread, already stopped — mirroring
// thread.rs's Registry::new, which inserts the main pid with num=1 and
// status Stopped (ptrace attaches to a stopped tracee).
func New(mainTid int) *Registry {
	r := &Registry{
		mainTid: mainTid,
		focus:   mainTid,
		byTid:   make(map[int]*Thread),
		lastNum: 1,
	}
	r.byTid[mainTid] = &Thread{Num: 1, Tid: mainTid, Status: Stopped}
	return r
}

// MainThread returns the debuggee process's main thread id.
func (r *Registry) MainThread() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.mainTid
}

// SetFocus changes the thread in focus (§3 "exactly one thread in focus").
func (r *Registry) SetFocus(tid int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byTid[tid]; !ok {
		return fmt.Errorf("%w: no such thread %d", dbgerr.ErrNoSuchThread, tid)
	}
	r.focus = tid
	return nil
}

// Focus returns the currently focused thread id.
func (r *Registry) Focus() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.focus
}

// Register adds a newly cloned thread in status Created — the window
// between PTRACE_EVENT_CLONE and the new thread's own first stop.
func (r *Registry) Register(tid int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastNum++
	r.byTid[tid] = &Thread{Num: r.lastNum, Tid: tid, Status: Created}
}

// Remove drops tid's record entirely (on exit-event notification).
func (r *Registry) Remove(tid int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.byTid, tid)
}

// SetStopped marks tid stopped, e.g. after observing its stop event.
func (r *Registry) SetStopped(tid int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.byTid[tid]; ok {
		t.Status = Stopped
	}
}

// SetStatus sets tid's status directly.
func (r *Registry) SetStatus(tid int, status Status) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.byTid[tid]; ok {
		t.Status = status
	}
}

// StatusOf returns tid's current status, or Gone if the tid has no record
// (thread.rs's TraceeStatus::OutOfReach).
func (r *Registry) StatusOf(tid int) Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.byTid[tid]
	if !ok {
		return Gone
	}
	return t.Status
}

// Snapshot returns every tracked record, ordered by display number.
func (r *Registry) Snapshot() []Thread {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Thread, 0, len(r.byTid))
	for _, t := range r.byTid {
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Num < out[j].Num })
	return out
}

// ResumeStopped continues every Stopped thread, following
// thread.rs's cont_stopped: ESRCH is logged and skipped (the thread died
// between checks and will be reaped on its PTRACE_EVENT_EXIT), any other
// error is collected and returned once every thread has been tried.
func (r *Registry) ResumeStopped(rn *ptrace.Runner, onESRCH func(tid int)) error {
	r.mu.Lock()
	targets := make([]*Thread, 0, len(r.byTid))
	for _, t := range r.byTid {
		if t.Status == Stopped {
			targets = append(targets, t)
		}
	}
	r.mu.Unlock()

	var errs []error
	for _, t := range targets {
		if err := rn.Cont(t.Tid, 0); err != nil {
			if isESRCH(err) {
				log.Printf("threads: skipping tid %d on resume: %v", t.Tid, err)
				if onESRCH != nil {
					onESRCH(t.Tid)
				}
				continue
			}
			errs = append(errs, fmt.Errorf("thread %d: %w", t.Tid, err))
			continue
		}
		r.mu.Lock()
		t.Status = Running
		r.mu.Unlock()
	}
	return joinErrs(errs)
}

// InterruptRunning stops every Running thread and, per §4.7, promotes any
// Created thread to Stopped by continuing it once and then interrupting
// it — the brief window between a clone event and the new thread's first
// stop that thread.rs's interrupt_running does not itself handle but that
// spec §4.7 calls for explicitly.
func (r *Registry) InterruptRunning(rn *ptrace.Runner, onESRCH func(tid int)) error {
	r.mu.Lock()
	var running, created []*Thread
	for _, t := range r.byTid {
		switch t.Status {
		case Running:
			running = append(running, t)
		case Created:
			created = append(created, t)
		}
	}
	r.mu.Unlock()

	var errs []error
	for _, t := range created {
		if err := rn.Cont(t.Tid, 0); err != nil && !isESRCH(err) {
			errs = append(errs, fmt.Errorf("thread %d: %w", t.Tid, err))
			continue
		}
		running = append(running, t)
	}

	for _, t := range running {
		if err := rn.Interrupt(t.Tid); err != nil {
			if isESRCH(err) {
				if onESRCH != nil {
					onESRCH(t.Tid)
				}
				continue
			}
			errs = append(errs, fmt.Errorf("thread %d: %w", t.Tid, err))
			continue
		}
		r.mu.Lock()
		t.Status = Stopped
		r.mu.Unlock()
	}
	return joinErrs(errs)
}

func isESRCH(err error) bool {
	return errors.Is(err, unix.ESRCH)
}

func joinErrs(errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	msg := "thread registry: "
	for i, e := range errs {
		if i > 0 {
			msg += "; "
		}
		msg += e.Error()
	}
	return fmt.Errorf("%w: %s", dbgerr.ErrKernel, msg)
}
