// Package breakpoint implements the software breakpoint set of spec §4.5:
// install/disarm of one-byte trap opcodes with original-byte shadowing,
// deferred resolution against not-yet-loaded objects, and the
// resume-over-breakpoint dance. Grounded on
// ogle/program/server/server.go's breakpoint struct and
// addBreakpoints/setBreakpoints/liftBreakpoints, and on
// original_source/src/debugger/breakpoint.rs's enable/disable (read byte,
// OR in 0xCC, write back; restore saved byte).
package breakpoint

import (
	"fmt"
	"sync"

	"github.com/coredbg/coredbg/internal/addr"
	"github.com/coredbg/coredbg/internal/dbgerr"
	"github.com/coredbg/coredbg/internal/dwarfstore"
	"github.com/coredbg/coredbg/internal/ptrace"
)

// tracer is the slice of internal/ptrace.Runner this package needs;
// accepting it as an interface lets tests exercise the install/disarm
// protocol against an in-memory fake instead of a real tracee.
type tracer interface {
	PeekText(pid int, addr uintptr, out []byte) error
	PokeText(pid int, addr uintptr, data []byte) error
	SingleStep(pid int) error
	Wait4(pid int, flag int) (int, ptrace.WaitStatus, error)
}

// trapOpcode is the x86-64 one-byte INT3 instruction (0xCC), per the
// teacher's arch.AMD64.BreakpointInstr.
const trapOpcode = 0xCC

// Kind distinguishes why a breakpoint record exists (§3).
type Kind int

const (
	UserDefined Kind = iota
	InternalStep
	TransparentOracle
)

// State is a breakpoint record's lifecycle state (§3).
type State int

const (
	Armed State = iota
	Disarmed
	Deferred
)

func (s State) String() string {
	switch s {
	case Armed:
		return "armed"
	case Disarmed:
		return "disarmed"
	case Deferred:
		return "deferred"
	default:
		return "unknown"
	}
}

// Identity selects one or more target addresses to install a breakpoint
// at (§4.5): exactly one of the fields below should be set.
type Identity struct {
	Address  *addr.Runtime
	File     string
	Line     int
	Function string
	Number   *int
}

// Breakpoint is one installed (or deferred) record.
type Breakpoint struct {
	Number    int
	Kind      Kind
	Condition string
	State     State
	Addr      addr.Runtime // meaningful only when State != Deferred
	pending   Identity      // retained to re-resolve on mapping change
}

// View is the read-only projection returned to callers (§4.5 add/remove/list).
type View struct {
	Number    int
	Kind      Kind
	Condition string
	State     State
	Addr      addr.Runtime
}

func (b *Breakpoint) view() View {
	return View{Number: b.Number, Kind: b.Kind, Condition: b.Condition, State: b.State, Addr: b.Addr}
}

// addrSlot tracks the single shared shadow byte at one address: several
// breakpoint records (e.g. a user breakpoint and an internal step
// breakpoint) can target the same instruction, but the kernel only ever
// sees one 0xCC there, shadowing one original byte.
type addrSlot struct {
	orig  byte
	armed bool
	refs  map[int]bool // breakpoint numbers installed here
}

// Set is the breakpoint set of §4.5.
type Set struct {
	mu       sync.Mutex
	store    *dwarfstore.Store
	rn       tracer
	pid      int
	byAddr   map[addr.Runtime]*addrSlot
	byNumber map[int]*Breakpoint
	deferred []*Breakpoint
	next     int
}

// New returns an empty breakpoint set bound to pid's memory (breakpoints
// are process-wide: every thread shares the same address space).
func New(store *dwarfstore.Store, rn tracer, pid int) *Set {
	return &Set{
		store:    store,
		rn:       rn,
		pid:      pid,
		byAddr:   make(map[addr.Runtime]*addrSlot),
		byNumber: make(map[int]*Breakpoint),
	}
}

// resolve turns an Identity into zero or more candidate runtime addresses.
// Line and function identities may yield several addresses (one per
// matching row/overload); an address identity always yields exactly one.
func (s *Set) resolve(id Identity) ([]addr.Runtime, error) {
	switch {
	case id.Address != nil:
		return []addr.Runtime{*id.Address}, nil
	case id.File != "" && id.Line != 0:
		rts, err := s.store.LineToAddrs(id.File, id.Line)
		if err != nil {
			return nil, err
		}
		return rts, nil
	case id.Function != "":
		refs, err := s.store.FindFunctionByName(id.Function)
		if err != nil {
			return nil, err
		}
		out := make([]addr.Runtime, 0, len(refs))
		for _, ref := range refs {
			if ref.Low == 0 && ref.High == 0 {
				return nil, fmt.Errorf("%w: %s not yet mapped", dbgerr.ErrMappingNotReady, id.Function)
			}
			out = append(out, s.store.FunctionEntryAddr(ref))
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: empty breakpoint identity", dbgerr.ErrInvalidRequest)
	}
}

// Add installs (or defers) a breakpoint at every address id resolves to.
func (s *Set) Add(id Identity, kind Kind, condition string) ([]View, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	addrs, err := s.resolve(id)
	if dbgerr.Is(err, dbgerr.ErrMappingNotReady) {
		s.next++
		bp := &Breakpoint{Number: s.next, Kind: kind, Condition: condition, State: Deferred, pending: id}
		s.byNumber[bp.Number] = bp
		s.deferred = append(s.deferred, bp)
		return []View{bp.view()}, nil
	}
	if err != nil {
		return nil, err
	}

	views := make([]View, 0, len(addrs))
	for _, a := range addrs {
		s.next++
		bp := &Breakpoint{Number: s.next, Kind: kind, Condition: condition, State: Disarmed, Addr: a}
		s.byNumber[bp.Number] = bp
		if err := s.install(bp); err != nil {
			return nil, err
		}
		views = append(views, bp.view())
	}
	return views, nil
}

// install performs the §4.5 install protocol: read the current byte at
// bp.Addr, store it in the addr's shared slot if not already armed, write
// 0xCC, mark the record armed.
func (s *Set) install(bp *Breakpoint) error {
	slot, ok := s.byAddr[bp.Addr]
	if !ok {
		slot = &addrSlot{refs: make(map[int]bool)}
		s.byAddr[bp.Addr] = slot
	}
	if !slot.armed {
		var buf [1]byte
		if err := s.rn.PeekText(s.pid, uintptr(bp.Addr), buf[:]); err != nil {
			return fmt.Errorf("%w: read original byte at %s: %v", dbgerr.ErrInvalidRequest, bp.Addr, err)
		}
		slot.orig = buf[0]
		if err := s.rn.PokeText(s.pid, uintptr(bp.Addr), []byte{trapOpcode}); err != nil {
			return fmt.Errorf("%w: install trap at %s: %v", dbgerr.ErrInvalidRequest, bp.Addr, err)
		}
		slot.armed = true
	}
	slot.refs[bp.Number] = true
	bp.State = Armed
	return nil
}

// Remove disarms and deletes the breakpoints identified by id (by number
// is the common case for removal).
func (s *Set) Remove(id Identity) ([]View, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var targets []*Breakpoint
	if id.Number != nil {
		if bp, ok := s.byNumber[*id.Number]; ok {
			targets = append(targets, bp)
		}
	} else {
		addrs, err := s.resolve(id)
		if err != nil {
			return nil, err
		}
		for _, a := range addrs {
			if slot, ok := s.byAddr[a]; ok {
				for num := range slot.refs {
					targets = append(targets, s.byNumber[num])
				}
			}
		}
	}
	if len(targets) == 0 {
		return nil, fmt.Errorf("%w: no breakpoint matches", dbgerr.ErrInvalidRequest)
	}

	views := make([]View, 0, len(targets))
	for _, bp := range targets {
		if bp.State == Armed {
			if err := s.disarmOne(bp); err != nil {
				return nil, err
			}
		}
		if bp.State == Deferred {
			for i, d := range s.deferred {
				if d == bp {
					s.deferred = append(s.deferred[:i], s.deferred[i+1:]...)
					break
				}
			}
		}
		delete(s.byNumber, bp.Number)
		views = append(views, bp.view())
	}
	return views, nil
}

// disarmOne removes bp's reference from its address slot, restoring the
// original byte once the last reference is gone (several records can
// share one slot, e.g. a user breakpoint and a step breakpoint on the same
// instruction).
func (s *Set) disarmOne(bp *Breakpoint) error {
	slot, ok := s.byAddr[bp.Addr]
	if !ok {
		bp.State = Disarmed
		return nil
	}
	delete(slot.refs, bp.Number)
	if len(slot.refs) == 0 && slot.armed {
		if err := s.rn.PokeText(s.pid, uintptr(bp.Addr), []byte{slot.orig}); err != nil {
			return fmt.Errorf("%w: restore original byte at %s: %v", dbgerr.ErrInvalidRequest, bp.Addr, err)
		}
		slot.armed = false
		delete(s.byAddr, bp.Addr)
	}
	bp.State = Disarmed
	return nil
}

// List returns every tracked breakpoint (armed, disarmed-but-tracked never
// happens here since Remove deletes, and deferred).
func (s *Set) List() []View {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]View, 0, len(s.byNumber))
	for _, bp := range s.byNumber {
		out = append(out, bp.view())
	}
	return out
}

// OnMappingChange re-resolves every deferred breakpoint, following §4.5:
// "if the address lies in a not-yet-loaded object, hold the request as
// deferred and re-resolve on every mapping-change event."
func (s *Set) OnMappingChange() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	still := s.deferred[:0]
	for _, bp := range s.deferred {
		addrs, err := s.resolve(bp.pending)
		if dbgerr.Is(err, dbgerr.ErrMappingNotReady) {
			still = append(still, bp)
			continue
		}
		if err != nil || len(addrs) == 0 {
			still = append(still, bp)
			continue
		}
		bp.Addr = addrs[0]
		if err := s.install(bp); err != nil {
			return err
		}
		for _, extra := range addrs[1:] {
			s.next++
			nbp := &Breakpoint{Number: s.next, Kind: bp.Kind, Condition: bp.Condition, State: Disarmed, Addr: extra}
			s.byNumber[nbp.Number] = nbp
			if err := s.install(nbp); err != nil {
				return err
			}
		}
	}
	s.deferred = still
	return nil
}

// LookupAt returns every armed breakpoint at a, for hit handling (§4.5
// step 2: "look up all breakpoints at that address").
func (s *Set) LookupAt(a addr.Runtime) []View {
	s.mu.Lock()
	defer s.mu.Unlock()
	slot, ok := s.byAddr[a]
	if !ok {
		return nil
	}
	out := make([]View, 0, len(slot.refs))
	for num := range slot.refs {
		out = append(out, s.byNumber[num].view())
	}
	return out
}

// IsArmedAt reports whether a has a live trap installed — used by the
// resume-over-breakpoint dance to decide whether a single-step-off is
// needed before continuing.
func (s *Set) IsArmedAt(a addr.Runtime) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	slot, ok := s.byAddr[a]
	return ok && slot.armed
}

// StepOff performs the §4.5 resume-over-breakpoint dance for the thread
// whose IP sits exactly on an armed breakpoint: temporarily disarm, single
// step, wait for the tracee to actually reach its post-step ptrace-stop,
// then re-arm. The caller is responsible for having already stopped every
// other thread (§4.8 "stop the world") so the dance is atomic with respect
// to them. The wait between the step and the rearm is load-bearing: every
// ptrace op here requires the tracee to be stopped, and re-arming while the
// single-stepped instruction is still in flight can land the rearm poke
// before the instruction executes, corrupting the step, or fault with
// ESRCH/EIO — the same ordering teacher's handleResume (ptraceSingleStep
// immediately followed by waitForTrap) and original_source's thread_step
// (ptrace::step immediately followed by waitpid) both enforce.
func (s *Set) StepOff(tid int, a addr.Runtime) error {
	s.mu.Lock()
	slot, ok := s.byAddr[a]
	s.mu.Unlock()
	if !ok || !slot.armed {
		return nil
	}

	if err := s.rn.PokeText(s.pid, uintptr(a), []byte{slot.orig}); err != nil {
		return fmt.Errorf("%w: temporarily lift trap at %s: %v", dbgerr.ErrInvalidRequest, a, err)
	}
	stepErr := s.rn.SingleStep(tid)
	if stepErr == nil {
		if _, _, err := s.rn.Wait4(tid, 0); err != nil {
			stepErr = fmt.Errorf("%w: wait for step-off on tid %d: %v", dbgerr.ErrKernel, tid, err)
		}
	}
	if rearmErr := s.rn.PokeText(s.pid, uintptr(a), []byte{trapOpcode}); rearmErr != nil && stepErr == nil {
		stepErr = fmt.Errorf("%w: re-arm trap at %s: %v", dbgerr.ErrInvalidRequest, a, rearmErr)
	}
	return stepErr
}

// RewindAddr computes the breakpoint address a trap at trapPC refers to:
// the CPU advances IP past the one-byte 0xCC before the tracer sees the
// stop (§4.5 hit handling step 1).
func RewindAddr(trapPC addr.Runtime) addr.Runtime {
	return trapPC - 1
}
