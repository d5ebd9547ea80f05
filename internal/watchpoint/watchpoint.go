// Package watchpoint implements the hardware watchpoint set of spec §4.6:
// up to 4 debug-register slots (DR0-DR3, conditions in DR7) programmed
// into every thread's debug registers, end-of-scope detection, and
// hit classification from the kernel's debug-status register (DR6).
//
// None of the retrieval pack's example repos implement hardware
// watchpoints (the teacher's ogle only ever did software breakpoints), so
// this package is grounded directly on the x86-64 debug register ABI
// itself — the USER area offsets ogle's own arch package never needed —
// and on internal/ptrace's PeekUser/PokeUser, which the ptrace package was
// built with exactly this use in mind.
package watchpoint

import (
	"fmt"

	"github.com/coredbg/coredbg/internal/addr"
	"github.com/coredbg/coredbg/internal/dbgerr"
)

// Condition is a watchpoint's trigger (§3).
type Condition int

const (
	OnWrite Condition = iota
	OnReadOrWrite
	OnExecute
)

// MaxSlots is the hardware debug-register capacity on x86-64 (DR0-DR3).
const MaxSlots = 4

// debug register USER-area offsets, System V x86-64: struct user has
// u_debugreg[8] immediately after the general-purpose/FP register blocks.
// The exact byte offset is platform-specific and supplied by the caller
// (internal/control knows the kernel's struct user layout); this package
// only needs the per-slot index, 0..7.
const (
	dr7ControlSlot = 7
)

// condBits is the DR7 condition encoding for each watchpoint condition
// (R/W field per slot): 01 = write, 11 = read-or-write, 00 = execute.
var condBits = map[Condition]uint64{
	OnWrite:       0x1,
	OnReadOrWrite: 0x3,
	OnExecute:     0x0,
}

// lenBits is the DR7 length encoding for each supported watch size.
var lenBits = map[int]uint64{
	1: 0x0,
	2: 0x1,
	4: 0x3,
	8: 0x2,
}

// Watchpoint is one installed record (§3).
type Watchpoint struct {
	Number    int
	Addr      addr.Runtime
	Size      int
	Condition Condition
	Slot      int
	// LiveLow/LiveHigh bound the PC range over which the watched
	// variable is in scope (§4.6 end-of-scope detection); zero values
	// mean "whole program" (e.g. a raw address/size watch with no
	// variable scope).
	LiveLow, LiveHigh addr.Runtime
	// LastValue is the watched memory's value as of the last read (at Add
	// time, or after the most recent Hit), the "old" half of the next
	// hit's old/new pair.
	LastValue uint64
}

// View is the read-only projection of a Watchpoint.
type View struct {
	Number    int
	Addr      addr.Runtime
	Size      int
	Condition Condition
	Slot      int
}

func (w *Watchpoint) view() View {
	return View{Number: w.Number, Addr: w.Addr, Size: w.Size, Condition: w.Condition, Slot: w.Slot}
}

// debugRegWriter is the slice of ptrace functionality this package needs,
// applied to every thread so watchpoints are process-wide (the kernel's
// debug registers are per-thread, but spec §4.6 says "persisted across
// all threads"). PeekText reads the watched variable's tracee memory
// itself (address space is shared across threads, so any live tid works)
// for the old/new values §4.6's hit notification carries.
type debugRegWriter interface {
	PokeUser(pid int, offset uintptr, word uint64) error
	PeekUser(pid int, offset uintptr) (uint64, error)
	PeekText(pid int, addr uintptr, out []byte) error
}

// Layout supplies the byte offsets of DR0-DR7 within struct user for the
// running kernel/libc combination, since that struct is not part of any
// stable Go-visible ABI.
type Layout struct {
	DebugReg [8]uintptr
}

// Set is the watchpoint set of §4.6.
type Set struct {
	rn       debugRegWriter
	layout   Layout
	byNumber map[int]*Watchpoint
	bySlot   [MaxSlots]*Watchpoint
	next     int
}

// New returns an empty watchpoint set.
func New(rn debugRegWriter, layout Layout) *Set {
	return &Set{rn: rn, layout: layout, byNumber: make(map[int]*Watchpoint)}
}

// Add allocates a free hardware slot for a new watchpoint and programs it
// into every tid's debug registers.
func (s *Set) Add(a addr.Runtime, size int, cond Condition, liveLow, liveHigh addr.Runtime, tids []int) (View, error) {
	if _, ok := lenBits[size]; !ok {
		return View{}, fmt.Errorf("%w: unsupported watch size %d", dbgerr.ErrInvalidRequest, size)
	}
	slot := s.freeSlot()
	if slot < 0 {
		return View{}, fmt.Errorf("%w: all %d watchpoint slots in use", dbgerr.ErrInvalidRequest, MaxSlots)
	}

	s.next++
	wp := &Watchpoint{
		Number: s.next, Addr: a, Size: size, Condition: cond, Slot: slot,
		LiveLow: liveLow, LiveHigh: liveHigh,
	}
	for _, tid := range tids {
		if err := s.program(tid, wp); err != nil {
			return View{}, err
		}
	}
	if len(tids) > 0 {
		wp.LastValue = s.readValue(tids[0], wp.Addr, wp.Size)
	}
	s.byNumber[wp.Number] = wp
	s.bySlot[slot] = wp
	return wp.view(), nil
}

// readValue reads size bytes of tid's memory at a (little-endian, zero on
// a failed read — a memory read racing process exit shouldn't itself fail
// the watchpoint operation that triggered it).
func (s *Set) readValue(tid int, a addr.Runtime, size int) uint64 {
	buf := make([]byte, size)
	if err := s.rn.PeekText(tid, uintptr(a), buf); err != nil {
		return 0
	}
	var v uint64
	for i := size - 1; i >= 0; i-- {
		v = v<<8 | uint64(buf[i])
	}
	return v
}

func (s *Set) freeSlot() int {
	for i, w := range s.bySlot {
		if w == nil {
			return i
		}
	}
	return -1
}

// program writes a.addr into DRn and updates DR7's condition/length bits
// and enable bit for slot n on tid.
func (s *Set) program(tid int, wp *Watchpoint) error {
	if err := s.rn.PokeUser(tid, s.layout.DebugReg[wp.Slot], uint64(wp.Addr)); err != nil {
		return fmt.Errorf("%w: program DR%d on tid %d: %v", dbgerr.ErrInvalidRequest, wp.Slot, tid, err)
	}
	dr7, err := s.rn.PeekUser(tid, s.layout.DebugReg[dr7ControlSlot])
	if err != nil {
		return fmt.Errorf("%w: read DR7 on tid %d: %v", dbgerr.ErrInvalidRequest, tid, err)
	}
	dr7 = setSlotBits(dr7, wp.Slot, condBits[wp.Condition], lenBits[wp.Size])
	if err := s.rn.PokeUser(tid, s.layout.DebugReg[dr7ControlSlot], dr7); err != nil {
		return fmt.Errorf("%w: write DR7 on tid %d: %v", dbgerr.ErrInvalidRequest, tid, err)
	}
	return nil
}

// setSlotBits sets the local-enable bit for slot, and the 2-bit
// condition/length fields in the high half of DR7, per the x86-64 debug
// register ABI: bit 2*n enables slot n locally; bits 16+4n/17+4n encode
// condition, bits 18+4n/19+4n encode length.
func setSlotBits(dr7 uint64, slot int, cond, length uint64) uint64 {
	dr7 |= 1 << uint(2*slot)
	shift := uint(16 + 4*slot)
	mask := uint64(0xF) << shift
	dr7 &^= mask
	dr7 |= (cond | (length << 2)) << shift
	return dr7
}

// clear removes slot's enable bit and condition/length field, on every
// tid, without touching other slots.
func (s *Set) clear(tid int, slot int) error {
	dr7, err := s.rn.PeekUser(tid, s.layout.DebugReg[dr7ControlSlot])
	if err != nil {
		return fmt.Errorf("%w: read DR7 on tid %d: %v", dbgerr.ErrInvalidRequest, tid, err)
	}
	dr7 &^= 1 << uint(2*slot)
	shift := uint(16 + 4*slot)
	dr7 &^= uint64(0xF) << shift
	return s.rn.PokeUser(tid, s.layout.DebugReg[dr7ControlSlot], dr7)
}

// Remove releases num's slot on every tid.
func (s *Set) Remove(num int, tids []int) (View, error) {
	wp, ok := s.byNumber[num]
	if !ok {
		return View{}, fmt.Errorf("%w: no watchpoint numbered %d", dbgerr.ErrInvalidRequest, num)
	}
	for _, tid := range tids {
		if err := s.clear(tid, wp.Slot); err != nil {
			return View{}, err
		}
	}
	delete(s.byNumber, num)
	s.bySlot[wp.Slot] = nil
	return wp.view(), nil
}

// List returns every installed watchpoint.
func (s *Set) List() []View {
	out := make([]View, 0, len(s.byNumber))
	for _, wp := range s.byNumber {
		out = append(out, wp.view())
	}
	return out
}

// SlotFromStatus decodes which slot(s) a DR6 debug-status value reports as
// hit (bits 0-3, one per slot).
func SlotFromStatus(dr6 uint64) []int {
	var hit []int
	for i := 0; i < MaxSlots; i++ {
		if dr6&(1<<uint(i)) != 0 {
			hit = append(hit, i)
		}
	}
	return hit
}

// HitResult is the notification payload for a watchpoint hit (§4.6): which
// watchpoint fired, its old and new memory values, and whether it has
// fallen out of scope.
type HitResult struct {
	Watchpoint View
	EndOfScope bool
	Old, New   uint64
}

// Hit classifies a DR6-reported slot against the current PC, implementing
// §4.6's end-of-scope detection: when pc falls outside the watched
// variable's live range, the watchpoint is reported as having reached
// end-of-scope and removed. It also re-reads the watched memory to report
// the old value (as of the last Add/Hit) and the new value (as of this
// trap), per §4.6/§6.1's on_watchpoint(..., old, new, ...) contract.
func (s *Set) Hit(slot int, pc addr.Runtime, tids []int) (HitResult, error) {
	wp := s.bySlot[slot]
	if wp == nil {
		return HitResult{}, fmt.Errorf("%w: hit on unallocated slot %d", dbgerr.ErrInvalidRequest, slot)
	}
	old := wp.LastValue
	var newVal uint64
	if len(tids) > 0 {
		newVal = s.readValue(tids[0], wp.Addr, wp.Size)
	}
	wp.LastValue = newVal

	eos := wp.LiveLow != wp.LiveHigh && (pc < wp.LiveLow || pc >= wp.LiveHigh)
	res := HitResult{Watchpoint: wp.view(), EndOfScope: eos, Old: old, New: newVal}
	if eos {
		if _, err := s.Remove(wp.Number, tids); err != nil {
			return res, err
		}
	}
	return res, nil
}
