// Package regs implements the register map of spec §4.1: a snapshot of a
// tracee thread's x86-64 user registers, with symbolic access by
// architectural name and by DWARF register number, and an explicit
// "persist" step that writes a mutated snapshot back to the kernel. The
// layout mirrors the teacher's arch.Architecture (ogle/arch/arch.go),
// generalized from "general registers the printer needs" to the full
// named table spec §4.1 calls for.
package regs

import (
	"fmt"
	"syscall"

	"github.com/coredbg/coredbg/internal/dbgerr"
	"github.com/coredbg/coredbg/internal/ptrace"
)

// Name identifies a register by its architectural (assembly) name.
type Name string

const (
	Rax Name = "rax"
	Rbx Name = "rbx"
	Rcx Name = "rcx"
	Rdx Name = "rdx"
	Rsi Name = "rsi"
	Rdi Name = "rdi"
	Rbp Name = "rbp"
	Rsp Name = "rsp"
	R8  Name = "r8"
	R9  Name = "r9"
	R10 Name = "r10"
	R11 Name = "r11"
	R12 Name = "r12"
	R13 Name = "r13"
	R14 Name = "r14"
	R15 Name = "r15"
	Rip Name = "rip"

	Cs     Name = "cs"
	Ss     Name = "ss"
	Ds     Name = "ds"
	Es     Name = "es"
	Fs     Name = "fs"
	Gs     Name = "gs"
	FsBase Name = "fs_base"
	GsBase Name = "gs_base"

	Eflags Name = "eflags"
)

// field describes how one named register lives inside syscall.PtraceRegs,
// its DWARF register number (System V x86-64 ABI), and whether writes are
// accepted.
type field struct {
	dwarf    int
	writable bool
	get      func(*syscall.PtraceRegs) uint64
	set      func(*syscall.PtraceRegs, uint64)
}

var table = map[Name]field{
	Rax: {0, true, func(r *syscall.PtraceRegs) uint64 { return r.Rax }, func(r *syscall.PtraceRegs, v uint64) { r.Rax = v }},
	Rdx: {1, true, func(r *syscall.PtraceRegs) uint64 { return r.Rdx }, func(r *syscall.PtraceRegs, v uint64) { r.Rdx = v }},
	Rcx: {2, true, func(r *syscall.PtraceRegs) uint64 { return r.Rcx }, func(r *syscall.PtraceRegs, v uint64) { r.Rcx = v }},
	Rbx: {3, true, func(r *syscall.PtraceRegs) uint64 { return r.Rbx }, func(r *syscall.PtraceRegs, v uint64) { r.Rbx = v }},
	Rsi: {4, true, func(r *syscall.PtraceRegs) uint64 { return r.Rsi }, func(r *syscall.PtraceRegs, v uint64) { r.Rsi = v }},
	Rdi: {5, true, func(r *syscall.PtraceRegs) uint64 { return r.Rdi }, func(r *syscall.PtraceRegs, v uint64) { r.Rdi = v }},
	Rbp: {6, true, func(r *syscall.PtraceRegs) uint64 { return r.Rbp }, func(r *syscall.PtraceRegs, v uint64) { r.Rbp = v }},
	Rsp: {7, true, func(r *syscall.PtraceRegs) uint64 { return r.Rsp }, func(r *syscall.PtraceRegs, v uint64) { r.Rsp = v }},
	R8:  {8, true, func(r *syscall.PtraceRegs) uint64 { return r.R8 }, func(r *syscall.PtraceRegs, v uint64) { r.R8 = v }},
	R9:  {9, true, func(r *syscall.PtraceRegs) uint64 { return r.R9 }, func(r *syscall.PtraceRegs, v uint64) { r.R9 = v }},
	R10: {10, true, func(r *syscall.PtraceRegs) uint64 { return r.R10 }, func(r *syscall.PtraceRegs, v uint64) { r.R10 = v }},
	R11: {11, true, func(r *syscall.PtraceRegs) uint64 { return r.R11 }, func(r *syscall.PtraceRegs, v uint64) { r.R11 = v }},
	R12: {12, true, func(r *syscall.PtraceRegs) uint64 { return r.R12 }, func(r *syscall.PtraceRegs, v uint64) { r.R12 = v }},
	R13: {13, true, func(r *syscall.PtraceRegs) uint64 { return r.R13 }, func(r *syscall.PtraceRegs, v uint64) { r.R13 = v }},
	R14: {14, true, func(r *syscall.PtraceRegs) uint64 { return r.R14 }, func(r *syscall.PtraceRegs, v uint64) { r.R14 = v }},
	R15: {15, true, func(r *syscall.PtraceRegs) uint64 { return r.R15 }, func(r *syscall.PtraceRegs, v uint64) { r.R15 = v }},
	Rip: {16, true, func(r *syscall.PtraceRegs) uint64 { return r.Rip }, func(r *syscall.PtraceRegs, v uint64) { r.Rip = v }},

	Eflags: {49, true, func(r *syscall.PtraceRegs) uint64 { return r.Eflags }, func(r *syscall.PtraceRegs, v uint64) { r.Eflags = v }},
	Cs:     {51, false, func(r *syscall.PtraceRegs) uint64 { return r.Cs }, nil},
	Ss:     {52, false, func(r *syscall.PtraceRegs) uint64 { return r.Ss }, nil},
	Ds:     {53, false, func(r *syscall.PtraceRegs) uint64 { return r.Ds }, nil},
	Es:     {50, false, func(r *syscall.PtraceRegs) uint64 { return r.Es }, nil},
	Fs:     {54, false, func(r *syscall.PtraceRegs) uint64 { return r.Fs }, nil},
	Gs:     {55, false, func(r *syscall.PtraceRegs) uint64 { return r.Gs }, nil},
	FsBase: {58, false, func(r *syscall.PtraceRegs) uint64 { return r.Fs_base }, nil},
	GsBase: {59, false, func(r *syscall.PtraceRegs) uint64 { return r.Gs_base }, nil},
}

var byDwarf = func() map[int]Name {
	m := make(map[int]Name, len(table))
	for name, f := range table {
		m[f.dwarf] = name
	}
	return m
}()

// Snapshot is a thread's registers as of the last Read, staged for
// mutation until Persist writes it back.
type Snapshot struct {
	tid  int
	regs syscall.PtraceRegs
}

// Read takes a fresh snapshot of tid's registers.
func Read(r *ptrace.Runner, tid int) (*Snapshot, error) {
	s := &Snapshot{tid: tid}
	if err := r.GetRegs(tid, &s.regs); err != nil {
		return nil, fmt.Errorf("%w: read registers for tid %d: %v", dbgerr.ErrNoSuchThread, tid, err)
	}
	return s, nil
}

// Value returns the current value of a register selected by architectural
// name.
func (s *Snapshot) Value(name Name) (uint64, error) {
	f, ok := table[name]
	if !ok {
		return 0, fmt.Errorf("%w: unknown register %q", dbgerr.ErrInvalidRequest, name)
	}
	return f.get(&s.regs), nil
}

// ValueByDWARF returns the current value of the register with the given
// DWARF register number (System V x86-64 ABI numbering).
func (s *Snapshot) ValueByDWARF(num int) (uint64, error) {
	name, ok := byDwarf[num]
	if !ok {
		return 0, fmt.Errorf("%w: unknown DWARF register %d", dbgerr.ErrInvalidRequest, num)
	}
	return s.Value(name)
}

// Set stages a new value for a register in this snapshot. The mutation is
// not visible to the tracee until Persist is called (§5 ordering
// guarantee 2).
func (s *Snapshot) Set(name Name, v uint64) error {
	f, ok := table[name]
	if !ok {
		return fmt.Errorf("%w: unknown register %q", dbgerr.ErrInvalidRequest, name)
	}
	if !f.writable {
		return fmt.Errorf("%w: register %q is read-only", dbgerr.ErrInvalidRequest, name)
	}
	f.set(&s.regs, v)
	return nil
}

// Persist writes the staged snapshot back to tid via the kernel.
func (s *Snapshot) Persist(r *ptrace.Runner) error {
	if err := r.SetRegs(s.tid, &s.regs); err != nil {
		return fmt.Errorf("%w: persist registers for tid %d: %v", dbgerr.ErrNoSuchThread, s.tid, err)
	}
	return nil
}

// PC is a convenience accessor for the instruction pointer.
func (s *Snapshot) PC() uint64 { return s.regs.Rip }

// SetPC is a convenience mutator for the instruction pointer.
func (s *Snapshot) SetPC(v uint64) { s.regs.Rip = v }

// SP is a convenience accessor for the stack pointer.
func (s *Snapshot) SP() uint64 { return s.regs.Rsp }

// BP is a convenience accessor for the frame base pointer register.
func (s *Snapshot) BP() uint64 { return s.regs.Rbp }

// Raw exposes the underlying kernel register struct for callers (the
// call-into-debuggee synthesizer) that need to set up a full System V
// argument-passing ABI in one shot.
func (s *Snapshot) Raw() *syscall.PtraceRegs { return &s.regs }
