package step

import (
	"syscall"
	"testing"

	"github.com/coredbg/coredbg/internal/addr"
	"github.com/coredbg/coredbg/internal/breakpoint"
	"github.com/coredbg/coredbg/internal/dwarfstore"
	"github.com/coredbg/coredbg/internal/ptrace"
	"github.com/coredbg/coredbg/internal/unwind"
)

// fakeTracer drives a scripted sequence of PC values every GetRegs call
// advances through, modeling a tracee that single-steps one instruction
// (or one breakpoint trap) per Cont/SingleStep+Wait4 round trip.
type fakeTracer struct {
	pcs []uint64
	i   int
	mem map[uintptr]byte
}

func (f *fakeTracer) PeekText(pid int, a uintptr, out []byte) error {
	for i := range out {
		out[i] = f.mem[a+uintptr(i)]
	}
	return nil
}
func (f *fakeTracer) PokeText(pid int, a uintptr, data []byte) error {
	if f.mem == nil {
		f.mem = make(map[uintptr]byte)
	}
	for i, b := range data {
		f.mem[a+uintptr(i)] = b
	}
	return nil
}
func (f *fakeTracer) SingleStep(pid int) error { f.advance(); return nil }
func (f *fakeTracer) Cont(pid int, signal int) error { f.advance(); return nil }
func (f *fakeTracer) advance() {
	if f.i < len(f.pcs)-1 {
		f.i++
	}
}
// sigtrapStopped is a WIFSTOPPED status with WSTOPSIG == SIGTRAP (0x7f
// with SIGTRAP (5) shifted into the high byte), the only stop kind these
// fakes produce.
const sigtrapStopped = ptrace.WaitStatus(0x7f | (5 << 8))

func (f *fakeTracer) Wait4(pid int, flag int) (int, ptrace.WaitStatus, error) {
	return pid, sigtrapStopped, nil
}
func (f *fakeTracer) GetRegs(pid int, out *syscall.PtraceRegs) error {
	out.Rip = f.pcs[f.i]
	return nil
}
func (f *fakeTracer) SetRegs(pid int, in *syscall.PtraceRegs) error {
	f.pcs[f.i] = in.Rip
	return nil
}

// fakeStore maps addresses directly to places/functions for a synthetic
// line table, bypassing real ELF/DWARF parsing.
type fakeStore struct {
	places map[uint64]dwarfstore.Place
	fns    map[uint64]dwarfstore.FunctionRef
}

func (s *fakeStore) FindPlace(rt addr.Runtime) (dwarfstore.Place, bool) {
	p, ok := s.places[uint64(rt)]
	return p, ok
}
func (s *fakeStore) FindFunction(rt addr.Runtime) (dwarfstore.FunctionRef, bool) {
	for _, fn := range s.fns {
		if uint64(rt) >= uint64(fn.Low) && uint64(rt) < uint64(fn.High) {
			return fn, true
		}
	}
	return dwarfstore.FunctionRef{}, false
}
func (s *fakeStore) Mapping(rt addr.Runtime) (addr.Mapping, bool) { return addr.Mapping{}, false }

type fakeFrames struct {
	frames []unwind.Frame
}

func (f *fakeFrames) Walk(regs map[int]uint64, maxFrames int) []unwind.Frame {
	if maxFrames < len(f.frames) {
		return f.frames[:maxFrames]
	}
	return f.frames
}

func TestInstructionAdvancesPCAndWaits(t *testing.T) {
	ft := &fakeTracer{pcs: []uint64{0x1000, 0x1001}}
	bps := breakpoint.New(nil, ft, 1)
	e := New(ft, nil, bps, nil)

	pc, err := e.Instruction(7)
	if err != nil {
		t.Fatalf("Instruction: %v", err)
	}
	if pc != 0x1001 {
		t.Fatalf("pc = %#x, want 0x1001", pc)
	}
}

func TestIntoStopsAtFirstStatementOnANewLine(t *testing.T) {
	ft := &fakeTracer{pcs: []uint64{0x1000, 0x1001, 0x1002, 0x1010}}
	store := &fakeStore{places: map[uint64]dwarfstore.Place{
		0x1000: {File: "a.go", Line: 10, IsStmt: true},
		0x1001: {File: "a.go", Line: 10, IsStmt: false},
		0x1002: {File: "a.go", Line: 10, IsStmt: false},
		0x1010: {File: "a.go", Line: 11, IsStmt: true},
	}}
	bps := breakpoint.New(nil, ft, 1)
	e := New(ft, store, bps, nil)

	pc, err := e.Into(7)
	if err != nil {
		t.Fatalf("Into: %v", err)
	}
	if pc != 0x1010 {
		t.Fatalf("pc = %#x, want 0x1010", pc)
	}
}

func TestIntoErrorsWithoutSourceAtStart(t *testing.T) {
	ft := &fakeTracer{pcs: []uint64{0x1000}}
	store := &fakeStore{places: map[uint64]dwarfstore.Place{}}
	bps := breakpoint.New(nil, ft, 1)
	e := New(ft, store, bps, nil)

	if _, err := e.Into(7); err == nil {
		t.Fatal("Into: want error when starting PC has no source information")
	}
}

func TestOutStopsAtReturnAddress(t *testing.T) {
	ft := &fakeTracer{pcs: []uint64{0x1000, 0x2001}} // 0x2001 is ret+1 (post-trap)
	bps := breakpoint.New(nil, ft, 1)
	frames := &fakeFrames{frames: []unwind.Frame{
		{IP: 0x1000},
		{IP: 0x2000},
	}}
	e := New(ft, &fakeStore{}, bps, frames)

	pc, err := e.Out(7)
	if err != nil {
		t.Fatalf("Out: %v", err)
	}
	if pc != 0x2000 {
		t.Fatalf("pc = %#x, want 0x2000 (rewound)", pc)
	}
	if len(bps.List()) != 0 {
		t.Fatalf("internal step breakpoint not removed: %+v", bps.List())
	}
}

func TestOutErrorsWithoutAReturnAddress(t *testing.T) {
	ft := &fakeTracer{pcs: []uint64{0x1000}}
	bps := breakpoint.New(nil, ft, 1)
	frames := &fakeFrames{frames: []unwind.Frame{{IP: 0x1000}}} // leaf, no caller
	e := New(ft, &fakeStore{}, bps, frames)

	if _, err := e.Out(7); err == nil {
		t.Fatal("Out: want error for a leaf frame with no return address")
	}
}
