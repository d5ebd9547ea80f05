package callfn

import (
	"syscall"
	"testing"

	"github.com/coredbg/coredbg/internal/addr"
	"github.com/coredbg/coredbg/internal/breakpoint"
	"github.com/coredbg/coredbg/internal/dwarfstore"
	"github.com/coredbg/coredbg/internal/ptrace"
)

const sigtrapStopped = ptrace.WaitStatus(0x7f | (5 << 8))

// fakeTracer models a tracee whose memory is a byte map and whose
// registers are a single mutable PtraceRegs; Cont "runs" straight to the
// sentinel return address by setting Rip one past it, mimicking a callee
// that immediately returns.
type fakeTracer struct {
	mem       map[uintptr]byte
	regs      syscall.PtraceRegs
	retRax    uint64
	calledRdi uint64
	calledRsi uint64
	calledRip uint64
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
func (f *fakeTracer) GetRegs(pid int, out *syscall.PtraceRegs) error {
	*out = f.regs
	return nil
}
func (f *fakeTracer) SetRegs(pid int, in *syscall.PtraceRegs) error {
	f.regs = *in
	return nil
}
func (f *fakeTracer) Cont(pid int, signal int) error {
	f.calledRdi = f.regs.Rdi
	f.calledRsi = f.regs.Rsi
	f.calledRip = f.regs.Rip
	// Simulate the callee running to completion and trapping on the
	// pushed sentinel return address, one byte past it (post-INT3 RIP).
	var buf [8]byte
	for i := range buf {
		buf[i] = f.mem[uintptr(f.regs.Rsp)+uintptr(i)]
	}
	ret := uint64(0)
	for i := 7; i >= 0; i-- {
		ret = ret<<8 | uint64(buf[i])
	}
	f.regs.Rip = ret + 1
	f.regs.Rax = f.retRax
	return nil
}
func (f *fakeTracer) Wait4(pid int, flag int) (int, ptrace.WaitStatus, error) {
	return pid, sigtrapStopped, nil
}
func (f *fakeTracer) SingleStep(pid int) error { return nil }

type fakeFinder struct {
	entry addr.Runtime
}

func (f *fakeFinder) FindFunctionByName(query string) ([]dwarfstore.FunctionRef, error) {
	return []dwarfstore.FunctionRef{{Entry: dwarfstore.FuncEntry{Name: query}}}, nil
}
func (f *fakeFinder) FunctionEntryAddr(ref dwarfstore.FunctionRef) addr.Runtime {
	return f.entry
}

func TestCallPassesArgsAndRecoversReturnValue(t *testing.T) {
	ft := &fakeTracer{
		regs:   syscall.PtraceRegs{Rip: 0x5000, Rsp: 0x7ffe1000},
		retRax: 42,
	}
	store := &fakeFinder{entry: 0x401000}
	bps := breakpoint.New(nil, ft, 1)
	caller := New(ft, store, bps)

	got, err := caller.Call(7, "sum2", []uint64{3, 4})
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if got != 42 {
		t.Fatalf("return value = %d, want 42", got)
	}
	if ft.calledRdi != 3 || ft.calledRsi != 4 {
		t.Fatalf("args not set when the call ran: rdi=%d rsi=%d", ft.calledRdi, ft.calledRsi)
	}
	if ft.calledRip != 0x401000 {
		t.Fatalf("call did not set PC to the resolved entry: rip=%#x", ft.calledRip)
	}
	if ft.regs.Rip != 0x5000 || ft.regs.Rsp != 0x7ffe1000 {
		t.Fatalf("registers not restored after call: %+v", ft.regs)
	}
	if len(bps.List()) != 0 {
		t.Fatalf("sentinel breakpoint not removed: %+v", bps.List())
	}
}

func TestCallRejectsTooManyArguments(t *testing.T) {
	ft := &fakeTracer{regs: syscall.PtraceRegs{Rip: 0x5000, Rsp: 0x7ffe1000}}
	store := &fakeFinder{entry: 0x401000}
	bps := breakpoint.New(nil, ft, 1)
	caller := New(ft, store, bps)

	if _, err := caller.Call(7, "sum7", make([]uint64, 7)); err == nil {
		t.Fatal("Call: want error for 7 arguments with only 6 register slots")
	}
}

func TestCallCachesResolvedAddress(t *testing.T) {
	ft := &fakeTracer{regs: syscall.PtraceRegs{Rip: 0x5000, Rsp: 0x7ffe1000}}
	store := &fakeFinder{entry: 0x401000}
	bps := breakpoint.New(nil, ft, 1)
	caller := New(ft, store, bps)

	if _, err := caller.Call(7, "sum2", nil); err != nil {
		t.Fatalf("Call: %v", err)
	}
	store.entry = 0x999999 // a changed resolver result must not affect the cached call
	if _, err := caller.Call(7, "sum2", nil); err != nil {
		t.Fatalf("Call (cached): %v", err)
	}
	if _, ok := caller.cache["sum2"]; !ok || caller.cache["sum2"].entry != 0x401000 {
		t.Fatalf("cache entry = %+v, want entry 0x401000", caller.cache["sum2"])
	}
}
