package breakpoint

import (
	"testing"

	"github.com/coredbg/coredbg/internal/addr"
	"github.com/coredbg/coredbg/internal/ptrace"
)

// fakeTracer models tracee memory as a plain byte slice so the install/
// disarm/step-off protocol can be tested without a real tracee.
// rearmRacedWait is set when a PokeText lands while a SingleStep call has
// not yet been matched by a Wait4 call (stepCount > waitCount) — so a test
// can catch a rearm racing ahead of the tracee's post-step stop.
type fakeTracer struct {
	mem            map[uintptr]byte
	steps          []uintptr
	stepCount      int
	waitCount      int
	rearmRacedWait bool
}

func newFakeTracer() *fakeTracer {
	return &fakeTracer{mem: make(map[uintptr]byte)}
}

func (f *fakeTracer) PeekText(pid int, a uintptr, out []byte) error {
	for i := range out {
		out[i] = f.mem[a+uintptr(i)]
	}
	return nil
}

func (f *fakeTracer) PokeText(pid int, a uintptr, data []byte) error {
	if f.stepCount > f.waitCount {
		f.rearmRacedWait = true
	}
	for i, b := range data {
		f.mem[a+uintptr(i)] = b
	}
	return nil
}

func (f *fakeTracer) SingleStep(pid int) error {
	f.stepCount++
	return nil
}

func (f *fakeTracer) Wait4(pid int, flag int) (int, ptrace.WaitStatus, error) {
	f.waitCount++
	return pid, ptrace.WaitStatus(0x7f | (5 << 8)), nil
}

func TestInstallShadowsOriginalByte(t *testing.T) {
	ft := newFakeTracer()
	target := addr.Runtime(0x1000)
	ft.mem[uintptr(target)] = 0x55

	s := New(nil, ft, 42)
	a := target
	views, err := s.Add(Identity{Address: &a}, UserDefined, "")
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if len(views) != 1 || views[0].State != Armed {
		t.Fatalf("views = %+v, want one Armed view", views)
	}
	if got := ft.mem[uintptr(target)]; got != trapOpcode {
		t.Fatalf("tracee byte = %#x, want %#x", got, trapOpcode)
	}
}

func TestRemoveRestoresOriginalByte(t *testing.T) {
	ft := newFakeTracer()
	target := addr.Runtime(0x2000)
	ft.mem[uintptr(target)] = 0x90

	s := New(nil, ft, 42)
	a := target
	views, _ := s.Add(Identity{Address: &a}, UserDefined, "")
	num := views[0].Number

	if _, err := s.Remove(Identity{Number: &num}); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if got := ft.mem[uintptr(target)]; got != 0x90 {
		t.Fatalf("tracee byte after remove = %#x, want original 0x90", got)
	}
}

func TestSharedSlotKeepsTrapUntilLastRefRemoved(t *testing.T) {
	ft := newFakeTracer()
	target := addr.Runtime(0x3000)
	ft.mem[uintptr(target)] = 0x11

	s := New(nil, ft, 42)
	a := target
	v1, _ := s.Add(Identity{Address: &a}, UserDefined, "")
	v2, _ := s.Add(Identity{Address: &a}, InternalStep, "")

	n1 := v1[0].Number
	if _, err := s.Remove(Identity{Number: &n1}); err != nil {
		t.Fatalf("Remove first: %v", err)
	}
	if got := ft.mem[uintptr(target)]; got != trapOpcode {
		t.Fatalf("trap lifted while a second reference remains: byte = %#x", got)
	}

	n2 := v2[0].Number
	if _, err := s.Remove(Identity{Number: &n2}); err != nil {
		t.Fatalf("Remove second: %v", err)
	}
	if got := ft.mem[uintptr(target)]; got != 0x11 {
		t.Fatalf("tracee byte after last remove = %#x, want original 0x11", got)
	}
}

func TestStepOffRestoresTrapAfterSingleStep(t *testing.T) {
	ft := newFakeTracer()
	target := addr.Runtime(0x4000)
	ft.mem[uintptr(target)] = 0x77

	s := New(nil, ft, 42)
	a := target
	s.Add(Identity{Address: &a}, UserDefined, "")

	if err := s.StepOff(7, target); err != nil {
		t.Fatalf("StepOff: %v", err)
	}
	if got := ft.mem[uintptr(target)]; got != trapOpcode {
		t.Fatalf("trap not re-armed after step-off: byte = %#x", got)
	}
	if ft.waitCount != 1 {
		t.Fatalf("waitCount = %d, want exactly 1 Wait4 between the step and the rearm", ft.waitCount)
	}
	if ft.rearmRacedWait {
		t.Fatal("StepOff re-armed the trap before waiting out its single step")
	}
}

func TestRewindAddrSubtractsOne(t *testing.T) {
	if got := RewindAddr(0x1001); got != 0x1000 {
		t.Fatalf("RewindAddr(0x1001) = %#x, want 0x1000", got)
	}
}
