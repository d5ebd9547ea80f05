package watchpoint

import (
	"testing"

	"github.com/coredbg/coredbg/internal/addr"
)

type fakeRegs struct {
	words map[int]map[uintptr]uint64
	mem   map[uintptr]byte
}

func newFakeRegs() *fakeRegs {
	return &fakeRegs{words: make(map[int]map[uintptr]uint64), mem: make(map[uintptr]byte)}
}

func (f *fakeRegs) PeekUser(pid int, offset uintptr) (uint64, error) {
	return f.words[pid][offset], nil
}

func (f *fakeRegs) PokeUser(pid int, offset uintptr, word uint64) error {
	if f.words[pid] == nil {
		f.words[pid] = make(map[uintptr]uint64)
	}
	f.words[pid][offset] = word
	return nil
}

func (f *fakeRegs) PeekText(pid int, a uintptr, out []byte) error {
	for i := range out {
		out[i] = f.mem[a+uintptr(i)]
	}
	return nil
}

func testLayout() Layout {
	var l Layout
	for i := range l.DebugReg {
		l.DebugReg[i] = uintptr(0x350 + i*8)
	}
	return l
}

func TestAddProgramsAddressAndControlBits(t *testing.T) {
	fr := newFakeRegs()
	s := New(fr, testLayout())

	v, err := s.Add(addr.Runtime(0x4000), 8, OnWrite, 0, 0, []int{7})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if v.Slot != 0 {
		t.Fatalf("slot = %d, want 0", v.Slot)
	}
	if got := fr.words[7][testLayout().DebugReg[0]]; got != 0x4000 {
		t.Fatalf("DR0 = %#x, want 0x4000", got)
	}
	dr7 := fr.words[7][testLayout().DebugReg[7]]
	if dr7&0x1 == 0 {
		t.Fatalf("DR7 local-enable bit for slot 0 not set: %#x", dr7)
	}
}

func TestAddFailsWhenSlotsExhausted(t *testing.T) {
	fr := newFakeRegs()
	s := New(fr, testLayout())
	for i := 0; i < MaxSlots; i++ {
		if _, err := s.Add(addr.Runtime(0x1000+uintptr(i)*0x100), 8, OnWrite, 0, 0, []int{1}); err != nil {
			t.Fatalf("Add #%d: %v", i, err)
		}
	}
	if _, err := s.Add(addr.Runtime(0x9000), 8, OnWrite, 0, 0, []int{1}); err == nil {
		t.Fatal("Add beyond capacity: want error, got nil")
	}
}

func TestRemoveFreesSlotForReuse(t *testing.T) {
	fr := newFakeRegs()
	s := New(fr, testLayout())
	v, _ := s.Add(addr.Runtime(0x4000), 8, OnWrite, 0, 0, []int{1})

	if _, err := s.Remove(v.Number, []int{1}); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	v2, err := s.Add(addr.Runtime(0x5000), 4, OnReadOrWrite, 0, 0, []int{1})
	if err != nil {
		t.Fatalf("Add after remove: %v", err)
	}
	if v2.Slot != v.Slot {
		t.Fatalf("reused slot = %d, want %d", v2.Slot, v.Slot)
	}
}

func TestHitReportsEndOfScope(t *testing.T) {
	fr := newFakeRegs()
	s := New(fr, testLayout())
	v, _ := s.Add(addr.Runtime(0x4000), 8, OnWrite, 0x1000, 0x2000, []int{1})

	res, err := s.Hit(v.Slot, addr.Runtime(0x1500), []int{1})
	if err != nil {
		t.Fatalf("Hit in scope: %v", err)
	}
	if res.EndOfScope {
		t.Fatal("in-range PC reported as end-of-scope")
	}

	res, err = s.Hit(v.Slot, addr.Runtime(0x3000), []int{1})
	if err != nil {
		t.Fatalf("Hit out of scope: %v", err)
	}
	if !res.EndOfScope {
		t.Fatal("out-of-range PC not reported as end-of-scope")
	}
	if len(s.List()) != 0 {
		t.Fatal("watchpoint not removed after end-of-scope hit")
	}
}

func TestHitReportsOldAndNewValues(t *testing.T) {
	fr := newFakeRegs()
	s := New(fr, testLayout())
	target := addr.Runtime(0x6000)
	fr.mem[uintptr(target)] = 0x11 // initial value, snapshotted at Add

	v, err := s.Add(target, 1, OnWrite, 0, 0, []int{1})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}

	fr.mem[uintptr(target)] = 0x22 // write the watchpoint caught
	res, err := s.Hit(v.Slot, addr.Runtime(0x1000), []int{1})
	if err != nil {
		t.Fatalf("Hit: %v", err)
	}
	if res.Old != 0x11 || res.New != 0x22 {
		t.Fatalf("Old/New = %#x/%#x, want 0x11/0x22", res.Old, res.New)
	}

	fr.mem[uintptr(target)] = 0x33
	res, err = s.Hit(v.Slot, addr.Runtime(0x1000), []int{1})
	if err != nil {
		t.Fatalf("Hit: %v", err)
	}
	if res.Old != 0x22 || res.New != 0x33 {
		t.Fatalf("second hit Old/New = %#x/%#x, want 0x22/0x33", res.Old, res.New)
	}
}

func TestSlotFromStatusDecodesMultipleBits(t *testing.T) {
	hit := SlotFromStatus(0b0101)
	if len(hit) != 2 || hit[0] != 0 || hit[1] != 2 {
		t.Fatalf("SlotFromStatus(0b0101) = %v, want [0 2]", hit)
	}
}
