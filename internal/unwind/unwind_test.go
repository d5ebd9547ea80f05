package unwind

import (
	"encoding/binary"
	"testing"

	"github.com/coredbg/coredbg/internal/addr"
	"github.com/coredbg/coredbg/internal/dwarfstore"
)

func uleb(v uint64) []byte {
	var out []byte
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if v != 0 {
			b |= 0x80
		}
		out = append(out, b)
		if v == 0 {
			break
		}
	}
	return out
}

func sleb(v int64) []byte {
	var out []byte
	more := true
	for more {
		b := byte(v & 0x7f)
		v >>= 7
		signBit := b&0x40 != 0
		if (v == 0 && !signBit) || (v == -1 && signBit) {
			more = false
		} else {
			b |= 0x80
		}
		out = append(out, b)
	}
	return out
}

// buildSection constructs one CIE and one FDE describing a function at
// its entry point: CFA = rsp+8, return address at CFA-8 (the CIE's initial
// instructions; the FDE adds none), covering [fnBegin, fnBegin+fnLen).
func buildSection(sectionAddr, fnBegin, fnLen uint64) []byte {
	var buf []byte

	// --- CIE ---
	var cieBody []byte
	cieBody = append(cieBody, 1)              // version
	cieBody = append(cieBody, []byte("zR\x00")...) // augmentation string
	cieBody = append(cieBody, uleb(1)...)     // code_alignment_factor
	cieBody = append(cieBody, sleb(-8)...)    // data_alignment_factor
	cieBody = append(cieBody, 16)             // return_address_register (rip)
	cieBody = append(cieBody, uleb(1)...)     // augmentation data length
	cieBody = append(cieBody, 0x1b)           // 'R': pcrel | sdata4

	// initial instructions: def_cfa(rsp=7, 8); offset(rip=16, factor 1 -> -8)
	var initInstrs []byte
	initInstrs = append(initInstrs, cfaDefCFA)
	initInstrs = append(initInstrs, uleb(7)...)
	initInstrs = append(initInstrs, uleb(8)...)
	initInstrs = append(initInstrs, cfaOffset|16)
	initInstrs = append(initInstrs, uleb(1)...)
	for len(initInstrs)%4 != 0 {
		initInstrs = append(initInstrs, cfaNop)
	}
	cieBody = append(cieBody, initInstrs...)

	cieStart := len(buf)
	buf = append(buf, placeholder4()...) // length, patched below
	buf = append(buf, 0, 0, 0, 0)         // CIE id
	buf = append(buf, cieBody...)
	patchLen32(buf, cieStart, len(buf)-cieStart-4)

	// --- FDE ---
	fdeStart := len(buf)
	lenPos := len(buf)
	buf = append(buf, placeholder4()...)
	idPos := len(buf)
	cieOffset := idPos - cieStart
	buf = append(buf, le32(uint32(cieOffset))...)

	beginFieldPos := len(buf)
	pcRelBase := sectionAddr + uint64(beginFieldPos)
	beginVal := int32(int64(fnBegin) - int64(pcRelBase))
	buf = append(buf, le32(uint32(beginVal))...)
	buf = append(buf, le32(uint32(fnLen))...)

	// FDE instructions: advance_loc by a few bytes, then def_cfa_offset
	// change (prologue executed), then restore at the very end is skipped
	// for simplicity — the test only unwinds at fnBegin itself where the
	// CIE's initial state already applies, via targetPC == fnBegin.
	var fdeInstrs []byte
	buf = append(buf, fdeInstrs...)

	patchLen32(buf, lenPos, len(buf)-lenPos-4)
	_ = fdeStart

	// terminator
	buf = append(buf, 0, 0, 0, 0)
	return buf
}

func placeholder4() []byte { return []byte{0, 0, 0, 0} }

func le32(v uint32) []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, v)
	return b
}

func patchLen32(buf []byte, pos int, length int) {
	binary.LittleEndian.PutUint32(buf[pos:pos+4], uint32(length))
}

func TestParseSectionFindsFDECoveringPC(t *testing.T) {
	const sectionAddr = 0x400000
	const fnBegin = 0x401000
	const fnLen = 0x40

	data := buildSection(sectionAddr, fnBegin, fnLen)
	table, err := ParseSection(data, sectionAddr)
	if err != nil {
		t.Fatalf("ParseSection: %v", err)
	}

	fde, ok := table.FindFDE(fnBegin + 4)
	if !ok {
		t.Fatal("FindFDE: not found")
	}
	if fde.begin != fnBegin || fde.length != fnLen {
		t.Fatalf("fde = %+v, want begin=%#x length=%#x", fde, fnBegin, fnLen)
	}

	if _, ok := table.FindFDE(fnBegin + fnLen + 1); ok {
		t.Fatal("FindFDE: matched a PC outside the FDE's range")
	}
}

func TestRunProgramRecoversCFAAndReturnAddress(t *testing.T) {
	const sectionAddr = 0x400000
	const fnBegin = 0x401000
	const fnLen = 0x40

	data := buildSection(sectionAddr, fnBegin, fnLen)
	table, err := ParseSection(data, sectionAddr)
	if err != nil {
		t.Fatalf("ParseSection: %v", err)
	}
	fde, ok := table.FindFDE(fnBegin)
	if !ok {
		t.Fatal("FindFDE: not found")
	}

	row, err := runProgram(fde.cie, fde.instrs, fde.begin, fnBegin)
	if err != nil {
		t.Fatalf("runProgram: %v", err)
	}
	if row.cfa.register != 7 || row.cfa.offset != 8 {
		t.Fatalf("cfa = %+v, want register 7 offset 8", row.cfa)
	}
	rule, ok := row.regs[16]
	if !ok || rule.kind != ruleOffset || rule.offset != -8 {
		t.Fatalf("rip rule = %+v, want offset -8", rule)
	}
}

type fakeMemory struct {
	words map[uint64]uint64
}

func (m *fakeMemory) ReadMemory(a uint64, size int) ([]byte, error) {
	v := m.words[a]
	b := make([]byte, size)
	binary.LittleEndian.PutUint64(b, v)
	return b[:size], nil
}

type fakeSections struct {
	table *Table
}

func (s *fakeSections) CFITable(rt addr.Runtime) (*Table, bool) {
	if s.table == nil {
		return nil, false
	}
	return s.table, true
}

func TestWalkReportsFrameZeroIPAndCFA(t *testing.T) {
	const sectionAddr = 0x400000
	const fnBegin = 0x401000
	const fnLen = 0x40

	data := buildSection(sectionAddr, fnBegin, fnLen)
	table, err := ParseSection(data, sectionAddr)
	if err != nil {
		t.Fatalf("ParseSection: %v", err)
	}

	store := dwarfstore.New()
	mem := &fakeMemory{words: map[uint64]uint64{}}
	sec := &fakeSections{table: table}
	w := NewWalker(store, sec, mem)

	regs := map[int]uint64{regRip: fnBegin, regRsp: 0x7ffe0000, regRbp: 0x7ffe0010}
	frames := w.Walk(regs, 10)
	if len(frames) == 0 {
		t.Fatal("Walk: no frames")
	}
	if frames[0].IP != addr.Runtime(fnBegin) {
		t.Fatalf("frame 0 IP = %#x, want %#x", frames[0].IP, fnBegin)
	}
	// cfa = rsp + 8 per the CIE's initial def_cfa(rsp, 8).
	if want := regs[regRsp] + 8; frames[0].CFA != want {
		t.Fatalf("frame 0 CFA = %#x, want %#x", frames[0].CFA, want)
	}
}
