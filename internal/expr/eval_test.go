package expr

import (
	"encoding/binary"
	"fmt"
	"testing"
)

type fakeCtx struct {
	regs      map[int]uint64
	frameBase uint64
	haveFB    bool
	cfa       uint64
	haveCFA   bool
	mem       map[uint64][]byte
}

func (f *fakeCtx) Register(num int) (uint64, bool, error) {
	v, ok := f.regs[num]
	return v, ok, nil
}

func (f *fakeCtx) FrameBase() (uint64, bool) { return f.frameBase, f.haveFB }
func (f *fakeCtx) CFA() (uint64, bool)       { return f.cfa, f.haveCFA }

func (f *fakeCtx) ReadMemory(addr uint64, size int) ([]byte, error) {
	b, ok := f.mem[addr]
	if !ok {
		return nil, fmt.Errorf("no memory at %#x", addr)
	}
	return b[:size], nil
}

func uleb(v uint64) []byte {
	buf := make([]byte, binary.MaxVarintLen64)
	n := binary.PutUvarint(buf, v)
	return buf[:n]
}

func TestEvalFbregAddsFrameBaseOffset(t *testing.T) {
	ctx := &fakeCtx{frameBase: 0x7fff0000, haveFB: true}
	prog := append([]byte{opFbreg}, sleb(-24)...)

	pieces, err := Eval(prog, ctx)
	if err != nil {
		t.Fatalf("Eval: %v", err)
	}
	if len(pieces) != 1 || pieces[0].Kind != PieceAddress {
		t.Fatalf("pieces = %+v, want one address piece", pieces)
	}
	if want := uint64(0x7fff0000 - 24); pieces[0].Address != want {
		t.Fatalf("address = %#x, want %#x", pieces[0].Address, want)
	}
}

func TestEvalCallFrameCFAThenConstsPlus(t *testing.T) {
	ctx := &fakeCtx{cfa: 0x8000, haveCFA: true}
	prog := []byte{opCallFrameCFA, opConsts}
	prog = append(prog, sleb(-8)...)
	prog = append(prog, opPlus)

	pieces, err := Eval(prog, ctx)
	if err != nil {
		t.Fatalf("Eval: %v", err)
	}
	if pieces[0].Address != 0x8000-8 {
		t.Fatalf("address = %#x, want %#x", pieces[0].Address, 0x8000-8)
	}
}

func TestEvalRegisterOnlyLocation(t *testing.T) {
	ctx := &fakeCtx{}
	prog := []byte{opReg0 + 3} // DW_OP_reg3
	pieces, err := Eval(prog, ctx)
	if err != nil {
		t.Fatalf("Eval: %v", err)
	}
	if len(pieces) != 1 || pieces[0].Kind != PieceRegister || pieces[0].Register != 3 {
		t.Fatalf("pieces = %+v, want register 3", pieces)
	}
}

func TestEvalBregAddsRegisterAndOffset(t *testing.T) {
	ctx := &fakeCtx{regs: map[int]uint64{6: 0x1000}}
	prog := append([]byte{opBreg0 + 6}, sleb(16)...)
	pieces, err := Eval(prog, ctx)
	if err != nil {
		t.Fatalf("Eval: %v", err)
	}
	if pieces[0].Address != 0x1010 {
		t.Fatalf("address = %#x, want 0x1010", pieces[0].Address)
	}
}

func TestEvalMissingFrameBaseIsLocationUnavailable(t *testing.T) {
	ctx := &fakeCtx{}
	prog := append([]byte{opFbreg}, sleb(0)...)
	if _, err := Eval(prog, ctx); err == nil {
		t.Fatal("Eval with no frame base: want error, got nil")
	}
}

func TestEvalTwoPiecesConcatenate(t *testing.T) {
	ctx := &fakeCtx{regs: map[int]uint64{0: 0xAA}}
	prog := []byte{opReg0 + 0}
	prog = append(prog, opPiece)
	prog = append(prog, uleb(4)...)
	prog = append(prog, opReg0+1)
	prog = append(prog, opPiece)
	prog = append(prog, uleb(4)...)

	ctx.regs[1] = 0xBB
	pieces, err := Eval(prog, ctx)
	if err != nil {
		t.Fatalf("Eval: %v", err)
	}
	if len(pieces) != 2 {
		t.Fatalf("len(pieces) = %d, want 2", len(pieces))
	}
	if pieces[0].Register != 0 || pieces[1].Register != 1 {
		t.Fatalf("pieces = %+v, want regs 0 then 1", pieces)
	}
}

func TestEvalUnsupportedOpcode(t *testing.T) {
	ctx := &fakeCtx{}
	if _, err := Eval([]byte{0xFF}, ctx); err == nil {
		t.Fatal("Eval with unknown opcode: want error, got nil")
	}
}

// sleb encodes a signed LEB128 value for building test programs.
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
