package debugger

import (
	"errors"
	"testing"

	"github.com/coredbg/coredbg/internal/dbgerr"
	"github.com/coredbg/coredbg/internal/expr"
)

func TestMaterializeConcatenatesImplicitPieces(t *testing.T) {
	pieces := []expr.Piece{
		{Kind: expr.PieceImplicit, Bytes: []byte{0x01, 0x02}},
		{Kind: expr.PieceImplicit, Bytes: []byte{0x03, 0x04}},
	}
	ctx := frameContext{}

	out, err := materialize(pieces, 4, ctx)
	if err != nil {
		t.Fatalf("materialize: %v", err)
	}
	want := []byte{0x01, 0x02, 0x03, 0x04}
	if string(out) != string(want) {
		t.Fatalf("out = %v, want %v", out, want)
	}
}

func TestMaterializeStopsOnceSizeIsReached(t *testing.T) {
	pieces := []expr.Piece{
		{Kind: expr.PieceImplicit, Bytes: []byte{0x01, 0x02, 0x03, 0x04}},
		{Kind: expr.PieceImplicit, Bytes: []byte{0xff}},
	}
	ctx := frameContext{}

	out, err := materialize(pieces, 2, ctx)
	if err != nil {
		t.Fatalf("materialize: %v", err)
	}
	if len(out) != 2 || out[0] != 0x01 || out[1] != 0x02 {
		t.Fatalf("out = %v, want first 2 bytes only", out)
	}
}

func TestMaterializeRegisterPieceWithoutLiveSnapshotIsUnavailable(t *testing.T) {
	pieces := []expr.Piece{{Kind: expr.PieceRegister, Register: 0}}
	ctx := frameContext{} // live is nil: not frame 0, or no snapshot taken

	_, err := materialize(pieces, 8, ctx)
	if !errors.Is(err, dbgerr.ErrLocationUnavailable) {
		t.Fatalf("err = %v, want ErrLocationUnavailable", err)
	}
}

func TestFrameContextFrameBaseAndCFAFollowFrameCFA(t *testing.T) {
	ctx := frameContext{}
	if _, ok := ctx.FrameBase(); ok {
		t.Fatal("FrameBase: want false for a zero CFA")
	}
	if _, ok := ctx.CFA(); ok {
		t.Fatal("CFA: want false for a zero CFA")
	}

	ctx.frame.CFA = 0x7ffe1000
	base, ok := ctx.FrameBase()
	if !ok || base != 0x7ffe1000 {
		t.Fatalf("FrameBase = (%#x, %v), want (0x7ffe1000, true)", base, ok)
	}
	cfa, ok := ctx.CFA()
	if !ok || cfa != 0x7ffe1000 {
		t.Fatalf("CFA = (%#x, %v), want (0x7ffe1000, true)", cfa, ok)
	}
}
