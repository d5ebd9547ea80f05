// Package expr implements the DWARF location-expression evaluator of spec
// §4.3: a stack machine over the DW_OP_* opcode set that resolves a
// variable's or frame base's location against a register map, a frame
// base/CFA, and the tracee's memory, producing a list of location pieces.
//
// Grounded on ogle/program/server/dwarf.go's evalLocation (which hand-rolls
// the ULEB128/SLEB128 decoders and a narrow DW_OP_call_frame_cfa matcher)
// generalized to the fuller operator set spec §4.3 names, and on
// original_source/src/debugger/dwarf/eval.rs's evaluation loop shape
// (RequiresRegister / RequiresFrameBase / RequiresMemory — there delegated
// to the gimli crate's evaluator; here hand-rolled since Go's stdlib
// debug/dwarf, unlike gimli, has no expression evaluator of its own).
package expr

import (
	"fmt"

	"github.com/coredbg/coredbg/internal/dbgerr"
)

// Context supplies everything the evaluator needs beyond the expression
// bytes themselves: the register values and frame base/CFA of the frame
// in focus, and a way to read tracee memory.
type Context interface {
	// Register returns the value of the DWARF register numbered num in
	// the frame being evaluated. ok is false when the register's value
	// is not recoverable in this frame (§4.3 "register unavailable").
	Register(num int) (val uint64, ok bool, err error)
	// FrameBase returns the enclosing function's frame base, if known.
	FrameBase() (uint64, bool)
	// CFA returns the canonical frame address of the frame in focus, if
	// known.
	CFA() (uint64, bool)
	// ReadMemory reads size bytes at addr from the tracee.
	ReadMemory(addr uint64, size int) ([]byte, error)
}

// PieceKind distinguishes what a Piece refers to.
type PieceKind int

const (
	// PieceAddress is a location in tracee memory.
	PieceAddress PieceKind = iota
	// PieceRegister is a location that is itself a register (the value
	// lives in the register, not in memory at an address).
	PieceRegister
	// PieceImplicit is a literal value with no backing storage
	// (DW_OP_implicit_value / DW_OP_stack_value).
	PieceImplicit
)

// Piece is one contiguous chunk of a variable's value, per the §4.3
// contract: "a list of pieces, each a register/address pair plus size;
// the caller materializes a byte buffer by concatenating pieces."
type Piece struct {
	Kind      PieceKind
	Address   uint64
	Register  int
	Bytes     []byte // valid when Kind == PieceImplicit
	SizeBits  int    // 0 means "whole value" (no explicit DW_OP_piece/bit_piece)
	BitOffset int
}

// DWARF location-expression opcodes (DWARF 5 §7.7.1), only the subset
// this evaluator implements.
const (
	opAddr      = 0x03
	opDeref     = 0x06
	opConst1u   = 0x08
	opConst1s   = 0x09
	opConst2u   = 0x0a
	opConst2s   = 0x0b
	opConst4u   = 0x0c
	opConst4s   = 0x0d
	opConst8u   = 0x0e
	opConst8s   = 0x0f
	opConstu    = 0x10
	opConsts    = 0x11
	opDup       = 0x12
	opDrop      = 0x13
	opOver      = 0x14
	opSwap      = 0x16
	opRot       = 0x17
	opAbs       = 0x19
	opAnd       = 0x1a
	opDiv       = 0x1b
	opMinus     = 0x1c
	opMod       = 0x1d
	opMul       = 0x1e
	opNeg       = 0x1f
	opNot       = 0x20
	opOr        = 0x21
	opPlus      = 0x22
	opPlusUconst = 0x23
	opShl       = 0x24
	opShr       = 0x25
	opShra      = 0x26
	opXor       = 0x27
	opLit0      = 0x30 // .. opLit0+31 = 0x4f
	opReg0      = 0x50 // .. opReg0+31 = 0x6f
	opBreg0     = 0x70 // .. opBreg0+31 = 0x8f
	opRegx      = 0x90
	opFbreg     = 0x91
	opBregx     = 0x92
	opPiece     = 0x93
	opCallFrameCFA = 0x9c
	opBitPiece  = 0x9d
	opImplicitValue = 0x9e
	opStackValue = 0x9f
)

// evalState is the machine's working state for one Eval call.
type evalState struct {
	ctx    Context
	stack  []uint64
	pieces []Piece
	// Eval keeps regResult as a local variable, not a field here: when
	// >= 0 after the loop with an empty program remainder, it means the whole expression resolved to "value lives in
	// this register" (DW_OP_regN/regx), rather than an address.
}

func (s *evalState) push(v uint64) { s.stack = append(s.stack, v) }

func (s *evalState) pop() (uint64, error) {
	if len(s.stack) == 0 {
		return 0, fmt.Errorf("%w: stack underflow", dbgerr.ErrInvalidRequest)
	}
	v := s.stack[len(s.stack)-1]
	s.stack = s.stack[:len(s.stack)-1]
	return v, nil
}

func (s *evalState) top() (uint64, error) {
	if len(s.stack) == 0 {
		return 0, fmt.Errorf("%w: stack underflow", dbgerr.ErrInvalidRequest)
	}
	return s.stack[len(s.stack)-1], nil
}

// Eval evaluates a DWARF location-expression program against ctx,
// returning the list of pieces that make up the location (§4.3).
func Eval(prog []byte, ctx Context) ([]Piece, error) {
	s := &evalState{ctx: ctx}
	regResult := -1

	i := 0
	for i < len(prog) {
		op := prog[i]
		i++

		switch {
		case op == opAddr:
			v, n := readUint(prog[i:], 8)
			i += n
			s.push(v)
		case op == opDeref:
			a, err := s.pop()
			if err != nil {
				return nil, err
			}
			buf, err := ctx.ReadMemory(a, 8)
			if err != nil {
				return nil, fmt.Errorf("%w: deref %#x: %v", dbgerr.ErrLocationUnavailable, a, err)
			}
			s.push(leUint64(buf))
		case op == opConst1u:
			s.push(uint64(prog[i]))
			i++
		case op == opConst1s:
			s.push(uint64(int64(int8(prog[i]))))
			i++
		case op == opConst2u:
			v, n := readUint(prog[i:], 2)
			i += n
			s.push(v)
		case op == opConst2s:
			v, n := readUint(prog[i:], 2)
			i += n
			s.push(uint64(int64(int16(v))))
		case op == opConst4u:
			v, n := readUint(prog[i:], 4)
			i += n
			s.push(v)
		case op == opConst4s:
			v, n := readUint(prog[i:], 4)
			i += n
			s.push(uint64(int64(int32(v))))
		case op == opConst8u || op == opConst8s:
			v, n := readUint(prog[i:], 8)
			i += n
			s.push(v)
		case op == opConstu:
			v, n := uleb128(prog[i:])
			i += n
			s.push(v)
		case op == opConsts:
			v, n := sleb128(prog[i:])
			i += n
			s.push(uint64(v))
		case op == opDup:
			v, err := s.top()
			if err != nil {
				return nil, err
			}
			s.push(v)
		case op == opDrop:
			if _, err := s.pop(); err != nil {
				return nil, err
			}
		case op == opOver:
			if len(s.stack) < 2 {
				return nil, fmt.Errorf("%w: stack underflow on over", dbgerr.ErrInvalidRequest)
			}
			s.push(s.stack[len(s.stack)-2])
		case op == opSwap:
			if len(s.stack) < 2 {
				return nil, fmt.Errorf("%w: stack underflow on swap", dbgerr.ErrInvalidRequest)
			}
			n := len(s.stack)
			s.stack[n-1], s.stack[n-2] = s.stack[n-2], s.stack[n-1]
		case op == opRot:
			if len(s.stack) < 3 {
				return nil, fmt.Errorf("%w: stack underflow on rot", dbgerr.ErrInvalidRequest)
			}
			n := len(s.stack)
			s.stack[n-1], s.stack[n-2], s.stack[n-3] = s.stack[n-2], s.stack[n-3], s.stack[n-1]
		case op == opAbs:
			v, err := s.pop()
			if err != nil {
				return nil, err
			}
			sv := int64(v)
			if sv < 0 {
				sv = -sv
			}
			s.push(uint64(sv))
		case op == opAnd || op == opDiv || op == opMinus || op == opMod || op == opMul ||
			op == opOr || op == opPlus || op == opShl || op == opShr || op == opShra || op == opXor:
			b, err := s.pop()
			if err != nil {
				return nil, err
			}
			a, err := s.pop()
			if err != nil {
				return nil, err
			}
			s.push(binOp(op, a, b))
		case op == opNeg:
			v, err := s.pop()
			if err != nil {
				return nil, err
			}
			s.push(uint64(-int64(v)))
		case op == opNot:
			v, err := s.pop()
			if err != nil {
				return nil, err
			}
			s.push(^v)
		case op == opPlusUconst:
			v, n := uleb128(prog[i:])
			i += n
			a, err := s.pop()
			if err != nil {
				return nil, err
			}
			s.push(a + v)
		case op >= opLit0 && op <= opLit0+31:
			s.push(uint64(op - opLit0))
		case op >= opReg0 && op <= opReg0+31:
			regResult = int(op - opReg0)
		case op == opRegx:
			v, n := uleb128(prog[i:])
			i += n
			regResult = int(v)
		case op >= opBreg0 && op <= opBreg0+31:
			off, n := sleb128(prog[i:])
			i += n
			v, ok, err := ctx.Register(int(op - opBreg0))
			if err != nil {
				return nil, err
			}
			if !ok {
				return nil, fmt.Errorf("%w: register %d unavailable", dbgerr.ErrLocationUnavailable, op-opBreg0)
			}
			s.push(uint64(int64(v) + off))
		case op == opBregx:
			regNum, n := uleb128(prog[i:])
			i += n
			off, n2 := sleb128(prog[i:])
			i += n2
			v, ok, err := ctx.Register(int(regNum))
			if err != nil {
				return nil, err
			}
			if !ok {
				return nil, fmt.Errorf("%w: register %d unavailable", dbgerr.ErrLocationUnavailable, regNum)
			}
			s.push(uint64(int64(v) + off))
		case op == opFbreg:
			off, n := sleb128(prog[i:])
			i += n
			fb, ok := ctx.FrameBase()
			if !ok {
				return nil, fmt.Errorf("%w: frame base not known", dbgerr.ErrLocationUnavailable)
			}
			s.push(uint64(int64(fb) + off))
		case op == opCallFrameCFA:
			cfa, ok := ctx.CFA()
			if !ok {
				return nil, fmt.Errorf("%w: CFA not known", dbgerr.ErrLocationUnavailable)
			}
			s.push(cfa)
		case op == opPiece:
			size, n := uleb128(prog[i:])
			i += n
			p, err := s.emitPiece(regResult, int(size)*8, 0)
			if err != nil {
				return nil, err
			}
			s.pieces = append(s.pieces, p)
			regResult = -1
			s.stack = nil
		case op == opBitPiece:
			sizeBits, n := uleb128(prog[i:])
			i += n
			bitOff, n2 := uleb128(prog[i:])
			i += n2
			p, err := s.emitPiece(regResult, int(sizeBits), int(bitOff))
			if err != nil {
				return nil, err
			}
			s.pieces = append(s.pieces, p)
			regResult = -1
			s.stack = nil
		case op == opImplicitValue:
			length, n := uleb128(prog[i:])
			i += n
			data := prog[i : i+int(length)]
			i += int(length)
			s.pieces = append(s.pieces, Piece{Kind: PieceImplicit, Bytes: append([]byte(nil), data...)})
		case op == opStackValue:
			v, err := s.pop()
			if err != nil {
				return nil, err
			}
			buf := make([]byte, 8)
			putLeUint64(buf, v)
			s.pieces = append(s.pieces, Piece{Kind: PieceImplicit, Bytes: buf})
		default:
			return nil, fmt.Errorf("%w: unsupported DWARF operation %#x", dbgerr.ErrInvalidRequest, op)
		}
	}

	if len(s.pieces) > 0 {
		return s.pieces, nil
	}

	// No explicit DW_OP_piece: the whole expression resolves to one
	// location, either a register or a memory address.
	if regResult >= 0 {
		return []Piece{{Kind: PieceRegister, Register: regResult}}, nil
	}
	a, err := s.pop()
	if err != nil {
		return nil, fmt.Errorf("%w: expression produced no location", dbgerr.ErrLocationUnavailable)
	}
	return []Piece{{Kind: PieceAddress, Address: a}}, nil
}

func (s *evalState) emitPiece(regResult, sizeBits, bitOffset int) (Piece, error) {
	if regResult >= 0 {
		return Piece{Kind: PieceRegister, Register: regResult, SizeBits: sizeBits, BitOffset: bitOffset}, nil
	}
	if len(s.stack) == 0 {
		// An empty-location piece (DWARF allows this for optimized-out
		// pieces of a value); represent as a zero-length implicit piece.
		return Piece{Kind: PieceImplicit, SizeBits: sizeBits, BitOffset: bitOffset}, nil
	}
	a, err := s.pop()
	if err != nil {
		return Piece{}, err
	}
	return Piece{Kind: PieceAddress, Address: a, SizeBits: sizeBits, BitOffset: bitOffset}, nil
}

func binOp(op byte, a, b uint64) uint64 {
	switch op {
	case opAnd:
		return a & b
	case opDiv:
		if b == 0 {
			return 0
		}
		return uint64(int64(a) / int64(b))
	case opMinus:
		return a - b
	case opMod:
		if b == 0 {
			return 0
		}
		return a % b
	case opMul:
		return a * b
	case opOr:
		return a | b
	case opPlus:
		return a + b
	case opShl:
		return a << b
	case opShr:
		return a >> b
	case opShra:
		return uint64(int64(a) >> b)
	case opXor:
		return a ^ b
	default:
		return 0
	}
}

func readUint(b []byte, n int) (uint64, int) {
	var v uint64
	for i := 0; i < n && i < len(b); i++ {
		v |= uint64(b[i]) << uint(8*i)
	}
	return v, n
}

func leUint64(b []byte) uint64 {
	v, _ := readUint(b, 8)
	return v
}

func putLeUint64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> uint(8*i))
	}
}

// uleb128 decodes an unsigned LEB128 value, mirroring
// ogle/program/server/dwarf.go's uleb128 helper.
func uleb128(b []byte) (uint64, int) {
	var result uint64
	var shift uint
	var n int
	for _, c := range b {
		n++
		result |= uint64(c&0x7f) << shift
		if c&0x80 == 0 {
			break
		}
		shift += 7
	}
	return result, n
}

// sleb128 decodes a signed LEB128 value, mirroring
// ogle/program/server/dwarf.go's sleb128 helper.
func sleb128(b []byte) (int64, int) {
	var result int64
	var shift uint
	var n int
	var c byte
	for _, c = range b {
		n++
		result |= int64(c&0x7f) << shift
		shift += 7
		if c&0x80 == 0 {
			break
		}
	}
	if shift < 64 && c&0x40 != 0 {
		result |= -1 << shift
	}
	return result, n
}
