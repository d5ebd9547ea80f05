package unwind

import (
	"fmt"
)

const (
	cfaAdvanceLoc  = 0x40 // high 2 bits
	cfaOffset      = 0x80
	cfaRestore     = 0xc0

	cfaNop              = 0x00
	cfaSetLoc            = 0x01
	cfaAdvanceLoc1       = 0x02
	cfaAdvanceLoc2       = 0x03
	cfaAdvanceLoc4       = 0x04
	cfaOffsetExtended    = 0x05
	cfaRestoreExtended   = 0x06
	cfaUndefined         = 0x07
	cfaSameValue         = 0x08
	cfaRegister          = 0x09
	cfaRememberState     = 0x0a
	cfaRestoreState      = 0x0b
	cfaDefCFA            = 0x0c
	cfaDefCFARegister    = 0x0d
	cfaDefCFAOffset      = 0x0e
	cfaDefCFAExpression  = 0x0f
	cfaExpression        = 0x10
	cfaOffsetExtendedSF  = 0x11
	cfaDefCFASF          = 0x12
	cfaDefCFAOffsetSF    = 0x13
	cfaValOffset         = 0x14
	cfaValOffsetSF       = 0x15
	cfaValExpression     = 0x16
)

// runProgram executes a CFI instruction stream, returning the row that is
// in effect at targetPC. fdeBegin is the FDE's begin address (the PC a
// freshly-started location counter corresponds to).
func runProgram(c *cie, instrs []byte, fdeBegin, targetPC uint64) (frameState, error) {
	initial, err := execInstrs(c.initialInstrs, newFrameState(), c, fdeBegin, ^uint64(0))
	if err != nil {
		return frameState{}, fmt.Errorf("unwind: CIE initial instructions: %w", err)
	}
	row, err := execInstrs(instrs, initial.clone(), c, fdeBegin, targetPC)
	if err != nil {
		return frameState{}, fmt.Errorf("unwind: FDE instructions: %w", err)
	}
	return row, nil
}

// execInstrs runs instrs starting from state cur and location loc,
// stopping once loc exceeds stopPC, returning the state as of the last
// instruction whose location is <= stopPC.
func execInstrs(instrs []byte, cur frameState, c *cie, loc, stopPC uint64) (frameState, error) {
	var stack []frameState
	i := 0
	for i < len(instrs) {
		op := instrs[i]
		i++

		primary := op & 0xc0
		operand := op & 0x3f

		switch {
		case primary == cfaAdvanceLoc:
			loc += uint64(operand) * c.codeAlign
			if loc > stopPC {
				return cur, nil
			}
		case primary == cfaOffset:
			off, n := uleb128(instrs[i:])
			i += n
			cur.regs[int(operand)] = regRule{kind: ruleOffset, offset: int64(off) * c.dataAlign}
		case primary == cfaRestore:
			// restore to the CIE's initial rule for this register; the
			// simplified engine tracks this as "same value" since the
			// initial-state rule for callee-saved registers under the
			// System V ABI is almost always same_value or undefined.
			cur.regs[int(operand)] = regRule{kind: ruleSameValue}
		case op == cfaNop:
			// no-op
		case op == cfaSetLoc:
			v, n := readPointer(instrs[i:], 0x04, 0)
			i += n
			loc = v
			if loc > stopPC {
				return cur, nil
			}
		case op == cfaAdvanceLoc1:
			loc += uint64(instrs[i]) * c.codeAlign
			i++
			if loc > stopPC {
				return cur, nil
			}
		case op == cfaAdvanceLoc2:
			v, n := readPointer(instrs[i:], 0x02, 0)
			i += n
			loc += v * c.codeAlign
			if loc > stopPC {
				return cur, nil
			}
		case op == cfaAdvanceLoc4:
			v, n := readPointer(instrs[i:], 0x03, 0)
			i += n
			loc += v * c.codeAlign
			if loc > stopPC {
				return cur, nil
			}
		case op == cfaOffsetExtended:
			reg, n := uleb128(instrs[i:])
			i += n
			off, n2 := uleb128(instrs[i:])
			i += n2
			cur.regs[int(reg)] = regRule{kind: ruleOffset, offset: int64(off) * c.dataAlign}
		case op == cfaOffsetExtendedSF:
			reg, n := uleb128(instrs[i:])
			i += n
			off, n2 := sleb128(instrs[i:])
			i += n2
			cur.regs[int(reg)] = regRule{kind: ruleOffset, offset: off * c.dataAlign}
		case op == cfaRestoreExtended:
			reg, n := uleb128(instrs[i:])
			i += n
			cur.regs[int(reg)] = regRule{kind: ruleSameValue}
		case op == cfaUndefined:
			reg, n := uleb128(instrs[i:])
			i += n
			cur.regs[int(reg)] = regRule{kind: ruleUndefined}
		case op == cfaSameValue:
			reg, n := uleb128(instrs[i:])
			i += n
			cur.regs[int(reg)] = regRule{kind: ruleSameValue}
		case op == cfaRegister:
			reg, n := uleb128(instrs[i:])
			i += n
			reg2, n2 := uleb128(instrs[i:])
			i += n2
			cur.regs[int(reg)] = regRule{kind: ruleRegister, register: int(reg2)}
		case op == cfaRememberState:
			stack = append(stack, cur.clone())
		case op == cfaRestoreState:
			if len(stack) == 0 {
				return frameState{}, fmt.Errorf("restore_state with empty stack")
			}
			cur = stack[len(stack)-1]
			stack = stack[:len(stack)-1]
		case op == cfaDefCFA:
			reg, n := uleb128(instrs[i:])
			i += n
			off, n2 := uleb128(instrs[i:])
			i += n2
			cur.cfa = cfaRule{register: int(reg), offset: int64(off)}
		case op == cfaDefCFASF:
			reg, n := uleb128(instrs[i:])
			i += n
			off, n2 := sleb128(instrs[i:])
			i += n2
			cur.cfa = cfaRule{register: int(reg), offset: off * c.dataAlign}
		case op == cfaDefCFARegister:
			reg, n := uleb128(instrs[i:])
			i += n
			cur.cfa.register = int(reg)
		case op == cfaDefCFAOffset:
			off, n := uleb128(instrs[i:])
			i += n
			cur.cfa.offset = int64(off)
		case op == cfaDefCFAOffsetSF:
			off, n := sleb128(instrs[i:])
			i += n
			cur.cfa.offset = off * c.dataAlign
		case op == cfaDefCFAExpression:
			n := skipBlock(instrs[i:])
			i += n
			return frameState{}, fmt.Errorf("unsupported operation: DW_CFA_def_cfa_expression")
		case op == cfaExpression || op == cfaValExpression:
			_, n := uleb128(instrs[i:])
			i += n
			n2 := skipBlock(instrs[i:])
			i += n2
			return frameState{}, fmt.Errorf("unsupported operation: DW_CFA_expression")
		case op == cfaValOffset || op == cfaValOffsetSF:
			_, n := uleb128(instrs[i:])
			i += n
			_, n2 := uleb128(instrs[i:])
			i += n2
		default:
			return frameState{}, fmt.Errorf("unsupported operation: DW_CFA opcode %#x", op)
		}
	}
	return cur, nil
}

func skipBlock(b []byte) int {
	length, n := uleb128(b)
	return n + int(length)
}
