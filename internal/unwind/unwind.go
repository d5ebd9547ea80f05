package unwind

import (
	"encoding/binary"
	"strings"

	"github.com/coredbg/coredbg/internal/addr"
	"github.com/coredbg/coredbg/internal/dwarfstore"
)

// Memory reads tracee memory, used to fetch saved register values and
// return addresses from the stack during unwinding.
type Memory interface {
	ReadMemory(a uint64, size int) ([]byte, error)
}

// Frame is one entry of a walked call stack (§4.4).
type Frame struct {
	// IP is the instruction pointer for frame 0, and the raw return
	// address (not the call site) for every frame above it, per the
	// §4.4 contract.
	IP           addr.Runtime
	FuncLow      addr.Runtime // best effort; zero if unknown
	FunctionName string       // best effort; empty if unknown
	File         string
	Line         int
	IsSignalFrame bool
	// CFA is this frame's canonical frame address, as computed from its
	// own CFI row; zero if no unwind info covered it (frame 0 still gets
	// one whenever its function has a CFI row to read). Read_variable and
	// read_argument use this as the frame base for DW_OP_call_frame_cfa
	// location expressions (§4.3).
	CFA uint64
}

// ObjectSections supplies the raw .eh_frame/.debug_frame bytes and the
// object's current mapping, so the unwinder can resolve a live tracee
// address back to the right CFI table.
type ObjectSections interface {
	// CFITable returns the parsed CFI table covering rt, preferring
	// .eh_frame, and whether one was found at all.
	CFITable(rt addr.Runtime) (*Table, bool)
}

// Walker walks call stacks using the DWARF store for symbol/place
// resolution and an ObjectSections provider for CFI data.
type Walker struct {
	store *dwarfstore.Store
	sec   ObjectSections
	mem   Memory
}

// NewWalker returns a Walker bound to store (for symbolication), sec (for
// CFI tables) and mem (for reading saved registers off the stack).
func NewWalker(store *dwarfstore.Store, sec ObjectSections, mem Memory) *Walker {
	return &Walker{store: store, sec: sec, mem: mem}
}

// dwarfRegCount is the largest x86-64 DWARF register number this walker
// tracks (covers rax..r15, rip — enough to recover a frame-pointer-based
// or fully CFI-directed chain).
const dwarfRegCount = 17

// regRsp, regRbp, regRip are the System V x86-64 DWARF register numbers
// for the registers the unwind loop manipulates directly.
const (
	regRsp = 7
	regRbp = 6
	regRip = 16
)

// Walk produces frames starting from the live register snapshot regs
// (indexed by DWARF register number), stopping at maxFrames, a CFI
// lookup failure, or the caller-of-main sentinel (§4.4).
func (w *Walker) Walk(regs map[int]uint64, maxFrames int) []Frame {
	cur := make(map[int]uint64, dwarfRegCount)
	for k, v := range regs {
		cur[k] = v
	}

	var frames []Frame
	for i := 0; i < maxFrames; i++ {
		pc := addr.Runtime(cur[regRip])
		lookupPC := pc
		if i > 0 {
			lookupPC = pc - 1
		}

		f := Frame{IP: pc}
		if place, ok := w.store.FindPlace(lookupPC); ok {
			f.File = place.File
			f.Line = place.Line
		}
		if fn, ok := w.store.FindFunction(lookupPC); ok {
			f.FunctionName = fn.Entry.Name
			f.FuncLow = fn.Low
		}
		frames = append(frames, f)

		if isCallerOfMainSentinel(f.FunctionName) {
			break
		}

		table, ok := w.sec.CFITable(lookupPC)
		if !ok {
			break // no unwind info; stop (§4.4 "unwinding fails")
		}
		fde, ok := table.FindFDE(uint64(lookupPC))
		if !ok {
			break
		}
		row, err := runProgram(fde.cie, fde.instrs, fde.begin, uint64(lookupPC))
		if err != nil {
			break
		}

		cfaBase, ok := cur[row.cfa.register]
		if !ok {
			break
		}
		cfa := uint64(int64(cfaBase) + row.cfa.offset)
		if cfa == 0 {
			break
		}
		frames[len(frames)-1].CFA = cfa

		next := make(map[int]uint64, len(cur))
		for k, v := range cur {
			next[k] = v
		}
		next[regRsp] = cfa

		retFound := false
		for regNum, rule := range row.regs {
			switch rule.kind {
			case ruleOffset:
				buf, err := w.mem.ReadMemory(uint64(int64(cfa)+rule.offset), 8)
				if err != nil || len(buf) < 8 {
					continue
				}
				v := binary.LittleEndian.Uint64(buf)
				next[regNum] = v
				if regNum == int(fde.cie.returnReg) {
					retFound = true
				}
			case ruleRegister:
				if v, ok := cur[rule.register]; ok {
					next[regNum] = v
				}
			case ruleSameValue:
				next[regNum] = cur[regNum]
			case ruleUndefined:
				delete(next, regNum)
			}
		}
		if !retFound {
			break // no return address recovered; leaf of unwind
		}
		next[regRip] = next[int(fde.cie.returnReg)]
		if next[regRip] == 0 {
			break
		}
		cur = next
	}
	return frames
}

// isCallerOfMainSentinel implements §4.4's "caller of main" stop
// condition.
func isCallerOfMainSentinel(name string) bool {
	if name == "" {
		return false
	}
	return name == "main" || strings.Contains(name, "::main") || strings.Contains(name, "::thread_start")
}
