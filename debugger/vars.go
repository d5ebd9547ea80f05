package debugger

import (
	"fmt"

	"github.com/coredbg/coredbg/internal/dbgerr"
	"github.com/coredbg/coredbg/internal/dwarfstore"
	"github.com/coredbg/coredbg/internal/expr"
	"github.com/coredbg/coredbg/internal/regs"
	"github.com/coredbg/coredbg/internal/unwind"
)

// frameContext implements internal/expr.Context for one backtrace frame.
// Frame base is taken to be the frame's CFA (DW_OP_call_frame_cfa, by far
// the common case for DWARF emitted by gcc/clang/rustc without a frame
// pointer); live register values, as opposed to the frame's CFA, are only
// recoverable for frame 0 (the innermost frame, where the focused thread's
// actual register file applies) — internal/unwind.Walk does not expose the
// synthesized register map it reconstructs for outer frames, so a location
// expression that needs a register directly in an outer frame reports
// location-unavailable rather than a wrong value.
type frameContext struct {
	mem   tracerMemory
	frame unwind.Frame
	live  *regs.Snapshot // non-nil only for frame 0
}

func (c frameContext) Register(num int) (uint64, bool, error) {
	if c.live == nil {
		return 0, false, nil
	}
	v, err := c.live.ValueByDWARF(num)
	if err != nil {
		return 0, false, nil
	}
	return v, true, nil
}

func (c frameContext) FrameBase() (uint64, bool) {
	if c.frame.CFA == 0 {
		return 0, false
	}
	return c.frame.CFA, true
}

func (c frameContext) CFA() (uint64, bool) {
	if c.frame.CFA == 0 {
		return 0, false
	}
	return c.frame.CFA, true
}

func (c frameContext) ReadMemory(a uint64, size int) ([]byte, error) {
	return c.mem.ReadMemory(a, size)
}

// frames unwinds the focused thread's call stack from its live registers.
func (f *Facade) frames() ([]unwind.Frame, error) {
	snap, err := f.regSnapshot()
	if err != nil {
		return nil, err
	}
	live := make(map[int]uint64)
	for _, dn := range []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16} {
		if v, err := snap.ValueByDWARF(dn); err == nil {
			live[dn] = v
		}
	}
	return f.walker.Walk(live, maxBacktraceFrames), nil
}

// findVariable locates name among the focused frame's parameters/locals by
// resolving the function enclosing the frame's IP and scanning its Vars.
func (f *Facade) findVariable(name string) (dwarfstore.VarEntry, dwarfstore.FunctionRef, unwind.Frame, error) {
	fs, err := f.frames()
	if err != nil {
		return dwarfstore.VarEntry{}, dwarfstore.FunctionRef{}, unwind.Frame{}, err
	}
	idx := f.focusFrame
	if idx < 0 || idx >= len(fs) {
		return dwarfstore.VarEntry{}, dwarfstore.FunctionRef{}, unwind.Frame{}, fmt.Errorf("%w: no frame %d", dbgerr.ErrInvalidRequest, idx)
	}
	fr := fs[idx]

	ref, ok := f.loop.Store().FindFunction(fr.IP)
	if !ok {
		return dwarfstore.VarEntry{}, dwarfstore.FunctionRef{}, fr, fmt.Errorf("%w: no function covers %#x", dbgerr.ErrNoDebugInfo, fr.IP)
	}
	for _, v := range ref.Entry.Vars {
		if v.Name == name {
			return v, ref, fr, nil
		}
	}
	return dwarfstore.VarEntry{}, ref, fr, fmt.Errorf("%w: no variable %q in %s", dbgerr.ErrInvalidRequest, name, ref.Entry.Name)
}

// evalLocation evaluates var's location expression in frame fr and
// materializes it into a contiguous byte buffer of size bytes.
func (f *Facade) evalLocation(v dwarfstore.VarEntry, fr unwind.Frame, size int) ([]byte, error) {
	if v.LocExpr == nil {
		return nil, fmt.Errorf("%w: %s has a location-list, not a single expression", dbgerr.ErrLocationUnavailable, v.Name)
	}
	var live *regs.Snapshot
	if fr.IP != 0 {
		if snap, err := f.regSnapshot(); err == nil && f.focusFrame == 0 {
			live = snap
		}
	}
	ctx := frameContext{
		mem:   tracerMemory{rn: f.loop.Runner(), pid: f.loop.MainTid()},
		frame: fr,
		live:  live,
	}
	pieces, err := expr.Eval(v.LocExpr, ctx)
	if err != nil {
		return nil, err
	}
	return materialize(pieces, size, ctx)
}

// materialize concatenates location pieces into a byte buffer, reading
// memory/register pieces as needed, the way §4.3 describes: "the caller
// materializes a byte buffer by concatenating pieces."
func materialize(pieces []expr.Piece, size int, ctx frameContext) ([]byte, error) {
	out := make([]byte, 0, size)
	for _, p := range pieces {
		switch p.Kind {
		case expr.PieceImplicit:
			out = append(out, p.Bytes...)
		case expr.PieceAddress:
			n := size - len(out)
			if p.SizeBits > 0 {
				n = p.SizeBits / 8
			}
			b, err := ctx.ReadMemory(p.Address, n)
			if err != nil {
				return nil, err
			}
			out = append(out, b...)
		case expr.PieceRegister:
			v, ok, err := ctx.Register(p.Register)
			if err != nil {
				return nil, err
			}
			if !ok {
				return nil, fmt.Errorf("%w: register piece not recoverable in this frame", dbgerr.ErrLocationUnavailable)
			}
			n := 8
			if p.SizeBits > 0 {
				n = p.SizeBits / 8
			}
			buf := make([]byte, 8)
			for i := 0; i < 8; i++ {
				buf[i] = byte(v >> (8 * i))
			}
			if n > len(buf) {
				n = len(buf)
			}
			out = append(out, buf[:n]...)
		}
		if len(out) >= size && size > 0 {
			break
		}
	}
	if size > 0 && len(out) > size {
		out = out[:size]
	}
	return out, nil
}
