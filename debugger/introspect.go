package debugger

import (
	"fmt"

	"github.com/coredbg/coredbg/internal/dbgerr"
	"github.com/coredbg/coredbg/internal/regs"
	"github.com/coredbg/coredbg/internal/threads"
	"github.com/coredbg/coredbg/internal/unwind"
)

// defaultReadSize is read_variable/read_argument's fallback materialization
// size: this package parses DW_TAG_subprogram/formal_parameter/variable
// entries for their location expressions but not DW_TAG_base_type's
// DW_AT_byte_size, so there is no declared-type width to read by default.
// Eight bytes covers every scalar register-width value; callers that know
// a variable is wider (an array, a struct) should read its address via
// Piece and walk memory themselves.
const defaultReadSize = 8

// Threads implements §6.2's threads.
func (f *Facade) Threads() []threads.Thread {
	return f.loop.Threads().Snapshot()
}

// SetFocusThread implements §6.2's set_focus_thread.
func (f *Facade) SetFocusThread(tid int) error {
	if err := f.loop.Threads().SetFocus(tid); err != nil {
		return err
	}
	f.focusThread = tid
	f.focusFrame = 0
	return nil
}

// Frames implements §6.2's frames: the unwound call stack of the focused
// thread.
func (f *Facade) Frames() ([]unwind.Frame, error) {
	if err := f.requireStopped(); err != nil {
		return nil, err
	}
	return f.frames()
}

// Backtrace is an alias for Frames, matching §6.2's separate backtrace
// entry (the two operations return the same data; most debuggers expose
// backtrace as the "show me a formatted stack" convenience over frames).
func (f *Facade) Backtrace() ([]unwind.Frame, error) {
	return f.Frames()
}

// SetFocusFrame implements §6.2's set_focus_frame.
func (f *Facade) SetFocusFrame(idx int) error {
	if idx < 0 {
		return fmt.Errorf("%w: negative frame index", dbgerr.ErrInvalidRequest)
	}
	f.focusFrame = idx
	return nil
}

// ReadVariable implements §6.2's read_variable(expression): expression is
// a bare variable name (§4.3's Non-goals exclude a full C-like expression
// parser; this evaluates the DWARF location expression of a single named
// local or parameter in the focused frame).
func (f *Facade) ReadVariable(name string) ([]byte, error) {
	if err := f.requireStopped(); err != nil {
		return nil, err
	}
	v, _, fr, err := f.findVariable(name)
	if err != nil {
		return nil, err
	}
	return f.evalLocation(v, fr, defaultReadSize)
}

// ReadArgument implements §6.2's read_argument(expression), identical to
// ReadVariable but restricted to DW_TAG_formal_parameter entries.
func (f *Facade) ReadArgument(name string) ([]byte, error) {
	if err := f.requireStopped(); err != nil {
		return nil, err
	}
	v, _, fr, err := f.findVariable(name)
	if err != nil {
		return nil, err
	}
	if !v.IsArg {
		return nil, fmt.Errorf("%w: %s is a local variable, not an argument", dbgerr.ErrInvalidRequest, name)
	}
	return f.evalLocation(v, fr, defaultReadSize)
}

// ReadMemory implements §6.2's read_memory(addr, len).
func (f *Facade) ReadMemory(a uint64, size int) ([]byte, error) {
	if err := f.requireStopped(); err != nil {
		return nil, err
	}
	mem := tracerMemory{rn: f.loop.Runner(), pid: f.loop.MainTid()}
	return mem.ReadMemory(a, size)
}

// WriteMemory implements §6.2's write_memory(addr, bytes).
func (f *Facade) WriteMemory(a uint64, data []byte) error {
	if err := f.requireStopped(); err != nil {
		return err
	}
	if err := f.loop.Runner().PokeText(f.loop.MainTid(), uintptr(a), data); err != nil {
		return fmt.Errorf("%w: write %d bytes at %#x: %v", dbgerr.ErrInvalidRequest, len(data), a, err)
	}
	return nil
}

// ReadRegister implements §6.2's read_register(name), against the focused
// thread.
func (f *Facade) ReadRegister(name regs.Name) (uint64, error) {
	if err := f.requireStopped(); err != nil {
		return 0, err
	}
	snap, err := f.regSnapshot()
	if err != nil {
		return 0, err
	}
	return snap.Value(name)
}

// WriteRegister implements §6.2's write_register(name, value), against the
// focused thread.
func (f *Facade) WriteRegister(name regs.Name, value uint64) error {
	if err := f.requireStopped(); err != nil {
		return err
	}
	snap, err := f.regSnapshot()
	if err != nil {
		return err
	}
	if err := snap.Set(name, value); err != nil {
		return err
	}
	return snap.Persist(f.loop.Runner())
}

// Disasm implements §6.2's disasm: raw instruction bytes starting at addr,
// with no mnemonic decoding. No example in the retrieval pack vendors an
// x86-64 disassembler (no x/arch, no capstone binding anywhere in the
// pack), so this returns the opcode bytes for the caller to print or
// pipe through an external disassembler rather than hand-rolling a
// decoder on the standard library alone.
func (f *Facade) Disasm(a uint64, length int) ([]byte, error) {
	if err := f.requireStopped(); err != nil {
		return nil, err
	}
	buf := make([]byte, length)
	if err := f.loop.Runner().PeekText(f.loop.MainTid(), uintptr(a), buf); err != nil {
		return nil, fmt.Errorf("%w: read %d instruction bytes at %#x: %v", dbgerr.ErrInvalidRequest, length, a, err)
	}
	return buf, nil
}
