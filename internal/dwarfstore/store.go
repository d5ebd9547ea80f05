// Package dwarfstore implements spec §4.2: a collection of per-object
// DWARF handles keyed by path, each with its own mapping offset and
// runtime address range, supporting address→source, (file,line)→address,
// and fuzzy function-name lookups. It is grounded on the teacher's
// ogle/program/server/dwarf.go and server.go (LookupFunction/EntryForPC
// style linear-scan lookups against golang.org/x/debug/dwarf) generalized
// from "one executable" to "the executable plus every loaded shared
// object", the way original_source/src/debugger/debugee/registry.rs's
// DwarfRegistry tracks one DebugeeContext per loaded file.
package dwarfstore

import (
	"debug/dwarf"
	"debug/elf"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/coredbg/coredbg/internal/addr"
	"github.com/coredbg/coredbg/internal/dbgerr"
)

// LineRow is one row of a compilation unit's line-number program.
type LineRow struct {
	Addr       addr.File
	File       string
	Line       int
	Column     int
	IsStmt     bool
	EndOfBlock bool // true for the synthetic end-of-sequence row
}

// FuncEntry describes one DW_TAG_subprogram.
type FuncEntry struct {
	Name      string
	Low, High addr.File // [Low, High)
	Offset    dwarf.Offset
	DeclFile  string
	Vars      []VarEntry
}

// VarEntry describes one DW_TAG_variable or DW_TAG_formal_parameter
// belonging to a function, with its location expression, per spec §4.3's
// input to the location-expression evaluator. LocExpr is nil when the
// variable uses a location list (DW_AT_location as a loclistptr) rather
// than a single exprloc; read_variable/read_argument report location
// unavailable for those rather than parsing the list.
type VarEntry struct {
	Name    string
	IsArg   bool
	LocExpr []byte
}

// Unit is a parsed compilation unit: line rows sorted by address, and the
// function entries it declares, sorted by Low. Per spec §3 invariants,
// line rows are sorted by address and unit ranges are sorted by start.
type Unit struct {
	Data    *dwarf.Data // shared with the owning Object
	Off     dwarf.Offset
	Name    string
	Lines   []LineRow
	Funcs   []FuncEntry
	LowPC   addr.File
	HighPC  addr.File
}

// Object is one loaded ELF image (the main executable or a shared
// object): its parsed units plus its current mapping.
type Object struct {
	Path    string
	Data    *dwarf.Data
	Units   []*Unit
	Mapping addr.Mapping
}

// Place is a source location, as returned by FindPlace (§4.2).
type Place struct {
	File       string
	Line       int
	Column     int
	IsStmt     bool
	Unit       *Unit
	ObjectPath string
}

// FunctionRef identifies a function and the object/unit it belongs to.
type FunctionRef struct {
	Entry      FuncEntry
	Unit       *Unit
	ObjectPath string
	Low, High  addr.Runtime
}

// Store is the DWARF store of spec §4.2: a collection of per-object
// handles plus their runtime mappings, invalidated whenever the loaded
// object set changes.
type Store struct {
	mu      sync.RWMutex
	objects map[string]*Object
	mapping *addr.Set
}

// New returns an empty store. Objects are added with Load.
func New() *Store {
	return &Store{
		objects: make(map[string]*Object),
		mapping: addr.NewSet(),
	}
}

// Load parses path's ELF+DWARF and adds it to the store without a runtime
// mapping yet (the mapping is supplied later by OnMappingChange, once the
// loader has actually placed the object, following the teacher's
// loadExecutable + the original's update_mappings two-step).
func (s *Store) Load(path string) error {
	f, err := elf.Open(path)
	if err != nil {
		return fmt.Errorf("%w: open %s: %v", dbgerr.ErrNoDebugInfo, path, err)
	}
	defer f.Close()

	data, err := f.DWARF()
	if err != nil {
		return fmt.Errorf("%w: parse DWARF in %s: %v", dbgerr.ErrNoDebugInfo, path, err)
	}

	obj := &Object{Path: path, Data: data}
	if err := parseUnits(obj); err != nil {
		return err
	}

	s.mu.Lock()
	s.objects[path] = obj
	s.mu.Unlock()
	return nil
}

// parseUnits walks every compilation unit in obj.Data, decoding its line
// program (via the stdlib LineReader, as the teacher's own fork of
// debug/dwarf would have needed to hand-roll) and collecting its
// DW_TAG_subprogram entries.
func parseUnits(obj *Object) error {
	r := obj.Data.Reader()
	for {
		entry, err := r.Next()
		if err != nil {
			return fmt.Errorf("%w: reading DIEs in %s: %v", dbgerr.ErrNoDebugInfo, obj.Path, err)
		}
		if entry == nil {
			break
		}
		if entry.Tag != dwarf.TagCompileUnit {
			r.SkipChildren()
			continue
		}
		u := &Unit{Data: obj.Data, Off: entry.Offset}
		if name, ok := entry.Val(dwarf.AttrName).(string); ok {
			u.Name = name
		}

		lr, err := obj.Data.LineReader(entry)
		if err != nil {
			return fmt.Errorf("%w: line program in %s: %v", dbgerr.ErrNoDebugInfo, obj.Path, err)
		}
		if lr != nil {
			var le dwarf.LineEntry
			for {
				if err := lr.Next(&le); err != nil {
					break // io.EOF
				}
				if le.Line == 0 {
					// Edge case (§4.2): line=0 rows are skipped.
					continue
				}
				u.Lines = append(u.Lines, LineRow{
					Addr:       addr.File(le.Address),
					File:       fileName(le.File),
					Line:       le.Line,
					Column:     le.Column,
					IsStmt:     le.IsStmt,
					EndOfBlock: le.EndSequence,
				})
			}
		}
		sortAndDedupLines(u)

		if err := collectFuncs(obj.Data, entry, u); err != nil {
			return err
		}
		if len(u.Funcs) > 0 {
			u.LowPC = u.Funcs[0].Low
			for _, fn := range u.Funcs {
				if fn.High > u.HighPC {
					u.HighPC = fn.High
				}
			}
		}

		obj.Units = append(obj.Units, u)
	}
	sort.Slice(obj.Units, func(i, j int) bool { return obj.Units[i].LowPC < obj.Units[j].LowPC })
	return nil
}

func fileName(f *dwarf.LineFile) string {
	if f == nil {
		return ""
	}
	return f.Name
}

// sortAndDedupLines enforces the §3 invariant (sorted by address) and the
// §4.2 edge case: duplicate rows at the same address keep the last one.
func sortAndDedupLines(u *Unit) {
	sort.SliceStable(u.Lines, func(i, j int) bool { return u.Lines[i].Addr < u.Lines[j].Addr })
	out := u.Lines[:0]
	for i, row := range u.Lines {
		if i+1 < len(u.Lines) && u.Lines[i+1].Addr == row.Addr {
			continue // a later duplicate will win
		}
		out = append(out, row)
	}
	u.Lines = out
}

// collectFuncs walks cu's subtree collecting every DW_TAG_subprogram plus,
// for each, the DW_TAG_formal_parameter and DW_TAG_variable children found
// anywhere under it (including nested lexical blocks), for spec §4.3's
// read_variable/read_argument. The reader's Children flag drives a small
// depth stack since debug/dwarf's flat Next() traversal gives no other way
// to tell a function's descendants from its siblings.
func collectFuncs(data *dwarf.Data, cu *dwarf.Entry, u *Unit) error {
	r := data.Reader()
	r.Seek(cu.Offset)

	type frame struct {
		tag    dwarf.Tag
		fnIdx  int // index into u.Funcs of the enclosing function, -1 if none
	}
	stack := []frame{{tag: cu.Tag, fnIdx: -1}}

	for {
		e, err := r.Next()
		if err != nil {
			return fmt.Errorf("%w: %v", dbgerr.ErrNoDebugInfo, err)
		}
		if e == nil {
			break
		}
		if e.Tag == 0 {
			if len(stack) > 1 {
				stack = stack[:len(stack)-1]
				continue
			}
			break
		}

		enclosing := stack[len(stack)-1].fnIdx
		fnIdx := enclosing

		switch e.Tag {
		case dwarf.TagSubprogram:
			name, _ := e.Val(dwarf.AttrName).(string)
			low, lok := e.Val(dwarf.AttrLowpc).(uint64)
			var high uint64
			hok := false
			switch h := e.Val(dwarf.AttrHighpc).(type) {
			case uint64:
				high, hok = h, true
			case int64:
				high, hok = low+uint64(h), true
			}
			if name != "" && lok && hok {
				u.Funcs = append(u.Funcs, FuncEntry{
					Name:   name,
					Low:    addr.File(low),
					High:   addr.File(high),
					Offset: e.Offset,
				})
				fnIdx = len(u.Funcs) - 1
			} else {
				fnIdx = -1
			}
		case dwarf.TagFormalParameter, dwarf.TagVariable:
			if enclosing >= 0 {
				name, _ := e.Val(dwarf.AttrName).(string)
				if name != "" {
					loc, _ := e.Val(dwarf.AttrLocation).([]byte)
					u.Funcs[enclosing].Vars = append(u.Funcs[enclosing].Vars, VarEntry{
						Name:    name,
						IsArg:   e.Tag == dwarf.TagFormalParameter,
						LocExpr: loc,
					})
				}
			}
		}

		if e.Children {
			stack = append(stack, frame{tag: e.Tag, fnIdx: fnIdx})
		}
	}
	sort.Slice(u.Funcs, func(i, j int) bool { return u.Funcs[i].Low < u.Funcs[j].Low })
	return nil
}

// OnMappingChange recomputes path's runtime range and installs (or
// removes, for unload) its mapping, invalidating any cached lookups tied
// to the old range. This is the Go rendition of
// original_source/.../registry.rs's update_mappings, driven per-object
// rather than all at once, to match spec §4.2's on_mapping_change(load|
// unload, path, base).
func (s *Store) OnMappingChange(load bool, path string, base uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !load {
		s.mapping.Unload(path)
		return nil
	}
	obj, ok := s.objects[path]
	if !ok {
		return fmt.Errorf("%w: object %s not loaded into the store", dbgerr.ErrMappingNotReady, path)
	}
	low, high := objectRange(obj)
	m := addr.Mapping{
		Path:   path,
		Offset: base,
		Low:    addr.Runtime(uint64(low) + base),
		High:   addr.Runtime(uint64(high) + base),
	}
	obj.Mapping = m
	s.mapping.Load(m)
	return nil
}

func objectRange(obj *Object) (low, high addr.File) {
	for _, u := range obj.Units {
		if len(u.Funcs) == 0 {
			continue
		}
		if low == 0 || u.Funcs[0].Low < low {
			low = u.Funcs[0].Low
		}
		for _, fn := range u.Funcs {
			if fn.High > high {
				high = fn.High
			}
		}
	}
	return low, high
}

// FindPlace implements find_place: runtime address → source position.
// Behavior is undefined (returns ok=false) when no loaded object covers
// the address, per spec §4.2.
func (s *Store) FindPlace(rt addr.Runtime) (Place, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.mapping.Find(rt)
	if !ok {
		return Place{}, false
	}
	obj := s.objects[m.Path]
	if obj == nil {
		return Place{}, false
	}
	file := m.ToFile(rt)
	u := findUnit(obj, file)
	if u == nil {
		return Place{}, false
	}
	row, ok := findLineRow(u, file)
	if !ok {
		return Place{}, false
	}
	return Place{
		File:       row.File,
		Line:       row.Line,
		Column:     row.Column,
		IsStmt:     row.IsStmt,
		Unit:       u,
		ObjectPath: obj.Path,
	}, true
}

// findUnit does the binary search + backward linear scan spec §4.2 calls
// for: units are sorted by start, but ranges can be non-contiguous, so a
// direct binary search on LowPC can land one unit too far forward.
func findUnit(obj *Object, file addr.File) *Unit {
	units := obj.Units
	i := sort.Search(len(units), func(i int) bool { return units[i].LowPC > file })
	for j := i - 1; j >= 0; j-- {
		u := units[j]
		if file >= u.LowPC && file < u.HighPC {
			return u
		}
	}
	return nil
}

func findLineRow(u *Unit, file addr.File) (LineRow, bool) {
	rows := u.Lines
	i := sort.Search(len(rows), func(i int) bool { return rows[i].Addr > file })
	if i == 0 {
		return LineRow{}, false
	}
	row := rows[i-1]
	if row.EndOfBlock {
		return LineRow{}, false
	}
	return row, true
}

// FindFunction implements find_function: runtime address → enclosing
// function.
func (s *Store) FindFunction(rt addr.Runtime) (FunctionRef, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.mapping.Find(rt)
	if !ok {
		return FunctionRef{}, false
	}
	obj := s.objects[m.Path]
	if obj == nil {
		return FunctionRef{}, false
	}
	file := m.ToFile(rt)
	for _, u := range obj.Units {
		for _, fn := range u.Funcs {
			if file >= fn.Low && file < fn.High {
				return FunctionRef{
					Entry:      fn,
					Unit:       u,
					ObjectPath: obj.Path,
					Low:        m.ToRuntime(fn.Low),
					High:       m.ToRuntime(fn.High),
				}, true
			}
		}
	}
	return FunctionRef{}, false
}

// FunctionEntryAddr returns the address a breakpoint "on this function"
// should use: the second statement-flagged line row inside the function's
// range when one exists, skipping the compiler-emitted prologue, falling
// back to the function's low address otherwise (§8 boundary behavior: "a
// breakpoint at a line that corresponds to a function prologue resolves to
// the prologue-end address, not the function entry").
func (s *Store) FunctionEntryAddr(ref FunctionRef) addr.Runtime {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, hasMapping := s.mapping.ByPath(ref.ObjectPath)
	var seen int
	for _, row := range ref.Unit.Lines {
		if row.EndOfBlock || !row.IsStmt {
			continue
		}
		if row.Addr < ref.Entry.Low || row.Addr >= ref.Entry.High {
			continue
		}
		seen++
		if seen == 2 {
			if hasMapping {
				return m.ToRuntime(row.Addr)
			}
			return addr.Runtime(row.Addr)
		}
	}
	return ref.Low
}

// FindFunctionByName implements find_function_by_name's fuzzy suffix
// search (§4.2): split the query on "::", require the trailing segment to
// match a unique leaf name, then require every preceding segment to
// appear (in order) as a suffix of the function's namespace path.
func (s *Store) FindFunctionByName(query string) ([]FunctionRef, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	parts := strings.Split(query, "::")
	leaf := parts[len(parts)-1]
	prefix := parts[:len(parts)-1]

	var matches []FunctionRef
	for path, obj := range s.objects {
		m, hasMapping := s.mapping.ByPath(path)
		for _, u := range obj.Units {
			for _, fn := range u.Funcs {
				fnParts := strings.Split(fn.Name, "::")
				if fnParts[len(fnParts)-1] != leaf {
					continue
				}
				if !suffixMatch(fnParts[:len(fnParts)-1], prefix) {
					continue
				}
				ref := FunctionRef{Entry: fn, Unit: u, ObjectPath: path}
				if hasMapping {
					ref.Low, ref.High = m.ToRuntime(fn.Low), m.ToRuntime(fn.High)
				}
				matches = append(matches, ref)
			}
		}
	}
	if len(matches) == 0 {
		return nil, fmt.Errorf("%w: no function matches %q", dbgerr.ErrInvalidRequest, query)
	}
	return matches, nil
}

// suffixMatch reports whether every element of want appears, in order, as
// a suffix run of have: e.g. have=["pkg","inner"], want=["inner"] passes;
// want=["pkg","inner"] passes; want=["outer"] fails.
func suffixMatch(have, want []string) bool {
	if len(want) == 0 {
		return true
	}
	if len(want) > len(have) {
		return false
	}
	base := len(have) - len(want)
	for i, w := range want {
		if have[base+i] != w {
			return false
		}
	}
	return true
}

// LineToAddrs implements line_to_addrs: returns every statement-start
// runtime address whose line matches and whose file path ends with
// fileSuffix. If no statement-flagged row matches, falls back to the
// first row (of any is-statement value) covering that line, per §4.2.
func (s *Store) LineToAddrs(fileSuffix string, line int) ([]addr.Runtime, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var stmtHits, anyHits []addr.Runtime
	for path, obj := range s.objects {
		m, hasMapping := s.mapping.ByPath(path)
		for _, u := range obj.Units {
			for _, row := range u.Lines {
				if row.EndOfBlock || row.Line != line || !strings.HasSuffix(row.File, fileSuffix) {
					continue
				}
				rt := row.Addr
				var out addr.Runtime
				if hasMapping {
					out = m.ToRuntime(rt)
				} else {
					out = addr.Runtime(rt)
				}
				if row.IsStmt {
					stmtHits = append(stmtHits, out)
				} else {
					anyHits = append(anyHits, out)
				}
			}
		}
	}
	if len(stmtHits) > 0 {
		return stmtHits, nil
	}
	if len(anyHits) > 0 {
		return anyHits[:1], nil
	}
	return nil, fmt.Errorf("%w: no line matches %s:%d", dbgerr.ErrNoDebugInfo, fileSuffix, line)
}

// Object returns the loaded object at path, if any (used by OnExec to
// check whether the executable is already loaded).
func (s *Store) Object(path string) (*Object, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.objects[path]
	return o, ok
}

// Objects returns every loaded object, used by symbol search and shared-
// library listing to enumerate across the executable and every loaded
// shared object without each caller re-deriving the path list itself.
func (s *Store) Objects() []*Object {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Object, 0, len(s.objects))
	for _, o := range s.objects {
		out = append(out, o)
	}
	return out
}

// Mapping returns the runtime mapping that owns rt, if any.
func (s *Store) Mapping(rt addr.Runtime) (addr.Mapping, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.mapping.Find(rt)
}

// Reset drops every mapping (e.g. on process restart) but keeps parsed
// DWARF units, following original_source/.../registry.rs's `extend`: a
// fresh run of the same binary re-uses the already-parsed debug info and
// only needs new mapping offsets from OnMappingChange.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mapping = addr.NewSet()
}
