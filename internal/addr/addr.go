// Package addr distinguishes file-relative addresses, as they appear in
// DWARF and ELF section headers, from runtime-relocated addresses, as
// observed in a tracee's virtual memory once the loader has placed an
// object.
package addr

import "fmt"

// File is an address as recorded in an object file's own DWARF and ELF
// data, before the loader places that object in a process's address space.
type File uint64

// Runtime is an address as observed in a tracee's virtual memory.
type Runtime uint64

func (a File) String() string    { return fmt.Sprintf("file:%#x", uint64(a)) }
func (a Runtime) String() string { return fmt.Sprintf("rt:%#x", uint64(a)) }

// Mapping is the offset the loader applied to one object (the main
// executable or a shared object) when placing it in the tracee's address
// space, plus the runtime range the object currently occupies.
type Mapping struct {
	Path   string
	Offset uint64
	Low    Runtime
	High   Runtime // exclusive
}

// ToRuntime converts a file address to a runtime address under this mapping.
func (m Mapping) ToRuntime(a File) Runtime {
	return Runtime(uint64(a) + m.Offset)
}

// ToFile converts a runtime address back to this mapping's file address.
// The caller must already know a belongs to m (see Set.Find).
func (m Mapping) ToFile(a Runtime) File {
	return File(uint64(a) - m.Offset)
}

// Contains reports whether a falls within this mapping's runtime range.
func (m Mapping) Contains(a Runtime) bool {
	return a >= m.Low && a < m.High
}

// Set tracks the mapping offsets of every object currently loaded into a
// single tracee's address space. At most one mapping may claim a given
// runtime address at a time (§3 invariant).
type Set struct {
	byPath map[string]*Mapping
}

// NewSet returns an empty mapping set.
func NewSet() *Set {
	return &Set{byPath: make(map[string]*Mapping)}
}

// Load installs or replaces the mapping for path.
func (s *Set) Load(m Mapping) {
	cp := m
	s.byPath[m.Path] = &cp
}

// Unload removes the mapping for path, e.g. on dlclose of a shared object.
func (s *Set) Unload(path string) {
	delete(s.byPath, path)
}

// Find returns the mapping that owns the given runtime address, if any.
func (s *Set) Find(a Runtime) (Mapping, bool) {
	for _, m := range s.byPath {
		if m.Contains(a) {
			return *m, true
		}
	}
	return Mapping{}, false
}

// ByPath returns the mapping for an exact object path, if loaded.
func (s *Set) ByPath(path string) (Mapping, bool) {
	m, ok := s.byPath[path]
	if !ok {
		return Mapping{}, false
	}
	return *m, true
}

// Paths returns every currently loaded object path.
func (s *Set) Paths() []string {
	paths := make([]string, 0, len(s.byPath))
	for p := range s.byPath {
		paths = append(paths, p)
	}
	return paths
}
