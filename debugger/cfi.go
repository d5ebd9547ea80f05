package debugger

import (
	"debug/elf"
	"fmt"
	"sync"

	"github.com/coredbg/coredbg/internal/addr"
	"github.com/coredbg/coredbg/internal/dbgerr"
	"github.com/coredbg/coredbg/internal/dwarfstore"
	"github.com/coredbg/coredbg/internal/unwind"
)

// cfiTables implements unwind.ObjectSections: it reads each loaded
// object's .eh_frame section straight off disk (ELF section data never
// changes once linked, unlike the DWARF handles dwarfstore.Object already
// caches) and parses it once per mapping offset, re-parsing only when an
// object's mapping moves (e.g. a PIE re-exec picks a new load address).
//
// No pack example implements DWARF/eh_frame-driven stack unwinding at
// all, so there is no teacher file this adapter is grounded on beyond the
// unwind package's own ObjectSections contract; the per-mapping-offset
// cache invalidation follows the same "mapping changed, re-resolve"
// pattern internal/breakpoint and internal/dwarfstore already use for
// their own OnMappingChange.
type cfiTables struct {
	store *dwarfstore.Store

	mu    sync.Mutex
	cache map[string]*cachedTable
}

type cachedTable struct {
	offset uint64
	table  *unwind.Table
}

func newCFITables(store *dwarfstore.Store) *cfiTables {
	return &cfiTables{store: store, cache: make(map[string]*cachedTable)}
}

// CFITable implements unwind.ObjectSections.
func (c *cfiTables) CFITable(rt addr.Runtime) (*unwind.Table, bool) {
	mapping, ok := c.store.Mapping(rt)
	if !ok {
		return nil, false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if cached, ok := c.cache[mapping.Path]; ok && cached.offset == mapping.Offset {
		return cached.table, true
	}

	table, err := parseEhFrame(mapping.Path, mapping.Offset)
	if err != nil {
		return nil, false
	}
	c.cache[mapping.Path] = &cachedTable{offset: mapping.Offset, table: table}
	return table, true
}

// parseEhFrame reads path's .eh_frame section and parses it with every
// FDE's begin address already relocated by offset, so FindFDE can be
// queried directly with runtime addresses the way internal/unwind.Walk
// does.
func parseEhFrame(path string, offset uint64) (*unwind.Table, error) {
	f, err := elf.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s for unwind info: %v", dbgerr.ErrNoDebugInfo, path, err)
	}
	defer f.Close()

	sec := f.Section(".eh_frame")
	if sec == nil {
		return nil, fmt.Errorf("%w: %s has no .eh_frame section", dbgerr.ErrNoDebugInfo, path)
	}
	data, err := sec.Data()
	if err != nil {
		return nil, fmt.Errorf("%w: read .eh_frame in %s: %v", dbgerr.ErrNoDebugInfo, path, err)
	}

	table, err := unwind.ParseSection(data, sec.Addr+offset)
	if err != nil {
		return nil, fmt.Errorf("%w: parse .eh_frame in %s: %v", dbgerr.ErrNoDebugInfo, path, err)
	}
	return table, nil
}
