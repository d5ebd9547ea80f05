package dwarfstore

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/coredbg/coredbg/internal/addr"
	"github.com/coredbg/coredbg/internal/dbgerr"
)

// mapRange is one row of /proc/<pid>/maps.
type mapRange struct {
	start, end uint64
	pathname   string
}

// readProcMaps parses /proc/<pid>/maps, the technique
// original_source/.../registry.rs's update_mappings uses via the
// proc_maps crate.
func readProcMaps(pid int) ([]mapRange, error) {
	f, err := os.Open(fmt.Sprintf("/proc/%d/maps", pid))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", dbgerr.ErrKernel, err)
	}
	defer f.Close()

	var ranges []mapRange
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := sc.Text()
		fields := strings.Fields(line)
		if len(fields) < 1 {
			continue
		}
		bounds := strings.SplitN(fields[0], "-", 2)
		if len(bounds) != 2 {
			continue
		}
		start, err1 := strconv.ParseUint(bounds[0], 16, 64)
		end, err2 := strconv.ParseUint(bounds[1], 16, 64)
		if err1 != nil || err2 != nil {
			continue
		}
		var pathname string
		if len(fields) >= 6 {
			pathname = fields[5]
		}
		ranges = append(ranges, mapRange{start: start, end: end, pathname: pathname})
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", dbgerr.ErrKernel, err)
	}
	return ranges, nil
}

// RefreshMappings re-reads /proc/<pid>/maps and recomputes the mapping
// offset of every loaded object, matching by canonicalized path the way
// update_mappings does. Objects with no corresponding mapping are left
// unmapped (deferred breakpoints against them stay deferred).
func (s *Store) RefreshMappings(pid int) error {
	ranges, err := readProcMaps(pid)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	lowest := make(map[string]uint64)
	for _, r := range ranges {
		if r.pathname == "" || strings.HasPrefix(r.pathname, "[") {
			continue
		}
		abs, err := filepath.Abs(r.pathname)
		if err != nil {
			abs = r.pathname
		}
		if cur, ok := lowest[abs]; !ok || r.start < cur {
			lowest[abs] = r.start
		}
	}

	for path, obj := range s.objects {
		abs, err := filepath.Abs(path)
		if err != nil {
			abs = path
		}
		base, ok := lowest[abs]
		if !ok {
			continue
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
	}
	return nil
}

// OnExec is called from the control loop on the tracee's first
// PTRACE_EVENT_EXEC stop (§4.8): it loads the executable's DWARF if not
// already loaded and installs its mapping from /proc/<pid>/maps, rather
// than guessing the load base, the way original_source's flow.rs computes
// mapping offsets only once the exec has actually happened.
func (s *Store) OnExec(pid int, executable string) error {
	if _, ok := s.Object(executable); !ok {
		if err := s.Load(executable); err != nil {
			return err
		}
	}
	return s.RefreshMappings(pid)
}
