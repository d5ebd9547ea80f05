package debugger

import (
	"fmt"
	"regexp"

	"github.com/coredbg/coredbg/internal/addr"
	"github.com/coredbg/coredbg/internal/dbgerr"
)

// SymbolMatch is one function matched by FindSymbol.
type SymbolMatch struct {
	Name       string
	ObjectPath string
	Low, High  addr.Runtime
}

// FindSymbol implements §6.2's find_symbol(regex): every function name
// across every loaded object matching pattern.
func (f *Facade) FindSymbol(pattern string) ([]SymbolMatch, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid regular expression %q: %v", dbgerr.ErrInvalidRequest, pattern, err)
	}

	var out []SymbolMatch
	for _, obj := range f.loop.Store().Objects() {
		for _, u := range obj.Units {
			for _, fn := range u.Funcs {
				if !re.MatchString(fn.Name) {
					continue
				}
				out = append(out, SymbolMatch{
					Name:       fn.Name,
					ObjectPath: obj.Path,
					Low:        obj.Mapping.ToRuntime(fn.Low),
					High:       obj.Mapping.ToRuntime(fn.High),
				})
			}
		}
	}
	return out, nil
}

// SharedLib is one loaded object's path and current runtime mapping.
type SharedLib struct {
	Path      string
	Low, High addr.Runtime
}

// SharedLibs implements §6.2's shared_libs: every currently loaded object
// (the executable plus any shared objects dlopen'd since).
func (f *Facade) SharedLibs() []SharedLib {
	objs := f.loop.Store().Objects()
	out := make([]SharedLib, 0, len(objs))
	for _, obj := range objs {
		out = append(out, SharedLib{
			Path: obj.Path,
			Low:  obj.Mapping.Low,
			High: obj.Mapping.High,
		})
	}
	return out
}
