package debugger

import (
	"testing"

	"github.com/coredbg/coredbg/internal/addr"
)

func TestBreakpointByAddress(t *testing.T) {
	id := BreakpointByAddress(0x401000)
	if id.Address == nil || *id.Address != addr.Runtime(0x401000) {
		t.Fatalf("id.Address = %v, want 0x401000", id.Address)
	}
	if id.File != "" || id.Function != "" || id.Number != nil {
		t.Fatalf("id = %+v, want only Address set", id)
	}
}

func TestBreakpointByLine(t *testing.T) {
	id := BreakpointByLine("main.go", 42)
	if id.File != "main.go" || id.Line != 42 {
		t.Fatalf("id = %+v, want File=main.go Line=42", id)
	}
	if id.Address != nil || id.Function != "" {
		t.Fatalf("id = %+v, want only File/Line set", id)
	}
}

func TestBreakpointByFunction(t *testing.T) {
	id := BreakpointByFunction("main.run")
	if id.Function != "main.run" {
		t.Fatalf("id = %+v, want Function=main.run", id)
	}
	if id.Address != nil || id.File != "" {
		t.Fatalf("id = %+v, want only Function set", id)
	}
}

func TestBreakpointByNumber(t *testing.T) {
	id := BreakpointByNumber(3)
	if id.Number == nil || *id.Number != 3 {
		t.Fatalf("id.Number = %v, want 3", id.Number)
	}
	if id.Address != nil || id.File != "" || id.Function != "" {
		t.Fatalf("id = %+v, want only Number set", id)
	}
}
