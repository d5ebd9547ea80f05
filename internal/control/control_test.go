package control

import (
	"testing"

	"github.com/coredbg/coredbg/internal/threads"
)

func TestDefaultLayoutLinuxAMD64StepsByWord(t *testing.T) {
	l := DefaultLayoutLinuxAMD64()
	for i := 1; i < len(l.DebugReg); i++ {
		if l.DebugReg[i]-l.DebugReg[i-1] != 8 {
			t.Fatalf("DebugReg[%d]-DebugReg[%d] = %d, want 8", i, i-1, l.DebugReg[i]-l.DebugReg[i-1])
		}
	}
}

func TestTidsOfExtractsTidsInOrder(t *testing.T) {
	snap := []threads.Thread{
		{Num: 1, Tid: 100, Status: threads.Stopped},
		{Num: 2, Tid: 200, Status: threads.Running},
	}
	got := tidsOf(snap)
	if len(got) != 2 || got[0] != 100 || got[1] != 200 {
		t.Fatalf("tidsOf = %v, want [100 200]", got)
	}
}
