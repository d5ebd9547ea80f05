package debugger

import (
	"errors"
	"testing"

	"github.com/coredbg/coredbg/internal/dbgerr"
)

func TestRequireStoppedAllowsWhenNotRunning(t *testing.T) {
	f := &Facade{}
	if err := f.requireStopped(); err != nil {
		t.Fatalf("requireStopped: %v, want nil", err)
	}
}

func TestRequireStoppedRejectsWhileRunning(t *testing.T) {
	f := &Facade{running: true}
	if err := f.requireStopped(); !errors.Is(err, dbgerr.ErrRunning) {
		t.Fatalf("requireStopped: %v, want ErrRunning", err)
	}
}
