package main

import (
	"fmt"
	"strconv"
	"strings"
	"syscall"

	"github.com/chzyer/readline"
	"github.com/fatih/color"

	"github.com/coredbg/coredbg/debugger"
	"github.com/coredbg/coredbg/internal/addr"
	"github.com/coredbg/coredbg/internal/breakpoint"
	"github.com/coredbg/coredbg/internal/config"
	"github.com/coredbg/coredbg/internal/dwarfstore"
	"github.com/coredbg/coredbg/internal/regs"
	"github.com/coredbg/coredbg/internal/watchpoint"
)

// replHook implements internal/control.Hook (§6.1), printing every event
// the way a REPL's user needs to see it. Grounded on the general shape of
// a CLI debugger's event loop print statements; no pack example has an
// equivalent hook to ground the formatting on directly, so the messages
// are plain: the stop address with the breakpoint or watchpoint number, and
// file:line (or the bare address) for a step.
type replHook struct{}

func (replHook) OnBreakpoint(pc addr.Runtime, views []breakpoint.View) {
	color.Yellow("breakpoint hit at %#x (#%s)", pc, numbers(views))
}

func (replHook) OnWatchpoint(pc addr.Runtime, result watchpoint.HitResult) {
	color.Yellow("watchpoint %d hit at %#x: %#x -> %#x", result.Watchpoint.Number, pc, result.Old, result.New)
	if result.EndOfScope {
		color.Yellow("watchpoint %d went out of scope and was removed", result.Watchpoint.Number)
	}
}

func (replHook) OnStep(pc addr.Runtime, place dwarfstore.Place, havePlace bool, fn dwarfstore.FunctionRef, haveFunc bool) {
	if havePlace {
		fmt.Printf("  %s:%d\n", place.File, place.Line)
		return
	}
	fmt.Printf("  %#x\n", pc)
}

func (replHook) OnSignal(sig syscall.Signal) {
	color.Red("signal: %s", sig)
}

func (replHook) OnExit(code int) {
	color.Cyan("process exited with code %d", code)
}

func (replHook) OnProcessInstall(pid int) {
	color.Green("process %d started", pid)
}

// parseLocation turns a break command's location argument into a
// breakpoint.Identity: "0x..." is an address, "file:line" is a source
// location, anything else is a function name.
func parseLocation(loc string) breakpoint.Identity {
	if file, lineStr, ok := strings.Cut(loc, ":"); ok {
		if line, err := strconv.Atoi(lineStr); err == nil {
			return debugger.BreakpointByLine(file, line)
		}
	}
	if strings.HasPrefix(loc, "0x") {
		if n, err := strconv.ParseUint(loc[2:], 16, 64); err == nil {
			return debugger.BreakpointByAddress(addr.Runtime(n))
		}
	}
	return debugger.BreakpointByFunction(loc)
}

func numbers(views []breakpoint.View) string {
	var sb strings.Builder
	for i, v := range views {
		if i > 0 {
			sb.WriteString(",")
		}
		fmt.Fprintf(&sb, "%d", v.Number)
	}
	return sb.String()
}

func runREPL(executable string, args []string, cfg *config.Config) error {
	f := debugger.New(executable, replHook{}, cfg)
	if _, err := f.Start(args); err != nil {
		return err
	}
	return repl(f)
}

func runAttachREPL(pid int, cfg *config.Config) error {
	f := debugger.New("", replHook{}, cfg)
	if _, err := f.Attach(pid); err != nil {
		return err
	}
	return repl(f)
}

func repl(f *debugger.Facade) error {
	rl, err := readline.New("(coredbg) ")
	if err != nil {
		return err
	}
	defer rl.Close()

	for {
		line, err := rl.Readline()
		if err != nil {
			return nil
		}
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		if err := dispatch(f, fields); err != nil {
			color.Red("error: %v", err)
		}
		if fields[0] == "quit" || fields[0] == "q" {
			return nil
		}
	}
}

func dispatch(f *debugger.Facade, fields []string) error {
	switch fields[0] {
	case "quit", "q":
		return nil
	case "continue", "c":
		ev, err := f.Continue()
		if err != nil {
			return err
		}
		fmt.Printf("stop: kind=%d tid=%d pc=%#x\n", ev.Kind, ev.Tid, ev.PC)
	case "step", "s":
		pc, err := f.StepInto()
		if err != nil {
			return err
		}
		fmt.Printf("stopped at %#x\n", pc)
	case "next", "n":
		pc, err := f.StepOver()
		if err != nil {
			return err
		}
		fmt.Printf("stopped at %#x\n", pc)
	case "stepi":
		pc, err := f.StepInstruction()
		if err != nil {
			return err
		}
		fmt.Printf("stopped at %#x\n", pc)
	case "finish":
		pc, err := f.StepOut()
		if err != nil {
			return err
		}
		fmt.Printf("stopped at %#x\n", pc)
	case "break", "b":
		if len(fields) < 2 {
			return fmt.Errorf("usage: break <addr|file:line|function>")
		}
		views, err := f.AddBreakpoint(parseLocation(fields[1]), "")
		if err != nil {
			return err
		}
		for _, v := range views {
			fmt.Printf("breakpoint %d at %#x\n", v.Number, v.Addr)
		}
	case "delete", "d":
		if len(fields) < 2 {
			return fmt.Errorf("usage: delete <number>")
		}
		n, err := strconv.Atoi(fields[1])
		if err != nil {
			return err
		}
		_, err = f.RemoveBreakpoint(debugger.BreakpointByNumber(n))
		return err
	case "breakpoints":
		for _, v := range f.ListBreakpoints() {
			fmt.Printf("%d: %#x [%s]\n", v.Number, v.Addr, v.State)
		}
	case "watch":
		if len(fields) < 2 {
			return fmt.Errorf("usage: watch <variable> [size]")
		}
		size := 8
		if len(fields) >= 3 {
			n, err := strconv.Atoi(fields[2])
			if err != nil {
				return err
			}
			size = n
		}
		v, err := f.AddWatchpointByExpression(fields[1], size, watchpoint.OnWrite)
		if err != nil {
			return err
		}
		fmt.Printf("watchpoint %d at %#x\n", v.Number, v.Addr)
	case "threads":
		for _, t := range f.Threads() {
			fmt.Printf("%d: tid %d [%s]\n", t.Num, t.Tid, t.Status)
		}
	case "thread":
		if len(fields) < 2 {
			return fmt.Errorf("usage: thread <tid>")
		}
		tid, err := strconv.Atoi(fields[1])
		if err != nil {
			return err
		}
		return f.SetFocusThread(tid)
	case "bt", "backtrace":
		frames, err := f.Backtrace()
		if err != nil {
			return err
		}
		for i, fr := range frames {
			fmt.Printf("#%d %#x %s %s:%d\n", i, fr.IP, fr.FunctionName, fr.File, fr.Line)
		}
	case "frame":
		if len(fields) < 2 {
			return fmt.Errorf("usage: frame <index>")
		}
		idx, err := strconv.Atoi(fields[1])
		if err != nil {
			return err
		}
		return f.SetFocusFrame(idx)
	case "print", "p":
		if len(fields) < 2 {
			return fmt.Errorf("usage: print <variable>")
		}
		b, err := f.ReadVariable(fields[1])
		if err != nil {
			return err
		}
		fmt.Printf("%#x\n", b)
	case "reg":
		if len(fields) < 2 {
			return fmt.Errorf("usage: reg <name>")
		}
		v, err := f.ReadRegister(regs.Name(fields[1]))
		if err != nil {
			return err
		}
		fmt.Printf("%s = %#x\n", fields[1], v)
	case "syms":
		if len(fields) < 2 {
			return fmt.Errorf("usage: syms <regex>")
		}
		matches, err := f.FindSymbol(fields[1])
		if err != nil {
			return err
		}
		for _, m := range matches {
			fmt.Printf("%s %#x-%#x (%s)\n", m.Name, m.Low, m.High, m.ObjectPath)
		}
	case "libs":
		for _, lib := range f.SharedLibs() {
			fmt.Printf("%#x-%#x %s\n", lib.Low, lib.High, lib.Path)
		}
	case "restart":
		if _, err := f.Restart(nil); err != nil {
			return err
		}
	default:
		return fmt.Errorf("unknown command %q", fields[0])
	}
	return nil
}
