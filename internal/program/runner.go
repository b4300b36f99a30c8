// Package program runs the JavaScript bodies of simulated processes with goja.
//
// A program is the body of a function invoked once per tick while its
// process is current. Each process keeps its own runtime, so globals and the
// `state` object persist across ticks. The script sees:
//
//	tick       the scheduler tick number
//	pid, name  the running process
//	inHandler  true while a signal handler runs
//	signo      the signal being handled, or 0
//	state      an object preserved between ticks
//	sys        system calls: yield(), exit(), kill(pid, sig), signal(sig),
//	           sigreturn(), sleep(ticks)
//	console    console.log(...) writes to the kernel log
//
// System calls are recorded and applied by the scheduler loop after the
// step returns.
package program

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/dop251/goja"

	"github.com/me/kproc/internal/process"
	"github.com/me/kproc/internal/scheduler"
)

// ErrStepTimeout is returned when a step runs past its deadline.
var ErrStepTimeout = errors.New("program step exceeded its deadline")

// Config holds runner configuration.
type Config struct {
	StepTimeout time.Duration
	Library     []string // JavaScript loaded into every runtime before the program
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{StepTimeout: 100 * time.Millisecond}
}

// Runner implements scheduler.Executor.
type Runner struct {
	cfg    Config
	logger *slog.Logger

	mu    sync.Mutex
	procs map[int]*instance
}

type instance struct {
	vm     *goja.Runtime
	prog   *goja.Program
	source string
	calls  []scheduler.Call
}

// NewRunner creates a Runner.
func NewRunner(cfg Config, logger *slog.Logger) *Runner {
	return &Runner{
		cfg:    cfg,
		logger: logger.With("component", "program"),
		procs:  make(map[int]*instance),
	}
}

// Run executes one step of the program and returns the system calls it made.
func (r *Runner) Run(ctx context.Context, step scheduler.Step) ([]scheduler.Call, error) {
	rt, err := r.load(step)
	if err != nil {
		return nil, err
	}

	rt.calls = rt.calls[:0]
	globals := map[string]any{
		"tick":      step.Tick,
		"pid":       step.PID,
		"name":      step.Name,
		"inHandler": step.InHandler,
		"signo":     int(step.Signal),
	}
	for k, v := range globals {
		if err := rt.vm.Set(k, v); err != nil {
			return nil, fmt.Errorf("set %s: %w", k, err)
		}
	}

	if r.cfg.StepTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.cfg.StepTimeout)
		defer cancel()
	}

	done := make(chan struct{})
	watched := make(chan struct{})
	go func() {
		defer close(watched)
		select {
		case <-ctx.Done():
			rt.vm.Interrupt(ctx.Err())
		case <-done:
		}
	}()

	_, err = rt.vm.RunProgram(rt.prog)
	close(done)
	<-watched
	rt.vm.ClearInterrupt()

	if err != nil {
		var interrupted *goja.InterruptedError
		if errors.As(err, &interrupted) {
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, fmt.Errorf("pid %d: %w", step.PID, ErrStepTimeout)
			}
			return nil, fmt.Errorf("pid %d: %w", step.PID, ctx.Err())
		}
		return nil, fmt.Errorf("pid %d: JavaScript error: %w", step.PID, err)
	}

	return append([]scheduler.Call(nil), rt.calls...), nil
}

// Release drops the runtime of a reaped process.
func (r *Runner) Release(pid int) {
	r.mu.Lock()
	delete(r.procs, pid)
	r.mu.Unlock()
}

// Loaded returns how many process runtimes are alive.
func (r *Runner) Loaded() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.procs)
}

// Check compiles source without running it.
func Check(source string) error {
	_, err := goja.Compile("check", wrap(source), false)
	return err
}

func wrap(source string) string {
	return "(function() {\n" + source + "\n})()"
}

// load returns the runtime for step's process, creating it on first use.
func (r *Runner) load(step scheduler.Step) (*instance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if rt, ok := r.procs[step.PID]; ok && rt.source == step.Program {
		return rt, nil
	}

	prog, err := goja.Compile(fmt.Sprintf("%s[%d]", step.Name, step.PID), wrap(step.Program), false)
	if err != nil {
		return nil, fmt.Errorf("compile pid %d: %w", step.PID, err)
	}

	rt := &instance{vm: goja.New(), prog: prog, source: step.Program}
	for i, lib := range r.cfg.Library {
		if _, err := rt.vm.RunString(lib); err != nil {
			return nil, fmt.Errorf("library[%d]: %w", i, err)
		}
	}
	if err := r.setupSys(rt, step.PID); err != nil {
		return nil, err
	}
	if err := rt.vm.Set("state", rt.vm.NewObject()); err != nil {
		return nil, fmt.Errorf("set state: %w", err)
	}

	r.procs[step.PID] = rt
	return rt, nil
}

func (r *Runner) setupSys(rt *instance, pid int) error {
	vm := rt.vm
	record := func(c scheduler.Call) {
		rt.calls = append(rt.calls, c)
	}
	signalArg := func(v goja.Value) process.Signal {
		if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
			panic(vm.NewTypeError("signal argument is required"))
		}
		var sig process.Signal
		switch x := v.Export().(type) {
		case string:
			s, err := process.ParseSignal(x)
			if err != nil {
				panic(vm.NewTypeError(err.Error()))
			}
			sig = s
		default:
			sig = process.Signal(v.ToInteger())
		}
		if !sig.Valid() {
			panic(vm.NewTypeError(fmt.Sprintf("invalid signal %v", v)))
		}
		return sig
	}

	sys := map[string]any{
		"yield": func() { record(scheduler.Call{Op: scheduler.CallYield}) },
		"exit":  func() { record(scheduler.Call{Op: scheduler.CallExit}) },
		"sigreturn": func() {
			record(scheduler.Call{Op: scheduler.CallSigreturn})
		},
		"kill": func(call goja.FunctionCall) goja.Value {
			target := int(call.Argument(0).ToInteger())
			sig := process.SIGTERM
			if len(call.Arguments) > 1 {
				sig = signalArg(call.Argument(1))
			}
			record(scheduler.Call{Op: scheduler.CallKill, PID: target, Signal: sig})
			return goja.Undefined()
		},
		"signal": func(call goja.FunctionCall) goja.Value {
			record(scheduler.Call{Op: scheduler.CallSignal, Signal: signalArg(call.Argument(0))})
			return goja.Undefined()
		},
		"sleep": func(call goja.FunctionCall) goja.Value {
			n := int(call.Argument(0).ToInteger())
			if n < 1 {
				n = 1
			}
			record(scheduler.Call{Op: scheduler.CallSleep, Ticks: n})
			return goja.Undefined()
		},
	}
	if err := vm.Set("sys", sys); err != nil {
		return fmt.Errorf("set sys: %w", err)
	}

	console := map[string]any{
		"log": func(call goja.FunctionCall) goja.Value {
			parts := make([]string, len(call.Arguments))
			for i, a := range call.Arguments {
				parts[i] = a.String()
			}
			r.logger.Info("console", "pid", pid, "msg", strings.Join(parts, " "))
			return goja.Undefined()
		},
	}
	if err := vm.Set("console", console); err != nil {
		return fmt.Errorf("set console: %w", err)
	}
	return nil
}
