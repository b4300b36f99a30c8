package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/me/kproc/internal/process"
	"github.com/me/kproc/internal/store"
	"github.com/me/kproc/pkg/model"
)

// Config holds loop configuration.
type Config struct {
	TickInterval time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{TickInterval: 10 * time.Millisecond}
}

// InterruptController brackets the timer interrupt.
type InterruptController interface {
	EnterInterrupt()
	LeaveInterrupt()
}

// Step is one tick's worth of work for the running record's program.
type Step struct {
	PID       int
	Name      string
	Program   string
	Tick      uint64
	InHandler bool
	Signal    process.Signal
}

// CallOp names a system call made by a program.
type CallOp string

const (
	CallYield     CallOp = "yield"
	CallExit      CallOp = "exit"
	CallKill      CallOp = "kill"
	CallSignal    CallOp = "signal"
	CallSigreturn CallOp = "sigreturn"
	CallSleep     CallOp = "sleep"
)

// Call is a system call recorded while a program step ran.
type Call struct {
	Op     CallOp
	PID    int
	Signal process.Signal
	Ticks  int
}

// Executor runs a process program for one step and returns the calls it
// made, in order.
type Executor interface {
	Run(ctx context.Context, step Step) ([]Call, error)
}

// Releaser is implemented by executors that hold per-process state.
type Releaser interface {
	Release(pid int)
}

// handlerBase is where synthesized handler entries for scripted processes live.
const handlerBase uintptr = 0x0040_0000

// HandlerEntry returns the entry address used for a scripted handler of sig.
func HandlerEntry(sig process.Signal) uintptr {
	return handlerBase + uintptr(sig)*0x10
}

// Loop drives a Scheduler from a periodic timer: each tick raises the timer
// interrupt, runs the program of whatever record is current, and flushes
// trace events to the store.
type Loop struct {
	sched  *Scheduler
	irq    InterruptController
	exec   Executor
	store  store.Store
	config Config
	logger *slog.Logger
	stopCh chan struct{}
	doneCh chan struct{}
}

// NewLoop creates a new loop. exec and st may be nil.
func NewLoop(sched *Scheduler, irq InterruptController, exec Executor, st store.Store, cfg Config, logger *slog.Logger) *Loop {
	return &Loop{
		sched:  sched,
		irq:    irq,
		exec:   exec,
		store:  st,
		config: cfg,
		logger: logger.With("component", "loop"),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Scheduler returns the scheduler the loop drives.
func (l *Loop) Scheduler() *Scheduler { return l.sched }

// Start begins ticking. Blocks until ctx is cancelled or Stop is called.
func (l *Loop) Start(ctx context.Context) error {
	l.logger.Info("loop started", "tick_interval", l.config.TickInterval)
	ticker := time.NewTicker(l.config.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			l.logger.Info("loop stopping (context cancelled)")
			close(l.doneCh)
			return ctx.Err()
		case <-l.stopCh:
			l.logger.Info("loop stopping (stop called)")
			close(l.doneCh)
			return nil
		case <-ticker.C:
			if err := l.Tick(ctx); err != nil {
				l.logger.Error("tick error", "error", err)
			}
		}
	}
}

// Stop shuts down the loop and waits for the current tick to finish.
func (l *Loop) Stop() error {
	close(l.stopCh)
	<-l.doneCh
	return nil
}

// RunTicks runs n ticks back to back without waiting on the timer.
func (l *Loop) RunTicks(ctx context.Context, n int) error {
	for i := 0; i < n; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := l.Tick(ctx); err != nil {
			return fmt.Errorf("tick %d: %w", i+1, err)
		}
	}
	return nil
}

// Tick runs a single iteration.
func (l *Loop) Tick(ctx context.Context) error {
	// Phase 1: timer interrupt.
	l.irq.EnterInterrupt()
	l.sched.Preempt()
	l.irq.LeaveInterrupt()

	// Phase 2: the running record executes until the next tick.
	if err := l.runCurrent(ctx); err != nil {
		return fmt.Errorf("run: %w", err)
	}

	// Phase 3: flush the trace.
	return l.flush(ctx)
}

func (l *Loop) flush(ctx context.Context) error {
	events := l.sched.Drain()
	if rel, ok := l.exec.(Releaser); ok {
		for _, ev := range events {
			if ev.Kind == model.EventReap {
				rel.Release(ev.FromPID)
			}
		}
	}
	if l.store == nil || len(events) == 0 {
		return nil
	}
	if err := l.store.RecordEvents(ctx, events); err != nil {
		return fmt.Errorf("record %d events: %w", len(events), err)
	}
	return nil
}

func (l *Loop) runCurrent(ctx context.Context) error {
	if l.exec == nil {
		return nil
	}
	step, ok := l.sched.currentStep()
	if !ok {
		return nil
	}

	calls, err := l.exec.Run(ctx, step)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		// A faulting program takes its process down, not the kernel.
		l.logger.Warn("program fault", "pid", step.PID, "name", step.Name, "error", err)
		if err := l.sched.Terminate(step.PID, "fault"); err != nil {
			l.logger.Debug("faulting process already gone", "pid", step.PID, "error", err)
		}
		return nil
	}

	for _, c := range calls {
		if stop := l.apply(step, c); stop {
			break
		}
	}
	return nil
}

// apply performs one system call on behalf of step's process and reports
// whether the remaining calls must be dropped: the process gave up the CPU,
// or it stopped being the running record while its step ran.
func (l *Loop) apply(step Step, c Call) bool {
	log := l.logger.With("pid", step.PID, "call", c.Op)
	if !l.sched.Running(step.PID) {
		log.Info("process no longer running, dropping its calls")
		return true
	}

	// gone reports whether err means the process left the CPU under us.
	gone := func(err error) bool {
		if errors.Is(err, ErrNotRunning) {
			log.Info("process no longer running, dropping its calls")
			return true
		}
		return false
	}

	switch c.Op {
	case CallYield:
		if err := l.sched.YieldPID(step.PID); err != nil && !gone(err) {
			log.Warn("yield failed", "error", err)
		}
		return true
	case CallExit:
		if err := l.sched.Terminate(step.PID, "exit"); err != nil && !gone(err) {
			log.Warn("exit failed", "error", err)
		}
		return true
	case CallSleep:
		if err := l.sched.BlockOnPID(step.PID, process.NewCountdown(c.Ticks)); err != nil {
			if gone(err) {
				return true
			}
			log.Warn("sleep failed", "error", err)
			return false
		}
		return true
	case CallSigreturn:
		if err := l.sched.SignalReturnPID(step.PID); err != nil {
			if gone(err) {
				return true
			}
			log.Warn("sigreturn failed", "error", err)
			return false
		}
		return true
	case CallKill:
		if err := l.sched.Notify(c.PID, c.Signal); err != nil {
			log.Info("kill failed", "target", c.PID, "signal", c.Signal, "error", err)
		}
		// Signalling itself with a fatal signal ends the step at the next tick.
		return false
	case CallSignal:
		if err := l.sched.SetHandler(step.PID, c.Signal, HandlerEntry(c.Signal)); err != nil {
			log.Info("install handler failed", "signal", c.Signal, "error", err)
		}
		return false
	default:
		log.Warn("unknown system call")
		return false
	}
}

// currentStep describes the running record for its program, or reports
// false when the idle record runs or the record has no program.
func (s *Scheduler) currentStep() (Step, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.initialized || s.current == s.idle {
		return Step{}, false
	}
	rec := s.get(s.current)
	if rec.IsDead() || rec.Program() == "" {
		return Step{}, false
	}
	return Step{
		PID:       rec.PID(),
		Name:      rec.Name(),
		Program:   rec.Program(),
		Tick:      s.ticks,
		InHandler: rec.InSignalHandler(),
		Signal:    rec.HandlingSignal(),
	}, true
}
