// Package kernel assembles the simulated machine: CPU, process factory,
// scheduler, tick loop, program runner and trace store.
package kernel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"

	"github.com/me/kproc/internal/config"
	"github.com/me/kproc/internal/cpu"
	"github.com/me/kproc/internal/process"
	"github.com/me/kproc/internal/program"
	"github.com/me/kproc/internal/scheduler"
	"github.com/me/kproc/internal/store"
	"github.com/me/kproc/pkg/model"
)

const (
	initEntry uintptr = 0x0010_2000
	userEntry uintptr = 0x0800_0000
)

// Kernel is one booted instance of the simulated machine.
type Kernel struct {
	CPU     *cpu.CPU
	Factory *process.Factory
	Sched   *scheduler.Scheduler
	Loop    *scheduler.Loop
	Runner  *program.Runner

	cfg    config.SchedulerConfig
	store  store.Store
	logger *slog.Logger
	runID  string
	booted time.Time
}

// New builds a kernel. st may be nil to run without a trace.
func New(cfg config.SchedulerConfig, st store.Store, logger *slog.Logger) *Kernel {
	runID := "run_" + uuid.New().String()
	if cfg.MaxImageMemory == 0 {
		cfg.MaxImageMemory = config.DefaultMaxImageMemory
	}
	c := cpu.New(logger)
	f := process.NewFactory(process.FactoryConfig{
		DefaultQuantum: cfg.DefaultQuantum,
		StackSize:      uintptr(cfg.StackSize),
	})
	s := scheduler.New(c, c, f, logger, scheduler.WithRunID(runID))

	pcfg := program.DefaultConfig()
	if cfg.StepTimeout > 0 {
		pcfg.StepTimeout = cfg.StepTimeout
	}
	runner := program.NewRunner(pcfg, logger)

	loop := scheduler.NewLoop(s, c, runner, st, scheduler.Config{TickInterval: cfg.TickInterval}, logger)

	return &Kernel{
		CPU:     c,
		Factory: f,
		Sched:   s,
		Loop:    loop,
		Runner:  runner,
		cfg:     cfg,
		store:   st,
		logger:  logger.With("component", "kernel"),
		runID:   runID,
	}
}

// RunID identifies this boot in the trace store.
func (k *Kernel) RunID() string { return k.runID }

// Uptime returns the time since Boot.
func (k *Kernel) Uptime() time.Duration {
	if k.booted.IsZero() {
		return 0
	}
	return time.Since(k.booted)
}

// Boot initializes tasking and registers the run. The initial kernel record
// has nothing to do once boot finishes, so it is retired right away and the
// first tick lands on whatever was spawned.
func (k *Kernel) Boot(ctx context.Context) error {
	kinit := k.Sched.Init(initEntry)
	k.Sched.Kill(kinit.PID())
	k.booted = time.Now().UTC()

	if k.store != nil {
		run := &model.Run{
			ID:           k.runID,
			Label:        k.cfg.Label,
			TickInterval: k.cfg.TickInterval.String(),
			StartedAt:    k.booted,
		}
		if err := k.store.CreateRun(ctx, run); err != nil {
			return fmt.Errorf("register run: %w", err)
		}
	}
	k.logger.Info("kernel booted", "run_id", k.runID)
	return nil
}

// Spawn validates req, builds a user image for it and adds it to the ring.
// Validation failures are returned as *model.APIError.
func (k *Kernel) Spawn(req model.SpawnRequest) (model.ProcessInfo, error) {
	var details []model.FieldError
	if req.Name == "" {
		details = append(details, model.FieldError{Field: "name", Message: "required"})
	}
	if req.Quantum < 0 {
		details = append(details, model.FieldError{Field: "quantum", Message: "must not be negative"})
	}
	if req.Memory > k.cfg.MaxImageMemory {
		details = append(details, model.FieldError{
			Field:   "memory",
			Message: "exceeds the " + humanize.IBytes(k.cfg.MaxImageMemory) + " image limit",
		})
	}
	if req.Program != "" {
		if err := program.Check(req.Program); err != nil {
			details = append(details, model.FieldError{Field: "program", Message: err.Error()})
		}
	}
	if len(details) > 0 {
		return model.ProcessInfo{}, model.NewValidationError("invalid spawn request", details...)
	}

	img := process.Image{
		Name:    req.Name,
		Entry:   userEntry,
		Quantum: req.Quantum,
		Program: req.Program,
	}
	if req.Memory > 0 {
		img.Segments = []process.Segment{{Addr: userEntry, Size: req.Memory}}
	}
	rec, err := k.Factory.NewUser(img)
	if err != nil {
		return model.ProcessInfo{}, fmt.Errorf("build image: %w", err)
	}
	pid, err := k.Sched.AddProcess(rec)
	if err != nil {
		return model.ProcessInfo{}, err
	}
	info, ok := k.Process(pid)
	if !ok {
		return model.ProcessInfo{}, fmt.Errorf("pid %d vanished after spawn", pid)
	}
	return info, nil
}

// Process returns the snapshot of the live record with the given pid.
func (k *Kernel) Process(pid int) (model.ProcessInfo, bool) {
	for _, p := range k.Sched.Processes() {
		if p.PID == pid && p.State != model.ProcessStateDead {
			return p, true
		}
	}
	return model.ProcessInfo{}, false
}

// ErrIdle is returned when an operation targets the idle record.
var ErrIdle = errors.New("the idle process cannot be targeted")

// Kill terminates pid. It reports false when no live record has that pid.
func (k *Kernel) Kill(pid int) (bool, error) {
	info, ok := k.Process(pid)
	if !ok {
		return false, nil
	}
	if info.Idle {
		return false, ErrIdle
	}
	return k.Sched.Kill(pid), nil
}

// Signal queues sig on pid.
func (k *Kernel) Signal(pid int, sig process.Signal) error {
	if !sig.Valid() {
		return fmt.Errorf("%w: %d", process.ErrInvalidSignal, int(sig))
	}
	return k.Sched.Notify(pid, sig)
}

// Run ticks until ctx is cancelled.
func (k *Kernel) Run(ctx context.Context) error {
	return k.Loop.Start(ctx)
}

// Shutdown stops tasking and releases every record.
func (k *Kernel) Shutdown() {
	k.Sched.Shutdown()
	k.logger.Info("kernel shut down", "run_id", k.runID, "ticks", k.Sched.Ticks())
}
