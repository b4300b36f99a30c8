// Package scheduler implements the preemptive process scheduler: the ring
// of live records, the running record, quantum accounting, lazy reclamation
// of dead records, and the routing of records into and out of their signal
// sub-contexts at context switch time.
//
// The design is single core. A mutex stands in for the CPU itself so that
// goroutines acting as interrupt sources and process code are serialized;
// above it, the tasking gate is the only scheduling-level exclusion.
package scheduler

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/me/kproc/internal/cpu"
	"github.com/me/kproc/internal/process"
	"github.com/me/kproc/internal/ring"
	"github.com/me/kproc/pkg/model"
)

const idleEntry uintptr = 0x0010_1000

var (
	// ErrNotInitialized is returned by operations that need a booted scheduler.
	ErrNotInitialized = errors.New("scheduler not initialized")

	// ErrNoSuchProcess is returned when a pid does not resolve to a live record.
	ErrNoSuchProcess = errors.New("no such process")

	// ErrNotRunning is returned when an operation on behalf of a record's own
	// execution finds that record is no longer the live running one.
	ErrNotRunning = errors.New("process is not running")
)

// Panic is raised for precondition violations that indicate a kernel bug.
// It is never returned as an error.
type Panic struct {
	Reason string
}

func (p *Panic) Error() string {
	return "kernel panic: " + p.Reason
}

func fatalf(format string, args ...any) {
	panic(&Panic{Reason: fmt.Sprintf(format, args...)})
}

// Interrupts reports whether the CPU is executing an interrupt handler.
type Interrupts interface {
	InInterrupt() bool
}

// Option configures optional Scheduler settings.
type Option func(*Scheduler)

// WithRunID tags every trace event with id.
func WithRunID(id string) Option {
	return func(s *Scheduler) {
		s.runID = id
	}
}

// WithClock overrides the time source used for trace events.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) {
		s.now = now
	}
}

// Scheduler owns the process ring, the running record and the quantum
// countdown. One instance exists per kernel.
type Scheduler struct {
	mu sync.Mutex

	ring           *ring.Ring[*process.Record]
	idle           ring.Handle
	current        ring.Handle
	quantumCounter int
	taskingEnabled bool
	initialized    bool
	ticks          uint64
	reaped         int

	switcher cpu.Switcher
	irq      Interrupts
	factory  *process.Factory
	logger   *slog.Logger
	runID    string
	now      func() time.Time
	events   []model.Event
}

// New creates a Scheduler. Init must be called before it schedules anything.
func New(sw cpu.Switcher, irq Interrupts, factory *process.Factory, logger *slog.Logger, opts ...Option) *Scheduler {
	s := &Scheduler{
		ring:     ring.New[*process.Record](),
		switcher: sw,
		irq:      irq,
		factory:  factory,
		logger:   logger.With("component", "scheduler"),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Init creates the idle record and the initial kernel record, links them as
// the sole two members of the ring, and performs the first context transfer
// into the idle record. The first tick switches to the initial record.
// It returns the initial record.
func (s *Scheduler) Init(initEntry uintptr) *process.Record {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.initialized {
		fatalf("scheduler initialized twice")
	}

	idle := s.factory.NewKernel("kidle", idleEntry)
	kinit := s.factory.NewKernel("kinit", initEntry)

	s.idle = s.ring.Insert(idle)
	idle.SetLink(s.idle)
	kinit.SetLink(s.ring.Insert(kinit))

	s.current = s.idle
	s.quantumCounter = 0
	if err := idle.Transition(model.ProcessStateRunning); err != nil {
		fatalf("start idle: %v", err)
	}
	s.switcher.SetKernelStack(idle.KernelStackTop())
	s.switcher.Start(idle.StackSlot(), idle.AddressSpace())

	s.initialized = true
	s.taskingEnabled = true
	s.logger.Info("tasking initialized", "idle_pid", idle.PID(), "init_pid", kinit.PID())
	return kinit
}

// suspendTasking closes the tasking gate and returns a func restoring it.
func (s *Scheduler) suspendTasking() func() {
	prev := s.taskingEnabled
	s.taskingEnabled = false
	return func() { s.taskingEnabled = prev }
}

func (s *Scheduler) get(h ring.Handle) *process.Record {
	rec, ok := s.ring.Get(h)
	if !ok {
		fatalf("ring handle %s does not resolve", h)
	}
	return rec
}

// lookup resolves pid to a live record. Dead records are skipped.
func (s *Scheduler) lookup(pid int) (*process.Record, ring.Handle, bool) {
	h, ok := s.ring.Find(s.idle, func(r *process.Record) bool {
		return r.PID() == pid && !r.IsDead()
	})
	if !ok {
		return nil, ring.Handle{}, false
	}
	return s.get(h), h, true
}

// CurrentProcess returns the running record, or nil before Init.
func (s *Scheduler) CurrentProcess() *process.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.initialized {
		return nil
	}
	return s.get(s.current)
}

// ProcessForPID returns the live record with the given pid. A pid that was
// already reaped is a normal outcome and reports false.
func (s *Scheduler) ProcessForPID(pid int) (*process.Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, _, ok := s.lookup(pid)
	return rec, ok
}

// AddProcess links rec into the ring right after the running record and
// returns its pid.
func (s *Scheduler) AddProcess(rec *process.Record) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.initialized {
		return 0, ErrNotInitialized
	}
	if rec.IsDead() {
		return 0, fmt.Errorf("add pid %d: %w", rec.PID(), process.ErrDead)
	}

	restore := s.suspendTasking()
	h, err := s.ring.InsertAfter(s.current, rec)
	if err != nil {
		fatalf("insert after current: %v", err)
	}
	rec.SetLink(h)
	restore()

	s.logger.Info("process added", "pid", rec.PID(), "name", rec.Name(), "quantum", rec.Quantum())
	return rec.PID(), nil
}

// Kill terminates the live record with the given pid and reports whether
// one was found. Killing a pid that is already gone is a no-op.
//
// The running record cannot be destroyed while its stack is in use: it is
// marked dead and its quantum zeroed, so the next timer tick switches away
// from it and a later selection scan reclaims it. A record ending its own
// execution uses Terminate instead.
func (s *Scheduler) Kill(pid int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, h, ok := s.lookup(pid)
	if !ok {
		return false
	}
	if h == s.idle {
		fatalf("attempt to kill the idle process")
	}

	if h == s.current {
		rec.MarkDead()
		s.emit(model.Event{Kind: model.EventExit, FromPID: rec.PID(), FromName: rec.Name(), Detail: "killed"})
		s.logger.Info("running process killed", "pid", rec.PID(), "name", rec.Name())
		s.quantumCounter = 0
		return true
	}

	restore := s.suspendTasking()
	s.ring.Remove(h)
	rec.MarkDead()
	s.emit(model.Event{Kind: model.EventExit, FromPID: rec.PID(), FromName: rec.Name(), Detail: "killed"})
	s.destroy(rec)
	restore()
	return true
}

// Terminate ends the running record from its own execution and switches
// away at once. detail is stored with the exit event. It returns
// ErrNotRunning when pid is not the live running record.
func (s *Scheduler) Terminate(pid int, detail string) error {
	if s.irq.InInterrupt() {
		fatalf("terminate called from interrupt context")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkRunning(pid); err != nil {
		return fmt.Errorf("terminate: %w", err)
	}
	rec := s.get(s.current)
	rec.MarkDead()
	s.emit(model.Event{Kind: model.EventExit, FromPID: rec.PID(), FromName: rec.Name(), Detail: detail})
	s.logger.Info("process exiting", "pid", rec.PID(), "name", rec.Name(), "detail", detail)
	s.quantumCounter = 0
	s.preemptLocked()
	return nil
}

// checkRunning reports ErrNotRunning unless pid is the live running record.
// Callers hold s.mu.
func (s *Scheduler) checkRunning(pid int) error {
	if !s.initialized {
		return ErrNotInitialized
	}
	rec := s.get(s.current)
	if rec.PID() != pid || rec.IsDead() {
		return fmt.Errorf("pid %d: %w", pid, ErrNotRunning)
	}
	return nil
}

// Running reports whether pid is the live running record.
func (s *Scheduler) Running(pid int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.checkRunning(pid) == nil
}

// destroy releases a record that has already been unlinked.
func (s *Scheduler) destroy(rec *process.Record) {
	if err := rec.Destroy(); err != nil {
		s.logger.Error("destroy process", "pid", rec.PID(), "error", err)
	}
	s.reaped++
	s.emit(model.Event{Kind: model.EventReap, FromPID: rec.PID(), FromName: rec.Name()})
	s.logger.Info("process reaped", "pid", rec.PID(), "name", rec.Name())
}

// NotifyCurrent queues sig on the running record.
func (s *Scheduler) NotifyCurrent(sig process.Signal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.initialized {
		return ErrNotInitialized
	}
	return s.get(s.current).Notify(sig)
}

// Notify queues sig on the live record with the given pid.
func (s *Scheduler) Notify(pid int, sig process.Signal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, h, ok := s.lookup(pid)
	if !ok {
		return fmt.Errorf("signal %s to pid %d: %w", sig, pid, ErrNoSuchProcess)
	}
	if h == s.idle {
		return fmt.Errorf("signal %s to idle: %w", sig, ErrNoSuchProcess)
	}
	return rec.Notify(sig)
}

// SetHandler installs a signal handler entry on the live record with the
// given pid. A zero entry restores the default disposition.
func (s *Scheduler) SetHandler(pid int, sig process.Signal, entry uintptr) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, _, ok := s.lookup(pid)
	if !ok {
		return fmt.Errorf("install handler on pid %d: %w", pid, ErrNoSuchProcess)
	}
	return rec.SetHandler(sig, entry)
}

// Yield gives up the rest of the running record's quantum and switches
// immediately. Calling it from interrupt context is a kernel bug.
func (s *Scheduler) Yield() {
	if s.irq.InInterrupt() {
		fatalf("yield called from interrupt context")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.quantumCounter = 0
	s.preemptLocked()
}

// YieldPID is Yield on behalf of pid. Nothing happens unless pid is still
// the live running record.
func (s *Scheduler) YieldPID(pid int) error {
	if s.irq.InInterrupt() {
		fatalf("yield called from interrupt context")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkRunning(pid); err != nil {
		return fmt.Errorf("yield: %w", err)
	}
	s.quantumCounter = 0
	s.preemptLocked()
	return nil
}

// BlockOn parks the running record until b is ready and switches away.
// Blocking I/O paths use it in place of a bare Yield loop.
func (s *Scheduler) BlockOn(b process.Blocker) error {
	if s.irq.InInterrupt() {
		fatalf("block called from interrupt context")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.initialized {
		return ErrNotInitialized
	}
	return s.blockLocked(b)
}

// BlockOnPID is BlockOn on behalf of pid. It returns ErrNotRunning, and
// blocks nothing, when pid is no longer the live running record.
func (s *Scheduler) BlockOnPID(pid int, b process.Blocker) error {
	if s.irq.InInterrupt() {
		fatalf("block called from interrupt context")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkRunning(pid); err != nil {
		return fmt.Errorf("block: %w", err)
	}
	return s.blockLocked(b)
}

func (s *Scheduler) blockLocked(b process.Blocker) error {
	if s.current == s.idle {
		fatalf("idle process attempted to block")
	}
	if err := s.get(s.current).Block(b); err != nil {
		return err
	}
	s.quantumCounter = 0
	s.preemptLocked()
	return nil
}

// SignalReturn is the handler-return path: it marks the running record's
// handler as finished and yields so the record is switched back onto its
// normal context.
func (s *Scheduler) SignalReturn() error {
	if s.irq.InInterrupt() {
		fatalf("sigreturn called from interrupt context")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.initialized {
		return ErrNotInitialized
	}
	return s.signalReturnLocked()
}

// SignalReturnPID is SignalReturn on behalf of pid. It returns
// ErrNotRunning when pid is no longer the live running record.
func (s *Scheduler) SignalReturnPID(pid int) error {
	if s.irq.InInterrupt() {
		fatalf("sigreturn called from interrupt context")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkRunning(pid); err != nil {
		return fmt.Errorf("sigreturn: %w", err)
	}
	return s.signalReturnLocked()
}

func (s *Scheduler) signalReturnLocked() error {
	if err := s.get(s.current).FinishSignal(); err != nil {
		return err
	}
	s.quantumCounter = 0
	s.preemptLocked()
	return nil
}

// Preempt is the timer tick entry point.
func (s *Scheduler) Preempt() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.preemptLocked()
}

func (s *Scheduler) preemptLocked() {
	if !s.taskingEnabled {
		return
	}
	s.ticks++

	s.deliverSignals()

	if s.quantumCounter == 0 {
		s.switchNext()
	} else {
		s.quantumCounter--
	}
}

// deliverSignals runs the signal delivery hook for every live record in
// ring order and wakes yielding records whose blockers are ready.
func (s *Scheduler) deliverSignals() {
	s.ring.Do(s.idle, func(h ring.Handle, rec *process.Record) bool {
		if rec.IsDead() {
			return true
		}
		rec.Wake()

		d := rec.HandlePendingSignal()
		switch d.Outcome {
		case process.OutcomeNone:
			return true
		case process.OutcomeTerminate:
			if h == s.idle {
				s.logger.Warn("idle process ignored fatal signal", "signal", d.Signal)
				return true
			}
			rec.MarkDead()
			if h == s.current {
				s.quantumCounter = 0
			}
		}
		s.emit(model.Event{
			Kind:   model.EventSignal,
			ToPID:  rec.PID(),
			ToName: rec.Name(),
			Signal: int(d.Signal),
			Detail: d.Outcome.String(),
		})
		s.logger.Debug("signal delivered", "pid", rec.PID(), "signal", d.Signal, "outcome", d.Outcome)
		return true
	})
}

// nextProcess picks the record to run next. Starting after the running
// record it skips yielding records and unlinks and destroys dead ones as it
// meets them. The idle record is only chosen when nothing else can run. The
// outgoing record is considered last and is never reclaimed here, since the
// switch still saves its context.
func (s *Scheduler) nextProcess() ring.Handle {
	if !s.ring.Contains(s.idle) {
		fatalf("process ring lost the idle record")
	}

	outgoing := s.current
	h, _ := s.ring.Next(outgoing)
	for {
		rec := s.get(h)
		next, _ := s.ring.Next(h)

		if rec.IsDead() && h != outgoing {
			s.ring.Remove(h)
			s.destroy(rec)
			h = next
			continue
		}
		if h != s.idle && rec.Runnable() {
			return h
		}
		if h == outgoing {
			return s.idle
		}
		h = next
	}
}

// switchNext selects the incoming record, settles both records' signal
// sub-contexts and performs the transfer. Everything is decided before the
// switch call, because code after it only runs again once the outgoing
// record is scheduled back in.
func (s *Scheduler) switchNext() {
	outH := s.current
	out := s.get(outH)
	inH := s.nextProcess()
	in := s.get(inH)

	s.quantumCounter = in.Quantum() - 1
	if s.quantumCounter < 0 {
		s.quantumCounter = 0
	}

	// The outgoing slot is chosen before a finished handler is dropped, so
	// the signal context absorbs the save and the normal one stays intact.
	from := out.StackSlot()
	if out.JustFinishedSignal() {
		if err := out.LeaveSignalHandler(); err != nil {
			fatalf("leave signal handler of pid %d: %v", out.PID(), err)
		}
	}
	if in.ReadyToHandleSignal() {
		if err := in.EnterSignalHandler(); err != nil {
			fatalf("enter signal handler of pid %d: %v", in.PID(), err)
		}
	}
	to := in.StackSlot()

	if inH != outH && out.State() == model.ProcessStateRunning {
		if err := out.Transition(model.ProcessStateRunnable); err != nil {
			fatalf("%v", err)
		}
	}
	if in.State() != model.ProcessStateRunning {
		if err := in.Transition(model.ProcessStateRunning); err != nil {
			fatalf("%v", err)
		}
	}
	s.current = inH

	s.emit(model.Event{
		Kind:          model.EventSwitch,
		FromPID:       out.PID(),
		FromName:      out.Name(),
		ToPID:         in.PID(),
		ToName:        in.Name(),
		SignalContext: in.InSignalHandler(),
	})
	s.logger.Debug("switch", "from", out.PID(), "to", in.PID(), "signal_context", in.InSignalHandler(), "quantum", s.quantumCounter)

	s.switcher.SetKernelStack(in.KernelStackTop())
	s.switcher.Switch(from, to, in.AddressSpace())
}

func (s *Scheduler) emit(ev model.Event) {
	ev.RunID = s.runID
	ev.Tick = s.ticks
	ev.At = s.now().UTC()
	s.events = append(s.events, ev)
}

// Drain returns and clears the buffered trace events.
func (s *Scheduler) Drain() []model.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev := s.events
	s.events = nil
	return ev
}

// Processes returns a snapshot of every record in ring order, starting at
// the idle record.
func (s *Scheduler) Processes() []model.ProcessInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.ProcessInfo
	s.ring.Do(s.idle, func(h ring.Handle, rec *process.Record) bool {
		info := rec.Info()
		info.Current = h == s.current
		info.Idle = h == s.idle
		out = append(out, info)
		return true
	})
	return out
}

// TaskingEnabled reports whether the tasking gate is open.
func (s *Scheduler) TaskingEnabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.taskingEnabled
}

// Ticks returns the number of preemption ticks taken.
func (s *Scheduler) Ticks() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ticks
}

// Reaped returns how many records have been destroyed.
func (s *Scheduler) Reaped() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reaped
}

// Len returns the number of records in the ring, dead ones included.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ring.Len()
}

// CheckRing validates the ring's cycle and the presence of the idle record.
func (s *Scheduler) CheckRing() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ring.Validate(); err != nil {
		return err
	}
	if s.initialized && !s.ring.Contains(s.idle) {
		return errors.New("idle record missing from ring")
	}
	return nil
}

// Shutdown closes the tasking gate and destroys every record. The scheduler
// cannot be used afterwards.
func (s *Scheduler) Shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.initialized {
		return
	}
	s.taskingEnabled = false

	var all []ring.Handle
	s.ring.Do(s.idle, func(h ring.Handle, _ *process.Record) bool {
		all = append(all, h)
		return true
	})
	for _, h := range all {
		rec, _ := s.ring.Remove(h)
		rec.MarkDead()
		if err := rec.Destroy(); err != nil {
			s.logger.Error("destroy process", "pid", rec.PID(), "error", err)
		}
	}
	s.initialized = false
	s.current = ring.Handle{}
	s.idle = ring.Handle{}
	s.logger.Info("tasking shut down")
}
