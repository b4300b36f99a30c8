// Package process defines the process record: the unit of schedulable
// state, its signal sub-context bookkeeping, and the factory that creates
// kernel-origin and user-origin records.
//
// Records are not safe for concurrent use. The scheduler owns every record
// in its ring and serializes all access.
package process

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/me/kproc/internal/ring"
	"github.com/me/kproc/pkg/model"
)

const ptrSize = 8

var (
	// ErrDead is returned when an operation needs a live record.
	ErrDead = errors.New("process is dead")

	// ErrUncatchable is returned when installing a handler for SIGKILL.
	ErrUncatchable = errors.New("signal cannot be caught")

	// ErrInvalidSignal is returned for signal numbers out of range.
	ErrInvalidSignal = errors.New("invalid signal")
)

// Registers is a saved CPU context. SP is the value restored by a context
// switch; the rest travels on the stack it points into.
type Registers struct {
	SP    uintptr
	IP    uintptr
	Flags uintptr
	GP    [8]uintptr
}

// Stack is a contiguous stack region growing down from Top.
type Stack struct {
	Base uintptr
	Size uintptr
}

// Top returns the initial stack pointer of the region.
func (s Stack) Top() uintptr { return s.Base + s.Size }

// Blocker is a condition a yielding record waits on.
type Blocker interface {
	IsReady() bool
}

// BlockerFunc adapts a function to the Blocker interface.
type BlockerFunc func() bool

// IsReady implements Blocker.
func (f BlockerFunc) IsReady() bool { return f() }

// Countdown is a Blocker that becomes ready after it has been polled n times.
// The scheduler polls blockers once per tick, so it models a sleep.
type Countdown struct {
	remaining int
}

// NewCountdown returns a blocker ready after n polls.
func NewCountdown(n int) *Countdown {
	return &Countdown{remaining: n}
}

// IsReady implements Blocker.
func (c *Countdown) IsReady() bool {
	if c.remaining <= 0 {
		return true
	}
	c.remaining--
	return c.remaining == 0
}

// Record is a process record.
type Record struct {
	pid     int
	name    string
	origin  model.Origin
	state   model.ProcessState
	quantum int
	program string

	regs        Registers
	signalRegs  Registers
	kernelStack Stack
	signalStack Stack
	space       AddressSpace

	handlers map[Signal]uintptr
	pending  []Signal

	inSignalHandler     bool
	readyToHandleSignal bool
	justFinishedSignal  bool

	blocker   Blocker
	link      ring.Handle
	destroyed bool
}

// PID returns the process id.
func (r *Record) PID() int { return r.pid }

// Name returns the process name.
func (r *Record) Name() string { return r.name }

// Origin reports whether the record was created for kernel or user code.
func (r *Record) Origin() model.Origin { return r.origin }

// Quantum returns the number of ticks the record runs when chosen.
func (r *Record) Quantum() int { return r.quantum }

// Program returns the simulated program source attached to a user image.
func (r *Record) Program() string { return r.program }

// State returns the scheduling state.
func (r *Record) State() model.ProcessState { return r.state }

// IsYielding reports whether the record has relinquished the CPU without
// terminating.
func (r *Record) IsYielding() bool { return r.state == model.ProcessStateYielding }

// IsDead reports whether the record has terminated.
func (r *Record) IsDead() bool { return r.state == model.ProcessStateDead }

// Runnable reports whether the record may be selected.
func (r *Record) Runnable() bool {
	return r.state == model.ProcessStateRunnable || r.state == model.ProcessStateRunning
}

// Transition moves the record to next, rejecting moves the lifecycle does
// not allow.
func (r *Record) Transition(next model.ProcessState) error {
	if !r.state.CanTransitionTo(next) {
		return &model.InvalidTransitionError{
			Entity: "Process",
			ID:     strconv.Itoa(r.pid),
			From:   r.state.String(),
			To:     next.String(),
		}
	}
	r.state = next
	return nil
}

// MarkDead terminates the record. It is idempotent.
func (r *Record) MarkDead() {
	r.state = model.ProcessStateDead
	r.blocker = nil
}

// Link returns the record's position in the scheduler ring.
func (r *Record) Link() ring.Handle { return r.link }

// SetLink records the record's position in the scheduler ring. The handle is
// navigation only; the ring owns the record.
func (r *Record) SetLink(h ring.Handle) { r.link = h }

// Registers returns the normal-context register snapshot.
func (r *Record) Registers() *Registers { return &r.regs }

// SignalRegisters returns the signal sub-context register snapshot.
func (r *Record) SignalRegisters() *Registers { return &r.signalRegs }

// AddressSpace returns the record's paging context.
func (r *Record) AddressSpace() AddressSpace { return r.space }

// UsedMemory reports the memory privately mapped for the record.
func (r *Record) UsedMemory() uint64 {
	if r.space == nil {
		return 0
	}
	return r.space.UsedMemory()
}

// StackSlot returns the saved stack pointer a context switch uses for this
// record: the signal sub-context one while a handler runs, the normal one
// otherwise.
func (r *Record) StackSlot() *uintptr {
	if r.inSignalHandler {
		return &r.signalRegs.SP
	}
	return &r.regs.SP
}

// KernelStackTop returns the stack top the CPU uses on the next privilege
// transition into this record.
func (r *Record) KernelStackTop() uintptr {
	if r.inSignalHandler {
		return r.signalStack.Top()
	}
	return r.kernelStack.Top()
}

// Block moves a schedulable record to YIELDING until b is ready.
func (r *Record) Block(b Blocker) error {
	if err := r.Transition(model.ProcessStateYielding); err != nil {
		return err
	}
	r.blocker = b
	return nil
}

// Wake returns a yielding record to RUNNABLE once its blocker is ready.
// It reports whether the record was woken.
func (r *Record) Wake() bool {
	if r.state != model.ProcessStateYielding {
		return false
	}
	if r.blocker != nil && !r.blocker.IsReady() {
		return false
	}
	r.blocker = nil
	r.state = model.ProcessStateRunnable
	return true
}

// Destroy releases the record's resources and marks it dead. Only the first
// call has any effect.
func (r *Record) Destroy() error {
	if r.destroyed {
		return nil
	}
	r.destroyed = true
	r.MarkDead()
	r.handlers = nil
	r.pending = nil
	if r.space == nil {
		return nil
	}
	if err := r.space.Release(); err != nil {
		return fmt.Errorf("release address space of pid %d: %w", r.pid, err)
	}
	return nil
}

// Destroyed reports whether Destroy has run.
func (r *Record) Destroyed() bool { return r.destroyed }

// Info returns a snapshot of the record.
func (r *Record) Info() model.ProcessInfo {
	info := model.ProcessInfo{
		PID:         r.pid,
		Name:        r.name,
		Origin:      r.origin,
		State:       r.state,
		SignalPhase: r.SignalPhase(),
		Quantum:     r.quantum,
		UsedMemory:  r.UsedMemory(),
	}
	for _, sig := range r.pending {
		info.PendingSignals = append(info.PendingSignals, int(sig))
	}
	return info
}

// String implements fmt.Stringer.
func (r *Record) String() string {
	return fmt.Sprintf("[%d] %s", r.pid, r.name)
}
