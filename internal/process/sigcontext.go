package process

import (
	"fmt"
	"strconv"

	"github.com/me/kproc/pkg/model"
)

// SignalPhase derives the signal sub-context phase from the record's flags.
func (r *Record) SignalPhase() model.SignalPhase {
	switch {
	case r.readyToHandleSignal:
		return model.SignalPhasePendingEntry
	case r.inSignalHandler && r.justFinishedSignal:
		return model.SignalPhasePendingExit
	case r.inSignalHandler:
		return model.SignalPhaseInHandler
	}
	return model.SignalPhaseNormal
}

// InSignalHandler reports whether the signal sub-context is live.
func (r *Record) InSignalHandler() bool { return r.inSignalHandler }

// HandlingSignal returns the signal whose handler the record is running, or
// zero outside a handler.
func (r *Record) HandlingSignal() Signal {
	if !r.inSignalHandler {
		return 0
	}
	return Signal(r.signalRegs.GP[0])
}

// ReadyToHandleSignal reports whether a handler entry is pending.
func (r *Record) ReadyToHandleSignal() bool { return r.readyToHandleSignal }

// JustFinishedSignal reports whether the handler returned and the record
// still runs on its signal sub-context.
func (r *Record) JustFinishedSignal() bool { return r.justFinishedSignal }

func (r *Record) advanceSignal(next model.SignalPhase) error {
	cur := r.SignalPhase()
	if !cur.CanTransitionTo(next) {
		return &model.InvalidTransitionError{
			Entity: "Signal",
			ID:     strconv.Itoa(r.pid),
			From:   cur.String(),
			To:     next.String(),
		}
	}
	switch next {
	case model.SignalPhasePendingEntry:
		r.readyToHandleSignal = true
	case model.SignalPhaseInHandler:
		r.readyToHandleSignal = false
		r.inSignalHandler = true
	case model.SignalPhasePendingExit:
		r.justFinishedSignal = true
	case model.SignalPhaseNormal:
		r.justFinishedSignal = false
		r.inSignalHandler = false
	}
	return nil
}

// EnterSignalHandler switches the record onto its prepared signal
// sub-context. The scheduler calls it when the record is the incoming side
// of a context switch.
func (r *Record) EnterSignalHandler() error {
	return r.advanceSignal(model.SignalPhaseInHandler)
}

// FinishSignal marks the running handler as returned. The record keeps
// executing on the signal sub-context until it is next switched out.
func (r *Record) FinishSignal() error {
	return r.advanceSignal(model.SignalPhasePendingExit)
}

// LeaveSignalHandler drops the signal sub-context so the next resumption
// uses the normal register snapshot.
func (r *Record) LeaveSignalHandler() error {
	return r.advanceSignal(model.SignalPhaseNormal)
}

// SetHandler installs entry as the handler for sig. A zero entry restores
// the default disposition.
func (r *Record) SetHandler(sig Signal, entry uintptr) error {
	if !sig.Valid() {
		return fmt.Errorf("%w: %d", ErrInvalidSignal, int(sig))
	}
	if !sig.Catchable() {
		return fmt.Errorf("%s: %w", sig, ErrUncatchable)
	}
	if entry == 0 {
		delete(r.handlers, sig)
		return nil
	}
	if r.handlers == nil {
		r.handlers = make(map[Signal]uintptr)
	}
	r.handlers[sig] = entry
	return nil
}

// Handler returns the handler entry installed for sig.
func (r *Record) Handler(sig Signal) (uintptr, bool) {
	entry, ok := r.handlers[sig]
	return entry, ok
}

// Notify queues sig for delivery. A signal already pending is not queued
// twice.
func (r *Record) Notify(sig Signal) error {
	if !sig.Valid() {
		return fmt.Errorf("%w: %d", ErrInvalidSignal, int(sig))
	}
	if r.IsDead() {
		return fmt.Errorf("notify pid %d: %w", r.pid, ErrDead)
	}
	for _, p := range r.pending {
		if p == sig {
			return nil
		}
	}
	r.pending = append(r.pending, sig)
	return nil
}

// HasPendingSignal reports whether any signal waits for delivery.
func (r *Record) HasPendingSignal() bool { return len(r.pending) > 0 }

// PendingSignals returns a copy of the pending queue.
func (r *Record) PendingSignals() []Signal {
	return append([]Signal(nil), r.pending...)
}

// HandlePendingSignal is the signal delivery hook, run once per tick for
// every live record. It takes the oldest pending signal when the record is
// not already in or about to enter a handler. With a handler installed it
// builds the signal sub-context and marks the record ready to handle it;
// otherwise it reports the default disposition and leaves acting on it to
// the scheduler.
func (r *Record) HandlePendingSignal() Delivery {
	if r.IsDead() || len(r.pending) == 0 {
		return Delivery{}
	}
	if r.inSignalHandler || r.readyToHandleSignal {
		return Delivery{}
	}

	sig := r.pending[0]
	r.pending = r.pending[1:]

	if entry, ok := r.handlers[sig]; ok {
		r.setupSignalContext(sig, entry)
		if err := r.advanceSignal(model.SignalPhasePendingEntry); err != nil {
			// Normal is the only phase reachable here.
			panic(err)
		}
		return Delivery{Signal: sig, Outcome: OutcomeHandler}
	}

	if sig.DefaultAction() == ActionIgnore {
		return Delivery{Signal: sig, Outcome: OutcomeIgnored}
	}
	return Delivery{Signal: sig, Outcome: OutcomeTerminate}
}

// setupSignalContext builds a fresh register snapshot that starts entry on
// the signal stack with the signal number as its argument and the return
// address slot left for the sigreturn trampoline.
func (r *Record) setupSignalContext(sig Signal, entry uintptr) {
	r.signalRegs = Registers{
		IP:    entry,
		SP:    r.signalStack.Top() - 2*ptrSize,
		Flags: r.regs.Flags,
	}
	r.signalRegs.GP[0] = uintptr(sig)
}
