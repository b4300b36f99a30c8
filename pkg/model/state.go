package model

// ProcessState represents the scheduling state of a process record.
type ProcessState string

const (
	ProcessStateRunning  ProcessState = "RUNNING"
	ProcessStateRunnable ProcessState = "RUNNABLE"
	ProcessStateYielding ProcessState = "YIELDING"
	ProcessStateDead     ProcessState = "DEAD"
)

// String returns the string representation of the process state.
func (s ProcessState) String() string {
	return string(s)
}

// IsTerminal returns true if the process can never be scheduled again.
func (s ProcessState) IsTerminal() bool {
	return s == ProcessStateDead
}

// ValidProcessTransitions defines the allowed state transitions for processes.
var ValidProcessTransitions = map[ProcessState][]ProcessState{
	ProcessStateRunnable: {ProcessStateRunning, ProcessStateYielding, ProcessStateDead},
	ProcessStateRunning:  {ProcessStateRunnable, ProcessStateYielding, ProcessStateDead},
	ProcessStateYielding: {ProcessStateRunnable, ProcessStateDead},
}

// CanTransitionTo returns true if moving from the current state to next is valid.
func (s ProcessState) CanTransitionTo(next ProcessState) bool {
	for _, allowed := range ValidProcessTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// SignalPhase is the position of a process in the signal sub-context
// state machine. It is derived from the process signal flags.
type SignalPhase string

const (
	SignalPhaseNormal       SignalPhase = "NORMAL"
	SignalPhasePendingEntry SignalPhase = "PENDING_ENTRY"
	SignalPhaseInHandler    SignalPhase = "IN_HANDLER"
	SignalPhasePendingExit  SignalPhase = "PENDING_EXIT"
)

// String returns the string representation of the signal phase.
func (p SignalPhase) String() string {
	return string(p)
}

// ValidSignalTransitions defines the allowed signal phase transitions.
var ValidSignalTransitions = map[SignalPhase][]SignalPhase{
	SignalPhaseNormal:       {SignalPhasePendingEntry},
	SignalPhasePendingEntry: {SignalPhaseInHandler},
	SignalPhaseInHandler:    {SignalPhasePendingExit},
	SignalPhasePendingExit:  {SignalPhaseNormal},
}

// CanTransitionTo returns true if moving from the current phase to next is valid.
func (p SignalPhase) CanTransitionTo(next SignalPhase) bool {
	for _, allowed := range ValidSignalTransitions[p] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Origin identifies how a process record was created.
type Origin string

const (
	OriginKernel Origin = "kernel"
	OriginUser   Origin = "user"
)
