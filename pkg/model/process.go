package model

// ProcessInfo is a point-in-time view of a process record, one row of `ps`.
type ProcessInfo struct {
	PID            int          `json:"pid"`
	Name           string       `json:"name"`
	Origin         Origin       `json:"origin"`
	State          ProcessState `json:"state"`
	SignalPhase    SignalPhase  `json:"signal_phase"`
	Quantum        int          `json:"quantum"`
	UsedMemory     uint64       `json:"used_memory"`
	PendingSignals []int        `json:"pending_signals,omitempty"`
	Current        bool         `json:"current"`
	Idle           bool         `json:"idle,omitempty"`
}
