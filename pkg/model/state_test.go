package model

import "testing"

func TestProcessState_IsTerminal(t *testing.T) {
	tests := []struct {
		state    ProcessState
		terminal bool
	}{
		{ProcessStateRunning, false},
		{ProcessStateRunnable, false},
		{ProcessStateYielding, false},
		{ProcessStateDead, true},
	}
	for _, tt := range tests {
		if got := tt.state.IsTerminal(); got != tt.terminal {
			t.Errorf("ProcessState(%q).IsTerminal() = %v, want %v", tt.state, got, tt.terminal)
		}
	}
}

func TestProcessState_CanTransitionTo(t *testing.T) {
	tests := []struct {
		from  ProcessState
		to    ProcessState
		valid bool
	}{
		// Valid transitions
		{ProcessStateRunnable, ProcessStateRunning, true},
		{ProcessStateRunnable, ProcessStateYielding, true},
		{ProcessStateRunnable, ProcessStateDead, true},
		{ProcessStateRunning, ProcessStateRunnable, true},
		{ProcessStateRunning, ProcessStateYielding, true},
		{ProcessStateRunning, ProcessStateDead, true},
		{ProcessStateYielding, ProcessStateRunnable, true},
		{ProcessStateYielding, ProcessStateDead, true},

		// Invalid transitions
		{ProcessStateYielding, ProcessStateRunning, false},
		{ProcessStateDead, ProcessStateRunnable, false},
		{ProcessStateDead, ProcessStateRunning, false},
		{ProcessStateDead, ProcessStateYielding, false},
		{ProcessStateRunning, ProcessStateRunning, false},
	}
	for _, tt := range tests {
		if got := tt.from.CanTransitionTo(tt.to); got != tt.valid {
			t.Errorf("ProcessState(%q).CanTransitionTo(%q) = %v, want %v", tt.from, tt.to, got, tt.valid)
		}
	}
}

func TestSignalPhase_CanTransitionTo(t *testing.T) {
	tests := []struct {
		from  SignalPhase
		to    SignalPhase
		valid bool
	}{
		{SignalPhaseNormal, SignalPhasePendingEntry, true},
		{SignalPhasePendingEntry, SignalPhaseInHandler, true},
		{SignalPhaseInHandler, SignalPhasePendingExit, true},
		{SignalPhasePendingExit, SignalPhaseNormal, true},

		{SignalPhaseNormal, SignalPhaseInHandler, false},
		{SignalPhasePendingEntry, SignalPhaseNormal, false},
		{SignalPhaseInHandler, SignalPhaseNormal, false},
		{SignalPhasePendingExit, SignalPhaseInHandler, false},
	}
	for _, tt := range tests {
		if got := tt.from.CanTransitionTo(tt.to); got != tt.valid {
			t.Errorf("SignalPhase(%q).CanTransitionTo(%q) = %v, want %v", tt.from, tt.to, got, tt.valid)
		}
	}
}
