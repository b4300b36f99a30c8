package model

import "time"

// EventKind classifies scheduler trace events.
type EventKind string

const (
	EventSwitch EventKind = "switch" // context transfer between two records
	EventReap   EventKind = "reap"   // dead record unlinked and destroyed
	EventSignal EventKind = "signal" // signal disposition taken by the delivery hook
	EventExit   EventKind = "exit"   // record marked dead
)

// Event is one entry of the scheduler trace.
type Event struct {
	ID            int64     `json:"id,omitempty"`
	RunID         string    `json:"run_id"`
	Tick          uint64    `json:"tick"`
	Kind          EventKind `json:"kind"`
	FromPID       int       `json:"from_pid,omitempty"`
	FromName      string    `json:"from_name,omitempty"`
	ToPID         int       `json:"to_pid,omitempty"`
	ToName        string    `json:"to_name,omitempty"`
	SignalContext bool      `json:"signal_context,omitempty"`
	Signal        int       `json:"signal,omitempty"`
	Detail        string    `json:"detail,omitempty"`
	At            time.Time `json:"at"`
}
