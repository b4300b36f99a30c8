package model

import "time"

// Run identifies one boot of the scheduler. Trace events carry its id.
type Run struct {
	ID           string    `json:"id"`
	Label        string    `json:"label,omitempty"`
	TickInterval string    `json:"tick_interval"`
	StartedAt    time.Time `json:"started_at"`
}
