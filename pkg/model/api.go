package model

import "time"

// Response is the standard API response envelope.
type Response struct {
	Status     string      `json:"status"`
	RequestID  string      `json:"request_id"`
	Timestamp  time.Time   `json:"timestamp"`
	Data       any         `json:"data"`
	Pagination *Pagination `json:"pagination,omitempty"`
	Error      *APIError   `json:"error"`
}

// Pagination holds pagination metadata for list endpoints.
type Pagination struct {
	Total   int  `json:"total"`
	Limit   int  `json:"limit"`
	Offset  int  `json:"offset"`
	HasMore bool `json:"has_more"`
}

// ListOptions configures list queries with pagination and filtering.
type ListOptions struct {
	Limit  int
	Offset int
	RunID  string    // Optional run filter
	Kind   EventKind // Optional event kind filter
	PID    int       // Optional pid filter (matches either side of a switch)
}

// DefaultListOptions returns sensible defaults.
func DefaultListOptions() ListOptions {
	return ListOptions{Limit: 50, Offset: 0}
}

// Clamp enforces limits (max 500, min 1).
func (o *ListOptions) Clamp() {
	if o.Limit <= 0 {
		o.Limit = 50
	}
	if o.Limit > 500 {
		o.Limit = 500
	}
	if o.Offset < 0 {
		o.Offset = 0
	}
}

// SpawnRequest is the body of POST /api/v1/processes.
type SpawnRequest struct {
	Name    string `json:"name"`
	Quantum int    `json:"quantum,omitempty"`
	Memory  uint64 `json:"memory,omitempty"` // bytes mapped for the image
	Program string `json:"program,omitempty"`
}

// SignalRequest is the body of POST /api/v1/processes/{pid}/signal.
type SignalRequest struct {
	Signal int `json:"signal"`
}
