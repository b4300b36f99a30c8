package server

import (
	"net/http"
	"runtime"
	"time"
)

type schedulerHealth struct {
	Tasking   bool   `json:"tasking"`
	Ticks     uint64 `json:"ticks"`
	Processes int    `json:"processes"`
	Reaped    int    `json:"reaped"`
}

type healthResponse struct {
	Status    string          `json:"status"`
	Version   string          `json:"version"`
	GoVersion string          `json:"go_version"`
	Uptime    string          `json:"uptime"`
	RunID     string          `json:"run_id"`
	Scheduler schedulerHealth `json:"scheduler"`
	Store     string          `json:"store"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	sched := s.kernel.Sched

	status := "healthy"
	if err := sched.CheckRing(); err != nil {
		s.logger.Error("ring check failed", "error", err)
		status = "degraded"
	}
	storeState := "disabled"
	if s.store != nil {
		storeState = "sqlite"
	}

	respondOK(w, reqID, healthResponse{
		Status:    status,
		Version:   "0.1.0",
		GoVersion: runtime.Version(),
		Uptime:    time.Since(s.startTime).Round(time.Second).String(),
		RunID:     s.kernel.RunID(),
		Scheduler: schedulerHealth{
			Tasking:   sched.TaskingEnabled(),
			Ticks:     sched.Ticks(),
			Processes: sched.Len(),
			Reaped:    sched.Reaped(),
		},
		Store: storeState,
	})
}
