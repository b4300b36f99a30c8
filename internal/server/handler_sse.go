package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/me/kproc/pkg/model"
)

type processSnapshot struct {
	Tick      uint64              `json:"tick"`
	Processes []model.ProcessInfo `json:"processes"`
}

// handleSSEProcesses streams the process table via Server-Sent Events.
// GET /api/v1/sse/processes
func (s *Server) handleSSEProcesses(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable nginx buffering

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "SSE not supported", http.StatusInternalServerError)
		return
	}

	sched := s.kernel.Sched
	snapshot := func() processSnapshot {
		return processSnapshot{Tick: sched.Ticks(), Processes: sched.Processes()}
	}

	last := snapshot()
	if err := sendSSEEvent(w, flusher, "init", last); err != nil {
		s.logger.Debug("sse client disconnected", "error", err)
		return
	}

	ticker := time.NewTicker(s.sseInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			if !sched.TaskingEnabled() {
				if err := sendSSEEvent(w, flusher, "shutdown", snapshot()); err != nil {
					s.logger.Debug("sse client disconnected before shutdown", "error", err)
				}
				return
			}
			cur := snapshot()
			if cur.Tick == last.Tick {
				if _, err := fmt.Fprint(w, ": heartbeat\n\n"); err != nil {
					s.logger.Debug("sse client disconnected", "error", err)
					return
				}
				flusher.Flush()
				continue
			}
			if err := sendSSEEvent(w, flusher, "update", cur); err != nil {
				s.logger.Debug("sse client disconnected", "error", err)
				return
			}
			last = cur
		}
	}
}

func sendSSEEvent(w http.ResponseWriter, flusher http.Flusher, event string, data any) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return err
	}

	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, jsonData)
	if err != nil {
		return err
	}

	flusher.Flush()
	return nil
}
