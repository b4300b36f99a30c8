package server

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/me/kproc/internal/process"
	"github.com/me/kproc/pkg/model"
)

// pidParam parses the {pid} URL parameter, answering 400 itself on failure.
func pidParam(w http.ResponseWriter, r *http.Request, reqID string) (int, bool) {
	raw := chi.URLParam(r, "pid")
	pid, err := strconv.Atoi(raw)
	if err != nil || pid <= 0 {
		respondError(w, reqID, http.StatusBadRequest,
			model.NewValidationError("invalid pid", model.FieldError{Field: "pid", Message: "must be a positive integer"}))
		return 0, false
	}
	return pid, true
}

// handleListProcesses returns the process table in ring order.
// GET /api/v1/processes
func (s *Server) handleListProcesses(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())

	procs := s.kernel.Sched.Processes()
	if r.URL.Query().Get("include_dead") != "true" {
		live := procs[:0]
		for _, p := range procs {
			if p.State != model.ProcessStateDead {
				live = append(live, p)
			}
		}
		procs = live
	}
	if procs == nil {
		procs = []model.ProcessInfo{}
	}

	respondList(w, reqID, procs, &model.Pagination{
		Total:  len(procs),
		Limit:  len(procs),
		Offset: 0,
	})
}

// handleGetProcess returns one live process.
// GET /api/v1/processes/{pid}
func (s *Server) handleGetProcess(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	pid, ok := pidParam(w, r, reqID)
	if !ok {
		return
	}

	info, ok := s.kernel.Process(pid)
	if !ok {
		respondError(w, reqID, http.StatusNotFound, model.NewNotFoundError("process", strconv.Itoa(pid)))
		return
	}
	respondOK(w, reqID, info)
}

// handleSpawnProcess creates a user process and links it after the running one.
// POST /api/v1/processes
func (s *Server) handleSpawnProcess(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())

	var req model.SpawnRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, reqID, http.StatusBadRequest,
			model.NewValidationError("invalid JSON: "+err.Error()))
		return
	}

	info, err := s.kernel.Spawn(req)
	if err != nil {
		s.respondFailure(w, reqID, err)
		return
	}

	s.logger.Info("process spawned", "pid", info.PID, "name", info.Name, "request_id", reqID)
	respondCreated(w, reqID, info)
}

// handleKillProcess terminates a process.
// DELETE /api/v1/processes/{pid}
func (s *Server) handleKillProcess(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	pid, ok := pidParam(w, r, reqID)
	if !ok {
		return
	}

	killed, err := s.kernel.Kill(pid)
	if err == nil && !killed {
		err = model.NewNotFoundError("process", strconv.Itoa(pid))
	}
	if err != nil {
		s.respondFailure(w, reqID, err)
		return
	}
	respondOK(w, reqID, map[string]any{"pid": pid, "killed": true})
}

// handleSignalProcess queues a signal on a process.
// POST /api/v1/processes/{pid}/signal
func (s *Server) handleSignalProcess(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	pid, ok := pidParam(w, r, reqID)
	if !ok {
		return
	}

	var req model.SignalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, reqID, http.StatusBadRequest,
			model.NewValidationError("invalid JSON: "+err.Error()))
		return
	}
	sig := process.Signal(req.Signal)

	if err := s.kernel.Signal(pid, sig); err != nil {
		s.respondFailure(w, reqID, err)
		return
	}
	respondOK(w, reqID, map[string]any{"pid": pid, "signal": sig.String(), "queued": true})
}
