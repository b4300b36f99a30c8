package server

import "net/http"

type endpointInfo struct {
	Path        string   `json:"path"`
	Methods     []string `json:"methods"`
	Description string   `json:"description"`
}

type discoveryResponse struct {
	Name        string         `json:"name"`
	Version     string         `json:"version"`
	Description string         `json:"description"`
	Endpoints   []endpointInfo `json:"endpoints"`
}

func (s *Server) handleDiscovery(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	respondOK(w, reqID, discoveryResponse{
		Name:        "kproc API",
		Version:     "v1",
		Description: "Preemptive process scheduler simulator: process ring, signals and scheduling trace",
		Endpoints: []endpointInfo{
			{"/api/v1/processes", []string{"GET", "POST"}, "Process table in ring order; POST spawns a user process"},
			{"/api/v1/processes/{pid}", []string{"GET", "DELETE"}, "Single process; DELETE kills it"},
			{"/api/v1/processes/{pid}/signal", []string{"POST"}, "Queue a signal on a process"},
			{"/api/v1/events", []string{"GET"}, "Scheduler trace (switch, reap, signal, exit), filterable by run_id, kind and pid"},
			{"/api/v1/sse/processes", []string{"GET"}, "Live process table over Server-Sent Events"},
			{"/api/v1/health", []string{"GET"}, "Server health, scheduler counters and version"},
		},
	})
}
