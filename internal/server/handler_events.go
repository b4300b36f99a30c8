package server

import (
	"net/http"
	"strconv"

	"github.com/me/kproc/pkg/model"
)

var eventKinds = map[model.EventKind]bool{
	model.EventSwitch: true,
	model.EventReap:   true,
	model.EventSignal: true,
	model.EventExit:   true,
}

// handleListEvents pages through the scheduler trace.
// GET /api/v1/events?run_id=&kind=&pid=&limit=&offset=
func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	reqID := RequestIDFromContext(r.Context())
	if s.store == nil {
		respondError(w, reqID, http.StatusServiceUnavailable,
			model.NewUnavailableError("trace store is disabled"))
		return
	}

	opts := model.DefaultListOptions()
	q := r.URL.Query()
	var details []model.FieldError

	intParam := func(name string, dst *int) {
		v := q.Get(name)
		if v == "" {
			return
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			details = append(details, model.FieldError{Field: name, Message: "must be an integer"})
			return
		}
		*dst = n
	}
	intParam("limit", &opts.Limit)
	intParam("offset", &opts.Offset)
	intParam("pid", &opts.PID)

	opts.RunID = q.Get("run_id")
	if opts.RunID == "current" {
		opts.RunID = s.kernel.RunID()
	}
	if kind := q.Get("kind"); kind != "" {
		if !eventKinds[model.EventKind(kind)] {
			details = append(details, model.FieldError{Field: "kind", Message: "must be one of switch, reap, signal, exit"})
		}
		opts.Kind = model.EventKind(kind)
	}
	if len(details) > 0 {
		respondError(w, reqID, http.StatusBadRequest, model.NewValidationError("invalid query", details...))
		return
	}

	events, total, err := s.store.ListEvents(r.Context(), opts)
	if err != nil {
		s.respondFailure(w, reqID, err)
		return
	}
	if events == nil {
		events = []*model.Event{}
	}

	opts.Clamp()
	respondList(w, reqID, events, &model.Pagination{
		Total:   total,
		Limit:   opts.Limit,
		Offset:  opts.Offset,
		HasMore: opts.Offset+opts.Limit < total,
	})
}
