package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/me/kproc/internal/kernel"
	"github.com/me/kproc/internal/process"
	"github.com/me/kproc/internal/scheduler"
	"github.com/me/kproc/pkg/model"
)

// requestID generates a request identifier for callers that did not send one.
func requestID() string {
	return "req_" + uuid.New().String()[:8]
}

func respondOK(w http.ResponseWriter, reqID string, data any) {
	respondJSON(w, http.StatusOK, reqID, data, nil, nil)
}

func respondCreated(w http.ResponseWriter, reqID string, data any) {
	respondJSON(w, http.StatusCreated, reqID, data, nil, nil)
}

// respondList writes a page of results. The process table is always one
// page; the trace is paged by the store.
func respondList(w http.ResponseWriter, reqID string, data any, pg *model.Pagination) {
	respondJSON(w, http.StatusOK, reqID, data, pg, nil)
}

func respondError(w http.ResponseWriter, reqID string, status int, apiErr *model.APIError) {
	respondJSON(w, status, reqID, nil, nil, apiErr)
}

// respondFailure answers with the status kernel errors map to. Unclassified
// errors are 500s and get logged with the request id.
func (s *Server) respondFailure(w http.ResponseWriter, reqID string, err error) {
	status, apiErr := classifyError(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "request_id", reqID, "error", err)
	}
	respondError(w, reqID, status, apiErr)
}

func classifyError(err error) (int, *model.APIError) {
	var apiErr *model.APIError
	switch {
	case errors.As(err, &apiErr):
		return statusForCode(apiErr.Code), apiErr
	case errors.Is(err, process.ErrInvalidSignal):
		return http.StatusBadRequest, model.NewValidationError("invalid signal",
			model.FieldError{Field: "signal", Message: err.Error()})
	case errors.Is(err, scheduler.ErrNoSuchProcess), errors.Is(err, process.ErrDead):
		return http.StatusNotFound, &model.APIError{Code: model.ErrNotFound, Message: err.Error()}
	case errors.Is(err, kernel.ErrIdle), errors.Is(err, scheduler.ErrNotInitialized):
		return http.StatusConflict, model.NewConflictError(err.Error())
	default:
		return http.StatusInternalServerError, model.NewInternalError(err.Error())
	}
}

func statusForCode(code model.ErrorCode) int {
	switch code {
	case model.ErrValidation:
		return http.StatusBadRequest
	case model.ErrNotFound:
		return http.StatusNotFound
	case model.ErrConflict:
		return http.StatusConflict
	case model.ErrUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func respondJSON(w http.ResponseWriter, status int, reqID string, data any, pg *model.Pagination, apiErr *model.APIError) {
	resp := model.Response{
		Status:     "ok",
		RequestID:  reqID,
		Timestamp:  time.Now().UTC(),
		Data:       data,
		Pagination: pg,
		Error:      apiErr,
	}
	if apiErr != nil {
		resp.Status = "error"
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	// The status line is out; a failed encode only means the client left.
	_ = json.NewEncoder(w).Encode(resp)
}
