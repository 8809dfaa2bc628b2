package dispatcher

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
)

// Handler exposes HTTP endpoints for submitting and inspecting jobs.
type Handler struct {
	store      *Store
	dispatcher *Dispatcher
}

// NewHandler builds a Handler backed by store and dispatcher.
func NewHandler(store *Store, dispatcher *Dispatcher) *Handler {
	return &Handler{store: store, dispatcher: dispatcher}
}

type submitJobRequest struct {
	DeploymentID string       `json:"deployment_id"`
	Kind         string       `json:"kind"`
	Payload      string       `json:"payload"`
	RetryPolicy  *RetryPolicy `json:"retry_policy,omitempty"`
}

// HandleSubmitJob accepts POST /jobs and enqueues a new job.
func (h *Handler) HandleSubmitJob(w http.ResponseWriter, r *http.Request) {
	var req submitJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	job, err := h.dispatcher.Submit(req.DeploymentID, req.Kind, req.Payload, req.RetryPolicy)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, job)
}

// HandleGetJob handles GET /jobs/{id}.
func (h *Handler) HandleGetJob(w http.ResponseWriter, r *http.Request, jobID string) {
	job, err := h.store.GetJob(jobID)
	if err != nil {
		if IsNotFound(err) {
			writeError(w, http.StatusNotFound, "job not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to load job")
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// HandleListRuns handles GET /jobs/{id}/runs.
func (h *Handler) HandleListRuns(w http.ResponseWriter, r *http.Request, jobID string) {
	query := RunQuery{JobID: jobID}
	if status := strings.TrimSpace(r.URL.Query().Get("status")); status != "" {
		query.Status = status
	}
	if limitParam := strings.TrimSpace(r.URL.Query().Get("limit")); limitParam != "" {
		if n, err := strconv.Atoi(limitParam); err == nil {
			query.Limit = n
		}
	}

	runs, err := h.store.ListRuns(query)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list runs")
		return
	}
	writeJSON(w, http.StatusOK, runs)
}

// HandleCancelJob handles POST /jobs/{id}/cancel.
func (h *Handler) HandleCancelJob(w http.ResponseWriter, r *http.Request, jobID string) {
	if err := h.dispatcher.Cancel(jobID); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to cancel job")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "canceled"})
}

type jsonErrorBody struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, jsonErrorBody{Error: message})
}
