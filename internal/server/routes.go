package server

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/skyforge-cloud/deployctl/internal/auth"
	"github.com/skyforge-cloud/deployctl/internal/deployment"
	"github.com/skyforge-cloud/deployctl/internal/deploystate"
	"github.com/skyforge-cloud/deployctl/internal/dispatcher"
	"github.com/skyforge-cloud/deployctl/internal/notification"
	"github.com/skyforge-cloud/deployctl/internal/streamhub"
)

func (s *Server) routes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("GET /version", s.handleVersion)
	mux.HandleFunc("GET /api/v1/whoami", s.handleWhoami)

	mux.HandleFunc("GET /api/v1/deployments", s.handleListDeployments)
	mux.HandleFunc("POST /api/v1/deployments", s.handleCreateDeployment)
	mux.HandleFunc("GET /api/v1/deployments/{id}", s.handleGetDeployment)
	mux.HandleFunc("POST /api/v1/deployments/{id}/approve", s.handleApprove)
	mux.HandleFunc("POST /api/v1/deployments/{id}/cancel", s.handleCancel)
	mux.HandleFunc("POST /api/v1/deployments/{id}/rollback", s.handleRollback)

	mux.HandleFunc("GET /api/v1/deployments/{id}/stage", s.handleStageSession)
	mux.HandleFunc("POST /api/v1/deployments/{id}/stage/resume", s.handleStageResume)
	mux.HandleFunc("POST /api/v1/deployments/{id}/stage/regenerate", s.handleStageRegenerate)

	mux.HandleFunc("GET /api/v1/deployments/{id}/commands/next", s.handleNextCommand)
	mux.HandleFunc("POST /api/v1/deployments/{id}/commands/execute", s.handleExecuteCommand)
	mux.HandleFunc("POST /api/v1/deployments/{id}/commands/skip", s.handleSkip)
	mux.HandleFunc("POST /api/v1/deployments/{id}/commands/resolve-error", s.handleResolveError)

	mux.HandleFunc("POST /api/v1/deployments/{id}/files/approve", s.handleApproveFile)
	mux.HandleFunc("POST /api/v1/deployments/{id}/files/reject", s.handleRejectFile)
	mux.HandleFunc("POST /api/v1/deployments/{id}/files/approve-all", s.handleApproveAllFiles)

	mux.HandleFunc("GET /api/v1/deployments/{id}/held-commands", s.handleHeldCommands)

	mux.HandleFunc("GET /api/v1/deployments/{id}/stream", s.handleStream)

	// EC2 surface: read-only projection over resourceInventory. start/stop/reboot
	// are accepted but return 501 until a live cloud provider is wired.
	mux.HandleFunc("GET /api/v1/ec2/instances", s.handleEC2List)
	mux.HandleFunc("GET /api/v1/ec2/instances/{id}", s.handleEC2Describe)
	mux.HandleFunc("POST /api/v1/ec2/instances/{id}/start", s.handleEC2Unsupported)
	mux.HandleFunc("POST /api/v1/ec2/instances/{id}/stop", s.handleEC2Unsupported)
	mux.HandleFunc("POST /api/v1/ec2/instances/{id}/reboot", s.handleEC2Unsupported)

	if s.jobHandler != nil {
		mux.HandleFunc("POST /api/v1/jobs", s.jobHandler.HandleSubmitJob)
		mux.HandleFunc("GET /api/v1/jobs/{id}", func(w http.ResponseWriter, r *http.Request) {
			s.jobHandler.HandleGetJob(w, r, r.PathValue("id"))
		})
		mux.HandleFunc("GET /api/v1/jobs/{id}/runs", func(w http.ResponseWriter, r *http.Request) {
			s.jobHandler.HandleListRuns(w, r, r.PathValue("id"))
		})
		mux.HandleFunc("POST /api/v1/jobs/{id}/cancel", func(w http.ResponseWriter, r *http.Request) {
			s.jobHandler.HandleCancelJob(w, r, r.PathValue("id"))
		})
	}

	if s.mcp != nil {
		mux.Handle("/mcp", s.mcp.Handler())
	}

	return mux
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprintln(w, "ok")
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"version": Version, "commit": Commit, "date": Date})
}

// handleWhoami resolves the caller's identity from the auth middleware's
// request context. With auth disabled, every caller is anonymous.
func (s *Server) handleWhoami(w http.ResponseWriter, r *http.Request) {
	if key := auth.FromContext(r.Context()); key != nil {
		writeJSON(w, http.StatusOK, map[string]any{
			"id": key.ID, "name": key.Name, "key_prefix": key.KeyPrefix, "permissions": key.Permissions,
		})
		return
	}
	if user := auth.UserFromContext(r.Context()); user != nil {
		writeJSON(w, http.StatusOK, map[string]any{
			"id": user.ID, "username": user.Username, "role": user.Role, "permissions": user.Permissions,
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": "anonymous", "permissions": []string{}})
}

func (s *Server) handleListDeployments(w http.ResponseWriter, r *http.Request) {
	f := deployment.Filter{
		Environment: r.URL.Query().Get("environment"),
		Status:      r.URL.Query().Get("status"),
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			f.Limit = n
		}
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			f.Offset = n
		}
	}
	deployments, err := s.deployments.List(r.Context(), f)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "list_failed", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, deployments)
}

type createDeploymentRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Environment string `json:"environment"`
	Region      string `json:"region"`
	RepoURL     string `json:"repoUrl"`
	RepoBranch  string `json:"repoBranch"`
}

func (s *Server) handleCreateDeployment(w http.ResponseWriter, r *http.Request) {
	var req createDeploymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "bad_request", "invalid JSON body")
		return
	}
	if req.Name == "" || req.Environment == "" {
		writeJSONError(w, http.StatusBadRequest, "bad_request", "name and environment are required")
		return
	}

	if s.limiter != nil {
		decision := s.limiter.Allow(req.Environment, false)
		if !decision.Allowed {
			writeJSONError(w, http.StatusTooManyRequests, "rate_limited", decision.Reason)
			return
		}
	}

	now := time.Now().UTC()
	dep := &deployment.Deployment{
		ID:          uuid.NewString(),
		Name:        req.Name,
		Description: req.Description,
		Environment: req.Environment,
		Region:      req.Region,
		RepoURL:     req.RepoURL,
		RepoBranch:  req.RepoBranch,
		Status:      deploystate.StateInitial,
		StatusHistory: []deploystate.HistoryEntry{
			{Status: deploystate.StateInitial, Timestamp: now, Reason: "deployment created"},
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.deployments.Create(r.Context(), dep); err != nil {
		writeJSONError(w, http.StatusInternalServerError, "create_failed", err.Error())
		return
	}
	if s.limiter != nil {
		s.limiter.RecordStart(dep.Environment)
	}
	writeJSON(w, http.StatusCreated, dep)
}

func (s *Server) handleGetDeployment(w http.ResponseWriter, r *http.Request) {
	dep, err := s.deployments.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeJSONError(w, http.StatusNotFound, "not_found", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, dep)
}

type decisionRequest struct {
	DecidedBy string `json:"decidedBy"`
	Reason    string `json:"reason"`
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req decisionRequest
	_ = json.NewDecoder(r.Body).Decode(&req)

	dep, err := s.deployments.Get(r.Context(), id)
	if err != nil {
		writeJSONError(w, http.StatusNotFound, "not_found", err.Error())
		return
	}
	if dep.Status != deploystate.StatePendingApproval {
		writeJSONError(w, http.StatusConflict, "not_pending_approval", "deployment is not awaiting approval")
		return
	}
	now := time.Now().UTC()
	if err := s.deployments.UpdateStatus(r.Context(), id, deploystate.HistoryEntry{
		Status: deploystate.StateApproved, Timestamp: now, Reason: req.Reason,
	}); err != nil {
		writeJSONError(w, http.StatusInternalServerError, "approve_failed", err.Error())
		return
	}
	if s.notifier != nil {
		for _, notifyErr := range s.notifier.Notify(r.Context(), notification.Event{
			DeploymentID: id, Kind: "approval_decided", Severity: "info",
			Title: "Deployment approved", Body: req.Reason, SentAt: now,
		}) {
			s.logger.Warn("notification delivery failed", zap.Error(notifyErr))
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "approved"})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	dep, _ := s.deployments.Get(r.Context(), id)
	if err := s.orchestrator.Cancel(r.Context(), id); err != nil {
		writeJSONError(w, http.StatusInternalServerError, "cancel_failed", err.Error())
		return
	}
	if s.limiter != nil && dep != nil {
		s.limiter.RecordComplete(dep.Environment)
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

func (s *Server) handleRollback(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	dep, err := s.deployments.Get(r.Context(), id)
	if err != nil {
		writeJSONError(w, http.StatusNotFound, "not_found", err.Error())
		return
	}
	if len(dep.PreviousVersions) == 0 {
		writeJSONError(w, http.StatusConflict, "no_previous_version", "no previous version to roll back to")
		return
	}
	if s.dispatcher == nil {
		writeJSONError(w, http.StatusServiceUnavailable, "dispatcher_unavailable", "job dispatcher not configured")
		return
	}
	job, err := s.dispatcher.Submit(id, dispatcher.KindIaCRollback, "", nil)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "rollback_failed", err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, job)
}

func (s *Server) handleStageSession(w http.ResponseWriter, r *http.Request) {
	session, err := s.orchestrator.Session(r.Context(), r.PathValue("id"))
	if err != nil {
		writeJSONError(w, http.StatusNotFound, "not_found", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, session)
}

func (s *Server) handleStageResume(w http.ResponseWriter, r *http.Request) {
	session, err := s.orchestrator.Resume(r.Context(), r.PathValue("id"))
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "resume_failed", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, session)
}

func (s *Server) handleStageRegenerate(w http.ResponseWriter, r *http.Request) {
	session, err := s.orchestrator.Regenerate(r.Context(), r.PathValue("id"))
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "regenerate_failed", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, session)
}

func (s *Server) handleNextCommand(w http.ResponseWriter, r *http.Request) {
	cmd, err := s.orchestrator.NextCommand(r.Context(), r.PathValue("id"))
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "next_command_failed", err.Error())
		return
	}
	if cmd == nil {
		writeJSON(w, http.StatusOK, nil)
		return
	}
	writeJSON(w, http.StatusOK, cmd)
}

type executeRequest struct {
	Confirm bool `json:"confirm"`
}

func (s *Server) handleExecuteCommand(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req executeRequest
	_ = json.NewDecoder(r.Body).Decode(&req)

	cmd, err := s.orchestrator.ExecuteCommand(r.Context(), id, req.Confirm)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "execute_failed", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, cmd)
}

// handleHeldCommands lists commands this deployment's queue blocked on
// pending confirmation, with their classified risk level. Empty if no
// approval queue is configured.
func (s *Server) handleHeldCommands(w http.ResponseWriter, r *http.Request) {
	if s.approvals == nil {
		writeJSON(w, http.StatusOK, []any{})
		return
	}
	writeJSON(w, http.StatusOK, s.approvals.PendingForDeployment(r.PathValue("id")))
}

func (s *Server) handleSkip(w http.ResponseWriter, r *http.Request) {
	if err := s.orchestrator.Skip(r.Context(), r.PathValue("id")); err != nil {
		writeJSONError(w, http.StatusInternalServerError, "skip_failed", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "skipped"})
}

func (s *Server) handleResolveError(w http.ResponseWriter, r *http.Request) {
	resolution, err := s.orchestrator.ResolveError(r.Context(), r.PathValue("id"))
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "resolve_failed", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, resolution)
}

type fileDecisionRequest struct {
	Path string `json:"path"`
}

func (s *Server) handleApproveFile(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req fileDecisionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Path == "" {
		writeJSONError(w, http.StatusBadRequest, "bad_request", "path is required")
		return
	}
	if err := s.orchestrator.ApproveFileProposal(r.Context(), id, req.Path); err != nil {
		writeJSONError(w, http.StatusInternalServerError, "approve_file_failed", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "approved"})
}

func (s *Server) handleRejectFile(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req fileDecisionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Path == "" {
		writeJSONError(w, http.StatusBadRequest, "bad_request", "path is required")
		return
	}
	if err := s.orchestrator.RejectFileProposal(r.Context(), id, req.Path); err != nil {
		writeJSONError(w, http.StatusInternalServerError, "reject_file_failed", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "rejected"})
}

func (s *Server) handleApproveAllFiles(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.orchestrator.ApproveAllFileProposals(r.Context(), id); err != nil {
		writeJSONError(w, http.StatusInternalServerError, "approve_all_failed", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "approved"})
}

// handleStream serves a correlation-keyed SSE stream of streamhub events.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	if s.hub == nil {
		writeJSONError(w, http.StatusServiceUnavailable, "stream_unavailable", "stream hub not configured")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSONError(w, http.StatusInternalServerError, "streaming_unsupported", "response writer does not support flushing")
		return
	}

	id := r.PathValue("id")
	key := streamhub.Key{OperationKind: r.URL.Query().Get("kind"), CorrelationID: id}
	if key.OperationKind == "" {
		key.OperationKind = "build"
	}

	subscriberID := uuid.NewString()
	events := s.hub.Subscribe(key, subscriberID)
	defer s.hub.Unsubscribe(key, subscriberID)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	bw := bufio.NewWriter(w)
	for {
		select {
		case <-r.Context().Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			fmt.Fprintf(bw, "data: %s\n\n", evt.JSON())
			bw.Flush()
			flusher.Flush()
			if evt.Type == streamhub.EventEnd {
				return
			}
		}
	}
}

func (s *Server) handleEC2List(w http.ResponseWriter, r *http.Request) {
	deployments, err := s.deployments.List(r.Context(), deployment.Filter{})
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "list_failed", err.Error())
		return
	}
	var instances []map[string]any
	for _, dep := range deployments {
		for _, res := range dep.ResourceInventory {
			if res.Type != "aws_instance" {
				continue
			}
			instances = append(instances, map[string]any{
				"deploymentId": dep.ID,
				"identifier":   res.Identifier,
				"name":         res.Name,
			})
		}
	}
	writeJSON(w, http.StatusOK, instances)
}

func (s *Server) handleEC2Describe(w http.ResponseWriter, r *http.Request) {
	instanceID := r.PathValue("id")
	deployments, err := s.deployments.List(r.Context(), deployment.Filter{})
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "list_failed", err.Error())
		return
	}
	for _, dep := range deployments {
		for _, res := range dep.ResourceInventory {
			if res.Type == "aws_instance" && res.Identifier == instanceID {
				writeJSON(w, http.StatusOK, map[string]any{
					"deploymentId": dep.ID,
					"identifier":   res.Identifier,
					"name":         res.Name,
				})
				return
			}
		}
	}
	writeJSONError(w, http.StatusNotFound, "not_found", "instance not found in resource inventory")
}

// handleEC2Unsupported responds 501: instance lifecycle control would
// require a live AWS credential chain this engine does not hold.
func (s *Server) handleEC2Unsupported(w http.ResponseWriter, r *http.Request) {
	writeJSONError(w, http.StatusNotImplemented, "not_implemented", "instance control requires a live cloud provider integration, out of scope for this engine")
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
