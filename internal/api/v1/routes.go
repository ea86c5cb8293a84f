// Package v1 provides the REST API handlers for batch synchronization
// admission and run inspection.
package v1

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/dealgate/dealer-sync-server/internal/logger"
	"github.com/dealgate/dealer-sync-server/internal/orchestrator"
	"github.com/dealgate/dealer-sync-server/internal/process"
	"github.com/dealgate/dealer-sync-server/internal/runs"
)

// ErrorResponse is the standardized error payload. Code is the
// machine-readable rejection reason; the remaining fields are populated when
// they help the caller act on the rejection.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`

	ImplementedProcessTypes []string `json:"implementedProcessTypes,omitempty"`
	KnownProcessTypes       []string `json:"knownProcessTypes,omitempty"`
	ConflictRunID           string   `json:"conflictRunId,omitempty"`
}

// AcceptedResponse is returned with 202 when a sync run is admitted
type AcceptedResponse struct {
	RunID  string `json:"runId"`
	JobID  string `json:"jobId"`
	Status string `json:"status"`
}

// LockStatusResponse reports the best-effort lock probe
type LockStatusResponse struct {
	ProcessType string `json:"processType"`
	LockActive  bool   `json:"lockActive"`
}

// ProcessTypesResponse lists what the server will and will not admit
type ProcessTypesResponse struct {
	Implemented []string `json:"implemented"`
	All         []string `json:"all"`
}

// RunResponse is the JSON shape of one run row
type RunResponse struct {
	RunID           string     `json:"runId"`
	ProcessType     string     `json:"processType"`
	LoadID          string     `json:"loadId"`
	LoadTimestamp   time.Time  `json:"loadTimestamp"`
	UpstreamEventID string     `json:"upstreamEventId"`
	Status          string     `json:"status"`
	JobID           *string    `json:"jobId,omitempty"`
	TargetCount     *int       `json:"targetCount,omitempty"`
	FailureReason   *string    `json:"failureReason,omitempty"`
	FailureDetail   *string    `json:"failureDetail,omitempty"`
	CreatedAt       time.Time  `json:"createdAt"`
	CreatedBy       string     `json:"createdBy"`
	UpdatedAt       time.Time  `json:"updatedAt"`
	UpdatedBy       string     `json:"updatedBy"`
}

// RunListResponse wraps run history queries
type RunListResponse struct {
	Runs []RunResponse `json:"runs"`
}

// Routes defines the routes for the sync API with dependency injection
type Routes struct {
	orch     *orchestrator.Orchestrator
	runs     runs.Store
	registry process.Registry
}

// NewRoutes creates a new Routes instance
func NewRoutes(orch *orchestrator.Orchestrator, runStore runs.Store, registry process.Registry) *Routes {
	return &Routes{
		orch:     orch,
		runs:     runStore,
		registry: registry,
	}
}

// Router creates a new router for the sync API
func Router(orch *orchestrator.Orchestrator, runStore runs.Store, registry process.Registry) http.Handler {
	routes := NewRoutes(orch, runStore, registry)

	r := chi.NewRouter()

	r.Post("/batch-sync", routes.startBatchSync)
	r.Get("/batch-sync/status/{processType}", routes.lockStatus)
	r.Get("/runs", routes.listRuns)
	r.Get("/runs/{runId}", routes.getRun)
	r.Get("/process-types", routes.listProcessTypes)

	return r
}

// startBatchSync handles POST /api/v1/batch-sync
func (rr *Routes) startBatchSync(w http.ResponseWriter, r *http.Request) {
	var req orchestrator.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		rr.writeErrorResponse(w, ErrorResponse{
			Error: "request body must be JSON with processType and loadId",
			Code:  string(orchestrator.ReasonValidation),
		}, http.StatusBadRequest)
		return
	}
	req.RequestedBy = requestActor(r)

	accepted, err := rr.orch.StartSync(r.Context(), req)
	if err != nil {
		rr.writeOrchestratorError(w, err)
		return
	}

	rr.writeJSONResponse(w, AcceptedResponse{
		RunID:  accepted.RunID.String(),
		JobID:  accepted.JobID.String(),
		Status: string(accepted.Status),
	}, http.StatusAccepted)
}

// lockStatus handles GET /api/v1/batch-sync/status/{processType}
func (rr *Routes) lockStatus(w http.ResponseWriter, r *http.Request) {
	processType := chi.URLParam(r, "processType")

	active, err := rr.orch.LockStatus(r.Context(), processType)
	if err != nil {
		rr.writeOrchestratorError(w, err)
		return
	}

	rr.writeJSONResponse(w, LockStatusResponse{
		ProcessType: processType,
		LockActive:  active,
	}, http.StatusOK)
}

// getRun handles GET /api/v1/runs/{runId}
func (rr *Routes) getRun(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "runId"))
	if err != nil {
		rr.writeErrorResponse(w, ErrorResponse{
			Error: "runId must be a UUID",
			Code:  string(orchestrator.ReasonValidation),
		}, http.StatusBadRequest)
		return
	}

	run, err := rr.runs.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, runs.ErrNotFound) {
			rr.writeErrorResponse(w, ErrorResponse{Error: "run not found"}, http.StatusNotFound)
			return
		}
		logger.Errorf("Failed to get run %s: %v", id, err)
		rr.writeErrorResponse(w, ErrorResponse{Error: "internal error"}, http.StatusInternalServerError)
		return
	}

	rr.writeJSONResponse(w, toRunResponse(run), http.StatusOK)
}

// listRuns handles GET /api/v1/runs
func (rr *Routes) listRuns(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			rr.writeErrorResponse(w, ErrorResponse{
				Error: "limit must be a non-negative integer",
				Code:  string(orchestrator.ReasonValidation),
			}, http.StatusBadRequest)
			return
		}
		limit = parsed
	}

	result, err := rr.runs.List(r.Context(),
		r.URL.Query().Get("processType"),
		r.URL.Query().Get("loadId"),
		limit)
	if err != nil {
		logger.Errorf("Failed to list runs: %v", err)
		rr.writeErrorResponse(w, ErrorResponse{Error: "internal error"}, http.StatusInternalServerError)
		return
	}

	response := RunListResponse{Runs: make([]RunResponse, 0, len(result))}
	for _, run := range result {
		response.Runs = append(response.Runs, toRunResponse(run))
	}
	rr.writeJSONResponse(w, response, http.StatusOK)
}

// listProcessTypes handles GET /api/v1/process-types
func (rr *Routes) listProcessTypes(w http.ResponseWriter, _ *http.Request) {
	rr.writeJSONResponse(w, ProcessTypesResponse{
		Implemented: rr.registry.ListImplemented(),
		All:         rr.registry.ListAll(),
	}, http.StatusOK)
}

// writeOrchestratorError maps the rejection taxonomy onto HTTP statuses.
func (rr *Routes) writeOrchestratorError(w http.ResponseWriter, err error) {
	oerr := orchestrator.AsError(err)
	if oerr == nil {
		logger.Errorf("Batch sync admission failed: %v", err)
		rr.writeErrorResponse(w, ErrorResponse{Error: "internal error"}, http.StatusInternalServerError)
		return
	}

	resp := ErrorResponse{
		Error:                   oerr.Message,
		Code:                    string(oerr.Reason),
		ImplementedProcessTypes: oerr.Implemented,
		KnownProcessTypes:       oerr.Known,
	}
	if oerr.ConflictRunID != nil {
		resp.ConflictRunID = oerr.ConflictRunID.String()
	}

	rr.writeErrorResponse(w, resp, statusForReason(oerr.Reason))
}

func statusForReason(reason orchestrator.Reason) int {
	switch reason {
	case orchestrator.ReasonValidation,
		orchestrator.ReasonUnsupportedProcessType,
		orchestrator.ReasonUpstreamNotFound,
		orchestrator.ReasonAlreadySynchronized:
		return http.StatusBadRequest
	case orchestrator.ReasonLockDenied,
		orchestrator.ReasonActiveRunExists:
		return http.StatusConflict
	case orchestrator.ReasonLockBackendUnavailable:
		return http.StatusServiceUnavailable
	case orchestrator.ReasonEnqueueFailure:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

func toRunResponse(run *runs.Run) RunResponse {
	resp := RunResponse{
		RunID:           run.ID.String(),
		ProcessType:     run.ProcessType,
		LoadID:          run.LoadID,
		LoadTimestamp:   run.LoadTimestamp,
		UpstreamEventID: run.UpstreamEventID.String(),
		Status:          string(run.Status),
		TargetCount:     run.TargetCount,
		FailureReason:   run.FailureReason,
		FailureDetail:   run.FailureDetail,
		CreatedAt:       run.CreatedAt,
		CreatedBy:       run.CreatedBy,
		UpdatedAt:       run.UpdatedAt,
		UpdatedBy:       run.UpdatedBy,
	}
	if run.JobID != nil {
		id := run.JobID.String()
		resp.JobID = &id
	}
	return resp
}

// requestActor names the caller for audit fields. There is no user extraction
// on this surface; automated callers identify themselves via User-Agent.
func requestActor(r *http.Request) string {
	if ua := r.UserAgent(); ua != "" {
		return ua
	}
	return "api"
}

func (rr *Routes) writeJSONResponse(w http.ResponseWriter, payload any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logger.Errorf("Failed to encode response: %v", err)
	}
}

func (rr *Routes) writeErrorResponse(w http.ResponseWriter, resp ErrorResponse, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		logger.Errorf("Failed to encode error response: %v", err)
	}
}
