// Batchd is a batch inference job control plane.
// Copyright (C) 2026 Batchd Authors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package api implements the OpenAI-Batch-compatible HTTP surface plus
// the operator endpoints (health, dead-letter administration).
//
// Endpoints implemented in this file:
//   - POST   /v1/files
//   - POST   /v1/batches
//   - GET    /v1/batches
//   - GET    /v1/batches/{id}
//   - DELETE /v1/batches/{id}
//   - GET    /v1/batches/{id}/results
//   - GET    /health
//   - GET    /admin/dead-letters
//   - POST   /admin/dead-letters/{id}/retry
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"batchd/internal/intake"
	"batchd/internal/store"
	"batchd/pkg/batch"
)

// Store defines the persistence methods the API needs.
type Store interface {
	GetFile(ctx context.Context, id string) (*batch.File, error)
	GetJob(ctx context.Context, id string) (*batch.Job, error)
	ListJobs(ctx context.Context, status batch.JobStatus, limit int) ([]*batch.Job, error)
	Transition(ctx context.Context, id string, to batch.JobStatus, now time.Time, extra *store.TransitionExtra) (*batch.Job, error)
	ActiveJobCount(ctx context.Context) (int, error)
	QueuedRequestCount(ctx context.Context) (int64, error)
	GetHeartbeat(ctx context.Context) (*batch.Heartbeat, error)
	ListDeadLetters(ctx context.Context, batchID string, limit int) ([]*batch.DeadLetter, error)
}

// Intake accepts uploads and batch submissions, running the admission
// gates. Satisfied by *intake.Intake.
type Intake interface {
	UploadFile(ctx context.Context, filename string, r io.Reader) (*batch.File, int, error)
	CreateBatch(ctx context.Context, args intake.CreateBatchArgs) (*batch.Job, error)
}

// Redeliverer retries one dead-letter entry. Satisfied by
// *webhook.Dispatcher.
type Redeliverer interface {
	RetryDeadLetter(ctx context.Context, id int64) (*batch.DeadLetter, error)
}

// Limits is echoed in the health response so clients can see the
// admission thresholds in force.
type Limits struct {
	MaxRequestsPerJob      int   `json:"max_requests_per_job"`
	MaxQueueDepth          int   `json:"max_queue_depth"`
	MaxTotalQueuedRequests int64 `json:"max_total_queued_requests"`
}

// API is the HTTP layer.
type API struct {
	Store       Store
	Intake      Intake
	Redeliverer Redeliverer
	Probe       batch.HealthProbe
	Limits      Limits

	// Logger is optional; if nil, logging is suppressed.
	Logger *log.Logger
	// Now allows tests to control timestamps.
	Now func() time.Time
}

// New constructs an API with its required dependencies.
func New(st Store, in Intake, rd Redeliverer, probe batch.HealthProbe, limits Limits, logger *log.Logger) *API {
	return &API{
		Store:       st,
		Intake:      in,
		Redeliverer: rd,
		Probe:       probe,
		Limits:      limits,
		Logger:      logger,
		Now:         func() time.Time { return time.Now().UTC() },
	}
}

// Register attaches the API handlers to a mux under the expected routes.
func (a *API) Register(mux *http.ServeMux) {
	mux.HandleFunc("/v1/files", a.filesHandler)
	mux.HandleFunc("/v1/batches", a.batchesHandler)
	mux.HandleFunc("/v1/batches/", a.batchByIDHandler)
	mux.HandleFunc("/health", a.handleHealth)
	mux.HandleFunc("/admin/dead-letters", a.handleListDeadLetters)
	mux.HandleFunc("/admin/dead-letters/", a.deadLetterByIDHandler)
}

// --------------- Models ---------------

// CreateBatchRequest is the payload for POST /v1/batches.
type CreateBatchRequest struct {
	InputFileID      string          `json:"input_file_id"`
	Endpoint         string          `json:"endpoint"`
	CompletionWindow string          `json:"completion_window"`
	Model            string          `json:"model"`
	Metadata         json.RawMessage `json:"metadata,omitempty"`
	Priority         *int            `json:"priority,omitempty"`
	WebhookURL       string          `json:"webhook_url,omitempty"`
	WebhookEvents    string          `json:"webhook_events,omitempty"`
}

// ListBatchesResponse is returned for GET /v1/batches.
type ListBatchesResponse struct {
	Batches []*batch.Job `json:"batches"`
	Count   int          `json:"count"`
}

// HealthResponse is returned for GET /health.
type HealthResponse struct {
	Status string          `json:"status"`
	GPU    GPUHealthDTO    `json:"gpu"`
	Worker WorkerHealthDTO `json:"worker"`
	Queue  QueueHealthDTO  `json:"queue"`
	Limits Limits          `json:"limits"`
}

// GPUHealthDTO reports the last probe reading.
type GPUHealthDTO struct {
	Available     bool    `json:"available"`
	MemoryPercent float64 `json:"memory_percent,omitempty"`
	TemperatureC  float64 `json:"temperature_c,omitempty"`
}

// WorkerHealthDTO reports the heartbeat row.
type WorkerHealthDTO struct {
	Status       string `json:"status"`
	CurrentJobID string `json:"current_job_id,omitempty"`
	LoadedModel  string `json:"loaded_model,omitempty"`
	LastSeen     int64  `json:"last_seen,omitempty"`
	Stale        bool   `json:"stale"`
}

// QueueHealthDTO reports queue occupancy.
type QueueHealthDTO struct {
	ActiveJobs     int   `json:"active_jobs"`
	QueuedRequests int64 `json:"queued_requests"`
}

// jsonError is a simple error envelope for API responses.
type jsonError struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

func (a *API) logf(format string, args ...any) {
	if a.Logger != nil {
		a.Logger.Printf("[api] "+format, args...)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// --------------- POST /v1/files ---------------

func (a *API) filesHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.NotFound(w, r)
		return
	}
	a.handleUploadFile(w, r)
}

func (a *API) handleUploadFile(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if err := r.ParseMultipartForm(64 << 20); err != nil {
		writeJSON(w, http.StatusBadRequest, jsonError{
			Error:   "invalid_request",
			Message: "expected multipart form with a file field",
		})
		return
	}
	purpose := r.FormValue("purpose")
	if purpose != "" && purpose != string(batch.PurposeBatch) {
		writeJSON(w, http.StatusBadRequest, jsonError{
			Error:   "invalid_request",
			Message: fmt.Sprintf("unsupported purpose %q", purpose),
		})
		return
	}
	part, hdr, err := r.FormFile("file")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, jsonError{
			Error:   "invalid_request",
			Message: "file field is required",
		})
		return
	}
	defer part.Close()

	f, count, err := a.Intake.UploadFile(ctx, hdr.Filename, part)
	if err != nil {
		a.writeIntakeError(w, err)
		return
	}
	a.logf("uploaded file id=%s requests=%d", f.ID, count)
	writeJSON(w, http.StatusOK, f)
}

// --------------- /v1/batches ---------------

func (a *API) batchesHandler(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		a.handleCreateBatch(w, r)
	case http.MethodGet:
		a.handleListBatches(w, r)
	default:
		http.NotFound(w, r)
	}
}

func (a *API) handleCreateBatch(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req CreateBatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, jsonError{
			Error:   "invalid_json",
			Message: "Request body could not be parsed as JSON",
		})
		return
	}
	if strings.TrimSpace(req.InputFileID) == "" {
		writeJSON(w, http.StatusBadRequest, jsonError{
			Error:   "invalid_request",
			Message: "input_file_id is required",
		})
		return
	}
	if req.Endpoint != "" && req.Endpoint != batch.EndpointChatCompletions {
		writeJSON(w, http.StatusBadRequest, jsonError{
			Error:   "invalid_request",
			Message: fmt.Sprintf("endpoint must be %q", batch.EndpointChatCompletions),
		})
		return
	}
	priority := batch.PriorityNormal
	if req.Priority != nil {
		priority = batch.Priority(*req.Priority)
		if !priority.Valid() {
			writeJSON(w, http.StatusBadRequest, jsonError{
				Error:   "invalid_request",
				Message: "priority must be -1, 0 or 1",
			})
			return
		}
	}

	job, err := a.Intake.CreateBatch(ctx, intake.CreateBatchArgs{
		InputFileID:      req.InputFileID,
		Model:            req.Model,
		CompletionWindow: req.CompletionWindow,
		Priority:         priority,
		Metadata:         req.Metadata,
		WebhookURL:       req.WebhookURL,
		WebhookEvents:    req.WebhookEvents,
	})
	if err != nil {
		a.writeIntakeError(w, err)
		return
	}
	a.logf("created batch id=%s model=%s total=%d priority=%d", job.ID, job.Model, job.RequestCounts.Total, job.Priority)
	writeJSON(w, http.StatusOK, job)
}

func (a *API) handleListBatches(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var status batch.JobStatus
	if s := r.URL.Query().Get("status"); s != "" {
		status = batch.JobStatus(s)
		if !status.Valid() {
			writeJSON(w, http.StatusBadRequest, jsonError{
				Error:   "invalid_request",
				Message: fmt.Sprintf("unknown status %q", s),
			})
			return
		}
	}
	limit := 0
	if l := r.URL.Query().Get("limit"); l != "" {
		n, err := strconv.Atoi(l)
		if err != nil || n < 0 {
			writeJSON(w, http.StatusBadRequest, jsonError{
				Error:   "invalid_request",
				Message: "limit must be a non-negative integer",
			})
			return
		}
		limit = n
	}

	jobs, err := a.Store.ListJobs(ctx, status, limit)
	if err != nil {
		a.logf("list batches failed: %v", err)
		writeJSON(w, http.StatusInternalServerError, jsonError{
			Error:   "server_error",
			Message: "failed to list batches",
		})
		return
	}
	if jobs == nil {
		jobs = []*batch.Job{}
	}
	writeJSON(w, http.StatusOK, ListBatchesResponse{Batches: jobs, Count: len(jobs)})
}

// --------------- /v1/batches/{id}[...] ---------------

func (a *API) batchByIDHandler(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/v1/batches/")
	id, sub, _ := strings.Cut(rest, "/")
	if id == "" {
		http.NotFound(w, r)
		return
	}

	switch {
	case sub == "" && r.Method == http.MethodGet:
		a.handleGetBatch(w, r, id)
	case sub == "" && r.Method == http.MethodDelete:
		a.handleCancelBatch(w, r, id)
	case sub == "results" && r.Method == http.MethodGet:
		a.handleResults(w, r, id)
	default:
		http.NotFound(w, r)
	}
}

func (a *API) handleGetBatch(w http.ResponseWriter, r *http.Request, id string) {
	job, err := a.Store.GetJob(r.Context(), id)
	if err != nil {
		a.writeStoreError(w, err, "batch not found: %s", id)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// handleCancelBatch implements DELETE. A validating job cancels
// immediately; a running job is flagged and the worker observes the flag
// at the next chunk boundary.
func (a *API) handleCancelBatch(w http.ResponseWriter, r *http.Request, id string) {
	ctx := r.Context()

	job, err := a.Store.GetJob(ctx, id)
	if err != nil {
		a.writeStoreError(w, err, "batch not found: %s", id)
		return
	}

	var target batch.JobStatus
	switch job.Status {
	case batch.StatusValidating:
		target = batch.StatusCancelled
	case batch.StatusInProgress:
		target = batch.StatusCancelling
	default:
		writeJSON(w, http.StatusBadRequest, jsonError{
			Error:   "invalid_state",
			Message: fmt.Sprintf("cannot cancel batch in status %q", job.Status),
		})
		return
	}

	updated, err := a.Store.Transition(ctx, id, target, a.Now(), nil)
	if errors.Is(err, store.ErrInvalidTransition) {
		// Raced with the worker; report the state as it is now.
		writeJSON(w, http.StatusConflict, jsonError{
			Error:   "conflict",
			Message: "batch changed state concurrently, retry",
		})
		return
	}
	if err != nil {
		a.writeStoreError(w, err, "batch not found: %s", id)
		return
	}
	a.logf("cancel batch id=%s status=%s", id, updated.Status)
	writeJSON(w, http.StatusOK, updated)
}

// handleResults streams the output file. Only completed jobs expose
// results; partial output of failed jobs stays on disk for operators.
func (a *API) handleResults(w http.ResponseWriter, r *http.Request, id string) {
	ctx := r.Context()

	job, err := a.Store.GetJob(ctx, id)
	if err != nil {
		a.writeStoreError(w, err, "batch not found: %s", id)
		return
	}
	if job.Status != batch.StatusCompleted {
		writeJSON(w, http.StatusBadRequest, jsonError{
			Error:   "invalid_state",
			Message: fmt.Sprintf("results are available once the batch completes; status is %q", job.Status),
		})
		return
	}
	f, err := a.Store.GetFile(ctx, job.OutputFileID)
	if err != nil {
		a.writeStoreError(w, err, "output file not found for batch %s", id)
		return
	}
	fh, err := os.Open(f.Path)
	if err != nil {
		a.logf("open results for batch %s: %v", id, err)
		writeJSON(w, http.StatusInternalServerError, jsonError{
			Error:   "server_error",
			Message: "failed to open results file",
		})
		return
	}
	defer fh.Close()

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", f.Filename))
	if _, err := io.Copy(w, fh); err != nil {
		a.logf("stream results for batch %s: %v", id, err)
	}
}

// --------------- GET /health ---------------

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.NotFound(w, r)
		return
	}
	ctx := r.Context()
	now := a.Now()

	resp := HealthResponse{
		Status: "ok",
		Limits: a.Limits,
		Worker: WorkerHealthDTO{Status: "unknown", Stale: true},
	}

	if a.Probe != nil {
		if h, err := a.Probe.Read(ctx); err == nil {
			resp.GPU = GPUHealthDTO{Available: true, MemoryPercent: h.MemoryPercent, TemperatureC: h.TemperatureC}
		}
	}
	if hb, err := a.Store.GetHeartbeat(ctx); err == nil {
		resp.Worker = WorkerHealthDTO{
			Status:       string(hb.Status),
			CurrentJobID: hb.CurrentJobID,
			LoadedModel:  hb.LoadedModel,
			LastSeen:     hb.LastSeen,
			Stale:        hb.Stale(now),
		}
		if hb.Stale(now) {
			resp.Status = "degraded"
		}
	}
	if n, err := a.Store.ActiveJobCount(ctx); err == nil {
		resp.Queue.ActiveJobs = n
	}
	if n, err := a.Store.QueuedRequestCount(ctx); err == nil {
		resp.Queue.QueuedRequests = n
	}

	writeJSON(w, http.StatusOK, resp)
}

// --------------- /admin/dead-letters ---------------

func (a *API) handleListDeadLetters(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.NotFound(w, r)
		return
	}
	ctx := r.Context()

	limit := 100
	if l := r.URL.Query().Get("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil && n > 0 {
			limit = n
		}
	}
	dls, err := a.Store.ListDeadLetters(ctx, r.URL.Query().Get("batch_id"), limit)
	if err != nil {
		a.logf("list dead letters failed: %v", err)
		writeJSON(w, http.StatusInternalServerError, jsonError{
			Error:   "server_error",
			Message: "failed to list dead letters",
		})
		return
	}
	if dls == nil {
		dls = []*batch.DeadLetter{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"dead_letters": dls, "count": len(dls)})
}

func (a *API) deadLetterByIDHandler(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/admin/dead-letters/")
	idStr, sub, _ := strings.Cut(rest, "/")
	if idStr == "" || sub != "retry" || r.Method != http.MethodPost {
		http.NotFound(w, r)
		return
	}
	id, err := strconv.ParseInt(idStr, 10, 64)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, jsonError{
			Error:   "invalid_request",
			Message: "dead-letter id must be an integer",
		})
		return
	}

	dl, err := a.Redeliverer.RetryDeadLetter(r.Context(), id)
	if err != nil {
		a.writeStoreError(w, err, "dead letter not found: %d", id)
		return
	}
	a.logf("retried dead letter id=%d success=%v", id, dl.RetrySuccess != nil && *dl.RetrySuccess)
	writeJSON(w, http.StatusOK, dl)
}

// --------------- Helpers ---------------

// writeIntakeError maps admission and validation failures onto the wire:
// queue pressure is 429, GPU health is 503, everything about the payload
// itself is 400.
func (a *API) writeIntakeError(w http.ResponseWriter, err error) {
	var (
		lineErr      *batch.LineError
		tooLarge     *intake.TooLargeError
		gpuUnhealthy *intake.GPUUnhealthyError
	)
	switch {
	case errors.Is(err, intake.ErrQueueFull), errors.Is(err, intake.ErrTooManyQueued):
		writeJSON(w, http.StatusTooManyRequests, jsonError{
			Error:   "queue_full",
			Message: err.Error(),
		})
	case errors.As(err, &gpuUnhealthy):
		writeJSON(w, http.StatusServiceUnavailable, jsonError{
			Error:   "gpu_unhealthy",
			Message: err.Error(),
		})
	case errors.As(err, &lineErr):
		writeJSON(w, http.StatusBadRequest, jsonError{
			Error:   "invalid_jsonl",
			Message: err.Error(),
		})
	case errors.As(err, &tooLarge),
		errors.Is(err, intake.ErrEmptyFile),
		errors.Is(err, intake.ErrModelRequired):
		writeJSON(w, http.StatusBadRequest, jsonError{
			Error:   "invalid_request",
			Message: err.Error(),
		})
	case errors.Is(err, store.ErrNotFound):
		writeJSON(w, http.StatusNotFound, jsonError{
			Error:   "not_found",
			Message: err.Error(),
		})
	default:
		a.logf("intake failed: %v", err)
		writeJSON(w, http.StatusInternalServerError, jsonError{
			Error:   "server_error",
			Message: "internal error",
		})
	}
}

func (a *API) writeStoreError(w http.ResponseWriter, err error, notFoundMsgFmt string, args ...any) {
	if errors.Is(err, store.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, jsonError{
			Error:   "not_found",
			Message: fmt.Sprintf(notFoundMsgFmt, args...),
		})
		return
	}
	a.logf("store error: %v", err)
	writeJSON(w, http.StatusInternalServerError, jsonError{
		Error:   "server_error",
		Message: "internal error",
	})
}
