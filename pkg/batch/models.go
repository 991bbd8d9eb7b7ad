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

// Package batch contains the shared data models for the batch inference
// control plane: jobs, files, the worker heartbeat, webhook dead letters,
// and the JSONL wire shapes. Status names and timestamp semantics follow
// the OpenAI Batch API.
package batch

import (
	"encoding/json"
	"time"
)

// Endpoint supported by the control plane. Only chat completions for now.
const EndpointChatCompletions = "/v1/chat/completions"

// DefaultCompletionWindow is used when a create request omits the window.
const DefaultCompletionWindow = "24h"

// JobStatus is the lifecycle state of a batch job.
type JobStatus string

const (
	StatusValidating JobStatus = "validating"
	StatusInProgress JobStatus = "in_progress"
	StatusFinalizing JobStatus = "finalizing"
	StatusCompleted  JobStatus = "completed"
	StatusFailed     JobStatus = "failed"
	StatusExpired    JobStatus = "expired"
	StatusCancelling JobStatus = "cancelling"
	StatusCancelled  JobStatus = "cancelled"
)

// Valid reports whether the status is one of the allowed states.
func (s JobStatus) Valid() bool {
	switch s {
	case StatusValidating, StatusInProgress, StatusFinalizing, StatusCompleted,
		StatusFailed, StatusExpired, StatusCancelling, StatusCancelled:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether no further state mutation is allowed
// (webhook delivery state excepted).
func (s JobStatus) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusExpired, StatusCancelled:
		return true
	default:
		return false
	}
}

// String returns the string value of the JobStatus.
func (s JobStatus) String() string { return string(s) }

// allowedTransitions is the edge set of the job state machine. Any write
// that implies an edge outside this set must be rejected by the store.
var allowedTransitions = map[JobStatus][]JobStatus{
	StatusValidating: {StatusInProgress, StatusCancelled, StatusExpired, StatusFailed},
	StatusInProgress: {StatusFinalizing, StatusFailed, StatusCancelling, StatusExpired},
	StatusFinalizing: {StatusCompleted, StatusFailed},
	StatusCancelling: {StatusCancelled},
}

// CanTransition reports whether from → to is a legal edge.
func CanTransition(from, to JobStatus) bool {
	for _, next := range allowedTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// TimestampField returns the column stamped when a job enters the status,
// or "" for validating (created_at is set at insert).
func (s JobStatus) TimestampField() string {
	switch s {
	case StatusInProgress:
		return "in_progress_at"
	case StatusFinalizing:
		return "finalizing_at"
	case StatusCompleted:
		return "completed_at"
	case StatusFailed:
		return "failed_at"
	case StatusExpired:
		return "expired_at"
	case StatusCancelling:
		return "cancelling_at"
	case StatusCancelled:
		return "cancelled_at"
	default:
		return ""
	}
}

// FilePurpose distinguishes uploaded inputs from produced outputs.
type FilePurpose string

const (
	PurposeBatch       FilePurpose = "batch"
	PurposeBatchOutput FilePurpose = "batch_output"
)

// File represents a JSONL artifact on disk. A row exists iff the file was
// fully written (fsync'd) at commit time.
type File struct {
	ID        string      `json:"id"`
	Object    string      `json:"object"` // always "file"
	Filename  string      `json:"filename"`
	Bytes     int64       `json:"bytes"`
	Purpose   FilePurpose `json:"purpose"`
	CreatedAt int64       `json:"created_at"` // unix seconds
	Path      string      `json:"-"`
	Deleted   bool        `json:"-"`
}

// Priority influences scheduling order; ties broken by created_at ascending.
type Priority int

const (
	PriorityLow    Priority = -1
	PriorityNormal Priority = 0
	PriorityHigh   Priority = 1
)

// Valid reports whether p is one of the three recognized tiers.
func (p Priority) Valid() bool {
	return p == PriorityLow || p == PriorityNormal || p == PriorityHigh
}

// WebhookStatus is the delivery state of a job's completion notification.
type WebhookStatus string

const (
	WebhookSent   WebhookStatus = "sent"
	WebhookFailed WebhookStatus = "failed"
)

// Job is the central entity: one submitted batch of inference requests.
type Job struct {
	ID               string `json:"id"`
	Object           string `json:"object"` // always "batch"
	InputFileID      string `json:"input_file_id"`
	OutputFileID     string `json:"output_file_id,omitempty"`
	Endpoint         string `json:"endpoint"`
	CompletionWindow string `json:"completion_window"`

	Status JobStatus `json:"status"`

	CreatedAt    int64 `json:"created_at"`
	ExpiresAt    int64 `json:"expires_at"`
	InProgressAt int64 `json:"in_progress_at,omitempty"`
	FinalizingAt int64 `json:"finalizing_at,omitempty"`
	CompletedAt  int64 `json:"completed_at,omitempty"`
	FailedAt     int64 `json:"failed_at,omitempty"`
	ExpiredAt    int64 `json:"expired_at,omitempty"`
	CancellingAt int64 `json:"cancelling_at,omitempty"`
	CancelledAt  int64 `json:"cancelled_at,omitempty"`

	RequestCounts RequestCounts `json:"request_counts"`

	Priority Priority `json:"priority"`
	Model    string   `json:"model"`

	Metadata json.RawMessage `json:"metadata,omitempty"`
	Errors   json.RawMessage `json:"errors,omitempty"`

	TokensProcessed         int64 `json:"tokens_processed,omitempty"`
	LastProgressUpdate      int64 `json:"last_progress_update,omitempty"`
	EstimatedCompletionTime int64 `json:"estimated_completion_time,omitempty"`

	Webhook WebhookConfig `json:"-"`
}

// RequestCounts tracks per-job progress in the OpenAI wire shape.
type RequestCounts struct {
	Total     int `json:"total"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}

// WebhookConfig holds per-job webhook settings plus delivery state.
// Delivery state is the only part of a terminal job that still mutates.
type WebhookConfig struct {
	URL         string
	Secret      string
	MaxRetries  int
	Timeout     time.Duration
	Events      string // comma-separated, e.g. "completed,failed"
	Status      WebhookStatus
	Attempts    int
	LastAttempt int64
	Error       string
}

// NewJob constructs a Job in validating state with timestamps derived from
// now. The caller assigns the ID before persistence.
func NewJob(inputFileID, model string, total int, priority Priority, window string, now time.Time) Job {
	if window == "" {
		window = DefaultCompletionWindow
	}
	d, err := time.ParseDuration(window)
	if err != nil {
		window = DefaultCompletionWindow
		d = 24 * time.Hour
	}
	return Job{
		Object:           "batch",
		InputFileID:      inputFileID,
		Endpoint:         EndpointChatCompletions,
		CompletionWindow: window,
		Status:           StatusValidating,
		CreatedAt:        now.Unix(),
		ExpiresAt:        now.Add(d).Unix(),
		RequestCounts:    RequestCounts{Total: total},
		Priority:         priority,
		Model:            model,
	}
}

// WorkerStatus is the coarse state advertised by the heartbeat row.
type WorkerStatus string

const (
	WorkerIdle       WorkerStatus = "idle"
	WorkerProcessing WorkerStatus = "processing"
	WorkerTesting    WorkerStatus = "testing"
	WorkerError      WorkerStatus = "error"
)

// HeartbeatStaleAfter is how long readers trust a heartbeat row.
const HeartbeatStaleAfter = 60 * time.Second

// Heartbeat is the singleton liveness row (id=1) written by the scheduler
// and runner each step.
type Heartbeat struct {
	Status           WorkerStatus `json:"status"`
	CurrentJobID     string       `json:"current_job_id,omitempty"`
	LoadedModel      string       `json:"loaded_model,omitempty"`
	ModelLoadedAt    int64        `json:"model_loaded_at,omitempty"`
	WorkerPID        int          `json:"worker_pid"`
	WorkerStartedAt  int64        `json:"worker_started_at"`
	GPUMemoryPercent float64      `json:"gpu_memory_percent"`
	GPUTemperature   float64      `json:"gpu_temperature"`
	LastSeen         int64        `json:"last_seen"`
}

// Stale reports whether the row should not be trusted at the given time.
func (h Heartbeat) Stale(now time.Time) bool {
	return now.Unix()-h.LastSeen > int64(HeartbeatStaleAfter/time.Second)
}

// DeadLetter records a webhook delivery that exhausted its retry budget.
type DeadLetter struct {
	ID            int64  `json:"id"`
	BatchID       string `json:"batch_id"`
	WebhookURL    string `json:"webhook_url"`
	Payload       string `json:"payload"`
	ErrorMessage  string `json:"error_message"`
	Attempts      int    `json:"attempts"`
	LastAttemptAt int64  `json:"last_attempt_at"`
	CreatedAt     int64  `json:"created_at"`
	RetriedAt     int64  `json:"retried_at,omitempty"`
	RetrySuccess  *bool  `json:"retry_success,omitempty"`
}

// FailedRequest records a per-request failure. Under the current chunk
// model a chunk failure fails the whole job, so rows appear only when a
// future per-item path records them.
type FailedRequest struct {
	ID        int64  `json:"id"`
	BatchID   string `json:"batch_id"`
	CustomID  string `json:"custom_id"`
	Line      int    `json:"line"`
	Message   string `json:"message"`
	CreatedAt int64  `json:"created_at"`
}
